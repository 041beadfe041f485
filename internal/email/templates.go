package email

import (
	"bytes"
	"fmt"
	htmltemplate "html/template"
	"strings"
	texttemplate "text/template"
)

// Rendered is a mail ready for Service.Send. HTML is empty unless HTML mail
// is enabled.
type Rendered struct {
	Subject string
	Text    string
	HTML    string
}

type ConfirmationData struct {
	SiteName   string
	UserName   string
	Body       string
	ConfirmURL string
}

type FollowupData struct {
	SiteName      string
	RecipientName string
	AuthorName    string
	Body          string
	CommentURL    string
	MuteURL       string
	FollowURL     string
}

type pair struct {
	subject *texttemplate.Template
	text    *texttemplate.Template
	html    *htmltemplate.Template
}

func mustPair(name, subject, text, html string) pair {
	return pair{
		subject: texttemplate.Must(texttemplate.New(name + ".subject").Parse(subject)),
		text:    texttemplate.Must(texttemplate.New(name + ".txt").Parse(text)),
		html:    htmltemplate.Must(htmltemplate.New(name + ".html").Parse(html)),
	}
}

// Templates renders confirmation requests and follow-up notifications.
type Templates struct {
	sendHTML     bool
	confirmation pair
	followup     pair
}

func NewTemplates(sendHTML bool) *Templates {
	return &Templates{
		sendHTML:     sendHTML,
		confirmation: mustPair("confirmation", confirmationSubject, confirmationText, confirmationHTML),
		followup:     mustPair("followup", followupSubject, followupText, followupHTML),
	}
}

func (t *Templates) RenderConfirmation(data ConfirmationData) (Rendered, error) {
	return t.render(t.confirmation, data)
}

func (t *Templates) RenderFollowup(data FollowupData) (Rendered, error) {
	return t.render(t.followup, data)
}

func (t *Templates) render(p pair, data any) (Rendered, error) {
	var out Rendered
	var buf bytes.Buffer
	if err := p.subject.Execute(&buf, data); err != nil {
		return Rendered{}, fmt.Errorf("render %s: %w", p.subject.Name(), err)
	}
	out.Subject = strings.TrimSpace(buf.String())

	buf.Reset()
	if err := p.text.Execute(&buf, data); err != nil {
		return Rendered{}, fmt.Errorf("render %s: %w", p.text.Name(), err)
	}
	out.Text = buf.String()

	if !t.sendHTML {
		return out, nil
	}
	buf.Reset()
	if err := p.html.Execute(&buf, data); err != nil {
		return Rendered{}, fmt.Errorf("render %s: %w", p.html.Name(), err)
	}
	out.HTML = buf.String()
	return out, nil
}

const confirmationSubject = `[{{.SiteName}}] comment confirmation request`

const confirmationText = `Hi {{.UserName}},

You or someone in your name sent the following comment to {{.SiteName}}:

{{.Body}}

To publish it, confirm by opening this link:

{{.ConfirmURL}}

If you did not send this comment, ignore this message and nothing will be published.
`

const confirmationHTML = `<!DOCTYPE html>
<html>
<head>
    <meta charset="UTF-8">
    <title>Confirm your comment on {{.SiteName}}</title>
    <style>
        body { font-family: -apple-system, BlinkMacSystemFont, 'Segoe UI', Roboto, sans-serif; line-height: 1.6; color: #333; max-width: 600px; margin: 0 auto; padding: 20px; }
        .button { display: inline-block; padding: 12px 24px; background: #0066cc; color: white; text-decoration: none; border-radius: 4px; margin: 20px 0; }
        .quote { border-left: 3px solid #ddd; padding-left: 12px; color: #555; white-space: pre-wrap; }
        .link { word-break: break-all; color: #0066cc; }
        .footer { margin-top: 30px; padding-top: 20px; border-top: 1px solid #eee; font-size: 12px; color: #666; }
    </style>
</head>
<body>
    <p>Hi {{.UserName}},</p>
    <p>You or someone in your name sent the following comment to {{.SiteName}}:</p>
    <div class="quote">{{.Body}}</div>
    <p><a href="{{.ConfirmURL}}" class="button">Confirm comment</a></p>
    <p>Or copy and paste this link into your browser:</p>
    <p class="link">{{.ConfirmURL}}</p>
    <div class="footer">
        <p>If you did not send this comment, ignore this message and nothing will be published.</p>
    </div>
</body>
</html>`

const followupSubject = `[{{.SiteName}}] new comment posted`

const followupText = `Hi {{.RecipientName}},

{{.AuthorName}} replied in a thread you follow on {{.SiteName}}:

{{.Body}}

Read it here: {{.CommentURL}}

To stop receiving notifications for this thread: {{.MuteURL}}
`

const followupHTML = `<!DOCTYPE html>
<html>
<head>
    <meta charset="UTF-8">
    <title>New comment on {{.SiteName}}</title>
    <style>
        body { font-family: -apple-system, BlinkMacSystemFont, 'Segoe UI', Roboto, sans-serif; line-height: 1.6; color: #333; max-width: 600px; margin: 0 auto; padding: 20px; }
        .quote { border-left: 3px solid #ddd; padding-left: 12px; color: #555; white-space: pre-wrap; }
        .footer { margin-top: 30px; padding-top: 20px; border-top: 1px solid #eee; font-size: 12px; color: #666; }
    </style>
</head>
<body>
    <p>Hi {{.RecipientName}},</p>
    <p>{{.AuthorName}} replied in a thread you follow on {{.SiteName}}:</p>
    <div class="quote">{{.Body}}</div>
    <p><a href="{{.CommentURL}}">Read the comment</a></p>
    <div class="footer">
        <p><a href="{{.MuteURL}}">Mute this thread</a>. Changed your mind later? <a href="{{.FollowURL}}">Follow it again</a>.</p>
    </div>
</body>
</html>`
