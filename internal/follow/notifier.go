// Package follow notifies earlier participants of a thread about a new
// comment. Each notification carries signed mute and follow links, so no
// subscription state is kept besides the Followup flag on comments.
package follow

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"threadline/api/internal/email"
	"threadline/api/internal/signed"
	"threadline/api/internal/store"
)

type Action string

const (
	ActionMute     Action = "mute"
	ActionReengage Action = "reengage"
)

// ActionPayload is signed into mute and follow links. AnchorID is the
// recipient's own comment whose stored email must match Email when the link
// is used.
type ActionPayload struct {
	Email     string `json:"e"`
	CommentID int64  `json:"c"`
	AnchorID  int64  `json:"f"`
	Action    Action `json:"a"`
	Epoch     int64  `json:"t"`
}

type Lister interface {
	ListThread(ctx context.Context, target store.Target, threadID int64) ([]store.Comment, error)
}

type Renderer interface {
	RenderFollowup(data email.FollowupData) (email.Rendered, error)
}

type Mailer interface {
	Send(ctx context.Context, subject, text, html string, to []string) error
}

// Message is one rendered notification for one follower.
type Message struct {
	Recipient string
	Name      string
	Subject   string
	Data      email.FollowupData
	Text      string
	HTML      string
}

type Config struct {
	SiteName    string
	PublicURL   string
	Concurrency int
}

type Notifier struct {
	lister   Lister
	codec    *signed.Codec
	renderer Renderer
	mailer   Mailer
	log      logrus.FieldLogger
	cfg      Config
	now      func() time.Time
}

func NewNotifier(lister Lister, codec *signed.Codec, renderer Renderer, mailer Mailer, log logrus.FieldLogger, cfg Config) *Notifier {
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 4
	}
	cfg.PublicURL = strings.TrimRight(cfg.PublicURL, "/")
	return &Notifier{
		lister:   lister,
		codec:    codec,
		renderer: renderer,
		mailer:   mailer,
		log:      log,
		cfg:      cfg,
		now:      time.Now,
	}
}

type follower struct {
	email  string
	latest store.Comment
}

// Plan returns one message per distinct follower of comment's thread. The
// comment's own author is never a recipient. A follower whose message fails
// to render is logged and skipped.
func (n *Notifier) Plan(ctx context.Context, comment store.Comment) ([]Message, error) {
	thread, err := n.lister.ListThread(ctx, comment.Target, comment.ThreadID)
	if err != nil {
		return nil, fmt.Errorf("list thread %d: %w", comment.ThreadID, err)
	}

	author := store.NormalizeEmail(comment.UserEmail)
	index := make(map[string]int)
	followers := make([]follower, 0)
	for _, c := range thread {
		if c.ID == comment.ID || !c.Visible() || !c.Followup {
			continue
		}
		addr := store.NormalizeEmail(c.UserEmail)
		if addr == "" || addr == author {
			continue
		}
		i, seen := index[addr]
		if !seen {
			index[addr] = len(followers)
			followers = append(followers, follower{email: addr, latest: c})
			continue
		}
		if newer(c, followers[i].latest) {
			followers[i].latest = c
		}
	}

	epoch := n.now().Unix()
	messages := make([]Message, 0, len(followers))
	for _, f := range followers {
		msg, err := n.message(comment, f, epoch)
		if err != nil {
			n.log.WithError(err).WithField("comment_id", comment.ID).Warn("skipping follower")
			continue
		}
		messages = append(messages, msg)
	}
	return messages, nil
}

func newer(a, b store.Comment) bool {
	if !a.SubmitDate.Equal(b.SubmitDate) {
		return a.SubmitDate.After(b.SubmitDate)
	}
	return a.ID > b.ID
}

func (n *Notifier) message(comment store.Comment, f follower, epoch int64) (Message, error) {
	mute, err := n.link("mute", ActionPayload{Email: f.email, CommentID: comment.ID, AnchorID: f.latest.ID, Action: ActionMute, Epoch: epoch})
	if err != nil {
		return Message{}, err
	}
	follow, err := n.link("follow", ActionPayload{Email: f.email, CommentID: comment.ID, AnchorID: f.latest.ID, Action: ActionReengage, Epoch: epoch})
	if err != nil {
		return Message{}, err
	}

	data := email.FollowupData{
		SiteName:      n.cfg.SiteName,
		RecipientName: f.latest.UserName,
		AuthorName:    comment.UserName,
		Body:          comment.Body,
		CommentURL:    n.cfg.PublicURL + "/api/comments/" + strconv.FormatInt(comment.ID, 10),
		MuteURL:       mute,
		FollowURL:     follow,
	}
	rendered, err := n.renderer.RenderFollowup(data)
	if err != nil {
		return Message{}, fmt.Errorf("render followup for comment %d: %w", comment.ID, err)
	}
	return Message{
		Recipient: f.email,
		Name:      f.latest.UserName,
		Subject:   rendered.Subject,
		Data:      data,
		Text:      rendered.Text,
		HTML:      rendered.HTML,
	}, nil
}

func (n *Notifier) link(path string, payload ActionPayload) (string, error) {
	token, err := n.codec.Encode(payload, false)
	if err != nil {
		return "", fmt.Errorf("sign %s link: %w", payload.Action, err)
	}
	return n.cfg.PublicURL + "/api/comments/" + path + "/" + token, nil
}

// Dispatch sends messages concurrently and returns how many were accepted by
// the mailer. A failed send is logged and does not affect the others.
func (n *Notifier) Dispatch(ctx context.Context, messages []Message) int {
	var sent atomic.Int64
	var g errgroup.Group
	g.SetLimit(n.cfg.Concurrency)
	for _, msg := range messages {
		msg := msg
		g.Go(func() error {
			if err := n.mailer.Send(ctx, msg.Subject, msg.Text, msg.HTML, []string{msg.Recipient}); err != nil {
				n.log.WithError(err).WithField("recipient", msg.Recipient).Warn("followup notification failed")
				return nil
			}
			sent.Add(1)
			return nil
		})
	}
	_ = g.Wait()
	return int(sent.Load())
}

// Notify plans and dispatches notifications for a persisted public comment.
func (n *Notifier) Notify(ctx context.Context, comment store.Comment) int {
	messages, err := n.Plan(ctx, comment)
	if err != nil {
		n.log.WithError(err).WithField("comment_id", comment.ID).Error("plan followup notifications")
		return 0
	}
	if len(messages) == 0 {
		return 0
	}
	sent := n.Dispatch(ctx, messages)
	n.log.WithFields(logrus.Fields{
		"comment_id": comment.ID,
		"planned":    len(messages),
		"sent":       sent,
	}).Info("followup notifications dispatched")
	return sent
}
