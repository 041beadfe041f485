package store

import (
	"strings"
	"time"
)

// Target identifies the object a comment is attached to.
type Target struct {
	Type string `json:"type"`
	ID   string `json:"id"`
}

func (t Target) String() string {
	return t.Type + ":" + t.ID
}

func (t Target) IsZero() bool {
	return t.Type == "" || t.ID == ""
}

// Comment is a persisted comment. ParentID is 0 for top-level comments, whose
// ThreadID equals their own ID. Sorting a target's comments by (ThreadID,
// Order) yields a pre-order walk of every thread.
type Comment struct {
	ID         int64
	Target     Target
	UserID     string
	UserName   string
	UserEmail  string
	UserURL    string
	Body       string
	IPAddress  string
	SubmitDate time.Time
	ThreadID   int64
	ParentID   int64
	Level      int
	Order      int
	IsPublic   bool
	IsRemoved  bool
	Followup   bool
}

// Visible reports whether the comment is shown to readers.
func (c Comment) Visible() bool {
	return c.IsPublic && !c.IsRemoved
}

// Draft is an unpersisted comment. It travels inside confirmation tokens, so
// the JSON keys are kept short.
type Draft struct {
	Target     Target    `json:"t"`
	ParentID   int64     `json:"p,omitempty"`
	UserID     string    `json:"uid,omitempty"`
	UserName   string    `json:"n"`
	UserEmail  string    `json:"e"`
	UserURL    string    `json:"u,omitempty"`
	Body       string    `json:"b"`
	IPAddress  string    `json:"ip,omitempty"`
	SubmitDate time.Time `json:"d"`
	Followup   bool      `json:"f,omitempty"`
}

// Comment returns the persisted shape of d without coordinates.
func (d Draft) Comment() Comment {
	return Comment{
		Target:     d.Target,
		UserID:     d.UserID,
		UserName:   d.UserName,
		UserEmail:  d.UserEmail,
		UserURL:    d.UserURL,
		Body:       d.Body,
		IPAddress:  d.IPAddress,
		SubmitDate: d.SubmitDate,
		ParentID:   d.ParentID,
		Followup:   d.Followup,
	}
}

// SameSubmission reports whether c was created from d. Used to make
// confirmation idempotent.
func (d Draft) SameSubmission(c Comment) bool {
	return c.Target == d.Target &&
		c.UserName == d.UserName &&
		c.UserEmail == d.UserEmail &&
		c.Followup == d.Followup &&
		c.SubmitDate.Equal(d.SubmitDate)
}

// SubmitTime truncates t to the precision the database keeps.
func SubmitTime(t time.Time) time.Time {
	return t.UTC().Truncate(time.Microsecond)
}

// NormalizeEmail is the comparison form of an author email.
func NormalizeEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}
