// Package events publishes comment lifecycle transitions to the host
// application.
package events

import (
	"context"
	"time"

	"github.com/sirupsen/logrus"

	"threadline/api/internal/store"
)

type Type string

const (
	CommentPosted          Type = "comment.posted"
	ConfirmationRequested  Type = "comment.confirmation_requested"
	CommentPublished       Type = "comment.published"
	CommentAwaitModeration Type = "comment.awaiting_moderation"
	CommentRemoved         Type = "comment.removed"
	CommentDiscarded       Type = "comment.discarded"
	FollowupToggled        Type = "comment.followup_toggled"
	ThreadMuted            Type = "comment.thread_muted"
)

type Event struct {
	Type       Type         `json:"type"`
	CommentID  int64        `json:"comment_id,omitempty"`
	Target     store.Target `json:"target"`
	ThreadID   int64        `json:"thread_id,omitempty"`
	Email      string       `json:"email,omitempty"`
	Reason     string       `json:"reason,omitempty"`
	OccurredAt time.Time    `json:"occurred_at"`
}

// ForComment fills an event from a persisted comment.
func ForComment(t Type, c store.Comment) Event {
	return Event{
		Type:       t,
		CommentID:  c.ID,
		Target:     c.Target,
		ThreadID:   c.ThreadID,
		OccurredAt: time.Now().UTC(),
	}
}

type Publisher interface {
	Publish(ctx context.Context, event Event) error
}

// LogPublisher writes events to the log. Used when no broker is configured.
type LogPublisher struct {
	log logrus.FieldLogger
}

func NewLogPublisher(log logrus.FieldLogger) *LogPublisher {
	return &LogPublisher{log: log}
}

func (p *LogPublisher) Publish(_ context.Context, event Event) error {
	p.log.WithFields(logrus.Fields{
		"event":      event.Type,
		"comment_id": event.CommentID,
		"target":     event.Target.String(),
		"thread_id":  event.ThreadID,
	}).Info("comment event")
	return nil
}
