package events

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/sirupsen/logrus/hooks/test"

	"threadline/api/internal/store"
)

type fakeChannel struct {
	exchange string
	msgs     []amqp.Publishing
	err      error
	closed   bool
}

func (f *fakeChannel) PublishWithContext(_ context.Context, exchange, _ string, _, _ bool, msg amqp.Publishing) error {
	if f.err != nil {
		return f.err
	}
	f.exchange = exchange
	f.msgs = append(f.msgs, msg)
	return nil
}

func (f *fakeChannel) Close() error {
	f.closed = true
	return nil
}

func TestRabbitMQPublishesJSON(t *testing.T) {
	ch := &fakeChannel{}
	p := &RabbitMQ{channel: ch, exchange: DefaultExchange}

	comment := store.Comment{ID: 9, ThreadID: 3, Target: store.Target{Type: "blog.post", ID: "1"}}
	if err := p.Publish(context.Background(), ForComment(CommentPublished, comment)); err != nil {
		t.Fatalf("Publish: %v", err)
	}
	if ch.exchange != DefaultExchange || len(ch.msgs) != 1 {
		t.Fatalf("unexpected publish: exchange=%q msgs=%d", ch.exchange, len(ch.msgs))
	}
	msg := ch.msgs[0]
	if msg.Type != string(CommentPublished) || msg.ContentType != "application/json" {
		t.Fatalf("unexpected message metadata: %+v", msg)
	}

	var decoded Event
	if err := json.Unmarshal(msg.Body, &decoded); err != nil {
		t.Fatalf("unmarshal body: %v", err)
	}
	if decoded.CommentID != 9 || decoded.ThreadID != 3 || decoded.Target.ID != "1" {
		t.Fatalf("unexpected event body: %+v", decoded)
	}

	if err := p.Close(); err != nil || !ch.closed {
		t.Fatalf("expected channel to close, err=%v", err)
	}
}

func TestRabbitMQWrapsPublishErrors(t *testing.T) {
	boom := errors.New("channel closed")
	p := &RabbitMQ{channel: &fakeChannel{err: boom}, exchange: DefaultExchange}
	if err := p.Publish(context.Background(), Event{Type: CommentDiscarded}); !errors.Is(err, boom) {
		t.Fatalf("expected wrapped error, got %v", err)
	}
}

func TestLogPublisher(t *testing.T) {
	logger, hook := test.NewNullLogger()
	p := NewLogPublisher(logger)
	if err := p.Publish(context.Background(), Event{Type: ThreadMuted, CommentID: 4}); err != nil {
		t.Fatalf("Publish: %v", err)
	}
	entry := hook.LastEntry()
	if entry == nil || entry.Data["event"] != ThreadMuted {
		t.Fatalf("expected a log entry for the event, got %+v", entry)
	}
}
