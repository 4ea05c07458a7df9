package events

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/bytedance/sonic"
	"github.com/sirupsen/logrus/hooks/test"

	"ootd-notify/domain"
)

type chanSender struct {
	payloads chan string
	err      error
}

func (s *chanSender) SendEvent(ctx context.Context, payload string) error {
	if s.err != nil {
		return s.err
	}
	select {
	case s.payloads <- payload:
	case <-ctx.Done():
		return ctx.Err()
	}
	return nil
}

func newTestPublisher(t *testing.T, sender QueueSender) *Publisher {
	t.Helper()
	logger, _ := test.NewNullLogger()
	p := NewPublisher(sender, logger, 16, 2, time.Second)
	t.Cleanup(p.Close)
	return p
}

func TestPublishSendsSerializedEvent(t *testing.T) {
	sender := &chanSender{payloads: make(chan string, 1)}
	p := newTestPublisher(t, sender)

	ev, err := domain.NewFeedLiked("owner", "f1", "fit", "mina")
	if err != nil {
		t.Fatalf("new event: %v", err)
	}
	p.Publish(ev)

	select {
	case payload := <-sender.payloads:
		var decoded domain.Event
		if err := sonic.Unmarshal([]byte(payload), &decoded); err != nil {
			t.Fatalf("unmarshal payload: %v", err)
		}
		if decoded.Type != domain.FeedLiked {
			t.Fatalf("unexpected type: %s", decoded.Type)
		}
		if len(decoded.Receivers) != 1 || decoded.Receivers[0] != "owner" {
			t.Fatalf("unexpected receivers: %v", decoded.Receivers)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("event never reached the queue sender")
	}
}

func TestPublishSwallowsSendFailure(t *testing.T) {
	logger, hook := test.NewNullLogger()
	p := NewPublisher(&chanSender{err: errors.New("broker down")}, logger, 4, 1, time.Second)

	ev, err := domain.NewFollowCreated("u1", "mina")
	if err != nil {
		t.Fatalf("new event: %v", err)
	}
	p.Publish(ev)
	p.Close()

	found := false
	for _, entry := range hook.AllEntries() {
		if entry.Message == "failed to publish event" {
			found = true
		}
	}
	if !found {
		t.Fatal("send failure should be logged")
	}
}

func TestTxBufferCommitPublishesStagedEvents(t *testing.T) {
	sender := &chanSender{payloads: make(chan string, 4)}
	p := newTestPublisher(t, sender)

	buf := p.Buffer()
	ev1, _ := domain.NewFollowCreated("u1", "mina")
	ev2, _ := domain.NewDmReceived("u1", "jun", "hi")
	buf.Stage(ev1)
	buf.Stage(ev2)

	select {
	case payload := <-sender.payloads:
		t.Fatalf("nothing may be sent before commit, got %s", payload)
	case <-time.After(50 * time.Millisecond):
	}

	buf.Commit()
	for i := 0; i < 2; i++ {
		select {
		case <-sender.payloads:
		case <-time.After(2 * time.Second):
			t.Fatalf("staged event %d never sent after commit", i)
		}
	}

	// a committed buffer is inert
	buf.Stage(ev1)
	buf.Commit()
	select {
	case payload := <-sender.payloads:
		t.Fatalf("committed buffer must not resend, got %s", payload)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestTxBufferDiscardDropsStagedEvents(t *testing.T) {
	sender := &chanSender{payloads: make(chan string, 1)}
	p := newTestPublisher(t, sender)

	buf := p.Buffer()
	ev, _ := domain.NewFollowCreated("u1", "mina")
	buf.Stage(ev)
	buf.Discard()
	buf.Commit()

	select {
	case payload := <-sender.payloads:
		t.Fatalf("discarded events must not be sent, got %s", payload)
	case <-time.After(50 * time.Millisecond):
	}
}
