package events

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"
)

func TestNewEvent(t *testing.T) {
	t.Parallel()

	evt := NewEvent("ledger.transfer", map[string]string{"identity": "C66F54D1"})
	if evt.Type != "ledger.transfer" {
		t.Fatalf("expected type ledger.transfer, got %q", evt.Type)
	}
	if evt.At == "" || evt.ID == "" {
		t.Fatal("expected id and timestamp")
	}
	var payload map[string]string
	if err := json.Unmarshal(evt.Data, &payload); err != nil {
		t.Fatalf("decode payload: %v", err)
	}
	if payload["identity"] != "C66F54D1" {
		t.Fatalf("unexpected payload %v", payload)
	}
	if NewEvent("ready", nil).Data != nil {
		t.Fatal("expected no data for nil payload")
	}
}

func TestSubscribePublishAndUnsubscribeIdempotent(t *testing.T) {
	t.Parallel()

	h := NewHub()
	ch := h.Subscribe(1)
	if h.Subscribers() != 1 {
		t.Fatal("expected one subscriber")
	}
	_ = h.Publish(context.Background(), NewEvent("ready", nil))

	select {
	case evt := <-ch:
		if evt.Type != "ready" {
			t.Fatalf("expected ready event, got %q", evt.Type)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for event")
	}

	h.Unsubscribe(ch)
	h.Unsubscribe(ch)
	if _, ok := <-ch; ok {
		t.Fatal("expected closed channel after unsubscribe")
	}
}

func TestPublishDropsForSlowSubscriber(t *testing.T) {
	t.Parallel()

	h := NewHub()
	ch := h.Subscribe(1)
	defer h.Unsubscribe(ch)
	_ = h.Publish(context.Background(), NewEvent("one", nil))
	done := make(chan struct{})
	go func() {
		_ = h.Publish(context.Background(), NewEvent("two", nil))
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("publish blocked on a full subscriber")
	}
	if evt := <-ch; evt.Type != "one" {
		t.Fatalf("expected first event kept, got %q", evt.Type)
	}
}

type recordingSink struct {
	got []Event
	err error
}

func (r *recordingSink) Publish(_ context.Context, evt Event) error {
	r.got = append(r.got, evt)
	return r.err
}

func TestFanoutContinuesPastFailingSink(t *testing.T) {
	t.Parallel()

	bad := &recordingSink{err: errors.New("broker down")}
	good := &recordingSink{}
	f := Fanout{bad, nil, good}
	if err := f.Publish(context.Background(), NewEvent("ledger.query", nil)); err != nil {
		t.Fatalf("fanout must not fail: %v", err)
	}
	if len(bad.got) != 1 || len(good.got) != 1 {
		t.Fatalf("expected both sinks called, got %d/%d", len(bad.got), len(good.got))
	}
}
