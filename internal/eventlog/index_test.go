package eventlog

import (
	"context"
	"errors"
	"testing"

	"github.com/rzbill/chorus/internal/errs"
	"github.com/rzbill/chorus/internal/event"
	"github.com/rzbill/chorus/internal/storage"
	"github.com/rzbill/chorus/pkg/id"
)

func withPayload(origin string, opos uint64, p event.Payload) event.Event {
	ev := draft(origin, opos, "")
	ev.Payload = p
	return ev
}

func TestResolveFindsEventByOrigin(t *testing.T) {
	l, _ := newTestLog(t)
	mustAppend(t, l, draft("alpha", 1, "a1"))
	mustAppend(t, l, draft("beta", 1, "b1"))
	ctx := context.Background()

	ev, err := l.Resolve(ctx, "general", event.Ref{Origin: "beta", Position: 1})
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if ev.LocalPosition != 2 || ev.Payload.(event.Message).Content != "b1" {
		t.Fatalf("resolved wrong event: %+v", ev)
	}
	if _, err := l.Resolve(ctx, "general", event.Ref{Origin: "beta", Position: 2}); !errors.Is(err, errs.ErrNotFound) {
		t.Fatalf("want not found, got %v", err)
	}
	if _, err := l.Resolve(ctx, "general", event.Ref{}); !errors.Is(err, errs.ErrNotFound) {
		t.Fatalf("zero ref: want not found, got %v", err)
	}
}

func TestMessageByIDFirstWriterWins(t *testing.T) {
	l, _ := newTestLog(t)
	ctx := context.Background()
	msgID := id.NewGenerator().Next()

	mustAppend(t, l, withPayload("alpha", 1, event.Message{ID: msgID, Content: "first"}))
	mustAppend(t, l, withPayload("beta", 1, event.Message{ID: msgID, Content: "replay"}))

	ev, err := l.MessageByID(ctx, "general", msgID)
	if err != nil {
		t.Fatalf("by id: %v", err)
	}
	if ev.LocalPosition != 1 {
		t.Fatalf("id should keep pointing at the first message, got %d", ev.LocalPosition)
	}
	if _, err := l.MessageByID(ctx, "general", id.NewGenerator().Next()); !errors.Is(err, errs.ErrNotFound) {
		t.Fatalf("want not found, got %v", err)
	}
	if _, err := l.MessageByID(ctx, "nope", msgID); !errors.Is(err, errs.ErrUnknownChannel) {
		t.Fatalf("want unknown channel, got %v", err)
	}
}

func TestPinnedFollowsPinUnpinAndRedaction(t *testing.T) {
	l, _ := newTestLog(t)
	ctx := context.Background()
	mustAppend(t, l, draft("alpha", 1, "a1"))
	mustAppend(t, l, draft("beta", 1, "b1"))
	mustAppend(t, l, draft("alpha", 2, "a2"))

	a1 := event.Ref{Origin: "alpha", Position: 1}
	b1 := event.Ref{Origin: "beta", Position: 1}
	a2 := event.Ref{Origin: "alpha", Position: 2}
	mustAppend(t, l, withPayload("alpha", 3, event.Pin{Target: b1}))
	mustAppend(t, l, withPayload("alpha", 4, event.Pin{Target: a1}))
	mustAppend(t, l, withPayload("beta", 2, event.Pin{Target: a2}))
	// A pin on an event this server has not seen yet.
	mustAppend(t, l, withPayload("beta", 3, event.Pin{Target: event.Ref{Origin: "gamma", Position: 7}}))

	got, err := l.Pinned(ctx, "general")
	if err != nil {
		t.Fatalf("pinned: %v", err)
	}
	if len(got) != 3 || got[0].LocalPosition != 1 || got[1].LocalPosition != 2 || got[2].LocalPosition != 3 {
		t.Fatalf("unexpected pins: %+v", got)
	}

	mustAppend(t, l, withPayload("beta", 4, event.Pin{Target: a1, Unpin: true}))
	mustAppend(t, l, withPayload("alpha", 5, event.Redaction{Target: a2}))
	got, err = l.Pinned(ctx, "general")
	if err != nil {
		t.Fatalf("pinned: %v", err)
	}
	if len(got) != 1 || got[0].Ref() != b1 {
		t.Fatalf("want only b1 pinned, got %+v", got)
	}
}

func TestVerifyQuarantinesAndRepairs(t *testing.T) {
	l, _ := newTestLog(t)
	ctx := context.Background()
	msgID := id.NewGenerator().Next()
	mustAppend(t, l, draft("alpha", 1, "a1"))
	mustAppend(t, l, draft("alpha", 2, "a2"))
	mustAppend(t, l, withPayload("beta", 1, event.Message{ID: msgID, Content: "b1"}))
	mustAppend(t, l, draft("alpha", 3, "a3"))
	mustAppend(t, l, draft("alpha", 4, "a4"))

	rep, err := l.Verify(ctx, "general")
	if err != nil {
		t.Fatalf("verify: %v", err)
	}
	if rep.Checked != 5 || rep.Corrupt != 0 || rep.Missing != 0 || rep.Repaired != 0 {
		t.Fatalf("clean log reported problems: %+v", rep)
	}

	err = l.db.PutBatch(ctx, []storage.Entry{
		storage.Put(KeyEvent("general", 2), []byte("not a record")),
		storage.Del(KeyOrigin("general", "beta", 1)),
		storage.Del(KeyMessageID("general", msgID.Bytes())),
	})
	if err != nil {
		t.Fatalf("damage: %v", err)
	}

	rep, err = l.Verify(ctx, "general")
	if err != nil {
		t.Fatalf("verify: %v", err)
	}
	if rep.Checked != 4 || rep.Corrupt != 1 || rep.Repaired != 2 {
		t.Fatalf("unexpected report: %+v", rep)
	}
	if ev, err := l.Resolve(ctx, "general", event.Ref{Origin: "beta", Position: 1}); err != nil || ev.LocalPosition != 3 {
		t.Fatalf("origin index not repaired: %+v %v", ev, err)
	}
	if ev, err := l.MessageByID(ctx, "general", msgID); err != nil || ev.LocalPosition != 3 {
		t.Fatalf("id index not repaired: %+v %v", ev, err)
	}

	// The quarantined record now shows up as a gap.
	rep, err = l.Verify(ctx, "general")
	if err != nil {
		t.Fatalf("verify: %v", err)
	}
	if rep.Checked != 4 || rep.Corrupt != 0 || rep.Missing != 1 || rep.Repaired != 0 {
		t.Fatalf("unexpected report after quarantine: %+v", rep)
	}
}

func TestVerifyAllCoversEveryChannel(t *testing.T) {
	l, _ := newTestLog(t)
	ctx := context.Background()
	if _, err := l.EnsureChannel(ctx, Channel{ID: "random", CommunityID: "c1"}); err != nil {
		t.Fatalf("ensure: %v", err)
	}
	mustAppend(t, l, draft("alpha", 1, "a1"))

	reps, err := l.VerifyAll(ctx)
	if err != nil {
		t.Fatalf("verify all: %v", err)
	}
	if len(reps) != 2 {
		t.Fatalf("want two reports, got %+v", reps)
	}
	for _, r := range reps {
		if r.Channel == "general" && r.Checked != 1 {
			t.Fatalf("general: %+v", r)
		}
	}
}
