package eventlog

import (
	"context"
	"errors"
	"testing"

	"github.com/rzbill/chorus/internal/errs"
)

func TestEnsureChannelIdempotent(t *testing.T) {
	l, _ := newTestLog(t)
	ctx := context.Background()
	again, err := l.EnsureChannel(ctx, Channel{ID: "general", CommunityID: "other"})
	if err != nil {
		t.Fatalf("ensure: %v", err)
	}
	if again.CommunityID != "c1" {
		t.Fatalf("existing channel was overwritten: %+v", again)
	}
	if _, err := l.EnsureChannel(ctx, Channel{ID: "bad/id"}); errs.ClassOf(err) != errs.Invalid {
		t.Fatalf("expected invalid id to fail, got %v", err)
	}
	if _, err := l.Channel(ctx, "nope"); !errors.Is(err, errs.ErrUnknownChannel) {
		t.Fatalf("want unknown channel, got %v", err)
	}
}

func TestChannelsFilterByCommunity(t *testing.T) {
	l, _ := newTestLog(t)
	ctx := context.Background()
	for _, ch := range []Channel{{ID: "random", CommunityID: "c1"}, {ID: "ops", CommunityID: "c2"}} {
		if _, err := l.EnsureChannel(ctx, ch); err != nil {
			t.Fatalf("ensure: %v", err)
		}
	}
	mustAppend(t, l, draft("alpha", 1, "x"))

	c1, err := l.Channels(ctx, "c1")
	if err != nil || len(c1) != 2 || c1[0].ID != "general" || c1[1].ID != "random" {
		t.Fatalf("c1 channels: %+v %v", c1, err)
	}
	if c1[0].Head != 1 {
		t.Fatalf("head not filled: %d", c1[0].Head)
	}
	all, _ := l.Channels(ctx, "")
	if len(all) != 3 {
		t.Fatalf("want 3 channels, got %d", len(all))
	}
}

func TestSharePeer(t *testing.T) {
	l, _ := newTestLog(t)
	ctx := context.Background()
	added, err := l.SharePeer(ctx, "general", "beta.example")
	if err != nil || !added {
		t.Fatalf("share: %v %v", added, err)
	}
	if added, _ := l.SharePeer(ctx, "general", "beta.example"); added {
		t.Fatalf("second share should be a no-op")
	}
	ch, _ := l.Channel(ctx, "general")
	if len(ch.Peers) != 1 || ch.Peers[0] != "beta.example" {
		t.Fatalf("peers: %v", ch.Peers)
	}
	removed, err := l.UnsharePeer(ctx, "general", "beta.example")
	if err != nil || !removed {
		t.Fatalf("unshare: %v %v", removed, err)
	}
}
