package dispatch

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"
)

func TestPoolLifecycle(t *testing.T) {
	var n atomic.Int64
	p := NewPool(2, 8, func(_ context.Context, v int) error {
		n.Add(int64(v))
		if v < 0 {
			return errors.New("negative")
		}
		return nil
	})
	// Queued until the workers start.
	if err := p.Submit(1); err != nil {
		t.Fatalf("submit before start: %v", err)
	}
	p.Start(context.Background())
	for _, v := range []int{1, 2, 3, -1} {
		if err := p.Submit(v); err != nil {
			t.Fatalf("submit %d: %v", v, err)
		}
	}
	if err := p.Stop(time.Second); err != nil {
		t.Fatalf("stop: %v", err)
	}
	if got := n.Load(); got != 6 {
		t.Fatalf("sum = %d, want 6", got)
	}
	st := p.Stats()
	if st.Processed != 5 || st.Failed != 1 {
		t.Fatalf("stats = %+v", st)
	}
	if err := p.Submit(1); !errors.Is(err, ErrPoolStopped) {
		t.Fatalf("submit after stop: %v", err)
	}
}

func TestPoolRejectsWhenFull(t *testing.T) {
	release := make(chan struct{})
	p := NewPool(1, 1, func(_ context.Context, _ int) error {
		<-release
		return nil
	})
	p.Start(context.Background())
	var rejected bool
	for i := 0; i < 5; i++ {
		if err := p.Submit(i); errors.Is(err, ErrQueueFull) {
			rejected = true
		}
	}
	close(release)
	if !rejected {
		t.Fatal("expected a full queue")
	}
	if err := p.Stop(time.Second); err != nil {
		t.Fatalf("stop: %v", err)
	}
}

func TestPoolStoppedBeforeStart(t *testing.T) {
	var n atomic.Int64
	p := NewPool(1, 4, func(_ context.Context, v int) error {
		n.Add(int64(v))
		return nil
	})
	if err := p.Submit(1); err != nil {
		t.Fatalf("submit: %v", err)
	}
	if err := p.Stop(time.Second); err != nil {
		t.Fatalf("stop: %v", err)
	}
	p.Start(context.Background())
	if err := p.Submit(1); !errors.Is(err, ErrPoolStopped) {
		t.Fatalf("submit after stop: %v", err)
	}
	if got := n.Load(); got != 0 {
		t.Fatalf("a stopped pool ran %d", got)
	}
}
