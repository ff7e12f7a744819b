package storagetest

import (
	"context"
	"errors"
	"sync"

	"github.com/rzbill/chorus/internal/errs"
	"github.com/rzbill/chorus/internal/storage"
)

// ErrInjected is the I/O error returned by a Faulty engine when armed.
var ErrInjected = errors.New("injected i/o failure")

// Faulty wraps an Engine and fails the next N PutBatch calls with
// errs.ErrStorageUnavailable, without touching the underlying engine.
type Faulty struct {
	storage.Engine

	mu        sync.Mutex
	failPuts  int
	failGets  int
	putCalls  int
	lastBatch []storage.Entry
}

// NewFaulty wraps e.
func NewFaulty(e storage.Engine) *Faulty { return &Faulty{Engine: e} }

// FailNextPuts arms the next n PutBatch calls to fail.
func (f *Faulty) FailNextPuts(n int) {
	f.mu.Lock()
	f.failPuts = n
	f.mu.Unlock()
}

// FailNextGets arms the next n Get calls to fail.
func (f *Faulty) FailNextGets(n int) {
	f.mu.Lock()
	f.failGets = n
	f.mu.Unlock()
}

// PutCalls reports how many PutBatch calls were attempted.
func (f *Faulty) PutCalls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.putCalls
}

func (f *Faulty) PutBatch(ctx context.Context, entries []storage.Entry) error {
	f.mu.Lock()
	f.putCalls++
	f.lastBatch = entries
	if f.failPuts > 0 {
		f.failPuts--
		f.mu.Unlock()
		return errs.Unavailable(ErrInjected)
	}
	f.mu.Unlock()
	return f.Engine.PutBatch(ctx, entries)
}

func (f *Faulty) Get(ctx context.Context, key []byte) ([]byte, error) {
	f.mu.Lock()
	if f.failGets > 0 {
		f.failGets--
		f.mu.Unlock()
		return nil, errs.Unavailable(ErrInjected)
	}
	f.mu.Unlock()
	return f.Engine.Get(ctx, key)
}
