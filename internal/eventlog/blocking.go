package eventlog

import (
	"context"
	"time"
)

// WaitForAppend reports whether the channel's head moves past after before
// timeout elapses or ctx ends. It returns at once when the head is already
// past after, so a reader that found nothing at after+1 cannot miss an
// append racing with its read. A timeout <= 0 waits on ctx alone. Unknown
// channels never wake.
func (l *Log) WaitForAppend(ctx context.Context, channel string, after uint64, timeout time.Duration) bool {
	st, err := l.state(ctx, channel)
	if err != nil {
		return false
	}
	st.mu.Lock()
	head, wake := st.head, st.notifyCh
	st.mu.Unlock()
	if head > after {
		return true
	}
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}
	select {
	case <-wake:
		return true
	case <-ctx.Done():
		return false
	}
}
