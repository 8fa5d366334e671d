package chat

import "context"

// CancelToken is the explicit cooperative-cancellation object recorded
// per send. Every suspension point in the orchestrator and streamer
// checks it and unwinds without appending a spurious final message. The
// token also exposes a context for network calls so transport-level I/O
// aborts promptly.
type CancelToken struct {
	ctx    context.Context
	cancel context.CancelFunc
}

func NewCancelToken() *CancelToken {
	ctx, cancel := context.WithCancel(context.Background())
	return &CancelToken{ctx: ctx, cancel: cancel}
}

// Cancel invalidates the token. Safe to call multiple times and from any
// goroutine.
func (t *CancelToken) Cancel() {
	if t == nil {
		return
	}
	t.cancel()
}

func (t *CancelToken) Cancelled() bool {
	if t == nil {
		return false
	}
	select {
	case <-t.ctx.Done():
		return true
	default:
		return false
	}
}

// Context returns a context that ends when the token is cancelled.
func (t *CancelToken) Context() context.Context {
	if t == nil {
		return context.Background()
	}
	return t.ctx
}

// Done exposes the cancellation channel for select loops.
func (t *CancelToken) Done() <-chan struct{} {
	if t == nil {
		return nil
	}
	return t.ctx.Done()
}
