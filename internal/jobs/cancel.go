package jobs

import "sync"

// CancelToken is a cooperative cancellation flag. Controllers poll it at
// iteration boundaries; it never interrupts an in-flight call.
type CancelToken struct {
	once sync.Once
	ch   chan struct{}
}

func NewCancelToken() *CancelToken {
	return &CancelToken{ch: make(chan struct{})}
}

// Cancel sets the flag. Repeated calls are no-ops.
func (t *CancelToken) Cancel() {
	t.once.Do(func() { close(t.ch) })
}

func (t *CancelToken) Cancelled() bool {
	select {
	case <-t.ch:
		return true
	default:
		return false
	}
}

// Done is closed once Cancel has been called, for use in select loops.
func (t *CancelToken) Done() <-chan struct{} {
	return t.ch
}
