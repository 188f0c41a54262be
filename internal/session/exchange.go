package session

import "context"

// Exchange is one running request/response cycle.
type Exchange struct {
	cancel context.CancelFunc
	done   chan struct{}
	err    error
}

// Cancel stops reading the reply. Content received so far is kept.
func (e *Exchange) Cancel() {
	e.cancel()
}

// Done is closed once the exchange has finished and the controller is idle.
func (e *Exchange) Done() <-chan struct{} {
	return e.done
}

// Wait blocks until the exchange finishes or ctx is done. It returns nil on
// success, *InBandError when the tutor reported a failure, context.Canceled
// after Cancel, and the transport error otherwise.
func (e *Exchange) Wait(ctx context.Context) error {
	select {
	case <-e.done:
		return e.err
	case <-ctx.Done():
		return ctx.Err()
	}
}
