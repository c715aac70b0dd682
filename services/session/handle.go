package session

import (
	"context"

	"github.com/upb/computer-use-api/models"
)

// Handle follows one running session
type Handle struct {
	session *models.Session
	done    chan struct{}

	// written once before done is closed
	result *models.Session
	err    error
}

func newHandle(session *models.Session) *Handle {
	return &Handle{
		session: session.Clone(),
		done:    make(chan struct{}),
	}
}

// Session returns the session as it was created
func (h *Handle) Session() *models.Session {
	return h.session.Clone()
}

// Done is closed once the terminal state was persisted, published and audited
func (h *Handle) Done() <-chan struct{} {
	return h.done
}

// Wait blocks until the session is terminal or ctx is done. On the error path
// it returns the terminal session together with an external error.
func (h *Handle) Wait(ctx context.Context) (*models.Session, error) {
	select {
	case <-h.done:
		return h.result.Clone(), h.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (h *Handle) finish(result *models.Session, err error) {
	h.result = result
	h.err = err
	close(h.done)
}
