package settlement

import (
	"sync"

	"kasirinaja/tabclient/internal/apperr"
)

// Guard allows one mutating ledger call per account at a time. A second
// caller is rejected instead of queued so the UI can tell the operator to
// wait.
type Guard struct {
	mu       sync.Mutex
	inFlight map[string]string
}

func NewGuard() *Guard {
	return &Guard{inFlight: make(map[string]string)}
}

// Acquire marks accountID busy for op. The returned release must be called
// exactly once.
func (g *Guard) Acquire(accountID string, op string) (func(), error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	if running, busy := g.inFlight[accountID]; busy {
		return nil, &apperr.Error{
			Op:      op,
			Kind:    apperr.ErrConflict,
			Message: "waiting for " + running,
			Err:     ErrOperationInFlight,
		}
	}
	g.inFlight[accountID] = op

	var once sync.Once
	return func() {
		once.Do(func() {
			g.mu.Lock()
			delete(g.inFlight, accountID)
			g.mu.Unlock()
		})
	}, nil
}

// InFlight returns the running operation for accountID, if any.
func (g *Guard) InFlight(accountID string) (string, bool) {
	g.mu.Lock()
	defer g.mu.Unlock()
	op, ok := g.inFlight[accountID]
	return op, ok
}
