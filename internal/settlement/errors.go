package settlement

import (
	"errors"
	"fmt"

	"kasirinaja/tabclient/internal/apperr"
)

var (
	ErrOperationInFlight = errors.New("another operation is in flight for this account")
	ErrCloseFailed       = errors.New("account close failed after the final payment was recorded")
	ErrNothingToPay      = errors.New("nothing to pay")
	ErrInvalidTransition = errors.New("invalid settlement transition")
	ErrNoSelection       = errors.New("no unpaid units selected")
	ErrSplitNotSet       = errors.New("split people count not set")
	ErrSharesExhausted   = errors.New("every share is paid but a balance is still due")
)

func nothingToPay(op string) error {
	return &apperr.Error{Op: op, Kind: apperr.ErrValidation, Err: ErrNothingToPay}
}

func invalidTransition(op string, from State, to string) error {
	return &apperr.Error{
		Op:      op,
		Kind:    apperr.ErrConflict,
		Message: fmt.Sprintf("cannot %s from %s", to, from),
		Err:     ErrInvalidTransition,
	}
}

// closeFailed keeps the ledger error's kind reachable through errors.Is.
func closeFailed(err error) error {
	return fmt.Errorf("%w: %w", ErrCloseFailed, err)
}
