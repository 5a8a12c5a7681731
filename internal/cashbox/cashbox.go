package cashbox

import (
	"context"
	"errors"

	"go.uber.org/zap"

	"kasirinaja/tabclient/internal/apperr"
	"kasirinaja/tabclient/internal/domain"
	"kasirinaja/tabclient/internal/ledger"
	"kasirinaja/tabclient/internal/session"
)

// Service runs the register open/close cycle against the Ledger Service.
// Concurrent closes of one box are resolved by the ledger; on a conflict
// the service re-reads the box and reports its current state.
type Service struct {
	ledger ledger.Client
	log    *zap.Logger
}

// Expected is the box as last read and the amount a close must declare.
type Expected struct {
	Box                  domain.CashBox `json:"box"`
	ExpectedClosingCents int64          `json:"expected_closing_cents"`
}

func New(client ledger.Client, log *zap.Logger) *Service {
	if log == nil {
		log = zap.NewNop()
	}
	return &Service{ledger: client, log: log}
}

func (s *Service) Status(ctx context.Context, code string) (domain.CashBox, error) {
	code, err := normalizeCode("cashbox.status", code)
	if err != nil {
		return domain.CashBox{}, err
	}
	return s.ledger.CashBoxStatus(ctx, code)
}

// Expected returns the amount a close must declare right now.
func (s *Service) Expected(ctx context.Context, code string) (Expected, error) {
	const op = "cashbox.expected"
	box, err := s.Status(ctx, code)
	if err != nil {
		return Expected{}, err
	}
	if !box.IsOpen {
		return Expected{Box: box}, apperr.Conflict(op, "cash box %s is not open", box.Code)
	}
	return Expected{Box: box, ExpectedClosingCents: box.ExpectedClosingCents()}, nil
}

func (s *Service) Open(ctx context.Context, code string, initialAmountCents int64) (domain.CashBox, error) {
	const op = "cashbox.open"
	code, err := normalizeCode(op, code)
	if err != nil {
		return domain.CashBox{}, err
	}
	if initialAmountCents <= 0 {
		return domain.CashBox{}, apperr.Invalid(op, "initial amount must be positive")
	}

	box, err := s.ledger.OpenCashBox(ctx, code, initialAmountCents)
	if err != nil {
		return s.reconcile(ctx, op, code, err)
	}
	s.log.Info("cash box opened",
		zap.String("code", code),
		zap.Int64("initial_cents", initialAmountCents),
		zap.String("actor", actorName(ctx)),
	)
	return box, nil
}

// Close declares closingAmountCents, which must equal the box's
// initialAmount + totalSales exactly.
func (s *Service) Close(ctx context.Context, code string, closingAmountCents int64) (domain.CashBoxClosing, error) {
	const op = "cashbox.close"
	expected, err := s.Expected(ctx, code)
	if err != nil {
		return domain.CashBoxClosing{}, err
	}
	if closingAmountCents != expected.ExpectedClosingCents {
		return domain.CashBoxClosing{}, apperr.Invalid(op,
			"closing amount %d does not match expected %d (initial %d + sales %d)",
			closingAmountCents, expected.ExpectedClosingCents,
			expected.Box.InitialAmountCents, expected.Box.TotalSalesCents,
		)
	}

	closing, err := s.ledger.CloseCashBox(ctx, expected.Box.Code, closingAmountCents)
	if err != nil {
		if errors.Is(err, apperr.ErrConflict) || errors.Is(err, apperr.ErrValidation) {
			// a sale or another terminal changed the box since the status read
			box, statusErr := s.ledger.CashBoxStatus(ctx, expected.Box.Code)
			if statusErr == nil {
				s.log.Warn("cash box changed during close",
					zap.String("code", box.Code),
					zap.Bool("is_open", box.IsOpen),
					zap.Int64("expected_cents", box.ExpectedClosingCents()),
				)
			}
		}
		return domain.CashBoxClosing{}, err
	}
	s.log.Info("cash box closed",
		zap.String("code", closing.Code),
		zap.Int64("closing_cents", closing.ClosingAmountCents),
		zap.String("actor", actorName(ctx)),
	)
	return closing, nil
}

// Disable soft-deletes a closed box.
func (s *Service) Disable(ctx context.Context, code string) (domain.CashBox, error) {
	const op = "cashbox.disable"
	box, err := s.Status(ctx, code)
	if err != nil {
		return domain.CashBox{}, err
	}
	if box.IsOpen {
		return box, apperr.Conflict(op, "close cash box %s before disabling it", box.Code)
	}
	if !box.Enabled {
		return box, nil
	}

	disabled, err := s.ledger.DisableCashBox(ctx, box.Code)
	if err != nil {
		return s.reconcile(ctx, op, box.Code, err)
	}
	s.log.Info("cash box disabled", zap.String("code", box.Code), zap.String("actor", actorName(ctx)))
	return disabled, nil
}

// reconcile re-reads the box after a conflict so the caller sees the
// authoritative state next to the error. The mutating call is not retried.
func (s *Service) reconcile(ctx context.Context, op string, code string, err error) (domain.CashBox, error) {
	if !errors.Is(err, apperr.ErrConflict) {
		return domain.CashBox{}, err
	}
	box, statusErr := s.ledger.CashBoxStatus(ctx, code)
	if statusErr != nil {
		return domain.CashBox{}, err
	}
	s.log.Info("cash box conflict reconciled",
		zap.String("op", op),
		zap.String("code", code),
		zap.Bool("is_open", box.IsOpen),
		zap.Bool("enabled", box.Enabled),
	)
	return box, err
}

func normalizeCode(op string, code string) (string, error) {
	code = domain.NormalizeCashBoxCode(code)
	if code == "" {
		return "", apperr.Invalid(op, "cash box code is required")
	}
	return code, nil
}

func actorName(ctx context.Context) string {
	if actor, ok := session.ActorFromContext(ctx); ok {
		return actor.Username
	}
	return ""
}
