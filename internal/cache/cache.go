package cache

import (
	"context"
	"time"

	"kasirinaja/tabclient/internal/domain"
)

// SplitStatusCache mirrors the last authoritative split status per
// account so the UI can render without a round trip. It is never consulted
// to decide that an account is settled.
type SplitStatusCache interface {
	Get(ctx context.Context, accountID string) (*domain.SplitStatus, bool, error)
	Set(ctx context.Context, accountID string, value domain.SplitStatus, ttl time.Duration) error
	Delete(ctx context.Context, accountID string) error
}

type NoopSplitStatusCache struct{}

func (NoopSplitStatusCache) Get(_ context.Context, _ string) (*domain.SplitStatus, bool, error) {
	return nil, false, nil
}

func (NoopSplitStatusCache) Set(_ context.Context, _ string, _ domain.SplitStatus, _ time.Duration) error {
	return nil
}

func (NoopSplitStatusCache) Delete(_ context.Context, _ string) error {
	return nil
}
