// Package cache holds the kitchen board cache. The board is polled by every
// front-of-house screen, so reads vastly outnumber writes; any comanda
// mutation simply drops the cached copy.
package cache

import (
	"context"
	"time"

	"comandero/backend/internal/domain"
)

type BoardCache interface {
	Get(ctx context.Context, key string) ([]domain.Comanda, bool, error)
	Set(ctx context.Context, key string, board []domain.Comanda, ttl time.Duration) error
	Invalidate(ctx context.Context, key string) error
}

type NoopBoardCache struct{}

func (NoopBoardCache) Get(_ context.Context, _ string) ([]domain.Comanda, bool, error) {
	return nil, false, nil
}

func (NoopBoardCache) Set(_ context.Context, _ string, _ []domain.Comanda, _ time.Duration) error {
	return nil
}

func (NoopBoardCache) Invalidate(_ context.Context, _ string) error {
	return nil
}
