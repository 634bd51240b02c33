package cache

import (
	"context"
	"time"

	"kasirsync/backend/internal/domain"
)

// QueueCache holds short-lived queue snapshots per location. Entries are
// invalidated on every local queue mutation, so the TTL only bounds how long
// a write made by another process can go unnoticed.
type QueueCache interface {
	Get(ctx context.Context, locationID string) (*domain.QueueSnapshot, bool, error)
	Set(ctx context.Context, snapshot *domain.QueueSnapshot, ttl time.Duration) error
	Invalidate(ctx context.Context, locationID string) error
}

type NoopQueueCache struct{}

func (NoopQueueCache) Get(_ context.Context, _ string) (*domain.QueueSnapshot, bool, error) {
	return nil, false, nil
}

func (NoopQueueCache) Set(_ context.Context, _ *domain.QueueSnapshot, _ time.Duration) error {
	return nil
}

func (NoopQueueCache) Invalidate(_ context.Context, _ string) error {
	return nil
}

func queueKey(locationID string) string {
	return "pos:queue:" + locationID
}
