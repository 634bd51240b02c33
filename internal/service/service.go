package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"kasirsync/backend/internal/cache"
	"kasirsync/backend/internal/domain"
	"kasirsync/backend/internal/realtime"
	"kasirsync/backend/internal/retry"
	"kasirsync/backend/internal/store"
)

// ErrForbidden is returned when the caller's token does not cover the
// location or role an operation needs.
var ErrForbidden = errors.New("forbidden")

const (
	publishTimeout = 2 * time.Second
	enqueueTimeout = 2 * time.Second
)

type actorContextKey struct{}

func WithActor(ctx context.Context, actor domain.Actor) context.Context {
	return context.WithValue(ctx, actorContextKey{}, actor)
}

func ActorFromContext(ctx context.Context) (domain.Actor, bool) {
	actor, ok := ctx.Value(actorContextKey{}).(domain.Actor)
	return actor, ok
}

type Options struct {
	Logger               *zap.Logger
	Publisher            realtime.Publisher
	QueueCache           cache.QueueCache
	QueueCacheTTL        time.Duration
	RetryQueue           retry.Queue
	CartTTL              time.Duration
	AllowNegativeStock   bool
	LoyaltyCentsPerPoint int64
	Now                  func() time.Time
}

type Service struct {
	repo                 store.Repository
	logger               *zap.Logger
	publisher            realtime.Publisher
	queueCache           cache.QueueCache
	queueCacheTTL        time.Duration
	retryQueue           retry.Queue
	cartTTL              time.Duration
	allowNegativeStock   bool
	loyaltyCentsPerPoint int64
	now                  func() time.Time
}

func New(repo store.Repository, opts Options) *Service {
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	if opts.Publisher == nil {
		opts.Publisher = realtime.NoopPublisher{}
	}
	if opts.QueueCache == nil {
		opts.QueueCache = cache.NoopQueueCache{}
	}
	if opts.CartTTL <= 0 {
		opts.CartTTL = 12 * time.Hour
	}
	if opts.LoyaltyCentsPerPoint <= 0 {
		opts.LoyaltyCentsPerPoint = 100
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}

	return &Service{
		repo:                 repo,
		logger:               opts.Logger,
		publisher:            opts.Publisher,
		queueCache:           opts.QueueCache,
		queueCacheTTL:        opts.QueueCacheTTL,
		retryQueue:           opts.RetryQueue,
		cartTTL:              opts.CartTTL,
		allowNegativeStock:   opts.AllowNegativeStock,
		loyaltyCentsPerPoint: opts.LoyaltyCentsPerPoint,
		now:                  opts.Now,
	}
}

func (s *Service) clock() time.Time {
	return s.now().UTC()
}

// resolveLocation fills an empty location from the actor and rejects a
// location the actor's token does not cover. Calls without an actor are
// trusted internal callers.
func resolveLocation(ctx context.Context, locationID string) (string, error) {
	actor, ok := ActorFromContext(ctx)
	if !ok {
		if locationID == "" {
			return "", fmt.Errorf("%w: location_id is required", store.ErrInvalidRequest)
		}
		return locationID, nil
	}
	if locationID == "" {
		return actor.LocationID, nil
	}
	if locationID != actor.LocationID {
		return "", fmt.Errorf("%w: token is scoped to location %s", ErrForbidden, actor.LocationID)
	}
	return locationID, nil
}

func requireRole(ctx context.Context, roles ...string) error {
	actor, ok := ActorFromContext(ctx)
	if !ok {
		return nil
	}
	for _, role := range roles {
		if actor.Role == role {
			return nil
		}
	}
	return fmt.Errorf("%w: role %s", ErrForbidden, actor.Role)
}

// cartKeyFor keys a cart by customer when one is attached, otherwise by the
// calling device.
func cartKeyFor(ctx context.Context, locationID string, customerID string) (domain.CartKey, error) {
	key := domain.CartKey{LocationID: locationID, CustomerID: customerID}
	if actor, ok := ActorFromContext(ctx); ok {
		key.DeviceID = actor.DeviceID
	}
	if key.OwnerKey() == "" {
		return domain.CartKey{}, fmt.Errorf("%w: customer_id or device is required", store.ErrInvalidRequest)
	}
	return key, nil
}

// publish hands changes to the realtime feed. Failures are logged and never
// reach the caller; the write they describe has already committed.
func (s *Service) publish(ctx context.Context, changes ...realtime.Change) {
	if len(changes) == 0 {
		return
	}
	pubCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), publishTimeout)
	defer cancel()

	now := s.clock()
	for _, change := range changes {
		if change.At.IsZero() {
			change.At = now
		}
		if err := s.publisher.PublishChange(pubCtx, change); err != nil {
			s.logger.Warn("publish change",
				zap.String("table", change.Table),
				zap.String("op", change.Op),
				zap.String("location_id", change.LocationID),
				zap.String("subject_id", change.SubjectID),
				zap.Error(err),
			)
		}
	}
}

func (s *Service) invalidateQueue(ctx context.Context, locationID string) {
	if err := s.queueCache.Invalidate(context.WithoutCancel(ctx), locationID); err != nil {
		s.logger.Warn("invalidate queue cache", zap.String("location_id", locationID), zap.Error(err))
	}
}
