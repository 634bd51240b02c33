// Package pgfeed carries change notifications over Postgres LISTEN/NOTIFY.
package pgfeed

import (
	"context"
	"encoding/json"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"

	"kasirsync/backend/internal/realtime"
)

const maxIdentifierLength = 63

type Feed struct {
	pool   *pgxpool.Pool
	logger *zap.Logger
}

func New(ctx context.Context, databaseURL string, logger *zap.Logger) (*Feed, error) {
	pool, err := pgxpool.New(ctx, databaseURL)
	if err != nil {
		return nil, err
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, err
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Feed{pool: pool, logger: logger}, nil
}

func (f *Feed) Close() {
	f.pool.Close()
}

// Channel returns the notification channel for a location. Characters outside
// [a-z0-9_] are folded to underscores.
func Channel(locationID string) string {
	var b strings.Builder
	b.WriteString("pos_changes_")
	for _, r := range strings.ToLower(locationID) {
		if (r >= 'a' && r <= 'z') || (r >= '0' && r <= '9') || r == '_' {
			b.WriteRune(r)
		} else {
			b.WriteByte('_')
		}
	}
	channel := b.String()
	if len(channel) > maxIdentifierLength {
		channel = channel[:maxIdentifierLength]
	}
	return channel
}

func (f *Feed) PublishChange(ctx context.Context, change realtime.Change) error {
	payload, err := json.Marshal(change)
	if err != nil {
		return err
	}
	_, err = f.pool.Exec(ctx, `SELECT pg_notify($1, $2)`, Channel(change.LocationID), string(payload))
	return err
}

// Listen holds a dedicated pool connection in LISTEN mode until ctx ends or
// the connection fails.
func (f *Feed) Listen(ctx context.Context, locationID string, ready func(), deliver func(realtime.Change)) error {
	conn, err := f.pool.Acquire(ctx)
	if err != nil {
		return err
	}
	defer func() {
		_, _ = conn.Exec(context.Background(), "UNLISTEN *")
		conn.Release()
	}()

	if _, err := conn.Exec(ctx, "LISTEN "+pgx.Identifier{Channel(locationID)}.Sanitize()); err != nil {
		return err
	}
	ready()

	for {
		notification, err := conn.Conn().WaitForNotification(ctx)
		if err != nil {
			return err
		}
		var change realtime.Change
		if err := json.Unmarshal([]byte(notification.Payload), &change); err != nil {
			f.logger.Warn("drop malformed change notification",
				zap.String("channel", notification.Channel),
				zap.Error(err),
			)
			continue
		}
		deliver(change)
	}
}
