package redisfeed

import (
	"context"
	"os"
	"testing"
	"time"

	redis "github.com/redis/go-redis/v9"
	"go.uber.org/zap/zaptest"

	"kasirsync/backend/internal/realtime"
)

func TestFeedRoundTripsChanges(t *testing.T) {
	addr := os.Getenv("KASIRSYNC_TEST_REDIS_ADDR")
	if addr == "" {
		t.Skip("set KASIRSYNC_TEST_REDIS_ADDR to run redis integration test")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	client := redis.NewClient(&redis.Options{Addr: addr})
	defer client.Close()
	feed := New(client, zaptest.NewLogger(t))

	listenCtx, stop := context.WithCancel(ctx)
	ready := make(chan struct{})
	received := make(chan realtime.Change, 1)
	done := make(chan error, 1)
	go func() {
		done <- feed.Listen(listenCtx, "loc-it-redis", func() { close(ready) }, func(change realtime.Change) {
			received <- change
		})
	}()

	select {
	case <-ready:
	case err := <-done:
		t.Fatalf("listen: %v", err)
	case <-ctx.Done():
		t.Fatalf("listen never became ready")
	}

	if err := feed.PublishChange(ctx, realtime.Change{Table: realtime.TableCartItems, Op: realtime.OpDelete, LocationID: "loc-it-redis", SubjectID: "ci-9"}); err != nil {
		t.Fatalf("publish: %v", err)
	}

	select {
	case got := <-received:
		if got.SubjectID != "ci-9" || got.Op != realtime.OpDelete {
			t.Fatalf("unexpected change %+v", got)
		}
	case <-ctx.Done():
		t.Fatalf("message not delivered")
	}

	stop()
	<-done
}

func TestChannelIsScopedPerLocation(t *testing.T) {
	if Channel("loc-a") == Channel("loc-b") {
		t.Fatalf("expected distinct channels")
	}
}
