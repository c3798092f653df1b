package lock_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/rs/zerolog"

	"MarginIndexer/internal/lock"
	"MarginIndexer/internal/observability"
	helpers "MarginIndexer/internal/testutil"
)

func TestLease_SingleHolder(t *testing.T) {
	helpers.RequireIntegration(t)
	client := helpers.SetupTestRedis(t)
	ctx := context.Background()

	m := observability.NewMetrics(prometheus.NewRegistry())
	first := lock.NewLease(client, "test:writer", 3*time.Second, zerolog.Nop(), m)
	second := lock.NewLease(client, "test:writer", 3*time.Second, zerolog.Nop(), nil)

	ok, err := first.TryAcquire(ctx)
	if err != nil || !ok {
		t.Fatalf("first acquire: ok=%v err=%v", ok, err)
	}
	if got := testutil.ToFloat64(m.LeaseHeld); got != 1 {
		t.Fatalf("lease gauge = %v", got)
	}

	ok, err = second.TryAcquire(ctx)
	if err != nil || ok {
		t.Fatalf("second acquire must fail while held: ok=%v err=%v", ok, err)
	}
	if err := second.Extend(ctx); !errors.Is(err, lock.ErrNotHeld) {
		t.Fatalf("foreign extend = %v", err)
	}
	if err := second.Release(ctx); !errors.Is(err, lock.ErrNotHeld) {
		t.Fatalf("foreign release = %v", err)
	}

	if err := first.Extend(ctx); err != nil {
		t.Fatalf("extend: %v", err)
	}
	if err := first.Release(ctx); err != nil {
		t.Fatalf("release: %v", err)
	}
	if first.Held() || testutil.ToFloat64(m.LeaseHeld) != 0 {
		t.Fatal("lease should be released")
	}

	acquireCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := second.Acquire(acquireCtx); err != nil {
		t.Fatalf("second acquire after release: %v", err)
	}
}

func TestLease_KeepReportsLoss(t *testing.T) {
	helpers.RequireIntegration(t)
	client := helpers.SetupTestRedis(t)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	l := lock.NewLease(client, "test:writer", 1500*time.Millisecond, zerolog.Nop(), nil)
	if ok, err := l.TryAcquire(ctx); err != nil || !ok {
		t.Fatalf("acquire: ok=%v err=%v", ok, err)
	}

	// Another process steals the key.
	if err := client.Set(ctx, "test:writer", "someone-else", time.Minute).Err(); err != nil {
		t.Fatal(err)
	}

	lost := make(chan struct{})
	err := l.Keep(ctx, func() { close(lost) })
	if !errors.Is(err, lock.ErrNotHeld) {
		t.Fatalf("Keep = %v", err)
	}
	select {
	case <-lost:
	default:
		t.Fatal("onLost was not called")
	}
	if l.Held() {
		t.Fatal("lease should report not held")
	}
}
