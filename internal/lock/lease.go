// Package lock provides a Redis lease that keeps a single indexer writing to
// the dashboard store at a time.
package lock

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"MarginIndexer/internal/observability"
)

// DefaultKey is the lease key shared by every indexer of one deployment.
const DefaultKey = "marginindexer:writer"

// ErrNotHeld is returned when an operation needs the lease and it is gone.
var ErrNotHeld = errors.New("lease not held")

// Only the holder's token may extend or delete the key.
var (
	extendScript = redis.NewScript(`
		if redis.call("get", KEYS[1]) == ARGV[1] then
			return redis.call("pexpire", KEYS[1], ARGV[2])
		else
			return 0
		end
	`)
	releaseScript = redis.NewScript(`
		if redis.call("get", KEYS[1]) == ARGV[1] then
			return redis.call("del", KEYS[1])
		else
			return 0
		end
	`)
)

// Connect parses a redis:// URL and verifies the server answers.
func Connect(ctx context.Context, url string) (*redis.Client, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	client := redis.NewClient(opts)

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("ping redis: %w", err)
	}
	return client, nil
}

type Lease struct {
	client  *redis.Client
	key     string
	token   string
	ttl     time.Duration
	log     zerolog.Logger
	metrics *observability.Metrics

	mu   sync.Mutex
	held bool
}

// NewLease creates a lease on key with a fresh random token. metrics may be nil.
func NewLease(client *redis.Client, key string, ttl time.Duration, logger zerolog.Logger, metrics *observability.Metrics) *Lease {
	return &Lease{
		client:  client,
		key:     key,
		token:   newToken(),
		ttl:     ttl,
		log:     logger.With().Str("lease_key", key).Logger(),
		metrics: metrics,
	}
}

func newToken() string {
	b := make([]byte, 16)
	rand.Read(b)
	return hex.EncodeToString(b)
}

// TryAcquire takes the lease if nobody holds it.
func (l *Lease) TryAcquire(ctx context.Context) (bool, error) {
	ok, err := l.client.SetNX(ctx, l.key, l.token, l.ttl).Result()
	if err != nil {
		return false, fmt.Errorf("redis setnx: %w", err)
	}
	if ok {
		l.setHeld(true)
	}
	return ok, nil
}

// Acquire blocks until the lease is taken or ctx is done.
func (l *Lease) Acquire(ctx context.Context) error {
	ticker := time.NewTicker(l.interval())
	defer ticker.Stop()

	for {
		ok, err := l.TryAcquire(ctx)
		if err != nil {
			l.log.Warn().Err(err).Msg("lease acquire failed, retrying")
		} else if ok {
			l.log.Info().Dur("ttl", l.ttl).Msg("lease acquired")
			return nil
		} else {
			l.log.Info().Msg("lease held by another indexer, waiting")
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

// Extend pushes the expiry out by the ttl. It returns ErrNotHeld when the
// key no longer carries this lease's token.
func (l *Lease) Extend(ctx context.Context) error {
	n, err := extendScript.Run(ctx, l.client, []string{l.key}, l.token, l.ttl.Milliseconds()).Int64()
	if err != nil {
		return fmt.Errorf("redis extend: %w", err)
	}
	if n == 0 {
		l.setHeld(false)
		return ErrNotHeld
	}
	return nil
}

// Keep extends the lease every third of its ttl until ctx is done. When the
// lease is lost, or cannot be extended for a whole ttl, onLost runs once and
// Keep returns ErrNotHeld.
func (l *Lease) Keep(ctx context.Context, onLost func()) error {
	ticker := time.NewTicker(l.interval())
	defer ticker.Stop()

	lastOK := time.Now()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}

		err := l.Extend(ctx)
		switch {
		case err == nil:
			lastOK = time.Now()
			continue
		case ctx.Err() != nil:
			return nil
		case errors.Is(err, ErrNotHeld):
		default:
			l.log.Warn().Err(err).Msg("lease extend failed")
			if time.Since(lastOK) < l.ttl {
				continue
			}
		}

		l.setHeld(false)
		l.log.Error().Err(err).Msg("lease lost")
		if onLost != nil {
			onLost()
		}
		return ErrNotHeld
	}
}

// Release deletes the key if it still carries this lease's token.
func (l *Lease) Release(ctx context.Context) error {
	defer l.setHeld(false)
	n, err := releaseScript.Run(ctx, l.client, []string{l.key}, l.token).Int64()
	if err != nil {
		return fmt.Errorf("redis release: %w", err)
	}
	if n == 0 {
		return ErrNotHeld
	}
	l.log.Info().Msg("lease released")
	return nil
}

func (l *Lease) Held() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.held
}

func (l *Lease) setHeld(held bool) {
	l.mu.Lock()
	l.held = held
	l.mu.Unlock()
	if l.metrics != nil {
		v := 0.0
		if held {
			v = 1
		}
		l.metrics.LeaseHeld.Set(v)
	}
}

func (l *Lease) interval() time.Duration {
	d := l.ttl / 3
	if d <= 0 {
		d = time.Second
	}
	return d
}
