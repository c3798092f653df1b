package persistence

import (
	"context"
	"errors"

	"github.com/google/uuid"
)

// ErrNotFound is returned by Find* lookups when no row matches.
var ErrNotFound = errors.New("not found")

// Store is the set of idempotent operations event handlers run against.
// Create* methods report whether a row was inserted; false means the natural
// key already existed and nothing changed.
type Store interface {
	UpsertUser(ctx context.Context, address, username string) (*User, error)
	FindUserByAddress(ctx context.Context, address string) (*User, error)

	UpsertTradingPair(ctx context.Context, pair *TradingPair) (*TradingPair, error)
	FindTradingPair(ctx context.Context, id uuid.UUID) (*TradingPair, error)

	FindPositionByChainID(ctx context.Context, onChainID string) (*Position, error)
	CreatePosition(ctx context.Context, p *Position) (bool, error)
	// TransitionPosition applies t only while the position is OPEN and
	// reports whether it did.
	TransitionPosition(ctx context.Context, id uuid.UUID, t PositionTransition) (bool, error)

	CreateTrade(ctx context.Context, t *Trade) (bool, error)
	CreateNotification(ctx context.Context, n *Notification) (bool, error)

	ActiveFollowers(ctx context.Context, traderID uuid.UUID) ([]CopyRelation, error)
}

// Gateway is a Store that can scope a group of operations to one transaction.
type Gateway interface {
	Store
	// WithinTx commits when fn returns nil and rolls back otherwise.
	WithinTx(ctx context.Context, fn func(Store) error) error
	Ping(ctx context.Context) error
	Close() error
}
