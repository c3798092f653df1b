package persistence

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	_ "github.com/lib/pq"
)

// querier is satisfied by *sql.DB and *sql.Tx.
type querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// PostgresGateway implements Gateway on the dashboard schema.
type PostgresGateway struct {
	*pgStore
	db *sql.DB
}

type pgStore struct {
	q   querier
	now func() time.Time
}

// OpenPostgres opens a pool and verifies connectivity.
func OpenPostgres(ctx context.Context, dsn string) (*sql.DB, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}
	db.SetMaxOpenConns(10)
	db.SetMaxIdleConns(5)
	db.SetConnMaxIdleTime(5 * time.Minute)

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}
	return db, nil
}

func NewPostgresGateway(db *sql.DB) *PostgresGateway {
	return &PostgresGateway{
		pgStore: &pgStore{q: db, now: time.Now},
		db:      db,
	}
}

func (g *PostgresGateway) WithinTx(ctx context.Context, fn func(Store) error) error {
	tx, err := g.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	if err := fn(&pgStore{q: tx, now: g.now}); err != nil {
		_ = tx.Rollback()
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}

func (g *PostgresGateway) Ping(ctx context.Context) error { return g.db.PingContext(ctx) }

func (g *PostgresGateway) Close() error { return g.db.Close() }

// =============================================================================
// Users & trading pairs
// =============================================================================

func (s *pgStore) UpsertUser(ctx context.Context, address, username string) (*User, error) {
	_, err := s.q.ExecContext(ctx, `
		INSERT INTO users (id, address, username, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $4)
		ON CONFLICT (address) DO NOTHING
	`, uuid.New(), address, username, s.now().UTC())
	if err != nil {
		return nil, fmt.Errorf("upsert user %s: %w", address, err)
	}
	return s.FindUserByAddress(ctx, address)
}

func (s *pgStore) FindUserByAddress(ctx context.Context, address string) (*User, error) {
	var u User
	err := s.q.QueryRowContext(ctx, `
		SELECT id, address, username, bio, avatar_url, created_at, deleted_at
		FROM users WHERE address = $1
	`, address).Scan(&u.ID, &u.Address, &u.Username, &u.Bio, &u.AvatarURL, &u.CreatedAt, &u.DeletedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("find user %s: %w", address, err)
	}
	return &u, nil
}

func (s *pgStore) UpsertTradingPair(ctx context.Context, pair *TradingPair) (*TradingPair, error) {
	id := pair.ID
	if id == uuid.Nil {
		id = uuid.New()
	}
	_, err := s.q.ExecContext(ctx, `
		INSERT INTO trading_pairs (id, symbol, base_asset, quote_asset, is_active, min_quantity, max_leverage, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (symbol) DO NOTHING
	`, id, pair.Symbol, pair.BaseAsset, pair.QuoteAsset, pair.IsActive, pair.MinQuantity, pair.MaxLeverage, s.now().UTC())
	if err != nil {
		return nil, fmt.Errorf("upsert trading pair %s: %w", pair.Symbol, err)
	}

	tp, err := s.scanTradingPair(ctx, `WHERE symbol = $1`, pair.Symbol)
	if err != nil {
		return nil, fmt.Errorf("read trading pair %s: %w", pair.Symbol, err)
	}
	return tp, nil
}

func (s *pgStore) FindTradingPair(ctx context.Context, id uuid.UUID) (*TradingPair, error) {
	tp, err := s.scanTradingPair(ctx, `WHERE id = $1`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("find trading pair %s: %w", id, err)
	}
	return tp, nil
}

func (s *pgStore) scanTradingPair(ctx context.Context, where string, arg any) (*TradingPair, error) {
	var tp TradingPair
	err := s.q.QueryRowContext(ctx, `
		SELECT id, symbol, base_asset, quote_asset, is_active, min_quantity, max_leverage, created_at
		FROM trading_pairs `+where, arg,
	).Scan(&tp.ID, &tp.Symbol, &tp.BaseAsset, &tp.QuoteAsset, &tp.IsActive, &tp.MinQuantity, &tp.MaxLeverage, &tp.CreatedAt)
	if err != nil {
		return nil, err
	}
	return &tp, nil
}

// =============================================================================
// Positions
// =============================================================================

func (s *pgStore) FindPositionByChainID(ctx context.Context, onChainID string) (*Position, error) {
	var p Position
	err := s.q.QueryRowContext(ctx, `
		SELECT id, user_id, trading_pair_id, side, entry_price, current_price, quantity,
		       leverage, margin, realized_pnl, status, is_copy_trade, original_position_id,
		       on_chain_position_id, tx_hash, opened_at, closed_at
		FROM positions WHERE on_chain_position_id = $1
	`, onChainID).Scan(
		&p.ID, &p.UserID, &p.TradingPairID, &p.Side, &p.EntryPrice, &p.CurrentPrice, &p.Quantity,
		&p.Leverage, &p.Margin, &p.RealizedPnL, &p.Status, &p.IsCopyTrade, &p.OriginalPositionID,
		&p.OnChainPositionID, &p.TxHash, &p.OpenedAt, &p.ClosedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("find position %s: %w", onChainID, err)
	}
	return &p, nil
}

func (s *pgStore) CreatePosition(ctx context.Context, p *Position) (bool, error) {
	if p.ID == uuid.Nil {
		p.ID = uuid.New()
	}
	res, err := s.q.ExecContext(ctx, `
		INSERT INTO positions (
			id, user_id, trading_pair_id, side, entry_price, current_price, quantity,
			leverage, margin, realized_pnl, status, is_copy_trade, original_position_id,
			on_chain_position_id, tx_hash, opened_at, closed_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17)
		ON CONFLICT (on_chain_position_id) DO NOTHING
	`,
		p.ID, p.UserID, p.TradingPairID, p.Side, p.EntryPrice, p.CurrentPrice, p.Quantity,
		p.Leverage, p.Margin, p.RealizedPnL, p.Status, p.IsCopyTrade, p.OriginalPositionID,
		p.OnChainPositionID, p.TxHash, p.OpenedAt, p.ClosedAt,
	)
	if err != nil {
		return false, fmt.Errorf("create position %s: %w", p.OnChainPositionID, err)
	}
	return affected(res)
}

func (s *pgStore) TransitionPosition(ctx context.Context, id uuid.UUID, t PositionTransition) (bool, error) {
	if !t.Status.Terminal() {
		return false, fmt.Errorf("transition position %s: %s is not a terminal status", id, t.Status)
	}
	res, err := s.q.ExecContext(ctx, `
		UPDATE positions
		SET status = $2,
		    current_price = COALESCE($3, current_price),
		    realized_pnl = COALESCE($4, realized_pnl),
		    closed_at = $5,
		    updated_at = NOW()
		WHERE id = $1 AND status = 'OPEN'
	`, id, t.Status, t.CurrentPrice, t.RealizedPnL, t.ClosedAt)
	if err != nil {
		return false, fmt.Errorf("transition position %s: %w", id, err)
	}
	return affected(res)
}

// =============================================================================
// Trades, notifications, copy relations
// =============================================================================

func (s *pgStore) CreateTrade(ctx context.Context, t *Trade) (bool, error) {
	if t.ID == uuid.Nil {
		t.ID = uuid.New()
	}
	if t.CreatedAt.IsZero() {
		t.CreatedAt = s.now().UTC()
	}
	res, err := s.q.ExecContext(ctx, `
		INSERT INTO trades (
			id, user_id, position_id, trading_pair_id, trade_type, side,
			price, quantity, value, fee, pnl, tx_hash, source_event, created_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)
		ON CONFLICT (tx_hash, position_id, source_event) DO NOTHING
	`,
		t.ID, t.UserID, t.PositionID, t.TradingPairID, t.TradeType, t.Side,
		t.Price, t.Quantity, t.Value, t.Fee, t.PnL, t.TxHash, t.SourceEvent, t.CreatedAt,
	)
	if err != nil {
		return false, fmt.Errorf("create trade %s: %w", t.TxHash, err)
	}
	return affected(res)
}

func (s *pgStore) CreateNotification(ctx context.Context, n *Notification) (bool, error) {
	if n.ID == uuid.Nil {
		n.ID = uuid.New()
	}
	if n.CreatedAt.IsZero() {
		n.CreatedAt = s.now().UTC()
	}
	res, err := s.q.ExecContext(ctx, `
		INSERT INTO notifications (id, user_id, type, title, message, is_read, event_ref, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (event_ref) DO NOTHING
	`, n.ID, n.UserID, n.Type, n.Title, n.Message, n.IsRead, n.EventRef, n.CreatedAt)
	if err != nil {
		return false, fmt.Errorf("create notification %s: %w", n.EventRef, err)
	}
	return affected(res)
}

func (s *pgStore) ActiveFollowers(ctx context.Context, traderID uuid.UUID) ([]CopyRelation, error) {
	rows, err := s.q.QueryContext(ctx, `
		SELECT id, trader_id, follower_id, copy_ratio, max_position_size, is_active
		FROM copy_relations
		WHERE trader_id = $1 AND is_active
		ORDER BY created_at
	`, traderID)
	if err != nil {
		return nil, fmt.Errorf("list followers of %s: %w", traderID, err)
	}
	defer rows.Close()

	var out []CopyRelation
	for rows.Next() {
		var cr CopyRelation
		if err := rows.Scan(&cr.ID, &cr.TraderID, &cr.FollowerID, &cr.CopyRatio, &cr.MaxPositionSize, &cr.IsActive); err != nil {
			return nil, fmt.Errorf("scan copy relation: %w", err)
		}
		out = append(out, cr)
	}
	return out, rows.Err()
}

func affected(res sql.Result) (bool, error) {
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("rows affected: %w", err)
	}
	return n > 0, nil
}
