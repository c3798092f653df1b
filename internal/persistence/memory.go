package persistence

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

// MemoryGateway is an in-process Gateway used by tests and dry runs. WithinTx
// works on a copy of the state and swaps it in on success, so a failing
// handler leaves no partial effects.
type MemoryGateway struct {
	mu     sync.Mutex
	state  *memState
	faults map[string]error
	now    func() time.Time
}

type memState struct {
	users         map[uuid.UUID]User
	pairs         map[uuid.UUID]TradingPair
	positions     map[uuid.UUID]Position
	trades        []Trade
	relations     []CopyRelation
	notifications []Notification
}

func NewMemoryGateway() *MemoryGateway {
	return &MemoryGateway{
		state: &memState{
			users:     make(map[uuid.UUID]User),
			pairs:     make(map[uuid.UUID]TradingPair),
			positions: make(map[uuid.UUID]Position),
		},
		faults: make(map[string]error),
		now:    time.Now,
	}
}

func (s *memState) clone() *memState {
	c := &memState{
		users:         make(map[uuid.UUID]User, len(s.users)),
		pairs:         make(map[uuid.UUID]TradingPair, len(s.pairs)),
		positions:     make(map[uuid.UUID]Position, len(s.positions)),
		trades:        append([]Trade(nil), s.trades...),
		relations:     append([]CopyRelation(nil), s.relations...),
		notifications: append([]Notification(nil), s.notifications...),
	}
	for k, v := range s.users {
		c.users[k] = v
	}
	for k, v := range s.pairs {
		c.pairs[k] = v
	}
	for k, v := range s.positions {
		c.positions[k] = v
	}
	return c
}

// FailOn makes every subsequent call of the named Store method return err.
// A nil err clears the fault.
func (g *MemoryGateway) FailOn(op string, err error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if err == nil {
		delete(g.faults, op)
		return
	}
	g.faults[op] = err
}

func (g *MemoryGateway) WithinTx(ctx context.Context, fn func(Store) error) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	draft := g.state.clone()
	if err := fn(&memStore{g: g, st: draft}); err != nil {
		return err
	}
	g.state = draft
	return nil
}

func (g *MemoryGateway) Ping(context.Context) error { return nil }

func (g *MemoryGateway) Close() error { return nil }

// auto runs a single operation in its own implicit transaction.
func (g *MemoryGateway) auto(fn func(*memStore) error) error {
	return g.WithinTx(context.Background(), func(s Store) error { return fn(s.(*memStore)) })
}

func (g *MemoryGateway) UpsertUser(ctx context.Context, address, username string) (u *User, err error) {
	err = g.auto(func(s *memStore) error { u, err = s.UpsertUser(ctx, address, username); return err })
	return u, err
}

func (g *MemoryGateway) FindUserByAddress(ctx context.Context, address string) (u *User, err error) {
	err = g.auto(func(s *memStore) error { u, err = s.FindUserByAddress(ctx, address); return err })
	return u, err
}

func (g *MemoryGateway) UpsertTradingPair(ctx context.Context, pair *TradingPair) (tp *TradingPair, err error) {
	err = g.auto(func(s *memStore) error { tp, err = s.UpsertTradingPair(ctx, pair); return err })
	return tp, err
}

func (g *MemoryGateway) FindTradingPair(ctx context.Context, id uuid.UUID) (tp *TradingPair, err error) {
	err = g.auto(func(s *memStore) error { tp, err = s.FindTradingPair(ctx, id); return err })
	return tp, err
}

func (g *MemoryGateway) FindPositionByChainID(ctx context.Context, onChainID string) (p *Position, err error) {
	err = g.auto(func(s *memStore) error { p, err = s.FindPositionByChainID(ctx, onChainID); return err })
	return p, err
}

func (g *MemoryGateway) CreatePosition(ctx context.Context, p *Position) (ok bool, err error) {
	err = g.auto(func(s *memStore) error { ok, err = s.CreatePosition(ctx, p); return err })
	return ok, err
}

func (g *MemoryGateway) TransitionPosition(ctx context.Context, id uuid.UUID, t PositionTransition) (ok bool, err error) {
	err = g.auto(func(s *memStore) error { ok, err = s.TransitionPosition(ctx, id, t); return err })
	return ok, err
}

func (g *MemoryGateway) CreateTrade(ctx context.Context, t *Trade) (ok bool, err error) {
	err = g.auto(func(s *memStore) error { ok, err = s.CreateTrade(ctx, t); return err })
	return ok, err
}

func (g *MemoryGateway) CreateNotification(ctx context.Context, n *Notification) (ok bool, err error) {
	err = g.auto(func(s *memStore) error { ok, err = s.CreateNotification(ctx, n); return err })
	return ok, err
}

func (g *MemoryGateway) ActiveFollowers(ctx context.Context, traderID uuid.UUID) (out []CopyRelation, err error) {
	err = g.auto(func(s *memStore) error { out, err = s.ActiveFollowers(ctx, traderID); return err })
	return out, err
}

// =============================================================================
// Seeding and inspection
// =============================================================================

// AddCopyRelation registers a follow relationship. The indexer never creates
// these itself.
func (g *MemoryGateway) AddCopyRelation(cr CopyRelation) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if cr.ID == uuid.Nil {
		cr.ID = uuid.New()
	}
	g.state.relations = append(g.state.relations, cr)
}

// DeleteUser tombstones a user.
func (g *MemoryGateway) DeleteUser(address string, at time.Time) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	for id, u := range g.state.users {
		if u.Address == address {
			u.DeletedAt = &at
			g.state.users[id] = u
			return true
		}
	}
	return false
}

func (g *MemoryGateway) Users() []User {
	g.mu.Lock()
	defer g.mu.Unlock()
	out := make([]User, 0, len(g.state.users))
	for _, u := range g.state.users {
		out = append(out, u)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Address < out[j].Address })
	return out
}

func (g *MemoryGateway) TradingPairs() []TradingPair {
	g.mu.Lock()
	defer g.mu.Unlock()
	out := make([]TradingPair, 0, len(g.state.pairs))
	for _, tp := range g.state.pairs {
		out = append(out, tp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Symbol < out[j].Symbol })
	return out
}

func (g *MemoryGateway) Positions() []Position {
	g.mu.Lock()
	defer g.mu.Unlock()
	out := make([]Position, 0, len(g.state.positions))
	for _, p := range g.state.positions {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].OnChainPositionID < out[j].OnChainPositionID })
	return out
}

func (g *MemoryGateway) Trades() []Trade {
	g.mu.Lock()
	defer g.mu.Unlock()
	return append([]Trade(nil), g.state.trades...)
}

func (g *MemoryGateway) Notifications() []Notification {
	g.mu.Lock()
	defer g.mu.Unlock()
	return append([]Notification(nil), g.state.notifications...)
}

// =============================================================================
// Store over a draft state
// =============================================================================

type memStore struct {
	g  *MemoryGateway
	st *memState
}

func (s *memStore) fault(op string) error {
	if err, ok := s.g.faults[op]; ok {
		return fmt.Errorf("%s: %w", op, err)
	}
	return nil
}

func (s *memStore) UpsertUser(ctx context.Context, address, username string) (*User, error) {
	if err := s.fault("UpsertUser"); err != nil {
		return nil, err
	}
	if u, err := s.FindUserByAddress(ctx, address); err == nil {
		return u, nil
	}
	u := User{ID: uuid.New(), Address: address, Username: username, CreatedAt: s.g.now().UTC()}
	s.st.users[u.ID] = u
	return &u, nil
}

func (s *memStore) FindUserByAddress(_ context.Context, address string) (*User, error) {
	if err := s.fault("FindUserByAddress"); err != nil {
		return nil, err
	}
	for _, u := range s.st.users {
		if u.Address == address {
			return &u, nil
		}
	}
	return nil, ErrNotFound
}

func (s *memStore) UpsertTradingPair(_ context.Context, pair *TradingPair) (*TradingPair, error) {
	if err := s.fault("UpsertTradingPair"); err != nil {
		return nil, err
	}
	for _, tp := range s.st.pairs {
		if tp.Symbol == pair.Symbol {
			return &tp, nil
		}
	}
	tp := *pair
	if tp.ID == uuid.Nil {
		tp.ID = uuid.New()
	}
	tp.CreatedAt = s.g.now().UTC()
	s.st.pairs[tp.ID] = tp
	return &tp, nil
}

func (s *memStore) FindTradingPair(_ context.Context, id uuid.UUID) (*TradingPair, error) {
	if err := s.fault("FindTradingPair"); err != nil {
		return nil, err
	}
	tp, ok := s.st.pairs[id]
	if !ok {
		return nil, ErrNotFound
	}
	return &tp, nil
}

func (s *memStore) FindPositionByChainID(_ context.Context, onChainID string) (*Position, error) {
	if err := s.fault("FindPositionByChainID"); err != nil {
		return nil, err
	}
	for _, p := range s.st.positions {
		if p.OnChainPositionID == onChainID {
			return &p, nil
		}
	}
	return nil, ErrNotFound
}

func (s *memStore) CreatePosition(ctx context.Context, p *Position) (bool, error) {
	if err := s.fault("CreatePosition"); err != nil {
		return false, err
	}
	for _, existing := range s.st.positions {
		if existing.OnChainPositionID == p.OnChainPositionID {
			return false, nil
		}
	}
	if _, ok := s.st.users[p.UserID]; !ok {
		return false, fmt.Errorf("create position %s: unknown user %s", p.OnChainPositionID, p.UserID)
	}
	if p.ID == uuid.Nil {
		p.ID = uuid.New()
	}
	s.st.positions[p.ID] = *p
	return true, nil
}

func (s *memStore) TransitionPosition(_ context.Context, id uuid.UUID, t PositionTransition) (bool, error) {
	if err := s.fault("TransitionPosition"); err != nil {
		return false, err
	}
	if !t.Status.Terminal() {
		return false, fmt.Errorf("transition position %s: %s is not a terminal status", id, t.Status)
	}
	p, ok := s.st.positions[id]
	if !ok || p.Status != StatusOpen {
		return false, nil
	}
	p.Status = t.Status
	if t.CurrentPrice != nil {
		p.CurrentPrice = *t.CurrentPrice
	}
	if t.RealizedPnL != nil {
		p.RealizedPnL = *t.RealizedPnL
	}
	closedAt := t.ClosedAt
	p.ClosedAt = &closedAt
	s.st.positions[id] = p
	return true, nil
}

func (s *memStore) CreateTrade(_ context.Context, t *Trade) (bool, error) {
	if err := s.fault("CreateTrade"); err != nil {
		return false, err
	}
	for _, existing := range s.st.trades {
		if existing.TxHash == t.TxHash && existing.PositionID == t.PositionID && existing.SourceEvent == t.SourceEvent {
			return false, nil
		}
	}
	if t.ID == uuid.Nil {
		t.ID = uuid.New()
	}
	if t.CreatedAt.IsZero() {
		t.CreatedAt = s.g.now().UTC()
	}
	s.st.trades = append(s.st.trades, *t)
	return true, nil
}

func (s *memStore) CreateNotification(_ context.Context, n *Notification) (bool, error) {
	if err := s.fault("CreateNotification"); err != nil {
		return false, err
	}
	for _, existing := range s.st.notifications {
		if existing.EventRef == n.EventRef {
			return false, nil
		}
	}
	if n.ID == uuid.Nil {
		n.ID = uuid.New()
	}
	if n.CreatedAt.IsZero() {
		n.CreatedAt = s.g.now().UTC()
	}
	s.st.notifications = append(s.st.notifications, *n)
	return true, nil
}

func (s *memStore) ActiveFollowers(_ context.Context, traderID uuid.UUID) ([]CopyRelation, error) {
	if err := s.fault("ActiveFollowers"); err != nil {
		return nil, err
	}
	var out []CopyRelation
	for _, cr := range s.st.relations {
		if cr.TraderID == traderID && cr.IsActive {
			out = append(out, cr)
		}
	}
	return out, nil
}
