package persistence

import (
	"time"

	"github.com/google/uuid"
)

type PositionStatus string

const (
	StatusOpen       PositionStatus = "OPEN"
	StatusClosed     PositionStatus = "CLOSED"
	StatusLiquidated PositionStatus = "LIQUIDATED"
)

// Terminal reports whether no further transition is allowed.
func (s PositionStatus) Terminal() bool {
	return s == StatusClosed || s == StatusLiquidated
}

type TradeType string

const (
	TradeTypeClose       TradeType = "CLOSE"
	TradeTypeLiquidation TradeType = "LIQUIDATION"
)

type NotificationType string

const (
	NotificationPositionClosed     NotificationType = "POSITION_CLOSED"
	NotificationCopyTradeExecuted  NotificationType = "COPY_TRADE_EXECUTED"
	NotificationPositionLiquidated NotificationType = "POSITION_LIQUIDATED"
)

// Trading pair defaults for pairs first seen on the ledger.
const (
	DefaultBaseAsset   = "BTC"
	DefaultQuoteAsset  = "USDC"
	DefaultMinQuantity = 1_000 // 0.001 in base units
	DefaultMaxLeverage = 100
)

// All monetary fields are base units with 6 implied decimals.

type User struct {
	ID        uuid.UUID
	Address   string
	Username  string
	Bio       *string
	AvatarURL *string
	CreatedAt time.Time
	DeletedAt *time.Time
}

type TradingPair struct {
	ID          uuid.UUID
	Symbol      string
	BaseAsset   string
	QuoteAsset  string
	IsActive    bool
	MinQuantity int64
	MaxLeverage int32
	CreatedAt   time.Time
}

type Position struct {
	ID                 uuid.UUID
	UserID             uuid.UUID
	TradingPairID      uuid.UUID
	Side               string
	EntryPrice         int64
	CurrentPrice       int64
	Quantity           int64
	Leverage           int32
	Margin             int64
	RealizedPnL        int64
	Status             PositionStatus
	IsCopyTrade        bool
	OriginalPositionID *uuid.UUID
	OnChainPositionID  string
	TxHash             string
	OpenedAt           time.Time
	ClosedAt           *time.Time
}

type Trade struct {
	ID            uuid.UUID
	UserID        uuid.UUID
	PositionID    uuid.UUID
	TradingPairID uuid.UUID
	TradeType     TradeType
	Side          string
	Price         int64
	Quantity      int64
	Value         int64
	Fee           int64
	PnL           int64
	TxHash        string
	// SourceEvent names the event type that produced the trade. Together
	// with TxHash and PositionID it is the trade's idempotency key.
	SourceEvent string
	CreatedAt   time.Time
}

type CopyRelation struct {
	ID              uuid.UUID
	TraderID        uuid.UUID
	FollowerID      uuid.UUID
	CopyRatio       int32 // basis points
	MaxPositionSize *int64
	IsActive        bool
}

type Notification struct {
	ID        uuid.UUID
	UserID    uuid.UUID
	Type      NotificationType
	Title     string
	Message   string
	IsRead    bool
	EventRef  string
	CreatedAt time.Time
}

// PositionTransition moves an OPEN position into a terminal status. Nil
// pointer fields keep their stored value.
type PositionTransition struct {
	Status       PositionStatus
	CurrentPrice *int64
	RealizedPnL  *int64
	ClosedAt     time.Time
}
