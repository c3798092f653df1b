package event

import "errors"

const (
	SideLong  = "LONG"
	SideShort = "SHORT"
)

// PositionOpened is emitted when a trader opens a leveraged position.
type PositionOpened struct {
	PositionID   string    `json:"position_id"`
	Owner        string    `json:"owner"`
	TradingPair  PairBytes `json:"trading_pair"`
	PositionType U64       `json:"position_type"`
	EntryPrice   U64       `json:"entry_price"`
	Quantity     U64       `json:"quantity"`
	Leverage     U64       `json:"leverage"`
	Margin       U64       `json:"margin"`
	Timestamp    U64       `json:"timestamp"`
}

func (p *PositionOpened) EventType() EventType { return EventTypePositionOpened }

func (p *PositionOpened) Validate() error {
	return errors.Join(
		requireField("position_id", p.PositionID),
		requireField("owner", p.Owner),
	)
}

// Side maps the on-chain position type: 0 is long, anything else short.
func (p *PositionOpened) Side() string {
	if p.PositionType == 0 {
		return SideLong
	}
	return SideShort
}

// PositionClosed is emitted when the owner closes a position.
type PositionClosed struct {
	PositionID string `json:"position_id"`
	Owner      string `json:"owner"`
	ClosePrice U64    `json:"close_price"`
	PnL        U64    `json:"pnl"`
	IsProfit   bool   `json:"is_profit"`
	Timestamp  U64    `json:"timestamp"`
}

func (p *PositionClosed) EventType() EventType { return EventTypePositionClosed }

func (p *PositionClosed) Validate() error {
	return requireField("position_id", p.PositionID)
}

// SignedPnL applies the profit flag to the unsigned magnitude.
func (p *PositionClosed) SignedPnL() int64 {
	if p.IsProfit {
		return p.PnL.Int64()
	}
	return -p.PnL.Int64()
}
