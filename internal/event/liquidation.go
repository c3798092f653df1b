package event

// Liquidation is emitted when a position is liquidated for insufficient margin.
type Liquidation struct {
	PositionID       string `json:"position_id"`
	Owner            string `json:"owner"`
	LiquidationPrice U64    `json:"liquidation_price"`
	Loss             U64    `json:"loss"`
	Timestamp        U64    `json:"timestamp"`
}

func (l *Liquidation) EventType() EventType { return EventTypeLiquidation }

func (l *Liquidation) Validate() error {
	return requireField("position_id", l.PositionID)
}

// FlashLiquidation is emitted when a third-party liquidator closes a position
// using borrowed funds.
type FlashLiquidation struct {
	PositionID       string `json:"position_id"`
	Liquidator       string `json:"liquidator"`
	BorrowedAmount   U64    `json:"borrowed_amount"`
	LiquidatorReward U64    `json:"liquidator_reward"`
	Timestamp        U64    `json:"timestamp"`
}

func (f *FlashLiquidation) EventType() EventType { return EventTypeFlashLiquidation }

func (f *FlashLiquidation) Validate() error {
	return requireField("position_id", f.PositionID)
}
