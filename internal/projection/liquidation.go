package projection

import (
	"context"
	"fmt"

	"MarginIndexer/internal/event"
	fpmath "MarginIndexer/internal/math"
	"MarginIndexer/internal/persistence"
)

func handleLiquidation(ctx context.Context, s *Scope) error {
	var ev event.Liquidation
	if err := event.Decode(s.Record, &ev); err != nil {
		return err
	}
	pos, err := s.position(ctx, ev.PositionID)
	if err != nil {
		return err
	}
	if pos.Status == persistence.StatusClosed {
		return skip(ReasonTerminal, "position %s already closed", ev.PositionID)
	}

	price := ev.LiquidationPrice.Int64()
	pnl := -ev.Loss.Int64()
	value, err := tradeValue(pos.Quantity, price)
	if err != nil {
		return fmt.Errorf("position %s: %w", ev.PositionID, err)
	}
	if pos.Status == persistence.StatusOpen {
		if _, err := s.Store.TransitionPosition(ctx, pos.ID, persistence.PositionTransition{
			Status:       persistence.StatusLiquidated,
			CurrentPrice: &price,
			RealizedPnL:  &pnl,
			ClosedAt:     s.At(ev.Timestamp),
		}); err != nil {
			return err
		}
	}

	if _, err := s.Store.CreateTrade(ctx, &persistence.Trade{
		UserID:        pos.UserID,
		PositionID:    pos.ID,
		TradingPairID: pos.TradingPairID,
		TradeType:     persistence.TradeTypeLiquidation,
		Side:          pos.Side,
		Price:         price,
		Quantity:      pos.Quantity,
		Value:         value,
		PnL:           pnl,
		TxHash:        s.Record.Ref(),
		SourceEvent:   s.Record.EventType.String(),
	}); err != nil {
		return err
	}

	return s.Notify(ctx, &persistence.Notification{
		UserID: pos.UserID,
		Type:   persistence.NotificationPositionLiquidated,
		Title:  "Position Liquidated",
		Message: fmt.Sprintf("Your %s position was liquidated at $%s. Loss: $%s",
			pos.Side, fpmath.FormatUSD(price), fpmath.FormatUSD(ev.Loss.Int64())),
		EventRef: "Liquidation:" + ev.PositionID,
	})
}

// handleFlashLiquidation records a liquidation executed by a third party with
// borrowed funds. The event carries no price, so the trade is booked at the
// entry price and the whole margin is counted as lost.
func handleFlashLiquidation(ctx context.Context, s *Scope) error {
	var ev event.FlashLiquidation
	if err := event.Decode(s.Record, &ev); err != nil {
		return err
	}
	pos, err := s.position(ctx, ev.PositionID)
	if err != nil {
		return err
	}
	if pos.Status == persistence.StatusClosed {
		return skip(ReasonTerminal, "position %s already closed", ev.PositionID)
	}
	value, err := tradeValue(pos.Quantity, pos.EntryPrice)
	if err != nil {
		return fmt.Errorf("position %s: %w", ev.PositionID, err)
	}

	if pos.Status == persistence.StatusOpen {
		if _, err := s.Store.TransitionPosition(ctx, pos.ID, persistence.PositionTransition{
			Status:   persistence.StatusLiquidated,
			ClosedAt: s.At(ev.Timestamp),
		}); err != nil {
			return err
		}
	}

	if _, err := s.Store.CreateTrade(ctx, &persistence.Trade{
		UserID:        pos.UserID,
		PositionID:    pos.ID,
		TradingPairID: pos.TradingPairID,
		TradeType:     persistence.TradeTypeLiquidation,
		Side:          pos.Side,
		Price:         pos.EntryPrice,
		Quantity:      pos.Quantity,
		Value:         value,
		Fee:           ev.LiquidatorReward.Int64(),
		PnL:           -pos.Margin,
		TxHash:        s.Record.Ref(),
		SourceEvent:   s.Record.EventType.String(),
	}); err != nil {
		return err
	}

	return s.Notify(ctx, &persistence.Notification{
		UserID: pos.UserID,
		Type:   persistence.NotificationPositionLiquidated,
		Title:  "Position Flash Liquidated",
		Message: fmt.Sprintf("Your %s position was flash liquidated. Liquidator reward: $%s",
			pos.Side, fpmath.FormatUSD(ev.LiquidatorReward.Int64())),
		EventRef: fmt.Sprintf("FlashLiquidation:%s:%s", s.Record.Ref(), ev.PositionID),
	})
}
