package projection

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"MarginIndexer/internal/event"
	fpmath "MarginIndexer/internal/math"
	"MarginIndexer/internal/persistence"
)

func handlePositionOpened(ctx context.Context, s *Scope) error {
	var ev event.PositionOpened
	if err := event.Decode(s.Record, &ev); err != nil {
		return err
	}
	symbol, err := ev.TradingPair.Symbol()
	if err != nil {
		return fmt.Errorf("position %s: %w", ev.PositionID, err)
	}

	if _, err := s.Store.FindPositionByChainID(ctx, ev.PositionID); err == nil {
		return skip(ReasonDuplicate, "position %s already indexed", ev.PositionID)
	} else if !errors.Is(err, persistence.ErrNotFound) {
		return err
	}

	owner, err := s.Store.UpsertUser(ctx, ev.Owner, usernameFor(ev.Owner))
	if err != nil {
		return err
	}
	if owner.DeletedAt != nil {
		return skip(ReasonMissingReferent, "owner %s of position %s is deleted", ev.Owner, ev.PositionID)
	}
	pair, err := s.Store.UpsertTradingPair(ctx, newTradingPair(symbol))
	if err != nil {
		return err
	}

	pos := &persistence.Position{
		UserID:            owner.ID,
		TradingPairID:     pair.ID,
		Side:              ev.Side(),
		EntryPrice:        ev.EntryPrice.Int64(),
		CurrentPrice:      ev.EntryPrice.Int64(),
		Quantity:          ev.Quantity.Int64(),
		Leverage:          int32(ev.Leverage),
		Margin:            ev.Margin.Int64(),
		Status:            persistence.StatusOpen,
		OnChainPositionID: ev.PositionID,
		TxHash:            s.Record.Ref(),
		OpenedAt:          s.At(ev.Timestamp),
	}
	created, err := s.Store.CreatePosition(ctx, pos)
	if err != nil {
		return err
	}
	if !created {
		return skip(ReasonDuplicate, "position %s already indexed", ev.PositionID)
	}

	// Followers are mirrored on-chain and arrive as CopyTradeExecuted events.
	followers, err := s.Store.ActiveFollowers(ctx, owner.ID)
	if err != nil {
		return err
	}
	s.Log.Info().
		Str("position_id", ev.PositionID).
		Str("symbol", symbol).
		Str("side", pos.Side).
		Int("active_followers", len(followers)).
		Msg("position opened")
	return nil
}

func handlePositionClosed(ctx context.Context, s *Scope) error {
	var ev event.PositionClosed
	if err := event.Decode(s.Record, &ev); err != nil {
		return err
	}
	pos, err := s.position(ctx, ev.PositionID)
	if err != nil {
		return err
	}
	if pos.Status == persistence.StatusLiquidated {
		return skip(ReasonTerminal, "position %s already liquidated", ev.PositionID)
	}

	price := ev.ClosePrice.Int64()
	pnl := ev.SignedPnL()
	value, err := tradeValue(pos.Quantity, price)
	if err != nil {
		return fmt.Errorf("position %s: %w", ev.PositionID, err)
	}
	if pos.Status == persistence.StatusOpen {
		if _, err := s.Store.TransitionPosition(ctx, pos.ID, persistence.PositionTransition{
			Status:       persistence.StatusClosed,
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
		TradeType:     persistence.TradeTypeClose,
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

	outcome := "loss"
	if ev.IsProfit {
		outcome = "profit"
	}
	return s.Notify(ctx, &persistence.Notification{
		UserID:   pos.UserID,
		Type:     persistence.NotificationPositionClosed,
		Title:    "Position Closed",
		Message:  fmt.Sprintf("Your %s position closed with %s: $%s", pos.Side, outcome, fpmath.FormatUSD(ev.PnL.Int64())),
		EventRef: "PositionClosed:" + ev.PositionID,
	})
}

// tradeValue is quantity * price in quote base units. A value outside int64
// can only come from a corrupt payload.
func tradeValue(quantity, price int64) (int64, error) {
	v, err := fpmath.ComputeNotional(quantity, price)
	if err != nil {
		return 0, fmt.Errorf("%w: trade value: %v", event.ErrMalformed, err)
	}
	return v, nil
}

func usernameFor(address string) string {
	prefix := address
	if len(prefix) > 8 {
		prefix = prefix[:8]
	}
	return "trader_" + prefix
}

func newTradingPair(symbol string) *persistence.TradingPair {
	base, quote, _ := strings.Cut(symbol, "/")
	if base == "" {
		base = persistence.DefaultBaseAsset
	}
	if quote == "" {
		quote = persistence.DefaultQuoteAsset
	}
	return &persistence.TradingPair{
		Symbol:      symbol,
		BaseAsset:   base,
		QuoteAsset:  quote,
		IsActive:    true,
		MinQuantity: persistence.DefaultMinQuantity,
		MaxLeverage: persistence.DefaultMaxLeverage,
	}
}
