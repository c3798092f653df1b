package projection

import (
	"context"
	"errors"
	"fmt"

	"MarginIndexer/internal/event"
	fpmath "MarginIndexer/internal/math"
	"MarginIndexer/internal/persistence"
)

func handleCopyTradeExecuted(ctx context.Context, s *Scope) error {
	var ev event.CopyTradeExecuted
	if err := event.Decode(s.Record, &ev); err != nil {
		return err
	}

	if _, err := s.Store.FindPositionByChainID(ctx, ev.FollowerPositionID); err == nil {
		return skip(ReasonDuplicate, "follower position %s already indexed", ev.FollowerPositionID)
	} else if !errors.Is(err, persistence.ErrNotFound) {
		return err
	}

	original, err := s.position(ctx, ev.OriginalPositionID)
	if err != nil {
		return err
	}
	follower, err := s.user(ctx, ev.Follower)
	if err != nil {
		return err
	}
	pair, err := s.Store.FindTradingPair(ctx, original.TradingPairID)
	if err != nil {
		return fmt.Errorf("trading pair of position %s: %w", ev.OriginalPositionID, err)
	}

	ratio := ev.CopyRatio.Int64()
	quantity, err := fpmath.ScaleByRatio(original.Quantity, ratio)
	if err != nil {
		return fmt.Errorf("%w: copy quantity: %v", event.ErrMalformed, err)
	}
	margin, err := fpmath.ScaleByRatio(original.Margin, ratio)
	if err != nil {
		return fmt.Errorf("%w: copy margin: %v", event.ErrMalformed, err)
	}
	originalID := original.ID
	pos := &persistence.Position{
		UserID:             follower.ID,
		TradingPairID:      original.TradingPairID,
		Side:               original.Side,
		EntryPrice:         original.EntryPrice,
		CurrentPrice:       original.EntryPrice,
		Quantity:           quantity,
		Leverage:           original.Leverage,
		Margin:             margin,
		Status:             persistence.StatusOpen,
		IsCopyTrade:        true,
		OriginalPositionID: &originalID,
		OnChainPositionID:  ev.FollowerPositionID,
		TxHash:             s.Record.Ref(),
		OpenedAt:           s.At(ev.Timestamp),
	}
	created, err := s.Store.CreatePosition(ctx, pos)
	if err != nil {
		return err
	}
	if !created {
		return skip(ReasonDuplicate, "follower position %s already indexed", ev.FollowerPositionID)
	}

	return s.Notify(ctx, &persistence.Notification{
		UserID: follower.ID,
		Type:   persistence.NotificationCopyTradeExecuted,
		Title:  "Copy Trade Executed",
		Message: fmt.Sprintf("Copied %s position on %s with %s%% ratio",
			original.Side, pair.Symbol, fpmath.FormatPercent(ratio)),
		EventRef: "CopyTradeExecuted:" + ev.FollowerPositionID,
	})
}

func handleBatchCopyTradeExecuted(ctx context.Context, s *Scope) error {
	var ev event.BatchCopyTradeExecuted
	if err := event.Decode(s.Record, &ev); err != nil {
		return err
	}
	trader, err := s.user(ctx, ev.Trader)
	if err != nil {
		return err
	}

	return s.Notify(ctx, &persistence.Notification{
		UserID:   trader.ID,
		Type:     persistence.NotificationCopyTradeExecuted,
		Title:    "Batch Copy Trades Executed",
		Message:  fmt.Sprintf("%d followers copied your trade", ev.FollowerCount.Int64()),
		EventRef: fmt.Sprintf("BatchCopyTradeExecuted:%s:%s", s.Record.Ref(), ev.OriginalPositionID),
	})
}
