package projection

import (
	"context"

	"MarginIndexer/internal/event"
)

// HandlerFunc applies one decoded event inside the scope's transaction.
type HandlerFunc func(ctx context.Context, s *Scope) error

type Route struct {
	EventType event.EventType
	Handle    HandlerFunc
}

// Routes is the dispatch table from ledger event type to handler.
func Routes() []Route {
	return []Route{
		{EventType: event.EventTypePositionOpened, Handle: handlePositionOpened},
		{EventType: event.EventTypePositionClosed, Handle: handlePositionClosed},
		{EventType: event.EventTypeCopyTradeExecuted, Handle: handleCopyTradeExecuted},
		{EventType: event.EventTypeLiquidation, Handle: handleLiquidation},
		{EventType: event.EventTypeBatchCopyTradeExecuted, Handle: handleBatchCopyTradeExecuted},
		{EventType: event.EventTypeFlashLiquidation, Handle: handleFlashLiquidation},
	}
}
