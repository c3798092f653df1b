package event

import (
	"encoding/json"
	"fmt"
	"time"
)

// EventType discriminator for ledger events
type EventType int32

const (
	EventTypeUnknown EventType = iota
	EventTypePositionOpened
	EventTypePositionClosed
	EventTypeCopyTradeExecuted
	EventTypeLiquidation
	EventTypeBatchCopyTradeExecuted
	EventTypeFlashLiquidation
)

// EventTypes lists every indexed type in processing order.
func EventTypes() []EventType {
	return []EventType{
		EventTypePositionOpened,
		EventTypePositionClosed,
		EventTypeCopyTradeExecuted,
		EventTypeLiquidation,
		EventTypeBatchCopyTradeExecuted,
		EventTypeFlashLiquidation,
	}
}

func (et EventType) String() string {
	switch et {
	case EventTypePositionOpened:
		return "PositionOpened"
	case EventTypePositionClosed:
		return "PositionClosed"
	case EventTypeCopyTradeExecuted:
		return "CopyTradeExecuted"
	case EventTypeLiquidation:
		return "Liquidation"
	case EventTypeBatchCopyTradeExecuted:
		return "BatchCopyTradeExecuted"
	case EventTypeFlashLiquidation:
		return "FlashLiquidation"
	default:
		return "Unknown"
	}
}

// ParseEventType maps a short type name back to its discriminator.
func ParseEventType(name string) (EventType, bool) {
	for _, et := range EventTypes() {
		if et.String() == name {
			return et, true
		}
	}
	return EventTypeUnknown, false
}

// Qualified returns the fully qualified Move type used as the query filter,
// e.g. "0xabc::events::PositionOpened".
func (et EventType) Qualified(packageID string) string {
	return fmt.Sprintf("%s::events::%s", packageID, et)
}

// Record is a single entry of the ledger event log as returned by the source.
type Record struct {
	EventType EventType

	// Transaction digest that emitted the event. Empty when the source omits it.
	TxDigest string

	// Opaque per-event pagination cursor
	Cursor string

	// Checkpoint timestamp reported by the source (zero when absent)
	Timestamp time.Time

	// Raw Move struct as JSON
	Payload json.RawMessage
}

// Ref identifies the originating transaction, falling back to the event cursor.
func (r Record) Ref() string {
	if r.TxDigest != "" {
		return r.TxDigest
	}
	return r.Cursor
}

// IdempotencyKey is unique per ledger event.
func (r Record) IdempotencyKey() string {
	if r.Cursor != "" {
		return r.EventType.String() + ":" + r.Cursor
	}
	return r.EventType.String() + ":" + r.TxDigest + ":" + string(r.Payload)
}

// Event is implemented by every decoded payload.
type Event interface {
	EventType() EventType
	Validate() error
}
