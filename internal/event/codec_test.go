package event_test

import (
	"encoding/json"
	"errors"
	"testing"
	"time"

	"MarginIndexer/internal/event"
)

func record(t event.EventType, payload string) event.Record {
	return event.Record{EventType: t, TxDigest: "0xtx", Cursor: "c1", Payload: json.RawMessage(payload)}
}

func TestDecode_PositionOpened(t *testing.T) {
	rec := record(event.EventTypePositionOpened, `{
		"position_id": "0xabc",
		"owner": "0x1234567890abcdef",
		"trading_pair": [66, 84, 67, 47, 85, 83, 68, 67],
		"position_type": 1,
		"entry_price": "95000000000",
		"quantity": "500000",
		"leverage": 10,
		"margin": "4750000000",
		"timestamp": "1700000000000"
	}`)

	var ev event.PositionOpened
	if err := event.Decode(rec, &ev); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if ev.EntryPrice.Int64() != 95_000_000_000 {
		t.Errorf("entry price = %d", ev.EntryPrice)
	}
	if ev.Leverage != 10 {
		t.Errorf("leverage = %d", ev.Leverage)
	}
	if ev.Side() != event.SideShort {
		t.Errorf("side = %s, want SHORT", ev.Side())
	}
	symbol, err := ev.TradingPair.Symbol()
	if err != nil || symbol != "BTC/USDC" {
		t.Errorf("symbol = %q, %v", symbol, err)
	}
	if !ev.Timestamp.Time().Equal(time.UnixMilli(1_700_000_000_000)) {
		t.Errorf("timestamp = %v", ev.Timestamp.Time())
	}
}

func TestDecode_PairAsBase64(t *testing.T) {
	// "ETH/USDC"
	rec := record(event.EventTypePositionOpened, `{"position_id":"0x1","owner":"0x2","trading_pair":"RVRIL1VTREM="}`)
	var ev event.PositionOpened
	if err := event.Decode(rec, &ev); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if s, _ := ev.TradingPair.Symbol(); s != "ETH/USDC" {
		t.Fatalf("symbol = %q", s)
	}
}

func TestPairBytes_RejectsNonASCII(t *testing.T) {
	for _, pair := range []event.PairBytes{{}, {66, 200}, {-1}} {
		if _, err := pair.Symbol(); !errors.Is(err, event.ErrMalformed) {
			t.Errorf("Symbol(%v) err = %v, want ErrMalformed", pair, err)
		}
	}
}

func TestDecode_Malformed(t *testing.T) {
	cases := []struct {
		name string
		rec  event.Record
		ev   event.Event
	}{
		{"empty payload", record(event.EventTypePositionClosed, ``), &event.PositionClosed{}},
		{"not json", record(event.EventTypePositionClosed, `{`), &event.PositionClosed{}},
		{"missing id", record(event.EventTypePositionClosed, `{"close_price":"1"}`), &event.PositionClosed{}},
		{"bad u64", record(event.EventTypeLiquidation, `{"position_id":"0x1","loss":"-5"}`), &event.Liquidation{}},
		{"ratio zero", record(event.EventTypeCopyTradeExecuted, `{"original_position_id":"a","follower_position_id":"b","follower":"0xf","copy_ratio":"0"}`), &event.CopyTradeExecuted{}},
		{"ratio above max", record(event.EventTypeCopyTradeExecuted, `{"original_position_id":"a","follower_position_id":"b","follower":"0xf","copy_ratio":"10001"}`), &event.CopyTradeExecuted{}},
		{"type mismatch", record(event.EventTypeLiquidation, `{"position_id":"0x1"}`), &event.FlashLiquidation{}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if err := event.Decode(tc.rec, tc.ev); !errors.Is(err, event.ErrMalformed) {
				t.Fatalf("err = %v, want ErrMalformed", err)
			}
		})
	}
}

func TestPositionClosed_SignedPnL(t *testing.T) {
	loss := event.PositionClosed{PnL: 250, IsProfit: false}
	if loss.SignedPnL() != -250 {
		t.Fatalf("expected -250, got %d", loss.SignedPnL())
	}
	gain := event.PositionClosed{PnL: 250, IsProfit: true}
	if gain.SignedPnL() != 250 {
		t.Fatalf("expected 250, got %d", gain.SignedPnL())
	}
}

func TestEventTypes_RoundTripNames(t *testing.T) {
	types := event.EventTypes()
	if len(types) != 6 {
		t.Fatalf("expected 6 event types, got %d", len(types))
	}
	for _, et := range types {
		got, ok := event.ParseEventType(et.String())
		if !ok || got != et {
			t.Errorf("ParseEventType(%q) = %v, %v", et.String(), got, ok)
		}
	}
	if _, ok := event.ParseEventType("Deposit"); ok {
		t.Error("unexpected match for unknown type")
	}
	if q := event.EventTypeLiquidation.Qualified("0x42"); q != "0x42::events::Liquidation" {
		t.Errorf("Qualified = %q", q)
	}
}

func TestRecord_RefFallsBackToCursor(t *testing.T) {
	r := event.Record{EventType: event.EventTypeLiquidation, Cursor: "cur"}
	if r.Ref() != "cur" {
		t.Fatalf("Ref = %q", r.Ref())
	}
	if r.IdempotencyKey() != "Liquidation:cur" {
		t.Fatalf("IdempotencyKey = %q", r.IdempotencyKey())
	}
}
