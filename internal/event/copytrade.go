package event

import (
	"errors"
	"fmt"
)

// MaxCopyRatio is 100% in basis points.
const MaxCopyRatio = 10_000

// CopyTradeExecuted is emitted when a follower position mirrors a leader's.
type CopyTradeExecuted struct {
	OriginalPositionID string `json:"original_position_id"`
	FollowerPositionID string `json:"follower_position_id"`
	Trader             string `json:"trader"`
	Follower           string `json:"follower"`
	CopyRatio          U64    `json:"copy_ratio"`
	Timestamp          U64    `json:"timestamp"`
}

func (c *CopyTradeExecuted) EventType() EventType { return EventTypeCopyTradeExecuted }

func (c *CopyTradeExecuted) Validate() error {
	var ratioErr error
	if c.CopyRatio < 1 || c.CopyRatio > MaxCopyRatio {
		ratioErr = fmt.Errorf("copy_ratio %d outside 1..%d", c.CopyRatio, MaxCopyRatio)
	}
	return errors.Join(
		requireField("original_position_id", c.OriginalPositionID),
		requireField("follower_position_id", c.FollowerPositionID),
		requireField("follower", c.Follower),
		ratioErr,
	)
}

// BatchCopyTradeExecuted summarises a fan-out of one leader position to
// several followers.
type BatchCopyTradeExecuted struct {
	OriginalPositionID string `json:"original_position_id"`
	Trader             string `json:"trader"`
	FollowerCount      U64    `json:"follower_count"`
	Timestamp          U64    `json:"timestamp"`
}

func (b *BatchCopyTradeExecuted) EventType() EventType { return EventTypeBatchCopyTradeExecuted }

func (b *BatchCopyTradeExecuted) Validate() error {
	return errors.Join(
		requireField("original_position_id", b.OriginalPositionID),
		requireField("trader", b.Trader),
	)
}
