package event

import (
	"bytes"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"
)

// ErrMalformed marks payloads that can never be applied.
var ErrMalformed = errors.New("malformed event payload")

// U64 is a Move u64. The source renders u64 as a decimal string; bare JSON
// numbers are accepted too. Values above math.MaxInt64 are rejected.
type U64 int64

func (u *U64) UnmarshalJSON(b []byte) error {
	b = bytes.TrimSpace(b)
	if bytes.Equal(b, []byte("null")) {
		return fmt.Errorf("u64: null")
	}
	s := string(b)
	if len(b) > 0 && b[0] == '"' {
		if err := json.Unmarshal(b, &s); err != nil {
			return fmt.Errorf("u64: %w", err)
		}
	}
	n, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return fmt.Errorf("u64 %q: %w", s, err)
	}
	if n < 0 {
		return fmt.Errorf("u64 %q: negative", s)
	}
	*u = U64(n)
	return nil
}

func (u U64) Int64() int64 { return int64(u) }

// Time interprets the value as Unix milliseconds.
func (u U64) Time() time.Time { return time.UnixMilli(int64(u)).UTC() }

// PairBytes is a trading pair symbol encoded as a Move vector<u8>. The source
// emits either a JSON array of byte values or a base64 string.
type PairBytes []int

func (p *PairBytes) UnmarshalJSON(b []byte) error {
	b = bytes.TrimSpace(b)
	if len(b) > 0 && b[0] == '"' {
		var s string
		if err := json.Unmarshal(b, &s); err != nil {
			return err
		}
		raw, err := base64.StdEncoding.DecodeString(s)
		if err != nil {
			return fmt.Errorf("trading pair: %w", err)
		}
		out := make(PairBytes, len(raw))
		for i, c := range raw {
			out[i] = int(c)
		}
		*p = out
		return nil
	}
	var ints []int
	if err := json.Unmarshal(b, &ints); err != nil {
		return fmt.Errorf("trading pair: %w", err)
	}
	*p = ints
	return nil
}

// Symbol decodes the bytes as ASCII. Empty input or any byte outside 0..127
// is an error.
func (p PairBytes) Symbol() (string, error) {
	if len(p) == 0 {
		return "", fmt.Errorf("%w: empty trading pair", ErrMalformed)
	}
	buf := make([]byte, len(p))
	for i, v := range p {
		if v < 0 || v > 127 {
			return "", fmt.Errorf("%w: trading pair byte %d out of range", ErrMalformed, v)
		}
		buf[i] = byte(v)
	}
	return string(buf), nil
}

// Decode unmarshals a record payload into ev and validates it. Every failure
// wraps ErrMalformed.
func Decode(r Record, ev Event) error {
	if len(r.Payload) == 0 {
		return fmt.Errorf("%w: %s: empty payload", ErrMalformed, r.EventType)
	}
	if ev.EventType() != r.EventType {
		return fmt.Errorf("%w: decoding %s as %s", ErrMalformed, r.EventType, ev.EventType())
	}
	if err := json.Unmarshal(r.Payload, ev); err != nil {
		return fmt.Errorf("%w: %s: %v", ErrMalformed, r.EventType, err)
	}
	if err := ev.Validate(); err != nil {
		return fmt.Errorf("%w: %s: %v", ErrMalformed, r.EventType, err)
	}
	return nil
}

func requireField(name, v string) error {
	if v == "" {
		return fmt.Errorf("missing %s", name)
	}
	return nil
}
