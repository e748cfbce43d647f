package model

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

const (
	eventIDPrefix    = "/x/BitMEX/BXBT/"
	eventIDSuffix    = ".price"
	eventIDTimestamp = "2006-01-02T15:04:05"
	// DefaultEventDigits is the number of binary digits an oracle attests to.
	DefaultEventDigits = 20
)

// BitMexPriceEventID identifies the oracle attestation of the BitMEX BXBT
// index at a given time, e.g. /x/BitMEX/BXBT/2021-09-23T10:00:00.price?n=20.
type BitMexPriceEventID struct {
	Timestamp time.Time
	Digits    int
}

// NewBitMexPriceEventID truncates ts to the minute.
func NewBitMexPriceEventID(ts time.Time, digits int) BitMexPriceEventID {
	return BitMexPriceEventID{Timestamp: ts.UTC().Truncate(time.Minute), Digits: digits}
}

// NextSettlementEvent is the event one interval after from, rounded up to the hour.
func NextSettlementEvent(from BitMexPriceEventID, interval time.Duration) BitMexPriceEventID {
	next := from.Timestamp.Add(interval)
	if rounded := next.Truncate(time.Hour); !rounded.Equal(next) {
		next = rounded.Add(time.Hour)
	}
	digits := from.Digits
	if digits == 0 {
		digits = DefaultEventDigits
	}
	return NewBitMexPriceEventID(next, digits)
}

// IsZero reports whether the identifier is unset.
func (id BitMexPriceEventID) IsZero() bool { return id.Timestamp.IsZero() }

func (id BitMexPriceEventID) String() string {
	return fmt.Sprintf("%s%s%s?n=%d", eventIDPrefix, id.Timestamp.UTC().Format(eventIDTimestamp), eventIDSuffix, id.Digits)
}

// ParseBitMexPriceEventID decodes the textual form produced by String.
func ParseBitMexPriceEventID(s string) (BitMexPriceEventID, error) {
	rest, ok := strings.CutPrefix(s, eventIDPrefix)
	if !ok {
		return BitMexPriceEventID{}, fmt.Errorf("event id %q: missing prefix", s)
	}
	stamp, query, ok := strings.Cut(rest, eventIDSuffix+"?n=")
	if !ok {
		return BitMexPriceEventID{}, fmt.Errorf("event id %q: missing digits", s)
	}
	ts, err := time.Parse(eventIDTimestamp, stamp)
	if err != nil {
		return BitMexPriceEventID{}, fmt.Errorf("event id %q: %w", s, err)
	}
	digits, err := strconv.Atoi(query)
	if err != nil || digits <= 0 {
		return BitMexPriceEventID{}, fmt.Errorf("event id %q: invalid digits", s)
	}
	return BitMexPriceEventID{Timestamp: ts.UTC(), Digits: digits}, nil
}

func (id BitMexPriceEventID) MarshalText() ([]byte, error) {
	return []byte(id.String()), nil
}

func (id *BitMexPriceEventID) UnmarshalText(text []byte) error {
	parsed, err := ParseBitMexPriceEventID(string(text))
	if err != nil {
		return err
	}
	*id = parsed
	return nil
}

// Announcement is an oracle's commitment to attest an event, carrying the
// nonce public keys used to build contract execution transactions.
type Announcement struct {
	ID                  BitMexPriceEventID `json:"id"`
	ExpectedOutcomeTime time.Time          `json:"expectedOutcomeTime"`
	NoncePks            []PublicKey        `json:"noncePks"`
}
