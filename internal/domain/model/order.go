// Package model defines the maker's orders, contracts and the events that move them.
package model

import (
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// OrderID identifies an order and every contract opened against it.
type OrderID uuid.UUID

// NewOrderID returns a random identifier.
func NewOrderID() OrderID {
	return OrderID(uuid.New())
}

// ParseOrderID decodes the canonical textual form.
func ParseOrderID(s string) (OrderID, error) {
	id, err := uuid.Parse(strings.TrimSpace(s))
	if err != nil {
		return OrderID{}, fmt.Errorf("parse order id %q: %w", s, err)
	}
	return OrderID(id), nil
}

func (id OrderID) String() string { return uuid.UUID(id).String() }

// IsZero reports whether the identifier is unset.
func (id OrderID) IsZero() bool { return id == OrderID{} }

func (id OrderID) MarshalText() ([]byte, error) {
	return []byte(id.String()), nil
}

func (id *OrderID) UnmarshalText(text []byte) error {
	parsed, err := ParseOrderID(string(text))
	if err != nil {
		return err
	}
	*id = parsed
	return nil
}

// PeerID is the authenticated identity of a remote party on the peer transport.
type PeerID string

func (p PeerID) String() string { return string(p) }

// Position is the side of a contract.
type Position string

const (
	PositionLong  Position = "long"
	PositionShort Position = "short"
)

// Counter returns the opposite side.
func (p Position) Counter() Position {
	if p == PositionLong {
		return PositionShort
	}
	return PositionLong
}

// Validate rejects unknown positions.
func (p Position) Validate() error {
	switch p {
	case PositionLong, PositionShort:
		return nil
	default:
		return fmt.Errorf("unknown position %q", string(p))
	}
}

// Role is the part a party plays in the protocols.
type Role string

const (
	RoleMaker Role = "maker"
	RoleTaker Role = "taker"
)

// Order holds the terms the maker advertises. Position is the maker's side.
type Order struct {
	ID                 OrderID         `json:"id"`
	TradingPair        string          `json:"tradingPair"`
	Position           Position        `json:"position"`
	Price              decimal.Decimal `json:"price"`
	MinQuantity        decimal.Decimal `json:"minQuantity"`
	MaxQuantity        decimal.Decimal `json:"maxQuantity"`
	Leverage           int             `json:"leverage"`
	SettlementInterval time.Duration   `json:"settlementInterval"`
	FundingRate        FundingRate     `json:"fundingRate"`
	TxFeeRate          TxFeeRate       `json:"txFeeRate"`
	CreatedAt          time.Time       `json:"createdAt"`
}

// OrderParams captures the maker input for a new order.
type OrderParams struct {
	TradingPair        string
	Position           Position
	Price              decimal.Decimal
	MinQuantity        decimal.Decimal
	MaxQuantity        decimal.Decimal
	Leverage           int
	SettlementInterval time.Duration
	FundingRate        FundingRate
	TxFeeRate          TxFeeRate
}

// DefaultTradingPair is used when none is given.
const DefaultTradingPair = "BTCUSD"

// NewOrder validates params and stamps a fresh identifier.
func NewOrder(params OrderParams, now time.Time) (Order, error) {
	if err := params.Position.Validate(); err != nil {
		return Order{}, err
	}
	if !params.Price.IsPositive() {
		return Order{}, fmt.Errorf("price must be positive")
	}
	if !params.MinQuantity.IsPositive() {
		return Order{}, fmt.Errorf("min quantity must be positive")
	}
	if params.MaxQuantity.LessThan(params.MinQuantity) {
		return Order{}, fmt.Errorf("max quantity %s below min quantity %s", params.MaxQuantity, params.MinQuantity)
	}
	if params.SettlementInterval <= 0 {
		return Order{}, fmt.Errorf("settlement interval must be positive")
	}
	leverage := params.Leverage
	if leverage == 0 {
		leverage = 1
	}
	if leverage < 0 {
		return Order{}, fmt.Errorf("leverage must be positive")
	}
	pair := strings.TrimSpace(params.TradingPair)
	if pair == "" {
		pair = DefaultTradingPair
	}
	return Order{
		ID:                 NewOrderID(),
		TradingPair:        pair,
		Position:           params.Position,
		Price:              params.Price,
		MinQuantity:        params.MinQuantity,
		MaxQuantity:        params.MaxQuantity,
		Leverage:           leverage,
		SettlementInterval: params.SettlementInterval,
		FundingRate:        params.FundingRate,
		TxFeeRate:          params.TxFeeRate,
		CreatedAt:          now.UTC(),
	}, nil
}
