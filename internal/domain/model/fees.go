package model

import (
	"fmt"

	"github.com/btcsuite/btcutil"
	"github.com/shopspring/decimal"
)

// TxFeeRate is an on-chain fee rate in satoshi per virtual byte.
type TxFeeRate uint32

// DefaultTxFeeRate is applied when no explicit rate is configured.
const DefaultTxFeeRate TxFeeRate = 1

// FundingRate is the rate charged per funding period. A positive rate means
// the long side pays the short side.
type FundingRate struct {
	decimal.Decimal
}

// FundingPeriodHours is the length of the period a FundingRate applies to.
const FundingPeriodHours = 8

var maxFundingRate = decimal.NewFromInt(1)

// NewFundingRate validates that |rate| stays below one.
func NewFundingRate(rate decimal.Decimal) (FundingRate, error) {
	if rate.Abs().GreaterThanOrEqual(maxFundingRate) {
		return FundingRate{}, fmt.Errorf("funding rate %s out of range", rate)
	}
	return FundingRate{rate}, nil
}

// ShortPaysLong reports whether the rate flows from short to long.
func (r FundingRate) ShortPaysLong() bool {
	return r.IsNegative()
}

// FundingFee is the funding charged for one rollover.
type FundingFee struct {
	Fee  btcutil.Amount `json:"fee"`
	Rate FundingRate    `json:"rate"`
}

var satsPerBtc = decimal.NewFromInt(btcutil.SatoshiPerBitcoin)

// CalculateFundingFee charges |rate| on the position's bitcoin notional
// (quantity / price) for hours of exposure.
func CalculateFundingFee(price, quantity decimal.Decimal, rate FundingRate, hours int64) (FundingFee, error) {
	if !price.IsPositive() {
		return FundingFee{}, fmt.Errorf("price must be positive")
	}
	if hours < 0 {
		return FundingFee{}, fmt.Errorf("negative funding period: %d hours", hours)
	}
	notional := quantity.Div(price)
	fee := notional.
		Mul(rate.Abs()).
		Mul(decimal.NewFromInt(hours)).
		Div(decimal.NewFromInt(FundingPeriodHours)).
		Mul(satsPerBtc).
		Ceil()
	return FundingFee{Fee: btcutil.Amount(fee.IntPart()), Rate: rate}, nil
}

// CompleteFeeKind says which side pays the settled fee.
type CompleteFeeKind string

const (
	CompleteFeeNone          CompleteFeeKind = "none"
	CompleteFeeLongPaysShort CompleteFeeKind = "longPaysShort"
	CompleteFeeShortPaysLong CompleteFeeKind = "shortPaysLong"
)

// CompleteFee is the net fee balance between the parties at settlement.
type CompleteFee struct {
	Kind   CompleteFeeKind `json:"kind"`
	Amount btcutil.Amount  `json:"amount"`
}

// FeeAccount accumulates the fees owed by one party. A positive balance is
// owed by the account holder, a negative one is owed to it.
type FeeAccount struct {
	Position Position       `json:"position"`
	Role     Role           `json:"role"`
	Balance  btcutil.Amount `json:"balance"`
}

// NewFeeAccount returns an empty account.
func NewFeeAccount(position Position, role Role) FeeAccount {
	return FeeAccount{Position: position, Role: role}
}

// AddFundingFee books a funding fee. The account holder pays when the rate
// flows away from its position.
func (a FeeAccount) AddFundingFee(fee FundingFee) FeeAccount {
	pays := (a.Position == PositionLong) != fee.Rate.ShortPaysLong()
	if pays {
		a.Balance += fee.Fee
	} else {
		a.Balance -= fee.Fee
	}
	return a
}

// Settle turns the balance into the fee paid between long and short.
func (a FeeAccount) Settle() CompleteFee {
	switch {
	case a.Balance == 0:
		return CompleteFee{Kind: CompleteFeeNone}
	case a.Balance > 0 && a.Position == PositionLong, a.Balance < 0 && a.Position == PositionShort:
		return CompleteFee{Kind: CompleteFeeLongPaysShort, Amount: absAmount(a.Balance)}
	default:
		return CompleteFee{Kind: CompleteFeeShortPaysLong, Amount: absAmount(a.Balance)}
	}
}

func absAmount(a btcutil.Amount) btcutil.Amount {
	if a < 0 {
		return -a
	}
	return a
}
