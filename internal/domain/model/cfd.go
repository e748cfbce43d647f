package model

import (
	"fmt"
	"time"

	"github.com/btcsuite/btcutil"
	"github.com/shopspring/decimal"
)

// CfdState is the lifecycle stage of a contract.
type CfdState string

const (
	StateAccepted      CfdState = "Accepted"
	StateContractSetup CfdState = "ContractSetup"
	StatePendingOpen   CfdState = "PendingOpen"
	StateOpen          CfdState = "Open"
	StateSetupFailed   CfdState = "SetupFailed"
)

// MakerLeverage is the leverage the maker always trades at.
const MakerLeverage = 1

// Cfd is a contract for difference between the maker and one taker. It is
// rebuilt by replaying its events on top of the row written at acceptance.
type Cfd struct {
	ID                 OrderID         `json:"id"`
	Order              Order           `json:"order"`
	Quantity           decimal.Decimal `json:"quantity"`
	Position           Position        `json:"position"`
	Role               Role            `json:"role"`
	Counterparty       PeerID          `json:"counterparty"`
	State              CfdState        `json:"state"`
	Dlc                *Dlc            `json:"dlc,omitempty"`
	FeeAccount         FeeAccount      `json:"feeAccount"`
	RolloverInProgress bool            `json:"rolloverInProgress"`
	CreatedAt          time.Time       `json:"createdAt"`
	Version            int             `json:"version"`
}

// NewCfd creates the contract for an accepted take request.
func NewCfd(order Order, quantity decimal.Decimal, taker PeerID, at time.Time) Cfd {
	return Cfd{
		ID:           order.ID,
		Order:        order,
		Quantity:     quantity,
		Position:     order.Position,
		Role:         RoleMaker,
		Counterparty: taker,
		State:        StateAccepted,
		FeeAccount:   NewFeeAccount(order.Position, RoleMaker),
		CreatedAt:    at.UTC(),
	}
}

// Margin is the amount the maker locks: quantity / price at maker leverage.
func (c *Cfd) Margin() (btcutil.Amount, error) {
	if !c.Order.Price.IsPositive() {
		return 0, fmt.Errorf("cfd %s: price must be positive", c.ID)
	}
	btc := c.Quantity.Div(c.Order.Price).Div(decimal.NewFromInt(MakerLeverage))
	sats := btc.Mul(satsPerBtc).Round(0)
	return btcutil.Amount(sats.IntPart()), nil
}

// Apply folds ev into the contract.
func (c *Cfd) Apply(ev CfdEvent) {
	switch ev.Kind {
	case EventContractSetupStarted:
		c.State = StateContractSetup
	case EventContractSetupCompleted:
		c.State = StatePendingOpen
		c.Dlc = ev.Dlc
	case EventContractSetupFailed:
		c.State = StateSetupFailed
	case EventLockConfirmed:
		c.State = StateOpen
	case EventRolloverStarted:
		c.RolloverInProgress = true
	case EventRolloverAccepted:
	case EventRolloverCompleted:
		c.Dlc = ev.Dlc
		if ev.FundingFee != nil {
			c.FeeAccount = c.FeeAccount.AddFundingFee(*ev.FundingFee)
		}
		c.RolloverInProgress = false
	case EventRolloverRejected, EventRolloverFailed:
		c.RolloverInProgress = false
	}
	c.Version++
}

// StartContractSetup moves an accepted contract into setup.
func (c *Cfd) StartContractSetup() (CfdEvent, error) {
	if c.State != StateAccepted {
		return CfdEvent{}, fmt.Errorf("%w: cannot start setup in state %s", ErrInvalidTransition, c.State)
	}
	return newEvent(c.ID, EventContractSetupStarted), nil
}

// CompleteContractSetup records the Dlc produced by the setup protocol.
func (c *Cfd) CompleteContractSetup(dlc Dlc) (CfdEvent, error) {
	if c.State != StateContractSetup {
		return CfdEvent{}, fmt.Errorf("%w: cannot complete setup in state %s", ErrInvalidTransition, c.State)
	}
	ev := newEvent(c.ID, EventContractSetupCompleted)
	ev.Dlc = &dlc
	return ev, nil
}

// FailContractSetup records a setup that did not produce a Dlc.
func (c *Cfd) FailContractSetup(cause error) CfdEvent {
	ev := newEvent(c.ID, EventContractSetupFailed)
	ev.Reason = reason(cause)
	return ev
}

// ConfirmLock marks the lock transaction as confirmed on chain.
func (c *Cfd) ConfirmLock() (CfdEvent, error) {
	if c.State != StatePendingOpen {
		return CfdEvent{}, fmt.Errorf("%w: cannot confirm lock in state %s", ErrInvalidTransition, c.State)
	}
	return newEvent(c.ID, EventLockConfirmed), nil
}

// VerifyCounterpartyPeerID checks that peer is the taker of this contract.
func (c *Cfd) VerifyCounterpartyPeerID(peer PeerID) error {
	if c.Counterparty != peer {
		return fmt.Errorf("%w: contract %s belongs to %q, not %q", ErrCounterpartyMismatch, c.ID, c.Counterparty, peer)
	}
	return nil
}

// ProposalContext is the settlement event and settled fee of the commit a
// rollover proposal starts from.
type ProposalContext struct {
	EventID     BitMexPriceEventID `json:"eventId"`
	CompleteFee CompleteFee        `json:"completeFee"`
}

// StartRolloverMaker records an incoming rollover proposal from the commit
// identified by from, which may be the current or any revoked commit.
func (c *Cfd) StartRolloverMaker(from Txid) (CfdEvent, ProposalContext, error) {
	if c.State != StateOpen || c.Dlc == nil {
		return CfdEvent{}, ProposalContext{}, fmt.Errorf("%w: state %s", ErrRolloverNotEligible, c.State)
	}
	ctx, err := c.proposalContext(from)
	if err != nil {
		return CfdEvent{}, ProposalContext{}, err
	}
	return newEvent(c.ID, EventRolloverStarted), ctx, nil
}

func (c *Cfd) proposalContext(from Txid) (ProposalContext, error) {
	if c.Dlc.CommitTxid() == from {
		return ProposalContext{EventID: c.Dlc.SettlementEventID, CompleteFee: c.FeeAccount.Settle()}, nil
	}
	rc, ok := c.Dlc.RevokedCommitFor(from)
	if !ok {
		return ProposalContext{}, fmt.Errorf("%w: %s", ErrUnknownCommit, from)
	}
	fee := CompleteFee{Kind: CompleteFeeNone}
	if rc.CompleteFee != nil {
		fee = *rc.CompleteFee
	}
	return ProposalContext{EventID: rc.SettlementEventID, CompleteFee: fee}, nil
}

// RolloverParams are the economic terms of a rollover being negotiated.
type RolloverParams struct {
	Price               decimal.Decimal `json:"price"`
	Quantity            decimal.Decimal `json:"quantity"`
	LongLeverage        int             `json:"longLeverage"`
	ShortLeverage       int             `json:"shortLeverage"`
	RefundTimelock      uint32          `json:"refundTimelock"`
	FeeRate             TxFeeRate       `json:"feeRate"`
	FeeAccount          FeeAccount      `json:"feeAccount"`
	CurrentFee          FundingFee      `json:"currentFee"`
	PreviousCompleteFee CompleteFee     `json:"previousCompleteFee"`
}

// FundingFee is the fee charged by this rollover.
func (p RolloverParams) FundingFee() FundingFee { return p.CurrentFee }

// CompleteFee is the settled fee after this rollover.
func (p RolloverParams) CompleteFee() CompleteFee {
	return p.FeeAccount.AddFundingFee(p.CurrentFee).Settle()
}

// CompleteFeeBeforeRollover is the settled fee of the commit being revoked.
func (p RolloverParams) CompleteFeeBeforeRollover() CompleteFee {
	return p.PreviousCompleteFee
}

// RolloverTerms is what accepting a proposal hands to the handshake.
type RolloverTerms struct {
	Params         RolloverParams
	Dlc            Dlc
	Position       Position
	OracleEventID  BitMexPriceEventID
	FundingRate    FundingRate
	SettlementFrom ProposalContext
}

// AcceptRolloverProposal fixes the terms of a pending rollover. from is the
// context recorded when the proposal arrived; nil means the current commit.
func (c *Cfd) AcceptRolloverProposal(feeRate TxFeeRate, rate FundingRate, from *ProposalContext) (CfdEvent, RolloverTerms, error) {
	if !c.RolloverInProgress || c.Dlc == nil {
		return CfdEvent{}, RolloverTerms{}, fmt.Errorf("%w: no rollover started", ErrRolloverNotEligible)
	}
	ctx := ProposalContext{EventID: c.Dlc.SettlementEventID, CompleteFee: c.FeeAccount.Settle()}
	if from != nil {
		ctx = *from
	}

	next := NextSettlementEvent(ctx.EventID, c.Order.SettlementInterval)
	hours := int64(next.Timestamp.Sub(ctx.EventID.Timestamp) / time.Hour)
	fee, err := CalculateFundingFee(c.Order.Price, c.Quantity, rate, hours)
	if err != nil {
		return CfdEvent{}, RolloverTerms{}, fmt.Errorf("cfd %s: %w", c.ID, err)
	}

	long, short := c.leverages()
	params := RolloverParams{
		Price:               c.Order.Price,
		Quantity:            c.Quantity,
		LongLeverage:        long,
		ShortLeverage:       short,
		RefundTimelock:      c.Dlc.RefundTimelock,
		FeeRate:             feeRate,
		FeeAccount:          c.FeeAccount,
		CurrentFee:          fee,
		PreviousCompleteFee: ctx.CompleteFee,
	}
	return newEvent(c.ID, EventRolloverAccepted), RolloverTerms{
		Params:         params,
		Dlc:            *c.Dlc,
		Position:       c.Position,
		OracleEventID:  next,
		FundingRate:    rate,
		SettlementFrom: ctx,
	}, nil
}

func (c *Cfd) leverages() (long, short int) {
	taker := c.Order.Leverage
	if taker == 0 {
		taker = 1
	}
	if c.Position == PositionLong {
		return MakerLeverage, taker
	}
	return taker, MakerLeverage
}

// CompleteRollover installs the renegotiated Dlc. A Dlc that revokes the
// current commit is installed even if the rollover was marked as ended in the
// meantime, since the current commit's revocation secret is already out.
func (c *Cfd) CompleteRollover(dlc Dlc, fundingFee FundingFee, completeFee CompleteFee) (CfdEvent, error) {
	if !c.RolloverInProgress && !dlc.Supersedes(c.Dlc) {
		return CfdEvent{}, fmt.Errorf("%w: no rollover in progress", ErrInvalidTransition)
	}
	ev := newEvent(c.ID, EventRolloverCompleted)
	ev.Dlc = &dlc
	ev.FundingFee = &fundingFee
	ev.CompleteFee = &completeFee
	return ev, nil
}

// RejectRollover ends a proposal the maker declined.
func (c *Cfd) RejectRollover() CfdEvent {
	return newEvent(c.ID, EventRolloverRejected)
}

// FailRollover ends a rollover that did not complete.
func (c *Cfd) FailRollover(cause error) CfdEvent {
	ev := newEvent(c.ID, EventRolloverFailed)
	ev.Reason = reason(cause)
	return ev
}

func reason(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}
