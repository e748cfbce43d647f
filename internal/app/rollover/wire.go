package rollover

import (
	"fmt"

	"github.com/coachpo/cfdmaker/errs"
	"github.com/coachpo/cfdmaker/internal/domain/dlc"
	"github.com/coachpo/cfdmaker/internal/domain/model"
)

// Kind tags a frame on the rollover protocol.
type Kind string

const (
	KindPropose  Kind = "propose"
	KindDecision Kind = "decision"
	KindMsg0     Kind = "msg0"
	KindMsg1     Kind = "msg1"
	KindMsg2     Kind = "msg2"
)

// Message is the envelope of every rollover frame. Exactly the payload named
// by Kind is set.
type Message struct {
	Kind     Kind      `json:"kind"`
	Propose  *Propose  `json:"propose,omitempty"`
	Decision *Decision `json:"decision,omitempty"`
	Msg0     *Msg0     `json:"msg0,omitempty"`
	Msg1     *Msg1     `json:"msg1,omitempty"`
	Msg2     *Msg2     `json:"msg2,omitempty"`
}

// Propose opens a rollover from the commit the taker believes is current.
type Propose struct {
	OrderID        model.OrderID `json:"orderId"`
	FromCommitTxid model.Txid    `json:"fromCommitTxid"`
}

// Decision is the maker's answer to a proposal. Either Confirm or Reject is set.
type Decision struct {
	Confirm *Confirm `json:"confirm,omitempty"`
	Reject  *Reject  `json:"reject,omitempty"`
}

// Confirm fixes the terms of the rollover.
type Confirm struct {
	OrderID       model.OrderID            `json:"orderId"`
	OracleEventID model.BitMexPriceEventID `json:"oracleEventId"`
	TxFeeRate     model.TxFeeRate          `json:"txFeeRate"`
	FundingRate   model.FundingRate        `json:"fundingRate"`
	CompleteFee   model.CompleteFee        `json:"completeFee"`
}

// Reject declines the proposal.
type Reject struct {
	OrderID model.OrderID `json:"orderId"`
}

// Msg0 exchanges the keys of the new commit generation.
type Msg0 struct {
	RevocationPk model.PublicKey `json:"revocationPk"`
	PublishPk    model.PublicKey `json:"publishPk"`
}

// Msg1 carries a party's signatures over the new commit, CETs and refund.
type Msg1 struct {
	dlc.CounterpartySignatures
}

// Msg2 reveals the revocation secret of the commit being replaced.
type Msg2 struct {
	RevocationSk model.SecretKey `json:"revocationSk"`
}

func proposeMessage(p Propose) Message { return Message{Kind: KindPropose, Propose: &p} }

func confirmMessage(c Confirm) Message {
	return Message{Kind: KindDecision, Decision: &Decision{Confirm: &c}}
}

func rejectMessage(id model.OrderID) Message {
	return Message{Kind: KindDecision, Decision: &Decision{Reject: &Reject{OrderID: id}}}
}

func msg0Message(m Msg0) Message { return Message{Kind: KindMsg0, Msg0: &m} }
func msg1Message(m Msg1) Message { return Message{Kind: KindMsg1, Msg1: &m} }
func msg2Message(m Msg2) Message { return Message{Kind: KindMsg2, Msg2: &m} }

// expect checks that m is a well-formed frame of kind.
func (m Message) expect(kind Kind) error {
	if m.Kind != kind {
		return errs.New("rollover", errs.CodeProtocol, errs.WithMessage(fmt.Sprintf("expected %s, got %q", kind, m.Kind)))
	}
	var present bool
	switch kind {
	case KindPropose:
		present = m.Propose != nil
	case KindDecision:
		present = m.Decision != nil && (m.Decision.Confirm != nil) != (m.Decision.Reject != nil)
	case KindMsg0:
		present = m.Msg0 != nil && !m.Msg0.RevocationPk.IsZero() && !m.Msg0.PublishPk.IsZero()
	case KindMsg1:
		present = m.Msg1 != nil
	case KindMsg2:
		present = m.Msg2 != nil && !m.Msg2.RevocationSk.IsZero()
	}
	if !present {
		return errs.New("rollover", errs.CodeProtocol, errs.WithMessage(fmt.Sprintf("%s frame without payload", kind)))
	}
	return nil
}
