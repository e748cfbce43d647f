package model

import "time"

// EventKind names a contract state transition.
type EventKind string

const (
	EventContractSetupStarted   EventKind = "ContractSetupStarted"
	EventContractSetupCompleted EventKind = "ContractSetupCompleted"
	EventContractSetupFailed    EventKind = "ContractSetupFailed"
	EventLockConfirmed          EventKind = "LockConfirmed"
	EventRolloverStarted        EventKind = "RolloverStarted"
	EventRolloverAccepted       EventKind = "RolloverAccepted"
	EventRolloverCompleted      EventKind = "RolloverCompleted"
	EventRolloverRejected       EventKind = "RolloverRejected"
	EventRolloverFailed         EventKind = "RolloverFailed"
)

// CfdEvent is one entry of a contract's append-only event log. Only the
// fields relevant to Kind are set.
type CfdEvent struct {
	OrderID     OrderID      `json:"orderId"`
	Kind        EventKind    `json:"kind"`
	Timestamp   time.Time    `json:"timestamp"`
	Dlc         *Dlc         `json:"dlc,omitempty"`
	FundingFee  *FundingFee  `json:"fundingFee,omitempty"`
	CompleteFee *CompleteFee `json:"completeFee,omitempty"`
	Reason      string       `json:"reason,omitempty"`
}

func newEvent(id OrderID, kind EventKind) CfdEvent {
	return CfdEvent{OrderID: id, Kind: kind, Timestamp: now().UTC()}
}

// now is swapped in tests.
var now = time.Now
