package model

import "github.com/coachpo/cfdmaker/errs"

var (
	// ErrInvalidOrderID is returned when a take request names an order that is not current.
	ErrInvalidOrderID = errs.New("maker", errs.CodeInvalid, errs.WithMessage("invalid order id"))
	// ErrNoActiveNegotiation is returned when a rollover decision has no pending proposal.
	ErrNoActiveNegotiation = errs.New("rollover", errs.CodeNotFound, errs.WithMessage("no active negotiation"))
	// ErrCounterpartyMismatch is returned when a peer acts on a contract it is not party to.
	ErrCounterpartyMismatch = errs.New("cfd", errs.CodeProtocol, errs.WithMessage("counterparty peer id mismatch"))
	// ErrRolloverNotEligible is returned when a contract cannot be rolled over in its state.
	ErrRolloverNotEligible = errs.New("cfd", errs.CodeConflict, errs.WithMessage("contract not eligible for rollover"))
	// ErrUnknownCommit is returned when a rollover starts from a commit the contract never had.
	ErrUnknownCommit = errs.New("cfd", errs.CodeProtocol, errs.WithMessage("unknown commit transaction"))
	// ErrInvalidTransition is returned when an event does not fit the contract state.
	ErrInvalidTransition = errs.New("cfd", errs.CodeConflict, errs.WithMessage("invalid state transition"))
)
