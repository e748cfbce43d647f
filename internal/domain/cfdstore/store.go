// Package cfdstore defines persistence contracts for orders and contracts.
package cfdstore

import (
	"context"

	"github.com/coachpo/cfdmaker/errs"
	"github.com/coachpo/cfdmaker/internal/domain/model"
)

// ErrNotFound is returned when an order or contract does not exist.
var ErrNotFound = errs.New("cfdstore", errs.CodeNotFound, errs.WithMessage("not found"))

// Tx encapsulates contract persistence operations executed within a single transaction.
type Tx interface {
	// LoadCfdForUpdate returns the contract with all committed events applied
	// and holds it against concurrent writers until the transaction ends.
	LoadCfdForUpdate(ctx context.Context, id model.OrderID) (model.Cfd, error)
	// AppendEvent records a state transition for the contract.
	AppendEvent(ctx context.Context, ev model.CfdEvent) error
}

// Store defines the contract for order and contract persistence.
type Store interface {
	WithTransaction(ctx context.Context, fn func(context.Context, Tx) error) error
	InsertOrder(ctx context.Context, order model.Order) error
	LoadOrderByID(ctx context.Context, id model.OrderID) (model.Order, error)
	InsertCfd(ctx context.Context, cfd model.Cfd) error
	LoadCfdByOrderID(ctx context.Context, id model.OrderID) (model.Cfd, error)
	LoadAllCfds(ctx context.Context) ([]model.Cfd, error)
}
