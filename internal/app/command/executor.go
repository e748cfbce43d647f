// Package command applies state transitions to persisted contracts.
package command

import (
	"context"
	"fmt"

	"github.com/coachpo/cfdmaker/internal/domain/cfdstore"
	"github.com/coachpo/cfdmaker/internal/domain/model"
	"github.com/coachpo/cfdmaker/internal/observability"
)

// CfdPublisher receives the full contract list after every mutation.
type CfdPublisher interface {
	Publish(ctx context.Context, cfds []model.Cfd)
}

// Transition derives the next event of a contract, plus a value for the caller.
type Transition[T any] func(cfd *model.Cfd) (model.CfdEvent, T, error)

// Executor is the only path through which contract state changes. Each
// execution loads the contract, derives an event, appends it and republishes
// the contract feed, all under the store's transaction.
type Executor struct {
	store  cfdstore.Store
	feed   CfdPublisher
	logger observability.Logger
}

// NewExecutor constructs an executor. feed may be nil.
func NewExecutor(store cfdstore.Store, feed CfdPublisher, logger observability.Logger) *Executor {
	if logger == nil {
		logger = observability.Log()
	}
	return &Executor{store: store, feed: feed, logger: logger}
}

// Execute runs fn against the current state of contract id and persists the
// event it returns. fn's error aborts without persisting anything.
func Execute[T any](ctx context.Context, e *Executor, id model.OrderID, fn Transition[T]) (T, error) {
	var out T
	err := e.store.WithTransaction(ctx, func(ctx context.Context, tx cfdstore.Tx) error {
		cfd, err := tx.LoadCfdForUpdate(ctx, id)
		if err != nil {
			return err
		}
		ev, value, err := fn(&cfd)
		if err != nil {
			return err
		}
		if ev.OrderID != id {
			return fmt.Errorf("command: event for %s emitted while executing %s", ev.OrderID, id)
		}
		if err := tx.AppendEvent(ctx, ev); err != nil {
			return fmt.Errorf("command: append %s: %w", ev.Kind, err)
		}
		out = value
		return nil
	})
	if err != nil {
		var zero T
		return zero, err
	}
	e.RepublishCfds(ctx)
	return out, nil
}

// Emit is Execute for transitions that return no value.
func (e *Executor) Emit(ctx context.Context, id model.OrderID, fn func(cfd *model.Cfd) (model.CfdEvent, error)) error {
	_, err := Execute(ctx, e, id, func(cfd *model.Cfd) (model.CfdEvent, struct{}, error) {
		ev, err := fn(cfd)
		return ev, struct{}{}, err
	})
	return err
}

// Load returns the committed state of contract id.
func (e *Executor) Load(ctx context.Context, id model.OrderID) (model.Cfd, error) {
	return e.store.LoadCfdByOrderID(ctx, id)
}

// RepublishCfds pushes the current contract list to the feed. Failures are
// logged; the feed is informational.
func (e *Executor) RepublishCfds(ctx context.Context) {
	if e.feed == nil {
		return
	}
	cfds, err := e.store.LoadAllCfds(ctx)
	if err != nil {
		e.logger.Warn("cfd feed not republished", observability.Err(err))
		return
	}
	e.feed.Publish(ctx, cfds)
}
