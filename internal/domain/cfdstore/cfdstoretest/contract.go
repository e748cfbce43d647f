// Package cfdstoretest holds behaviour checks shared by every cfdstore.Store implementation.
package cfdstoretest

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"github.com/coachpo/cfdmaker/internal/domain/cfdstore"
	"github.com/coachpo/cfdmaker/internal/domain/model"
)

// NewOrder returns a valid order for store tests.
func NewOrder(t testing.TB) model.Order {
	t.Helper()
	order, err := model.NewOrder(model.OrderParams{
		Position:           model.PositionShort,
		Price:              decimal.NewFromInt(42_000),
		MinQuantity:        decimal.NewFromInt(100),
		MaxQuantity:        decimal.NewFromInt(5_000),
		SettlementInterval: 24 * time.Hour,
	}, time.Now())
	require.NoError(t, err)
	return order
}

// Run exercises store against the cfdstore contract.
func Run(t *testing.T, store cfdstore.Store) {
	t.Run("OrderRoundTrip", func(t *testing.T) {
		ctx := context.Background()
		order := NewOrder(t)
		require.NoError(t, store.InsertOrder(ctx, order))
		require.NoError(t, store.InsertOrder(ctx, order), "re-inserting an order is a no-op")

		loaded, err := store.LoadOrderByID(ctx, order.ID)
		require.NoError(t, err)
		require.Equal(t, order.ID, loaded.ID)
		require.True(t, order.Price.Equal(loaded.Price))
		require.Equal(t, order.SettlementInterval, loaded.SettlementInterval)

		_, err = store.LoadOrderByID(ctx, model.NewOrderID())
		require.ErrorIs(t, err, cfdstore.ErrNotFound)
	})

	t.Run("EventsReplayOnLoad", func(t *testing.T) {
		ctx := context.Background()
		order := NewOrder(t)
		require.NoError(t, store.InsertOrder(ctx, order))
		cfd := model.NewCfd(order, decimal.NewFromInt(1_000), "taker-a", time.Now())
		require.NoError(t, store.InsertCfd(ctx, cfd))

		err := store.WithTransaction(ctx, func(ctx context.Context, tx cfdstore.Tx) error {
			current, err := tx.LoadCfdForUpdate(ctx, order.ID)
			if err != nil {
				return err
			}
			ev, err := current.StartContractSetup()
			if err != nil {
				return err
			}
			return tx.AppendEvent(ctx, ev)
		})
		require.NoError(t, err)

		loaded, err := store.LoadCfdByOrderID(ctx, order.ID)
		require.NoError(t, err)
		require.Equal(t, model.StateContractSetup, loaded.State)
		require.Equal(t, 1, loaded.Version)
		require.Equal(t, model.PeerID("taker-a"), loaded.Counterparty)
		require.True(t, decimal.NewFromInt(1_000).Equal(loaded.Quantity))
	})

	t.Run("FailedTransactionLeavesNoEvents", func(t *testing.T) {
		ctx := context.Background()
		order := NewOrder(t)
		require.NoError(t, store.InsertOrder(ctx, order))
		require.NoError(t, store.InsertCfd(ctx, model.NewCfd(order, decimal.NewFromInt(200), "taker-b", time.Now())))

		boom := errors.New("boom")
		err := store.WithTransaction(ctx, func(ctx context.Context, tx cfdstore.Tx) error {
			current, err := tx.LoadCfdForUpdate(ctx, order.ID)
			if err != nil {
				return err
			}
			ev, err := current.StartContractSetup()
			if err != nil {
				return err
			}
			if err := tx.AppendEvent(ctx, ev); err != nil {
				return err
			}
			return boom
		})
		require.ErrorIs(t, err, boom)

		loaded, err := store.LoadCfdByOrderID(ctx, order.ID)
		require.NoError(t, err)
		require.Equal(t, model.StateAccepted, loaded.State)
		require.Zero(t, loaded.Version)
	})

	t.Run("LoadAllIncludesInsertedCfds", func(t *testing.T) {
		ctx := context.Background()
		order := NewOrder(t)
		require.NoError(t, store.InsertOrder(ctx, order))
		require.NoError(t, store.InsertCfd(ctx, model.NewCfd(order, decimal.NewFromInt(300), "taker-c", time.Now())))

		all, err := store.LoadAllCfds(ctx)
		require.NoError(t, err)
		found := false
		for _, cfd := range all {
			if cfd.ID == order.ID {
				found = true
			}
		}
		require.True(t, found)
	})

	t.Run("MissingCfd", func(t *testing.T) {
		ctx := context.Background()
		_, err := store.LoadCfdByOrderID(ctx, model.NewOrderID())
		require.ErrorIs(t, err, cfdstore.ErrNotFound)

		err = store.WithTransaction(ctx, func(ctx context.Context, tx cfdstore.Tx) error {
			_, err := tx.LoadCfdForUpdate(ctx, model.NewOrderID())
			return err
		})
		require.ErrorIs(t, err, cfdstore.ErrNotFound)
	})
}
