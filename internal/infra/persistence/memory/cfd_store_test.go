package memory

import (
	"context"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"github.com/coachpo/cfdmaker/internal/domain/cfdstore"
	"github.com/coachpo/cfdmaker/internal/domain/cfdstore/cfdstoretest"
	"github.com/coachpo/cfdmaker/internal/domain/model"
)

func TestCfdStoreContract(t *testing.T) {
	cfdstoretest.Run(t, NewCfdStore())
}

func TestInsertCfdRequiresOrder(t *testing.T) {
	store := NewCfdStore()
	order := cfdstoretest.NewOrder(t)
	err := store.InsertCfd(context.Background(), model.NewCfd(order, decimal.NewFromInt(1), "taker", time.Now()))
	require.ErrorIs(t, err, cfdstore.ErrNotFound)
}

func TestLoadForUpdateSeesPendingEvents(t *testing.T) {
	ctx := context.Background()
	store := NewCfdStore()
	order := cfdstoretest.NewOrder(t)
	require.NoError(t, store.InsertOrder(ctx, order))
	require.NoError(t, store.InsertCfd(ctx, model.NewCfd(order, decimal.NewFromInt(1), "taker", time.Now())))

	err := store.WithTransaction(ctx, func(ctx context.Context, tx cfdstore.Tx) error {
		cfd, err := tx.LoadCfdForUpdate(ctx, order.ID)
		require.NoError(t, err)
		ev, err := cfd.StartContractSetup()
		require.NoError(t, err)
		require.NoError(t, tx.AppendEvent(ctx, ev))

		again, err := tx.LoadCfdForUpdate(ctx, order.ID)
		require.NoError(t, err)
		require.Equal(t, model.StateContractSetup, again.State)

		outside, err := store.LoadCfdByOrderID(ctx, order.ID)
		require.NoError(t, err)
		require.Equal(t, model.StateAccepted, outside.State)
		return nil
	})
	require.NoError(t, err)
}
