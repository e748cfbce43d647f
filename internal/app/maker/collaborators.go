// Package maker owns the maker's advertised order and drives the contracts
// opened against it through contract setup.
package maker

import (
	"context"

	"github.com/btcsuite/btcutil"

	"github.com/coachpo/cfdmaker/internal/domain/dlc"
	"github.com/coachpo/cfdmaker/internal/domain/model"
)

// Takers reaches the connected takers.
type Takers interface {
	BroadcastOrder(ctx context.Context, order *model.Order) error
	SendOrder(ctx context.Context, peer model.PeerID, order *model.Order) error
	NotifyInvalidOrderID(ctx context.Context, peer model.PeerID, id model.OrderID) error
	NotifyOrderAccepted(ctx context.Context, peer model.PeerID, id model.OrderID) error
	SendSetupMsg(ctx context.Context, peer model.PeerID, msg dlc.SetupMsg) error
}

// Wallet funds, signs and broadcasts on the maker's behalf.
type Wallet interface {
	BuildPartyParams(ctx context.Context, amount btcutil.Amount, identityPk model.PublicKey) (model.PartyParams, error)
	Sync(ctx context.Context) (model.WalletInfo, error)
	TryBroadcastTransaction(ctx context.Context, tx model.Transaction) (model.Txid, error)
}

// OrderFeed receives the current order, nil when there is none.
type OrderFeed interface {
	Publish(ctx context.Context, order *model.Order)
}

// WalletFeed receives wallet snapshots.
type WalletFeed interface {
	Publish(ctx context.Context, info model.WalletInfo)
}
