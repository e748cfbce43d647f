package maker

import (
	"github.com/shopspring/decimal"

	"github.com/coachpo/cfdmaker/internal/domain/dlc"
	"github.com/coachpo/cfdmaker/internal/domain/model"
)

type publishOrder struct {
	params model.OrderParams
	result *model.Order
}

type takeOrder struct {
	peer     model.PeerID
	orderID  model.OrderID
	quantity decimal.Decimal
}

type startSetup struct {
	peer    model.PeerID
	orderID model.OrderID
}

type setupMessage struct {
	peer model.PeerID
	msg  dlc.SetupMsg
}

type setupReady struct {
	orderID model.OrderID
	session dlc.SetupSession
}

type setupCompleted struct {
	orderID model.OrderID
	dlc     model.Dlc
}

type setupFailed struct {
	orderID model.OrderID
	err     error
}

type takerConnected struct {
	peer model.PeerID
}

type takerDisconnected struct {
	peer model.PeerID
}

type confirmLock struct {
	orderID model.OrderID
}

type syncWallet struct{}
