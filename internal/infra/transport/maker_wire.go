package transport

import (
	"github.com/shopspring/decimal"

	"github.com/coachpo/cfdmaker/internal/domain/dlc"
	"github.com/coachpo/cfdmaker/internal/domain/model"
)

// MakerKind tags a message on the maker protocol.
type MakerKind string

const (
	// Taker to maker.
	KindTakeOrder MakerKind = "take_order"
	KindSetup     MakerKind = "setup"

	// Maker to taker.
	KindCurrentOrder   MakerKind = "current_order"
	KindInvalidOrderID MakerKind = "invalid_order_id"
	KindOrderAccepted  MakerKind = "order_accepted"
)

// MakerMessage is the envelope of the long-lived maker protocol substream a
// taker keeps open. Order is nil on a current_order message when the maker
// has no order.
type MakerMessage struct {
	Kind     MakerKind       `json:"kind"`
	OrderID  *model.OrderID  `json:"orderId,omitempty"`
	Quantity decimal.Decimal `json:"quantity"`
	Order    *model.Order    `json:"order,omitempty"`
	Setup    *dlc.SetupMsg   `json:"setup,omitempty"`
}

// TakeOrder builds a take request.
func TakeOrder(id model.OrderID, quantity decimal.Decimal) MakerMessage {
	return MakerMessage{Kind: KindTakeOrder, OrderID: &id, Quantity: quantity}
}

// CurrentOrder builds an order announcement; nil withdraws the order.
func CurrentOrder(order *model.Order) MakerMessage {
	return MakerMessage{Kind: KindCurrentOrder, Order: order}
}

// InvalidOrderID builds the reply to a take request for an unknown order.
func InvalidOrderID(id model.OrderID) MakerMessage {
	return MakerMessage{Kind: KindInvalidOrderID, OrderID: &id}
}

// OrderAccepted builds the reply to a successful take request.
func OrderAccepted(id model.OrderID) MakerMessage {
	return MakerMessage{Kind: KindOrderAccepted, OrderID: &id}
}

// Setup wraps a contract setup message.
func Setup(msg dlc.SetupMsg) MakerMessage {
	return MakerMessage{Kind: KindSetup, OrderID: &msg.OrderID, Setup: &msg}
}
