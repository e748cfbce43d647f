package dlc

import (
	"context"

	"github.com/goccy/go-json"

	"github.com/coachpo/cfdmaker/errs"
	"github.com/coachpo/cfdmaker/internal/domain/model"
)

// SetupMsg is one message of the interactive contract setup protocol. The
// payload is interpreted by the setup implementation only.
type SetupMsg struct {
	OrderID model.OrderID   `json:"orderId"`
	Kind    string          `json:"kind"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// SetupParams are the maker inputs to contract setup.
type SetupParams struct {
	Cfd      model.Cfd
	Own      model.PartyParams
	Identity model.SecretKey
	OraclePk model.PublicKey
}

// SendFunc forwards an outbound setup message to the taker.
type SendFunc func(ctx context.Context, msg SetupMsg) error

// Setup starts interactive contract setups.
type Setup interface {
	Start(ctx context.Context, params SetupParams, send SendFunc) (SetupSession, error)
}

// SetupSession is a running contract setup.
type SetupSession interface {
	// Deliver hands an inbound message to the session.
	Deliver(ctx context.Context, msg SetupMsg) error
	// Wait blocks until the setup produced a Dlc or failed.
	Wait(ctx context.Context) (model.Dlc, error)
}

// UnsupportedSetup is linked when no setup implementation is available.
type UnsupportedSetup struct{}

var _ Setup = UnsupportedSetup{}

func (UnsupportedSetup) Start(context.Context, SetupParams, SendFunc) (SetupSession, error) {
	return nil, errs.NotSupported("dlc", "contract setup not linked")
}
