package maker

import (
	"context"
	"fmt"

	"github.com/coachpo/cfdmaker/errs"
	"github.com/coachpo/cfdmaker/internal/domain/dlc"
	"github.com/coachpo/cfdmaker/internal/domain/model"
)

// DefaultSetupBufferCapacity bounds messages buffered before setup is ready.
const DefaultSetupBufferCapacity = 64

var (
	// ErrSetupBufferFull is returned when a taker sends more setup messages
	// than may be buffered before the setup session is ready.
	ErrSetupBufferFull = errs.New("maker", errs.CodeUnavailable, errs.WithMessage("setup buffer full"))
	// ErrSetupRetired is returned for messages arriving after setup ended.
	ErrSetupRetired = errs.New("maker", errs.CodeConflict, errs.WithMessage("setup no longer accepts messages"))
)

type inboxState int

const (
	inboxNotReady inboxState = iota
	inboxReady
	inboxRetired
)

func (s inboxState) String() string {
	switch s {
	case inboxNotReady:
		return "not-ready"
	case inboxReady:
		return "ready"
	default:
		return "retired"
	}
}

// SetupInbox routes inbound setup messages of one contract. Until the setup
// session is ready messages are buffered in arrival order; Ready flushes them
// and later messages go straight to the session. Once retired it refuses
// everything. It is owned by the actor goroutine and is not safe for
// concurrent use.
type SetupInbox struct {
	orderID  model.OrderID
	peer     model.PeerID
	capacity int

	state   inboxState
	buffer  []dlc.SetupMsg
	session dlc.SetupSession
}

// NewSetupInbox constructs a not-ready inbox for the setup with peer.
func NewSetupInbox(orderID model.OrderID, peer model.PeerID, capacity int) *SetupInbox {
	if capacity <= 0 {
		capacity = DefaultSetupBufferCapacity
	}
	return &SetupInbox{orderID: orderID, peer: peer, capacity: capacity}
}

// Deliver buffers or forwards msg.
func (b *SetupInbox) Deliver(ctx context.Context, peer model.PeerID, msg dlc.SetupMsg) error {
	if peer != b.peer {
		return fmt.Errorf("%w: setup %s is with %q", model.ErrCounterpartyMismatch, b.orderID, b.peer)
	}
	switch b.state {
	case inboxNotReady:
		if len(b.buffer) >= b.capacity {
			return fmt.Errorf("setup %s: %w", b.orderID, ErrSetupBufferFull)
		}
		b.buffer = append(b.buffer, msg)
		return nil
	case inboxReady:
		return b.session.Deliver(ctx, msg)
	default:
		return fmt.Errorf("setup %s: %w", b.orderID, ErrSetupRetired)
	}
}

// Ready hands the buffered messages to session in arrival order and switches
// to direct delivery. The buffer is released even when a delivery fails.
func (b *SetupInbox) Ready(ctx context.Context, session dlc.SetupSession) error {
	if b.state != inboxNotReady {
		return fmt.Errorf("setup %s: inbox is %s", b.orderID, b.state)
	}
	buffered := b.buffer
	b.buffer = nil
	b.session = session
	b.state = inboxReady
	for i, msg := range buffered {
		if err := session.Deliver(ctx, msg); err != nil {
			return &FlushError{OrderID: b.orderID, Delivered: i, Undelivered: len(buffered) - i, Err: err}
		}
	}
	return nil
}

// FlushError reports a buffered setup message the session refused. Undelivered
// counts the refused message and every one queued behind it.
type FlushError struct {
	OrderID     model.OrderID
	Delivered   int
	Undelivered int
	Err         error
}

func (e *FlushError) Error() string {
	return fmt.Sprintf("setup %s: flush stopped after %d of %d messages, %d undelivered: %v",
		e.OrderID, e.Delivered, e.Delivered+e.Undelivered, e.Undelivered, e.Err)
}

func (e *FlushError) Unwrap() error { return e.Err }

// Retire ends the inbox for good.
func (b *SetupInbox) Retire() {
	b.state = inboxRetired
	b.buffer = nil
	b.session = nil
}

// Buffered is the number of messages waiting for the session.
func (b *SetupInbox) Buffered() int {
	return len(b.buffer)
}
