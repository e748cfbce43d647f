package maker

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/coachpo/cfdmaker/internal/domain/dlc"
	"github.com/coachpo/cfdmaker/internal/domain/model"
)

func setupMsg(id model.OrderID, kind string) dlc.SetupMsg {
	return dlc.SetupMsg{OrderID: id, Kind: kind}
}

func TestInboxBuffersUntilReadyThenForwards(t *testing.T) {
	ctx := context.Background()
	id := model.NewOrderID()
	inbox := NewSetupInbox(id, "taker", 4)

	require.NoError(t, inbox.Deliver(ctx, "taker", setupMsg(id, "msg0")))
	require.NoError(t, inbox.Deliver(ctx, "taker", setupMsg(id, "msg1")))
	require.Equal(t, 2, inbox.Buffered())

	session := newFakeSession()
	require.NoError(t, inbox.Ready(ctx, session))
	require.Zero(t, inbox.Buffered())

	require.NoError(t, inbox.Deliver(ctx, "taker", setupMsg(id, "msg2")))
	require.Equal(t, []string{"msg0", "msg1", "msg2"}, session.kinds())
}

func TestInboxRejectsOverflow(t *testing.T) {
	ctx := context.Background()
	id := model.NewOrderID()
	inbox := NewSetupInbox(id, "taker", 1)

	require.NoError(t, inbox.Deliver(ctx, "taker", setupMsg(id, "msg0")))
	err := inbox.Deliver(ctx, "taker", setupMsg(id, "msg1"))
	require.ErrorIs(t, err, ErrSetupBufferFull)
	require.Equal(t, 1, inbox.Buffered())
}

func TestInboxRejectsForeignPeer(t *testing.T) {
	id := model.NewOrderID()
	inbox := NewSetupInbox(id, "taker", 1)
	err := inbox.Deliver(context.Background(), "intruder", setupMsg(id, "msg0"))
	require.ErrorIs(t, err, model.ErrCounterpartyMismatch)
	require.Zero(t, inbox.Buffered())
}

func TestInboxRetiredRefusesMessages(t *testing.T) {
	ctx := context.Background()
	id := model.NewOrderID()
	inbox := NewSetupInbox(id, "taker", 2)
	require.NoError(t, inbox.Deliver(ctx, "taker", setupMsg(id, "msg0")))

	inbox.Retire()
	require.Zero(t, inbox.Buffered())
	require.ErrorIs(t, inbox.Deliver(ctx, "taker", setupMsg(id, "msg1")), ErrSetupRetired)
	require.Error(t, inbox.Ready(ctx, newFakeSession()))
}

func TestInboxReadyReportsFlushFailure(t *testing.T) {
	ctx := context.Background()
	id := model.NewOrderID()
	inbox := NewSetupInbox(id, "taker", 2)
	require.NoError(t, inbox.Deliver(ctx, "taker", setupMsg(id, "msg0")))

	session := newFakeSession()
	session.deliverErr = errors.New("session closed")
	err := inbox.Ready(ctx, session)
	require.ErrorIs(t, err, session.deliverErr)
	require.Zero(t, inbox.Buffered())
}

func TestInboxFlushFailureCountsUndelivered(t *testing.T) {
	ctx := context.Background()
	id := model.NewOrderID()
	inbox := NewSetupInbox(id, "taker", 4)
	for _, kind := range []string{"msg0", "msg1", "msg2", "msg3"} {
		require.NoError(t, inbox.Deliver(ctx, "taker", setupMsg(id, kind)))
	}

	session := newFakeSession()
	session.deliverErr = errors.New("session closed")
	session.accepted = 1
	err := inbox.Ready(ctx, session)
	require.ErrorIs(t, err, session.deliverErr)

	var flushErr *FlushError
	require.ErrorAs(t, err, &flushErr)
	require.Equal(t, 1, flushErr.Delivered)
	require.Equal(t, 3, flushErr.Undelivered)
	require.Contains(t, err.Error(), "3 undelivered")
	require.Equal(t, []string{"msg0"}, session.kinds())
	require.Zero(t, inbox.Buffered())
}
