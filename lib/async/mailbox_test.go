package async

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/fortytw2/leaktest"
	"github.com/stretchr/testify/require"

	"github.com/coachpo/cfdmaker/errs"
)

func TestMailboxProcessesMessagesInOrder(t *testing.T) {
	defer leaktest.Check(t)()

	ctx, cancel := context.WithCancel(context.Background())
	mb := NewMailbox("test", 8)

	var seen []int
	go mb.Run(ctx, func(_ context.Context, msg any) error {
		seen = append(seen, msg.(int))
		return nil
	})

	for i := 0; i < 5; i++ {
		require.NoError(t, mb.Send(ctx, i))
	}
	// Ask is queued behind the sends, so every send has been handled once it returns.
	require.NoError(t, mb.Ask(ctx, 5))
	require.Equal(t, []int{0, 1, 2, 3, 4, 5}, seen)

	cancel()
	<-mb.Done()
}

func TestMailboxAskReturnsHandlerError(t *testing.T) {
	defer leaktest.Check(t)()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	mb := NewMailbox("test", 1)
	boom := errors.New("boom")
	go mb.Run(ctx, func(context.Context, any) error { return boom })

	require.ErrorIs(t, mb.Ask(ctx, "x"), boom)
	cancel()
	<-mb.Done()
}

func TestMailboxRejectsAfterStop(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	mb := NewMailbox("test", 1)
	go mb.Run(ctx, func(context.Context, any) error { return nil })
	cancel()

	select {
	case <-mb.Done():
	case <-time.After(time.Second):
		t.Fatal("mailbox did not stop")
	}

	err := mb.Send(context.Background(), "late")
	require.Equal(t, errs.CodeUnavailable, errs.CodeOf(err))
}
