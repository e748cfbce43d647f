package transport

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/fortytw2/leaktest"
	"github.com/stretchr/testify/require"

	"github.com/coachpo/cfdmaker/errs"
)

type ping struct {
	Seq  int    `json:"seq"`
	Note string `json:"note"`
}

func TestFramedRoundTrip(t *testing.T) {
	defer leaktest.Check(t)()

	left, right := net.Pipe()
	a, b := NewFramed(left), NewFramed(right)
	defer a.Close()
	defer b.Close()

	ctx := context.Background()
	go func() {
		_ = a.Send(ctx, ping{Seq: 1, Note: "hello"})
		_ = a.Send(ctx, ping{Seq: 2, Note: "again"})
	}()

	var got ping
	require.NoError(t, b.Receive(ctx, &got))
	require.Equal(t, ping{Seq: 1, Note: "hello"}, got)
	require.NoError(t, b.Receive(ctx, &got))
	require.Equal(t, 2, got.Seq)
}

func TestFramedReceiveTimeout(t *testing.T) {
	defer leaktest.Check(t)()

	left, right := net.Pipe()
	defer left.Close()
	f := NewFramed(right)
	defer f.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	var got ping
	err := f.Receive(ctx, &got)
	require.Error(t, err)
	require.Equal(t, errs.CodeTimeout, errs.CodeOf(err))
}

func TestFramedReceiveDecodeFailure(t *testing.T) {
	defer leaktest.Check(t)()

	left, right := net.Pipe()
	a, b := NewFramed(left), NewFramed(right)
	defer a.Close()
	defer b.Close()

	go func() {
		_ = a.Send(context.Background(), "not an object")
	}()

	var got ping
	err := b.Receive(context.Background(), &got)
	require.Error(t, err)
	require.Equal(t, errs.CodeProtocol, errs.CodeOf(err))
}

func TestFramedReceivePeerClosed(t *testing.T) {
	defer leaktest.Check(t)()

	left, right := net.Pipe()
	f := NewFramed(right)
	defer f.Close()
	require.NoError(t, left.Close())

	var got ping
	err := f.Receive(context.Background(), &got)
	require.Error(t, err)
	require.Equal(t, errs.CodeNetwork, errs.CodeOf(err))
}

func TestFramedSendCancelledContext(t *testing.T) {
	left, right := net.Pipe()
	defer left.Close()
	f := NewFramed(right)
	defer f.Close()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	require.ErrorIs(t, f.Send(ctx, ping{Seq: 1}), context.Canceled)
}
