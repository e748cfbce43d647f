// Package transport carries length-delimited JSON messages over peer substreams.
package transport

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"

	json "github.com/goccy/go-json"
	"github.com/libp2p/go-msgio"

	"github.com/coachpo/cfdmaker/errs"
	"github.com/coachpo/cfdmaker/internal/domain/model"
)

// MaxMessageSize bounds a single frame. Rollover Msg1 carries every CET, so it
// is generous.
const MaxMessageSize = 16 << 20

// Protocol names.
const (
	ProtocolRollover = "/cfdmaker/rollover/1.0.0"
	ProtocolMaker    = "/cfdmaker/maker/1.0.0"
)

// Substream is an inbound or outbound stream tagged with the remote peer and
// the protocol it speaks.
type Substream struct {
	Peer     model.PeerID
	Protocol string
	Stream   io.ReadWriteCloser
}

// Handler consumes a newly opened substream. It owns the stream.
type Handler func(ctx context.Context, sub Substream)

// Framed reads and writes length-prefixed JSON frames. Send and Receive may be
// called from different goroutines; each direction is serialized.
type Framed struct {
	stream io.ReadWriteCloser
	reader msgio.ReadCloser
	writer msgio.WriteCloser

	readMu    sync.Mutex
	writeMu   sync.Mutex
	closeOnce sync.Once
	closeErr  error
}

// NewFramed wraps stream.
func NewFramed(stream io.ReadWriteCloser) *Framed {
	return &Framed{
		stream: stream,
		reader: msgio.NewReaderSize(stream, MaxMessageSize),
		writer: msgio.NewWriter(stream),
	}
}

// Send encodes msg and writes it as one frame. When ctx ends before the write
// completes the stream is closed and the frame is abandoned.
func (f *Framed) Send(ctx context.Context, msg any) error {
	payload, err := json.Marshal(msg)
	if err != nil {
		return errs.New("transport", errs.CodeInternal, errs.WithMessage("encode frame"), errs.WithCause(err))
	}
	f.writeMu.Lock()
	defer f.writeMu.Unlock()
	return f.guard(ctx, "send", func() error {
		return f.writer.WriteMsg(payload)
	})
}

// Receive reads the next frame and decodes it into msg.
func (f *Framed) Receive(ctx context.Context, msg any) error {
	var frame []byte
	f.readMu.Lock()
	err := f.guard(ctx, "receive", func() error {
		raw, err := f.reader.ReadMsg()
		if err != nil {
			return err
		}
		frame = append([]byte(nil), raw...)
		f.reader.ReleaseMsg(raw)
		return nil
	})
	f.readMu.Unlock()
	if err != nil {
		return err
	}
	if err := json.Unmarshal(frame, msg); err != nil {
		return errs.New("transport", errs.CodeProtocol, errs.WithMessage("decode frame"), errs.WithCause(err))
	}
	return nil
}

// Close closes the underlying stream.
func (f *Framed) Close() error {
	f.closeOnce.Do(func() {
		f.closeErr = f.stream.Close()
	})
	return f.closeErr
}

func (f *Framed) guard(ctx context.Context, op string, fn func() error) error {
	if ctx == nil {
		ctx = context.Background()
	}
	if err := ctx.Err(); err != nil {
		return contextError(op, err)
	}
	done := make(chan error, 1)
	go func() {
		done <- fn()
	}()
	select {
	case err := <-done:
		if err != nil {
			return streamError(op, err)
		}
		return nil
	case <-ctx.Done():
		_ = f.Close()
		<-done
		return contextError(op, ctx.Err())
	}
}

func contextError(op string, err error) error {
	if errors.Is(err, context.DeadlineExceeded) {
		return errs.New("transport", errs.CodeTimeout, errs.WithMessage(op+" timed out"), errs.WithCause(err))
	}
	return fmt.Errorf("transport %s: %w", op, err)
}

func streamError(op string, err error) error {
	if errors.Is(err, msgio.ErrMsgTooLarge) {
		return errs.New("transport", errs.CodeProtocol, errs.WithMessage(op+": frame too large"), errs.WithCause(err))
	}
	if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
		return errs.New("transport", errs.CodeNetwork, errs.WithMessage(op+": peer closed stream"), errs.WithCause(err))
	}
	return errs.New("transport", errs.CodeNetwork, errs.WithMessage(op), errs.WithCause(err))
}
