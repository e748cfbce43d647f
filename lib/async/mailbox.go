package async

import (
	"context"
	"fmt"

	"github.com/coachpo/cfdmaker/errs"
)

// Handler processes a single mailbox message. The returned error is handed
// back to Ask callers; Send callers never observe it.
type Handler func(ctx context.Context, msg any) error

// Mailbox serializes messages onto one handler goroutine so that the state
// owned by that handler is never mutated concurrently.
type Mailbox struct {
	name  string
	inbox chan envelope
	done  chan struct{}
}

type envelope struct {
	msg   any
	reply chan error
}

// NewMailbox constructs a mailbox buffering up to capacity undelivered messages.
func NewMailbox(name string, capacity int) *Mailbox {
	if capacity < 0 {
		capacity = 0
	}
	return &Mailbox{
		name:  name,
		inbox: make(chan envelope, capacity),
		done:  make(chan struct{}),
	}
}

// Run dispatches messages to h until ctx is cancelled. It must be called at most once.
func (m *Mailbox) Run(ctx context.Context, h Handler) {
	defer close(m.done)
	for {
		select {
		case <-ctx.Done():
			return
		case env := <-m.inbox:
			err := h(ctx, env.msg)
			if env.reply != nil {
				env.reply <- err
			}
		}
	}
}

// Send enqueues msg without waiting for it to be handled.
func (m *Mailbox) Send(ctx context.Context, msg any) error {
	return m.enqueue(ctx, envelope{msg: msg})
}

// Ask enqueues msg and waits for the handler result.
func (m *Mailbox) Ask(ctx context.Context, msg any) error {
	reply := make(chan error, 1)
	if err := m.enqueue(ctx, envelope{msg: msg, reply: reply}); err != nil {
		return err
	}
	select {
	case err := <-reply:
		return err
	case <-m.done:
		return m.stopped()
	case <-ctx.Done():
		return fmt.Errorf("%s: await reply: %w", m.name, ctx.Err())
	}
}

// Done is closed once Run returns.
func (m *Mailbox) Done() <-chan struct{} {
	return m.done
}

func (m *Mailbox) enqueue(ctx context.Context, env envelope) error {
	if ctx == nil {
		ctx = context.Background()
	}
	select {
	case <-m.done:
		return m.stopped()
	default:
	}
	select {
	case m.inbox <- env:
		return nil
	case <-m.done:
		return m.stopped()
	case <-ctx.Done():
		return fmt.Errorf("%s: enqueue: %w", m.name, ctx.Err())
	}
}

func (m *Mailbox) stopped() error {
	return errs.New(m.name, errs.CodeUnavailable, errs.WithMessage("actor stopped"))
}
