package ws

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/coder/websocket"

	"github.com/coachpo/cfdmaker/errs"
	"github.com/coachpo/cfdmaker/internal/domain/model"
	"github.com/coachpo/cfdmaker/internal/infra/transport"
)

const (
	defaultDialAttempts = 5
	maxDialInterval     = 5 * time.Second
)

// Dialer opens outbound substreams to a peer's listener.
type Dialer struct {
	// BaseURL is the peer listener, e.g. ws://127.0.0.1:9999.
	BaseURL string
	// Identity signs the listener's challenge; the listener knows this side
	// by the peer id derived from its public key.
	Identity model.SecretKey
	// Attempts bounds dial retries; zero means a small default.
	Attempts int
}

// Dial opens a substream speaking protocol, retrying with exponential backoff.
func (d Dialer) Dial(ctx context.Context, protocol string) (transport.Substream, error) {
	attempts := d.Attempts
	if attempts <= 0 {
		attempts = defaultDialAttempts
	}
	if d.Identity.IsZero() {
		return transport.Substream{}, errs.New("transport/ws", errs.CodeInvalid, errs.WithMessage("dialer identity key required"))
	}
	target := strings.TrimRight(d.BaseURL, "/") + protocol

	backoffCfg := backoff.NewExponentialBackOff()
	backoffCfg.InitialInterval = 50 * time.Millisecond
	backoffCfg.MaxInterval = maxDialInterval

	var lastErr error
	for attempt := 0; attempt < attempts; attempt++ {
		conn, _, err := websocket.Dial(ctx, target, nil)
		if err == nil {
			conn.SetReadLimit(readLimit)
			// The stream context must outlive ctx, which may be a dial deadline.
			stream := websocket.NetConn(context.Background(), conn, websocket.MessageBinary)
			if err := answerChallenge(ctx, transport.NewFramed(stream), protocol, d.Identity); err != nil {
				_ = stream.Close()
				return transport.Substream{}, fmt.Errorf("authenticate to %s: %w", target, err)
			}
			return transport.Substream{Protocol: protocol, Stream: stream}, nil
		}
		lastErr = err

		sleep := backoffCfg.NextBackOff()
		if sleep == backoff.Stop {
			sleep = maxDialInterval
		}
		select {
		case <-ctx.Done():
			return transport.Substream{}, fmt.Errorf("dial %s: %w", target, ctx.Err())
		case <-time.After(sleep):
		}
	}
	return transport.Substream{}, errs.New("transport/ws", errs.CodeNetwork,
		errs.WithMessage(fmt.Sprintf("dial %s failed after %d attempts", target, attempts)),
		errs.WithCause(lastErr))
}
