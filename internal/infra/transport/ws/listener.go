// Package ws carries peer substreams over websocket connections. Each
// substream is one websocket connection whose path names the protocol.
package ws

import (
	"context"
	"errors"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/coder/websocket"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"

	"github.com/coachpo/cfdmaker/internal/infra/telemetry"
	"github.com/coachpo/cfdmaker/internal/infra/transport"
	"github.com/coachpo/cfdmaker/internal/observability"
)

const (
	readLimit         = transport.MaxMessageSize + 1024
	readHeaderTimeout = 10 * time.Second
	shutdownTimeout   = 5 * time.Second
)

// Listener accepts inbound substreams and routes them to the handler
// registered for their protocol.
type Listener struct {
	addr   string
	logger observability.Logger

	mu       sync.RWMutex
	handlers map[string]transport.Handler
	ctx      context.Context
	cancel   context.CancelFunc

	substreams metric.Int64Counter
}

// NewListener constructs a listener for addr.
func NewListener(addr string, logger observability.Logger) *Listener {
	if logger == nil {
		logger = observability.Log()
	}
	ctx, cancel := context.WithCancel(context.Background())
	l := &Listener{
		addr:     addr,
		logger:   logger,
		handlers: make(map[string]transport.Handler),
		ctx:      ctx,
		cancel:   cancel,
	}
	meter := otel.Meter("transport.ws")
	l.substreams, _ = meter.Int64Counter(telemetry.MetricSubstreams,
		metric.WithDescription("Number of inbound substreams accepted"),
		metric.WithUnit("{substream}"))
	return l
}

// Handle registers h for protocol. Later registrations replace earlier ones.
func (l *Listener) Handle(protocol string, h transport.Handler) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.handlers[protocol] = h
}

// ServeHTTP upgrades the request, authenticates the remote peer by a signed
// challenge and hands the substream to its protocol handler. It returns once
// the substream is closed.
func (l *Listener) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	protocol := r.URL.Path
	l.mu.RLock()
	handler, ok := l.handlers[protocol]
	l.mu.RUnlock()
	if !ok {
		http.Error(w, "unknown protocol", http.StatusNotFound)
		return
	}

	conn, err := websocket.Accept(w, r, nil)
	if err != nil {
		l.logger.Warn("substream upgrade failed", observability.F("remote", r.RemoteAddr), observability.Err(err))
		return
	}
	conn.SetReadLimit(readLimit)

	// The stream outlives the request context; it ends with the listener.
	stream := newNotifyingStream(websocket.NetConn(l.ctx, conn, websocket.MessageBinary))
	peer, err := challengePeer(l.ctx, transport.NewFramed(stream), protocol)
	if err != nil {
		l.logger.Warn("substream authentication failed", observability.F("remote", r.RemoteAddr),
			observability.F("protocol", protocol), observability.Err(err))
		_ = stream.Close()
		return
	}
	if l.substreams != nil {
		l.substreams.Add(r.Context(), 1, metric.WithAttributes(telemetry.ProtocolAttributes(protocol)...))
	}
	l.logger.Debug("substream opened", observability.F("peer", peer), observability.F("protocol", protocol))

	go handler(l.ctx, transport.Substream{Peer: peer, Protocol: protocol, Stream: stream})

	select {
	case <-stream.closed:
	case <-l.ctx.Done():
		_ = stream.Close()
	}
}

// Run serves until ctx ends.
func (l *Listener) Run(ctx context.Context) error {
	ln, err := net.Listen("tcp", l.addr)
	if err != nil {
		return err
	}
	return l.Serve(ctx, ln)
}

// Serve serves on ln until ctx ends.
func (l *Listener) Serve(ctx context.Context, ln net.Listener) error {
	srv := &http.Server{
		Handler:           l,
		ReadHeaderTimeout: readHeaderTimeout,
	}
	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.Serve(ln)
	}()

	select {
	case <-ctx.Done():
		l.cancel()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
		<-errCh
		return nil
	case err := <-errCh:
		l.cancel()
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	}
}

// Close stops every open substream.
func (l *Listener) Close() {
	l.cancel()
}

type notifyingStream struct {
	net.Conn
	once   sync.Once
	closed chan struct{}
}

func newNotifyingStream(conn net.Conn) *notifyingStream {
	return &notifyingStream{Conn: conn, closed: make(chan struct{})}
}

func (s *notifyingStream) Close() error {
	err := s.Conn.Close()
	s.once.Do(func() { close(s.closed) })
	return err
}
