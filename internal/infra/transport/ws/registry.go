package ws

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/coachpo/cfdmaker/errs"
	"github.com/coachpo/cfdmaker/internal/domain/dlc"
	"github.com/coachpo/cfdmaker/internal/domain/model"
	"github.com/coachpo/cfdmaker/internal/infra/transport"
	"github.com/coachpo/cfdmaker/internal/observability"
	"github.com/coachpo/cfdmaker/lib/async"
)

// Inbound receives what connected takers send on the maker protocol.
type Inbound interface {
	TakerConnected(ctx context.Context, peer model.PeerID) error
	TakerDisconnected(ctx context.Context, peer model.PeerID) error
	TakeOrder(ctx context.Context, peer model.PeerID, id model.OrderID, quantity decimal.Decimal) error
	SetupMessage(ctx context.Context, peer model.PeerID, msg dlc.SetupMsg) error
}

const (
	outboundQueue = 64
	// DefaultSendTimeout bounds a single write to a taker.
	DefaultSendTimeout = 10 * time.Second
)

// Registry tracks the maker protocol substream of every connected taker.
// Each taker has its own outbound queue and writer, so callers never wait on
// a slow taker, one taker cannot stall another, and each taker sees messages
// in the order they were issued. A taker whose queue overflows or whose write
// times out is disconnected.
type Registry struct {
	logger      observability.Logger
	sendTimeout time.Duration

	mu      sync.RWMutex
	inbound Inbound
	takers  map[model.PeerID]*takerConn
}

// RegistryOption configures a Registry.
type RegistryOption func(*Registry)

// WithSendTimeout bounds every write to a taker.
func WithSendTimeout(d time.Duration) RegistryOption {
	return func(r *Registry) {
		if d > 0 {
			r.sendTimeout = d
		}
	}
}

type takerConn struct {
	framed   *transport.Framed
	outbound *async.Pool
}

func (c *takerConn) close() {
	c.outbound.Close()
	_ = c.framed.Close()
}

// NewRegistry constructs an empty registry.
func NewRegistry(logger observability.Logger, opts ...RegistryOption) *Registry {
	if logger == nil {
		logger = observability.Log()
	}
	r := &Registry{
		logger:      logger,
		sendTimeout: DefaultSendTimeout,
		takers:      make(map[model.PeerID]*takerConn),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(r)
		}
	}
	return r
}

// Close stops outbound delivery and closes every taker substream.
func (r *Registry) Close() {
	r.mu.Lock()
	defer r.mu.Unlock()
	for peer, conn := range r.takers {
		conn.close()
		delete(r.takers, peer)
	}
}

// Bind sets the receiver of inbound taker messages. It must be called before
// the first substream is served.
func (r *Registry) Bind(inbound Inbound) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.inbound = inbound
}

// Serve owns a maker protocol substream until the taker disconnects.
func (r *Registry) Serve(ctx context.Context, sub transport.Substream) {
	log := r.logger.With(observability.F("peer", sub.Peer))
	framed := transport.NewFramed(sub.Stream)
	outbound, _ := async.NewPool(1, outboundQueue, async.WithErrorHandler(func(err error) {
		log.Warn("taker delivery failed", observability.Err(err))
	}))
	conn := &takerConn{framed: framed, outbound: outbound}
	defer conn.close()

	r.mu.Lock()
	inbound := r.inbound
	if previous, ok := r.takers[sub.Peer]; ok {
		previous.close()
	}
	r.takers[sub.Peer] = conn
	r.mu.Unlock()

	if inbound == nil {
		log.Error("taker registry used before being bound")
		r.remove(sub.Peer, conn)
		return
	}

	defer func() {
		// A replaced connection must not unregister its successor.
		if r.remove(sub.Peer, conn) {
			if err := inbound.TakerDisconnected(context.WithoutCancel(ctx), sub.Peer); err != nil {
				log.Warn("taker disconnect not delivered", observability.Err(err))
			}
		}
	}()

	if err := inbound.TakerConnected(ctx, sub.Peer); err != nil {
		log.Warn("taker connect not delivered", observability.Err(err))
	}

	for {
		var msg transport.MakerMessage
		if err := framed.Receive(ctx, &msg); err != nil {
			if errs.CodeOf(err) == errs.CodeProtocol {
				log.Warn("dropping taker after malformed message", observability.Err(err))
			} else {
				log.Debug("taker substream closed", observability.Err(err))
			}
			return
		}
		if err := r.dispatch(ctx, inbound, sub.Peer, msg); err != nil {
			log.Warn("taker message rejected", observability.F("kind", string(msg.Kind)), observability.Err(err))
		}
	}
}

func (r *Registry) dispatch(ctx context.Context, inbound Inbound, peer model.PeerID, msg transport.MakerMessage) error {
	switch msg.Kind {
	case transport.KindTakeOrder:
		if msg.OrderID == nil {
			return errs.New("transport/ws", errs.CodeProtocol, errs.WithMessage("take order without order id"))
		}
		return inbound.TakeOrder(ctx, peer, *msg.OrderID, msg.Quantity)
	case transport.KindSetup:
		if msg.Setup == nil {
			return errs.New("transport/ws", errs.CodeProtocol, errs.WithMessage("setup message without payload"))
		}
		return inbound.SetupMessage(ctx, peer, *msg.Setup)
	default:
		return errs.New("transport/ws", errs.CodeProtocol, errs.WithMessage("unexpected message kind "+string(msg.Kind)))
	}
}

func (r *Registry) remove(peer model.PeerID, conn *takerConn) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if current, ok := r.takers[peer]; ok && current == conn {
		delete(r.takers, peer)
		return true
	}
	return false
}

// Connected returns the currently connected takers.
func (r *Registry) Connected() []model.PeerID {
	r.mu.RLock()
	defer r.mu.RUnlock()
	peers := make([]model.PeerID, 0, len(r.takers))
	for peer := range r.takers {
		peers = append(peers, peer)
	}
	return peers
}

// BroadcastOrder queues order, or its withdrawal when nil, for every taker.
func (r *Registry) BroadcastOrder(ctx context.Context, order *model.Order) error {
	r.mu.RLock()
	peers := make([]model.PeerID, 0, len(r.takers))
	for peer := range r.takers {
		peers = append(peers, peer)
	}
	r.mu.RUnlock()

	for _, peer := range peers {
		if err := r.enqueue(ctx, peer, transport.CurrentOrder(order)); err != nil {
			r.logger.Warn("order broadcast not queued", observability.F("peer", peer), observability.Err(err))
		}
	}
	return nil
}

// SendOrder queues order, or "no order" when nil, for one taker.
func (r *Registry) SendOrder(ctx context.Context, peer model.PeerID, order *model.Order) error {
	return r.enqueue(ctx, peer, transport.CurrentOrder(order))
}

// NotifyInvalidOrderID tells peer its take request named an unknown order.
func (r *Registry) NotifyInvalidOrderID(ctx context.Context, peer model.PeerID, id model.OrderID) error {
	return r.enqueue(ctx, peer, transport.InvalidOrderID(id))
}

// NotifyOrderAccepted tells peer its take request was accepted.
func (r *Registry) NotifyOrderAccepted(ctx context.Context, peer model.PeerID, id model.OrderID) error {
	return r.enqueue(ctx, peer, transport.OrderAccepted(id))
}

// SendSetupMsg writes a contract setup message to peer and waits for the write.
func (r *Registry) SendSetupMsg(ctx context.Context, peer model.PeerID, msg dlc.SetupMsg) error {
	conn, err := r.lookup(peer)
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(ctx, r.sendTimeout)
	defer cancel()
	return conn.framed.Send(ctx, transport.Setup(msg))
}

func (r *Registry) enqueue(ctx context.Context, peer model.PeerID, msg transport.MakerMessage) error {
	conn, err := r.lookup(peer)
	if err != nil {
		return err
	}
	err = conn.outbound.Submit(context.WithoutCancel(ctx), func(ctx context.Context) error {
		ctx, cancel := context.WithTimeout(ctx, r.sendTimeout)
		defer cancel()
		if err := conn.framed.Send(ctx, msg); err != nil {
			return fmt.Errorf("send %s to %s: %w", msg.Kind, peer, err)
		}
		return nil
	})
	if err != nil {
		r.logger.Warn("dropping taker that is not keeping up", observability.F("peer", peer),
			observability.F("kind", string(msg.Kind)), observability.Err(err))
		conn.close()
		return fmt.Errorf("queue %s for %s: %w", msg.Kind, peer, err)
	}
	return nil
}

func (r *Registry) lookup(peer model.PeerID) (*takerConn, error) {
	r.mu.RLock()
	conn, ok := r.takers[peer]
	r.mu.RUnlock()
	if !ok {
		return nil, errs.New("transport/ws", errs.CodeUnavailable, errs.WithMessage("taker not connected"), errs.WithField("peer", string(peer)))
	}
	return conn, nil
}
