package maker

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/btcsuite/btcutil"
	"github.com/shopspring/decimal"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"

	"github.com/coachpo/cfdmaker/errs"
	"github.com/coachpo/cfdmaker/internal/app/command"
	"github.com/coachpo/cfdmaker/internal/app/tasks"
	"github.com/coachpo/cfdmaker/internal/domain/cfdstore"
	"github.com/coachpo/cfdmaker/internal/domain/dlc"
	"github.com/coachpo/cfdmaker/internal/domain/model"
	"github.com/coachpo/cfdmaker/internal/infra/telemetry"
	"github.com/coachpo/cfdmaker/internal/observability"
	"github.com/coachpo/cfdmaker/lib/async"
)

const mailboxCapacity = 128

// Config holds the actor's tunables.
type Config struct {
	SetupBufferCapacity int
	OraclePk            model.PublicKey
}

// Deps are the actor's collaborators. All are required except the feeds.
type Deps struct {
	Store      cfdstore.Store
	Executor   *command.Executor
	Takers     Takers
	Wallet     Wallet
	Setup      dlc.Setup
	Tasks      *tasks.Supervisor[model.OrderID]
	OrderFeed  OrderFeed
	WalletFeed WalletFeed
	Logger     observability.Logger
	Clock      func() time.Time
}

// Actor owns the current order and the setup inboxes. Every mutation of that
// state happens on the mailbox goroutine.
type Actor struct {
	cfg     Config
	deps    Deps
	logger  observability.Logger
	mailbox *async.Mailbox

	currentOrder *model.OrderID
	inboxes      map[model.OrderID]*SetupInbox

	ordersTaken  metric.Int64Counter
	takeRejected metric.Int64Counter
}

// NewActor wires the actor. Missing collaborators are a programming error and
// reported immediately.
func NewActor(cfg Config, deps Deps) (*Actor, error) {
	switch {
	case deps.Store == nil:
		return nil, errs.New("maker", errs.CodeInternal, errs.WithMessage("store required"))
	case deps.Executor == nil:
		return nil, errs.New("maker", errs.CodeInternal, errs.WithMessage("command executor required"))
	case deps.Takers == nil:
		return nil, errs.New("maker", errs.CodeInternal, errs.WithMessage("taker connections required"))
	case deps.Wallet == nil:
		return nil, errs.New("maker", errs.CodeInternal, errs.WithMessage("wallet required"))
	case deps.Setup == nil:
		return nil, errs.New("maker", errs.CodeInternal, errs.WithMessage("contract setup required"))
	case deps.Tasks == nil:
		return nil, errs.New("maker", errs.CodeInternal, errs.WithMessage("task supervisor required"))
	}
	if deps.Logger == nil {
		deps.Logger = observability.Log()
	}
	if deps.Clock == nil {
		deps.Clock = time.Now
	}
	if cfg.SetupBufferCapacity <= 0 {
		cfg.SetupBufferCapacity = DefaultSetupBufferCapacity
	}
	a := &Actor{
		cfg:     cfg,
		deps:    deps,
		logger:  deps.Logger.With(observability.F("actor", "maker")),
		mailbox: async.NewMailbox("maker", mailboxCapacity),
		inboxes: make(map[model.OrderID]*SetupInbox),
	}
	meter := otel.Meter("maker")
	a.ordersTaken, _ = meter.Int64Counter(telemetry.MetricOrdersTaken,
		metric.WithDescription("Number of take requests that created a contract"),
		metric.WithUnit("{order}"))
	a.takeRejected, _ = meter.Int64Counter(telemetry.MetricTakeRejected,
		metric.WithDescription("Number of take requests naming an unknown order"),
		metric.WithUnit("{request}"))
	return a, nil
}

// Run processes messages until ctx ends.
func (a *Actor) Run(ctx context.Context) {
	a.mailbox.Run(ctx, a.handle)
}

// Done is closed once Run returns.
func (a *Actor) Done() <-chan struct{} {
	return a.mailbox.Done()
}

// PublishOrder replaces the current order with a new one built from params.
func (a *Actor) PublishOrder(ctx context.Context, params model.OrderParams) (model.Order, error) {
	var order model.Order
	if err := a.mailbox.Ask(ctx, publishOrder{params: params, result: &order}); err != nil {
		return model.Order{}, err
	}
	return order, nil
}

// TakeOrder queues a take request from peer.
func (a *Actor) TakeOrder(ctx context.Context, peer model.PeerID, id model.OrderID, quantity decimal.Decimal) error {
	return a.mailbox.Send(ctx, takeOrder{peer: peer, orderID: id, quantity: quantity})
}

// StartContractSetup starts the setup of an accepted contract.
func (a *Actor) StartContractSetup(ctx context.Context, peer model.PeerID, id model.OrderID) error {
	return a.mailbox.Ask(ctx, startSetup{peer: peer, orderID: id})
}

// SetupMessage queues an inbound contract setup message from peer.
func (a *Actor) SetupMessage(ctx context.Context, peer model.PeerID, msg dlc.SetupMsg) error {
	return a.mailbox.Send(ctx, setupMessage{peer: peer, msg: msg})
}

// TakerConnected sends the current order to a newly connected taker.
func (a *Actor) TakerConnected(ctx context.Context, peer model.PeerID) error {
	return a.mailbox.Send(ctx, takerConnected{peer: peer})
}

// TakerDisconnected records that a taker went away.
func (a *Actor) TakerDisconnected(ctx context.Context, peer model.PeerID) error {
	return a.mailbox.Send(ctx, takerDisconnected{peer: peer})
}

// ConfirmLock records that the lock transaction of a contract confirmed.
func (a *Actor) ConfirmLock(ctx context.Context, id model.OrderID) error {
	return a.mailbox.Ask(ctx, confirmLock{orderID: id})
}

// SyncWallet requests a wallet refresh and republishes the wallet feed.
func (a *Actor) SyncWallet(ctx context.Context) error {
	return a.mailbox.Send(ctx, syncWallet{})
}

func (a *Actor) handle(ctx context.Context, msg any) error {
	err := a.dispatch(ctx, msg)
	if err != nil {
		a.logger.Error("maker handler failed", append(messageFields(msg), observability.Err(err))...)
	}
	return err
}

func (a *Actor) dispatch(ctx context.Context, msg any) error {
	switch m := msg.(type) {
	case publishOrder:
		return a.handlePublishOrder(ctx, m)
	case takeOrder:
		return a.handleTakeOrder(ctx, m)
	case startSetup:
		return a.startContractSetup(ctx, m.peer, m.orderID)
	case setupMessage:
		return a.handleSetupMessage(ctx, m)
	case setupReady:
		return a.handleSetupReady(ctx, m)
	case setupCompleted:
		return a.handleSetupCompleted(ctx, m)
	case setupFailed:
		return a.handleSetupFailed(ctx, m)
	case takerConnected:
		return a.handleTakerConnected(ctx, m)
	case takerDisconnected:
		a.logger.Debug("taker disconnected", observability.F("peer", m.peer))
		return nil
	case confirmLock:
		return a.deps.Executor.Emit(ctx, m.orderID, func(cfd *model.Cfd) (model.CfdEvent, error) {
			return cfd.ConfirmLock()
		})
	case syncWallet:
		a.handleSyncWallet()
		return nil
	default:
		return errs.New("maker", errs.CodeInternal, errs.WithMessage(fmt.Sprintf("unexpected message %T", msg)))
	}
}

func (a *Actor) handlePublishOrder(ctx context.Context, m publishOrder) error {
	order, err := model.NewOrder(m.params, a.deps.Clock())
	if err != nil {
		return errs.New("maker", errs.CodeInvalid, errs.WithMessage("invalid order"), errs.WithCause(err))
	}
	if err := a.deps.Store.InsertOrder(ctx, order); err != nil {
		return fmt.Errorf("insert order %s: %w", order.ID, err)
	}
	if a.currentOrder != nil {
		a.broadcast(ctx, nil)
	}
	id := order.ID
	a.currentOrder = &id
	a.publishOrderFeed(ctx, &order)
	a.broadcast(ctx, &order)
	if m.result != nil {
		*m.result = order
	}
	a.logger.Info("order published", observability.F("order_id", order.ID), observability.F("position", string(order.Position)))
	return nil
}

// handleTakeOrder accepts the take request when it names the current order.
// The current order is cleared before the handler returns so a second request
// for the same order is always answered with an invalid order id.
func (a *Actor) handleTakeOrder(ctx context.Context, m takeOrder) error {
	if a.currentOrder == nil || *a.currentOrder != m.orderID {
		a.countRejected(ctx, "invalid_order_id")
		if err := a.deps.Takers.NotifyInvalidOrderID(ctx, m.peer, m.orderID); err != nil {
			a.logger.Warn("invalid order id reply not sent", observability.F("peer", m.peer), observability.F("order_id", m.orderID), observability.Err(err))
		}
		return nil
	}

	order, err := a.deps.Store.LoadOrderByID(ctx, m.orderID)
	if err != nil {
		return fmt.Errorf("load order %s: %w", m.orderID, err)
	}
	cfd := model.NewCfd(order, m.quantity, m.peer, a.deps.Clock())
	if err := a.deps.Store.InsertCfd(ctx, cfd); err != nil {
		return fmt.Errorf("insert cfd %s: %w", cfd.ID, err)
	}
	a.currentOrder = nil

	if err := a.deps.Takers.NotifyOrderAccepted(ctx, m.peer, m.orderID); err != nil {
		a.logger.Warn("order accepted reply not sent", observability.F("peer", m.peer), observability.F("order_id", m.orderID), observability.Err(err))
	}
	a.deps.Executor.RepublishCfds(ctx)
	a.publishOrderFeed(ctx, nil)
	a.broadcast(ctx, nil)
	if a.ordersTaken != nil {
		a.ordersTaken.Add(ctx, 1, metric.WithAttributes(telemetry.AttrEnvironment.String(telemetry.Environment()),
			telemetry.AttrPosition.String(string(order.Position))))
	}
	a.logger.Info("order taken", observability.F("order_id", m.orderID), observability.F("peer", m.peer),
		observability.F("quantity", m.quantity.String()))

	// Take requests are accepted without operator approval.
	return a.startContractSetup(ctx, m.peer, m.orderID)
}

// startContractSetup moves the contract into setup and hands the interactive
// protocol to a background task. Messages arriving before the task reports
// the session ready are buffered by the contract's inbox.
func (a *Actor) startContractSetup(ctx context.Context, peer model.PeerID, id model.OrderID) error {
	if existing, ok := a.inboxes[id]; ok && existing.state != inboxRetired {
		return errs.New("maker", errs.CodeConflict, errs.WithMessage("contract setup already running"), errs.WithField("order_id", id.String()))
	}

	identity, identityPk, err := model.NewKeypair()
	if err != nil {
		return fmt.Errorf("setup %s: identity key: %w", id, err)
	}

	type started struct {
		cfd    model.Cfd
		margin btcutil.Amount
	}
	res, err := command.Execute(ctx, a.deps.Executor, id, func(cfd *model.Cfd) (model.CfdEvent, started, error) {
		if err := cfd.VerifyCounterpartyPeerID(peer); err != nil {
			return model.CfdEvent{}, started{}, err
		}
		margin, err := cfd.Margin()
		if err != nil {
			return model.CfdEvent{}, started{}, err
		}
		ev, err := cfd.StartContractSetup()
		if err != nil {
			return model.CfdEvent{}, started{}, err
		}
		next := *cfd
		next.Apply(ev)
		return ev, started{cfd: next, margin: margin}, nil
	})
	if err != nil {
		return err
	}

	a.inboxes[id] = NewSetupInbox(id, peer, a.cfg.SetupBufferCapacity)

	send := func(ctx context.Context, msg dlc.SetupMsg) error {
		return a.deps.Takers.SendSetupMsg(ctx, peer, msg)
	}
	group := a.deps.Tasks.Replace(id)
	group.Go(func(ctx context.Context) error {
		own, err := a.deps.Wallet.BuildPartyParams(ctx, res.margin, identityPk)
		if err != nil {
			return fmt.Errorf("build party params: %w", err)
		}
		session, err := a.deps.Setup.Start(ctx, dlc.SetupParams{
			Cfd:      res.cfd,
			Own:      own,
			Identity: identity,
			OraclePk: a.cfg.OraclePk,
		}, send)
		if err != nil {
			return fmt.Errorf("start setup: %w", err)
		}
		if err := a.mailbox.Send(ctx, setupReady{orderID: id, session: session}); err != nil {
			return err
		}
		result, err := session.Wait(ctx)
		if err != nil {
			return err
		}
		return a.mailbox.Send(ctx, setupCompleted{orderID: id, dlc: result})
	}, func(err error) {
		if tasks.Superseded(group.Context()) {
			return
		}
		if sendErr := a.mailbox.Send(context.WithoutCancel(group.Context()), setupFailed{orderID: id, err: err}); sendErr != nil {
			a.logger.Error("setup failure not recorded", observability.F("order_id", id), observability.Err(err), observability.F("send_error", sendErr.Error()))
		}
	})

	a.logger.Info("contract setup started", observability.F("order_id", id), observability.F("peer", peer))
	return nil
}

func (a *Actor) handleSetupMessage(ctx context.Context, m setupMessage) error {
	inbox, ok := a.inboxes[m.msg.OrderID]
	if !ok {
		return errs.New("maker", errs.CodeNotFound, errs.WithMessage("no contract setup for order"), errs.WithField("order_id", m.msg.OrderID.String()))
	}
	return inbox.Deliver(ctx, m.peer, m.msg)
}

func (a *Actor) handleSetupReady(ctx context.Context, m setupReady) error {
	inbox, ok := a.inboxes[m.orderID]
	if !ok || inbox.state != inboxNotReady {
		return errs.New("maker", errs.CodeConflict, errs.WithMessage("setup session ready without a waiting inbox"), errs.WithField("order_id", m.orderID.String()))
	}
	return inbox.Ready(ctx, m.session)
}

func (a *Actor) handleSetupCompleted(ctx context.Context, m setupCompleted) error {
	a.retire(m.orderID)
	if err := a.deps.Executor.Emit(ctx, m.orderID, func(cfd *model.Cfd) (model.CfdEvent, error) {
		return cfd.CompleteContractSetup(m.dlc)
	}); err != nil {
		return err
	}

	lock := m.dlc.Lock.Tx
	id := m.orderID
	a.deps.Tasks.Spawn(func(ctx context.Context) error {
		txid, err := a.deps.Wallet.TryBroadcastTransaction(ctx, lock)
		if err != nil {
			return err
		}
		a.logger.Info("lock transaction broadcast", observability.F("order_id", id), observability.F("txid", txid.String()))
		return nil
	}, func(err error) {
		a.logger.Error("lock transaction broadcast failed", observability.F("order_id", id), observability.Err(err))
	})
	a.logger.Info("contract setup completed", observability.F("order_id", m.orderID))
	return nil
}

func (a *Actor) handleSetupFailed(ctx context.Context, m setupFailed) error {
	a.retire(m.orderID)
	a.logger.Warn("contract setup failed", observability.F("order_id", m.orderID), observability.Err(m.err))
	return a.deps.Executor.Emit(ctx, m.orderID, func(cfd *model.Cfd) (model.CfdEvent, error) {
		return cfd.FailContractSetup(m.err), nil
	})
}

func (a *Actor) handleTakerConnected(ctx context.Context, m takerConnected) error {
	var current *model.Order
	if a.currentOrder != nil {
		order, err := a.deps.Store.LoadOrderByID(ctx, *a.currentOrder)
		if err != nil {
			return fmt.Errorf("load current order: %w", err)
		}
		current = &order
	}
	return a.deps.Takers.SendOrder(ctx, m.peer, current)
}

func (a *Actor) handleSyncWallet() {
	a.deps.Tasks.Spawn(func(ctx context.Context) error {
		info, err := a.deps.Wallet.Sync(ctx)
		if err != nil {
			return fmt.Errorf("wallet sync: %w", err)
		}
		if a.deps.WalletFeed != nil {
			a.deps.WalletFeed.Publish(ctx, info)
		}
		return nil
	}, func(err error) {
		if errors.Is(err, context.Canceled) {
			return
		}
		a.logger.Warn("wallet sync failed", observability.Err(err))
	})
}

func (a *Actor) retire(id model.OrderID) {
	if inbox, ok := a.inboxes[id]; ok {
		inbox.Retire()
	}
}

func (a *Actor) broadcast(ctx context.Context, order *model.Order) {
	if err := a.deps.Takers.BroadcastOrder(ctx, order); err != nil {
		a.logger.Warn("order broadcast failed", observability.Err(err))
	}
}

func (a *Actor) publishOrderFeed(ctx context.Context, order *model.Order) {
	if a.deps.OrderFeed != nil {
		a.deps.OrderFeed.Publish(ctx, order)
	}
}

func (a *Actor) countRejected(ctx context.Context, reason string) {
	if a.takeRejected != nil {
		a.takeRejected.Add(ctx, 1, metric.WithAttributes(telemetry.RejectAttributes(reason)...))
	}
}

func messageFields(msg any) []observability.Field {
	fields := []observability.Field{observability.F("message", fmt.Sprintf("%T", msg))}
	switch m := msg.(type) {
	case takeOrder:
		fields = append(fields, observability.F("order_id", m.orderID), observability.F("peer", m.peer))
	case startSetup:
		fields = append(fields, observability.F("order_id", m.orderID), observability.F("peer", m.peer))
	case setupMessage:
		fields = append(fields, observability.F("order_id", m.msg.OrderID), observability.F("peer", m.peer))
	case setupReady:
		fields = append(fields, observability.F("order_id", m.orderID))
	case setupCompleted:
		fields = append(fields, observability.F("order_id", m.orderID))
	case setupFailed:
		fields = append(fields, observability.F("order_id", m.orderID))
	case takerConnected:
		fields = append(fields, observability.F("peer", m.peer))
	case confirmLock:
		fields = append(fields, observability.F("order_id", m.orderID))
	}
	return fields
}
