// Package rollover negotiates the renewal of open contracts with takers: a
// proposal waits for the maker's decision, and an accepted proposal runs a
// three round handshake that replaces the contract's commit generation.
package rollover

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"

	"github.com/coachpo/cfdmaker/errs"
	"github.com/coachpo/cfdmaker/internal/app/command"
	"github.com/coachpo/cfdmaker/internal/app/tasks"
	"github.com/coachpo/cfdmaker/internal/domain/dlc"
	"github.com/coachpo/cfdmaker/internal/domain/model"
	"github.com/coachpo/cfdmaker/internal/infra/telemetry"
	"github.com/coachpo/cfdmaker/internal/infra/transport"
	"github.com/coachpo/cfdmaker/internal/observability"
	"github.com/coachpo/cfdmaker/lib/async"
)

const (
	// DefaultMessageTimeout bounds the wait for each peer message.
	DefaultMessageTimeout = 60 * time.Second
	// DefaultPayoutCount is the number of payout points CETs are built for.
	DefaultPayoutCount = 200

	mailboxCapacity = 64
)

// Oracle resolves price event announcements.
type Oracle interface {
	GetAnnouncements(ctx context.Context, ids []model.BitMexPriceEventID) ([]model.Announcement, error)
}

// Config holds the engine's protocol parameters.
type Config struct {
	OraclePk       model.PublicKey
	PayoutCount    int
	MessageTimeout time.Duration
}

// AcceptParams are the maker's terms for an accepted rollover.
type AcceptParams struct {
	OrderID          model.OrderID
	TxFeeRate        model.TxFeeRate
	LongFundingRate  model.FundingRate
	ShortFundingRate model.FundingRate
}

type pendingProposal struct {
	framed *transport.Framed
	peer   model.PeerID
	from   model.ProposalContext
}

// Engine serves every rollover negotiation. Pending proposals are owned by
// the mailbox goroutine; handshakes run as supervised tasks keyed by order.
type Engine struct {
	cfg      Config
	executor *command.Executor
	oracle   Oracle
	builder  dlc.Builder
	tasks    *tasks.Supervisor[model.OrderID]
	logger   observability.Logger
	mailbox  *async.Mailbox
	clock    func() time.Time

	pending map[model.OrderID]*pendingProposal

	outcomes metric.Int64Counter
	duration metric.Float64Histogram
}

type proposeReceived struct {
	propose Propose
	framed  *transport.Framed
	peer    model.PeerID
}

type acceptProposal struct{ params AcceptParams }

type rejectProposal struct{ orderID model.OrderID }

// NewEngine constructs the engine.
func NewEngine(cfg Config, executor *command.Executor, oracle Oracle, builder dlc.Builder, supervisor *tasks.Supervisor[model.OrderID], logger observability.Logger) (*Engine, error) {
	switch {
	case executor == nil:
		return nil, errs.New("rollover", errs.CodeInternal, errs.WithMessage("command executor required"))
	case oracle == nil:
		return nil, errs.New("rollover", errs.CodeInternal, errs.WithMessage("oracle required"))
	case builder == nil:
		return nil, errs.New("rollover", errs.CodeInternal, errs.WithMessage("transaction builder required"))
	case supervisor == nil:
		return nil, errs.New("rollover", errs.CodeInternal, errs.WithMessage("task supervisor required"))
	}
	if logger == nil {
		logger = observability.Log()
	}
	if cfg.PayoutCount <= 0 {
		cfg.PayoutCount = DefaultPayoutCount
	}
	if cfg.MessageTimeout <= 0 {
		cfg.MessageTimeout = DefaultMessageTimeout
	}
	e := &Engine{
		cfg:      cfg,
		executor: executor,
		oracle:   oracle,
		builder:  builder,
		tasks:    supervisor,
		logger:   logger.With(observability.F("actor", "rollover")),
		mailbox:  async.NewMailbox("rollover", mailboxCapacity),
		clock:    time.Now,
		pending:  make(map[model.OrderID]*pendingProposal),
	}
	meter := otel.Meter("rollover")
	e.outcomes, _ = meter.Int64Counter(telemetry.MetricRolloverOutcomes,
		metric.WithDescription("Rollover negotiations by outcome"),
		metric.WithUnit("{rollover}"))
	e.duration, _ = meter.Float64Histogram(telemetry.MetricRolloverDuration,
		metric.WithDescription("Duration of completed rollover handshakes"),
		metric.WithUnit("s"))
	return e, nil
}

// Run processes decisions and proposals until ctx ends, then drops every
// pending proposal.
func (e *Engine) Run(ctx context.Context) {
	e.mailbox.Run(ctx, e.handle)
	for id, p := range e.pending {
		_ = p.framed.Close()
		delete(e.pending, id)
	}
}

// Done is closed once Run returns.
func (e *Engine) Done() <-chan struct{} {
	return e.mailbox.Done()
}

// HandleSubstream reads the proposal from a new rollover substream and hands
// it to the engine. It owns sub until the proposal is queued.
func (e *Engine) HandleSubstream(ctx context.Context, sub transport.Substream) {
	framed := transport.NewFramed(sub.Stream)
	var msg Message
	receiveCtx, cancel := context.WithTimeout(ctx, e.cfg.MessageTimeout)
	err := framed.Receive(receiveCtx, &msg)
	cancel()
	if err == nil {
		err = msg.expect(KindPropose)
	}
	if err == nil {
		err = e.mailbox.Send(ctx, proposeReceived{propose: *msg.Propose, framed: framed, peer: sub.Peer})
	}
	if err != nil {
		e.logger.Warn("incoming rollover not handled", observability.F("peer", sub.Peer), observability.Err(err))
		_ = framed.Close()
	}
}

// Accept confirms the pending proposal for params.OrderID and starts the
// handshake. It fails with model.ErrNoActiveNegotiation when nothing is pending.
func (e *Engine) Accept(ctx context.Context, params AcceptParams) error {
	return e.mailbox.Ask(ctx, acceptProposal{params: params})
}

// Reject declines the pending proposal for id.
func (e *Engine) Reject(ctx context.Context, id model.OrderID) error {
	return e.mailbox.Ask(ctx, rejectProposal{orderID: id})
}

// Pending reports whether a proposal for id awaits a decision.
func (e *Engine) Pending(ctx context.Context, id model.OrderID) (bool, error) {
	var found bool
	err := e.mailbox.Ask(ctx, pendingQuery{orderID: id, found: &found})
	return found, err
}

type pendingQuery struct {
	orderID model.OrderID
	found   *bool
}

func (e *Engine) handle(ctx context.Context, msg any) error {
	var err error
	switch m := msg.(type) {
	case proposeReceived:
		err = e.handlePropose(ctx, m)
	case acceptProposal:
		err = e.handleAccept(ctx, m.params)
	case rejectProposal:
		err = e.handleReject(ctx, m.orderID)
	case pendingQuery:
		_, *m.found = e.pending[m.orderID]
	default:
		err = errs.New("rollover", errs.CodeInternal, errs.WithMessage(fmt.Sprintf("unexpected message %T", msg)))
	}
	if err != nil {
		e.logger.Warn("rollover handler failed", observability.F("message", fmt.Sprintf("%T", msg)), observability.Err(err))
	}
	return err
}

// handlePropose records a proposal. A proposal that cannot start ends in a
// failed rollover so no in-progress flag outlives it, unless another
// negotiation for the contract is pending or running: that one is left alone.
func (e *Engine) handlePropose(ctx context.Context, m proposeReceived) error {
	id := m.propose.OrderID
	from, err := command.Execute(ctx, e.executor, id, func(cfd *model.Cfd) (model.CfdEvent, model.ProposalContext, error) {
		if err := cfd.VerifyCounterpartyPeerID(m.peer); err != nil {
			return model.CfdEvent{}, model.ProposalContext{}, err
		}
		return cfd.StartRolloverMaker(m.propose.FromCommitTxid)
	})
	if err != nil {
		_, pending := e.pending[id]
		live := pending || e.tasks.Running(id)
		_ = m.framed.Close()
		if live {
			e.logger.Warn("rollover proposal refused during negotiation", observability.F("order_id", id),
				observability.F("peer", m.peer), observability.Err(err))
		} else {
			e.fail(ctx, id, err)
		}
		return fmt.Errorf("rollover %s from %s: %w", id, m.peer, err)
	}

	// A taker retrying replaces its earlier proposal.
	if previous, ok := e.pending[id]; ok {
		_ = previous.framed.Close()
	}
	e.pending[id] = &pendingProposal{framed: m.framed, peer: m.peer, from: from}
	e.logger.Info("rollover proposed", observability.F("order_id", id), observability.F("peer", m.peer),
		observability.F("from_event", from.EventID.String()))
	return nil
}

func (e *Engine) handleAccept(ctx context.Context, params AcceptParams) error {
	id := params.OrderID
	p, ok := e.pending[id]
	if !ok {
		return fmt.Errorf("accept rollover %s: %w", id, model.ErrNoActiveNegotiation)
	}
	delete(e.pending, id)

	// The running handshake is superseded before the terms are computed, so
	// they are based on whatever it left behind.
	group := e.tasks.Replace(id)
	terms, err := command.Execute(ctx, e.executor, id, func(cfd *model.Cfd) (model.CfdEvent, model.RolloverTerms, error) {
		rate := params.ShortFundingRate
		if cfd.Position == model.PositionLong {
			rate = params.LongFundingRate
		}
		return cfd.AcceptRolloverProposal(params.TxFeeRate, rate, &p.from)
	})
	if err != nil {
		_ = p.framed.Close()
		e.tasks.Cancel(id)
		e.fail(ctx, id, err)
		return fmt.Errorf("accept rollover %s: %w", id, err)
	}

	group.Go(func(ctx context.Context) error {
		return e.handshake(ctx, id, p, params.TxFeeRate, terms)
	}, func(err error) {
		if tasks.Superseded(group.Context()) {
			e.logger.Info("rollover superseded", observability.F("order_id", id), observability.Err(err))
			return
		}
		e.fail(group.Context(), id, err)
	})
	e.logger.Info("rollover accepted", observability.F("order_id", id), observability.F("peer", p.peer),
		observability.F("oracle_event", terms.OracleEventID.String()))
	return nil
}

func (e *Engine) handleReject(ctx context.Context, id model.OrderID) error {
	p, ok := e.pending[id]
	if !ok {
		return fmt.Errorf("reject rollover %s: %w", id, model.ErrNoActiveNegotiation)
	}
	delete(e.pending, id)

	group := e.tasks.Replace(id)
	if err := e.executor.Emit(ctx, id, func(cfd *model.Cfd) (model.CfdEvent, error) {
		return cfd.RejectRollover(), nil
	}); err != nil {
		_ = p.framed.Close()
		e.tasks.Cancel(id)
		return fmt.Errorf("reject rollover %s: %w", id, err)
	}
	e.count(ctx, telemetry.ResultRejected)

	group.Go(func(ctx context.Context) error {
		defer p.framed.Close()
		sendCtx, cancel := context.WithTimeout(ctx, e.cfg.MessageTimeout)
		defer cancel()
		return p.framed.Send(sendCtx, rejectMessage(id))
	}, func(err error) {
		e.logger.Debug("rollover rejection not delivered", observability.F("order_id", id), observability.Err(err))
	})
	e.logger.Info("rollover rejected", observability.F("order_id", id), observability.F("peer", p.peer))
	return nil
}

// handshake runs the three message rounds of an accepted rollover and
// records the successor Dlc.
func (e *Engine) handshake(ctx context.Context, id model.OrderID, p *pendingProposal, feeRate model.TxFeeRate, terms model.RolloverTerms) error {
	defer p.framed.Close()
	started := e.clock()
	completeFee := terms.Params.CompleteFee()

	if err := p.framed.Send(ctx, confirmMessage(Confirm{
		OrderID:       id,
		OracleEventID: terms.OracleEventID,
		TxFeeRate:     feeRate,
		FundingRate:   terms.FundingRate,
		CompleteFee:   completeFee,
	})); err != nil {
		return fmt.Errorf("send confirmation: %w", err)
	}

	announcements, err := e.oracle.GetAnnouncements(ctx, []model.BitMexPriceEventID{terms.OracleEventID})
	if err != nil {
		return fmt.Errorf("announcement %s: %w", terms.OracleEventID, err)
	}
	if len(announcements) != 1 {
		return fmt.Errorf("announcement %s: got %d announcements", terms.OracleEventID, len(announcements))
	}
	announcement := announcements[0]

	revocation, revocationPk, err := model.NewKeypair()
	if err != nil {
		return fmt.Errorf("revocation key: %w", err)
	}
	publish, publishPk, err := model.NewKeypair()
	if err != nil {
		return fmt.Errorf("publish key: %w", err)
	}

	msg0, err := e.receive(ctx, p.framed, KindMsg0)
	if err != nil {
		return err
	}
	if err := p.framed.Send(ctx, msg0Message(Msg0{RevocationPk: revocationPk, PublishPk: publishPk})); err != nil {
		return fmt.Errorf("send msg0: %w", err)
	}

	punish := dlc.BuildPunishParams(model.RoleMaker, terms.Dlc.Identity, terms.Dlc.IdentityCounterparty,
		dlc.RevocationKeys{RevocationPk: msg0.Msg0.RevocationPk, PublishPk: msg0.Msg0.PublishPk},
		revocationPk, publishPk)
	own, err := e.builder.BuildOwnTransactions(ctx, dlc.OwnTransactionsRequest{
		Dlc:          terms.Dlc,
		Params:       terms.Params,
		Announcement: announcement,
		OraclePk:     e.cfg.OraclePk,
		Position:     terms.Position,
		PayoutCount:  e.cfg.PayoutCount,
		CompleteFee:  completeFee,
		Punish:       punish,
	})
	if err != nil {
		return fmt.Errorf("build own transactions: %w", err)
	}

	msg1, err := e.receive(ctx, p.framed, KindMsg1)
	if err != nil {
		return err
	}
	if err := p.framed.Send(ctx, msg1Message(Msg1{CounterpartySignatures: own.Signatures()})); err != nil {
		return fmt.Errorf("send msg1: %w", err)
	}

	descriptor, err := e.builder.BuildCommitDescriptor(punish)
	if err != nil {
		return fmt.Errorf("commit descriptor: %w", err)
	}
	cets, refund, err := e.builder.BuildAndVerifyCetsAndRefund(ctx, dlc.VerifyRequest{
		Dlc:              terms.Dlc,
		Announcement:     announcement,
		OraclePk:         e.cfg.OraclePk,
		PublishPk:        publishPk,
		Role:             model.RoleMaker,
		Own:              own,
		CommitDescriptor: descriptor,
		Counterparty:     msg1.Msg1.CounterpartySignatures,
	})
	if err != nil {
		return fmt.Errorf("verify counterparty transactions: %w", err)
	}

	msg2, err := e.receive(ctx, p.framed, KindMsg2)
	if err != nil {
		return err
	}

	// Past this point the old commit is revoked on both sides; the successor is
	// recorded even if the handshake is superseded.
	ctx = context.WithoutCancel(ctx)
	revealCtx, cancel := context.WithTimeout(ctx, e.cfg.MessageTimeout)
	err = p.framed.Send(revealCtx, msg2Message(Msg2{RevocationSk: terms.Dlc.Revocation}))
	cancel()
	if err != nil {
		e.logger.Warn("revocation secret not delivered, taker will retry", observability.F("order_id", id), observability.Err(err))
	}

	revoked, err := e.builder.FinalizeRevokedCommits(terms.Dlc, terms.Dlc.Commit.EncSigCounterparty,
		msg2.Msg2.RevocationSk, terms.Params.CompleteFeeBeforeRollover())
	if err != nil {
		return fmt.Errorf("finalize revoked commits: %w", err)
	}

	counterparty := punish.Counterparty(model.RoleMaker)
	next, err := terms.Dlc.Successor(model.NegotiatedDlc{
		Revocation:               revocation,
		RevocationPkCounterparty: counterparty.RevocationPk,
		Publish:                  publish,
		PublishPkCounterparty:    counterparty.PublishPk,
		Commit: model.Commit{
			Tx:                 own.Commit,
			EncSigCounterparty: msg1.Msg1.CommitEncSig,
			Descriptor:         descriptor,
		},
		Cets: cets,
		Refund: model.Refund{
			Tx:              refund.Tx,
			SigCounterparty: msg1.Msg1.RefundSig,
		},
		SettlementEventID: announcement.ID,
		RefundTimelock:    terms.Params.RefundTimelock,
	}, revoked)
	if err != nil {
		return fmt.Errorf("successor dlc: %w", err)
	}

	if err := e.executor.Emit(ctx, id, func(cfd *model.Cfd) (model.CfdEvent, error) {
		return cfd.CompleteRollover(next, terms.Params.FundingFee(), completeFee)
	}); err != nil {
		return fmt.Errorf("record rollover: %w", err)
	}

	e.count(ctx, telemetry.ResultCompleted)
	if e.duration != nil {
		e.duration.Record(ctx, e.clock().Sub(started).Seconds(),
			metric.WithAttributes(telemetry.AttrEnvironment.String(telemetry.Environment())))
	}
	e.logger.Info("rollover completed", observability.F("order_id", id),
		observability.F("settlement_event", announcement.ID.String()),
		observability.F("revoked_commits", len(next.RevokedCommits)))
	return nil
}

// receive waits for the next frame, which must be of kind.
func (e *Engine) receive(ctx context.Context, framed *transport.Framed, kind Kind) (Message, error) {
	ctx, cancel := context.WithTimeout(ctx, e.cfg.MessageTimeout)
	defer cancel()
	var msg Message
	if err := framed.Receive(ctx, &msg); err != nil {
		return Message{}, fmt.Errorf("expected %s within %s: %w", kind, e.cfg.MessageTimeout, err)
	}
	if err := msg.expect(kind); err != nil {
		return Message{}, err
	}
	return msg, nil
}

// fail records a failed rollover even when ctx is already cancelled.
func (e *Engine) fail(ctx context.Context, id model.OrderID, cause error) {
	e.logger.Warn("rollover failed", observability.F("order_id", id), observability.Err(cause))
	ctx = context.WithoutCancel(ctx)
	err := e.executor.Emit(ctx, id, func(cfd *model.Cfd) (model.CfdEvent, error) {
		return cfd.FailRollover(cause), nil
	})
	if err != nil && !errors.Is(err, model.ErrInvalidTransition) {
		e.logger.Error("rollover failure not recorded", observability.F("order_id", id), observability.Err(err))
	}
	e.count(ctx, telemetry.ResultFailed)
}

func (e *Engine) count(ctx context.Context, result string) {
	if e.outcomes != nil {
		e.outcomes.Add(ctx, 1, metric.WithAttributes(telemetry.ResultAttributes(result)...))
	}
}
