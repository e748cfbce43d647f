package maker

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/btcsuite/btcutil"
	"github.com/fortytw2/leaktest"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"github.com/coachpo/cfdmaker/errs"
	"github.com/coachpo/cfdmaker/internal/app/command"
	"github.com/coachpo/cfdmaker/internal/app/tasks"
	"github.com/coachpo/cfdmaker/internal/domain/dlc"
	"github.com/coachpo/cfdmaker/internal/domain/model"
	"github.com/coachpo/cfdmaker/internal/infra/persistence/memory"
	"github.com/coachpo/cfdmaker/internal/observability"
)

type fakeTakers struct {
	mu          sync.Mutex
	broadcasts  []*model.Order
	sent        map[model.PeerID][]*model.Order
	invalid     []model.OrderID
	accepted    []model.OrderID
	setupOut    []dlc.SetupMsg
	broadcastFn func(*model.Order) error
}

func newFakeTakers() *fakeTakers {
	return &fakeTakers{sent: make(map[model.PeerID][]*model.Order)}
}

func (f *fakeTakers) BroadcastOrder(_ context.Context, order *model.Order) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.broadcasts = append(f.broadcasts, order)
	if f.broadcastFn != nil {
		return f.broadcastFn(order)
	}
	return nil
}

func (f *fakeTakers) SendOrder(_ context.Context, peer model.PeerID, order *model.Order) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent[peer] = append(f.sent[peer], order)
	return nil
}

func (f *fakeTakers) NotifyInvalidOrderID(_ context.Context, _ model.PeerID, id model.OrderID) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.invalid = append(f.invalid, id)
	return nil
}

func (f *fakeTakers) NotifyOrderAccepted(_ context.Context, _ model.PeerID, id model.OrderID) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.accepted = append(f.accepted, id)
	return nil
}

func (f *fakeTakers) SendSetupMsg(_ context.Context, _ model.PeerID, msg dlc.SetupMsg) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.setupOut = append(f.setupOut, msg)
	return nil
}

func (f *fakeTakers) snapshot() (invalid, accepted []model.OrderID, broadcasts []*model.Order) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]model.OrderID(nil), f.invalid...), append([]model.OrderID(nil), f.accepted...), append([]*model.Order(nil), f.broadcasts...)
}

type fakeWallet struct {
	mu        sync.Mutex
	amounts   []btcutil.Amount
	broadcast []model.Txid
	info      model.WalletInfo
}

func (w *fakeWallet) BuildPartyParams(_ context.Context, amount btcutil.Amount, pk model.PublicKey) (model.PartyParams, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.amounts = append(w.amounts, amount)
	return model.PartyParams{IdentityPk: pk, LockAmount: amount, Address: "maker-address"}, nil
}

func (w *fakeWallet) Sync(context.Context) (model.WalletInfo, error) {
	return w.info, nil
}

func (w *fakeWallet) TryBroadcastTransaction(_ context.Context, tx model.Transaction) (model.Txid, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	txid := tx.Txid()
	w.broadcast = append(w.broadcast, txid)
	return txid, nil
}

func (w *fakeWallet) broadcasts() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return len(w.broadcast)
}

type fakeSession struct {
	mu         sync.Mutex
	delivered  []dlc.SetupMsg
	deliverErr error
	// accepted deliveries succeed before deliverErr applies.
	accepted int
	result   chan error
	dlc      model.Dlc
}

func newFakeSession() *fakeSession {
	return &fakeSession{result: make(chan error, 1)}
}

func (s *fakeSession) Deliver(_ context.Context, msg dlc.SetupMsg) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.deliverErr != nil && len(s.delivered) >= s.accepted {
		return s.deliverErr
	}
	s.delivered = append(s.delivered, msg)
	return nil
}

func (s *fakeSession) Wait(ctx context.Context) (model.Dlc, error) {
	select {
	case err := <-s.result:
		if err != nil {
			return model.Dlc{}, err
		}
		return s.dlc, nil
	case <-ctx.Done():
		return model.Dlc{}, ctx.Err()
	}
}

func (s *fakeSession) kinds() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	kinds := make([]string, 0, len(s.delivered))
	for _, msg := range s.delivered {
		kinds = append(kinds, msg.Kind)
	}
	return kinds
}

// gatedSetup hands out its session only once release is closed, so tests can
// deliver messages while the setup is not ready yet.
type gatedSetup struct {
	session *fakeSession
	release chan struct{}
	params  chan dlc.SetupParams
}

func newGatedSetup() *gatedSetup {
	return &gatedSetup{session: newFakeSession(), release: make(chan struct{}), params: make(chan dlc.SetupParams, 1)}
}

func (g *gatedSetup) Start(ctx context.Context, params dlc.SetupParams, _ dlc.SendFunc) (dlc.SetupSession, error) {
	g.params <- params
	select {
	case <-g.release:
		return g.session, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

type orderFeed struct {
	mu     sync.Mutex
	orders []*model.Order
}

func (f *orderFeed) Publish(_ context.Context, order *model.Order) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.orders = append(f.orders, order)
}

func (f *orderFeed) last() (*model.Order, int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.orders) == 0 {
		return nil, 0
	}
	return f.orders[len(f.orders)-1], len(f.orders)
}

type walletFeed struct {
	ch chan model.WalletInfo
}

func (f *walletFeed) Publish(_ context.Context, info model.WalletInfo) {
	f.ch <- info
}

type harness struct {
	actor   *Actor
	store   *memory.CfdStore
	takers  *fakeTakers
	wallet  *fakeWallet
	setup   *gatedSetup
	orders  *orderFeed
	wallets *walletFeed
	stop    func()
}

func startActor(t *testing.T, capacity int) *harness {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	store := memory.NewCfdStore()
	sup := tasks.NewSupervisor[model.OrderID](ctx, observability.NopLogger())
	h := &harness{
		store:   store,
		takers:  newFakeTakers(),
		wallet:  &fakeWallet{info: model.WalletInfo{Balance: 50_000, Address: "maker-address"}},
		setup:   newGatedSetup(),
		orders:  &orderFeed{},
		wallets: &walletFeed{ch: make(chan model.WalletInfo, 1)},
	}
	actor, err := NewActor(Config{SetupBufferCapacity: capacity}, Deps{
		Store:      store,
		Executor:   command.NewExecutor(store, nil, observability.NopLogger()),
		Takers:     h.takers,
		Wallet:     h.wallet,
		Setup:      h.setup,
		Tasks:      sup,
		OrderFeed:  h.orders,
		WalletFeed: h.wallets,
		Logger:     observability.NopLogger(),
	})
	require.NoError(t, err)
	h.actor = actor
	h.stop = func() {
		cancel()
		sup.Close()
		<-actor.Done()
	}
	go actor.Run(ctx)
	return h
}

func orderParams() model.OrderParams {
	return model.OrderParams{
		Position:           model.PositionShort,
		Price:              decimal.NewFromInt(40_000),
		MinQuantity:        decimal.NewFromInt(100),
		MaxQuantity:        decimal.NewFromInt(10_000),
		SettlementInterval: 24 * time.Hour,
	}
}

func TestNewActorRequiresCollaborators(t *testing.T) {
	_, err := NewActor(Config{}, Deps{})
	require.Equal(t, errs.CodeInternal, errs.CodeOf(err))
}

func TestPublishOrderBroadcastsAndFeeds(t *testing.T) {
	defer leaktest.Check(t)()
	h := startActor(t, 0)
	defer h.stop()

	order, err := h.actor.PublishOrder(context.Background(), orderParams())
	require.NoError(t, err)
	require.False(t, order.ID.IsZero())

	stored, err := h.store.LoadOrderByID(context.Background(), order.ID)
	require.NoError(t, err)
	require.Equal(t, order.ID, stored.ID)

	latest, n := h.orders.last()
	require.Equal(t, 1, n)
	require.Equal(t, order.ID, latest.ID)

	_, _, broadcasts := h.takers.snapshot()
	require.Len(t, broadcasts, 1)
	require.Equal(t, order.ID, broadcasts[0].ID)

	second, err := h.actor.PublishOrder(context.Background(), orderParams())
	require.NoError(t, err)
	_, _, broadcasts = h.takers.snapshot()
	require.Len(t, broadcasts, 3, "replacing an order withdraws the old one first")
	require.Nil(t, broadcasts[1])
	require.Equal(t, second.ID, broadcasts[2].ID)
}

func TestPublishOrderRejectsInvalidParams(t *testing.T) {
	defer leaktest.Check(t)()
	h := startActor(t, 0)
	defer h.stop()

	params := orderParams()
	params.Price = decimal.Zero
	_, err := h.actor.PublishOrder(context.Background(), params)
	require.Equal(t, errs.CodeInvalid, errs.CodeOf(err))
	_, n := h.orders.last()
	require.Zero(t, n)
}

func TestSecondTakeForSameOrderIsRejected(t *testing.T) {
	defer leaktest.Check(t)()
	h := startActor(t, 0)
	defer h.stop()
	ctx := context.Background()

	order, err := h.actor.PublishOrder(ctx, orderParams())
	require.NoError(t, err)

	require.NoError(t, h.actor.TakeOrder(ctx, "taker-a", order.ID, decimal.NewFromInt(500)))
	require.NoError(t, h.actor.TakeOrder(ctx, "taker-b", order.ID, decimal.NewFromInt(700)))

	require.Eventually(t, func() bool {
		invalid, accepted, _ := h.takers.snapshot()
		return len(invalid) == 1 && len(accepted) == 1
	}, time.Second, 5*time.Millisecond)

	cfds, err := h.store.LoadAllCfds(ctx)
	require.NoError(t, err)
	require.Len(t, cfds, 1)
	require.Equal(t, model.PeerID("taker-a"), cfds[0].Counterparty)
	require.True(t, decimal.NewFromInt(500).Equal(cfds[0].Quantity))

	latest, _ := h.orders.last()
	require.Nil(t, latest, "taken order is withdrawn from the feed")
}

func TestTakeUnknownOrderIsRejected(t *testing.T) {
	defer leaktest.Check(t)()
	h := startActor(t, 0)
	defer h.stop()

	unknown := model.NewOrderID()
	require.NoError(t, h.actor.TakeOrder(context.Background(), "taker", unknown, decimal.NewFromInt(100)))
	require.Eventually(t, func() bool {
		invalid, _, _ := h.takers.snapshot()
		return len(invalid) == 1 && invalid[0] == unknown
	}, time.Second, 5*time.Millisecond)

	cfds, err := h.store.LoadAllCfds(context.Background())
	require.NoError(t, err)
	require.Empty(t, cfds)
}

func TestSetupMessagesBufferedBeforeReadyArriveInOrder(t *testing.T) {
	defer leaktest.Check(t)()
	h := startActor(t, 0)
	defer h.stop()
	ctx := context.Background()

	order, err := h.actor.PublishOrder(ctx, orderParams())
	require.NoError(t, err)
	require.NoError(t, h.actor.TakeOrder(ctx, "taker", order.ID, decimal.NewFromInt(400)))

	var params dlc.SetupParams
	select {
	case params = <-h.setup.params:
	case <-time.After(time.Second):
		t.Fatal("setup not started")
	}
	require.Equal(t, model.StateContractSetup, params.Cfd.State)
	require.Equal(t, btcutil.Amount(1_000_000), params.Own.LockAmount)

	for _, kind := range []string{"msg0", "msg1", "msg2"} {
		require.NoError(t, h.actor.SetupMessage(ctx, "taker", setupMsg(order.ID, kind)))
	}
	close(h.setup.release)

	require.Eventually(t, func() bool {
		return len(h.setup.session.kinds()) == 3
	}, time.Second, 5*time.Millisecond)
	require.NoError(t, h.actor.SetupMessage(ctx, "taker", setupMsg(order.ID, "msg3")))
	require.Eventually(t, func() bool {
		return len(h.setup.session.kinds()) == 4
	}, time.Second, 5*time.Millisecond)
	require.Equal(t, []string{"msg0", "msg1", "msg2", "msg3"}, h.setup.session.kinds())

	h.setup.session.dlc = model.Dlc{Lock: model.Lock{Descriptor: "lock"}}
	h.setup.session.result <- nil
	require.Eventually(t, func() bool {
		cfd, err := h.store.LoadCfdByOrderID(ctx, order.ID)
		return err == nil && cfd.State == model.StatePendingOpen
	}, time.Second, 5*time.Millisecond)
	require.Eventually(t, func() bool { return h.wallet.broadcasts() == 1 }, time.Second, 5*time.Millisecond)

	require.NoError(t, h.actor.ConfirmLock(ctx, order.ID))
	cfd, err := h.store.LoadCfdByOrderID(ctx, order.ID)
	require.NoError(t, err)
	require.Equal(t, model.StateOpen, cfd.State)
}

func TestSetupBufferOverflowDropsExtraMessages(t *testing.T) {
	defer leaktest.Check(t)()
	h := startActor(t, 2)
	defer h.stop()
	ctx := context.Background()

	order, err := h.actor.PublishOrder(ctx, orderParams())
	require.NoError(t, err)
	require.NoError(t, h.actor.TakeOrder(ctx, "taker", order.ID, decimal.NewFromInt(400)))
	<-h.setup.params

	for _, kind := range []string{"msg0", "msg1", "msg2"} {
		require.NoError(t, h.actor.SetupMessage(ctx, "taker", setupMsg(order.ID, kind)))
	}
	close(h.setup.release)
	require.Eventually(t, func() bool {
		return len(h.setup.session.kinds()) == 2
	}, time.Second, 5*time.Millisecond)
	require.Equal(t, []string{"msg0", "msg1"}, h.setup.session.kinds())
}

func TestSetupFailureIsRecorded(t *testing.T) {
	defer leaktest.Check(t)()
	h := startActor(t, 0)
	defer h.stop()
	ctx := context.Background()

	order, err := h.actor.PublishOrder(ctx, orderParams())
	require.NoError(t, err)
	require.NoError(t, h.actor.TakeOrder(ctx, "taker", order.ID, decimal.NewFromInt(400)))
	<-h.setup.params
	close(h.setup.release)

	h.setup.session.result <- errors.New("taker went away")
	require.Eventually(t, func() bool {
		cfd, err := h.store.LoadCfdByOrderID(ctx, order.ID)
		return err == nil && cfd.State == model.StateSetupFailed
	}, time.Second, 5*time.Millisecond)

	err = h.actor.StartContractSetup(ctx, "taker", order.ID)
	require.ErrorIs(t, err, model.ErrInvalidTransition)
}

func TestStartContractSetupChecksCounterparty(t *testing.T) {
	defer leaktest.Check(t)()
	h := startActor(t, 0)
	defer h.stop()
	ctx := context.Background()

	order, err := h.actor.PublishOrder(ctx, model.OrderParams{
		Position:           model.PositionLong,
		Price:              decimal.NewFromInt(40_000),
		MinQuantity:        decimal.NewFromInt(100),
		MaxQuantity:        decimal.NewFromInt(10_000),
		SettlementInterval: 24 * time.Hour,
	})
	require.NoError(t, err)
	// Insert the contract directly so no setup is started for it.
	stored, err := h.store.LoadOrderByID(ctx, order.ID)
	require.NoError(t, err)
	require.NoError(t, h.store.InsertCfd(ctx, model.NewCfd(stored, decimal.NewFromInt(100), "taker", time.Now())))

	err = h.actor.StartContractSetup(ctx, "someone-else", order.ID)
	require.ErrorIs(t, err, model.ErrCounterpartyMismatch)
	cfd, err := h.store.LoadCfdByOrderID(ctx, order.ID)
	require.NoError(t, err)
	require.Equal(t, model.StateAccepted, cfd.State)
}

func TestTakerConnectedReceivesCurrentOrder(t *testing.T) {
	defer leaktest.Check(t)()
	h := startActor(t, 0)
	defer h.stop()
	ctx := context.Background()

	require.NoError(t, h.actor.TakerConnected(ctx, "early"))
	order, err := h.actor.PublishOrder(ctx, orderParams())
	require.NoError(t, err)
	require.NoError(t, h.actor.TakerConnected(ctx, "late"))

	require.Eventually(t, func() bool {
		h.takers.mu.Lock()
		defer h.takers.mu.Unlock()
		return len(h.takers.sent["late"]) == 1
	}, time.Second, 5*time.Millisecond)

	h.takers.mu.Lock()
	defer h.takers.mu.Unlock()
	require.Equal(t, []*model.Order{nil}, h.takers.sent["early"])
	require.Equal(t, order.ID, h.takers.sent["late"][0].ID)
}

func TestSyncWalletPublishesSnapshot(t *testing.T) {
	defer leaktest.Check(t)()
	h := startActor(t, 0)
	defer h.stop()

	require.NoError(t, h.actor.SyncWallet(context.Background()))
	select {
	case info := <-h.wallets.ch:
		require.Equal(t, btcutil.Amount(50_000), info.Balance)
	case <-time.After(time.Second):
		t.Fatal("wallet snapshot not published")
	}
}
