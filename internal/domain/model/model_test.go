package model

import (
	"errors"
	"testing"
	"time"

	"github.com/btcsuite/btcd/wire"
	"github.com/btcsuite/btcutil"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"github.com/coachpo/cfdmaker/errs"
)

func testOrder(t *testing.T, position Position) Order {
	t.Helper()
	order, err := NewOrder(OrderParams{
		Position:           position,
		Price:              decimal.NewFromInt(50_000),
		MinQuantity:        decimal.NewFromInt(100),
		MaxQuantity:        decimal.NewFromInt(10_000),
		Leverage:           2,
		SettlementInterval: 24 * time.Hour,
	}, time.Unix(1_700_000_000, 0))
	require.NoError(t, err)
	return order
}

func testTx(lockTime uint32) Transaction {
	tx := wire.NewMsgTx(2)
	tx.LockTime = lockTime
	return Transaction{tx}
}

func openCfd(t *testing.T, position Position) Cfd {
	t.Helper()
	cfd := NewCfd(testOrder(t, position), decimal.NewFromInt(1_000), "taker-1", time.Now())
	ev, err := cfd.StartContractSetup()
	require.NoError(t, err)
	cfd.Apply(ev)

	dlc := Dlc{
		Lock:              Lock{Tx: testTx(1), Descriptor: "lock"},
		Commit:            Commit{Tx: testTx(2)},
		SettlementEventID: NewBitMexPriceEventID(time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC), DefaultEventDigits),
		RefundTimelock:    100,
	}
	ev, err = cfd.CompleteContractSetup(dlc)
	require.NoError(t, err)
	cfd.Apply(ev)
	ev, err = cfd.ConfirmLock()
	require.NoError(t, err)
	cfd.Apply(ev)
	require.Equal(t, StateOpen, cfd.State)
	return cfd
}

func TestNewOrderValidation(t *testing.T) {
	_, err := NewOrder(OrderParams{Position: "sideways"}, time.Now())
	require.Error(t, err)

	_, err = NewOrder(OrderParams{
		Position:           PositionLong,
		Price:              decimal.NewFromInt(1),
		MinQuantity:        decimal.NewFromInt(10),
		MaxQuantity:        decimal.NewFromInt(5),
		SettlementInterval: time.Hour,
	}, time.Now())
	require.Error(t, err)

	order := testOrder(t, PositionShort)
	require.False(t, order.ID.IsZero())
	require.Equal(t, DefaultTradingPair, order.TradingPair)
}

func TestFeeAccountSettle(t *testing.T) {
	positive := FundingRate{decimal.RequireFromString("0.001")}
	negative := FundingRate{decimal.RequireFromString("-0.001")}

	long := NewFeeAccount(PositionLong, RoleMaker).AddFundingFee(FundingFee{Fee: 100, Rate: positive})
	require.Equal(t, CompleteFee{Kind: CompleteFeeLongPaysShort, Amount: 100}, long.Settle())

	short := NewFeeAccount(PositionShort, RoleMaker).AddFundingFee(FundingFee{Fee: 100, Rate: positive})
	require.Equal(t, CompleteFee{Kind: CompleteFeeLongPaysShort, Amount: 100}, short.Settle())

	short = short.AddFundingFee(FundingFee{Fee: 300, Rate: negative})
	require.Equal(t, CompleteFee{Kind: CompleteFeeShortPaysLong, Amount: 200}, short.Settle())

	require.Equal(t, CompleteFee{Kind: CompleteFeeNone}, NewFeeAccount(PositionLong, RoleMaker).Settle())
}

func TestCalculateFundingFee(t *testing.T) {
	rate := FundingRate{decimal.RequireFromString("0.0008")}
	// 1000 USD at 50000 = 0.02 BTC, 24h = 3 periods, 0.02 * 0.0008 * 3 = 0.000048 BTC.
	fee, err := CalculateFundingFee(decimal.NewFromInt(50_000), decimal.NewFromInt(1_000), rate, 24)
	require.NoError(t, err)
	require.Equal(t, btcutil.Amount(4_800), fee.Fee)

	_, err = CalculateFundingFee(decimal.Zero, decimal.NewFromInt(1), rate, 1)
	require.Error(t, err)

	_, err = NewFundingRate(decimal.NewFromInt(2))
	require.Error(t, err)
}

func TestNextSettlementEventRoundsUpToHour(t *testing.T) {
	from := NewBitMexPriceEventID(time.Date(2024, 3, 1, 12, 30, 0, 0, time.UTC), 20)
	next := NextSettlementEvent(from, 24*time.Hour)
	require.Equal(t, time.Date(2024, 3, 2, 13, 0, 0, 0, time.UTC), next.Timestamp)

	exact := NewBitMexPriceEventID(time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC), 20)
	require.Equal(t, time.Date(2024, 3, 2, 12, 0, 0, 0, time.UTC), NextSettlementEvent(exact, 24*time.Hour).Timestamp)
}

func TestBitMexPriceEventIDText(t *testing.T) {
	id, err := ParseBitMexPriceEventID("/x/BitMEX/BXBT/2021-09-23T10:00:00.price?n=20")
	require.NoError(t, err)
	require.Equal(t, 20, id.Digits)
	require.Equal(t, time.Date(2021, 9, 23, 10, 0, 0, 0, time.UTC), id.Timestamp)
	require.Equal(t, "/x/BitMEX/BXBT/2021-09-23T10:00:00.price?n=20", id.String())

	for _, bad := range []string{"", "/x/BitMEX/BXBT/2021-09-23T10:00:00.price", "/x/BitMEX/BXBT/nope.price?n=20", "/x/BitMEX/BXBT/2021-09-23T10:00:00.price?n=0"} {
		_, err := ParseBitMexPriceEventID(bad)
		require.Error(t, err, bad)
	}
}

func TestCfdMargin(t *testing.T) {
	cfd := NewCfd(testOrder(t, PositionShort), decimal.NewFromInt(1_000), "taker-1", time.Now())
	margin, err := cfd.Margin()
	require.NoError(t, err)
	require.Equal(t, btcutil.Amount(2_000_000), margin)
}

func TestContractSetupTransitions(t *testing.T) {
	cfd := NewCfd(testOrder(t, PositionLong), decimal.NewFromInt(500), "taker-1", time.Now())
	require.Equal(t, StateAccepted, cfd.State)

	_, err := cfd.CompleteContractSetup(Dlc{})
	require.True(t, errors.Is(err, ErrInvalidTransition))

	ev, err := cfd.StartContractSetup()
	require.NoError(t, err)
	cfd.Apply(ev)
	require.Equal(t, StateContractSetup, cfd.State)

	_, err = cfd.StartContractSetup()
	require.Error(t, err)

	cfd.Apply(cfd.FailContractSetup(errors.New("peer gone")))
	require.Equal(t, StateSetupFailed, cfd.State)
	require.Equal(t, 2, cfd.Version)
}

func TestVerifyCounterpartyPeerID(t *testing.T) {
	cfd := openCfd(t, PositionLong)
	require.NoError(t, cfd.VerifyCounterpartyPeerID("taker-1"))

	err := cfd.VerifyCounterpartyPeerID("mallory")
	require.ErrorIs(t, err, ErrCounterpartyMismatch)
	require.Equal(t, errs.CodeProtocol, errs.CodeOf(err))
}

func TestStartRolloverMakerRequiresOpenContract(t *testing.T) {
	cfd := NewCfd(testOrder(t, PositionLong), decimal.NewFromInt(500), "taker-1", time.Now())
	_, _, err := cfd.StartRolloverMaker(Txid{})
	require.ErrorIs(t, err, ErrRolloverNotEligible)
}

func TestStartRolloverMakerFromCurrentCommit(t *testing.T) {
	cfd := openCfd(t, PositionLong)

	ev, ctx, err := cfd.StartRolloverMaker(cfd.Dlc.CommitTxid())
	require.NoError(t, err)
	require.Equal(t, EventRolloverStarted, ev.Kind)
	require.Equal(t, cfd.Dlc.SettlementEventID, ctx.EventID)
	require.Equal(t, CompleteFeeNone, ctx.CompleteFee.Kind)

	cfd.Apply(ev)
	require.True(t, cfd.RolloverInProgress)

	_, _, err = cfd.StartRolloverMaker(testTx(99).Txid())
	require.ErrorIs(t, err, ErrUnknownCommit)
}

func TestStartRolloverMakerFromRevokedCommit(t *testing.T) {
	cfd := openCfd(t, PositionLong)
	old := testTx(7)
	oldEvent := NewBitMexPriceEventID(time.Date(2024, 2, 29, 12, 0, 0, 0, time.UTC), 20)
	fee := CompleteFee{Kind: CompleteFeeShortPaysLong, Amount: 42}
	cfd.Dlc.RevokedCommits = []RevokedCommit{{Txid: old.Txid(), SettlementEventID: oldEvent, CompleteFee: &fee}}

	_, ctx, err := cfd.StartRolloverMaker(old.Txid())
	require.NoError(t, err)
	require.Equal(t, ProposalContext{EventID: oldEvent, CompleteFee: fee}, ctx)
}

func TestAcceptRolloverProposalCarriesContext(t *testing.T) {
	cfd := openCfd(t, PositionShort)
	_, _, err := cfd.AcceptRolloverProposal(1, FundingRate{}, nil)
	require.ErrorIs(t, err, ErrRolloverNotEligible)

	ev, ctx, err := cfd.StartRolloverMaker(cfd.Dlc.CommitTxid())
	require.NoError(t, err)
	cfd.Apply(ev)

	rate := FundingRate{decimal.RequireFromString("0.0008")}
	ev, terms, err := cfd.AcceptRolloverProposal(3, rate, &ctx)
	require.NoError(t, err)
	require.Equal(t, EventRolloverAccepted, ev.Kind)
	require.Equal(t, PositionShort, terms.Position)
	require.Equal(t, NextSettlementEvent(ctx.EventID, 24*time.Hour), terms.OracleEventID)
	require.Equal(t, TxFeeRate(3), terms.Params.FeeRate)
	require.Equal(t, 2, terms.Params.LongLeverage)
	require.Equal(t, MakerLeverage, terms.Params.ShortLeverage)
	require.Equal(t, btcutil.Amount(4_800), terms.Params.FundingFee().Fee)
	// positive rate: long pays the short maker
	require.Equal(t, CompleteFee{Kind: CompleteFeeLongPaysShort, Amount: 4_800}, terms.Params.CompleteFee())
}

func TestRolloverCompletionAndFailureClearProgress(t *testing.T) {
	cfd := openCfd(t, PositionLong)
	ev, _, err := cfd.StartRolloverMaker(cfd.Dlc.CommitTxid())
	require.NoError(t, err)
	cfd.Apply(ev)

	cfd.Apply(cfd.FailRollover(errors.New("timeout")))
	require.False(t, cfd.RolloverInProgress)
	_, err = cfd.CompleteRollover(Dlc{}, FundingFee{}, CompleteFee{})
	require.ErrorIs(t, err, ErrInvalidTransition)

	ev, _, err = cfd.StartRolloverMaker(cfd.Dlc.CommitTxid())
	require.NoError(t, err)
	cfd.Apply(ev)

	next := *cfd.Dlc
	next.Commit = Commit{Tx: testTx(3)}
	fee := FundingFee{Fee: 10, Rate: FundingRate{decimal.RequireFromString("0.001")}}
	ev, err = cfd.CompleteRollover(next, fee, CompleteFee{Kind: CompleteFeeLongPaysShort, Amount: 10})
	require.NoError(t, err)
	cfd.Apply(ev)
	require.False(t, cfd.RolloverInProgress)
	require.Equal(t, next.CommitTxid(), cfd.Dlc.CommitTxid())
	require.Equal(t, btcutil.Amount(10), cfd.FeeAccount.Balance)
}

func TestDlcSuccessorRequiresOneNewRevokedCommit(t *testing.T) {
	cfd := openCfd(t, PositionLong)
	prev := *cfd.Dlc
	next := NegotiatedDlc{Commit: Commit{Tx: testTx(3)}, SettlementEventID: NextSettlementEvent(prev.SettlementEventID, time.Hour)}

	_, err := prev.Successor(next, nil)
	require.Error(t, err)

	_, err = prev.Successor(next, []RevokedCommit{{Txid: testTx(9).Txid()}})
	require.Error(t, err)

	dlc, err := prev.Successor(next, []RevokedCommit{{Txid: prev.CommitTxid()}})
	require.NoError(t, err)
	require.Len(t, dlc.RevokedCommits, 1)
	require.Equal(t, prev.Lock, dlc.Lock)
	require.Equal(t, prev.Identity, dlc.Identity)
	require.Equal(t, next.SettlementEventID, dlc.SettlementEventID)
}

func TestRevokingSuccessorCompletesAfterFailure(t *testing.T) {
	cfd := openCfd(t, PositionLong)
	ev, _, err := cfd.StartRolloverMaker(cfd.Dlc.CommitTxid())
	require.NoError(t, err)
	cfd.Apply(ev)
	cfd.Apply(cfd.FailRollover(errors.New("stray proposal")))
	require.False(t, cfd.RolloverInProgress)

	prev := *cfd.Dlc
	next, err := prev.Successor(NegotiatedDlc{Commit: Commit{Tx: testTx(4)}}, []RevokedCommit{{Txid: prev.CommitTxid()}})
	require.NoError(t, err)
	require.True(t, next.Supersedes(&prev))
	require.False(t, prev.Supersedes(&next))
	require.False(t, next.Supersedes(nil))

	ev, err = cfd.CompleteRollover(next, FundingFee{}, CompleteFee{})
	require.NoError(t, err)
	cfd.Apply(ev)
	require.Equal(t, next.CommitTxid(), cfd.Dlc.CommitTxid())
	require.Len(t, cfd.Dlc.RevokedCommits, 1)

	// Replaying the same successor no longer revokes the current commit.
	_, err = cfd.CompleteRollover(next, FundingFee{}, CompleteFee{})
	require.ErrorIs(t, err, ErrInvalidTransition)
}

func TestKeyTextEncoding(t *testing.T) {
	sk, pk, err := NewKeypair()
	require.NoError(t, err)

	text, err := sk.MarshalText()
	require.NoError(t, err)
	var decoded SecretKey
	require.NoError(t, decoded.UnmarshalText(text))
	require.True(t, decoded.Public().Equal(pk))

	parsed, err := ParsePublicKey(pk.String())
	require.NoError(t, err)
	require.True(t, parsed.Equal(pk))

	require.Error(t, decoded.UnmarshalText([]byte("abcd")))
}
