package wallet

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/btcsuite/btcd/wire"
	"github.com/btcsuite/btcutil"
	json "github.com/goccy/go-json"
	"github.com/stretchr/testify/require"

	"github.com/coachpo/cfdmaker/errs"
	"github.com/coachpo/cfdmaker/internal/domain/model"
)

func testTx() model.Transaction {
	tx := wire.NewMsgTx(2)
	tx.LockTime = 7
	return model.Transaction{MsgTx: tx}
}

func TestBuildPartyParams(t *testing.T) {
	_, pk, err := model.NewKeypair()
	require.NoError(t, err)

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/party-params", r.URL.Path)
		var req partyParamsRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		_ = json.NewEncoder(w).Encode(model.PartyParams{
			IdentityPk: req.IdentityPk,
			LockAmount: req.Amount,
			Address:    "bcrt1qmaker",
		})
	}))
	defer srv.Close()

	client := NewClient(Config{BaseURL: srv.URL})
	params, err := client.BuildPartyParams(context.Background(), btcutil.Amount(2_000_000), pk)
	require.NoError(t, err)
	require.Equal(t, btcutil.Amount(2_000_000), params.LockAmount)
	require.True(t, params.IdentityPk.Equal(pk))
	require.Equal(t, "bcrt1qmaker", params.Address)
}

func TestSyncIsThrottled(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		n := hits.Add(1)
		_ = json.NewEncoder(w).Encode(model.WalletInfo{Balance: btcutil.Amount(n), Address: "bcrt1q"})
	}))
	defer srv.Close()

	client := NewClient(Config{BaseURL: srv.URL, MinSyncSpacing: time.Hour})
	first, err := client.Sync(context.Background())
	require.NoError(t, err)
	second, err := client.Sync(context.Background())
	require.NoError(t, err)
	require.Equal(t, first, second)
	require.Equal(t, int32(1), hits.Load())
}

func TestSyncWithoutSpacingAlwaysCalls(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		hits.Add(1)
		_ = json.NewEncoder(w).Encode(model.WalletInfo{})
	}))
	defer srv.Close()

	client := NewClient(Config{BaseURL: srv.URL})
	for i := 0; i < 3; i++ {
		_, err := client.Sync(context.Background())
		require.NoError(t, err)
	}
	require.Equal(t, int32(3), hits.Load())
}

func TestBroadcastRetriesTransientFailures(t *testing.T) {
	tx := testTx()
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		if hits.Add(1) < 3 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		_ = json.NewEncoder(w).Encode(broadcastResponse{Txid: tx.Txid()})
	}))
	defer srv.Close()

	client := NewClient(Config{BaseURL: srv.URL, BroadcastRetries: 3})
	txid, err := client.TryBroadcastTransaction(context.Background(), tx)
	require.NoError(t, err)
	require.Equal(t, tx.Txid(), txid)
	require.Equal(t, int32(3), hits.Load())
}

func TestBroadcastDoesNotRetryRejection(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		hits.Add(1)
		http.Error(w, "bad-txns-inputs-missingorspent", http.StatusBadRequest)
	}))
	defer srv.Close()

	client := NewClient(Config{BaseURL: srv.URL})
	_, err := client.TryBroadcastTransaction(context.Background(), testTx())
	require.Error(t, err)
	require.Equal(t, errs.CodeInvalid, errs.CodeOf(err))
	require.Equal(t, int32(1), hits.Load())
}

func TestBroadcastRequiresTransaction(t *testing.T) {
	client := NewClient(Config{BaseURL: "http://127.0.0.1:1"})
	_, err := client.TryBroadcastTransaction(context.Background(), model.Transaction{})
	require.Equal(t, errs.CodeInvalid, errs.CodeOf(err))
}
