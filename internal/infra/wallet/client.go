// Package wallet talks to the wallet service that owns the maker's keys.
package wallet

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/btcsuite/btcutil"
	"github.com/cenkalti/backoff/v5"
	json "github.com/goccy/go-json"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"
	"golang.org/x/time/rate"

	"github.com/coachpo/cfdmaker/errs"
	"github.com/coachpo/cfdmaker/internal/domain/model"
	"github.com/coachpo/cfdmaker/internal/infra/telemetry"
)

const (
	defaultTimeout          = 10 * time.Second
	defaultBroadcastRetries = 4
	maxBroadcastInterval    = 10 * time.Second
)

// Config configures the wallet client.
type Config struct {
	BaseURL string
	Timeout time.Duration
	// MinSyncSpacing is the minimum time between two syncs that reach the
	// wallet service; syncs in between return the last snapshot.
	MinSyncSpacing time.Duration
	// BroadcastRetries bounds broadcast attempts after the first.
	BroadcastRetries int
}

// Client is an HTTP client for the wallet service.
type Client struct {
	client  *http.Client
	baseURL string
	retries int

	syncLimiter *rate.Limiter
	mu          sync.Mutex
	last        model.WalletInfo
	hasLast     bool

	calls metric.Int64Counter
}

// NewClient constructs a wallet client.
func NewClient(cfg Config) *Client {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	retries := cfg.BroadcastRetries
	if retries < 0 {
		retries = 0
	} else if retries == 0 {
		retries = defaultBroadcastRetries
	}
	limit := rate.Inf
	if cfg.MinSyncSpacing > 0 {
		limit = rate.Every(cfg.MinSyncSpacing)
	}
	client := new(http.Client)
	client.Timeout = timeout
	c := &Client{
		client:      client,
		baseURL:     strings.TrimRight(cfg.BaseURL, "/"),
		retries:     retries,
		syncLimiter: rate.NewLimiter(limit, 1),
	}
	meter := otel.Meter("wallet")
	c.calls, _ = meter.Int64Counter(telemetry.MetricCollaboratorCall,
		metric.WithDescription("Number of collaborator calls"),
		metric.WithUnit("{call}"))
	return c
}

type partyParamsRequest struct {
	Amount     btcutil.Amount  `json:"amount"`
	IdentityPk model.PublicKey `json:"identityPk"`
}

// BuildPartyParams asks the wallet to fund a lock of amount for identityPk.
func (c *Client) BuildPartyParams(ctx context.Context, amount btcutil.Amount, identityPk model.PublicKey) (model.PartyParams, error) {
	var params model.PartyParams
	err := c.post(ctx, "/party-params", partyParamsRequest{Amount: amount, IdentityPk: identityPk}, &params)
	c.record(ctx, "wallet.party_params", err)
	if err != nil {
		return model.PartyParams{}, err
	}
	return params, nil
}

// Sync refreshes balance and address. Calls closer together than the
// configured spacing return the previous snapshot.
func (c *Client) Sync(ctx context.Context) (model.WalletInfo, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.hasLast && !c.syncLimiter.Allow() {
		return c.last, nil
	}
	var info model.WalletInfo
	err := c.post(ctx, "/sync", struct{}{}, &info)
	c.record(ctx, "wallet.sync", err)
	if err != nil {
		return model.WalletInfo{}, err
	}
	if !c.hasLast {
		// The first sync consumed no token; spend one so the spacing applies.
		c.syncLimiter.Allow()
	}
	c.last = info
	c.hasLast = true
	return info, nil
}

type broadcastRequest struct {
	Tx model.Transaction `json:"tx"`
}

type broadcastResponse struct {
	Txid model.Txid `json:"txid"`
}

// TryBroadcastTransaction publishes tx, retrying transient failures with
// exponential backoff. Rejections by the wallet are not retried.
func (c *Client) TryBroadcastTransaction(ctx context.Context, tx model.Transaction) (model.Txid, error) {
	if tx.MsgTx == nil {
		return model.Txid{}, errs.New("wallet", errs.CodeInvalid, errs.WithMessage("transaction required"))
	}
	backoffCfg := backoff.NewExponentialBackOff()
	backoffCfg.InitialInterval = 200 * time.Millisecond
	backoffCfg.MaxInterval = maxBroadcastInterval

	var lastErr error
	for attempt := 0; attempt <= c.retries; attempt++ {
		var resp broadcastResponse
		err := c.post(ctx, "/broadcast", broadcastRequest{Tx: tx}, &resp)
		c.record(ctx, "wallet.broadcast", err)
		if err == nil {
			return resp.Txid, nil
		}
		lastErr = err
		if errs.CodeOf(err) != errs.CodeUnavailable {
			return model.Txid{}, err
		}

		sleep := backoffCfg.NextBackOff()
		if sleep == backoff.Stop {
			sleep = maxBroadcastInterval
		}
		select {
		case <-ctx.Done():
			return model.Txid{}, fmt.Errorf("broadcast %s: %w", tx.Txid(), ctx.Err())
		case <-time.After(sleep):
		}
	}
	return model.Txid{}, fmt.Errorf("broadcast %s: %w", tx.Txid(), lastErr)
}

func (c *Client) post(ctx context.Context, path string, body any, out any) error {
	payload, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("encode %s request: %w", path, err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := c.client.Do(req)
	if err != nil {
		return errs.New("wallet", errs.CodeUnavailable, errs.WithMessage(path), errs.WithCause(err))
	}
	defer func() {
		_ = resp.Body.Close()
	}()
	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return errs.New("wallet", errs.CodeUnavailable, errs.WithMessage(path+" read"), errs.WithCause(err))
	}
	switch {
	case resp.StatusCode >= 500:
		return errs.New("wallet", errs.CodeUnavailable,
			errs.WithMessage(fmt.Sprintf("%s status %d", path, resp.StatusCode)), errs.WithField("body", string(raw)))
	case resp.StatusCode < 200 || resp.StatusCode >= 300:
		return errs.New("wallet", errs.CodeInvalid,
			errs.WithMessage(fmt.Sprintf("%s status %d", path, resp.StatusCode)), errs.WithField("body", string(raw)))
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return errs.New("wallet", errs.CodeProtocol, errs.WithMessage("decode "+path), errs.WithCause(err))
	}
	return nil
}

func (c *Client) record(ctx context.Context, operation string, err error) {
	if c.calls == nil {
		return
	}
	result := "success"
	if err != nil {
		result = "error"
	}
	c.calls.Add(ctx, 1, metric.WithAttributes(telemetry.OperationResultAttributes(operation, result)...))
}
