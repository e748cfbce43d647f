// Package oracle fetches price event announcements from the oracle service.
package oracle

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	json "github.com/goccy/go-json"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"

	"github.com/coachpo/cfdmaker/errs"
	"github.com/coachpo/cfdmaker/internal/domain/model"
	"github.com/coachpo/cfdmaker/internal/infra/telemetry"
)

// ErrNoAnnouncement is returned when the oracle does not know a requested event.
var ErrNoAnnouncement = errs.New("oracle", errs.CodeNotFound, errs.WithMessage("no announcement"))

const defaultTimeout = 10 * time.Second

// Client fetches announcements over HTTP and caches them. Announcements are
// immutable once published so cached entries never expire.
type Client struct {
	client  *http.Client
	baseURL string

	mu    sync.RWMutex
	cache map[model.BitMexPriceEventID]model.Announcement

	calls metric.Int64Counter
}

// NewClient constructs a client for the oracle at baseURL.
func NewClient(baseURL string, timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	client := new(http.Client)
	client.Timeout = timeout
	c := &Client{
		client:  client,
		baseURL: strings.TrimRight(baseURL, "/"),
		cache:   make(map[model.BitMexPriceEventID]model.Announcement),
	}
	meter := otel.Meter("oracle")
	c.calls, _ = meter.Int64Counter(telemetry.MetricCollaboratorCall,
		metric.WithDescription("Number of collaborator calls"),
		metric.WithUnit("{call}"))
	return c
}

// GetAnnouncements returns one announcement per id, in the order requested.
// It fails with ErrNoAnnouncement if any id is unknown to the oracle.
func (c *Client) GetAnnouncements(ctx context.Context, ids []model.BitMexPriceEventID) ([]model.Announcement, error) {
	out := make([]model.Announcement, 0, len(ids))
	for _, id := range ids {
		ann, err := c.announcement(ctx, id)
		if err != nil {
			return nil, err
		}
		out = append(out, ann)
	}
	return out, nil
}

func (c *Client) announcement(ctx context.Context, id model.BitMexPriceEventID) (model.Announcement, error) {
	c.mu.RLock()
	cached, ok := c.cache[id]
	c.mu.RUnlock()
	if ok {
		return cached, nil
	}

	ann, err := c.fetch(ctx, id)
	c.record(ctx, err)
	if err != nil {
		return model.Announcement{}, err
	}

	c.mu.Lock()
	c.cache[id] = ann
	c.mu.Unlock()
	return ann, nil
}

func (c *Client) fetch(ctx context.Context, id model.BitMexPriceEventID) (model.Announcement, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+id.String(), nil)
	if err != nil {
		return model.Announcement{}, fmt.Errorf("create request: %w", err)
	}
	resp, err := c.client.Do(req)
	if err != nil {
		return model.Announcement{}, errs.New("oracle", errs.CodeUnavailable, errs.WithMessage("fetch announcement"), errs.WithCause(err))
	}
	defer func() {
		_ = resp.Body.Close()
	}()
	if resp.StatusCode == http.StatusNotFound {
		return model.Announcement{}, fmt.Errorf("announcement %s: %w", id, ErrNoAnnouncement)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return model.Announcement{}, errs.New("oracle", errs.CodeUnavailable, errs.WithMessage(fmt.Sprintf("announcement status %d", resp.StatusCode)))
	}
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return model.Announcement{}, fmt.Errorf("announcement read: %w", err)
	}
	var ann model.Announcement
	if err := json.Unmarshal(body, &ann); err != nil {
		return model.Announcement{}, errs.New("oracle", errs.CodeProtocol, errs.WithMessage("decode announcement"), errs.WithCause(err))
	}
	if ann.ID.String() != id.String() {
		return model.Announcement{}, errs.New("oracle", errs.CodeProtocol,
			errs.WithMessage("announcement id mismatch"), errs.WithField("requested", id.String()), errs.WithField("received", ann.ID.String()))
	}
	return ann, nil
}

func (c *Client) record(ctx context.Context, err error) {
	if c.calls == nil {
		return
	}
	result := "success"
	if err != nil {
		result = "error"
	}
	c.calls.Add(ctx, 1, metric.WithAttributes(telemetry.OperationResultAttributes("oracle.announcement", result)...))
}
