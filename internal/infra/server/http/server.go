// Package httpserver exposes the maker's control API: publishing orders,
// deciding rollovers and reading the maker's feeds.
package httpserver

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sort"
	"strings"
	"time"

	json "github.com/goccy/go-json"
	"github.com/shopspring/decimal"

	"github.com/coachpo/cfdmaker/errs"
	"github.com/coachpo/cfdmaker/internal/app/rollover"
	"github.com/coachpo/cfdmaker/internal/domain/model"
	"github.com/coachpo/cfdmaker/internal/infra/bus/feed"
	"github.com/coachpo/cfdmaker/internal/observability"
)

const (
	maxJSONBodyBytes int64 = 1 << 20 // 1 MiB

	ordersPath        = "/orders"
	currentOrderPath  = "/orders/current"
	cfdsPath          = "/cfds"
	cfdDetailPrefix   = cfdsPath + "/"
	rolloverPrefix    = "/rollovers/"
	walletPath        = "/wallet"
	walletSyncPath    = "/wallet/sync"
	feedPath          = "/feed"
	defaultSettlement = 24 * time.Hour
)

// Maker is the part of the maker actor the API drives.
type Maker interface {
	PublishOrder(ctx context.Context, params model.OrderParams) (model.Order, error)
	ConfirmLock(ctx context.Context, id model.OrderID) error
	SyncWallet(ctx context.Context) error
}

// Rollovers decides pending rollover proposals.
type Rollovers interface {
	Accept(ctx context.Context, params rollover.AcceptParams) error
	Reject(ctx context.Context, id model.OrderID) error
}

type handlerFunc func(http.ResponseWriter, *http.Request)

type httpServer struct {
	maker     Maker
	rollovers Rollovers
	feeds     *feed.Feeds
	logger    observability.Logger
}

type orderPayload struct {
	TradingPair        string          `json:"tradingPair"`
	Position           model.Position  `json:"position"`
	Price              decimal.Decimal `json:"price"`
	MinQuantity        decimal.Decimal `json:"minQuantity"`
	MaxQuantity        decimal.Decimal `json:"maxQuantity"`
	Leverage           int             `json:"leverage"`
	SettlementInterval string          `json:"settlementInterval"`
	FundingRate        decimal.Decimal `json:"fundingRate"`
	TxFeeRate          uint32          `json:"txFeeRate"`
}

type acceptPayload struct {
	TxFeeRate        uint32          `json:"txFeeRate"`
	LongFundingRate  decimal.Decimal `json:"longFundingRate"`
	ShortFundingRate decimal.Decimal `json:"shortFundingRate"`
}

// NewHandler creates the control API handler.
func NewHandler(maker Maker, rollovers Rollovers, feeds *feed.Feeds, logger observability.Logger) http.Handler {
	if logger == nil {
		logger = observability.Log()
	}
	if feeds == nil {
		feeds = feed.NewFeeds()
	}
	server := &httpServer{maker: maker, rollovers: rollovers, feeds: feeds, logger: logger}
	mux := http.NewServeMux()

	mux.Handle(ordersPath, server.methodHandlers(map[string]handlerFunc{
		http.MethodPost: server.publishOrder,
	}))
	mux.Handle(currentOrderPath, server.methodHandlers(map[string]handlerFunc{
		http.MethodGet: server.currentOrder,
	}))
	mux.Handle(cfdsPath, server.methodHandlers(map[string]handlerFunc{
		http.MethodGet: server.listCfds,
	}))
	mux.Handle(cfdDetailPrefix, http.HandlerFunc(server.handleCfd))
	mux.Handle(rolloverPrefix, http.HandlerFunc(server.handleRollover))
	mux.Handle(walletPath, server.methodHandlers(map[string]handlerFunc{
		http.MethodGet: server.wallet,
	}))
	mux.Handle(walletSyncPath, server.methodHandlers(map[string]handlerFunc{
		http.MethodPost: server.syncWallet,
	}))
	mux.Handle(feedPath, server.methodHandlers(map[string]handlerFunc{
		http.MethodGet: server.streamFeed,
	}))

	return withCORS(mux)
}

func (s *httpServer) methodHandlers(handlers map[string]handlerFunc) http.Handler {
	allowed := allowedMethods(handlers)
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if handler, ok := handlers[r.Method]; ok {
			handler(w, r)
			return
		}
		methodNotAllowed(w, allowed...)
	})
}

func allowedMethods(handlers map[string]handlerFunc) []string {
	if len(handlers) == 0 {
		return nil
	}
	allowed := make([]string, 0, len(handlers))
	for method := range handlers {
		allowed = append(allowed, method)
	}
	sort.Strings(allowed)
	return allowed
}

func (s *httpServer) publishOrder(w http.ResponseWriter, r *http.Request) {
	limitRequestBody(w, r)
	var payload orderPayload
	if err := decodeJSON(r, &payload); err != nil {
		writeDecodeError(w, err)
		return
	}
	params, err := payload.params()
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	order, err := s.maker.PublishOrder(r.Context(), params)
	if err != nil {
		s.writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, order)
}

func (p orderPayload) params() (model.OrderParams, error) {
	interval := defaultSettlement
	if strings.TrimSpace(p.SettlementInterval) != "" {
		parsed, err := time.ParseDuration(p.SettlementInterval)
		if err != nil {
			return model.OrderParams{}, fmt.Errorf("settlementInterval: %w", err)
		}
		interval = parsed
	}
	rate, err := model.NewFundingRate(p.FundingRate)
	if err != nil {
		return model.OrderParams{}, err
	}
	return model.OrderParams{
		TradingPair:        p.TradingPair,
		Position:           model.Position(strings.ToLower(strings.TrimSpace(string(p.Position)))),
		Price:              p.Price,
		MinQuantity:        p.MinQuantity,
		MaxQuantity:        p.MaxQuantity,
		Leverage:           p.Leverage,
		SettlementInterval: interval,
		FundingRate:        rate,
		TxFeeRate:          model.TxFeeRate(p.TxFeeRate),
	}, nil
}

func (s *httpServer) currentOrder(w http.ResponseWriter, _ *http.Request) {
	order, _ := s.feeds.Order.Latest()
	writeJSON(w, http.StatusOK, map[string]any{"order": order})
}

func (s *httpServer) listCfds(w http.ResponseWriter, _ *http.Request) {
	cfds, ok := s.feeds.Cfds.Latest()
	if !ok || cfds == nil {
		cfds = []model.Cfd{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"cfds": cfds})
}

func (s *httpServer) wallet(w http.ResponseWriter, _ *http.Request) {
	info, ok := s.feeds.Wallet.Latest()
	if !ok {
		writeError(w, http.StatusServiceUnavailable, "wallet not synced yet")
		return
	}
	writeJSON(w, http.StatusOK, info)
}

func (s *httpServer) syncWallet(w http.ResponseWriter, r *http.Request) {
	if err := s.maker.SyncWallet(r.Context()); err != nil {
		s.writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"status": "sync requested"})
}

func (s *httpServer) handleCfd(w http.ResponseWriter, r *http.Request) {
	id, action, ok := resourceAction(w, r, cfdDetailPrefix)
	if !ok {
		return
	}
	if action != "confirm-lock" {
		writeError(w, http.StatusNotFound, "unsupported action")
		return
	}
	if err := s.maker.ConfirmLock(r.Context(), id); err != nil {
		s.writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "lock confirmed", "id": id.String()})
}

func (s *httpServer) handleRollover(w http.ResponseWriter, r *http.Request) {
	id, action, ok := resourceAction(w, r, rolloverPrefix)
	if !ok {
		return
	}
	switch action {
	case "accept":
		limitRequestBody(w, r)
		var payload acceptPayload
		if err := decodeJSON(r, &payload); err != nil {
			writeDecodeError(w, err)
			return
		}
		long, err := model.NewFundingRate(payload.LongFundingRate)
		if err != nil {
			writeError(w, http.StatusBadRequest, "longFundingRate: "+err.Error())
			return
		}
		short, err := model.NewFundingRate(payload.ShortFundingRate)
		if err != nil {
			writeError(w, http.StatusBadRequest, "shortFundingRate: "+err.Error())
			return
		}
		feeRate := model.TxFeeRate(payload.TxFeeRate)
		if feeRate == 0 {
			feeRate = model.DefaultTxFeeRate
		}
		if err := s.rollovers.Accept(r.Context(), rollover.AcceptParams{
			OrderID:          id,
			TxFeeRate:        feeRate,
			LongFundingRate:  long,
			ShortFundingRate: short,
		}); err != nil {
			s.writeDomainError(w, err)
			return
		}
		writeJSON(w, http.StatusAccepted, map[string]string{"status": "accepted", "id": id.String()})
	case "reject":
		if err := s.rollovers.Reject(r.Context(), id); err != nil {
			s.writeDomainError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{"status": "rejected", "id": id.String()})
	default:
		writeError(w, http.StatusNotFound, "unsupported action")
	}
}

// resourceAction parses /prefix/{id}/{action} for POST requests.
func resourceAction(w http.ResponseWriter, r *http.Request, prefix string) (model.OrderID, string, bool) {
	rest := strings.Trim(strings.TrimPrefix(r.URL.Path, prefix), "/")
	rawID, action, hasAction := strings.Cut(rest, "/")
	if strings.TrimSpace(rawID) == "" || !hasAction {
		writeError(w, http.StatusNotFound, "order id and action required")
		return model.OrderID{}, "", false
	}
	if r.Method != http.MethodPost {
		methodNotAllowed(w, http.MethodPost)
		return model.OrderID{}, "", false
	}
	id, err := model.ParseOrderID(strings.TrimSpace(rawID))
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return model.OrderID{}, "", false
	}
	return id, strings.TrimSpace(action), true
}

// streamFeed writes every feed as server-sent events until the client leaves.
func (s *httpServer) streamFeed(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, "streaming unsupported")
		return
	}
	ctx := r.Context()
	_, cfds := s.feeds.Cfds.Subscribe(ctx)
	_, orders := s.feeds.Order.Subscribe(ctx)
	_, wallets := s.feeds.Wallet.Subscribe(ctx)

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	for {
		var (
			event string
			value any
			open  bool
		)
		select {
		case <-ctx.Done():
			return
		case value, open = <-cfds:
			event = feed.NameCfds
		case value, open = <-orders:
			event = feed.NameOrder
		case value, open = <-wallets:
			event = feed.NameWallet
		}
		if !open {
			return
		}
		if err := writeEvent(w, event, value); err != nil {
			s.logger.Debug("feed client gone", observability.Err(err))
			return
		}
		flusher.Flush()
	}
}

func writeEvent(w http.ResponseWriter, event string, value any) error {
	data, err := json.Marshal(value)
	if err != nil {
		return err
	}
	_, err = fmt.Fprintf(w, "event: %s\ndata: %s\n\n", event, data)
	return err
}

func (s *httpServer) writeDomainError(w http.ResponseWriter, err error) {
	status := statusFor(err)
	if status >= http.StatusInternalServerError {
		s.logger.Warn("control request failed", observability.Err(err))
	}
	writeError(w, status, err.Error())
}

func statusFor(err error) int {
	switch errs.CodeOf(err) {
	case errs.CodeInvalid:
		return http.StatusBadRequest
	case errs.CodeNotFound:
		return http.StatusNotFound
	case errs.CodeConflict:
		return http.StatusConflict
	case errs.CodeUnavailable:
		return http.StatusServiceUnavailable
	case errs.CodeNetwork, errs.CodeProtocol:
		return http.StatusBadGateway
	case errs.CodeTimeout:
		return http.StatusGatewayTimeout
	case errs.CodeNotSupported:
		return http.StatusNotImplemented
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return http.StatusGatewayTimeout
	}
	return http.StatusInternalServerError
}

func decodeJSON(r *http.Request, dst any) error {
	defer func() {
		_ = r.Body.Close()
	}()
	decoder := json.NewDecoder(r.Body)
	decoder.DisallowUnknownFields()
	if err := decoder.Decode(dst); err != nil {
		return fmt.Errorf("decode payload: %w", err)
	}
	return nil
}

func limitRequestBody(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, maxJSONBodyBytes)
}

func writeDecodeError(w http.ResponseWriter, err error) {
	if isRequestTooLarge(err) {
		writeError(w, http.StatusRequestEntityTooLarge, "request body too large")
		return
	}
	writeError(w, http.StatusBadRequest, err.Error())
}

func isRequestTooLarge(err error) bool {
	var maxBytesErr *http.MaxBytesError
	return errors.As(err, &maxBytesErr)
}

func methodNotAllowed(w http.ResponseWriter, allowed ...string) {
	if len(allowed) > 0 {
		w.Header().Set("Allow", strings.Join(allowed, ", "))
	}
	writeError(w, http.StatusMethodNotAllowed, "method not allowed")
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"status": "error", "error": message})
}

func withCORS(handler http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		handler.ServeHTTP(w, r)
	})
}
