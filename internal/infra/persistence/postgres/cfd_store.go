package postgres

import (
	"context"
	"errors"
	"fmt"

	json "github.com/goccy/go-json"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/coachpo/cfdmaker/internal/domain/cfdstore"
	"github.com/coachpo/cfdmaker/internal/domain/model"
)

// CfdStore persists orders, contracts and their event logs.
type CfdStore struct {
	pool *pgxpool.Pool
}

var _ cfdstore.Store = (*CfdStore)(nil)

// NewCfdStore constructs a CfdStore backed by the provided pool.
func NewCfdStore(pool *pgxpool.Pool) *CfdStore {
	return &CfdStore{pool: pool}
}

const (
	orderInsertSQL = `
INSERT INTO orders (id, position, price, payload, created_at)
VALUES (@id, @position, @price::numeric, @payload::jsonb, @created_at)
ON CONFLICT (id) DO NOTHING;
`

	orderSelectSQL = `
SELECT payload FROM orders WHERE id = @id;
`

	cfdInsertSQL = `
INSERT INTO cfds (id, counterparty, quantity, payload, created_at)
VALUES (@id, @counterparty, @quantity::numeric, @payload::jsonb, @created_at);
`

	cfdSelectSQL = `
SELECT payload FROM cfds WHERE id = @id;
`

	cfdSelectForUpdateSQL = `
SELECT payload FROM cfds WHERE id = @id FOR UPDATE;
`

	cfdSelectAllSQL = `
SELECT id::text, payload FROM cfds ORDER BY created_at ASC, id ASC;
`

	eventInsertSQL = `
INSERT INTO cfd_events (cfd_id, kind, payload, created_at)
VALUES (@cfd_id, @kind, @payload::jsonb, @created_at);
`

	eventSelectSQL = `
SELECT payload FROM cfd_events WHERE cfd_id = @cfd_id ORDER BY seq ASC;
`
)

type querier interface {
	Exec(ctx context.Context, sql string, arguments ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

type cfdTx struct {
	tx    pgx.Tx
	store *CfdStore
}

func (s *CfdStore) ensurePool() (*pgxpool.Pool, error) {
	if s.pool == nil {
		return nil, fmt.Errorf("cfd store: nil pool")
	}
	return s.pool, nil
}

// InsertOrder stores a new order. Re-inserting the same id is a no-op.
func (s *CfdStore) InsertOrder(ctx context.Context, order model.Order) error {
	pool, err := s.ensurePool()
	if err != nil {
		return err
	}
	if order.ID.IsZero() {
		return fmt.Errorf("cfd store: order id required")
	}
	payload, err := json.Marshal(order)
	if err != nil {
		return fmt.Errorf("cfd store: encode order: %w", err)
	}
	args := pgx.NamedArgs{
		"id":         order.ID.String(),
		"position":   string(order.Position),
		"price":      order.Price.String(),
		"payload":    string(payload),
		"created_at": order.CreatedAt,
	}
	if _, err := pool.Exec(ctx, orderInsertSQL, args); err != nil {
		return fmt.Errorf("cfd store: insert order: %w", err)
	}
	return nil
}

// LoadOrderByID returns the stored order or cfdstore.ErrNotFound.
func (s *CfdStore) LoadOrderByID(ctx context.Context, id model.OrderID) (model.Order, error) {
	pool, err := s.ensurePool()
	if err != nil {
		return model.Order{}, err
	}
	var payload []byte
	if err := pool.QueryRow(ctx, orderSelectSQL, pgx.NamedArgs{"id": id.String()}).Scan(&payload); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return model.Order{}, fmt.Errorf("cfd store: order %s: %w", id, cfdstore.ErrNotFound)
		}
		return model.Order{}, fmt.Errorf("cfd store: load order: %w", err)
	}
	var order model.Order
	if err := json.Unmarshal(payload, &order); err != nil {
		return model.Order{}, fmt.Errorf("cfd store: decode order %s: %w", id, err)
	}
	return order, nil
}

// InsertCfd stores the contract row a contract's events are replayed onto.
func (s *CfdStore) InsertCfd(ctx context.Context, cfd model.Cfd) error {
	pool, err := s.ensurePool()
	if err != nil {
		return err
	}
	payload, err := json.Marshal(cfd)
	if err != nil {
		return fmt.Errorf("cfd store: encode cfd: %w", err)
	}
	args := pgx.NamedArgs{
		"id":           cfd.ID.String(),
		"counterparty": cfd.Counterparty.String(),
		"quantity":     cfd.Quantity.String(),
		"payload":      string(payload),
		"created_at":   cfd.CreatedAt,
	}
	if _, err := pool.Exec(ctx, cfdInsertSQL, args); err != nil {
		return fmt.Errorf("cfd store: insert cfd: %w", err)
	}
	return nil
}

// LoadCfdByOrderID returns the contract with its events applied.
func (s *CfdStore) LoadCfdByOrderID(ctx context.Context, id model.OrderID) (model.Cfd, error) {
	pool, err := s.ensurePool()
	if err != nil {
		return model.Cfd{}, err
	}
	return s.loadCfdWith(ctx, pool, cfdSelectSQL, id)
}

// LoadAllCfds returns every contract in creation order.
func (s *CfdStore) LoadAllCfds(ctx context.Context) ([]model.Cfd, error) {
	pool, err := s.ensurePool()
	if err != nil {
		return nil, err
	}
	rows, err := pool.Query(ctx, cfdSelectAllSQL)
	if err != nil {
		return nil, fmt.Errorf("cfd store: list cfds: %w", err)
	}
	type row struct {
		id      string
		payload []byte
	}
	var base []row
	for rows.Next() {
		var r row
		if err := rows.Scan(&r.id, &r.payload); err != nil {
			rows.Close()
			return nil, fmt.Errorf("cfd store: scan cfd: %w", err)
		}
		base = append(base, r)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("cfd store: list cfds: %w", err)
	}

	cfds := make([]model.Cfd, 0, len(base))
	for _, r := range base {
		var cfd model.Cfd
		if err := json.Unmarshal(r.payload, &cfd); err != nil {
			return nil, fmt.Errorf("cfd store: decode cfd %s: %w", r.id, err)
		}
		if err := s.replay(ctx, pool, &cfd); err != nil {
			return nil, err
		}
		cfds = append(cfds, cfd)
	}
	return cfds, nil
}

// WithTransaction executes the supplied callback within a database transaction.
func (s *CfdStore) WithTransaction(ctx context.Context, fn func(context.Context, cfdstore.Tx) error) error {
	if fn == nil {
		return fmt.Errorf("cfd store: transaction callback required")
	}
	pool, err := s.ensurePool()
	if err != nil {
		return err
	}

	var txOptions pgx.TxOptions
	txOptions.IsoLevel = pgx.ReadCommitted
	txOptions.AccessMode = pgx.ReadWrite
	txOptions.DeferrableMode = pgx.NotDeferrable

	tx, err := pool.BeginTx(ctx, txOptions)
	if err != nil {
		return fmt.Errorf("cfd store: begin tx: %w", err)
	}
	wrapped := &cfdTx{tx: tx, store: s}
	runErr := fn(ctx, wrapped)
	if runErr != nil {
		if rbErr := tx.Rollback(ctx); rbErr != nil && !errors.Is(rbErr, pgx.ErrTxClosed) {
			return fmt.Errorf("cfd store: rollback tx: %w (original error: %v)", rbErr, runErr)
		}
		return runErr
	}
	if err := tx.Commit(ctx); err != nil && !errors.Is(err, pgx.ErrTxClosed) {
		return fmt.Errorf("cfd store: commit tx: %w", err)
	}
	return nil
}

// LoadCfdForUpdate locks the contract row for the rest of the transaction.
func (t *cfdTx) LoadCfdForUpdate(ctx context.Context, id model.OrderID) (model.Cfd, error) {
	return t.store.loadCfdWith(ctx, t.tx, cfdSelectForUpdateSQL, id)
}

// AppendEvent records ev in the contract's event log.
func (t *cfdTx) AppendEvent(ctx context.Context, ev model.CfdEvent) error {
	payload, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("cfd store: encode event: %w", err)
	}
	args := pgx.NamedArgs{
		"cfd_id":     ev.OrderID.String(),
		"kind":       string(ev.Kind),
		"payload":    string(payload),
		"created_at": ev.Timestamp,
	}
	if _, err := t.tx.Exec(ctx, eventInsertSQL, args); err != nil {
		return fmt.Errorf("cfd store: append event: %w", err)
	}
	return nil
}

func (s *CfdStore) loadCfdWith(ctx context.Context, q querier, query string, id model.OrderID) (model.Cfd, error) {
	var payload []byte
	if err := q.QueryRow(ctx, query, pgx.NamedArgs{"id": id.String()}).Scan(&payload); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return model.Cfd{}, fmt.Errorf("cfd store: cfd %s: %w", id, cfdstore.ErrNotFound)
		}
		return model.Cfd{}, fmt.Errorf("cfd store: load cfd: %w", err)
	}
	var cfd model.Cfd
	if err := json.Unmarshal(payload, &cfd); err != nil {
		return model.Cfd{}, fmt.Errorf("cfd store: decode cfd %s: %w", id, err)
	}
	if err := s.replay(ctx, q, &cfd); err != nil {
		return model.Cfd{}, err
	}
	return cfd, nil
}

func (s *CfdStore) replay(ctx context.Context, q querier, cfd *model.Cfd) error {
	rows, err := q.Query(ctx, eventSelectSQL, pgx.NamedArgs{"cfd_id": cfd.ID.String()})
	if err != nil {
		return fmt.Errorf("cfd store: load events: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var payload []byte
		if err := rows.Scan(&payload); err != nil {
			return fmt.Errorf("cfd store: scan event: %w", err)
		}
		var ev model.CfdEvent
		if err := json.Unmarshal(payload, &ev); err != nil {
			return fmt.Errorf("cfd store: decode event for %s: %w", cfd.ID, err)
		}
		cfd.Apply(ev)
	}
	if err := rows.Err(); err != nil {
		return fmt.Errorf("cfd store: load events: %w", err)
	}
	return nil
}
