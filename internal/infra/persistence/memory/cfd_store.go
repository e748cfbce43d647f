// Package memory provides an in-process contract store for tests and single-node runs.
package memory

import (
	"context"
	"fmt"
	"sync"

	json "github.com/goccy/go-json"

	"github.com/coachpo/cfdmaker/internal/domain/cfdstore"
	"github.com/coachpo/cfdmaker/internal/domain/model"
)

// CfdStore keeps orders and contract event logs in memory. Rows are stored
// encoded so callers never share mutable state with the store.
type CfdStore struct {
	mu     sync.Mutex
	txMu   sync.Mutex
	orders map[model.OrderID][]byte
	cfds   map[model.OrderID][]byte
	events map[model.OrderID][][]byte
	order  []model.OrderID
}

var _ cfdstore.Store = (*CfdStore)(nil)

// NewCfdStore constructs an empty store.
func NewCfdStore() *CfdStore {
	return &CfdStore{
		orders: make(map[model.OrderID][]byte),
		cfds:   make(map[model.OrderID][]byte),
		events: make(map[model.OrderID][][]byte),
	}
}

func (s *CfdStore) InsertOrder(_ context.Context, order model.Order) error {
	if order.ID.IsZero() {
		return fmt.Errorf("cfd store: order id required")
	}
	raw, err := json.Marshal(order)
	if err != nil {
		return fmt.Errorf("cfd store: encode order: %w", err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.orders[order.ID]; !exists {
		s.orders[order.ID] = raw
	}
	return nil
}

func (s *CfdStore) LoadOrderByID(_ context.Context, id model.OrderID) (model.Order, error) {
	s.mu.Lock()
	raw, ok := s.orders[id]
	s.mu.Unlock()
	if !ok {
		return model.Order{}, fmt.Errorf("cfd store: order %s: %w", id, cfdstore.ErrNotFound)
	}
	var order model.Order
	if err := json.Unmarshal(raw, &order); err != nil {
		return model.Order{}, fmt.Errorf("cfd store: decode order %s: %w", id, err)
	}
	return order, nil
}

func (s *CfdStore) InsertCfd(_ context.Context, cfd model.Cfd) error {
	raw, err := json.Marshal(cfd)
	if err != nil {
		return fmt.Errorf("cfd store: encode cfd: %w", err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.orders[cfd.ID]; !ok {
		return fmt.Errorf("cfd store: order %s: %w", cfd.ID, cfdstore.ErrNotFound)
	}
	if _, exists := s.cfds[cfd.ID]; exists {
		return fmt.Errorf("cfd store: cfd %s already exists", cfd.ID)
	}
	s.cfds[cfd.ID] = raw
	s.order = append(s.order, cfd.ID)
	return nil
}

func (s *CfdStore) LoadCfdByOrderID(_ context.Context, id model.OrderID) (model.Cfd, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.loadLocked(id, nil)
}

func (s *CfdStore) LoadAllCfds(context.Context) ([]model.Cfd, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	ids := append([]model.OrderID(nil), s.order...)
	cfds := make([]model.Cfd, 0, len(ids))
	for _, id := range ids {
		cfd, err := s.loadLocked(id, nil)
		if err != nil {
			return nil, err
		}
		cfds = append(cfds, cfd)
	}
	return cfds, nil
}

// WithTransaction serialises transactions; events appended by fn become
// visible only if fn succeeds.
func (s *CfdStore) WithTransaction(ctx context.Context, fn func(context.Context, cfdstore.Tx) error) error {
	if fn == nil {
		return fmt.Errorf("cfd store: transaction callback required")
	}
	s.txMu.Lock()
	defer s.txMu.Unlock()

	tx := &memoryTx{store: s}
	if err := fn(ctx, tx); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, pending := range tx.pending {
		s.events[pending.id] = append(s.events[pending.id], pending.raw)
	}
	return nil
}

type pendingEvent struct {
	id  model.OrderID
	raw []byte
}

type memoryTx struct {
	store   *CfdStore
	pending []pendingEvent
}

func (t *memoryTx) LoadCfdForUpdate(_ context.Context, id model.OrderID) (model.Cfd, error) {
	t.store.mu.Lock()
	defer t.store.mu.Unlock()
	return t.store.loadLocked(id, t.pending)
}

func (t *memoryTx) AppendEvent(_ context.Context, ev model.CfdEvent) error {
	raw, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("cfd store: encode event: %w", err)
	}
	t.store.mu.Lock()
	_, ok := t.store.cfds[ev.OrderID]
	t.store.mu.Unlock()
	if !ok {
		return fmt.Errorf("cfd store: cfd %s: %w", ev.OrderID, cfdstore.ErrNotFound)
	}
	t.pending = append(t.pending, pendingEvent{id: ev.OrderID, raw: raw})
	return nil
}

func (s *CfdStore) loadLocked(id model.OrderID, pending []pendingEvent) (model.Cfd, error) {
	raw, ok := s.cfds[id]
	if !ok {
		return model.Cfd{}, fmt.Errorf("cfd store: cfd %s: %w", id, cfdstore.ErrNotFound)
	}
	var cfd model.Cfd
	if err := json.Unmarshal(raw, &cfd); err != nil {
		return model.Cfd{}, fmt.Errorf("cfd store: decode cfd %s: %w", id, err)
	}
	log := s.events[id]
	for _, p := range pending {
		if p.id == id {
			log = append(log[:len(log):len(log)], p.raw)
		}
	}
	for _, rawEv := range log {
		var ev model.CfdEvent
		if err := json.Unmarshal(rawEv, &ev); err != nil {
			return model.Cfd{}, fmt.Errorf("cfd store: decode event for %s: %w", id, err)
		}
		cfd.Apply(ev)
	}
	return cfd, nil
}
