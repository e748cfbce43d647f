// Package tasks runs background work grouped by key, where starting new work
// for a key supersedes whatever was running for it.
package tasks

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/sourcegraph/conc"
	"github.com/sourcegraph/conc/panics"

	"github.com/coachpo/cfdmaker/internal/observability"
)

// ErrSuperseded is the cancellation cause of a group replaced by a newer one.
var ErrSuperseded = errors.New("superseded by a newer task")

// Task is a unit of background work.
type Task func(ctx context.Context) error

// FailureFunc observes a failed task. It runs on the task's goroutine.
type FailureFunc func(err error)

// Superseded reports whether ctx was cancelled because its group was replaced.
func Superseded(ctx context.Context) bool {
	return errors.Is(context.Cause(ctx), ErrSuperseded)
}

// Supervisor tracks one cancellable group of tasks per key.
type Supervisor[K comparable] struct {
	ctx    context.Context
	cancel context.CancelFunc
	logger observability.Logger

	mu     sync.Mutex
	groups map[K]*Group
	loose  conc.WaitGroup
}

// NewSupervisor constructs a supervisor whose tasks end when ctx ends.
func NewSupervisor[K comparable](ctx context.Context, logger observability.Logger) *Supervisor[K] {
	if ctx == nil {
		ctx = context.Background()
	}
	if logger == nil {
		logger = observability.Log()
	}
	ctx, cancel := context.WithCancel(ctx)
	return &Supervisor[K]{
		ctx:    ctx,
		cancel: cancel,
		logger: logger,
		groups: make(map[K]*Group),
	}
}

// Group is a set of tasks cancelled together. Once every task it started has
// returned, the group is unregistered and its context cancelled.
type Group struct {
	ctx     context.Context
	cancel  context.CancelCauseFunc
	logger  observability.Logger
	wg      conc.WaitGroup
	drained func(*Group)

	mu     sync.Mutex
	active int
}

// Context is cancelled when the group is replaced, cancelled or the supervisor stops.
func (g *Group) Context() context.Context {
	return g.ctx
}

// Go runs fn in the group. A returned error or a panic is handed to onFailure
// when it is non-nil, and logged otherwise.
func (g *Group) Go(fn Task, onFailure FailureFunc) {
	g.mu.Lock()
	g.active++
	g.mu.Unlock()
	g.wg.Go(func() {
		defer g.done()
		run(g.ctx, g.logger, fn, onFailure)
	})
}

func (g *Group) done() {
	g.mu.Lock()
	g.active--
	idle := g.active == 0
	g.mu.Unlock()
	if idle && g.drained != nil {
		g.drained(g)
	}
}

func (g *Group) stop(cause error) {
	g.cancel(cause)
	g.wg.Wait()
}

// Replace cancels the group running for key, waits for its tasks to return,
// and installs a fresh group.
func (s *Supervisor[K]) Replace(key K) *Group {
	s.mu.Lock()
	previous := s.groups[key]
	delete(s.groups, key)
	s.mu.Unlock()

	if previous != nil {
		previous.stop(ErrSuperseded)
	}

	ctx, cancel := context.WithCancelCause(s.ctx)
	group := &Group{ctx: ctx, cancel: cancel, logger: s.logger}
	group.drained = func(g *Group) { s.forget(key, g) }

	s.mu.Lock()
	// A concurrent Replace for the same key may have won; it is superseded too.
	if racing := s.groups[key]; racing != nil {
		s.mu.Unlock()
		racing.stop(ErrSuperseded)
		s.mu.Lock()
	}
	s.groups[key] = group
	s.mu.Unlock()
	return group
}

// Cancel stops the group for key, if any, and waits for it.
func (s *Supervisor[K]) Cancel(key K) {
	s.mu.Lock()
	group := s.groups[key]
	delete(s.groups, key)
	s.mu.Unlock()
	if group != nil {
		group.stop(context.Canceled)
	}
}

// forget unregisters g if it is still the group for key.
func (s *Supervisor[K]) forget(key K, g *Group) {
	s.mu.Lock()
	if s.groups[key] == g {
		delete(s.groups, key)
	}
	s.mu.Unlock()
	g.cancel(context.Canceled)
}

// Running reports whether a group is registered for key: it was installed and
// has not yet drained, been replaced or been cancelled.
func (s *Supervisor[K]) Running(key K) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.groups[key]
	return ok
}

// Spawn runs fn outside any keyed group; it is cancelled only when the
// supervisor stops.
func (s *Supervisor[K]) Spawn(fn Task, onFailure FailureFunc) {
	s.loose.Go(func() {
		run(s.ctx, s.logger, fn, onFailure)
	})
}

// Close cancels every task and waits for all of them.
func (s *Supervisor[K]) Close() {
	s.cancel()
	s.mu.Lock()
	groups := make([]*Group, 0, len(s.groups))
	for key, group := range s.groups {
		groups = append(groups, group)
		delete(s.groups, key)
	}
	s.mu.Unlock()
	for _, group := range groups {
		group.stop(context.Canceled)
	}
	s.loose.Wait()
}

func run(ctx context.Context, logger observability.Logger, fn Task, onFailure FailureFunc) {
	var err error
	var catcher panics.Catcher
	catcher.Try(func() {
		err = fn(ctx)
	})
	if recovered := catcher.Recovered(); recovered != nil {
		err = fmt.Errorf("task panicked: %w", recovered.AsError())
	}
	if err == nil {
		return
	}
	if onFailure != nil {
		onFailure(err)
		return
	}
	logger.Error("background task failed", observability.Err(err))
}
