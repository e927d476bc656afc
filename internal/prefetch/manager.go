/*
Copyright (C) 2026 Hayai Broadcast

SPDX-License-Identifier: AGPL-3.0-or-later
*/

// Package prefetch resolves upcoming playlist items ahead of the
// playhead so transitions never wait on source startup.
package prefetch

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/hayai-broadcast/hayai/internal/clock"
	"github.com/hayai-broadcast/hayai/internal/events"
	"github.com/hayai-broadcast/hayai/internal/media"
	"github.com/hayai-broadcast/hayai/internal/models"
)

// Options configure the manager.
type Options struct {
	Workers        int           // concurrent resolve workers
	Depth          int           // lookahead window size
	PrebufferLocal time.Duration // readiness deadline for local files
	PrebufferHLS   time.Duration // readiness deadline for live sources
}

// Manager keeps handles warm for the next Depth items after the
// playhead. It owns each handle until the scheduler calls Take, or
// until the item falls out of the window and the handle is released.
type Manager struct {
	opts   Options
	pipe   media.Pipeline
	bus    *events.Bus
	clk    clock.Clock
	logger zerolog.Logger

	sem chan struct{}

	mu    sync.Mutex
	tasks map[string]*task
}

type taskState int

const (
	taskResolving taskState = iota
	taskReady
	taskFailed
)

type task struct {
	item   models.PlayoutItem
	cancel context.CancelFunc
	state  taskState
	handle media.Handle
}

func NewManager(opts Options, pipe media.Pipeline, bus *events.Bus, clk clock.Clock, logger zerolog.Logger) *Manager {
	if opts.Workers <= 0 {
		opts.Workers = 2
	}
	if opts.Depth <= 0 {
		opts.Depth = 2
	}
	return &Manager{
		opts:   opts,
		pipe:   pipe,
		bus:    bus,
		clk:    clk,
		logger: logger.With().Str("component", "prefetch").Logger(),
		sem:    make(chan struct{}, opts.Workers),
		tasks:  make(map[string]*task),
	}
}

// Sync reconciles the manager against the playlist window. Items in
// window that are not yet tracked begin resolving; tracked items that
// left the window are cancelled and their handles released. The
// playing item itself is never touched here.
func (m *Manager) Sync(ctx context.Context, window []models.PlayoutItem) {
	if len(window) > m.opts.Depth {
		window = window[:m.opts.Depth]
	}

	inWindow := make(map[string]bool, len(window))
	for _, item := range window {
		inWindow[item.ID] = true
	}

	m.mu.Lock()
	var evict []*task
	for id, t := range m.tasks {
		if !inWindow[id] {
			evict = append(evict, t)
			delete(m.tasks, id)
		}
	}
	var start []models.PlayoutItem
	for _, item := range window {
		if _, tracked := m.tasks[item.ID]; tracked {
			continue
		}
		t := &task{item: item}
		m.tasks[item.ID] = t
		start = append(start, item)
	}
	m.mu.Unlock()

	for _, t := range evict {
		m.release(t)
	}
	for _, item := range start {
		go m.resolve(ctx, item)
	}
}

// Take transfers ownership of a ready handle to the caller and stops
// tracking the item. It returns false if the item is not ready.
func (m *Manager) Take(itemID string) (media.Handle, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.tasks[itemID]
	if !ok || t.state != taskReady || t.handle == nil {
		return nil, false
	}
	delete(m.tasks, itemID)
	return t.handle, true
}

// Cancel aborts a resolve in flight (or releases a ready handle) for
// an item the scheduler no longer wants, typically after a skip.
func (m *Manager) Cancel(itemID string) {
	m.mu.Lock()
	t, ok := m.tasks[itemID]
	if ok {
		delete(m.tasks, itemID)
	}
	m.mu.Unlock()
	if ok {
		m.release(t)
	}
}

// Close releases every tracked handle.
func (m *Manager) Close() {
	m.mu.Lock()
	tasks := make([]*task, 0, len(m.tasks))
	for _, t := range m.tasks {
		tasks = append(tasks, t)
	}
	m.tasks = make(map[string]*task)
	m.mu.Unlock()
	for _, t := range tasks {
		m.release(t)
	}
}

func (m *Manager) release(t *task) {
	if t.cancel != nil {
		t.cancel()
	}
	if t.handle != nil {
		_ = t.handle.Close()
	}
}

func (m *Manager) resolve(ctx context.Context, item models.PlayoutItem) {
	select {
	case m.sem <- struct{}{}:
	case <-ctx.Done():
		return
	}
	defer func() { <-m.sem }()

	// The task may have been cancelled while waiting for a worker.
	resolveCtx, cancel := context.WithCancel(ctx)
	m.mu.Lock()
	t, tracked := m.tasks[item.ID]
	if !tracked {
		m.mu.Unlock()
		cancel()
		return
	}
	t.cancel = cancel
	m.mu.Unlock()

	handle, err := m.pipe.Open(resolveCtx, item.ID, item.Source)
	if err != nil {
		m.fail(item, models.NewSourceError(item.ID, err))
		return
	}

	deadline := m.opts.PrebufferLocal
	if item.Source.Live() {
		deadline = m.opts.PrebufferHLS
	}

	select {
	case <-handle.Ready():
		m.markReady(item, handle)
	case err := <-handle.Errors():
		_ = handle.Close()
		m.fail(item, models.NewSourceError(item.ID, err))
	case <-m.clk.After(deadline):
		_ = handle.Close()
		m.fail(item, models.NewSourceError(item.ID, models.ErrPrebufferTimeout))
	case <-resolveCtx.Done():
		_ = handle.Close()
	}
}

func (m *Manager) markReady(item models.PlayoutItem, handle media.Handle) {
	m.mu.Lock()
	t, tracked := m.tasks[item.ID]
	if !tracked {
		// Cancelled while prebuffering.
		m.mu.Unlock()
		_ = handle.Close()
		return
	}
	t.state = taskReady
	t.handle = handle
	m.mu.Unlock()

	m.logger.Debug().
		Str("item_id", item.ID).
		Str("source", item.Source.Location()).
		Msg("source prebuffered")
	m.bus.Publish(events.EventSourceReady, events.Payload{"item_id": item.ID})
}

func (m *Manager) fail(item models.PlayoutItem, err error) {
	m.mu.Lock()
	t, tracked := m.tasks[item.ID]
	if tracked {
		t.state = taskFailed
		delete(m.tasks, item.ID)
	}
	m.mu.Unlock()
	if !tracked {
		return
	}

	m.logger.Warn().
		Err(err).
		Str("item_id", item.ID).
		Str("source", item.Source.Location()).
		Msg("source resolve failed")
	m.bus.Publish(events.EventSourceFailed, events.Payload{
		"item_id": item.ID,
		"error":   err.Error(),
	})
}
