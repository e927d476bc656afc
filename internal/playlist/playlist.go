/*
Copyright (C) 2026 Hayai Broadcast

SPDX-License-Identifier: AGPL-3.0-or-later
*/

// Package playlist holds the operator-mutable, revisioned item sequence. It
// is the single source of truth for what should play; the scheduler only
// observes it through snapshots and change events.
package playlist

import (
	"fmt"
	"sync"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/hayai-broadcast/hayai/internal/events"
	"github.com/hayai-broadcast/hayai/internal/models"
)

// Snapshot is an immutable copy of the model at one revision.
type Snapshot struct {
	Revision int64                `json:"revision"`
	Items    []models.PlayoutItem `json:"items"`
}

// Model is the revisioned playlist. Every mutation takes the caller's
// last-known revision and fails with ErrPlaylistConflict when it is stale, so
// the operator UI and the scheduler never race on shared mutable state.
type Model struct {
	mu       sync.Mutex
	items    []models.PlayoutItem
	revision int64
	bus      *events.Bus
	logger   zerolog.Logger
}

// New creates an empty playlist model at revision 0.
func New(bus *events.Bus, logger zerolog.Logger) *Model {
	return &Model{
		bus:    bus,
		logger: logger.With().Str("component", "playlist").Logger(),
	}
}

// Snapshot returns the current revision and a copy of the items.
func (m *Model) Snapshot() Snapshot {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.snapshotLocked()
}

func (m *Model) snapshotLocked() Snapshot {
	items := make([]models.PlayoutItem, len(m.items))
	copy(items, m.items)
	return Snapshot{Revision: m.revision, Items: items}
}

// Revision returns the current revision counter.
func (m *Model) Revision() int64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.revision
}

// Append adds an item at the tail.
func (m *Model) Append(rev int64, item models.PlayoutItem) (Snapshot, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.checkRevisionLocked(rev); err != nil {
		return Snapshot{}, err
	}
	prepared, err := prepare(item)
	if err != nil {
		return Snapshot{}, err
	}

	m.items = append(m.items, prepared)
	return m.commitLocked("append", prepared.ID, len(m.items)-1), nil
}

// Insert adds an item at the given index. Indices count positions in the
// not-yet-played suffix: an insert can never land ahead of the playhead, so
// inserting at 0 while something is on air schedules the item right after
// it (and inside the prefetch look-ahead window).
func (m *Model) Insert(rev int64, index int, item models.PlayoutItem) (Snapshot, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.checkRevisionLocked(rev); err != nil {
		return Snapshot{}, err
	}
	base := 0
	for i, existing := range m.items {
		if existing.Status == models.StatusPlaying || existing.Status == models.StatusPlayed {
			base = i + 1
		}
	}
	if index < 0 || index > len(m.items)-base {
		return Snapshot{}, fmt.Errorf("%w: %d", models.ErrInvalidIndex, index)
	}
	prepared, err := prepare(item)
	if err != nil {
		return Snapshot{}, err
	}

	at := base + index
	m.items = append(m.items, models.PlayoutItem{})
	copy(m.items[at+1:], m.items[at:])
	m.items[at] = prepared
	return m.commitLocked("insert", prepared.ID, at), nil
}

// RemoveByID removes an item. Items that are prefetching, ready, or playing
// hold live pipeline resources and may only leave through Skip.
func (m *Model) RemoveByID(rev int64, id string) (Snapshot, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.checkRevisionLocked(rev); err != nil {
		return Snapshot{}, err
	}
	idx, ok := m.indexLocked(id)
	if !ok {
		return Snapshot{}, fmt.Errorf("%w: %s", models.ErrUnknownID, id)
	}
	if locked(m.items[idx].Status) {
		return Snapshot{}, fmt.Errorf("%w: %s is %s", models.ErrItemLocked, id, m.items[idx].Status)
	}

	m.items = append(m.items[:idx], m.items[idx+1:]...)
	return m.commitLocked("remove", id, idx), nil
}

// ReplaceByID swaps an item in place. The replacement keeps the position and
// gets a fresh Pending status; the same locking rules as RemoveByID apply.
func (m *Model) ReplaceByID(rev int64, id string, item models.PlayoutItem) (Snapshot, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.checkRevisionLocked(rev); err != nil {
		return Snapshot{}, err
	}
	idx, ok := m.indexLocked(id)
	if !ok {
		return Snapshot{}, fmt.Errorf("%w: %s", models.ErrUnknownID, id)
	}
	if locked(m.items[idx].Status) {
		return Snapshot{}, fmt.Errorf("%w: %s is %s", models.ErrItemLocked, id, m.items[idx].Status)
	}
	prepared, err := prepare(item)
	if err != nil {
		return Snapshot{}, err
	}

	m.items[idx] = prepared
	return m.commitLocked("replace", prepared.ID, idx), nil
}

// Reorder rearranges the sequence. order must be a permutation of the current
// item IDs.
func (m *Model) Reorder(rev int64, order []string) (Snapshot, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.checkRevisionLocked(rev); err != nil {
		return Snapshot{}, err
	}
	if len(order) != len(m.items) {
		return Snapshot{}, fmt.Errorf("%w: order has %d ids, playlist has %d items", models.ErrInvalidIndex, len(order), len(m.items))
	}

	byID := make(map[string]models.PlayoutItem, len(m.items))
	for _, item := range m.items {
		byID[item.ID] = item
	}
	next := make([]models.PlayoutItem, 0, len(order))
	for _, id := range order {
		item, ok := byID[id]
		if !ok {
			return Snapshot{}, fmt.Errorf("%w: %s", models.ErrUnknownID, id)
		}
		delete(byID, id)
		next = append(next, item)
	}

	m.items = next
	return m.commitLocked("reorder", "", -1), nil
}

// Skip removes an item regardless of its playout state. The scheduler treats
// the resulting event as a cancellation request for any in-flight resolution
// or active playback of that item.
func (m *Model) Skip(rev int64, id string) (Snapshot, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.checkRevisionLocked(rev); err != nil {
		return Snapshot{}, err
	}
	idx, ok := m.indexLocked(id)
	if !ok {
		return Snapshot{}, fmt.Errorf("%w: %s", models.ErrUnknownID, id)
	}
	status := m.items[idx].Status

	m.items = append(m.items[:idx], m.items[idx+1:]...)
	snap := m.commitLocked("skip", id, idx)
	m.bus.Publish(events.EventItemSkipped, events.Payload{
		"item_id":  id,
		"status":   string(status),
		"revision": snap.Revision,
	})
	return snap, nil
}

// SetStatus records a playout lifecycle change for an item. Status changes
// come from the scheduler, not the operator, so they do not consume or bump
// the optimistic revision.
func (m *Model) SetStatus(id string, status models.ItemStatus) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	idx, ok := m.indexLocked(id)
	if !ok {
		return false
	}
	m.items[idx].Status = status
	return true
}

// ItemByID fetches a copy of one item.
func (m *Model) ItemByID(id string) (models.PlayoutItem, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	idx, ok := m.indexLocked(id)
	if !ok {
		return models.PlayoutItem{}, false
	}
	return m.items[idx], true
}

func (m *Model) checkRevisionLocked(rev int64) error {
	if rev != m.revision {
		return fmt.Errorf("%w: have %d, caller sent %d", models.ErrPlaylistConflict, m.revision, rev)
	}
	return nil
}

func (m *Model) indexLocked(id string) (int, bool) {
	for i, item := range m.items {
		if item.ID == id {
			return i, true
		}
	}
	return 0, false
}

func (m *Model) commitLocked(op, itemID string, index int) Snapshot {
	m.revision++
	snap := m.snapshotLocked()
	m.logger.Debug().Str("op", op).Str("item_id", itemID).Int64("revision", snap.Revision).Msg("playlist mutated")
	m.bus.Publish(events.EventPlaylistChanged, events.Payload{
		"op":       op,
		"item_id":  itemID,
		"index":    index,
		"revision": snap.Revision,
	})
	return snap
}

func prepare(item models.PlayoutItem) (models.PlayoutItem, error) {
	if err := item.Source.Validate(); err != nil {
		return models.PlayoutItem{}, fmt.Errorf("%w: %v", models.ErrSourceOpen, err)
	}
	if item.ID == "" {
		item.ID = uuid.NewString()
	}
	item.Status = models.StatusPending
	return item, nil
}

func locked(status models.ItemStatus) bool {
	switch status {
	case models.StatusPrefetching, models.StatusReady, models.StatusPlaying:
		return true
	}
	return false
}
