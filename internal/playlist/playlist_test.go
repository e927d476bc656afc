/*
Copyright (C) 2026 Hayai Broadcast

SPDX-License-Identifier: AGPL-3.0-or-later
*/

package playlist

import (
	"errors"
	"testing"

	"github.com/rs/zerolog"

	"github.com/hayai-broadcast/hayai/internal/events"
	"github.com/hayai-broadcast/hayai/internal/models"
)

func newTestModel() (*Model, *events.Bus) {
	bus := events.NewBus()
	return New(bus, zerolog.Nop()), bus
}

func localItem(path string) models.PlayoutItem {
	return models.PlayoutItem{Source: models.LocalFile(path)}
}

func TestEveryMutationIncrementsRevisionByOne(t *testing.T) {
	m, _ := newTestModel()

	snap, err := m.Append(0, localItem("/media/a.mp4"))
	if err != nil {
		t.Fatalf("append: %v", err)
	}
	if snap.Revision != 1 {
		t.Fatalf("expected revision 1, got %d", snap.Revision)
	}

	snap, err = m.Insert(1, 0, localItem("/media/b.mp4"))
	if err != nil {
		t.Fatalf("insert: %v", err)
	}
	if snap.Revision != 2 {
		t.Fatalf("expected revision 2, got %d", snap.Revision)
	}

	snap, err = m.Reorder(2, []string{snap.Items[1].ID, snap.Items[0].ID})
	if err != nil {
		t.Fatalf("reorder: %v", err)
	}
	if snap.Revision != 3 {
		t.Fatalf("expected revision 3, got %d", snap.Revision)
	}
}

func TestStaleRevisionRejectedAndNeverPartiallyApplied(t *testing.T) {
	m, _ := newTestModel()
	snap, _ := m.Append(0, localItem("/media/a.mp4"))

	before := m.Snapshot()
	_, err := m.Append(snap.Revision-1, localItem("/media/b.mp4"))
	if !errors.Is(err, models.ErrPlaylistConflict) {
		t.Fatalf("expected conflict, got %v", err)
	}

	after := m.Snapshot()
	if after.Revision != before.Revision || len(after.Items) != len(before.Items) {
		t.Fatalf("stale mutation changed the model: %+v vs %+v", before, after)
	}
}

func TestInsertBounds(t *testing.T) {
	m, _ := newTestModel()
	if _, err := m.Insert(0, 1, localItem("/a")); !errors.Is(err, models.ErrInvalidIndex) {
		t.Fatalf("expected invalid index, got %v", err)
	}
	if _, err := m.Insert(0, -1, localItem("/a")); !errors.Is(err, models.ErrInvalidIndex) {
		t.Fatalf("expected invalid index, got %v", err)
	}
	// Index == len is the append position.
	if _, err := m.Insert(0, 0, localItem("/a")); err != nil {
		t.Fatalf("insert at 0 on empty list: %v", err)
	}
}

func TestInsertLandsAfterThePlayhead(t *testing.T) {
	m, _ := newTestModel()
	snap, _ := m.Append(0, localItem("/media/a.mp4"))
	a := snap.Items[0].ID
	snap, _ = m.Append(snap.Revision, localItem("/media/b.mp4"))
	b := snap.Items[1].ID
	m.SetStatus(a, models.StatusPlaying)

	// Index 0 counts from the not-yet-played suffix, so the insert
	// schedules the item directly after the on-air one.
	snap, err := m.Insert(snap.Revision, 0, localItem("/media/x.mp4"))
	if err != nil {
		t.Fatalf("insert: %v", err)
	}
	x := snap.Items[1].ID
	if got := []string{snap.Items[0].ID, snap.Items[1].ID, snap.Items[2].ID}; got[0] != a || got[2] != b {
		t.Fatalf("expected order [a x b], got %v", got)
	}

	// Played items pin the boundary too.
	m.SetStatus(a, models.StatusPlayed)
	m.SetStatus(x, models.StatusPlaying)
	snap, err = m.Insert(snap.Revision, 0, localItem("/media/y.mp4"))
	if err != nil {
		t.Fatalf("second insert: %v", err)
	}
	if snap.Items[0].ID != a || snap.Items[1].ID != x || snap.Items[3].ID != b {
		t.Fatalf("expected order [a x y b], got %+v", snap.Items)
	}

	// Indices beyond the suffix are invalid.
	if _, err := m.Insert(snap.Revision, 3, localItem("/media/z.mp4")); !errors.Is(err, models.ErrInvalidIndex) {
		t.Fatalf("expected invalid index, got %v", err)
	}
}

func TestRemoveRejectsLockedStatuses(t *testing.T) {
	m, _ := newTestModel()
	snap, _ := m.Append(0, localItem("/media/a.mp4"))
	id := snap.Items[0].ID

	for _, status := range []models.ItemStatus{models.StatusPrefetching, models.StatusReady, models.StatusPlaying} {
		m.SetStatus(id, status)
		if _, err := m.RemoveByID(snap.Revision, id); !errors.Is(err, models.ErrItemLocked) {
			t.Fatalf("status %s: expected locked, got %v", status, err)
		}
		if _, err := m.ReplaceByID(snap.Revision, id, localItem("/media/b.mp4")); !errors.Is(err, models.ErrItemLocked) {
			t.Fatalf("status %s: expected locked on replace, got %v", status, err)
		}
	}

	// Skip is the sanctioned path out for a locked item.
	m.SetStatus(id, models.StatusPlaying)
	next, err := m.Skip(snap.Revision, id)
	if err != nil {
		t.Fatalf("skip: %v", err)
	}
	if len(next.Items) != 0 {
		t.Fatalf("expected empty playlist after skip, got %d items", len(next.Items))
	}
}

func TestSkipPublishesCancellationEvent(t *testing.T) {
	m, bus := newTestModel()
	sub := bus.Subscribe(events.EventItemSkipped)

	snap, _ := m.Append(0, localItem("/media/a.mp4"))
	id := snap.Items[0].ID
	m.SetStatus(id, models.StatusPrefetching)

	if _, err := m.Skip(snap.Revision, id); err != nil {
		t.Fatalf("skip: %v", err)
	}

	payload := <-sub
	if payload["item_id"] != id {
		t.Fatalf("expected skip event for %s, got %v", id, payload)
	}
	if payload["status"] != string(models.StatusPrefetching) {
		t.Fatalf("expected prefetching status in event, got %v", payload["status"])
	}
}

func TestReorderValidatesPermutation(t *testing.T) {
	m, _ := newTestModel()
	snap, _ := m.Append(0, localItem("/a"))
	snap, _ = m.Append(snap.Revision, localItem("/b"))

	if _, err := m.Reorder(snap.Revision, []string{snap.Items[0].ID}); !errors.Is(err, models.ErrInvalidIndex) {
		t.Fatalf("expected invalid index for short order, got %v", err)
	}
	if _, err := m.Reorder(snap.Revision, []string{snap.Items[0].ID, "nope"}); !errors.Is(err, models.ErrUnknownID) {
		t.Fatalf("expected unknown id, got %v", err)
	}
}

func TestStatusChangesDoNotBumpRevision(t *testing.T) {
	m, _ := newTestModel()
	snap, _ := m.Append(0, localItem("/a"))
	id := snap.Items[0].ID

	m.SetStatus(id, models.StatusReady)
	if m.Revision() != snap.Revision {
		t.Fatalf("status change bumped revision: %d vs %d", m.Revision(), snap.Revision)
	}
	got, _ := m.ItemByID(id)
	if got.Status != models.StatusReady {
		t.Fatalf("expected ready, got %s", got.Status)
	}
}

// Replaying the same mutation sequence against an empty model must reproduce
// the same final snapshot.
func TestMutationReplayRoundTrip(t *testing.T) {
	type op struct {
		kind  string
		index int
		item  models.PlayoutItem
		id    string
		order []string
	}

	run := func(ops []op) Snapshot {
		m, _ := newTestModel()
		rev := int64(0)
		for _, o := range ops {
			var snap Snapshot
			var err error
			switch o.kind {
			case "append":
				snap, err = m.Append(rev, o.item)
			case "insert":
				snap, err = m.Insert(rev, o.index, o.item)
			case "remove":
				snap, err = m.RemoveByID(rev, o.id)
			case "reorder":
				snap, err = m.Reorder(rev, o.order)
			}
			if err != nil {
				t.Fatalf("replay %s: %v", o.kind, err)
			}
			rev = snap.Revision
		}
		return m.Snapshot()
	}

	ops := []op{
		{kind: "append", item: models.PlayoutItem{ID: "a", Source: models.LocalFile("/a")}},
		{kind: "append", item: models.PlayoutItem{ID: "b", Source: models.HLSURL("http://x/live.m3u8")}},
		{kind: "insert", index: 1, item: models.PlayoutItem{ID: "c", Source: models.LocalFile("/c")}},
		{kind: "reorder", order: []string{"b", "a", "c"}},
		{kind: "remove", id: "a"},
	}

	first := run(ops)
	second := run(ops)

	if first.Revision != second.Revision {
		t.Fatalf("revisions differ: %d vs %d", first.Revision, second.Revision)
	}
	if len(first.Items) != len(second.Items) {
		t.Fatalf("item counts differ: %d vs %d", len(first.Items), len(second.Items))
	}
	for i := range first.Items {
		if first.Items[i].ID != second.Items[i].ID {
			t.Fatalf("item %d differs: %s vs %s", i, first.Items[i].ID, second.Items[i].ID)
		}
	}
	if first.Items[0].ID != "b" || first.Items[1].ID != "c" {
		t.Fatalf("unexpected final order: %+v", first.Items)
	}
}
