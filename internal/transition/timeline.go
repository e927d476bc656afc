/*
Copyright (C) 2026 Hayai Broadcast

SPDX-License-Identifier: AGPL-3.0-or-later
*/

// Package transition stitches per-item media streams into one
// continuous session output: a strictly increasing timeline plus the
// cut and crossfade mechanics between items.
package transition

import (
	"sync"
	"time"
)

// Timeline maps item-relative presentation timestamps onto the session
// output axis. Output timestamps never move backwards: each item is
// rebased onto the end of the last presented buffer, and any residual
// overlap is clamped forward.
type Timeline struct {
	mu      sync.Mutex
	offset  time.Duration // session time of the current item's PTS origin
	lastEnd time.Duration // end of the last presented buffer
}

func NewTimeline() *Timeline {
	return &Timeline{}
}

// BeginItem rebases the timeline for the next item: its first buffer
// (item-relative PTS zero) lands exactly where the previous one ended.
func (t *Timeline) BeginItem() {
	t.mu.Lock()
	t.offset = t.lastEnd
	t.mu.Unlock()
}

// Stamp converts an item-relative PTS into a session PTS and records
// the buffer as presented. Buffers that would land before the end of
// the previous one are clamped forward to keep the axis monotonic.
func (t *Timeline) Stamp(pts, dur time.Duration) time.Duration {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := t.offset + pts
	if out < t.lastEnd {
		out = t.lastEnd
	}
	t.lastEnd = out + dur
	return out
}

// Append places a buffer at the current end of the axis, for streams
// whose own timestamps no longer apply.
func (t *Timeline) Append(dur time.Duration) time.Duration {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := t.lastEnd
	t.lastEnd = out + dur
	return out
}

// Position reports the end of the last presented buffer on the session
// axis, which is where the next buffer will land.
func (t *Timeline) Position() time.Duration {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.lastEnd
}
