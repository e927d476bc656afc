/*
Copyright (C) 2026 Hayai Broadcast

SPDX-License-Identifier: AGPL-3.0-or-later
*/

package models

import (
	"errors"
	"fmt"
)

// Playlist mutation errors, returned synchronously to the caller. They never
// affect scheduler state.
var (
	// ErrPlaylistConflict indicates the caller's revision is stale.
	ErrPlaylistConflict = errors.New("playlist revision conflict")

	// ErrItemLocked indicates the item is prefetching or playing and may only
	// be removed through skip.
	ErrItemLocked = errors.New("item locked by playout")

	// ErrInvalidIndex indicates an out-of-range playlist index.
	ErrInvalidIndex = errors.New("invalid playlist index")

	// ErrUnknownID indicates no item with the given ID exists.
	ErrUnknownID = errors.New("unknown item id")
)

// Source and output errors, recovered by the scheduler without interrupting
// the broadcast.
var (
	// ErrSourceOpen indicates the source is unreachable, unsupported, or corrupt.
	ErrSourceOpen = errors.New("source open failed")

	// ErrPrebufferTimeout indicates the source did not reach its prebuffer
	// threshold in time.
	ErrPrebufferTimeout = errors.New("source prebuffer timeout")

	// ErrSourceStall indicates a live source stopped delivering after Ready.
	ErrSourceStall = errors.New("live source stalled")

	// ErrOutputConnection indicates the output sink is unreachable or reset.
	ErrOutputConnection = errors.New("output connection error")
)

// SourceError wraps a source-level failure with the item it belongs to.
type SourceError struct {
	ItemID string
	Err    error
}

func (e *SourceError) Error() string {
	return fmt.Sprintf("item %s: %v", e.ItemID, e.Err)
}

func (e *SourceError) Unwrap() error { return e.Err }

// NewSourceError ties a source failure to an item.
func NewSourceError(itemID string, err error) *SourceError {
	return &SourceError{ItemID: itemID, Err: err}
}
