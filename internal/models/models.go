/*
Copyright (C) 2026 Hayai Broadcast

SPDX-License-Identifier: AGPL-3.0-or-later
*/

package models

import (
	"fmt"
	"time"
)

// SourceKind selects how a playout item's media is acquired.
type SourceKind string

const (
	SourceLocalFile SourceKind = "local"
	SourceHLS       SourceKind = "hls"
)

// SourceDescriptor is a tagged variant pointing at an item's media.
// Exactly one of Path or URI is set, depending on Kind.
type SourceDescriptor struct {
	Kind SourceKind `json:"kind" yaml:"kind"`
	Path string     `json:"path,omitempty" yaml:"path,omitempty"`
	URI  string     `json:"uri,omitempty" yaml:"uri,omitempty"`
}

// LocalFile builds a descriptor for a file on disk.
func LocalFile(path string) SourceDescriptor {
	return SourceDescriptor{Kind: SourceLocalFile, Path: path}
}

// HLSURL builds a descriptor for a live HLS source.
func HLSURL(uri string) SourceDescriptor {
	return SourceDescriptor{Kind: SourceHLS, URI: uri}
}

// Location returns the path or URI regardless of kind.
func (d SourceDescriptor) Location() string {
	if d.Kind == SourceLocalFile {
		return d.Path
	}
	return d.URI
}

// Live reports whether the source is a live network stream.
func (d SourceDescriptor) Live() bool {
	return d.Kind == SourceHLS
}

// Validate checks that the descriptor is internally consistent.
func (d SourceDescriptor) Validate() error {
	switch d.Kind {
	case SourceLocalFile:
		if d.Path == "" {
			return fmt.Errorf("local source requires a path")
		}
	case SourceHLS:
		if d.URI == "" {
			return fmt.Errorf("hls source requires a uri")
		}
	default:
		return fmt.Errorf("unknown source kind %q", d.Kind)
	}
	return nil
}

// ItemStatus tracks a playout item through its lifecycle.
type ItemStatus string

const (
	StatusPending     ItemStatus = "pending"
	StatusPrefetching ItemStatus = "prefetching"
	StatusReady       ItemStatus = "ready"
	StatusPlaying     ItemStatus = "playing"
	StatusPlayed      ItemStatus = "played"
	StatusFailed      ItemStatus = "failed"
)

// TransitionPolicy selects how playback hands off between two items.
type TransitionPolicy string

const (
	TransitionCut       TransitionPolicy = "cut"
	TransitionCrossfade TransitionPolicy = "crossfade"
)

// TransitionSpec is the per-item transition override. A zero Crossfade
// duration with a crossfade policy means "use the configured default".
type TransitionSpec struct {
	Policy    TransitionPolicy `json:"policy" yaml:"policy"`
	Crossfade time.Duration    `json:"crossfade,omitempty" yaml:"crossfade,omitempty"`
}

// PlayoutItem is one entry in the playlist. The playlist model owns it
// exclusively until the scheduler takes it for playback, at which point the
// scheduler additionally owns a live source handle keyed by the item ID.
type PlayoutItem struct {
	ID         string           `json:"id" yaml:"id"`
	Source     SourceDescriptor `json:"source" yaml:"source"`
	TrimIn     time.Duration    `json:"trim_in,omitempty" yaml:"trim_in,omitempty"`
	TrimOut    time.Duration    `json:"trim_out,omitempty" yaml:"trim_out,omitempty"`
	Transition *TransitionSpec  `json:"transition,omitempty" yaml:"transition,omitempty"`
	Status     ItemStatus       `json:"status" yaml:"-"`
}

// AsRunOutcome records how an item left the air.
type AsRunOutcome string

const (
	OutcomePlayed  AsRunOutcome = "played"
	OutcomeFailed  AsRunOutcome = "failed"
	OutcomeSkipped AsRunOutcome = "skipped"
)

// AsRunRecord is one row of the as-run log: what actually went to air and
// where it sat on the session output timeline.
type AsRunRecord struct {
	ID            string `gorm:"type:uuid;primaryKey"`
	ItemID        string `gorm:"index"`
	SourceKind    string `gorm:"type:varchar(16)"`
	Location      string
	Outcome       AsRunOutcome `gorm:"type:varchar(16);index"`
	Detail        string       `gorm:"type:text"`
	TimelineStart time.Duration
	TimelineEnd   time.Duration
	StartedAt     time.Time
	EndedAt       time.Time
	CreatedAt     time.Time
}
