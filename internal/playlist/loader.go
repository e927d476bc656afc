/*
Copyright (C) 2026 Hayai Broadcast

SPDX-License-Identifier: AGPL-3.0-or-later
*/

package playlist

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/hayai-broadcast/hayai/internal/models"
)

// seedFile is the on-disk shape of a playlist seed:
//
//	items:
//	  - source: {kind: local, path: /media/ident.mp4}
//	    trim_out: 10s
//	  - source: {kind: hls, uri: https://example.com/live.m3u8}
//	    transition: {policy: crossfade, crossfade: 2s}
type seedFile struct {
	Items []models.PlayoutItem `yaml:"items"`
}

// LoadFile reads a YAML playlist seed. The engine does not persist playlists;
// this only gives operators a way to start a session with content queued.
func LoadFile(path string) ([]models.PlayoutItem, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read playlist file: %w", err)
	}

	var seed seedFile
	if err := yaml.Unmarshal(data, &seed); err != nil {
		return nil, fmt.Errorf("parse playlist file: %w", err)
	}

	for i, item := range seed.Items {
		if err := item.Source.Validate(); err != nil {
			return nil, fmt.Errorf("item %d: %w", i, err)
		}
	}
	return seed.Items, nil
}

// Seed appends items to an empty model, returning the resulting snapshot.
func Seed(m *Model, items []models.PlayoutItem) (Snapshot, error) {
	snap := m.Snapshot()
	for _, item := range items {
		next, err := m.Append(snap.Revision, item)
		if err != nil {
			return Snapshot{}, err
		}
		snap = next
	}
	return snap, nil
}
