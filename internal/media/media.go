/*
Copyright (C) 2026 Hayai Broadcast

SPDX-License-Identifier: AGPL-3.0-or-later
*/

// Package media decodes playout sources into a uniform stream of raw
// PCM buffers. Sources are decoded by external GStreamer processes so
// the engine itself stays CGO-free.
package media

import (
	"context"
	"time"

	"github.com/hayai-broadcast/hayai/internal/models"
)

// Buffer is one frame of decoded audio. PTS is relative to the start
// of the source (after any trim-in applied by the consumer), and Data
// holds interleaved S16LE samples.
type Buffer struct {
	PTS      time.Duration
	Duration time.Duration
	Data     []byte
}

// Handle is a single opened source. Buffers become available on
// Buffers() once the handle is prebuffered; Ready() closes when enough
// media is queued for gapless playback to begin.
//
// A Handle is owned by exactly one consumer at a time. Close releases
// the decoder process and is safe to call more than once.
type Handle interface {
	// ID identifies the playout item this handle was opened for.
	ID() string

	// Ready closes when the prebuffer threshold has been reached, or
	// when the source ended before reaching it.
	Ready() <-chan struct{}

	// Buffers delivers decoded frames in presentation order. The
	// channel closes when the source has ended or the handle is closed.
	Buffers() <-chan Buffer

	// Errors delivers decode and liveness failures. Receiving an error
	// does not close the handle; the consumer decides whether to keep
	// draining or to Close.
	Errors() <-chan error

	// MediaDuration reports the total source duration when known,
	// or zero for live sources and files that could not be probed.
	MediaDuration() time.Duration

	Close() error
}

// Pipeline opens handles for source descriptors.
type Pipeline interface {
	Open(ctx context.Context, itemID string, src models.SourceDescriptor) (Handle, error)
}
