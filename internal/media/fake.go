/*
Copyright (C) 2026 Hayai Broadcast

SPDX-License-Identifier: AGPL-3.0-or-later
*/

package media

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/hayai-broadcast/hayai/internal/models"
)

// FakePipeline hands out scripted handles keyed by source location.
// Tests register handles up front and drive them explicitly, so no
// external process or real time is involved.
type FakePipeline struct {
	mu      sync.Mutex
	handles map[string][]*FakeHandle
	openErr map[string]error
	opened  []string
}

func NewFakePipeline() *FakePipeline {
	return &FakePipeline{
		handles: make(map[string][]*FakeHandle),
		openErr: make(map[string]error),
	}
}

// Register queues a handle for a source location. Each Open consumes
// one; the last registered handle is reused once the queue runs dry.
func (p *FakePipeline) Register(location string, h *FakeHandle) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.handles[location] = append(p.handles[location], h)
}

// FailOpen makes Open return err for a source location.
func (p *FakePipeline) FailOpen(location string, err error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.openErr[location] = err
}

// Opened returns the source locations opened so far, in order.
func (p *FakePipeline) Opened() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]string, len(p.opened))
	copy(out, p.opened)
	return out
}

func (p *FakePipeline) Open(_ context.Context, itemID string, src models.SourceDescriptor) (Handle, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	loc := src.Location()
	p.opened = append(p.opened, loc)
	if err := p.openErr[loc]; err != nil {
		return nil, err
	}
	queue := p.handles[loc]
	if len(queue) == 0 {
		return nil, fmt.Errorf("no fake handle registered for %q", loc)
	}
	h := queue[0]
	if len(queue) > 1 {
		p.handles[loc] = queue[1:]
	}
	h.id = itemID
	return h, nil
}

// FakeHandle is a manually driven Handle.
type FakeHandle struct {
	id       string
	duration time.Duration

	ready   chan struct{}
	buffers chan Buffer
	errors  chan error

	readyOnce sync.Once
	endOnce   sync.Once

	mu     sync.Mutex
	closed bool
}

// NewFakeHandle returns an open handle with room for bufferCap queued
// frames. duration is what MediaDuration reports (zero for live).
func NewFakeHandle(duration time.Duration, bufferCap int) *FakeHandle {
	return &FakeHandle{
		duration: duration,
		ready:    make(chan struct{}),
		buffers:  make(chan Buffer, bufferCap),
		errors:   make(chan error, 4),
	}
}

func (h *FakeHandle) ID() string                   { return h.id }
func (h *FakeHandle) Ready() <-chan struct{}       { return h.ready }
func (h *FakeHandle) Buffers() <-chan Buffer       { return h.buffers }
func (h *FakeHandle) Errors() <-chan error         { return h.errors }
func (h *FakeHandle) MediaDuration() time.Duration { return h.duration }

// MarkReady closes the readiness channel.
func (h *FakeHandle) MarkReady() {
	h.readyOnce.Do(func() { close(h.ready) })
}

// Push queues one frame. It panics if the handle already ended.
func (h *FakeHandle) Push(b Buffer) {
	h.buffers <- b
}

// PushPCM queues a frame of constant samples, for tests that inspect
// mixed output.
func (h *FakeHandle) PushPCM(pts, dur time.Duration, sample int16, samples int) {
	data := make([]byte, samples*2)
	for i := 0; i < samples; i++ {
		data[i*2] = byte(uint16(sample) & 0xff)
		data[i*2+1] = byte(uint16(sample) >> 8)
	}
	h.Push(Buffer{PTS: pts, Duration: dur, Data: data})
}

// End closes the buffer stream, signalling EOF.
func (h *FakeHandle) End() {
	h.endOnce.Do(func() {
		h.MarkReady()
		close(h.buffers)
	})
}

// Fail emits an error without ending the stream.
func (h *FakeHandle) Fail(err error) {
	select {
	case h.errors <- err:
	default:
	}
}

func (h *FakeHandle) Close() error {
	h.mu.Lock()
	h.closed = true
	h.mu.Unlock()
	return nil
}

// Closed reports whether Close was called.
func (h *FakeHandle) Closed() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.closed
}
