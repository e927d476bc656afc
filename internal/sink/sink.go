/*
Copyright (C) 2026 Hayai Broadcast

SPDX-License-Identifier: AGPL-3.0-or-later
*/

// Package sink delivers the session's output stream to the broadcast
// destination. A bounded ring buffer decouples playout from network
// hiccups; the writer reconnects with backoff when the destination
// drops.
package sink

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

// Conn is one live connection to the output destination.
type Conn interface {
	Write(b media.Buffer) error
	Close() error
}

// Dialer establishes output connections.
type Dialer interface {
	Dial(ctx context.Context) (Conn, error)
}

// Options configure the buffered sink.
type Options struct {
	// BufferCap bounds the ring by buffered duration. Beyond it the
	// oldest buffers are dropped.
	BufferCap time.Duration

	// Backoff is the reconnect delay ladder. The last entry repeats.
	Backoff []time.Duration

	// Mandatory makes reconnect exhaustion fatal for the session.
	Mandatory     bool
	MaxReconnects int
}

// Sink buffers session output and writes it to the destination.
// Push never blocks playout: when the ring is full the oldest frames
// are dropped and counted.
type Sink struct {
	opts   Options
	dialer Dialer
	bus    *events.Bus
	clk    clock.Clock
	logger zerolog.Logger

	mu       sync.Mutex
	ring     []media.Buffer
	buffered time.Duration
	dropped  uint64
	notify   chan struct{}
	closed   bool
}

func New(opts Options, dialer Dialer, bus *events.Bus, clk clock.Clock, logger zerolog.Logger) *Sink {
	if opts.BufferCap <= 0 {
		opts.BufferCap = 10 * time.Second
	}
	if len(opts.Backoff) == 0 {
		opts.Backoff = []time.Duration{time.Second, 2 * time.Second, 4 * time.Second, 8 * time.Second, 16 * time.Second, 30 * time.Second}
	}
	return &Sink{
		opts:   opts,
		dialer: dialer,
		bus:    bus,
		clk:    clk,
		logger: logger.With().Str("component", "sink").Logger(),
		notify: make(chan struct{}, 1),
	}
}

// Push enqueues one buffer. On overflow the oldest frames are dropped
// until the new one fits.
func (s *Sink) Push(b media.Buffer) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return models.ErrOutputConnection
	}
	var droppedNow uint64
	for len(s.ring) > 0 && s.buffered+b.Duration > s.opts.BufferCap {
		s.buffered -= s.ring[0].Duration
		s.ring = s.ring[1:]
		s.dropped++
		droppedNow++
	}
	s.ring = append(s.ring, b)
	s.buffered += b.Duration
	s.mu.Unlock()

	select {
	case s.notify <- struct{}{}:
	default:
	}

	if droppedNow > 0 {
		s.logger.Warn().Uint64("frames", droppedNow).Msg("output buffer full, dropped oldest frames")
		s.bus.Publish(events.EventSinkDropped, events.Payload{"frames": droppedNow})
	}
	return nil
}

// Depth reports the buffered duration and total dropped frame count.
func (s *Sink) Depth() (time.Duration, uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.buffered, s.dropped
}

func (s *Sink) pop() (media.Buffer, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.ring) == 0 {
		return media.Buffer{}, false
	}
	b := s.ring[0]
	s.ring = s.ring[1:]
	s.buffered -= b.Duration
	return b, true
}

// unshift returns a buffer to the head of the ring after a failed
// write, so reconnect does not lose it.
func (s *Sink) unshift(b media.Buffer) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.ring = append([]media.Buffer{b}, s.ring...)
	s.buffered += b.Duration
}

// Run drains the ring into the destination until ctx is cancelled. It
// returns models.ErrOutputConnection when a mandatory sink exhausts
// its reconnect budget.
func (s *Sink) Run(ctx context.Context) error {
	defer func() {
		s.mu.Lock()
		s.closed = true
		s.mu.Unlock()
	}()

	conn, err := s.connect(ctx, true)
	if err != nil {
		return err
	}

	for {
		b, ok := s.pop()
		if !ok {
			select {
			case <-ctx.Done():
				if conn != nil {
					_ = conn.Close()
				}
				return ctx.Err()
			case <-s.notify:
			}
			continue
		}

		if err := conn.Write(b); err != nil {
			s.logger.Warn().Err(err).Msg("output connection lost")
			s.bus.Publish(events.EventSinkDown, events.Payload{"error": err.Error()})
			_ = conn.Close()
			s.unshift(b)

			conn, err = s.connect(ctx, false)
			if err != nil {
				return err
			}
		}
	}
}

// connect dials the destination, walking the backoff ladder between
// attempts. The first session connect counts against the same budget.
func (s *Sink) connect(ctx context.Context, initial bool) (Conn, error) {
	attempt := 0
	for {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		default:
		}

		conn, err := s.dialer.Dial(ctx)
		if err == nil {
			if !initial || attempt > 0 {
				s.bus.Publish(events.EventSinkUp, events.Payload{"attempts": attempt})
			}
			s.logger.Info().Int("attempts", attempt).Msg("output connected")
			return conn, nil
		}

		attempt++
		s.logger.Warn().Err(err).Int("attempt", attempt).Msg("output connect failed")

		if s.opts.Mandatory && s.opts.MaxReconnects > 0 && attempt >= s.opts.MaxReconnects {
			s.bus.Publish(events.EventSinkFatal, events.Payload{
				"attempts": attempt,
				"error":    err.Error(),
			})
			return nil, models.ErrOutputConnection
		}

		idx := attempt - 1
		if idx >= len(s.opts.Backoff) {
			idx = len(s.opts.Backoff) - 1
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-s.clk.After(s.opts.Backoff[idx]):
		}
	}
}
