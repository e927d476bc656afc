/*
Copyright (C) 2026 Hayai Broadcast

SPDX-License-Identifier: AGPL-3.0-or-later
*/

package sink

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/hayai-broadcast/hayai/internal/clock"
	"github.com/hayai-broadcast/hayai/internal/events"
	"github.com/hayai-broadcast/hayai/internal/media"
	"github.com/hayai-broadcast/hayai/internal/models"
)

// scriptedDialer returns canned conns and dial errors in order. Once
// the script runs out it keeps returning the final entry.
type scriptedDialer struct {
	mu    sync.Mutex
	conns []dialResult
	dials int
}

type dialResult struct {
	conn *scriptedConn
	err  error
}

func (d *scriptedDialer) Dial(ctx context.Context) (Conn, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	idx := d.dials
	if idx >= len(d.conns) {
		idx = len(d.conns) - 1
	}
	d.dials++
	r := d.conns[idx]
	if r.err != nil {
		return nil, r.err
	}
	return r.conn, nil
}

func (d *scriptedDialer) dialCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.dials
}

// scriptedConn records writes and fails after failAfter writes when
// failAfter >= 0.
type scriptedConn struct {
	mu        sync.Mutex
	writes    []media.Buffer
	failAfter int
	closed    bool
}

func (c *scriptedConn) Write(b media.Buffer) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.failAfter >= 0 && len(c.writes) >= c.failAfter {
		return errors.New("broken pipe")
	}
	c.writes = append(c.writes, b)
	return nil
}

func (c *scriptedConn) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
	return nil
}

func (c *scriptedConn) writeCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.writes)
}

func frame(pts time.Duration) media.Buffer {
	return media.Buffer{PTS: pts, Duration: 20 * time.Millisecond, Data: make([]byte, 16)}
}

func waitUntil(t *testing.T, cond func() bool, msg string) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatal(msg)
		}
		time.Sleep(time.Millisecond)
	}
}

func TestSinkWritesInOrder(t *testing.T) {
	conn := &scriptedConn{failAfter: -1}
	dialer := &scriptedDialer{conns: []dialResult{{conn: conn}}}
	s := New(Options{BufferCap: time.Second}, dialer, events.NewBus(), clock.NewFake(), zerolog.Nop())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = s.Run(ctx) }()

	for i := 0; i < 5; i++ {
		if err := s.Push(frame(time.Duration(i) * 20 * time.Millisecond)); err != nil {
			t.Fatalf("push: %v", err)
		}
	}

	waitUntil(t, func() bool { return conn.writeCount() == 5 }, "writer never drained the ring")

	conn.mu.Lock()
	defer conn.mu.Unlock()
	for i := 1; i < len(conn.writes); i++ {
		if conn.writes[i].PTS <= conn.writes[i-1].PTS {
			t.Fatalf("writes out of order at %d", i)
		}
	}
}

func TestSinkDropsOldestWhenFull(t *testing.T) {
	// No connection ever succeeds, so everything queues in the ring.
	dialer := &scriptedDialer{conns: []dialResult{{err: errors.New("refused")}}}
	bus := events.NewBus()
	droppedEvents := bus.Subscribe(events.EventSinkDropped)
	s := New(Options{BufferCap: 100 * time.Millisecond}, dialer, bus, clock.NewFake(), zerolog.Nop())

	// 5 frames fill the cap; the 6th evicts the oldest.
	for i := 0; i < 6; i++ {
		if err := s.Push(frame(time.Duration(i) * 20 * time.Millisecond)); err != nil {
			t.Fatalf("push: %v", err)
		}
	}

	depth, dropped := s.Depth()
	if depth != 100*time.Millisecond {
		t.Fatalf("depth = %v, want cap", depth)
	}
	if dropped != 1 {
		t.Fatalf("dropped = %d, want 1", dropped)
	}
	select {
	case p := <-droppedEvents:
		if p["frames"] != uint64(1) {
			t.Fatalf("unexpected payload: %v", p)
		}
	default:
		t.Fatal("expected a dropped-frames event")
	}

	s.mu.Lock()
	head := s.ring[0].PTS
	s.mu.Unlock()
	if head != 20*time.Millisecond {
		t.Fatalf("oldest frame should be gone, head = %v", head)
	}
}

func TestSinkReconnectsWithBackoff(t *testing.T) {
	good := &scriptedConn{failAfter: 2}
	recovered := &scriptedConn{failAfter: -1}
	dialer := &scriptedDialer{conns: []dialResult{
		{conn: good},
		{err: errors.New("refused")},
		{err: errors.New("refused")},
		{conn: recovered},
	}}

	clk := clock.NewFake()
	bus := events.NewBus()
	down := bus.Subscribe(events.EventSinkDown)
	up := bus.Subscribe(events.EventSinkUp)
	s := New(Options{
		BufferCap: time.Second,
		Backoff:   []time.Duration{time.Second, 2 * time.Second},
	}, dialer, bus, clk, zerolog.Nop())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = s.Run(ctx) }()

	for i := 0; i < 4; i++ {
		_ = s.Push(frame(time.Duration(i) * 20 * time.Millisecond))
	}

	// Two writes land, the third hits the broken pipe.
	waitUntil(t, func() bool { return good.writeCount() == 2 }, "first conn never wrote")
	select {
	case <-down:
	case <-time.After(2 * time.Second):
		t.Fatal("expected a sink-down event")
	}

	// Walk the backoff ladder past two failed dials.
	waitUntil(t, func() bool { return clk.PendingTimers() == 1 }, "no backoff timer armed")
	clk.Advance(time.Second)
	waitUntil(t, func() bool { return dialer.dialCount() >= 3 && clk.PendingTimers() == 1 }, "second backoff not armed")
	clk.Advance(2 * time.Second)

	select {
	case p := <-up:
		if p["attempts"] != 2 {
			t.Fatalf("unexpected attempts: %v", p)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("expected a sink-up event")
	}

	// The failed write was not lost: it is replayed on the new conn,
	// followed by the remaining frame.
	waitUntil(t, func() bool { return recovered.writeCount() == 2 }, "recovered conn missing frames")
	recovered.mu.Lock()
	first := recovered.writes[0].PTS
	recovered.mu.Unlock()
	if first != 40*time.Millisecond {
		t.Fatalf("expected replayed frame at 40ms, got %v", first)
	}
}

func TestMandatorySinkExhaustionIsFatal(t *testing.T) {
	dialer := &scriptedDialer{conns: []dialResult{{err: errors.New("refused")}}}
	clk := clock.NewFake()
	bus := events.NewBus()
	fatal := bus.Subscribe(events.EventSinkFatal)
	s := New(Options{
		BufferCap:     time.Second,
		Backoff:       []time.Duration{time.Second},
		Mandatory:     true,
		MaxReconnects: 3,
	}, dialer, bus, clk, zerolog.Nop())

	errCh := make(chan error, 1)
	go func() { errCh <- s.Run(context.Background()) }()

	for i := 0; i < 2; i++ {
		waitUntil(t, func() bool { return clk.PendingTimers() == 1 }, "backoff timer not armed")
		clk.Advance(time.Second)
	}

	select {
	case err := <-errCh:
		if !errors.Is(err, models.ErrOutputConnection) {
			t.Fatalf("expected output connection error, got %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("run should return after exhausting reconnects")
	}
	select {
	case <-fatal:
	default:
		t.Fatal("expected a sink-fatal event")
	}

	// The sink refuses pushes once it has shut down.
	if err := s.Push(frame(0)); !errors.Is(err, models.ErrOutputConnection) {
		t.Fatalf("push after fatal = %v", err)
	}
}

func TestRTMPLaunchString(t *testing.T) {
	d := NewRTMPDialer("gst-launch-1.0", "rtmp://live.example.com/app/key", Encoding{
		SampleRate:   44100,
		Channels:     2,
		AudioEncoder: "voaacenc",
		VideoEncoder: "x264enc",
		BitrateKbps:  4000,
		SpeedPreset:  "ultrafast",
		ScaleWidth:   1920,
		ScaleHeight:  1080,
	}, zerolog.Nop())

	launch := d.launch()
	for _, want := range []string{
		"fdsrc fd=0",
		"sample-rate=44100",
		"num-channels=2",
		"voaacenc bitrate=4000000",
		"x264enc bitrate=4000",
		"speed-preset=ultrafast",
		"width=1920,height=1080",
		"flvmux name=mux streamable=true",
		`rtmpsink location="rtmp://live.example.com/app/key"`,
	} {
		if !strings.Contains(launch, want) {
			t.Errorf("launch string missing %q:\n%s", want, launch)
		}
	}

	// Audio-only output has no video branch.
	d2 := NewRTMPDialer("", "rtmp://x", Encoding{SampleRate: 44100, Channels: 2, AudioEncoder: "voaacenc", BitrateKbps: 128}, zerolog.Nop())
	if strings.Contains(d2.launch(), "videotestsrc") {
		t.Error("audio-only launch should not carry a video branch")
	}
}
