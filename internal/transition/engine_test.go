/*
Copyright (C) 2026 Hayai Broadcast

SPDX-License-Identifier: AGPL-3.0-or-later
*/

package transition

import (
	"context"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/hayai-broadcast/hayai/internal/media"
)

func pcmFrame(sample int16, samples int) []byte {
	data := make([]byte, samples*2)
	for i := 0; i < samples; i++ {
		data[i*2] = byte(uint16(sample) & 0xff)
		data[i*2+1] = byte(uint16(sample) >> 8)
	}
	return data
}

func sampleAt(data []byte, i int) int16 {
	return int16(uint16(data[i*2]) | uint16(data[i*2+1])<<8)
}

func TestMixS16LE(t *testing.T) {
	a := pcmFrame(10000, 4)
	b := pcmFrame(-10000, 4)
	out := make([]byte, len(a))

	MixS16LE(a, b, out, 1.0, 0.0)
	if got := sampleAt(out, 0); got != 10000 {
		t.Fatalf("full a gain: %d", got)
	}
	MixS16LE(a, b, out, 0.0, 1.0)
	if got := sampleAt(out, 0); got != -10000 {
		t.Fatalf("full b gain: %d", got)
	}
	MixS16LE(a, b, out, 0.5, 0.5)
	if got := sampleAt(out, 0); got != 0 {
		t.Fatalf("even mix: %d", got)
	}
}

func TestMixS16LEClamps(t *testing.T) {
	a := pcmFrame(30000, 2)
	b := pcmFrame(30000, 2)
	out := make([]byte, len(a))
	MixS16LE(a, b, out, 1.0, 1.0)
	if got := sampleAt(out, 0); got != 32767 {
		t.Fatalf("expected positive clamp, got %d", got)
	}

	a = pcmFrame(-30000, 2)
	b = pcmFrame(-30000, 2)
	MixS16LE(a, b, out, 1.0, 1.0)
	if got := sampleAt(out, 0); got != -32768 {
		t.Fatalf("expected negative clamp, got %d", got)
	}
}

func TestCrossfadeRampsAndStampsMonotonically(t *testing.T) {
	const frame = 20 * time.Millisecond
	const frames = 5
	overlap := time.Duration(frames) * frame

	tail := make(chan media.Buffer, frames+1)
	for i := 0; i < frames; i++ {
		tail <- media.Buffer{PTS: time.Duration(100+i) * frame, Duration: frame, Data: pcmFrame(20000, 4)}
	}
	close(tail)

	in := media.NewFakeHandle(60*time.Second, frames+1)
	for i := 0; i < frames; i++ {
		in.PushPCM(time.Duration(i)*frame, frame, -20000, 4)
	}

	tl := NewTimeline()
	// Simulate an item that already played up to 2s of session time.
	tl.Stamp(0, 2*time.Second)

	var pushed []media.Buffer
	eng := NewEngine(zerolog.Nop())
	err := eng.Crossfade(context.Background(), tail, in, overlap, 0, tl, func(b media.Buffer) error {
		pushed = append(pushed, b)
		return nil
	})
	if err != nil {
		t.Fatalf("crossfade: %v", err)
	}
	if len(pushed) != frames {
		t.Fatalf("expected %d mixed frames, got %d", frames, len(pushed))
	}

	// Session timestamps continue from 2s without gaps or regressions.
	want := 2 * time.Second
	for i, b := range pushed {
		if b.PTS != want {
			t.Fatalf("frame %d PTS = %v, want %v", i, b.PTS, want)
		}
		want += frame
	}

	// Gain ramps from the outgoing source toward the incoming one.
	first := sampleAt(pushed[0].Data, 0)
	last := sampleAt(pushed[frames-1].Data, 0)
	if first <= 0 {
		t.Fatalf("first mixed frame should favour outgoing audio, got %d", first)
	}
	if last >= first {
		t.Fatalf("mix should ramp toward incoming audio: first=%d last=%d", first, last)
	}
}

func TestCrossfadeOutgoingEndsEarly(t *testing.T) {
	const frame = 20 * time.Millisecond

	tail := make(chan media.Buffer, 2)
	tail <- media.Buffer{PTS: 0, Duration: frame, Data: pcmFrame(1000, 4)}
	close(tail)

	in := media.NewFakeHandle(0, 4)
	in.PushPCM(0, frame, -1000, 4)
	in.PushPCM(frame, frame, -1000, 4)

	tl := NewTimeline()
	var pushed int
	eng := NewEngine(zerolog.Nop())
	err := eng.Crossfade(context.Background(), tail, in, 10*frame, 0, tl, func(media.Buffer) error {
		pushed++
		return nil
	})
	if err != nil {
		t.Fatalf("crossfade: %v", err)
	}
	if pushed != 1 {
		t.Fatalf("expected 1 mixed frame before early end, got %d", pushed)
	}
}

func TestCrossfadeIncomingDies(t *testing.T) {
	const frame = 20 * time.Millisecond

	tail := make(chan media.Buffer, 3)
	for i := 0; i < 3; i++ {
		tail <- media.Buffer{PTS: time.Duration(i) * frame, Duration: frame, Data: pcmFrame(1000, 4)}
	}
	close(tail)

	in := media.NewFakeHandle(0, 1)
	in.End()

	tl := NewTimeline()
	var pushed int
	eng := NewEngine(zerolog.Nop())
	err := eng.Crossfade(context.Background(), tail, in, 10*frame, 0, tl, func(media.Buffer) error {
		pushed++
		return nil
	})
	if err == nil {
		t.Fatal("expected error when incoming source dies mid-fade")
	}
	// The whole outgoing tail still reaches the output at full gain.
	if pushed != 3 {
		t.Fatalf("expected 3 tail frames, got %d", pushed)
	}
}
