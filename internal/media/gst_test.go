/*
Copyright (C) 2026 Hayai Broadcast

SPDX-License-Identifier: AGPL-3.0-or-later
*/

package media

import (
	"testing"
	"time"
)

func TestParseClockTime(t *testing.T) {
	tests := []struct {
		in      string
		want    time.Duration
		wantErr bool
	}{
		{"0:03:20.123000000", 3*time.Minute + 20*time.Second + 123*time.Millisecond, false},
		{"1:00:00.000000000", time.Hour, false},
		{"0:00:00.500000000", 500 * time.Millisecond, false},
		{"12:34", 0, true},
		{"a:b:c", 0, true},
	}
	for _, tt := range tests {
		got, err := parseClockTime(tt.in)
		if tt.wantErr {
			if err == nil {
				t.Errorf("parseClockTime(%q): expected error", tt.in)
			}
			continue
		}
		if err != nil {
			t.Errorf("parseClockTime(%q): %v", tt.in, err)
			continue
		}
		if got != tt.want {
			t.Errorf("parseClockTime(%q) = %v, want %v", tt.in, got, tt.want)
		}
	}
}

func TestFrameBytes(t *testing.T) {
	if got := FrameBytes(44100, 2); got != 44100/50*2*2 {
		t.Fatalf("FrameBytes(44100, 2) = %d", got)
	}
	// Degenerate rates fall back to a sane frame size.
	if got := FrameBytes(0, 2); got != 882*2*2 {
		t.Fatalf("FrameBytes(0, 2) = %d", got)
	}
}

func TestFakeHandleLifecycle(t *testing.T) {
	h := NewFakeHandle(30*time.Second, 4)
	h.PushPCM(0, FrameDuration, 1000, 4)
	h.MarkReady()

	select {
	case <-h.Ready():
	default:
		t.Fatal("handle should be ready")
	}

	b := <-h.Buffers()
	if len(b.Data) != 8 {
		t.Fatalf("expected 8 bytes, got %d", len(b.Data))
	}

	h.End()
	if _, ok := <-h.Buffers(); ok {
		t.Fatal("buffers should be closed after End")
	}
	if h.MediaDuration() != 30*time.Second {
		t.Fatalf("unexpected duration %v", h.MediaDuration())
	}
}
