/*
Copyright (C) 2026 Hayai Broadcast

SPDX-License-Identifier: AGPL-3.0-or-later
*/

package clock

import (
	"testing"
	"time"
)

func TestFakeAdvanceFiresDueTimers(t *testing.T) {
	fc := NewFake()

	oneSec := fc.After(1 * time.Second)
	twoSec := fc.After(2 * time.Second)

	fc.Advance(1 * time.Second)

	select {
	case <-oneSec:
	default:
		t.Fatal("1s timer should have fired")
	}
	select {
	case <-twoSec:
		t.Fatal("2s timer fired early")
	default:
	}

	fc.Advance(1 * time.Second)
	select {
	case <-twoSec:
	default:
		t.Fatal("2s timer should have fired")
	}

	if fc.PendingTimers() != 0 {
		t.Fatalf("expected no pending timers, got %d", fc.PendingTimers())
	}
}

func TestFakeAfterZeroFiresImmediately(t *testing.T) {
	fc := NewFake()
	select {
	case <-fc.After(0):
	default:
		t.Fatal("zero timer should fire without Advance")
	}
}
