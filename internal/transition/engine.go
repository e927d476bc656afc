/*
Copyright (C) 2026 Hayai Broadcast

SPDX-License-Identifier: AGPL-3.0-or-later
*/

package transition

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/hayai-broadcast/hayai/internal/media"
)

// PushFunc delivers a session-stamped buffer downstream.
type PushFunc func(media.Buffer) error

// Engine performs the overlap portion of a crossfade: it drains the
// outgoing item's tail while ramping the incoming item in, mixing
// S16LE samples frame by frame. Hard cuts need no engine work beyond
// Timeline.BeginItem, so the engine only covers crossfades.
type Engine struct {
	logger zerolog.Logger
}

func NewEngine(logger zerolog.Logger) *Engine {
	return &Engine{logger: logger.With().Str("component", "transition").Logger()}
}

// Crossfade mixes the outgoing tail against the incoming handle for up
// to overlap, stamping mixed frames on the incoming item's axis.
// Incoming buffers before trimIn are discarded.
//
// It runs synchronously in the caller's goroutine and returns when the
// overlap has elapsed or the outgoing tail ends early. On return the
// incoming handle keeps streaming; the caller resumes pumping it at
// full gain. If the incoming source dies mid-fade the remaining tail
// is pushed at full gain and an error is returned.
func (e *Engine) Crossfade(ctx context.Context, tail <-chan media.Buffer, in media.Handle, overlap, trimIn time.Duration, tl *Timeline, push PushFunc) error {
	tl.BeginItem()

	var mixed time.Duration
	for mixed < overlap {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		out, tailOpen := <-tail
		if !tailOpen {
			// Outgoing ended inside the overlap window; the incoming
			// item simply continues at full gain.
			e.logger.Debug().Dur("mixed", mixed).Dur("overlap", overlap).Msg("outgoing tail ended early")
			return nil
		}

		next, inOpen := <-in.Buffers()
		for inOpen && next.PTS < trimIn {
			next, inOpen = <-in.Buffers()
		}
		if !inOpen {
			if err := e.drainTail(out, tail, tl, push); err != nil {
				return err
			}
			return fmt.Errorf("incoming source ended during crossfade")
		}

		p := float64(mixed) / float64(overlap)
		if p > 1 {
			p = 1
		}

		data := make([]byte, len(next.Data))
		MixS16LE(out.Data, next.Data, data, 1.0-p, p)

		pts := tl.Stamp(next.PTS-trimIn, next.Duration)
		if err := push(media.Buffer{PTS: pts, Duration: next.Duration, Data: data}); err != nil {
			return err
		}
		mixed += next.Duration
	}
	return nil
}

// drainTail pushes the rest of the outgoing stream at full gain after
// the incoming side died.
func (e *Engine) drainTail(current media.Buffer, tail <-chan media.Buffer, tl *Timeline, push PushFunc) error {
	buf, open := current, true
	for open {
		pts := tl.Append(buf.Duration)
		if err := push(media.Buffer{PTS: pts, Duration: buf.Duration, Data: buf.Data}); err != nil {
			return err
		}
		buf, open = <-tail
	}
	return nil
}

// MixS16LE mixes two interleaved S16LE sample buffers into out with
// the given gains, clamping to the int16 range. Shorter inputs are
// treated as silence past their end.
func MixS16LE(a, b, out []byte, av, bv float64) {
	for i := 0; i+1 < len(out); i += 2 {
		var as, bs int16
		if i+1 < len(a) {
			as = int16(uint16(a[i]) | uint16(a[i+1])<<8)
		}
		if i+1 < len(b) {
			bs = int16(uint16(b[i]) | uint16(b[i+1])<<8)
		}
		m := int32(float64(as)*av + float64(bs)*bv)
		if m > 32767 {
			m = 32767
		} else if m < -32768 {
			m = -32768
		}
		u := uint16(int16(m))
		out[i] = byte(u & 0xff)
		out[i+1] = byte((u >> 8) & 0xff)
	}
}
