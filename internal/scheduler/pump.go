/*
Copyright (C) 2026 Hayai Broadcast

SPDX-License-Identifier: AGPL-3.0-or-later
*/

package scheduler

import (
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"github.com/hayai-broadcast/hayai/internal/events"
	"github.com/hayai-broadcast/hayai/internal/media"
	"github.com/hayai-broadcast/hayai/internal/models"
	"github.com/hayai-broadcast/hayai/internal/sink"
	"github.com/hayai-broadcast/hayai/internal/transition"
)

type endReason string

const (
	endEOF       endReason = "eof"
	endTrimOut   endReason = "trim_out"
	endStalled   endReason = "stalled"
	endFailed    endReason = "failed"
	endSkipped   endReason = "skipped"
	endStopped   endReason = "stopped"
	endHandedOff endReason = "handed_off"
)

// pump relays one item's decoded buffers onto the session timeline and
// into the sink. Near the item's end, when a crossfade into the next
// item is pending, it stops stamping and hands the remaining frames to
// the transition engine as a tail channel instead.
type pump struct {
	item   models.PlayoutItem
	handle media.Handle
	tl     *transition.Timeline
	out    *sink.Sink
	bus    *events.Bus
	logger zerolog.Logger

	// overlap is the crossfade holdback before the item's end. The
	// scheduler updates it when the upcoming item changes.
	overlap atomic.Int64

	tail chan media.Buffer

	abortOnce   sync.Once
	stop        chan struct{}
	abortReason endReason

	done chan struct{}
}

func newPump(item models.PlayoutItem, handle media.Handle, tl *transition.Timeline, out *sink.Sink, bus *events.Bus, logger zerolog.Logger) *pump {
	return &pump{
		item:   item,
		handle: handle,
		tl:     tl,
		out:    out,
		bus:    bus,
		logger: logger.With().Str("item_id", item.ID).Logger(),
		stop:   make(chan struct{}),
		done:   make(chan struct{}),
	}
}

// setOverlap updates the crossfade holdback for the transition out of
// this item. Zero means the next transition is a hard cut.
func (p *pump) setOverlap(d time.Duration) {
	p.overlap.Store(int64(d))
}

// Tail returns the handoff channel. Valid only after the near-end
// event for this item has been observed.
func (p *pump) Tail() <-chan media.Buffer {
	return p.tail
}

// abort stops the pump and records why. The first call wins.
func (p *pump) abort(reason endReason) {
	p.abortOnce.Do(func() {
		p.abortReason = reason
		close(p.stop)
		_ = p.handle.Close()
	})
}

func (p *pump) wait() {
	<-p.done
}

func (p *pump) run() {
	defer close(p.done)

	trimIn := p.item.TrimIn
	end := p.item.TrimOut
	endIsTrim := end > 0
	if end == 0 {
		// Unknown for live sources; finite files report their probe.
		end = p.handle.MediaDuration()
	}

	reason := endEOF
	var errMsg string
	handedOff := false

loop:
	for {
		select {
		case <-p.stop:
			reason = p.abortReason
			break loop

		case err, ok := <-p.handle.Errors():
			if !ok {
				continue
			}
			if errors.Is(err, models.ErrSourceStall) {
				p.logger.Warn().Msg("on-air source stalled")
				p.bus.Publish(events.EventSourceStalled, events.Payload{"item_id": p.item.ID})
				continue
			}
			reason = endFailed
			errMsg = err.Error()
			break loop

		case b, ok := <-p.handle.Buffers():
			if !ok {
				break loop
			}
			if b.PTS < trimIn {
				continue
			}
			if end > 0 && b.PTS >= end {
				if endIsTrim {
					reason = endTrimOut
				}
				break loop
			}

			if !handedOff {
				if overlap := time.Duration(p.overlap.Load()); overlap > 0 && end > 0 && b.PTS >= end-overlap {
					handedOff = true
					p.tail = make(chan media.Buffer, int(overlap/media.FrameDuration)+4)
					p.bus.Publish(events.EventItemNearEnd, events.Payload{"item_id": p.item.ID})
				}
			}

			if handedOff {
				select {
				case p.tail <- b:
				case <-p.stop:
					reason = p.abortReason
					break loop
				}
				continue
			}

			pts := p.tl.Stamp(b.PTS-trimIn, b.Duration)
			if err := p.out.Push(media.Buffer{PTS: pts, Duration: b.Duration, Data: b.Data}); err != nil {
				reason = endFailed
				errMsg = err.Error()
				break loop
			}
		}
	}

	if handedOff {
		close(p.tail)
	}
	_ = p.handle.Close()

	payload := events.Payload{"item_id": p.item.ID, "reason": string(reason)}
	if errMsg != "" {
		payload["error"] = errMsg
	}
	p.bus.Publish(events.EventItemEnded, payload)
}
