/*
Copyright (C) 2026 Hayai Broadcast

SPDX-License-Identifier: AGPL-3.0-or-later
*/

// Package scheduler drives continuous playout: it walks the playlist,
// keeps upcoming items prefetched, starts and stops playback pumps,
// and performs the transition between items.
//
// All decisions happen on one reactor goroutine consuming a single
// ordered event queue. Pumps, prefetch workers and the sink never
// touch scheduler state directly; they only publish events.
package scheduler

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/hayai-broadcast/hayai/internal/clock"
	"github.com/hayai-broadcast/hayai/internal/events"
	"github.com/hayai-broadcast/hayai/internal/media"
	"github.com/hayai-broadcast/hayai/internal/models"
	"github.com/hayai-broadcast/hayai/internal/playlist"
	"github.com/hayai-broadcast/hayai/internal/prefetch"
	"github.com/hayai-broadcast/hayai/internal/sink"
	"github.com/hayai-broadcast/hayai/internal/transition"
)

// Recorder persists as-run history. Implementations must not block
// playout; failures are logged and dropped.
type Recorder interface {
	Record(ctx context.Context, rec models.AsRunRecord) error
}

// Options configure the scheduler.
type Options struct {
	DefaultTransition models.TransitionPolicy
	CrossfadeDuration time.Duration
	LookaheadDepth    int
	Loop              bool
}

// Scheduler is the playout reactor.
type Scheduler struct {
	opts    Options
	list    *playlist.Model
	pf      *prefetch.Manager
	engine  *transition.Engine
	tl      *transition.Timeline
	out     *sink.Sink
	bus     *events.Bus
	clk     clock.Clock
	history Recorder
	logger  zerolog.Logger

	// Reactor-owned state. The mutex only protects the fields the
	// query API reads; every mutation happens on the reactor.
	mu           sync.Mutex
	state        State
	current      *itemRun
	pendingStart string

	runs map[string]*itemRun
}

// itemRun tracks one item's time on air.
type itemRun struct {
	item      models.PlayoutItem
	pump      *pump
	startedAt time.Time
	tlStart   time.Duration
}

func New(opts Options, list *playlist.Model, pf *prefetch.Manager, engine *transition.Engine, tl *transition.Timeline, out *sink.Sink, bus *events.Bus, clk clock.Clock, history Recorder, logger zerolog.Logger) *Scheduler {
	if opts.LookaheadDepth <= 0 {
		opts.LookaheadDepth = 2
	}
	if opts.CrossfadeDuration <= 0 {
		opts.CrossfadeDuration = 2 * time.Second
	}
	if opts.DefaultTransition == "" {
		opts.DefaultTransition = models.TransitionCut
	}
	return &Scheduler{
		opts:    opts,
		list:    list,
		pf:      pf,
		engine:  engine,
		tl:      tl,
		out:     out,
		bus:     bus,
		clk:     clk,
		history: history,
		logger:  logger.With().Str("component", "scheduler").Logger(),
		state:   StateIdle,
		runs:    make(map[string]*itemRun),
	}
}

// Run executes the reactor loop until ctx is cancelled or the sink
// fails fatally. It must be called exactly once.
func (s *Scheduler) Run(ctx context.Context) error {
	queue := s.bus.SubscribeQueue(256,
		events.EventPlaylistChanged,
		events.EventItemSkipped,
		events.EventSourceReady,
		events.EventSourceFailed,
		events.EventSourceStalled,
		events.EventItemNearEnd,
		events.EventItemEnded,
		events.EventSinkFatal,
	)
	defer s.bus.UnsubscribeQueue(queue)

	s.logger.Info().Msg("scheduler started")
	s.resync(ctx)

	for {
		select {
		case <-ctx.Done():
			s.shutdown()
			return ctx.Err()

		case ev := <-queue:
			if ev.Type == events.EventSinkFatal {
				s.logger.Error().Msg("output sink failed permanently")
				s.shutdownTo(StateError)
				return models.ErrOutputConnection
			}
			s.handle(ctx, ev)
		}
	}
}

func (s *Scheduler) handle(ctx context.Context, ev events.Event) {
	itemID, _ := ev.Payload["item_id"].(string)

	switch ev.Type {
	case events.EventPlaylistChanged:
		s.resync(ctx)

	case events.EventItemSkipped:
		s.onSkipped(ctx, itemID)

	case events.EventSourceReady:
		s.onSourceReady(ctx, itemID)

	case events.EventSourceFailed:
		s.onSourceFailed(ctx, itemID, ev.Payload)

	case events.EventSourceStalled:
		s.onStalled(itemID)

	case events.EventItemNearEnd:
		s.onNearEnd(ctx, itemID)

	case events.EventItemEnded:
		s.onEnded(ctx, itemID, ev.Payload)
	}
}

// State reports the scheduler state.
func (s *Scheduler) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Current reports the on-air item and its session start position.
func (s *Scheduler) Current() (models.PlayoutItem, time.Duration, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.current == nil {
		return models.PlayoutItem{}, 0, false
	}
	return s.current.item, s.current.tlStart, true
}

// Upcoming returns up to n items queued after the playhead.
func (s *Scheduler) Upcoming(n int) []models.PlayoutItem {
	s.mu.Lock()
	currentID := ""
	if s.current != nil {
		currentID = s.current.item.ID
	}
	s.mu.Unlock()

	snap := s.list.Snapshot()
	out := make([]models.PlayoutItem, 0, n)
	for _, item := range s.itemsAfter(snap, currentID) {
		if len(out) >= n {
			break
		}
		out = append(out, item)
	}
	return out
}

// Position reports the session output position.
func (s *Scheduler) Position() time.Duration {
	return s.tl.Position()
}

func (s *Scheduler) setState(to State) {
	s.mu.Lock()
	from := s.state
	if !validTransition(from, to) {
		s.mu.Unlock()
		s.logger.Error().Str("from", string(from)).Str("to", string(to)).Msg("invalid state transition")
		return
	}
	s.state = to
	s.mu.Unlock()

	if from != to {
		s.logger.Info().Str("from", string(from)).Str("to", string(to)).Msg("state transition")
		s.bus.Publish(events.EventStateChanged, events.Payload{"from": string(from), "to": string(to)})
	}
}

// itemsAfter lists queued candidates following the given item, in
// playlist order. Played and failed items are passed over.
func (s *Scheduler) itemsAfter(snap playlist.Snapshot, afterID string) []models.PlayoutItem {
	start := 0
	if afterID != "" {
		for i, item := range snap.Items {
			if item.ID == afterID {
				start = i + 1
				break
			}
		}
	}
	var out []models.PlayoutItem
	for _, item := range snap.Items[start:] {
		switch item.Status {
		case models.StatusPending, models.StatusPrefetching, models.StatusReady:
			out = append(out, item)
		}
	}
	return out
}

// resync reconciles the prefetch window and the upcoming transition
// with the current playlist, and kicks off playback when idle.
func (s *Scheduler) resync(ctx context.Context) {
	s.mu.Lock()
	currentID := ""
	if s.current != nil {
		currentID = s.current.item.ID
	}
	state := s.state
	s.mu.Unlock()

	snap := s.list.Snapshot()
	window := s.itemsAfter(snap, currentID)
	if len(window) > s.opts.LookaheadDepth {
		window = window[:s.opts.LookaheadDepth]
	}
	for _, item := range window {
		if item.Status == models.StatusPending {
			s.list.SetStatus(item.ID, models.StatusPrefetching)
		}
	}
	s.pf.Sync(ctx, window)

	// Keep the on-air pump's holdback aligned with whatever item is
	// next now.
	if s.current != nil && s.current.pump != nil {
		overlap := time.Duration(0)
		if len(window) > 0 {
			if policy, d := s.transitionInto(window[0]); policy == models.TransitionCrossfade {
				overlap = d
			}
		}
		s.current.pump.setOverlap(overlap)
	}

	// Nothing on air: line up the head of the window. A stalled
	// scheduler stays stalled until an item actually starts; it never
	// downgrades to idle or prefetching once playout has begun.
	if currentID == "" && (state == StateIdle || state == StatePrefetching || state == StateStalled) {
		if len(window) == 0 {
			s.pendingStart = ""
			if state != StateStalled {
				s.setState(StateIdle)
			}
			return
		}
		head := window[0]
		s.pendingStart = head.ID
		if handle, ok := s.pf.Take(head.ID); ok {
			s.startItem(ctx, head, handle, false)
			return
		}
		if state != StateStalled {
			s.setState(StatePrefetching)
		}
	}
}

// transitionInto resolves the policy and overlap used when the given
// item goes on air.
func (s *Scheduler) transitionInto(item models.PlayoutItem) (models.TransitionPolicy, time.Duration) {
	policy := s.opts.DefaultTransition
	overlap := s.opts.CrossfadeDuration
	if item.Transition != nil {
		if item.Transition.Policy != "" {
			policy = item.Transition.Policy
		}
		if item.Transition.Crossfade > 0 {
			overlap = item.Transition.Crossfade
		}
	}
	if policy != models.TransitionCrossfade {
		overlap = 0
	}
	return policy, overlap
}

func (s *Scheduler) onSourceReady(ctx context.Context, itemID string) {
	s.list.SetStatus(itemID, models.StatusReady)
	if s.pendingStart != itemID {
		return
	}
	item, ok := s.list.ItemByID(itemID)
	if !ok {
		s.pendingStart = ""
		s.resync(ctx)
		return
	}
	handle, ok := s.pf.Take(itemID)
	if !ok {
		return
	}
	s.startItem(ctx, item, handle, false)
}

func (s *Scheduler) onSourceFailed(ctx context.Context, itemID string, payload events.Payload) {
	s.list.SetStatus(itemID, models.StatusFailed)

	item, ok := s.list.ItemByID(itemID)
	if ok {
		detail, _ := payload["error"].(string)
		s.record(ctx, item, models.OutcomeFailed, detail, 0, 0, s.clk.Now(), s.clk.Now())
	}

	if s.pendingStart == itemID {
		s.pendingStart = ""
		s.resync(ctx)
	}
}

func (s *Scheduler) onSkipped(ctx context.Context, itemID string) {
	s.mu.Lock()
	isCurrent := s.current != nil && s.current.item.ID == itemID
	var cur *itemRun
	if isCurrent {
		cur = s.current
	}
	s.mu.Unlock()

	if isCurrent {
		// The ended event finalizes the run and advances.
		cur.pump.abort(endSkipped)
		return
	}

	s.pf.Cancel(itemID)
	if s.pendingStart == itemID {
		s.pendingStart = ""
	}
	s.resync(ctx)
}

func (s *Scheduler) onStalled(itemID string) {
	s.mu.Lock()
	isCurrent := s.current != nil && s.current.item.ID == itemID
	var cur *itemRun
	if isCurrent {
		cur = s.current
	}
	s.mu.Unlock()
	if !isCurrent {
		return
	}

	s.setState(StateStalled)
	s.bus.Publish(events.EventStalled, events.Payload{"item_id": itemID})
	// Give up on the source; the ended event advances to the next item.
	cur.pump.abort(endStalled)
}

func (s *Scheduler) onNearEnd(ctx context.Context, itemID string) {
	s.mu.Lock()
	isCurrent := s.current != nil && s.current.item.ID == itemID
	var cur *itemRun
	if isCurrent {
		cur = s.current
	}
	s.mu.Unlock()
	if !isCurrent {
		return
	}

	tail := cur.pump.Tail()
	if tail == nil {
		return
	}

	snap := s.list.Snapshot()
	next := s.itemsAfter(snap, itemID)
	if len(next) > 0 {
		policy, overlap := s.transitionInto(next[0])
		if policy == models.TransitionCrossfade {
			if handle, ok := s.pf.Take(next[0].ID); ok {
				s.crossfade(ctx, cur, next[0], handle, tail, overlap)
				return
			}
		}
	}

	// No crossfade possible: play the tail out at full gain and let
	// the ended event cut to whatever is next.
	s.drainTail(tail)
}

// crossfade runs the overlap mix synchronously on the reactor, so any
// playlist mutation arriving mid-fade queues up and is applied
// atomically afterwards.
func (s *Scheduler) crossfade(ctx context.Context, outgoing *itemRun, next models.PlayoutItem, handle media.Handle, tail <-chan media.Buffer, overlap time.Duration) {
	s.setState(StateTransitioning)
	s.logger.Info().
		Str("from", outgoing.item.ID).
		Str("to", next.ID).
		Dur("overlap", overlap).
		Msg("crossfading")

	err := s.engine.Crossfade(ctx, tail, handle, overlap, next.TrimIn, s.tl, func(b media.Buffer) error {
		return s.out.Push(b)
	})
	if err != nil {
		s.logger.Warn().Err(err).Str("item_id", next.ID).Msg("crossfade aborted")
		_ = handle.Close()
		s.list.SetStatus(next.ID, models.StatusFailed)
		s.record(ctx, next, models.OutcomeFailed, err.Error(), 0, 0, s.clk.Now(), s.clk.Now())
		// The outgoing item's ended event advances past the failure.
		return
	}

	s.finishHandoff(ctx, outgoing)
	s.startItem(ctx, next, handle, true)
}

// finishHandoff retires the item whose tail was just mixed out. The run
// is finalized here on the reactor, before its successor goes on air,
// so at most one item is ever marked playing and the outgoing source
// releases promptly.
func (s *Scheduler) finishHandoff(ctx context.Context, run *itemRun) {
	run.pump.abort(endHandedOff)
	run.pump.wait()

	s.mu.Lock()
	delete(s.runs, run.item.ID)
	if s.current == run {
		s.current = nil
	}
	s.mu.Unlock()

	s.list.SetStatus(run.item.ID, models.StatusPlayed)
	s.record(ctx, run.item, models.OutcomePlayed, "", run.tlStart, s.tl.Position(), run.startedAt, s.clk.Now())
	s.logger.Info().
		Str("item_id", run.item.ID).
		Str("reason", string(endHandedOff)).
		Msg("item left air")
}

// drainTail forwards the outgoing item's tail to the sink unmixed.
func (s *Scheduler) drainTail(tail <-chan media.Buffer) {
	for b := range tail {
		pts := s.tl.Append(b.Duration)
		if err := s.out.Push(media.Buffer{PTS: pts, Duration: b.Duration, Data: b.Data}); err != nil {
			return
		}
	}
}

// startItem puts an item on air. resumed marks a crossfade promotion,
// where the timeline was already rebased by the engine.
func (s *Scheduler) startItem(ctx context.Context, item models.PlayoutItem, handle media.Handle, resumed bool) {
	if !resumed {
		s.tl.BeginItem()
	}

	run := &itemRun{
		item:      item,
		startedAt: s.clk.Now(),
		tlStart:   s.tl.Position(),
	}
	run.pump = newPump(item, handle, s.tl, s.out, s.bus, s.logger)

	s.mu.Lock()
	s.current = run
	s.pendingStart = ""
	s.runs[item.ID] = run
	s.mu.Unlock()

	s.list.SetStatus(item.ID, models.StatusPlaying)
	s.setState(StatePlaying)

	s.logger.Info().
		Str("item_id", item.ID).
		Str("source", item.Source.Location()).
		Dur("timeline", run.tlStart).
		Msg("item on air")
	s.bus.Publish(events.EventItemStarted, events.Payload{"item_id": item.ID})
	s.bus.Publish(events.EventNowPlaying, events.Payload{
		"item_id":  item.ID,
		"source":   item.Source.Location(),
		"kind":     string(item.Source.Kind),
		"timeline": run.tlStart.Seconds(),
	})

	go run.pump.run()
	s.resync(ctx)
}

func (s *Scheduler) onEnded(ctx context.Context, itemID string, payload events.Payload) {
	s.mu.Lock()
	run, ok := s.runs[itemID]
	if ok {
		delete(s.runs, itemID)
	}
	wasCurrent := s.current != nil && s.current.item.ID == itemID
	if wasCurrent {
		s.current = nil
	}
	s.mu.Unlock()
	if !ok {
		return
	}

	reason, _ := payload["reason"].(string)
	detail, _ := payload["error"].(string)

	outcome := models.OutcomePlayed
	status := models.StatusPlayed
	switch endReason(reason) {
	case endFailed, endStalled:
		outcome = models.OutcomeFailed
		status = models.StatusFailed
		if detail == "" {
			detail = reason
		}
	case endSkipped:
		outcome = models.OutcomeSkipped
		status = models.StatusPlayed
	}
	// Skipped items were already removed from the playlist.
	if endReason(reason) != endSkipped {
		s.list.SetStatus(itemID, status)
	}

	s.record(ctx, run.item, outcome, detail, run.tlStart, s.tl.Position(), run.startedAt, s.clk.Now())
	s.logger.Info().
		Str("item_id", itemID).
		Str("reason", reason).
		Msg("item left air")

	if wasCurrent {
		s.advance(ctx)
	}
}

// advance starts whatever should follow the item that just ended.
func (s *Scheduler) advance(ctx context.Context) {
	snap := s.list.Snapshot()
	candidates := s.itemsAfter(snap, "")

	if len(candidates) == 0 {
		if s.opts.Loop && s.rewind(snap) {
			snap = s.list.Snapshot()
			candidates = s.itemsAfter(snap, "")
		}
	}
	if len(candidates) == 0 {
		s.pendingStart = ""
		s.setState(StateStalled)
		s.logger.Warn().Msg("playlist exhausted, playout stalled")
		s.bus.Publish(events.EventStalled, events.Payload{"reason": "playlist_exhausted"})
		s.resync(ctx)
		return
	}

	head := candidates[0]
	s.pendingStart = head.ID
	if handle, ok := s.pf.Take(head.ID); ok {
		s.setState(StateTransitioning)
		s.startItem(ctx, head, handle, false)
		return
	}
	s.setState(StateStalled)
	s.logger.Warn().Str("item_id", head.ID).Msg("next item not ready, playout stalled")
	s.bus.Publish(events.EventStalled, events.Payload{"item_id": head.ID, "reason": "next_not_ready"})
	s.resync(ctx)
}

// rewind resets played items to pending for loop mode. Failed items
// stay failed. Reports whether anything was reset.
func (s *Scheduler) rewind(snap playlist.Snapshot) bool {
	reset := false
	for _, item := range snap.Items {
		if item.Status == models.StatusPlayed {
			s.list.SetStatus(item.ID, models.StatusPending)
			reset = true
		}
	}
	if reset {
		s.logger.Info().Msg("looping playlist from the top")
	}
	return reset
}

func (s *Scheduler) record(ctx context.Context, item models.PlayoutItem, outcome models.AsRunOutcome, detail string, tlStart, tlEnd time.Duration, startedAt, endedAt time.Time) {
	if s.history == nil {
		return
	}
	rec := models.AsRunRecord{
		ItemID:        item.ID,
		SourceKind:    string(item.Source.Kind),
		Location:      item.Source.Location(),
		Outcome:       outcome,
		Detail:        detail,
		TimelineStart: tlStart,
		TimelineEnd:   tlEnd,
		StartedAt:     startedAt,
		EndedAt:       endedAt,
	}
	if err := s.history.Record(ctx, rec); err != nil {
		s.logger.Error().Err(err).Str("item_id", item.ID).Msg("failed to write as-run record")
	}
}

func (s *Scheduler) currentID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.current == nil {
		return ""
	}
	return s.current.item.ID
}

func (s *Scheduler) shutdown() {
	s.shutdownTo(StateStopped)
}

func (s *Scheduler) shutdownTo(final State) {
	s.mu.Lock()
	cur := s.current
	s.current = nil
	s.pendingStart = ""
	s.mu.Unlock()

	if cur != nil {
		cur.pump.abort(endStopped)
		cur.pump.wait()
	}
	s.pf.Close()
	s.setState(final)
	s.logger.Info().Str("state", string(final)).Msg("scheduler stopped")
}
