/*
Copyright (C) 2026 Hayai Broadcast

SPDX-License-Identifier: AGPL-3.0-or-later
*/

// Package telemetry exposes playout metrics and tracing.
package telemetry

import (
	"context"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/hayai-broadcast/hayai/internal/events"
)

// Metrics holds the playout collectors.
type Metrics struct {
	registry *prometheus.Registry

	ItemsEnded     *prometheus.CounterVec
	SourceFailures prometheus.Counter
	Stalls         prometheus.Counter
	SinkDropped    prometheus.Counter
	SinkReconnects prometheus.Counter
	StateChanges   *prometheus.CounterVec
}

// New registers the playout collectors on a fresh registry. positionFn
// and bufferFn feed the timeline and output buffer gauges; either may
// be nil.
func New(positionFn, bufferFn func() float64) *Metrics {
	registry := prometheus.NewRegistry()

	m := &Metrics{
		registry: registry,
		ItemsEnded: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "hayai_items_ended_total",
			Help: "Playout items that left the air, by reason.",
		}, []string{"reason"}),
		SourceFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "hayai_source_failures_total",
			Help: "Sources that failed to resolve or prebuffer.",
		}),
		Stalls: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "hayai_source_stalls_total",
			Help: "Live sources that exceeded the stall window.",
		}),
		SinkDropped: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "hayai_sink_dropped_frames_total",
			Help: "Output frames dropped because the sink buffer was full.",
		}),
		SinkReconnects: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "hayai_sink_reconnects_total",
			Help: "Times the output connection was re-established.",
		}),
		StateChanges: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "hayai_scheduler_state_changes_total",
			Help: "Scheduler state transitions, by target state.",
		}, []string{"state"}),
	}

	registry.MustRegister(
		m.ItemsEnded,
		m.SourceFailures,
		m.Stalls,
		m.SinkDropped,
		m.SinkReconnects,
		m.StateChanges,
	)
	if positionFn != nil {
		registry.MustRegister(prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Name: "hayai_timeline_position_seconds",
			Help: "Session output timeline position.",
		}, positionFn))
	}
	if bufferFn != nil {
		registry.MustRegister(prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Name: "hayai_output_buffer_seconds",
			Help: "Buffered output waiting for delivery.",
		}, bufferFn))
	}
	return m
}

// Handler exposes the metrics endpoint.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Watch updates counters from bus events until ctx is cancelled.
func (m *Metrics) Watch(ctx context.Context, bus *events.Bus) {
	queue := bus.SubscribeQueue(256,
		events.EventItemEnded,
		events.EventSourceFailed,
		events.EventSourceStalled,
		events.EventSinkDropped,
		events.EventSinkUp,
		events.EventStateChanged,
	)
	defer bus.UnsubscribeQueue(queue)

	for {
		select {
		case <-ctx.Done():
			return
		case ev := <-queue:
			m.observe(ev)
		}
	}
}

func (m *Metrics) observe(ev events.Event) {
	switch ev.Type {
	case events.EventItemEnded:
		reason, _ := ev.Payload["reason"].(string)
		if reason == "" {
			reason = "unknown"
		}
		m.ItemsEnded.WithLabelValues(reason).Inc()
	case events.EventSourceFailed:
		m.SourceFailures.Inc()
	case events.EventSourceStalled:
		m.Stalls.Inc()
	case events.EventSinkDropped:
		if n, ok := ev.Payload["frames"].(uint64); ok {
			m.SinkDropped.Add(float64(n))
		} else {
			m.SinkDropped.Inc()
		}
	case events.EventSinkUp:
		m.SinkReconnects.Inc()
	case events.EventStateChanged:
		to, _ := ev.Payload["to"].(string)
		m.StateChanges.WithLabelValues(to).Inc()
	}
}

// Serve runs a standalone metrics listener when a separate bind
// address is configured.
func (m *Metrics) Serve(ctx context.Context, addr string) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", m.Handler())
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()
	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}
