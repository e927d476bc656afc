/*
Copyright (C) 2026 Hayai Broadcast

SPDX-License-Identifier: AGPL-3.0-or-later
*/

// Package server wires the playout engine together: configuration, storage,
// event bus, media pipeline, scheduler, sink, mirrors and the HTTP surface.
package server

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"gorm.io/gorm"

	"github.com/hayai-broadcast/hayai/internal/api"
	"github.com/hayai-broadcast/hayai/internal/clock"
	"github.com/hayai-broadcast/hayai/internal/config"
	"github.com/hayai-broadcast/hayai/internal/db"
	"github.com/hayai-broadcast/hayai/internal/eventbus"
	"github.com/hayai-broadcast/hayai/internal/events"
	"github.com/hayai-broadcast/hayai/internal/history"
	"github.com/hayai-broadcast/hayai/internal/logbuffer"
	"github.com/hayai-broadcast/hayai/internal/media"
	"github.com/hayai-broadcast/hayai/internal/models"
	"github.com/hayai-broadcast/hayai/internal/playlist"
	"github.com/hayai-broadcast/hayai/internal/prefetch"
	"github.com/hayai-broadcast/hayai/internal/scheduler"
	"github.com/hayai-broadcast/hayai/internal/sink"
	"github.com/hayai-broadcast/hayai/internal/telemetry"
	"github.com/hayai-broadcast/hayai/internal/transition"
)

// Server bundles the playout engine and its HTTP control surface.
type Server struct {
	cfg        *config.Config
	logger     zerolog.Logger
	router     chi.Router
	httpServer *http.Server
	closers    []func() error

	db        *gorm.DB
	bus       *events.Bus
	clk       clock.Clock
	list      *playlist.Model
	sched     *scheduler.Scheduler
	out       *sink.Sink
	metrics   *telemetry.Metrics
	tracer    *telemetry.TracerProvider
	natsMirr  *eventbus.NATSMirror
	redisMirr *eventbus.RedisMirror
	logBuffer *logbuffer.Buffer
	nodeID    string

	bgCancel context.CancelFunc
	bgWG     sync.WaitGroup
	schedErr chan error
}

// New constructs the server and wires dependencies.
func New(cfg *config.Config, logBuf *logbuffer.Buffer, logger zerolog.Logger) (*Server, error) {
	router := chi.NewRouter()
	router.Use(middleware.RequestID)
	router.Use(middleware.RealIP)
	router.Use(middleware.Recoverer)
	router.Use(middleware.Timeout(30 * time.Second))

	srv := &Server{
		cfg:       cfg,
		logger:    logger,
		router:    router,
		bus:       events.NewBus(),
		clk:       clock.NewSystem(),
		logBuffer: logBuf,
		nodeID:    nodeID(),
		schedErr:  make(chan error, 1),
	}

	if err := srv.initDependencies(); err != nil {
		srv.Close()
		return nil, err
	}

	srv.startBackgroundWorkers()

	addr := fmt.Sprintf("%s:%d", cfg.HTTPBind, cfg.HTTPPort)
	srv.httpServer = &http.Server{
		Addr:              addr,
		Handler:           srv.router,
		ReadHeaderTimeout: 15 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	return srv, nil
}

func nodeID() string {
	if host, err := os.Hostname(); err == nil && host != "" {
		return host
	}
	return uuid.NewString()
}

func (s *Server) initDependencies() error {
	database, err := db.Connect(s.cfg)
	if err != nil {
		return err
	}
	if err := db.Migrate(database); err != nil {
		return err
	}
	s.db = database
	s.DeferClose(func() error { return db.Close(database) })

	hist := history.New(database, s.logger)
	s.list = playlist.New(s.bus, s.logger)

	pipe := media.NewGstPipeline(media.GstOptions{
		Bin:         s.cfg.GStreamerBin,
		SampleRate:  s.cfg.SampleRate,
		Channels:    s.cfg.Channels,
		StallWindow: s.cfg.StallWindow,
	}, s.clk, s.logger)

	pf := prefetch.NewManager(prefetch.Options{
		Workers:        s.cfg.PrefetchWorkers,
		Depth:          s.cfg.LookaheadDepth,
		PrebufferLocal: s.cfg.PrebufferLocal,
		PrebufferHLS:   s.cfg.PrebufferHLS,
	}, pipe, s.bus, s.clk, s.logger)

	enc := sink.Encoding{
		SampleRate:   s.cfg.SampleRate,
		Channels:     s.cfg.Channels,
		AudioEncoder: s.cfg.AudioEncoder,
		VideoEncoder: s.cfg.VideoEncoder,
		BitrateKbps:  s.cfg.BitrateKbps,
		SpeedPreset:  s.cfg.SpeedPreset,
	}
	if s.cfg.ScaleEnabled {
		enc.ScaleWidth = s.cfg.ScaleWidth
		enc.ScaleHeight = s.cfg.ScaleHeight
	}
	dialer := sink.NewRTMPDialer(s.cfg.GStreamerBin, s.cfg.RTMPURL, enc, s.logger)
	s.out = sink.New(sink.Options{
		BufferCap:     s.cfg.OutputBufferCap,
		Backoff:       s.cfg.ReconnectBackoff,
		Mandatory:     s.cfg.SinkMandatory,
		MaxReconnects: s.cfg.SinkMaxReconnects,
	}, dialer, s.bus, s.clk, s.logger)

	s.sched = scheduler.New(scheduler.Options{
		DefaultTransition: models.TransitionPolicy(s.cfg.DefaultTransition),
		CrossfadeDuration: s.cfg.CrossfadeDuration,
		LookaheadDepth:    s.cfg.LookaheadDepth,
		Loop:              s.cfg.LoopPlaylist,
	}, s.list, pf, transition.NewEngine(s.logger), transition.NewTimeline(), s.out, s.bus, s.clk, hist, s.logger)

	s.metrics = telemetry.New(
		func() float64 { return s.sched.Position().Seconds() },
		func() float64 { depth, _ := s.out.Depth(); return depth.Seconds() },
	)

	tracer, err := telemetry.InitTracer(context.Background(), telemetry.TracerConfig{
		ServiceName:  "hayai",
		OTLPEndpoint: s.cfg.OTLPEndpoint,
		Enabled:      s.cfg.TracingEnabled,
		SampleRate:   s.cfg.TracingSampleRate,
	}, s.logger)
	if err != nil {
		s.logger.Warn().Err(err).Msg("tracing init failed, continuing without tracing")
	} else {
		s.tracer = tracer
		s.DeferClose(func() error {
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			return s.tracer.Shutdown(ctx)
		})
	}

	if s.cfg.NATSURL != "" {
		mirror, err := eventbus.NewNATSMirror(s.cfg.NATSURL, s.nodeID, s.logger)
		if err != nil {
			s.logger.Warn().Err(err).Msg("nats mirror unavailable, continuing without it")
		} else {
			s.natsMirr = mirror
			s.DeferClose(func() error { s.natsMirr.Close(); return nil })
		}
	}
	if s.cfg.RedisAddr != "" {
		redisCfg := eventbus.DefaultRedisConfig()
		redisCfg.Addr = s.cfg.RedisAddr
		redisCfg.Password = s.cfg.RedisPassword
		redisCfg.DB = s.cfg.RedisDB
		s.redisMirr = eventbus.NewRedisMirror(redisCfg, s.nodeID, s.logger)
		s.DeferClose(func() error { return s.redisMirr.Close() })
	}

	ctrl := api.New(s.list, s.sched, hist, s.out, s.logBuffer, s.cfg.APIToken, s.logger)
	ctrl.Routes(s.router)
	s.router.Handle("/metrics", s.metrics.Handler())
	s.router.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})

	return nil
}

// SeedPlaylist loads the YAML playlist file and appends its items.
func (s *Server) SeedPlaylist(path string) error {
	items, err := playlist.LoadFile(path)
	if err != nil {
		return err
	}
	snap, err := playlist.Seed(s.list, items)
	if err != nil {
		return err
	}
	s.logger.Info().Str("path", path).Int("items", len(snap.Items)).Msg("playlist seeded")
	return nil
}

func (s *Server) startBackgroundWorkers() {
	ctx, cancel := context.WithCancel(context.Background())
	s.bgCancel = cancel

	s.bgWG.Add(1)
	go func() {
		defer s.bgWG.Done()
		if err := s.out.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
			s.logger.Error().Err(err).Msg("sink loop exited")
		}
	}()

	s.bgWG.Add(1)
	go func() {
		defer s.bgWG.Done()
		err := s.sched.Run(ctx)
		if err != nil && !errors.Is(err, context.Canceled) {
			s.logger.Error().Err(err).Msg("scheduler exited")
			select {
			case s.schedErr <- err:
			default:
			}
		}
	}()

	s.bgWG.Add(1)
	go func() {
		defer s.bgWG.Done()
		s.metrics.Watch(ctx, s.bus)
	}()

	if s.cfg.MetricsBind != "" {
		s.bgWG.Add(1)
		go func() {
			defer s.bgWG.Done()
			if err := s.metrics.Serve(ctx, s.cfg.MetricsBind); err != nil && !errors.Is(err, http.ErrServerClosed) {
				s.logger.Error().Err(err).Msg("metrics listener exited")
			}
		}()
	}

	if s.natsMirr != nil {
		s.bgWG.Add(1)
		go func() {
			defer s.bgWG.Done()
			s.natsMirr.Run(ctx, s.bus)
		}()
	}
	if s.redisMirr != nil {
		s.bgWG.Add(1)
		go func() {
			defer s.bgWG.Done()
			s.redisMirr.Run(ctx, s.bus)
		}()
	}
}

// SchedulerErr reports a fatal scheduler exit, if any.
func (s *Server) SchedulerErr() <-chan error {
	return s.schedErr
}

// HTTPServer returns the configured HTTP server for the caller to run.
func (s *Server) HTTPServer() *http.Server {
	return s.httpServer
}

// Close releases owned resources in reverse order.
func (s *Server) Close() error {
	if s.bgCancel != nil {
		s.bgCancel()
		s.bgWG.Wait()
	}
	var firstErr error
	for i := len(s.closers) - 1; i >= 0; i-- {
		if err := s.closers[i](); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// DeferClose registers a cleanup hook.
func (s *Server) DeferClose(fn func() error) {
	s.closers = append(s.closers, fn)
}
