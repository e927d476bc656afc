/*
Copyright (C) 2026 Hayai Broadcast

SPDX-License-Identifier: AGPL-3.0-or-later
*/

package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Database backend selection for the as-run log.
type DatabaseBackend string

const (
	DatabasePostgres DatabaseBackend = "postgres"
	DatabaseMySQL    DatabaseBackend = "mysql"
	DatabaseSQLite   DatabaseBackend = "sqlite"
)

// Config covers process level configuration read from environment variables.
type Config struct {
	Environment string
	HTTPBind    string
	HTTPPort    int
	APIToken    string // Bearer token guarding the control API; empty disables auth
	MetricsBind string

	// Output destination.
	RTMPURL           string
	SinkMandatory     bool // Exhausting reconnects drives the scheduler into Error
	SinkMaxReconnects int

	// Media pipeline.
	GStreamerBin string

	// Playout scheduling.
	LookaheadDepth    int
	PrefetchWorkers   int
	OutputBufferCap   time.Duration // Bounded sink buffer; oldest dropped beyond it
	ReconnectBackoff  []time.Duration
	DefaultTransition string // "cut" or "crossfade"
	CrossfadeDuration time.Duration
	PrebufferLocal    time.Duration
	PrebufferHLS      time.Duration
	StallWindow       time.Duration // Live source silence before declaring a stall
	LoopPlaylist      bool

	// Audio format on the internal PCM bus.
	SampleRate int
	Channels   int

	// Encoder settings handed to the sink pipeline builder.
	VideoEncoder string
	AudioEncoder string
	BitrateKbps  int
	SpeedPreset  string
	ScaleEnabled bool
	ScaleWidth   int
	ScaleHeight  int

	// As-run log storage.
	DBBackend DatabaseBackend
	DBDSN     string

	// Event mirrors.
	NATSURL       string
	RedisAddr     string
	RedisPassword string
	RedisDB       int

	// Tracing configuration.
	TracingEnabled    bool
	OTLPEndpoint      string
	TracingSampleRate float64
}

// Load reads environment variables, applies defaults, and validates the result.
func Load() (*Config, error) {
	cfg := &Config{
		Environment: getEnv("HAYAI_ENV", "development"),
		HTTPBind:    getEnv("HAYAI_HTTP_BIND", "0.0.0.0"),
		HTTPPort:    getEnvInt("HAYAI_HTTP_PORT", 8080),
		APIToken:    getEnv("HAYAI_API_TOKEN", ""),
		MetricsBind: getEnv("HAYAI_METRICS_BIND", "127.0.0.1:9000"),

		RTMPURL:           getEnv("HAYAI_RTMP_URL", ""),
		SinkMandatory:     getEnvBool("HAYAI_SINK_MANDATORY", false),
		SinkMaxReconnects: getEnvInt("HAYAI_SINK_MAX_RECONNECTS", 0),

		GStreamerBin: getEnv("HAYAI_GSTREAMER_BIN", "gst-launch-1.0"),

		LookaheadDepth:    getEnvInt("HAYAI_LOOKAHEAD_DEPTH", 2),
		PrefetchWorkers:   getEnvInt("HAYAI_PREFETCH_WORKERS", 2),
		OutputBufferCap:   getEnvDuration("HAYAI_OUTPUT_BUFFER_SECONDS", 10*time.Second),
		DefaultTransition: getEnv("HAYAI_TRANSITION_POLICY", "cut"),
		CrossfadeDuration: getEnvDuration("HAYAI_CROSSFADE_SECONDS", 2*time.Second),
		PrebufferLocal:    getEnvDuration("HAYAI_PREBUFFER_LOCAL_SECONDS", 5*time.Second),
		PrebufferHLS:      getEnvDuration("HAYAI_PREBUFFER_HLS_SECONDS", 15*time.Second),
		StallWindow:       getEnvDuration("HAYAI_STALL_WINDOW_SECONDS", 10*time.Second),
		LoopPlaylist:      getEnvBool("HAYAI_LOOP_PLAYLIST", false),

		SampleRate: getEnvInt("HAYAI_SAMPLE_RATE", 44100),
		Channels:   getEnvInt("HAYAI_CHANNELS", 2),

		VideoEncoder: getEnv("HAYAI_VIDEO_ENCODER", "x264enc"),
		AudioEncoder: getEnv("HAYAI_AUDIO_ENCODER", "voaacenc"),
		BitrateKbps:  getEnvInt("HAYAI_BITRATE_KBPS", 4000),
		SpeedPreset:  getEnv("HAYAI_SPEED_PRESET", "ultrafast"),
		ScaleEnabled: getEnvBool("HAYAI_SCALE_ENABLED", false),
		ScaleWidth:   getEnvInt("HAYAI_SCALE_WIDTH", 1920),
		ScaleHeight:  getEnvInt("HAYAI_SCALE_HEIGHT", 1080),

		DBBackend: DatabaseBackend(getEnv("HAYAI_DB_BACKEND", string(DatabaseSQLite))),
		DBDSN:     getEnv("HAYAI_DB_DSN", "hayai.db"),

		NATSURL:       getEnv("HAYAI_NATS_URL", ""),
		RedisAddr:     getEnv("HAYAI_REDIS_ADDR", ""),
		RedisPassword: getEnv("HAYAI_REDIS_PASSWORD", ""),
		RedisDB:       getEnvInt("HAYAI_REDIS_DB", 0),

		TracingEnabled:    getEnvBool("HAYAI_TRACING_ENABLED", false),
		OTLPEndpoint:      getEnv("HAYAI_OTLP_ENDPOINT", "localhost:4317"),
		TracingSampleRate: getEnvFloat("HAYAI_TRACING_SAMPLE_RATE", 1.0),
	}

	backoff, err := parseBackoff(getEnv("HAYAI_RECONNECT_BACKOFF", "1s,2s,4s,8s,16s,30s"))
	if err != nil {
		return nil, fmt.Errorf("HAYAI_RECONNECT_BACKOFF: %w", err)
	}
	cfg.ReconnectBackoff = backoff

	if cfg.DBBackend != DatabasePostgres && cfg.DBBackend != DatabaseMySQL && cfg.DBBackend != DatabaseSQLite {
		return nil, fmt.Errorf("unsupported database backend %q", cfg.DBBackend)
	}

	if cfg.DefaultTransition != "cut" && cfg.DefaultTransition != "crossfade" {
		return nil, fmt.Errorf("unsupported transition policy %q", cfg.DefaultTransition)
	}

	if cfg.LookaheadDepth < 1 {
		return nil, fmt.Errorf("HAYAI_LOOKAHEAD_DEPTH must be at least 1")
	}
	if cfg.PrefetchWorkers < 1 {
		return nil, fmt.Errorf("HAYAI_PREFETCH_WORKERS must be at least 1")
	}

	if cfg.SinkMandatory && cfg.SinkMaxReconnects <= 0 {
		return nil, fmt.Errorf("HAYAI_SINK_MAX_RECONNECTS must be positive when the sink is mandatory")
	}

	return cfg, nil
}

// parseBackoff parses a comma separated list of durations, e.g. "1s,2s,4s".
// The last entry is reused once the schedule is exhausted.
func parseBackoff(s string) ([]time.Duration, error) {
	parts := strings.Split(s, ",")
	out := make([]time.Duration, 0, len(parts))
	for _, part := range parts {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		d, err := time.ParseDuration(part)
		if err != nil {
			return nil, fmt.Errorf("bad duration %q: %w", part, err)
		}
		if d <= 0 {
			return nil, fmt.Errorf("backoff durations must be positive, got %q", part)
		}
		out = append(out, d)
	}
	if len(out) == 0 {
		return nil, fmt.Errorf("empty backoff schedule")
	}
	return out, nil
}

func getEnv(key, def string) string {
	if val := os.Getenv(key); val != "" {
		return val
	}
	return def
}

func getEnvInt(key string, def int) int {
	if val := os.Getenv(key); val != "" {
		if parsed, err := strconv.Atoi(val); err == nil {
			return parsed
		}
	}
	return def
}

func getEnvBool(key string, def bool) bool {
	if val := os.Getenv(key); val != "" {
		val = strings.ToLower(strings.TrimSpace(val))
		if val == "true" || val == "1" || val == "yes" {
			return true
		}
		if val == "false" || val == "0" || val == "no" {
			return false
		}
	}
	return def
}

func getEnvFloat(key string, def float64) float64 {
	if val := os.Getenv(key); val != "" {
		if parsed, err := strconv.ParseFloat(val, 64); err == nil {
			return parsed
		}
	}
	return def
}

// getEnvDuration accepts either a bare number of seconds or a Go duration.
func getEnvDuration(key string, def time.Duration) time.Duration {
	val := os.Getenv(key)
	if val == "" {
		return def
	}
	if secs, err := strconv.Atoi(val); err == nil {
		return time.Duration(secs) * time.Second
	}
	if d, err := time.ParseDuration(val); err == nil {
		return d
	}
	return def
}
