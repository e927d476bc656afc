/*
Copyright (C) 2026 Hayai Broadcast

SPDX-License-Identifier: AGPL-3.0-or-later
*/

package eventbus

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/hayai-broadcast/hayai/internal/events"
)

// RedisConfig contains Redis connection configuration.
type RedisConfig struct {
	Addr     string
	Password string
	DB       int

	// Circuit breaker: after MaxFailures consecutive publish errors
	// the mirror goes quiet and probes again after CheckInterval.
	MaxFailures   int
	CheckInterval time.Duration
}

// DefaultRedisConfig returns default Redis configuration.
func DefaultRedisConfig() RedisConfig {
	return RedisConfig{
		Addr:          "localhost:6379",
		MaxFailures:   5,
		CheckInterval: 30 * time.Second,
	}
}

// RedisMirror republishes playout events onto a Redis pubsub channel
// per event type ("hayai:events:<type>"). Broker trouble trips a
// circuit breaker instead of backpressuring playout.
type RedisMirror struct {
	client *redis.Client
	cfg    RedisConfig
	nodeID string
	logger zerolog.Logger

	mu        sync.Mutex
	open      bool // breaker open = not publishing
	failCount int
	lastProbe time.Time
}

// NewRedisMirror connects to Redis. A failed initial ping is not
// fatal; the breaker starts open and the mirror probes later.
func NewRedisMirror(cfg RedisConfig, nodeID string, logger zerolog.Logger) *RedisMirror {
	client := redis.NewClient(&redis.Options{
		Addr:         cfg.Addr,
		Password:     cfg.Password,
		DB:           cfg.DB,
		DialTimeout:  5 * time.Second,
		ReadTimeout:  3 * time.Second,
		WriteTimeout: 3 * time.Second,
	})
	log := logger.With().Str("component", "redis-mirror").Logger()

	m := &RedisMirror{client: client, cfg: cfg, nodeID: nodeID, logger: log}

	pingCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		log.Warn().Err(err).Msg("redis unavailable, mirror starts open")
		m.open = true
		m.lastProbe = time.Now()
	} else {
		log.Info().Str("addr", cfg.Addr).Msg("redis mirror connected")
	}
	return m
}

// Run mirrors events until ctx is cancelled.
func (m *RedisMirror) Run(ctx context.Context, bus *events.Bus) {
	queue := bus.SubscribeQueue(512, mirroredTypes...)
	defer bus.UnsubscribeQueue(queue)

	for {
		select {
		case <-ctx.Done():
			return
		case ev := <-queue:
			m.publish(ctx, ev)
		}
	}
}

func (m *RedisMirror) publish(ctx context.Context, ev events.Event) {
	if !m.allowed() {
		return
	}

	data, err := marshalEnvelope(ev.Type, ev.Payload, m.nodeID)
	if err != nil {
		m.logger.Error().Err(err).Str("event", string(ev.Type)).Msg("marshal event")
		return
	}

	channel := fmt.Sprintf("hayai:events:%s", ev.Type)
	pubCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()
	if err := m.client.Publish(pubCtx, channel, data).Err(); err != nil {
		m.recordFailure(err)
		return
	}
	m.recordSuccess()
}

// allowed reports whether the breaker permits publishing, reclosing it
// for a probe once the check interval has passed.
func (m *RedisMirror) allowed() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.open {
		return true
	}
	if time.Since(m.lastProbe) >= m.cfg.CheckInterval {
		m.lastProbe = time.Now()
		return true
	}
	return false
}

func (m *RedisMirror) recordFailure(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.failCount++
	if !m.open && m.failCount >= m.cfg.MaxFailures {
		m.open = true
		m.lastProbe = time.Now()
		m.logger.Warn().Err(err).Int("failures", m.failCount).Msg("redis mirror breaker opened")
	}
}

func (m *RedisMirror) recordSuccess() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.open {
		m.logger.Info().Msg("redis mirror breaker closed")
	}
	m.open = false
	m.failCount = 0
}

// Close releases the Redis client.
func (m *RedisMirror) Close() error {
	return m.client.Close()
}
