/*
Copyright (C) 2026 Hayai Broadcast

SPDX-License-Identifier: AGPL-3.0-or-later
*/

// Package eventbus mirrors in-process playout events to external
// brokers so operator tooling can follow the engine without polling.
package eventbus

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog"

	"github.com/hayai-broadcast/hayai/internal/events"
)

// mirroredTypes is every event worth exposing outside the process.
var mirroredTypes = []events.EventType{
	events.EventPlaylistChanged,
	events.EventItemSkipped,
	events.EventSourceReady,
	events.EventSourceFailed,
	events.EventSourceStalled,
	events.EventItemStarted,
	events.EventItemNearEnd,
	events.EventItemEnded,
	events.EventNowPlaying,
	events.EventStateChanged,
	events.EventStalled,
	events.EventSinkDown,
	events.EventSinkUp,
	events.EventSinkDropped,
	events.EventSinkFatal,
}

// envelope is the wire format shared by all mirrors.
type envelope struct {
	EventType events.EventType `json:"event_type"`
	Payload   events.Payload   `json:"payload"`
	Timestamp time.Time        `json:"timestamp"`
	NodeID    string           `json:"node_id"`
	MessageID string           `json:"message_id"`
}

func marshalEnvelope(eventType events.EventType, payload events.Payload, nodeID string) ([]byte, error) {
	return json.Marshal(envelope{
		EventType: eventType,
		Payload:   payload,
		Timestamp: time.Now().UTC(),
		NodeID:    nodeID,
		MessageID: uuid.New().String(),
	})
}

// NATSMirror republishes playout events onto NATS subjects of the form
// "hayai.events.<type>".
type NATSMirror struct {
	conn   *nats.Conn
	nodeID string
	logger zerolog.Logger
}

// NewNATSMirror connects to the broker. The connection reconnects
// forever with backoff; a mirror never takes playout down.
func NewNATSMirror(url, nodeID string, logger zerolog.Logger) (*NATSMirror, error) {
	log := logger.With().Str("component", "nats-mirror").Logger()

	conn, err := nats.Connect(url,
		nats.Name("hayai-"+nodeID),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2*time.Second),
		nats.Timeout(5*time.Second),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			log.Warn().Err(err).Msg("nats disconnected")
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			log.Info().Str("url", nc.ConnectedUrl()).Msg("nats reconnected")
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("connect to nats: %w", err)
	}

	log.Info().Str("url", url).Msg("nats mirror connected")
	return &NATSMirror{conn: conn, nodeID: nodeID, logger: log}, nil
}

// Run mirrors events until ctx is cancelled.
func (m *NATSMirror) Run(ctx context.Context, bus *events.Bus) {
	queue := bus.SubscribeQueue(512, mirroredTypes...)
	defer bus.UnsubscribeQueue(queue)

	for {
		select {
		case <-ctx.Done():
			return
		case ev := <-queue:
			m.publish(ev)
		}
	}
}

func (m *NATSMirror) publish(ev events.Event) {
	data, err := marshalEnvelope(ev.Type, ev.Payload, m.nodeID)
	if err != nil {
		m.logger.Error().Err(err).Str("event", string(ev.Type)).Msg("marshal event")
		return
	}
	subject := fmt.Sprintf("hayai.events.%s", ev.Type)
	if err := m.conn.Publish(subject, data); err != nil {
		m.logger.Warn().Err(err).Str("subject", subject).Msg("publish to nats failed")
	}
}

// Close drains and closes the connection.
func (m *NATSMirror) Close() {
	if err := m.conn.Drain(); err != nil {
		m.logger.Debug().Err(err).Msg("nats drain")
	}
}
