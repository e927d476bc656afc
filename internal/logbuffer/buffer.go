/*
Copyright (C) 2026 Hayai Broadcast

SPDX-License-Identifier: AGPL-3.0-or-later
*/

// Package logbuffer keeps a bounded in-memory ring of recent log entries so
// the control API can serve operator diagnostics without log files.
package logbuffer

import (
	"bytes"
	"encoding/json"
	"sync"
	"time"
)

// Entry is one captured log line.
type Entry struct {
	Timestamp time.Time      `json:"timestamp"`
	Level     string         `json:"level"`
	Message   string         `json:"message"`
	Fields    map[string]any `json:"fields,omitempty"`
}

// Buffer is a thread-safe ring buffer of log entries. It implements io.Writer
// so it can sit behind a zerolog MultiLevelWriter.
type Buffer struct {
	mu       sync.RWMutex
	entries  []Entry
	capacity int
	head     int
	count    int
}

// New creates a buffer with the given capacity (minimum 1).
func New(capacity int) *Buffer {
	if capacity <= 0 {
		capacity = 2048
	}
	return &Buffer{entries: make([]Entry, capacity), capacity: capacity}
}

// Write parses a zerolog JSON line and records it. Lines that do not parse
// are stored raw in the message field. Always reports full success so logging
// never fails because of the buffer.
func (b *Buffer) Write(p []byte) (int, error) {
	for _, line := range bytes.Split(p, []byte{'\n'}) {
		if len(bytes.TrimSpace(line)) == 0 {
			continue
		}
		b.add(parseLine(line))
	}
	return len(p), nil
}

func parseLine(line []byte) Entry {
	var raw map[string]any
	if err := json.Unmarshal(line, &raw); err != nil {
		return Entry{Timestamp: time.Now(), Level: "info", Message: string(line)}
	}

	entry := Entry{Timestamp: time.Now(), Fields: make(map[string]any)}
	for k, v := range raw {
		switch k {
		case "level":
			entry.Level, _ = v.(string)
		case "message":
			entry.Message, _ = v.(string)
		case "time":
			if secs, ok := v.(float64); ok {
				entry.Timestamp = time.Unix(int64(secs), 0)
			}
		default:
			entry.Fields[k] = v
		}
	}
	if len(entry.Fields) == 0 {
		entry.Fields = nil
	}
	return entry
}

func (b *Buffer) add(entry Entry) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.entries[b.head] = entry
	b.head = (b.head + 1) % b.capacity
	if b.count < b.capacity {
		b.count++
	}
}

// Recent returns up to limit entries, oldest first.
func (b *Buffer) Recent(limit int) []Entry {
	b.mu.RLock()
	defer b.mu.RUnlock()

	if limit <= 0 || limit > b.count {
		limit = b.count
	}
	out := make([]Entry, 0, limit)
	start := (b.head - limit + b.capacity) % b.capacity
	for i := 0; i < limit; i++ {
		out = append(out, b.entries[(start+i)%b.capacity])
	}
	return out
}

// Len reports how many entries are buffered.
func (b *Buffer) Len() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.count
}
