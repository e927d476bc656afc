/*
Copyright (C) 2026 Hayai Broadcast

SPDX-License-Identifier: AGPL-3.0-or-later
*/

package media

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os/exec"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/hayai-broadcast/hayai/internal/clock"
	"github.com/hayai-broadcast/hayai/internal/models"
)

// GstOptions configure the decoder fleet.
type GstOptions struct {
	Bin           string // gst-launch binary, e.g. "gst-launch-1.0"
	DiscovererBin string // duration probe binary, defaults to "gst-discoverer-1.0"
	SampleRate    int
	Channels      int
	StallWindow   time.Duration // live sources only; 0 disables the watchdog
}

// GstPipeline opens sources by spawning a per-handle GStreamer decode
// process that emits raw S16LE PCM on stdout.
type GstPipeline struct {
	opts   GstOptions
	clk    clock.Clock
	logger zerolog.Logger
}

func NewGstPipeline(opts GstOptions, clk clock.Clock, logger zerolog.Logger) *GstPipeline {
	if opts.Bin == "" {
		opts.Bin = "gst-launch-1.0"
	}
	if opts.DiscovererBin == "" {
		opts.DiscovererBin = "gst-discoverer-1.0"
	}
	if opts.SampleRate <= 0 {
		opts.SampleRate = 44100
	}
	if opts.Channels <= 0 {
		opts.Channels = 2
	}
	return &GstPipeline{
		opts:   opts,
		clk:    clk,
		logger: logger.With().Str("component", "media").Logger(),
	}
}

// Open spawns a decoder for the source. The returned handle starts
// prebuffering immediately.
func (p *GstPipeline) Open(ctx context.Context, itemID string, src models.SourceDescriptor) (Handle, error) {
	if err := src.Validate(); err != nil {
		return nil, err
	}

	var launch string
	switch src.Kind {
	case models.SourceLocalFile:
		launch = fmt.Sprintf(
			`filesrc location=%q ! decodebin ! audioconvert ! audioresample ! audio/x-raw,format=S16LE,rate=%d,channels=%d ! identity sync=true ! fdsink fd=1`,
			src.Path, p.opts.SampleRate, p.opts.Channels,
		)
	case models.SourceHLS:
		launch = fmt.Sprintf(
			`uridecodebin uri=%q ! audioconvert ! audioresample ! audio/x-raw,format=S16LE,rate=%d,channels=%d ! identity sync=true ! fdsink fd=1`,
			src.URI, p.opts.SampleRate, p.opts.Channels,
		)
	default:
		return nil, fmt.Errorf("unsupported source kind %q", src.Kind)
	}

	cmdCtx, cancel := context.WithCancel(ctx)
	shellCmd := fmt.Sprintf("%s -e %s", p.opts.Bin, launch)
	cmd := exec.CommandContext(cmdCtx, "sh", "-c", shellCmd)
	cmd.Stderr = nil

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		cancel()
		return nil, fmt.Errorf("decoder stdout pipe: %w", err)
	}
	if err := cmd.Start(); err != nil {
		cancel()
		return nil, fmt.Errorf("start decoder: %w", err)
	}

	p.logger.Debug().
		Int("pid", cmd.Process.Pid).
		Str("item_id", itemID).
		Str("source", src.Location()).
		Msg("decoder started")

	frameBytes := FrameBytes(p.opts.SampleRate, p.opts.Channels)
	frameDur := FrameDuration

	h := &gstHandle{
		id:        itemID,
		live:      src.Live(),
		cmd:       cmd,
		cancel:    cancel,
		stdout:    stdout,
		ready:     make(chan struct{}),
		buffers:   make(chan Buffer, prebufferFrames),
		errors:    make(chan error, 4),
		closed:    make(chan struct{}),
		frameTick: make(chan struct{}, 1),
		logger:    p.logger.With().Str("item_id", itemID).Logger(),
	}

	if src.Kind == models.SourceLocalFile {
		if d, err := probeDuration(ctx, p.opts.DiscovererBin, src.Path); err != nil {
			h.logger.Debug().Err(err).Msg("duration probe failed")
		} else {
			h.duration = d
		}
	}

	go h.readLoop(frameBytes, frameDur)
	go h.waitProc()
	if h.live && p.opts.StallWindow > 0 {
		go h.watchdog(p.clk, p.opts.StallWindow)
	}
	return h, nil
}

// FrameDuration is the size of one decoded buffer.
const FrameDuration = 20 * time.Millisecond

// prebufferFrames is how many frames the handle queues before Ready
// closes. One second of audio at 20ms frames.
const prebufferFrames = 50

// FrameBytes returns the byte size of one S16LE frame.
func FrameBytes(rate, channels int) int {
	samples := rate / 50
	if samples <= 0 {
		samples = 882
	}
	return samples * channels * 2
}

type gstHandle struct {
	id   string
	live bool

	cmd    *exec.Cmd
	cancel context.CancelFunc
	stdout io.ReadCloser

	ready     chan struct{}
	buffers   chan Buffer
	errors    chan error
	closed    chan struct{}
	frameTick chan struct{}

	duration time.Duration

	closeOnce sync.Once
	readyOnce sync.Once

	logger zerolog.Logger
}

func (h *gstHandle) ID() string                   { return h.id }
func (h *gstHandle) Ready() <-chan struct{}       { return h.ready }
func (h *gstHandle) Buffers() <-chan Buffer       { return h.buffers }
func (h *gstHandle) Errors() <-chan error         { return h.errors }
func (h *gstHandle) MediaDuration() time.Duration { return h.duration }

func (h *gstHandle) Close() error {
	h.closeOnce.Do(func() {
		close(h.closed)
		h.cancel()
		_ = h.stdout.Close()
		if h.cmd.Process != nil {
			_ = h.cmd.Process.Kill()
		}
	})
	return nil
}

func (h *gstHandle) readLoop(frameBytes int, frameDur time.Duration) {
	defer close(h.buffers)

	reader := bufio.NewReaderSize(h.stdout, frameBytes*4)
	var pts time.Duration
	sent := 0
	for {
		data := make([]byte, frameBytes)
		if _, err := io.ReadFull(reader, data); err != nil {
			// EOF is the normal end of a finite source. Short reads and
			// pipe errors after Close are not reportable either.
			select {
			case <-h.closed:
			default:
				if err != io.EOF && err != io.ErrUnexpectedEOF {
					h.pushErr(fmt.Errorf("decoder read: %w", err))
				}
			}
			h.markReady()
			return
		}

		select {
		case h.frameTick <- struct{}{}:
		default:
		}

		buf := Buffer{PTS: pts, Duration: frameDur, Data: data}
		select {
		case h.buffers <- buf:
		case <-h.closed:
			return
		}
		pts += frameDur
		sent++
		if sent >= prebufferFrames {
			h.markReady()
		}
	}
}

func (h *gstHandle) waitProc() {
	err := h.cmd.Wait()
	select {
	case <-h.closed:
		return
	default:
	}
	if err != nil {
		h.logger.Debug().Err(err).Msg("decoder exited")
	}
}

// watchdog flags a live source that has stopped producing frames. The
// handle keeps running; the consumer decides how to react.
func (h *gstHandle) watchdog(clk clock.Clock, window time.Duration) {
	for {
		select {
		case <-h.closed:
			return
		case <-h.frameTick:
		case <-clk.After(window):
			h.pushErr(models.ErrSourceStall)
			h.markReady()
			select {
			case <-h.closed:
				return
			case <-h.frameTick:
				h.logger.Info().Msg("live source resumed after stall")
			}
		}
	}
}

func (h *gstHandle) markReady() {
	h.readyOnce.Do(func() { close(h.ready) })
}

func (h *gstHandle) pushErr(err error) {
	select {
	case h.errors <- err:
	default:
	}
}

// probeDuration asks gst-discoverer for the total duration of a local
// file. Live sources are never probed.
func probeDuration(ctx context.Context, bin, path string) (time.Duration, error) {
	probeCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	out, err := exec.CommandContext(probeCtx, "sh", "-c", fmt.Sprintf("%s %q", bin, path)).Output()
	if err != nil {
		return 0, fmt.Errorf("run discoverer: %w", err)
	}
	for _, line := range strings.Split(string(out), "\n") {
		line = strings.TrimSpace(line)
		if !strings.HasPrefix(line, "Duration:") {
			continue
		}
		return parseClockTime(strings.TrimSpace(strings.TrimPrefix(line, "Duration:")))
	}
	return 0, fmt.Errorf("no duration in discoverer output")
}

// parseClockTime parses GStreamer's H:MM:SS.fffffffff clock notation.
func parseClockTime(s string) (time.Duration, error) {
	parts := strings.Split(s, ":")
	if len(parts) != 3 {
		return 0, fmt.Errorf("malformed clock time %q", s)
	}
	hours, err := strconv.Atoi(parts[0])
	if err != nil {
		return 0, fmt.Errorf("malformed clock time %q", s)
	}
	minutes, err := strconv.Atoi(parts[1])
	if err != nil {
		return 0, fmt.Errorf("malformed clock time %q", s)
	}
	seconds, err := strconv.ParseFloat(parts[2], 64)
	if err != nil {
		return 0, fmt.Errorf("malformed clock time %q", s)
	}
	return time.Duration(hours)*time.Hour +
		time.Duration(minutes)*time.Minute +
		time.Duration(seconds*float64(time.Second)), nil
}
