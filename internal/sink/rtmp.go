/*
Copyright (C) 2026 Hayai Broadcast

SPDX-License-Identifier: AGPL-3.0-or-later
*/

package sink

import (
	"context"
	"fmt"
	"io"
	"os/exec"
	"strings"
	"sync"

	"github.com/rs/zerolog"

	"github.com/hayai-broadcast/hayai/internal/media"
)

// Encoding carries the output encoder settings.
type Encoding struct {
	SampleRate   int
	Channels     int
	AudioEncoder string // e.g. "voaacenc"
	VideoEncoder string // e.g. "x264enc"; empty disables the video track
	BitrateKbps  int
	SpeedPreset  string
	ScaleWidth   int
	ScaleHeight  int
}

// RTMPDialer spawns a GStreamer encode/mux process per connection.
// PCM is fed on the child's stdin; the process encodes, muxes to FLV
// and publishes to the RTMP URL. When the video track is enabled a
// black keyframe carrier keeps players that require video happy.
type RTMPDialer struct {
	bin    string
	url    string
	enc    Encoding
	logger zerolog.Logger
}

func NewRTMPDialer(bin, url string, enc Encoding, logger zerolog.Logger) *RTMPDialer {
	if bin == "" {
		bin = "gst-launch-1.0"
	}
	return &RTMPDialer{
		bin:    bin,
		url:    url,
		enc:    enc,
		logger: logger.With().Str("component", "rtmp").Logger(),
	}
}

func (d *RTMPDialer) launch() string {
	var b strings.Builder
	fmt.Fprintf(&b,
		`fdsrc fd=0 ! rawaudioparse use-sink-caps=false format=pcm pcm-format=s16le sample-rate=%d num-channels=%d ! audioconvert ! %s bitrate=%d ! aacparse ! mux. `,
		d.enc.SampleRate, d.enc.Channels, d.enc.AudioEncoder, d.enc.BitrateKbps*1000,
	)
	if d.enc.VideoEncoder != "" {
		fmt.Fprintf(&b,
			`videotestsrc is-live=true pattern=black ! video/x-raw,width=%d,height=%d,framerate=30/1 ! %s bitrate=%d speed-preset=%s tune=zerolatency key-int-max=60 ! h264parse ! mux. `,
			d.enc.ScaleWidth, d.enc.ScaleHeight, d.enc.VideoEncoder, d.enc.BitrateKbps, d.enc.SpeedPreset,
		)
	}
	fmt.Fprintf(&b, `flvmux name=mux streamable=true ! rtmpsink location=%q sync=false`, d.url)
	return b.String()
}

func (d *RTMPDialer) Dial(ctx context.Context) (Conn, error) {
	shellCmd := fmt.Sprintf("%s -e %s", d.bin, d.launch())
	cmd := exec.CommandContext(ctx, "sh", "-c", shellCmd)
	cmd.Stderr = nil
	cmd.Stdout = nil

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("encoder stdin pipe: %w", err)
	}
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("start encoder: %w", err)
	}

	d.logger.Info().Int("pid", cmd.Process.Pid).Str("url", d.url).Msg("encoder started")

	conn := &rtmpConn{cmd: cmd, stdin: stdin, done: make(chan struct{})}
	go func() {
		err := cmd.Wait()
		close(conn.done)
		if err != nil {
			d.logger.Debug().Err(err).Msg("encoder exited")
		}
	}()
	return conn, nil
}

type rtmpConn struct {
	cmd   *exec.Cmd
	stdin io.WriteCloser
	done  chan struct{}

	closeOnce sync.Once
}

func (c *rtmpConn) Write(b media.Buffer) error {
	select {
	case <-c.done:
		return fmt.Errorf("encoder process exited")
	default:
	}
	if _, err := c.stdin.Write(b.Data); err != nil {
		return fmt.Errorf("write to encoder: %w", err)
	}
	return nil
}

func (c *rtmpConn) Close() error {
	c.closeOnce.Do(func() {
		_ = c.stdin.Close()
		if c.cmd.Process != nil {
			_ = c.cmd.Process.Kill()
		}
	})
	return nil
}
