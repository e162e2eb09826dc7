/*
 * This file is part of Loqa (https://github.com/loqalabs/loqa).
 * Copyright (C) 2025 Loqa Labs
 *
 * This program is free software: you can redistribute it and/or modify
 * it under the terms of the GNU Affero General Public License as published by
 * the Free Software Foundation, either version 3 of the License, or
 * (at your option) any later version.
 *
 * This program is distributed in the hope that it will be useful,
 * but WITHOUT ANY WARRANTY; without even the implied warranty of
 * MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE. See the
 * GNU Affero General Public License for more details.
 *
 * You should have received a copy of the GNU Affero General Public License
 * along with this program. If not, see <https://www.gnu.org/licenses/>.
 */

// Package session wires device endpoints, ring buffers, gain and WAV files
// into the engine's three stream topologies.
//
// Device callbacks only touch ring buffers, preallocated scratch slices and
// atomics. File decoding and encoding happen on pump goroutines.
package session

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/loqalabs/loqa-audio-engine/internal/audio"
	"github.com/loqalabs/loqa-audio-engine/internal/gain"
	"github.com/loqalabs/loqa-audio-engine/internal/ringbuffer"
	"github.com/loqalabs/loqa-audio-engine/internal/wav"
)

// Mode is a stream topology
type Mode int

const (
	ModeFullDuplex Mode = iota
	ModePlayRecord
	ModeLeftChannel
)

func (m Mode) String() string {
	switch m {
	case ModeFullDuplex:
		return "full_duplex"
	case ModePlayRecord:
		return "play_record"
	case ModeLeftChannel:
		return "left_channel"
	default:
		return "unknown"
	}
}

// State is a session's lifecycle phase
type State int32

const (
	StateIdle State = iota
	StateStarting
	StateRunning
	StateStopping
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateStarting:
		return "starting"
	case StateRunning:
		return "running"
	case StateStopping:
		return "stopping"
	default:
		return "unknown"
	}
}

// Layout selects the channel layout of play-record recordings
type Layout string

const (
	// LayoutStereo records the gained mic on the left and what was played
	// on the right.
	LayoutStereo Layout = "stereo"
	// LayoutMono records the gained mic only.
	LayoutMono Layout = "mono"
)

// ConditionKind names something a running session reports asynchronously
type ConditionKind int

const (
	// ConditionWriteFailure: the recording could not be written. The
	// session keeps running and discards captured frames until stopped.
	ConditionWriteFailure ConditionKind = iota
	// ConditionPlaybackFinished: the input file has been fully rendered;
	// the render endpoint now plays silence.
	ConditionPlaybackFinished
)

func (k ConditionKind) String() string {
	switch k {
	case ConditionWriteFailure:
		return "write_failure"
	case ConditionPlaybackFinished:
		return "playback_finished"
	default:
		return "unknown"
	}
}

// Condition is reported through Config.OnCondition from a pump goroutine
type Condition struct {
	Kind      ConditionKind
	Mode      Mode
	SessionID string
	Path      string
	Err       error
}

// Config holds the parameters shared by all topologies
type Config struct {
	// SampleRate requested from the capture (or render) device; 0 lets
	// the platform choose.
	SampleRate        float64
	Channels          int
	PlaybackChannels  int
	FramesPerCallback int
	// RingCallbacks sizes the full-duplex ring in callback periods.
	RingCallbacks int
	// FileRingCallbacks sizes the file playback ring in callback periods.
	FileRingCallbacks int
	RecordLayout      Layout
	WriterOptions     []wav.WriterOption
	Logger            *zap.Logger
	OnCondition       func(Condition)
}

const (
	defaultFrames            = 256
	defaultRingCallbacks     = 4
	defaultFileRingCallbacks = 64
	scratchCallbacks         = 4
	minPumpPeriod            = time.Millisecond
)

func (c Config) withDefaults() Config {
	if c.Channels <= 0 {
		c.Channels = 1
	}
	if c.PlaybackChannels <= 0 {
		c.PlaybackChannels = 2
	}
	if c.RingCallbacks <= 0 {
		c.RingCallbacks = defaultRingCallbacks
	}
	if c.FileRingCallbacks <= 0 {
		c.FileRingCallbacks = defaultFileRingCallbacks
	}
	if c.RecordLayout == "" {
		c.RecordLayout = LayoutStereo
	}
	if c.Logger == nil {
		c.Logger = zap.NewNop()
	}
	return c
}

// Result is what Stop reports
type Result struct {
	// RecordedPath is the finalized recording; empty outside play-record.
	RecordedPath string
	Frames       int64
	// Err is the recording's write or finalize failure, if any.
	Err error
}

// Stats are the ring buffer counters of a session
type Stats struct {
	Overruns  uint64
	Underruns uint64
}

// Session is one running topology. Stop it exactly once; further Stop
// calls return the first result.
type Session struct {
	id     string
	mode   Mode
	cfg    Config
	logger *zap.Logger
	state  atomic.Int32

	negotiator *audio.Negotiator
	capture    *audio.Endpoint
	render     *audio.Endpoint

	// callback wiring
	stage          gain.Stage
	duplexRing     *ringbuffer.RingBuffer
	micRing        *ringbuffer.RingBuffer
	playRing       *ringbuffer.RingBuffer
	tapRing        *ringbuffer.RingBuffer
	captureScratch []int16
	renderScratch  []int16
	scratchFrames  int

	// pumps
	cancel context.CancelFunc
	group  *errgroup.Group
	player *filePlayer
	rec    *recorder

	stopOnce sync.Once
	result   Result
}

func newSession(neg *audio.Negotiator, mode Mode, cfg Config) *Session {
	cfg = cfg.withDefaults()
	id := uuid.New().String()
	s := &Session{
		id:         id,
		mode:       mode,
		cfg:        cfg,
		negotiator: neg,
		logger:     cfg.Logger.With(zap.String("session", id), zap.Stringer("mode", mode)),
	}
	s.state.Store(int32(StateStarting))
	return s
}

// ID returns the session's unique id
func (s *Session) ID() string { return s.id }

// Mode returns the session topology
func (s *Session) Mode() Mode { return s.mode }

// State returns the current lifecycle phase
func (s *Session) State() State { return State(s.state.Load()) }

// CaptureSessionID returns the capture endpoint's session id, or 0 when
// the topology has no capture stream or it is closed
func (s *Session) CaptureSessionID() int32 {
	if s.capture == nil || s.State() != StateRunning {
		return 0
	}
	return s.capture.Info().SessionID
}

// RecordPath returns the recording's path; empty outside play-record
func (s *Session) RecordPath() string {
	if s.rec == nil {
		return ""
	}
	return s.rec.writer.Path()
}

// Stats sums the counters of every ring the session owns
func (s *Session) Stats() Stats {
	var st Stats
	for _, r := range []*ringbuffer.RingBuffer{s.duplexRing, s.micRing, s.playRing, s.tapRing} {
		if r == nil {
			continue
		}
		st.Overruns += r.Overruns()
		st.Underruns += r.Underruns()
	}
	return st
}

// Stop closes the device endpoints, stops the pumps, drains and finalizes
// the recording. No device callback runs after Stop returns.
func (s *Session) Stop() Result {
	s.stopOnce.Do(func() {
		s.state.Store(int32(StateStopping))
		s.logger.Info("🛑 Stopping audio session")

		s.closeEndpoints()
		if s.cancel != nil {
			s.cancel()
		}
		if s.group != nil {
			if err := s.group.Wait(); err != nil {
				s.logger.Warn("⚠️ Session pump failed", zap.Error(err))
			}
		}

		if s.player != nil {
			s.player.close()
		}
		if s.rec != nil {
			s.result = s.rec.finish()
		}

		st := s.Stats()
		s.logger.Info("✅ Audio session stopped",
			zap.Uint64("overruns", st.Overruns),
			zap.Uint64("underruns", st.Underruns),
			zap.String("recorded_path", s.result.RecordedPath))
		s.state.Store(int32(StateIdle))
	})
	return s.result
}

func (s *Session) closeEndpoints() {
	// Render first: it feeds the tap the recorder reads alongside the mic.
	for _, ep := range []*audio.Endpoint{s.render, s.capture} {
		if ep == nil {
			continue
		}
		if err := ep.Close(); err != nil {
			s.logger.Warn("⚠️ Failed to close endpoint", zap.Stringer("direction", ep.Info().Direction), zap.Error(err))
		}
	}
}

// abort undoes a partially started session and returns err
func (s *Session) abort(err error) error {
	s.logger.Warn("⚠️ Audio session failed to start", zap.Error(err))
	s.closeEndpoints()
	if s.cancel != nil {
		s.cancel()
	}
	if s.group != nil {
		_ = s.group.Wait()
	}
	if s.player != nil {
		s.player.close()
	}
	if s.rec != nil {
		s.rec.discard()
	}
	s.state.Store(int32(StateIdle))
	return err
}

// run starts the pumps and then the endpoints
func (s *Session) run(pumps ...func(context.Context) error) error {
	ctx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel
	g, gctx := errgroup.WithContext(ctx)
	s.group = g
	for _, pump := range pumps {
		pump := pump
		g.Go(func() error { return pump(gctx) })
	}

	for _, ep := range []*audio.Endpoint{s.capture, s.render} {
		if ep == nil {
			continue
		}
		if err := ep.Start(); err != nil {
			return s.abort(err)
		}
	}

	s.state.Store(int32(StateRunning))
	s.logger.Info("▶️ Audio session running")
	return nil
}

func (s *Session) raise(kind ConditionKind, path string, err error) {
	if s.cfg.OnCondition == nil {
		return
	}
	s.cfg.OnCondition(Condition{
		Kind:      kind,
		Mode:      s.mode,
		SessionID: s.id,
		Path:      path,
		Err:       err,
	})
}

// allocScratch sizes callback scratch for a few periods of the widest
// endpoint; callbacks handle larger buffers in chunks.
func (s *Session) allocScratch(framesPerCallback, captureChannels, renderChannels int) {
	if framesPerCallback <= 0 {
		framesPerCallback = defaultFrames
	}
	s.scratchFrames = framesPerCallback * scratchCallbacks
	if captureChannels > 0 {
		s.captureScratch = make([]int16, s.scratchFrames*captureChannels)
	}
	if renderChannels > 0 {
		s.renderScratch = make([]int16, s.scratchFrames*renderChannels)
	}
}

func pumpPeriod(framesPerCallback int, sampleRate float64) time.Duration {
	if framesPerCallback <= 0 {
		framesPerCallback = defaultFrames
	}
	if sampleRate <= 0 {
		return minPumpPeriod
	}
	d := time.Duration(float64(framesPerCallback) * float64(time.Second) / sampleRate / 2)
	return max(d, minPumpPeriod)
}

// remap copies frames from in (inCh channels) to out (outCh channels).
// Extra output channels repeat the last input channel.
func remap(out []int16, outCh int, in []int16, inCh int) {
	frames := min(len(out)/outCh, len(in)/inCh)
	if inCh == outCh {
		copy(out, in[:frames*inCh])
		return
	}
	for f := 0; f < frames; f++ {
		src := in[f*inCh : f*inCh+inCh]
		dst := out[f*outCh : f*outCh+outCh]
		for c := range dst {
			dst[c] = src[min(c, inCh-1)]
		}
	}
}
