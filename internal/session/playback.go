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

package session

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/loqalabs/loqa-audio-engine/internal/audio"
	"github.com/loqalabs/loqa-audio-engine/internal/gain"
	"github.com/loqalabs/loqa-audio-engine/internal/ringbuffer"
	"github.com/loqalabs/loqa-audio-engine/internal/wav"
)

// StartPlayRecord renders inPath while recording the gained microphone to
// a new WAV file at outPath. Recording continues after the input ends.
//
// The input is opened before any device, so a missing or malformed file
// fails without touching the hardware.
func StartPlayRecord(neg *audio.Negotiator, cfg Config, inPath, outPath string, gainDb float64) (*Session, error) {
	s := newSession(neg, ModePlayRecord, cfg)
	s.stage = gain.NewStage(gainDb)
	s.logger.Info("🎬 Starting play-record session",
		zap.String("input", inPath),
		zap.String("output", outPath),
		zap.Float64("gain_db", gainDb))

	reader, err := wav.Open(inPath)
	if err != nil {
		return nil, s.abort(err)
	}
	s.player = newFilePlayer(reader, s.logger)

	capture, err := neg.OpenCapture(audio.StreamRequest{
		SampleRate:        s.cfg.SampleRate,
		Channels:          s.cfg.Channels,
		FramesPerCallback: s.cfg.FramesPerCallback,
	}, s.captureRecord)
	if err != nil {
		return nil, s.abort(err)
	}
	s.capture = capture
	in := capture.Info()
	frames := in.FramesPerCallback
	if frames <= 0 {
		frames = defaultFrames
	}

	render, err := neg.OpenRender(audio.StreamRequest{
		SampleRate:        in.SampleRate,
		Channels:          s.cfg.PlaybackChannels,
		FramesPerCallback: in.FramesPerCallback,
	}, s.renderFile)
	if err != nil {
		return nil, s.abort(err)
	}
	s.render = render

	s.allocScratch(frames, in.Channels, 1)
	ringFrames := frames * s.cfg.FileRingCallbacks
	s.player.prepare(render.Info().SampleRate, frames, ringFrames)
	s.playRing = s.player.ring
	if err := s.player.fill(); err != nil {
		return nil, s.abort(fmt.Errorf("%w: %s: %w", wav.ErrUnsupportedFormat, inPath, err))
	}

	s.micRing = ringbuffer.New(ringFrames, in.Channels)
	recordChannels := 1
	if s.cfg.RecordLayout == LayoutStereo {
		s.tapRing = ringbuffer.New(ringFrames, 1)
		recordChannels = 2
	}

	writer, err := wav.Create(outPath, wav.Format{
		SampleRate: int(in.SampleRate),
		Channels:   recordChannels,
	}, s.cfg.WriterOptions...)
	if err != nil {
		return nil, s.abort(err)
	}
	s.rec = newRecorder(writer, s.micRing, s.tapRing, frames, s.logger, func(err error) {
		s.raise(ConditionWriteFailure, outPath, err)
	})

	period := pumpPeriod(frames, in.SampleRate)
	err = s.run(
		func(ctx context.Context) error {
			return s.player.pump(ctx, period, func(err error) {
				s.raise(ConditionPlaybackFinished, inPath, err)
			})
		},
		func(ctx context.Context) error {
			return s.rec.pump(ctx, period)
		},
	)
	if err != nil {
		return nil, err
	}
	return s, nil
}

// StartLeftChannel renders channel 0 of path on every output channel.
// There is no capture stream, gain or recording.
func StartLeftChannel(neg *audio.Negotiator, cfg Config, path string) (*Session, error) {
	s := newSession(neg, ModeLeftChannel, cfg)
	s.logger.Info("🔈 Starting left-channel playback", zap.String("input", path))

	reader, err := wav.Open(path)
	if err != nil {
		return nil, s.abort(err)
	}
	s.player = newFilePlayer(reader, s.logger)

	rate := s.cfg.SampleRate
	if rate <= 0 {
		rate = float64(reader.Format().SampleRate)
	}
	render, err := neg.OpenRender(audio.StreamRequest{
		SampleRate:        rate,
		Channels:          s.cfg.PlaybackChannels,
		FramesPerCallback: s.cfg.FramesPerCallback,
	}, s.renderFile)
	if err != nil {
		return nil, s.abort(err)
	}
	s.render = render
	out := render.Info()
	frames := out.FramesPerCallback
	if frames <= 0 {
		frames = defaultFrames
	}

	s.allocScratch(frames, 0, 1)
	s.player.prepare(out.SampleRate, frames, frames*s.cfg.FileRingCallbacks)
	s.playRing = s.player.ring
	if err := s.player.fill(); err != nil {
		return nil, s.abort(fmt.Errorf("%w: %s: %w", wav.ErrUnsupportedFormat, path, err))
	}

	period := pumpPeriod(frames, out.SampleRate)
	err = s.run(func(ctx context.Context) error {
		return s.player.pump(ctx, period, func(err error) {
			s.raise(ConditionPlaybackFinished, path, err)
		})
	})
	if err != nil {
		return nil, err
	}
	return s, nil
}

// captureRecord runs on the capture thread
func (s *Session) captureRecord(in []int16) {
	ch := s.micRing.FrameSize()
	for len(in) >= ch {
		n := min(len(in)/ch, s.scratchFrames) * ch
		buf := s.captureScratch[:n]
		s.stage.Process(buf, in[:n])
		s.micRing.Write(buf)
		in = in[n:]
	}
}

// renderFile runs on the render thread. Once the file has been fully
// played it renders silence, and keeps feeding silence to the tap so the
// recording's right channel stays aligned with the mic.
func (s *Session) renderFile(out []int16) {
	outCh := s.render.Info().Channels
	done := s.player.finished.Load()
	for len(out) >= outCh {
		frames := min(len(out)/outCh, s.scratchFrames)
		mono := s.renderScratch[:frames]
		if done {
			clear(mono)
		} else {
			s.playRing.Read(mono)
		}
		if s.tapRing != nil {
			s.tapRing.Write(mono)
		}
		remap(out[:frames*outCh], outCh, mono, 1)
		out = out[frames*outCh:]
	}
	clear(out)
}
