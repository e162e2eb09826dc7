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
	"go.uber.org/zap"

	"github.com/loqalabs/loqa-audio-engine/internal/audio"
	"github.com/loqalabs/loqa-audio-engine/internal/gain"
	"github.com/loqalabs/loqa-audio-engine/internal/ringbuffer"
)

// StartFullDuplex routes the microphone through the gain stage to the
// speaker. The ring between the two callbacks holds cfg.RingCallbacks
// periods; keep-latest overflow bounds the added latency to that.
func StartFullDuplex(neg *audio.Negotiator, cfg Config, gainDb float64) (*Session, error) {
	s := newSession(neg, ModeFullDuplex, cfg)
	s.stage = gain.NewStage(gainDb)
	s.logger.Info("🎧 Starting full-duplex session", zap.Float64("gain_db", gainDb))

	capture, err := neg.OpenCapture(audio.StreamRequest{
		SampleRate:        s.cfg.SampleRate,
		Channels:          s.cfg.Channels,
		FramesPerCallback: s.cfg.FramesPerCallback,
	}, s.captureDuplex)
	if err != nil {
		return nil, s.abort(err)
	}
	s.capture = capture
	in := capture.Info()

	frames := in.FramesPerCallback
	if frames <= 0 {
		frames = defaultFrames
	}
	s.duplexRing = ringbuffer.New(frames*s.cfg.RingCallbacks, in.Channels)
	s.allocScratch(frames, in.Channels, 0)

	render, err := neg.OpenRender(audio.StreamRequest{
		SampleRate:        in.SampleRate,
		Channels:          s.cfg.PlaybackChannels,
		FramesPerCallback: in.FramesPerCallback,
	}, s.renderDuplex)
	if err != nil {
		return nil, s.abort(err)
	}
	s.render = render

	if err := s.run(); err != nil {
		return nil, err
	}
	return s, nil
}

// captureDuplex runs on the capture thread
func (s *Session) captureDuplex(in []int16) {
	s.duplexRing.Write(in)
}

// renderDuplex runs on the render thread
func (s *Session) renderDuplex(out []int16) {
	outCh := s.render.Info().Channels
	inCh := s.duplexRing.FrameSize()
	for len(out) >= outCh {
		frames := min(len(out)/outCh, s.scratchFrames)
		buf := s.captureScratch[:frames*inCh]
		s.duplexRing.Read(buf)
		s.stage.Process(buf, buf)
		remap(out[:frames*outCh], outCh, buf, inCh)
		out = out[frames*outCh:]
	}
	clear(out)
}
