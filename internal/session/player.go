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
	"errors"
	"io"
	"math"
	"sync/atomic"
	"time"

	"github.com/oov/audio/resampler"
	"go.uber.org/zap"

	"github.com/loqalabs/loqa-audio-engine/internal/ringbuffer"
	"github.com/loqalabs/loqa-audio-engine/internal/wav"
)

const resamplerQuality = 10

// filePlayer decodes channel 0 of a WAV file into a mono ring at the
// render rate. Only its pump goroutine touches the reader.
type filePlayer struct {
	reader *wav.Reader
	logger *zap.Logger
	ring   *ringbuffer.RingBuffer

	chunk   int
	fileBuf []int16
	mono    []int16

	res    *resampler.Resampler
	resIn  []float32
	resOut []float32

	eof      bool
	finished atomic.Bool
}

func newFilePlayer(reader *wav.Reader, logger *zap.Logger) *filePlayer {
	return &filePlayer{reader: reader, logger: logger}
}

// prepare sizes the ring and buffers for a render endpoint running at
// outRate with chunk frames per callback.
func (p *filePlayer) prepare(outRate float64, chunk, ringFrames int) {
	in := p.reader.Format()
	p.chunk = chunk
	p.fileBuf = make([]int16, chunk*in.Channels)
	p.mono = make([]int16, chunk)

	if out := int(math.Round(outRate)); out > 0 && out != in.SampleRate {
		p.res = resampler.New(1, in.SampleRate, out, resamplerQuality)
		p.resIn = make([]float32, chunk)
		p.resOut = make([]float32, int(math.Ceil(float64(chunk)*float64(out)/float64(in.SampleRate)))+64)
		p.mono = make([]int16, max(chunk, len(p.resOut)))
		p.logger.Info("🔁 Resampling playback", zap.Int("from", in.SampleRate), zap.Int("to", out))
	}

	ringFrames = max(ringFrames, 2*len(p.mono))
	p.ring = ringbuffer.New(ringFrames, 1)
}

// headroom is the free space fill needs before decoding another chunk
func (p *filePlayer) headroom() int {
	return len(p.mono) + p.chunk
}

// fill decodes into the ring until it is nearly full or the file ends
func (p *filePlayer) fill() error {
	ch := p.reader.Format().Channels
	for !p.eof && p.ring.Free() >= p.headroom() {
		n, err := p.reader.ReadFrames(p.fileBuf)
		if errors.Is(err, io.EOF) {
			p.eof = true
			return nil
		}
		if err != nil {
			p.eof = true
			return err
		}

		if p.res == nil {
			for i := 0; i < n; i++ {
				p.mono[i] = p.fileBuf[i*ch]
			}
			p.ring.Write(p.mono[:n])
			continue
		}

		for i := 0; i < n; i++ {
			p.resIn[i] = float32(p.fileBuf[i*ch]) / 32768
		}
		in := p.resIn[:n]
		for len(in) > 0 {
			read, written := p.res.ProcessFloat32(0, in, p.resOut)
			for i := 0; i < written; i++ {
				p.mono[i] = floatToSample(p.resOut[i])
			}
			p.ring.Write(p.mono[:written])
			if read == 0 && written == 0 {
				break
			}
			in = in[read:]
		}
	}
	return nil
}

// pump keeps the ring topped up and calls finished once the whole file
// has been rendered
func (p *filePlayer) pump(ctx context.Context, period time.Duration, finished func(error)) error {
	ticker := time.NewTicker(period)
	defer ticker.Stop()

	var decodeErr error
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}

		if !p.eof {
			if err := p.fill(); err != nil {
				p.logger.Error("❌ Failed to decode playback file", zap.String("path", p.reader.Path()), zap.Error(err))
				decodeErr = err
			}
		}
		if p.eof && p.ring.Available() == 0 {
			p.finished.Store(true)
			p.logger.Info("🔚 Playback file finished", zap.String("path", p.reader.Path()))
			finished(decodeErr)
			return nil
		}
	}
}

func (p *filePlayer) close() {
	if err := p.reader.Close(); err != nil {
		p.logger.Warn("⚠️ Failed to close playback file", zap.Error(err))
	}
}

func floatToSample(v float32) int16 {
	s := float64(v) * 32768
	switch {
	case s >= math.MaxInt16:
		return math.MaxInt16
	case s <= math.MinInt16:
		return math.MinInt16
	}
	return int16(math.Round(s))
}
