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
	"os"
	"time"

	"go.uber.org/zap"

	"github.com/loqalabs/loqa-audio-engine/internal/ringbuffer"
	"github.com/loqalabs/loqa-audio-engine/internal/wav"
)

// recorder drains the mic ring, and the playback tap when recording in
// stereo, into a WAV writer. Only its pump goroutine touches the writer
// until finish.
type recorder struct {
	writer *wav.Writer
	logger *zap.Logger
	mic    *ringbuffer.RingBuffer
	tap    *ringbuffer.RingBuffer

	chunk  int
	micBuf []int16
	tapBuf []int16
	out    []int16

	failed  bool
	onError func(error)
}

func newRecorder(writer *wav.Writer, mic, tap *ringbuffer.RingBuffer, chunk int, logger *zap.Logger, onError func(error)) *recorder {
	r := &recorder{
		writer:  writer,
		logger:  logger,
		mic:     mic,
		tap:     tap,
		chunk:   chunk,
		micBuf:  make([]int16, chunk*mic.FrameSize()),
		out:     make([]int16, chunk*writer.Format().Channels),
		onError: onError,
	}
	if tap != nil {
		r.tapBuf = make([]int16, chunk)
	}
	return r
}

// drain appends everything captured so far
func (r *recorder) drain() {
	micCh := r.mic.FrameSize()
	outCh := r.writer.Format().Channels
	for {
		n := min(r.mic.Available(), r.chunk)
		if n == 0 {
			return
		}
		r.mic.Read(r.micBuf[:n*micCh])
		if r.tap != nil {
			r.tap.Read(r.tapBuf[:n])
		}

		for i := 0; i < n; i++ {
			r.out[i*outCh] = r.micBuf[i*micCh]
			if r.tap != nil {
				r.out[i*outCh+1] = r.tapBuf[i]
			}
		}

		if err := r.writer.AppendFrames(r.out[:n*outCh]); err != nil && !r.failed {
			r.failed = true
			r.logger.Error("❌ Recording write failed, discarding captured audio until stop",
				zap.String("path", r.writer.Path()), zap.Error(err))
			r.onError(err)
		}
	}
}

func (r *recorder) pump(ctx context.Context, period time.Duration) error {
	ticker := time.NewTicker(period)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			// Endpoints are closed before cancel; take the tail.
			r.drain()
			return nil
		case <-ticker.C:
			r.drain()
		}
	}
}

// finish finalizes the file. A latched write failure is reported in the
// result but the path is still returned: the header is patched best effort.
func (r *recorder) finish() Result {
	err := r.writer.Finalize()
	if err != nil {
		r.logger.Warn("⚠️ Failed to finalize recording", zap.String("path", r.writer.Path()), zap.Error(err))
	} else {
		r.logger.Info("💾 Recording finalized",
			zap.String("path", r.writer.Path()),
			zap.Int64("frames", r.writer.Frames()))
	}
	return Result{
		RecordedPath: r.writer.Path(),
		Frames:       r.writer.Frames(),
		Err:          errors.Join(r.writer.Err(), err),
	}
}

// discard removes a recording whose session never started
func (r *recorder) discard() {
	_ = r.writer.Finalize()
	if err := os.Remove(r.writer.Path()); err != nil && !errors.Is(err, os.ErrNotExist) {
		r.logger.Warn("⚠️ Failed to remove aborted recording", zap.String("path", r.writer.Path()), zap.Error(err))
	}
}
