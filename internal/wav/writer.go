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

package wav

import (
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	goaudio "github.com/go-audio/audio"
	"github.com/go-audio/wav"
)

// File is the subset of *os.File the writer needs.
type File interface {
	io.Writer
	io.Seeker
	Sync() error
	Close() error
}

// FileFactory creates the output file for a writer.
type FileFactory func(path string) (File, error)

type writerConfig struct {
	attempts int
	backoff  time.Duration
	create   FileFactory
}

// WriterOption configures a Writer.
type WriterOption func(*writerConfig)

// WithWriteRetries sets how many times a failed disk write is attempted
// before the writer gives up, and the base delay between attempts.
func WithWriteRetries(attempts int, backoff time.Duration) WriterOption {
	return func(c *writerConfig) {
		if attempts > 0 {
			c.attempts = attempts
		}
		if backoff >= 0 {
			c.backoff = backoff
		}
	}
}

// WithFileFactory replaces os.Create as the way output files are opened.
func WithFileFactory(create FileFactory) WriterOption {
	return func(c *writerConfig) {
		if create != nil {
			c.create = create
		}
	}
}

// Writer streams 16-bit PCM frames into a WAV file. The header carries
// placeholder sizes until Finalize patches them.
//
// A Writer is not safe for concurrent use.
type Writer struct {
	path    string
	format  Format
	file    File
	encoder *wav.Encoder
	buf     *goaudio.IntBuffer

	frames int64
	failed error
	closed bool
}

// Create opens path for writing and emits the header immediately.
// Recordings are always 16-bit; f.BitDepth is ignored.
func Create(path string, f Format, opts ...WriterOption) (*Writer, error) {
	f.BitDepth = 16
	if err := f.validate(); err != nil {
		return nil, err
	}

	cfg := writerConfig{
		attempts: 3,
		backoff:  2 * time.Millisecond,
		create: func(p string) (File, error) {
			return os.Create(p)
		},
	}
	for _, opt := range opts {
		opt(&cfg)
	}

	file, err := cfg.create(path)
	if err != nil {
		return nil, fmt.Errorf("%w: create %s: %w", ErrWriteFailure, path, err)
	}

	out := &retryWriter{file: file, attempts: cfg.attempts, backoff: cfg.backoff}
	w := &Writer{
		path:    path,
		format:  f,
		file:    file,
		encoder: wav.NewEncoder(out, f.SampleRate, f.BitDepth, f.Channels, formatPCM),
		buf: &goaudio.IntBuffer{
			Format:         &goaudio.Format{NumChannels: f.Channels, SampleRate: f.SampleRate},
			SourceBitDepth: f.BitDepth,
		},
	}

	// An empty buffer makes the encoder write the RIFF, fmt and data headers.
	if err := w.encoder.Write(w.buf); err != nil {
		_ = file.Close()
		return nil, fmt.Errorf("%w: write header %s: %w", ErrWriteFailure, path, err)
	}
	return w, nil
}

// Path returns the output path.
func (w *Writer) Path() string { return w.path }

// Format returns the output format.
func (w *Writer) Format() Format { return w.format }

// Frames returns the number of frames appended so far.
func (w *Writer) Frames() int64 { return w.frames }

// Err returns the latched write failure, if any.
func (w *Writer) Err() error { return w.failed }

// AppendFrames appends interleaved samples. Trailing samples that do not
// form a whole frame are dropped. Once a write has failed, every later call
// returns the same error without touching the disk.
func (w *Writer) AppendFrames(samples []int16) error {
	if w.closed {
		return fmt.Errorf("%w: %s already finalized", ErrWriteFailure, w.path)
	}
	if w.failed != nil {
		return w.failed
	}

	ch := w.format.Channels
	n := len(samples) / ch * ch
	if n == 0 {
		return nil
	}

	if cap(w.buf.Data) < n {
		w.buf.Data = make([]int, n)
	}
	w.buf.Data = w.buf.Data[:n]
	for i, s := range samples[:n] {
		w.buf.Data[i] = int(s)
	}

	if err := w.encoder.Write(w.buf); err != nil {
		w.failed = fmt.Errorf("%w: %s: %w", ErrWriteFailure, w.path, err)
		return w.failed
	}
	w.frames += int64(n / ch)
	return nil
}

// Finalize rewrites the RIFF and data chunk sizes from the running count
// and closes the file. It is safe to call more than once; after a write
// failure it still tries to leave a readable header behind.
func (w *Writer) Finalize() error {
	if w.closed {
		return nil
	}
	w.closed = true

	var errs []error
	if err := w.encoder.Close(); err != nil {
		errs = append(errs, fmt.Errorf("patch header: %w", err))
	}
	if err := w.file.Sync(); err != nil {
		errs = append(errs, fmt.Errorf("sync: %w", err))
	}
	if err := w.file.Close(); err != nil {
		errs = append(errs, fmt.Errorf("close: %w", err))
	}
	if len(errs) > 0 {
		return fmt.Errorf("%w: finalize %s: %w", ErrWriteFailure, w.path, errors.Join(errs...))
	}
	return nil
}

// retryWriter retries failed writes a bounded number of times so a short
// disk hiccup does not end a recording.
type retryWriter struct {
	file     File
	attempts int
	backoff  time.Duration
}

func (r *retryWriter) Write(p []byte) (int, error) {
	written := 0
	var err error
	for attempt := 1; attempt <= r.attempts; attempt++ {
		var n int
		n, err = r.file.Write(p[written:])
		written += n
		if written == len(p) {
			return written, nil
		}
		if attempt < r.attempts {
			time.Sleep(r.backoff * time.Duration(attempt))
		}
	}
	if err == nil {
		err = io.ErrShortWrite
	}
	return written, err
}

func (r *retryWriter) Seek(offset int64, whence int) (int64, error) {
	return r.file.Seek(offset, whence)
}
