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
	"fmt"
	"io"
	"os"
	"time"

	goaudio "github.com/go-audio/audio"
	"github.com/go-audio/wav"
)

// Reader decodes PCM frames from a WAV file on demand, converting every
// supported bit depth to 16-bit samples.
type Reader struct {
	path    string
	file    *os.File
	decoder *wav.Decoder
	format  Format
	buf     *goaudio.IntBuffer
	eof     bool
}

// Open parses the header of path and positions the reader at the first
// PCM frame.
func Open(path string) (*Reader, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %w", ErrFileNotFound, path, err)
	}
	info, err := file.Stat()
	if err != nil || info.IsDir() {
		_ = file.Close()
		return nil, fmt.Errorf("%w: %s is not a readable file", ErrFileNotFound, path)
	}

	decoder := wav.NewDecoder(file)
	decoder.ReadInfo()
	if err := decoder.Err(); err != nil {
		_ = file.Close()
		return nil, fmt.Errorf("%w: %s: %w", ErrUnsupportedFormat, path, err)
	}
	if decoder.WavAudioFormat != formatPCM {
		_ = file.Close()
		return nil, fmt.Errorf("%w: %s: audio format tag %d is not PCM", ErrUnsupportedFormat, path, decoder.WavAudioFormat)
	}

	format := Format{
		SampleRate: int(decoder.SampleRate),
		Channels:   int(decoder.NumChans),
		BitDepth:   int(decoder.BitDepth),
	}
	if err := format.validate(); err != nil {
		_ = file.Close()
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	if err := decoder.FwdToPCM(); err != nil {
		_ = file.Close()
		return nil, fmt.Errorf("%w: %s: no data chunk: %w", ErrUnsupportedFormat, path, err)
	}

	return &Reader{
		path:    path,
		file:    file,
		decoder: decoder,
		format:  format,
		buf:     &goaudio.IntBuffer{Format: decoder.Format()},
	}, nil
}

// Path returns the input path.
func (r *Reader) Path() string { return r.path }

// Format returns the source format.
func (r *Reader) Format() Format { return r.format }

// Duration returns the playing time declared by the data chunk.
func (r *Reader) Duration() time.Duration {
	align := r.format.BlockAlign()
	if align == 0 {
		return 0
	}
	frames := r.decoder.PCMLen() / int64(align)
	return time.Duration(frames) * time.Second / time.Duration(r.format.SampleRate)
}

// ReadFrames decodes up to len(dst)/Channels frames into dst as 16-bit
// interleaved samples. It returns io.EOF, and no frames, once the data
// chunk is exhausted; any other error is a decode failure.
func (r *Reader) ReadFrames(dst []int16) (int, error) {
	if r.eof {
		return 0, io.EOF
	}
	ch := r.format.Channels
	want := len(dst) / ch * ch
	if want == 0 {
		return 0, nil
	}

	if cap(r.buf.Data) < want {
		r.buf.Data = make([]int, want)
	}
	r.buf.Data = r.buf.Data[:want]

	n, err := r.decoder.PCMBuffer(r.buf)
	if err != nil {
		return 0, fmt.Errorf("decode %s: %w", r.path, err)
	}
	frames := n / ch
	if frames == 0 {
		r.eof = true
		return 0, io.EOF
	}

	shift := r.format.BitDepth - 16
	for i, v := range r.buf.Data[:frames*ch] {
		dst[i] = to16(v, r.format.BitDepth, shift)
	}
	return frames, nil
}

// Close releases the file. It is safe to call more than once.
func (r *Reader) Close() error {
	if r.file == nil {
		return nil
	}
	err := r.file.Close()
	r.file = nil
	return err
}

func to16(v, bitDepth, shift int) int16 {
	switch bitDepth {
	case 8:
		// 8-bit WAV is unsigned.
		return int16((v - 128) << 8)
	case 16:
		return int16(v)
	default:
		return int16(v >> shift)
	}
}
