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

// Package wav reads and writes canonical PCM WAV files incrementally.
package wav

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"os"
)

var (
	// ErrFileNotFound is returned when an input file is missing or unreadable.
	ErrFileNotFound = errors.New("file not found")

	// ErrUnsupportedFormat is returned when an input is not integer PCM WAV.
	ErrUnsupportedFormat = errors.New("unsupported format")

	// ErrWriteFailure is returned when recorded audio cannot be written to disk.
	ErrWriteFailure = errors.New("write failure")
)

const (
	// HeaderSize is the size of the canonical RIFF/fmt/data header we write.
	HeaderSize = 44

	formatPCM = 1
)

// Format describes the PCM layout of a file.
type Format struct {
	SampleRate int
	Channels   int
	BitDepth   int
}

// BlockAlign returns the size of one frame in bytes.
func (f Format) BlockAlign() int {
	return f.Channels * f.BitDepth / 8
}

func (f Format) validate() error {
	if f.SampleRate <= 0 {
		return fmt.Errorf("%w: sample rate %d", ErrUnsupportedFormat, f.SampleRate)
	}
	if f.Channels <= 0 {
		return fmt.Errorf("%w: %d channels", ErrUnsupportedFormat, f.Channels)
	}
	switch f.BitDepth {
	case 8, 16, 24, 32:
	default:
		return fmt.Errorf("%w: %d-bit samples", ErrUnsupportedFormat, f.BitDepth)
	}
	return nil
}

// Header holds the fields of a canonical 44-byte WAV header.
type Header struct {
	RIFFSize   uint32
	AudioTag   uint16
	Format     Format
	ByteRate   uint32
	BlockAlign uint16
	DataSize   uint32
}

// ReadHeader parses the canonical header at the start of path. It does not
// walk optional chunks; it is meant for files this package wrote.
func ReadHeader(path string) (Header, error) {
	f, err := os.Open(path)
	if err != nil {
		return Header{}, fmt.Errorf("%w: %w", ErrFileNotFound, err)
	}
	defer func() { _ = f.Close() }()

	raw := make([]byte, HeaderSize)
	if _, err := io.ReadFull(f, raw); err != nil {
		return Header{}, fmt.Errorf("%w: short header: %w", ErrUnsupportedFormat, err)
	}
	return parseHeader(raw)
}

func parseHeader(raw []byte) (Header, error) {
	if !bytes.Equal(raw[0:4], []byte("RIFF")) || !bytes.Equal(raw[8:12], []byte("WAVE")) {
		return Header{}, fmt.Errorf("%w: not a RIFF/WAVE file", ErrUnsupportedFormat)
	}
	if !bytes.Equal(raw[12:16], []byte("fmt ")) || !bytes.Equal(raw[36:40], []byte("data")) {
		return Header{}, fmt.Errorf("%w: non-canonical chunk layout", ErrUnsupportedFormat)
	}

	le := binary.LittleEndian
	return Header{
		RIFFSize: le.Uint32(raw[4:8]),
		AudioTag: le.Uint16(raw[20:22]),
		Format: Format{
			Channels:   int(le.Uint16(raw[22:24])),
			SampleRate: int(le.Uint32(raw[24:28])),
			BitDepth:   int(le.Uint16(raw[34:36])),
		},
		ByteRate:   le.Uint32(raw[28:32]),
		BlockAlign: le.Uint16(raw[32:34]),
		DataSize:   le.Uint32(raw[40:44]),
	}, nil
}
