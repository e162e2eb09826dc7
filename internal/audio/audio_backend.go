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

package audio

import "errors"

// ErrDeviceUnavailable is returned when no capture or render endpoint could
// be opened: permission denied, device busy or configuration refused.
var ErrDeviceUnavailable = errors.New("audio device unavailable")

// Direction tells capture endpoints from render endpoints
type Direction int

const (
	Capture Direction = iota
	Render
)

func (d Direction) String() string {
	switch d {
	case Capture:
		return "capture"
	case Render:
		return "render"
	default:
		return "unknown"
	}
}

// LatencyMode is the sharing/latency tier requested from the platform
type LatencyMode int

const (
	// LatencyExclusive asks for an exclusive, low-latency endpoint
	LatencyExclusive LatencyMode = iota
	// LatencyShared asks for a shared endpoint at standard latency
	LatencyShared
)

func (m LatencyMode) String() string {
	switch m {
	case LatencyExclusive:
		return "exclusive"
	case LatencyShared:
		return "shared"
	default:
		return "unknown"
	}
}

// StreamRequest holds parameters for stream creation. A zero SampleRate or
// FramesPerCallback lets the backend choose.
type StreamRequest struct {
	SampleRate        float64
	Channels          int
	FramesPerCallback int
	Mode              LatencyMode
}

// DeviceStream describes an open endpoint as granted by the platform.
// Samples are always interleaved signed 16-bit PCM.
type DeviceStream struct {
	Direction         Direction
	SampleRate        float64
	Channels          int
	FramesPerCallback int
	Mode              LatencyMode
	// SessionID identifies an open capture stream; 0 means none.
	SessionID int32
}

// CaptureCallback receives captured frames on the platform's audio thread.
// It must not block, lock or allocate.
type CaptureCallback func(in []int16)

// RenderCallback fills out on the platform's audio thread. It must not
// block, lock or allocate, and must write every sample of out.
type RenderCallback func(out []int16)

// AudioBackend provides an abstraction layer for audio operations
// This enables dependency injection and makes testing hardware-independent
type AudioBackend interface {
	// Initialize the audio subsystem
	Initialize() error

	// Terminate the audio subsystem
	Terminate() error

	// PreferredFormat reports the platform's native sample rate and
	// callback size for a direction; zero values mean "no preference"
	PreferredFormat(dir Direction) (sampleRate float64, framesPerCallback int, err error)

	// OpenCapture opens a callback-driven input stream
	OpenCapture(req StreamRequest, cb CaptureCallback) (StreamInterface, error)

	// OpenRender opens a callback-driven output stream
	OpenRender(req StreamRequest, cb RenderCallback) (StreamInterface, error)
}

// StreamInterface abstracts audio stream operations
type StreamInterface interface {
	// Start the audio stream
	Start() error

	// Stop the audio stream; no callback runs after Stop returns
	Stop() error

	// Close the audio stream and release resources
	Close() error

	// IsActive returns true if the stream is currently active
	IsActive() bool

	// Info describes the stream as granted
	Info() DeviceStream
}
