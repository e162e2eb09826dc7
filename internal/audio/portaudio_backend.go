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

import (
	"fmt"
	"sync/atomic"

	"github.com/gordonklaus/portaudio"
)

// PortAudioBackend implements AudioBackend using the real PortAudio library.
//
// PortAudio has no portable exclusive mode, so LatencyExclusive maps to the
// device's low-latency parameters and LatencyShared to its high-latency ones.
type PortAudioBackend struct {
	initialized bool
}

// NewPortAudioBackend creates a new PortAudio backend
func NewPortAudioBackend() *PortAudioBackend {
	return &PortAudioBackend{}
}

// Initialize initializes the PortAudio subsystem
func (p *PortAudioBackend) Initialize() error {
	if p.initialized {
		return nil
	}

	if err := portaudio.Initialize(); err != nil {
		return fmt.Errorf("failed to initialize PortAudio: %w", err)
	}

	p.initialized = true
	return nil
}

// Terminate terminates the PortAudio subsystem
func (p *PortAudioBackend) Terminate() error {
	if !p.initialized {
		return nil
	}

	err := portaudio.Terminate()
	p.initialized = false
	return err
}

// PreferredFormat returns the default device's native sample rate. PortAudio
// picks the callback size itself when none is requested.
func (p *PortAudioBackend) PreferredFormat(dir Direction) (float64, int, error) {
	dev, err := p.defaultDevice(dir)
	if err != nil {
		return 0, 0, err
	}
	return dev.DefaultSampleRate, 0, nil
}

// OpenCapture opens an input-only callback stream on the default device
func (p *PortAudioBackend) OpenCapture(req StreamRequest, cb CaptureCallback) (StreamInterface, error) {
	dev, err := p.defaultDevice(Capture)
	if err != nil {
		return nil, err
	}

	var params portaudio.StreamParameters
	if req.Mode == LatencyExclusive {
		params = portaudio.LowLatencyParameters(dev, nil)
	} else {
		params = portaudio.HighLatencyParameters(dev, nil)
	}
	params.Input.Channels = req.Channels
	p.applyRequest(&params, req)

	stream, err := portaudio.OpenStream(params, func(in []int16) {
		cb(in)
	})
	if err != nil {
		return nil, fmt.Errorf("failed to open input stream: %w", err)
	}

	return newPortAudioStream(stream, Capture, req, params), nil
}

// OpenRender opens an output-only callback stream on the default device
func (p *PortAudioBackend) OpenRender(req StreamRequest, cb RenderCallback) (StreamInterface, error) {
	dev, err := p.defaultDevice(Render)
	if err != nil {
		return nil, err
	}

	var params portaudio.StreamParameters
	if req.Mode == LatencyExclusive {
		params = portaudio.LowLatencyParameters(nil, dev)
	} else {
		params = portaudio.HighLatencyParameters(nil, dev)
	}
	params.Output.Channels = req.Channels
	p.applyRequest(&params, req)

	stream, err := portaudio.OpenStream(params, func(out []int16) {
		cb(out)
	})
	if err != nil {
		return nil, fmt.Errorf("failed to open output stream: %w", err)
	}

	return newPortAudioStream(stream, Render, req, params), nil
}

func (p *PortAudioBackend) applyRequest(params *portaudio.StreamParameters, req StreamRequest) {
	if req.SampleRate > 0 {
		params.SampleRate = req.SampleRate
	}
	if req.FramesPerCallback > 0 {
		params.FramesPerBuffer = req.FramesPerCallback
	} else {
		params.FramesPerBuffer = portaudio.FramesPerBufferUnspecified
	}
}

func (p *PortAudioBackend) defaultDevice(dir Direction) (*portaudio.DeviceInfo, error) {
	if !p.initialized {
		return nil, fmt.Errorf("PortAudio not initialized")
	}

	var (
		dev *portaudio.DeviceInfo
		err error
	)
	if dir == Capture {
		dev, err = portaudio.DefaultInputDevice()
	} else {
		dev, err = portaudio.DefaultOutputDevice()
	}
	if err != nil {
		return nil, fmt.Errorf("no default %s device: %w", dir, err)
	}
	return dev, nil
}

// PortAudioStream implements StreamInterface using PortAudio streams
type PortAudioStream struct {
	stream *portaudio.Stream
	info   DeviceStream
	active atomic.Bool
}

func newPortAudioStream(stream *portaudio.Stream, dir Direction, req StreamRequest, params portaudio.StreamParameters) *PortAudioStream {
	info := DeviceStream{
		Direction:         dir,
		SampleRate:        params.SampleRate,
		Channels:          req.Channels,
		FramesPerCallback: req.FramesPerCallback,
		Mode:              req.Mode,
	}
	if si := stream.Info(); si != nil && si.SampleRate > 0 {
		info.SampleRate = si.SampleRate
	}
	return &PortAudioStream{stream: stream, info: info}
}

// Start starts the audio stream
func (p *PortAudioStream) Start() error {
	if p.stream == nil {
		return fmt.Errorf("stream is nil")
	}
	if err := p.stream.Start(); err != nil {
		return err
	}
	p.active.Store(true)
	return nil
}

// Stop stops the audio stream. PortAudio waits for the running callback
// to return before Stop does.
func (p *PortAudioStream) Stop() error {
	if p.stream == nil {
		return fmt.Errorf("stream is nil")
	}
	if !p.active.Swap(false) {
		return nil
	}
	return p.stream.Stop()
}

// Close closes the audio stream
func (p *PortAudioStream) Close() error {
	if p.stream == nil {
		return fmt.Errorf("stream is nil")
	}
	p.active.Store(false)
	err := p.stream.Close()
	p.stream = nil
	return err
}

// IsActive returns true if the stream is active
func (p *PortAudioStream) IsActive() bool {
	return p.active.Load()
}

// Info describes the stream as opened
func (p *PortAudioStream) Info() DeviceStream {
	return p.info
}
