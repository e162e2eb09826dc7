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
	"sync"
	"sync/atomic"
	"unsafe"

	"github.com/gen2brain/malgo"
)

// MalgoBackend implements AudioBackend on miniaudio. Exclusive requests
// map to an exclusive share mode with the low-latency performance profile;
// shared requests use the shared mode and the conservative profile.
type MalgoBackend struct {
	mu  sync.Mutex
	ctx *malgo.AllocatedContext
	log func(string)
}

// NewMalgoBackend creates a miniaudio backend. logf, if not nil, receives
// miniaudio's own diagnostic messages.
func NewMalgoBackend(logf func(string)) *MalgoBackend {
	return &MalgoBackend{log: logf}
}

// Initialize creates the miniaudio context
func (m *MalgoBackend) Initialize() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.ctx != nil {
		return nil
	}

	ctx, err := malgo.InitContext(nil, malgo.ContextConfig{}, func(message string) {
		if m.log != nil {
			m.log(message)
		}
	})
	if err != nil {
		return fmt.Errorf("init malgo context: %w", err)
	}
	m.ctx = ctx
	return nil
}

// Terminate releases the miniaudio context
func (m *MalgoBackend) Terminate() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.ctx == nil {
		return nil
	}
	err := m.ctx.Uninit()
	m.ctx.Free()
	m.ctx = nil
	return err
}

// PreferredFormat reports no preference; miniaudio opens at the device's
// native rate and period when asked for zero, and the granted values are
// read back from the device.
func (m *MalgoBackend) PreferredFormat(Direction) (float64, int, error) {
	return 0, 0, nil
}

// OpenCapture opens a capture device delivering S16 frames
func (m *MalgoBackend) OpenCapture(req StreamRequest, cb CaptureCallback) (StreamInterface, error) {
	cfg := m.deviceConfig(malgo.Capture, req)
	cfg.Capture.Format = malgo.FormatS16
	cfg.Capture.Channels = uint32(req.Channels)
	cfg.Capture.ShareMode = shareMode(req.Mode)

	return m.open(Capture, req, cfg, malgo.DeviceCallbacks{
		Data: func(_, in []byte, _ uint32) {
			cb(bytesToSamples(in))
		},
	})
}

// OpenRender opens a playback device consuming S16 frames
func (m *MalgoBackend) OpenRender(req StreamRequest, cb RenderCallback) (StreamInterface, error) {
	cfg := m.deviceConfig(malgo.Playback, req)
	cfg.Playback.Format = malgo.FormatS16
	cfg.Playback.Channels = uint32(req.Channels)
	cfg.Playback.ShareMode = shareMode(req.Mode)

	return m.open(Render, req, cfg, malgo.DeviceCallbacks{
		Data: func(out, _ []byte, _ uint32) {
			cb(bytesToSamples(out))
		},
	})
}

func (m *MalgoBackend) deviceConfig(kind malgo.DeviceType, req StreamRequest) malgo.DeviceConfig {
	cfg := malgo.DefaultDeviceConfig(kind)
	cfg.SampleRate = uint32(req.SampleRate)
	cfg.PeriodSizeInFrames = uint32(req.FramesPerCallback)
	if req.Mode == LatencyExclusive {
		cfg.PerformanceProfile = malgo.LowLatency
	} else {
		cfg.PerformanceProfile = malgo.Conservative
	}
	return cfg
}

func (m *MalgoBackend) open(dir Direction, req StreamRequest, cfg malgo.DeviceConfig, callbacks malgo.DeviceCallbacks) (StreamInterface, error) {
	m.mu.Lock()
	ctx := m.ctx
	m.mu.Unlock()
	if ctx == nil {
		return nil, fmt.Errorf("malgo backend not initialized")
	}

	dev, err := malgo.InitDevice(ctx.Context, cfg, callbacks)
	if err != nil {
		return nil, fmt.Errorf("init %s device: %w", dir, err)
	}

	info := DeviceStream{
		Direction:         dir,
		SampleRate:        float64(dev.SampleRate()),
		Channels:          req.Channels,
		FramesPerCallback: req.FramesPerCallback,
		Mode:              req.Mode,
	}
	return &MalgoStream{device: dev, info: info}, nil
}

func shareMode(mode LatencyMode) malgo.ShareMode {
	if mode == LatencyExclusive {
		return malgo.Exclusive
	}
	return malgo.Shared
}

// bytesToSamples reinterprets an S16LE device buffer in place; miniaudio
// buffers are sample aligned.
func bytesToSamples(b []byte) []int16 {
	if len(b) < 2 {
		return nil
	}
	return unsafe.Slice((*int16)(unsafe.Pointer(&b[0])), len(b)/2)
}

// MalgoStream implements StreamInterface on a miniaudio device
type MalgoStream struct {
	device *malgo.Device
	info   DeviceStream
	active atomic.Bool
}

// Start starts the device
func (s *MalgoStream) Start() error {
	if s.device == nil {
		return fmt.Errorf("device is nil")
	}
	if err := s.device.Start(); err != nil {
		return err
	}
	s.active.Store(true)
	return nil
}

// Stop stops the device; miniaudio joins the callback before returning
func (s *MalgoStream) Stop() error {
	if s.device == nil {
		return fmt.Errorf("device is nil")
	}
	if !s.active.Swap(false) {
		return nil
	}
	return s.device.Stop()
}

// Close uninitializes the device
func (s *MalgoStream) Close() error {
	if s.device == nil {
		return fmt.Errorf("device is nil")
	}
	s.active.Store(false)
	s.device.Uninit()
	s.device = nil
	return nil
}

// IsActive returns true if the device is started
func (s *MalgoStream) IsActive() bool {
	return s.active.Load()
}

// Info describes the device as granted
func (s *MalgoStream) Info() DeviceStream {
	return s.info
}
