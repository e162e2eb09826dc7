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
	"errors"
	"fmt"
	"sync"

	"go.uber.org/zap"
)

// NegotiatorOption configures a Negotiator
type NegotiatorOption func(*Negotiator)

// WithExclusive controls whether exclusive/low-latency endpoints are tried
// before shared ones. It defaults to true.
func WithExclusive(exclusive bool) NegotiatorOption {
	return func(n *Negotiator) {
		n.exclusive = exclusive
	}
}

// WithLogger sets the negotiator's logger
func WithLogger(logger *zap.Logger) NegotiatorOption {
	return func(n *Negotiator) {
		if logger != nil {
			n.logger = logger
		}
	}
}

// Negotiator opens capture and render endpoints on a backend. It holds at
// most one endpoint per direction and keeps render at capture's rate.
type Negotiator struct {
	backend   AudioBackend
	logger    *zap.Logger
	exclusive bool

	mu          sync.Mutex
	initialized bool
	capture     *Endpoint
	render      *Endpoint
	nextSession int32
}

// NewNegotiator creates a negotiator over backend. The backend is
// initialized lazily on the first open.
func NewNegotiator(backend AudioBackend, opts ...NegotiatorOption) *Negotiator {
	n := &Negotiator{
		backend:     backend,
		logger:      zap.NewNop(),
		exclusive:   true,
		nextSession: 1,
	}
	for _, opt := range opts {
		opt(n)
	}
	return n
}

// Backend returns the underlying backend
func (n *Negotiator) Backend() AudioBackend {
	return n.backend
}

// OpenCapture opens the capture endpoint. Unset rate and callback size are
// taken from the platform's preferred format.
func (n *Negotiator) OpenCapture(req StreamRequest, cb CaptureCallback) (*Endpoint, error) {
	n.mu.Lock()
	defer n.mu.Unlock()

	if n.capture != nil {
		return nil, fmt.Errorf("%w: capture endpoint already open", ErrDeviceUnavailable)
	}
	if err := n.prepare(Capture, &req); err != nil {
		return nil, err
	}

	stream, err := n.openWithFallback(Capture, req, func(r StreamRequest) (StreamInterface, error) {
		return n.backend.OpenCapture(r, cb)
	})
	if err != nil {
		return nil, err
	}

	info := stream.Info()
	if info.SessionID == 0 {
		info.SessionID = n.nextSession
		n.nextSession++
	}
	n.capture = &Endpoint{negotiator: n, stream: stream, info: info}
	return n.capture, nil
}

// OpenRender opens the render endpoint. While a capture endpoint is open
// the render rate is forced to the capture rate; a backend that grants a
// different rate anyway is treated as unavailable.
func (n *Negotiator) OpenRender(req StreamRequest, cb RenderCallback) (*Endpoint, error) {
	n.mu.Lock()
	defer n.mu.Unlock()

	if n.render != nil {
		return nil, fmt.Errorf("%w: render endpoint already open", ErrDeviceUnavailable)
	}
	if n.capture != nil {
		req.SampleRate = n.capture.info.SampleRate
	}
	if err := n.prepare(Render, &req); err != nil {
		return nil, err
	}

	stream, err := n.openWithFallback(Render, req, func(r StreamRequest) (StreamInterface, error) {
		return n.backend.OpenRender(r, cb)
	})
	if err != nil {
		return nil, err
	}

	info := stream.Info()
	if n.capture != nil && info.SampleRate != n.capture.info.SampleRate {
		_ = stream.Close()
		return nil, fmt.Errorf("%w: render granted %.0f Hz, capture runs at %.0f Hz",
			ErrDeviceUnavailable, info.SampleRate, n.capture.info.SampleRate)
	}
	info.SessionID = 0
	n.render = &Endpoint{negotiator: n, stream: stream, info: info}
	return n.render, nil
}

// CaptureSessionID returns the open capture endpoint's session id, or 0
func (n *Negotiator) CaptureSessionID() int32 {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.capture == nil {
		return 0
	}
	return n.capture.info.SessionID
}

// OpenEndpoints reports which directions currently hold an endpoint
func (n *Negotiator) OpenEndpoints() (capture, render bool) {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.capture != nil, n.render != nil
}

// Close closes any open endpoint and terminates the backend
func (n *Negotiator) Close() error {
	n.mu.Lock()
	endpoints := []*Endpoint{n.capture, n.render}
	n.mu.Unlock()

	var errs []error
	for _, ep := range endpoints {
		if ep != nil {
			errs = append(errs, ep.Close())
		}
	}

	n.mu.Lock()
	defer n.mu.Unlock()
	if n.initialized {
		errs = append(errs, n.backend.Terminate())
		n.initialized = false
	}
	return errors.Join(errs...)
}

// prepare initializes the backend if needed and fills request defaults.
// Called with n.mu held.
func (n *Negotiator) prepare(dir Direction, req *StreamRequest) error {
	if !n.initialized {
		if err := n.backend.Initialize(); err != nil {
			return fmt.Errorf("%w: %w", ErrDeviceUnavailable, err)
		}
		n.initialized = true
	}

	if req.Channels <= 0 {
		req.Channels = 1
	}
	if req.SampleRate > 0 && req.FramesPerCallback > 0 {
		return nil
	}

	rate, frames, err := n.backend.PreferredFormat(dir)
	if err != nil {
		n.logger.Warn("⚠️ Could not query preferred format", zap.Stringer("direction", dir), zap.Error(err))
		return nil
	}
	if req.SampleRate <= 0 {
		req.SampleRate = rate
	}
	if req.FramesPerCallback <= 0 {
		req.FramesPerCallback = frames
	}
	return nil
}

func (n *Negotiator) openWithFallback(dir Direction, req StreamRequest, open func(StreamRequest) (StreamInterface, error)) (StreamInterface, error) {
	modes := []LatencyMode{LatencyShared}
	if n.exclusive {
		modes = []LatencyMode{LatencyExclusive, LatencyShared}
	}

	var errs []error
	for _, mode := range modes {
		req.Mode = mode
		stream, err := open(req)
		if err == nil {
			info := stream.Info()
			n.logger.Info("🎙️ Opened audio endpoint",
				zap.Stringer("direction", dir),
				zap.Stringer("mode", mode),
				zap.Float64("sample_rate", info.SampleRate),
				zap.Int("channels", info.Channels),
				zap.Int("frames_per_callback", info.FramesPerCallback))
			return stream, nil
		}
		n.logger.Warn("⚠️ Endpoint request refused",
			zap.Stringer("direction", dir),
			zap.Stringer("mode", mode),
			zap.Error(err))
		errs = append(errs, fmt.Errorf("%s: %w", mode, err))
	}
	return nil, fmt.Errorf("%w: open %s: %w", ErrDeviceUnavailable, dir, errors.Join(errs...))
}

func (n *Negotiator) release(ep *Endpoint) {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.capture == ep {
		n.capture = nil
	}
	if n.render == ep {
		n.render = nil
	}
}

// Endpoint is an open device stream owned by a Negotiator
type Endpoint struct {
	negotiator *Negotiator
	stream     StreamInterface
	info       DeviceStream

	closeOnce sync.Once
	closeErr  error
}

// Info describes the endpoint as granted
func (e *Endpoint) Info() DeviceStream {
	return e.info
}

// Start starts the device callbacks
func (e *Endpoint) Start() error {
	if err := e.stream.Start(); err != nil {
		return fmt.Errorf("%w: start %s: %w", ErrDeviceUnavailable, e.info.Direction, err)
	}
	return nil
}

// Close stops and closes the stream and frees its direction. No callback
// runs after Close returns. It is safe to call more than once.
func (e *Endpoint) Close() error {
	e.closeOnce.Do(func() {
		stopErr := e.stream.Stop()
		closeErr := e.stream.Close()
		e.negotiator.release(e)
		e.closeErr = errors.Join(stopErr, closeErr)
	})
	return e.closeErr
}
