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
	"math"
	"sync"
	"time"
)

// ErrExclusiveRefused is what the mock returns for exclusive requests when
// configured to refuse them.
var ErrExclusiveRefused = errors.New("exclusive mode refused")

// fastPeriod paces mock callbacks when real timing is disabled
const fastPeriod = 500 * time.Microsecond

// MockAudioBackend implements AudioBackend for testing without hardware dependencies
type MockAudioBackend struct {
	mu                 sync.Mutex
	initialized        bool
	streams            map[string]*MockStream
	streamCounter      int
	initError          error
	terminateError     error
	createStreamError  map[Direction]error
	startError         error
	refuseExclusive    bool
	simulateRealTiming bool
	preferredRate      float64
	preferredFrames    int
	renderRate         float64
	nextSessionID      int32
	assignSessionIDs   bool
	captureGenerator   func([]int16)
	open               map[Direction]int
	maxOpen            map[Direction]int
	opened             map[Direction]int
	recordedAudioData  [][]int16
	playbackAudioData  [][]int16
}

// NewMockAudioBackend creates a new mock audio backend
func NewMockAudioBackend() *MockAudioBackend {
	return &MockAudioBackend{
		streams:            make(map[string]*MockStream),
		createStreamError:  make(map[Direction]error),
		simulateRealTiming: true,
		nextSessionID:      100,
		assignSessionIDs:   true,
		open:               make(map[Direction]int),
		maxOpen:            make(map[Direction]int),
		opened:             make(map[Direction]int),
	}
}

// SetInitError configures the backend to return an error on Initialize()
func (m *MockAudioBackend) SetInitError(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.initError = err
}

// SetCreateStreamError configures the backend to fail opening streams in
// one direction
func (m *MockAudioBackend) SetCreateStreamError(dir Direction, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.createStreamError[dir] = err
}

// SetStartError configures streams to fail on Start()
func (m *MockAudioBackend) SetStartError(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.startError = err
}

// SetRefuseExclusive makes every exclusive-mode request fail
func (m *MockAudioBackend) SetRefuseExclusive(refuse bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.refuseExclusive = refuse
}

// SetSimulateRealTiming controls whether the mock simulates real audio timing
func (m *MockAudioBackend) SetSimulateRealTiming(simulate bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.simulateRealTiming = simulate
}

// SetPreferredFormat sets what PreferredFormat reports for both directions
func (m *MockAudioBackend) SetPreferredFormat(sampleRate float64, framesPerCallback int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.preferredRate = sampleRate
	m.preferredFrames = framesPerCallback
}

// SetRenderRate makes render streams open at rate regardless of the request
func (m *MockAudioBackend) SetRenderRate(rate float64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.renderRate = rate
}

// SetAssignSessionIDs controls whether capture streams carry a session id
func (m *MockAudioBackend) SetAssignSessionIDs(assign bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.assignSessionIDs = assign
}

// SetCaptureGenerator sets a function to generate mock audio input data
func (m *MockAudioBackend) SetCaptureGenerator(generator func([]int16)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.captureGenerator = generator
}

// GetRecordedAudioData returns all audio data that was "captured"
func (m *MockAudioBackend) GetRecordedAudioData() [][]int16 {
	m.mu.Lock()
	defer m.mu.Unlock()
	result := make([][]int16, len(m.recordedAudioData))
	copy(result, m.recordedAudioData)
	return result
}

// GetPlaybackAudioData returns all audio data that was "played back"
func (m *MockAudioBackend) GetPlaybackAudioData() [][]int16 {
	m.mu.Lock()
	defer m.mu.Unlock()
	result := make([][]int16, len(m.playbackAudioData))
	copy(result, m.playbackAudioData)
	return result
}

// OpenStreams returns how many streams of dir are currently open
func (m *MockAudioBackend) OpenStreams(dir Direction) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.open[dir]
}

// MaxConcurrentStreams returns the most streams of dir ever open at once
func (m *MockAudioBackend) MaxConcurrentStreams(dir Direction) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.maxOpen[dir]
}

// OpenedStreams returns how many streams of dir were opened in total
func (m *MockAudioBackend) OpenedStreams(dir Direction) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.opened[dir]
}

// Initialize initializes the mock audio subsystem
func (m *MockAudioBackend) Initialize() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.initError != nil {
		return m.initError
	}

	m.initialized = true
	return nil
}

// Terminate terminates the mock audio subsystem
func (m *MockAudioBackend) Terminate() error {
	m.mu.Lock()
	if m.terminateError != nil {
		m.mu.Unlock()
		return m.terminateError
	}

	var streams []*MockStream
	for _, stream := range m.streams {
		streams = append(streams, stream)
	}
	m.mu.Unlock()

	// Streams take the backend lock when closing.
	for _, stream := range streams {
		_ = stream.Stop()
		_ = stream.Close()
	}

	m.mu.Lock()
	m.initialized = false
	m.mu.Unlock()
	return nil
}

// PreferredFormat returns the configured preferred format
func (m *MockAudioBackend) PreferredFormat(Direction) (float64, int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if !m.initialized {
		return 0, 0, fmt.Errorf("mock audio backend not initialized")
	}
	return m.preferredRate, m.preferredFrames, nil
}

// OpenCapture creates a mock capture stream
func (m *MockAudioBackend) OpenCapture(req StreamRequest, cb CaptureCallback) (StreamInterface, error) {
	stream, err := m.newStream(Capture, req)
	if err != nil {
		return nil, err
	}
	stream.capture = cb
	return stream, nil
}

// OpenRender creates a mock render stream
func (m *MockAudioBackend) OpenRender(req StreamRequest, cb RenderCallback) (StreamInterface, error) {
	stream, err := m.newStream(Render, req)
	if err != nil {
		return nil, err
	}
	stream.render = cb
	return stream, nil
}

func (m *MockAudioBackend) newStream(dir Direction, req StreamRequest) (*MockStream, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if !m.initialized {
		return nil, fmt.Errorf("mock audio backend not initialized")
	}
	if err := m.createStreamError[dir]; err != nil {
		return nil, err
	}
	if req.Mode == LatencyExclusive && m.refuseExclusive {
		return nil, ErrExclusiveRefused
	}
	if req.Channels <= 0 {
		return nil, fmt.Errorf("invalid channel count %d", req.Channels)
	}

	info := DeviceStream{
		Direction:         dir,
		SampleRate:        req.SampleRate,
		Channels:          req.Channels,
		FramesPerCallback: req.FramesPerCallback,
		Mode:              req.Mode,
	}
	if info.SampleRate == 0 {
		info.SampleRate = 48000
	}
	if info.FramesPerCallback == 0 {
		info.FramesPerCallback = 480
	}
	if dir == Render && m.renderRate > 0 {
		info.SampleRate = m.renderRate
	}
	if dir == Capture && m.assignSessionIDs {
		info.SessionID = m.nextSessionID
		m.nextSessionID++
	}

	streamID := fmt.Sprintf("%s_%d", dir, m.streamCounter)
	m.streamCounter++

	stream := &MockStream{
		id:                 streamID,
		backend:            m,
		info:               info,
		simulateRealTiming: m.simulateRealTiming,
		generator:          m.captureGenerator,
		startError:         m.startError,
		isOpen:             true,
	}

	m.streams[streamID] = stream
	m.open[dir]++
	m.opened[dir]++
	if m.open[dir] > m.maxOpen[dir] {
		m.maxOpen[dir] = m.open[dir]
	}
	return stream, nil
}

func (m *MockAudioBackend) release(stream *MockStream) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.streams[stream.id]; !ok {
		return
	}
	delete(m.streams, stream.id)
	m.open[stream.info.Direction]--
}

// MockStream implements StreamInterface for testing. A started stream runs
// its callback from a dedicated goroutine, once per period.
type MockStream struct {
	mu                 sync.Mutex
	id                 string
	backend            *MockAudioBackend
	info               DeviceStream
	isOpen             bool
	isActive           bool
	simulateRealTiming bool
	capture            CaptureCallback
	render             RenderCallback
	generator          func([]int16)
	startError         error
	stopChannel        chan struct{}
	done               chan struct{}
}

// Start starts the mock stream
func (m *MockStream) Start() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.startError != nil {
		return m.startError
	}
	if !m.isOpen {
		return fmt.Errorf("stream not open")
	}
	if m.isActive {
		return fmt.Errorf("stream already active")
	}

	m.isActive = true
	m.stopChannel = make(chan struct{})
	m.done = make(chan struct{})

	go m.run(m.stopChannel, m.done)
	return nil
}

// Stop stops the mock stream and waits for the callback goroutine to exit
func (m *MockStream) Stop() error {
	m.mu.Lock()
	if !m.isActive {
		m.mu.Unlock()
		return nil
	}
	m.isActive = false
	close(m.stopChannel)
	done := m.done
	m.mu.Unlock()

	<-done
	return nil
}

// Close closes the mock stream
func (m *MockStream) Close() error {
	if err := m.Stop(); err != nil {
		return err
	}

	m.mu.Lock()
	if !m.isOpen {
		m.mu.Unlock()
		return nil
	}
	m.isOpen = false
	m.mu.Unlock()

	m.backend.release(m)
	return nil
}

// IsActive returns true if the mock stream is active
func (m *MockStream) IsActive() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.isActive
}

// Info describes the stream as granted
func (m *MockStream) Info() DeviceStream {
	return m.info
}

// run simulates the platform's audio thread
func (m *MockStream) run(stop <-chan struct{}, done chan<- struct{}) {
	defer close(done)

	buffer := make([]int16, m.info.FramesPerCallback*m.info.Channels)
	period := fastPeriod
	if m.simulateRealTiming {
		period = time.Duration(float64(m.info.FramesPerCallback) / m.info.SampleRate * float64(time.Second))
	}
	ticker := time.NewTicker(period)
	defer ticker.Stop()

	var phase float64
	step := 2 * math.Pi * 440 / m.info.SampleRate

	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
		}

		if m.info.Direction == Capture {
			if m.generator != nil {
				m.generator(buffer)
			} else {
				// Default: 440 Hz sine, identical on every channel
				for i := 0; i < len(buffer); i += m.info.Channels {
					v := int16(3276 * math.Sin(phase))
					for c := 0; c < m.info.Channels; c++ {
						buffer[i+c] = v
					}
					phase += step
				}
			}
			if m.capture != nil {
				m.capture(buffer)
			}
			m.backend.appendRecorded(buffer)
			continue
		}

		for i := range buffer {
			buffer[i] = 0
		}
		if m.render != nil {
			m.render(buffer)
		}
		m.backend.appendPlayback(buffer)
	}
}

func (m *MockAudioBackend) appendRecorded(data []int16) {
	dataCopy := make([]int16, len(data))
	copy(dataCopy, data)

	m.mu.Lock()
	m.recordedAudioData = append(m.recordedAudioData, dataCopy)
	m.mu.Unlock()
}

func (m *MockAudioBackend) appendPlayback(data []int16) {
	dataCopy := make([]int16, len(data))
	copy(dataCopy, data)

	m.mu.Lock()
	m.playbackAudioData = append(m.playbackAudioData, dataCopy)
	m.mu.Unlock()
}
