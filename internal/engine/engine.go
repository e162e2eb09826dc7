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

// Package engine is the audio engine's public surface: three modes, their
// stops, and two queries, serialized by a transition lock.
package engine

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/loqalabs/loqa-audio-engine/internal/audio"
	"github.com/loqalabs/loqa-audio-engine/internal/session"
	"github.com/loqalabs/loqa-audio-engine/internal/wav"
)

var (
	ErrDeviceUnavailable = audio.ErrDeviceUnavailable
	ErrFileNotFound      = wav.ErrFileNotFound
	ErrUnsupportedFormat = wav.ErrUnsupportedFormat
	ErrWriteFailure      = wav.ErrWriteFailure

	// ErrAlreadyTransitioning is returned by a start that raced another
	// start or stop.
	ErrAlreadyTransitioning = errors.New("engine is already transitioning")

	// ErrClosed is returned by starts after Close.
	ErrClosed = errors.New("engine closed")
)

// NoSession is what AudioSessionID returns while no capture stream is open
const NoSession int32 = 0

// State is the engine's active mode
type State int

const (
	Idle State = iota
	FullDuplexActive
	PlayRecordActive
	PlaybackActive
)

func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case FullDuplexActive:
		return "full_duplex"
	case PlayRecordActive:
		return "play_record"
	case PlaybackActive:
		return "playback"
	default:
		return "unknown"
	}
}

// Config configures an Engine
type Config struct {
	Session session.Config
	// RecordDir receives play-record recordings; empty means os.TempDir().
	RecordDir string
}

// Option configures an Engine
type Option func(*Engine)

// WithLogger sets the engine's logger
func WithLogger(logger *zap.Logger) Option {
	return func(e *Engine) {
		if logger != nil {
			e.logger = logger
		}
	}
}

// WithClock replaces time.Now for recording names
func WithClock(now func() time.Time) Option {
	return func(e *Engine) {
		if now != nil {
			e.now = now
		}
	}
}

// OnCondition registers a handler for asynchronous session conditions.
// It runs on a pump goroutine and must not call back into the engine
// synchronously.
func OnCondition(handler func(session.Condition)) Option {
	return func(e *Engine) {
		e.onCondition = handler
	}
}

// OnStateChange registers a handler called after every committed state
// change, while the transition lock is held.
func OnStateChange(handler func(from, to State)) Option {
	return func(e *Engine) {
		e.onStateChange = handler
	}
}

// Engine owns at most one running session. Create one per host with New
// and release it with Close.
type Engine struct {
	neg    *audio.Negotiator
	cfg    Config
	logger *zap.Logger
	now    func() time.Time

	onCondition   func(session.Condition)
	onStateChange func(from, to State)

	// transition serializes setup and teardown. Starts give up when it is
	// held; stops wait for it.
	transition sync.Mutex

	mu        sync.RWMutex
	state     State
	phase     session.State
	current   *session.Session
	lastPath  string
	sessionID int32
	closed    bool
}

// New creates an engine over neg
func New(neg *audio.Negotiator, cfg Config, opts ...Option) *Engine {
	e := &Engine{
		neg:    neg,
		cfg:    cfg,
		logger: zap.NewNop(),
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(e)
	}
	if e.cfg.RecordDir == "" {
		e.cfg.RecordDir = os.TempDir()
	}
	return e
}

// StartFullDuplex routes the microphone to the speaker at gainDb
func (e *Engine) StartFullDuplex(gainDb float64) error {
	return e.start(FullDuplexActive, nil, func(cfg session.Config) (*session.Session, error) {
		return session.StartFullDuplex(e.neg, cfg, gainDb)
	})
}

// StopFullDuplex stops full duplex; a no-op in any other state
func (e *Engine) StopFullDuplex() {
	e.stopIf(FullDuplexActive)
}

// StartPlayRecord plays path while recording the microphone at gainDb
// into a new file under the recordings directory
func (e *Engine) StartPlayRecord(path string, gainDb float64) error {
	return e.start(PlayRecordActive, checkInput(path), func(cfg session.Config) (*session.Session, error) {
		out, err := e.recordingPath()
		if err != nil {
			return nil, err
		}
		return session.StartPlayRecord(e.neg, cfg, path, out, gainDb)
	})
}

// StopPlayRecord finalizes the recording and publishes its path; a no-op
// in any other state. Write failures are logged and reported as
// conditions, never returned.
func (e *Engine) StopPlayRecord() {
	e.stopIf(PlayRecordActive)
}

// PlayLeftChannel renders the left channel of path
func (e *Engine) PlayLeftChannel(path string) error {
	return e.start(PlaybackActive, checkInput(path), func(cfg session.Config) (*session.Session, error) {
		return session.StartLeftChannel(e.neg, cfg, path)
	})
}

// StopPlayback stops left-channel playback; a no-op in any other state
func (e *Engine) StopPlayback() {
	e.stopIf(PlaybackActive)
}

// LastRecordedFilePath returns the recording finalized by the most recent
// play-record stop
func (e *Engine) LastRecordedFilePath() (string, bool) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.lastPath, e.lastPath != ""
}

// AudioSessionID returns the open capture stream's session id, or
// NoSession
func (e *Engine) AudioSessionID() int32 {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.sessionID
}

// State returns the active mode
func (e *Engine) State() State {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.state
}

// Phase returns where the engine is in its Idle, Starting, Running,
// Stopping cycle
func (e *Engine) Phase() session.State {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.phase
}

// Close stops whatever is running and releases the audio backend. Later
// starts return ErrClosed.
func (e *Engine) Close() error {
	e.transition.Lock()
	defer e.transition.Unlock()

	e.stopLocked()
	e.mu.Lock()
	e.closed = true
	e.mu.Unlock()

	if err := e.neg.Close(); err != nil {
		return fmt.Errorf("close audio backend: %w", err)
	}
	return nil
}

// check validates a start before anything running is torn down
type check func() error

func checkInput(path string) check {
	return func() error {
		r, err := wav.Open(path)
		if err != nil {
			return err
		}
		return r.Close()
	}
}

func (e *Engine) start(target State, precheck check, open func(session.Config) (*session.Session, error)) error {
	if !e.transition.TryLock() {
		return ErrAlreadyTransitioning
	}
	defer e.transition.Unlock()

	e.mu.RLock()
	closed := e.closed
	e.mu.RUnlock()
	if closed {
		return ErrClosed
	}

	if precheck != nil {
		if err := precheck(); err != nil {
			e.logger.Warn("⚠️ Rejected start", zap.Stringer("mode", target), zap.Error(err))
			return err
		}
	}

	// One topology at a time: whatever runs stops first.
	e.stopLocked()

	e.setPhase(session.StateStarting)
	cfg := e.cfg.Session
	cfg.OnCondition = e.handleCondition
	if cfg.Logger == nil {
		cfg.Logger = e.logger
	}

	s, err := open(cfg)
	if err != nil {
		e.setPhase(session.StateIdle)
		e.logger.Error("❌ Failed to start mode", zap.Stringer("mode", target), zap.Error(err))
		return err
	}

	e.mu.Lock()
	from := e.state
	e.current = s
	e.state = target
	e.phase = session.StateRunning
	e.sessionID = s.CaptureSessionID()
	e.mu.Unlock()

	e.logger.Info("✅ Mode started",
		zap.Stringer("mode", target),
		zap.String("session", s.ID()),
		zap.Int32("audio_session_id", s.CaptureSessionID()))
	e.notify(from, target)
	return nil
}

func (e *Engine) stopIf(want State) {
	e.transition.Lock()
	defer e.transition.Unlock()

	if e.State() != want {
		e.logger.Debug("Stop ignored", zap.Stringer("requested", want), zap.Stringer("state", e.State()))
		return
	}
	e.stopLocked()
}

// stopLocked tears down the current session. Called with the transition
// lock held.
func (e *Engine) stopLocked() {
	e.mu.RLock()
	s, from := e.current, e.state
	e.mu.RUnlock()
	if s == nil {
		return
	}

	e.setPhase(session.StateStopping)
	res := s.Stop()

	if res.Err != nil {
		e.logger.Warn("⚠️ Recording finished with errors", zap.String("path", res.RecordedPath), zap.Error(res.Err))
	}

	e.mu.Lock()
	if res.RecordedPath != "" {
		if _, err := os.Stat(res.RecordedPath); err == nil {
			e.lastPath = res.RecordedPath
		}
	}
	e.current = nil
	e.state = Idle
	e.phase = session.StateIdle
	e.sessionID = NoSession
	e.mu.Unlock()

	e.logger.Info("⏹️ Mode stopped", zap.Stringer("mode", from), zap.String("recorded_path", res.RecordedPath))
	e.notify(from, Idle)
}

func (e *Engine) setPhase(p session.State) {
	e.mu.Lock()
	e.phase = p
	e.mu.Unlock()
}

func (e *Engine) notify(from, to State) {
	if e.onStateChange != nil && from != to {
		e.onStateChange(from, to)
	}
}

func (e *Engine) handleCondition(c session.Condition) {
	switch c.Kind {
	case session.ConditionWriteFailure:
		e.logger.Error("❌ Recording write failure", zap.String("path", c.Path), zap.Error(c.Err))
	default:
		e.logger.Info("📣 Session condition", zap.Stringer("condition", c.Kind), zap.String("path", c.Path))
	}
	if e.onCondition != nil {
		e.onCondition(c)
	}
}

// recordingPath names a new recording rec_YYYYMMDD_HHMMSS_<id>.wav
func (e *Engine) recordingPath() (string, error) {
	if err := os.MkdirAll(e.cfg.RecordDir, 0o755); err != nil {
		return "", fmt.Errorf("%w: recordings directory %s: %w", ErrWriteFailure, e.cfg.RecordDir, err)
	}
	name := fmt.Sprintf("rec_%s_%s.wav", e.now().Format("20060102_150405"), uuid.NewString()[:8])
	return filepath.Join(e.cfg.RecordDir, name), nil
}
