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

package main

import (
	"errors"
	"sync"

	"go.uber.org/zap"

	"github.com/loqalabs/loqa-audio-engine/internal/config"
	"github.com/loqalabs/loqa-audio-engine/internal/engine"
	"github.com/loqalabs/loqa-audio-engine/internal/logging"
)

var errNotInitialized = errors.New("audio engine not initialized")

// host owns the process-wide engine behind the C entry points
type host struct {
	mu      sync.Mutex
	engine  *engine.Engine
	logger  *zap.Logger
	syncLog func() error
}

var global host

func (h *host) init(configPath string) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.engine != nil {
		return nil
	}

	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	logger, syncLog, err := logging.New(cfg.Logging())
	if err != nil {
		return err
	}
	backend, err := cfg.NewBackend(logger)
	if err != nil {
		_ = syncLog()
		return err
	}

	h.engine = engine.New(cfg.NewNegotiator(backend, logger), cfg.EngineConfig(logger), engine.WithLogger(logger))
	h.logger = logger
	h.syncLog = syncLog
	logger.Info("🚀 Audio engine library initialized", zap.String("backend", cfg.Backend))
	return nil
}

func (h *host) shutdown() error {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.engine == nil {
		return nil
	}
	err := h.engine.Close()
	h.logger.Info("👋 Audio engine library shut down")
	_ = h.syncLog()
	h.engine = nil
	h.logger = nil
	h.syncLog = nil
	return err
}

// get returns the engine without holding the lock across the call, so a
// long stop does not block queries
func (h *host) get() (*engine.Engine, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.engine == nil {
		return nil, errNotInitialized
	}
	return h.engine, nil
}

func (h *host) status(op func(*engine.Engine) error) engine.Status {
	e, err := h.get()
	if err != nil {
		return engine.StatusOther
	}
	return engine.StatusOf(op(e))
}

func (h *host) do(op func(*engine.Engine)) {
	if e, err := h.get(); err == nil {
		op(e)
	}
}

func (h *host) lastRecordedFilePath() (string, bool) {
	e, err := h.get()
	if err != nil {
		return "", false
	}
	return e.LastRecordedFilePath()
}

func (h *host) audioSessionID() int32 {
	e, err := h.get()
	if err != nil {
		return engine.NoSession
	}
	return e.AudioSessionID()
}
