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

package logging

import (
	"fmt"
	"os"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"gopkg.in/natefinch/lumberjack.v2"
)

// LevelNone disables logging entirely
const LevelNone = "none"

// Config selects the level and destination of the engine's logs
type Config struct {
	Level string
	// File, when set, receives JSON logs rotated by size instead of the
	// console.
	File       string
	MaxSizeMB  int
	MaxBackups int
}

// New builds a logger for cfg. The returned function flushes and closes
// the destination.
func New(cfg Config) (*zap.Logger, func() error, error) {
	if cfg.Level == LevelNone {
		return zap.NewNop(), func() error { return nil }, nil
	}
	if cfg.Level == "" {
		cfg.Level = "info"
	}

	level, err := zapcore.ParseLevel(cfg.Level)
	if err != nil {
		return nil, nil, fmt.Errorf("invalid log level %q: %w", cfg.Level, err)
	}

	if cfg.File == "" {
		core := zapcore.NewCore(
			zapcore.NewConsoleEncoder(zap.NewDevelopmentEncoderConfig()),
			zapcore.Lock(os.Stderr),
			level,
		)
		logger := zap.New(core)
		return logger, ignoreSyncErr(logger), nil
	}

	rotator := &lumberjack.Logger{
		Filename:   cfg.File,
		MaxSize:    cfg.MaxSizeMB,
		MaxBackups: cfg.MaxBackups,
	}
	core := zapcore.NewCore(
		zapcore.NewJSONEncoder(zap.NewProductionEncoderConfig()),
		zapcore.AddSync(rotator),
		level,
	)
	logger := zap.New(core)
	return logger, func() error {
		_ = logger.Sync()
		return rotator.Close()
	}, nil
}

// ignoreSyncErr flushes a console logger. Sync on stderr fails on some
// terminals.
func ignoreSyncErr(logger *zap.Logger) func() error {
	return func() error {
		_ = logger.Sync()
		return nil
	}
}
