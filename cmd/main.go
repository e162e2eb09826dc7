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
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/loqalabs/loqa-audio-engine/internal/audio"
	"github.com/loqalabs/loqa-audio-engine/internal/config"
	"github.com/loqalabs/loqa-audio-engine/internal/engine"
	"github.com/loqalabs/loqa-audio-engine/internal/logging"
	natsctl "github.com/loqalabs/loqa-audio-engine/internal/nats"
	"github.com/loqalabs/loqa-audio-engine/internal/wav"
)

// Run modes
const (
	modeServe      = "serve"
	modeDuplex     = "duplex"
	modePlayRecord = "playrecord"
	modeLeft       = "left"
)

const (
	natsConnectAttempts = 5
	natsConnectBackoff  = 2 * time.Second
)

type options struct {
	configPath string
	id         string
	natsURL    string
	backend    string
	mode       string
	file       string
	gainDb     float64
	duration   time.Duration
}

func parseFlags(args []string, output io.Writer) (options, error) {
	var opts options
	fs := flag.NewFlagSet("loqa-audio-engine", flag.ContinueOnError)
	fs.SetOutput(output)
	fs.StringVar(&opts.configPath, "config", "", "Path to a YAML config file")
	fs.StringVar(&opts.id, "id", "", "Engine ID used in NATS subjects (overrides config)")
	fs.StringVar(&opts.natsURL, "nats", "", "NATS server URL (overrides config)")
	fs.StringVar(&opts.backend, "backend", "", "Audio backend: portaudio, malgo or mock (overrides config)")
	fs.StringVar(&opts.mode, "mode", modeServe, "Run mode: serve, duplex, playrecord or left")
	fs.StringVar(&opts.file, "file", "", "Input WAV file for playrecord and left modes")
	fs.Float64Var(&opts.gainDb, "gain", 0, "Microphone gain in dB for duplex and playrecord modes")
	fs.DurationVar(&opts.duration, "duration", 0, "How long one-shot modes run; 0 means the input's length, or until interrupted for duplex")
	if err := fs.Parse(args); err != nil {
		return opts, err
	}

	switch opts.mode {
	case modeServe, modeDuplex:
	case modePlayRecord, modeLeft:
		if opts.file == "" {
			return opts, fmt.Errorf("-file is required in %s mode", opts.mode)
		}
	default:
		return opts, fmt.Errorf("unknown mode %q", opts.mode)
	}
	if opts.duration < 0 {
		return opts, fmt.Errorf("-duration must not be negative")
	}
	return opts, nil
}

// loadConfig reads the config file and applies flag overrides
func loadConfig(opts options) (*config.Config, error) {
	cfg, err := config.Load(opts.configPath)
	if err != nil {
		return nil, err
	}
	if opts.id != "" {
		cfg.NATS.ID = opts.id
	}
	if opts.natsURL != "" {
		cfg.NATS.URL = opts.natsURL
	}
	if opts.backend != "" {
		cfg.Backend = opts.backend
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func main() {
	opts, err := parseFlags(os.Args[1:], os.Stderr)
	if errors.Is(err, flag.ErrHelp) {
		return
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "❌ %v\n", err)
		os.Exit(2)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, opts, os.Stdout); err != nil {
		fmt.Fprintf(os.Stderr, "❌ %v\n", err)
		stop()
		os.Exit(1)
	}
}

func run(ctx context.Context, opts options, stdout io.Writer) error {
	cfg, err := loadConfig(opts)
	if err != nil {
		return err
	}

	logger, syncLog, err := logging.New(cfg.Logging())
	if err != nil {
		return err
	}
	defer func() { _ = syncLog() }()

	logger.Info("🚀 Starting Loqa audio engine",
		zap.String("mode", opts.mode),
		zap.String("backend", cfg.Backend),
		zap.String("engine_id", cfg.NATS.ID))

	backend, err := cfg.NewBackend(logger)
	if err != nil {
		return err
	}
	neg := cfg.NewNegotiator(backend, logger)

	if opts.mode == modeServe {
		return serve(ctx, cfg, neg, logger)
	}

	eng := engine.New(neg, cfg.EngineConfig(logger), engine.WithLogger(logger))
	defer func() {
		if err := eng.Close(); err != nil {
			logger.Warn("⚠️ Failed to close engine", zap.Error(err))
		}
	}()
	return runOnce(ctx, eng, opts, stdout, logger)
}

func serve(ctx context.Context, cfg *config.Config, neg *audio.Negotiator, logger *zap.Logger) error {
	conn, err := natsctl.Connect(cfg.NATS.URL, natsConnectAttempts, natsConnectBackoff, logger)
	if err != nil {
		return err
	}
	ctrl := natsctl.NewController(conn, cfg.NATS.ID, logger)
	defer ctrl.Close()

	opts := append(ctrl.EngineOptions(), engine.WithLogger(logger))
	eng := engine.New(neg, cfg.EngineConfig(logger), opts...)
	defer func() {
		if err := eng.Close(); err != nil {
			logger.Warn("⚠️ Failed to close engine", zap.Error(err))
		}
	}()

	if err := ctrl.Serve(eng); err != nil {
		return err
	}

	logger.Info("🎤 Audio engine ready",
		zap.String("control", natsctl.ControlSubject(cfg.NATS.ID)),
		zap.String("events", natsctl.EventsSubject(cfg.NATS.ID)))
	<-ctx.Done()
	logger.Info("🛑 Shutting down audio engine...")
	return nil
}

// runOnce starts a single mode, waits, stops it and reports the result
func runOnce(ctx context.Context, eng *engine.Engine, opts options, stdout io.Writer, logger *zap.Logger) error {
	wait := opts.duration
	var err error
	switch opts.mode {
	case modeDuplex:
		err = eng.StartFullDuplex(opts.gainDb)
	case modePlayRecord:
		if wait == 0 {
			wait, err = inputDuration(opts.file)
			if err != nil {
				return err
			}
		}
		err = eng.StartPlayRecord(opts.file, opts.gainDb)
	case modeLeft:
		if wait == 0 {
			wait, err = inputDuration(opts.file)
			if err != nil {
				return err
			}
		}
		err = eng.PlayLeftChannel(opts.file)
	}
	if err != nil {
		return fmt.Errorf("start %s (status %s): %w", opts.mode, engine.StatusOf(err), err)
	}

	fmt.Fprintf(stdout, "▶️ %s running (audio session %d)\n", eng.State(), eng.AudioSessionID())
	if wait > 0 {
		select {
		case <-ctx.Done():
		case <-time.After(wait):
		}
	} else {
		<-ctx.Done()
	}

	switch opts.mode {
	case modeDuplex:
		eng.StopFullDuplex()
	case modePlayRecord:
		eng.StopPlayRecord()
	case modeLeft:
		eng.StopPlayback()
	}

	if path, ok := eng.LastRecordedFilePath(); ok {
		fmt.Fprintf(stdout, "💾 Recorded %s\n", path)
		logger.Info("💾 Recording available", zap.String("path", path))
	}
	fmt.Fprintln(stdout, "👋 Stopped")
	return nil
}

// inputDuration is how long one pass over path takes
func inputDuration(path string) (time.Duration, error) {
	r, err := wav.Open(path)
	if err != nil {
		return 0, fmt.Errorf("start (status %s): %w", engine.StatusOf(err), err)
	}
	defer r.Close()
	return r.Duration(), nil
}
