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

package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
	"go.uber.org/zap"

	"github.com/loqalabs/loqa-audio-engine/internal/audio"
	"github.com/loqalabs/loqa-audio-engine/internal/engine"
	"github.com/loqalabs/loqa-audio-engine/internal/logging"
	"github.com/loqalabs/loqa-audio-engine/internal/session"
	"github.com/loqalabs/loqa-audio-engine/internal/wav"
)

// EnvPrefix prefixes environment overrides, e.g. AUDIOENGINE_AUDIO_SAMPLE_RATE
const EnvPrefix = "AUDIOENGINE"

// Backend names
const (
	BackendPortAudio = "portaudio"
	BackendMalgo     = "malgo"
	BackendMock      = "mock"
)

type Config struct {
	Backend  string         `mapstructure:"backend"`
	Audio    AudioConfig    `mapstructure:"audio"`
	Duplex   DuplexConfig   `mapstructure:"duplex"`
	Playback PlaybackConfig `mapstructure:"playback"`
	Record   RecordConfig   `mapstructure:"record"`
	Log      LogConfig      `mapstructure:"log"`
	NATS     NATSConfig     `mapstructure:"nats"`
}

type AudioConfig struct {
	SampleRate        float64 `mapstructure:"sample_rate"`
	Channels          int     `mapstructure:"channels"`
	FramesPerCallback int     `mapstructure:"frames_per_callback"`
	Exclusive         bool    `mapstructure:"exclusive"`
}

type DuplexConfig struct {
	RingCallbacks int `mapstructure:"ring_callbacks"`
}

type PlaybackConfig struct {
	Channels      int `mapstructure:"channels"`
	RingCallbacks int `mapstructure:"ring_callbacks"`
}

type RecordConfig struct {
	Dir          string        `mapstructure:"dir"`
	Layout       string        `mapstructure:"layout"`
	WriteRetries int           `mapstructure:"write_retries"`
	RetryBackoff time.Duration `mapstructure:"retry_backoff"`
}

type LogConfig struct {
	Level      string `mapstructure:"level"`
	File       string `mapstructure:"file"`
	MaxSizeMB  int    `mapstructure:"max_size_mb"`
	MaxBackups int    `mapstructure:"max_backups"`
}

type NATSConfig struct {
	URL string `mapstructure:"url"`
	ID  string `mapstructure:"id"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("backend", BackendPortAudio)
	v.SetDefault("audio.sample_rate", 48000)
	v.SetDefault("audio.channels", 1)
	v.SetDefault("audio.frames_per_callback", 192)
	v.SetDefault("audio.exclusive", true)
	v.SetDefault("duplex.ring_callbacks", 4)
	v.SetDefault("playback.channels", 2)
	v.SetDefault("playback.ring_callbacks", 64)
	v.SetDefault("record.dir", "recordings")
	v.SetDefault("record.layout", string(session.LayoutStereo))
	v.SetDefault("record.write_retries", 3)
	v.SetDefault("record.retry_backoff", 2*time.Millisecond)
	v.SetDefault("log.level", "info")
	v.SetDefault("log.file", "")
	v.SetDefault("log.max_size_mb", 10)
	v.SetDefault("log.max_backups", 3)
	v.SetDefault("nats.url", "nats://localhost:4222")
	v.SetDefault("nats.id", "default")
}

// Load reads defaults, then the optional config file at path, then
// AUDIOENGINE_* environment overrides, and validates the result.
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config %s: %w", path, err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks ranges and enumerations
func (c *Config) Validate() error {
	switch c.Backend {
	case BackendPortAudio, BackendMalgo, BackendMock:
	default:
		return fmt.Errorf("unknown backend %q", c.Backend)
	}
	if c.Audio.SampleRate < 0 {
		return fmt.Errorf("audio.sample_rate must not be negative")
	}
	if c.Audio.Channels < 1 || c.Audio.Channels > 2 {
		return fmt.Errorf("audio.channels must be 1 or 2, got %d", c.Audio.Channels)
	}
	if c.Audio.FramesPerCallback < 0 {
		return fmt.Errorf("audio.frames_per_callback must not be negative")
	}
	if c.Duplex.RingCallbacks < 1 {
		return fmt.Errorf("duplex.ring_callbacks must be at least 1")
	}
	if c.Playback.Channels < 1 {
		return fmt.Errorf("playback.channels must be at least 1")
	}
	if c.Playback.RingCallbacks < 2 {
		return fmt.Errorf("playback.ring_callbacks must be at least 2")
	}
	switch session.Layout(c.Record.Layout) {
	case session.LayoutStereo, session.LayoutMono:
	default:
		return fmt.Errorf("record.layout must be %q or %q, got %q", session.LayoutStereo, session.LayoutMono, c.Record.Layout)
	}
	if c.Record.WriteRetries < 1 {
		return fmt.Errorf("record.write_retries must be at least 1")
	}
	if c.NATS.ID == "" {
		return fmt.Errorf("nats.id must not be empty")
	}
	return nil
}

// Logging returns the logging section in the logging package's terms
func (c *Config) Logging() logging.Config {
	return logging.Config{
		Level:      c.Log.Level,
		File:       c.Log.File,
		MaxSizeMB:  c.Log.MaxSizeMB,
		MaxBackups: c.Log.MaxBackups,
	}
}

// EngineConfig builds the engine configuration
func (c *Config) EngineConfig(logger *zap.Logger) engine.Config {
	return engine.Config{
		Session: session.Config{
			SampleRate:        c.Audio.SampleRate,
			Channels:          c.Audio.Channels,
			PlaybackChannels:  c.Playback.Channels,
			FramesPerCallback: c.Audio.FramesPerCallback,
			RingCallbacks:     c.Duplex.RingCallbacks,
			FileRingCallbacks: c.Playback.RingCallbacks,
			RecordLayout:      session.Layout(c.Record.Layout),
			WriterOptions: []wav.WriterOption{
				wav.WithWriteRetries(c.Record.WriteRetries, c.Record.RetryBackoff),
			},
			Logger: logger,
		},
		RecordDir: c.Record.Dir,
	}
}

// NewBackend creates the configured audio backend
func (c *Config) NewBackend(logger *zap.Logger) (audio.AudioBackend, error) {
	switch c.Backend {
	case BackendPortAudio:
		return audio.NewPortAudioBackend(), nil
	case BackendMalgo:
		return audio.NewMalgoBackend(func(msg string) {
			logger.Debug("miniaudio", zap.String("message", strings.TrimSpace(msg)))
		}), nil
	case BackendMock:
		return audio.NewMockAudioBackend(), nil
	default:
		return nil, fmt.Errorf("unknown backend %q", c.Backend)
	}
}

// NewNegotiator wraps backend with the configured latency policy
func (c *Config) NewNegotiator(backend audio.AudioBackend, logger *zap.Logger) *audio.Negotiator {
	return audio.NewNegotiator(backend,
		audio.WithExclusive(c.Audio.Exclusive),
		audio.WithLogger(logger))
}
