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
	"bytes"
	"context"
	"flag"
	"os/exec"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/loqalabs/loqa-audio-engine/internal/engine"
	"github.com/loqalabs/loqa-audio-engine/internal/wav"
)

func writeInput(t *testing.T, seconds float64) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "input.wav")
	w, err := wav.Create(path, wav.Format{SampleRate: 48000, Channels: 2})
	require.NoError(t, err)
	data := make([]int16, int(48000*seconds)*2)
	for i := range data {
		data[i] = 500
	}
	require.NoError(t, w.AppendFrames(data))
	require.NoError(t, w.Finalize())
	return path
}

func TestParseFlags(t *testing.T) {
	tests := []struct {
		name    string
		args    []string
		want    options
		wantErr string
	}{
		{
			name: "defaults",
			args: nil,
			want: options{mode: modeServe},
		},
		{
			name: "playrecord",
			args: []string{"-mode", "playrecord", "-file", "in.wav", "-gain", "6", "-duration", "3s"},
			want: options{mode: modePlayRecord, file: "in.wav", gainDb: 6, duration: 3 * time.Second},
		},
		{
			name: "overrides",
			args: []string{"-id", "kitchen", "-nats", "nats://hub:4222", "-backend", "mock", "-config", "engine.yaml"},
			want: options{mode: modeServe, id: "kitchen", natsURL: "nats://hub:4222", backend: "mock", configPath: "engine.yaml"},
		},
		{
			name:    "left_without_file",
			args:    []string{"-mode", "left"},
			wantErr: "-file is required",
		},
		{
			name:    "unknown_mode",
			args:    []string{"-mode", "karaoke"},
			wantErr: "unknown mode",
		},
		{
			name:    "negative_duration",
			args:    []string{"-mode", "duplex", "-duration", "-1s"},
			wantErr: "must not be negative",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var out bytes.Buffer
			got, err := parseFlags(tt.args, &out)
			if tt.wantErr != "" {
				require.Error(t, err)
				assert.Contains(t, err.Error(), tt.wantErr)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestParseFlags_Help(t *testing.T) {
	var out bytes.Buffer
	_, err := parseFlags([]string{"-h"}, &out)
	assert.ErrorIs(t, err, flag.ErrHelp)
	for _, name := range []string{"-config", "-id", "-nats", "-backend", "-mode", "-file", "-gain", "-duration"} {
		assert.Contains(t, out.String(), name, "should document flag %s", name)
	}
}

func TestLoadConfig_FlagOverrides(t *testing.T) {
	cfg, err := loadConfig(options{id: "garage", natsURL: "nats://other:4222", backend: "mock"})
	require.NoError(t, err)
	assert.Equal(t, "garage", cfg.NATS.ID)
	assert.Equal(t, "nats://other:4222", cfg.NATS.URL)
	assert.Equal(t, "mock", cfg.Backend)

	_, err = loadConfig(options{backend: "asio"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unknown backend")
}

func TestRun_OneShotModes(t *testing.T) {
	t.Setenv("AUDIOENGINE_RECORD_DIR", t.TempDir())
	t.Setenv("AUDIOENGINE_LOG_LEVEL", "none")
	input := writeInput(t, 0.1)

	tests := []struct {
		name      string
		opts      options
		wantState string
		recorded  bool
	}{
		{
			name:      "duplex",
			opts:      options{mode: modeDuplex, backend: "mock", gainDb: 3, duration: 30 * time.Millisecond},
			wantState: engine.FullDuplexActive.String(),
		},
		{
			name:      "playrecord",
			opts:      options{mode: modePlayRecord, backend: "mock", file: input},
			wantState: engine.PlayRecordActive.String(),
			recorded:  true,
		},
		{
			name:      "left",
			opts:      options{mode: modeLeft, backend: "mock", file: input, duration: 30 * time.Millisecond},
			wantState: engine.PlaybackActive.String(),
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var out bytes.Buffer
			require.NoError(t, run(context.Background(), tt.opts, &out))
			assert.Contains(t, out.String(), tt.wantState+" running")
			assert.Contains(t, out.String(), "Stopped")
			if tt.recorded {
				assert.Contains(t, out.String(), "Recorded ")
			} else {
				assert.NotContains(t, out.String(), "Recorded ")
			}
		})
	}
}

func TestRun_Interrupted(t *testing.T) {
	t.Setenv("AUDIOENGINE_LOG_LEVEL", "none")
	ctx, cancel := context.WithCancel(context.Background())
	time.AfterFunc(30*time.Millisecond, cancel)

	var out bytes.Buffer
	require.NoError(t, run(ctx, options{mode: modeDuplex, backend: "mock"}, &out))
	assert.Contains(t, out.String(), "Stopped")
}

func TestRun_MissingInput(t *testing.T) {
	t.Setenv("AUDIOENGINE_LOG_LEVEL", "none")
	var out bytes.Buffer
	err := run(context.Background(), options{
		mode:    modeLeft,
		backend: "mock",
		file:    filepath.Join(t.TempDir(), "missing.wav"),
	}, &out)
	require.Error(t, err)
	assert.ErrorIs(t, err, engine.ErrFileNotFound)
	assert.Contains(t, err.Error(), "file_not_found")
}

// TestMainHelp runs the binary the way an operator would
func TestMainHelp(t *testing.T) {
	if testing.Short() {
		t.Skip("Skipping main function test in short mode")
	}

	cmd := exec.Command("go", "run", ".", "-h")
	output, err := cmd.CombinedOutput()
	require.NoError(t, err, string(output))
	assert.Contains(t, string(output), "-mode")
}
