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

package engine

import (
	"errors"
	"os"
	"path/filepath"
	"regexp"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/loqalabs/loqa-audio-engine/internal/audio"
	"github.com/loqalabs/loqa-audio-engine/internal/session"
	"github.com/loqalabs/loqa-audio-engine/internal/wav"
)

type fixture struct {
	engine    *Engine
	backend   *audio.MockAudioBackend
	recordDir string
	inputDir  string
}

func newFixture(t *testing.T, opts ...Option) *fixture {
	t.Helper()
	backend := audio.NewMockAudioBackend()
	backend.SetSimulateRealTiming(false)
	logger := zaptest.NewLogger(t)
	neg := audio.NewNegotiator(backend, audio.WithLogger(logger))

	f := &fixture{
		backend:   backend,
		recordDir: filepath.Join(t.TempDir(), "recordings"),
		inputDir:  t.TempDir(),
	}
	opts = append([]Option{WithLogger(logger)}, opts...)
	f.engine = New(neg, Config{
		Session: session.Config{
			SampleRate:        8000,
			Channels:          1,
			PlaybackChannels:  2,
			FramesPerCallback: 80,
		},
		RecordDir: f.recordDir,
	}, opts...)
	t.Cleanup(func() { _ = f.engine.Close() })
	return f
}

// wavFile writes seconds of a constant tone and returns its path
func (f *fixture) wavFile(t *testing.T, name string, channels int, seconds float64) string {
	t.Helper()
	path := filepath.Join(f.inputDir, name)
	w, err := wav.Create(path, wav.Format{SampleRate: 8000, Channels: channels})
	require.NoError(t, err)
	frames := int(8000 * seconds)
	data := make([]int16, frames*channels)
	for i := range data {
		data[i] = int16(100 + i%channels)
	}
	require.NoError(t, w.AppendFrames(data))
	require.NoError(t, w.Finalize())
	return path
}

func (f *fixture) recordings(t *testing.T) []string {
	t.Helper()
	entries, err := os.ReadDir(f.recordDir)
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	require.NoError(t, err)
	var names []string
	for _, e := range entries {
		names = append(names, e.Name())
	}
	return names
}

func TestEngine_StopWithoutSessionIsNoop(t *testing.T) {
	f := newFixture(t)

	f.engine.StopFullDuplex()
	f.engine.StopPlayRecord()
	f.engine.StopPlayback()

	assert.Equal(t, Idle, f.engine.State())
	_, ok := f.engine.LastRecordedFilePath()
	assert.False(t, ok)
	assert.Equal(t, NoSession, f.engine.AudioSessionID())
}

func TestEngine_FullDuplex(t *testing.T) {
	f := newFixture(t)

	require.NoError(t, f.engine.StartFullDuplex(6.0))
	assert.Equal(t, FullDuplexActive, f.engine.State())
	assert.Equal(t, session.StateRunning, f.engine.Phase())
	assert.NotEqual(t, NoSession, f.engine.AudioSessionID())

	f.engine.StopFullDuplex()
	assert.Equal(t, Idle, f.engine.State())
	assert.Equal(t, session.StateIdle, f.engine.Phase())
	assert.Equal(t, NoSession, f.engine.AudioSessionID())
	assert.Empty(t, f.recordings(t), "full duplex creates no file")
	assert.Zero(t, f.backend.OpenStreams(audio.Capture))
	assert.Zero(t, f.backend.OpenStreams(audio.Render))

	f.engine.StopFullDuplex()
	assert.Equal(t, Idle, f.engine.State())
}

func TestEngine_PlayRecord(t *testing.T) {
	f := newFixture(t)
	input := f.wavFile(t, "two-seconds.wav", 1, 2)

	require.NoError(t, f.engine.StartPlayRecord(input, 0.0))
	assert.Equal(t, PlayRecordActive, f.engine.State())
	assert.NotEqual(t, NoSession, f.engine.AudioSessionID())
	time.Sleep(20 * time.Millisecond)
	f.engine.StopPlayRecord()

	assert.Equal(t, Idle, f.engine.State())
	path, ok := f.engine.LastRecordedFilePath()
	require.True(t, ok)
	assert.NotEqual(t, input, path)

	info, err := os.Stat(path)
	require.NoError(t, err)
	assert.Greater(t, info.Size(), int64(wav.HeaderSize), "recording is non-empty")

	h, err := wav.ReadHeader(path)
	require.NoError(t, err)
	assert.Equal(t, int64(wav.HeaderSize)+int64(h.DataSize), info.Size())
	assert.Equal(t, uint32(info.Size()-8), h.RIFFSize)

	r, err := wav.Open(path)
	require.NoError(t, err)
	assert.Equal(t, 8000, r.Format().SampleRate)
	_ = r.Close()

	t.Run("stop_full_duplex_keeps_last_path", func(t *testing.T) {
		f.engine.StopFullDuplex()
		again, ok := f.engine.LastRecordedFilePath()
		assert.True(t, ok)
		assert.Equal(t, path, again)
	})
}

func TestEngine_RecordingNames(t *testing.T) {
	clock := func() time.Time { return time.Date(2025, 3, 14, 15, 9, 26, 0, time.UTC) }
	f := newFixture(t, WithClock(clock))
	input := f.wavFile(t, "prompt.wav", 1, 0.1)

	require.NoError(t, f.engine.StartPlayRecord(input, 0))
	f.engine.StopPlayRecord()

	path, ok := f.engine.LastRecordedFilePath()
	require.True(t, ok)
	assert.Equal(t, f.recordDir, filepath.Dir(path))
	assert.Regexp(t, regexp.MustCompile(`^rec_20250314_150926_[0-9a-f]{8}\.wav$`), filepath.Base(path))
}

func TestEngine_LeftChannelHasNoSessionID(t *testing.T) {
	f := newFixture(t)
	input := f.wavFile(t, "stereo.wav", 2, 0.5)

	require.NoError(t, f.engine.PlayLeftChannel(input))
	assert.Equal(t, PlaybackActive, f.engine.State())
	for i := 0; i < 10; i++ {
		assert.Equal(t, NoSession, f.engine.AudioSessionID())
		time.Sleep(2 * time.Millisecond)
	}
	assert.Zero(t, f.backend.OpenedStreams(audio.Capture))

	f.engine.StopPlayback()
	assert.Equal(t, Idle, f.engine.State())
	assert.Equal(t, NoSession, f.engine.AudioSessionID())
	_, ok := f.engine.LastRecordedFilePath()
	assert.False(t, ok)
}

func TestEngine_ModeSwitch(t *testing.T) {
	f := newFixture(t)
	input := f.wavFile(t, "prompt.wav", 1, 1)

	require.NoError(t, f.engine.StartFullDuplex(3))
	require.NoError(t, f.engine.StartPlayRecord(input, 0))
	assert.Equal(t, PlayRecordActive, f.engine.State())

	assert.Equal(t, 1, f.backend.MaxConcurrentStreams(audio.Capture), "never two capture endpoints")
	assert.Equal(t, 1, f.backend.MaxConcurrentStreams(audio.Render), "never two render endpoints")
	assert.Equal(t, 2, f.backend.OpenedStreams(audio.Capture))

	t.Run("implicit_stop_publishes_recording", func(t *testing.T) {
		require.NoError(t, f.engine.PlayLeftChannel(input))
		assert.Equal(t, PlaybackActive, f.engine.State())
		_, ok := f.engine.LastRecordedFilePath()
		assert.True(t, ok)
		assert.Equal(t, 1, f.backend.OpenStreams(audio.Render))
		assert.Zero(t, f.backend.OpenStreams(audio.Capture))
	})

	t.Run("stop_of_other_mode_is_noop", func(t *testing.T) {
		f.engine.StopFullDuplex()
		f.engine.StopPlayRecord()
		assert.Equal(t, PlaybackActive, f.engine.State())
	})
}

func TestEngine_StartErrors(t *testing.T) {
	t.Run("missing_file_keeps_running_mode", func(t *testing.T) {
		f := newFixture(t)
		require.NoError(t, f.engine.StartFullDuplex(0))

		err := f.engine.StartPlayRecord(filepath.Join(f.inputDir, "missing.wav"), 0)
		assert.ErrorIs(t, err, ErrFileNotFound)
		assert.Equal(t, FullDuplexActive, f.engine.State())
	})

	t.Run("unsupported_format", func(t *testing.T) {
		f := newFixture(t)
		path := filepath.Join(f.inputDir, "notes.wav")
		require.NoError(t, os.WriteFile(path, []byte("plain text pretending to be audio"), 0o644))

		assert.ErrorIs(t, f.engine.PlayLeftChannel(path), ErrUnsupportedFormat)
		assert.Equal(t, Idle, f.engine.State())
	})

	t.Run("device_unavailable_leaves_idle", func(t *testing.T) {
		f := newFixture(t)
		f.backend.SetCreateStreamError(audio.Capture, errors.New("microphone permission denied"))
		input := f.wavFile(t, "prompt.wav", 1, 0.1)

		assert.ErrorIs(t, f.engine.StartFullDuplex(0), ErrDeviceUnavailable)
		assert.ErrorIs(t, f.engine.StartPlayRecord(input, 0), ErrDeviceUnavailable)
		assert.Equal(t, Idle, f.engine.State())
		assert.Equal(t, session.StateIdle, f.engine.Phase())
		assert.Empty(t, f.recordings(t))
		assert.Zero(t, f.backend.OpenStreams(audio.Render))
	})

	t.Run("closed", func(t *testing.T) {
		f := newFixture(t)
		require.NoError(t, f.engine.StartFullDuplex(0))
		require.NoError(t, f.engine.Close())

		assert.Equal(t, Idle, f.engine.State())
		assert.ErrorIs(t, f.engine.StartFullDuplex(0), ErrClosed)
	})
}

func TestEngine_AlreadyTransitioning(t *testing.T) {
	f := newFixture(t)

	f.engine.transition.Lock()
	err := f.engine.StartFullDuplex(0)
	f.engine.transition.Unlock()
	assert.ErrorIs(t, err, ErrAlreadyTransitioning)
	assert.Equal(t, Idle, f.engine.State())

	t.Run("concurrent_starts_open_one_session", func(t *testing.T) {
		var wg sync.WaitGroup
		errs := make(chan error, 8)
		for i := 0; i < 8; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				errs <- f.engine.StartFullDuplex(0)
			}()
		}
		wg.Wait()
		close(errs)

		var ok int
		for err := range errs {
			if err == nil {
				ok++
				continue
			}
			assert.ErrorIs(t, err, ErrAlreadyTransitioning)
		}
		assert.GreaterOrEqual(t, ok, 1)
		assert.Equal(t, FullDuplexActive, f.engine.State())
		assert.Equal(t, 1, f.backend.MaxConcurrentStreams(audio.Capture))
		f.engine.StopFullDuplex()
	})
}

func TestEngine_Hooks(t *testing.T) {
	var mu sync.Mutex
	var changes []State
	conditions := make(chan session.Condition, 4)

	f := newFixture(t,
		OnStateChange(func(_, to State) {
			mu.Lock()
			changes = append(changes, to)
			mu.Unlock()
		}),
		OnCondition(func(c session.Condition) {
			select {
			case conditions <- c:
			default:
			}
		}),
	)
	input := f.wavFile(t, "short.wav", 2, 0.05)

	require.NoError(t, f.engine.PlayLeftChannel(input))
	select {
	case c := <-conditions:
		assert.Equal(t, session.ConditionPlaybackFinished, c.Kind)
		assert.Equal(t, input, c.Path)
	case <-time.After(5 * time.Second):
		t.Fatal("playback never finished")
	}
	f.engine.StopPlayback()

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []State{PlaybackActive, Idle}, changes)
}
