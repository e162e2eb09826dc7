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

package gain

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestDBToLinear(t *testing.T) {
	tests := []struct {
		name     string
		db       float64
		expected float64
	}{
		{name: "unity", db: 0, expected: 1},
		{name: "plus_6db", db: 6, expected: 1.9953},
		{name: "minus_6db", db: -6, expected: 0.5012},
		{name: "plus_20db", db: 20, expected: 10},
		{name: "minus_40db", db: -40, expected: 0.01},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.InDelta(t, tt.expected, DBToLinear(tt.db), 0.0001)
		})
	}
}

func TestApply_ZeroDBIsIdentity(t *testing.T) {
	in := []int16{math.MinInt16, -12345, -1, 0, 1, 12345, math.MaxInt16}
	buf := append([]int16(nil), in...)

	Apply(buf, 0)

	assert.Equal(t, in, buf)
}

func TestApply_Saturates(t *testing.T) {
	tests := []struct {
		name     string
		in       []int16
		db       float64
		expected []int16
	}{
		{
			name:     "positive_extreme",
			in:       []int16{20000, 32767},
			db:       60,
			expected: []int16{math.MaxInt16, math.MaxInt16},
		},
		{
			name:     "negative_extreme",
			in:       []int16{-20000, -32768},
			db:       60,
			expected: []int16{math.MinInt16, math.MinInt16},
		},
		{
			name:     "infinite_gain",
			in:       []int16{1, -1, 0},
			db:       math.Inf(1),
			expected: []int16{math.MaxInt16, math.MinInt16, 0},
		},
		{
			name:     "silence_stays_silent",
			in:       []int16{0, 0},
			db:       40,
			expected: []int16{0, 0},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			buf := append([]int16(nil), tt.in...)
			Apply(buf, tt.db)
			assert.Equal(t, tt.expected, buf)
		})
	}
}

func TestApply_Attenuates(t *testing.T) {
	buf := []int16{10000, -10000}
	Apply(buf, -20)
	assert.Equal(t, []int16{1000, -1000}, buf)
}

func TestApply_Reproducible(t *testing.T) {
	for _, db := range []float64{-12.5, -3, 0.1, 6, 9.75} {
		a := []int16{-32000, -777, 3, 4096, 31000}
		b := append([]int16(nil), a...)

		Apply(a, db)
		Apply(b, db)

		assert.Equal(t, a, b, "gain %.2f dB must be deterministic", db)
	}
}

func TestStage_ProcessSeparateBuffers(t *testing.T) {
	stage := NewStage(6)
	src := []int16{100, 200, 300}
	dst := make([]int16, 2)

	n := stage.Process(dst, src)

	assert.Equal(t, 2, n)
	assert.Equal(t, []int16{200, 399}, dst)
	assert.Equal(t, []int16{100, 200, 300}, src, "source must be untouched")
	assert.InDelta(t, 1.9953, stage.Linear(), 0.0001)
	assert.Equal(t, 6.0, stage.DB())
}
