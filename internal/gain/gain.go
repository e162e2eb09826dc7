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

import "math"

// DBToLinear converts a decibel value to a linear amplitude multiplier.
func DBToLinear(db float64) float64 {
	return math.Pow(10, db/20)
}

// Apply multiplies every sample in buf by the linear equivalent of gainDb,
// saturating at the int16 range.
func Apply(buf []int16, gainDb float64) {
	NewStage(gainDb).Process(buf, buf)
}

// Stage is a gain with its linear factor computed once, so audio callbacks
// only multiply and clamp.
type Stage struct {
	db     float64
	linear float64
	unity  bool
}

// NewStage creates a gain stage for gainDb.
func NewStage(gainDb float64) Stage {
	linear := DBToLinear(gainDb)
	return Stage{
		db:     gainDb,
		linear: linear,
		unity:  linear == 1,
	}
}

// DB returns the stage gain in decibels.
func (s Stage) DB() float64 { return s.db }

// Linear returns the stage gain as a multiplier.
func (s Stage) Linear() float64 { return s.linear }

// Process writes the gained samples of src into dst and returns the number
// of samples processed. dst and src may be the same slice.
func (s Stage) Process(dst, src []int16) int {
	n := min(len(dst), len(src))
	if s.unity {
		copy(dst[:n], src[:n])
		return n
	}
	for i := 0; i < n; i++ {
		dst[i] = saturate(float64(src[i]) * s.linear)
	}
	return n
}

func saturate(v float64) int16 {
	switch {
	case math.IsNaN(v):
		return 0
	case v >= math.MaxInt16:
		return math.MaxInt16
	case v <= math.MinInt16:
		return math.MinInt16
	}
	return int16(math.Round(v))
}
