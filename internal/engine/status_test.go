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
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestStatusOf(t *testing.T) {
	tests := []struct {
		name     string
		err      error
		expected Status
		code     int
	}{
		{name: "nil", err: nil, expected: StatusOK, code: 0},
		{name: "device", err: fmt.Errorf("%w: open capture: busy", ErrDeviceUnavailable), expected: StatusDeviceUnavailable, code: 1},
		{name: "not_found", err: fmt.Errorf("%w: x.wav", ErrFileNotFound), expected: StatusFileNotFound, code: 2},
		{name: "unsupported", err: ErrUnsupportedFormat, expected: StatusUnsupportedFormat, code: 3},
		{name: "transitioning", err: ErrAlreadyTransitioning, expected: StatusAlreadyTransitioning, code: 4},
		{name: "other", err: errors.New("boom"), expected: StatusOther, code: 5},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := StatusOf(tt.err)
			assert.Equal(t, tt.expected, got)
			assert.Equal(t, tt.code, int(got))
		})
	}
}
