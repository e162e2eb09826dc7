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

import "errors"

// Status classifies a start error for hosts that cannot inspect Go errors.
// The numeric values are part of the C ABI.
type Status int

const (
	StatusOK Status = iota
	StatusDeviceUnavailable
	StatusFileNotFound
	StatusUnsupportedFormat
	StatusAlreadyTransitioning
	StatusOther
)

// StatusOf maps err onto the error taxonomy
func StatusOf(err error) Status {
	switch {
	case err == nil:
		return StatusOK
	case errors.Is(err, ErrDeviceUnavailable):
		return StatusDeviceUnavailable
	case errors.Is(err, ErrFileNotFound):
		return StatusFileNotFound
	case errors.Is(err, ErrUnsupportedFormat):
		return StatusUnsupportedFormat
	case errors.Is(err, ErrAlreadyTransitioning):
		return StatusAlreadyTransitioning
	default:
		return StatusOther
	}
}

func (s Status) String() string {
	switch s {
	case StatusOK:
		return "ok"
	case StatusDeviceUnavailable:
		return "device_unavailable"
	case StatusFileNotFound:
		return "file_not_found"
	case StatusUnsupportedFormat:
		return "unsupported_format"
	case StatusAlreadyTransitioning:
		return "already_transitioning"
	default:
		return "error"
	}
}
