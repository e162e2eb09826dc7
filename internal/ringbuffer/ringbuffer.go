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

// Package ringbuffer provides a fixed-capacity single-producer/single-consumer
// queue of interleaved 16-bit PCM frames for handing audio between device
// callbacks and the goroutines that feed or drain them.
//
// Write and Read never lock and never allocate. When the producer runs out
// of room it discards the oldest unread frames (keep-latest); when the
// consumer asks for more than is buffered the rest of its buffer is zeroed.
package ringbuffer

import "sync/atomic"

// maxReadAttempts bounds how often Read retries after the producer
// discarded frames underneath it.
const maxReadAttempts = 4

// RingBuffer is a lock-free SPSC frame queue.
//
// Cursors are monotonic frame counters; the slot of frame i is i % capacity.
// The producer owns the write cursor. The read cursor is advanced by the
// consumer and, on overflow, by the producer, so both sides update it with
// compare-and-swap.
type RingBuffer struct {
	buf       []int16
	capacity  uint64
	frameSize int

	read  atomic.Uint64
	write atomic.Uint64

	overruns  atomic.Uint64
	underruns atomic.Uint64
}

// New creates a ring buffer holding capacityFrames frames of frameSize
// samples each. Non-positive arguments are raised to 1.
func New(capacityFrames, frameSize int) *RingBuffer {
	if capacityFrames < 1 {
		capacityFrames = 1
	}
	if frameSize < 1 {
		frameSize = 1
	}
	return &RingBuffer{
		buf:       make([]int16, capacityFrames*frameSize),
		capacity:  uint64(capacityFrames),
		frameSize: frameSize,
	}
}

// Capacity returns the capacity in frames.
func (r *RingBuffer) Capacity() int { return int(r.capacity) }

// FrameSize returns the number of samples per frame.
func (r *RingBuffer) FrameSize() int { return r.frameSize }

// Available returns the number of frames ready to be read.
func (r *RingBuffer) Available() int {
	w := r.write.Load()
	rd := r.read.Load()
	if rd >= w {
		return 0
	}
	if n := w - rd; n < r.capacity {
		return int(n)
	}
	return int(r.capacity)
}

// Free returns the number of frames that can be written without
// discarding unread data.
func (r *RingBuffer) Free() int {
	return int(r.capacity) - r.Available()
}

// Overruns returns the total number of frames discarded to make room for
// newer ones.
func (r *RingBuffer) Overruns() uint64 { return r.overruns.Load() }

// Underruns returns the total number of frames the consumer asked for but
// received as silence.
func (r *RingBuffer) Underruns() uint64 { return r.underruns.Load() }

// Write stores the whole frames contained in samples and returns how many
// frames were stored. Trailing samples that do not form a whole frame are
// ignored. Producer side only.
func (r *RingBuffer) Write(samples []int16) int {
	fs := uint64(r.frameSize)
	n := uint64(len(samples)) / fs
	if n == 0 {
		return 0
	}
	src := samples[:n*fs]

	// Only the newest capacity frames of an oversized write can survive.
	if n > r.capacity {
		skipped := n - r.capacity
		r.overruns.Add(skipped)
		src = src[skipped*fs:]
		n = r.capacity
	}

	w := r.write.Load()
	for {
		rd := r.read.Load()
		if w-rd+n <= r.capacity {
			break
		}
		oldest := w + n - r.capacity
		if r.read.CompareAndSwap(rd, oldest) {
			r.overruns.Add(oldest - rd)
			break
		}
	}

	start := w % r.capacity
	first := min(n, r.capacity-start)
	copy(r.buf[start*fs:], src[:first*fs])
	if first < n {
		copy(r.buf, src[first*fs:])
	}

	r.write.Store(w + n)
	return int(n)
}

// Read fills dst with up to len(dst)/FrameSize() frames and returns how
// many frames were real data. Everything after them is zeroed. Consumer
// side only.
func (r *RingBuffer) Read(dst []int16) int {
	fs := uint64(r.frameSize)
	want := uint64(len(dst)) / fs

	var got uint64
	for attempt := 0; attempt < maxReadAttempts; attempt++ {
		rd := r.read.Load()
		w := r.write.Load()

		got = 0
		if w > rd {
			got = min(want, w-rd, r.capacity)
		}
		if got > 0 {
			start := rd % r.capacity
			first := min(got, r.capacity-start)
			copy(dst, r.buf[start*fs:(start+first)*fs])
			if first < got {
				copy(dst[first*fs:], r.buf[:(got-first)*fs])
			}
		}

		// A failed swap means the producer dropped frames we may have
		// copied while they were being overwritten.
		if r.read.CompareAndSwap(rd, rd+got) {
			break
		}
		got = 0
	}

	clear(dst[got*fs:])
	if got < want {
		r.underruns.Add(want - got)
	}
	return int(got)
}

// Reset discards all buffered frames and clears the counters. It must only
// be called while neither side is running.
func (r *RingBuffer) Reset() {
	r.read.Store(0)
	r.write.Store(0)
	r.overruns.Store(0)
	r.underruns.Store(0)
}
