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

// Command libaudioengine builds the engine as a C shared library:
//
//	go build -buildmode=c-shared -o libaudioengine.so ./cmd/libaudioengine
//
// Every start returns a status code (0 ok, 1 device unavailable, 2 file not
// found, 3 unsupported format, 4 already transitioning, 5 other error).
package main

/*
#include <stdlib.h>
*/
import "C"

import (
	"unsafe"

	"github.com/loqalabs/loqa-audio-engine/internal/engine"
)

//export EngineInit
func EngineInit(configPath *C.char) C.int {
	path := ""
	if configPath != nil {
		path = C.GoString(configPath)
	}
	if err := global.init(path); err != nil {
		return C.int(engine.StatusOf(err))
	}
	return C.int(engine.StatusOK)
}

//export EngineShutdown
func EngineShutdown() C.int {
	return C.int(engine.StatusOf(global.shutdown()))
}

//export StartFullDuplex
func StartFullDuplex(gainDb C.float) C.int {
	return C.int(global.status(func(e *engine.Engine) error {
		return e.StartFullDuplex(float64(gainDb))
	}))
}

//export StopFullDuplex
func StopFullDuplex() {
	global.do((*engine.Engine).StopFullDuplex)
}

//export StartPlayRecord
func StartPlayRecord(path *C.char, gainDb C.float) C.int {
	p := C.GoString(path)
	return C.int(global.status(func(e *engine.Engine) error {
		return e.StartPlayRecord(p, float64(gainDb))
	}))
}

//export StopPlayRecord
func StopPlayRecord() {
	global.do((*engine.Engine).StopPlayRecord)
}

//export PlayLeftChannel
func PlayLeftChannel(path *C.char) C.int {
	p := C.GoString(path)
	return C.int(global.status(func(e *engine.Engine) error {
		return e.PlayLeftChannel(p)
	}))
}

//export StopPlayback
func StopPlayback() {
	global.do((*engine.Engine).StopPlayback)
}

// GetLastRecordedFilePath returns a string the caller releases with
// FreeString, or NULL when nothing has been recorded.
//
//export GetLastRecordedFilePath
func GetLastRecordedFilePath() *C.char {
	path, ok := global.lastRecordedFilePath()
	if !ok {
		return nil
	}
	return C.CString(path)
}

//export FreeString
func FreeString(s *C.char) {
	C.free(unsafe.Pointer(s))
}

//export GetAudioSessionId
func GetAudioSessionId() C.int {
	return C.int(global.audioSessionID())
}

func main() {}
