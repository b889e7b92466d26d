// Copyright (c) 2016-2019 Uber Technologies, Inc.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.
package filestorage

import (
	"sync"

	"github.com/streambit/streambit/utils/log"
)

type pieceStatus byte

const (
	_empty pieceStatus = iota
	_complete
	_dirty
)

type piece struct {
	sync.RWMutex
	status pieceStatus
}

func (p *piece) complete() bool {
	p.RLock()
	defer p.RUnlock()
	return p.status == _complete
}

func (p *piece) dirty() bool {
	p.RLock()
	defer p.RUnlock()
	return p.status == _dirty
}

func (p *piece) tryMarkDirty() (dirty, complete bool) {
	p.Lock()
	defer p.Unlock()

	switch p.status {
	case _empty:
		p.status = _dirty
	case _dirty:
		dirty = true
	case _complete:
		complete = true
	default:
		log.Fatalf("Unknown piece status: %d", p.status)
	}
	return
}

func (p *piece) markEmpty() {
	p.Lock()
	defer p.Unlock()
	p.status = _empty
}

func (p *piece) markComplete() {
	p.Lock()
	defer p.Unlock()
	p.status = _complete
}

// restorePieces initializes in-memory piece statuses from a status sidecar
// blob, one byte per piece as written by statusFile. A naive solution would
// be to hash the entire backing file on open -- that is very expensive, so
// completed pieces are instead tracked in the sidecar as they are written.
func restorePieces(numPieces int, statuses []byte) (pieces []*piece, numComplete int) {
	for i := 0; i < numPieces; i++ {
		p := &piece{status: _empty}
		if i < len(statuses) {
			switch pieceStatus(statuses[i]) {
			case _empty:
			case _complete:
				p.status = _complete
				numComplete++
			default:
				// Dirty statuses from a crashed process revert to empty.
			}
		}
		pieces = append(pieces, p)
	}
	return pieces, numComplete
}
