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
	"fmt"
	"io/ioutil"
	"os"
	"path/filepath"

	"github.com/streambit/streambit/core"
	"github.com/streambit/streambit/utils/osutil"
)

const _statusSuffix = ".status"

// statusFile persists piece completion as a sidecar file, one byte per
// piece, written positionally as pieces complete. It makes restoring a
// partially downloaded torrent cheap relative to re-hashing the content
// files.
type statusFile struct {
	f        *os.File
	statuses []byte
}

func openStatusFile(downloadDir string, mi *core.MetaInfo) (*statusFile, error) {
	path := filepath.Join(downloadDir, mi.InfoHash().Hex()+_statusSuffix)
	if err := osutil.EnsureFilePresent(path, 0775); err != nil {
		return nil, err
	}
	statuses, err := ioutil.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read statuses: %s", err)
	}
	f, err := os.OpenFile(path, os.O_RDWR, 0775)
	if err != nil {
		return nil, fmt.Errorf("open: %s", err)
	}
	if len(statuses) < mi.NumPieces() {
		// Newly created or truncated sidecar -- extend to full size.
		if err := f.Truncate(int64(mi.NumPieces())); err != nil {
			f.Close()
			return nil, fmt.Errorf("truncate: %s", err)
		}
		padded := make([]byte, mi.NumPieces())
		copy(padded, statuses)
		statuses = padded
	}
	return &statusFile{f: f, statuses: statuses}, nil
}

func (s *statusFile) snapshot() []byte {
	return s.statuses
}

func (s *statusFile) setComplete(pi int) error {
	_, err := s.f.WriteAt([]byte{byte(_complete)}, int64(pi))
	return err
}

func (s *statusFile) Close() error {
	return s.f.Close()
}
