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
package apiserver

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io/ioutil"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"

	"github.com/streambit/streambit/core"
	"github.com/streambit/streambit/lib/engine"
	"github.com/streambit/streambit/lib/metastore"
	"github.com/streambit/streambit/lib/streaming"
	"github.com/streambit/streambit/lib/torrent/scheduler/dispatch/piecerequest"
	"github.com/streambit/streambit/lib/torrent/storage"
	"github.com/streambit/streambit/lib/torrent/storage/filestorage"
	"github.com/streambit/streambit/lib/torrent/storage/piecereader"

	"github.com/andres-erbsen/clock"
	"github.com/stretchr/testify/require"
	"github.com/uber-go/tally"
)

// fakeScheduler accepts all torrents and probes. Satisfies
// scheduler.Scheduler and streaming.PiecePinner.
type fakeScheduler struct{}

func (fakeScheduler) Stop()                                              {}
func (fakeScheduler) AddTorrent(*core.MetaInfo) error                    { return nil }
func (fakeScheduler) StopTorrent(core.InfoHash) error                    { return nil }
func (fakeScheduler) RemoveTorrent(core.InfoHash) error                  { return nil }
func (fakeScheduler) Pin(core.InfoHash, int, piecerequest.Priority) error { return nil }
func (fakeScheduler) Unpin(core.InfoHash, int) error                     { return nil }
func (fakeScheduler) NumPeers(core.InfoHash) int                         { return 0 }
func (fakeScheduler) Probe() error                                       { return nil }

type serverFixture struct {
	server  *httptest.Server
	engine  *engine.Engine
	archive *filestorage.TorrentArchive
	cleanup func()
}

func newServerFixture(t *testing.T) *serverFixture {
	store, cleanupStore := metastore.StoreFixture()
	archive, cleanupArchive := filestorage.ArchiveFixture()

	dir, err := ioutil.TempDir("", "streambit-apiserver-test-")
	require.NoError(t, err)

	sched := fakeScheduler{}
	streams := streaming.NewManager(
		streaming.Config{}, clock.New(), sched, tally.NewTestScope("", nil))

	e := engine.New(
		engine.Config{TorrentDir: filepath.Join(dir, "torrents")},
		store,
		archive,
		clock.New(),
		tally.NewTestScope("", nil))
	e.SetScheduler(sched)
	e.SetStreams(streams)

	s := New(Config{}, tally.NewTestScope("", nil), e, sched)
	ts := httptest.NewServer(s.Handler())

	cleanup := func() {
		ts.Close()
		e.Stop()
		streams.Stop()
		cleanupArchive()
		cleanupStore()
		os.RemoveAll(dir)
	}
	return &serverFixture{ts, e, archive, cleanup}
}

// uploadTorrent posts raw torrent bytes through the multipart endpoint and
// returns the created torrent id.
func (f *serverFixture) uploadTorrent(t *testing.T, raw []byte) int64 {
	t.Helper()

	var body bytes.Buffer
	mw := multipart.NewWriter(&body)
	fw, err := mw.CreateFormFile("torrent", "test.torrent")
	require.NoError(t, err)
	_, err = fw.Write(raw)
	require.NoError(t, err)
	require.NoError(t, mw.Close())

	resp, err := http.Post(
		f.server.URL+"/api/torrents/upload", mw.FormDataContentType(), &body)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusCreated, resp.StatusCode)

	var created struct {
		ID int64 `json:"id"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&created))
	return created.ID
}

func (f *serverFixture) post(t *testing.T, path string) *http.Response {
	t.Helper()
	resp, err := http.Post(f.server.URL+path, "application/json", nil)
	require.NoError(t, err)
	return resp
}

func TestHealth(t *testing.T) {
	require := require.New(t)

	f := newServerFixture(t)
	defer f.cleanup()

	resp, err := http.Get(f.server.URL + "/health")
	require.NoError(err)
	defer resp.Body.Close()
	require.Equal(http.StatusOK, resp.StatusCode)
}

func TestUploadAndListTorrents(t *testing.T) {
	require := require.New(t)

	f := newServerFixture(t)
	defer f.cleanup()

	mi := core.MetaInfoFixture("show.mp4", []byte("abcde"), 2, "http://tracker/announce")
	raw, err := core.EncodeMetaInfo(mi)
	require.NoError(err)

	id := f.uploadTorrent(t, raw)
	require.NotZero(id)

	resp, err := http.Get(f.server.URL + "/api/torrents")
	require.NoError(err)
	defer resp.Body.Close()

	var torrents []map[string]interface{}
	require.NoError(json.NewDecoder(resp.Body).Decode(&torrents))
	require.Len(torrents, 1)
	require.Equal("show.mp4", torrents[0]["name"])
	require.Equal(mi.InfoHash().Hex(), torrents[0]["info_hash"])

	// Duplicate upload conflicts.
	var body bytes.Buffer
	mw := multipart.NewWriter(&body)
	fw, _ := mw.CreateFormFile("torrent", "test.torrent")
	fw.Write(raw)
	mw.Close()
	dup, err := http.Post(f.server.URL+"/api/torrents/upload", mw.FormDataContentType(), &body)
	require.NoError(err)
	defer dup.Body.Close()
	require.Equal(http.StatusConflict, dup.StatusCode)
}

func TestUploadRejectsMalformedTorrent(t *testing.T) {
	require := require.New(t)

	f := newServerFixture(t)
	defer f.cleanup()

	var body bytes.Buffer
	mw := multipart.NewWriter(&body)
	fw, err := mw.CreateFormFile("torrent", "junk.torrent")
	require.NoError(err)
	fw.Write([]byte("junk"))
	require.NoError(mw.Close())

	resp, err := http.Post(f.server.URL+"/api/torrents/upload", mw.FormDataContentType(), &body)
	require.NoError(err)
	defer resp.Body.Close()
	require.Equal(http.StatusBadRequest, resp.StatusCode)
}

func TestTorrentLifecycleEndpoints(t *testing.T) {
	require := require.New(t)

	f := newServerFixture(t)
	defer f.cleanup()

	mi := core.MetaInfoFixture("show.mp4", []byte("abcde"), 2, "")
	raw, err := core.EncodeMetaInfo(mi)
	require.NoError(err)
	id := f.uploadTorrent(t, raw)

	resp := f.post(t, fmt.Sprintf("/api/torrents/%d/start", id))
	resp.Body.Close()
	require.Equal(http.StatusOK, resp.StatusCode)

	get, err := http.Get(fmt.Sprintf("%s/api/torrents/%d", f.server.URL, id))
	require.NoError(err)
	defer get.Body.Close()
	var torrent map[string]interface{}
	require.NoError(json.NewDecoder(get.Body).Decode(&torrent))
	require.Equal("downloading", torrent["status"])

	resp = f.post(t, fmt.Sprintf("/api/torrents/%d/pause", id))
	resp.Body.Close()
	require.Equal(http.StatusOK, resp.StatusCode)

	resp = f.post(t, fmt.Sprintf("/api/torrents/%d/resume", id))
	resp.Body.Close()
	require.Equal(http.StatusOK, resp.StatusCode)

	// Unknown torrent.
	resp = f.post(t, "/api/torrents/999/start")
	resp.Body.Close()
	require.Equal(http.StatusNotFound, resp.StatusCode)
}

// streamFixture uploads and starts the canonical abcde torrent and opens a
// stream session on it.
func streamFixture(t *testing.T, f *serverFixture) (sessionID string, tor storage.Torrent, mi *core.MetaInfo) {
	mi = core.MetaInfoFixture("show.mp4", []byte("abcde"), 2, "")
	raw, err := core.EncodeMetaInfo(mi)
	require.NoError(t, err)
	id := f.uploadTorrent(t, raw)

	resp := f.post(t, fmt.Sprintf("/api/torrents/%d/start", id))
	resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	tor, err = f.archive.CreateTorrent(mi)
	require.NoError(t, err)

	resp = f.post(t, fmt.Sprintf("/api/torrents/%d/stream/0", id))
	defer resp.Body.Close()
	require.Equal(t, http.StatusCreated, resp.StatusCode)

	var created struct {
		SessionID string `json:"session_id"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&created))
	return created.SessionID, tor, mi
}

func writeTestPiece(t *testing.T, tor storage.Torrent, pi int, b []byte) {
	t.Helper()
	require.NoError(t, tor.WritePiece(piecereader.NewBuffer(b), pi))
}

func TestStreamRangeRequest(t *testing.T) {
	require := require.New(t)

	f := newServerFixture(t)
	defer f.cleanup()

	sessionID, tor, mi := streamFixture(t, f)

	writeTestPiece(t, tor, 1, []byte("cd"))
	f.engine.Streams().PieceComplete(mi.InfoHash(), 1)

	req, err := http.NewRequest("GET", f.server.URL+"/api/stream/"+sessionID, nil)
	require.NoError(err)
	req.Header.Set("Range", "bytes=2-3")

	resp, err := http.DefaultClient.Do(req)
	require.NoError(err)
	defer resp.Body.Close()

	require.Equal(http.StatusPartialContent, resp.StatusCode)
	require.Equal("bytes", resp.Header.Get("Accept-Ranges"))
	require.Equal("bytes 2-3/5", resp.Header.Get("Content-Range"))
	require.Equal("video/mp4", resp.Header.Get("Content-Type"))

	b, err := ioutil.ReadAll(resp.Body)
	require.NoError(err)
	require.Equal([]byte("cd"), b)
}

func TestStreamWholeFile(t *testing.T) {
	require := require.New(t)

	f := newServerFixture(t)
	defer f.cleanup()

	sessionID, tor, _ := streamFixture(t, f)

	writeTestPiece(t, tor, 0, []byte("ab"))
	writeTestPiece(t, tor, 1, []byte("cd"))
	writeTestPiece(t, tor, 2, []byte("e"))

	resp, err := http.Get(f.server.URL + "/api/stream/" + sessionID)
	require.NoError(err)
	defer resp.Body.Close()

	require.Equal(http.StatusOK, resp.StatusCode)
	b, err := ioutil.ReadAll(resp.Body)
	require.NoError(err)
	require.Equal([]byte("abcde"), b)
}

func TestStreamOpenEndedRange(t *testing.T) {
	require := require.New(t)

	f := newServerFixture(t)
	defer f.cleanup()

	sessionID, tor, _ := streamFixture(t, f)

	writeTestPiece(t, tor, 1, []byte("cd"))
	writeTestPiece(t, tor, 2, []byte("e"))

	req, _ := http.NewRequest("GET", f.server.URL+"/api/stream/"+sessionID, nil)
	req.Header.Set("Range", "bytes=2-")

	resp, err := http.DefaultClient.Do(req)
	require.NoError(err)
	defer resp.Body.Close()

	require.Equal(http.StatusPartialContent, resp.StatusCode)
	require.Equal("bytes 2-4/5", resp.Header.Get("Content-Range"))
	b, err := ioutil.ReadAll(resp.Body)
	require.NoError(err)
	require.Equal([]byte("cde"), b)
}

func TestStreamUnsatisfiableRange(t *testing.T) {
	require := require.New(t)

	f := newServerFixture(t)
	defer f.cleanup()

	sessionID, _, _ := streamFixture(t, f)

	req, _ := http.NewRequest("GET", f.server.URL+"/api/stream/"+sessionID, nil)
	req.Header.Set("Range", "bytes=5-")

	resp, err := http.DefaultClient.Do(req)
	require.NoError(err)
	defer resp.Body.Close()

	require.Equal(http.StatusRequestedRangeNotSatisfiable, resp.StatusCode)
	require.Equal("bytes */5", resp.Header.Get("Content-Range"))
}

func TestStreamUnknownSession(t *testing.T) {
	require := require.New(t)

	f := newServerFixture(t)
	defer f.cleanup()

	resp, err := http.Get(f.server.URL + "/api/stream/nope")
	require.NoError(err)
	defer resp.Body.Close()
	require.Equal(http.StatusNotFound, resp.StatusCode)
}

func TestListStreams(t *testing.T) {
	require := require.New(t)

	f := newServerFixture(t)
	defer f.cleanup()

	sessionID, _, _ := streamFixture(t, f)

	resp, err := http.Get(f.server.URL + "/api/streams")
	require.NoError(err)
	defer resp.Body.Close()

	var sessions []map[string]interface{}
	require.NoError(json.NewDecoder(resp.Body).Decode(&sessions))
	require.Len(sessions, 1)
	require.Equal(sessionID, sessions[0]["session_id"])
}

func TestStatusEndpoint(t *testing.T) {
	require := require.New(t)

	f := newServerFixture(t)
	defer f.cleanup()

	resp, err := http.Get(f.server.URL + "/api/status")
	require.NoError(err)
	defer resp.Body.Close()

	var status map[string]interface{}
	require.NoError(json.NewDecoder(resp.Body).Decode(&status))
	require.Equal(float64(0), status["torrents"])
}
