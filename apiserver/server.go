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

// Package apiserver exposes the torrent engine and streaming layer over
// HTTP, including byte-range serving for progressive media playback.
package apiserver

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	_ "net/http/pprof" // Registers /debug/pprof endpoints in http.DefaultServeMux.
	"strconv"
	"time"

	"github.com/streambit/streambit/core"
	"github.com/streambit/streambit/lib/engine"
	"github.com/streambit/streambit/lib/metastore"
	"github.com/streambit/streambit/lib/middleware"
	"github.com/streambit/streambit/lib/streaming"
	"github.com/streambit/streambit/utils/handler"
	"github.com/streambit/streambit/utils/httputil"
	"github.com/streambit/streambit/utils/log"

	"github.com/go-chi/chi"
	"github.com/uber-go/tally"
)

// Prober checks liveness of the peer-wire engine.
type Prober interface {
	Probe() error
}

// Server defines the streambit HTTP server.
type Server struct {
	config    Config
	stats     tally.Scope
	engine    *engine.Engine
	prober    Prober
	startedAt time.Time
}

// New creates a new Server.
func New(config Config, stats tally.Scope, e *engine.Engine, prober Prober) *Server {
	config = config.applyDefaults()

	stats = stats.Tagged(map[string]string{
		"module": "apiserver",
	})

	return &Server{
		config:    config,
		stats:     stats,
		engine:    e,
		prober:    prober,
		startedAt: time.Now(),
	}
}

// Handler returns the HTTP handler.
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.StatusCounter(s.stats))
	r.Use(middleware.LatencyTimer(s.stats))

	if s.config.EnableRequestLogging {
		r.Use(s.requestLoggingMiddleware)
	}

	r.Get("/health", handler.Wrap(s.healthHandler))

	r.Route("/api", func(r chi.Router) {
		r.Get("/status", handler.Wrap(s.statusHandler))

		r.Get("/torrents", handler.Wrap(s.listTorrentsHandler))
		r.Post("/torrents", handler.Wrap(s.addTorrentByURLHandler))
		r.Post("/torrents/upload", handler.Wrap(s.uploadTorrentHandler))
		r.Get("/torrents/{id}", handler.Wrap(s.getTorrentHandler))
		r.Delete("/torrents/{id}", handler.Wrap(s.removeTorrentHandler))
		r.Post("/torrents/{id}/start", handler.Wrap(s.startTorrentHandler))
		r.Post("/torrents/{id}/pause", handler.Wrap(s.pauseTorrentHandler))
		r.Post("/torrents/{id}/resume", handler.Wrap(s.resumeTorrentHandler))
		r.Get("/torrents/{id}/files", handler.Wrap(s.listFilesHandler))
		r.Post("/torrents/{id}/stream/{file_index}", handler.Wrap(s.createStreamHandler))

		r.Get("/streams", handler.Wrap(s.listStreamsHandler))
		r.Get("/stream/{session_id}", handler.Wrap(s.streamHandler))
	})

	// Serves /debug/pprof endpoints.
	r.Mount("/", http.DefaultServeMux)

	return r
}

func (s *Server) requestLoggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		next.ServeHTTP(w, r)
		log.With(
			"method", r.Method,
			"path", r.URL.Path,
			"remote_addr", r.RemoteAddr,
			"duration", time.Since(start),
		).Debug("Handled request")
	})
}

// torrentResponse is the API view of a persisted torrent.
type torrentResponse struct {
	ID          int64   `json:"id"`
	InfoHash    string  `json:"info_hash"`
	Name        string  `json:"name"`
	TotalSize   int64   `json:"total_size"`
	PieceLength int64   `json:"piece_length"`
	PieceCount  int     `json:"piece_count"`
	Status      string  `json:"status"`
	Error       string  `json:"error,omitempty"`
	Progress    float64 `json:"progress"`
}

func newTorrentResponse(t *metastore.Torrent) *torrentResponse {
	return &torrentResponse{
		ID:          t.ID,
		InfoHash:    t.InfoHash,
		Name:        t.Name,
		TotalSize:   t.TotalSize,
		PieceLength: t.PieceLength,
		PieceCount:  t.PieceCount,
		Status:      t.Status,
		Error:       t.ErrorMessage,
		Progress:    t.Progress,
	}
}

// fileResponse is the API view of a torrent file entry.
type fileResponse struct {
	Index    int    `json:"index"`
	Path     string `json:"path"`
	Length   int64  `json:"length"`
	Offset   int64  `json:"offset"`
	MimeType string `json:"mime_type"`
}

func (s *Server) healthHandler(w http.ResponseWriter, r *http.Request) error {
	if err := s.prober.Probe(); err != nil {
		return handler.Errorf("probe scheduler: %s", err)
	}
	io.WriteString(w, "OK")
	return nil
}

func (s *Server) statusHandler(w http.ResponseWriter, r *http.Request) error {
	torrents, err := s.engine.List()
	if err != nil {
		return handler.Errorf("list torrents: %s", err)
	}
	status := map[string]interface{}{
		"torrents":       len(torrents),
		"active_streams": len(s.engine.Streams().ListSessions()),
		"uptime":         time.Since(s.startedAt).String(),
	}
	return writeJSON(w, status)
}

func (s *Server) listTorrentsHandler(w http.ResponseWriter, r *http.Request) error {
	torrents, err := s.engine.List()
	if err != nil {
		return handler.Errorf("list torrents: %s", err)
	}
	resp := make([]*torrentResponse, 0, len(torrents))
	for _, t := range torrents {
		resp = append(resp, newTorrentResponse(t))
	}
	return writeJSON(w, resp)
}

func (s *Server) addTorrentByURLHandler(w http.ResponseWriter, r *http.Request) error {
	defer r.Body.Close()

	var req struct {
		URL string `json:"url"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		return handler.Errorf("json decode: %s", err).Status(http.StatusBadRequest)
	}
	if req.URL == "" {
		return handler.Errorf("url is required").Status(http.StatusBadRequest)
	}

	resp, err := httputil.Get(
		req.URL,
		httputil.SendTimeout(s.config.FetchTimeout),
		httputil.SendRetry())
	if err != nil {
		return handler.Errorf("fetch torrent: %s", err).Status(http.StatusBadRequest)
	}
	raw, err := httputil.ReadBody(resp)
	if err != nil {
		return handler.Errorf("read torrent: %s", err).Status(http.StatusBadRequest)
	}
	if int64(len(raw)) > s.config.MaxTorrentSize {
		return handler.Errorf("torrent file too large").Status(http.StatusBadRequest)
	}
	return s.ingest(w, raw)
}

func (s *Server) uploadTorrentHandler(w http.ResponseWriter, r *http.Request) error {
	if err := r.ParseMultipartForm(s.config.MaxTorrentSize); err != nil {
		return handler.Errorf("parse multipart form: %s", err).Status(http.StatusBadRequest)
	}
	f, _, err := r.FormFile("torrent")
	if err != nil {
		return handler.Errorf("missing torrent field: %s", err).Status(http.StatusBadRequest)
	}
	defer f.Close()

	var buf bytes.Buffer
	if _, err := io.CopyN(&buf, f, s.config.MaxTorrentSize+1); err != nil && err != io.EOF {
		return handler.Errorf("read upload: %s", err)
	}
	if int64(buf.Len()) > s.config.MaxTorrentSize {
		return handler.Errorf("torrent file too large").Status(http.StatusBadRequest)
	}
	return s.ingest(w, buf.Bytes())
}

func (s *Server) ingest(w http.ResponseWriter, raw []byte) error {
	row, err := s.engine.Ingest(raw)
	if err != nil {
		switch {
		case err == engine.ErrDuplicateTorrent:
			return handler.Errorf("torrent already exists").Status(http.StatusConflict)
		default:
			if _, ok := err.(core.InvalidTorrentError); ok {
				return handler.Errorf("%s", err).Status(http.StatusBadRequest)
			}
			return handler.Errorf("ingest torrent: %s", err)
		}
	}
	return writeJSONStatus(w, http.StatusCreated, newTorrentResponse(row))
}

func (s *Server) getTorrentHandler(w http.ResponseWriter, r *http.Request) error {
	id, err := parseID(r)
	if err != nil {
		return err
	}
	row, err := s.engine.Get(id)
	if err != nil {
		return torrentError(err)
	}
	return writeJSON(w, newTorrentResponse(row))
}

func (s *Server) removeTorrentHandler(w http.ResponseWriter, r *http.Request) error {
	id, err := parseID(r)
	if err != nil {
		return err
	}
	if err := s.engine.Remove(id); err != nil {
		return torrentError(err)
	}
	return nil
}

func (s *Server) startTorrentHandler(w http.ResponseWriter, r *http.Request) error {
	return s.lifecycle(r, s.engine.Start)
}

func (s *Server) pauseTorrentHandler(w http.ResponseWriter, r *http.Request) error {
	return s.lifecycle(r, s.engine.Pause)
}

func (s *Server) resumeTorrentHandler(w http.ResponseWriter, r *http.Request) error {
	return s.lifecycle(r, s.engine.Resume)
}

func (s *Server) lifecycle(r *http.Request, op func(int64) error) error {
	id, err := parseID(r)
	if err != nil {
		return err
	}
	if err := op(id); err != nil {
		return torrentError(err)
	}
	return nil
}

func (s *Server) listFilesHandler(w http.ResponseWriter, r *http.Request) error {
	id, err := parseID(r)
	if err != nil {
		return err
	}
	all, err := s.engine.Files(id)
	if err != nil {
		return torrentError(err)
	}
	streamable, err := s.engine.StreamableFiles(id)
	if err != nil {
		return torrentError(err)
	}
	streamableSet := make(map[int64]bool, len(streamable))
	for _, f := range streamable {
		streamableSet[f.ID] = true
	}
	resp := make([]*fileResponse, 0, len(streamable))
	for i, f := range all {
		if !streamableSet[f.ID] {
			continue
		}
		resp = append(resp, &fileResponse{
			Index:    i,
			Path:     f.Path,
			Length:   f.Length,
			Offset:   f.Offset,
			MimeType: streaming.MimeType(f.Path),
		})
	}
	return writeJSON(w, resp)
}

func (s *Server) createStreamHandler(w http.ResponseWriter, r *http.Request) error {
	id, err := parseID(r)
	if err != nil {
		return err
	}
	fileIndexStr, err := httputil.ParseParam(r, "file_index")
	if err != nil {
		return handler.Errorf("parse file_index: %s", err).Status(http.StatusBadRequest)
	}
	fileIndex, err := strconv.Atoi(fileIndexStr)
	if err != nil {
		return handler.Errorf("file_index must be an integer").Status(http.StatusBadRequest)
	}
	info, err := s.engine.CreateStream(id, fileIndex)
	if err != nil {
		switch err {
		case engine.ErrTorrentNotFound:
			return handler.ErrorStatus(http.StatusNotFound)
		case engine.ErrNotActive:
			return handler.Errorf("torrent is not started").Status(http.StatusConflict)
		default:
			return handler.Errorf("create stream: %s", err).Status(http.StatusBadRequest)
		}
	}
	return writeJSONStatus(w, http.StatusCreated, map[string]interface{}{
		"session_id": info.ID,
		"file_info":  info,
	})
}

func (s *Server) listStreamsHandler(w http.ResponseWriter, r *http.Request) error {
	return writeJSON(w, s.engine.Streams().ListSessions())
}

// streamHandler serves a session's file bytes, honoring a single HTTP
// range. Bytes are pulled through the streaming buffer chunk by chunk so a
// response begins as soon as its first pieces verify.
func (s *Server) streamHandler(w http.ResponseWriter, r *http.Request) error {
	sessionID, err := httputil.ParseParam(r, "session_id")
	if err != nil {
		return handler.Errorf("parse session_id: %s", err).Status(http.StatusBadRequest)
	}
	streams := s.engine.Streams()
	info, err := streams.GetSession(sessionID)
	if err != nil {
		return handler.ErrorStatus(http.StatusNotFound)
	}

	start, end, partial, err := parseRange(r.Header.Get("Range"), info.FileSize)
	if err != nil {
		w.Header().Set("Content-Range", fmt.Sprintf("bytes */%d", info.FileSize))
		return handler.Errorf("%s", err).Status(http.StatusRequestedRangeNotSatisfiable)
	}

	length := end - start + 1
	w.Header().Set("Accept-Ranges", "bytes")
	w.Header().Set("Content-Type", info.MimeType)
	w.Header().Set("Content-Length", strconv.FormatInt(length, 10))
	if partial {
		w.Header().Set(
			"Content-Range", fmt.Sprintf("bytes %d-%d/%d", start, end, info.FileSize))
		w.WriteHeader(http.StatusPartialContent)
	}

	return s.copyRange(r.Context(), w, sessionID, start, length)
}

// copyRange streams [start, start+length) of the session's file to w in
// chunks, in order.
func (s *Server) copyRange(
	ctx context.Context, w http.ResponseWriter, sessionID string, start, length int64) error {

	flusher, _ := w.(http.Flusher)
	offset := start
	remaining := length
	for remaining > 0 {
		n := int64(s.config.ChunkSize)
		if n > remaining {
			n = remaining
		}
		b, err := s.engine.Streams().ReadRange(ctx, sessionID, offset, n)
		if err != nil {
			if offset == start {
				// Nothing has been written yet, so a real error response is
				// still possible.
				if _, ok := err.(streaming.ReadTimeoutError); ok {
					return handler.Errorf("%s", err).Status(http.StatusGatewayTimeout)
				}
				if err == streaming.ErrSessionNotFound {
					return handler.ErrorStatus(http.StatusNotFound)
				}
				return handler.Errorf("read range: %s", err)
			}
			// Mid-stream failure; the client sees a truncated body.
			log.With("session", sessionID).Errorf("Error streaming range: %s", err)
			return nil
		}
		if _, err := w.Write(b); err != nil {
			return nil // Client disconnected.
		}
		if flusher != nil {
			flusher.Flush()
		}
		offset += n
		remaining -= n
	}
	return nil
}

// parseRange interprets a Range header against a file of the given size.
// Returns the inclusive byte range to serve and whether the response is
// partial. Supports "bytes=a-b", "bytes=a-" and "bytes=-n" forms.
func parseRange(header string, size int64) (start, end int64, partial bool, err error) {
	if header == "" {
		if size == 0 {
			return 0, -1, false, nil
		}
		return 0, size - 1, false, nil
	}
	const prefix = "bytes="
	if len(header) <= len(prefix) || header[:len(prefix)] != prefix {
		return 0, 0, false, fmt.Errorf("malformed range header")
	}
	spec := header[len(prefix):]
	dash := -1
	for i, c := range spec {
		if c == '-' {
			dash = i
			break
		}
	}
	if dash < 0 {
		return 0, 0, false, fmt.Errorf("malformed range header")
	}
	startStr, endStr := spec[:dash], spec[dash+1:]

	if startStr == "" {
		// Suffix form: last n bytes.
		n, err := strconv.ParseInt(endStr, 10, 64)
		if err != nil || n <= 0 {
			return 0, 0, false, fmt.Errorf("malformed range header")
		}
		if n > size {
			n = size
		}
		return size - n, size - 1, true, nil
	}

	start, err = strconv.ParseInt(startStr, 10, 64)
	if err != nil || start < 0 {
		return 0, 0, false, fmt.Errorf("malformed range header")
	}
	if start >= size {
		return 0, 0, false, fmt.Errorf("range start %d beyond file size %d", start, size)
	}
	if endStr == "" {
		return start, size - 1, true, nil
	}
	end, err = strconv.ParseInt(endStr, 10, 64)
	if err != nil || end < start {
		return 0, 0, false, fmt.Errorf("malformed range header")
	}
	if end >= size {
		end = size - 1
	}
	return start, end, true, nil
}

func parseID(r *http.Request) (int64, error) {
	raw, err := httputil.ParseParam(r, "id")
	if err != nil {
		return 0, handler.Errorf("parse id param: %s", err).Status(http.StatusBadRequest)
	}
	id, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return 0, handler.Errorf("id must be an integer").Status(http.StatusBadRequest)
	}
	return id, nil
}

func torrentError(err error) error {
	switch err {
	case engine.ErrTorrentNotFound:
		return handler.ErrorStatus(http.StatusNotFound)
	case engine.ErrNotActive:
		return handler.Errorf("torrent is not started").Status(http.StatusConflict)
	}
	return handler.Errorf("%s", err)
}

func writeJSON(w http.ResponseWriter, v interface{}) error {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		return handler.Errorf("json encode: %s", err)
	}
	return nil
}

func writeJSONStatus(w http.ResponseWriter, status int, v interface{}) error {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		return handler.Errorf("json encode: %s", err)
	}
	return nil
}
