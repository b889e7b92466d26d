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
package middleware

import (
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi"
	"github.com/uber-go/tally"
)

type recordingWriter struct {
	http.ResponseWriter
	status int
}

func (w *recordingWriter) WriteHeader(status int) {
	w.status = status
	w.ResponseWriter.WriteHeader(status)
}

func tagEndpoint(stats tally.Scope, r *http.Request) tally.Scope {
	ctx := chi.RouteContext(r.Context())
	endpoint := r.URL.Path
	if ctx != nil && ctx.RoutePattern() != "" {
		endpoint = ctx.RoutePattern()
	}
	return stats.Tagged(map[string]string{
		"endpoint": endpoint,
		"method":   r.Method,
	})
}

// StatusCounter counts response statuses per endpoint.
func StatusCounter(stats tally.Scope) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			rw := &recordingWriter{w, http.StatusOK}
			next.ServeHTTP(rw, r)
			tagEndpoint(stats, r).Counter(fmt.Sprintf("%d", rw.status)).Inc(1)
		})
	}
}

// LatencyTimer measures request latency per endpoint.
func LatencyTimer(stats tally.Scope) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			next.ServeHTTP(w, r)
			tagEndpoint(stats, r).Timer("latency").Record(time.Since(start))
		})
	}
}
