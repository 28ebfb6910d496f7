// Copyright (C) The Arvados Authors. All rights reserved.
//
// SPDX-License-Identifier: Apache-2.0

package httpserver

import (
	"net/http"
	"time"
)

// Error response bodies are kept, up to this size, for the request
// log.
const sniffBytes = 1024

// ResponseWriter is an http.ResponseWriter that remembers what was
// sent to the client.
type ResponseWriter interface {
	http.ResponseWriter
	WroteStatus() int
	WroteBodyBytes() int
	// Time the status was sent, or zero.
	WroteAt() time.Time
	// Start of the response body, if the status is 400 or
	// higher.
	Sniffed() []byte
}

type responseWriter struct {
	http.ResponseWriter
	status  int
	bytes   int
	wroteAt time.Time
	sniffed []byte
}

// WrapResponseWriter returns orig if it is already a ResponseWriter,
// otherwise a wrapper that records the response.
func WrapResponseWriter(orig http.ResponseWriter) ResponseWriter {
	if w, ok := orig.(ResponseWriter); ok {
		return w
	}
	return &responseWriter{ResponseWriter: orig}
}

func (w *responseWriter) WriteHeader(code int) {
	if w.status == 0 {
		w.status = code
		w.wroteAt = time.Now()
	}
	// A second call cannot change the status the client sees,
	// but net/http logs a warning about it.
	w.ResponseWriter.WriteHeader(code)
}

func (w *responseWriter) Write(data []byte) (int, error) {
	if w.status == 0 {
		w.WriteHeader(http.StatusOK)
	}
	if w.status >= 400 && len(w.sniffed) < sniffBytes {
		n := sniffBytes - len(w.sniffed)
		if n > len(data) {
			n = len(data)
		}
		w.sniffed = append(w.sniffed, data[:n]...)
	}
	n, err := w.ResponseWriter.Write(data)
	w.bytes += n
	return n, err
}

// Flush implements http.Flusher if the wrapped writer does.
func (w *responseWriter) Flush() {
	if w.status == 0 {
		w.WriteHeader(http.StatusOK)
	}
	if f, ok := w.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

func (w *responseWriter) WroteStatus() int { return w.status }
func (w *responseWriter) WroteBodyBytes() int { return w.bytes }
func (w *responseWriter) WroteAt() time.Time { return w.wroteAt }
func (w *responseWriter) Sniffed() []byte { return w.sniffed }
func (w *responseWriter) Unwrap() http.ResponseWriter { return w.ResponseWriter }
