// Copyright (c) 2016 Western Digital Corporation or its affiliates.  All rights reserved.
// SPDX-License-Identifier: MIT

// Package raidserver serves the logical files of an array over HTTP.
package raidserver

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strings"

	log "github.com/golang/glog"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/westerndigitalcorporation/raidblob/internal/array"
	"github.com/westerndigitalcorporation/raidblob/internal/core"
	"github.com/westerndigitalcorporation/raidblob/internal/server"
)

var metricReqs = promauto.NewCounterVec(prometheus.CounterOpts{
	Subsystem: "raidserver",
	Name:      "req_count",
	Help:      "Number of requests",
}, []string{"type"})

// Server provides the RESTful service to an array's files.
type Server struct {
	addr string

	// The array being served.
	coord *array.Coordinator

	mux *http.ServeMux
}

// New creates a server for 'coord' on a given address.
func New(addr string, coord *array.Coordinator) *Server {
	s := &Server{addr: addr, coord: coord, mux: http.NewServeMux()}

	// Set up status page.
	s.mux.HandleFunc("/", s.statusHandler)
	s.mux.HandleFunc(filesPrefix, s.serveFiles)
	s.mux.HandleFunc("/readonly", s.readOnlyHandler)
	s.mux.Handle("/metrics", promhttp.Handler())
	return s
}

// ServeHTTP implements http.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.mux.ServeHTTP(w, r)
}

// Serve starts serving requests.
func (s *Server) Serve() {
	log.Infof("listening on address %s", s.addr)
	err := http.ListenAndServe(s.addr, s) // this blocks forever
	log.Fatalf("http listener returned error: %v", err)
}

func (s *Server) readOnlyHandler(w http.ResponseWriter, r *http.Request) {
	server.ReadOnlyHandler(w, r, s.coord)
}

func (s *Server) serveFiles(w http.ResponseWriter, r *http.Request) {
	req, err := buildRequest(r)
	if err != nil {
		replyError(w, fmt.Sprintf("Bad request: %s", err), http.StatusBadRequest)
		return
	}
	switch req.method {
	case http.MethodGet, http.MethodHead:
		if req.list {
			s.doList(w, r, req)
		} else {
			s.doGet(w, r, req)
		}
	case http.MethodPut:
		s.doPut(w, r, req)
	case http.MethodDelete:
		s.doDelete(w, r, req)
	}
}

// =========== File Handlers ============

// doGet returns the contents of a file. Range requests are supported.
//
// Possible HTTP responses:
//
//	200 (OK) - Operation succeeded.
//
//	206 (Partial Content) - A range was requested.
//
//	404 (Not Found) - If the file doesn't exist.
//
//	500 (Internal server error) - The file can't be read, for example
//	                              because two of its disks are gone.
func (s *Server) doGet(w http.ResponseWriter, r *http.Request, req *request) {
	metricReqs.WithLabelValues("get").Inc()

	l, err := s.coord.GetBlockPaths(r.Context(), req.key)
	if err != nil {
		replyCoreError(w, err)
		return
	}
	stream, err := s.coord.OpenStream(r.Context(), l.FileID)
	if err != nil {
		replyCoreError(w, err)
		return
	}
	defer stream.Close()

	// Once ServeContent has sent the headers a failed read can only cut the
	// body short, so refuse up front what can't be rebuilt.
	if down := stream.Unavailable(); len(down) > 1 {
		log.Errorf("can't serve %s, slots %v unavailable", l.Path, down)
		replyCoreError(w, fmt.Errorf("%s: %w", l.Path, core.ErrRedundancyExhausted.Error()))
		return
	} else if len(down) == 1 {
		log.Warningf("serving %s degraded, slot %d unavailable", l.Path, down[0])
	}
	if l.Checksum != "" {
		w.Header().Set("Etag", `"`+l.Checksum+`"`)
	}
	http.ServeContent(w, r, l.Path, l.Modified, stream)
}

// doList lists the paths of files with a given prefix, separated by
// newlines.
func (s *Server) doList(w http.ResponseWriter, r *http.Request, req *request) {
	metricReqs.WithLabelValues("list").Inc()

	files, err := s.coord.List(r.Context(), req.key, req.limit)
	if err != nil {
		log.Errorf("Failed to list %q: %s", req.key, err)
		replyCoreError(w, err)
		return
	}
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	for _, f := range files {
		fmt.Fprintln(w, f.Path)
	}
}

// doPut stores the request body as a new file. The reply is the JSON encoded
// write result.
//
// Possible HTTP responses:
//
//	201 (Created) - Operation succeeded.
//
//	403 (Forbidden) - The array is in read-only mode.
//
//	409 (Conflict) - A file with that path exists.
//
//	503 (Service Unavailable) - Too many metadata operations in flight.
func (s *Server) doPut(w http.ResponseWriter, r *http.Request, req *request) {
	metricReqs.WithLabelValues("put").Inc()

	res, err := s.coord.WriteData(r.Context(), r.Body, req.key)
	if err != nil {
		replyCoreError(w, err)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusCreated)
	json.NewEncoder(w).Encode(res)
}

// doDelete deletes a file.
//
// Possible HTTP responses:
//
//	200 (OK) - Operation succeeded.
//
//	403 (Forbidden) - The array is in read-only mode.
//
//	404 (Not Found) - If the file doesn't exist.
func (s *Server) doDelete(w http.ResponseWriter, r *http.Request, req *request) {
	metricReqs.WithLabelValues("del").Inc()

	if err := s.coord.Delete(r.Context(), req.key); err != nil {
		replyCoreError(w, err)
	}
}

// ========== Helpers ==========

// httpStatus maps an error from the coordinator to a HTTP status code.
func httpStatus(err error) int {
	e, _ := core.FromError(err)
	switch e {
	case core.ErrNotFound:
		return http.StatusNotFound
	case core.ErrAlreadyExists:
		return http.StatusConflict
	case core.ErrInvalidArgument:
		return http.StatusBadRequest
	case core.ErrReadOnlyMode:
		return http.StatusForbidden
	case core.ErrTooBusy:
		return http.StatusServiceUnavailable
	case core.ErrOutOfRange:
		return http.StatusRequestedRangeNotSatisfiable
	case core.ErrCanceled:
		return http.StatusRequestTimeout
	}
	return http.StatusInternalServerError
}

func replyCoreError(w http.ResponseWriter, err error) {
	code := httpStatus(err)
	if code == http.StatusInternalServerError {
		log.Errorf("request failed: %s", err)
	}
	replyError(w, err.Error(), code)
}

func replyError(w http.ResponseWriter, errorMsg string, code int) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.Header().Set("X-Content-Type-Options", "nosniff")
	w.WriteHeader(code)
	fmt.Fprintln(w, strings.TrimSpace(errorMsg))
}
