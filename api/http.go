// Package api maps CoordinatorService onto the HTTP surface spec §6
// describes. Grounded on the teacher's wire-format conventions
// (cmn/api.go: jsoniter for every request/response body, ActionMsg
// envelopes) generalized from aistore's href-path-building client helpers
// to a small server-side router, since nothing in the retrieval pack ships
// an HTTP server framework - net/http's ServeMux plus manual path
// splitting is the only option available, the same primitives the
// teacher's own htrun dispatch (ais/target.go) is itself built from.
/*
 * Copyright (c) 2018-2020, NVIDIA CORPORATION. All rights reserved.
 */
package api

import (
	"errors"
	"net/http"
	"strings"

	"github.com/golang/glog"
	jsoniter "github.com/json-iterator/go"

	"github.com/mute/escoord/cmn"
	"github.com/mute/escoord/coordinator"
)

const basePath = "/_bench"

// Handler adapts coordinator.Service onto net/http.
type Handler struct {
	coord *coordinator.Service
}

// NewHandler returns a Handler bound to coord.
func NewHandler(coord *coordinator.Service) *Handler {
	return &Handler{coord: coord}
}

// Register mounts the benchmark routes on mux.
func (h *Handler) Register(mux *http.ServeMux) {
	mux.HandleFunc(basePath, h.serveCollection)
	mux.HandleFunc(basePath+"/", h.serveItem)
}

func (h *Handler) serveCollection(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodPost:
		h.create(w, r)
	case http.MethodGet:
		writeJSON(w, http.StatusOK, h.coord.ListBenchmarks(r.URL.Query()["pattern"]...))
	default:
		writeError(w, http.StatusBadRequest, errors.New("method not allowed"))
	}
}

// serveItem handles every path of the shape /_bench/{action}/{id} or
// /_bench/{id} (and /_bench/{id}/result), matching spec §6's route table.
func (h *Handler) serveItem(w http.ResponseWriter, r *http.Request) {
	rest := strings.Trim(strings.TrimPrefix(r.URL.Path, basePath), "/")
	parts := strings.Split(rest, "/")
	if len(parts) == 0 || parts[0] == "" {
		writeError(w, http.StatusBadRequest, errors.New("missing benchmark id"))
		return
	}

	switch {
	case len(parts) == 1:
		h.itemRoot(w, r, parts[0])
	case len(parts) == 2 && parts[1] == "result":
		h.result(w, r, parts[0])
	case len(parts) == 2 && (parts[0] == "pause" || parts[0] == "resume" || parts[0] == "abort"):
		h.action(w, r, parts[0], parts[1])
	default:
		writeError(w, http.StatusBadRequest, errors.New("unrecognized route"))
	}
}

func (h *Handler) itemRoot(w http.ResponseWriter, r *http.Request, benchmarkID string) {
	switch r.Method {
	case http.MethodGet:
		entry, err := h.coord.GetStatus(benchmarkID)
		writeEntryOrError(w, entry, err)
	case http.MethodDelete:
		writeErr(w, h.coord.DeleteBenchmark(r.Context(), benchmarkID))
	default:
		writeError(w, http.StatusBadRequest, errors.New("method not allowed"))
	}
}

func (h *Handler) result(w http.ResponseWriter, r *http.Request, benchmarkID string) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusBadRequest, errors.New("method not allowed"))
		return
	}
	res, ok := h.coord.GetResult(benchmarkID)
	if !ok {
		writeError(w, http.StatusNotFound, &cmn.UnknownBenchmarkError{BenchmarkID: benchmarkID})
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (h *Handler) action(w http.ResponseWriter, r *http.Request, action, benchmarkID string) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusBadRequest, errors.New("method not allowed"))
		return
	}
	var err error
	switch action {
	case "pause":
		err = h.coord.PauseBenchmark(r.Context(), benchmarkID)
	case "resume":
		err = h.coord.ResumeBenchmark(r.Context(), benchmarkID)
	case "abort":
		err = h.coord.AbortBenchmark(r.Context(), benchmarkID)
	}
	writeErr(w, err)
}

func (h *Handler) create(w http.ResponseWriter, r *http.Request) {
	var def cmn.BenchmarkDefinition
	if err := jsoniter.NewDecoder(r.Body).Decode(&def); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	id, err := h.coord.StartBenchmark(r.Context(), &def)
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, struct {
		BenchmarkID string `json:"benchmark_id"`
	}{id})
}

func writeEntryOrError(w http.ResponseWriter, entry *cmn.Entry, err error) {
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, entry)
}

// writeErr maps the typed errors of cmn/errors.go onto spec §6's status
// table: 400 invalid definition, 404 unknown benchmark, 409 insufficient
// executors or not-master, 500 anything else (including a delete of a
// benchmark that is not yet terminal).
func writeErr(w http.ResponseWriter, err error) {
	if err == nil {
		writeJSON(w, http.StatusOK, struct {
			OK bool `json:"ok"`
		}{true})
		return
	}
	writeError(w, statusFor(err), err)
}

func statusFor(err error) int {
	var (
		invalidDef   *cmn.InvalidDefinitionError
		insufficient *cmn.InsufficientExecutorsError
		unknown      *cmn.UnknownBenchmarkError
	)
	switch {
	case errors.As(err, &invalidDef):
		return http.StatusBadRequest
	case errors.As(err, &insufficient):
		return http.StatusConflict
	case errors.As(err, &unknown):
		return http.StatusNotFound
	case errors.Is(err, cmn.ErrNotMaster):
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := jsoniter.NewEncoder(w).Encode(v); err != nil {
		glog.Errorf("api: failed encoding response: %v", err)
	}
}

func writeError(w http.ResponseWriter, status int, err error) {
	writeJSON(w, status, struct {
		Error string `json:"error"`
	}{err.Error()})
}
