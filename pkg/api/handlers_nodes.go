package api

import (
	"net/http"
	"strconv"
	"time"

	"github.com/ethpandaops/reportoor/pkg/audit"
	"github.com/ethpandaops/reportoor/pkg/export"
	"github.com/ethpandaops/reportoor/pkg/lifecycle"
	"github.com/ethpandaops/reportoor/pkg/model"
	"github.com/go-chi/chi/v5"
)

const (
	defaultLaunchLimit = 50
	maxLaunchLimit     = 1000
)

type finishResponse struct {
	Node     *model.Node       `json:"node"`
	Warnings []warningResponse `json:"warnings,omitempty"`
}

type deleteResponse struct {
	Removed  int64             `json:"removed"`
	Warnings []warningResponse `json:"warnings,omitempty"`
}

type interruptRequest struct {
	At time.Time `json:"at"`
}

type interruptResponse struct {
	Launch      *model.Node       `json:"launch"`
	Interrupted int               `json:"interrupted"`
	Warnings    []warningResponse `json:"warnings,omitempty"`
}

type recomputeResponse struct {
	Visited  int               `json:"visited"`
	Updated  int               `json:"updated"`
	Warnings []warningResponse `json:"warnings,omitempty"`
}

type mergeResponse struct {
	Launch   *model.Node       `json:"launch"`
	Moved    int64             `json:"moved"`
	Merged   []string          `json:"merged"`
	Warnings []warningResponse `json:"warnings,omitempty"`
}

type verifyResponse struct {
	Stale           []warningResponse `json:"stale,omitempty"`
	RepairScheduled bool              `json:"repair_scheduled"`
}

// handleStartLaunch starts a new root node.
func (s *server) handleStartLaunch(w http.ResponseWriter, r *http.Request) {
	var req lifecycle.StartRequest
	if !decodeJSON(w, r, &req) {
		return
	}

	req.ParentID = ""
	req.Actor = actorFromRequest(r)

	n, err := s.eng.Lifecycle.Start(r.Context(), req)
	if err != nil {
		s.writeError(w, err)

		return
	}

	writeJSON(w, http.StatusCreated, n)
}

// handleStartItem starts a node below an existing parent.
func (s *server) handleStartItem(w http.ResponseWriter, r *http.Request) {
	var req lifecycle.StartRequest
	if !decodeJSON(w, r, &req) {
		return
	}

	if req.ParentID == "" {
		writeBadRequest(w, "parent_id is required")

		return
	}

	req.Actor = actorFromRequest(r)

	n, err := s.eng.Lifecycle.Start(r.Context(), req)
	if err != nil {
		s.writeError(w, err)

		return
	}

	writeJSON(w, http.StatusCreated, n)
}

// handleFinish finishes a launch or an item.
func (s *server) handleFinish(w http.ResponseWriter, r *http.Request) {
	var req lifecycle.FinishRequest
	if !decodeJSON(w, r, &req) {
		return
	}

	st, err := model.ParseStatus(string(req.Status))
	if err != nil {
		writeBadRequest(w, err.Error())

		return
	}

	req.Status = st
	req.NodeID = chi.URLParam(r, "id")
	req.Actor = actorFromRequest(r)

	res, err := s.eng.Lifecycle.Finish(r.Context(), req)
	if err != nil {
		s.writeError(w, err)

		return
	}

	writeJSON(w, http.StatusOK, finishResponse{
		Node:     res.Node,
		Warnings: toWarnings(res.Warnings),
	})
}

// handleInterrupt force-finishes an open launch.
func (s *server) handleInterrupt(w http.ResponseWriter, r *http.Request) {
	var req interruptRequest

	if r.ContentLength > 0 && !decodeJSON(w, r, &req) {
		return
	}

	if req.At.IsZero() {
		req.At = time.Now().UTC()
	}

	res, err := s.eng.Lifecycle.Interrupt(r.Context(), chi.URLParam(r, "id"), req.At)
	if err != nil {
		s.writeError(w, err)

		return
	}

	writeJSON(w, http.StatusOK, interruptResponse{
		Launch:      res.Launch,
		Interrupted: res.Interrupted,
		Warnings:    toWarnings(res.Warnings),
	})
}

// handleMergeLaunches combines finished launches into a new one.
func (s *server) handleMergeLaunches(w http.ResponseWriter, r *http.Request) {
	var req lifecycle.MergeRequest
	if !decodeJSON(w, r, &req) {
		return
	}

	req.Actor = actorFromRequest(r)

	res, err := s.eng.Lifecycle.Merge(r.Context(), req)
	if err != nil {
		s.writeError(w, err)

		return
	}

	writeJSON(w, http.StatusCreated, mergeResponse{
		Launch:   res.Launch,
		Moved:    res.Moved,
		Merged:   res.Merged,
		Warnings: toWarnings(res.Warnings),
	})
}

// handleListLaunches lists root nodes, newest first.
func (s *server) handleListLaunches(w http.ResponseWriter, r *http.Request) {
	limit := defaultLaunchLimit

	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			writeBadRequest(w, "limit must be a positive integer")

			return
		}

		limit = min(n, maxLaunchLimit)
	}

	launches, err := s.eng.Store.ListLaunches(
		r.Context(), r.URL.Query().Get("project"), limit,
	)
	if err != nil {
		s.writeError(w, err)

		return
	}

	if launches == nil {
		launches = []model.Node{}
	}

	writeJSON(w, http.StatusOK, map[string]any{"launches": launches})
}

// handleExport returns the nested snapshot of a launch.
func (s *server) handleExport(w http.ResponseWriter, r *http.Request) {
	snap, err := s.eng.Exporter.Snapshot(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.writeError(w, err)

		return
	}

	writeJSON(w, http.StatusOK, snap)
}

// handleSummary renders the Markdown summary of a launch.
func (s *server) handleSummary(w http.ResponseWriter, r *http.Request) {
	md, err := s.eng.Exporter.Summary(
		r.Context(), chi.URLParam(r, "id"), export.DefaultSummaryChars,
	)
	if err != nil {
		s.writeError(w, err)

		return
	}

	w.Header().Set("Content-Type", "text/markdown; charset=utf-8")
	w.WriteHeader(http.StatusOK)

	_, _ = w.Write([]byte(md))
}

// handlePushExport writes the snapshot of a launch to the export backend.
func (s *server) handlePushExport(w http.ResponseWriter, r *http.Request) {
	if !s.eng.Exporter.Enabled() {
		writeJSON(w, http.StatusServiceUnavailable, errorResponse{
			Error: "export is not configured",
			Kind:  "unavailable",
		})

		return
	}

	location, err := s.eng.Exporter.Export(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.writeError(w, err)

		return
	}

	writeJSON(w, http.StatusOK, map[string]string{"location": location})
}

// handleGetActivity returns the audit trail of a node. Records outlive
// deleted nodes, so a missing node is not an error.
func (s *server) handleGetActivity(w http.ResponseWriter, r *http.Request) {
	activities, ok, err := s.eng.Activity(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.writeError(w, err)

		return
	}

	if !ok {
		writeJSON(w, http.StatusServiceUnavailable, errorResponse{
			Error: "audit persistence is not enabled",
			Kind:  "unavailable",
		})

		return
	}

	if activities == nil {
		activities = []audit.Activity{}
	}

	writeJSON(w, http.StatusOK, map[string]any{"activities": activities})
}

// handleGetItem returns a single node.
func (s *server) handleGetItem(w http.ResponseWriter, r *http.Request) {
	n, err := s.eng.Store.GetNode(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.writeError(w, err)

		return
	}

	writeJSON(w, http.StatusOK, n)
}

// handleGetChildren returns the direct children of a node.
func (s *server) handleGetChildren(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	if _, err := s.eng.Store.GetNode(r.Context(), id); err != nil {
		s.writeError(w, err)

		return
	}

	children, err := s.eng.Store.GetChildren(r.Context(), id)
	if err != nil {
		s.writeError(w, err)

		return
	}

	if children == nil {
		children = []model.Node{}
	}

	writeJSON(w, http.StatusOK, map[string]any{"children": children})
}

// handleDeleteItem removes a subtree.
func (s *server) handleDeleteItem(w http.ResponseWriter, r *http.Request) {
	res, err := s.eng.Lifecycle.Delete(
		r.Context(), chi.URLParam(r, "id"), actorFromRequest(r),
	)
	if err != nil {
		s.writeError(w, err)

		return
	}

	writeJSON(w, http.StatusOK, deleteResponse{
		Removed:  res.Removed,
		Warnings: toWarnings(res.Warnings),
	})
}

// handleRecompute rebuilds the counters of a subtree and its ancestors.
func (s *server) handleRecompute(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	if _, err := s.eng.Store.GetNode(r.Context(), id); err != nil {
		s.writeError(w, err)

		return
	}

	report, err := s.eng.Aggregator.Recompute(r.Context(), id)
	if err != nil {
		s.writeError(w, err)

		return
	}

	writeJSON(w, http.StatusOK, recomputeResponse{
		Visited:  report.Visited,
		Updated:  report.Updated,
		Warnings: toWarnings(report.Warnings),
	})
}

// handleVerify checks the counters of a subtree and schedules a background
// repair when any of them are stale.
func (s *server) handleVerify(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	if _, err := s.eng.Store.GetNode(r.Context(), id); err != nil {
		s.writeError(w, err)

		return
	}

	stale, err := s.eng.Aggregator.Check(r.Context(), id)
	if err != nil {
		s.writeError(w, err)

		return
	}

	writeJSON(w, http.StatusOK, verifyResponse{
		Stale:           toWarnings(stale),
		RepairScheduled: len(stale) > 0,
	})
}
