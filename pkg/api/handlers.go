package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/ethpandaops/reportoor/pkg/model"
)

const maxBodyBytes = 4 << 20

// errorResponse is a standard error payload. Details carry the offending
// values of typed engine errors.
type errorResponse struct {
	Error   string         `json:"error"`
	Kind    string         `json:"kind,omitempty"`
	Details map[string]any `json:"details,omitempty"`
}

// warningResponse renders a stale aggregate warning.
type warningResponse struct {
	NodeID   string `json:"node_id"`
	Attempts int    `json:"attempts"`
	Message  string `json:"message"`
}

// writeJSON encodes v as JSON and writes it to w.
func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)

	if err := json.NewEncoder(w).Encode(v); err != nil {
		http.Error(w, "encoding response", http.StatusInternalServerError)
	}
}

// writeBadRequest reports a malformed request.
func writeBadRequest(w http.ResponseWriter, msg string) {
	writeJSON(w, http.StatusBadRequest, errorResponse{Error: msg, Kind: "bad_request"})
}

// writeError maps engine errors to status codes.
func (s *server) writeError(w http.ResponseWriter, err error) {
	status, resp := errorToResponse(err)

	if status >= http.StatusInternalServerError {
		s.log.WithError(err).Error("Request failed")
	}

	writeJSON(w, status, resp)
}

func errorToResponse(err error) (int, errorResponse) {
	var (
		notFound  *model.NotFoundError
		temporal  *model.TemporalOrderError
		finished  *model.AlreadyFinishedError
		ambiguous *model.AmbiguousStatusError
		unknown   *model.UnknownDefectTypeError
		invalid   *model.InvalidTargetError
	)

	switch {
	case errors.As(err, &notFound):
		return http.StatusNotFound, errorResponse{
			Error:   err.Error(),
			Kind:    "not_found",
			Details: map[string]any{"id": notFound.ID},
		}
	case errors.As(err, &temporal):
		return http.StatusBadRequest, errorResponse{
			Error: err.Error(),
			Kind:  "temporal_order",
			Details: map[string]any{
				"field": temporal.Field,
				"value": temporal.Value.UTC().Format(time.RFC3339Nano),
				"bound": temporal.Bound.UTC().Format(time.RFC3339Nano),
			},
		}
	case errors.As(err, &finished):
		return http.StatusConflict, errorResponse{
			Error:   err.Error(),
			Kind:    "already_finished",
			Details: map[string]any{"id": finished.ID, "status": finished.Status},
		}
	case errors.As(err, &ambiguous):
		return http.StatusBadRequest, errorResponse{
			Error:   err.Error(),
			Kind:    "ambiguous_status",
			Details: map[string]any{"id": ambiguous.ID},
		}
	case errors.As(err, &unknown):
		return http.StatusBadRequest, errorResponse{
			Error: err.Error(),
			Kind:  "unknown_defect_type",
			Details: map[string]any{
				"project_id": unknown.ProjectID,
				"locator":    unknown.Locator,
			},
		}
	case errors.As(err, &invalid):
		return http.StatusUnprocessableEntity, errorResponse{
			Error:   err.Error(),
			Kind:    "invalid_target",
			Details: map[string]any{"id": invalid.ID, "reason": invalid.Reason},
		}
	case errors.Is(err, model.ErrConflict):
		return http.StatusConflict, errorResponse{Error: err.Error(), Kind: "conflict"}
	default:
		return http.StatusInternalServerError, errorResponse{
			Error: "internal error",
			Kind:  "internal",
		}
	}
}

// decodeJSON reads a JSON request body into v.
func decodeJSON(w http.ResponseWriter, r *http.Request, v any) bool {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)

	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		writeBadRequest(w, fmt.Sprintf("invalid request body: %v", err))

		return false
	}

	return true
}

func toWarnings(ws []*model.StaleAggregateWarning) []warningResponse {
	if len(ws) == 0 {
		return nil
	}

	out := make([]warningResponse, 0, len(ws))
	for _, w := range ws {
		out = append(out, warningResponse{
			NodeID:   w.NodeID,
			Attempts: w.Attempts,
			Message:  w.Error(),
		})
	}

	return out
}

// handleHealth returns server health status.
func (s *server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}
