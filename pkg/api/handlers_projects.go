package api

import (
	"net/http"

	"github.com/ethpandaops/reportoor/pkg/model"
	"github.com/go-chi/chi/v5"
)

// handleListDefectTypes returns the built-in and custom defect types of a
// project.
func (s *server) handleListDefectTypes(w http.ResponseWriter, r *http.Request) {
	types, err := s.eng.Taxonomy.List(r.Context(), chi.URLParam(r, "project"))
	if err != nil {
		s.writeError(w, err)

		return
	}

	writeJSON(w, http.StatusOK, map[string]any{"defect_types": types})
}

// handleAddDefectType creates or updates a custom subtype.
func (s *server) handleAddDefectType(w http.ResponseWriter, r *http.Request) {
	var dt model.DefectType
	if !decodeJSON(w, r, &dt) {
		return
	}

	if err := s.eng.Taxonomy.AddSubtype(
		r.Context(), chi.URLParam(r, "project"), &dt,
	); err != nil {
		writeBadRequest(w, err.Error())

		return
	}

	writeJSON(w, http.StatusCreated, dt)
}
