package api

import (
	"net/http"

	"github.com/ethpandaops/reportoor/pkg/classifier"
	"github.com/ethpandaops/reportoor/pkg/model"
	"github.com/go-chi/chi/v5"
)

type classifyResponse struct {
	*classifier.Result
	Warnings []warningResponse `json:"warnings,omitempty"`
}

type batchClassifyRequest struct {
	Issues []classifier.Request `json:"issues"`
}

type itemErrorResponse struct {
	NodeID string `json:"node_id"`
	errorResponse
}

type batchClassifyResponse struct {
	Applied []classifyResponse  `json:"applied"`
	Errors  []itemErrorResponse `json:"errors"`
}

type linkTicketsRequest struct {
	NodeIDs []string       `json:"node_ids"`
	Tickets []model.Ticket `json:"tickets"`
}

type unlinkTicketsRequest struct {
	NodeIDs   []string `json:"node_ids"`
	TicketIDs []string `json:"ticket_ids"`
}

type ticketsResponse struct {
	Updated []string            `json:"updated"`
	Errors  []itemErrorResponse `json:"errors"`
}

// handleClassify sets the issue of one leaf.
func (s *server) handleClassify(w http.ResponseWriter, r *http.Request) {
	var req classifier.Request
	if !decodeJSON(w, r, &req) {
		return
	}

	req.NodeID = chi.URLParam(r, "id")
	req.Actor = actorFromRequest(r)

	res, err := s.eng.Classifier.Classify(r.Context(), req)
	if err != nil {
		s.writeError(w, err)

		return
	}

	writeJSON(w, http.StatusOK, classifyResponse{
		Result:   res,
		Warnings: toWarnings(res.Warnings),
	})
}

// handleClassifyBatch applies independent classifications. Items that fail
// are reported next to the applied ones.
func (s *server) handleClassifyBatch(w http.ResponseWriter, r *http.Request) {
	var req batchClassifyRequest
	if !decodeJSON(w, r, &req) {
		return
	}

	if len(req.Issues) == 0 {
		writeBadRequest(w, "issues must not be empty")

		return
	}

	actor := actorFromRequest(r)
	for i := range req.Issues {
		req.Issues[i].Actor = actor
	}

	out := s.eng.Classifier.ClassifyBatch(r.Context(), req.Issues)

	resp := batchClassifyResponse{
		Applied: make([]classifyResponse, 0, len(out.Applied)),
		Errors:  toItemErrors(out.Errors),
	}

	for _, res := range out.Applied {
		resp.Applied = append(resp.Applied, classifyResponse{
			Result:   res,
			Warnings: toWarnings(res.Warnings),
		})
	}

	writeJSON(w, http.StatusOK, resp)
}

// handleLinkTickets attaches tickets to classified leaves.
func (s *server) handleLinkTickets(w http.ResponseWriter, r *http.Request) {
	var req linkTicketsRequest
	if !decodeJSON(w, r, &req) {
		return
	}

	if len(req.NodeIDs) == 0 || len(req.Tickets) == 0 {
		writeBadRequest(w, "node_ids and tickets are required")

		return
	}

	out, err := s.eng.Classifier.LinkTickets(
		r.Context(), req.NodeIDs, req.Tickets, actorFromRequest(r),
	)
	if err != nil {
		writeBadRequest(w, err.Error())

		return
	}

	writeJSON(w, http.StatusOK, toTicketsResponse(out))
}

// handleUnlinkTickets detaches tickets from classified leaves.
func (s *server) handleUnlinkTickets(w http.ResponseWriter, r *http.Request) {
	var req unlinkTicketsRequest
	if !decodeJSON(w, r, &req) {
		return
	}

	if len(req.NodeIDs) == 0 || len(req.TicketIDs) == 0 {
		writeBadRequest(w, "node_ids and ticket_ids are required")

		return
	}

	out, err := s.eng.Classifier.UnlinkTickets(
		r.Context(), req.NodeIDs, req.TicketIDs, actorFromRequest(r),
	)
	if err != nil {
		writeBadRequest(w, err.Error())

		return
	}

	writeJSON(w, http.StatusOK, toTicketsResponse(out))
}

func toTicketsResponse(out classifier.TicketResult) ticketsResponse {
	resp := ticketsResponse{
		Updated: out.Updated,
		Errors:  toItemErrors(out.Errors),
	}

	if resp.Updated == nil {
		resp.Updated = []string{}
	}

	return resp
}

func toItemErrors(errs []classifier.ItemError) []itemErrorResponse {
	out := make([]itemErrorResponse, 0, len(errs))

	for _, e := range errs {
		_, resp := errorToResponse(e.Err)
		if resp.Kind == "internal" {
			resp.Error = e.Err.Error()
		}

		out = append(out, itemErrorResponse{NodeID: e.NodeID, errorResponse: resp})
	}

	return out
}
