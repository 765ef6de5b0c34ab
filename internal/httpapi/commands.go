package httpapi

import (
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/virta-ltd/virtual-ocpp-j-server/internal/message"
	"github.com/virta-ltd/virtual-ocpp-j-server/internal/models"
)

// SendOperation forwards a charge-point initiated operation to the station's
// central system and answers with the request frame and the raw response
// frame. The response is null when the central system stayed silent.
func (s *Server) SendOperation(w http.ResponseWriter, r *http.Request) {
	id, ok := stationID(w, r)
	if !ok {
		return
	}
	operation := chi.URLParam(r, "operation")

	var p message.Payload
	if !s.decodeOptional(w, r, &p) {
		return
	}

	res, err := s.Stations.SendOperationRequest(r.Context(), id, operation, p)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (s *Server) ListOperations(w http.ResponseWriter, r *http.Request) {
	id, ok := stationID(w, r)
	if !ok {
		return
	}
	limit := 50
	if v := r.URL.Query().Get("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			limit = n
		}
	}
	items, err := s.Stations.ListOperations(r.Context(), id, limit)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if items == nil {
		items = []models.Operation{}
	}
	writeJSON(w, http.StatusOK, items)
}
