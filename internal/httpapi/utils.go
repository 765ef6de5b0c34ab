package httpapi

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"

	"github.com/virta-ltd/virtual-ocpp-j-server/internal/services"
	"github.com/virta-ltd/virtual-ocpp-j-server/internal/session"
)

const maxBody = 1 << 20

func readAll(r *http.Request, limit int64) ([]byte, error) {
	body := http.MaxBytesReader(nil, r.Body, limit)
	defer body.Close()
	return io.ReadAll(body)
}

// decode reads a JSON body into v and validates it.
func (s *Server) decode(w http.ResponseWriter, r *http.Request, v any) bool {
	raw, err := readAll(r, maxBody)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, errorBody("bad body"))
		return false
	}
	if err := json.Unmarshal(raw, v); err != nil {
		writeJSON(w, http.StatusBadRequest, errorBody("invalid json"))
		return false
	}
	if err := s.validate.Struct(v); err != nil {
		writeJSON(w, http.StatusBadRequest, errorBody(err.Error()))
		return false
	}
	return true
}

// decodeOptional is decode for endpoints where an empty body is allowed.
func (s *Server) decodeOptional(w http.ResponseWriter, r *http.Request, v any) bool {
	if r.ContentLength == 0 {
		return true
	}
	raw, err := readAll(r, maxBody)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, errorBody("bad body"))
		return false
	}
	if len(raw) == 0 {
		return true
	}
	if err := json.Unmarshal(raw, v); err != nil {
		writeJSON(w, http.StatusBadRequest, errorBody("invalid json"))
		return false
	}
	return true
}

func (s *Server) writeError(w http.ResponseWriter, r *http.Request, err error) {
	status := errorStatus(err)
	if status == http.StatusInternalServerError {
		s.Log.WithError(err).WithField("path", r.URL.Path).Error("request failed")
		writeJSON(w, status, errorBody("internal error"))
		return
	}
	writeJSON(w, status, errorBody(err.Error()))
}

func errorStatus(err error) int {
	switch {
	case errors.Is(err, services.ErrStationNotFound):
		return http.StatusNotFound
	case errors.Is(err, services.ErrNotConnected),
		errors.Is(err, services.ErrUnknownOperation),
		errors.Is(err, services.ErrInvalidPayload):
		return http.StatusBadRequest
	case errors.Is(err, session.ErrCallInFlight),
		errors.Is(err, services.ErrStationConnected):
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}

func errorBody(msg string) map[string]any {
	return map[string]any{"error": msg}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
