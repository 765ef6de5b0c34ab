package httpapi

import (
	"context"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-playground/validator/v10"
	"github.com/sirupsen/logrus"

	"github.com/virta-ltd/virtual-ocpp-j-server/internal/message"
	"github.com/virta-ltd/virtual-ocpp-j-server/internal/models"
	"github.com/virta-ltd/virtual-ocpp-j-server/internal/session"
)

// Stations is the station use-case surface the API exposes.
type Stations interface {
	ListStations(ctx context.Context, f models.StationFilter) ([]models.Station, error)
	GetStation(ctx context.Context, id int64) (*models.Station, error)
	CreateStation(ctx context.Context, st models.Station) (*models.Station, error)
	UpdateStation(ctx context.Context, id int64, u models.StationUpdate) (*models.Station, error)
	SendOperationRequest(ctx context.Context, id int64, operation string, p message.Payload) (*models.OperationResult, error)
	ListOperations(ctx context.Context, id int64, limit int) ([]models.Operation, error)
}

// Sessions lists the live station connections.
type Sessions interface {
	Sessions() []session.Info
}

type Server struct {
	APIKey   string
	Stations Stations
	Sessions Sessions
	Log      *logrus.Entry

	validate *validator.Validate
}

func NewServer(apiKey string, stations Stations, sessions Sessions, log *logrus.Entry) *Server {
	return &Server{APIKey: apiKey, Stations: stations, Sessions: sessions, Log: log, validate: validator.New()}
}

func (s *Server) Routes() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(RequestLogger(s.Log))

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(http.StatusOK) })

	r.Group(func(r chi.Router) {
		r.Use(func(next http.Handler) http.Handler { return RequireBearer(s.APIKey, next) })

		r.Route("/v1/stations", func(r chi.Router) {
			r.Get("/", s.ListStations)
			r.Post("/", s.CreateStation)
			r.Route("/{stationId}", func(r chi.Router) {
				r.Get("/", s.GetStation)
				r.Put("/", s.UpdateStation)
				r.Get("/operations", s.ListOperations)
				r.Post("/operations/{operation}", s.SendOperation)
			})
		})
		r.Get("/v1/sessions", s.ListSessions)
	})
	return r
}

type createStationReq struct {
	Identity             string `json:"identity" validate:"omitempty,max=64"`
	Vendor               string `json:"vendor" validate:"omitempty,max=20"`
	Model                string `json:"model" validate:"omitempty,max=20"`
	CentralSystemUrl     string `json:"centralSystemUrl" validate:"omitempty,url"`
	MeterValue           int64  `json:"meterValue" validate:"min=0"`
	CurrentChargingPower int64  `json:"currentChargingPower" validate:"min=0"`
}

type updateStationReq struct {
	Identity             *string `json:"identity" validate:"omitempty,min=1,max=64"`
	CentralSystemUrl     *string `json:"centralSystemUrl" validate:"omitempty,url"`
	MeterValue           *int64  `json:"meterValue" validate:"omitempty,min=0"`
	CurrentChargingPower *int64  `json:"currentChargingPower" validate:"omitempty,min=0"`
}

func (s *Server) ListStations(w http.ResponseWriter, r *http.Request) {
	items, err := s.Stations.ListStations(r.Context(), models.StationFilter{Identity: r.URL.Query().Get("identity")})
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if items == nil {
		items = []models.Station{}
	}
	writeJSON(w, http.StatusOK, items)
}

func (s *Server) GetStation(w http.ResponseWriter, r *http.Request) {
	id, ok := stationID(w, r)
	if !ok {
		return
	}
	st, err := s.Stations.GetStation(r.Context(), id)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, st)
}

func (s *Server) CreateStation(w http.ResponseWriter, r *http.Request) {
	var req createStationReq
	if !s.decode(w, r, &req) {
		return
	}
	st, err := s.Stations.CreateStation(r.Context(), models.Station{
		Identity:             req.Identity,
		Vendor:               req.Vendor,
		Model:                req.Model,
		CentralSystemUrl:     req.CentralSystemUrl,
		MeterValue:           req.MeterValue,
		CurrentChargingPower: req.CurrentChargingPower,
	})
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, st)
}

func (s *Server) UpdateStation(w http.ResponseWriter, r *http.Request) {
	id, ok := stationID(w, r)
	if !ok {
		return
	}
	var req updateStationReq
	if !s.decode(w, r, &req) {
		return
	}
	st, err := s.Stations.UpdateStation(r.Context(), id, models.StationUpdate{
		Identity:             req.Identity,
		CentralSystemUrl:     req.CentralSystemUrl,
		MeterValue:           req.MeterValue,
		CurrentChargingPower: req.CurrentChargingPower,
	})
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, st)
}

func (s *Server) ListSessions(w http.ResponseWriter, r *http.Request) {
	items := s.Sessions.Sessions()
	writeJSON(w, http.StatusOK, map[string]any{
		"count":    len(items),
		"sessions": items,
		"at":       time.Now().UTC(),
	})
}

func stationID(w http.ResponseWriter, r *http.Request) (int64, bool) {
	id, err := strconv.ParseInt(chi.URLParam(r, "stationId"), 10, 64)
	if err != nil || id <= 0 {
		writeJSON(w, http.StatusBadRequest, errorBody("invalid station id"))
		return 0, false
	}
	return id, true
}
