package services

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/go-playground/validator/v10"
	"github.com/sirupsen/logrus"

	"github.com/virta-ltd/virtual-ocpp-j-server/internal/handler"
	"github.com/virta-ltd/virtual-ocpp-j-server/internal/message"
	"github.com/virta-ltd/virtual-ocpp-j-server/internal/models"
)

type StationRepository interface {
	handler.StationStore
	Create(ctx context.Context, st models.Station) (*models.Station, error)
	Get(ctx context.Context, id int64) (*models.Station, error)
	List(ctx context.Context, f models.StationFilter) ([]models.Station, error)
}

// OperationLog audits API-triggered operations.
type OperationLog interface {
	Create(ctx context.Context, op models.Operation) (string, error)
	MarkSent(ctx context.Context, id string, request []byte) error
	MarkAnswered(ctx context.Context, id string, response []byte) error
	MarkTimeout(ctx context.Context, id string) error
	MarkFailed(ctx context.Context, id string, errMsg string) error
	ListByStation(ctx context.Context, stationId int64, limit int) ([]models.Operation, error)
}

type StationsService struct {
	stations StationRepository
	ops      OperationLog
	sessions *SessionManager
	validate *validator.Validate
	log      *logrus.Entry

	// connect dials newly created stations without blocking the caller.
	connect func(st models.Station)
}

func NewStationsService(stations StationRepository, ops OperationLog, sessions *SessionManager, log *logrus.Entry) *StationsService {
	s := &StationsService{
		stations: stations,
		ops:      ops,
		sessions: sessions,
		validate: validator.New(),
		log:      log,
	}
	s.connect = func(st models.Station) {
		go func() { _, _ = s.sessions.Connect(context.Background(), st) }()
	}
	return s
}

func (s *StationsService) ListStations(ctx context.Context, f models.StationFilter) ([]models.Station, error) {
	return s.stations.List(ctx, f)
}

func (s *StationsService) GetStation(ctx context.Context, id int64) (*models.Station, error) {
	st, err := s.stations.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if st == nil {
		return nil, fmt.Errorf("%w: %d", ErrStationNotFound, id)
	}
	return st, nil
}

// CreateStation persists st with defaults applied and starts connecting it.
func (s *StationsService) CreateStation(ctx context.Context, st models.Station) (*models.Station, error) {
	created, err := s.stations.Create(ctx, st)
	if err != nil {
		return nil, err
	}
	s.log.WithField("station", created.Identity).Info("station created, connecting to central system")
	s.connect(*created)
	return created, nil
}

func (s *StationsService) UpdateStation(ctx context.Context, id int64, u models.StationUpdate) (*models.Station, error) {
	st, err := s.GetStation(ctx, id)
	if err != nil {
		return nil, err
	}
	// the registry is keyed by identity
	if u.Identity != nil && *u.Identity != st.Identity && s.sessions.Connected(st.Identity) {
		return nil, fmt.Errorf("%w: %s", ErrStationConnected, st.Identity)
	}
	if err := s.stations.Update(ctx, st, u); err != nil {
		return nil, err
	}
	return st, nil
}

// ConnectAll drops dead sessions and connects every stored station that has
// no open session. It returns the number of sessions opened.
func (s *StationsService) ConnectAll(ctx context.Context) (int, error) {
	if n := s.sessions.PruneClosed(); n > 0 {
		s.log.Infof("removed %d dead connections", n)
	}

	stations, err := s.stations.List(ctx, models.StationFilter{})
	if err != nil {
		return 0, fmt.Errorf("fetch stations: %w", err)
	}

	var (
		wg     sync.WaitGroup
		mu     sync.Mutex
		opened int
	)
	for _, st := range stations {
		if s.sessions.Connected(st.Identity) {
			continue
		}
		wg.Add(1)
		go func(st models.Station) {
			defer wg.Done()
			if _, err := s.sessions.Connect(ctx, st); err != nil {
				return
			}
			mu.Lock()
			opened++
			mu.Unlock()
		}(st)
	}
	wg.Wait()
	s.log.Infof("%d stations connected, %d new", s.sessions.Count(), opened)
	return opened, nil
}

// SendOperationRequest sends operation for station id over its live session
// and returns the request frame and the raw response frame (nil on timeout).
func (s *StationsService) SendOperationRequest(ctx context.Context, id int64, operation string, p message.Payload) (*models.OperationResult, error) {
	st, err := s.GetStation(ctx, id)
	if err != nil {
		return nil, err
	}
	if err := s.validate.Struct(p); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidPayload, err)
	}
	if !s.sessions.Supports(operation) {
		return nil, fmt.Errorf("%w %s", ErrUnknownOperation, operation)
	}
	if !s.sessions.Connected(st.Identity) {
		return nil, fmt.Errorf("%w: %s", ErrNotConnected, st.Identity)
	}

	log := s.log.WithFields(logrus.Fields{"station": st.Identity, "operation": operation})
	opId, err := s.ops.Create(ctx, models.Operation{StationId: st.Id, Identity: st.Identity, Action: operation})
	if err != nil {
		log.WithError(err).Warn("failed to record operation")
	}

	res, err := s.sessions.SendOperation(ctx, st.Identity, operation, p)
	if err != nil {
		s.audit(opId, log, func(ctx context.Context) error { return s.ops.MarkFailed(ctx, opId, err.Error()) })
		return nil, err
	}

	s.audit(opId, log, func(ctx context.Context) error { return s.ops.MarkSent(ctx, opId, res.Request) })
	if res.Response == nil {
		s.audit(opId, log, func(ctx context.Context) error { return s.ops.MarkTimeout(ctx, opId) })
	} else {
		s.audit(opId, log, func(ctx context.Context) error { return s.ops.MarkAnswered(ctx, opId, res.Response) })
	}
	return res, nil
}

func (s *StationsService) ListOperations(ctx context.Context, id int64, limit int) ([]models.Operation, error) {
	if _, err := s.GetStation(ctx, id); err != nil {
		return nil, err
	}
	return s.ops.ListByStation(ctx, id, limit)
}

// audit runs fn on its own context bounded by the store timeout.
func (s *StationsService) audit(opId string, log *logrus.Entry, fn func(ctx context.Context) error) {
	if opId == "" {
		return
	}
	ctx, cancel := s.sessions.storeContext()
	defer cancel()
	if err := fn(ctx); err != nil && !errors.Is(err, context.Canceled) {
		log.WithError(err).Warn("failed to update operation record")
	}
}
