package services

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"

	"github.com/virta-ltd/virtual-ocpp-j-server/internal/config"
	"github.com/virta-ltd/virtual-ocpp-j-server/internal/handler"
	"github.com/virta-ltd/virtual-ocpp-j-server/internal/message"
	"github.com/virta-ltd/virtual-ocpp-j-server/internal/models"
	"github.com/virta-ltd/virtual-ocpp-j-server/internal/session"
)

var (
	ErrNotConnected     = errors.New("station is not connected")
	ErrUnknownOperation = errors.New("cannot form message for operation")
	ErrStationNotFound  = errors.New("station not found")
	ErrInvalidPayload   = errors.New("invalid operation payload")
	ErrStationConnected = errors.New("station identity cannot change while connected")
)

// Publisher receives station events. Publish must not block.
type Publisher interface {
	Publish(topic string, event any)
}

// Presence mirrors which stations this process holds a session for.
type Presence interface {
	Touch(ctx context.Context, identity string) error
	Remove(ctx context.Context, identity string) error
}

type DialFunc func(ctx context.Context, centralSystemURL, identity string, timeout time.Duration) (session.Conn, error)

func DialWebsocket(ctx context.Context, centralSystemURL, identity string, timeout time.Duration) (session.Conn, error) {
	conn, err := session.Dial(ctx, centralSystemURL, identity, timeout)
	if err != nil {
		return nil, err
	}
	return conn, nil
}

type SessionManagerConfig struct {
	Session                 session.Config
	HeartbeatInterval       time.Duration
	MeterValuesInterval     time.Duration
	StatusNotificationDelay time.Duration
	DialTimeout             time.Duration
	WaitTimeout             time.Duration
	StoreTimeout            time.Duration
}

func NewSessionManagerConfig(cfg config.Config) SessionManagerConfig {
	return SessionManagerConfig{
		Session: session.Config{
			LeaseTimeout:        cfg.CallLeaseTimeout,
			HealthCheckInterval: cfg.HealthCheckInterval,
		},
		HeartbeatInterval:       cfg.HeartbeatInterval,
		MeterValuesInterval:     cfg.MeterValuesInterval,
		StatusNotificationDelay: cfg.StatusNotificationDelay,
		DialTimeout:             cfg.DialTimeout,
		WaitTimeout:             cfg.WaitTimeout(),
		StoreTimeout:            5 * time.Second,
	}
}

// SessionManager owns every live station session: it wires session events to
// the handlers, schedules heartbeat and metering, and bridges API-triggered
// Calls to their results.
type SessionManager struct {
	cfg        SessionManagerConfig
	store      handler.StationStore
	registry   *session.Registry
	factory    *message.RequestBuilderFactory
	generator  *message.Generator
	dispatcher *handler.Dispatcher
	publisher  Publisher
	presence   Presence
	dial       DialFunc
	now        func() time.Time
	log        *logrus.Entry
}

type SessionManagerOption func(*SessionManager)

func WithPublisher(p Publisher) SessionManagerOption {
	return func(m *SessionManager) { m.publisher = p }
}

func WithPresence(p Presence) SessionManagerOption {
	return func(m *SessionManager) { m.presence = p }
}

func WithDialer(d DialFunc) SessionManagerOption {
	return func(m *SessionManager) { m.dial = d }
}

func NewSessionManager(cfg SessionManagerConfig, store handler.StationStore, registry *session.Registry, log *logrus.Entry, opts ...SessionManagerOption) *SessionManager {
	if cfg.StoreTimeout <= 0 {
		cfg.StoreTimeout = 5 * time.Second
	}
	m := &SessionManager{
		cfg:       cfg,
		store:     store,
		registry:  registry,
		factory:   message.NewRequestBuilderFactory(),
		publisher: nopPublisher{},
		presence:  nopPresence{},
		dial:      DialWebsocket,
		now:       func() time.Time { return time.Now().UTC() },
		log:       log,
	}
	for _, opt := range opts {
		opt(m)
	}
	m.generator = message.NewGenerator(m.factory)
	m.dispatcher = handler.NewDispatcher(handler.Deps{
		Store:                   store,
		Generator:               m.generator,
		Events:                  transactionEvents{m},
		StatusNotificationDelay: cfg.StatusNotificationDelay,
		Log:                     log,
	})
	return m
}

// Connect dials the central system for st and starts its session. A station
// that already has an open session is not dialled again.
func (m *SessionManager) Connect(ctx context.Context, st models.Station) (*session.Session, error) {
	if s, ok := m.registry.Get(st.Identity); ok && s.IsOpen() {
		return s, nil
	}

	dctx, cancel := context.WithTimeout(ctx, m.cfg.DialTimeout)
	defer cancel()
	conn, err := m.dial(dctx, st.CentralSystemUrl, st.Identity, m.cfg.DialTimeout)
	if err != nil {
		m.log.WithError(err).WithField("station", st.Identity).Warn("error connecting station")
		return nil, fmt.Errorf("connect %s: %w", st.Identity, err)
	}

	c := &connection{m: m, st: &st}
	c.Session = session.New(st.Identity, conn, m.cfg.Session, c, m.log)
	if prev := m.registry.Add(c.Session); prev != nil && prev != c.Session {
		prev.Close(websocket.CloseNormalClosure, "replaced by new connection")
	}
	c.Start()
	return c.Session, nil
}

func (m *SessionManager) Connected(identity string) bool {
	s, ok := m.registry.Get(identity)
	return ok && s.IsOpen()
}

// Supports reports whether a Call can be generated for operation.
func (m *SessionManager) Supports(operation string) bool {
	_, ok := m.factory.Builder(operation)
	return ok
}

func (m *SessionManager) Sessions() []session.Info {
	list := m.registry.List()
	out := make([]session.Info, 0, len(list))
	for _, s := range list {
		out = append(out, s.Info())
	}
	return out
}

// Count is the number of registered sessions, open or not yet pruned.
func (m *SessionManager) Count() int {
	return m.registry.Len()
}

// PruneClosed drops registry entries whose transport is gone.
func (m *SessionManager) PruneClosed() int {
	return m.registry.Prune()
}

// CloseAll closes every session and waits until each has shut down or ctx
// ends.
func (m *SessionManager) CloseAll(ctx context.Context, code int, reason string) {
	var wg sync.WaitGroup
	for _, s := range m.registry.List() {
		wg.Add(1)
		go func(s *session.Session) {
			defer wg.Done()
			s.Close(code, reason)
			select {
			case <-s.Done():
			case <-ctx.Done():
			}
		}(s)
	}
	wg.Wait()
}

type prepared struct {
	request []byte
	wait    <-chan []byte
	err     error
}

// SendOperation sends operation on the station's session and waits for the
// result. A nil Response means the central system did not answer within
// WaitTimeout or the session closed meanwhile.
func (m *SessionManager) SendOperation(ctx context.Context, identity, operation string, p message.Payload) (*models.OperationResult, error) {
	if !m.Supports(operation) {
		return nil, fmt.Errorf("%w %s", ErrUnknownOperation, operation)
	}
	s, ok := m.registry.Get(identity)
	if !ok || !s.IsOpen() {
		return nil, ErrNotConnected
	}
	c, ok := s.Handler().(*connection)
	if !ok {
		return nil, ErrNotConnected
	}

	ready := make(chan prepared, 1)
	posted := s.Post(func() {
		ctx, cancel := m.storeContext()
		defer cancel()
		if err := m.store.Reload(ctx, c.st); err != nil {
			s.Log().WithError(err).Warn("reload failed, building request from cached station")
		}

		call := m.generator.CreateMessage(operation, c.st, s.ReserveMessageID(), &p)
		if call == nil {
			ready <- prepared{err: fmt.Errorf("%w %s", ErrUnknownOperation, operation)}
			return
		}
		request, err := json.Marshal(call)
		if err != nil {
			ready <- prepared{err: err}
			return
		}
		if err := s.SendCall(call); err != nil {
			ready <- prepared{err: err}
			return
		}
		// Results are resolved on this goroutine, so the waiter cannot miss one.
		ready <- prepared{request: request, wait: s.Expect()}
	})
	if !posted {
		return nil, ErrNotConnected
	}

	var prep prepared
	select {
	case prep = <-ready:
	case <-s.Done():
		return nil, ErrNotConnected
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	if prep.err != nil {
		return nil, prep.err
	}

	result := &models.OperationResult{Request: prep.request}
	timer := time.NewTimer(m.cfg.WaitTimeout)
	defer timer.Stop()

	log := s.Log().WithField("operation", operation)
	select {
	case resp := <-prep.wait:
		result.Response = resp
		log.Debugf("response to be sent to API client: %s", resp)
	case <-timer.C:
		s.CancelExpect(prep.wait)
		log.Info("central system does not respond")
	case <-s.Done():
		log.Info("session closed while waiting for response")
	case <-ctx.Done():
		s.CancelExpect(prep.wait)
		return result, ctx.Err()
	}
	return result, nil
}

func (m *SessionManager) storeContext() (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.Background(), m.cfg.StoreTimeout)
}

func (m *SessionManager) publish(topic string, ev models.StationEvent) {
	m.publisher.Publish(topic, ev)
}

type transactionEvents struct{ m *SessionManager }

func (e transactionEvents) TransactionStarted(st models.Station) {
	e.m.publish(models.TopicTransactionStarted, models.NewStationEvent(st, e.m.now()))
}

func (e transactionEvents) TransactionStopped(st models.Station) {
	e.m.publish(models.TopicTransactionStopped, models.NewStationEvent(st, e.m.now()))
}

type nopPublisher struct{}

func (nopPublisher) Publish(string, any) {}

type nopPresence struct{}

func (nopPresence) Touch(context.Context, string) error  { return nil }
func (nopPresence) Remove(context.Context, string) error { return nil }
