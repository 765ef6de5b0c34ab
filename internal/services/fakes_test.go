package services

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/require"

	"github.com/virta-ltd/virtual-ocpp-j-server/internal/logging"
	"github.com/virta-ltd/virtual-ocpp-j-server/internal/models"
	"github.com/virta-ltd/virtual-ocpp-j-server/internal/ocpp"
	"github.com/virta-ltd/virtual-ocpp-j-server/internal/session"
)

type fakeConn struct {
	mu        sync.Mutex
	written   []*ocpp.Frame
	closeCode int
	inbound   chan []byte
	closed    chan struct{}
	closeOnce sync.Once
}

func newFakeConn() *fakeConn {
	return &fakeConn{inbound: make(chan []byte, 16), closed: make(chan struct{})}
}

func (c *fakeConn) ReadMessage() (int, []byte, error) {
	select {
	case data := <-c.inbound:
		return websocket.TextMessage, data, nil
	case <-c.closed:
		return 0, nil, errors.New("use of closed connection")
	}
}

func (c *fakeConn) WriteMessage(_ int, data []byte) error {
	f, err := ocpp.Parse(data)
	if err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.written = append(c.written, f)
	return nil
}

func (c *fakeConn) WriteControl(typ int, data []byte, _ time.Time) error {
	if typ == websocket.CloseMessage && len(data) >= 2 {
		c.mu.Lock()
		c.closeCode = int(data[0])<<8 | int(data[1])
		c.mu.Unlock()
	}
	return nil
}

func (c *fakeConn) SetWriteDeadline(time.Time) error    { return nil }
func (c *fakeConn) SetPongHandler(func(string) error) {}

func (c *fakeConn) Close() error {
	c.closeOnce.Do(func() { close(c.closed) })
	return nil
}

func (c *fakeConn) frames() []*ocpp.Frame {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]*ocpp.Frame(nil), c.written...)
}

func (c *fakeConn) calls(action ocpp.Action) []*ocpp.Frame {
	var out []*ocpp.Frame
	for _, f := range c.frames() {
		if f.Type == ocpp.CallType && f.Action == action {
			out = append(out, f)
		}
	}
	return out
}

// waitCall blocks until a Call for action has been written and returns the
// latest one.
func (c *fakeConn) waitCall(t *testing.T, action ocpp.Action) *ocpp.Frame {
	t.Helper()
	var f *ocpp.Frame
	require.Eventually(t, func() bool {
		calls := c.calls(action)
		if len(calls) == 0 {
			return false
		}
		f = calls[len(calls)-1]
		return true
	}, 2*time.Second, 2*time.Millisecond, "no %s call written", action)
	return f
}

func (c *fakeConn) reply(id string, payload string) {
	c.inbound <- []byte(fmt.Sprintf(`[3,"%s",%s]`, id, payload))
}

type memStore struct {
	mu       sync.Mutex
	nextId   int64
	stations map[int64]models.Station
	updates  int
	now      func() time.Time
}

func newMemStore() *memStore {
	return &memStore{stations: make(map[int64]models.Station), now: func() time.Time { return time.Now().UTC() }}
}

func (s *memStore) put(st models.Station) models.Station {
	s.mu.Lock()
	defer s.mu.Unlock()
	if st.Id == 0 {
		s.nextId++
		st.Id = s.nextId
	}
	if st.UpdatedAt.IsZero() {
		st.UpdatedAt = s.now()
	}
	s.stations[st.Id] = st
	return st
}

func (s *memStore) get(id int64) models.Station {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stations[id]
}

func (s *memStore) Create(_ context.Context, st models.Station) (*models.Station, error) {
	out := s.put(st)
	return &out, nil
}

func (s *memStore) Get(_ context.Context, id int64) (*models.Station, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	st, ok := s.stations[id]
	if !ok {
		return nil, nil
	}
	return &st, nil
}

func (s *memStore) List(_ context.Context, _ models.StationFilter) ([]models.Station, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []models.Station
	for id := int64(1); id <= s.nextId; id++ {
		if st, ok := s.stations[id]; ok {
			out = append(out, st)
		}
	}
	return out, nil
}

func (s *memStore) Update(_ context.Context, st *models.Station, u models.StationUpdate) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	stored, ok := s.stations[st.Id]
	if !ok {
		return fmt.Errorf("station %d not found", st.Id)
	}
	u.Apply(&stored)
	stored.UpdatedAt = s.now()
	s.stations[st.Id] = stored
	s.updates++
	*st = stored
	return nil
}

func (s *memStore) Reload(_ context.Context, st *models.Station) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	stored, ok := s.stations[st.Id]
	if !ok {
		return fmt.Errorf("station %d not found", st.Id)
	}
	*st = stored
	return nil
}

type memOps struct {
	mu  sync.Mutex
	ops map[string]*models.Operation
	seq int
}

func newMemOps() *memOps { return &memOps{ops: make(map[string]*models.Operation)} }

func (o *memOps) Create(_ context.Context, op models.Operation) (string, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.seq++
	op.OperationId = fmt.Sprintf("op-%d", o.seq)
	op.Status = models.OperationQueued
	o.ops[op.OperationId] = &op
	return op.OperationId, nil
}

func (o *memOps) set(id string, fn func(op *models.Operation)) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	op, ok := o.ops[id]
	if !ok {
		return fmt.Errorf("operation %s not found", id)
	}
	fn(op)
	return nil
}

func (o *memOps) MarkSent(_ context.Context, id string, request []byte) error {
	return o.set(id, func(op *models.Operation) { op.Status, op.RequestJSON = models.OperationSent, request })
}

func (o *memOps) MarkAnswered(_ context.Context, id string, response []byte) error {
	return o.set(id, func(op *models.Operation) { op.Status, op.ResponseJSON = models.OperationAnswered, response })
}

func (o *memOps) MarkTimeout(_ context.Context, id string) error {
	return o.set(id, func(op *models.Operation) { op.Status = models.OperationTimeout })
}

func (o *memOps) MarkFailed(_ context.Context, id string, errMsg string) error {
	return o.set(id, func(op *models.Operation) { op.Status, op.Error = models.OperationFailed, &errMsg })
}

func (o *memOps) ListByStation(_ context.Context, stationId int64, _ int) ([]models.Operation, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	var out []models.Operation
	for i := 1; i <= o.seq; i++ {
		if op, ok := o.ops[fmt.Sprintf("op-%d", i)]; ok && op.StationId == stationId {
			out = append(out, *op)
		}
	}
	return out, nil
}

func (o *memOps) only(t *testing.T) models.Operation {
	t.Helper()
	o.mu.Lock()
	defer o.mu.Unlock()
	require.Len(t, o.ops, 1)
	for _, op := range o.ops {
		return *op
	}
	return models.Operation{}
}

type published struct {
	topic string
	event models.StationEvent
}

type memPublisher struct {
	mu     sync.Mutex
	events []published
}

func (p *memPublisher) Publish(topic string, event any) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, published{topic: topic, event: event.(models.StationEvent)})
}

func (p *memPublisher) topics() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]string, len(p.events))
	for i, e := range p.events {
		out[i] = e.topic
	}
	return out
}

type memPresence struct {
	mu      sync.Mutex
	touched map[string]int
	present map[string]bool
}

func newMemPresence() *memPresence {
	return &memPresence{touched: make(map[string]int), present: make(map[string]bool)}
}

func (p *memPresence) Touch(_ context.Context, identity string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.touched[identity]++
	p.present[identity] = true
	return nil
}

func (p *memPresence) Remove(_ context.Context, identity string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.present, identity)
	return nil
}

func (p *memPresence) isPresent(identity string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.present[identity]
}

type harness struct {
	store     *memStore
	ops       *memOps
	publisher *memPublisher
	presence  *memPresence
	registry  *session.Registry
	manager   *SessionManager

	mu    sync.Mutex
	conns map[string]*fakeConn
	dials int
}

func testConfig() SessionManagerConfig {
	return SessionManagerConfig{
		HeartbeatInterval:       time.Hour,
		MeterValuesInterval:     time.Hour,
		StatusNotificationDelay: 5 * time.Millisecond,
		DialTimeout:             time.Second,
		WaitTimeout:             time.Second,
	}
}

func newHarness(t *testing.T, cfg SessionManagerConfig) *harness {
	t.Helper()
	h := &harness{
		store:     newMemStore(),
		ops:       newMemOps(),
		publisher: &memPublisher{},
		presence:  newMemPresence(),
		registry:  session.NewRegistry(),
		conns:     make(map[string]*fakeConn),
	}
	dial := func(_ context.Context, _ string, identity string, _ time.Duration) (session.Conn, error) {
		h.mu.Lock()
		defer h.mu.Unlock()
		h.dials++
		if identity == "UNREACHABLE" {
			return nil, errors.New("connection refused")
		}
		c := newFakeConn()
		h.conns[identity] = c
		return c, nil
	}
	h.manager = NewSessionManager(cfg, h.store, h.registry, logrus.NewEntry(logging.Discard()),
		WithDialer(dial), WithPublisher(h.publisher), WithPresence(h.presence))
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		h.manager.CloseAll(ctx, websocket.CloseGoingAway, "")
	})
	return h
}

func (h *harness) conn(identity string) *fakeConn {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.conns[identity]
}

// connect stores st, opens its session and answers the BootNotification.
func (h *harness) connect(t *testing.T, st models.Station) (models.Station, *session.Session, *fakeConn) {
	t.Helper()
	st = h.store.put(st)
	s, err := h.manager.Connect(context.Background(), st)
	require.NoError(t, err)
	conn := h.conn(st.Identity)
	boot := conn.waitCall(t, ocpp.ActionBootNotification)
	conn.reply(boot.UniqueId, `{"status":"Accepted","currentTime":"2024-01-01T00:00:00Z","interval":60}`)
	require.Eventually(t, func() bool { return s.Outstanding() == ocpp.ActionUnknown }, time.Second, time.Millisecond)
	return st, s, conn
}

func ptr[T any](v T) *T { return &v }
