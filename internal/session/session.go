package session

import (
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"

	"github.com/virta-ltd/virtual-ocpp-j-server/internal/ocpp"
)

var (
	ErrCallInFlight = errors.New("another call is awaiting its result")
	ErrClosed       = errors.New("session closed")
)

// Conn is the subset of *websocket.Conn a Session needs.
type Conn interface {
	ReadMessage() (int, []byte, error)
	WriteMessage(messageType int, data []byte) error
	WriteControl(messageType int, data []byte, deadline time.Time) error
	SetWriteDeadline(t time.Time) error
	SetPongHandler(h func(appData string) error)
	Close() error
}

// Handler receives session lifecycle events. All callbacks run on the
// session's mailbox goroutine.
type Handler interface {
	OnOpen(s *Session)
	OnMessage(s *Session, data []byte)
	OnClose(s *Session, code int, reason string)
}

type Config struct {
	LeaseTimeout        time.Duration
	HealthCheckInterval time.Duration
	WriteTimeout        time.Duration
	MailboxSize         int
}

func (c Config) withDefaults() Config {
	if c.LeaseTimeout <= 0 {
		c.LeaseTimeout = 30 * time.Second
	}
	if c.HealthCheckInterval <= 0 {
		c.HealthCheckInterval = 60 * time.Second
	}
	if c.WriteTimeout <= 0 {
		c.WriteTimeout = 10 * time.Second
	}
	if c.MailboxSize <= 0 {
		c.MailboxSize = 64
	}
	return c
}

// Session is one live connection to a central system. Inbound frames, timer
// ticks and delayed jobs are executed one at a time on its mailbox goroutine.
type Session struct {
	identity    string
	conn        Conn
	cfg         Config
	handler     Handler
	log         *logrus.Entry
	connectedAt time.Time

	mailbox   chan func()
	done      chan struct{}
	closeOnce sync.Once
	writeMu   sync.Mutex
	alive     atomic.Bool

	mu               sync.Mutex
	closed           bool
	closeCode        int
	closeReason      string
	pendingMessageId int
	lastMessageId    int
	outstanding      ocpp.Action
	lease            *time.Timer
	waiter           chan []byte
	jobs             map[*Job]struct{}
	heartbeat        *Job
	metering         *Job
}

func New(identity string, conn Conn, cfg Config, h Handler, log *logrus.Entry) *Session {
	cfg = cfg.withDefaults()
	return &Session{
		identity:    identity,
		conn:        conn,
		cfg:         cfg,
		handler:     h,
		log:         log.WithField("station", identity),
		connectedAt: time.Now().UTC(),
		mailbox:     make(chan func(), cfg.MailboxSize),
		done:        make(chan struct{}),
		jobs:        make(map[*Job]struct{}),
	}
}

// Start launches the mailbox and reader goroutines and the health check.
// OnOpen is delivered before any inbound frame.
func (s *Session) Start() {
	s.alive.Store(true)
	s.conn.SetPongHandler(func(string) error {
		s.alive.Store(true)
		return nil
	})

	go s.run()
	s.Post(func() { s.handler.OnOpen(s) })
	s.Every(s.cfg.HealthCheckInterval, s.checkHealth)
	go s.read()
}

func (s *Session) Identity() string       { return s.identity }
func (s *Session) ConnectedAt() time.Time { return s.connectedAt }
func (s *Session) Done() <-chan struct{}  { return s.done }
func (s *Session) Log() *logrus.Entry     { return s.log }
func (s *Session) Handler() Handler       { return s.handler }

func (s *Session) IsOpen() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return !s.closed
}

// Post queues fn on the mailbox. It reports false once the session is closed.
// Never call Post from the mailbox goroutine itself.
func (s *Session) Post(fn func()) bool {
	select {
	case <-s.done:
		return false
	default:
	}
	select {
	case s.mailbox <- fn:
		return true
	case <-s.done:
		return false
	}
}

func (s *Session) run() {
	for {
		select {
		case <-s.done:
			s.handler.OnClose(s, s.closeCode, s.closeReason)
			return
		default:
		}

		select {
		case fn := <-s.mailbox:
			fn()
		case <-s.done:
		}
	}
}

func (s *Session) read() {
	for {
		_, data, err := s.conn.ReadMessage()
		if err != nil {
			code, reason := websocket.CloseAbnormalClosure, err.Error()
			var ce *websocket.CloseError
			if errors.As(err, &ce) {
				code, reason = ce.Code, ce.Text
			}
			s.shutdown(code, reason)
			return
		}
		if !s.Post(func() { s.handler.OnMessage(s, data) }) {
			return
		}
	}
}

// ReserveMessageID bumps the pending counter without committing it.
func (s *Session) ReserveMessageID() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.pendingMessageId++
	return s.pendingMessageId
}

func (s *Session) LastMessageID() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastMessageId
}

// MatchesLastMessageID reports whether id addresses the last transmitted Call.
func (s *Session) MatchesLastMessageID(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastMessageId > 0 && id == strconv.Itoa(s.lastMessageId)
}

// Outstanding is the action awaiting a CallResult, or ActionUnknown.
func (s *Session) Outstanding() ocpp.Action {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.outstanding
}

// SendCall transmits call unless another Call is still awaiting its result.
// On success the call holds the single-flight lease until ReleaseLease or
// until the lease timeout fires.
func (s *Session) SendCall(call *ocpp.Call) error {
	data, err := json.Marshal(call)
	if err != nil {
		return fmt.Errorf("encode %s: %w", call.Action, err)
	}
	id, err := strconv.Atoi(call.UniqueId)
	if err != nil {
		return fmt.Errorf("non-numeric message id %q: %w", call.UniqueId, err)
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return ErrClosed
	}
	if s.outstanding != ocpp.ActionUnknown {
		outstanding := s.outstanding
		s.mu.Unlock()
		s.log.WithFields(logrus.Fields{"action": call.Action.String(), "outstanding": outstanding.String()}).
			Warn("call dropped, previous call still in flight")
		return ErrCallInFlight
	}
	s.lastMessageId = id
	s.outstanding = call.Action
	uniqueId := call.UniqueId
	s.lease = time.AfterFunc(s.cfg.LeaseTimeout, func() { s.expireLease(uniqueId) })
	s.mu.Unlock()

	if err := s.write(data); err != nil {
		s.ReleaseLease()
		return err
	}
	s.log.WithField("action", call.Action.String()).Debugf("sent %s", data)
	return nil
}

// SendResult answers an inbound Call. It does not touch the lease.
func (s *Session) SendResult(uniqueId string, payload any) error {
	data, err := json.Marshal(ocpp.CallResult{UniqueId: uniqueId, Payload: payload})
	if err != nil {
		return fmt.Errorf("encode result %s: %w", uniqueId, err)
	}
	if !s.IsOpen() {
		return ErrClosed
	}
	if err := s.write(data); err != nil {
		return err
	}
	s.log.Debugf("sent %s", data)
	return nil
}

func (s *Session) write(data []byte) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	_ = s.conn.SetWriteDeadline(time.Now().Add(s.cfg.WriteTimeout))
	if err := s.conn.WriteMessage(websocket.TextMessage, data); err != nil {
		return fmt.Errorf("write: %w", err)
	}
	return nil
}

// ReleaseLease clears the outstanding action and its expiry timer.
func (s *Session) ReleaseLease() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.outstanding = ocpp.ActionUnknown
	if s.lease != nil {
		s.lease.Stop()
		s.lease = nil
	}
}

func (s *Session) expireLease(uniqueId string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.outstanding == ocpp.ActionUnknown || strconv.Itoa(s.lastMessageId) != uniqueId {
		return
	}
	s.log.WithFields(logrus.Fields{"action": s.outstanding.String(), "messageId": uniqueId}).
		Warn("no result received, releasing call lease")
	s.outstanding = ocpp.ActionUnknown
	s.lease = nil
}

// Expect registers a one-shot waiter for the next CallResult. An earlier
// waiter is replaced and never resolved.
func (s *Session) Expect() <-chan []byte {
	ch := make(chan []byte, 1)
	s.mu.Lock()
	s.waiter = ch
	s.mu.Unlock()
	return ch
}

// Resolve hands data to the registered waiter, if any.
func (s *Session) Resolve(data []byte) {
	s.mu.Lock()
	ch := s.waiter
	s.waiter = nil
	s.mu.Unlock()
	if ch != nil {
		ch <- data
	}
}

// CancelExpect drops ch if it is still the registered waiter.
func (s *Session) CancelExpect(ch <-chan []byte) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.waiter != nil && s.waiter == ch {
		s.waiter = nil
	}
}

// SetHeartbeat replaces the heartbeat job.
func (s *Session) SetHeartbeat(interval time.Duration, fn func()) {
	j := s.Every(interval, fn)
	s.mu.Lock()
	old := s.heartbeat
	s.heartbeat = j
	s.mu.Unlock()
	old.Stop()
}

// SetMetering replaces the metering job.
func (s *Session) SetMetering(interval time.Duration, fn func()) {
	j := s.Every(interval, fn)
	s.mu.Lock()
	old := s.metering
	s.metering = j
	s.mu.Unlock()
	old.Stop()
}

func (s *Session) StopMetering() {
	s.mu.Lock()
	j := s.metering
	s.metering = nil
	s.mu.Unlock()
	j.Stop()
}

func (s *Session) MeteringActive() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.metering.Active()
}

func (s *Session) checkHealth() {
	if !s.alive.Load() {
		s.log.Warn("no pong since last check, terminating connection")
		s.shutdown(websocket.CloseAbnormalClosure, "health check failed")
		return
	}
	s.alive.Store(false)
	if err := s.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(s.cfg.WriteTimeout)); err != nil {
		s.log.WithError(err).Debug("ping failed")
	}
}

// Close sends a close frame with code and reason, then tears the session
// down.
func (s *Session) Close(code int, reason string) {
	if !s.IsOpen() {
		return
	}
	msg := websocket.FormatCloseMessage(code, reason)
	if err := s.conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(s.cfg.WriteTimeout)); err != nil {
		s.log.WithError(err).Debug("close frame not sent")
	}
	s.shutdown(code, reason)
}

// shutdown cancels every timer before anything else, then unblocks waiters,
// closes the transport and lets the mailbox deliver OnClose.
func (s *Session) shutdown(code int, reason string) {
	s.closeOnce.Do(func() {
		s.mu.Lock()
		s.closed = true
		s.closeCode = code
		s.closeReason = reason
		jobs := make([]*Job, 0, len(s.jobs))
		for j := range s.jobs {
			jobs = append(jobs, j)
		}
		s.jobs = make(map[*Job]struct{})
		s.heartbeat, s.metering = nil, nil
		if s.lease != nil {
			s.lease.Stop()
			s.lease = nil
		}
		s.outstanding = ocpp.ActionUnknown
		s.waiter = nil
		s.mu.Unlock()

		for _, j := range jobs {
			j.Stop()
		}
		close(s.done)
		_ = s.conn.Close()
	})
}

// Info is a point-in-time view used for diagnostics.
type Info struct {
	Identity       string    `json:"identity"`
	ConnectedAt    time.Time `json:"connectedAt"`
	LastMessageId  int       `json:"lastMessageId"`
	Outstanding    string    `json:"outstanding,omitempty"`
	MeteringActive bool      `json:"meteringActive"`
}

func (s *Session) Info() Info {
	s.mu.Lock()
	defer s.mu.Unlock()
	return Info{
		Identity:       s.identity,
		ConnectedAt:    s.connectedAt,
		LastMessageId:  s.lastMessageId,
		Outstanding:    s.outstanding.String(),
		MeteringActive: s.metering.Active(),
	}
}
