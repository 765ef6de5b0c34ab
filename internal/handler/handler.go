package handler

import (
	"context"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/virta-ltd/virtual-ocpp-j-server/internal/message"
	"github.com/virta-ltd/virtual-ocpp-j-server/internal/models"
	"github.com/virta-ltd/virtual-ocpp-j-server/internal/ocpp"
	"github.com/virta-ltd/virtual-ocpp-j-server/internal/session"
)

// Session is what handlers may do with the live connection.
type Session interface {
	Identity() string
	ReserveMessageID() int
	SendCall(call *ocpp.Call) error
	SendResult(uniqueId string, payload any) error
	Close(code int, reason string)
	After(d time.Duration, fn func()) *session.Job
	StartMetering()
	StopMetering()
}

type StationStore interface {
	Update(ctx context.Context, st *models.Station, u models.StationUpdate) error
	Reload(ctx context.Context, st *models.Station) error
}

// Events is told about transaction transitions. Implementations must not
// block.
type Events interface {
	TransactionStarted(st models.Station)
	TransactionStopped(st models.Station)
}

type CallHandler interface {
	Handle(ctx context.Context, s Session, st *models.Station, f *ocpp.Frame) error
}

type CallResultHandler interface {
	Handle(ctx context.Context, s Session, st *models.Station, f *ocpp.Frame) error
}

type Deps struct {
	Store                   StationStore
	Generator               *message.Generator
	Events                  Events
	StatusNotificationDelay time.Duration
	Log                     *logrus.Entry
}

// persist applies u to st first and then writes it through. A failed write
// is logged and the in-memory change kept.
func (d Deps) persist(ctx context.Context, st *models.Station, u models.StationUpdate) {
	u.Apply(st)
	if err := d.Store.Update(ctx, st, u); err != nil {
		d.Log.WithError(err).WithField("station", st.Identity).Error("failed to persist station update")
	}
}

func (d Deps) events() Events {
	if d.Events == nil {
		return nopEvents{}
	}
	return d.Events
}

type nopEvents struct{}

func (nopEvents) TransactionStarted(models.Station) {}
func (nopEvents) TransactionStopped(models.Station) {}

// Dispatcher routes inbound Call and CallResult frames to their handlers.
type Dispatcher struct {
	calls   map[ocpp.Action]CallHandler
	results map[ocpp.Action]CallResultHandler
	log     *logrus.Entry
}

func NewDispatcher(d Deps) *Dispatcher {
	return &Dispatcher{
		calls: map[ocpp.Action]CallHandler{
			ocpp.ActionRemoteStartTransaction: remoteStartTransaction{d},
			ocpp.ActionRemoteStopTransaction:  remoteStopTransaction{d},
			ocpp.ActionReset:                  reset{d},
		},
		results: map[ocpp.Action]CallResultHandler{
			ocpp.ActionStartTransaction: startTransactionResult{d},
			ocpp.ActionStopTransaction:  stopTransactionResult{d},
		},
		log: d.Log,
	}
}

// HandleCall runs the handler for an inbound Call. Unsupported actions are
// dropped without a CallError.
func (d *Dispatcher) HandleCall(ctx context.Context, s Session, st *models.Station, f *ocpp.Frame) {
	log := d.log.WithFields(logrus.Fields{"station": s.Identity(), "action": f.ActionName, "messageId": f.UniqueId})
	if !f.Action.FromCentralSystem() {
		log.Warn("inbound call is not a central system operation, dropping")
		return
	}
	h, ok := d.calls[f.Action]
	if !ok {
		log.Warn("no handler for inbound call, dropping")
		return
	}
	if err := h.Handle(ctx, s, st, f); err != nil {
		log.WithError(err).Error("inbound call handler failed")
	}
}

// HandleResult runs the handler registered for the action the result
// answers. Actions without a handler are accepted silently.
func (d *Dispatcher) HandleResult(ctx context.Context, s Session, st *models.Station, action ocpp.Action, f *ocpp.Frame) {
	h, ok := d.results[action]
	if !ok {
		return
	}
	if err := h.Handle(ctx, s, st, f); err != nil {
		d.log.WithError(err).
			WithFields(logrus.Fields{"station": s.Identity(), "action": action.String(), "messageId": f.UniqueId}).
			Error("call result handler failed")
	}
}
