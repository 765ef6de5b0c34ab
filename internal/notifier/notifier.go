package notifier

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/nats-io/nats.go"
	"github.com/sirupsen/logrus"

	"github.com/virta-ltd/virtual-ocpp-j-server/internal/message"
	"github.com/virta-ltd/virtual-ocpp-j-server/internal/models"
	"github.com/virta-ltd/virtual-ocpp-j-server/internal/services"
	"github.com/virta-ltd/virtual-ocpp-j-server/internal/session"
)

// Operations runs a charge-point initiated operation for a station.
type Operations interface {
	SendOperationRequest(ctx context.Context, id int64, operation string, p message.Payload) (*models.OperationResult, error)
}

// Notifier publishes station events on NATS and serves operation requests
// over request/reply.
type Notifier struct {
	conn     *nats.Conn
	prefix   string
	timeout  time.Duration
	validate *validator.Validate
	log      *logrus.Entry

	sub *nats.Subscription
}

func Connect(url, prefix string, log *logrus.Entry) (*Notifier, error) {
	conn, err := nats.Connect(url,
		nats.Name("ocpp-station-simulator"),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2*time.Second),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				log.WithError(err).Warn("nats disconnected")
			}
		}),
		nats.ReconnectHandler(func(c *nats.Conn) {
			log.Infof("nats reconnected to %s", c.ConnectedUrl())
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("nats connect: %w", err)
	}
	return New(conn, prefix, log), nil
}

func New(conn *nats.Conn, prefix string, log *logrus.Entry) *Notifier {
	return &Notifier{
		conn:     conn,
		prefix:   prefix,
		timeout:  time.Minute,
		validate: validator.New(),
		log:      log,
	}
}

func (n *Notifier) Subject(topic string) string {
	if n.prefix == "" {
		return topic
	}
	return n.prefix + "." + topic
}

// Publish sends event as JSON on <prefix>.<topic>. It never blocks on the
// network; the client buffers while reconnecting.
func (n *Notifier) Publish(topic string, event any) {
	data, err := json.Marshal(event)
	if err != nil {
		n.log.WithError(err).Error("failed to encode event")
		return
	}
	if err := n.conn.Publish(n.Subject(topic), data); err != nil {
		n.log.WithError(err).WithField("topic", topic).Warn("failed to publish event")
	}
}

// Serve answers operation requests on <prefix>.operations until Close.
func (n *Notifier) Serve(ops Operations) error {
	sub, err := n.conn.Subscribe(n.Subject("operations"), func(m *nats.Msg) {
		go func() {
			ctx, cancel := context.WithTimeout(context.Background(), n.timeout)
			defer cancel()
			if err := m.Respond(n.handle(ctx, ops, m.Data)); err != nil {
				n.log.WithError(err).Warn("failed to answer operation request")
			}
		}()
	})
	if err != nil {
		return fmt.Errorf("subscribe operations: %w", err)
	}
	n.sub = sub
	return nil
}

func (n *Notifier) Close() {
	if n.sub != nil {
		_ = n.sub.Unsubscribe()
	}
	if err := n.conn.Drain(); err != nil {
		n.conn.Close()
	}
}

type operationRequest struct {
	StationId int64           `json:"stationId" validate:"required,gt=0"`
	Operation string          `json:"operation" validate:"required"`
	Payload   message.Payload `json:"payload"`
}

type replyError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

type errorReply struct {
	Err replyError `json:"error"`
}

func (n *Notifier) handle(ctx context.Context, ops Operations, data []byte) []byte {
	var req operationRequest
	if err := json.Unmarshal(data, &req); err != nil {
		return n.fail("request.format.not.valid", err.Error())
	}
	if err := n.validate.Struct(&req); err != nil {
		return n.fail("request.format.not.valid", err.Error())
	}

	log := n.log.WithFields(logrus.Fields{"stationId": req.StationId, "operation": req.Operation})
	log.Infof("operation request: %s", data)

	res, err := ops.SendOperationRequest(ctx, req.StationId, req.Operation, req.Payload)
	if err != nil {
		return n.fail(errorCode(err), err.Error())
	}
	out, err := json.Marshal(res)
	if err != nil {
		return n.fail("internal.error", err.Error())
	}
	return out
}

func (n *Notifier) fail(code, msg string) []byte {
	n.log.WithField("code", code).Warn(msg)
	out, _ := json.Marshal(errorReply{Err: replyError{Code: code, Message: msg}})
	return out
}

func errorCode(err error) string {
	switch {
	case errors.Is(err, services.ErrStationNotFound):
		return "station.not.found"
	case errors.Is(err, services.ErrNotConnected):
		return "station.not.connected"
	case errors.Is(err, services.ErrUnknownOperation):
		return "operation.not.supported"
	case errors.Is(err, services.ErrInvalidPayload):
		return "payload.not.valid"
	case errors.Is(err, session.ErrCallInFlight):
		return "call.in.flight"
	case errors.Is(err, context.DeadlineExceeded):
		return "request.timeout"
	default:
		return "internal.error"
	}
}
