package message

import (
	"time"

	"github.com/virta-ltd/virtual-ocpp-j-server/internal/models"
	"github.com/virta-ltd/virtual-ocpp-j-server/internal/ocpp"
)

// RequestBuilderFactory maps charge-point initiated actions to builders.
type RequestBuilderFactory struct {
	builders map[ocpp.Action]RequestBuilder
}

func NewRequestBuilderFactory() *RequestBuilderFactory {
	f := &RequestBuilderFactory{builders: make(map[ocpp.Action]RequestBuilder)}
	for _, b := range []RequestBuilder{
		authorizeBuilder{},
		bootNotificationBuilder{},
		heartbeatBuilder{},
		meterValuesBuilder{},
		startTransactionBuilder{},
		statusNotificationBuilder{},
		stopTransactionBuilder{},
	} {
		f.builders[b.Action()] = b
	}
	return f
}

// BuilderFor only resolves actions a charge point may initiate.
func (f *RequestBuilderFactory) BuilderFor(action ocpp.Action) (RequestBuilder, bool) {
	if !action.FromChargePoint() {
		return nil, false
	}
	b, ok := f.builders[action]
	return b, ok
}

// Builder resolves an operation name case-insensitively.
func (f *RequestBuilderFactory) Builder(operation string) (RequestBuilder, bool) {
	action, ok := ocpp.ParseAction(operation)
	if !ok {
		return nil, false
	}
	return f.BuilderFor(action)
}

// Generator wraps builder output into Call frames.
type Generator struct {
	factory *RequestBuilderFactory
	now     func() time.Time
}

func NewGenerator(factory *RequestBuilderFactory) *Generator {
	return &Generator{factory: factory, now: func() time.Time { return time.Now().UTC() }}
}

// CreateMessage returns nil when no builder exists for operation.
func (g *Generator) CreateMessage(operation string, st *models.Station, uniqueId int, p *Payload) *ocpp.Call {
	action, ok := ocpp.ParseAction(operation)
	if !ok {
		return nil
	}
	return g.Create(action, st, uniqueId, p)
}

func (g *Generator) Create(action ocpp.Action, st *models.Station, uniqueId int, p *Payload) *ocpp.Call {
	b, ok := g.factory.BuilderFor(action)
	if !ok {
		return nil
	}
	var payload Payload
	if p != nil {
		payload = *p
	}
	return ocpp.NewCall(uniqueId, action, b.Build(st, payload, g.now()))
}
