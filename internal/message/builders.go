package message

import (
	"time"

	"github.com/lorenzodonini/ocpp-go/ocpp1.6/core"
	"github.com/lorenzodonini/ocpp-go/ocpp1.6/types"

	"github.com/virta-ltd/virtual-ocpp-j-server/internal/models"
	"github.com/virta-ltd/virtual-ocpp-j-server/internal/ocpp"
)

// Only connector 1 is simulated.
const connectorId = 1

// RequestBuilder turns station state plus overrides into a request body.
type RequestBuilder interface {
	Action() ocpp.Action
	Build(st *models.Station, p Payload, now time.Time) any
}

type authorizeBuilder struct{}

func (authorizeBuilder) Action() ocpp.Action { return ocpp.ActionAuthorize }

func (authorizeBuilder) Build(_ *models.Station, p Payload, _ time.Time) any {
	return &AuthorizeRequest{IdTag: stringOr(p.IdTag, "")}
}

type bootNotificationBuilder struct{}

func (bootNotificationBuilder) Action() ocpp.Action { return ocpp.ActionBootNotification }

func (bootNotificationBuilder) Build(st *models.Station, p Payload, _ time.Time) any {
	return &BootNotificationRequest{
		ChargePointVendor: stringOr(p.Vendor, st.Vendor),
		ChargePointModel:  stringOr(p.Model, st.Model),
	}
}

type heartbeatBuilder struct{}

func (heartbeatBuilder) Action() ocpp.Action { return ocpp.ActionHeartbeat }

func (heartbeatBuilder) Build(*models.Station, Payload, time.Time) any {
	return &HeartbeatRequest{}
}

type meterValuesBuilder struct{}

func (meterValuesBuilder) Action() ocpp.Action { return ocpp.ActionMeterValues }

func (meterValuesBuilder) Build(st *models.Station, p Payload, now time.Time) any {
	sampled := SampledValue{
		Value:     st.MeterValue,
		Context:   types.ReadingContextSamplePeriodic,
		Measurand: types.MeasurandEnergyActiveImportRegister,
		Unit:      types.UnitOfMeasureWh,
		Location:  types.LocationOutlet,
	}
	if p.Value != nil {
		sampled.Value = *p.Value
	}
	if p.Context != nil {
		sampled.Context = *p.Context
	}
	if p.Measurand != nil {
		sampled.Measurand = *p.Measurand
	}
	if p.Unit != nil {
		sampled.Unit = *p.Unit
	}
	if p.Location != nil {
		sampled.Location = *p.Location
	}

	req := &MeterValuesRequest{
		ConnectorId: connectorId,
		MeterValue: []MeterValue{{
			Timestamp:    types.NewDateTime(now),
			SampledValue: []SampledValue{sampled},
		}},
	}
	if st.CurrentTransactionId != nil {
		tx := *st.CurrentTransactionId
		req.TransactionId = &tx
	}
	return req
}

type startTransactionBuilder struct{}

func (startTransactionBuilder) Action() ocpp.Action { return ocpp.ActionStartTransaction }

func (startTransactionBuilder) Build(st *models.Station, p Payload, now time.Time) any {
	return &StartTransactionRequest{
		ConnectorId: connectorId,
		IdTag:       stringOr(p.IdTag, ""),
		MeterStart:  st.MeterValue,
		Timestamp:   types.NewDateTime(timeOr(p.Timestamp, now)),
	}
}

type statusNotificationBuilder struct{}

func (statusNotificationBuilder) Action() ocpp.Action { return ocpp.ActionStatusNotification }

func (statusNotificationBuilder) Build(_ *models.Station, p Payload, now time.Time) any {
	req := &StatusNotificationRequest{
		ConnectorId: connectorId,
		ErrorCode:   core.NoError,
		Status:      core.ChargePointStatusAvailable,
		Timestamp:   types.NewDateTime(timeOr(p.Timestamp, now)),
	}
	if p.ErrorCode != nil {
		req.ErrorCode = *p.ErrorCode
	}
	if p.Status != nil {
		req.Status = *p.Status
	}
	return req
}

type stopTransactionBuilder struct{}

func (stopTransactionBuilder) Action() ocpp.Action { return ocpp.ActionStopTransaction }

func (stopTransactionBuilder) Build(st *models.Station, p Payload, now time.Time) any {
	req := &StopTransactionRequest{
		MeterStop:       st.MeterValue,
		Timestamp:       types.NewDateTime(timeOr(p.Timestamp, now)),
		TransactionData: p.TransactionData,
	}
	if p.TransactionId != nil {
		tx := *p.TransactionId
		req.TransactionId = &tx
	} else if st.CurrentTransactionId != nil {
		tx := *st.CurrentTransactionId
		req.TransactionId = &tx
	}
	return req
}

func stringOr(v *string, def string) string {
	if v != nil {
		return *v
	}
	return def
}

func timeOr(v *time.Time, def time.Time) time.Time {
	if v != nil {
		return *v
	}
	return def
}
