package message

import (
	"encoding/json"
	"time"

	"github.com/lorenzodonini/ocpp-go/ocpp1.6/core"
	"github.com/lorenzodonini/ocpp-go/ocpp1.6/types"
)

// Payload holds caller overrides for an outbound request. Every field is
// optional; a set field wins over the station-derived default.
type Payload struct {
	IdTag         *string `json:"idTag,omitempty" validate:"omitempty,min=1,max=20"`
	TransactionId *int    `json:"transactionId,omitempty" validate:"omitempty,min=0"`

	Vendor *string `json:"vendor,omitempty" validate:"omitempty,max=20"`
	Model  *string `json:"model,omitempty" validate:"omitempty,max=20"`

	Value     *int64                `json:"value,omitempty" validate:"omitempty,min=0"`
	Context   *types.ReadingContext `json:"context,omitempty"`
	Measurand *types.Measurand      `json:"measurand,omitempty"`
	Unit      *types.UnitOfMeasure  `json:"unit,omitempty"`
	Location  *types.Location       `json:"location,omitempty"`

	ErrorCode *core.ChargePointErrorCode `json:"errorCode,omitempty"`
	Status    *core.ChargePointStatus    `json:"status,omitempty"`

	Timestamp       *time.Time      `json:"timestamp,omitempty"`
	TransactionData json.RawMessage `json:"transactionData,omitempty"`
}

type AuthorizeRequest struct {
	IdTag string `json:"idTag"`
}

type BootNotificationRequest struct {
	ChargePointVendor string `json:"chargePointVendor"`
	ChargePointModel  string `json:"chargePointModel"`
}

type HeartbeatRequest struct{}

type SampledValue struct {
	Value     int64                `json:"value"`
	Context   types.ReadingContext `json:"context,omitempty"`
	Measurand types.Measurand      `json:"measurand,omitempty"`
	Unit      types.UnitOfMeasure  `json:"unit,omitempty"`
	Location  types.Location       `json:"location,omitempty"`
}

type MeterValue struct {
	Timestamp    *types.DateTime `json:"timestamp"`
	SampledValue []SampledValue  `json:"sampledValue"`
}

type MeterValuesRequest struct {
	ConnectorId   int          `json:"connectorId"`
	MeterValue    []MeterValue `json:"meterValue"`
	TransactionId *int         `json:"transactionId,omitempty"`
}

type StartTransactionRequest struct {
	ConnectorId int             `json:"connectorId"`
	IdTag       string          `json:"idTag"`
	MeterStart  int64           `json:"meterStart"`
	Timestamp   *types.DateTime `json:"timestamp"`
}

type StatusNotificationRequest struct {
	ConnectorId int                       `json:"connectorId"`
	ErrorCode   core.ChargePointErrorCode `json:"errorCode"`
	Status      core.ChargePointStatus    `json:"status"`
	Timestamp   *types.DateTime           `json:"timestamp,omitempty"`
}

type StopTransactionRequest struct {
	TransactionId   *int            `json:"transactionId"`
	MeterStop       int64           `json:"meterStop"`
	Timestamp       *types.DateTime `json:"timestamp"`
	TransactionData json.RawMessage `json:"transactionData,omitempty"`
}
