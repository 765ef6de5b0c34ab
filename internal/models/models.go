package models

import (
	"encoding/json"
	"time"
)

// Station is a simulated charge point. ChargeInProgress is true exactly when
// CurrentTransactionId is set.
type Station struct {
	Id                   int64     `json:"id"`
	Identity             string    `json:"identity"`
	Vendor               string    `json:"vendor"`
	Model                string    `json:"model"`
	CentralSystemUrl     string    `json:"centralSystemUrl"`
	MeterValue           int64     `json:"meterValue"`
	ChargeInProgress     bool      `json:"chargeInProgress"`
	CurrentTransactionId *int      `json:"currentTransactionId"`
	CurrentChargingPower int64     `json:"currentChargingPower"`
	CreatedAt            time.Time `json:"createdAt"`
	UpdatedAt            time.Time `json:"updatedAt"`
}

// StationUpdate carries the fields to change; nil fields are left untouched.
// ClearTransaction sets CurrentTransactionId to null and wins over
// CurrentTransactionId.
type StationUpdate struct {
	Identity             *string
	CentralSystemUrl     *string
	MeterValue           *int64
	CurrentChargingPower *int64
	ChargeInProgress     *bool
	CurrentTransactionId *int
	ClearTransaction     bool
}

func StartCharging(transactionId int) StationUpdate {
	inProgress := true
	return StationUpdate{ChargeInProgress: &inProgress, CurrentTransactionId: &transactionId}
}

func StopCharging() StationUpdate {
	inProgress := false
	return StationUpdate{ChargeInProgress: &inProgress, ClearTransaction: true}
}

// Apply copies the provided fields onto s.
func (u StationUpdate) Apply(s *Station) {
	if u.Identity != nil {
		s.Identity = *u.Identity
	}
	if u.CentralSystemUrl != nil {
		s.CentralSystemUrl = *u.CentralSystemUrl
	}
	if u.MeterValue != nil {
		s.MeterValue = *u.MeterValue
	}
	if u.CurrentChargingPower != nil {
		s.CurrentChargingPower = *u.CurrentChargingPower
	}
	if u.ChargeInProgress != nil {
		s.ChargeInProgress = *u.ChargeInProgress
	}
	if u.ClearTransaction {
		s.CurrentTransactionId = nil
	} else if u.CurrentTransactionId != nil {
		tx := *u.CurrentTransactionId
		s.CurrentTransactionId = &tx
	}
}

type StationFilter struct {
	Identity string
}

// Operation is an audit row for an API-triggered Call.
type Operation struct {
	OperationId  string          `json:"operationId"`
	StationId    int64           `json:"stationId"`
	Identity     string          `json:"identity"`
	Action       string          `json:"action"`
	RequestJSON  json.RawMessage `json:"request,omitempty"`
	ResponseJSON json.RawMessage `json:"response,omitempty"`
	Status       string          `json:"status"`
	Error        *string         `json:"error,omitempty"`
	CreatedAt    time.Time       `json:"createdAt"`
	UpdatedAt    time.Time       `json:"updatedAt"`
}

const (
	OperationQueued   = "Queued"
	OperationSent     = "Sent"
	OperationAnswered = "Answered"
	OperationTimeout  = "Timeout"
	OperationFailed   = "Failed"
)
