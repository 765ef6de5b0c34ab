package models

import (
	"encoding/json"
	"time"
)

const (
	TopicStationConnected    = "station.connected"
	TopicStationDisconnected = "station.disconnected"
	TopicTransactionStarted  = "transaction.started"
	TopicTransactionStopped  = "transaction.stopped"
	TopicMeterValues         = "meter.values"
)

type StationEvent struct {
	StationId     int64     `json:"stationId"`
	Identity      string    `json:"identity"`
	MeterValue    int64     `json:"meterValue"`
	TransactionId *int      `json:"transactionId,omitempty"`
	Code          int       `json:"code,omitempty"`
	Reason        string    `json:"reason,omitempty"`
	Time          time.Time `json:"time"`
}

func NewStationEvent(st Station, at time.Time) StationEvent {
	ev := StationEvent{StationId: st.Id, Identity: st.Identity, MeterValue: st.MeterValue, Time: at}
	if st.CurrentTransactionId != nil {
		tx := *st.CurrentTransactionId
		ev.TransactionId = &tx
	}
	return ev
}

// OperationResult is the outcome of an API-triggered Call. Response is null
// when the central system did not answer in time.
type OperationResult struct {
	Request  json.RawMessage `json:"request"`
	Response json.RawMessage `json:"response"`
}
