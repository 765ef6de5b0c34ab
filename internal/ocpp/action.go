package ocpp

import (
	"strings"

	"github.com/lorenzodonini/ocpp-go/ocpp1.6/core"
)

// Action is the closed set of OCPP operations this simulator speaks.
type Action int

const (
	ActionUnknown Action = iota

	// initiated by the charge point
	ActionAuthorize
	ActionBootNotification
	ActionHeartbeat
	ActionMeterValues
	ActionStartTransaction
	ActionStatusNotification
	ActionStopTransaction

	// initiated by the central system
	ActionRemoteStartTransaction
	ActionRemoteStopTransaction
	ActionReset
)

var actionNames = map[Action]string{
	ActionAuthorize:              core.AuthorizeFeatureName,
	ActionBootNotification:       core.BootNotificationFeatureName,
	ActionHeartbeat:              core.HeartbeatFeatureName,
	ActionMeterValues:            core.MeterValuesFeatureName,
	ActionStartTransaction:       core.StartTransactionFeatureName,
	ActionStatusNotification:     core.StatusNotificationFeatureName,
	ActionStopTransaction:        core.StopTransactionFeatureName,
	ActionRemoteStartTransaction: core.RemoteStartTransactionFeatureName,
	ActionRemoteStopTransaction:  core.RemoteStopTransactionFeatureName,
	ActionReset:                  core.ResetFeatureName,
}

var actionsByName = func() map[string]Action {
	m := make(map[string]Action, len(actionNames))
	for a, name := range actionNames {
		m[strings.ToLower(name)] = a
	}
	return m
}()

// ParseAction resolves an operation name case-insensitively.
func ParseAction(name string) (Action, bool) {
	a, ok := actionsByName[strings.ToLower(strings.TrimSpace(name))]
	return a, ok
}

func (a Action) String() string {
	return actionNames[a]
}

// FromChargePoint reports whether the charge point is the initiator of a.
func (a Action) FromChargePoint() bool {
	return a >= ActionAuthorize && a <= ActionStopTransaction
}

// FromCentralSystem reports whether the central system is the initiator of a.
func (a Action) FromCentralSystem() bool {
	return a >= ActionRemoteStartTransaction && a <= ActionReset
}
