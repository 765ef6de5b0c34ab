package handler

import (
	"context"
	"fmt"

	"github.com/gorilla/websocket"
	"github.com/lorenzodonini/ocpp-go/ocpp1.6/core"
	"github.com/lorenzodonini/ocpp-go/ocpp1.6/types"
	"github.com/sirupsen/logrus"

	"github.com/virta-ltd/virtual-ocpp-j-server/internal/message"
	"github.com/virta-ltd/virtual-ocpp-j-server/internal/models"
	"github.com/virta-ltd/virtual-ocpp-j-server/internal/ocpp"
)

const resetReason = "Reset requested by Central System"

type remoteStartTransaction struct{ Deps }

// Handle rejects while a charge is already running; otherwise it accepts
// and follows up with a StartTransaction for the requested idTag.
func (h remoteStartTransaction) Handle(_ context.Context, s Session, st *models.Station, f *ocpp.Frame) error {
	var req core.RemoteStartTransactionRequest
	if err := f.DecodePayload(&req); err != nil {
		_ = s.SendResult(f.UniqueId, core.NewRemoteStartTransactionConfirmation(types.RemoteStartStopStatusRejected))
		return fmt.Errorf("decode RemoteStartTransaction: %w", err)
	}

	if st.ChargeInProgress {
		h.Log.WithField("station", st.Identity).Info("remote start rejected, charge already in progress")
		return s.SendResult(f.UniqueId, core.NewRemoteStartTransactionConfirmation(types.RemoteStartStopStatusRejected))
	}
	if err := s.SendResult(f.UniqueId, core.NewRemoteStartTransactionConfirmation(types.RemoteStartStopStatusAccepted)); err != nil {
		return err
	}

	idTag := req.IdTag
	call := h.Generator.Create(ocpp.ActionStartTransaction, st, s.ReserveMessageID(), &message.Payload{IdTag: &idTag})
	return s.SendCall(call)
}

type remoteStopTransaction struct{ Deps }

// Handle accepts only when the requested transaction is the station's
// current one, and then sends StopTransaction.
func (h remoteStopTransaction) Handle(ctx context.Context, s Session, st *models.Station, f *ocpp.Frame) error {
	var req core.RemoteStopTransactionRequest
	if err := f.DecodePayload(&req); err != nil {
		_ = s.SendResult(f.UniqueId, core.NewRemoteStopTransactionConfirmation(types.RemoteStartStopStatusRejected))
		return fmt.Errorf("decode RemoteStopTransaction: %w", err)
	}

	if err := h.Store.Reload(ctx, st); err != nil {
		h.Log.WithError(err).WithField("station", st.Identity).Warn("reload failed, using cached station")
	}

	if st.CurrentTransactionId == nil || *st.CurrentTransactionId != req.TransactionId {
		return s.SendResult(f.UniqueId, core.NewRemoteStopTransactionConfirmation(types.RemoteStartStopStatusRejected))
	}
	if err := s.SendResult(f.UniqueId, core.NewRemoteStopTransactionConfirmation(types.RemoteStartStopStatusAccepted)); err != nil {
		return err
	}

	tx := req.TransactionId
	call := h.Generator.Create(ocpp.ActionStopTransaction, st, s.ReserveMessageID(), &message.Payload{TransactionId: &tx})
	return s.SendCall(call)
}

type reset struct{ Deps }

// Handle accepts, clears the transaction and closes the connection with
// 1012 (service restart).
func (h reset) Handle(ctx context.Context, s Session, st *models.Station, f *ocpp.Frame) error {
	var req core.ResetRequest
	if err := f.DecodePayload(&req); err != nil {
		h.Log.WithError(err).WithField("station", st.Identity).Warn("unreadable reset request, resetting anyway")
	}

	if err := s.SendResult(f.UniqueId, core.NewResetConfirmation(core.ResetStatusAccepted)); err != nil {
		return err
	}
	s.StopMetering()
	h.persist(ctx, st, models.StopCharging())

	h.Log.WithFields(logrus.Fields{"station": st.Identity, "type": req.Type}).Info("closing connection for reset")
	s.Close(websocket.CloseServiceRestart, resetReason)
	return nil
}
