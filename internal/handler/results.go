package handler

import (
	"context"
	"fmt"

	"github.com/lorenzodonini/ocpp-go/ocpp1.6/core"
	"github.com/lorenzodonini/ocpp-go/ocpp1.6/types"
	"github.com/sirupsen/logrus"

	"github.com/virta-ltd/virtual-ocpp-j-server/internal/models"
	"github.com/virta-ltd/virtual-ocpp-j-server/internal/ocpp"
)

type startTransactionResult struct{ Deps }

// Handle moves the station to charging on an Accepted idTag with a positive
// transaction id. Anything else leaves it idle.
func (h startTransactionResult) Handle(ctx context.Context, s Session, st *models.Station, f *ocpp.Frame) error {
	var conf core.StartTransactionConfirmation
	if err := f.DecodePayload(&conf); err != nil {
		return fmt.Errorf("decode StartTransaction result: %w", err)
	}

	log := h.Log.WithFields(logrus.Fields{"station": st.Identity, "transactionId": conf.TransactionId})
	if conf.IdTagInfo == nil || conf.IdTagInfo.Status != types.AuthorizationStatusAccepted {
		log.Info("start transaction not accepted")
		return nil
	}
	if conf.TransactionId <= 0 {
		log.Warn("start transaction accepted without a usable transaction id")
		return nil
	}

	h.persist(ctx, st, models.StartCharging(conf.TransactionId))
	s.StartMetering()
	h.events().TransactionStarted(*st)
	log.Info("charging started")
	return nil
}

type stopTransactionResult struct{ Deps }

// Handle returns the station to idle unless the idTag was explicitly
// refused, then advertises Available after a short delay.
func (h stopTransactionResult) Handle(ctx context.Context, s Session, st *models.Station, f *ocpp.Frame) error {
	var conf core.StopTransactionConfirmation
	if err := f.DecodePayload(&conf); err != nil {
		return fmt.Errorf("decode StopTransaction result: %w", err)
	}

	log := h.Log.WithField("station", st.Identity)
	if conf.IdTagInfo != nil && conf.IdTagInfo.Status != types.AuthorizationStatusAccepted {
		log.WithField("status", conf.IdTagInfo.Status).Info("stop transaction not accepted, still charging")
		return nil
	}

	s.StopMetering()
	stopped := *st
	h.persist(ctx, st, models.StopCharging())
	h.events().TransactionStopped(stopped)
	log.Info("charging stopped")

	s.After(h.StatusNotificationDelay, func() {
		call := h.Generator.Create(ocpp.ActionStatusNotification, st, s.ReserveMessageID(), nil)
		if err := s.SendCall(call); err != nil {
			log.WithError(err).Warn("status notification not sent")
		}
	})
	return nil
}
