package services

import (
	"errors"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/virta-ltd/virtual-ocpp-j-server/internal/message"
	"github.com/virta-ltd/virtual-ocpp-j-server/internal/models"
	"github.com/virta-ltd/virtual-ocpp-j-server/internal/ocpp"
	"github.com/virta-ltd/virtual-ocpp-j-server/internal/session"
)

// connection binds one session to the station it simulates. Its station copy
// is only touched from the session's mailbox.
type connection struct {
	*session.Session
	m  *SessionManager
	st *models.Station
}

func (c *connection) OnOpen(*session.Session) {
	c.Log().Info("connection opened")

	c.send(ocpp.ActionBootNotification, nil)
	c.SetHeartbeat(c.m.cfg.HeartbeatInterval, c.heartbeatTick)
	if c.st.ChargeInProgress {
		c.StartMetering()
	}

	c.touchPresence()
	c.m.publish(models.TopicStationConnected, models.NewStationEvent(*c.st, c.m.now()))
}

func (c *connection) OnMessage(_ *session.Session, data []byte) {
	f, err := ocpp.Parse(data)
	if err != nil {
		c.Log().WithError(err).Errorf("error parsing message: %s", data)
		return
	}

	ctx, cancel := c.m.storeContext()
	defer cancel()

	switch f.Type {
	case ocpp.CallType:
		c.Log().Infof("received call for operation %s: %s", f.ActionName, data)
		c.m.dispatcher.HandleCall(ctx, c, c.st, f)

	case ocpp.CallResultType:
		if !c.MatchesLastMessageID(f.UniqueId) {
			c.Log().Errorf("received incorrect message id, last sent %d: %s", c.LastMessageID(), data)
			return
		}
		action := c.Outstanding()
		c.Log().Infof("received call result for operation %s: %s", action, data)
		c.m.dispatcher.HandleResult(ctx, c, c.st, action, f)
		c.ReleaseLease()
		c.Resolve(f.Raw)

	case ocpp.CallErrorType:
		if !c.MatchesLastMessageID(f.UniqueId) {
			c.Log().Errorf("received call error for unknown message id: %s", data)
			return
		}
		c.Log().WithFields(logrus.Fields{"code": f.ErrorCode, "action": c.Outstanding().String()}).
			Warnf("central system answered with error: %s", f.ErrorDescription)
		c.ReleaseLease()
		c.Resolve(f.Raw)
	}
}

func (c *connection) OnClose(_ *session.Session, code int, reason string) {
	d := time.Since(c.ConnectedAt()).Truncate(time.Second)
	c.Log().WithFields(logrus.Fields{"code": code, "reason": reason}).
		Infof("connection closed after %d minutes & %d seconds", int(d.Minutes()), int(d.Seconds())%60)

	c.m.registry.Remove(c.Identity(), c.Session)

	ctx, cancel := c.m.storeContext()
	defer cancel()
	if err := c.m.presence.Remove(ctx, c.Identity()); err != nil {
		c.Log().WithError(err).Warn("failed to clear presence")
	}

	ev := models.NewStationEvent(*c.st, c.m.now())
	ev.Code, ev.Reason = code, reason
	c.m.publish(models.TopicStationDisconnected, ev)
}

// StartMetering (re)arms the metering job.
func (c *connection) StartMetering() {
	c.SetMetering(c.m.cfg.MeterValuesInterval, c.meterTick)
}

// heartbeatTick stays quiet while metering traffic is flowing.
func (c *connection) heartbeatTick() {
	c.touchPresence()
	if c.MeteringActive() {
		return
	}
	c.send(ocpp.ActionHeartbeat, nil)
}

// meterTick adds the energy used since the station's last persisted update
// and reports the new register value.
func (c *connection) meterTick() {
	ctx, cancel := c.m.storeContext()
	defer cancel()

	if err := c.m.store.Reload(ctx, c.st); err != nil {
		c.Log().WithError(err).Warn("reload failed, metering from cached station")
	}

	now := c.m.now()
	meter := c.st.MeterValue + CalculatePowerUsageInWh(c.st.UpdatedAt, c.st.CurrentChargingPower, now)
	u := models.StationUpdate{MeterValue: &meter}
	u.Apply(c.st)
	c.st.UpdatedAt = now
	if err := c.m.store.Update(ctx, c.st, u); err != nil {
		c.Log().WithError(err).Error("failed to persist meter value")
	}

	c.send(ocpp.ActionMeterValues, &message.Payload{Value: &meter})
	c.m.publish(models.TopicMeterValues, models.NewStationEvent(*c.st, now))
}

func (c *connection) send(action ocpp.Action, p *message.Payload) {
	call := c.m.generator.Create(action, c.st, c.ReserveMessageID(), p)
	if call == nil {
		return
	}
	if err := c.SendCall(call); err != nil && !errors.Is(err, session.ErrCallInFlight) {
		c.Log().WithError(err).WithField("action", action.String()).Warn("call not sent")
	}
}

func (c *connection) touchPresence() {
	ctx, cancel := c.m.storeContext()
	defer cancel()
	if err := c.m.presence.Touch(ctx, c.Identity()); err != nil {
		c.Log().WithError(err).Warn("failed to refresh presence")
	}
}
