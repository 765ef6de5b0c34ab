package services

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/virta-ltd/virtual-ocpp-j-server/internal/message"
	"github.com/virta-ltd/virtual-ocpp-j-server/internal/models"
	"github.com/virta-ltd/virtual-ocpp-j-server/internal/ocpp"
	"github.com/virta-ltd/virtual-ocpp-j-server/internal/session"
)

func TestCalculatePowerUsageInWh(t *testing.T) {
	start := time.Date(2024, 1, 1, 10, 0, 0, 0, time.UTC)

	assert.Equal(t, int64(11000), CalculatePowerUsageInWh(start, 11000, start.Add(time.Hour)))
	assert.Equal(t, int64(3666), CalculatePowerUsageInWh(start, 11000, start.Add(20*time.Minute)))
	assert.Equal(t, int64(0), CalculatePowerUsageInWh(start, 11000, start))
	assert.Equal(t, int64(0), CalculatePowerUsageInWh(start, 11000, start.Add(-time.Minute)))
	assert.Equal(t, int64(0), CalculatePowerUsageInWh(start, 0, start.Add(time.Hour)))
}

func TestOpenSendsBootAndAnnounces(t *testing.T) {
	h := newHarness(t, testConfig())
	_, s, conn := h.connect(t, models.Station{Identity: "CP-1", Vendor: "Virta", Model: "VCP"})

	frames := conn.frames()
	require.NotEmpty(t, frames)
	assert.Equal(t, ocpp.ActionBootNotification, frames[0].Action)
	assert.Equal(t, "1", frames[0].UniqueId)

	var boot message.BootNotificationRequest
	require.NoError(t, frames[0].DecodePayload(&boot))
	assert.Equal(t, "Virta", boot.ChargePointVendor)

	assert.True(t, h.manager.Connected("CP-1"))
	assert.True(t, h.presence.isPresent("CP-1"))
	assert.Contains(t, h.publisher.topics(), models.TopicStationConnected)
	assert.False(t, s.MeteringActive())
}

func TestConnectFailureLeavesNoSession(t *testing.T) {
	h := newHarness(t, testConfig())

	s, err := h.manager.Connect(context.Background(), models.Station{Identity: "UNREACHABLE"})
	assert.Error(t, err)
	assert.Nil(t, s)
	assert.False(t, h.manager.Connected("UNREACHABLE"))
}

func TestConnectReusesOpenSession(t *testing.T) {
	h := newHarness(t, testConfig())
	st, s, _ := h.connect(t, models.Station{Identity: "CP-1"})

	again, err := h.manager.Connect(context.Background(), st)
	require.NoError(t, err)
	assert.Same(t, s, again)
	assert.Equal(t, 1, h.dials)
}

func TestHeartbeatSentWhileIdle(t *testing.T) {
	cfg := testConfig()
	cfg.HeartbeatInterval = 5 * time.Millisecond
	h := newHarness(t, cfg)
	_, _, conn := h.connect(t, models.Station{Identity: "CP-1"})

	hb := conn.waitCall(t, ocpp.ActionHeartbeat)
	conn.reply(hb.UniqueId, `{"currentTime":"2024-01-01T00:00:00Z"}`)
	assert.Eventually(t, func() bool { return len(conn.calls(ocpp.ActionHeartbeat)) >= 2 }, time.Second, time.Millisecond)
}

func TestHeartbeatSuppressedWhileMetering(t *testing.T) {
	cfg := testConfig()
	cfg.HeartbeatInterval = 5 * time.Millisecond
	h := newHarness(t, cfg)
	_, s, conn := h.connect(t, models.Station{Identity: "CP-1", ChargeInProgress: true, CurrentTransactionId: ptr(3)})

	assert.True(t, s.MeteringActive())
	time.Sleep(50 * time.Millisecond)
	assert.Empty(t, conn.calls(ocpp.ActionHeartbeat))

	h.presence.mu.Lock()
	touched := h.presence.touched["CP-1"]
	h.presence.mu.Unlock()
	assert.Greater(t, touched, 1)
}

func TestMeterTickAccumulatesEnergy(t *testing.T) {
	cfg := testConfig()
	h := newHarness(t, cfg)
	now := time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC)
	h.manager.now = func() time.Time { return now }
	h.store.now = func() time.Time { return now }

	st, s, conn := h.connect(t, models.Station{
		Identity:             "CP-1",
		MeterValue:           100,
		ChargeInProgress:     true,
		CurrentTransactionId: ptr(3),
		CurrentChargingPower: 11000,
		UpdatedAt:            now.Add(-20 * time.Minute),
	})

	c := s.Handler().(*connection)
	require.True(t, s.Post(c.meterTick))

	mv := conn.waitCall(t, ocpp.ActionMeterValues)
	var req message.MeterValuesRequest
	require.NoError(t, mv.DecodePayload(&req))
	require.Len(t, req.MeterValue, 1)
	assert.Equal(t, int64(3766), req.MeterValue[0].SampledValue[0].Value)
	require.NotNil(t, req.TransactionId)
	assert.Equal(t, 3, *req.TransactionId)

	stored := h.store.get(st.Id)
	assert.Equal(t, int64(3766), stored.MeterValue)
	assert.Equal(t, now, stored.UpdatedAt)
	assert.Contains(t, h.publisher.topics(), models.TopicMeterValues)
}

func TestMismatchedResultDoesNotReachHandler(t *testing.T) {
	h := newHarness(t, testConfig())
	st, s, conn := h.connect(t, models.Station{Identity: "CP-1"})

	done := make(chan *models.OperationResult, 1)
	go func() {
		res, _ := h.manager.SendOperation(context.Background(), "CP-1", "StartTransaction", message.Payload{IdTag: ptr("TAG")})
		done <- res
	}()
	call := conn.waitCall(t, ocpp.ActionStartTransaction)

	conn.reply("999", `{"idTagInfo":{"status":"Accepted"},"transactionId":9}`)
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, ocpp.ActionStartTransaction, s.Outstanding())
	assert.False(t, h.store.get(st.Id).ChargeInProgress)

	conn.reply(call.UniqueId, `{"idTagInfo":{"status":"Accepted"},"transactionId":9}`)
	res := <-done
	require.NotNil(t, res)
	assert.NotNil(t, res.Response)
	assert.True(t, h.store.get(st.Id).ChargeInProgress)
	assert.True(t, s.MeteringActive())
}

func TestSendOperationReturnsRequestAndResponse(t *testing.T) {
	h := newHarness(t, testConfig())
	_, s, conn := h.connect(t, models.Station{Identity: "CP-1"})

	done := make(chan *models.OperationResult, 1)
	go func() {
		res, err := h.manager.SendOperation(context.Background(), "CP-1", "authorize", message.Payload{IdTag: ptr("TAG")})
		assert.NoError(t, err)
		done <- res
	}()
	call := conn.waitCall(t, ocpp.ActionAuthorize)
	conn.reply(call.UniqueId, `{"idTagInfo":{"status":"Accepted"}}`)

	res := <-done
	require.NotNil(t, res)
	assert.JSONEq(t, `[2,"`+call.UniqueId+`","Authorize",{"idTag":"TAG"}]`, string(res.Request))
	assert.JSONEq(t, `[3,"`+call.UniqueId+`",{"idTagInfo":{"status":"Accepted"}}]`, string(res.Response))
	assert.Equal(t, ocpp.ActionUnknown, s.Outstanding())
}

func TestSendOperationTimeoutIsSoft(t *testing.T) {
	cfg := testConfig()
	cfg.WaitTimeout = 30 * time.Millisecond
	h := newHarness(t, cfg)
	h.connect(t, models.Station{Identity: "CP-1"})

	res, err := h.manager.SendOperation(context.Background(), "CP-1", "Heartbeat", message.Payload{})
	require.NoError(t, err)
	require.NotNil(t, res)
	assert.NotEmpty(t, res.Request)
	assert.Nil(t, res.Response)

	b, err := json.Marshal(res)
	require.NoError(t, err)
	assert.Contains(t, string(b), `"response":null`)
}

func TestSendOperationCallErrorResolves(t *testing.T) {
	h := newHarness(t, testConfig())
	_, s, conn := h.connect(t, models.Station{Identity: "CP-1"})

	done := make(chan *models.OperationResult, 1)
	go func() {
		res, _ := h.manager.SendOperation(context.Background(), "CP-1", "Heartbeat", message.Payload{})
		done <- res
	}()
	call := conn.waitCall(t, ocpp.ActionHeartbeat)
	conn.inbound <- []byte(`[4,"` + call.UniqueId + `","InternalError","boom",{}]`)

	res := <-done
	require.NotNil(t, res)
	assert.Contains(t, string(res.Response), "InternalError")
	assert.Equal(t, ocpp.ActionUnknown, s.Outstanding())
}

func TestSendOperationRejectsWhileCallInFlight(t *testing.T) {
	h := newHarness(t, testConfig())
	_, _, conn := h.connect(t, models.Station{Identity: "CP-1"})

	go func() { _, _ = h.manager.SendOperation(context.Background(), "CP-1", "Heartbeat", message.Payload{}) }()
	conn.waitCall(t, ocpp.ActionHeartbeat)

	_, err := h.manager.SendOperation(context.Background(), "CP-1", "Authorize", message.Payload{IdTag: ptr("T")})
	assert.ErrorIs(t, err, session.ErrCallInFlight)
	assert.Empty(t, conn.calls(ocpp.ActionAuthorize))
}

func TestRejectedOperationKeepsPendingWaiter(t *testing.T) {
	h := newHarness(t, testConfig())
	_, _, conn := h.connect(t, models.Station{Identity: "CP-1"})

	first := make(chan *models.OperationResult, 1)
	go func() {
		res, err := h.manager.SendOperation(context.Background(), "CP-1", "Heartbeat", message.Payload{})
		assert.NoError(t, err)
		first <- res
	}()
	hb := conn.waitCall(t, ocpp.ActionHeartbeat)

	_, err := h.manager.SendOperation(context.Background(), "CP-1", "Authorize", message.Payload{IdTag: ptr("T")})
	require.ErrorIs(t, err, session.ErrCallInFlight)

	conn.reply(hb.UniqueId, `{"currentTime":"2024-01-01T00:00:00Z"}`)
	res := <-first
	require.NotNil(t, res)
	require.NotNil(t, res.Response)
	assert.Contains(t, string(res.Response), hb.UniqueId)
}

func TestSendOperationUsesStoredStation(t *testing.T) {
	h := newHarness(t, testConfig())
	st, _, conn := h.connect(t, models.Station{Identity: "CP-1", MeterValue: 10})

	st.MeterValue = 5000
	h.store.put(st)

	go func() {
		_, _ = h.manager.SendOperation(context.Background(), "CP-1", "StartTransaction", message.Payload{IdTag: ptr("TAG")})
	}()
	call := conn.waitCall(t, ocpp.ActionStartTransaction)

	var req message.StartTransactionRequest
	require.NoError(t, call.DecodePayload(&req))
	assert.Equal(t, int64(5000), req.MeterStart)
	assert.Equal(t, "TAG", req.IdTag)
}

func TestSendOperationErrors(t *testing.T) {
	h := newHarness(t, testConfig())

	_, err := h.manager.SendOperation(context.Background(), "CP-1", "Heartbeat", message.Payload{})
	assert.ErrorIs(t, err, ErrNotConnected)

	h.connect(t, models.Station{Identity: "CP-1"})
	for _, op := range []string{"Reset", "RemoteStartTransaction", "DataTransfer", ""} {
		_, err = h.manager.SendOperation(context.Background(), "CP-1", op, message.Payload{})
		assert.ErrorIs(t, err, ErrUnknownOperation, op)
	}
}

func TestCloseUnblocksPendingOperation(t *testing.T) {
	h := newHarness(t, testConfig())
	_, _, conn := h.connect(t, models.Station{Identity: "CP-1"})

	done := make(chan *models.OperationResult, 1)
	go func() {
		res, _ := h.manager.SendOperation(context.Background(), "CP-1", "Heartbeat", message.Payload{})
		done <- res
	}()
	conn.waitCall(t, ocpp.ActionHeartbeat)
	require.NoError(t, conn.Close())

	select {
	case res := <-done:
		require.NotNil(t, res)
		assert.Nil(t, res.Response)
	case <-time.After(500 * time.Millisecond):
		t.Fatal("pending operation not released by close")
	}
	assert.Eventually(t, func() bool { return !h.manager.Connected("CP-1") }, time.Second, time.Millisecond)
	assert.Eventually(t, func() bool { return !h.presence.isPresent("CP-1") }, time.Second, time.Millisecond)
}

func TestRemoteStartThenStopLifecycle(t *testing.T) {
	h := newHarness(t, testConfig())
	st, s, conn := h.connect(t, models.Station{Identity: "CP-1", MeterValue: 10})

	conn.inbound <- []byte(`[2,"cs-1","RemoteStartTransaction",{"idTag":"TAG1"}]`)
	start := conn.waitCall(t, ocpp.ActionStartTransaction)
	var startReq message.StartTransactionRequest
	require.NoError(t, start.DecodePayload(&startReq))
	assert.Equal(t, "TAG1", startReq.IdTag)
	assert.Equal(t, int64(10), startReq.MeterStart)

	conn.reply(start.UniqueId, `{"idTagInfo":{"status":"Accepted"},"transactionId":77}`)
	require.Eventually(t, s.MeteringActive, time.Second, time.Millisecond)
	stored := h.store.get(st.Id)
	assert.True(t, stored.ChargeInProgress)
	assert.Equal(t, 77, *stored.CurrentTransactionId)

	conn.inbound <- []byte(`[2,"cs-2","RemoteStopTransaction",{"transactionId":77}]`)
	stop := conn.waitCall(t, ocpp.ActionStopTransaction)
	var stopReq message.StopTransactionRequest
	require.NoError(t, stop.DecodePayload(&stopReq))
	assert.Equal(t, 77, *stopReq.TransactionId)

	conn.reply(stop.UniqueId, `{"idTagInfo":{"status":"Accepted"}}`)
	status := conn.waitCall(t, ocpp.ActionStatusNotification)
	var statusReq message.StatusNotificationRequest
	require.NoError(t, status.DecodePayload(&statusReq))
	assert.Equal(t, "Available", string(statusReq.Status))
	assert.Equal(t, "NoError", string(statusReq.ErrorCode))

	assert.False(t, s.MeteringActive())
	stored = h.store.get(st.Id)
	assert.False(t, stored.ChargeInProgress)
	assert.Nil(t, stored.CurrentTransactionId)
	assert.Subset(t, h.publisher.topics(), []string{models.TopicTransactionStarted, models.TopicTransactionStopped})

	var results []string
	for _, f := range conn.frames() {
		if f.Type == ocpp.CallResultType {
			results = append(results, string(f.Payload))
		}
	}
	assert.Equal(t, []string{`{"status":"Accepted"}`, `{"status":"Accepted"}`}, results)
}

func TestResetClosesSession(t *testing.T) {
	h := newHarness(t, testConfig())
	st, s, conn := h.connect(t, models.Station{Identity: "CP-1", ChargeInProgress: true, CurrentTransactionId: ptr(4)})

	conn.inbound <- []byte(`[2,"cs-9","Reset",{"type":"Soft"}]`)

	select {
	case <-s.Done():
	case <-time.After(time.Second):
		t.Fatal("session not closed by reset")
	}
	conn.mu.Lock()
	assert.Equal(t, 1012, conn.closeCode)
	conn.mu.Unlock()

	stored := h.store.get(st.Id)
	assert.False(t, stored.ChargeInProgress)
	assert.Nil(t, stored.CurrentTransactionId)
	assert.Eventually(t, func() bool { return !h.manager.Connected("CP-1") }, time.Second, time.Millisecond)
	assert.Eventually(t, func() bool {
		topics := h.publisher.topics()
		return len(topics) > 0 && topics[len(topics)-1] == models.TopicStationDisconnected
	}, time.Second, time.Millisecond)
}

func TestSessionsSnapshot(t *testing.T) {
	h := newHarness(t, testConfig())
	h.connect(t, models.Station{Identity: "CP-2"})
	h.connect(t, models.Station{Identity: "CP-1"})

	infos := h.manager.Sessions()
	require.Len(t, infos, 2)
	assert.Equal(t, "CP-1", infos[0].Identity)
	assert.Equal(t, "CP-2", infos[1].Identity)
	assert.Equal(t, 1, infos[0].LastMessageId)
}
