package command

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"devlink-server/internal/model"
	"devlink-server/internal/perm"
	"devlink-server/internal/presence"
	"devlink-server/internal/task"
)

type recordedEvent struct {
	Event string
	Data  any
}

type testWriter struct {
	mu     sync.Mutex
	events []recordedEvent
	closed bool
	fail   bool
}

func (w *testWriter) WriteEvent(event string, data any) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.fail {
		return assert.AnError
	}
	w.events = append(w.events, recordedEvent{Event: event, Data: data})
	return nil
}

func (w *testWriter) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.closed = true
	return nil
}

func (w *testWriter) recorded() []recordedEvent {
	w.mu.Lock()
	defer w.mu.Unlock()
	out := make([]recordedEvent, len(w.events))
	copy(out, w.events)
	return out
}

type allowAll struct{}

func (allowAll) IsOwner(context.Context, string, string) (bool, error) { return true, nil }
func (allowAll) GetGrant(context.Context, string, string) (*model.ControlGrant, error) {
	return nil, nil
}

type denyAll struct{}

func (denyAll) IsOwner(context.Context, string, string) (bool, error) { return false, nil }
func (denyAll) GetGrant(context.Context, string, string) (*model.ControlGrant, error) {
	return nil, nil
}

type routerFixture struct {
	router   *Router
	registry *presence.Registry
	ledger   *task.Ledger
}

func newRouterFixture(t *testing.T, source perm.GrantSource) *routerFixture {
	t.Helper()
	registry := presence.NewRegistry()
	ledger := task.NewLedger(time.Hour)
	t.Cleanup(ledger.Close)
	oracle := perm.NewOracle(source, time.Minute)
	return &routerFixture{
		router:   NewRouter(oracle, registry, ledger),
		registry: registry,
		ledger:   ledger,
	}
}

func (f *routerFixture) connectDevice(deviceID string) (*presence.Session, *testWriter) {
	w := &testWriter{}
	s := f.registry.Register(model.Session{
		ID:            "sess-" + deviceID,
		PrincipalType: model.PrincipalDevice,
		PrincipalID:   deviceID,
		DeviceID:      deviceID,
	}, w)
	return s, w
}

func (f *routerFixture) connectController(controllerID string) (*presence.Session, *testWriter) {
	w := &testWriter{}
	s := f.registry.Register(model.Session{
		ID:            "csess-" + controllerID,
		PrincipalType: model.PrincipalController,
		PrincipalID:   controllerID,
	}, w)
	return s, w
}

func TestRouter_SubmitDispatchesToDevice(t *testing.T) {
	f := newRouterFixture(t, allowAll{})
	devSess, devWriter := f.connectDevice("d1")

	submitted, err := f.router.Submit(context.Background(), "ctrl-1", "d1", KindPhoto,
		map[string]any{"camera": "back"})
	require.NoError(t, err)
	assert.Equal(t, model.TaskDispatched, submitted.State)
	assert.Equal(t, devSess.ID, submitted.DeviceSessionID)

	events := devWriter.recorded()
	require.Len(t, events, 2) // device-status from Register, then the command
	assert.Equal(t, "device_command", events[1].Event)
	msg := events[1].Data.(Message)
	assert.Equal(t, submitted.ID, msg.TaskID)
	assert.Equal(t, KindPhoto, msg.Kind)
	assert.Equal(t, devSess.ID, msg.SessionID)
}

func TestRouter_SubmitForbidden(t *testing.T) {
	f := newRouterFixture(t, denyAll{})
	f.connectDevice("d1")

	_, err := f.router.Submit(context.Background(), "ctrl-1", "d1", KindPhoto, nil)
	var denied *perm.DeniedError
	require.ErrorAs(t, err, &denied)

	// Denied submissions leave no task behind.
	if _, ok := f.ledger.ActiveLiveTask("d1", "ctrl-1"); ok {
		t.Fatal("no task should exist after a denied submission")
	}
}

func TestRouter_SubmitInvalidParamsBeforeAuthz(t *testing.T) {
	f := newRouterFixture(t, denyAll{})

	_, err := f.router.Submit(context.Background(), "ctrl-1", "d1", KindAudio,
		map[string]any{"duration": 7})
	var invalid *InvalidParamsError
	require.ErrorAs(t, err, &invalid)
}

func TestRouter_SubmitOfflineDeviceFailsImmediately(t *testing.T) {
	f := newRouterFixture(t, allowAll{})

	submitted, err := f.router.Submit(context.Background(), "ctrl-1", "d1", KindAudio,
		map[string]any{"duration": 300})
	require.NoError(t, err)
	assert.Equal(t, model.TaskFailed, submitted.State)
	require.NotNil(t, submitted.Error)
	assert.Equal(t, model.ErrKindDeviceOffline, submitted.Error.Kind)

	got, err := f.router.GetStatus(submitted.ID, "ctrl-1")
	require.NoError(t, err)
	assert.Equal(t, model.TaskFailed, got.State)
}

func TestRouter_SubmitDeliveryFailureFailsTask(t *testing.T) {
	f := newRouterFixture(t, allowAll{})
	_, devWriter := f.connectDevice("d1")
	devWriter.fail = true

	submitted, err := f.router.Submit(context.Background(), "ctrl-1", "d1", KindLock, nil)
	require.NoError(t, err)
	assert.Equal(t, model.TaskFailed, submitted.State)
}

func TestRouter_ResponseRoundTrip(t *testing.T) {
	f := newRouterFixture(t, allowAll{})
	devSess, _ := f.connectDevice("d1")
	_, ctrlWriter := f.connectController("ctrl-1")

	submitted, err := f.router.Submit(context.Background(), "ctrl-1", "d1", KindPhoto, nil)
	require.NoError(t, err)

	f.router.HandleResponse(devSess.ID, "d1", Response{TaskID: submitted.ID, Status: "ack"})
	f.router.HandleResponse(devSess.ID, "d1", Response{
		TaskID: submitted.ID,
		Status: "ok",
		Result: json.RawMessage(`{"ref":"photo-7"}`),
	})

	got, err := f.router.GetStatus(submitted.ID, "ctrl-1")
	require.NoError(t, err)
	assert.Equal(t, model.TaskCompleted, got.State)

	events := ctrlWriter.recorded()
	require.Len(t, events, 1, "only the terminal outcome is pushed")
	assert.Equal(t, "command_response", events[0].Event)
	payload := events[0].Data.(map[string]any)
	assert.Equal(t, submitted.ID, payload["taskId"])
	assert.Equal(t, model.TaskCompleted, payload["state"])
}

func TestRouter_ResponseNotPushedToOtherControllers(t *testing.T) {
	f := newRouterFixture(t, allowAll{})
	devSess, _ := f.connectDevice("d1")
	_, ownerWriter := f.connectController("ctrl-1")
	_, bystanderWriter := f.connectController("ctrl-2")

	submitted, err := f.router.Submit(context.Background(), "ctrl-1", "d1", KindScreenshot, nil)
	require.NoError(t, err)
	f.router.HandleResponse(devSess.ID, "d1", Response{
		TaskID: submitted.ID,
		Status: "ok",
		Result: json.RawMessage(`{}`),
	})

	assert.Len(t, ownerWriter.recorded(), 1)
	assert.Empty(t, bystanderWriter.recorded())
}

func TestRouter_ResponseFromWrongDeviceDropped(t *testing.T) {
	f := newRouterFixture(t, allowAll{})
	f.connectDevice("d1")
	otherSess, _ := f.connectDevice("d2")

	submitted, err := f.router.Submit(context.Background(), "ctrl-1", "d1", KindPhoto, nil)
	require.NoError(t, err)

	f.router.HandleResponse(otherSess.ID, "d2", Response{
		TaskID: submitted.ID,
		Status: "ok",
		Result: json.RawMessage(`{}`),
	})

	got, err := f.router.GetStatus(submitted.ID, "ctrl-1")
	require.NoError(t, err)
	assert.Equal(t, model.TaskDispatched, got.State)
}

func TestRouter_UnknownTaskResponseIgnored(t *testing.T) {
	f := newRouterFixture(t, allowAll{})
	devSess, _ := f.connectDevice("d1")

	// Must not panic or create state.
	f.router.HandleResponse(devSess.ID, "d1", Response{TaskID: "nope", Status: "ok"})
	f.router.HandleResponse(devSess.ID, "d1", Response{Status: "ok"})
}

func TestRouter_ErrorResponseFailsTask(t *testing.T) {
	f := newRouterFixture(t, allowAll{})
	devSess, _ := f.connectDevice("d1")

	submitted, err := f.router.Submit(context.Background(), "ctrl-1", "d1", KindWipe, nil)
	require.NoError(t, err)

	f.router.HandleResponse(devSess.ID, "d1", Response{
		TaskID: submitted.ID,
		Status: "error",
		Error:  &model.TaskError{Kind: model.ErrKindDeviceError, Message: "storage busy"},
	})

	got, err := f.router.GetStatus(submitted.ID, "ctrl-1")
	require.NoError(t, err)
	assert.Equal(t, model.TaskFailed, got.State)
	require.NotNil(t, got.Error)
	assert.Equal(t, "storage busy", got.Error.Message)
}

func TestRouter_LiveStartAndStop(t *testing.T) {
	f := newRouterFixture(t, allowAll{})
	_, devWriter := f.connectDevice("d1")

	var stopped [][2]string
	f.router.OnLiveStopped(func(deviceID, controllerID string) {
		stopped = append(stopped, [2]string{deviceID, controllerID})
	})

	started, err := f.router.Submit(context.Background(), "ctrl-1", "d1", KindLiveVideo,
		map[string]any{"action": "start", "camera": "front"})
	require.NoError(t, err)
	assert.Equal(t, model.TaskAcknowledged, started.State)

	live, ok := f.ledger.ActiveLiveTask("d1", "ctrl-1")
	require.True(t, ok)
	assert.Equal(t, started.ID, live.ID)

	ended, err := f.router.Submit(context.Background(), "ctrl-1", "d1", KindLiveVideo,
		map[string]any{"action": "stop"})
	require.NoError(t, err)
	assert.Equal(t, started.ID, ended.ID, "stop must resolve the open task, not create one")
	assert.Equal(t, model.TaskCompleted, ended.State)
	assert.Equal(t, [][2]string{{"d1", "ctrl-1"}}, stopped)

	events := devWriter.recorded()
	last := events[len(events)-1]
	assert.Equal(t, "device_command", last.Event)
	stopMsg := last.Data.(Message)
	assert.Equal(t, "stop", stopMsg.Params["action"])
}

func TestRouter_DeviceEndedLiveTaskTearsDownStream(t *testing.T) {
	f := newRouterFixture(t, allowAll{})
	devSess, _ := f.connectDevice("d1")

	var stopped [][2]string
	f.router.OnLiveStopped(func(deviceID, controllerID string) {
		stopped = append(stopped, [2]string{deviceID, controllerID})
	})

	started, err := f.router.Submit(context.Background(), "ctrl-1", "d1", KindLiveVideo,
		map[string]any{"action": "start"})
	require.NoError(t, err)
	require.Equal(t, model.TaskAcknowledged, started.State)

	// The device ends the stream on its own (user closed it, battery, ...).
	f.router.HandleResponse(devSess.ID, "d1", Response{
		TaskID: started.ID,
		Status: "ok",
		Result: json.RawMessage(`{"stopped":true}`),
	})

	assert.Equal(t, [][2]string{{"d1", "ctrl-1"}}, stopped)
	if _, ok := f.ledger.ActiveLiveTask("d1", "ctrl-1"); ok {
		t.Fatal("live task must be closed after the device resolved it")
	}
}

func TestRouter_DeviceFailedLiveTaskTearsDownStream(t *testing.T) {
	f := newRouterFixture(t, allowAll{})
	devSess, _ := f.connectDevice("d1")

	var stopped int
	f.router.OnLiveStopped(func(string, string) { stopped++ })

	started, err := f.router.Submit(context.Background(), "ctrl-1", "d1", KindLiveScreen,
		map[string]any{"action": "start"})
	require.NoError(t, err)

	f.router.HandleResponse(devSess.ID, "d1", Response{
		TaskID: started.ID,
		Status: "error",
		Error:  &model.TaskError{Kind: model.ErrKindDeviceError, Message: "capture denied"},
	})

	assert.Equal(t, 1, stopped)
	got, err := f.router.GetStatus(started.ID, "ctrl-1")
	require.NoError(t, err)
	assert.Equal(t, model.TaskFailed, got.State)
}

func TestRouter_LiveStopWithoutOpenStream(t *testing.T) {
	f := newRouterFixture(t, allowAll{})
	f.connectDevice("d1")

	_, err := f.router.Submit(context.Background(), "ctrl-1", "d1", KindLiveAudio,
		map[string]any{"action": "stop"})
	assert.ErrorIs(t, err, task.ErrNotFound)
}

func TestRouter_LiveStopScopedToKind(t *testing.T) {
	f := newRouterFixture(t, allowAll{})
	f.connectDevice("d1")

	_, err := f.router.Submit(context.Background(), "ctrl-1", "d1", KindLiveVideo,
		map[string]any{"action": "start"})
	require.NoError(t, err)

	// A live-audio stop must not close the live-video stream.
	_, err = f.router.Submit(context.Background(), "ctrl-1", "d1", KindLiveAudio,
		map[string]any{"action": "stop"})
	assert.ErrorIs(t, err, task.ErrNotFound)

	if _, ok := f.ledger.ActiveLiveTask("d1", "ctrl-1"); !ok {
		t.Fatal("live-video stream should still be open")
	}
}

func TestRouter_Cancel(t *testing.T) {
	f := newRouterFixture(t, allowAll{})
	devSess, devWriter := f.connectDevice("d1")

	submitted, err := f.router.Submit(context.Background(), "ctrl-1", "d1", KindAudio,
		map[string]any{"duration": 120})
	require.NoError(t, err)

	cancelled, err := f.router.Cancel("ctrl-1", submitted.ID)
	require.NoError(t, err)
	assert.Equal(t, model.TaskCancelled, cancelled.State)

	events := devWriter.recorded()
	last := events[len(events)-1]
	cancelMsg := last.Data.(Message)
	assert.Equal(t, "cancel", cancelMsg.Kind)
	assert.Equal(t, submitted.ID, cancelMsg.TaskID)

	// The device finishing anyway is a stale response.
	f.router.HandleResponse(devSess.ID, "d1", Response{
		TaskID: submitted.ID,
		Status: "ok",
		Result: json.RawMessage(`{}`),
	})
	got, err := f.router.GetStatus(submitted.ID, "ctrl-1")
	require.NoError(t, err)
	assert.Equal(t, model.TaskCancelled, got.State)
}

func TestRouter_CancelForeignTask(t *testing.T) {
	f := newRouterFixture(t, allowAll{})
	f.connectDevice("d1")

	submitted, err := f.router.Submit(context.Background(), "ctrl-1", "d1", KindPhoto, nil)
	require.NoError(t, err)

	_, err = f.router.Cancel("ctrl-2", submitted.ID)
	assert.ErrorIs(t, err, task.ErrNotFound)
}

func TestRouter_StaleSessionResponseAfterReconnect(t *testing.T) {
	f := newRouterFixture(t, allowAll{})
	oldSess, _ := f.connectDevice("d1")

	submitted, err := f.router.Submit(context.Background(), "ctrl-1", "d1", KindPhoto, nil)
	require.NoError(t, err)

	// Device reconnects; the old session is evicted.
	w := &testWriter{}
	f.registry.Register(model.Session{
		ID:            "sess-d1-new",
		PrincipalType: model.PrincipalDevice,
		PrincipalID:   "d1",
		DeviceID:      "d1",
	}, w)

	f.router.HandleResponse(oldSess.ID, "d1", Response{
		TaskID: submitted.ID,
		Status: "ok",
		Result: json.RawMessage(`{}`),
	})

	got, err := f.router.GetStatus(submitted.ID, "ctrl-1")
	require.NoError(t, err)
	assert.Equal(t, model.TaskDispatched, got.State, "response from the evicted session must be dropped")
}
