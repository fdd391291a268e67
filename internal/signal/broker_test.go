package signal

import (
	"encoding/json"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"devlink-server/internal/model"
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
}

func (w *testWriter) WriteEvent(event string, data any) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.events = append(w.events, recordedEvent{Event: event, Data: data})
	return nil
}

func (w *testWriter) Close() error { return nil }

func (w *testWriter) recorded() []recordedEvent {
	w.mu.Lock()
	defer w.mu.Unlock()
	out := make([]recordedEvent, len(w.events))
	copy(out, w.events)
	return out
}

func (w *testWriter) byEvent(event string) []recordedEvent {
	var out []recordedEvent
	for _, e := range w.recorded() {
		if e.Event == event {
			out = append(out, e)
		}
	}
	return out
}

type brokerFixture struct {
	broker     *Broker
	registry   *presence.Registry
	ledger     *task.Ledger
	ctrl       *presence.Session
	ctrlWriter *testWriter
	dev        *presence.Session
	devWriter  *testWriter
}

// newBrokerFixture wires a controller watching device d1 with an open
// live-video task, the state every relay gate expects.
func newBrokerFixture(t *testing.T) *brokerFixture {
	t.Helper()
	registry := presence.NewRegistry()
	ledger := task.NewLedger(time.Hour)
	t.Cleanup(ledger.Close)

	devWriter := &testWriter{}
	dev := registry.Register(model.Session{
		ID:            "sess-dev",
		PrincipalType: model.PrincipalDevice,
		PrincipalID:   "d1",
		DeviceID:      "d1",
	}, devWriter)

	ctrlWriter := &testWriter{}
	ctrl := registry.Register(model.Session{
		ID:            "sess-ctrl",
		PrincipalType: model.PrincipalController,
		PrincipalID:   "ctrl-1",
	}, ctrlWriter)
	require.NoError(t, registry.JoinRoom(ctrl.ID, "d1"))

	created := ledger.Create("d1", "ctrl-1", "live-video", map[string]any{"action": "start"})
	_, err := ledger.MarkDispatched(created.ID, dev.ID, 0, nil)
	require.NoError(t, err)
	_, err = ledger.Ack(created.ID, dev.ID)
	require.NoError(t, err)

	return &brokerFixture{
		broker:     NewBroker(registry, ledger),
		registry:   registry,
		ledger:     ledger,
		ctrl:       ctrl,
		ctrlWriter: ctrlWriter,
		dev:        dev,
		devWriter:  devWriter,
	}
}

// blockingWriter parks offer deliveries until released, to stand in for a
// peer with a stalled socket.
type blockingWriter struct {
	inner   testWriter
	entered chan struct{}
	release chan struct{}
	once    sync.Once
}

func newBlockingWriter() *blockingWriter {
	return &blockingWriter{entered: make(chan struct{}), release: make(chan struct{})}
}

func (w *blockingWriter) WriteEvent(event string, data any) error {
	if event == "offer" {
		w.once.Do(func() { close(w.entered) })
		<-w.release
	}
	return w.inner.WriteEvent(event, data)
}

func (w *blockingWriter) Close() error { return nil }

// openLivePair registers a device and a controller watching it, with an
// acknowledged live task, the state every relay gate expects.
func openLivePair(t *testing.T, registry *presence.Registry, ledger *task.Ledger, deviceID, controllerID string, devWriter, ctrlWriter presence.EventWriter) (*presence.Session, *presence.Session) {
	t.Helper()
	dev := registry.Register(model.Session{
		ID:            "sess-" + deviceID,
		PrincipalType: model.PrincipalDevice,
		PrincipalID:   deviceID,
		DeviceID:      deviceID,
	}, devWriter)
	ctrl := registry.Register(model.Session{
		ID:            "sess-" + controllerID,
		PrincipalType: model.PrincipalController,
		PrincipalID:   controllerID,
	}, ctrlWriter)
	require.NoError(t, registry.JoinRoom(ctrl.ID, deviceID))

	created := ledger.Create(deviceID, controllerID, "live-video", map[string]any{"action": "start"})
	_, err := ledger.MarkDispatched(created.ID, dev.ID, 0, nil)
	require.NoError(t, err)
	_, err = ledger.Ack(created.ID, dev.ID)
	require.NoError(t, err)
	return dev, ctrl
}

func TestBroker_SlowPeerDoesNotStallOtherExchanges(t *testing.T) {
	registry := presence.NewRegistry()
	ledger := task.NewLedger(time.Hour)
	t.Cleanup(ledger.Close)
	broker := NewBroker(registry, ledger)

	slow := newBlockingWriter()
	_, slowCtrl := openLivePair(t, registry, ledger, "d-slow", "ctrl-slow", slow, &testWriter{})
	fastDev := &testWriter{}
	_, fastCtrl := openLivePair(t, registry, ledger, "d-fast", "ctrl-fast", fastDev, &testWriter{})

	slowDone := make(chan error, 1)
	go func() {
		slowDone <- broker.RelayOffer(slowCtrl, "d-slow", json.RawMessage(`{"sdp":"o"}`))
	}()
	<-slow.entered // the stalled write is in flight

	fastDone := make(chan error, 1)
	go func() {
		fastDone <- broker.RelayOffer(fastCtrl, "d-fast", json.RawMessage(`{"sdp":"o"}`))
	}()

	select {
	case err := <-fastDone:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("relay to a healthy peer stalled behind a slow one")
	}
	require.Len(t, fastDev.byEvent("offer"), 1)

	close(slow.release)
	require.NoError(t, <-slowDone)
}

func TestBroker_OfferRequiresRoomMembership(t *testing.T) {
	f := newBrokerFixture(t)
	f.registry.LeaveRoom(f.ctrl.ID, "d1")

	err := f.broker.RelayOffer(f.ctrl, "d1", json.RawMessage(`{"sdp":"o"}`))
	assert.ErrorIs(t, err, ErrNoActiveSession)
	assert.Empty(t, f.devWriter.byEvent("offer"))
}

func TestBroker_OfferRequiresOpenLiveTask(t *testing.T) {
	f := newBrokerFixture(t)
	live, ok := f.ledger.ActiveLiveTask("d1", "ctrl-1")
	require.True(t, ok)
	_, err := f.ledger.Resolve(live.ID, f.dev.ID, json.RawMessage(`{"stopped":true}`))
	require.NoError(t, err)

	err = f.broker.RelayOffer(f.ctrl, "d1", json.RawMessage(`{"sdp":"o"}`))
	assert.ErrorIs(t, err, ErrNoActiveSession)
}

func TestBroker_OfferAnswerRoundTrip(t *testing.T) {
	f := newBrokerFixture(t)

	require.NoError(t, f.broker.RelayOffer(f.ctrl, "d1", json.RawMessage(`{"sdp":"offer"}`)))
	offers := f.devWriter.byEvent("offer")
	require.Len(t, offers, 1)
	payload := offers[0].Data.(map[string]any)
	assert.Equal(t, "d1", payload["deviceId"])
	assert.Equal(t, f.ctrl.ID, payload["sessionId"])

	require.NoError(t, f.broker.RelayAnswer(f.dev, json.RawMessage(`{"sdp":"answer"}`)))
	answers := f.ctrlWriter.byEvent("answer")
	require.Len(t, answers, 1)
}

func TestBroker_AnswerWithoutOfferRejected(t *testing.T) {
	f := newBrokerFixture(t)
	err := f.broker.RelayAnswer(f.dev, json.RawMessage(`{"sdp":"answer"}`))
	assert.ErrorIs(t, err, ErrNoActiveSession)
}

func TestBroker_DeviceICEBufferedUntilAnswerRelayed(t *testing.T) {
	f := newBrokerFixture(t)
	require.NoError(t, f.broker.RelayOffer(f.ctrl, "d1", json.RawMessage(`{"sdp":"offer"}`)))

	for i := 0; i < 3; i++ {
		c := json.RawMessage(fmt.Sprintf(`{"candidate":"c%d"}`, i))
		require.NoError(t, f.broker.RelayICE(f.dev, "d1", c))
	}
	assert.Empty(t, f.ctrlWriter.byEvent("ice-candidate"),
		"candidates must wait for the answer")

	require.NoError(t, f.broker.RelayAnswer(f.dev, json.RawMessage(`{"sdp":"answer"}`)))

	flushed := f.ctrlWriter.byEvent("ice-candidate")
	require.Len(t, flushed, 3)
	for i, e := range flushed {
		payload := e.Data.(map[string]any)
		assert.JSONEq(t, fmt.Sprintf(`{"candidate":"c%d"}`, i),
			string(payload["payload"].(json.RawMessage)), "flush must preserve arrival order")
	}

	// Later candidates flow straight through.
	require.NoError(t, f.broker.RelayICE(f.dev, "d1", json.RawMessage(`{"candidate":"late"}`)))
	assert.Len(t, f.ctrlWriter.byEvent("ice-candidate"), 4)
}

func TestBroker_ControllerICEAfterOfferFlowsThrough(t *testing.T) {
	f := newBrokerFixture(t)
	require.NoError(t, f.broker.RelayOffer(f.ctrl, "d1", json.RawMessage(`{"sdp":"offer"}`)))
	require.NoError(t, f.broker.RelayICE(f.ctrl, "d1", json.RawMessage(`{"candidate":"c0"}`)))
	assert.Len(t, f.devWriter.byEvent("ice-candidate"), 1)
}

func TestBroker_ICEWithoutExchangeRejected(t *testing.T) {
	f := newBrokerFixture(t)
	err := f.broker.RelayICE(f.ctrl, "d1", json.RawMessage(`{"candidate":"c0"}`))
	assert.ErrorIs(t, err, ErrNoActiveSession)
}

func TestBroker_StaleDeviceSessionDropped(t *testing.T) {
	f := newBrokerFixture(t)
	require.NoError(t, f.broker.RelayOffer(f.ctrl, "d1", json.RawMessage(`{"sdp":"offer"}`)))

	stale := &presence.Session{Session: model.Session{
		ID:            "sess-dev-old",
		PrincipalType: model.PrincipalDevice,
		PrincipalID:   "d1",
		DeviceID:      "d1",
	}, Writer: &testWriter{}}

	err := f.broker.RelayAnswer(stale, json.RawMessage(`{"sdp":"answer"}`))
	assert.ErrorIs(t, err, ErrNoActiveSession)

	err = f.broker.RelayICE(stale, "d1", json.RawMessage(`{"candidate":"c0"}`))
	assert.ErrorIs(t, err, ErrNoActiveSession)
}

func TestBroker_TeardownNotifiesBothAndDropsBuffers(t *testing.T) {
	f := newBrokerFixture(t)
	require.NoError(t, f.broker.RelayOffer(f.ctrl, "d1", json.RawMessage(`{"sdp":"offer"}`)))
	require.NoError(t, f.broker.RelayICE(f.dev, "d1", json.RawMessage(`{"candidate":"c0"}`)))

	f.broker.Teardown("d1", "stream stopped")

	require.Len(t, f.ctrlWriter.byEvent("stop"), 1)
	require.Len(t, f.devWriter.byEvent("stop"), 1)

	// The buffered candidate died with the exchange. A new offer starts clean.
	require.NoError(t, f.broker.RelayOffer(f.ctrl, "d1", json.RawMessage(`{"sdp":"offer2"}`)))
	require.NoError(t, f.broker.RelayAnswer(f.dev, json.RawMessage(`{"sdp":"answer2"}`)))
	assert.Empty(t, f.ctrlWriter.byEvent("ice-candidate"))
}

func TestBroker_OnSessionClosedTearsDown(t *testing.T) {
	f := newBrokerFixture(t)
	require.NoError(t, f.broker.RelayOffer(f.ctrl, "d1", json.RawMessage(`{"sdp":"offer"}`)))

	f.broker.OnSessionClosed(f.dev.ID)
	require.Len(t, f.ctrlWriter.byEvent("stop"), 1)

	err := f.broker.RelayICE(f.ctrl, "d1", json.RawMessage(`{"candidate":"c0"}`))
	assert.ErrorIs(t, err, ErrNoActiveSession)
}

func TestBroker_OnLeftRoomTearsDownOnlyParties(t *testing.T) {
	f := newBrokerFixture(t)
	require.NoError(t, f.broker.RelayOffer(f.ctrl, "d1", json.RawMessage(`{"sdp":"offer"}`)))

	f.broker.OnLeftRoom("d1", "sess-unrelated")
	assert.Empty(t, f.ctrlWriter.byEvent("stop"))

	f.broker.OnLeftRoom("d1", f.ctrl.ID)
	assert.Len(t, f.ctrlWriter.byEvent("stop"), 1)
}

func TestBroker_OnLiveStoppedScopedToController(t *testing.T) {
	f := newBrokerFixture(t)
	require.NoError(t, f.broker.RelayOffer(f.ctrl, "d1", json.RawMessage(`{"sdp":"offer"}`)))

	f.broker.OnLiveStopped("d1", "ctrl-2")
	assert.Empty(t, f.ctrlWriter.byEvent("stop"))

	f.broker.OnLiveStopped("d1", "ctrl-1")
	assert.Len(t, f.ctrlWriter.byEvent("stop"), 1)
}
