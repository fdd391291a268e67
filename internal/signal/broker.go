// Package signal pairs one controller and one device per media session and
// relays SDP and ICE messages between them. It holds no opinion on
// negotiation correctness; it is an ordered pass-through with access gates.
package signal

import (
	"encoding/json"
	"errors"
	"log"
	"sync"

	"devlink-server/internal/presence"
	"devlink-server/internal/task"
)

// ErrNoActiveSession rejects a relay when the parties are not paired: not
// in the same room, no open live task, or a stale session id.
var ErrNoActiveSession = errors.New("no active session")

type exchange struct {
	deviceID            string
	controllerID        string
	controllerSession   *presence.Session
	deviceSession       *presence.Session
	offerRelayed        bool
	answerRelayed       bool
	pendingToDevice     []json.RawMessage
	pendingToController []json.RawMessage
}

// Broker state is guarded by mu, but network writes never happen under it:
// a slow peer must not stall other exchanges. Per-direction FIFO order
// survives the unlocked writes because each session's messages are relayed
// from its single read goroutine.
type Broker struct {
	registry *presence.Registry
	ledger   *task.Ledger

	mu        sync.Mutex
	exchanges map[string]*exchange // device id -> active exchange
}

func NewBroker(registry *presence.Registry, ledger *task.Ledger) *Broker {
	return &Broker{
		registry:  registry,
		ledger:    ledger,
		exchanges: make(map[string]*exchange),
	}
}

// RelayOffer opens (or reopens) the exchange for a device and forwards the
// controller's SDP offer. The controller must be in the device's room and
// hold an open live task for it.
func (b *Broker) RelayOffer(ctrl *presence.Session, deviceID string, offer json.RawMessage) error {
	if !b.registry.InRoom(ctrl.ID, deviceID) {
		return ErrNoActiveSession
	}
	if _, ok := b.ledger.ActiveLiveTask(deviceID, ctrl.PrincipalID); !ok {
		return ErrNoActiveSession
	}
	dev, online := b.registry.LookupDeviceSession(deviceID)
	if !online {
		return ErrNoActiveSession
	}

	ex := &exchange{
		deviceID:          deviceID,
		controllerID:      ctrl.PrincipalID,
		controllerSession: ctrl,
		deviceSession:     dev,
		offerRelayed:      true,
	}
	b.mu.Lock()
	b.exchanges[deviceID] = ex
	b.mu.Unlock()

	if err := dev.Writer.WriteEvent("offer", relayPayload(deviceID, ctrl.ID, offer)); err != nil {
		b.mu.Lock()
		if b.exchanges[deviceID] == ex {
			delete(b.exchanges, deviceID)
		}
		b.mu.Unlock()
		return ErrNoActiveSession
	}
	return nil
}

// RelayAnswer forwards the device's SDP answer to the paired controller and
// flushes any ICE candidates that were waiting on it, in arrival order.
func (b *Broker) RelayAnswer(dev *presence.Session, answer json.RawMessage) error {
	b.mu.Lock()
	ex := b.exchanges[dev.DeviceID]
	if ex == nil || ex.deviceSession.ID != dev.ID {
		b.mu.Unlock()
		return ErrNoActiveSession
	}
	ex.answerRelayed = true
	pending := ex.pendingToController
	ex.pendingToController = nil
	target := ex.controllerSession.Writer
	b.mu.Unlock()

	if err := target.WriteEvent("answer", relayPayload(ex.deviceID, dev.ID, answer)); err != nil {
		b.Teardown(ex.deviceID, "controller unreachable")
		return ErrNoActiveSession
	}
	for _, c := range pending {
		_ = target.WriteEvent("ice-candidate", relayPayload(ex.deviceID, dev.ID, c))
	}
	return nil
}

// RelayICE forwards one ICE candidate. Direction follows the sender.
// Candidates sent before the matching SDP has been relayed are buffered
// and flushed FIFO; order within a direction is never reordered.
func (b *Broker) RelayICE(from *presence.Session, deviceID string, candidate json.RawMessage) error {
	b.mu.Lock()
	ex := b.exchanges[deviceID]
	if ex == nil {
		b.mu.Unlock()
		return ErrNoActiveSession
	}

	var target presence.EventWriter
	if from.IsDevice() {
		if ex.deviceSession.ID != from.ID {
			b.mu.Unlock()
			log.Printf("signal broker: ice candidate from stale device session %s, dropped", from.ID)
			return ErrNoActiveSession
		}
		if !ex.answerRelayed {
			ex.pendingToController = append(ex.pendingToController, candidate)
			b.mu.Unlock()
			return nil
		}
		target = ex.controllerSession.Writer
	} else {
		if ex.controllerSession.ID != from.ID {
			b.mu.Unlock()
			log.Printf("signal broker: ice candidate from unpaired controller session %s, dropped", from.ID)
			return ErrNoActiveSession
		}
		if !ex.offerRelayed {
			ex.pendingToDevice = append(ex.pendingToDevice, candidate)
			b.mu.Unlock()
			return nil
		}
		target = ex.deviceSession.Writer
	}
	b.mu.Unlock()

	return target.WriteEvent("ice-candidate", relayPayload(deviceID, from.ID, candidate))
}

// Teardown ends the exchange for a device, telling both parties and
// dropping any buffered candidates.
func (b *Broker) Teardown(deviceID, reason string) {
	b.mu.Lock()
	ex := b.exchanges[deviceID]
	if ex != nil {
		b.removeLocked(ex)
	}
	b.mu.Unlock()

	if ex != nil {
		notifyStopped(ex, reason)
	}
}

// OnSessionClosed tears down every exchange a closing session was party
// to; the remaining party gets a stop notice.
func (b *Broker) OnSessionClosed(sessionID string) {
	b.mu.Lock()
	var torn []*exchange
	for _, ex := range b.exchanges {
		if ex.controllerSession.ID == sessionID || ex.deviceSession.ID == sessionID {
			b.removeLocked(ex)
			torn = append(torn, ex)
		}
	}
	b.mu.Unlock()

	for _, ex := range torn {
		notifyStopped(ex, "peer disconnected")
	}
}

// OnLeftRoom tears down the device's exchange when one of its parties
// leaves the room.
func (b *Broker) OnLeftRoom(deviceID, sessionID string) {
	b.mu.Lock()
	ex := b.exchanges[deviceID]
	if ex == nil || (ex.controllerSession.ID != sessionID && ex.deviceSession.ID != sessionID) {
		b.mu.Unlock()
		return
	}
	b.removeLocked(ex)
	b.mu.Unlock()

	notifyStopped(ex, "peer left room")
}

// OnLiveStopped is wired to the command router: when the live task leaves
// acknowledged, the exchange dies with it.
func (b *Broker) OnLiveStopped(deviceID, controllerID string) {
	b.mu.Lock()
	ex := b.exchanges[deviceID]
	if ex == nil || ex.controllerID != controllerID {
		b.mu.Unlock()
		return
	}
	b.removeLocked(ex)
	b.mu.Unlock()

	notifyStopped(ex, "stream stopped")
}

func (b *Broker) removeLocked(ex *exchange) {
	delete(b.exchanges, ex.deviceID)
	ex.pendingToDevice = nil
	ex.pendingToController = nil
}

func notifyStopped(ex *exchange, reason string) {
	notice := map[string]any{"deviceId": ex.deviceID, "reason": reason}
	_ = ex.controllerSession.Writer.WriteEvent("stop", notice)
	_ = ex.deviceSession.Writer.WriteEvent("stop", notice)
}

func relayPayload(deviceID, fromSessionID string, payload json.RawMessage) map[string]any {
	return map[string]any{
		"deviceId":  deviceID,
		"sessionId": fromSessionID,
		"payload":   payload,
	}
}
