// Package command validates, authorizes, and dispatches control commands,
// and correlates device responses back to their tasks.
package command

import (
	"context"
	"encoding/json"
	"log"

	"devlink-server/internal/model"
	"devlink-server/internal/perm"
	"devlink-server/internal/presence"
	"devlink-server/internal/task"
)

// Message is the wire payload sent to a device. SessionID names the device
// session the command targets so a stale socket can discard it.
type Message struct {
	TaskID    string         `json:"taskId"`
	Kind      string         `json:"kind"`
	Params    map[string]any `json:"params,omitempty"`
	SessionID string         `json:"sessionId"`
}

// Response is the wire payload a device sends back, correlated by task id.
type Response struct {
	TaskID string           `json:"taskId"`
	Status string           `json:"status"` // ack | ok | error
	Result json.RawMessage  `json:"result,omitempty"`
	Error  *model.TaskError `json:"error,omitempty"`
}

type Router struct {
	oracle   *perm.Oracle
	registry *presence.Registry
	ledger   *task.Ledger

	// onLiveStopped lets the signaling broker tear down its exchange when
	// a live task leaves the acknowledged state.
	onLiveStopped func(deviceID, controllerID string)
}

func NewRouter(oracle *perm.Oracle, registry *presence.Registry, ledger *task.Ledger) *Router {
	return &Router{oracle: oracle, registry: registry, ledger: ledger}
}

func (r *Router) OnLiveStopped(fn func(deviceID, controllerID string)) {
	r.onLiveStopped = fn
}

// Submit runs the admission pipeline: validate, authorize, resolve the
// device session, then create and dispatch the task. An offline device
// yields a task already failed with DeviceOffline so the caller can poll
// it like any other outcome.
func (r *Router) Submit(ctx context.Context, controllerID, deviceID, kind string, params map[string]any) (model.Task, error) {
	deadline, err := validateParams(kind, params)
	if err != nil {
		return model.Task{}, err
	}

	if err := r.oracle.Authorize(ctx, controllerID, deviceID, kind); err != nil {
		return model.Task{}, err
	}

	if IsLiveKind(kind) && params["action"] == "stop" {
		return r.stopLive(controllerID, deviceID, kind)
	}

	sess, online := r.registry.LookupDeviceSession(deviceID)
	if !online {
		t := r.ledger.CreateFailed(deviceID, controllerID, kind, params,
			model.TaskError{Kind: model.ErrKindDeviceOffline, Message: "device is not connected"})
		return t, nil
	}

	t := r.ledger.Create(deviceID, controllerID, kind, params)

	if IsLiveKind(kind) {
		return r.startLive(t, sess)
	}

	t, err = r.ledger.MarkDispatched(t.ID, sess.ID, deadline, r.timeoutCancel)
	if err != nil {
		return t, nil
	}
	if werr := sess.Writer.WriteEvent("device_command", Message{
		TaskID:    t.ID,
		Kind:      kind,
		Params:    params,
		SessionID: sess.ID,
	}); werr != nil {
		t, _ = r.ledger.Fail(t.ID, sess.ID, model.TaskError{Kind: model.ErrKindDeviceOffline, Message: "delivery failed"})
		return t, nil
	}
	return t, nil
}

// startLive opens a long-lived streaming task. It parks in acknowledged
// until the controller submits the matching stop.
func (r *Router) startLive(t model.Task, sess *presence.Session) (model.Task, error) {
	t, err := r.ledger.MarkDispatched(t.ID, sess.ID, 0, nil)
	if err != nil {
		return t, nil
	}
	if werr := sess.Writer.WriteEvent("device_command", Message{
		TaskID:    t.ID,
		Kind:      t.Kind,
		Params:    t.Params,
		SessionID: sess.ID,
	}); werr != nil {
		t, _ = r.ledger.Fail(t.ID, sess.ID, model.TaskError{Kind: model.ErrKindDeviceOffline, Message: "delivery failed"})
		return t, nil
	}
	t, _ = r.ledger.Ack(t.ID, sess.ID)
	return t, nil
}

// stopLive completes the open live task for (controller, device) and tells
// the device to stop streaming.
func (r *Router) stopLive(controllerID, deviceID, kind string) (model.Task, error) {
	t, ok := r.ledger.ActiveLiveTask(deviceID, controllerID)
	if !ok || t.Kind != kind {
		return model.Task{}, task.ErrNotFound
	}

	t, err := r.ledger.Resolve(t.ID, t.DeviceSessionID, json.RawMessage(`{"stopped":true}`))
	if err != nil {
		return t, nil
	}

	if sess, online := r.registry.LookupDeviceSession(deviceID); online {
		_ = sess.Writer.WriteEvent("device_command", Message{
			TaskID:    t.ID,
			Kind:      kind,
			Params:    map[string]any{"action": "stop"},
			SessionID: sess.ID,
		})
	}
	if r.onLiveStopped != nil {
		r.onLiveStopped(deviceID, controllerID)
	}
	return t, nil
}

// Cancel marks a task cancelled and best-effort signals the device. The
// device may still finish; its late response is dropped as stale.
func (r *Router) Cancel(controllerID, taskID string) (model.Task, error) {
	t, err := r.ledger.Cancel(taskID, controllerID)
	if err != nil {
		return t, err
	}
	r.signalCancel(t)
	if IsLiveKind(t.Kind) && r.onLiveStopped != nil {
		r.onLiveStopped(t.DeviceID, t.ControllerID)
	}
	return t, nil
}

// GetStatus polls a task on behalf of its submitting controller.
func (r *Router) GetStatus(taskID, controllerID string) (model.Task, error) {
	return r.ledger.GetStatus(taskID, controllerID)
}

// timeoutCancel runs when a deadline timer wins: the task is already
// timed_out, so just nudge the device and tell the controller.
func (r *Router) timeoutCancel(t model.Task) {
	r.signalCancel(t)
	r.pushResponse(t)
}

func (r *Router) signalCancel(t model.Task) {
	sess, online := r.registry.LookupDeviceSession(t.DeviceID)
	if !online || sess.ID != t.DeviceSessionID {
		return
	}
	_ = sess.Writer.WriteEvent("device_command", Message{
		TaskID:    t.ID,
		Kind:      "cancel",
		SessionID: sess.ID,
	})
}

// HandleResponse correlates a device_response to its task by id. Unknown
// ids, terminal tasks, and responses from evicted sessions are dropped and
// logged; they are normal races, never crashes.
func (r *Router) HandleResponse(deviceSessionID, deviceID string, resp Response) {
	if resp.TaskID == "" {
		return
	}
	if t, ok := r.ledger.Get(resp.TaskID); ok && t.DeviceID != deviceID {
		log.Printf("command router: response for task %s from wrong device %s, dropped", resp.TaskID, deviceID)
		return
	}

	var t model.Task
	var err error
	switch resp.Status {
	case "ack":
		t, err = r.ledger.Ack(resp.TaskID, deviceSessionID)
		if err != nil {
			return
		}
	case "ok":
		t, err = r.ledger.Resolve(resp.TaskID, deviceSessionID, resp.Result)
	case "error":
		taskErr := model.TaskError{Kind: model.ErrKindDeviceError, Message: "device reported an error"}
		if resp.Error != nil {
			taskErr = *resp.Error
		}
		t, err = r.ledger.Fail(resp.TaskID, deviceSessionID, taskErr)
	default:
		log.Printf("command router: response for task %s with unknown status %q, dropped", resp.TaskID, resp.Status)
		return
	}
	if err != nil {
		// Conflict or stale response; the ledger already logged it.
		return
	}
	// A device ending its own live stream closes the signaling exchange
	// just like an explicit stop would.
	if t.State.Terminal() && IsLiveKind(t.Kind) && r.onLiveStopped != nil {
		r.onLiveStopped(t.DeviceID, t.ControllerID)
	}
	r.pushResponse(t)
}

// pushResponse routes the outcome to the sessions of the controller that
// submitted the task. If the controller is gone the state is still
// observable via polling.
func (r *Router) pushResponse(t model.Task) {
	payload := map[string]any{
		"taskId": t.ID,
		"kind":   t.Kind,
		"state":  t.State,
	}
	if t.Result != nil {
		payload["result"] = t.Result
	}
	if t.Error != nil {
		payload["error"] = t.Error
	}
	for _, sess := range r.registry.ControllerSessions(t.ControllerID) {
		if err := sess.Writer.WriteEvent("command_response", payload); err != nil {
			log.Printf("command router: push to controller session %s failed: %v", sess.ID, err)
		}
	}
}
