// Package task tracks asynchronous device commands through their state
// machine. Transitions are serialized per task and terminal states are
// final: a late timer or duplicate response can never overwrite an outcome.
package task

import (
	"encoding/json"
	"errors"
	"hash/fnv"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"

	"devlink-server/internal/model"
)

var (
	// ErrNotFound covers both unknown ids and tasks owned by another
	// controller, so task ids cannot be probed across tenants.
	ErrNotFound = errors.New("task not found")

	// ErrConflict marks a transition attempted on a terminal task. The
	// caller that lost the race gets a no-op; the recorded state stands.
	ErrConflict = errors.New("task already terminal")
)

const shardCount = 16

type entry struct {
	task  model.Task
	timer *time.Timer
}

type shard struct {
	mu    sync.Mutex
	tasks map[string]*entry
}

type Ledger struct {
	retention time.Duration
	now       func() time.Time
	shards    [shardCount]*shard

	idxMu    sync.Mutex
	byDevice map[string]map[string]struct{}

	stopOnce sync.Once
	stop     chan struct{}
}

func NewLedger(retention time.Duration) *Ledger {
	return NewLedgerWithNow(retention, time.Now)
}

func NewLedgerWithNow(retention time.Duration, now func() time.Time) *Ledger {
	l := &Ledger{
		retention: retention,
		now:       now,
		byDevice:  make(map[string]map[string]struct{}),
		stop:      make(chan struct{}),
	}
	for i := range l.shards {
		l.shards[i] = &shard{tasks: make(map[string]*entry)}
	}
	go l.sweep()
	return l
}

func (l *Ledger) shardFor(taskID string) *shard {
	h := fnv.New32a()
	_, _ = h.Write([]byte(taskID))
	return l.shards[h.Sum32()%shardCount]
}

// Create allocates a task in the created state.
func (l *Ledger) Create(deviceID, controllerID, kind string, params map[string]any) model.Task {
	t := model.Task{
		ID:           uuid.NewString(),
		DeviceID:     deviceID,
		ControllerID: controllerID,
		Kind:         kind,
		Params:       params,
		State:        model.TaskCreated,
		CreatedAt:    l.now().UnixMilli(),
	}
	l.insert(t)
	return t
}

// CreateFailed allocates a task already in the failed state. Used for
// offline devices: unreachability is a terminal outcome, not an error.
func (l *Ledger) CreateFailed(deviceID, controllerID, kind string, params map[string]any, taskErr model.TaskError) model.Task {
	now := l.now().UnixMilli()
	t := model.Task{
		ID:           uuid.NewString(),
		DeviceID:     deviceID,
		ControllerID: controllerID,
		Kind:         kind,
		Params:       params,
		State:        model.TaskFailed,
		Error:        &taskErr,
		CreatedAt:    now,
		ResolvedAt:   now,
	}
	l.insert(t)
	return t
}

func (l *Ledger) insert(t model.Task) {
	sh := l.shardFor(t.ID)
	sh.mu.Lock()
	sh.tasks[t.ID] = &entry{task: t}
	sh.mu.Unlock()

	l.idxMu.Lock()
	set := l.byDevice[t.DeviceID]
	if set == nil {
		set = make(map[string]struct{})
		l.byDevice[t.DeviceID] = set
	}
	set[t.ID] = struct{}{}
	l.idxMu.Unlock()
}

// MarkDispatched moves created -> dispatched, records the device session
// the command went to, and arms the deadline timer. A zero deadline means
// no timer (live-* tasks stay open until an explicit stop).
func (l *Ledger) MarkDispatched(taskID, deviceSessionID string, deadline time.Duration, onTimeout func(model.Task)) (model.Task, error) {
	sh := l.shardFor(taskID)
	sh.mu.Lock()
	defer sh.mu.Unlock()

	e, ok := sh.tasks[taskID]
	if !ok {
		return model.Task{}, ErrNotFound
	}
	if e.task.State != model.TaskCreated {
		return e.task, l.conflict(e, "dispatch")
	}

	e.task.State = model.TaskDispatched
	e.task.DeviceSessionID = deviceSessionID
	e.task.DispatchedAt = l.now().UnixMilli()
	if deadline > 0 {
		e.timer = time.AfterFunc(deadline, func() {
			if t, err := l.Timeout(taskID); err == nil && onTimeout != nil {
				onTimeout(t)
			}
		})
	}
	return e.task, nil
}

// Ack moves dispatched -> acknowledged.
func (l *Ledger) Ack(taskID, deviceSessionID string) (model.Task, error) {
	return l.transition(taskID, deviceSessionID, func(t *model.Task) error {
		if t.State != model.TaskDispatched {
			return ErrConflict
		}
		t.State = model.TaskAcknowledged
		return nil
	}, false)
}

// Resolve records the device's result and completes the task.
func (l *Ledger) Resolve(taskID, deviceSessionID string, result json.RawMessage) (model.Task, error) {
	return l.transition(taskID, deviceSessionID, func(t *model.Task) error {
		if t.State != model.TaskDispatched && t.State != model.TaskAcknowledged {
			return ErrConflict
		}
		t.State = model.TaskCompleted
		t.Result = result
		return nil
	}, true)
}

// Fail records a device-reported error.
func (l *Ledger) Fail(taskID, deviceSessionID string, taskErr model.TaskError) (model.Task, error) {
	return l.transition(taskID, deviceSessionID, func(t *model.Task) error {
		if t.State.Terminal() {
			return ErrConflict
		}
		t.State = model.TaskFailed
		t.Error = &taskErr
		return nil
	}, true)
}

// Timeout fires from the deadline timer. A task that already reached a
// terminal state is left untouched.
func (l *Ledger) Timeout(taskID string) (model.Task, error) {
	return l.transition(taskID, "", func(t *model.Task) error {
		if t.State != model.TaskDispatched && t.State != model.TaskAcknowledged {
			return ErrConflict
		}
		t.State = model.TaskTimedOut
		t.Error = &model.TaskError{Kind: model.ErrKindTimeout, Message: "device did not respond before the deadline"}
		return nil
	}, true)
}

// Cancel marks a task cancelled on behalf of the controller that created
// it. The device is notified best-effort by the caller.
func (l *Ledger) Cancel(taskID, controllerID string) (model.Task, error) {
	sh := l.shardFor(taskID)
	sh.mu.Lock()
	defer sh.mu.Unlock()

	e, ok := sh.tasks[taskID]
	if !ok || e.task.ControllerID != controllerID {
		return model.Task{}, ErrNotFound
	}
	if e.task.State.Terminal() {
		return e.task, l.conflict(e, "cancel")
	}

	e.task.State = model.TaskCancelled
	e.task.Error = &model.TaskError{Kind: model.ErrKindCancelled, Message: "cancelled by controller"}
	e.task.ResolvedAt = l.now().UnixMilli()
	stopTimer(e)
	return e.task, nil
}

// transition applies fn under the shard lock. When deviceSessionID is
// non-empty it must match the session the task was dispatched to; a
// response from an evicted session is stale and dropped.
func (l *Ledger) transition(taskID, deviceSessionID string, fn func(*model.Task) error, terminal bool) (model.Task, error) {
	sh := l.shardFor(taskID)
	sh.mu.Lock()
	defer sh.mu.Unlock()

	e, ok := sh.tasks[taskID]
	if !ok {
		return model.Task{}, ErrNotFound
	}
	if deviceSessionID != "" && e.task.DeviceSessionID != deviceSessionID {
		log.Printf("task ledger: stale response for task %s from session %s, dropped", taskID, deviceSessionID)
		return e.task, ErrNotFound
	}
	if err := fn(&e.task); err != nil {
		return e.task, l.conflict(e, "update")
	}
	if terminal {
		e.task.ResolvedAt = l.now().UnixMilli()
		stopTimer(e)
	}
	return e.task, nil
}

func (l *Ledger) conflict(e *entry, op string) error {
	log.Printf("task ledger: %s on task %s ignored, state already %s", op, e.task.ID, e.task.State)
	return ErrConflict
}

func stopTimer(e *entry) {
	if e.timer != nil {
		e.timer.Stop()
		e.timer = nil
	}
}

// GetStatus returns the task only to the controller that created it.
func (l *Ledger) GetStatus(taskID, controllerID string) (model.Task, error) {
	sh := l.shardFor(taskID)
	sh.mu.Lock()
	defer sh.mu.Unlock()

	e, ok := sh.tasks[taskID]
	if !ok || e.task.ControllerID != controllerID {
		return model.Task{}, ErrNotFound
	}
	return e.task, nil
}

// Get is the unscoped lookup for in-process collaborators.
func (l *Ledger) Get(taskID string) (model.Task, bool) {
	sh := l.shardFor(taskID)
	sh.mu.Lock()
	defer sh.mu.Unlock()

	e, ok := sh.tasks[taskID]
	if !ok {
		return model.Task{}, false
	}
	return e.task, true
}

// ActiveLiveTask finds the open (acknowledged) live-* task a controller
// holds for a device, if any. The signaling broker gates relays on it.
func (l *Ledger) ActiveLiveTask(deviceID, controllerID string) (model.Task, bool) {
	l.idxMu.Lock()
	ids := make([]string, 0, len(l.byDevice[deviceID]))
	for id := range l.byDevice[deviceID] {
		ids = append(ids, id)
	}
	l.idxMu.Unlock()

	for _, id := range ids {
		t, ok := l.Get(id)
		if !ok || t.ControllerID != controllerID {
			continue
		}
		if t.State == model.TaskAcknowledged && isLiveKind(t.Kind) {
			return t, true
		}
	}
	return model.Task{}, false
}

func isLiveKind(kind string) bool {
	switch kind {
	case "live-video", "live-audio", "live-screen":
		return true
	}
	return false
}

// sweep evicts terminal tasks past the retention window. Eviction is only
// observable as a later NotFound.
func (l *Ledger) sweep() {
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()

	for {
		select {
		case <-l.stop:
			return
		case <-ticker.C:
			l.evictExpired()
		}
	}
}

func (l *Ledger) evictExpired() {
	cutoff := l.now().Add(-l.retention).UnixMilli()
	for _, sh := range l.shards {
		sh.mu.Lock()
		for id, e := range sh.tasks {
			if e.task.State.Terminal() && e.task.ResolvedAt != 0 && e.task.ResolvedAt < cutoff {
				delete(sh.tasks, id)
				l.dropIndex(e.task.DeviceID, id)
			}
		}
		sh.mu.Unlock()
	}
}

func (l *Ledger) dropIndex(deviceID, taskID string) {
	l.idxMu.Lock()
	if set := l.byDevice[deviceID]; set != nil {
		delete(set, taskID)
		if len(set) == 0 {
			delete(l.byDevice, deviceID)
		}
	}
	l.idxMu.Unlock()
}

// Close stops the sweeper and all armed deadline timers.
func (l *Ledger) Close() {
	l.stopOnce.Do(func() { close(l.stop) })
	for _, sh := range l.shards {
		sh.mu.Lock()
		for _, e := range sh.tasks {
			stopTimer(e)
		}
		sh.mu.Unlock()
	}
}
