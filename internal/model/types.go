package model

import "encoding/json"

type PrincipalType string

const (
	PrincipalController PrincipalType = "controller"
	PrincipalDevice     PrincipalType = "device"
)

// Session is one live authenticated transport connection. Sessions are
// process-lifetime only and never persisted.
type Session struct {
	ID            string
	PrincipalType PrincipalType
	PrincipalID   string
	DeviceID      string // device sessions: own device id; controller sessions: empty
	ConnectedAt   int64
}

func (s Session) IsDevice() bool {
	return s.PrincipalType == PrincipalDevice
}

type Controller struct {
	ID        string
	PublicKey string
	CreatedAt int64
}

type Device struct {
	ID        string
	OwnerID   string
	Name      string
	PublicKey string
	CreatedAt int64
}

type GrantStatus string

const (
	GrantActive  GrantStatus = "active"
	GrantRevoked GrantStatus = "revoked"
)

// ControlGrant authorizes a non-owner controller to run a set of command
// kinds on a device. Owners need no grant row.
type ControlGrant struct {
	ControllerID string
	DeviceID     string
	Status       GrantStatus
	Permissions  []string
	GrantedAt    int64
	RevokedAt    int64
}

func (g ControlGrant) Permits(kind string) bool {
	if g.Status != GrantActive {
		return false
	}
	for _, p := range g.Permissions {
		if p == kind {
			return true
		}
	}
	return false
}

type TaskState string

const (
	TaskCreated      TaskState = "created"
	TaskDispatched   TaskState = "dispatched"
	TaskAcknowledged TaskState = "acknowledged"
	TaskCompleted    TaskState = "completed"
	TaskFailed       TaskState = "failed"
	TaskTimedOut     TaskState = "timed_out"
	TaskCancelled    TaskState = "cancelled"
)

func (s TaskState) Terminal() bool {
	switch s {
	case TaskCompleted, TaskFailed, TaskTimedOut, TaskCancelled:
		return true
	}
	return false
}

type TaskError struct {
	Kind    string `json:"kind"`
	Message string `json:"message"`
}

const (
	ErrKindDeviceOffline = "DeviceOffline"
	ErrKindDeviceError   = "DeviceError"
	ErrKindTimeout       = "Timeout"
	ErrKindCancelled     = "Cancelled"
)

// Task is one asynchronous control command. DeviceSessionID records the
// session the command was dispatched to so late responses from an evicted
// session are detectable.
type Task struct {
	ID              string
	DeviceID        string
	ControllerID    string
	Kind            string
	Params          map[string]any
	State           TaskState
	DeviceSessionID string
	Result          json.RawMessage
	Error           *TaskError
	CreatedAt       int64
	DispatchedAt    int64
	ResolvedAt      int64
}
