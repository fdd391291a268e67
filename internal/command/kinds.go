package command

import (
	"fmt"
	"time"
)

// InvalidParamsError rejects a request at admission, before any task
// exists. Out-of-range values are rejected, never truncated.
type InvalidParamsError struct {
	Field  string
	Reason string
}

func (e *InvalidParamsError) Error() string {
	return fmt.Sprintf("invalid params: %s %s", e.Field, e.Reason)
}

const (
	KindPhoto        = "photo"
	KindScreenshot   = "screenshot"
	KindAudio        = "audio"
	KindVideo        = "video"
	KindScreenRecord = "screen-record"
	KindCallLogs     = "call-logs"
	KindSwitchCamera = "switch-camera"
	KindLock         = "lock"
	KindUnlock       = "unlock"
	KindWipe         = "wipe"
	KindLiveVideo    = "live-video"
	KindLiveAudio    = "live-audio"
	KindLiveScreen   = "live-screen"
)

var qualities = []string{"low", "medium", "high"}
var cameras = []string{"front", "back"}

var audioDurations = []int{120, 300, 1200}
var recordDurations = []int{60, 120, 300}

type kindSpec struct {
	deadline  time.Duration
	live      bool
	durations []int // allowed duration values in seconds, nil when the kind takes none
	camera    bool  // accepts a camera side
	quality   bool  // accepts a quality level
}

var kindSpecs = map[string]kindSpec{
	KindPhoto:        {deadline: 30 * time.Second, camera: true, quality: true},
	KindScreenshot:   {deadline: 15 * time.Second},
	KindAudio:        {deadline: 30 * time.Second, durations: audioDurations},
	KindVideo:        {deadline: 60 * time.Second, durations: recordDurations, camera: true, quality: true},
	KindScreenRecord: {deadline: 60 * time.Second, durations: recordDurations, quality: true},
	KindCallLogs:     {deadline: 30 * time.Second},
	KindSwitchCamera: {deadline: 15 * time.Second, camera: true},
	KindLock:         {deadline: 15 * time.Second},
	KindUnlock:       {deadline: 15 * time.Second},
	KindWipe:         {deadline: 60 * time.Second},
	KindLiveVideo:    {live: true, camera: true},
	KindLiveAudio:    {live: true},
	KindLiveScreen:   {live: true},
}

func IsLiveKind(kind string) bool {
	spec, ok := kindSpecs[kind]
	return ok && spec.live
}

// validateParams checks a request against its kind's schema and returns
// the deadline to arm at dispatch. Kinds with a recorded duration extend
// the deadline by that duration.
func validateParams(kind string, params map[string]any) (time.Duration, error) {
	spec, ok := kindSpecs[kind]
	if !ok {
		return 0, &InvalidParamsError{Field: "kind", Reason: "unknown"}
	}

	for field := range params {
		switch field {
		case "duration", "camera", "quality", "action":
		default:
			return 0, &InvalidParamsError{Field: field, Reason: "not accepted"}
		}
	}

	deadline := spec.deadline

	if spec.durations != nil {
		d, err := intParam(params, "duration")
		if err != nil {
			return 0, err
		}
		if !containsInt(spec.durations, d) {
			return 0, &InvalidParamsError{Field: "duration", Reason: fmt.Sprintf("must be one of %v", spec.durations)}
		}
		deadline += time.Duration(d) * time.Second
	} else if _, ok := params["duration"]; ok {
		return 0, &InvalidParamsError{Field: "duration", Reason: "not accepted"}
	}

	if err := enumParam(params, "camera", cameras, spec.camera); err != nil {
		return 0, err
	}
	if err := enumParam(params, "quality", qualities, spec.quality); err != nil {
		return 0, err
	}

	if spec.live {
		action, _ := params["action"].(string)
		if action != "start" && action != "stop" {
			return 0, &InvalidParamsError{Field: "action", Reason: "must be start or stop"}
		}
	} else if _, ok := params["action"]; ok {
		return 0, &InvalidParamsError{Field: "action", Reason: "not accepted"}
	}

	return deadline, nil
}

func intParam(params map[string]any, field string) (int, error) {
	raw, ok := params[field]
	if !ok {
		return 0, &InvalidParamsError{Field: field, Reason: "required"}
	}
	switch v := raw.(type) {
	case int:
		return v, nil
	case float64:
		if v != float64(int(v)) {
			return 0, &InvalidParamsError{Field: field, Reason: "must be an integer"}
		}
		return int(v), nil
	default:
		return 0, &InvalidParamsError{Field: field, Reason: "must be an integer"}
	}
}

func enumParam(params map[string]any, field string, allowed []string, accepted bool) error {
	raw, ok := params[field]
	if !ok {
		return nil
	}
	if !accepted {
		return &InvalidParamsError{Field: field, Reason: "not accepted"}
	}
	v, ok := raw.(string)
	if !ok || !containsString(allowed, v) {
		return &InvalidParamsError{Field: field, Reason: fmt.Sprintf("must be one of %v", allowed)}
	}
	return nil
}

func containsInt(list []int, v int) bool {
	for _, x := range list {
		if x == v {
			return true
		}
	}
	return false
}

func containsString(list []string, v string) bool {
	for _, x := range list {
		if x == v {
			return true
		}
	}
	return false
}
