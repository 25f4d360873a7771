package workflow

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
)

// State is a task lifecycle code. The integer values are part of the wire
// contract with workers and must not change.
type State int

// Task states.
const (
	StateSuccess              State = 200
	StateCreated              State = 201
	StateQueued               State = 102
	StateTaskReset            State = 205
	StateBadRequest           State = 400
	StateAccessDenied         State = 403
	StateNotFound             State = 404
	StateAlreadyExists        State = 409
	StateUnfinishedDependency State = 412
	StateNoRouteToQueue       State = 422
	StateError                State = 500
	StateErrorInvalidInput    State = 502
	StateErrorProxy           State = 503
)

var stateNames = map[State]string{
	StateSuccess:              "SUCCESS",
	StateCreated:              "CREATED",
	StateQueued:               "QUEUED",
	StateTaskReset:            "TASK_RESET",
	StateBadRequest:           "BAD_REQUEST",
	StateAccessDenied:         "ACCESS_DENIED",
	StateNotFound:             "NOT_FOUND",
	StateAlreadyExists:        "ALREADY_EXISTS",
	StateUnfinishedDependency: "UNFINISHED_DEPENDENCY",
	StateNoRouteToQueue:       "NO_ROUTE_TO_QUEUE",
	StateError:                "ERROR",
	StateErrorInvalidInput:    "ERROR_INVALID_INPUT",
	StateErrorProxy:           "ERROR_PROXY",
}

// String returns the symbolic name, or the numeric code for unknown states.
func (s State) String() string {
	if name, ok := stateNames[s]; ok {
		return name
	}
	return strconv.Itoa(int(s))
}

// Valid reports whether s is one of the known codes.
func (s State) Valid() bool {
	_, ok := stateNames[s]
	return ok
}

// IsTerminal reports whether the task finished successfully.
func (s State) IsTerminal() bool {
	return s == StateSuccess
}

// IsManual reports whether the task needs operator action (retry with
// force, or reset) before it can advance.
func (s State) IsManual() bool {
	switch s {
	case StateBadRequest, StateAccessDenied, StateNotFound, StateNoRouteToQueue, StateError:
		return true
	}
	return false
}

// IsRetryable reports whether the state is a recoverable failure.
func (s State) IsRetryable() bool {
	switch s {
	case StateTaskReset, StateErrorInvalidInput, StateErrorProxy:
		return true
	}
	return false
}

// IsPending reports whether the task is waiting to be run.
func (s State) IsPending() bool {
	return s == StateCreated || s == StateUnfinishedDependency
}

// Runnable reports whether a run request may queue a task in this state.
// CREATED is the fresh path; the rest are automatic recovery.
func (s State) Runnable() bool {
	switch s {
	case StateCreated, StateTaskReset, StateUnfinishedDependency, StateErrorInvalidInput, StateErrorProxy:
		return true
	}
	return false
}

// Retriable reports whether an unforced retry may queue a task in this state.
func (s State) Retriable() bool {
	return s != StateQueued && s != StateSuccess
}

// CascadeRunnable reports whether a sibling in this state is re-offered
// when another task of the same document reports back. Tasks waiting on
// dependencies are handled separately, see Cascade.
func (s State) CascadeRunnable() bool {
	switch s {
	case StateCreated, StateErrorInvalidInput, StateErrorProxy:
		return true
	}
	return false
}

// Cascade reports whether a sibling in state s should be run after a
// task of the same document reported the state reported.
func Cascade(s, reported State) bool {
	if s.CascadeRunnable() {
		return true
	}
	return s == StateUnfinishedDependency && reported != StateUnfinishedDependency
}

// ParseState accepts a numeric code or a symbolic name.
func ParseState(v string) (State, error) {
	v = strings.TrimSpace(v)
	if n, err := strconv.Atoi(v); err == nil {
		s := State(n)
		if !s.Valid() {
			return 0, fmt.Errorf("unknown state code %d", n)
		}
		return s, nil
	}
	upper := strings.ToUpper(v)
	for s, name := range stateNames {
		if name == upper {
			return s, nil
		}
	}
	return 0, fmt.Errorf("unknown state %q", v)
}

// UnmarshalJSON accepts the integer code. Unknown codes are kept so that a
// worker reporting a new code does not lose its reply.
func (s *State) UnmarshalJSON(data []byte) error {
	var n int
	if err := json.Unmarshal(data, &n); err != nil {
		return fmt.Errorf("state must be an integer code: %w", err)
	}
	*s = State(n)
	return nil
}
