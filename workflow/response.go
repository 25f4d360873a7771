package workflow

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"
)

// Response is what a worker reports back for a task.
type Response struct {
	State        State          `json:"state"`
	Message      string         `json:"message"`
	Dependencies []Dependency   `json:"dependencies,omitempty"`
	Extra        map[string]any `json:"extra,omitempty"`
}

// Validate checks the fields required on every reply.
func (r *Response) Validate() error {
	if r.State == 0 {
		return &ValidationError{Field: "state", Message: "state is required"}
	}
	return nil
}

// Dependency is a prerequisite a worker asks to be assigned, given either
// as a bare key or as a full task descriptor. An entry that fails to
// decode keeps its error and reports it from NewTask, so one bad entry
// does not discard the rest of the reply.
type Dependency struct {
	Key  string
	Task *Task

	err error
}

// KeyDependency returns a dependency on the task key.
func KeyDependency(key string) Dependency {
	return Dependency{Key: strings.ToUpper(key)}
}

// NewTask returns an unassigned task for the dependency.
func (d Dependency) NewTask() (*Task, error) {
	if d.err != nil {
		return nil, d.err
	}
	if d.Task != nil {
		return NewTask(d.Task.Key, d.Task.Priority, d.Task.Args)
	}
	return NewTask(d.Key, DefaultPriority, nil)
}

// Err returns the decode error of the entry, if any.
func (d Dependency) Err() error {
	return d.err
}

// MarshalJSON implements json.Marshaler.
func (d Dependency) MarshalJSON() ([]byte, error) {
	if d.Task != nil {
		return json.Marshal(d.Task)
	}
	return json.Marshal(d.Key)
}

// UnmarshalJSON implements json.Unmarshaler. It never fails on a
// syntactically valid entry; see NewTask.
func (d *Dependency) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if len(data) > 0 && data[0] == '"' {
		var key string
		if err := json.Unmarshal(data, &key); err != nil {
			return err
		}
		key = strings.TrimSpace(key)
		*d = KeyDependency(key)
		if key == "" {
			d.err = &ValidationError{Field: "dependencies", Message: "dependency key cannot be empty"}
		} else if err := ValidateKey(d.Key); err != nil {
			d.err = err
		}
		return nil
	}
	var t Task
	if err := json.Unmarshal(data, &t); err != nil {
		*d = Dependency{err: fmt.Errorf("decode dependency %s: %w", data, err)}
		return nil
	}
	*d = Dependency{Key: t.Key, Task: &t}
	return nil
}

// Message is the body a worker receives for a queued task.
type Message struct {
	Task     *Task     `json:"task"`
	Document *Document `json:"document"`
}

// Validate checks that both sections are present and well formed.
func (m *Message) Validate() error {
	if m.Task == nil {
		return &ValidationError{Field: "task", Message: "task is required"}
	}
	if m.Document == nil {
		return &ValidationError{Field: "document", Message: "document is required"}
	}
	if m.Task.ID == "" {
		return &ValidationError{Field: "task.id", Message: "task.id is required"}
	}
	if m.Document.ID == "" {
		return &ValidationError{Field: "document.id", Message: "document.id is required"}
	}
	if err := m.Task.Validate(); err != nil {
		return err
	}
	return m.Document.Validate()
}
