package workflow

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
)

// ContainerKind selects how a container drives its elements.
type ContainerKind string

const (
	// KindSequential runs one element at a time in insertion order.
	KindSequential ContainerKind = "sequential"
	// KindParallel runs every element that is not done.
	KindParallel ContainerKind = "parallel"
)

// Valid reports whether k is a known container kind.
func (k ContainerKind) Valid() bool {
	return k == KindSequential || k == KindParallel
}

// Element is a task or a nested container.
type Element interface {
	Run(ctx context.Context, api TaskAPI) error
	Retry(ctx context.Context, api TaskAPI, force bool) error
	IsDone(ctx context.Context, api TaskAPI) (bool, error)
	CurrentState(ctx context.Context, api TaskAPI) (State, error)
	Assign(ctx context.Context, api TaskAPI, documentID string) error
	Refresh(ctx context.Context, api TaskAPI) error
	Apply(fn func(*Task))
}

var (
	_ Element = (*Task)(nil)
	_ Element = (*Container)(nil)
)

// Container groups tasks to describe the order they should first run in.
// It is never stored; the orchestrator only sees the individual tasks.
type Container struct {
	kind     ContainerKind
	elements []Element
}

// NewContainer builds a container of the given kind.
func NewContainer(kind ContainerKind, elements ...Element) (*Container, error) {
	if !kind.Valid() {
		return nil, fmt.Errorf("%w: %q", ErrUnknownContainer, kind)
	}
	return &Container{kind: kind, elements: elements}, nil
}

// Sequential returns a container that runs its elements one at a time.
func Sequential(elements ...Element) *Container {
	return &Container{kind: KindSequential, elements: elements}
}

// Parallel returns a container that runs all of its elements at once.
func Parallel(elements ...Element) *Container {
	return &Container{kind: KindParallel, elements: elements}
}

// Kind returns the container kind.
func (c *Container) Kind() ContainerKind { return c.kind }

// Len returns the number of direct elements.
func (c *Container) Len() int { return len(c.elements) }

// Elements returns the direct elements.
func (c *Container) Elements() []Element { return c.elements }

// Add appends a task or container.
func (c *Container) Add(e Element) *Container {
	c.elements = append(c.elements, e)
	return c
}

// Tasks returns every leaf task in traversal order.
func (c *Container) Tasks() []*Task {
	var out []*Task
	c.Apply(func(t *Task) { out = append(out, t) })
	return out
}

// Run runs the first unfinished element (sequential) or every unfinished
// element (parallel).
func (c *Container) Run(ctx context.Context, api TaskAPI) error {
	return c.each(ctx, api, func(e Element) error { return e.Run(ctx, api) })
}

// Retry mirrors Run with retry semantics.
func (c *Container) Retry(ctx context.Context, api TaskAPI, force bool) error {
	return c.each(ctx, api, func(e Element) error { return e.Retry(ctx, api, force) })
}

func (c *Container) each(ctx context.Context, api TaskAPI, fn func(Element) error) error {
	for _, e := range c.elements {
		done, err := e.IsDone(ctx, api)
		if err != nil {
			return err
		}
		if done {
			continue
		}
		if err := fn(e); err != nil {
			return err
		}
		if c.kind == KindSequential {
			return nil
		}
	}
	return nil
}

// IsDone reports whether every element is done. An empty container is done.
func (c *Container) IsDone(ctx context.Context, api TaskAPI) (bool, error) {
	for _, e := range c.elements {
		done, err := e.IsDone(ctx, api)
		if err != nil || !done {
			return false, err
		}
	}
	return true, nil
}

// CurrentState returns the state of the first unfinished element, or
// SUCCESS when all are done.
func (c *Container) CurrentState(ctx context.Context, api TaskAPI) (State, error) {
	for _, e := range c.elements {
		done, err := e.IsDone(ctx, api)
		if err != nil {
			return 0, err
		}
		if !done {
			return e.CurrentState(ctx, api)
		}
	}
	return StateSuccess, nil
}

// Assign assigns every leaf task to the document. Assignment runs each
// task, so a sequential container relies on workers declaring their
// dependencies to hold later tasks back.
func (c *Container) Assign(ctx context.Context, api TaskAPI, documentID string) error {
	for _, e := range c.elements {
		if err := e.Assign(ctx, api, documentID); err != nil {
			return err
		}
	}
	return nil
}

// Refresh reloads the state of every leaf task.
func (c *Container) Refresh(ctx context.Context, api TaskAPI) error {
	for _, e := range c.elements {
		if err := e.Refresh(ctx, api); err != nil {
			return err
		}
	}
	return nil
}

// Apply calls fn on every leaf task.
func (c *Container) Apply(fn func(*Task)) {
	for _, e := range c.elements {
		e.Apply(fn)
	}
}

// MarshalJSON encodes the container as {"<kind>": [elements...]}.
func (c *Container) MarshalJSON() ([]byte, error) {
	elems := c.elements
	if elems == nil {
		elems = []Element{}
	}
	return json.Marshal(map[ContainerKind][]Element{c.kind: elems})
}

// UnmarshalJSON implements json.Unmarshaler.
func (c *Container) UnmarshalJSON(data []byte) error {
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	if len(raw) != 1 {
		return fmt.Errorf("%w: container must have exactly one kind key", ErrUnknownContainer)
	}
	for k, v := range raw {
		kind := ContainerKind(k)
		if !kind.Valid() {
			return fmt.Errorf("%w: %q", ErrUnknownContainer, k)
		}
		var items []json.RawMessage
		if err := json.Unmarshal(v, &items); err != nil {
			return fmt.Errorf("decode %s elements: %w", kind, err)
		}
		c.kind = kind
		c.elements = make([]Element, 0, len(items))
		for i, item := range items {
			e, err := ParseElement(item)
			if err != nil {
				return fmt.Errorf("decode %s element %d: %w", kind, i, err)
			}
			c.elements = append(c.elements, e)
		}
	}
	return nil
}

// ParseElement decodes either a container or a task. Objects whose only
// key holds an array are containers and must name a known kind.
func ParseElement(data []byte) (Element, error) {
	var probe map[string]json.RawMessage
	if err := json.Unmarshal(data, &probe); err != nil {
		return nil, err
	}
	if len(probe) == 1 {
		for _, v := range probe {
			if bytes.HasPrefix(bytes.TrimSpace(v), []byte("[")) {
				var c Container
				if err := json.Unmarshal(data, &c); err != nil {
					return nil, err
				}
				return &c, nil
			}
		}
	}
	var t Task
	if err := json.Unmarshal(data, &t); err != nil {
		return nil, err
	}
	return &t, nil
}
