package workflow

import (
	"context"
	"fmt"
	"slices"
	"strings"
	"time"
)

// Generator identifies the software that produced a result.
type Generator struct {
	ID       string `json:"id"`
	Name     string `json:"name"`
	Type     string `json:"type"`
	Homepage string `json:"homepage"`
}

// Validate checks the generator fields and upper-cases the name.
func (g *Generator) Validate() error {
	if g.ID == "" {
		return &ValidationError{Field: "generator.id", Message: "generator.id is required"}
	}
	g.Name = strings.ToUpper(strings.TrimSpace(g.Name))
	if g.Name == "" {
		return &ValidationError{Field: "generator.name", Message: "generator name cannot be empty"}
	}
	if !slices.Contains(AgentTypes, g.Type) {
		return &ValidationError{
			Field:   "generator.type",
			Message: fmt.Sprintf("invalid generator type %q, valid types are: %s", g.Type, strings.Join(AgentTypes, ", ")),
		}
	}
	if g.Homepage == "" {
		return &ValidationError{Field: "generator.homepage", Message: "generator.homepage is required"}
	}
	return nil
}

// Result is the output a worker produced for a task.
type Result struct {
	ID        string         `json:"id,omitempty"`
	TaskID    string         `json:"task_id,omitempty"`
	Generator Generator      `json:"generator"`
	Payload   map[string]any `json:"payload"`
	CreatedAt time.Time      `json:"created_at,omitzero"`
}

// NewResult validates the generator and wraps the payload.
func NewResult(generator Generator, payload map[string]any) (*Result, error) {
	if err := generator.Validate(); err != nil {
		return nil, err
	}
	if payload == nil {
		payload = map[string]any{}
	}
	return &Result{Generator: generator, Payload: payload}, nil
}

// Save stores the result under taskID and records its identity.
func (r *Result) Save(ctx context.Context, api ResultAPI, taskID string) error {
	id, err := api.RegisterResult(ctx, r, taskID)
	if err != nil {
		return err
	}
	r.ID = id
	r.TaskID = taskID
	return nil
}

// Delete removes a saved result.
func (r *Result) Delete(ctx context.Context, api ResultAPI) error {
	if r.ID == "" {
		return fmt.Errorf("delete result: %w", ErrUnregistered)
	}
	return api.DeleteResult(ctx, r.ID)
}
