package workflow

import (
	"context"
	"fmt"
	"net/url"
	"slices"
	"strings"
	"time"
)

// Valid target types.
var TargetTypes = []string{"Dataset", "Image", "Video", "Sound", "Text"}

// Valid creator and generator types.
var AgentTypes = []string{"Organization", "Human", "Software"}

// Target describes the external material a document refers to.
type Target struct {
	ID   string `json:"id"`
	URL  string `json:"url"`
	Type string `json:"type"`
}

// Creator identifies the owner of a document.
type Creator struct {
	ID   string `json:"id"`
	Type string `json:"type"`
}

// Document is the subject that tasks are applied to.
type Document struct {
	ID        string    `json:"id,omitempty"`
	Target    Target    `json:"target"`
	Creator   Creator   `json:"creator"`
	CreatedAt time.Time `json:"created_at,omitzero"`
	UpdatedAt time.Time `json:"updated_at,omitzero"`
}

// NewDocument validates and normalises a document before registration.
func NewDocument(target Target, creator Creator) (*Document, error) {
	d := &Document{Target: target, Creator: creator}
	if err := d.Validate(); err != nil {
		return nil, err
	}
	return d, nil
}

// Validate checks required fields and enumerations, and normalises the
// target URL.
func (d *Document) Validate() error {
	if d.Target.ID == "" {
		return &ValidationError{Field: "target.id", Message: "target.id is required"}
	}
	if d.Target.URL == "" {
		return &ValidationError{Field: "target.url", Message: "target.url is required"}
	}
	if !slices.Contains(TargetTypes, d.Target.Type) {
		return &ValidationError{
			Field:   "target.type",
			Message: fmt.Sprintf("invalid target type %q, valid types are: %s", d.Target.Type, strings.Join(TargetTypes, ", ")),
		}
	}
	if d.Creator.ID == "" {
		return &ValidationError{Field: "creator.id", Message: "creator.id is required"}
	}
	if !slices.Contains(AgentTypes, d.Creator.Type) {
		return &ValidationError{
			Field:   "creator.type",
			Message: fmt.Sprintf("invalid creator type %q, valid types are: %s", d.Creator.Type, strings.Join(AgentTypes, ", ")),
		}
	}
	d.Target.URL = normaliseURL(d.Target.URL)
	return nil
}

// normaliseURL trims the URL and escapes characters that are not allowed
// unescaped, leaving existing escapes alone.
func normaliseURL(raw string) string {
	raw = strings.TrimSpace(raw)
	u, err := url.Parse(raw)
	if err != nil {
		return raw
	}
	return u.String()
}

// Identity returns the deterministic identity this document registers under.
func (d *Document) Identity() string {
	return DocumentID(d.Target.ID, d.Creator.ID)
}

// Register stores the document and records its identity.
func (d *Document) Register(ctx context.Context, api DocumentAPI) error {
	if d.ID != "" {
		return fmt.Errorf("register document %s: %w", d.ID, ErrDocumentExists)
	}
	id, err := api.RegisterDocument(ctx, d)
	if err != nil {
		return err
	}
	d.ID = id
	return nil
}

// Delete removes the document with its tasks and results.
func (d *Document) Delete(ctx context.Context, api DocumentAPI) error {
	if d.ID == "" {
		return ErrUnregistered
	}
	return api.DeleteDocument(ctx, d.ID)
}

// AssignedTasks lists the tasks of the document, optionally only those with key.
func (d *Document) AssignedTasks(ctx context.Context, api DocumentAPI, key string) ([]*Task, error) {
	if d.ID == "" {
		return nil, ErrUnregistered
	}
	return api.AssignedTasks(ctx, d.ID, strings.ToUpper(key))
}
