package worker

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/c360studio/docflow/workflow"
)

// Job is one delivered task together with the document it applies to.
type Job struct {
	Task     *workflow.Task
	Document *workflow.Document

	api       API
	generator *workflow.Generator
	tempRoot  string
	outRoot   string
	logger    *slog.Logger
}

// SaveResult stores payload as a result of the job's task, attributed to
// the worker's generator.
func (j *Job) SaveResult(ctx context.Context, payload map[string]any) (*workflow.Result, error) {
	if j.generator == nil {
		return nil, ErrNoGenerator
	}
	result, err := workflow.NewResult(*j.generator, payload)
	if err != nil {
		return nil, err
	}
	if err := result.Save(ctx, j.api, j.Task.ID); err != nil {
		return nil, fmt.Errorf("save result for task %s: %w", j.Task.ID, err)
	}
	return result, nil
}

// Dirs is a pair of per-document working directories.
type Dirs struct {
	Temp string
	Out  string
}

// Dirs returns the temporary and output directories of the job's document,
// creating the requested ones. Paths nest up to three two-character chunks
// of the document id before the id itself, e.g. TEMP/ab/cd/ef/abcdef123.
func (j *Job) Dirs(createTemp, createOut bool) (Dirs, error) {
	sub := documentPath(j.Document.ID)
	dirs := Dirs{
		Temp: filepath.Join(j.tempRoot, sub),
		Out:  filepath.Join(j.outRoot, sub),
	}
	if createTemp {
		j.log().Debug("Creating temp dir", "path", dirs.Temp)
		if err := os.MkdirAll(dirs.Temp, 0o755); err != nil {
			return Dirs{}, fmt.Errorf("create temp dir: %w", err)
		}
	}
	if createOut {
		j.log().Debug("Creating out dir", "path", dirs.Out)
		if err := os.MkdirAll(dirs.Out, 0o755); err != nil {
			return Dirs{}, fmt.Errorf("create out dir: %w", err)
		}
	}
	return dirs, nil
}

func (j *Job) log() *slog.Logger {
	if j.logger == nil {
		return slog.Default()
	}
	return j.logger
}

func documentPath(id string) string {
	parts := make([]string, 0, 4)
	for i := 0; i < min(len(id), 6); i += 2 {
		parts = append(parts, id[i:min(i+2, len(id))])
	}
	return filepath.Join(append(parts, id)...)
}
