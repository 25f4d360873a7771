// Package filesize is a minimal worker that reports the size of the local
// file a document targets.
package filesize

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"net/url"
	"os"
	"strings"

	"github.com/c360studio/docflow/processor/worker"
	"github.com/c360studio/docflow/workflow"
)

// Queue and binding key the worker is registered under.
const (
	Queue      = "filesize"
	BindingKey = "*.FILESIZE"
)

// Worker implements worker.Callback.
type Worker struct {
	// SaveResults stores {"size": n} as a result of the task.
	SaveResults bool
}

// Process stats the target file and reports its size.
func (w *Worker) Process(ctx context.Context, job *worker.Job) worker.Outcome {
	path, err := localPath(job.Document.Target.URL)
	if err != nil {
		return worker.Done(workflow.StateBadRequest, err.Error())
	}

	info, err := os.Stat(path)
	switch {
	case errors.Is(err, fs.ErrNotExist):
		return worker.Done(workflow.StateNotFound, "file not found: "+path)
	case errors.Is(err, fs.ErrPermission):
		return worker.Done(workflow.StateAccessDenied, "permission denied: "+path)
	case err != nil:
		return worker.Fail(err)
	case info.IsDir():
		return worker.Done(workflow.StateBadRequest, "target is a directory: "+path)
	}

	if w.SaveResults {
		if _, err := job.SaveResult(ctx, map[string]any{"size": info.Size()}); err != nil {
			return worker.Fail(fmt.Errorf("save result: %w", err))
		}
	}
	return worker.Completed{Response: workflow.Response{
		State:   workflow.StateSuccess,
		Message: fmt.Sprintf("%d bytes", info.Size()),
		Extra:   map[string]any{"size": info.Size()},
	}}
}

// localPath accepts a file:// URL or a bare path.
func localPath(raw string) (string, error) {
	if !strings.Contains(raw, "://") {
		return url.PathUnescape(raw)
	}
	u, err := url.Parse(raw)
	if err != nil {
		return "", fmt.Errorf("invalid target url: %w", err)
	}
	if u.Scheme != "file" {
		return "", fmt.Errorf("unsupported target scheme %q", u.Scheme)
	}
	if u.Host != "" && u.Host != "localhost" {
		return "", fmt.Errorf("remote file host %q is not supported", u.Host)
	}
	return u.Path, nil
}
