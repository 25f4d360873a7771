package worker

import (
	"context"
	"fmt"

	"github.com/c360studio/docflow/workflow"
)

// checkDependencies reports whether every dependency of the worker has
// succeeded on the document, and lists the dependency keys that are not
// assigned to it yet. The missing list is always complete. Once an
// assigned dependency is found unfinished the remaining assigned ones are
// not inspected.
func (r *Runtime) checkDependencies(ctx context.Context, documentID string) (bool, []string, error) {
	if len(r.cfg.DependsOn) == 0 {
		return true, nil, nil
	}

	assigned, err := r.api.AssignedTasks(ctx, documentID, "")
	if err != nil {
		return false, nil, fmt.Errorf("list assigned tasks: %w", err)
	}
	byKey := make(map[string][]*workflow.Task, len(assigned))
	for _, t := range assigned {
		byKey[t.Key] = append(byKey[t.Key], t)
	}

	done := true
	var missing []string
	for _, dep := range r.cfg.DependsOn {
		tasks, ok := byKey[dep]
		if !ok {
			missing = append(missing, dep)
			done = false
			continue
		}
		if !done {
			continue
		}
		for _, t := range tasks {
			if t.State != workflow.StateSuccess {
				done = false
				break
			}
		}
	}
	return done, missing, nil
}
