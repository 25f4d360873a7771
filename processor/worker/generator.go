package worker

import (
	"errors"
	"fmt"

	"github.com/go-git/go-git/v5"

	"github.com/c360studio/docflow/workflow"
)

// noRevision stands in for a HEAD that cannot be resolved, e.g. a
// repository without commits.
const noRevision = "NO-REV"

// ErrNoGenerator is returned when saving a result from a worker that has
// no generator identity.
var ErrNoGenerator = errors.New("worker has no generator identity")

// DetectGenerator derives the worker's generator identity from the git
// repository containing dir: the short HEAD revision and the origin remote.
// It reports false when dir is not inside a repository.
func DetectGenerator(dir, queueName string) (workflow.Generator, bool, error) {
	repo, err := git.PlainOpenWithOptions(dir, &git.PlainOpenOptions{DetectDotGit: true})
	if errors.Is(err, git.ErrRepositoryNotExists) {
		return workflow.Generator{}, false, nil
	}
	if err != nil {
		return workflow.Generator{}, false, fmt.Errorf("open repository: %w", err)
	}

	gen := workflow.Generator{
		ID:   noRevision,
		Type: "Software",
		Name: queueName,
	}
	if head, err := repo.Head(); err == nil {
		gen.ID = head.Hash().String()[:7]
	}

	remote, err := repo.Remote("origin")
	switch {
	case errors.Is(err, git.ErrRemoteNotFound):
		return gen, false, nil
	case err != nil:
		return workflow.Generator{}, false, fmt.Errorf("read origin remote: %w", err)
	}
	if urls := remote.Config().URLs; len(urls) > 0 {
		gen.Homepage = urls[0]
	}
	if gen.Homepage == "" {
		return gen, false, nil
	}
	return gen, true, nil
}
