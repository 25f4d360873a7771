package worker

import (
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/go-git/go-git/v5"
	gitconfig "github.com/go-git/go-git/v5/config"
	"github.com/go-git/go-git/v5/plumbing/object"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/c360studio/docflow/workflow"
)

func TestDocumentPath(t *testing.T) {
	tests := []struct {
		id   string
		want string
	}{
		{"abcdef0123", filepath.Join("ab", "cd", "ef", "abcdef0123")},
		{"abcdef", filepath.Join("ab", "cd", "ef", "abcdef")},
		{"abcde", filepath.Join("ab", "cd", "e", "abcde")},
		{"ab", filepath.Join("ab", "ab")},
		{"a", filepath.Join("a", "a")},
	}
	for _, tt := range tests {
		if got := documentPath(tt.id); got != tt.want {
			t.Errorf("documentPath(%q) = %q, want %q", tt.id, got, tt.want)
		}
	}
}

func TestJob_Dirs(t *testing.T) {
	root := t.TempDir()
	job := &Job{
		Document: &workflow.Document{ID: "0a1b2c3d4e"},
		tempRoot: filepath.Join(root, "temp"),
		outRoot:  filepath.Join(root, "out"),
		logger:   slog.Default(),
	}

	dirs, err := job.Dirs(true, false)
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(root, "temp", "0a", "1b", "2c", "0a1b2c3d4e"), dirs.Temp)
	assert.Equal(t, filepath.Join(root, "out", "0a", "1b", "2c", "0a1b2c3d4e"), dirs.Out)

	info, err := os.Stat(dirs.Temp)
	require.NoError(t, err)
	assert.True(t, info.IsDir())
	_, err = os.Stat(dirs.Out)
	assert.True(t, os.IsNotExist(err), "out dir is only created on request")

	_, err = job.Dirs(true, true)
	require.NoError(t, err)
	_, err = os.Stat(dirs.Out)
	assert.NoError(t, err)
}

func TestDetectGenerator_NotARepository(t *testing.T) {
	_, ok, err := DetectGenerator(t.TempDir(), "probe")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestDetectGenerator_FromRepository(t *testing.T) {
	dir := t.TempDir()
	repo, err := git.PlainInit(dir, false)
	require.NoError(t, err)

	// Without an origin remote there is no homepage to report.
	_, ok, err := DetectGenerator(dir, "probe")
	require.NoError(t, err)
	assert.False(t, ok)

	_, err = repo.CreateRemote(&gitconfig.RemoteConfig{
		Name: "origin",
		URLs: []string{"https://git.example.com/workers/probe.git"},
	})
	require.NoError(t, err)

	gen, ok, err := DetectGenerator(dir, "probe")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "NO-REV", gen.ID, "no commits yet")
	assert.Equal(t, "https://git.example.com/workers/probe.git", gen.Homepage)

	require.NoError(t, os.WriteFile(filepath.Join(dir, "main.go"), []byte("package main\n"), 0o644))
	wt, err := repo.Worktree()
	require.NoError(t, err)
	_, err = wt.Add("main.go")
	require.NoError(t, err)
	hash, err := wt.Commit("initial", &git.CommitOptions{
		Author: &object.Signature{Name: "dev", Email: "dev@example.com", When: time.Now()},
	})
	require.NoError(t, err)

	sub := filepath.Join(dir, "cmd")
	require.NoError(t, os.Mkdir(sub, 0o755))
	gen, ok, err = DetectGenerator(sub, "probe")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, hash.String()[:7], gen.ID)
	assert.Equal(t, "Software", gen.Type)
	require.NoError(t, gen.Validate())
	assert.Equal(t, "PROBE", gen.Name)
}

func TestConfigValidate(t *testing.T) {
	valid := func() Config {
		cfg := DefaultConfig()
		cfg.Queue = "probe"
		cfg.BindingKeys = []string{"#.PROBE"}
		return cfg
	}
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr bool
	}{
		{"valid", func(*Config) {}, false},
		{"no queue", func(c *Config) { c.Queue = "" }, true},
		{"no binding keys", func(c *Config) { c.BindingKeys = nil }, true},
		{"bad type filter", func(c *Config) { c.BindingKeys = []string{"Movie.PROBE"} }, true},
		{"lower case dependency", func(c *Config) { c.DependsOn = []string{"download"} }, true},
		{"bad fetch timeout", func(c *Config) { c.FetchTimeout = "often" }, true},
		{"prefetch too large", func(c *Config) { c.Prefetch = 65 }, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := valid()
			tt.mutate(&cfg)
			err := cfg.Validate()
			if (err != nil) != tt.wantErr {
				t.Errorf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}

	cfg := valid()
	cfg.Prefetch = 0
	cfg.FetchTimeout = ""
	if got := cfg.GetPrefetch(); got != 1 {
		t.Errorf("GetPrefetch() = %d, want 1", got)
	}
	if got := cfg.GetFetchTimeout(); got != time.Second {
		t.Errorf("GetFetchTimeout() = %v, want 1s", got)
	}
}
