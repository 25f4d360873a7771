package worker

import (
	"fmt"
	"reflect"
	"strings"
	"time"

	"github.com/c360studio/semstreams/component"

	"github.com/c360studio/docflow/queue"
)

// workerSchema defines the configuration schema.
var workerSchema = component.GenerateConfigSchema(reflect.TypeOf(Config{}))

// Config holds configuration for a worker runtime.
type Config struct {
	// Queue names the worker queue and the generator of its results.
	Queue string `json:"queue" yaml:"queue" schema:"type:string,description:Worker queue name,category:basic"`

	// BindingKeys select the routing keys delivered to this worker, e.g. "#.ASR".
	BindingKeys []string `json:"binding_keys" yaml:"binding_keys" schema:"type:array,description:Routing keys this worker receives,category:basic"`

	// DependsOn lists task keys that must succeed on the document first.
	DependsOn []string `json:"depends_on,omitempty" yaml:"depends_on,omitempty" schema:"type:array,description:Task keys that must be done first,category:basic"`

	// FetchTimeout bounds one wait for a message so stop requests are noticed.
	FetchTimeout string `json:"fetch_timeout" yaml:"fetch_timeout" schema:"type:string,description:Inactivity timeout per fetch,category:advanced,default:1s"`

	// Prefetch bounds messages held unacknowledged.
	Prefetch int `json:"prefetch" yaml:"prefetch" schema:"type:int,description:Unacknowledged messages held at once,category:advanced,default:1,min:1,max:64"`

	// ReplyTimeout bounds one reply publish.
	ReplyTimeout string `json:"reply_timeout" yaml:"reply_timeout" schema:"type:string,description:Timeout per reply publish,category:advanced,default:10s"`

	// TempDir and OutDir root the per-document working directories.
	TempDir string `json:"temp_dir" yaml:"temp_dir" schema:"type:string,description:Root for temporary job files,category:basic"`
	OutDir  string `json:"out_dir" yaml:"out_dir" schema:"type:string,description:Root for job output,category:basic"`
}

// DefaultConfig returns sensible default configuration.
func DefaultConfig() Config {
	return Config{
		FetchTimeout: "1s",
		Prefetch:     1,
		ReplyTimeout: "10s",
	}
}

// Validate validates the configuration.
func (c *Config) Validate() error {
	if c.Queue == "" {
		return fmt.Errorf("queue is required")
	}
	if len(c.BindingKeys) == 0 {
		return fmt.Errorf("at least one binding key is required")
	}
	for _, bk := range c.BindingKeys {
		if err := queue.ValidateBindingKey(bk); err != nil {
			return err
		}
	}
	for _, dep := range c.DependsOn {
		if dep == "" || dep != strings.ToUpper(dep) {
			return fmt.Errorf("depends_on key %q must be non-empty and upper case", dep)
		}
	}
	if c.Prefetch < 0 || c.Prefetch > 64 {
		return fmt.Errorf("prefetch must be between 1 and 64")
	}
	for name, v := range map[string]string{"fetch_timeout": c.FetchTimeout, "reply_timeout": c.ReplyTimeout} {
		if v == "" {
			continue
		}
		if _, err := time.ParseDuration(v); err != nil {
			return fmt.Errorf("invalid %s: %w", name, err)
		}
	}
	return nil
}

// GetFetchTimeout returns the fetch timeout duration.
// Returns default 1s if parsing fails.
func (c *Config) GetFetchTimeout() time.Duration {
	return parseDuration(c.FetchTimeout, time.Second)
}

// GetReplyTimeout returns the reply timeout duration.
// Returns default 10s if parsing fails.
func (c *Config) GetReplyTimeout() time.Duration {
	return parseDuration(c.ReplyTimeout, 10*time.Second)
}

// GetPrefetch returns the prefetch count, at least 1.
func (c *Config) GetPrefetch() int {
	if c.Prefetch <= 0 {
		return 1
	}
	return c.Prefetch
}

func parseDuration(v string, def time.Duration) time.Duration {
	if v == "" {
		return def
	}
	d, err := time.ParseDuration(v)
	if err != nil || d <= 0 {
		return def
	}
	return d
}
