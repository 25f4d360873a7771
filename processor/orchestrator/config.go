package orchestrator

import (
	"fmt"
	"reflect"
	"time"

	"github.com/c360studio/semstreams/component"
)

// orchestratorSchema defines the configuration schema.
var orchestratorSchema = component.GenerateConfigSchema(reflect.TypeOf(Config{}))

// Config holds configuration for the orchestrator component.
type Config struct {
	// ConsumerName is the durable consumer reading worker replies.
	ConsumerName string `json:"consumer_name" yaml:"consumer_name" schema:"type:string,description:Durable consumer for worker replies,category:basic,default:orchestrator"`

	// FetchTimeout is how long one fetch waits for a reply.
	FetchTimeout string `json:"fetch_timeout" yaml:"fetch_timeout" schema:"type:string,description:Wait per reply fetch,category:advanced,default:5s"`

	// CacheSize bounds the task to document lookup cache.
	CacheSize int `json:"cache_size" yaml:"cache_size" schema:"type:int,description:Entries in the task owner cache,category:advanced,default:4096,min:1"`

	// BulkLimit bounds concurrent store writes during bulk assignment.
	BulkLimit int `json:"bulk_limit" yaml:"bulk_limit" schema:"type:int,description:Concurrent writes during bulk assignment,category:advanced,default:16,min:1,max:256"`
}

// DefaultConfig returns sensible default configuration.
func DefaultConfig() Config {
	return Config{
		ConsumerName: "orchestrator",
		FetchTimeout: "5s",
		CacheSize:    DefaultCacheSize,
		BulkLimit:    16,
	}
}

// Validate validates the configuration.
func (c *Config) Validate() error {
	if c.ConsumerName == "" {
		return fmt.Errorf("consumer_name is required")
	}
	if c.FetchTimeout != "" {
		if _, err := time.ParseDuration(c.FetchTimeout); err != nil {
			return fmt.Errorf("invalid fetch_timeout: %w", err)
		}
	}
	if c.CacheSize < 0 {
		return fmt.Errorf("cache_size cannot be negative")
	}
	if c.BulkLimit < 0 || c.BulkLimit > 256 {
		return fmt.Errorf("bulk_limit must be between 0 and 256")
	}
	return nil
}

// GetFetchTimeout returns the fetch timeout duration.
// Returns default 5s if parsing fails.
func (c *Config) GetFetchTimeout() time.Duration {
	if c.FetchTimeout == "" {
		return 5 * time.Second
	}
	d, err := time.ParseDuration(c.FetchTimeout)
	if err != nil || d <= 0 {
		return 5 * time.Second
	}
	return d
}
