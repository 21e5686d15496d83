// Package config loads the qdma-loopback configuration from YAML files.
package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"dario.cat/mergo"
	"gopkg.in/yaml.v3"

	"github.com/ehrlich-b/go-qdma/internal/constants"
	"github.com/ehrlich-b/go-qdma/internal/ring"
)

// Config is the complete binary configuration
type Config struct {
	Queue    Queue    `yaml:"queue"`
	Engine   Engine   `yaml:"engine"`
	Workload Workload `yaml:"workload"`
	Log      Log      `yaml:"log"`
	Stats    Stats    `yaml:"stats"`
}

// Queue selects the work queue to create
type Queue struct {
	Index        *int   `yaml:"index"`
	RingSize     uint32 `yaml:"ring_size"`
	Direction    string `yaml:"direction"` // h2c or c2h
	Mode         string `yaml:"mode"`      // mm or st
	EOT          bool   `yaml:"eot"`
	C2HBufSize   uint32 `yaml:"c2h_buf_size"`
	PrivDataSize int    `yaml:"priv_data_size"`
	MaxDescLen   uint32 `yaml:"max_desc_len"`
}

// Engine configures the loopback engine
type Engine struct {
	MemorySize int64         `yaml:"memory_size"`
	Latency    time.Duration `yaml:"latency"`
	FailEvery  int           `yaml:"fail_every"`
}

// Workload describes the requests the binary posts
type Workload struct {
	Requests       int           `yaml:"requests"`
	RequestSize    uint64        `yaml:"request_size"`
	Fragments      int           `yaml:"fragments"`
	Workers        int           `yaml:"workers"`
	Blocking       bool          `yaml:"blocking"`
	CancelFraction float64       `yaml:"cancel_fraction"`
	Timeout        time.Duration `yaml:"timeout"`
}

// Log configures logging
type Log struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// Stats configures the Prometheus endpoint. An empty Listen disables it.
type Stats struct {
	Listen    string        `yaml:"listen"`
	Path      string        `yaml:"path"`
	Namespace string        `yaml:"namespace"`
	Interval  time.Duration `yaml:"interval"`
}

// C2H reports whether the queue is card-to-host
func (q Queue) C2H() bool {
	return q.Direction == "c2h"
}

// Streaming reports whether the queue is in streaming mode
func (q Queue) Streaming() bool {
	return q.Mode == "st"
}

// QueueIndex returns the configured index or the auto-assign value
func (q Queue) QueueIndex() int {
	if q.Index == nil {
		return constants.AutoAssignQueueIndex
	}
	return *q.Index
}

// Default returns the built-in configuration
func Default() *Config {
	return &Config{
		Queue: Queue{
			RingSize:  constants.DefaultRingSize,
			Direction: "h2c",
			Mode:      "mm",
		},
		Engine: Engine{
			MemorySize: 64 << 20,
		},
		Workload: Workload{
			Requests:    1024,
			RequestSize: 64 << 10,
			Fragments:   4,
			Workers:     4,
			Timeout:     30 * time.Second,
		},
		Log: Log{
			Level:  "info",
			Format: "text",
		},
		Stats: Stats{
			Path:      "/metrics",
			Namespace: "qdma",
			Interval:  10 * time.Second,
		},
	}
}

// Load reads each file in order, later files overriding earlier ones, fills
// unset fields from Default and validates the result. With no paths the
// defaults are returned.
func Load(paths ...string) (*Config, error) {
	c := &Config{}
	for _, p := range paths {
		b, err := os.ReadFile(p)
		if err != nil {
			return nil, fmt.Errorf("unable to read config file %s: %w", p, err)
		}
		var fc Config
		if err := yaml.Unmarshal(b, &fc); err != nil {
			return nil, fmt.Errorf("unable to parse config file %s: %w", p, err)
		}
		if err := mergo.Merge(c, fc, mergo.WithOverride); err != nil {
			return nil, fmt.Errorf("unable to merge config file %s: %w", p, err)
		}
	}
	return finish(c)
}

// LoadString parses raw YAML, fills defaults and validates
func LoadString(raw string) (*Config, error) {
	if strings.TrimSpace(raw) == "" {
		return nil, errors.New("empty configuration")
	}
	c := &Config{}
	if err := yaml.Unmarshal([]byte(raw), c); err != nil {
		return nil, fmt.Errorf("unable to parse config: %w", err)
	}
	return finish(c)
}

func finish(c *Config) (*Config, error) {
	if err := mergo.Merge(c, Default()); err != nil {
		return nil, fmt.Errorf("unable to apply defaults: %w", err)
	}
	if err := c.Validate(); err != nil {
		return nil, err
	}
	return c, nil
}

// Validate checks the configuration for values the work queue or the
// workload cannot use
func (c *Config) Validate() error {
	var errs []error

	if !ring.IsPowerOfTwo(c.Queue.RingSize) {
		errs = append(errs, fmt.Errorf("queue.ring_size %d is not a power of two", c.Queue.RingSize))
	}
	switch c.Queue.Direction {
	case "h2c", "c2h":
	default:
		errs = append(errs, fmt.Errorf("queue.direction %q must be h2c or c2h", c.Queue.Direction))
	}
	switch c.Queue.Mode {
	case "mm", "st":
	default:
		errs = append(errs, fmt.Errorf("queue.mode %q must be mm or st", c.Queue.Mode))
	}
	if c.Queue.EOT && !(c.Queue.Streaming() && !c.Queue.C2H()) {
		errs = append(errs, errors.New("queue.eot only applies to streaming h2c queues"))
	}
	if c.Queue.PrivDataSize < 0 {
		errs = append(errs, errors.New("queue.priv_data_size can not be negative"))
	}
	if c.Queue.MaxDescLen > constants.DescBlenMax {
		errs = append(errs, fmt.Errorf("queue.max_desc_len exceeds %d", constants.DescBlenMax))
	}

	if c.Engine.MemorySize <= 0 {
		errs = append(errs, errors.New("engine.memory_size must be positive"))
	}
	if c.Engine.FailEvery < 0 {
		errs = append(errs, errors.New("engine.fail_every can not be negative"))
	}

	if c.Workload.Requests <= 0 {
		errs = append(errs, errors.New("workload.requests must be positive"))
	}
	if c.Workload.RequestSize == 0 {
		errs = append(errs, errors.New("workload.request_size must be positive"))
	}
	if c.Workload.Fragments <= 0 {
		errs = append(errs, errors.New("workload.fragments must be positive"))
	}
	if c.Workload.Workers <= 0 {
		errs = append(errs, errors.New("workload.workers must be positive"))
	}
	if c.Workload.CancelFraction < 0 || c.Workload.CancelFraction > 1 {
		errs = append(errs, fmt.Errorf("workload.cancel_fraction %v must be within [0, 1]", c.Workload.CancelFraction))
	}
	// Block-mode requests are laid out back to back in card memory.
	if !c.Queue.Streaming() &&
		uint64(c.Workload.Requests)*c.Workload.RequestSize > uint64(c.Engine.MemorySize) {
		errs = append(errs, errors.New("workload does not fit in engine.memory_size"))
	}

	switch c.Log.Format {
	case "text", "json":
	default:
		errs = append(errs, fmt.Errorf("log.format %q must be text or json", c.Log.Format))
	}

	if c.Stats.Listen != "" && c.Stats.Path == "" {
		errs = append(errs, errors.New("stats.path should not be empty"))
	}

	return errors.Join(errs...)
}
