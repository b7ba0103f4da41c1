// Package config holds the validated, JSON-persisted Options record
// (spec §6.4) that configures every other component: connection
// limits, bandwidth shaping, the concurrency governor, retry timing,
// priority aging, and persistence.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/dlforge/dlforge/internal/errs"
	"github.com/dlforge/dlforge/internal/queue"
)

// Options is the full set of user-configurable execution policy
// knobs named in spec §6.4.
type Options struct {
	MaxConnections                int   `json:"max_connections"`
	MultiConnectionThresholdBytes int64 `json:"multi_connection_threshold_bytes"`
	MinSegmentSizeBytes           int64 `json:"min_segment_size_bytes"`
	ChunkSizeBytes                int64 `json:"chunk_size_bytes"`

	EnableBandwidthLimiting  bool  `json:"enable_bandwidth_limiting"`
	GlobalBandwidthLimitBps  int64 `json:"global_bandwidth_limit_bps"`
	PerTaskBandwidthLimitBps int64 `json:"per_task_bandwidth_limit_bps"`

	MaxActiveDownloads int  `json:"max_active_downloads"`
	PerHostEnabled     bool `json:"per_host_enabled"`
	PerHostMaxActive   int  `json:"per_host_max_active"`

	RetryEnabled       bool    `json:"retry_enabled"`
	RetryMaxAttempts   int     `json:"retry_max_attempts"`
	RetryBackoffBaseS  float64 `json:"retry_backoff_base_s"`
	RetryBackoffMaxS   float64 `json:"retry_backoff_max_s"`
	RetryJitterMode    string  `json:"retry_jitter_mode"`

	PriorityAgingEnabled      bool `json:"priority_aging_enabled"`
	PriorityAgingStep         int  `json:"priority_aging_step"`
	PriorityAgingIntervalS    float64 `json:"priority_aging_interval_s"`

	PersistQueue    bool   `json:"persist_queue"`
	QueueStatePath  string `json:"queue_state_path"`

	ProgressThrottleMs int `json:"progress_throttle_ms"`
}

// Default returns the defaults named in spec §6.4.
func Default() *Options {
	return &Options{
		MaxConnections:                4,
		MultiConnectionThresholdBytes: 8 << 20,
		MinSegmentSizeBytes:           1 << 20,
		ChunkSizeBytes:                64 << 10,

		EnableBandwidthLimiting:  false,
		GlobalBandwidthLimitBps:  0,
		PerTaskBandwidthLimitBps: 0,

		MaxActiveDownloads: 2,
		PerHostEnabled:     true,
		PerHostMaxActive:   2,

		RetryEnabled:      false,
		RetryMaxAttempts:  3,
		RetryBackoffBaseS: 1,
		RetryBackoffMaxS:  30,
		RetryJitterMode:   "proportional",

		PriorityAgingEnabled:   false,
		PriorityAgingStep:      1,
		PriorityAgingIntervalS: 30,

		PersistQueue:   false,
		QueueStatePath: "",

		ProgressThrottleMs: 250,
	}
}

// Nil-safe getters: a nil *Options behaves exactly like Default(),
// so callers never have to special-case "options not supplied".

func (o *Options) GetMaxConnections() int {
	if o == nil || o.MaxConnections <= 0 {
		return Default().MaxConnections
	}
	return o.MaxConnections
}

func (o *Options) GetMultiConnectionThresholdBytes() int64 {
	if o == nil || o.MultiConnectionThresholdBytes <= 0 {
		return Default().MultiConnectionThresholdBytes
	}
	return o.MultiConnectionThresholdBytes
}

func (o *Options) GetMinSegmentSizeBytes() int64 {
	if o == nil || o.MinSegmentSizeBytes <= 0 {
		return Default().MinSegmentSizeBytes
	}
	return o.MinSegmentSizeBytes
}

func (o *Options) GetChunkSizeBytes() int64 {
	if o == nil || o.ChunkSizeBytes <= 0 {
		return Default().ChunkSizeBytes
	}
	return o.ChunkSizeBytes
}

func (o *Options) GetMaxActiveDownloads() int {
	if o == nil || o.MaxActiveDownloads <= 0 {
		return Default().MaxActiveDownloads
	}
	return o.MaxActiveDownloads
}

func (o *Options) GetPerHostMaxActive() int {
	if o == nil || o.PerHostMaxActive <= 0 {
		return Default().PerHostMaxActive
	}
	return o.PerHostMaxActive
}

func (o *Options) GetPerHostEnabled() bool {
	if o == nil {
		return Default().PerHostEnabled
	}
	return o.PerHostEnabled
}

func (o *Options) GetProgressThrottle() time.Duration {
	ms := Default().ProgressThrottleMs
	if o != nil && o.ProgressThrottleMs > 0 {
		ms = o.ProgressThrottleMs
	}
	return time.Duration(ms) * time.Millisecond
}

func (o *Options) GetRetryBackoffBase() time.Duration {
	s := Default().RetryBackoffBaseS
	if o != nil && o.RetryBackoffBaseS > 0 {
		s = o.RetryBackoffBaseS
	}
	return time.Duration(s * float64(time.Second))
}

func (o *Options) GetRetryBackoffMax() time.Duration {
	s := Default().RetryBackoffMaxS
	if o != nil && o.RetryBackoffMaxS > 0 {
		s = o.RetryBackoffMaxS
	}
	return time.Duration(s * float64(time.Second))
}

func (o *Options) GetPriorityAgingInterval() time.Duration {
	s := Default().PriorityAgingIntervalS
	if o != nil && o.PriorityAgingIntervalS > 0 {
		s = o.PriorityAgingIntervalS
	}
	return time.Duration(s * float64(time.Second))
}

// ToQueuePolicy adapts Options into the queue package's Policy shape.
func (o *Options) ToQueuePolicy() queue.Policy {
	jitter := queue.JitterMode(o.jitterMode())
	return queue.Policy{
		MaxActiveDownloads:    o.GetMaxActiveDownloads(),
		PerHostEnabled:        o.GetPerHostEnabled(),
		PerHostMaxActive:      o.GetPerHostMaxActive(),
		RetryEnabled:          o.retryEnabled(),
		RetryMaxAttempts:      o.retryMaxAttempts(),
		RetryBackoffBase:      o.GetRetryBackoffBase(),
		RetryBackoffMax:       o.GetRetryBackoffMax(),
		RetryJitterMode:       jitter,
		PriorityAgingEnabled:  o.agingEnabled(),
		PriorityAgingStep:     o.agingStep(),
		PriorityAgingInterval: o.GetPriorityAgingInterval(),
	}
}

func (o *Options) jitterMode() string {
	if o == nil || o.RetryJitterMode == "" {
		return Default().RetryJitterMode
	}
	return o.RetryJitterMode
}

func (o *Options) retryEnabled() bool {
	if o == nil {
		return Default().RetryEnabled
	}
	return o.RetryEnabled
}

func (o *Options) retryMaxAttempts() int {
	if o == nil || o.RetryMaxAttempts <= 0 {
		return Default().RetryMaxAttempts
	}
	return o.RetryMaxAttempts
}

func (o *Options) agingEnabled() bool {
	if o == nil {
		return Default().PriorityAgingEnabled
	}
	return o.PriorityAgingEnabled
}

func (o *Options) agingStep() int {
	if o == nil || o.PriorityAgingStep <= 0 {
		return Default().PriorityAgingStep
	}
	return o.PriorityAgingStep
}

// Validate rejects configurations that would violate spec invariants.
func (o *Options) Validate() error {
	if o == nil {
		return nil
	}
	if o.MaxConnections < 0 || o.MaxConnections > 16 {
		return errs.New(errs.Validation, "config.validate", fmt.Errorf("max_connections must be in [1,16], got %d", o.MaxConnections))
	}
	if o.RetryJitterMode != "" && o.RetryJitterMode != "none" && o.RetryJitterMode != "full" && o.RetryJitterMode != "proportional" {
		return errs.New(errs.Validation, "config.validate", fmt.Errorf("unknown retry_jitter_mode %q", o.RetryJitterMode))
	}
	if o.MinSegmentSizeBytes < 0 {
		return errs.New(errs.Validation, "config.validate", fmt.Errorf("min_segment_size_bytes must be >= 0"))
	}
	if o.ChunkSizeBytes < 0 {
		return errs.New(errs.Validation, "config.validate", fmt.Errorf("chunk_size_bytes must be >= 0"))
	}
	if o.PersistQueue && o.QueueStatePath == "" {
		return errs.New(errs.Validation, "config.validate", fmt.Errorf("persist_queue requires queue_state_path"))
	}
	return nil
}

// Load reads Options from path, falling back to Default() if the file
// does not exist.
func Load(path string) (*Options, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return Default(), nil
		}
		return nil, errs.New(errs.Validation, "config.load", err)
	}

	opts := Default()
	if err := json.Unmarshal(data, opts); err != nil {
		return nil, errs.New(errs.Validation, "config.load", err)
	}
	if err := opts.Validate(); err != nil {
		return nil, err
	}
	return opts, nil
}

// Save writes opts to path atomically.
func Save(path string, opts *Options) error {
	if err := opts.Validate(); err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return errs.New(errs.IOWrite, "config.save", err)
	}
	data, err := json.MarshalIndent(opts, "", "  ")
	if err != nil {
		return errs.New(errs.Validation, "config.save", err)
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0644); err != nil {
		return errs.New(errs.IOWrite, "config.save", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return errs.New(errs.IOWrite, "config.save", err)
	}
	return nil
}
