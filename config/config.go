// Package config assembles the orchestrator's tunables (spec §6.6) from
// defaults, environment variables, and functional options, in the
// three-layer priority order used throughout the teacher's core.Config:
// defaults < environment < functional options.
package config

import (
	"os"
	"strconv"
	"strings"
	"time"
)

// Config holds every tunable enumerated in spec §6.6.
type Config struct {
	WorkerDispatchTimeout        time.Duration `json:"worker_dispatch_timeout" env:"BLUEPRINT_WORKER_DISPATCH_TIMEOUT" default:"120s"`
	DecisionTimeout               time.Duration `json:"decision_timeout" env:"BLUEPRINT_DECISION_TIMEOUT" default:"300s"`
	RunTimeout                    time.Duration `json:"run_timeout" env:"BLUEPRINT_RUN_TIMEOUT" default:"30m"`
	RetryBudget                   int           `json:"retry_budget" env:"BLUEPRINT_RETRY_BUDGET" default:"2"`
	BroadcasterSubscriberBuffer   int           `json:"broadcaster_subscriber_buffer" env:"BLUEPRINT_BROADCASTER_BUFFER" default:"256"`
	ParallelDispatchEnabled       bool          `json:"parallel_dispatch_enabled" env:"BLUEPRINT_PARALLEL_DISPATCH" default:"false"`
	BrainTierOverrides            map[string]string `json:"brain_tier_overrides"`
	IntentConfidenceFloor         float64       `json:"intent_confidence_floor" env:"BLUEPRINT_INTENT_CONFIDENCE_FLOOR" default:"0.5"`

	// QABlockOnError is the open-question flag of spec §9: whether a
	// qa_findings severity=error finding blocks export. Defaults true.
	QABlockOnError bool `json:"qa_block_on_error" env:"BLUEPRINT_QA_BLOCK_ON_ERROR" default:"true"`

	// RedisURL, if set, enables the optional Redis-backed collaborators
	// (state.RedisSink, decision.RedisStore, registry.RedisBackedRegistry).
	RedisURL string `json:"redis_url" env:"BLUEPRINT_REDIS_URL"`

	// OTelEndpoint, if set, enables OpenTelemetry export of spans and
	// metrics via telemetry.OTelProvider. Empty leaves the daemon on
	// core.NoOpTelemetry.
	OTelEndpoint string `json:"otel_endpoint" env:"BLUEPRINT_OTEL_ENDPOINT"`

	// ServiceName identifies this process to the telemetry backend.
	ServiceName string `json:"service_name" env:"BLUEPRINT_SERVICE_NAME" default:"blueprint-orchestrator"`
}

// Option mutates a Config under construction, applied after env vars so
// functional options win (highest priority), per the teacher's convention.
type Option func(*Config)

// WithWorkerDispatchTimeout overrides the per-worker dispatch timeout.
func WithWorkerDispatchTimeout(d time.Duration) Option {
	return func(c *Config) { c.WorkerDispatchTimeout = d }
}

// WithDecisionTimeout overrides the per-decision timeout.
func WithDecisionTimeout(d time.Duration) Option {
	return func(c *Config) { c.DecisionTimeout = d }
}

// WithRunTimeout overrides the overall per-run ceiling.
func WithRunTimeout(d time.Duration) Option {
	return func(c *Config) { c.RunTimeout = d }
}

// WithRetryBudget overrides the max retries per worker dispatch.
func WithRetryBudget(n int) Option {
	return func(c *Config) { c.RetryBudget = n }
}

// WithBroadcasterSubscriberBuffer overrides the per-subscriber event buffer bound.
func WithBroadcasterSubscriberBuffer(n int) Option {
	return func(c *Config) { c.BroadcasterSubscriberBuffer = n }
}

// WithParallelDispatch toggles the optional concurrent-step optimization (spec §4.7.2).
func WithParallelDispatch(enabled bool) Option {
	return func(c *Config) { c.ParallelDispatchEnabled = enabled }
}

// WithBrainTierOverrides forces specific workers to a fixed model tier.
func WithBrainTierOverrides(overrides map[string]string) Option {
	return func(c *Config) { c.BrainTierOverrides = overrides }
}

// WithIntentConfidenceFloor overrides the LLM classification acceptance threshold.
func WithIntentConfidenceFloor(f float64) Option {
	return func(c *Config) { c.IntentConfidenceFloor = f }
}

// WithQABlockOnError sets whether a qa_findings severity=error finding
// blocks export (spec §9 open question, defaults true).
func WithQABlockOnError(block bool) Option {
	return func(c *Config) { c.QABlockOnError = block }
}

// WithRedisURL enables the optional Redis-backed collaborators.
func WithRedisURL(url string) Option {
	return func(c *Config) { c.RedisURL = url }
}

// WithOTelEndpoint enables OpenTelemetry export to the given OTLP/HTTP
// endpoint.
func WithOTelEndpoint(endpoint string) Option {
	return func(c *Config) { c.OTelEndpoint = endpoint }
}

func defaults() *Config {
	return &Config{
		WorkerDispatchTimeout:       120 * time.Second,
		DecisionTimeout:             300 * time.Second,
		RunTimeout:                  30 * time.Minute,
		RetryBudget:                 2,
		BroadcasterSubscriberBuffer: 256,
		ParallelDispatchEnabled:     false,
		BrainTierOverrides:          map[string]string{},
		IntentConfidenceFloor:       0.5,
		QABlockOnError:              true,
		ServiceName:                 "blueprint-orchestrator",
	}
}

func applyEnv(c *Config) {
	if v := os.Getenv("BLUEPRINT_WORKER_DISPATCH_TIMEOUT"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			c.WorkerDispatchTimeout = d
		}
	}
	if v := os.Getenv("BLUEPRINT_DECISION_TIMEOUT"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			c.DecisionTimeout = d
		}
	}
	if v := os.Getenv("BLUEPRINT_RUN_TIMEOUT"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			c.RunTimeout = d
		}
	}
	if v := os.Getenv("BLUEPRINT_RETRY_BUDGET"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.RetryBudget = n
		}
	}
	if v := os.Getenv("BLUEPRINT_BROADCASTER_BUFFER"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.BroadcasterSubscriberBuffer = n
		}
	}
	if v := os.Getenv("BLUEPRINT_PARALLEL_DISPATCH"); v != "" {
		c.ParallelDispatchEnabled = strings.EqualFold(v, "true") || v == "1"
	}
	if v := os.Getenv("BLUEPRINT_INTENT_CONFIDENCE_FLOOR"); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			c.IntentConfidenceFloor = f
		}
	}
	if v := os.Getenv("BLUEPRINT_QA_BLOCK_ON_ERROR"); v != "" {
		c.QABlockOnError = strings.EqualFold(v, "true") || v == "1"
	}
	if v := os.Getenv("BLUEPRINT_REDIS_URL"); v != "" {
		c.RedisURL = v
	}
	if v := os.Getenv("BLUEPRINT_OTEL_ENDPOINT"); v != "" {
		c.OTelEndpoint = v
	}
	if v := os.Getenv("BLUEPRINT_SERVICE_NAME"); v != "" {
		c.ServiceName = v
	}
}

// New builds a Config from defaults, then environment variables, then opts,
// in that priority order.
func New(opts ...Option) *Config {
	c := defaults()
	applyEnv(c)
	for _, opt := range opts {
		opt(c)
	}
	return c
}
