// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package config holds every tunable of the tool server.
//
// Each option has one documented default. Values are merged in a fixed
// order: defaults, then environment variables, then CLI flags applied by the
// caller. Validate runs last.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
)

// Ledger backends.
const (
	LedgerFile   = "file"
	LedgerBadger = "badger"
)

// Config is the complete server configuration.
//
// # Fields
//
//   - Port: HTTP listen port. ANALYST_MCP_PORT, default 8001.
//   - AuthToken: Bearer credential. Empty disables auth. ANALYST_MCP_AUTH_TOKEN.
//   - ResourceTimeout: resources/list and resources/read budget.
//     ANALYST_MCP_RESOURCE_TIMEOUT_SEC, default 5.
//   - TemplateIOTimeout: Golden template reads inside tools.
//     ANALYST_MCP_TEMPLATE_IO_TIMEOUT_SEC, default 5.
//   - LoadTimeout: Dataset loads from disk or GCS. ANALYST_MCP_LOAD_TIMEOUT_SEC,
//     default 60.
//   - StructuredLogs: JSON logs. nil selects JSON when stderr is not a
//     terminal. ANALYST_MCP_STRUCTURED_LOGS.
//   - SessionTTL, SweepInterval: Idle session expiry and sweep period.
//     ANALYST_MCP_SESSION_TTL_SEC (3600), ANALYST_MCP_SWEEP_INTERVAL_SEC (60).
//   - LedgerBackend: "file" (JSON array per run) or "badger".
//     ANALYST_MCP_LEDGER_BACKEND.
//   - JobStatePath: Badger directory for async jobs. Empty with
//     InMemoryState keeps jobs in memory. ANALYST_MCP_JOB_STATE_PATH.
//
// The remaining fields follow the same pattern; see FromEnv.
type Config struct {
	Port      int    `validate:"min=1,max=65535"`
	AuthToken string `json:"-"`
	Version   string `validate:"required"`

	ResourceTimeout   time.Duration `validate:"gt=0"`
	TemplateIOTimeout time.Duration `validate:"gt=0"`
	LoadTimeout       time.Duration `validate:"gt=0"`
	ShutdownTimeout   time.Duration `validate:"gt=0"`

	StructuredLogs *bool
	LogLevel       string `validate:"oneof=debug info warn error"`
	LogDir         string

	SessionTTL    time.Duration `validate:"gt=0"`
	SweepInterval time.Duration `validate:"gt=0"`

	HistoryDir      string `validate:"required"`
	LedgerBackend   string `validate:"oneof=file badger"`
	BadgerDir       string `validate:"required_if=LedgerBackend badger"`
	JobStatePath    string
	InMemoryState   bool
	JobWorkers      int `validate:"min=1,max=64"`
	RunHistoryLimit int `validate:"min=1"`

	TemplateDir                string `validate:"required"`
	MaxTemplateBytes           int64  `validate:"min=1"`
	AdvertiseResourceTemplates bool

	ExportDir      string `validate:"required"`
	ReportBucket   string `validate:"omitempty,startswith=gs://"`
	ReportPrefix   string
	GCPCredentials string `validate:"omitempty,file"`
	MirrorHistory  bool

	RateLimitRPS   float64 `validate:"gte=0"`
	RateLimitBurst int     `validate:"gte=0"`

	TraceExporter  string `validate:"oneof=none stdout otlp"`
	MetricExporter string `validate:"oneof=none prometheus stdout"`
	OTLPEndpoint   string `validate:"required_if=TraceExporter otlp"`
	Environment    string

	GinMode string `validate:"oneof=debug release test"`
}

// Default returns the configuration used when nothing is set.
func Default() Config {
	return Config{
		Port:              8001,
		Version:           "0.1.0",
		ResourceTimeout:   5 * time.Second,
		TemplateIOTimeout: 5 * time.Second,
		LoadTimeout:       60 * time.Second,
		ShutdownTimeout:   10 * time.Second,
		LogLevel:          "info",

		SessionTTL:    time.Hour,
		SweepInterval: time.Minute,

		HistoryDir:      filepath.Join("exports", "reports", "history"),
		LedgerBackend:   LedgerFile,
		JobStatePath:    filepath.Join("exports", "reports", "jobs"),
		JobWorkers:      2,
		RunHistoryLimit: 50,

		TemplateDir:                filepath.Join("config", "golden_templates"),
		MaxTemplateBytes:           1 << 20,
		AdvertiseResourceTemplates: true,

		ExportDir:    "exports",
		ReportPrefix: "analyst_toolkit/reports",

		TraceExporter:  "none",
		MetricExporter: "prometheus",
		OTLPEndpoint:   "localhost:4317",
		Environment:    "development",
		GinMode:        "release",
	}
}

// LookupFunc reads one environment variable. os.LookupEnv satisfies it.
type LookupFunc func(key string) (string, bool)

// FromEnv loads Default overridden by the process environment.
func FromEnv() (Config, error) {
	return Load(os.LookupEnv)
}

// Load loads Default overridden by lookup, then validates.
//
// # Outputs
//
//   - Config: Fully populated.
//   - error: The first unparsable variable, or the validation failures.
func Load(lookup LookupFunc) (Config, error) {
	cfg := Default()
	r := reader{lookup: lookup}

	r.int("ANALYST_MCP_PORT", &cfg.Port)
	r.str("ANALYST_MCP_AUTH_TOKEN", &cfg.AuthToken)
	r.str("ANALYST_MCP_VERSION", &cfg.Version)
	r.seconds("ANALYST_MCP_RESOURCE_TIMEOUT_SEC", &cfg.ResourceTimeout)
	r.seconds("ANALYST_MCP_TEMPLATE_IO_TIMEOUT_SEC", &cfg.TemplateIOTimeout)
	r.seconds("ANALYST_MCP_LOAD_TIMEOUT_SEC", &cfg.LoadTimeout)
	r.seconds("ANALYST_MCP_SHUTDOWN_TIMEOUT_SEC", &cfg.ShutdownTimeout)
	r.optionalBool("ANALYST_MCP_STRUCTURED_LOGS", &cfg.StructuredLogs)
	r.str("ANALYST_MCP_LOG_LEVEL", &cfg.LogLevel)
	r.str("ANALYST_MCP_LOG_DIR", &cfg.LogDir)
	r.seconds("ANALYST_MCP_SESSION_TTL_SEC", &cfg.SessionTTL)
	r.seconds("ANALYST_MCP_SWEEP_INTERVAL_SEC", &cfg.SweepInterval)
	r.str("ANALYST_MCP_HISTORY_DIR", &cfg.HistoryDir)
	r.str("ANALYST_MCP_LEDGER_BACKEND", &cfg.LedgerBackend)
	r.str("ANALYST_MCP_BADGER_DIR", &cfg.BadgerDir)
	r.str("ANALYST_MCP_JOB_STATE_PATH", &cfg.JobStatePath)
	r.bool("ANALYST_MCP_IN_MEMORY_STATE", &cfg.InMemoryState)
	r.int("ANALYST_MCP_JOB_WORKERS", &cfg.JobWorkers)
	r.int("ANALYST_MCP_RUN_HISTORY_LIMIT", &cfg.RunHistoryLimit)
	r.str("ANALYST_MCP_TEMPLATE_DIR", &cfg.TemplateDir)
	r.int64("ANALYST_MCP_MAX_TEMPLATE_BYTES", &cfg.MaxTemplateBytes)
	r.bool("ANALYST_MCP_ADVERTISE_RESOURCE_TEMPLATES", &cfg.AdvertiseResourceTemplates)
	r.str("ANALYST_MCP_EXPORT_DIR", &cfg.ExportDir)
	r.str("ANALYST_REPORT_BUCKET", &cfg.ReportBucket)
	r.str("ANALYST_REPORT_PREFIX", &cfg.ReportPrefix)
	r.str("ANALYST_MCP_GCP_CREDENTIALS", &cfg.GCPCredentials)
	r.bool("ANALYST_MCP_MIRROR_HISTORY", &cfg.MirrorHistory)
	r.float("ANALYST_MCP_RATE_LIMIT_RPS", &cfg.RateLimitRPS)
	r.int("ANALYST_MCP_RATE_LIMIT_BURST", &cfg.RateLimitBurst)
	r.str("ANALYST_MCP_TRACE_EXPORTER", &cfg.TraceExporter)
	r.str("ANALYST_MCP_METRIC_EXPORTER", &cfg.MetricExporter)
	r.str("OTEL_EXPORTER_OTLP_ENDPOINT", &cfg.OTLPEndpoint)
	r.str("ANALYST_ENV", &cfg.Environment)
	r.str("GIN_MODE", &cfg.GinMode)

	var traceStdout bool
	r.bool("ANALYST_MCP_TRACE_STDOUT", &traceStdout)
	if traceStdout {
		cfg.TraceExporter = "stdout"
	}

	if r.err != nil {
		return Config{}, r.err
	}
	cfg.ApplyDefaults()
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// ApplyDefaults fills derived values. It is idempotent.
func (c *Config) ApplyDefaults() {
	c.ReportBucket = strings.TrimRight(strings.TrimSpace(c.ReportBucket), "/")
	c.ReportPrefix = strings.Trim(strings.TrimSpace(c.ReportPrefix), "/")
	if c.BadgerDir == "" && c.LedgerBackend == LedgerBadger {
		c.BadgerDir = filepath.Join(c.HistoryDir, "badger")
	}
	if c.RateLimitRPS > 0 && c.RateLimitBurst == 0 {
		c.RateLimitBurst = int(c.RateLimitRPS) + 1
	}
	c.LogLevel = strings.ToLower(c.LogLevel)
}

var validate = validator.New()

// Validate checks the struct tags.
func (c Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		if verrs, ok := err.(validator.ValidationErrors); ok {
			parts := make([]string, 0, len(verrs))
			for _, fe := range verrs {
				parts = append(parts, fmt.Sprintf("%s: failed %q (value %v)", fe.Field(), fe.Tag(), redact(fe)))
			}
			return fmt.Errorf("invalid configuration: %s", strings.Join(parts, "; "))
		}
		return fmt.Errorf("invalid configuration: %w", err)
	}
	return nil
}

// AuthEnabled reports whether requests must carry a bearer token.
func (c Config) AuthEnabled() bool {
	return c.AuthToken != ""
}

// Addr is the listen address.
func (c Config) Addr() string {
	return fmt.Sprintf(":%d", c.Port)
}

func redact(fe validator.FieldError) any {
	if fe.Field() == "AuthToken" {
		return "[redacted]"
	}
	return fe.Value()
}

// =============================================================================
// Environment reader
// =============================================================================

type reader struct {
	lookup LookupFunc
	err    error
}

func (r *reader) get(key string) (string, bool) {
	if r.err != nil || r.lookup == nil {
		return "", false
	}
	v, ok := r.lookup(key)
	v = strings.TrimSpace(v)
	if !ok || v == "" {
		return "", false
	}
	return v, true
}

func (r *reader) fail(key, value string, err error) {
	r.err = fmt.Errorf("parse %s=%q: %w", key, value, err)
}

func (r *reader) str(key string, dst *string) {
	if v, ok := r.get(key); ok {
		*dst = v
	}
}

func (r *reader) int(key string, dst *int) {
	if v, ok := r.get(key); ok {
		n, err := strconv.Atoi(v)
		if err != nil {
			r.fail(key, v, err)
			return
		}
		*dst = n
	}
}

func (r *reader) int64(key string, dst *int64) {
	if v, ok := r.get(key); ok {
		n, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			r.fail(key, v, err)
			return
		}
		*dst = n
	}
}

func (r *reader) float(key string, dst *float64) {
	if v, ok := r.get(key); ok {
		f, err := strconv.ParseFloat(v, 64)
		if err != nil {
			r.fail(key, v, err)
			return
		}
		*dst = f
	}
}

// seconds accepts fractional seconds ("0.5") or a Go duration ("500ms").
func (r *reader) seconds(key string, dst *time.Duration) {
	v, ok := r.get(key)
	if !ok {
		return
	}
	if f, err := strconv.ParseFloat(v, 64); err == nil {
		*dst = time.Duration(f * float64(time.Second))
		return
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		r.fail(key, v, err)
		return
	}
	*dst = d
}

func (r *reader) bool(key string, dst *bool) {
	if v, ok := r.get(key); ok {
		b, err := parseBool(v)
		if err != nil {
			r.fail(key, v, err)
			return
		}
		*dst = b
	}
}

func (r *reader) optionalBool(key string, dst **bool) {
	if v, ok := r.get(key); ok {
		b, err := parseBool(v)
		if err != nil {
			r.fail(key, v, err)
			return
		}
		*dst = &b
	}
}

func parseBool(v string) (bool, error) {
	switch strings.ToLower(v) {
	case "1", "true", "yes", "on":
		return true, nil
	case "0", "false", "no", "off":
		return false, nil
	}
	return false, fmt.Errorf("not a boolean")
}
