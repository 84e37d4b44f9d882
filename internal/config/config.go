// Package config loads telefender settings from a file, TELEFENDER_*
// environment variables and command-line overrides, in increasing order of
// precedence. The merged settings are validated and defaulted by an
// embedded CUE schema before they are decoded.
package config

import (
	_ "embed"
	"errors"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"cuelang.org/go/cue"
	"cuelang.org/go/cue/cuecontext"
	cueerrors "cuelang.org/go/cue/errors"
	"github.com/spf13/viper"
)

//go:embed schema.cue
var schemaSource string

// EnvPrefix prefixes every environment override.
const EnvPrefix = "TELEFENDER"

// Config is the decoded configuration.
type Config struct {
	// File is the configuration file that was read, if any.
	File string `json:"-"`

	ServerURL      string `json:"server_url"`
	Database       string `json:"database"`
	DataDir        string `json:"data_dir"`
	InstanceNumber string `json:"instance_number"`
	DefaultRegion  string `json:"default_region"`

	UploadBatchSize     int           `json:"upload_batch_size"`
	UploadMaxAttempts   int           `json:"upload_max_attempts"`
	DownloadMaxAttempts int           `json:"download_max_attempts"`
	RetryDelay          time.Duration `json:"retry_delay"`
	ExecuteMaxAttempts  int           `json:"execute_max_attempts"`
	CallLogLookback     time.Duration `json:"call_log_lookback"`
	CallLogMaxAttempts  int           `json:"call_log_max_attempts"`
	SyncInterval        time.Duration `json:"sync_interval"`
	PollInterval        time.Duration `json:"poll_interval"`

	MetricsAddr        string `json:"metrics_addr"`
	OTLPEndpoint       string `json:"otlp_endpoint"`
	PushURL            string `json:"push_url"`
	LogFile            string `json:"log_file"`
	NativeContactsFile string `json:"native_contacts_file"`
	NativeCallsFile    string `json:"native_calls_file"`
}

// raw mirrors the schema; durations are still strings.
type raw struct {
	ServerURL           string `json:"server_url"`
	Database            string `json:"database"`
	DataDir             string `json:"data_dir"`
	InstanceNumber      string `json:"instance_number"`
	DefaultRegion       string `json:"default_region"`
	UploadBatchSize     int    `json:"upload_batch_size"`
	UploadMaxAttempts   int    `json:"upload_max_attempts"`
	DownloadMaxAttempts int    `json:"download_max_attempts"`
	RetryDelay          string `json:"retry_delay"`
	ExecuteMaxAttempts  int    `json:"execute_max_attempts"`
	CallLogLookback     string `json:"call_log_lookback"`
	CallLogMaxAttempts  int    `json:"call_log_max_attempts"`
	SyncInterval        string `json:"sync_interval"`
	PollInterval        string `json:"poll_interval"`
	MetricsAddr         string `json:"metrics_addr"`
	OTLPEndpoint        string `json:"otlp_endpoint"`
	PushURL             string `json:"push_url"`
	LogFile             string `json:"log_file"`
	NativeContactsFile  string `json:"native_contacts_file"`
	NativeCallsFile     string `json:"native_calls_file"`
}

type kind int

const (
	kindString kind = iota
	kindInt
)

// keys lists every setting with the type it is coerced to before
// validation. Environment variables always arrive as strings.
var keys = map[string]kind{
	"server_url":            kindString,
	"database":              kindString,
	"data_dir":              kindString,
	"instance_number":       kindString,
	"default_region":        kindString,
	"upload_batch_size":     kindInt,
	"upload_max_attempts":   kindInt,
	"download_max_attempts": kindInt,
	"retry_delay":           kindString,
	"execute_max_attempts":  kindInt,
	"call_log_lookback":     kindString,
	"call_log_max_attempts": kindInt,
	"sync_interval":         kindString,
	"poll_interval":         kindString,
	"metrics_addr":          kindString,
	"otlp_endpoint":         kindString,
	"push_url":              kindString,
	"log_file":              kindString,
	"native_contacts_file":  kindString,
	"native_calls_file":     kindString,
}

// ValidationError reports settings the schema rejected.
type ValidationError struct {
	Details string
}

func (e *ValidationError) Error() string {
	return "invalid configuration: " + e.Details
}

// IsValidationError reports whether err is a *ValidationError.
func IsValidationError(err error) bool {
	var ve *ValidationError
	return errors.As(err, &ve)
}

type options struct {
	file      string
	searchDir []string
	overrides map[string]any
}

// Option configures Load.
type Option func(*options)

// WithFile reads exactly this file. A missing file is an error.
func WithFile(path string) Option {
	return func(o *options) { o.file = path }
}

// WithSearchPath adds a directory searched for telefender.{yaml,toml,json}
// when no file is given.
func WithSearchPath(dir string) Option {
	return func(o *options) { o.searchDir = append(o.searchDir, dir) }
}

// WithOverride sets key with the highest precedence, typically from a
// command-line flag.
func WithOverride(key string, value any) Option {
	return func(o *options) { o.overrides[key] = value }
}

// Load reads, validates and decodes the configuration.
func Load(opts ...Option) (*Config, error) {
	o := options{overrides: make(map[string]any)}
	for _, opt := range opts {
		opt(&o)
	}

	v := viper.New()
	v.SetEnvPrefix(EnvPrefix)
	for key := range keys {
		if err := v.BindEnv(key); err != nil {
			return nil, fmt.Errorf("config: bind env %s: %w", key, err)
		}
	}

	if o.file != "" {
		v.SetConfigFile(o.file)
	} else {
		v.SetConfigName("telefender")
		for _, dir := range o.searchDir {
			v.AddConfigPath(dir)
		}
	}
	if o.file != "" || len(o.searchDir) > 0 {
		if err := v.ReadInConfig(); err != nil {
			var notFound viper.ConfigFileNotFoundError
			if o.file != "" || !errors.As(err, &notFound) {
				return nil, fmt.Errorf("config: read: %w", err)
			}
		}
	}
	for key, value := range o.overrides {
		v.Set(key, value)
	}

	settings := make(map[string]any)
	for _, key := range v.AllKeys() {
		if !v.IsSet(key) {
			continue
		}
		value, err := coerce(key, v.Get(key))
		if err != nil {
			return nil, &ValidationError{Details: err.Error()}
		}
		settings[key] = value
	}

	cfg, err := decode(settings)
	if err != nil {
		return nil, err
	}
	cfg.File = v.ConfigFileUsed()
	cfg.resolvePaths()
	return cfg, nil
}

// Default returns the configuration with every default applied.
func Default() *Config {
	cfg, err := decode(map[string]any{})
	if err != nil {
		panic(fmt.Sprintf("config: schema defaults do not validate: %v", err))
	}
	cfg.resolvePaths()
	return cfg
}

func decode(settings map[string]any) (*Config, error) {
	ctx := cuecontext.New()
	schema := ctx.CompileString(schemaSource, cue.Filename("schema.cue"))
	if err := schema.Err(); err != nil {
		return nil, fmt.Errorf("config: compile schema: %w", err)
	}

	value := schema.LookupPath(cue.ParsePath("#Config")).Unify(ctx.Encode(settings))
	if err := value.Validate(cue.Concrete(true)); err != nil {
		return nil, &ValidationError{Details: strings.TrimSpace(cueerrors.Details(err, nil))}
	}

	var r raw
	if err := value.Decode(&r); err != nil {
		return nil, fmt.Errorf("config: decode: %w", err)
	}

	cfg := &Config{
		ServerURL:           r.ServerURL,
		Database:            r.Database,
		DataDir:             r.DataDir,
		InstanceNumber:      r.InstanceNumber,
		DefaultRegion:       r.DefaultRegion,
		UploadBatchSize:     r.UploadBatchSize,
		UploadMaxAttempts:   r.UploadMaxAttempts,
		DownloadMaxAttempts: r.DownloadMaxAttempts,
		ExecuteMaxAttempts:  r.ExecuteMaxAttempts,
		CallLogMaxAttempts:  r.CallLogMaxAttempts,
		MetricsAddr:         r.MetricsAddr,
		OTLPEndpoint:        r.OTLPEndpoint,
		PushURL:             r.PushURL,
		LogFile:             r.LogFile,
		NativeContactsFile:  r.NativeContactsFile,
		NativeCallsFile:     r.NativeCallsFile,
	}
	durations := []struct {
		key string
		src string
		dst *time.Duration
	}{
		{"retry_delay", r.RetryDelay, &cfg.RetryDelay},
		{"call_log_lookback", r.CallLogLookback, &cfg.CallLogLookback},
		{"sync_interval", r.SyncInterval, &cfg.SyncInterval},
		{"poll_interval", r.PollInterval, &cfg.PollInterval},
	}
	for _, d := range durations {
		parsed, err := time.ParseDuration(d.src)
		if err != nil {
			return nil, &ValidationError{Details: fmt.Sprintf("%s: %v", d.key, err)}
		}
		*d.dst = parsed
	}
	return cfg, nil
}

// resolvePaths places the database and native provider files inside the
// data directory unless they are given explicitly.
func (c *Config) resolvePaths() {
	if c.Database == "" {
		c.Database = filepath.Join(c.DataDir, "telefender.db")
	}
	if c.NativeContactsFile == "" {
		c.NativeContactsFile = filepath.Join(c.DataDir, "contacts.json")
	}
	if c.NativeCallsFile == "" {
		c.NativeCallsFile = filepath.Join(c.DataDir, "calls.json")
	}
}

// LockFile is the path of the single-instance lock for the data directory.
func (c *Config) LockFile() string {
	return filepath.Join(c.DataDir, "telefender.lock")
}

// EnsureDataDir creates the data directory if needed.
func (c *Config) EnsureDataDir() error {
	if err := os.MkdirAll(c.DataDir, 0o755); err != nil {
		return fmt.Errorf("config: create data dir: %w", err)
	}
	return nil
}

// coerce converts a value to the type the schema expects for key. Unknown
// keys pass through unchanged so the closed schema can reject them.
func coerce(key string, value any) (any, error) {
	k, known := keys[key]
	if !known {
		return value, nil
	}
	switch k {
	case kindInt:
		switch n := value.(type) {
		case int:
			return n, nil
		case int64:
			return int(n), nil
		case float64:
			if n != math.Trunc(n) {
				return nil, fmt.Errorf("%s: %v is not an integer", key, n)
			}
			return int(n), nil
		case string:
			i, err := strconv.Atoi(strings.TrimSpace(n))
			if err != nil {
				return nil, fmt.Errorf("%s: %q is not an integer", key, n)
			}
			return i, nil
		}
		return value, nil
	default:
		switch s := value.(type) {
		case string:
			return s, nil
		case time.Duration:
			return s.String(), nil
		case fmt.Stringer:
			return s.String(), nil
		}
		return value, nil
	}
}
