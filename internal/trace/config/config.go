// Package config holds tracer session configuration.
//
// A Config starts from Default, is optionally loaded from a TOML, YAML or
// JSON file, and is then overridden by EXECTRACE_* environment variables.
// The environment variable for an option is its file key in upper case,
// e.g. trace_lines -> EXECTRACE_TRACE_LINES. List options take comma
// separated values.
package config

import (
	"os"
	"path/filepath"
	"reflect"
	"strconv"
	"strings"

	"github.com/BurntSushi/toml"
	"github.com/hashicorp/go-multierror"
	"github.com/joho/godotenv"
	jsoniter "github.com/json-iterator/go"
	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"
)

// EnvPrefix prefixes every environment override.
const EnvPrefix = "EXECTRACE_"

// EnvConfigFile names a configuration file to load before the environment
// overrides are applied.
const EnvConfigFile = EnvPrefix + "CONFIG"

// Config is the configuration of a trace session.
type Config struct {
	// LogFilePath is the durable log destination. Empty disables the log.
	LogFilePath string `toml:"log_file_path" yaml:"log_file_path" json:"log_file_path"`

	TraceLines      bool `toml:"trace_lines" yaml:"trace_lines" json:"trace_lines"`
	TraceCalls      bool `toml:"trace_calls" yaml:"trace_calls" json:"trace_calls"`
	TraceReturns    bool `toml:"trace_returns" yaml:"trace_returns" json:"trace_returns"`
	TraceExceptions bool `toml:"trace_exceptions" yaml:"trace_exceptions" json:"trace_exceptions"`

	IncludeSourceText bool `toml:"include_source_text" yaml:"include_source_text" json:"include_source_text"`

	// ExcludePatterns and IncludePatterns are path substrings or globs.
	ExcludePatterns []string `toml:"exclude_patterns" yaml:"exclude_patterns" json:"exclude_patterns"`
	IncludePatterns []string `toml:"include_patterns" yaml:"include_patterns" json:"include_patterns"`

	IncludeArgs         bool `toml:"include_args" yaml:"include_args" json:"include_args"`
	IncludeReturnValues bool `toml:"include_return_values" yaml:"include_return_values" json:"include_return_values"`
	MaxArgLength        int  `toml:"max_arg_length" yaml:"max_arg_length" json:"max_arg_length"`

	// MaxBufferedEvents bounds the in-memory buffer. Zero is unbounded.
	MaxBufferedEvents int `toml:"max_buffered_events" yaml:"max_buffered_events" json:"max_buffered_events"`

	SummaryPath   string `toml:"summary_path" yaml:"summary_path" json:"summary_path"`
	SummaryFormat string `toml:"summary_format" yaml:"summary_format" json:"summary_format"`

	// SQLitePath enables the SQLite event sink.
	SQLitePath string `toml:"sqlite_path" yaml:"sqlite_path" json:"sqlite_path"`

	// MonitorAddr enables the live HTTP monitor, e.g. "127.0.0.1:9090".
	MonitorAddr string `toml:"monitor_addr" yaml:"monitor_addr" json:"monitor_addr"`

	PrintSummary bool `toml:"print_summary" yaml:"print_summary" json:"print_summary"`

	// LogLevel is the level of the tracer's own diagnostics.
	LogLevel string `toml:"log_level" yaml:"log_level" json:"log_level"`
}

// Default returns the default configuration: every event kind traced,
// source text and payloads included, unbounded buffer.
func Default() Config {
	return Config{
		LogFilePath:         "execution_trace.log",
		TraceLines:          true,
		TraceCalls:          true,
		TraceReturns:        true,
		TraceExceptions:     true,
		IncludeSourceText:   true,
		IncludeArgs:         true,
		IncludeReturnValues: true,
		MaxArgLength:        200,
		SummaryPath:         "execution_summary.json",
		SummaryFormat:       "json",
		LogLevel:            "warning",
	}
}

// Load reads path on top of Default. The format follows the extension:
// .toml, .yaml/.yml or .json. Options missing from the file keep their
// default values.
func Load(path string) (Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, errors.Wrap(err, "read config")
	}

	switch ext := strings.ToLower(filepath.Ext(path)); ext {
	case ".toml":
		_, err = toml.Decode(string(data), &cfg)
	case ".yaml", ".yml":
		err = yaml.Unmarshal(data, &cfg)
	case ".json":
		err = jsoniter.ConfigCompatibleWithStandardLibrary.Unmarshal(data, &cfg)
	default:
		return cfg, errors.Errorf("unsupported config format %q", ext)
	}
	if err != nil {
		return cfg, errors.Wrapf(err, "parse %s", path)
	}
	return cfg, nil
}

// FromEnvironment builds a Config from Default, the file named by
// EXECTRACE_CONFIG (if any) and EXECTRACE_* overrides. A .env file in the
// working directory is loaded first; it never overrides variables already
// set in the process environment.
func FromEnvironment() (Config, error) {
	if _, err := os.Stat(".env"); err == nil {
		if err := godotenv.Load(); err != nil {
			return Default(), errors.Wrap(err, "load .env")
		}
	}

	cfg := Default()
	if path := os.Getenv(EnvConfigFile); path != "" {
		var err error
		if cfg, err = Load(path); err != nil {
			return cfg, err
		}
	}

	if err := cfg.ApplyEnv(os.LookupEnv); err != nil {
		return cfg, err
	}
	return cfg, cfg.Validate()
}

// ApplyEnv overrides options from the environment. lookup is usually
// os.LookupEnv. Every malformed variable is reported.
func (c *Config) ApplyEnv(lookup func(string) (string, bool)) error {
	var result *multierror.Error

	v := reflect.ValueOf(c).Elem()
	t := v.Type()
	for i := 0; i < t.NumField(); i++ {
		key := EnvPrefix + strings.ToUpper(t.Field(i).Tag.Get("toml"))
		raw, ok := lookup(key)
		if !ok {
			continue
		}

		f := v.Field(i)
		switch f.Kind() {
		case reflect.String:
			f.SetString(raw)
		case reflect.Bool:
			b, err := strconv.ParseBool(strings.TrimSpace(raw))
			if err != nil {
				result = multierror.Append(result, errors.Wrapf(err, "%s", key))
				continue
			}
			f.SetBool(b)
		case reflect.Int:
			n, err := strconv.Atoi(strings.TrimSpace(raw))
			if err != nil {
				result = multierror.Append(result, errors.Wrapf(err, "%s", key))
				continue
			}
			f.SetInt(int64(n))
		case reflect.Slice:
			f.Set(reflect.ValueOf(splitList(raw)))
		}
	}
	return result.ErrorOrNil()
}

// Validate reports every invalid option.
func (c *Config) Validate() error {
	var result *multierror.Error
	if c.MaxArgLength < 0 {
		result = multierror.Append(result, errors.New("max_arg_length must not be negative"))
	}
	if c.MaxBufferedEvents < 0 {
		result = multierror.Append(result, errors.New("max_buffered_events must not be negative"))
	}
	switch strings.ToLower(c.SummaryFormat) {
	case "", "json", "msgpack":
	default:
		result = multierror.Append(result, errors.Errorf("unknown summary_format %q", c.SummaryFormat))
	}
	return result.ErrorOrNil()
}

func splitList(raw string) []string {
	var out []string
	for _, p := range strings.Split(raw, ",") {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}
