package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeFile(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestDefault(t *testing.T) {
	cfg := Default()
	assert.True(t, cfg.TraceLines)
	assert.True(t, cfg.TraceCalls)
	assert.True(t, cfg.TraceReturns)
	assert.True(t, cfg.TraceExceptions)
	assert.True(t, cfg.IncludeSourceText)
	assert.Zero(t, cfg.MaxBufferedEvents)
	assert.NoError(t, cfg.Validate())
}

func TestLoad_Formats(t *testing.T) {
	files := map[string]string{
		"trace.toml": `
log_file_path = "out/trace.log"
trace_lines = false
exclude_patterns = ["thirdparty/", "**/vendor/**"]
max_buffered_events = 1000
`,
		"trace.yaml": `
log_file_path: out/trace.log
trace_lines: false
exclude_patterns: ["thirdparty/", "**/vendor/**"]
max_buffered_events: 1000
`,
		"trace.json": `{
  "log_file_path": "out/trace.log",
  "trace_lines": false,
  "exclude_patterns": ["thirdparty/", "**/vendor/**"],
  "max_buffered_events": 1000
}`,
	}

	for name, content := range files {
		t.Run(name, func(t *testing.T) {
			cfg, err := Load(writeFile(t, name, content))
			require.NoError(t, err)

			assert.Equal(t, "out/trace.log", cfg.LogFilePath)
			assert.False(t, cfg.TraceLines)
			assert.Equal(t, []string{"thirdparty/", "**/vendor/**"}, cfg.ExcludePatterns)
			assert.Equal(t, 1000, cfg.MaxBufferedEvents)

			// Options absent from the file keep defaults.
			assert.True(t, cfg.TraceCalls)
			assert.Equal(t, "execution_summary.json", cfg.SummaryPath)
		})
	}
}

func TestLoad_Errors(t *testing.T) {
	_, err := Load(writeFile(t, "trace.ini", "x=1"))
	assert.Error(t, err)

	_, err = Load(writeFile(t, "bad.toml", "trace_lines = = true"))
	assert.Error(t, err)

	_, err = Load(filepath.Join(t.TempDir(), "missing.toml"))
	assert.Error(t, err)
}

func TestApplyEnv(t *testing.T) {
	env := map[string]string{
		"EXECTRACE_TRACE_LINES":         "false",
		"EXECTRACE_MAX_ARG_LENGTH":      "50",
		"EXECTRACE_INCLUDE_PATTERNS":    " app/ , ,lib/ ",
		"EXECTRACE_SQLITE_PATH":         "trace.sqlite3",
		"EXECTRACE_MAX_BUFFERED_EVENTS": "ten",
		"EXECTRACE_TRACE_CALLS":         "maybe",
	}
	lookup := func(k string) (string, bool) {
		v, ok := env[k]
		return v, ok
	}

	cfg := Default()
	err := cfg.ApplyEnv(lookup)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "EXECTRACE_MAX_BUFFERED_EVENTS")
	assert.Contains(t, err.Error(), "EXECTRACE_TRACE_CALLS")

	assert.False(t, cfg.TraceLines)
	assert.Equal(t, 50, cfg.MaxArgLength)
	assert.Equal(t, []string{"app/", "lib/"}, cfg.IncludePatterns)
	assert.Equal(t, "trace.sqlite3", cfg.SQLitePath)
	assert.True(t, cfg.TraceCalls, "malformed values leave the option unchanged")
}

func TestFromEnvironment_FileThenEnv(t *testing.T) {
	path := writeFile(t, "trace.toml", "trace_returns = false\nmax_arg_length = 10\n")
	t.Setenv(EnvConfigFile, path)
	t.Setenv("EXECTRACE_MAX_ARG_LENGTH", "20")

	cfg, err := FromEnvironment()
	require.NoError(t, err)
	assert.False(t, cfg.TraceReturns)
	assert.Equal(t, 20, cfg.MaxArgLength)
}

func TestValidate(t *testing.T) {
	cfg := Default()
	cfg.MaxArgLength = -1
	cfg.MaxBufferedEvents = -5
	cfg.SummaryFormat = "xml"

	err := cfg.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "max_arg_length")
	assert.Contains(t, err.Error(), "max_buffered_events")
	assert.Contains(t, err.Error(), "summary_format")
}
