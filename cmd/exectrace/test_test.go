// test_test.go implements tests for the 'exectrace test' command.
package main

import (
	"os"
	"path/filepath"
	"reflect"
	"strings"
	"testing"
)

// TestParseTestArgs tests the parseTestArgs function.
func TestParseTestArgs(t *testing.T) {
	tests := []struct {
		name         string
		args         []string
		wantPackages []string
		wantFlags    []string
		wantVerbose  bool
	}{
		{
			name:         "no args - default to current dir",
			args:         []string{},
			wantPackages: []string{"."},
			wantFlags:    []string{},
		},
		{
			name:         "single package",
			args:         []string{"./..."},
			wantPackages: []string{"./..."},
			wantFlags:    []string{},
		},
		{
			name:         "verbose flag",
			args:         []string{"-v", "./..."},
			wantPackages: []string{"./..."},
			wantFlags:    []string{"-v"},
			wantVerbose:  true,
		},
		{
			name:         "run flag with value",
			args:         []string{"-run", "TestFoo", "./pkg/..."},
			wantPackages: []string{"./pkg/..."},
			wantFlags:    []string{"-run", "TestFoo"},
		},
		{
			name:         "run flag with equals",
			args:         []string{"-run=TestBar", "./..."},
			wantPackages: []string{"./..."},
			wantFlags:    []string{"-run=TestBar"},
		},
		{
			name:         "multiple flags",
			args:         []string{"-v", "-cover", "-timeout=30s", "./internal/..."},
			wantPackages: []string{"./internal/..."},
			wantFlags:    []string{"-v", "-cover", "-timeout=30s"},
			wantVerbose:  true,
		},
		{
			name:         "benchmark flags",
			args:         []string{"-bench", ".", "-benchmem", "./..."},
			wantPackages: []string{"./..."},
			wantFlags:    []string{"-bench", ".", "-benchmem"},
		},
		{
			name:         "multiple packages",
			args:         []string{"./a", "./b"},
			wantPackages: []string{"./a", "./b"},
			wantFlags:    []string{},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			config, err := parseTestArgs(tt.args)
			if err != nil {
				t.Fatalf("parseTestArgs() error: %v", err)
			}

			if !reflect.DeepEqual(config.packages, tt.wantPackages) {
				t.Errorf("packages = %v, want %v", config.packages, tt.wantPackages)
			}
			if !reflect.DeepEqual(config.testFlags, tt.wantFlags) {
				t.Errorf("testFlags = %v, want %v", config.testFlags, tt.wantFlags)
			}
			if config.verbose != tt.wantVerbose {
				t.Errorf("verbose = %v, want %v", config.verbose, tt.wantVerbose)
			}
		})
	}
}

// TestTestFlagNeedsValue tests the testFlagNeedsValue function.
func TestTestFlagNeedsValue(t *testing.T) {
	tests := []struct {
		flag string
		want bool
	}{
		{"-run", true},
		{"-bench", true},
		{"-timeout", true},
		{"-count", true},
		{"-coverprofile", true},
		{"-run=TestFoo", false},
		{"-v", false},
		{"-cover", false},
		{"-race", false},
		{"-short", false},
	}

	for _, tt := range tests {
		t.Run(tt.flag, func(t *testing.T) {
			if got := testFlagNeedsValue(tt.flag); got != tt.want {
				t.Errorf("testFlagNeedsValue(%q) = %v, want %v", tt.flag, got, tt.want)
			}
		})
	}
}

// TestResolvePackagePatterns tests pattern expansion.
func TestResolvePackagePatterns(t *testing.T) {
	root := t.TempDir()
	writeTree(t, root, map[string]string{
		"root.go":            "package root\n",
		"a/a.go":             "package a\n",
		"a/deep/d.go":        "package deep\n",
		"b/b_test.go":        "package b\n",
		"docs/README.md":     "docs\n",
		"vendor/v/v.go":      "package v\n",
		"testdata/t.go":      "package t\n",
		".hidden/h.go":       "package h\n",
		"_examples/x/x.go":   "package x\n",
		"a/deep/nested.txt":  "",
		"empty/sub/empty.go": "package sub\n",
	})

	t.Run("recursive", func(t *testing.T) {
		dirs, err := resolvePackagePatterns([]string{"./..."}, root)
		if err != nil {
			t.Fatalf("resolvePackagePatterns() error: %v", err)
		}
		want := []string{
			root,
			filepath.Join(root, "a"),
			filepath.Join(root, "a", "deep"),
			filepath.Join(root, "b"),
			filepath.Join(root, "empty", "sub"),
		}
		if !reflect.DeepEqual(dirs, want) {
			t.Errorf("dirs = %v, want %v", dirs, want)
		}
	})

	t.Run("subtree", func(t *testing.T) {
		dirs, err := resolvePackagePatterns([]string{"./a/..."}, root)
		if err != nil {
			t.Fatalf("resolvePackagePatterns() error: %v", err)
		}
		want := []string{filepath.Join(root, "a"), filepath.Join(root, "a", "deep")}
		if !reflect.DeepEqual(dirs, want) {
			t.Errorf("dirs = %v, want %v", dirs, want)
		}
	})

	t.Run("plain and duplicates", func(t *testing.T) {
		dirs, err := resolvePackagePatterns([]string{".", "./b", "b", "./a/..."}, root)
		if err != nil {
			t.Fatalf("resolvePackagePatterns() error: %v", err)
		}
		want := []string{root, filepath.Join(root, "b"), filepath.Join(root, "a"), filepath.Join(root, "a", "deep")}
		if !reflect.DeepEqual(dirs, want) {
			t.Errorf("dirs = %v, want %v", dirs, want)
		}
	})

	t.Run("missing subtree", func(t *testing.T) {
		if _, err := resolvePackagePatterns([]string{"./missing/..."}, root); err == nil {
			t.Error("Expected error for missing directory")
		}
	})
}

// TestHasGoFiles tests the hasGoFiles function.
func TestHasGoFiles(t *testing.T) {
	dir := t.TempDir()
	writeTree(t, dir, map[string]string{
		"with/x.go":       "package x\n",
		"without/x.txt":   "",
		"nested/sub/y.go": "package y\n",
	})

	tests := []struct {
		dir  string
		want bool
	}{
		{"with", true},
		{"without", false},
		{"nested", false},
	}
	for _, tt := range tests {
		got, err := hasGoFiles(filepath.Join(dir, tt.dir))
		if err != nil {
			t.Fatalf("hasGoFiles(%s) error: %v", tt.dir, err)
		}
		if got != tt.want {
			t.Errorf("hasGoFiles(%s) = %v, want %v", tt.dir, got, tt.want)
		}
	}

	if _, err := hasGoFiles(filepath.Join(dir, "missing")); err == nil {
		t.Error("Expected error for missing directory")
	}
}

// TestCollectTestGoFiles tests that test files are included.
func TestCollectTestGoFiles(t *testing.T) {
	dir := t.TempDir()
	writeTree(t, dir, map[string]string{
		"a.go":      "package a\n",
		"a_test.go": "package a\n",
		"notes.txt": "",
		"sub/s.go":  "package sub\n",
	})

	files, err := collectTestGoFiles(dir)
	if err != nil {
		t.Fatalf("collectTestGoFiles() error: %v", err)
	}
	want := []string{filepath.Join(dir, "a.go"), filepath.Join(dir, "a_test.go")}
	if !reflect.DeepEqual(files, want) {
		t.Errorf("files = %v, want %v", files, want)
	}
}

// TestEnsureTestMain tests generation of a TestMain.
func TestEnsureTestMain(t *testing.T) {
	t.Run("generated", func(t *testing.T) {
		src := t.TempDir()
		out := t.TempDir()
		writeTree(t, src, map[string]string{
			"a.go":      "package a\n",
			"a_test.go": "package a_test\n\nimport \"testing\"\n\nfunc TestA(t *testing.T) {}\n",
		})

		files := []string{filepath.Join(src, "a.go"), filepath.Join(src, "a_test.go")}
		if err := ensureTestMain(files, out); err != nil {
			t.Fatalf("ensureTestMain() error: %v", err)
		}

		code := readFile(t, filepath.Join(out, generatedTestMainFile))
		for _, want := range []string{
			"package a_test",
			`__exectrace "github.com/kolkov/exectrace/trace"`,
			"__exectrace.Init()",
			"__exectrace.Fini()",
			"os.Exit(code)",
		} {
			if !strings.Contains(code, want) {
				t.Errorf("generated TestMain missing %q:\n%s", want, code)
			}
		}
	})

	t.Run("existing TestMain", func(t *testing.T) {
		src := t.TempDir()
		out := t.TempDir()
		writeTree(t, src, map[string]string{
			"a_test.go":    "package a\n\nimport \"testing\"\n\nfunc TestA(t *testing.T) {}\n",
			"main_test.go": "package a\n\nimport (\n\t\"os\"\n\t\"testing\"\n)\n\nfunc TestMain(m *testing.M) {\n\tos.Exit(m.Run())\n}\n",
		})

		files := []string{filepath.Join(src, "a_test.go"), filepath.Join(src, "main_test.go")}
		if err := ensureTestMain(files, out); err != nil {
			t.Fatalf("ensureTestMain() error: %v", err)
		}
		if exists(filepath.Join(out, generatedTestMainFile)) {
			t.Error("TestMain generated although the package has one")
		}
	})

	t.Run("method named TestMain", func(t *testing.T) {
		src := t.TempDir()
		out := t.TempDir()
		writeTree(t, src, map[string]string{
			"a_test.go": "package a\n\nimport \"testing\"\n\ntype suite struct{}\n\nfunc (suite) TestMain(m *testing.M) {}\n",
		})

		if err := ensureTestMain([]string{filepath.Join(src, "a_test.go")}, out); err != nil {
			t.Fatalf("ensureTestMain() error: %v", err)
		}
		if !exists(filepath.Join(out, generatedTestMainFile)) {
			t.Error("Expected TestMain to be generated")
		}
	})

	t.Run("no tests", func(t *testing.T) {
		src := t.TempDir()
		out := t.TempDir()
		writeTree(t, src, map[string]string{"a.go": "package a\n"})

		if err := ensureTestMain([]string{filepath.Join(src, "a.go")}, out); err != nil {
			t.Fatalf("ensureTestMain() error: %v", err)
		}
		if exists(filepath.Join(out, generatedTestMainFile)) {
			t.Error("TestMain generated for a package without tests")
		}
	})

	t.Run("parse error", func(t *testing.T) {
		src := t.TempDir()
		writeTree(t, src, map[string]string{"a_test.go": "package a\n\nfunc {\n"})

		if err := ensureTestMain([]string{filepath.Join(src, "a_test.go")}, t.TempDir()); err == nil {
			t.Error("Expected parse error")
		}
	})
}

// TestPackageTarget tests go test package arguments.
func TestPackageTarget(t *testing.T) {
	if got := packageTarget("."); got != "." {
		t.Errorf("packageTarget(.) = %q", got)
	}
	if got := packageTarget(filepath.Join("internal", "x")); got != "./internal/x" {
		t.Errorf("packageTarget(internal/x) = %q", got)
	}
}

// TestTraceOutputEnv tests where test binaries write their output.
func TestTraceOutputEnv(t *testing.T) {
	unset := func(key string) {
		if old, ok := os.LookupEnv(key); ok {
			t.Cleanup(func() { _ = os.Setenv(key, old) })
			_ = os.Unsetenv(key)
		}
	}
	unset("EXECTRACE_LOG_FILE_PATH")
	unset("EXECTRACE_SUMMARY_PATH")

	work := filepath.Join(string(filepath.Separator), "work")

	single := traceOutputEnv(work, "pkg", false)
	wantSingle := []string{
		"EXECTRACE_LOG_FILE_PATH=" + filepath.Join(work, "execution_trace.log"),
		"EXECTRACE_SUMMARY_PATH=" + filepath.Join(work, "execution_summary.json"),
	}
	if !reflect.DeepEqual(single, wantSingle) {
		t.Errorf("single package env = %v, want %v", single, wantSingle)
	}

	multi := traceOutputEnv(work, filepath.Join("internal", "x"), true)
	wantMulti := []string{
		"EXECTRACE_LOG_FILE_PATH=" + filepath.Join(work, "internal_x_trace.log"),
		"EXECTRACE_SUMMARY_PATH=" + filepath.Join(work, "internal_x_summary.json"),
	}
	if !reflect.DeepEqual(multi, wantMulti) {
		t.Errorf("per-package env = %v, want %v", multi, wantMulti)
	}

	root := traceOutputEnv(work, ".", true)
	if len(root) != 2 || !strings.HasSuffix(root[0], "root_trace.log") {
		t.Errorf("root package env = %v", root)
	}

	t.Setenv("EXECTRACE_SUMMARY_PATH", "/elsewhere/summary.json")
	env := traceOutputEnv(work, "pkg", false)
	if len(env) != 1 || !strings.HasPrefix(env[0], "EXECTRACE_LOG_FILE_PATH=") {
		t.Errorf("explicit summary path should be kept, got %v", env)
	}
}
