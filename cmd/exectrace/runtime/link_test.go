// link_test.go tests tracer runtime linking.
package runtime

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"golang.org/x/mod/modfile"
)

func TestGetRuntimePackagePath(t *testing.T) {
	if got := GetRuntimePackagePath(); got != "github.com/kolkov/exectrace/trace" {
		t.Errorf("GetRuntimePackagePath() = %q", got)
	}
}

func TestGetRuntimeInitCode(t *testing.T) {
	code := GetRuntimeInitCode()
	if !strings.Contains(code, "__exectrace.Init()") || !strings.Contains(code, "defer __exectrace.Fini()") {
		t.Errorf("GetRuntimeInitCode() = %q", code)
	}
}

// TestFindProjectRoot runs inside the exectrace source tree.
func TestFindProjectRoot(t *testing.T) {
	root, err := findProjectRoot()
	if err != nil {
		t.Fatalf("findProjectRoot() error: %v", err)
	}
	if _, err := os.Stat(filepath.Join(root, "trace", "api.go")); err != nil {
		t.Errorf("root %s has no trace/api.go", root)
	}
	if err := ValidateRuntimeAvailable(); err != nil {
		t.Errorf("ValidateRuntimeAvailable() error: %v", err)
	}
}

func TestFindModuleRoot(t *testing.T) {
	dir := t.TempDir()
	nested := filepath.Join(dir, "a", "b")
	if err := os.MkdirAll(nested, 0755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(dir, "go.mod"), []byte("module example.com/app\n"), 0644); err != nil {
		t.Fatal(err)
	}

	if got := FindModuleRoot(nested); got != dir {
		t.Errorf("FindModuleRoot() = %q, want %q", got, dir)
	}
}

func TestBuildFlags(t *testing.T) {
	flags := BuildFlags()
	if len(flags) != 1 || flags[0] != "-mod=mod" {
		t.Errorf("BuildFlags() = %v", flags)
	}
}

func parseOverlay(t *testing.T, path string) *modfile.File {
	t.Helper()
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read overlay: %v", err)
	}
	mf, err := modfile.Parse(path, data, nil)
	if err != nil {
		t.Fatalf("parse overlay: %v\n%s", err, data)
	}
	return mf
}

func TestModFileOverlay(t *testing.T) {
	project := t.TempDir()
	goMod := `module example.com/app

go 1.22

require example.com/lib v1.2.0

replace example.com/lib => ../lib

replace example.com/remote => example.com/fork v1.0.0
`
	if err := os.WriteFile(filepath.Join(project, "go.mod"), []byte(goMod), 0644); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(project, "go.sum"), []byte("example.com/lib v1.2.0 h1:x=\n"), 0644); err != nil {
		t.Fatal(err)
	}

	workspace := t.TempDir()
	path, err := ModFileOverlay(workspace, project)
	if err != nil {
		t.Fatalf("ModFileOverlay() error: %v", err)
	}
	if path != filepath.Join(workspace, "go.mod") {
		t.Errorf("overlay path = %q", path)
	}

	mf := parseOverlay(t, path)
	if mf.Module.Mod.Path != "example.com/app" {
		t.Errorf("module = %q", mf.Module.Mod.Path)
	}

	var required bool
	for _, r := range mf.Require {
		if r.Mod.Path == ModulePath && r.Mod.Version == Version {
			required = true
		}
	}
	if !required {
		t.Errorf("tracer module not required")
	}

	replaces := map[string]string{}
	for _, r := range mf.Replace {
		replaces[r.Old.Path] = r.New.Path
	}
	wantLib := filepath.Join(filepath.Dir(project), "lib")
	if replaces["example.com/lib"] != wantLib {
		t.Errorf("local replace = %q, want %q", replaces["example.com/lib"], wantLib)
	}
	if replaces["example.com/remote"] != "example.com/fork" {
		t.Errorf("module replace = %q", replaces["example.com/remote"])
	}

	// Running from the source tree, the tracer points at the checkout.
	root, err := findProjectRoot()
	if err != nil {
		t.Fatal(err)
	}
	if replaces[ModulePath] != root {
		t.Errorf("tracer replace = %q, want %q", replaces[ModulePath], root)
	}

	if _, err := os.Stat(filepath.Join(workspace, "go.sum")); err != nil {
		t.Errorf("go.sum not copied: %v", err)
	}
}

func TestModFileOverlay_NoModule(t *testing.T) {
	workspace := t.TempDir()
	path, err := ModFileOverlay(workspace, "")
	if err != nil {
		t.Fatalf("ModFileOverlay() error: %v", err)
	}

	mf := parseOverlay(t, path)
	if mf.Module.Mod.Path != fallbackModule {
		t.Errorf("module = %q", mf.Module.Mod.Path)
	}
	if mf.Go == nil || mf.Go.Version != fallbackGoVersion {
		t.Errorf("go directive missing")
	}
}

func TestModFileOverlay_InvalidGoMod(t *testing.T) {
	project := t.TempDir()
	if err := os.WriteFile(filepath.Join(project, "go.mod"), []byte("modul broken"), 0644); err != nil {
		t.Fatal(err)
	}
	if _, err := ModFileOverlay(t.TempDir(), project); err == nil {
		t.Error("expected error for invalid go.mod")
	}
}

func TestIsLocalPath(t *testing.T) {
	tests := map[string]bool{
		"./lib":           true,
		"../lib":          true,
		"/abs/lib":        true,
		"example.com/lib": false,
	}
	for path, want := range tests {
		if got := isLocalPath(path); got != want {
			t.Errorf("isLocalPath(%q) = %v, want %v", path, got, want)
		}
	}
}
