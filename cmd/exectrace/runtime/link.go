// Package runtime links instrumented programs against the tracer API.
//
// Instrumented code imports github.com/kolkov/exectrace/trace. The build
// workspace gets a go.mod derived from the traced project's own go.mod with
// that requirement added. When exectrace runs from its source tree, the
// requirement is replaced by the local checkout so unreleased changes are
// picked up.
package runtime

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"golang.org/x/mod/modfile"
	"golang.org/x/mod/module"

	"github.com/kolkov/exectrace/trace"
)

const (
	// ModulePath is the module providing the tracer API.
	ModulePath = "github.com/kolkov/exectrace"

	// fallbackModule names the workspace module when the sources being
	// traced are not part of a module.
	fallbackModule = "instrumented"

	fallbackGoVersion = "1.24"
)

// Version is the tracer module version required by instrumented code.
var Version = "v" + trace.Version

// GetRuntimePackagePath returns the import path of the tracer API.
func GetRuntimePackagePath() string {
	return ModulePath + "/trace"
}

// GetRuntimeInitCode returns the statements injected at the top of main.
func GetRuntimeInitCode() string {
	return `__exectrace.Init()
defer __exectrace.Fini()`
}

// ValidateRuntimeAvailable checks that instrumented code can be linked:
// either exectrace runs from its source tree, or Version is a published
// module version.
func ValidateRuntimeAvailable() error {
	if _, err := findProjectRoot(); err == nil {
		return nil
	}
	if err := module.Check(ModulePath, Version); err != nil {
		return fmt.Errorf("tracer runtime unavailable: %w", err)
	}
	return nil
}

// findProjectRoot finds the exectrace source tree, recognized by its trace
// API and session packages. It searches upwards from the working directory,
// then around the executable.
func findProjectRoot() (string, error) {
	isRoot := func(dir string) bool {
		for _, marker := range []string{
			filepath.Join(dir, "trace", "api.go"),
			filepath.Join(dir, "internal", "trace", "session"),
		} {
			if _, err := os.Stat(marker); err != nil {
				return false
			}
		}
		return true
	}

	if cwd, err := os.Getwd(); err == nil {
		for dir := cwd; ; {
			if isRoot(dir) {
				return dir, nil
			}
			parent := filepath.Dir(dir)
			if parent == dir {
				break
			}
			dir = parent
		}
	}

	if exePath, err := os.Executable(); err == nil {
		exeDir := filepath.Dir(exePath)
		for _, candidate := range []string{
			exeDir,
			filepath.Dir(exeDir),
			filepath.Dir(filepath.Dir(exeDir)),
		} {
			if isRoot(candidate) {
				return candidate, nil
			}
		}
	}

	return "", fmt.Errorf("could not find exectrace project root")
}

// FindModuleRoot returns the directory of the go.mod governing startDir, or
// "" when startDir is not inside a module.
func FindModuleRoot(startDir string) string {
	for dir := startDir; ; {
		if _, err := os.Stat(filepath.Join(dir, "go.mod")); err == nil {
			return dir
		}
		parent := filepath.Dir(dir)
		if parent == dir {
			return ""
		}
		dir = parent
	}
}

// BuildFlags returns the flags every go command on the workspace needs.
// The workspace go.mod gains a requirement, so module updates must be
// allowed.
func BuildFlags() []string {
	return []string{"-mod=mod"}
}

// ModFileOverlay writes the workspace go.mod into tempDir and returns its
// path.
//
// moduleRoot is the root of the traced module ("" if none). Its go.mod is
// kept: module path, requirements and replacements, with local replacement
// paths made absolute because the workspace lives elsewhere. go.sum is
// copied alongside. The tracer module is required, and replaced by the
// local checkout when exectrace runs from source.
func ModFileOverlay(tempDir, moduleRoot string) (string, error) {
	mf, err := loadModFile(moduleRoot)
	if err != nil {
		return "", err
	}

	if mf.Module != nil && mf.Module.Mod.Path == ModulePath {
		// Tracing exectrace itself: the tracer is already in the module.
		return writeModFile(tempDir, moduleRoot, mf)
	}

	if err := mf.AddRequire(ModulePath, Version); err != nil {
		return "", fmt.Errorf("failed to require %s: %w", ModulePath, err)
	}
	if root, err := findProjectRoot(); err == nil {
		if err := mf.AddReplace(ModulePath, "", root, ""); err != nil {
			return "", fmt.Errorf("failed to replace %s: %w", ModulePath, err)
		}
	}

	return writeModFile(tempDir, moduleRoot, mf)
}

func loadModFile(moduleRoot string) (*modfile.File, error) {
	if moduleRoot == "" {
		mf := new(modfile.File)
		if err := mf.AddModuleStmt(fallbackModule); err != nil {
			return nil, err
		}
		if err := mf.AddGoStmt(fallbackGoVersion); err != nil {
			return nil, err
		}
		return mf, nil
	}

	goModPath := filepath.Join(moduleRoot, "go.mod")
	data, err := os.ReadFile(goModPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read %s: %w", goModPath, err)
	}
	mf, err := modfile.Parse(goModPath, data, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to parse %s: %w", goModPath, err)
	}

	if err := absolutizeReplaces(mf, moduleRoot); err != nil {
		return nil, err
	}
	return mf, nil
}

// absolutizeReplaces rewrites local replacement paths relative to
// moduleRoot as absolute paths.
func absolutizeReplaces(mf *modfile.File, moduleRoot string) error {
	for _, rep := range mf.Replace {
		if rep.New.Version != "" || !isLocalPath(rep.New.Path) || filepath.IsAbs(rep.New.Path) {
			continue
		}
		abs, err := filepath.Abs(filepath.Join(moduleRoot, rep.New.Path))
		if err != nil {
			return fmt.Errorf("failed to resolve replacement %s: %w", rep.New.Path, err)
		}
		if err := mf.AddReplace(rep.Old.Path, rep.Old.Version, abs, ""); err != nil {
			return fmt.Errorf("failed to rewrite replacement %s: %w", rep.Old.Path, err)
		}
	}
	return nil
}

func writeModFile(tempDir, moduleRoot string, mf *modfile.File) (string, error) {
	mf.Cleanup()
	data, err := mf.Format()
	if err != nil {
		return "", fmt.Errorf("failed to format go.mod: %w", err)
	}

	overlayPath := filepath.Join(tempDir, "go.mod")
	if err := os.WriteFile(overlayPath, data, 0644); err != nil {
		return "", fmt.Errorf("failed to create go.mod overlay: %w", err)
	}

	if moduleRoot != "" {
		if sum, err := os.ReadFile(filepath.Join(moduleRoot, "go.sum")); err == nil {
			if err := os.WriteFile(filepath.Join(tempDir, "go.sum"), sum, 0644); err != nil {
				return "", fmt.Errorf("failed to copy go.sum: %w", err)
			}
		}
	}

	return overlayPath, nil
}

// isLocalPath reports whether a replacement target is a filesystem path
// rather than a module path.
func isLocalPath(path string) bool {
	return modfile.IsDirectoryPath(path) || strings.HasPrefix(path, `.\`) || strings.HasPrefix(path, `..\`)
}
