package internal

import (
	"os"
	"path/filepath"
	"testing"
)

func TestScopeCapturePath(t *testing.T) {
	scope := Scope{SpotPath: "/home/user/.spot"}
	expected := "/home/user/.spot/captures"
	if scope.CapturePath() != expected {
		t.Errorf("expected %q, got %q", expected, scope.CapturePath())
	}
}

func TestScopeConfigPath(t *testing.T) {
	scope := Scope{SpotPath: "/home/user/.spot"}
	expected := "/home/user/.spot/config.yaml"
	if scope.ConfigPath() != expected {
		t.Errorf("expected %q, got %q", expected, scope.ConfigPath())
	}
}

func TestScopeResolverGlobal(t *testing.T) {
	resolver := NewScopeResolver()
	scope := resolver.Global()

	if scope.Type != ScopeGlobal {
		t.Errorf("expected ScopeGlobal, got %q", scope.Type)
	}

	home, _ := os.UserHomeDir()
	expected := filepath.Join(home, ".spot")
	if scope.SpotPath != expected {
		t.Errorf("expected SpotPath %q, got %q", expected, scope.SpotPath)
	}
}

func TestScopeResolverProjectNotFound(t *testing.T) {
	tmp := t.TempDir()
	orig, _ := os.Getwd()
	defer func() { _ = os.Chdir(orig) }()

	_ = os.Chdir(tmp)

	resolver := NewScopeResolver()
	_, found := resolver.Project()
	if found {
		t.Error("expected Project() to return false when no .spot exists")
	}
}

func TestScopeResolverProjectInParent(t *testing.T) {
	tmp := t.TempDir()
	if err := os.Mkdir(filepath.Join(tmp, ".spot"), 0755); err != nil {
		t.Fatal(err)
	}
	subDir := filepath.Join(tmp, "line", "station-3")
	if err := os.MkdirAll(subDir, 0755); err != nil {
		t.Fatal(err)
	}

	orig, _ := os.Getwd()
	defer func() { _ = os.Chdir(orig) }()

	_ = os.Chdir(subDir)

	resolver := NewScopeResolver()
	scope, found := resolver.Project()
	if !found {
		t.Fatal("expected Project() to find .spot in parent")
	}
	if scope.Type != ScopeProject {
		t.Errorf("expected ScopeProject, got %q", scope.Type)
	}

	// Resolve symlinks for comparison (macOS /var -> /private/var)
	expectedPath, _ := filepath.EvalSymlinks(tmp)
	actualPath, _ := filepath.EvalSymlinks(scope.Path)
	if actualPath != expectedPath {
		t.Errorf("expected Path %q, got %q", expectedPath, actualPath)
	}
}

func TestScopeResolverResolveExplicitGlobal(t *testing.T) {
	tmp := t.TempDir()
	if err := os.Mkdir(filepath.Join(tmp, ".spot"), 0755); err != nil {
		t.Fatal(err)
	}
	orig, _ := os.Getwd()
	defer func() { _ = os.Chdir(orig) }()
	_ = os.Chdir(tmp)

	scope := NewScopeResolver().Resolve("global")
	if scope.Type != ScopeGlobal {
		t.Errorf("expected ScopeGlobal, got %q", scope.Type)
	}
}

func TestScopeResolverResolveFallbackToGlobal(t *testing.T) {
	tmp := t.TempDir()
	orig, _ := os.Getwd()
	defer func() { _ = os.Chdir(orig) }()

	_ = os.Chdir(tmp)

	scope := NewScopeResolver().Resolve("")
	if scope.Type != ScopeGlobal {
		t.Errorf("expected fallback to ScopeGlobal, got %q", scope.Type)
	}
}
