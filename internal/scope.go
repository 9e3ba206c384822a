package internal

import (
	"os"
	"path/filepath"
)

const ScopeDirName = ".spot"

type ScopeType string

const (
	ScopeGlobal  ScopeType = "global"
	ScopeProject ScopeType = "project"
)

type Scope struct {
	Type     ScopeType
	Path     string // working directory root
	SpotPath string // .spot directory path
}

func (s Scope) ConfigPath() string {
	return filepath.Join(s.SpotPath, "config.yaml")
}

func (s Scope) CapturePath() string {
	return filepath.Join(s.SpotPath, "captures")
}

type ScopeResolver struct {
	homeDir string
}

func NewScopeResolver() *ScopeResolver {
	home, _ := os.UserHomeDir()
	return &ScopeResolver{homeDir: home}
}

func (r *ScopeResolver) Global() Scope {
	return Scope{
		Type:     ScopeGlobal,
		Path:     r.homeDir,
		SpotPath: filepath.Join(r.homeDir, ScopeDirName),
	}
}

func (r *ScopeResolver) Project() (Scope, bool) {
	cwd, err := os.Getwd()
	if err != nil {
		return Scope{}, false
	}
	return r.findProjectScope(cwd)
}

func (r *ScopeResolver) findProjectScope(dir string) (Scope, bool) {
	for {
		spotPath := filepath.Join(dir, ScopeDirName)
		info, err := os.Stat(spotPath)
		if err == nil && info.IsDir() && dir != r.homeDir {
			return Scope{Type: ScopeProject, Path: dir, SpotPath: spotPath}, true
		}

		parent := filepath.Dir(dir)
		if parent == dir {
			return Scope{}, false
		}
		dir = parent
	}
}

// Resolve picks the explicit scope, else the nearest project scope, else
// the global one.
func (r *ScopeResolver) Resolve(explicit string) Scope {
	if explicit == string(ScopeGlobal) {
		return r.Global()
	}
	if scope, ok := r.Project(); ok {
		return scope
	}
	return r.Global()
}
