// Package home manages the optrack home directory layout.
//
// The home directory owns all persistent state: the config file, per-source
// store and seen files, reconciliation run reports and the inbox.
//
// Layout:
//
//	<root>/
//	  optrack.yaml                     (config file, optional)
//	  db/                              (data dir: per-source store + seen files)
//	  runs/
//	    <run-id>/comparison_summary.json
//	  inbox/
//	    <source>/                      (candidate .jsonl/.json and .ids files)
package home

import (
	"fmt"
	"os"
	"path/filepath"
)

// EnvVar overrides the default root when no explicit root is given.
const EnvVar = "OPTRACK_HOME"

// Names inside the root. The directories are defaults; the config file can
// move them.
const (
	ConfigFile   = "optrack.yaml"
	DataDirName  = "db"
	RunsDirName  = "runs"
	InboxDirName = "inbox"
)

// Dir represents an optrack home directory.
type Dir struct {
	root string
}

// New creates a Dir with an explicit root path.
func New(root string) Dir {
	return Dir{root: root}
}

// Default returns a Dir using the platform-appropriate default location:
//   - Linux:   ~/.config/optrack
//   - macOS:   ~/Library/Application Support/optrack
//   - Windows: %APPDATA%/optrack
func Default() (Dir, error) {
	base, err := os.UserConfigDir()
	if err != nil {
		return Dir{}, fmt.Errorf("determine config directory: %w", err)
	}
	return Dir{root: filepath.Join(base, "optrack")}, nil
}

// Resolve picks the root from an explicit path, then $OPTRACK_HOME, then
// the platform default.
func Resolve(explicit string) (Dir, error) {
	if explicit != "" {
		return New(explicit), nil
	}
	if env := os.Getenv(EnvVar); env != "" {
		return New(env), nil
	}
	return Default()
}

// Root returns the home directory path.
func (d Dir) Root() string {
	return d.root
}

// ConfigPath returns the path of the config file.
func (d Dir) ConfigPath() string {
	return filepath.Join(d.root, ConfigFile)
}

// Path resolves p against the root unless it is already absolute.
func (d Dir) Path(p string) string {
	if p == "" || filepath.IsAbs(p) {
		return p
	}
	return filepath.Join(d.root, p)
}

// EnsureExists creates the home directory (and parents) if it doesn't exist.
func (d Dir) EnsureExists() error {
	if err := os.MkdirAll(d.root, 0o750); err != nil {
		return fmt.Errorf("create home directory %s: %w", d.root, err)
	}
	return nil
}
