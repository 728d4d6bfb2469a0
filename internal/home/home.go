// Package home resolves and lays out a crv depot's home directory: the
// pack store root, the metadata database, and the recovery log all live
// under one directory so a single --home flag (or CRV_HOME) is enough to
// point the CLI at a depot.
//
// Layout:
//
//	<root>/
//	  packs/           (content-addressed pack store, see internal/repository)
//	  meta.db          (bbolt metadata store, see internal/metadatastore)
//	  recovery.log     (submit pre-commit journal, see internal/wal)
package home

import (
	"fmt"
	"os"
	"path/filepath"
)

// Dir represents a resolved crv depot home directory. The zero Dir is not
// usable; construct one with New or Default.
type Dir struct {
	root string
}

// New resolves root to an absolute, cleaned path and returns a Dir rooted
// there. A relative root is resolved against the current working
// directory, matching how --home is interpreted on the command line.
func New(root string) Dir {
	if abs, err := filepath.Abs(root); err == nil {
		root = abs
	}
	return Dir{root: filepath.Clean(root)}
}

// Default resolves a Dir with the following precedence:
//  1. CRV_HOME, if set
//  2. the platform config directory's "crv" subdirectory:
//     Linux ~/.config/crv, macOS ~/Library/Application Support/crv,
//     Windows %APPDATA%/crv
func Default() (Dir, error) {
	if envHome := os.Getenv("CRV_HOME"); envHome != "" {
		return New(envHome), nil
	}

	base, err := os.UserConfigDir()
	if err != nil {
		return Dir{}, fmt.Errorf("determine config directory: %w", err)
	}
	return New(filepath.Join(base, "crv")), nil
}

// Root returns the home directory's absolute path.
func (d Dir) Root() string {
	return d.root
}

// PackRoot returns the pack store's root directory.
func (d Dir) PackRoot() string {
	return filepath.Join(d.root, "packs")
}

// MetadataPath returns the bbolt metadata database path.
func (d Dir) MetadataPath() string {
	return filepath.Join(d.root, "meta.db")
}

// RecoveryLogPath returns the submit coordinator's recovery log path.
func (d Dir) RecoveryLogPath() string {
	return filepath.Join(d.root, "recovery.log")
}

// EnsureExists creates the home directory and its pack-store subdirectory
// (MkdirAll on PackRoot covers both, since it is a descendant of root), then
// confirms the result is a directory rather than, say, a file left
// over from an older layout.
func (d Dir) EnsureExists() error {
	if err := os.MkdirAll(d.PackRoot(), 0o750); err != nil {
		return fmt.Errorf("create pack store directory: %w", err)
	}

	info, err := os.Stat(d.root)
	if err != nil {
		return fmt.Errorf("stat home directory: %w", err)
	}
	if !info.IsDir() {
		return fmt.Errorf("home path %s exists and is not a directory", d.root)
	}
	return nil
}
