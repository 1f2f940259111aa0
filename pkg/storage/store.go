// Package storage persists finished artifact sets and debug dumps.
package storage

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/go-logr/logr"

	"github.com/based/iacgen/pkg/iac"
)

// DebugSuffix is appended to a unit directory name to form its debug dump
// path, which sits next to the unit directory.
const DebugSuffix = ".debug.txt"

// Store persists unit output. Units write to disjoint dirs, so
// implementations need no cross-unit locking.
type Store interface {
	// Persist writes every file of set under dir, whatever its status.
	Persist(ctx context.Context, dir string, set *iac.ArtifactSet) error
	// WriteDebug stores raw at the unit's fixed debug location,
	// replacing any earlier dump.
	WriteDebug(ctx context.Context, dir string, raw string) error
}

// FileStore writes units below a root directory on the local filesystem.
type FileStore struct {
	root string
	log  logr.Logger
}

func NewFileStore(root string, log logr.Logger) *FileStore {
	return &FileStore{root: root, log: log.WithName("file-store")}
}

// Root returns the output root.
func (s *FileStore) Root() string {
	return s.root
}

func (s *FileStore) Persist(ctx context.Context, dir string, set *iac.ArtifactSet) error {
	base, err := s.unitDir(dir)
	if err != nil {
		return err
	}
	for name, content := range set.Files {
		if err := ctx.Err(); err != nil {
			return err
		}
		target, err := within(base, name)
		if err != nil {
			return err
		}
		if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
			return fmt.Errorf("create dir for %s: %w", name, err)
		}
		if err := os.WriteFile(target, []byte(content), 0o644); err != nil {
			return fmt.Errorf("write %s: %w", name, err)
		}
	}
	s.log.V(1).Info("Persisted unit", "dir", base, "files", len(set.Files), "status", set.Validation.Status)
	return nil
}

func (s *FileStore) WriteDebug(ctx context.Context, dir string, raw string) error {
	path := s.DebugPath(dir)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("create debug dir: %w", err)
	}
	if err := os.WriteFile(path, []byte(raw), 0o644); err != nil {
		return fmt.Errorf("write debug artifact: %w", err)
	}
	s.log.Info("Wrote unparseable response to debug artifact", "path", path, "bytes", len(raw))
	return nil
}

// DebugPath returns the fixed debug dump location for dir.
func (s *FileStore) DebugPath(dir string) string {
	return filepath.Join(s.root, filepath.Clean(dir)+DebugSuffix)
}

func (s *FileStore) unitDir(dir string) (string, error) {
	if strings.TrimSpace(dir) == "" {
		return "", fmt.Errorf("empty unit directory")
	}
	return within(s.root, dir)
}

// within joins name onto base and refuses results outside base.
func within(base, name string) (string, error) {
	target := filepath.Join(base, filepath.FromSlash(name))
	rel, err := filepath.Rel(base, target)
	if err != nil || rel == "." || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return "", fmt.Errorf("path %q escapes %s", name, base)
	}
	return target, nil
}
