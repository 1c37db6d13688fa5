package artifact

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"conductor/internal/logging"
)

// Store persists per-attempt artifacts (execution logs, reports, indices)
// under a content-addressed directory layout:
//
//	<root>/<bundle sha prefix>/<name>
//
// Writes are atomic (temp file + rename) so a cancelled operation never
// leaves a partial artifact behind.
type Store struct {
	root string
}

// NewStore creates an artifact store rooted at dir.
func NewStore(dir string) (*Store, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create artifact root: %w", err)
	}
	return &Store{root: dir}, nil
}

// dirFor returns (and creates) the directory for a bundle hash.
func (s *Store) dirFor(bundleSHA string) (string, error) {
	if len(bundleSHA) < 12 {
		return "", fmt.Errorf("bundle hash too short: %q", bundleSHA)
	}
	dir := filepath.Join(s.root, bundleSHA[:12])
	if err := os.MkdirAll(dir, 0755); err != nil {
		return "", fmt.Errorf("failed to create artifact dir: %w", err)
	}
	return dir, nil
}

// Put writes one named artifact for a bundle and returns its path.
func (s *Store) Put(bundleSHA, name string, content []byte) (string, error) {
	dir, err := s.dirFor(bundleSHA)
	if err != nil {
		return "", err
	}
	dest := filepath.Join(dir, name)
	if err := atomicWrite(dest, content); err != nil {
		return "", err
	}
	logging.Get(logging.CategoryArtifact).Debug("stored artifact %s (%d bytes)", dest, len(content))
	return dest, nil
}

// PutJSON marshals v and stores it as a named artifact.
func (s *Store) PutJSON(bundleSHA, name string, v any) (string, error) {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return "", fmt.Errorf("failed to marshal artifact %s: %w", name, err)
	}
	return s.Put(bundleSHA, name, data)
}

// PutIndex stores the bundle's own index as index.json.
func (s *Store) PutIndex(ix *Index) (string, error) {
	return s.PutJSON(ix.BundleSHA256, "index.json", ix)
}

// Get reads one named artifact for a bundle.
func (s *Store) Get(bundleSHA, name string) ([]byte, error) {
	if len(bundleSHA) < 12 {
		return nil, fmt.Errorf("bundle hash too short: %q", bundleSHA)
	}
	return os.ReadFile(filepath.Join(s.root, bundleSHA[:12], name))
}

// LoadIndex reads back a stored index.json.
func (s *Store) LoadIndex(bundleSHA string) (*Index, error) {
	data, err := s.Get(bundleSHA, "index.json")
	if err != nil {
		return nil, err
	}
	var ix Index
	if err := json.Unmarshal(data, &ix); err != nil {
		return nil, fmt.Errorf("failed to parse index.json: %w", err)
	}
	return &ix, nil
}

func atomicWrite(dest string, content []byte) error {
	tmp, err := os.CreateTemp(filepath.Dir(dest), ".artifact-*")
	if err != nil {
		return fmt.Errorf("failed to create temp file: %w", err)
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(content); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("failed to write artifact: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("failed to close artifact: %w", err)
	}
	if err := os.Rename(tmpName, dest); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("failed to finalize artifact: %w", err)
	}
	return nil
}
