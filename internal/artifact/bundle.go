// Package artifact implements the content-addressed artifact layer: every
// generated module snapshot is identified by a deterministic SHA-256 bundle
// hash over its files. Installation admission, attestation checks, and
// version records all key on this hash.
package artifact

import (
	"crypto/sha256"
	"encoding/hex"
	"sort"
	"time"
)

// FileEntry records one file inside a bundle.
type FileEntry struct {
	Path   string `json:"path"`
	Size   int    `json:"size"`
	SHA256 string `json:"sha256"`
}

// Index is the durable description of one artifact bundle.
type Index struct {
	JobID        string      `json:"job_id"`
	AttemptID    string      `json:"attempt_id"`
	BundleSHA256 string      `json:"bundle_sha256"`
	Files        []FileEntry `json:"files"`
	CreatedAt    time.Time   `json:"created_at"`
	ModuleID     string      `json:"module_id"`
	Stage        string      `json:"stage"`
}

// HashContent returns the hex SHA-256 of a single file's content.
func HashContent(content string) string {
	sum := sha256.Sum256([]byte(content))
	return hex.EncodeToString(sum[:])
}

// BundleHash computes the deterministic bundle hash for a file set: paths are
// sorted ascending, each content is hashed independently, and the
// concatenation of the per-file hex digests is hashed again. The result is
// invariant under insertion order, job id, and attempt id.
func BundleHash(files map[string]string) string {
	paths := make([]string, 0, len(files))
	for p := range files {
		paths = append(paths, p)
	}
	sort.Strings(paths)

	h := sha256.New()
	for _, p := range paths {
		h.Write([]byte(HashContent(files[p])))
	}
	return hex.EncodeToString(h.Sum(nil))
}

// BuildFromDict constructs an Index from an in-memory file set.
func BuildFromDict(files map[string]string, jobID, attemptID, moduleID, stage string) *Index {
	paths := make([]string, 0, len(files))
	for p := range files {
		paths = append(paths, p)
	}
	sort.Strings(paths)

	entries := make([]FileEntry, 0, len(paths))
	for _, p := range paths {
		entries = append(entries, FileEntry{
			Path:   p,
			Size:   len(files[p]),
			SHA256: HashContent(files[p]),
		})
	}

	return &Index{
		JobID:        jobID,
		AttemptID:    attemptID,
		BundleSHA256: BundleHash(files),
		Files:        entries,
		CreatedAt:    time.Now().UTC(),
		ModuleID:     moduleID,
		Stage:        stage,
	}
}

// VerifyBundleHash recomputes the bundle hash over a fresh file set and
// compares it to the index. Any single-byte change in any file fails it.
func VerifyBundleHash(ix *Index, files map[string]string) bool {
	if ix == nil {
		return false
	}
	return BundleHash(files) == ix.BundleSHA256
}
