// Package artifact stores named binary blobs for an operation on the local filesystem.
//
// Layout:
//
//	{base}/{operation_id}/       committed artifact set
//	{base}/{operation_id}.tmp/   staging directory used while writing
//
// A write stages every file in the .tmp directory and then renames it onto
// the final name, so readers observe either the complete old set or the
// complete new set, never a mix.
package artifact

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
)

// TempSuffix marks staging directories.
const TempSuffix = ".tmp"

// Sentinel errors for artifact operations.
var (
	// ErrMissing indicates the artifact directory does not exist.
	ErrMissing = errors.New("artifact directory missing")

	// ErrInvalidName indicates an operation id or artifact name that cannot
	// be used as a single path element.
	ErrInvalidName = errors.New("invalid artifact name")
)

// Store manages artifact directories under a base directory.
// Different operation ids never share a directory, so concurrent use for
// different operations is safe. Concurrent writes for the same operation
// id are not coordinated.
type Store struct {
	baseDir string
}

// NewStore creates a store rooted at baseDir. The directory is created lazily.
// A relative baseDir is resolved against the working directory once, here,
// so every path the store returns is absolute.
func NewStore(baseDir string) *Store {
	if abs, err := filepath.Abs(baseDir); err == nil {
		return &Store{baseDir: abs}
	}
	return &Store{baseDir: filepath.Clean(baseDir)}
}

// BaseDir returns the root directory.
func (s *Store) BaseDir() string {
	return s.baseDir
}

// Path returns the committed directory for an operation.
func (s *Store) Path(operationID string) string {
	return filepath.Join(s.baseDir, operationID)
}

func (s *Store) tempPath(operationID string) string {
	return filepath.Join(s.baseDir, operationID+TempSuffix)
}

// ValidateOperationID checks that an id can name an artifact directory
// without escaping the base directory or colliding with a staging directory.
func ValidateOperationID(operationID string) error {
	if err := validateElement(operationID); err != nil {
		return err
	}
	if strings.HasSuffix(operationID, TempSuffix) {
		return fmt.Errorf("%w: operation id %q ends with %s", ErrInvalidName, operationID, TempSuffix)
	}
	return nil
}

func validateElement(name string) error {
	switch {
	case name == "", name == ".", name == "..":
		return fmt.Errorf("%w: %q", ErrInvalidName, name)
	case strings.ContainsAny(name, `/\`), strings.ContainsRune(name, 0):
		return fmt.Errorf("%w: %q contains a path separator", ErrInvalidName, name)
	}
	return nil
}

// Write atomically replaces the artifact set of an operation and returns
// the committed directory path.
//
// A stale staging directory from a crashed write is removed first. An
// existing committed directory is removed immediately before the rename
// (last writer wins).
//
// The context is only checked before any filesystem change; once staging
// starts the write runs to completion or fails as a whole.
func (s *Store) Write(ctx context.Context, operationID string, artifacts map[string][]byte) (string, error) {
	if err := ValidateOperationID(operationID); err != nil {
		return "", err
	}
	for name := range artifacts {
		if err := validateElement(name); err != nil {
			return "", err
		}
	}
	if err := ctx.Err(); err != nil {
		return "", err
	}

	if err := os.MkdirAll(s.baseDir, 0o755); err != nil {
		return "", fmt.Errorf("create artifacts base dir: %w", err)
	}

	tmp := s.tempPath(operationID)
	final := s.Path(operationID)

	if err := os.RemoveAll(tmp); err != nil {
		return "", fmt.Errorf("remove stale staging dir: %w", err)
	}
	if err := os.Mkdir(tmp, 0o755); err != nil {
		return "", fmt.Errorf("create staging dir: %w", err)
	}

	for _, name := range sortedNames(artifacts) {
		if err := writeFileSync(filepath.Join(tmp, name), artifacts[name]); err != nil {
			_ = os.RemoveAll(tmp)
			return "", fmt.Errorf("write artifact %s: %w", name, err)
		}
	}
	if err := syncDir(tmp); err != nil {
		_ = os.RemoveAll(tmp)
		return "", fmt.Errorf("sync staging dir: %w", err)
	}

	if err := os.RemoveAll(final); err != nil {
		_ = os.RemoveAll(tmp)
		return "", fmt.Errorf("remove previous artifacts: %w", err)
	}
	if err := os.Rename(tmp, final); err != nil {
		_ = os.RemoveAll(tmp)
		return "", fmt.Errorf("commit artifacts: %w", err)
	}
	if err := syncDir(s.baseDir); err != nil {
		return "", fmt.Errorf("sync artifacts base dir: %w", err)
	}

	return final, nil
}

// Read returns every regular file directly under path, keyed by file name.
// Returns ErrMissing if the directory does not exist.
func (s *Store) Read(ctx context.Context, path string) (map[string][]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	entries, err := os.ReadDir(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("%w: %s", ErrMissing, path)
		}
		return nil, fmt.Errorf("read artifacts dir: %w", err)
	}

	artifacts := make(map[string][]byte, len(entries))
	for _, entry := range entries {
		if !entry.Type().IsRegular() {
			continue
		}
		data, err := os.ReadFile(filepath.Join(path, entry.Name()))
		if err != nil {
			return nil, fmt.Errorf("read artifact %s: %w", entry.Name(), err)
		}
		artifacts[entry.Name()] = data
	}
	return artifacts, nil
}

// Delete removes an artifact directory recursively.
// A directory that is already gone is not an error.
func (s *Store) Delete(_ context.Context, path string) error {
	if path == "" {
		return nil
	}
	if err := os.RemoveAll(path); err != nil {
		return fmt.Errorf("delete artifacts: %w", err)
	}
	return nil
}

// Entry describes a directory found under the base directory.
type Entry struct {
	// Name is the directory name (an operation id, or id + TempSuffix for staging).
	Name string
	// Path is the full directory path.
	Path string
	// Staging is true for leftover .tmp directories.
	Staging bool
}

// List returns every directory under the base directory, sorted by name.
// A missing base directory yields an empty list.
func (s *Store) List(ctx context.Context) ([]Entry, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	entries, err := os.ReadDir(s.baseDir)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, nil
		}
		return nil, fmt.Errorf("list artifacts base dir: %w", err)
	}

	var out []Entry
	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		out = append(out, Entry{
			Name:    entry.Name(),
			Path:    filepath.Join(s.baseDir, entry.Name()),
			Staging: strings.HasSuffix(entry.Name(), TempSuffix),
		})
	}
	return out, nil
}

// TotalSize returns the summed length of an artifact set.
func TotalSize(artifacts map[string][]byte) int64 {
	var total int64
	for _, data := range artifacts {
		total += int64(len(data))
	}
	return total
}

func sortedNames(artifacts map[string][]byte) []string {
	names := make([]string, 0, len(artifacts))
	for name := range artifacts {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func writeFileSync(path string, data []byte) error {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		return err
	}
	if _, err := f.Write(data); err != nil {
		_ = f.Close()
		return err
	}
	if err := f.Sync(); err != nil {
		_ = f.Close()
		return err
	}
	return f.Close()
}

func syncDir(dir string) error {
	d, err := os.Open(dir)
	if err != nil {
		return err
	}
	err = d.Sync()
	_ = d.Close()
	return err
}
