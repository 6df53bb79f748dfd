// Package storage implements the durable stores named in spec §3/§6:
// the sqlite-backed Room Log, per-recipient JSON mailboxes, and the
// JSON-mirrored Control Table, Runtime Table and State Blob. Every
// JSON file write here is atomic: either the store observes the full
// new contents, or (on failure) it observes the old contents
// unchanged. RoomLog statements each commit on their own; a sequence of
// RoomLog calls is not wrapped in one transaction.
package storage

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
)

// writeFileAtomic writes data to path by creating a temp file in the
// same directory, flushing it, and renaming it over path. A rename
// within one directory is atomic on POSIX filesystems, so a reader
// never observes a partially written file.
func writeFileAtomic(path string, data []byte, perm os.FileMode) (err error) {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("creating directory %s: %w", dir, err)
	}

	tmp, err := os.CreateTemp(dir, filepath.Base(path)+".tmp-*")
	if err != nil {
		return fmt.Errorf("creating temp file: %w", err)
	}
	tmpPath := tmp.Name()
	closed := false
	defer func() {
		if !closed {
			_ = tmp.Close()
		}
		if err != nil {
			_ = os.Remove(tmpPath)
		}
	}()

	if _, err = tmp.Write(data); err != nil {
		return fmt.Errorf("writing temp file: %w", err)
	}
	if err = tmp.Chmod(perm); err != nil {
		return fmt.Errorf("chmod temp file: %w", err)
	}
	if err = tmp.Sync(); err != nil {
		return fmt.Errorf("syncing temp file: %w", err)
	}
	if err = tmp.Close(); err != nil {
		return fmt.Errorf("closing temp file: %w", err)
	}
	closed = true

	if err = os.Rename(tmpPath, path); err != nil {
		return fmt.Errorf("replacing file: %w", err)
	}
	return nil
}

// writeJSONAtomic marshals v compactly-enough (indented for operator
// readability) and writes it atomically to path.
func writeJSONAtomic(path string, v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("marshaling %s: %w", path, err)
	}
	return writeFileAtomic(path, data, 0o644)
}

// WriteJSONAtomic is the exported form of writeJSONAtomic, for stores
// outside this package (e.g. config.TeamConfigStore) that need the
// same create-temp-then-rename durability this package's own stores
// rely on.
func WriteJSONAtomic(path string, v any) error {
	return writeJSONAtomic(path, v)
}

// ReadJSON is the exported form of readJSON.
func ReadJSON(path string, v any) error {
	return readJSON(path, v)
}

// readJSON reads and unmarshals path into v. If the file does not
// exist, v is left unmodified and no error is returned — callers treat
// "missing file" as "empty store".
func readJSON(path string, v any) error {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("reading %s: %w", path, err)
	}
	if len(data) == 0 {
		return nil
	}
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("parsing %s: %w", path, err)
	}
	return nil
}
