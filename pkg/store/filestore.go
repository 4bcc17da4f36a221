// Package store provides a durable small-record store backed by JSON files.
// It is used for state that must survive restarts but does not warrant a
// database, such as the node fleet table.
package store

import (
	"bytes"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"
)

var utf8BOM = []byte{0xEF, 0xBB, 0xBF}

// JSONFile is a single JSON document on disk. Writes are atomic
// (temp file + rename); reads tolerate a UTF-8 BOM and trailing whitespace.
// A corrupt file is backed up with a timestamped suffix and replaced by the
// empty default rather than failing every subsequent start.
type JSONFile struct {
	path string
	mu   sync.Mutex
}

// NewJSONFile creates a handle for the document at path, creating parent
// directories as needed.
func NewJSONFile(path string) (*JSONFile, error) {
	if path == "" {
		return nil, fmt.Errorf("path is required")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("failed to create state directory: %w", err)
	}
	return &JSONFile{path: path}, nil
}

// Path returns the document path.
func (f *JSONFile) Path() string {
	return f.path
}

// Load decodes the document into v. A missing file leaves v untouched and
// returns false. A corrupt file is quarantined and treated as missing.
func (f *JSONFile) Load(v any) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	data, err := os.ReadFile(f.path)
	if err != nil {
		if os.IsNotExist(err) {
			return false, nil
		}
		return false, fmt.Errorf("failed to read %s: %w", f.path, err)
	}

	data = bytes.TrimPrefix(data, utf8BOM)
	data = bytes.TrimSpace(data)
	if len(data) == 0 {
		return false, nil
	}

	if err := json.Unmarshal(data, v); err != nil {
		backup, qerr := f.quarantine()
		if qerr != nil {
			return false, fmt.Errorf("state file %s is corrupt and could not be quarantined: %w", f.path, qerr)
		}
		slog.Warn("Quarantined corrupt state file",
			"path", f.path,
			"backup", backup,
			"error", err)
		return false, nil
	}
	return true, nil
}

// Save atomically replaces the document with the JSON encoding of v.
func (f *JSONFile) Save(v any) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal state: %w", err)
	}

	tmp, err := os.CreateTemp(filepath.Dir(f.path), filepath.Base(f.path)+".tmp-*")
	if err != nil {
		return fmt.Errorf("failed to create temp file: %w", err)
	}
	tmpPath := tmp.Name()

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return fmt.Errorf("failed to write temp file: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return fmt.Errorf("failed to sync temp file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("failed to close temp file: %w", err)
	}

	if err := os.Rename(tmpPath, f.path); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("failed to replace %s: %w", f.path, err)
	}
	return nil
}

// quarantine moves the current file aside with a timestamped suffix.
func (f *JSONFile) quarantine() (string, error) {
	backup := fmt.Sprintf("%s.corrupt-%s", f.path, time.Now().UTC().Format("20060102T150405"))
	if err := os.Rename(f.path, backup); err != nil {
		return "", err
	}
	return backup, nil
}
