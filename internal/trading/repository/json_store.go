// Package repository implements the Order/Record/PendingOrder repositories
// (spec §4.10): in-memory maps with secondary indexes behind one
// sync.RWMutex per repository, persisted to disk as JSON. Grounded on
// engine/simple/store_sqlite.go's marshal -> round-trip-validate -> persist
// shape, adapted from a SQLite checksum+transaction commit to a plain
// temp-file-plus-rename for JSON, since this system has no other SQL use
// beyond the sync audit ledger.
package repository

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
)

// saveJSON marshals v, validates the marshal round-trips cleanly, writes it
// to a temp file in the same directory as path, and renames it into place —
// so a crash mid-write never corrupts the previous good file.
func saveJSON(path string, v interface{}) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("repository: marshal: %w", err)
	}

	// Round-trip validation before committing to disk, mirroring
	// store_sqlite.go's pre-checksum unmarshal check.
	var probe interface{}
	if err := json.Unmarshal(data, &probe); err != nil {
		return fmt.Errorf("repository: marshal round-trip failed: %w", err)
	}

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("repository: mkdir: %w", err)
	}

	tmp, err := os.CreateTemp(dir, filepath.Base(path)+".tmp-*")
	if err != nil {
		return fmt.Errorf("repository: create temp file: %w", err)
	}
	tmpPath := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return fmt.Errorf("repository: write temp file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("repository: close temp file: %w", err)
	}
	if err := os.Rename(tmpPath, path); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("repository: rename into place: %w", err)
	}
	return nil
}

// loadJSON unmarshals path into v. A missing file is not an error — callers
// start with empty state rather than crashing on first run. A malformed
// file is logged by the caller and also treated as empty state, per the
// "never crash on startup" rule.
func loadJSON(path string, v interface{}) (found bool, err error) {
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("repository: read %s: %w", path, err)
	}
	if err := json.Unmarshal(data, v); err != nil {
		return false, fmt.Errorf("repository: unmarshal %s: %w", path, err)
	}
	return true, nil
}
