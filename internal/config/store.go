package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
)

// Store reads and writes the settings file. Writes are atomic: a temp file
// in the same directory, then rename, so a crash mid-write never leaves a
// half-written settings document.
type Store struct {
	path string
}

// NewStore creates a Store for the given settings file path.
func NewStore(path string) *Store {
	return &Store{path: path}
}

// Path returns the settings file path.
func (st *Store) Path() string { return st.path }

// Load reads the settings file layered over the defaults: fields the file
// omits keep their default values. A missing file returns the defaults.
func (st *Store) Load() (Settings, error) {
	s := Default()

	data, err := os.ReadFile(st.path)
	if errors.Is(err, os.ErrNotExist) {
		return s, nil
	}
	if err != nil {
		return Settings{}, fmt.Errorf("read settings file: %w", err)
	}

	if err := json.Unmarshal(data, &s); err != nil {
		return Settings{}, fmt.Errorf("parse settings file %s: %w", st.path, err)
	}
	if err := s.Validate(); err != nil {
		return Settings{}, fmt.Errorf("settings file %s: %w", st.path, err)
	}
	return s, nil
}

// Save writes the settings document atomically, creating the directory if
// needed. The file is indented for hand editing.
func (st *Store) Save(s Settings) error {
	if err := s.Validate(); err != nil {
		return err
	}

	dir := filepath.Dir(st.path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("create settings directory: %w", err)
	}

	data, err := json.MarshalIndent(s, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal settings: %w", err)
	}
	data = append(data, '\n')

	tmp, err := os.CreateTemp(dir, ".settings-*.json")
	if err != nil {
		return fmt.Errorf("create temp settings file: %w", err)
	}
	tmpName := tmp.Name()

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("write settings: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("close temp settings file: %w", err)
	}
	if err := os.Rename(tmpName, st.path); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("replace settings file: %w", err)
	}
	return nil
}
