// Package location decides which data directory holds the bundled runtime
// and tool: the default per-user directory or a user-selected override
// persisted in the settings file.
package location

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/loykin/gatekeeper/internal/config"
	"github.com/loykin/gatekeeper/internal/fsutil"
)

// ErrEmptyPath is returned when the user submits a blank path.
var ErrEmptyPath = errors.New("install path must not be empty")

// State describes the current choice.
type State struct {
	DefaultPath   string  `json:"default_path"`
	SelectedPath  *string `json:"selected_path"`
	EffectivePath string  `json:"effective_path"`
}

// Manager owns the override and its persistence.
type Manager struct {
	defaultDir   string
	settingsPath string

	mu       sync.RWMutex
	override string
	onChange []func(string)
}

// New loads the persisted override, if any.
func New(defaultDir, settingsPath string) (*Manager, error) {
	s, err := config.LoadSettings(settingsPath)
	if err != nil {
		return nil, err
	}
	return &Manager{defaultDir: defaultDir, settingsPath: settingsPath, override: s.InstallPath}, nil
}

// OnChange registers a callback invoked with the new effective dir after
// Set or Reset.
func (m *Manager) OnChange(fn func(effective string)) {
	m.mu.Lock()
	m.onChange = append(m.onChange, fn)
	m.mu.Unlock()
}

// Effective returns the directory to use and verifies it is writable.
func (m *Manager) Effective() (string, error) {
	dir := m.EffectivePath()
	if err := fsutil.ValidateWritable(dir); err != nil {
		return "", err
	}
	return dir, nil
}

// EffectivePath returns the directory to use without touching the disk.
func (m *Manager) EffectivePath() string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.override != "" {
		return m.override
	}
	return m.defaultDir
}

// State reports default, selected and effective paths.
func (m *Manager) State() State {
	m.mu.RLock()
	defer m.mu.RUnlock()
	st := State{DefaultPath: m.defaultDir, EffectivePath: m.defaultDir}
	if m.override != "" {
		sel := m.override
		st.SelectedPath = &sel
		st.EffectivePath = sel
	}
	return st
}

// Set normalizes and validates path, persists it and makes it effective.
func (m *Manager) Set(path string) (State, error) {
	norm, err := NormalizeUserPath(path)
	if err != nil {
		return State{}, err
	}
	if err := fsutil.ValidateWritable(norm); err != nil {
		return State{}, err
	}
	if err := config.SaveSettings(m.settingsPath, config.Settings{InstallPath: norm}); err != nil {
		return State{}, err
	}
	m.mu.Lock()
	m.override = norm
	hooks := append([]func(string){}, m.onChange...)
	m.mu.Unlock()
	for _, fn := range hooks {
		fn(norm)
	}
	return m.State(), nil
}

// Reset drops the override and returns to the default directory.
func (m *Manager) Reset() (State, error) {
	if err := config.SaveSettings(m.settingsPath, config.Settings{}); err != nil {
		return State{}, err
	}
	if err := fsutil.ValidateWritable(m.defaultDir); err != nil {
		return State{}, err
	}
	m.mu.Lock()
	m.override = ""
	hooks := append([]func(string){}, m.onChange...)
	m.mu.Unlock()
	for _, fn := range hooks {
		fn(m.defaultDir)
	}
	return m.State(), nil
}

// NormalizeUserPath trims the input, rejects blanks and resolves relative
// paths against the working directory.
func NormalizeUserPath(raw string) (string, error) {
	p := strings.TrimSpace(raw)
	if p == "" {
		return "", ErrEmptyPath
	}
	if filepath.IsAbs(p) {
		return filepath.Clean(p), nil
	}
	cwd, err := os.Getwd()
	if err != nil {
		return "", fmt.Errorf("failed to resolve current directory: %w", err)
	}
	return filepath.Join(cwd, p), nil
}
