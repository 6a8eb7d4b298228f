// Package settings persists per-user preferences.
package settings

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/gwillem/mecharm/pkg/i18n"
)

// UserSettings holds persistable user preferences
type UserSettings struct {
	Language i18n.Lang `json:"language"`
}

// DefaultSettings returns the default settings
func DefaultSettings() UserSettings {
	return UserSettings{Language: i18n.English}
}

// DefaultPath returns the settings file path.
// Uses XDG_CONFIG_HOME if set, otherwise the OS user config directory.
func DefaultPath() (string, error) {
	if xdg := os.Getenv("XDG_CONFIG_HOME"); xdg != "" {
		return filepath.Join(xdg, "mecharm", "settings.json"), nil
	}
	dir, err := os.UserConfigDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, "mecharm", "settings.json"), nil
}

// Manager loads and saves settings from one file.
type Manager struct {
	path string

	mu       sync.Mutex
	settings UserSettings
}

// NewManager returns a manager for path, or DefaultPath when path is empty.
func NewManager(path string) (*Manager, error) {
	if path == "" {
		p, err := DefaultPath()
		if err != nil {
			return nil, fmt.Errorf("locate settings: %w", err)
		}
		path = p
	}
	return &Manager{path: path, settings: DefaultSettings()}, nil
}

// Path returns the settings file path.
func (m *Manager) Path() string { return m.path }

// Load reads the settings file. A missing or unparsable file yields defaults.
func (m *Manager) Load() (UserSettings, error) {
	s := DefaultSettings()
	data, err := os.ReadFile(m.path)
	switch {
	case errors.Is(err, os.ErrNotExist):
	case err != nil:
		return s, err
	default:
		if err := json.Unmarshal(data, &s); err != nil {
			s = DefaultSettings()
		}
	}
	s.Language = i18n.Parse(string(s.Language))

	m.mu.Lock()
	m.settings = s
	m.mu.Unlock()
	return s, nil
}

// Language returns the current language.
func (m *Manager) Language() i18n.Lang {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.settings.Language
}

// SetLanguage changes the language and saves when it differs.
func (m *Manager) SetLanguage(lang i18n.Lang) error {
	lang = i18n.Parse(string(lang))
	m.mu.Lock()
	if m.settings.Language == lang {
		m.mu.Unlock()
		return nil
	}
	m.settings.Language = lang
	s := m.settings
	m.mu.Unlock()
	return m.save(s)
}

// Toggle switches between English and Chinese and returns the new language.
func (m *Manager) Toggle() (i18n.Lang, error) {
	next := m.Language().Toggle()
	return next, m.SetLanguage(next)
}

func (m *Manager) save(s UserSettings) error {
	if err := os.MkdirAll(filepath.Dir(m.path), 0755); err != nil {
		return fmt.Errorf("create settings dir: %w", err)
	}
	data, err := json.MarshalIndent(s, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(m.path, data, 0644)
}
