package settings

import (
	"encoding/json"
	"os"
	"path/filepath"
)

// Control schemes, as understood by the streamer's input handling.
const (
	SchemeLocked   = "locked"
	SchemeHovering = "hovering"
)

// UserSettings holds persistable player preferences
type UserSettings struct {
	Quality       int    `json:"quality"`
	FPS           int    `json:"fps"`
	ControlScheme string `json:"controlScheme"`
	HideCursor    bool   `json:"hideCursor"`
	MatchViewport bool   `json:"matchViewport"`
	ShowStats     bool   `json:"showStats"`
}

// Limits bounds the preset indices a settings file may contain.
type Limits struct {
	QualityPresets int
	FPSPresets     int
	DefaultQuality int
	DefaultFPS     int
}

// DefaultSettings returns the default settings
func DefaultSettings(limits Limits) UserSettings {
	return UserSettings{
		Quality:       limits.DefaultQuality,
		FPS:           limits.DefaultFPS,
		ControlScheme: SchemeHovering,
		ShowStats:     true,
	}
}

// getConfigPath returns the config file path.
// Uses XDG_CONFIG_HOME if set, otherwise the OS user config directory.
func getConfigPath() (string, error) {
	var configDir string

	if xdg := os.Getenv("XDG_CONFIG_HOME"); xdg != "" {
		configDir = filepath.Join(xdg, "pixelpeep")
	} else {
		userConfigDir, err := os.UserConfigDir()
		if err != nil {
			return "", err
		}
		configDir = filepath.Join(userConfigDir, "pixelpeep")
	}

	return filepath.Join(configDir, "config.json"), nil
}

// Manager handles loading and saving user settings
type Manager struct {
	path     string
	limits   Limits
	settings UserSettings
}

// NewManager creates a settings manager with the default config path
func NewManager(limits Limits) (*Manager, error) {
	path, err := getConfigPath()
	if err != nil {
		return nil, err
	}
	return NewManagerAt(path, limits), nil
}

// NewManagerAt creates a settings manager for an explicit file.
func NewManagerAt(path string, limits Limits) *Manager {
	return &Manager{path: path, limits: limits, settings: DefaultSettings(limits)}
}

// Path returns the settings file location.
func (m *Manager) Path() string {
	return m.path
}

// Load reads settings from the config file.
// Returns default settings if file doesn't exist or is invalid.
func (m *Manager) Load() (UserSettings, error) {
	m.settings = DefaultSettings(m.limits)

	data, err := os.ReadFile(m.path)
	if err != nil {
		if os.IsNotExist(err) {
			// File doesn't exist - use defaults, not an error
			return m.settings, nil
		}
		return m.settings, err
	}

	// Parse JSON, keeping defaults for missing fields
	if err := json.Unmarshal(data, &m.settings); err != nil {
		m.settings = DefaultSettings(m.limits)
		return m.settings, nil
	}

	m.validate()
	return m.settings, nil
}

// validate ensures loaded settings are within valid ranges
func (m *Manager) validate() {
	if m.settings.Quality < 0 || m.settings.Quality >= m.limits.QualityPresets {
		m.settings.Quality = m.limits.DefaultQuality
	}
	if m.settings.FPS < 0 || m.settings.FPS >= m.limits.FPSPresets {
		m.settings.FPS = m.limits.DefaultFPS
	}
	if m.settings.ControlScheme != SchemeLocked && m.settings.ControlScheme != SchemeHovering {
		m.settings.ControlScheme = SchemeHovering
	}
}

// Save writes settings to the config file
func (m *Manager) Save(settings UserSettings) error {
	m.settings = settings

	// Ensure directory exists
	dir := filepath.Dir(m.path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return err
	}

	data, err := json.MarshalIndent(settings, "", "  ")
	if err != nil {
		return err
	}

	return os.WriteFile(m.path, data, 0644)
}

// Settings returns the current settings
func (m *Manager) Settings() UserSettings {
	return m.settings
}
