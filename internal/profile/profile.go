// Package profile loads the user-editable profile.yaml and manages the
// ephemeral/solidified lifecycle: solidifying freezes generated artifacts
// under <data>/snapshot/ so the next boot reuses them instead of
// regenerating.
package profile

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

// Modes.
const (
	ModeEphemeral  = "ephemeral"
	ModeSolidified = "solidified"
)

const (
	profileFile = "profile.yaml"
	snapshotDir = "snapshot"
)

// ErrNotSolidified is returned when snapshot artifacts are requested in
// ephemeral mode.
var ErrNotSolidified = errors.New("profile is not solidified")

// Profile is the user-editable record.
type Profile struct {
	Mode     string         `yaml:"mode" json:"mode"`
	Name     string         `yaml:"name" json:"name"`
	Locale   string         `yaml:"locale" json:"locale"`
	Timezone string         `yaml:"timezone" json:"timezone"`
	Shell    ShellConfig    `yaml:"shell" json:"shell"`
	BootApps []string       `yaml:"boot_apps" json:"boot_apps"`
	Services ServicesConfig `yaml:"services" json:"services"`
	Security SecurityConfig `yaml:"security" json:"security"`
	LLM      map[string]any `yaml:"llm" json:"llm,omitempty"`
	Persist  []string       `yaml:"persist" json:"persist,omitempty"`
}

type ShellConfig struct {
	Theme      string `yaml:"theme" json:"theme"`
	Wallpaper  string `yaml:"wallpaper" json:"wallpaper"`
	Dock       bool   `yaml:"dock" json:"dock"`
	ClockInBar bool   `yaml:"clock_in_bar" json:"clock_in_bar"`
}

type ServicesConfig struct {
	SSH       bool `yaml:"ssh" json:"ssh"`
	Ollama    bool `yaml:"ollama" json:"ollama"`
	Scheduler bool `yaml:"scheduler" json:"scheduler"`
}

type SecurityConfig struct {
	Sandbox         string `yaml:"sandbox" json:"sandbox"`
	Network         string `yaml:"network" json:"network"`
	MaxCapabilities int    `yaml:"max_capabilities" json:"max_capabilities"`
}

// defaults returns the overlay applied under whatever the file provides.
func defaults() *Profile {
	return &Profile{
		Mode:     ModeEphemeral,
		Name:     "llmos",
		Locale:   "en-US",
		Timezone: "UTC",
		Shell: ShellConfig{
			Theme:      "dark",
			Dock:       true,
			ClockInBar: true,
		},
		Services: ServicesConfig{
			Ollama:    true,
			Scheduler: true,
		},
		Security: SecurityConfig{
			Sandbox:         "strict",
			Network:         "gated",
			MaxCapabilities: 6,
		},
	}
}

// Manager owns the profile file and the snapshot tree.
type Manager struct {
	dataRoot string
	profile  *Profile
}

// Load reads <dataRoot>/profile.yaml over the defaults. A missing file
// just yields the defaults; a corrupt one is reported.
func Load(dataRoot string) (*Manager, error) {
	m := &Manager{dataRoot: dataRoot, profile: defaults()}

	path := filepath.Join(dataRoot, profileFile)
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return m, nil
	}
	if err != nil {
		return nil, fmt.Errorf("reading profile: %w", err)
	}

	if err := yaml.Unmarshal(data, m.profile); err != nil {
		return nil, fmt.Errorf("parsing profile: %w", err)
	}
	slog.Info("profile loaded", "mode", m.profile.Mode, "boot_apps", len(m.profile.BootApps))
	return m, nil
}

// Get returns the current profile.
func (m *Manager) Get() *Profile { return m.profile }

// Update replaces the profile and persists it.
func (m *Manager) Update(p *Profile) error {
	m.profile = p
	return m.save()
}

func (m *Manager) save() error {
	data, err := yaml.Marshal(m.profile)
	if err != nil {
		return fmt.Errorf("marshaling profile: %w", err)
	}
	path := filepath.Join(m.dataRoot, profileFile)
	if err := os.MkdirAll(m.dataRoot, 0o700); err != nil {
		return fmt.Errorf("creating data root: %w", err)
	}
	if err := os.WriteFile(path, data, 0o600); err != nil {
		return fmt.Errorf("writing profile: %w", err)
	}
	return nil
}

// SnapshotApp is the frozen textual form of one app. Process apps keep
// their recipe and code and are rebuilt on resume; images are never
// snapshotted.
type SnapshotApp struct {
	AppID        string   `json:"app_id"`
	Type         string   `json:"type"`
	Title        string   `json:"title"`
	Code         string   `json:"code"`
	Dockerfile   string   `json:"dockerfile,omitempty"`
	Capabilities []string `json:"capabilities"`
}

// SnapshotMeta records what was frozen and when.
type SnapshotMeta struct {
	At    string   `json:"at"`
	Apps  []string `json:"apps"`
	Shell bool     `json:"shell"`
}

// Solidify freezes the given apps and shell under <data>/snapshot/ and
// flips the profile mode.
func (m *Manager) Solidify(apps []SnapshotApp, shellHTML string, at string) error {
	root := filepath.Join(m.dataRoot, snapshotDir)
	appsDir := filepath.Join(root, "apps")
	if err := os.MkdirAll(appsDir, 0o700); err != nil {
		return fmt.Errorf("creating snapshot dir: %w", err)
	}

	meta := SnapshotMeta{At: at}
	for _, app := range apps {
		data, err := json.MarshalIndent(app, "", "  ")
		if err != nil {
			return fmt.Errorf("encoding snapshot app %s: %w", app.AppID, err)
		}
		path := filepath.Join(appsDir, app.AppID+".json")
		if err := os.WriteFile(path, data, 0o600); err != nil {
			return fmt.Errorf("writing snapshot app %s: %w", app.AppID, err)
		}
		meta.Apps = append(meta.Apps, app.AppID)
	}

	if shellHTML != "" {
		if err := os.WriteFile(filepath.Join(root, "shell.html"), []byte(shellHTML), 0o600); err != nil {
			return fmt.Errorf("writing snapshot shell: %w", err)
		}
		meta.Shell = true
	}

	metaData, err := json.MarshalIndent(meta, "", "  ")
	if err != nil {
		return fmt.Errorf("encoding snapshot meta: %w", err)
	}
	if err := os.WriteFile(filepath.Join(root, "meta.json"), metaData, 0o600); err != nil {
		return fmt.Errorf("writing snapshot meta: %w", err)
	}

	m.profile.Mode = ModeSolidified
	if err := m.save(); err != nil {
		return err
	}
	slog.Info("profile solidified", "apps", len(meta.Apps), "shell", meta.Shell)
	return nil
}

// GoEphemeral flips back to ephemeral mode, optionally deleting the
// snapshot tree.
func (m *Manager) GoEphemeral(clearSnapshot bool) error {
	m.profile.Mode = ModeEphemeral
	if err := m.save(); err != nil {
		return err
	}
	if clearSnapshot {
		if err := os.RemoveAll(filepath.Join(m.dataRoot, snapshotDir)); err != nil {
			return fmt.Errorf("clearing snapshot: %w", err)
		}
		slog.Info("snapshot cleared")
	}
	return nil
}

// LoadSnapshotApp returns a frozen app. Only valid in solidified mode.
func (m *Manager) LoadSnapshotApp(appID string) (*SnapshotApp, error) {
	if m.profile.Mode != ModeSolidified {
		return nil, ErrNotSolidified
	}

	path := filepath.Join(m.dataRoot, snapshotDir, "apps", appID+".json")
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading snapshot app: %w", err)
	}
	var app SnapshotApp
	if err := json.Unmarshal(data, &app); err != nil {
		return nil, fmt.Errorf("decoding snapshot app: %w", err)
	}
	return &app, nil
}

// LoadSnapshotShell returns the frozen shell. Only valid in solidified
// mode.
func (m *Manager) LoadSnapshotShell() (string, error) {
	if m.profile.Mode != ModeSolidified {
		return "", ErrNotSolidified
	}

	data, err := os.ReadFile(filepath.Join(m.dataRoot, snapshotDir, "shell.html"))
	if err != nil {
		return "", fmt.Errorf("reading snapshot shell: %w", err)
	}
	return string(data), nil
}

// SnapshotMetaInfo returns the snapshot metadata when one exists.
func (m *Manager) SnapshotMetaInfo() (*SnapshotMeta, error) {
	data, err := os.ReadFile(filepath.Join(m.dataRoot, snapshotDir, "meta.json"))
	if err != nil {
		return nil, fmt.Errorf("reading snapshot meta: %w", err)
	}
	var meta SnapshotMeta
	if err := json.Unmarshal(data, &meta); err != nil {
		return nil, fmt.Errorf("decoding snapshot meta: %w", err)
	}
	return &meta, nil
}
