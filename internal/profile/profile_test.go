package profile

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoad_DefaultsWhenMissing(t *testing.T) {
	t.Parallel()

	m, err := Load(t.TempDir())
	require.NoError(t, err)

	p := m.Get()
	assert.Equal(t, ModeEphemeral, p.Mode)
	assert.Equal(t, "strict", p.Security.Sandbox)
	assert.True(t, p.Services.Scheduler)
}

func TestLoad_FileOverridesDefaults(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "profile.yaml"), []byte(`
mode: solidified
name: workstation
boot_apps:
  - abc123
shell:
  theme: light
`), 0o600))

	m, err := Load(dir)
	require.NoError(t, err)

	p := m.Get()
	assert.Equal(t, ModeSolidified, p.Mode)
	assert.Equal(t, "workstation", p.Name)
	assert.Equal(t, []string{"abc123"}, p.BootApps)
	assert.Equal(t, "light", p.Shell.Theme)
	// Defaults survive for unset fields.
	assert.Equal(t, "UTC", p.Timezone)
}

func TestSolidify_WritesSnapshotAndFlipsMode(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	m, err := Load(dir)
	require.NoError(t, err)

	apps := []SnapshotApp{{
		AppID:        "abc123",
		Type:         "iframe",
		Title:        "Timer",
		Code:         "<html>t</html>",
		Capabilities: []string{"ui:window"},
	}}
	require.NoError(t, m.Solidify(apps, "<html>shell</html>", time.Now().Format(time.RFC3339)))

	assert.Equal(t, ModeSolidified, m.Get().Mode)

	// Snapshot artifacts exist on disk.
	assert.FileExists(t, filepath.Join(dir, "snapshot", "meta.json"))
	assert.FileExists(t, filepath.Join(dir, "snapshot", "shell.html"))
	assert.FileExists(t, filepath.Join(dir, "snapshot", "apps", "abc123.json"))

	// And the mode change is persisted.
	m2, err := Load(dir)
	require.NoError(t, err)
	assert.Equal(t, ModeSolidified, m2.Get().Mode)
}

func TestSnapshotAccess_OnlyWhenSolidified(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	m, err := Load(dir)
	require.NoError(t, err)

	_, err = m.LoadSnapshotApp("abc123")
	assert.ErrorIs(t, err, ErrNotSolidified)
	_, err = m.LoadSnapshotShell()
	assert.ErrorIs(t, err, ErrNotSolidified)

	require.NoError(t, m.Solidify([]SnapshotApp{{AppID: "abc123", Code: "x"}}, "shell", "now"))

	app, err := m.LoadSnapshotApp("abc123")
	require.NoError(t, err)
	assert.Equal(t, "x", app.Code)

	shell, err := m.LoadSnapshotShell()
	require.NoError(t, err)
	assert.Equal(t, "shell", shell)
}

func TestGoEphemeral_ClearsSnapshot(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	m, err := Load(dir)
	require.NoError(t, err)
	require.NoError(t, m.Solidify([]SnapshotApp{{AppID: "a", Code: "x"}}, "", "now"))

	require.NoError(t, m.GoEphemeral(true))
	assert.Equal(t, ModeEphemeral, m.Get().Mode)
	_, err = os.Stat(filepath.Join(dir, "snapshot"))
	assert.True(t, os.IsNotExist(err))
}
