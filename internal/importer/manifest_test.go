package importer

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeManifest(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), ManifestFile)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestParseManifestReadsFields(t *testing.T) {
	path := writeManifest(t, `
name: Weather Tools
description: lookups against the national feed
version: "1.2.0"
python: "3.12"
dependencies:
  - requests==2.32.0
  - pydantic
external-endpoints:
  - https://api.weather.example
`)

	m, err := ParseManifest(path)
	require.NoError(t, err)
	assert.Equal(t, "Weather Tools", m.Name)
	assert.Equal(t, "lookups against the national feed", m.Description)
	assert.Equal(t, "1.2.0", m.Version)
	assert.Equal(t, "3.12", m.Python)
	assert.Equal(t, []string{"requests==2.32.0", "pydantic"}, m.Dependencies)
	assert.Equal(t, []string{"https://api.weather.example"}, m.Endpoints)
}

func TestParseManifestRequiresName(t *testing.T) {
	path := writeManifest(t, "dependencies:\n  - requests\n")

	_, err := ParseManifest(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "name")
}

func TestParseManifestRejectsUnknownKeys(t *testing.T) {
	path := writeManifest(t, "name: x\ndependencis:\n  - requests\n")

	_, err := ParseManifest(path)
	require.Error(t, err)
}

func TestParseManifestRejectsEmptyDependency(t *testing.T) {
	path := writeManifest(t, "name: x\ndependencies:\n  - requests\n  - \"\"\n")

	_, err := ParseManifest(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "dependency")
}

func TestParseManifestMissingFile(t *testing.T) {
	_, err := ParseManifest(filepath.Join(t.TempDir(), ManifestFile))
	require.Error(t, err)
}

func TestEnvKeyCoversEnvironmentFieldsOnly(t *testing.T) {
	base := &Manifest{Python: "3.12", Dependencies: []string{"requests", "pydantic"}}
	key := base.EnvKey()
	assert.Len(t, key, 64)

	renamed := &Manifest{
		Name:         "other",
		Description:  "changed",
		Version:      "9.9",
		Python:       "3.12",
		Dependencies: []string{"requests", "pydantic"},
	}
	assert.Equal(t, key, renamed.EnvKey(), "non-environment fields must not move the key")

	reordered := &Manifest{Python: "3.12", Dependencies: []string{"pydantic", "requests"}}
	assert.NotEqual(t, key, reordered.EnvKey(), "resolver order matters")

	otherPython := &Manifest{Python: "3.13", Dependencies: []string{"requests", "pydantic"}}
	assert.NotEqual(t, key, otherPython.EnvKey())
}
