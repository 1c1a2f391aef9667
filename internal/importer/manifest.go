package importer

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

// ManifestFile marks a directory as an action package.
const ManifestFile = "package.yaml"

// Manifest is the parsed package.yaml. Python and Dependencies are the
// environment-relevant fields; everything else only describes the package.
type Manifest struct {
	Name         string   `yaml:"name"`
	Description  string   `yaml:"description,omitempty"`
	Version      string   `yaml:"version,omitempty"`
	Python       string   `yaml:"python,omitempty"`
	Dependencies []string `yaml:"dependencies,omitempty"`
	Endpoints    []string `yaml:"external-endpoints,omitempty"`
}

// ParseManifest reads and validates dir's package.yaml. Unknown keys fail the
// parse so a typoed dependency list never silently builds an empty
// environment.
func ParseManifest(path string) (*Manifest, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	var m Manifest
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&m); err != nil {
		return nil, fmt.Errorf("parsing %s: %w", path, err)
	}
	if strings.TrimSpace(m.Name) == "" {
		return nil, fmt.Errorf("%s: package name is required", path)
	}
	for i, dep := range m.Dependencies {
		if strings.TrimSpace(dep) == "" {
			return nil, fmt.Errorf("%s: dependency %d is empty", path, i)
		}
	}
	return &m, nil
}

// EnvKey hashes the environment-relevant manifest fields. Packages with the
// same python spec and dependency list (order preserved; resolvers are order
// sensitive) share one prepared environment.
func (m *Manifest) EnvKey() string {
	h := sha256.New()
	fmt.Fprintf(h, "python:%s\n", strings.TrimSpace(m.Python))
	for _, dep := range m.Dependencies {
		fmt.Fprintf(h, "dep:%s\n", strings.TrimSpace(dep))
	}
	return hex.EncodeToString(h.Sum(nil))
}
