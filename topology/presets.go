package topology

import (
	"embed"
	"fmt"
	"os"
	"path"
	"slices"
	"strings"
)

//go:embed presets/*.yaml
var presetFS embed.FS

// Presets lists the names of the built-in experiments.
func Presets() []string {
	entries, err := presetFS.ReadDir("presets")
	if err != nil {
		return nil
	}
	names := make([]string, 0, len(entries))
	for _, e := range entries {
		names = append(names, strings.TrimSuffix(e.Name(), ".yaml"))
	}
	slices.Sort(names)
	return names
}

// Preset parses a built-in experiment by name.
func Preset(name string) (*Topology, error) {
	data, err := presetFS.ReadFile(path.Join("presets", name+".yaml"))
	if err != nil {
		return nil, fmt.Errorf("unknown experiment %q (have %s)", name, strings.Join(Presets(), ", "))
	}
	return Parse(data)
}

// Load resolves a topology from a file path when one exists, otherwise from
// the preset of that name.
func Load(nameOrPath string) (*Topology, error) {
	if data, err := os.ReadFile(nameOrPath); err == nil {
		return Parse(data)
	}
	return Preset(nameOrPath)
}
