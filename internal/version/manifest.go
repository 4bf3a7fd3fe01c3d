package version

import (
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"sync"

	"gopkg.in/yaml.v3"

	"github.com/ppiankov/patchgate/internal/component"
)

type composeFile struct {
	Services map[string]composeService `yaml:"services"`
}

type composeService struct {
	Image string `yaml:"image"`
}

// Manifest reads deployed image tags from a compose file. The override file
// wins when it exists. Parsed results are cached until Invalidate.
type Manifest struct {
	base     string
	override string
	log      *slog.Logger

	mu     sync.Mutex
	cached map[component.Name]string
}

// NewManifest returns a reader for the given compose files. override may be empty.
func NewManifest(base, override string, log *slog.Logger) *Manifest {
	if log == nil {
		log = slog.Default()
	}
	return &Manifest{base: base, override: override, log: log}
}

// ActivePath returns the file that would be parsed right now.
func (m *Manifest) ActivePath() string {
	if m.override != "" {
		if _, err := os.Stat(m.override); err == nil {
			return m.override
		}
	}
	return m.base
}

// Paths returns the configured base and override paths.
func (m *Manifest) Paths() []string {
	if m.override == "" {
		return []string{m.base}
	}
	return []string{m.base, m.override}
}

// Versions returns the deployed tag per component. Components whose image
// is not found, or any read failure, resolve to Unknown.
func (m *Manifest) Versions() map[component.Name]string {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.cached == nil {
		path := m.ActivePath()
		v, err := parseManifest(path)
		if err != nil {
			m.log.Warn("manifest unreadable", "path", path, "error", err)
			return unknownVersions()
		}
		m.cached = v
	}

	out := make(map[component.Name]string, len(m.cached))
	for k, v := range m.cached {
		out[k] = v
	}
	return out
}

// Invalidate drops the cached parse.
func (m *Manifest) Invalidate() {
	m.mu.Lock()
	m.cached = nil
	m.mu.Unlock()
}

func unknownVersions() map[component.Name]string {
	out := make(map[component.Name]string)
	for _, n := range component.All() {
		out[n] = Unknown
	}
	return out
}

func parseManifest(path string) (map[component.Name]string, error) {
	data, err := os.ReadFile(path)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("manifest %s does not exist", filepath.Base(path))
	}
	if err != nil {
		return nil, err
	}
	var cf composeFile
	if err := yaml.Unmarshal(data, &cf); err != nil {
		return nil, fmt.Errorf("parse compose file: %w", err)
	}
	return matchImages(cf), nil
}

func matchImages(cf composeFile) map[component.Name]string {
	names := make([]string, 0, len(cf.Services))
	for name := range cf.Services {
		names = append(names, name)
	}
	sort.Strings(names)

	out := unknownVersions()
	for _, n := range component.All() {
		pattern := n.Spec().Image
		for _, svc := range names {
			if m := pattern.FindStringSubmatch(cf.Services[svc].Image); m != nil {
				out[n] = m[1]
				break
			}
		}
	}
	return out
}
