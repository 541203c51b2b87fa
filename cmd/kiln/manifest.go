package main

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"

	"github.com/BurntSushi/toml"

	"kiln/internal/target"
)

const manifestName = "kiln.toml"

type manifest struct {
	Path   string
	Root   string
	Config manifestConfig
}

type manifestConfig struct {
	Module  moduleSection  `toml:"module"`
	Target  targetSection  `toml:"target"`
	Output  outputSection  `toml:"output"`
	Program programSection `toml:"program"`
}

type moduleSection struct {
	Name string `toml:"name"`
}

type targetSection struct {
	Triple   string            `toml:"triple"`
	Backend  string            `toml:"backend"`
	Settings map[string]string `toml:"settings"`
}

type outputSection struct {
	Path     string `toml:"path"`
	EmitIR   string `toml:"emit_ir"`
	Assemble bool   `toml:"assemble"`
}

type programSection struct {
	Entry   string `toml:"entry"`
	Import  string `toml:"import"`
	Data    string `toml:"data"`
	Message string `toml:"message"`
}

// findManifest walks from startDir up to the filesystem root looking for
// kiln.toml.
func findManifest(startDir string) (string, bool, error) {
	if startDir == "" {
		startDir = "."
	}
	dir, err := filepath.Abs(startDir)
	if err != nil {
		return "", false, fmt.Errorf("failed to resolve start directory: %w", err)
	}
	for {
		candidate := filepath.Join(dir, manifestName)
		if _, err := os.Stat(candidate); err == nil {
			return candidate, true, nil
		} else if !errors.Is(err, os.ErrNotExist) {
			return "", false, fmt.Errorf("failed to stat %q: %w", candidate, err)
		}
		parent := filepath.Dir(dir)
		if parent == dir {
			break
		}
		dir = parent
	}
	return "", false, nil
}

func loadManifest(startDir string) (*manifest, bool, error) {
	path, ok, err := findManifest(startDir)
	if err != nil || !ok {
		return nil, ok, err
	}
	var cfg manifestConfig
	meta, err := toml.DecodeFile(path, &cfg)
	if err != nil {
		return nil, true, fmt.Errorf("%s: failed to parse TOML: %w", path, err)
	}
	if undecoded := meta.Undecoded(); len(undecoded) > 0 {
		return nil, true, fmt.Errorf("%s: unknown key %q", path, undecoded[0].String())
	}
	return &manifest{Path: path, Root: filepath.Dir(path), Config: cfg}, true, nil
}

// settings returns [target.settings] as an ordered list.
func (t targetSection) settings() []target.Setting {
	keys := make([]string, 0, len(t.Settings))
	for k := range t.Settings {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	out := make([]target.Setting, 0, len(keys))
	for _, k := range keys {
		out = append(out, target.Setting{Key: k, Value: t.Settings[k]})
	}
	return out
}

// resolvePath makes manifest-relative paths absolute.
func (m *manifest) resolvePath(p string) string {
	if p == "" || filepath.IsAbs(p) {
		return p
	}
	return filepath.Join(m.Root, filepath.FromSlash(p))
}
