package target

import (
	_ "embed"
	"fmt"
	"slices"
	"strings"

	"gopkg.in/yaml.v3"

	"kiln/internal/ir"
)

//go:embed targets.yaml
var rawTable []byte

// Info describes one supported target triple.
type Info struct {
	Triple      string   `yaml:"triple"`
	Aliases     []string `yaml:"aliases"`
	Arch        string   `yaml:"arch"`
	PointerBits int      `yaml:"pointerBits"`
	CallConv    string   `yaml:"callConv"`
	Format      Format   `yaml:"format"`
	DataLayout  string   `yaml:"dataLayout"`
	Backends    []string `yaml:"backends"`
}

// SettingSpec describes one tuning key and its accepted values.
type SettingSpec struct {
	Key     string   `yaml:"key"`
	Values  []string `yaml:"values"`
	Default string   `yaml:"default"`
	// Formats limits the key to targets with one of these object formats.
	// Empty means every format.
	Formats []Format `yaml:"formats"`
}

// AppliesTo reports whether the key is meaningful for format f.
func (s SettingSpec) AppliesTo(f Format) bool {
	return len(s.Formats) == 0 || slices.Contains(s.Formats, f)
}

type table struct {
	Targets  []Info        `yaml:"targets"`
	Settings []SettingSpec `yaml:"settings"`
}

var builtin = mustLoad(rawTable)

func mustLoad(raw []byte) table {
	t, err := loadTable(raw)
	if err != nil {
		panic(err)
	}
	return t
}

func loadTable(raw []byte) (table, error) {
	var t table
	if err := yaml.Unmarshal(raw, &t); err != nil {
		return table{}, fmt.Errorf("decode target table: %w", err)
	}
	for i := range t.Targets {
		info := &t.Targets[i]
		if _, ok := ir.IntType(info.PointerBits); !ok {
			return table{}, fmt.Errorf("target %s: bad pointer width %d", info.Triple, info.PointerBits)
		}
		if _, err := ir.ParseCallConv(info.CallConv); err != nil {
			return table{}, fmt.Errorf("target %s: %w", info.Triple, err)
		}
		if !info.Format.IsValid() {
			return table{}, fmt.Errorf("target %s: unknown object format %q", info.Triple, info.Format)
		}
		if len(info.Backends) == 0 {
			return table{}, fmt.Errorf("target %s: no backends", info.Triple)
		}
	}
	for _, s := range t.Settings {
		if !slices.Contains(s.Values, s.Default) {
			return table{}, fmt.Errorf("setting %s: default %q not among %v", s.Key, s.Default, s.Values)
		}
	}
	return t, nil
}

// Targets lists the supported targets in table order.
func Targets() []Info {
	out := make([]Info, len(builtin.Targets))
	for i, info := range builtin.Targets {
		out[i] = info.clone()
	}
	return out
}

// Settings lists the tuning keys Resolve accepts.
func Settings() []SettingSpec {
	out := make([]SettingSpec, len(builtin.Settings))
	for i, s := range builtin.Settings {
		s.Values = slices.Clone(s.Values)
		s.Formats = slices.Clone(s.Formats)
		out[i] = s
	}
	return out
}

func (t *table) lookup(triple string) (Info, bool) {
	triple = strings.ToLower(strings.TrimSpace(triple))
	for _, info := range t.Targets {
		if info.Triple == triple || slices.Contains(info.Aliases, triple) {
			return info.clone(), true
		}
	}
	return Info{}, false
}

func (t *table) setting(key string) (SettingSpec, bool) {
	for _, s := range t.Settings {
		if s.Key == key {
			return s, true
		}
	}
	return SettingSpec{}, false
}

func (i Info) clone() Info {
	i.Aliases = slices.Clone(i.Aliases)
	i.Backends = slices.Clone(i.Backends)
	return i
}
