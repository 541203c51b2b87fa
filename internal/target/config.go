// Package target resolves a target triple and tuning settings into an
// immutable Config shared by every later stage.
package target

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"runtime"
	"slices"
	"strings"

	"kiln/internal/ir"
)

// HostTriple selects the triple of the running machine.
const HostTriple = "host"

// Setting is one key=value tuning pair.
type Setting struct {
	Key   string
	Value string
}

func (s Setting) String() string {
	return s.Key + "=" + s.Value
}

// ParseSetting parses "key=value".
func ParseSetting(s string) (Setting, error) {
	key, value, ok := strings.Cut(s, "=")
	key = strings.TrimSpace(key)
	value = strings.TrimSpace(value)
	if !ok || key == "" {
		return Setting{}, fmt.Errorf("%w: %q is not key=value", ErrInvalidOption, s)
	}
	return Setting{Key: key, Value: value}, nil
}

// Config is the resolved, immutable target configuration.
type Config struct {
	info     Info
	callConv ir.CallConv
	ptr      ir.Type
	settings map[string]string
}

// Resolve looks up triple and applies settings on top of the defaults.
// Later settings with the same key win.
func Resolve(triple string, settings []Setting) (*Config, error) {
	if triple == "" || strings.EqualFold(triple, HostTriple) {
		host, err := hostTriple(runtime.GOOS, runtime.GOARCH)
		if err != nil {
			return nil, err
		}
		triple = host
	}
	info, ok := builtin.lookup(triple)
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnsupportedTarget, triple)
	}
	if len(info.Backends) == 0 {
		return nil, fmt.Errorf("%w: %s has no backend", ErrUnsupportedTarget, info.Triple)
	}
	cc, err := ir.ParseCallConv(info.CallConv)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %w", ErrUnsupportedTarget, info.Triple, err)
	}
	ptr, _ := ir.IntType(info.PointerBits)

	values := make(map[string]string, len(builtin.Settings))
	for _, spec := range builtin.Settings {
		if spec.AppliesTo(info.Format) {
			values[spec.Key] = spec.Default
		}
	}
	for _, s := range settings {
		spec, ok := builtin.setting(s.Key)
		if !ok {
			return nil, fmt.Errorf("%w: unknown setting %q", ErrInvalidOption, s.Key)
		}
		if !slices.Contains(spec.Values, s.Value) {
			return nil, fmt.Errorf("%w: %s=%q, want one of %s", ErrInvalidOption, s.Key, s.Value, strings.Join(spec.Values, "|"))
		}
		if !spec.AppliesTo(info.Format) {
			return nil, fmt.Errorf("%w: %s does not apply to %s (%s)", ErrInvalidOption, s.Key, info.Triple, info.Format)
		}
		values[s.Key] = s.Value
	}

	return &Config{info: info, callConv: cc, ptr: ptr, settings: values}, nil
}

// Host resolves the running machine with the given settings.
func Host(settings ...Setting) (*Config, error) {
	return Resolve(HostTriple, settings)
}

func hostTriple(goos, goarch string) (string, error) {
	switch goos + "/" + goarch {
	case "linux/amd64":
		return "x86_64-unknown-linux-gnu", nil
	case "linux/arm64":
		return "aarch64-unknown-linux-gnu", nil
	case "linux/386":
		return "i686-unknown-linux-gnu", nil
	case "darwin/arm64":
		return "aarch64-apple-darwin", nil
	case "windows/amd64":
		return "x86_64-pc-windows-msvc", nil
	default:
		return "", fmt.Errorf("%w: host %s/%s", ErrUnsupportedTarget, goos, goarch)
	}
}

// Triple returns the canonical triple, even when an alias was resolved.
func (c *Config) Triple() string { return c.info.Triple }

func (c *Config) Arch() string { return c.info.Arch }

func (c *Config) Format() Format { return c.info.Format }

func (c *Config) DataLayout() string { return c.info.DataLayout }

func (c *Config) CallConv() ir.CallConv { return c.callConv }

// PointerBits returns the width of an address in bits.
func (c *Config) PointerBits() int { return c.info.PointerBits }

// PointerType returns the integer type of address values.
func (c *Config) PointerType() ir.Type { return c.ptr }

// Backends lists the backends able to compile for this target, default first.
func (c *Config) Backends() []string { return slices.Clone(c.info.Backends) }

func (c *Config) SupportsBackend(name string) bool {
	return slices.Contains(c.info.Backends, name)
}

// DefaultBackend returns the preferred backend name.
func (c *Config) DefaultBackend() string { return c.info.Backends[0] }

// Setting returns the value of key and whether it applies to this target.
func (c *Config) Setting(key string) (string, bool) {
	v, ok := c.settings[key]
	return v, ok
}

// Settings returns every applicable setting sorted by key.
func (c *Config) Settings() []Setting {
	keys := make([]string, 0, len(c.settings))
	for k := range c.settings {
		keys = append(keys, k)
	}
	slices.Sort(keys)
	out := make([]Setting, len(keys))
	for i, k := range keys {
		out[i] = Setting{Key: k, Value: c.settings[k]}
	}
	return out
}

func (c *Config) OptLevel() OptLevel {
	switch c.settings["opt_level"] {
	case "speed":
		return OptSpeed
	case "speed_and_size":
		return OptSpeedAndSize
	default:
		return OptNone
	}
}

func (c *Config) IsPIC() bool { return c.settings["is_pic"] == "true" }

func (c *Config) PreserveFramePointers() bool {
	return c.settings["preserve_frame_pointers"] == "true"
}

func (c *Config) TLSModel() TLSModel {
	if c.settings["tls_model"] == "local_exec" {
		return TLSLocalExec
	}
	return TLSNone
}

// Fingerprint is a stable digest of the triple and the effective settings.
func (c *Config) Fingerprint() string {
	h := sha256.New()
	h.Write([]byte(c.info.Triple))
	for _, s := range c.Settings() {
		h.Write([]byte{0})
		h.Write([]byte(s.String()))
	}
	return hex.EncodeToString(h.Sum(nil))
}

func (c *Config) String() string {
	parts := make([]string, 0, len(c.settings)+1)
	parts = append(parts, c.info.Triple)
	for _, s := range c.Settings() {
		parts = append(parts, s.String())
	}
	return strings.Join(parts, " ")
}
