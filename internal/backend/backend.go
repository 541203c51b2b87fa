// Package backend defines the capability every code generator provides and
// selects one for a resolved target.
package backend

import (
	"fmt"
	"slices"
	"strings"

	"kiln/internal/backend/llvm"
	"kiln/internal/backend/x64"
	"kiln/internal/errs"
	"kiln/internal/ir"
	"kiln/internal/obj"
	"kiln/internal/target"
)

// Backend compiles verified functions into object bodies.
type Backend interface {
	Name() string
	// Format is the encoding of every body Compile returns.
	Format() obj.Format
	Compile(fn *ir.Func) (*obj.Code, error)
}

// Factory builds a backend for a target.
type Factory func(cfg *target.Config) (Backend, error)

var (
	ErrUnknownBackend     = fmt.Errorf("%w: unknown backend", errs.ErrConfig)
	ErrBackendUnsupported = fmt.Errorf("%w: backend does not support target", errs.ErrConfig)
)

var factories = map[string]Factory{
	x64.Name: func(cfg *target.Config) (Backend, error) {
		return x64.New(cfg)
	},
	llvm.Name: func(cfg *target.Config) (Backend, error) {
		return llvm.New(cfg)
	},
}

// Names lists the registered backends.
func Names() []string {
	names := make([]string, 0, len(factories))
	for name := range factories {
		names = append(names, name)
	}
	slices.Sort(names)
	return names
}

// New returns the backend called name for cfg. An empty name picks the
// target default.
func New(name string, cfg *target.Config) (Backend, error) {
	if name == "" {
		name = cfg.DefaultBackend()
	}
	factory, ok := factories[name]
	if !ok {
		return nil, fmt.Errorf("%w: %q (have %s)", ErrUnknownBackend, name, strings.Join(Names(), ", "))
	}
	if !cfg.SupportsBackend(name) {
		return nil, fmt.Errorf("%w: %s cannot compile for %s (supported: %s)", ErrBackendUnsupported, name, cfg.Triple(), strings.Join(cfg.Backends(), ", "))
	}
	be, err := factory(cfg)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrBackendUnsupported, err)
	}
	return be, nil
}
