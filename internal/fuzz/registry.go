package fuzz

import (
	"errors"
	"fmt"
	"reflect"
	"sort"

	"go.uber.org/fx"
	"go.uber.org/zap"
)

var ErrNotRegistered = errors.New("fuzzer type not registered")

// Registry maps fuzzer type names to plugins. It is filled once at
// construction and read-only afterwards.
type Registry struct {
	plugins map[string]Plugin
}

type RegistryParams struct {
	fx.In
	Logger  *zap.Logger
	Plugins []Plugin `group:"fuzzers"`
}

func NewRegistry(params RegistryParams) (*Registry, error) {
	return NewRegistryFrom(params.Logger, params.Plugins...)
}

// NewRegistryFrom builds a registry from explicit plugins. Nil plugins are
// skipped so optional providers can opt out by returning nil.
func NewRegistryFrom(logger *zap.Logger, plugins ...Plugin) (*Registry, error) {
	r := &Registry{plugins: make(map[string]Plugin)}
	for _, p := range plugins {
		if isNil(p) {
			continue
		}
		name := p.Name()
		if _, dup := r.plugins[name]; dup {
			return nil, fmt.Errorf("fuzzer type %q registered twice", name)
		}
		r.plugins[name] = p
		logger.Debug("fuzzer registered", zap.String("fuzzer_type", name))
	}
	return r, nil
}

func (r *Registry) Lookup(name string) (Plugin, error) {
	p, ok := r.plugins[name]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrNotRegistered, name)
	}
	return p, nil
}

func (r *Registry) Names() []string {
	names := make([]string, 0, len(r.plugins))
	for name := range r.plugins {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func isNil(p Plugin) bool {
	if p == nil {
		return true
	}
	v := reflect.ValueOf(p)
	return v.Kind() == reflect.Ptr && v.IsNil()
}
