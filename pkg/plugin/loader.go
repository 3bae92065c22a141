package plugin

import (
	"errors"
	"fmt"
	goplugin "plugin"
	"strings"
)

// BuiltinPrefix marks a path that names a compiled-in plugin factory.
const BuiltinPrefix = "builtin:"

// Loader resolves a plugin path into a Plugin implementation.
type Loader interface {
	Load(path string) (Plugin, error)
}

// Factory constructs a fresh plugin instance.
type Factory func() Plugin

// GoPluginLoader opens shared objects built with -buildmode=plugin.
type GoPluginLoader struct{}

// Load opens the shared object and searches for a `Plugin` symbol implementing the Plugin interface.
func (GoPluginLoader) Load(path string) (Plugin, error) {
	if path == "" {
		return nil, errors.New("plugin path cannot be empty")
	}
	so, err := goplugin.Open(path)
	if err != nil {
		return nil, err
	}
	symbol, err := so.Lookup("Plugin")
	if err != nil {
		return nil, err
	}
	switch p := symbol.(type) {
	case Plugin:
		return p, nil
	case *Plugin:
		if p == nil || *p == nil {
			return nil, errors.New("plugin symbol is nil")
		}
		return *p, nil
	case func() Plugin:
		return p(), nil
	case *func() Plugin:
		return (*p)(), nil
	default:
		return nil, errors.New("plugin symbol must implement plugin.Plugin")
	}
}

// BuiltinLoader resolves "builtin:<name>" paths from a factory table and
// hands every other path to Fallback.
type BuiltinLoader struct {
	Factories map[string]Factory
	Fallback  Loader
}

// Load implements Loader.
func (l BuiltinLoader) Load(path string) (Plugin, error) {
	name, ok := strings.CutPrefix(path, BuiltinPrefix)
	if !ok {
		if l.Fallback == nil {
			return nil, fmt.Errorf("no loader for %s", path)
		}
		return l.Fallback.Load(path)
	}
	factory, ok := l.Factories[name]
	if !ok {
		return nil, fmt.Errorf("unknown builtin plugin %q", name)
	}
	return factory(), nil
}
