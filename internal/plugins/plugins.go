// Package plugins registers the evidence sources compiled into the binary.
package plugins

import (
	"GeoAttest-Chain/internal/plugins/gps"
	"GeoAttest-Chain/internal/plugins/witness"
	"GeoAttest-Chain/pkg/plugin"
)

// Factories maps builtin names to constructors.
func Factories() map[string]plugin.Factory {
	return map[string]plugin.Factory{
		gps.Name:     gps.Factory,
		witness.Name: witness.Factory,
	}
}

// Loader resolves "builtin:<name>" paths and loads everything else as a Go
// plugin shared object.
func Loader() plugin.Loader {
	return plugin.BuiltinLoader{Factories: Factories(), Fallback: plugin.GoPluginLoader{}}
}

// DefaultManagerConfig enables every builtin with its default settings.
func DefaultManagerConfig() plugin.ManagerConfig {
	cfg := plugin.ManagerConfig{Plugins: map[string]plugin.PluginConfig{}}
	for name := range Factories() {
		cfg.Plugins[name] = plugin.PluginConfig{Enabled: true, Path: plugin.BuiltinPrefix + name}
	}
	return cfg
}

// ManagerConfig reads the manager YAML at path, or returns
// DefaultManagerConfig when path is empty.
func ManagerConfig(path string) (plugin.ManagerConfig, error) {
	if path == "" {
		return DefaultManagerConfig(), nil
	}
	return plugin.LoadManagerConfig(path)
}

// NewRegistry builds a registry from the manager YAML at path using the
// builtin loader.
func NewRegistry(path, environment string) (*plugin.Registry, error) {
	cfg, err := ManagerConfig(path)
	if err != nil {
		return nil, err
	}
	return plugin.NewRegistry(cfg, plugin.WithLoader(Loader()), plugin.WithEnvironment(environment))
}
