package plugin

import (
	"errors"
	"fmt"
	"io"
	"maps"
	"path/filepath"
	"slices"
	"strings"
	"sync"

	"github.com/Masterminds/semver/v3"

	xerrors "GeoAttest-Chain/internal/errors"
)

var (
	// ErrDuplicatePlugin is returned when a name is registered twice.
	ErrDuplicatePlugin = xerrors.New(xerrors.CodeDuplicatePlugin, "")
	// ErrPluginNotFound is returned when a name has no registration.
	ErrPluginNotFound = xerrors.New(xerrors.CodePluginNotFound, "")
)

// Registry maps plugin names to implementations. It never holds two plugins
// under one name and is safe for concurrent use.
type Registry struct {
	mu          sync.RWMutex
	entries     map[string]*entry
	loader      Loader
	isolation   IsolationStrategy
	defaults    IsolationPolicy
	environment string
}

type entry struct {
	plugin Plugin
	info   Info
	config map[string]any
	policy IsolationPolicy
	source string
}

// NewRegistry constructs a registry and loads every enabled plugin listed in
// cfg.
func NewRegistry(cfg ManagerConfig, opts ...Option) (*Registry, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	r := &Registry{
		entries:   make(map[string]*entry),
		loader:    GoPluginLoader{},
		isolation: CapabilityIsolation{},
		defaults:  cfg.Defaults,
	}
	for _, opt := range opts {
		opt(r)
	}
	if err := r.loadConfigured(cfg); err != nil {
		_ = r.Close()
		return nil, err
	}
	return r, nil
}

// Register adds p under its Info().Name. cfg is passed to Configurable
// plugins once.
func (r *Registry) Register(p Plugin, cfg map[string]any, policy IsolationPolicy) error {
	return r.register(p, cfg, policy, "manual")
}

func (r *Registry) register(p Plugin, cfg map[string]any, policy IsolationPolicy, source string) error {
	if p == nil {
		return xerrors.New(xerrors.CodeInvalidArgument, "plugin implementation cannot be nil")
	}
	info := p.Info()
	name := strings.TrimSpace(info.Name)
	if name == "" {
		return xerrors.New(xerrors.CodeInvalidArgument, "plugin name cannot be empty")
	}
	if _, err := semver.StrictNewVersion(info.Version); err != nil {
		return xerrors.Wrap(xerrors.CodeInvalidArgument, err, fmt.Sprintf("plugin %s has invalid version %q", name, info.Version))
	}
	if !info.Supports(r.environment) {
		return xerrors.New(xerrors.CodeInvalidArgument,
			fmt.Sprintf("plugin %s does not support environment %s", name, r.environment))
	}
	policy = MergePolicies(r.defaults, &policy)
	if err := EnsurePolicy(info, policy); err != nil {
		return xerrors.Wrap(xerrors.CodeInvalidArgument, err, "plugin "+name)
	}
	if err := r.isolation.Validate(info, policy); err != nil {
		return xerrors.Wrap(xerrors.CodeInvalidArgument, err, "plugin "+name)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.entries[name]; exists {
		return xerrors.New(xerrors.CodeDuplicatePlugin, fmt.Sprintf("plugin %s already registered", name),
			xerrors.WithMetadata("plugin", name))
	}
	cfg = cloneConfig(cfg)
	if c, ok := p.(Configurable); ok {
		if err := c.Configure(cfg); err != nil {
			return xerrors.Wrap(xerrors.CodeInitializationFailure, err, "configure plugin "+name)
		}
	}
	if err := r.isolation.Prepare(info); err != nil {
		return xerrors.Wrap(xerrors.CodeInitializationFailure, err, "prepare isolation for "+name)
	}
	info.Name = name
	r.entries[name] = &entry{plugin: p, info: info, config: cfg, policy: policy, source: source}
	return nil
}

// Load resolves path through the registry's loader and registers the result.
// When name is non-empty it must match the loaded plugin's name.
func (r *Registry) Load(name, path string, cfg map[string]any, policy IsolationPolicy) error {
	if path == "" {
		return xerrors.New(xerrors.CodeInvalidArgument, "plugin path cannot be empty")
	}
	p, err := r.loader.Load(path)
	if err != nil {
		return xerrors.Wrap(xerrors.CodeInitializationFailure, err, "load plugin from "+path)
	}
	if p == nil {
		return xerrors.New(xerrors.CodeInitializationFailure, "loader returned nil plugin for "+path)
	}
	if got := p.Info().Name; name != "" && got != name {
		return xerrors.New(xerrors.CodeInvalidArgument, fmt.Sprintf("plugin name mismatch: %s != %s", got, name))
	}
	return r.register(p, cfg, policy, path)
}

// Resolve returns the plugin registered under name.
func (r *Registry) Resolve(name string) (Plugin, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.entries[name]
	if !ok {
		return nil, xerrors.New(xerrors.CodePluginNotFound, "plugin not found: "+name,
			xerrors.WithMetadata("plugin", name))
	}
	return e.plugin, nil
}

// Info returns the registered metadata for name.
func (r *Registry) Info(name string) (Info, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.entries[name]
	if !ok {
		return Info{}, false
	}
	return e.info, true
}

// List returns the metadata of every registered plugin, sorted by name.
func (r *Registry) List() []Info {
	r.mu.RLock()
	defer r.mu.RUnlock()
	infos := make([]Info, 0, len(r.entries))
	for _, e := range r.entries {
		infos = append(infos, e.info)
	}
	slices.SortFunc(infos, func(a, b Info) int { return strings.Compare(a.Name, b.Name) })
	return infos
}

// Len returns the number of registered plugins.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.entries)
}

// Close releases every plugin implementing io.Closer and empties the
// registry.
func (r *Registry) Close() error {
	r.mu.Lock()
	entries := r.entries
	r.entries = make(map[string]*entry)
	r.mu.Unlock()

	var errs []error
	for _, name := range slices.Sorted(maps.Keys(entries)) {
		e := entries[name]
		if c, ok := e.plugin.(io.Closer); ok {
			if err := c.Close(); err != nil {
				errs = append(errs, fmt.Errorf("close plugin %s: %w", name, err))
			}
		}
		if err := r.isolation.Cleanup(e.info); err != nil {
			errs = append(errs, fmt.Errorf("cleanup isolation for %s: %w", name, err))
		}
	}
	return errors.Join(errs...)
}

func (r *Registry) loadConfigured(cfg ManagerConfig) error {
	for _, name := range slices.Sorted(maps.Keys(cfg.Plugins)) {
		pluginCfg := cfg.Plugins[name]
		if !pluginCfg.Enabled {
			continue
		}
		path := pluginCfg.Path
		if !strings.HasPrefix(path, BuiltinPrefix) && !filepath.IsAbs(path) && cfg.PluginDir != "" {
			path = filepath.Join(cfg.PluginDir, path)
		}
		policy := MergePolicies(cfg.Defaults, pluginCfg.Policy)
		if err := r.Load(name, path, pluginCfg.Config, policy); err != nil {
			return err
		}
	}
	return nil
}

func cloneConfig(cfg map[string]any) map[string]any {
	if cfg == nil {
		return map[string]any{}
	}
	return maps.Clone(cfg)
}
