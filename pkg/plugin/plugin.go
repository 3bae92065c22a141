// Package plugin defines the evidence-source contract and the registry the
// assessment engine resolves stamps against.
package plugin

// Option modifies the behaviour of a Registry.
type Option func(*Registry)

// WithLoader overrides the default binary loader implementation.
func WithLoader(loader Loader) Option {
	return func(r *Registry) {
		if loader != nil {
			r.loader = loader
		}
	}
}

// WithIsolationStrategy sets a custom isolation policy enforcement strategy.
func WithIsolationStrategy(strategy IsolationStrategy) Option {
	return func(r *Registry) {
		if strategy != nil {
			r.isolation = strategy
		}
	}
}

// WithEnvironment binds the registry to a runtime environment. Plugins that
// declare environments must include it.
func WithEnvironment(env string) Option {
	return func(r *Registry) {
		r.environment = env
	}
}
