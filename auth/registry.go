package auth

import "github.com/cockroachdb/errors"

// ErrUnknownService is returned by Registry.Build for a name with no
// registered factory.
var ErrUnknownService = errors.New("auth: unknown service")

// Factory constructs an Authenticator from the broker's auth configuration.
// Config is deliberately untyped here: each factory knows the shape it
// expects (a password-file path, an anonymous-allowed flag, ...) and returns
// an error if config doesn't match it.
type Factory func(config map[string]string) (Authenticator, error)

// Registry is a name-keyed constructor lookup for Authenticator
// implementations, built once at startup and threaded into the broker
// explicitly rather than reached for as a package-level singleton (design
// section 9's redesign note on the source's singleton factory registries).
type Registry struct {
	factories map[string]Factory
}

// NewRegistry returns a Registry pre-populated with the two built-in
// services: "accept_all" (the default for a broker started without any
// configured credentials) and "basic" (username/password, optionally with
// anonymous connections allowed).
func NewRegistry() *Registry {
	r := &Registry{factories: make(map[string]Factory)}
	r.Register("accept_all", func(map[string]string) (Authenticator, error) {
		return AllowAll{}, nil
	})
	r.Register("basic", func(config map[string]string) (Authenticator, error) {
		store := NewPasswordStore()
		anon := NewAnonymousPolicy(config["allow_anonymous"] == "true")
		return &CombinedAuthenticator{Anonymous: anon, Inner: store}, nil
	})
	return r
}

// Register adds or replaces the factory for name.
func (r *Registry) Register(name string, factory Factory) {
	r.factories[name] = factory
}

// Build looks up name and constructs an Authenticator from config.
func (r *Registry) Build(name string, config map[string]string) (Authenticator, error) {
	factory, ok := r.factories[name]
	if !ok {
		return nil, errors.Wrapf(ErrUnknownService, "%q", name)
	}
	return factory(config)
}
