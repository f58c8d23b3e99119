package provider

import (
	"fmt"
	"slices"
)

// Registry is the configured subset of the recognized providers. It is immutable after
// construction and safe for concurrent use.
type Registry struct {
	providers map[ID]Config
}

// NewRegistry validates and indexes the given provider configurations.
func NewRegistry(configs ...Config) (*Registry, error) {
	r := &Registry{providers: make(map[ID]Config, len(configs))}
	for _, c := range configs {
		if err := c.Validate(); err != nil {
			return nil, err
		}
		if _, dup := r.providers[c.ID]; dup {
			return nil, fmt.Errorf("provider %s configured twice", c.ID)
		}
		r.providers[c.ID] = c
	}
	return r, nil
}

// Lookup returns a provider usable for the two-step web flow (authorization code).
func (r *Registry) Lookup(raw string) (Config, error) {
	c, err := r.Get(raw)
	if err != nil {
		return Config{}, err
	}
	if c.Flow != FlowAuthorizationCode {
		return Config{}, fmt.Errorf("%w: %s does not support the web login flow", ErrUnsupported, c.ID)
	}
	return c, nil
}

// Get returns any configured provider regardless of flow. Used by the legacy login path
// and by refresh, which must serve accounts created through either flow.
func (r *Registry) Get(raw string) (Config, error) {
	id, err := Parse(raw)
	if err != nil {
		return Config{}, err
	}
	c, ok := r.providers[id]
	if !ok {
		return Config{}, fmt.Errorf("%w: %s is not configured", ErrUnsupported, id)
	}
	return c, nil
}

// All returns the configured providers ordered by ID.
func (r *Registry) All() []Config {
	out := make([]Config, 0, len(r.providers))
	for _, c := range r.providers {
		out = append(out, c)
	}
	slices.SortFunc(out, func(a, b Config) int {
		switch {
		case a.ID < b.ID:
			return -1
		case a.ID > b.ID:
			return 1
		}
		return 0
	})
	return out
}
