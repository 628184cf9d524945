// Copyright 2025 James Ross
package outbox

import "fmt"

// ConfigRegistry is the immutable-after-init, name-keyed lookup of
// per-event-type policy described in §4.2.
type ConfigRegistry struct {
	byName map[string]EventConfig
}

// NewConfigRegistry builds a registry from the given configs. Registration
// fails fast with ErrDuplicateEventName when a name repeats, matching the
// "duplicates fail startup" rule in §4.2.
func NewConfigRegistry(configs ...EventConfig) (*ConfigRegistry, error) {
	byName := make(map[string]EventConfig, len(configs))
	for _, c := range configs {
		if _, exists := byName[c.Name]; exists {
			return nil, fmt.Errorf("%w: %s", ErrDuplicateEventName, c.Name)
		}
		byName[c.Name] = c
	}
	return &ConfigRegistry{byName: byName}, nil
}

// Resolve returns the configuration for eventName, or ErrUnknownEvent when it
// was never registered.
func (r *ConfigRegistry) Resolve(eventName string) (EventConfig, error) {
	c, ok := r.byName[eventName]
	if !ok {
		return EventConfig{}, fmt.Errorf("%w: %s", ErrUnknownEvent, eventName)
	}
	return c, nil
}

// Names returns every configured event name. Order is unspecified.
func (r *ConfigRegistry) Names() []string {
	names := make([]string, 0, len(r.byName))
	for n := range r.byName {
		names = append(names, n)
	}
	return names
}
