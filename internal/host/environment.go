// Package host defines the boundary between the preview runtime and the
// environment embedding it. An editor integration, a tunneled remote
// shell, and the standalone daemon all provide the same small surface:
// external URI resolution, user notifications, and port attribute
// registration.
package host

import (
	"context"
	"net/url"
	"sync"
)

// AutoForwardAction tells the host what to do when it notices a
// listening port.
type AutoForwardAction string

// AutoForwardSilent suppresses forwarded-port notifications for a port
// the preview runtime already manages itself.
const AutoForwardSilent AutoForwardAction = "silent"

// PortAttributes describes how the host should treat a port
type PortAttributes struct {
	AutoForward AutoForwardAction
}

// PortAttributesProvider answers attribute queries for ports. A nil
// result means the provider has no opinion and the host default applies.
type PortAttributesProvider interface {
	ProvidePortAttributes(port int) *PortAttributes
}

// Environment is what the preview runtime needs from its host.
type Environment interface {
	// ResolveExternalURI maps a locally bound URI to one reachable by
	// clients outside this machine. Hosts without tunneling return the
	// input unchanged.
	ResolveExternalURI(ctx context.Context, local *url.URL) (*url.URL, error)

	// RegisterPortAttributesProvider registers a provider the host
	// consults before advertising a port. The returned function removes
	// the registration.
	RegisterPortAttributesProvider(p PortAttributesProvider) func()
}

type registeredProvider struct {
	id       int
	provider PortAttributesProvider
}

// LocalEnvironment is the Environment for plain local serving: URIs are
// already reachable and port attribute queries are answered from the
// registered providers.
type LocalEnvironment struct {
	mu        sync.RWMutex
	nextID    int
	providers []registeredProvider
}

// NewLocalEnvironment creates a LocalEnvironment
func NewLocalEnvironment() *LocalEnvironment {
	return &LocalEnvironment{}
}

// ResolveExternalURI returns a copy of the local URI
func (e *LocalEnvironment) ResolveExternalURI(_ context.Context, local *url.URL) (*url.URL, error) {
	resolved := *local
	return &resolved, nil
}

// RegisterPortAttributesProvider adds p to the providers consulted by
// PortAttributes. The returned cancel function is idempotent.
func (e *LocalEnvironment) RegisterPortAttributesProvider(p PortAttributesProvider) func() {
	e.mu.Lock()
	id := e.nextID
	e.nextID++
	e.providers = append(e.providers, registeredProvider{id: id, provider: p})
	e.mu.Unlock()

	return func() {
		e.mu.Lock()
		defer e.mu.Unlock()
		for i, r := range e.providers {
			if r.id == id {
				e.providers = append(e.providers[:i], e.providers[i+1:]...)
				return
			}
		}
	}
}

// PortAttributes asks the registered providers about port, in
// registration order, returning the first answer. Nil means no provider
// claimed the port.
func (e *LocalEnvironment) PortAttributes(port int) *PortAttributes {
	e.mu.RLock()
	snapshot := make([]registeredProvider, len(e.providers))
	copy(snapshot, e.providers)
	e.mu.RUnlock()

	for _, r := range snapshot {
		if attrs := r.provider.ProvidePortAttributes(port); attrs != nil {
			return attrs
		}
	}
	return nil
}
