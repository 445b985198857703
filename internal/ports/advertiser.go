// Package ports tracks the ports the preview server pair currently
// holds and answers the host's port attribute queries for them.
package ports

import (
	"sync"

	"github.com/previewtools/go-preview-server/internal/host"
)

// Advertiser declares the preview server's own ports "silent" so the
// host never raises forwarded-port notifications for them. Ports are
// recorded only after a confirmed bind; requested-but-unbound ports are
// never claimed.
type Advertiser struct {
	mu       sync.RWMutex
	httpPort int
	wsPort   int
}

// NewAdvertiser creates an Advertiser with no ports claimed
func NewAdvertiser() *Advertiser {
	return &Advertiser{}
}

// ProvidePortAttributes implements host.PortAttributesProvider
func (a *Advertiser) ProvidePortAttributes(port int) *host.PortAttributes {
	a.mu.RLock()
	defer a.mu.RUnlock()

	if port != 0 && (port == a.httpPort || port == a.wsPort) {
		return &host.PortAttributes{AutoForward: host.AutoForwardSilent}
	}
	return nil
}

// SetHTTPPort records the confirmed HTTP port
func (a *Advertiser) SetHTTPPort(port int) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.httpPort = port
}

// SetWSPort records the confirmed WebSocket port
func (a *Advertiser) SetWSPort(port int) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.wsPort = port
}

// Ports returns the currently claimed ports (0 when unclaimed)
func (a *Advertiser) Ports() (httpPort, wsPort int) {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.httpPort, a.wsPort
}

// Clear releases both ports
func (a *Advertiser) Clear() {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.httpPort = 0
	a.wsPort = 0
}
