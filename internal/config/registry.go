package config

import (
	"errors"
	"fmt"
	"slices"
	"sync"

	"github.com/greensteps/voicecoach/pkg/audio"
	"github.com/greensteps/voicecoach/pkg/realtime"
)

// ErrNotRegistered is returned by the Create methods when no factory has been
// registered under the requested name.
var ErrNotRegistered = errors.New("config: backend not registered")

// TransportFactory builds a realtime dialer. api carries the backend
// settings a transport may need (base URL, access token).
type TransportFactory func(tc TransportConfig, api APIConfig) (realtime.Dialer, error)

// Devices is an opened device backend.
type Devices struct {
	Capture  audio.CaptureOpener
	Playback audio.PlaybackOpener

	// Close releases backend-wide resources once every device opened from
	// it has been closed. May be nil.
	Close func() error
}

// DevicesFactory builds a device backend.
type DevicesFactory func(DevicesConfig) (Devices, error)

// Registry maps backend names to their constructors. It is safe for
// concurrent use.
type Registry struct {
	mu         sync.RWMutex
	transports map[string]TransportFactory
	devices    map[string]DevicesFactory
}

// NewRegistry returns an empty, ready-to-use [Registry].
func NewRegistry() *Registry {
	return &Registry{
		transports: make(map[string]TransportFactory),
		devices:    make(map[string]DevicesFactory),
	}
}

// RegisterTransport registers a transport factory under name. A later call
// with the same name replaces the earlier registration.
func (r *Registry) RegisterTransport(name string, factory TransportFactory) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.transports[name] = factory
}

// RegisterDevices registers a device backend factory under name.
func (r *Registry) RegisterDevices(name string, factory DevicesFactory) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.devices[name] = factory
}

// CreateTransport builds the dialer registered under tc.Name.
func (r *Registry) CreateTransport(tc TransportConfig, api APIConfig) (realtime.Dialer, error) {
	r.mu.RLock()
	factory, ok := r.transports[tc.Name]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: transport/%q", ErrNotRegistered, tc.Name)
	}
	d, err := factory(tc, api)
	if err != nil {
		return nil, fmt.Errorf("config: create transport %q: %w", tc.Name, err)
	}
	return d, nil
}

// CreateDevices builds the device backend registered under dc.Backend.
func (r *Registry) CreateDevices(dc DevicesConfig) (Devices, error) {
	r.mu.RLock()
	factory, ok := r.devices[dc.Backend]
	r.mu.RUnlock()
	if !ok {
		return Devices{}, fmt.Errorf("%w: devices/%q", ErrNotRegistered, dc.Backend)
	}
	d, err := factory(dc)
	if err != nil {
		return Devices{}, fmt.Errorf("config: create devices %q: %w", dc.Backend, err)
	}
	return d, nil
}

// Transports returns the registered transport names, sorted.
func (r *Registry) Transports() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.transports))
	for n := range r.transports {
		names = append(names, n)
	}
	slices.Sort(names)
	return names
}

// DeviceBackends returns the registered device backend names, sorted.
func (r *Registry) DeviceBackends() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.devices))
	for n := range r.devices {
		names = append(names, n)
	}
	slices.Sort(names)
	return names
}

// OptString extracts a string value from an Options map. Returns "" if the map
// is nil, the key is absent, or the value is not a string.
func OptString(opts map[string]any, key string) string {
	s, _ := opts[key].(string)
	return s
}

// OptBool extracts a boolean value from an Options map, or false.
func OptBool(opts map[string]any, key string) bool {
	b, _ := opts[key].(bool)
	return b
}
