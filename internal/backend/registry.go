package backend

import (
	"github.com/hochfrequenz/fleet-dispatch/internal/config"
)

// Registry holds the constructed backends for a fleet configuration
type Registry struct {
	backends map[string]Backend
	order    []string
}

// NewRegistry creates an empty registry
func NewRegistry() *Registry {
	return &Registry{backends: make(map[string]Backend)}
}

// Add registers a backend under its name
func (r *Registry) Add(b Backend) {
	if _, ok := r.backends[b.Name()]; !ok {
		r.order = append(r.order, b.Name())
	}
	r.backends[b.Name()] = b
}

// Get returns a backend by name
func (r *Registry) Get(name string) (Backend, bool) {
	b, ok := r.backends[name]
	return b, ok
}

// All returns the backends in registration order
func (r *Registry) All() []Backend {
	out := make([]Backend, 0, len(r.order))
	for _, name := range r.order {
		out = append(out, r.backends[name])
	}
	return out
}

// Build constructs backends for every descriptor in the config. A cloud
// backend with an invalid binary path is a configuration error.
func Build(cfg *config.Config) (*Registry, error) {
	r := NewRegistry()
	for _, bc := range cfg.Backends {
		switch bc.Type {
		case "http":
			r.Add(NewJobServer(JobServerOptions{
				Name:      bc.Name,
				URL:       bc.URL,
				SSHTarget: bc.SSHTarget,
				UseCurl:   bc.UseCurl,
				Agent:     bc.Agent,
			}))
		case "cloud-cli":
			cloud, err := NewCloudCLI(bc.Name, bc.CLIPath, bc.ThreeGate)
			if err != nil {
				return nil, err
			}
			r.Add(cloud)
		case "disabled":
			r.Add(NewDisabled(bc.Name))
		}
	}
	return r, nil
}
