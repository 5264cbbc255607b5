package profile

import (
	"fmt"
	"sort"
	"sync"

	"zigbee-profiles/internal/zcl"
)

// Registry indexes profiles by every zigbee model id they recognize.
type Registry struct {
	mu       sync.RWMutex
	byModel  map[string]*DeviceProfile
	profiles []*DeviceProfile
	clusters *zcl.Registry
}

// NewRegistry creates an empty registry. Profiles are validated against
// clusters on Add; a nil clusters registry skips the ZCL checks.
func NewRegistry(clusters *zcl.Registry) *Registry {
	return &Registry{
		byModel:  make(map[string]*DeviceProfile),
		clusters: clusters,
	}
}

// Add validates p and registers it. A zigbee model id already claimed by
// another profile is an error and nothing is registered.
func (r *Registry) Add(p DeviceProfile) error {
	if err := p.Validate(r.clusters); err != nil {
		return err
	}
	cp := p.clone()

	r.mu.Lock()
	defer r.mu.Unlock()
	for _, m := range cp.ZigbeeModels {
		if other, ok := r.byModel[m]; ok {
			return fmt.Errorf("profile %s: zigbee model %q already registered by %s", cp.ID(), m, other.ID())
		}
	}
	for _, m := range cp.ZigbeeModels {
		r.byModel[m] = cp
	}
	r.profiles = append(r.profiles, cp)
	return nil
}

// Lookup returns the profile recognizing model, or nil.
func (r *Registry) Lookup(model string) *DeviceProfile {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.byModel[model]
}

// All returns every registered profile ordered by model.
func (r *Registry) All() []*DeviceProfile {
	r.mu.RLock()
	out := make([]*DeviceProfile, len(r.profiles))
	copy(out, r.profiles)
	r.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].Model < out[j].Model })
	return out
}

// Len returns the number of registered profiles.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.profiles)
}

func (p DeviceProfile) clone() *DeviceProfile {
	cp := p
	cp.ZigbeeModels = append([]string(nil), p.ZigbeeModels...)
	cp.Endpoints = append([]EndpointDeclaration(nil), p.Endpoints...)
	cp.Capabilities = make([]Capability, len(p.Capabilities))
	for i, c := range p.Capabilities {
		c.Endpoints = append([]string(nil), c.Endpoints...)
		if c.Reporting != nil {
			rc := *c.Reporting
			c.Reporting = &rc
		}
		cp.Capabilities[i] = c
	}
	return &cp
}
