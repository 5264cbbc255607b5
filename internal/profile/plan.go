package profile

import (
	"encoding/json"
	"fmt"

	"github.com/cespare/xxhash/v2"
)

// Step is one configure-reporting action on an endpoint.
type Step struct {
	Kind      Kind            `json:"kind"`
	Cluster   string          `json:"cluster"`
	Attribute string          `json:"attribute"`
	Reporting ReportingConfig `json:"reporting"`
}

// EndpointPlan lists what commissioning does on one endpoint: bind Clusters
// to the coordinator, then run Steps in order.
type EndpointPlan struct {
	Name     string   `json:"name"`
	Address  uint8    `json:"address"`
	Clusters []string `json:"clusters"`
	Steps    []Step   `json:"steps"`
}

// Plan returns per-endpoint commissioning work in declaration order.
// Endpoints without any capability are omitted.
func (p *DeviceProfile) Plan() []EndpointPlan {
	var plans []EndpointPlan
	for _, ep := range p.EndpointList() {
		plan := EndpointPlan{Name: ep.Name, Address: ep.Address}
		seen := make(map[string]bool)
		for _, c := range p.Capabilities {
			if !c.appliesTo(ep.Name) {
				continue
			}
			info := c.Kind.Info()
			if !seen[info.Cluster] {
				seen[info.Cluster] = true
				plan.Clusters = append(plan.Clusters, info.Cluster)
			}
			plan.Steps = append(plan.Steps, Step{
				Kind:      c.Kind,
				Cluster:   info.Cluster,
				Attribute: info.Attribute,
				Reporting: c.EffectiveReporting(),
			})
		}
		if len(plan.Steps) > 0 {
			plans = append(plans, plan)
		}
	}
	return plans
}

// ExposedProperties returns the property names readings are published under.
// A kind exposed on several endpoints gets the endpoint name as suffix.
func (p *DeviceProfile) ExposedProperties() []string {
	return p.properties(nil)
}

// PropertiesOn returns the exposed properties of the endpoints at addrs,
// named as in ExposedProperties.
func (p *DeviceProfile) PropertiesOn(addrs ...uint8) []string {
	want := make(map[uint8]bool, len(addrs))
	for _, a := range addrs {
		want[a] = true
	}
	return p.properties(want)
}

func (p *DeviceProfile) properties(only map[uint8]bool) []string {
	plans := p.Plan()
	count := make(map[Kind]int)
	for _, plan := range plans {
		for _, s := range plan.Steps {
			count[s.Kind]++
		}
	}
	var props []string
	for _, plan := range plans {
		if only != nil && !only[plan.Address] {
			continue
		}
		for _, s := range plan.Steps {
			if count[s.Kind] > 1 {
				props = append(props, fmt.Sprintf("%s_%s", s.Kind, plan.Name))
			} else {
				props = append(props, string(s.Kind))
			}
		}
	}
	return props
}

// Fingerprint hashes the parts of a profile that affect commissioning.
// Devices commissioned under a different fingerprint are commissioned again.
func (p *DeviceProfile) Fingerprint() string {
	data, _ := json.Marshal(struct {
		Plan      []EndpointPlan `json:"plan"`
		Configure string         `json:"configure,omitempty"`
	}{p.Plan(), p.Configure})
	return fmt.Sprintf("%016x", xxhash.Sum64(data))
}
