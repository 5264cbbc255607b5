// Package profile declares device profiles: which endpoints a sensor model
// exposes, which measurement capabilities live on each, and the reporting
// configuration applied when the device joins.
package profile

import (
	"errors"
	"fmt"
	"strings"

	"github.com/yuin/gopher-lua/parse"

	"zigbee-profiles/internal/zcl"
)

// DefaultEndpoint is used when a profile declares no endpoints.
var DefaultEndpoint = EndpointDeclaration{Name: "default", Address: 1}

// EndpointDeclaration maps a logical endpoint name to its network address.
type EndpointDeclaration struct {
	Name    string `json:"name" yaml:"name"`
	Address uint8  `json:"address" yaml:"address"`
}

// ReportingConfig controls when a device reports an attribute on its own.
// Min and Max are seconds; Change is in attribute units.
type ReportingConfig struct {
	Min    uint16 `json:"min" yaml:"min"`
	Max    uint16 `json:"max" yaml:"max"`
	Change int    `json:"change" yaml:"change"`
}

func (r ReportingConfig) validate(analog bool) error {
	if r.Min > r.Max {
		return fmt.Errorf("min %d greater than max %d", r.Min, r.Max)
	}
	if r.Change < 0 {
		return fmt.Errorf("negative change %d", r.Change)
	}
	if !analog && r.Change != 0 {
		return fmt.Errorf("change %d on discrete attribute", r.Change)
	}
	return nil
}

// Capability attaches a measurement kind to a set of endpoints.
// An empty Endpoints list means every declared endpoint.
type Capability struct {
	Kind      Kind             `json:"kind" yaml:"kind"`
	Endpoints []string         `json:"endpoint_names,omitempty" yaml:"endpoint_names,omitempty"`
	Reporting *ReportingConfig `json:"reporting,omitempty" yaml:"reporting,omitempty"`
}

// EffectiveReporting returns the explicit reporting config or the kind default.
func (c Capability) EffectiveReporting() ReportingConfig {
	if c.Reporting != nil {
		return *c.Reporting
	}
	return c.Kind.Info().Default
}

// DeviceProfile describes one sensor model. A profile must not be modified
// after it has been added to a Registry.
type DeviceProfile struct {
	ZigbeeModels  []string              `json:"zigbee_models" yaml:"zigbee_models"`
	Model         string                `json:"model" yaml:"model"`
	Vendor        string                `json:"vendor" yaml:"vendor"`
	Description   string                `json:"description" yaml:"description"`
	Endpoints     []EndpointDeclaration `json:"endpoints,omitempty" yaml:"endpoints,omitempty"`
	Capabilities  []Capability          `json:"capabilities" yaml:"capabilities"`
	MultiEndpoint bool                  `json:"multi_endpoint" yaml:"multi_endpoint"`

	// Configure is an optional Lua procedure replacing the declarative
	// bind + configure sequence.
	Configure string `json:"configure,omitempty" yaml:"configure,omitempty"`
}

// EndpointList returns the declared endpoints in declaration order, or the
// implicit default endpoint when none are declared.
func (p *DeviceProfile) EndpointList() []EndpointDeclaration {
	if len(p.Endpoints) == 0 {
		return []EndpointDeclaration{DefaultEndpoint}
	}
	return p.Endpoints
}

// Endpoint looks up a declared endpoint by name.
func (p *DeviceProfile) Endpoint(name string) (EndpointDeclaration, bool) {
	for _, ep := range p.EndpointList() {
		if ep.Name == name {
			return ep, true
		}
	}
	return EndpointDeclaration{}, false
}

// EndpointByAddress looks up a declared endpoint by address.
func (p *DeviceProfile) EndpointByAddress(addr uint8) (EndpointDeclaration, bool) {
	for _, ep := range p.EndpointList() {
		if ep.Address == addr {
			return ep, true
		}
	}
	return EndpointDeclaration{}, false
}

// appliesTo reports whether capability c covers endpoint name.
func (c Capability) appliesTo(name string) bool {
	if len(c.Endpoints) == 0 {
		return true
	}
	for _, n := range c.Endpoints {
		if n == name {
			return true
		}
	}
	return false
}

// ID returns a stable identifier for log lines.
func (p *DeviceProfile) ID() string {
	if p.Vendor == "" {
		return p.Model
	}
	return p.Vendor + "/" + p.Model
}

// Validate checks the declaration against the structural invariants and,
// when clusters is non-nil, against the ZCL definitions of each capability.
func (p *DeviceProfile) Validate(clusters *zcl.Registry) error {
	var errs []error
	fail := func(format string, args ...any) {
		errs = append(errs, fmt.Errorf(format, args...))
	}

	if p.Model == "" {
		fail("model is empty")
	}
	if len(p.ZigbeeModels) == 0 {
		fail("no zigbee models")
	}
	for i, m := range p.ZigbeeModels {
		if strings.TrimSpace(m) == "" {
			fail("zigbee_models[%d] is empty", i)
		}
	}

	names := make(map[string]bool)
	addrs := make(map[uint8]string)
	for _, ep := range p.Endpoints {
		if ep.Name == "" {
			fail("endpoint %d has no name", ep.Address)
		}
		if ep.Address < 1 || ep.Address > 240 {
			fail("endpoint %q address %d out of range 1-240", ep.Name, ep.Address)
		}
		if names[ep.Name] {
			fail("duplicate endpoint name %q", ep.Name)
		}
		if other, ok := addrs[ep.Address]; ok {
			fail("endpoint %q reuses address %d of %q", ep.Name, ep.Address, other)
		}
		names[ep.Name] = true
		addrs[ep.Address] = ep.Name
	}

	exposure := make(map[Kind]int)
	for i, c := range p.Capabilities {
		info := c.Kind.Info()
		if info.Cluster == "" {
			fail("capabilities[%d]: unknown kind %q", i, c.Kind)
			continue
		}
		covered := 0
		for _, ep := range p.EndpointList() {
			if c.appliesTo(ep.Name) {
				covered++
			}
		}
		for _, n := range c.Endpoints {
			if _, ok := p.Endpoint(n); !ok {
				fail("capabilities[%d] %s: undeclared endpoint %q", i, c.Kind, n)
			}
		}
		exposure[c.Kind] += covered

		analog := info.Analog
		if clusters != nil {
			a, err := resolveAttribute(clusters, info.Cluster, info.Attribute)
			if err != nil {
				fail("capabilities[%d] %s: %w", i, c.Kind, err)
				continue
			}
			analog = zcl.IsAnalog(a.Type)
		}
		if err := c.EffectiveReporting().validate(analog); err != nil {
			fail("capabilities[%d] %s reporting: %w", i, c.Kind, err)
		}
	}
	for kind, n := range exposure {
		if n > 1 && !p.MultiEndpoint {
			fail("%s exposed on %d endpoints without multi_endpoint", kind, n)
		}
	}

	if p.Configure != "" {
		if _, err := parse.Parse(strings.NewReader(p.Configure), p.Model+".configure"); err != nil {
			fail("configure script: %w", err)
		}
	}

	if len(errs) > 0 {
		return fmt.Errorf("profile %s: %w", p.ID(), errors.Join(errs...))
	}
	return nil
}

// resolveAttribute finds a reportable attribute by cluster and attribute key.
func resolveAttribute(clusters *zcl.Registry, cluster, attribute string) (*zcl.AttributeDef, error) {
	c := clusters.GetKey(cluster)
	if c == nil {
		return nil, fmt.Errorf("unknown cluster %q", cluster)
	}
	a := c.FindAttributeKey(attribute)
	if a == nil {
		return nil, fmt.Errorf("cluster %s has no attribute %q", cluster, attribute)
	}
	if !a.IsReportable() {
		return nil, fmt.Errorf("attribute %s.%s is not reportable", cluster, attribute)
	}
	return a, nil
}
