package profile

import (
	"log/slog"
	"os"
	"reflect"
	"strings"
	"testing"

	"zigbee-profiles/internal/zcl"
	"zigbee-profiles/internal/zcl/clusters"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

func testClusters() *zcl.Registry {
	r := zcl.NewRegistry(testLogger())
	clusters.Register(r)
	return r
}

func TestESP32C6Declaration(t *testing.T) {
	p := ESP32C6()
	if err := p.Validate(testClusters()); err != nil {
		t.Fatalf("Validate: %v", err)
	}

	plan := p.Plan()
	if len(plan) != 2 {
		t.Fatalf("plan endpoints = %d, want 2", len(plan))
	}
	for i, addr := range []uint8{10, 11} {
		ep := plan[i]
		if ep.Address != addr {
			t.Errorf("plan[%d].Address = %d, want %d", i, ep.Address, addr)
		}
		if !reflect.DeepEqual(ep.Clusters, []string{"msTemperatureMeasurement"}) {
			t.Errorf("plan[%d].Clusters = %v", i, ep.Clusters)
		}
		if len(ep.Steps) != 1 {
			t.Fatalf("plan[%d] steps = %d, want 1", i, len(ep.Steps))
		}
		want := ReportingConfig{Min: 30, Max: 600, Change: 5}
		if ep.Steps[0].Reporting != want {
			t.Errorf("plan[%d] reporting = %+v, want %+v", i, ep.Steps[0].Reporting, want)
		}
		if ep.Steps[0].Attribute != "measuredValue" {
			t.Errorf("plan[%d] attribute = %q", i, ep.Steps[0].Attribute)
		}
	}

	props := p.ExposedProperties()
	if !reflect.DeepEqual(props, []string{"temperature_10", "temperature_11"}) {
		t.Errorf("ExposedProperties = %v", props)
	}
}

func TestPlanDefaultEndpoint(t *testing.T) {
	p := DeviceProfile{
		ZigbeeModels: []string{"th01"},
		Model:        "th01",
		Capabilities: []Capability{{Kind: Temperature}, {Kind: Humidity}},
	}
	if err := p.Validate(testClusters()); err != nil {
		t.Fatalf("Validate: %v", err)
	}
	plan := p.Plan()
	if len(plan) != 1 || plan[0].Address != 1 || plan[0].Name != "default" {
		t.Fatalf("plan = %+v, want single default endpoint", plan)
	}
	if got := plan[0].Clusters; !reflect.DeepEqual(got, []string{"msTemperatureMeasurement", "msRelativeHumidity"}) {
		t.Errorf("clusters = %v", got)
	}
	if got := plan[0].Steps[0].Reporting; got != Temperature.Info().Default {
		t.Errorf("default reporting = %+v, want kind default", got)
	}
	if got := p.ExposedProperties(); !reflect.DeepEqual(got, []string{"temperature", "humidity"}) {
		t.Errorf("ExposedProperties = %v", got)
	}
}

func TestValidateRejects(t *testing.T) {
	base := func() DeviceProfile {
		return DeviceProfile{
			ZigbeeModels: []string{"m"},
			Model:        "m",
			Endpoints:    []EndpointDeclaration{{Name: "a", Address: 1}, {Name: "b", Address: 2}},
			Capabilities: []Capability{{Kind: Temperature, Endpoints: []string{"a"}}},
		}
	}
	tests := []struct {
		name   string
		mutate func(p *DeviceProfile)
		want   string
	}{
		{"no zigbee models", func(p *DeviceProfile) { p.ZigbeeModels = nil }, "no zigbee models"},
		{"duplicate address", func(p *DeviceProfile) { p.Endpoints[1].Address = 1 }, "reuses address"},
		{"duplicate name", func(p *DeviceProfile) { p.Endpoints[1].Name = "a" }, "duplicate endpoint name"},
		{"address out of range", func(p *DeviceProfile) { p.Endpoints[1].Address = 241 }, "out of range"},
		{"undeclared endpoint", func(p *DeviceProfile) { p.Capabilities[0].Endpoints = []string{"z"} }, "undeclared endpoint"},
		{"unknown kind", func(p *DeviceProfile) { p.Capabilities[0].Kind = "co2" }, "unknown kind"},
		{"min above max", func(p *DeviceProfile) {
			p.Capabilities[0].Reporting = &ReportingConfig{Min: 600, Max: 30}
		}, "greater than max"},
		{"negative change", func(p *DeviceProfile) {
			p.Capabilities[0].Reporting = &ReportingConfig{Min: 1, Max: 2, Change: -1}
		}, "negative change"},
		{"change on discrete", func(p *DeviceProfile) {
			p.Capabilities[0] = Capability{Kind: Occupancy, Endpoints: []string{"a"}, Reporting: &ReportingConfig{Max: 60, Change: 1}}
		}, "discrete"},
		{"multi endpoint flag missing", func(p *DeviceProfile) { p.Capabilities[0].Endpoints = nil }, "without multi_endpoint"},
		{"bad script", func(p *DeviceProfile) { p.Configure = "bind(" }, "configure script"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := base()
			tt.mutate(&p)
			err := p.Validate(testClusters())
			if err == nil {
				t.Fatal("expected error")
			}
			if !strings.Contains(err.Error(), tt.want) {
				t.Errorf("error = %q, want substring %q", err, tt.want)
			}
		})
	}

	p := base()
	if err := p.Validate(testClusters()); err != nil {
		t.Errorf("base profile: %v", err)
	}
}

func TestValidateUnknownCluster(t *testing.T) {
	p := ESP32C6()
	empty := zcl.NewRegistry(testLogger())
	err := p.Validate(empty)
	if err == nil || !strings.Contains(err.Error(), "unknown cluster") {
		t.Errorf("error = %v, want unknown cluster", err)
	}
	// without a cluster registry only structural checks run
	if err := p.Validate(nil); err != nil {
		t.Errorf("Validate(nil): %v", err)
	}
}

func TestFingerprint(t *testing.T) {
	a := ESP32C6()
	b := ESP32C6()
	if a.Fingerprint() != b.Fingerprint() {
		t.Fatal("fingerprint not stable")
	}

	b.Capabilities = []Capability{{Kind: Temperature, Endpoints: []string{"10", "11"}, Reporting: &ReportingConfig{Min: 30, Max: 300, Change: 5}}}
	if a.Fingerprint() == b.Fingerprint() {
		t.Error("fingerprint unchanged after reporting change")
	}

	c := ESP32C6()
	c.Description = "renamed"
	if a.Fingerprint() != c.Fingerprint() {
		t.Error("description should not affect fingerprint")
	}
}

func TestPropertiesOn(t *testing.T) {
	p := ESP32C6()
	if got := p.PropertiesOn(10); !reflect.DeepEqual(got, []string{"temperature_10"}) {
		t.Errorf("PropertiesOn(10) = %v", got)
	}
	if got := p.PropertiesOn(10, 11); !reflect.DeepEqual(got, p.ExposedProperties()) {
		t.Errorf("PropertiesOn(10, 11) = %v", got)
	}
	if got := p.PropertiesOn(); len(got) != 0 {
		t.Errorf("PropertiesOn() = %v, want none", got)
	}
}

func TestBuiltinReturnsFreshValues(t *testing.T) {
	a := Builtin()
	a[0].Endpoints[0].Address = 99
	a[0].Capabilities[0].Reporting.Max = 1
	a[0].ZigbeeModels[0] = "changed"

	b := Builtin()[0]
	if b.Endpoints[0].Address != 10 || b.Capabilities[0].Reporting.Max != 600 || b.ZigbeeModels[0] != "esp32c6" {
		t.Errorf("builtin profile shares state with an earlier copy: %+v", b)
	}
}
