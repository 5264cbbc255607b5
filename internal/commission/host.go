// Package commission runs the one-time bind and reporting configuration
// for a joined device according to its profile.
package commission

import (
	"context"
	"fmt"
)

// Endpoint addresses one endpoint of one device.
type Endpoint struct {
	Device string `json:"device"`
	ID     uint8  `json:"id"`
}

func (e Endpoint) String() string {
	return fmt.Sprintf("%s/%d", e.Device, e.ID)
}

// Reporting is a single attribute reporting configuration.
type Reporting struct {
	Cluster   string `json:"cluster"`
	Attribute string `json:"attribute"`
	Min       uint16 `json:"min"`
	Max       uint16 `json:"max"`
	Change    int    `json:"change"`
}

func (r Reporting) String() string {
	return fmt.Sprintf("%s.%s{min=%d max=%d change=%d}", r.Cluster, r.Attribute, r.Min, r.Max, r.Change)
}

// Device is a live device handle.
type Device interface {
	IEEE() string
	// Endpoint resolves an endpoint by address. It returns an error wrapping
	// ErrEndpointNotFound when the device has no such endpoint.
	Endpoint(addr uint8) (Endpoint, error)
}

// Host performs network operations on behalf of a commissioning run.
// Both calls block until the gateway answers or ctx ends.
type Host interface {
	Bind(ctx context.Context, ep, target Endpoint, clusters []string) error
	ConfigureReporting(ctx context.Context, ep Endpoint, r Reporting) error
}
