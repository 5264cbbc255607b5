// Package gateway defines the interface to the host Zigbee gateway that owns
// the radio, pairing and the binding tables.
// Backend: zigbee2mqtt over MQTT (internal/mqtt).
package gateway

import (
	"context"
	"fmt"
	"sort"

	"zigbee-profiles/internal/commission"
)

// Gateway is the abstract interface for a host Zigbee gateway.
type Gateway interface {
	commission.Host

	// Lifecycle
	Start(ctx context.Context) error
	Close() error

	// Inventory
	Coordinator(ctx context.Context) (commission.Endpoint, error)
	Devices() []DeviceInfo
	// Device waits until ieee is known with at least one endpoint, or ctx ends.
	Device(ctx context.Context, ieee string) (*DeviceInfo, error)

	// Indication callbacks
	OnDeviceJoined(handler func(DeviceJoinedEvent))
	OnDeviceInterviewed(handler func(DeviceInterviewedEvent))
	OnDeviceLeft(handler func(DeviceLeftEvent))
}

// CoordinatorEndpoint is the coordinator endpoint devices report to.
const CoordinatorEndpoint uint8 = 1

// EndpointInfo lists the clusters of one endpoint by gateway key.
type EndpointInfo struct {
	InClusters  []string `json:"in_clusters"`
	OutClusters []string `json:"out_clusters"`
}

// DeviceInfo is the gateway's view of a device.
type DeviceInfo struct {
	IEEEAddress  string                 `json:"ieee_address"`
	FriendlyName string                 `json:"friendly_name"`
	Type         string                 `json:"type"`
	ModelID      string                 `json:"model_id"`
	Manufacturer string                 `json:"manufacturer"`
	Interviewed  bool                   `json:"interview_completed"`
	Endpoints    map[uint8]EndpointInfo `json:"endpoints"`
}

// IEEE returns the device's IEEE address.
func (d *DeviceInfo) IEEE() string { return d.IEEEAddress }

// Endpoint resolves addr against the device's reported endpoints.
func (d *DeviceInfo) Endpoint(addr uint8) (commission.Endpoint, error) {
	if _, ok := d.Endpoints[addr]; !ok {
		return commission.Endpoint{}, fmt.Errorf("device %s has endpoints %v: %w", d.IEEEAddress, d.EndpointIDs(), commission.ErrEndpointNotFound)
	}
	return commission.Endpoint{Device: d.IEEEAddress, ID: addr}, nil
}

// EndpointIDs returns the endpoint addresses in ascending order.
func (d *DeviceInfo) EndpointIDs() []uint8 {
	ids := make([]uint8, 0, len(d.Endpoints))
	for id := range d.Endpoints {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

// DeviceJoinedEvent is emitted when a device joins or announces itself.
type DeviceJoinedEvent struct {
	IEEEAddress  string
	FriendlyName string
}

// DeviceInterviewedEvent is emitted when the gateway finished interviewing
// a device successfully.
type DeviceInterviewedEvent struct {
	IEEEAddress  string
	FriendlyName string
	ModelID      string
	Manufacturer string
}

// DeviceLeftEvent is emitted when a device leaves or is removed.
type DeviceLeftEvent struct {
	IEEEAddress  string
	FriendlyName string
}
