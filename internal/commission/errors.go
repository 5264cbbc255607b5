package commission

import (
	"errors"
	"fmt"
	"strings"
)

// ErrEndpointNotFound is returned by Device implementations when the device
// has no endpoint at the requested address.
var ErrEndpointNotFound = errors.New("endpoint not found")

// EndpointNotFoundError means a declared endpoint is absent on the physical
// device. It points at a profile/hardware mismatch and is not retried.
type EndpointNotFoundError struct {
	Device  string
	Address uint8
	Err     error
}

func (e *EndpointNotFoundError) Error() string {
	return fmt.Sprintf("device %s endpoint %d not found: %v", e.Device, e.Address, e.Err)
}

func (e *EndpointNotFoundError) Unwrap() error { return e.Err }

// BindFailureError means binding clusters to the coordinator failed.
type BindFailureError struct {
	Endpoint Endpoint
	Clusters []string
	Err      error
}

func (e *BindFailureError) Error() string {
	return fmt.Sprintf("bind %s [%s]: %v", e.Endpoint, strings.Join(e.Clusters, ","), e.Err)
}

func (e *BindFailureError) Unwrap() error { return e.Err }

// ConfigurationFailureError means the device rejected a reporting
// configuration or the request never completed.
type ConfigurationFailureError struct {
	Endpoint  Endpoint
	Reporting Reporting
	Err       error
}

func (e *ConfigurationFailureError) Error() string {
	return fmt.Sprintf("configure reporting %s %s: %v", e.Endpoint, e.Reporting, e.Err)
}

func (e *ConfigurationFailureError) Unwrap() error { return e.Err }

// IsPermanent reports whether retrying cannot fix err.
func IsPermanent(err error) bool {
	var nf *EndpointNotFoundError
	return errors.As(err, &nf)
}
