// Package store persists device commissioning records.
package store

import "errors"

// ErrNotFound is returned when a device has no record.
var ErrNotFound = errors.New("not found")

// Store keeps one record per device, keyed by IEEE address.
type Store interface {
	SaveDevice(dev *Device) error
	GetDevice(ieee string) (*Device, error)
	DeleteDevice(ieee string) error
	ListDevices() ([]*Device, error)

	// UpdateDevice applies fn to the stored record and saves the result in
	// one transaction. A missing record yields ErrNotFound and fn is not
	// called.
	UpdateDevice(ieee string, fn func(dev *Device) error) error

	Close() error
}
