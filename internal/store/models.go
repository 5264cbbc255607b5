package store

import "time"

// CommissionStatus is the commissioning state of a device.
type CommissionStatus string

const (
	StatusPending    CommissionStatus = "pending"
	StatusRunning    CommissionStatus = "running"
	StatusConfigured CommissionStatus = "configured"
	StatusPartial    CommissionStatus = "partial"
	StatusFailed     CommissionStatus = "failed"
	// StatusUnsupported marks devices no profile matches.
	StatusUnsupported CommissionStatus = "unsupported"
)

// Device is a joined Zigbee device and its commissioning record.
type Device struct {
	IEEEAddress  string          `json:"ieee_address"`
	FriendlyName string          `json:"friendly_name,omitempty"`
	ModelID      string          `json:"model_id,omitempty"`
	Manufacturer string          `json:"manufacturer,omitempty"`
	Profile      string          `json:"profile,omitempty"`
	Interviewed  bool            `json:"interviewed"`
	Commission   CommissionState `json:"commission"`
	JoinedAt     time.Time       `json:"joined_at"`
	LastSeen     time.Time       `json:"last_seen"`
}

// CommissionState records the last commissioning outcome.
type CommissionState struct {
	Status      CommissionStatus `json:"status"`
	Attempts    int              `json:"attempts"`
	LastError   string           `json:"last_error,omitempty"`
	Endpoints   []EndpointState  `json:"endpoints,omitempty"`
	Fingerprint string           `json:"fingerprint,omitempty"`
	UpdatedAt   time.Time        `json:"updated_at"`
}

// Configured reports whether the device was fully commissioned under the
// given profile fingerprint.
func (c CommissionState) Configured(fingerprint string) bool {
	return c.Status == StatusConfigured && c.Fingerprint == fingerprint
}

// Reporting reports whether at least one endpoint was commissioned, so the
// device has readings worth exposing.
func (c CommissionState) Reporting() bool {
	return c.Status == StatusConfigured || c.Status == StatusPartial
}

// EndpointState is the outcome on one endpoint.
type EndpointState struct {
	Address uint8  `json:"address"`
	Name    string `json:"name,omitempty"`
	Status  string `json:"status"`
	Error   string `json:"error,omitempty"`
}
