// Package clusters holds the ZCL cluster definitions the profile capabilities
// are built on.
package clusters

import "zigbee-profiles/internal/zcl"

// Register adds every standard cluster in this package to r.
func Register(r *zcl.Registry) {
	r.Register(Basic)                  // 0x0000
	r.Register(PowerConfiguration)     // 0x0001
	r.Register(IlluminanceMeasurement) // 0x0400
	r.Register(TemperatureMeasurement) // 0x0402
	r.Register(PressureMeasurement)    // 0x0403
	r.Register(RelativeHumidity)       // 0x0405
	r.Register(OccupancySensing)       // 0x0406
}
