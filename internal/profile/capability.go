package profile

import "sort"

// Kind names a measurement capability.
type Kind string

const (
	Temperature Kind = "temperature"
	Humidity    Kind = "humidity"
	Pressure    Kind = "pressure"
	Illuminance Kind = "illuminance"
	Occupancy   Kind = "occupancy"
	Battery     Kind = "battery"
)

// Reporting intervals in seconds.
const (
	intervalHour = 3600
	intervalMax  = 62000
)

// KindInfo is the cluster and attribute a capability kind is measured on,
// with the reporting defaults used when a profile gives none.
type KindInfo struct {
	Cluster   string          `json:"cluster"`
	Attribute string          `json:"attribute"`
	Analog    bool            `json:"analog"`
	Default   ReportingConfig `json:"default"`
}

var kinds = map[Kind]KindInfo{
	Temperature: {"msTemperatureMeasurement", "measuredValue", true, ReportingConfig{Min: 10, Max: intervalHour, Change: 100}},
	Humidity:    {"msRelativeHumidity", "measuredValue", true, ReportingConfig{Min: 10, Max: intervalHour, Change: 100}},
	Pressure:    {"msPressureMeasurement", "measuredValue", true, ReportingConfig{Min: 10, Max: intervalHour, Change: 5}},
	Illuminance: {"msIlluminanceMeasurement", "measuredValue", true, ReportingConfig{Min: 10, Max: intervalHour, Change: 5}},
	Occupancy:   {"msOccupancySensing", "occupancy", false, ReportingConfig{Min: 0, Max: intervalHour, Change: 0}},
	Battery:     {"genPowerCfg", "batteryPercentageRemaining", true, ReportingConfig{Min: intervalHour, Max: intervalMax, Change: 0}},
}

// Info returns the cluster mapping for k. Unknown kinds return the zero value.
func (k Kind) Info() KindInfo {
	return kinds[k]
}

// Valid reports whether k is a known kind.
func (k Kind) Valid() bool {
	_, ok := kinds[k]
	return ok
}

// Kinds returns every known kind, sorted.
func Kinds() []Kind {
	out := make([]Kind, 0, len(kinds))
	for k := range kinds {
		out = append(out, k)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}
