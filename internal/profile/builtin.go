package profile

// ESP32C6 returns the dual DS18B20 temperature sensor built on an ESP32-C6.
// Each sensor reports on its own endpoint. Every call builds a fresh value.
func ESP32C6() DeviceProfile {
	return DeviceProfile{
		ZigbeeModels: []string{"esp32c6"},
		Model:        "esp32c6",
		Vendor:       "ESPRESSIF",
		Description:  "Automatically generated definition",
		Endpoints: []EndpointDeclaration{
			{Name: "10", Address: 10},
			{Name: "11", Address: 11},
		},
		Capabilities: []Capability{
			{
				Kind:      Temperature,
				Endpoints: []string{"10", "11"},
				Reporting: &ReportingConfig{Min: 30, Max: 600, Change: 5},
			},
		},
		MultiEndpoint: true,
	}
}

// Builtin returns the profiles compiled into the binary.
func Builtin() []DeviceProfile {
	return []DeviceProfile{ESP32C6()}
}
