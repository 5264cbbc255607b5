package mqtt

import (
	"fmt"
	"strings"

	"zigbee-profiles/internal/profile"
	"zigbee-profiles/internal/store"
)

// discoveryMsg is a Home Assistant MQTT discovery payload.
type discoveryMsg struct {
	Topic   string // e.g. "homeassistant/sensor/zigbee_0x8c65.../temperature_10/config"
	Payload []byte // JSON, empty means delete
}

// haDevice is the "device" block in HA discovery.
type haDevice struct {
	Identifiers  []string `json:"identifiers"`
	Manufacturer string   `json:"manufacturer,omitempty"`
	Model        string   `json:"model,omitempty"`
	Name         string   `json:"name"`
	ViaDevice    string   `json:"via_device,omitempty"`
}

// haDiscovery is a sensor or binary_sensor discovery payload.
type haDiscovery struct {
	Name                 string   `json:"name"`
	UniqueID             string   `json:"unique_id"`
	StateTopic           string   `json:"state_topic"`
	AvailabilityTopic    string   `json:"availability_topic"`
	AvailabilityTemplate string   `json:"availability_template,omitempty"`
	ValueTemplate        string   `json:"value_template,omitempty"`
	UnitOfMeasurement    string   `json:"unit_of_measurement,omitempty"`
	DeviceClass          string   `json:"device_class,omitempty"`
	StateClass           string   `json:"state_class,omitempty"`
	PayloadOn            string   `json:"payload_on,omitempty"`
	PayloadOff           string   `json:"payload_off,omitempty"`
	Device               haDevice `json:"device"`
}

// kindEntity describes how a capability kind shows up in Home Assistant.
type kindEntity struct {
	component   string
	label       string
	deviceClass string
	unit        string
	stateClass  string
}

var kindEntities = map[profile.Kind]kindEntity{
	profile.Temperature: {"sensor", "Temperature", "temperature", "°C", "measurement"},
	profile.Humidity:    {"sensor", "Humidity", "humidity", "%", "measurement"},
	profile.Pressure:    {"sensor", "Pressure", "pressure", "hPa", "measurement"},
	profile.Illuminance: {"sensor", "Illuminance", "illuminance", "lx", "measurement"},
	profile.Occupancy:   {"binary_sensor", "Occupancy", "occupancy", "", ""},
	profile.Battery:     {"sensor", "Battery", "battery", "%", "measurement"},
}

// propertyKind splits an exposed property name such as "temperature_10"
// into its kind and endpoint suffix.
func propertyKind(prop string) (profile.Kind, string, bool) {
	for _, k := range profile.Kinds() {
		if prop == string(k) {
			return k, "", true
		}
		if suffix, ok := strings.CutPrefix(prop, string(k)+"_"); ok && suffix != "" {
			return k, suffix, true
		}
	}
	return "", "", false
}

// deviceDisplayName returns a display name for the device.
func deviceDisplayName(dev *store.Device) string {
	if dev.FriendlyName != "" {
		return dev.FriendlyName
	}
	if dev.Manufacturer != "" && dev.ModelID != "" {
		return dev.Manufacturer + " " + dev.ModelID
	}
	if dev.ModelID != "" {
		return dev.ModelID
	}
	return dev.IEEEAddress
}

// deviceIdentifier returns the unique identifier for HA device registry.
func deviceIdentifier(dev *store.Device) string {
	return "zigbee_" + dev.IEEEAddress
}

// deviceTopicName returns the zigbee2mqtt state topic name: the friendly
// name, which defaults to the IEEE address.
func deviceTopicName(dev *store.Device) string {
	if dev.FriendlyName != "" {
		return dev.FriendlyName
	}
	return dev.IEEEAddress
}

// buildDiscovery generates HA discovery messages for the properties a
// commissioned device reports. State comes from zigbee2mqtt's device topic.
func buildDiscovery(dev *store.Device, props []string, cfg Config) []discoveryMsg {
	if cfg.DiscoveryPrefix == "" {
		return nil
	}
	stateTopic := cfg.BaseTopic + "/" + deviceTopicName(dev)
	nodeID := deviceIdentifier(dev)
	displayName := deviceDisplayName(dev)
	haDev := haDevice{
		Identifiers:  []string{nodeID},
		Manufacturer: dev.Manufacturer,
		Model:        dev.ModelID,
		Name:         displayName,
	}

	var msgs []discoveryMsg
	for _, prop := range props {
		kind, suffix, ok := propertyKind(prop)
		if !ok {
			continue
		}
		ent := kindEntities[kind]
		name := displayName + " " + ent.label
		if suffix != "" {
			name += " " + suffix
		}
		payload := haDiscovery{
			Name:                 name,
			UniqueID:             nodeID + "_" + prop,
			StateTopic:           stateTopic,
			AvailabilityTopic:    cfg.BaseTopic + "/bridge/state",
			AvailabilityTemplate: "{{ value_json.state }}",
			DeviceClass:          ent.deviceClass,
			UnitOfMeasurement:    ent.unit,
			StateClass:           ent.stateClass,
			Device:               haDev,
		}
		if ent.component == "binary_sensor" {
			payload.ValueTemplate = fmt.Sprintf("{{ 'ON' if value_json.%s else 'OFF' }}", prop)
			payload.PayloadOn = "ON"
			payload.PayloadOff = "OFF"
		} else {
			payload.ValueTemplate = fmt.Sprintf("{{ value_json.%s }}", prop)
		}
		msgs = append(msgs, discoveryMsg{
			Topic:   discoveryTopic(cfg, ent.component, nodeID, prop),
			Payload: mustJSON(payload),
		})
	}
	return msgs
}

// buildRemoveDiscovery generates empty retained messages to remove a
// device's entities from HA.
func buildRemoveDiscovery(dev *store.Device, props []string, cfg Config) []discoveryMsg {
	if cfg.DiscoveryPrefix == "" {
		return nil
	}
	nodeID := deviceIdentifier(dev)
	var msgs []discoveryMsg
	for _, prop := range props {
		kind, _, ok := propertyKind(prop)
		if !ok {
			continue
		}
		msgs = append(msgs, discoveryMsg{
			Topic: discoveryTopic(cfg, kindEntities[kind].component, nodeID, prop),
		})
	}
	return msgs
}

func discoveryTopic(cfg Config, component, nodeID, objectID string) string {
	return fmt.Sprintf("%s/%s/%s/%s/config", cfg.DiscoveryPrefix, component, nodeID, objectID)
}
