package mqtt

import (
	"context"
	"encoding/json"
	"path/filepath"
	"testing"
	"time"

	"zigbee-profiles/internal/coordinator"
	"zigbee-profiles/internal/profile"
	"zigbee-profiles/internal/store"
)

func newTestBridge(t *testing.T, cfg Config) (*Bridge, *coordinator.Coordinator, *fakeClient) {
	t.Helper()
	logger := newTestLogger()
	client := newFakeClient()
	gw := newGateway(client, cfg, logger)

	st, err := store.NewBoltStore(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { st.Close() })

	profiles := profile.NewRegistry(nil)
	for _, p := range profile.Builtin() {
		if err := profiles.Add(p); err != nil {
			t.Fatal(err)
		}
	}
	coord := coordinator.New(gw, st, profiles, coordinator.NewEventBus(logger), coordinator.Config{}, logger)
	t.Cleanup(coord.Stop)

	b := NewBridge(gw, coord, logger)
	b.Start()
	t.Cleanup(b.Stop)
	return b, coord, client
}

func TestBridgeStateOnConnect(t *testing.T) {
	b, coord, client := newTestBridge(t, Config{StatusTopic: "zp"})
	if err := coord.Gateway().Start(context.Background()); err != nil {
		t.Fatal(err)
	}
	p, ok := client.last("zp/bridge/state")
	if !ok || string(p.Payload) != "online" || !p.Retained {
		t.Fatalf("bridge state = %+v", p)
	}

	b.Stop()
	p, _ = client.last("zp/bridge/state")
	if string(p.Payload) != "offline" {
		t.Errorf("bridge state after stop = %q", p.Payload)
	}
}

func TestBridgePublishesCommissioningStatus(t *testing.T) {
	_, coord, client := newTestBridge(t, Config{DiscoveryPrefix: "homeassistant"})
	coord.Store().SaveDevice(&store.Device{IEEEAddress: testSensor, FriendlyName: "boiler", ModelID: "esp32c6", Manufacturer: "ESPRESSIF"})

	coord.Events().Emit(coordinator.Event{
		Type: coordinator.EventCommissionFinished,
		Data: coordinator.CommissionEvent{
			IEEE:       testSensor,
			Profile:    "esp32c6",
			Status:     store.StatusConfigured,
			Attempt:    1,
			Properties: []string{"temperature_10", "temperature_11"},
		},
	})

	p, ok := client.last("zigbee-profiles/" + testSensor + "/commissioning")
	if !ok || !p.Retained {
		t.Fatalf("status not published retained: %+v", p)
	}
	var msg struct {
		IEEE      string    `json:"ieee"`
		Status    string    `json:"status"`
		Attempt   int       `json:"attempt"`
		UpdatedAt time.Time `json:"updated_at"`
	}
	if err := json.Unmarshal(p.Payload, &msg); err != nil {
		t.Fatal(err)
	}
	if msg.IEEE != testSensor || msg.Status != "configured" || msg.Attempt != 1 || msg.UpdatedAt.IsZero() {
		t.Errorf("status message = %+v", msg)
	}

	for _, prop := range []string{"temperature_10", "temperature_11"} {
		topic := "homeassistant/sensor/zigbee_" + testSensor + "/" + prop + "/config"
		if _, ok := client.last(topic); !ok {
			t.Errorf("discovery %s not published", topic)
		}
	}
}

func TestBridgeFailedRunHasNoDiscovery(t *testing.T) {
	_, coord, client := newTestBridge(t, Config{DiscoveryPrefix: "homeassistant"})
	coord.Events().Emit(coordinator.Event{
		Type: coordinator.EventCommissionFinished,
		Data: coordinator.CommissionEvent{IEEE: testSensor, Profile: "esp32c6", Status: store.StatusFailed, Error: "boom"},
	})
	if _, ok := client.last("zigbee-profiles/" + testSensor + "/commissioning"); !ok {
		t.Error("failed status not published")
	}
	if _, ok := client.last("homeassistant/sensor/zigbee_" + testSensor + "/temperature_10/config"); ok {
		t.Error("discovery published for failed run")
	}
}

func TestBridgeDeviceLeftClearsTopics(t *testing.T) {
	_, coord, client := newTestBridge(t, Config{DiscoveryPrefix: "homeassistant"})
	coord.Store().SaveDevice(&store.Device{IEEEAddress: testSensor, ModelID: "esp32c6"})
	coord.Events().Emit(coordinator.Event{
		Type: coordinator.EventCommissionFinished,
		Data: coordinator.CommissionEvent{IEEE: testSensor, Status: store.StatusConfigured, Properties: []string{"temperature_10", "temperature_11"}},
	})

	coord.Events().Emit(coordinator.Event{
		Type: coordinator.EventDeviceLeft,
		Data: coordinator.DeviceEvent{IEEE: testSensor},
	})

	p, _ := client.last("zigbee-profiles/" + testSensor + "/commissioning")
	if len(p.Payload) != 0 || !p.Retained {
		t.Errorf("status not cleared: %+v", p)
	}
	topic := "homeassistant/sensor/zigbee_" + testSensor + "/temperature_11/config"
	if n := len(client.Published(topic)); n != 2 {
		t.Fatalf("discovery publishes = %d, want announce and removal", n)
	}
	p, _ = client.last(topic)
	if len(p.Payload) != 0 {
		t.Errorf("discovery not removed: %s", p.Payload)
	}
}

func TestBridgeRepublishesDiscoveryOnConnect(t *testing.T) {
	_, coord, client := newTestBridge(t, Config{DiscoveryPrefix: "homeassistant"})
	coord.Store().SaveDevice(&store.Device{
		IEEEAddress: testSensor,
		ModelID:     "esp32c6",
		Commission:  store.CommissionState{Status: store.StatusPartial},
	})
	coord.Store().SaveDevice(&store.Device{
		IEEEAddress: "0x02",
		ModelID:     "esp32c6",
		Commission:  store.CommissionState{Status: store.StatusFailed},
	})

	if err := coord.Gateway().Start(context.Background()); err != nil {
		t.Fatal(err)
	}
	if _, ok := client.last("homeassistant/sensor/zigbee_" + testSensor + "/temperature_10/config"); !ok {
		t.Error("discovery not republished for partially commissioned device")
	}
	if _, ok := client.last("homeassistant/sensor/zigbee_0x02/temperature_10/config"); ok {
		t.Error("discovery published for failed device")
	}
}
