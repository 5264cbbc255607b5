package mqtt

import (
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	pahomqtt "github.com/eclipse/paho.mqtt.golang"

	"zigbee-profiles/internal/coordinator"
	"zigbee-profiles/internal/store"
)

// Bridge publishes commissioning status and Home Assistant discovery for
// commissioned devices.
type Bridge struct {
	client pahomqtt.Client
	cfg    Config
	coord  *coordinator.Coordinator
	logger *slog.Logger
	unsub  func()

	// Properties announced to HA per IEEE, removed again on leave.
	mu         sync.Mutex
	discovered map[string][]string
}

// statusMessage is the retained payload of <status_topic>/<ieee>/commissioning.
type statusMessage struct {
	coordinator.CommissionEvent
	UpdatedAt time.Time `json:"updated_at"`
}

// NewBridge creates a bridge publishing through gw's client. Bridge state
// and discovery are republished on every reconnect.
func NewBridge(gw *Gateway, coord *coordinator.Coordinator, logger *slog.Logger) *Bridge {
	b := &Bridge{
		client:     gw.Client(),
		cfg:        gw.Config(),
		coord:      coord,
		logger:     logger.With("component", "mqtt"),
		discovered: make(map[string][]string),
	}
	gw.OnConnect(b.handleConnect)
	return b
}

// Start subscribes to coordinator events and begins MQTT publishing.
func (b *Bridge) Start() {
	b.unsub = b.coord.Events().OnAll(b.handleEvent)
	b.logger.Info("MQTT bridge started", "status_topic", b.cfg.StatusTopic)
}

// Stop publishes offline state and unsubscribes.
func (b *Bridge) Stop() {
	if b.unsub != nil {
		b.unsub()
	}
	b.publishBridgeState("offline")
	b.logger.Info("MQTT bridge stopped")
}

func (b *Bridge) handleConnect() {
	b.publishBridgeState("online")
	b.publishAllDiscovery()
}

func (b *Bridge) handleEvent(event coordinator.Event) {
	switch event.Type {
	case coordinator.EventCommissionStarted:
		if evt, ok := event.Data.(coordinator.CommissionEvent); ok {
			b.publishStatus(evt)
		}
	case coordinator.EventCommissionFinished:
		evt, ok := event.Data.(coordinator.CommissionEvent)
		if !ok {
			return
		}
		b.publishStatus(evt)
		if len(evt.Properties) > 0 {
			if dev, err := b.coord.Devices().GetDevice(evt.IEEE); err == nil {
				b.publishDeviceDiscovery(dev, evt.Properties)
			}
		}
	case coordinator.EventDeviceLeft:
		if evt, ok := event.Data.(coordinator.DeviceEvent); ok {
			b.handleDeviceLeft(evt)
		}
	}
}

func (b *Bridge) publishStatus(evt coordinator.CommissionEvent) {
	payload := mustJSON(statusMessage{CommissionEvent: evt, UpdatedAt: time.Now().UTC()})
	b.publish(b.statusTopic(evt.IEEE), payload, true)
}

func (b *Bridge) statusTopic(ieee string) string {
	return b.cfg.StatusTopic + "/" + ieee + "/commissioning"
}

func (b *Bridge) handleDeviceLeft(evt coordinator.DeviceEvent) {
	// Empty retained payload clears the status.
	b.publish(b.statusTopic(evt.IEEE), nil, true)

	b.mu.Lock()
	props := b.discovered[evt.IEEE]
	delete(b.discovered, evt.IEEE)
	b.mu.Unlock()

	dev := &store.Device{IEEEAddress: evt.IEEE}
	for _, msg := range buildRemoveDiscovery(dev, props, b.cfg) {
		b.publish(msg.Topic, msg.Payload, true)
	}
}

func (b *Bridge) publishBridgeState(state string) {
	b.publish(b.cfg.bridgeStateTopic(), []byte(state), true)
}

func (b *Bridge) publishAllDiscovery() {
	if b.cfg.DiscoveryPrefix == "" {
		return
	}
	devices, err := b.coord.Devices().ListDevices()
	if err != nil {
		b.logger.Error("list devices for discovery", "err", err)
		return
	}
	for _, dev := range devices {
		if !dev.Commission.Reporting() {
			continue
		}
		p := b.coord.Profiles().Lookup(dev.ModelID)
		if p == nil {
			continue
		}
		b.publishDeviceDiscovery(dev, p.ExposedProperties())
	}
}

func (b *Bridge) publishDeviceDiscovery(dev *store.Device, props []string) {
	msgs := buildDiscovery(dev, props, b.cfg)
	if len(msgs) == 0 {
		return
	}
	for _, msg := range msgs {
		b.publish(msg.Topic, msg.Payload, true)
	}
	b.mu.Lock()
	b.discovered[dev.IEEEAddress] = props
	b.mu.Unlock()
	b.logger.Info("published HA discovery", "ieee", dev.IEEEAddress, "name", deviceDisplayName(dev), "entities", len(msgs))
}

func (b *Bridge) publish(topic string, payload []byte, retained bool) {
	token := b.client.Publish(topic, 1, retained, payload)
	go func() {
		if !token.WaitTimeout(5 * time.Second) {
			b.logger.Warn("MQTT publish timeout", "topic", topic)
		} else if err := token.Error(); err != nil {
			b.logger.Warn("MQTT publish error", "topic", topic, "err", err)
		}
	}()
}

func mustJSON(v interface{}) []byte {
	data, err := json.Marshal(v)
	if err != nil {
		return []byte("{}")
	}
	return data
}
