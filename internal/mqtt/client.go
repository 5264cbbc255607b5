package mqtt

import (
	"fmt"
	"log/slog"
	"time"

	pahomqtt "github.com/eclipse/paho.mqtt.golang"
)

// Config holds MQTT configuration.
type Config struct {
	Broker   string
	Username string
	Password string
	ClientID string
	// BaseTopic is the zigbee2mqtt base topic.
	BaseTopic string
	// StatusTopic prefixes commissioning status and bridge availability.
	StatusTopic string
	// DiscoveryPrefix enables Home Assistant discovery when set.
	DiscoveryPrefix string
	// RequestTimeout bounds a single bridge request.
	RequestTimeout time.Duration
}

func (c Config) withDefaults() Config {
	if c.ClientID == "" {
		c.ClientID = "zigbee-profiles"
	}
	if c.BaseTopic == "" {
		c.BaseTopic = "zigbee2mqtt"
	}
	if c.StatusTopic == "" {
		c.StatusTopic = "zigbee-profiles"
	}
	if c.RequestTimeout <= 0 {
		c.RequestTimeout = 30 * time.Second
	}
	return c
}

func (c Config) bridgeStateTopic() string {
	return c.StatusTopic + "/bridge/state"
}

// NewClient creates an unconnected paho client. onConnect runs after every
// (re)connect; subscriptions are made there so they survive reconnects.
func NewClient(cfg Config, logger *slog.Logger, onConnect func()) pahomqtt.Client {
	cfg = cfg.withDefaults()
	logger = logger.With("component", "mqtt")

	opts := pahomqtt.NewClientOptions().
		AddBroker(cfg.Broker).
		SetClientID(cfg.ClientID).
		SetAutoReconnect(true).
		SetConnectRetry(true).
		SetConnectRetryInterval(5*time.Second).
		SetWill(cfg.bridgeStateTopic(), "offline", 1, true).
		SetOnConnectHandler(func(_ pahomqtt.Client) {
			logger.Info("MQTT connected", "broker", cfg.Broker)
			if onConnect != nil {
				onConnect()
			}
		}).
		SetConnectionLostHandler(func(_ pahomqtt.Client, err error) {
			logger.Warn("MQTT connection lost", "err", err)
		})

	if cfg.Username != "" {
		opts.SetUsername(cfg.Username)
		opts.SetPassword(cfg.Password)
	}
	return pahomqtt.NewClient(opts)
}

// Connect connects client, waiting up to timeout.
func Connect(client pahomqtt.Client, timeout time.Duration) error {
	token := client.Connect()
	if !token.WaitTimeout(timeout) {
		return fmt.Errorf("mqtt connect timeout")
	}
	if err := token.Error(); err != nil {
		return fmt.Errorf("mqtt connect: %w", err)
	}
	return nil
}
