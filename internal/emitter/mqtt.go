package emitter

import (
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
)

const (
	connectTimeout = 5 * time.Second
	publishTimeout = 2 * time.Second
)

// MQTTClient publishes to an MQTT broker.
type MQTTClient struct {
	broker string
	client mqtt.Client
	logger *slog.Logger

	mu        sync.RWMutex
	connected bool
}

// Connect establishes connection to MQTT broker. Broker is host:port or a
// full URL.
func Connect(broker, clientID string, logger *slog.Logger) (*MQTTClient, error) {
	if !strings.Contains(broker, "://") {
		broker = "tcp://" + broker
	}
	c := &MQTTClient{broker: broker, logger: logger}

	opts := mqtt.NewClientOptions()
	opts.AddBroker(broker)
	opts.SetClientID(clientID)
	opts.SetAutoReconnect(true)
	opts.SetConnectRetry(true)
	opts.SetConnectRetryInterval(2 * time.Second)
	opts.SetMaxReconnectInterval(30 * time.Second)

	opts.OnConnect = func(mqtt.Client) {
		c.setConnected(true)
		logger.Info("mqtt connection established", "broker", broker, "client_id", clientID)
	}
	opts.OnConnectionLost = func(_ mqtt.Client, err error) {
		c.setConnected(false)
		logger.Warn("mqtt connection lost, will auto-reconnect", "broker", broker, "error", err)
	}

	c.client = mqtt.NewClient(opts)

	logger.Info("connecting to mqtt broker", "broker", broker)
	token := c.client.Connect()
	if !token.WaitTimeout(connectTimeout) {
		return nil, fmt.Errorf("mqtt connection timeout")
	}
	if err := token.Error(); err != nil {
		return nil, fmt.Errorf("mqtt connection failed: %w", err)
	}
	c.setConnected(true)

	return c, nil
}

func (c *MQTTClient) setConnected(v bool) {
	c.mu.Lock()
	c.connected = v
	c.mu.Unlock()
}

// Connected reports the connection state.
func (c *MQTTClient) Connected() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.connected
}

// Publish sends payload and waits for the broker to accept it.
func (c *MQTTClient) Publish(topic string, qos byte, retained bool, payload []byte) error {
	if !c.Connected() {
		return fmt.Errorf("mqtt not connected")
	}

	token := c.client.Publish(topic, qos, retained, payload)
	if !token.WaitTimeout(publishTimeout) {
		return fmt.Errorf("publish timeout")
	}
	if err := token.Error(); err != nil {
		return fmt.Errorf("publish failed: %w", err)
	}
	return nil
}

// Disconnect closes the MQTT connection
func (c *MQTTClient) Disconnect() {
	if c.client != nil && c.client.IsConnected() {
		c.client.Disconnect(250) // 250ms grace period
		c.logger.Info("mqtt disconnected", "broker", c.broker)
	}
	c.setConnected(false)
}
