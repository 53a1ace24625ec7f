//go:build !no_mqtt

// Package mqtt bridges the Insteon binding to an MQTT broker: feature
// state changes and trigger events go out on per-device topics, commands
// come back in on the matching set topics.
package mqtt

import (
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	pahomqtt "github.com/eclipse/paho.mqtt.golang"

	"insteon-go-home/internal/binding"
)

// Config holds MQTT bridge configuration.
type Config struct {
	Broker      string
	Username    string
	Password    string
	TopicPrefix string
}

// Bridge connects the Insteon binding to MQTT.
type Bridge struct {
	client pahomqtt.Client
	bnd    *binding.Binding
	prefix string
	logger *slog.Logger
	unsub  func()
}

// NewBridge creates and connects an MQTT bridge.
func NewBridge(bnd *binding.Binding, cfg Config, logger *slog.Logger) (*Bridge, error) {
	b := &Bridge{
		bnd:    bnd,
		prefix: cfg.TopicPrefix,
		logger: logger.With("component", "mqtt"),
	}

	opts := pahomqtt.NewClientOptions().
		AddBroker(cfg.Broker).
		SetClientID("insteon-go-home").
		SetAutoReconnect(true).
		SetConnectRetry(true).
		SetConnectRetryInterval(5*time.Second).
		SetWill(cfg.TopicPrefix+"/bridge/state", "offline", 1, true).
		SetOnConnectHandler(func(_ pahomqtt.Client) {
			b.logger.Info("MQTT connected")
			b.publishBridgeState("online")
			b.subscribeCommands()
		}).
		SetConnectionLostHandler(func(_ pahomqtt.Client, err error) {
			b.logger.Warn("MQTT connection lost", "err", err)
		})

	if cfg.Username != "" {
		opts.SetUsername(cfg.Username)
		opts.SetPassword(cfg.Password)
	}

	client := pahomqtt.NewClient(opts)
	token := client.Connect()
	if !token.WaitTimeout(10 * time.Second) {
		return nil, fmt.Errorf("mqtt connect timeout")
	}
	if err := token.Error(); err != nil {
		return nil, fmt.Errorf("mqtt connect: %w", err)
	}

	b.client = client
	return b, nil
}

// Start subscribes to binding events and begins MQTT publishing.
func (b *Bridge) Start() {
	b.unsub = b.bnd.Bus().OnAll(b.handleEvent)
	b.logger.Info("MQTT bridge started", "prefix", b.prefix)
}

// Stop publishes offline state, unsubscribes, and disconnects.
func (b *Bridge) Stop() {
	if b.unsub != nil {
		b.unsub()
	}
	b.publishBridgeState("offline")
	b.client.Disconnect(1000)
	b.logger.Info("MQTT bridge stopped")
}

func (b *Bridge) handleEvent(event binding.Event) {
	switch event.Type {
	case binding.EventStateChanged:
		sc, ok := event.Data.(binding.StateChange)
		if !ok {
			return
		}
		b.publish(stateTopic(b.prefix, sc.Address, sc.Feature), []byte(sc.Value), true)
	case binding.EventTriggerEvent:
		tr, ok := event.Data.(binding.Trigger)
		if !ok {
			return
		}
		// Trigger events are momentary; never retained.
		b.publish(stateTopic(b.prefix, tr.Address, tr.Feature), []byte(tr.Event), false)
	case binding.EventDeviceResolved:
		dr, ok := event.Data.(binding.DeviceResolved)
		if !ok {
			return
		}
		b.subscribeDeviceCommands(dr.Address)
	case binding.EventModemFound:
		if addr, ok := event.Data.(string); ok {
			b.publish(b.prefix+"/bridge/modem", []byte(addr), true)
		}
	}
}

// subscribeCommands subscribes the set topics of every device that already
// has features. Devices resolved later subscribe on their resolution event.
func (b *Bridge) subscribeCommands() {
	for _, dev := range b.bnd.Devices() {
		if len(dev.FeatureNames()) == 0 {
			continue
		}
		b.subscribeDeviceCommands(binding.DeviceAddress(dev.Address()))
	}
}

func (b *Bridge) subscribeDeviceCommands(address string) {
	topic := stateTopic(b.prefix, address, "+") + "/set"
	b.client.Subscribe(topic, 1, func(_ pahomqtt.Client, m pahomqtt.Message) {
		b.handleCommand(m.Topic(), m.Payload())
	})
	b.logger.Debug("subscribed", "topic", topic)
}

// handleCommand parses "<prefix>/<addr>/<feature>/set" and routes the
// payload to the binding.
func (b *Bridge) handleCommand(topic string, payload []byte) {
	rest := strings.TrimPrefix(topic, b.prefix+"/")
	parts := strings.Split(rest, "/")
	if len(parts) != 3 || parts[2] != "set" {
		return
	}
	address, feature := parts[0], parts[1]

	command, value := parseCommand(string(payload))
	if command == "" {
		b.logger.Warn("unusable command payload", "topic", topic, "payload", string(payload))
		return
	}
	if err := b.bnd.SendCommand(address, feature, command, value); err != nil {
		b.logger.Warn("command failed", "device", address, "feature", feature, "command", command, "err", err)
	}
}

// parseCommand maps an MQTT payload to a feature command. ON/OFF/REFRESH
// map to their named commands; a bare number becomes a percent command.
func parseCommand(payload string) (command, value string) {
	s := strings.TrimSpace(payload)
	switch strings.ToUpper(s) {
	case "ON":
		return "on", ""
	case "OFF":
		return "off", ""
	case "REFRESH":
		return "refresh", ""
	}
	if _, err := strconv.Atoi(s); err == nil {
		return "percent", s
	}
	return "", ""
}

func (b *Bridge) publishBridgeState(state string) {
	b.publish(b.prefix+"/bridge/state", []byte(state), true)
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

func stateTopic(prefix, address, feature string) string {
	return prefix + "/" + address + "/" + feature
}
