//go:build !no_mqtt

package mqtt

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"math"
	"time"

	pahomqtt "github.com/eclipse/paho.mqtt.golang"

	"blelink/internal/bridge"
	"blelink/internal/light"
)

// Config holds MQTT bridge configuration.
type Config struct {
	Broker      string
	Username    string
	Password    string
	TopicPrefix string
	Version     string
}

// Bridge mirrors light status to an MQTT broker and accepts commands
// on <prefix>/set. Status snapshots are published retained so late
// subscribers see the current state immediately; per-frame animation
// colors stay off the wire.
type Bridge struct {
	client  pahomqtt.Client
	app     *bridge.Bridge
	prefix  string
	version string
	logger  *slog.Logger
	unsub   func()
}

// statusPayload is the retained document on <prefix>/status.
type statusPayload struct {
	light.DeviceStatus
	State       string            `json:"state"`
	Preferences light.Preferences `json:"preferences"`
}

// NewBridge creates and connects an MQTT bridge.
func NewBridge(app *bridge.Bridge, cfg Config, logger *slog.Logger) (*Bridge, error) {
	prefix := cfg.TopicPrefix
	if prefix == "" {
		prefix = "blelink"
	}
	b := &Bridge{
		app:     app,
		prefix:  prefix,
		version: cfg.Version,
		logger:  logger.With("component", "mqtt"),
	}

	opts := pahomqtt.NewClientOptions().
		AddBroker(cfg.Broker).
		SetClientID("blelink").
		SetAutoReconnect(true).
		SetConnectRetry(true).
		SetConnectRetryInterval(5 * time.Second).
		SetWill(prefix+"/bridge/state", "offline", 1, true).
		SetOnConnectHandler(func(_ pahomqtt.Client) {
			b.logger.Info("MQTT connected")
			b.publishBridgeState("online")
			b.publishDiscovery()
			b.publishStatus(b.app.Status())
			b.subscribeCommands()
		}).
		SetConnectionLostHandler(func(_ pahomqtt.Client, err error) {
			b.logger.Warn("MQTT connection lost", "error", err)
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

// Start subscribes to bus events and begins publishing.
func (b *Bridge) Start() {
	b.unsub = b.app.Events().OnAll(b.handleEvent)
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

func (b *Bridge) handleEvent(event bridge.Event) {
	if event.Type != bridge.EventStatus {
		// Lifecycle strings ride inside the status payload; raw color
		// frames are deliberately not mirrored.
		return
	}
	s, ok := event.Data.(light.DeviceStatus)
	if !ok {
		return
	}
	b.publishStatus(s)
}

func (b *Bridge) publishStatus(s light.DeviceStatus) {
	payload := mustJSON(statusPayload{
		DeviceStatus: s,
		State:        b.app.State(),
		Preferences:  b.app.Preferences(),
	})
	b.publish(b.prefix+"/status", payload, true)
}

func (b *Bridge) publishBridgeState(state string) {
	b.publish(b.prefix+"/bridge/state", []byte(state), true)
}

func (b *Bridge) publishDiscovery() {
	name := b.app.Status().DeviceName
	msg := buildDiscovery(name, b.prefix, b.version, b.app.Modes())
	b.publish(msg.Topic, msg.Payload, true)
	b.logger.Info("published HA discovery", "topic", msg.Topic)
}

func (b *Bridge) subscribeCommands() {
	topic := b.prefix + "/set"
	b.client.Subscribe(topic, 1, func(_ pahomqtt.Client, msg pahomqtt.Message) {
		b.handleCommand(msg.Payload())
	})
}

// handleCommand applies a set payload. Keys are independent; one bad
// key never blocks the others.
func (b *Bridge) handleCommand(payload []byte) {
	var cmd map[string]interface{}
	if err := json.Unmarshal(payload, &cmd); err != nil {
		b.logger.Warn("invalid command JSON", "error", err)
		return
	}

	if raw, ok := cmd["color"]; ok {
		switch v := raw.(type) {
		case string:
			if err := b.app.SetColorHex(v); err != nil {
				b.logger.Warn("color command rejected", "value", v, "error", err)
			}
		case map[string]interface{}:
			r, _ := toFloat64(v["r"])
			g, _ := toFloat64(v["g"])
			bl, _ := toFloat64(v["b"])
			b.app.SetColor(light.Color{R: clampChannel(r), G: clampChannel(g), B: clampChannel(bl)})
		default:
			b.logger.Warn("color command rejected", "value", raw)
		}
	}

	if v, ok := toFloat64(cmd["brightness"]); ok {
		b.app.SetBrightness(v / 100)
	}

	if mode, ok := cmd["mode"].(string); ok {
		if err := b.app.SetMode(mode); err != nil {
			b.logger.Warn("mode command rejected", "mode", mode, "error", err)
		}
	}
	// Home Assistant sends the selected effect under "effect".
	if mode, ok := cmd["effect"].(string); ok {
		if err := b.app.SetMode(mode); err != nil {
			b.logger.Warn("effect command rejected", "effect", mode, "error", err)
		}
	}

	if v, ok := toFloat64(cmd["speed"]); ok {
		b.app.SetSpeed(int(math.Round(v)))
	}

	if preset, ok := cmd["preset"].(string); ok {
		if err := b.app.ApplyPreset(preset); err != nil {
			b.logger.Warn("preset command rejected", "preset", preset, "error", err)
		}
	}
}

func (b *Bridge) publish(topic string, payload []byte, retained bool) {
	token := b.client.Publish(topic, 1, retained, payload)
	go func() {
		if !token.WaitTimeout(5 * time.Second) {
			b.logger.Warn("MQTT publish timeout", "topic", topic)
		} else if err := token.Error(); err != nil {
			b.logger.Warn("MQTT publish error", "topic", topic, "error", err)
		}
	}()
}

func clampChannel(v float64) uint8 {
	if v <= 0 {
		return 0
	}
	if v >= 255 {
		return 255
	}
	return uint8(math.Round(v))
}

func toFloat64(v interface{}) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	case uint8:
		return float64(n), true
	case uint16:
		return float64(n), true
	default:
		return 0, false
	}
}

func mustJSON(v interface{}) []byte {
	data, err := json.Marshal(v)
	if err != nil {
		return []byte("{}")
	}
	return data
}
