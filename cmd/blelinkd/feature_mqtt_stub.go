//go:build no_mqtt

package main

import (
	"log/slog"

	"blelink/internal/bridge"
)

type mqttStopper struct{}

func (m *mqttStopper) Stop() {}

func initMQTT(_ *bridge.Bridge, _ *Config, _ *slog.Logger) *mqttStopper {
	return &mqttStopper{}
}
