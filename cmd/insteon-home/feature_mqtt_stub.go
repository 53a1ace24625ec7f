//go:build no_mqtt

package main

import (
	"log/slog"

	"insteon-go-home/internal/binding"
)

type mqttStopper struct{}

func (m *mqttStopper) Stop() {}

func initMQTT(_ *binding.Binding, _ *Config, _ *slog.Logger) *mqttStopper {
	return &mqttStopper{}
}
