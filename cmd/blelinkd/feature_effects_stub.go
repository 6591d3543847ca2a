//go:build no_effects

package main

import (
	"log/slog"

	"blelink/internal/controller"
	"blelink/internal/web"
)

func initEffects(_ *controller.Controller, _ *Config, _ *slog.Logger) []web.ServerOption {
	return nil
}
