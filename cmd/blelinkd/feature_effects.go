//go:build !no_effects

package main

import (
	"log/slog"

	"blelink/internal/controller"
	"blelink/internal/effects"
	"blelink/internal/web"
)

func initEffects(ctrl *controller.Controller, cfg *Config, logger *slog.Logger) []web.ServerOption {
	engine := effects.NewEngine(cfg.EffectsDir, logger)
	if err := engine.Load(); err != nil {
		logger.Error("load effects", "err", err)
		return nil
	}
	if n := engine.Register(ctrl); n > 0 {
		logger.Info("lua effects registered", "count", n)
	}
	return []web.ServerOption{web.WithEffects(engine)}
}
