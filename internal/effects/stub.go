//go:build no_effects

package effects

import (
	"log/slog"
	"time"

	"blelink/internal/controller"
	"blelink/internal/light"
)

// Effect describes one loaded script.
type Effect struct {
	Name     string
	Path     string
	Interval time.Duration
}

// Registrar registers animation factories under mode names.
type Registrar interface {
	RegisterProgram(mode light.ColorMode, factory controller.ProgramFactory)
}

// Engine is a no-op stub when effects are disabled.
type Engine struct{}

// NewEngine returns a no-op engine when effects are disabled.
func NewEngine(_ string, _ *slog.Logger) *Engine { return &Engine{} }

// Load is a no-op.
func (e *Engine) Load() error { return nil }

// Register registers nothing.
func (e *Engine) Register(_ Registrar) int { return 0 }

// Effects returns nil.
func (e *Engine) Effects() []Effect { return nil }
