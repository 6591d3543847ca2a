package bridge

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"blelink/internal/controller"
	"blelink/internal/light"
	"blelink/internal/store"
)

// Bridge ties the link controller to persistence and the event bus. It
// is the single entry point the web API and the MQTT bridge talk to:
// every setter records the change, hands it to the controller, and
// persists the updated preferences.
type Bridge struct {
	ctrl   *controller.Controller
	st     store.Store
	events *EventBus
	logger *slog.Logger

	mu        sync.Mutex
	runCtx    context.Context
	lastState string
}

// New wires a bridge around the controller and store.
func New(ctrl *controller.Controller, st store.Store, logger *slog.Logger) *Bridge {
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("component", "bridge")
	return &Bridge{
		ctrl:   ctrl,
		st:     st,
		events: NewEventBus(logger),
		logger: logger,
	}
}

// LoadPreferences reads persisted preferences, falling back to defaults
// on a fresh store.
func LoadPreferences(st store.Store, logger *slog.Logger) light.Preferences {
	p, err := st.GetPreferences()
	if err != nil {
		if !errors.Is(err, store.ErrNotFound) {
			logger.Warn("loading preferences failed, using defaults", "error", err)
		}
		return light.DefaultPreferences()
	}
	return p
}

// Events exposes the bus for the web and MQTT layers.
func (b *Bridge) Events() *EventBus { return b.events }

// Start hooks the controller callbacks into the event bus and begins
// the connection cycle.
func (b *Bridge) Start(ctx context.Context) error {
	b.mu.Lock()
	b.runCtx = ctx
	b.mu.Unlock()

	b.ctrl.OnStatusChange(b.handleStatus)
	b.ctrl.OnColorReceived(b.handleColor)
	if err := b.ctrl.Start(ctx); err != nil {
		return err
	}
	b.logger.Info("bridge started")
	return nil
}

// Stop halts the controller. The store stays open; the caller owns it.
func (b *Bridge) Stop() {
	b.ctrl.Stop()
	b.logger.Info("bridge stopped")
}

func (b *Bridge) handleStatus(s light.DeviceStatus) {
	b.events.Emit(Event{Type: EventStatus, Data: s})

	state := b.ctrl.State().String()
	b.mu.Lock()
	changed := state != b.lastState
	b.lastState = state
	b.mu.Unlock()
	if changed {
		b.events.Emit(Event{Type: EventState, Data: state})
	}
}

func (b *Bridge) handleColor(c light.Color) {
	b.events.Emit(Event{Type: EventColor, Data: c})
}

// Status returns the controller's current snapshot.
func (b *Bridge) Status() light.DeviceStatus {
	return b.ctrl.Status()
}

// State returns the connection lifecycle phase as a string.
func (b *Bridge) State() string {
	return b.ctrl.State().String()
}

// Preferences returns the desired settings.
func (b *Bridge) Preferences() light.Preferences {
	return b.ctrl.Preferences()
}

// Modes lists the selectable mode names.
func (b *Bridge) Modes() []string {
	return b.ctrl.Modes()
}

// SetColor applies a color and persists it.
func (b *Bridge) SetColor(c light.Color) {
	b.ctrl.SetColor(c)
	b.persist()
}

// SetColorHex parses "#rrggbb" and applies it.
func (b *Bridge) SetColorHex(s string) error {
	c, err := light.ParseHex(s)
	if err != nil {
		return err
	}
	b.SetColor(c)
	return nil
}

// SetBrightness applies a brightness factor in [0,1] and persists it.
func (b *Bridge) SetBrightness(v float64) {
	b.ctrl.SetBrightness(v)
	b.persist()
}

// SetMode parses and applies a mode name.
func (b *Bridge) SetMode(name string) error {
	mode, err := light.ParseMode(name)
	if err != nil {
		return err
	}
	if err := b.ctrl.SetMode(mode); err != nil {
		return err
	}
	b.persist()
	return nil
}

// SetSpeed applies the effect speed, clamped to [0,255], and persists it.
func (b *Bridge) SetSpeed(v int) {
	b.ctrl.SetSpeed(v)
	b.persist()
}

// ApplyPreset sets the stored preset's color. Like any color change it
// shows immediately in manual mode and on the next return to manual
// otherwise.
func (b *Bridge) ApplyPreset(name string) error {
	p, err := b.st.GetPreset(name)
	if err != nil {
		return err
	}
	b.SetColor(p.Color)
	return nil
}

// Presets lists the stored palette.
func (b *Bridge) Presets() ([]light.Preset, error) {
	return b.st.ListPresets()
}

// SavePreset stores or replaces a named preset.
func (b *Bridge) SavePreset(p light.Preset) error {
	return b.st.SavePreset(p)
}

// DeletePreset removes a preset, reporting store.ErrNotFound when the
// name is unknown.
func (b *Bridge) DeletePreset(name string) error {
	return b.st.DeletePreset(name)
}

// Connect restarts the connection cycle, e.g. after Failed or an
// explicit Disconnect.
func (b *Bridge) Connect() error {
	b.mu.Lock()
	ctx := b.runCtx
	b.mu.Unlock()
	if ctx == nil {
		return fmt.Errorf("bridge not started")
	}
	return b.ctrl.Start(ctx)
}

// Disconnect tears the link down until the next Connect.
func (b *Bridge) Disconnect() {
	b.ctrl.Stop()
}

func (b *Bridge) persist() {
	if err := b.st.SavePreferences(b.ctrl.Preferences()); err != nil {
		b.logger.Warn("persisting preferences failed", "error", err)
	}
}
