package light

import "time"

// DeviceConfig identifies the peripheral and how to talk to it.
type DeviceConfig struct {
	// Address is the transport address of the peripheral (MAC on Linux).
	Address string `json:"address" yaml:"address"`
	// Protocol is an explicit driver registry key, empty for auto-detect.
	Protocol string `json:"protocol,omitempty" yaml:"protocol"`
	// Characteristic overrides the driver's write characteristic when set.
	Characteristic string `json:"characteristic,omitempty" yaml:"characteristic"`
	// Name is a human-readable label for logs and status.
	Name string `json:"name,omitempty" yaml:"name"`
}

// DeviceStatus is a read-only snapshot of the link state. The controller
// builds a fresh value on every observable change; it is never mutated in
// place, so consumers always see a consistent view.
type DeviceStatus struct {
	Connected  bool      `json:"connected"`
	DeviceName string    `json:"device_name,omitempty"`
	RSSI       int16     `json:"rssi"`
	Mode       ColorMode `json:"mode"`
	Color      Color     `json:"color"`
	Error      string    `json:"error,omitempty"`
	// Load is the externally supplied metric driving the cpu mode, 0-100.
	Load     float64   `json:"load"`
	LastSync time.Time `json:"last_sync"`
}

// Healthy reports whether the link is connected with no pending error.
func (s DeviceStatus) Healthy() bool {
	return s.Connected && s.Error == ""
}

// Preferences are the user-tunable settings persisted across runs.
type Preferences struct {
	// Brightness scales every outgoing color, [0,1].
	Brightness float64 `json:"brightness"`
	// Color is the last explicitly applied color.
	Color Color `json:"color"`
	// Mode is the last selected mode.
	Mode ColorMode `json:"mode"`
	// Speed is the effect speed byte sent to the device, [0,255].
	Speed uint8 `json:"speed"`
	// AutoReconnect keeps retrying with backoff after link failures.
	AutoReconnect bool `json:"auto_reconnect"`
	// ReconnectSec is the base reconnect interval in seconds, min 1.
	ReconnectSec float64 `json:"reconnect_interval"`
}

// DefaultPreferences returns the out-of-the-box settings.
func DefaultPreferences() Preferences {
	return Preferences{
		Brightness:    1.0,
		Color:         Color{255, 255, 255},
		Mode:          ModeManual,
		Speed:         0x10,
		AutoReconnect: true,
		ReconnectSec:  5,
	}
}

// Normalize clamps out-of-range preference values to their documented
// bounds. Malformed persisted data degrades to defaults instead of failing.
func (p Preferences) Normalize() Preferences {
	if p.Brightness < 0 || p.Brightness > 1 {
		p.Brightness = 1.0
	}
	if p.Mode == "" {
		p.Mode = ModeManual
	}
	if p.ReconnectSec < 1 {
		p.ReconnectSec = 5
	}
	return p
}

// ReconnectInterval returns the base reconnect interval as a duration.
func (p Preferences) ReconnectInterval() time.Duration {
	return time.Duration(p.ReconnectSec * float64(time.Second))
}

// Preset is a named color shortcut.
type Preset struct {
	Name        string `json:"name"`
	Color       Color  `json:"color"`
	Description string `json:"description,omitempty"`
}

// DefaultPresets returns the palette seeded into a fresh store.
func DefaultPresets() []Preset {
	return []Preset{
		{"Red", Color{255, 0, 0}, "Pure red"},
		{"Green", Color{0, 255, 0}, "Pure green"},
		{"Blue", Color{0, 0, 255}, "Pure blue"},
		{"White", Color{255, 255, 255}, "Full brightness white"},
		{"Cyan", Color{0, 255, 255}, "Cyan"},
		{"Magenta", Color{255, 0, 255}, "Magenta"},
		{"Yellow", Color{255, 255, 0}, "Yellow"},
		{"Purple", Color{128, 0, 128}, "Dark purple"},
		{"Orange", Color{255, 165, 0}, "Orange"},
	}
}
