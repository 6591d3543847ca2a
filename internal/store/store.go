package store

import (
	"errors"

	"blelink/internal/light"
)

// ErrNotFound is returned when a requested entity does not exist in the store.
var ErrNotFound = errors.New("not found")

// Store defines the persistence interface.
type Store interface {
	// Preferences survive restarts; there is exactly one record.
	SavePreferences(p light.Preferences) error
	GetPreferences() (light.Preferences, error)

	// Preset operations. Names are case-insensitive keys.
	SavePreset(p light.Preset) error
	GetPreset(name string) (light.Preset, error)
	DeletePreset(name string) error
	ListPresets() ([]light.Preset, error)

	// Close the store
	Close() error
}
