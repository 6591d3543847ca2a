// Package driver holds the per-protocol frame encoders for supported LED
// controller families and the registry that selects between them.
package driver

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"

	"blelink/internal/light"
	"blelink/internal/transport"
)

var (
	// ErrUnknownProtocol is returned when an explicit protocol hint is not
	// in the registry.
	ErrUnknownProtocol = errors.New("unknown protocol")
	// ErrNoMatch is returned when no fingerprint matches the device.
	ErrNoMatch = errors.New("no protocol matches device")
)

// Driver encodes commands for one protocol family. Encode calls are pure:
// the same inputs always produce the same frame, and no mutable driver
// state participates. The resolved write characteristic is the only state
// a driver carries, negotiated once in Connect.
type Driver interface {
	// Connect performs protocol-specific post-connection setup, resolving
	// the write characteristic against the discovered GATT table.
	Connect(ctx context.Context, conn transport.Conn) error
	Disconnect()

	// EncodeColor builds the static-color frame. speed is carried in
	// protocols whose color frame has a speed slot (ELK-BLEDOM); the rest
	// ignore it.
	EncodeColor(r, g, b, speed byte) []byte
	// EncodeBrightness builds the device brightness frame, percent 0..100.
	EncodeBrightness(percent byte) []byte
	// EncodeMode builds the hardware effect frame for a protocol mode code.
	EncodeMode(mode, speed byte) []byte

	// WriteCharacteristic is the endpoint frames are written to. Resolved
	// lazily during Connect; before that it is the protocol default.
	WriteCharacteristic() string
	ProtocolName() string
	// SupportedModes maps mode names to protocol mode codes.
	SupportedModes() map[string]byte
}

// Registration describes one protocol family to the registry.
type Registration struct {
	// Key is the canonical registry key, lowercase.
	Key string
	// Aliases resolve to the same driver on explicit lookup.
	Aliases []string
	// New builds a driver bound to the device config.
	New func(cfg light.DeviceConfig) Driver
	// Matches is the fingerprint test against advertised name and service
	// ids. Used only for auto-detection, never for explicit-hint binding.
	Matches func(name string, serviceUUIDs []string) bool
	// ServiceUUIDs advertised by this family, probed during scans.
	ServiceUUIDs []string
}

// Registry selects a protocol driver from an explicit hint or by
// fingerprinting, probing registrations in registration order.
type Registry struct {
	mu    sync.RWMutex
	order []Registration
	keys  map[string]int // key and aliases -> index into order
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{keys: make(map[string]int)}
}

// Builtin returns a registry with the four stock protocols in detection
// priority order: ELK-BLEDOM, Triones, MagicHome, Tuya.
func Builtin() *Registry {
	r := NewRegistry()
	r.Register(ElkBledom)
	r.Register(Triones)
	r.Register(MagicHome)
	r.Register(Tuya)
	return r
}

// Register appends a protocol to the detection order and records its
// lookup keys. Nothing else needs to change to support a new family.
func (r *Registry) Register(reg Registration) {
	r.mu.Lock()
	defer r.mu.Unlock()
	idx := len(r.order)
	r.order = append(r.order, reg)
	r.keys[strings.ToLower(reg.Key)] = idx
	for _, a := range reg.Aliases {
		r.keys[strings.ToLower(a)] = idx
	}
}

// New resolves an explicit protocol hint, case-insensitive, honoring
// aliases. Fails with ErrUnknownProtocol for keys not in the registry.
func (r *Registry) New(cfg light.DeviceConfig) (Driver, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	idx, ok := r.keys[strings.ToLower(strings.TrimSpace(cfg.Protocol))]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownProtocol, cfg.Protocol)
	}
	return r.order[idx].New(cfg), nil
}

// Detect binds a driver for the device: the explicit hint when the config
// carries one, otherwise the first registration whose fingerprint matches
// the advertised name and service ids. Never silently defaults.
func (r *Registry) Detect(cfg light.DeviceConfig, name string, serviceUUIDs []string) (Driver, error) {
	if strings.TrimSpace(cfg.Protocol) != "" {
		return r.New(cfg)
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, reg := range r.order {
		if reg.Matches(name, serviceUUIDs) {
			return reg.New(cfg), nil
		}
	}
	return nil, fmt.Errorf("%w: name=%q services=%d", ErrNoMatch, name, len(serviceUUIDs))
}

func (r *Registry) registrations() []Registration {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return append([]Registration(nil), r.order...)
}

// ServiceUUIDs returns the union of service ids across all registrations,
// in detection order. Transports probe advertisements against this set.
func (r *Registry) ServiceUUIDs() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	seen := make(map[string]struct{})
	var out []string
	for _, reg := range r.order {
		for _, u := range reg.ServiceUUIDs {
			u = strings.ToLower(u)
			if _, ok := seen[u]; ok {
				continue
			}
			seen[u] = struct{}{}
			out = append(out, u)
		}
	}
	return out
}

// nameContains reports whether the advertised name contains any keyword,
// case-insensitive. Empty names never match.
func nameContains(name string, keywords ...string) bool {
	if name == "" {
		return false
	}
	upper := strings.ToUpper(name)
	for _, k := range keywords {
		if strings.Contains(upper, k) {
			return true
		}
	}
	return false
}

// serviceContains reports whether any advertised service id contains one of
// the uuid fragments.
func serviceContains(serviceUUIDs []string, fragments ...string) bool {
	for _, u := range serviceUUIDs {
		lower := strings.ToLower(u)
		for _, f := range fragments {
			if strings.Contains(lower, f) {
				return true
			}
		}
	}
	return false
}

// resolveCharacteristic picks the write endpoint from a discovered GATT
// table: exact match on preferred first, then fragment search, then the
// alternates. An empty or missing table keeps the preferred UUID — some
// stacks omit characteristics from discovery but still accept writes.
func resolveCharacteristic(chars []string, preferred, fragment string, alternates []string) string {
	for _, c := range chars {
		if strings.EqualFold(c, preferred) {
			return preferred
		}
	}
	if fragment != "" {
		for _, c := range chars {
			if strings.Contains(strings.ToLower(c), fragment) {
				return strings.ToLower(c)
			}
		}
	}
	for _, alt := range alternates {
		for _, c := range chars {
			if strings.EqualFold(c, alt) {
				return alt
			}
		}
	}
	return preferred
}

// checkCharacteristic validates a user-supplied characteristic override.
// Accepts 16-bit short form ("fff3") or the 128-bit UUID with dashes.
func checkCharacteristic(s string) error {
	n := 0
	for _, r := range strings.ToLower(s) {
		switch {
		case r >= '0' && r <= '9', r >= 'a' && r <= 'f':
			n++
		case r == '-':
		default:
			return fmt.Errorf("%w: %q", transport.ErrBadCharacteristic, s)
		}
	}
	if n != 4 && n != 8 && n != 32 {
		return fmt.Errorf("%w: %q", transport.ErrBadCharacteristic, s)
	}
	return nil
}

// connectSetup is the shared Connect path: validate any explicit override,
// then resolve against the discovered table. Discovery errors are not
// fatal; the preferred endpoint is kept and the first write decides.
func connectSetup(ctx context.Context, conn transport.Conn, override bool, char *string, fragment string, alternates []string) error {
	if override {
		if err := checkCharacteristic(*char); err != nil {
			return err
		}
		return nil
	}
	chars, err := conn.Characteristics(ctx)
	if err != nil {
		return nil
	}
	*char = resolveCharacteristic(chars, *char, fragment, alternates)
	return nil
}
