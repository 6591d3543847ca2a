// Package transport abstracts the radio link to the lighting peripheral.
// Backends: BLE central (tinygo bluetooth), HM-10 style UART bridge, mock.
package transport

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"
)

var (
	// ErrScanTimeout means no matching device was seen before the scan window closed.
	ErrScanTimeout = errors.New("scan timeout")
	// ErrNotConnected is returned for operations on a closed or never-opened link.
	ErrNotConnected = errors.New("not connected")
	// ErrBadCharacteristic marks a characteristic id the backend cannot parse.
	ErrBadCharacteristic = errors.New("malformed characteristic id")
)

// DefaultNameKeywords match common LED controller advertising names when no
// target address is configured.
var DefaultNameKeywords = []string{"ELK", "LED", "CTRL", "RGB"}

// Advertisement describes a peripheral seen during a scan.
type Advertisement struct {
	Address string
	Name    string
	RSSI    int16
	// ServiceUUIDs are the advertised services that matched the probe set
	// handed to the backend. Fingerprinting input, not an exhaustive list.
	ServiceUUIDs []string
}

// Filter selects the scan target: exact address match when Address is set,
// otherwise the first device whose name contains one of NameKeywords.
type Filter struct {
	Address      string
	NameKeywords []string
	Timeout      time.Duration
}

// Conn is an open link to one peripheral.
type Conn interface {
	// Characteristics lists writable characteristic UUIDs discovered on the peripheral.
	Characteristics(ctx context.Context) ([]string, error)
	// Write sends a frame to the characteristic without waiting for a device response.
	Write(ctx context.Context, characteristic string, frame []byte) error
	// RSSI reports received signal strength in dBm.
	RSSI(ctx context.Context) (int16, error)
	Close() error
}

// Transport owns the radio and hands out connections. Implementations must
// tolerate Connect only after a successful Scan for the same address.
type Transport interface {
	Scan(ctx context.Context, f Filter) (*Advertisement, error)
	Connect(ctx context.Context, address string) (Conn, error)
	Close() error
}

// matchesFilter applies the shared selection rule: exact address when
// pinned, case-insensitive keyword substring on the name otherwise.
func matchesFilter(adv Advertisement, f Filter) bool {
	if f.Address != "" {
		return strings.EqualFold(adv.Address, f.Address)
	}
	name := strings.ToUpper(adv.Name)
	for _, kw := range f.NameKeywords {
		if strings.Contains(name, strings.ToUpper(kw)) {
			return true
		}
	}
	return false
}

// canonicalUUID expands a characteristic or service id to the canonical
// lowercase 128-bit form. Accepts 16-bit ("fff3"), 32-bit and full UUIDs,
// with or without dashes.
func canonicalUUID(s string) (string, error) {
	s = strings.ToLower(strings.TrimSpace(s))
	hex := strings.ReplaceAll(s, "-", "")
	for _, r := range hex {
		if (r < '0' || r > '9') && (r < 'a' || r > 'f') {
			return "", fmt.Errorf("%w: %q", ErrBadCharacteristic, s)
		}
	}
	switch len(hex) {
	case 4:
		return "0000" + hex + "-0000-1000-8000-00805f9b34fb", nil
	case 8:
		return hex + "-0000-1000-8000-00805f9b34fb", nil
	case 32:
		return hex[:8] + "-" + hex[8:12] + "-" + hex[12:16] + "-" + hex[16:20] + "-" + hex[20:], nil
	}
	return "", fmt.Errorf("%w: %q", ErrBadCharacteristic, s)
}
