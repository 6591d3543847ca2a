package transport

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"tinygo.org/x/bluetooth"
)

// BLEConfig tunes the BLE central backend.
type BLEConfig struct {
	// ProbeServiceUUIDs are the service ids checked against every
	// advertisement; matches end up in Advertisement.ServiceUUIDs for
	// protocol fingerprinting.
	ProbeServiceUUIDs []string
}

// BLE drives the host Bluetooth adapter as a central.
type BLE struct {
	cfg     BLEConfig
	logger  *slog.Logger
	adapter *bluetooth.Adapter
	probes  []bluetooth.UUID

	mu       sync.Mutex
	enabled  bool
	found    map[string]bluetooth.Address
	lastRSSI map[string]int16
}

// NewBLE wraps the default host adapter. Malformed probe ids are logged
// and skipped, never fatal.
func NewBLE(cfg BLEConfig, logger *slog.Logger) *BLE {
	if logger == nil {
		logger = slog.Default()
	}
	b := &BLE{
		cfg:      cfg,
		logger:   logger.With("component", "ble"),
		adapter:  bluetooth.DefaultAdapter,
		found:    make(map[string]bluetooth.Address),
		lastRSSI: make(map[string]int16),
	}
	for _, s := range cfg.ProbeServiceUUIDs {
		canon, err := canonicalUUID(s)
		if err != nil {
			b.logger.Warn("skipping probe service id", "id", s, "error", err)
			continue
		}
		u, err := bluetooth.ParseUUID(canon)
		if err != nil {
			b.logger.Warn("skipping probe service id", "id", s, "error", err)
			continue
		}
		b.probes = append(b.probes, u)
	}
	return b
}

func (b *BLE) enable() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.enabled {
		return nil
	}
	if err := b.adapter.Enable(); err != nil {
		return fmt.Errorf("enable bluetooth adapter: %w", err)
	}
	b.enabled = true
	return nil
}

// Scan runs until the filter matches, the context ends, or the adapter
// reports an error. A context deadline surfaces as ErrScanTimeout.
func (b *BLE) Scan(ctx context.Context, f Filter) (*Advertisement, error) {
	if err := b.enable(); err != nil {
		return nil, err
	}
	if f.Address == "" && len(f.NameKeywords) == 0 {
		f.NameKeywords = DefaultNameKeywords
	}

	resultCh := make(chan Advertisement, 1)
	errCh := make(chan error, 1)
	go func() {
		err := b.adapter.Scan(func(a *bluetooth.Adapter, res bluetooth.ScanResult) {
			adv := Advertisement{
				Address:      res.Address.String(),
				Name:         res.LocalName(),
				RSSI:         res.RSSI,
				ServiceUUIDs: b.advertisedServices(res),
			}
			if !matchesFilter(adv, f) {
				return
			}
			b.remember(res)
			a.StopScan()
			select {
			case resultCh <- adv:
			default:
			}
		})
		if err != nil {
			errCh <- err
		}
	}()

	select {
	case adv := <-resultCh:
		return &adv, nil
	case err := <-errCh:
		return nil, fmt.Errorf("ble scan: %w", err)
	case <-ctx.Done():
		b.adapter.StopScan()
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return nil, ErrScanTimeout
		}
		return nil, ctx.Err()
	}
}

func (b *BLE) advertisedServices(res bluetooth.ScanResult) []string {
	var out []string
	for _, u := range b.probes {
		if res.HasServiceUUID(u) {
			out = append(out, u.String())
		}
	}
	return out
}

func (b *BLE) remember(res bluetooth.ScanResult) {
	key := strings.ToLower(res.Address.String())
	b.mu.Lock()
	b.found[key] = res.Address
	b.lastRSSI[key] = res.RSSI
	b.mu.Unlock()
}

// Connect opens a link to a peripheral previously seen in a scan.
func (b *BLE) Connect(ctx context.Context, address string) (Conn, error) {
	key := strings.ToLower(address)
	b.mu.Lock()
	target, ok := b.found[key]
	rssi := b.lastRSSI[key]
	b.mu.Unlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s not seen in a scan", ErrNotConnected, address)
	}

	params := bluetooth.ConnectionParams{}
	if deadline, ok := ctx.Deadline(); ok {
		params.ConnectionTimeout = bluetooth.NewDuration(time.Until(deadline))
	}
	dev, err := b.adapter.Connect(target, params)
	if err != nil {
		return nil, fmt.Errorf("ble connect %s: %w", address, err)
	}
	return &bleConn{dev: dev, logger: b.logger, scanRSSI: rssi}, nil
}

func (b *BLE) Close() error {
	b.adapter.StopScan()
	return nil
}

type bleConn struct {
	dev      bluetooth.Device
	logger   *slog.Logger
	scanRSSI int16

	mu    sync.Mutex
	chars map[string]bluetooth.DeviceCharacteristic
}

// discover walks the GATT table once and caches every characteristic by
// canonical UUID.
func (c *bleConn) discover() (map[string]bluetooth.DeviceCharacteristic, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.chars != nil {
		return c.chars, nil
	}
	services, err := c.dev.DiscoverServices(nil)
	if err != nil {
		return nil, fmt.Errorf("discover services: %w", err)
	}
	chars := make(map[string]bluetooth.DeviceCharacteristic)
	for _, svc := range services {
		found, err := svc.DiscoverCharacteristics(nil)
		if err != nil {
			c.logger.Debug("characteristic discovery failed", "service", svc.UUID().String(), "error", err)
			continue
		}
		for _, ch := range found {
			chars[strings.ToLower(ch.UUID().String())] = ch
		}
	}
	c.chars = chars
	return chars, nil
}

func (c *bleConn) Characteristics(ctx context.Context) ([]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	chars, err := c.discover()
	if err != nil {
		return nil, err
	}
	out := make([]string, 0, len(chars))
	for uuid := range chars {
		out = append(out, uuid)
	}
	return out, nil
}

func (c *bleConn) Write(ctx context.Context, characteristic string, frame []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	canon, err := canonicalUUID(characteristic)
	if err != nil {
		return err
	}
	chars, err := c.discover()
	if err != nil {
		return err
	}
	ch, ok := chars[canon]
	if !ok {
		return fmt.Errorf("characteristic %s not found on device", canon)
	}
	if _, err := ch.WriteWithoutResponse(frame); err != nil {
		return fmt.Errorf("write %s: %w", canon, err)
	}
	return nil
}

// RSSI reports the signal strength captured when the device was last
// scanned. The central stack exposes no live read on an open
// connection, so the value is stable for the lifetime of the link.
func (c *bleConn) RSSI(ctx context.Context) (int16, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	return c.scanRSSI, nil
}

func (c *bleConn) Close() error {
	return c.dev.Disconnect()
}
