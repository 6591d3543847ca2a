package transport

import (
	"context"
	"strings"
	"sync"
)

// Mock is an in-memory Transport backend. It backs the "mock" transport
// selectable from the config, so the daemon can run without a radio, and
// gives tests a scriptable peer with recorded writes.
type Mock struct {
	mu       sync.Mutex
	adv      Advertisement
	chars    []string
	rssi     int16
	scanErr  error
	connErr  error
	writeErr error
	failLeft int
	rssiErr  error
	writes   []MockWrite
	scans    int
	connects int
	closes   int
}

// MockWrite is one recorded frame write.
type MockWrite struct {
	Characteristic string
	Frame          []byte
}

// NewMock returns a mock advertising an ELK-BLEDOM style peripheral.
func NewMock() *Mock {
	return &Mock{
		adv: Advertisement{
			Address:      "AA:BB:CC:DD:EE:FF",
			Name:         "BLEDOM-MOCK",
			RSSI:         -60,
			ServiceUUIDs: []string{"0000fff0-0000-1000-8000-00805f9b34fb"},
		},
		chars: []string{"0000fff3-0000-1000-8000-00805f9b34fb"},
		rssi:  -60,
	}
}

// SetAdvertisement replaces the peripheral the mock advertises.
func (m *Mock) SetAdvertisement(adv Advertisement) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.adv = adv
}

// SetCharacteristics replaces the discovered characteristic list.
func (m *Mock) SetCharacteristics(chars []string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.chars = append([]string(nil), chars...)
}

// SetRSSI sets the value returned by connection RSSI polls.
func (m *Mock) SetRSSI(v int16) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.rssi = v
}

// FailScan makes every Scan return err until called with nil.
func (m *Mock) FailScan(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.scanErr = err
}

// FailConnect makes every Connect return err until called with nil.
func (m *Mock) FailConnect(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.connErr = err
}

// FailWrites makes the next n writes return err. n < 0 fails every
// write until reset with FailWrites(0, nil).
func (m *Mock) FailWrites(n int, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.failLeft = n
	m.writeErr = err
}

// FailRSSI makes RSSI polls return err until called with nil.
func (m *Mock) FailRSSI(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.rssiErr = err
}

// Writes returns a copy of every frame written so far.
func (m *Mock) Writes() []MockWrite {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]MockWrite, len(m.writes))
	copy(out, m.writes)
	return out
}

// LastWrite returns the most recent write, if any.
func (m *Mock) LastWrite() (MockWrite, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.writes) == 0 {
		return MockWrite{}, false
	}
	return m.writes[len(m.writes)-1], true
}

// ScanCount reports how many scans ran.
func (m *Mock) ScanCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.scans
}

// ConnectCount reports how many connections were opened.
func (m *Mock) ConnectCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.connects
}

// CloseCount reports how many connections were closed.
func (m *Mock) CloseCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.closes
}

func (m *Mock) Scan(ctx context.Context, f Filter) (*Advertisement, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.scans++
	if m.scanErr != nil {
		return nil, m.scanErr
	}
	if !matchesFilter(m.adv, f) {
		return nil, ErrScanTimeout
	}
	adv := m.adv
	adv.ServiceUUIDs = append([]string(nil), m.adv.ServiceUUIDs...)
	return &adv, nil
}

func (m *Mock) Connect(ctx context.Context, address string) (Conn, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.connects++
	if m.connErr != nil {
		return nil, m.connErr
	}
	if !strings.EqualFold(address, m.adv.Address) {
		return nil, ErrNotConnected
	}
	return &mockConn{m: m}, nil
}

func (m *Mock) Close() error { return nil }

type mockConn struct {
	m      *Mock
	closed bool
}

func (c *mockConn) Characteristics(ctx context.Context) ([]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	c.m.mu.Lock()
	defer c.m.mu.Unlock()
	return append([]string(nil), c.m.chars...), nil
}

func (c *mockConn) Write(ctx context.Context, characteristic string, frame []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	c.m.mu.Lock()
	defer c.m.mu.Unlock()
	if c.closed {
		return ErrNotConnected
	}
	if c.m.failLeft != 0 {
		if c.m.failLeft > 0 {
			c.m.failLeft--
		}
		return c.m.writeErr
	}
	c.m.writes = append(c.m.writes, MockWrite{
		Characteristic: characteristic,
		Frame:          append([]byte(nil), frame...),
	})
	return nil
}

func (c *mockConn) RSSI(ctx context.Context) (int16, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	c.m.mu.Lock()
	defer c.m.mu.Unlock()
	if c.m.rssiErr != nil {
		return 0, c.m.rssiErr
	}
	return c.m.rssi, nil
}

func (c *mockConn) Close() error {
	c.m.mu.Lock()
	defer c.m.mu.Unlock()
	if !c.closed {
		c.closed = true
		c.m.closes++
	}
	return nil
}
