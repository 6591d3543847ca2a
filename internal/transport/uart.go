package transport

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"sync"
	"time"

	"go.bug.st/serial"
)

// UARTConfig selects the serial BLE bridge module.
type UARTConfig struct {
	Port string
	Baud int
}

// UART talks to an HM-10 style BLE bridge over a serial port. Discovery
// and connection management use the module's AT dialect:
//
//	AT           -> OK                        (probe)
//	AT+DISC?     -> OK+DIS<n>:<mac>           per device, optionally
//	                OK+NAM:<name> OK+RSS:<dBm>, then OK+DISCE
//	AT+CON<mac>  -> OK+CONNA, then OK+CONN | OK+CONNF | OK+CONNE
//
// Once a link is up the port is a transparent pipe: bytes written reach
// the remote write characteristic chosen by the module firmware, so the
// characteristic argument on Write is validated but not transmitted.
// Responses are CRLF terminated.
type UART struct {
	cfg    UARTConfig
	logger *slog.Logger

	mu        sync.Mutex
	port      serial.Port
	carry     []byte
	ready     bool
	connected bool
	lastRSSI  map[string]int16
}

// NewUART opens the serial port. Baud defaults to 9600, the HM-10
// factory setting.
func NewUART(cfg UARTConfig, logger *slog.Logger) (*UART, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.Baud <= 0 {
		cfg.Baud = 9600
	}
	mode := &serial.Mode{
		BaudRate: cfg.Baud,
		DataBits: 8,
		Parity:   serial.NoParity,
		StopBits: serial.OneStopBit,
	}
	port, err := serial.Open(cfg.Port, mode)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", cfg.Port, err)
	}
	return &UART{
		cfg:      cfg,
		logger:   logger.With("component", "uart"),
		port:     port,
		lastRSSI: make(map[string]int16),
	}, nil
}

func deadlineFor(ctx context.Context, fallback time.Duration) time.Time {
	if d, ok := ctx.Deadline(); ok {
		return d
	}
	return time.Now().Add(fallback)
}

func (u *UART) sendLine(s string) error {
	if _, err := u.port.Write([]byte(s + "\r\n")); err != nil {
		return fmt.Errorf("uart write: %w", err)
	}
	return nil
}

// readLine accumulates port bytes until a complete line, the deadline,
// or context cancellation.
func (u *UART) readLine(ctx context.Context, deadline time.Time) (string, error) {
	tmp := make([]byte, 64)
	for {
		if i := bytes.IndexAny(u.carry, "\r\n"); i >= 0 {
			line := strings.TrimSpace(string(u.carry[:i]))
			u.carry = u.carry[i+1:]
			if line == "" {
				continue
			}
			return line, nil
		}
		if err := ctx.Err(); err != nil {
			return "", err
		}
		if !time.Now().Before(deadline) {
			return "", os.ErrDeadlineExceeded
		}
		_ = u.port.SetReadTimeout(100 * time.Millisecond)
		n, err := u.port.Read(tmp)
		if err != nil {
			return "", fmt.Errorf("uart read: %w", err)
		}
		u.carry = append(u.carry, tmp[:n]...)
	}
}

func (u *UART) ensureReady(ctx context.Context, deadline time.Time) error {
	if u.ready {
		return nil
	}
	_ = u.port.ResetInputBuffer()
	u.carry = nil
	if err := u.sendLine("AT"); err != nil {
		return err
	}
	line, err := u.readLine(ctx, deadline)
	if err != nil {
		return fmt.Errorf("bridge module not responding: %w", err)
	}
	if !strings.HasPrefix(line, "OK") {
		return fmt.Errorf("bridge module said %q to AT probe", line)
	}
	u.ready = true
	return nil
}

// Scan runs one AT discovery round and returns the first entry the
// filter accepts.
func (u *UART) Scan(ctx context.Context, f Filter) (*Advertisement, error) {
	u.mu.Lock()
	defer u.mu.Unlock()

	deadline := deadlineFor(ctx, 15*time.Second)
	if err := u.ensureReady(ctx, deadline); err != nil {
		return nil, err
	}
	if f.Address == "" && len(f.NameKeywords) == 0 {
		f.NameKeywords = DefaultNameKeywords
	}

	_ = u.port.ResetInputBuffer()
	u.carry = nil
	if err := u.sendLine("AT+DISC?"); err != nil {
		return nil, err
	}

	var entries []Advertisement
	for {
		line, err := u.readLine(ctx, deadline)
		if err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			// Window closed mid-discovery: judge what we have.
			break
		}
		if strings.HasPrefix(line, "OK+DISCE") {
			break
		}
		if mac, ok := parseDiscovery(line); ok {
			entries = append(entries, Advertisement{Address: formatMAC(mac)})
			continue
		}
		if len(entries) == 0 {
			continue
		}
		last := &entries[len(entries)-1]
		if name, ok := parseName(line); ok {
			last.Name = name
		} else if rssi, ok := parseSignedSuffix(line, "OK+RSS"); ok {
			last.RSSI = rssi
		}
	}

	for _, adv := range entries {
		if matchesFilter(adv, f) {
			u.lastRSSI[normalizeMAC(adv.Address)] = adv.RSSI
			u.logger.Debug("discovery match", "address", adv.Address, "name", adv.Name)
			adv := adv
			return &adv, nil
		}
	}
	return nil, ErrScanTimeout
}

// Connect asks the module to join the peripheral and waits for the
// connection verdict.
func (u *UART) Connect(ctx context.Context, address string) (Conn, error) {
	u.mu.Lock()
	defer u.mu.Unlock()

	deadline := deadlineFor(ctx, 10*time.Second)
	if err := u.ensureReady(ctx, deadline); err != nil {
		return nil, err
	}
	if u.connected {
		u.dropLink(ctx)
	}

	if err := u.sendLine("AT+CON" + normalizeMAC(address)); err != nil {
		return nil, err
	}
	for {
		line, err := u.readLine(ctx, deadline)
		if err != nil {
			return nil, fmt.Errorf("connect %s: %w", address, err)
		}
		switch {
		case strings.HasPrefix(line, "OK+CONNA"):
			// Attempt acknowledged, keep waiting.
		case strings.HasPrefix(line, "OK+CONNF"), strings.HasPrefix(line, "OK+CONNE"):
			return nil, fmt.Errorf("connect %s: module reported %s", address, line)
		case strings.HasPrefix(line, "OK+CONN"):
			u.connected = true
			return &uartConn{u: u, rssi: u.lastRSSI[normalizeMAC(address)]}, nil
		}
	}
}

// dropLink sends the in-band AT to break the current connection and
// swallows the OK+LOST notice. Callers hold u.mu.
func (u *UART) dropLink(ctx context.Context) {
	if !u.connected {
		return
	}
	u.connected = false
	if err := u.sendLine("AT"); err != nil {
		return
	}
	deadline := time.Now().Add(time.Second)
	for {
		line, err := u.readLine(ctx, deadline)
		if err != nil {
			return
		}
		if strings.HasPrefix(line, "OK") {
			return
		}
	}
}

func (u *UART) Close() error {
	u.mu.Lock()
	defer u.mu.Unlock()
	u.dropLink(context.Background())
	return u.port.Close()
}

type uartConn struct {
	u      *UART
	rssi   int16
	closed bool
}

// Characteristics is empty on purpose: the module hides the remote GATT
// table, so drivers keep their protocol default endpoint.
func (c *uartConn) Characteristics(ctx context.Context) ([]string, error) {
	return nil, nil
}

func (c *uartConn) Write(ctx context.Context, characteristic string, frame []byte) error {
	if _, err := canonicalUUID(characteristic); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	c.u.mu.Lock()
	defer c.u.mu.Unlock()
	if c.closed || !c.u.connected {
		return ErrNotConnected
	}
	if _, err := c.u.port.Write(frame); err != nil {
		return fmt.Errorf("uart write: %w", err)
	}
	return nil
}

// RSSI reports the discovery-time reading; the transparent link has no
// live signal query.
func (c *uartConn) RSSI(ctx context.Context) (int16, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	return c.rssi, nil
}

func (c *uartConn) Close() error {
	c.u.mu.Lock()
	defer c.u.mu.Unlock()
	if c.closed {
		return nil
	}
	c.closed = true
	c.u.dropLink(context.Background())
	return nil
}

// parseDiscovery extracts the raw MAC from an OK+DIS<n>:<mac> line.
func parseDiscovery(line string) (string, bool) {
	if !strings.HasPrefix(line, "OK+DIS") || strings.HasPrefix(line, "OK+DISC") {
		return "", false
	}
	i := strings.Index(line, ":")
	if i < 0 || i+1 >= len(line) {
		return "", false
	}
	mac := strings.TrimSpace(line[i+1:])
	if mac == "" {
		return "", false
	}
	return mac, true
}

// parseName extracts the device name from OK+NAM:<name> (some firmware
// spells it OK+NAME:).
func parseName(line string) (string, bool) {
	for _, prefix := range []string{"OK+NAME:", "OK+NAM:"} {
		if strings.HasPrefix(line, prefix) {
			return strings.TrimSpace(line[len(prefix):]), true
		}
	}
	return "", false
}

// parseSignedSuffix reads the integer after the last colon of lines like
// OK+RSS:-67 or OK+RSSI:-067.
func parseSignedSuffix(line, prefix string) (int16, bool) {
	if !strings.HasPrefix(line, prefix) {
		return 0, false
	}
	i := strings.LastIndex(line, ":")
	if i < 0 {
		return 0, false
	}
	v, err := strconv.Atoi(strings.TrimSpace(line[i+1:]))
	if err != nil {
		return 0, false
	}
	return int16(v), true
}

// formatMAC renders a bare 12-digit MAC with colon separators.
func formatMAC(raw string) string {
	raw = strings.ToUpper(strings.TrimSpace(raw))
	if strings.Contains(raw, ":") || len(raw)%2 != 0 {
		return raw
	}
	var b strings.Builder
	for i := 0; i < len(raw); i += 2 {
		if i > 0 {
			b.WriteByte(':')
		}
		b.WriteString(raw[i : i+2])
	}
	return b.String()
}

func normalizeMAC(addr string) string {
	return strings.ToUpper(strings.ReplaceAll(addr, ":", ""))
}
