package controller

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math"
	"sort"
	"sync"
	"time"

	"blelink/internal/driver"
	"blelink/internal/light"
	"blelink/internal/transport"
)

// State is the connection lifecycle phase of the controller.
type State int

const (
	StateIdle State = iota
	StateScanning
	StateConnecting
	StateConnected
	StateReconnecting
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateScanning:
		return "scanning"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateReconnecting:
		return "reconnecting"
	case StateFailed:
		return "failed"
	}
	return "unknown"
}

// Config tunes the link controller. Zero values pick the defaults.
type Config struct {
	// Device selects the peripheral and optional protocol hint.
	Device light.DeviceConfig

	ScanTimeout    time.Duration
	ConnectTimeout time.Duration
	WriteTimeout   time.Duration
	// RSSIInterval is the signal strength poll period.
	RSSIInterval time.Duration
	// BackoffCeiling caps the doubling reconnect delay.
	BackoffCeiling time.Duration
	QueueSize      int
	// MaxWriteFailures is the consecutive write failure count that forces
	// a reconnect cycle.
	MaxWriteFailures int
	// Metric feeds the cpu mode with a load percentage, 0-100.
	Metric func() float64
}

func (cfg Config) withDefaults() Config {
	if cfg.ScanTimeout <= 0 {
		cfg.ScanTimeout = 15 * time.Second
	}
	if cfg.ConnectTimeout <= 0 {
		cfg.ConnectTimeout = 20 * time.Second
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = 5 * time.Second
	}
	if cfg.RSSIInterval <= 0 {
		cfg.RSSIInterval = 5 * time.Second
	}
	if cfg.BackoffCeiling <= 0 {
		cfg.BackoffCeiling = 5 * time.Minute
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 64
	}
	if cfg.MaxWriteFailures <= 0 {
		cfg.MaxWriteFailures = 3
	}
	return cfg
}

type cmdKind int

const (
	cmdColor cmdKind = iota
	cmdBrightness
	cmdMode
	cmdSpeed
)

func (k cmdKind) String() string {
	switch k {
	case cmdColor:
		return "color"
	case cmdBrightness:
		return "brightness"
	case cmdMode:
		return "mode"
	case cmdSpeed:
		return "speed"
	}
	return "unknown"
}

type command struct {
	kind       cmdKind
	color      light.Color
	brightness float64
	mode       light.ColorMode
	speed      uint8
}

// Controller owns the link to one peripheral. A single background
// goroutine performs all transport and driver calls; the public setters
// record the desired state and hand commands to that goroutine over a
// bounded queue, so they never block on the radio.
type Controller struct {
	cfg    Config
	tr     transport.Transport
	reg    *driver.Registry
	logger *slog.Logger

	mu       sync.Mutex
	prefs    light.Preferences
	status   light.DeviceStatus
	state    State
	cmds     chan command
	cancel   context.CancelFunc
	onStatus func(light.DeviceStatus)
	onColor  func(light.Color)
	programs map[light.ColorMode]ProgramFactory

	wg sync.WaitGroup
}

// New builds a controller around the given transport and driver
// registry. prefs seed the desired state; they are normalized first.
func New(cfg Config, prefs light.Preferences, tr transport.Transport, reg *driver.Registry, logger *slog.Logger) *Controller {
	if logger == nil {
		logger = slog.Default()
	}
	cfg = cfg.withDefaults()
	prefs = prefs.Normalize()
	c := &Controller{
		cfg:      cfg,
		tr:       tr,
		reg:      reg,
		logger:   logger.With("component", "controller"),
		prefs:    prefs,
		state:    StateIdle,
		programs: make(map[light.ColorMode]ProgramFactory),
	}
	c.status = light.DeviceStatus{
		DeviceName: cfg.Device.Name,
		Mode:       prefs.Mode,
		Color:      prefs.Color,
	}
	c.programs[light.ModeCPU] = func() (Program, error) {
		return &cpuProgram{metric: cfg.Metric, sample: c.recordLoad}, nil
	}
	c.programs[light.ModeBreath] = func() (Program, error) {
		return &breathProgram{}, nil
	}
	c.programs[light.ModeRainbow] = func() (Program, error) {
		return &rainbowProgram{}, nil
	}
	return c
}

// RegisterProgram adds or replaces the animation behind a mode. Scripted
// modes register here before the mode can be selected.
func (c *Controller) RegisterProgram(mode light.ColorMode, factory ProgramFactory) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.programs[mode] = factory
}

// Modes lists the selectable mode names: manual first, then every
// registered animation program sorted by name.
func (c *Controller) Modes() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	names := make([]string, 0, len(c.programs)+1)
	names = append(names, string(light.ModeManual))
	for m := range c.programs {
		names = append(names, string(m))
	}
	sort.Strings(names[1:])
	return names
}

// OnStatusChange installs the single status handler. The handler runs on
// the controller goroutine and must return quickly.
func (c *Controller) OnStatusChange(fn func(light.DeviceStatus)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onStatus = fn
}

// OnColorReceived installs the handler invoked after every color frame
// the device accepted, with the brightness-scaled color that was sent.
func (c *Controller) OnColorReceived(fn func(light.Color)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onColor = fn
}

// Status returns the current snapshot.
func (c *Controller) Status() light.DeviceStatus {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.status
}

// State returns the lifecycle phase.
func (c *Controller) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Preferences returns the desired settings, including changes made while
// disconnected.
func (c *Controller) Preferences() light.Preferences {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.prefs
}

// SetColor records the desired color and, when the link is up, queues a
// device write. Animated modes keep the color for the next return to
// manual instead of interrupting the effect.
func (c *Controller) SetColor(col light.Color) {
	c.mu.Lock()
	c.prefs.Color = col
	ch := c.cmds
	c.mu.Unlock()
	c.enqueue(ch, command{kind: cmdColor, color: col})
}

// SetBrightness records the brightness factor, clamped to [0,1].
func (c *Controller) SetBrightness(v float64) {
	if v < 0 {
		v = 0
	} else if v > 1 {
		v = 1
	}
	c.mu.Lock()
	c.prefs.Brightness = v
	ch := c.cmds
	c.mu.Unlock()
	c.enqueue(ch, command{kind: cmdBrightness, brightness: v})
}

// SetMode switches the color mode. Animated modes must have a registered
// program; unknown modes are rejected rather than silently ignored.
func (c *Controller) SetMode(mode light.ColorMode) error {
	c.mu.Lock()
	if mode.Animated() {
		if _, ok := c.programs[mode]; !ok {
			c.mu.Unlock()
			return fmt.Errorf("no animation registered for mode %q", mode)
		}
	}
	c.prefs.Mode = mode
	ch := c.cmds
	c.mu.Unlock()
	c.enqueue(ch, command{kind: cmdMode, mode: mode})
	return nil
}

// SetSpeed records the effect speed, clamped to [0,255], and refreshes
// the device mode frame so hardware effects pick it up.
func (c *Controller) SetSpeed(v int) {
	if v < 0 {
		v = 0
	} else if v > 255 {
		v = 255
	}
	s := uint8(v)
	c.mu.Lock()
	c.prefs.Speed = s
	ch := c.cmds
	c.mu.Unlock()
	c.enqueue(ch, command{kind: cmdSpeed, speed: s})
}

func (c *Controller) enqueue(ch chan command, cmd command) {
	if ch == nil {
		return
	}
	select {
	case ch <- cmd:
	default:
		c.logger.Warn("command queue full, dropping", "kind", cmd.kind)
	}
}

// Start launches the background link goroutine. Calling Start again
// after Stop, or after the controller entered Failed, begins a fresh
// connection cycle.
func (c *Controller) Start(ctx context.Context) error {
	c.mu.Lock()
	if c.cancel != nil {
		c.mu.Unlock()
		return errors.New("controller already running")
	}
	runCtx, cancel := context.WithCancel(ctx)
	c.cancel = cancel
	c.cmds = make(chan command, c.cfg.QueueSize)
	c.status.Error = ""
	c.mu.Unlock()

	c.wg.Add(1)
	go c.run(runCtx)
	return nil
}

// Stop tears the link down and discards queued commands. Idempotent from
// any state.
func (c *Controller) Stop() {
	c.teardown()
	c.wg.Wait()
	c.setState(StateIdle, nil)
}

// teardown releases the run context and discards the command queue.
// Idempotent: both the run goroutine and Stop may call it.
func (c *Controller) teardown() {
	c.mu.Lock()
	cancel := c.cancel
	c.cancel = nil
	c.cmds = nil
	c.mu.Unlock()
	if cancel != nil {
		cancel()
	}
}

func (c *Controller) run(ctx context.Context) {
	defer c.wg.Done()
	defer c.teardown()

	bo := newBackoff(c.reconnectBase(), c.cfg.BackoffCeiling)
	for {
		err := c.session(ctx, bo)
		if err == nil || ctx.Err() != nil {
			return
		}
		if classify(err) == classFatal {
			c.logger.Error("unrecoverable link failure", "error", err)
			c.teardown()
			c.setState(StateFailed, err)
			return
		}
		if !c.autoReconnect() {
			c.logger.Error("link failed and auto-reconnect is off", "error", err)
			c.teardown()
			c.setState(StateFailed, err)
			return
		}
		delay := bo.Next()
		c.setState(StateReconnecting, err)
		c.logger.Warn("link lost", "error", err, "retry_in", delay, "timeout", isTimeout(err))
		select {
		case <-ctx.Done():
			return
		case <-time.After(delay):
		}
	}
}

// session runs one scan-connect-serve cycle and returns why it ended.
// A nil error means the context was canceled.
func (c *Controller) session(ctx context.Context, bo *backoff) error {
	c.setState(StateScanning, nil)
	scanCtx, cancel := context.WithTimeout(ctx, c.cfg.ScanTimeout)
	adv, err := c.tr.Scan(scanCtx, c.scanFilter())
	cancel()
	if err != nil {
		return fmt.Errorf("scan: %w", err)
	}
	c.logger.Info("peripheral found", "address", adv.Address, "name", adv.Name, "rssi", adv.RSSI)

	drv, err := c.reg.Detect(c.cfg.Device, adv.Name, adv.ServiceUUIDs)
	if err != nil {
		return fmt.Errorf("select driver: %w", err)
	}

	c.setState(StateConnecting, nil)
	connCtx, cancel := context.WithTimeout(ctx, c.cfg.ConnectTimeout)
	conn, err := c.tr.Connect(connCtx, adv.Address)
	cancel()
	if err != nil {
		return fmt.Errorf("connect %s: %w", adv.Address, err)
	}
	defer conn.Close()

	setupCtx, cancel := context.WithTimeout(ctx, c.cfg.ConnectTimeout)
	err = drv.Connect(setupCtx, conn)
	cancel()
	if err != nil {
		return fmt.Errorf("%s setup: %w", drv.ProtocolName(), err)
	}

	bo.Reset()
	c.connected(adv, drv)
	c.logger.Info("connected", "protocol", drv.ProtocolName(), "characteristic", drv.WriteCharacteristic())

	return c.serve(ctx, conn, drv)
}

// serve pushes the desired state to the device and then multiplexes the
// command queue, the RSSI poll and the animation clock until the link
// dies or the context ends.
func (c *Controller) serve(ctx context.Context, conn transport.Conn, drv driver.Driver) error {
	defer drv.Disconnect()

	c.mu.Lock()
	cmds := c.cmds
	c.mu.Unlock()

	rssiTick := time.NewTicker(c.cfg.RSSIInterval)
	defer rssiTick.Stop()

	var (
		prog      Program
		animTimer *time.Timer
		animC     <-chan time.Time
		failures  int
	)
	stopProgram := func() {
		if animTimer != nil {
			animTimer.Stop()
		}
		// Programs backed by a script VM release it here.
		if cl, ok := prog.(io.Closer); ok {
			_ = cl.Close()
		}
		prog, animTimer, animC = nil, nil, nil
	}
	defer stopProgram()

	// write sends one frame. ok=false with a nil error is a failure the
	// session absorbs; a non-nil error ends the session.
	write := func(frame []byte) (bool, error) {
		wctx, cancel := context.WithTimeout(ctx, c.cfg.WriteTimeout)
		err := conn.Write(wctx, drv.WriteCharacteristic(), frame)
		cancel()
		if err == nil {
			failures = 0
			return true, nil
		}
		failures++
		c.logger.Warn("write failed", "error", err, "consecutive", failures)
		if classify(err) == classFatal {
			return false, fmt.Errorf("write: %w", err)
		}
		if failures >= c.cfg.MaxWriteFailures {
			return false, fmt.Errorf("%d consecutive write failures: %w", failures, err)
		}
		return false, nil
	}

	sendColor := func(col light.Color) (bool, error) {
		p := c.currentPrefs()
		final := col.ApplyBrightness(p.Brightness)
		ok, err := write(drv.EncodeColor(final.R, final.G, final.B, p.Speed))
		if ok {
			c.colorWritten(final)
		}
		return ok, err
	}

	sendModeFrame := func(mode light.ColorMode) (bool, error) {
		modes := drv.SupportedModes()
		code, ok := modes[string(mode)]
		if !ok {
			// Scripted modes ride the device's manual state.
			code = modes[string(light.ModeManual)]
		}
		return write(drv.EncodeMode(code, c.currentPrefs().Speed))
	}

	// activate applies a mode: device mode frame, program swap, and for
	// manual a single color push.
	activate := func(mode light.ColorMode) error {
		stopProgram()
		if _, err := sendModeFrame(mode); err != nil {
			return err
		}
		c.setMode(mode)
		if mode.Animated() {
			if factory := c.factoryFor(mode); factory != nil {
				p, err := factory()
				if err == nil {
					prog = p
					animTimer = time.NewTimer(p.Interval())
					animC = animTimer.C
					return nil
				}
				c.logger.Warn("animation start failed, reverting to manual", "mode", mode, "error", err)
			} else {
				c.logger.Warn("no animation registered", "mode", mode)
			}
		}
		_, err := sendColor(c.currentPrefs().Color)
		return err
	}

	if err := activate(c.currentPrefs().Mode); err != nil {
		return err
	}

	for {
		select {
		case <-ctx.Done():
			return nil

		case cmd := <-cmds:
			var err error
			switch cmd.kind {
			case cmdColor:
				if c.currentPrefs().Mode == light.ModeManual {
					_, err = sendColor(cmd.color)
				}
			case cmdBrightness:
				pct := byte(math.Round(cmd.brightness * 100))
				_, err = write(drv.EncodeBrightness(pct))
				if err == nil && c.currentPrefs().Mode == light.ModeManual {
					_, err = sendColor(c.currentPrefs().Color)
				}
			case cmdMode:
				err = activate(cmd.mode)
			case cmdSpeed:
				_, err = sendModeFrame(c.currentPrefs().Mode)
			}
			if err != nil {
				return err
			}

		case <-rssiTick.C:
			rctx, cancel := context.WithTimeout(ctx, c.cfg.WriteTimeout)
			rssi, err := conn.RSSI(rctx)
			cancel()
			if err != nil {
				c.logger.Debug("rssi poll failed", "error", err)
				continue
			}
			c.setRSSI(rssi)

		case now := <-animC:
			if prog == nil {
				continue
			}
			col, err := prog.Next(now)
			if err != nil {
				c.logger.Warn("animation failed, reverting to manual", "error", err)
				stopProgram()
				if _, werr := sendColor(c.currentPrefs().Color); werr != nil {
					return werr
				}
				continue
			}
			if _, werr := sendColor(col); werr != nil {
				return werr
			}
			animTimer.Reset(prog.Interval())
		}
	}
}

func (c *Controller) scanFilter() transport.Filter {
	return transport.Filter{
		Address:      c.cfg.Device.Address,
		NameKeywords: transport.DefaultNameKeywords,
		Timeout:      c.cfg.ScanTimeout,
	}
}

func (c *Controller) connected(adv *transport.Advertisement, drv driver.Driver) {
	c.mu.Lock()
	c.state = StateConnected
	name := adv.Name
	if name == "" {
		name = c.cfg.Device.Name
	}
	c.status.Connected = true
	c.status.DeviceName = name
	c.status.RSSI = adv.RSSI
	c.status.Error = ""
	if c.cfg.Device.Characteristic == "" {
		c.cfg.Device.Characteristic = drv.WriteCharacteristic()
	}
	snap, fn := c.status, c.onStatus
	c.mu.Unlock()
	c.notifyStatus(fn, snap)
}

// setState moves the lifecycle phase. A non-nil err replaces the status
// message; otherwise the previous error is carried until the next
// successful connect, except Idle which clears it.
func (c *Controller) setState(s State, err error) {
	c.mu.Lock()
	next := c.status
	next.Connected = s == StateConnected
	switch {
	case err != nil:
		next.Error = statusMessage(err)
	case s == StateIdle:
		next.Error = ""
	}
	if c.state == s && next == c.status {
		c.mu.Unlock()
		return
	}
	c.state = s
	c.status = next
	snap, fn := c.status, c.onStatus
	c.mu.Unlock()
	c.notifyStatus(fn, snap)
}

func (c *Controller) setMode(mode light.ColorMode) {
	c.mu.Lock()
	c.status.Mode = mode
	snap, fn := c.status, c.onStatus
	c.mu.Unlock()
	c.notifyStatus(fn, snap)
}

func (c *Controller) setRSSI(v int16) {
	c.mu.Lock()
	if c.status.RSSI == v {
		c.mu.Unlock()
		return
	}
	c.status.RSSI = v
	snap, fn := c.status, c.onStatus
	c.mu.Unlock()
	c.notifyStatus(fn, snap)
}

func (c *Controller) colorWritten(col light.Color) {
	c.mu.Lock()
	c.status.Color = col
	c.status.LastSync = time.Now()
	fn := c.onColor
	c.mu.Unlock()
	c.notifyColor(fn, col)
}

func (c *Controller) recordLoad(load float64) {
	c.mu.Lock()
	c.status.Load = load
	c.mu.Unlock()
}

func (c *Controller) currentPrefs() light.Preferences {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.prefs
}

func (c *Controller) factoryFor(mode light.ColorMode) ProgramFactory {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.programs[mode]
}

func (c *Controller) reconnectBase() time.Duration {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.prefs.ReconnectInterval()
}

func (c *Controller) autoReconnect() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.prefs.AutoReconnect
}

func (c *Controller) notifyStatus(fn func(light.DeviceStatus), snap light.DeviceStatus) {
	if fn == nil {
		return
	}
	defer func() {
		if r := recover(); r != nil {
			c.logger.Error("status handler panicked", "panic", r)
		}
	}()
	fn(snap)
}

func (c *Controller) notifyColor(fn func(light.Color), col light.Color) {
	if fn == nil {
		return
	}
	defer func() {
		if r := recover(); r != nil {
			c.logger.Error("color handler panicked", "panic", r)
		}
	}()
	fn(col)
}
