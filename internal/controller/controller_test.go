package controller

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"testing"
	"time"

	"blelink/internal/driver"
	"blelink/internal/light"
	"blelink/internal/transport"
)

func newTestLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

func testPrefs() light.Preferences {
	p := light.DefaultPreferences()
	p.Color = light.Color{R: 255, G: 0, B: 0}
	p.ReconnectSec = 1
	return p
}

func testConfig() Config {
	return Config{
		Device:           light.DeviceConfig{Name: "desk"},
		ScanTimeout:      200 * time.Millisecond,
		ConnectTimeout:   200 * time.Millisecond,
		WriteTimeout:     200 * time.Millisecond,
		RSSIInterval:     30 * time.Millisecond,
		BackoffCeiling:   2 * time.Second,
		QueueSize:        16,
		MaxWriteFailures: 3,
		Metric:           func() float64 { return 0 },
	}
}

func startController(t *testing.T, cfg Config, prefs light.Preferences, m *transport.Mock) *Controller {
	t.Helper()
	c := New(cfg, prefs, m, driver.Builtin(), newTestLogger())
	if err := c.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	t.Cleanup(c.Stop)
	return c
}

func waitFor(t *testing.T, d time.Duration, cond func() bool, msg string) {
	t.Helper()
	deadline := time.Now().Add(d)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", msg)
}

// elkRef builds a detached ELK-BLEDOM driver to compute expected frames.
func elkRef(t *testing.T) driver.Driver {
	t.Helper()
	d, err := driver.Builtin().New(light.DeviceConfig{Protocol: "elkbledom"})
	if err != nil {
		t.Fatalf("elk driver: %v", err)
	}
	return d
}

func frameEqual(a, b []byte) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

func TestBackoffSequence(t *testing.T) {
	b := newBackoff(5*time.Second, 300*time.Second)
	want := []time.Duration{5, 10, 20, 40, 80, 160, 300, 300}
	for i, w := range want {
		if got := b.Next(); got != w*time.Second {
			t.Fatalf("step %d: got %v, want %v", i, got, w*time.Second)
		}
	}
	b.Reset()
	if got := b.Next(); got != 5*time.Second {
		t.Fatalf("after reset: got %v, want 5s", got)
	}

	floor := newBackoff(0, 0)
	if got := floor.Next(); got != 5*time.Second {
		t.Fatalf("zero config: got %v, want 5s default", got)
	}
}

func TestClassifyFatalVsTransient(t *testing.T) {
	cases := []struct {
		name string
		err  error
		want failureClass
	}{
		{"unknown protocol", fmt.Errorf("select driver: %w", driver.ErrUnknownProtocol), classFatal},
		{"no fingerprint match", fmt.Errorf("select driver: %w", driver.ErrNoMatch), classFatal},
		{"bad characteristic", fmt.Errorf("write: %w", transport.ErrBadCharacteristic), classFatal},
		{"gatt error text", errors.New("le-connection abort by local: error 8"), classTransient},
		{"deadline", context.DeadlineExceeded, classTransient},
		{"plain failure", errors.New("device went away"), classTransient},
	}
	for _, tc := range cases {
		if got := classify(tc.err); got != tc.want {
			t.Errorf("%s: classify = %v, want %v", tc.name, got, tc.want)
		}
	}
}

func TestIsTimeoutAndStatusMessage(t *testing.T) {
	cases := []struct {
		name string
		err  error
		want bool
	}{
		{"nil", nil, false},
		{"deadline", context.DeadlineExceeded, true},
		{"scan timeout", fmt.Errorf("scan: %w", transport.ErrScanTimeout), true},
		{"gatt text", errors.New("GATT operation Timeout"), true},
		{"error 8", errors.New("le-connection abort by local: error 8"), true},
		{"write rejected", errors.New("device rejected write"), false},
	}
	for _, tc := range cases {
		if got := isTimeout(tc.err); got != tc.want {
			t.Errorf("%s: isTimeout = %v, want %v", tc.name, got, tc.want)
		}
	}

	if got := statusMessage(fmt.Errorf("scan: %w", transport.ErrScanTimeout)); got != "gatt connection timeout" {
		t.Errorf("timeout label: got %q", got)
	}
	if got := statusMessage(errors.New("device rejected write")); got != "device rejected write" {
		t.Errorf("plain message: got %q", got)
	}
	long := errors.New(string(make([]byte, 300)))
	if got := statusMessage(long); len(got) != 120 {
		t.Errorf("truncation: got len %d, want 120", len(got))
	}
}

func TestGradientColorStops(t *testing.T) {
	cases := []struct {
		load float64
		want light.Color
	}{
		{0, light.Color{R: 0, G: 200, B: 255}},
		{50, light.Color{R: 138, G: 43, B: 226}},
		{100, light.Color{R: 255, G: 0, B: 0}},
		{25, light.Color{R: 69, G: 122, B: 241}},
		{75, light.Color{R: 197, G: 22, B: 113}},
		{-10, light.Color{R: 0, G: 200, B: 255}},
		{400, light.Color{R: 255, G: 0, B: 0}},
	}
	for _, tc := range cases {
		if got := gradientColor(tc.load); got != tc.want {
			t.Errorf("load %.0f: got %+v, want %+v", tc.load, got, tc.want)
		}
	}
}

func TestBreathTableShape(t *testing.T) {
	if len(breathTable) != breathSteps {
		t.Fatalf("table length %d, want %d", len(breathTable), breathSteps)
	}
	// sin(0) puts the cycle start at half brightness.
	if got, want := breathTable[0], (light.Color{R: 80, G: 16, B: 120}); got != want {
		t.Errorf("cycle starts at %+v, want %+v", got, want)
	}
	// Peak near step 78 (pi/2 * 50), trough near step 236 (3pi/2 * 50).
	if got, want := breathTable[78], (light.Color{R: 159, G: 31, B: 239}); got != want {
		t.Errorf("peak frame %+v, want %+v", got, want)
	}
	if got := breathTable[236]; got != (light.Color{}) {
		t.Errorf("trough frame %+v, want black", got)
	}

	p := &breathProgram{}
	first, _ := p.Next(time.Now())
	if first != breathTable[0] {
		t.Errorf("first frame %+v, want %+v", first, breathTable[0])
	}
	for i := 1; i < breathSteps; i++ {
		p.Next(time.Now())
	}
	wrapped, _ := p.Next(time.Now())
	if wrapped != breathTable[1] {
		t.Errorf("frame after full cycle %+v, want %+v", wrapped, breathTable[1])
	}
}

func TestRainbowProgramWrapsHue(t *testing.T) {
	p := &rainbowProgram{}
	first, _ := p.Next(time.Now())
	if want := (light.Color{R: 255, G: 0, B: 0}); first != want {
		t.Fatalf("first frame %+v, want %+v", first, want)
	}
	var colors []light.Color
	colors = append(colors, first)
	for i := 0; i < 23; i++ {
		c, _ := p.Next(time.Now())
		colors = append(colors, c)
	}
	again, _ := p.Next(time.Now())
	if again != first {
		t.Errorf("hue did not wrap after full circle: got %+v", again)
	}
	distinct := map[light.Color]bool{}
	for _, c := range colors {
		distinct[c] = true
	}
	if len(distinct) < 20 {
		t.Errorf("only %d distinct colors over one revolution", len(distinct))
	}
}

func TestCPUProgramSamplesMetric(t *testing.T) {
	var sampled float64
	p := &cpuProgram{
		metric: func() float64 { return 75 },
		sample: func(v float64) { sampled = v },
	}
	got, err := p.Next(time.Now())
	if err != nil {
		t.Fatalf("next: %v", err)
	}
	if want := (light.Color{R: 197, G: 22, B: 113}); got != want {
		t.Errorf("frame %+v, want %+v", got, want)
	}
	if sampled != 75 {
		t.Errorf("sampled %v, want 75", sampled)
	}

	// Missing metric behaves like an idle host.
	idle := &cpuProgram{}
	got, _ = idle.Next(time.Now())
	if want := (light.Color{R: 0, G: 200, B: 255}); got != want {
		t.Errorf("idle frame %+v, want %+v", got, want)
	}
}

func TestConnectPushesModeAndColor(t *testing.T) {
	m := transport.NewMock()
	ref := elkRef(t)

	statusCh := make(chan light.DeviceStatus, 64)
	colorCh := make(chan light.Color, 64)
	c := New(testConfig(), testPrefs(), m, driver.Builtin(), newTestLogger())
	c.OnStatusChange(func(s light.DeviceStatus) {
		select {
		case statusCh <- s:
		default:
		}
	})
	c.OnColorReceived(func(col light.Color) {
		select {
		case colorCh <- col:
		default:
		}
	})
	if err := c.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	t.Cleanup(c.Stop)

	waitFor(t, 2*time.Second, func() bool { return c.Status().Connected }, "connect")

	writes := m.Writes()
	if len(writes) < 2 {
		t.Fatalf("got %d writes, want mode frame and color frame", len(writes))
	}
	wantMode := ref.EncodeMode(ref.SupportedModes()["manual"], 0x10)
	if !frameEqual(writes[0].Frame, wantMode) {
		t.Errorf("first write % X, want mode frame % X", writes[0].Frame, wantMode)
	}
	wantColor := ref.EncodeColor(255, 0, 0, 0x10)
	if !frameEqual(writes[1].Frame, wantColor) {
		t.Errorf("second write % X, want color frame % X", writes[1].Frame, wantColor)
	}
	if writes[0].Characteristic != ref.WriteCharacteristic() {
		t.Errorf("wrote to %q, want %q", writes[0].Characteristic, ref.WriteCharacteristic())
	}

	select {
	case col := <-colorCh:
		if col != (light.Color{R: 255, G: 0, B: 0}) {
			t.Errorf("color callback got %+v", col)
		}
	case <-time.After(time.Second):
		t.Error("color callback never fired")
	}

	sawConnected := false
	for done := false; !done; {
		select {
		case s := <-statusCh:
			if s.Connected {
				sawConnected = true
				if s.DeviceName != "BLEDOM-MOCK" {
					t.Errorf("connected snapshot name %q", s.DeviceName)
				}
				if s.Error != "" {
					t.Errorf("connected snapshot carries error %q", s.Error)
				}
				done = true
			}
		default:
			done = true
		}
	}
	if !sawConnected {
		t.Error("no connected status snapshot observed")
	}
}

func TestSetColorAppliesBrightness(t *testing.T) {
	m := transport.NewMock()
	ref := elkRef(t)
	c := startController(t, testConfig(), testPrefs(), m)
	waitFor(t, 2*time.Second, func() bool { return c.Status().Connected }, "connect")
	base := len(m.Writes())

	c.SetBrightness(0.5)
	waitFor(t, time.Second, func() bool { return len(m.Writes()) >= base+2 }, "brightness writes")

	c.SetColor(light.Color{R: 0, G: 128, B: 255})
	want := ref.EncodeColor(0, 64, 127, 0x10)
	waitFor(t, time.Second, func() bool {
		last, ok := m.LastWrite()
		return ok && frameEqual(last.Frame, want)
	}, "scaled color write")

	if got := c.Status().Color; got != (light.Color{R: 0, G: 64, B: 127}) {
		t.Errorf("status color %+v, want scaled color", got)
	}
	if c.Status().LastSync.IsZero() {
		t.Error("last sync not stamped after write")
	}
}

func TestSettersWhileIdleOnlyRecordPrefs(t *testing.T) {
	m := transport.NewMock()
	c := New(testConfig(), testPrefs(), m, driver.Builtin(), newTestLogger())

	c.SetColor(light.Color{R: 1, G: 2, B: 3})
	c.SetBrightness(0.25)
	if err := c.SetMode(light.ModeBreath); err != nil {
		t.Fatalf("set mode: %v", err)
	}
	c.SetSpeed(0x42)

	p := c.Preferences()
	if p.Color != (light.Color{R: 1, G: 2, B: 3}) || p.Brightness != 0.25 ||
		p.Mode != light.ModeBreath || p.Speed != 0x42 {
		t.Errorf("preferences not recorded: %+v", p)
	}
	if n := len(m.Writes()); n != 0 {
		t.Errorf("%d writes while idle, want none", n)
	}
	if c.State() != StateIdle {
		t.Errorf("state %v, want idle", c.State())
	}
}

func TestSetSpeedClampsRange(t *testing.T) {
	c := New(testConfig(), testPrefs(), transport.NewMock(), driver.Builtin(), newTestLogger())

	c.SetSpeed(-10)
	if got := c.Preferences().Speed; got != 0 {
		t.Errorf("speed after SetSpeed(-10) = %d, want 0", got)
	}
	c.SetSpeed(400)
	if got := c.Preferences().Speed; got != 255 {
		t.Errorf("speed after SetSpeed(400) = %d, want 255", got)
	}
	c.SetSpeed(128)
	if got := c.Preferences().Speed; got != 128 {
		t.Errorf("speed after SetSpeed(128) = %d, want 128", got)
	}
}

func TestSetModeRejectsUnregisteredProgram(t *testing.T) {
	c := New(testConfig(), testPrefs(), transport.NewMock(), driver.Builtin(), newTestLogger())

	if err := c.SetMode("lua:missing"); err == nil {
		t.Error("unregistered scripted mode accepted")
	}
	if err := c.SetMode(light.ModeRainbow); err != nil {
		t.Errorf("builtin mode rejected: %v", err)
	}
	c.RegisterProgram("lua:fire", func() (Program, error) { return &rainbowProgram{}, nil })
	if err := c.SetMode("lua:fire"); err != nil {
		t.Errorf("registered scripted mode rejected: %v", err)
	}
}

func TestWriteFailuresForceReconnectAndRecover(t *testing.T) {
	m := transport.NewMock()
	c := startController(t, testConfig(), testPrefs(), m)
	waitFor(t, 2*time.Second, func() bool { return c.Status().Connected }, "connect")

	m.FailWrites(-1, errors.New("att write rejected"))
	for i := 0; i < 3; i++ {
		c.SetColor(light.Color{R: 10, G: 20, B: 30})
	}
	waitFor(t, 2*time.Second, func() bool { return c.State() == StateReconnecting }, "reconnecting state")
	if s := c.Status(); s.Connected || s.Error == "" {
		t.Errorf("reconnecting snapshot %+v, want disconnected with error", s)
	}

	m.FailWrites(0, nil)
	waitFor(t, 4*time.Second, func() bool { return c.Status().Connected }, "recovery")
	if m.ConnectCount() < 2 {
		t.Errorf("connect count %d, want a second connection", m.ConnectCount())
	}
	if s := c.Status(); s.Error != "" {
		t.Errorf("error %q survived successful reconnect", s.Error)
	}
}

func TestScanTimeoutEntersReconnecting(t *testing.T) {
	m := transport.NewMock()
	m.FailScan(transport.ErrScanTimeout)
	c := startController(t, testConfig(), testPrefs(), m)

	waitFor(t, 2*time.Second, func() bool { return c.State() == StateReconnecting }, "reconnecting state")
	if got := c.Status().Error; got != "gatt connection timeout" {
		t.Errorf("status error %q, want timeout label", got)
	}

	m.FailScan(nil)
	waitFor(t, 4*time.Second, func() bool { return c.Status().Connected }, "connect after scan recovers")
	if m.ScanCount() < 2 {
		t.Errorf("scan count %d, want retries", m.ScanCount())
	}
}

func TestUnknownProtocolHintFailsFast(t *testing.T) {
	m := transport.NewMock()
	cfg := testConfig()
	cfg.Device.Protocol = "nonexistent"
	c := startController(t, cfg, testPrefs(), m)

	waitFor(t, 2*time.Second, func() bool { return c.State() == StateFailed }, "failed state")
	if m.ConnectCount() != 0 {
		t.Errorf("connected %d times with an unknown protocol hint", m.ConnectCount())
	}
	if m.ScanCount() != 1 {
		t.Errorf("scan count %d, want 1 (no retries on fatal error)", m.ScanCount())
	}

	// Failed releases the goroutine, so a fresh Start must be accepted.
	if err := c.Start(context.Background()); err != nil {
		t.Fatalf("restart after failed: %v", err)
	}
	waitFor(t, 2*time.Second, func() bool { return c.State() == StateFailed }, "failed again")
}

func TestUnmatchedFingerprintFails(t *testing.T) {
	m := transport.NewMock()
	m.SetAdvertisement(transport.Advertisement{
		Address: "AA:BB:CC:DD:EE:FF",
		Name:    "JBL Speaker",
		RSSI:    -40,
	})
	cfg := testConfig()
	cfg.Device.Address = "AA:BB:CC:DD:EE:FF"
	c := startController(t, cfg, testPrefs(), m)

	waitFor(t, 2*time.Second, func() bool { return c.State() == StateFailed }, "failed state")
	if m.ConnectCount() != 0 {
		t.Errorf("connected %d times to an unmatched device", m.ConnectCount())
	}
	if got := c.Status().Error; got == "" {
		t.Error("no error reported for unmatched device")
	}
}

func TestAutoReconnectOffGoesFailed(t *testing.T) {
	m := transport.NewMock()
	m.FailScan(errors.New("hci adapter busy"))
	prefs := testPrefs()
	prefs.AutoReconnect = false
	c := startController(t, testConfig(), prefs, m)

	waitFor(t, 2*time.Second, func() bool { return c.State() == StateFailed }, "failed state")
	if m.ScanCount() != 1 {
		t.Errorf("scan count %d, want no retries with auto-reconnect off", m.ScanCount())
	}
}

func TestStopIsIdempotentAndDiscardsCommands(t *testing.T) {
	m := transport.NewMock()
	c := startController(t, testConfig(), testPrefs(), m)
	waitFor(t, 2*time.Second, func() bool { return c.Status().Connected }, "connect")

	c.Stop()
	if c.State() != StateIdle {
		t.Errorf("state after stop %v, want idle", c.State())
	}
	if c.Status().Connected {
		t.Error("still connected after stop")
	}
	if m.CloseCount() != 1 {
		t.Errorf("close count %d, want 1", m.CloseCount())
	}

	before := len(m.Writes())
	c.SetColor(light.Color{R: 9, G: 9, B: 9})
	time.Sleep(50 * time.Millisecond)
	if len(m.Writes()) != before {
		t.Error("write happened after stop")
	}
	if got := c.Preferences().Color; got != (light.Color{R: 9, G: 9, B: 9}) {
		t.Errorf("preferences lost offline color change: %+v", got)
	}

	c.Stop()
}

func TestBreathAnimationStreamsFrames(t *testing.T) {
	m := transport.NewMock()
	prefs := testPrefs()
	prefs.Mode = light.ModeBreath
	c := startController(t, testConfig(), prefs, m)

	waitFor(t, 2*time.Second, func() bool { return len(m.Writes()) >= 5 }, "animation frames")
	if got := c.Status().Mode; got != light.ModeBreath {
		t.Errorf("status mode %q, want breath", got)
	}

	writes := m.Writes()
	distinct := map[string]bool{}
	for _, w := range writes[1:] {
		distinct[string(w.Frame)] = true
	}
	if len(distinct) < 2 {
		t.Error("animation frames do not change over time")
	}
}

func TestRainbowToManualSettlesOnColor(t *testing.T) {
	m := transport.NewMock()
	ref := elkRef(t)
	prefs := testPrefs()
	prefs.Mode = light.ModeRainbow
	c := startController(t, testConfig(), prefs, m)
	waitFor(t, 2*time.Second, func() bool { return len(m.Writes()) >= 2 }, "rainbow frames")

	// Recorded while animating, written on the switch back to manual.
	// No rainbow hue can produce this frame: full-saturation steps
	// always carry a 255 channel.
	c.SetColor(light.Color{R: 10, G: 20, B: 30})
	if err := c.SetMode(light.ModeManual); err != nil {
		t.Fatalf("set mode: %v", err)
	}
	want := ref.EncodeColor(10, 20, 30, 0x10)
	waitFor(t, time.Second, func() bool {
		last, ok := m.LastWrite()
		return ok && frameEqual(last.Frame, want)
	}, "manual color write")

	// A rainbow step is 500ms; a surviving program would land a hue
	// frame inside this window.
	before := len(m.Writes())
	time.Sleep(700 * time.Millisecond)
	if got := len(m.Writes()); got != before {
		t.Errorf("%d writes after leaving rainbow, want none", got-before)
	}
	if got := c.Status().Mode; got != light.ModeManual {
		t.Errorf("status mode %q, want manual", got)
	}
}

func TestAnimationSurvivesTransientFailures(t *testing.T) {
	m := transport.NewMock()
	prefs := testPrefs()
	prefs.Mode = light.ModeRainbow
	c := startController(t, testConfig(), prefs, m)
	waitFor(t, 2*time.Second, func() bool { return len(m.Writes()) >= 2 }, "first frames")

	m.FailWrites(2, errors.New("gatt operation timeout"))
	before := len(m.Writes())
	waitFor(t, 3*time.Second, func() bool { return len(m.Writes()) > before }, "frames after failures")

	if c.State() != StateConnected {
		t.Errorf("state %v after two transient failures, want connected", c.State())
	}
	if m.ConnectCount() != 1 {
		t.Errorf("connect count %d, want the original connection to survive", m.ConnectCount())
	}
}

func TestRSSIPollUpdatesStatus(t *testing.T) {
	m := transport.NewMock()
	c := startController(t, testConfig(), testPrefs(), m)
	waitFor(t, 2*time.Second, func() bool { return c.Status().Connected }, "connect")

	m.SetRSSI(-42)
	waitFor(t, time.Second, func() bool { return c.Status().RSSI == -42 }, "rssi update")

	// Poll failures are non-fatal: the link stays up with the last value.
	m.FailRSSI(errors.New("rssi read unsupported"))
	time.Sleep(100 * time.Millisecond)
	if !c.Status().Connected {
		t.Error("rssi failure dropped the link")
	}
	if c.Status().RSSI != -42 {
		t.Errorf("rssi %d, want retained -42", c.Status().RSSI)
	}
}
