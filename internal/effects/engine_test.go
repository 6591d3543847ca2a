//go:build !no_effects

package effects

import (
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"blelink/internal/controller"
	"blelink/internal/light"
)

var _ io.Closer = (*luaProgram)(nil)

func newTestLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

func writeScript(t *testing.T, dir, name, body string) {
	t.Helper()
	if err := os.WriteFile(filepath.Join(dir, name), []byte(body), 0o644); err != nil {
		t.Fatalf("write script: %v", err)
	}
}

type fakeRegistrar struct {
	factories map[light.ColorMode]controller.ProgramFactory
}

func (f *fakeRegistrar) RegisterProgram(mode light.ColorMode, factory controller.ProgramFactory) {
	if f.factories == nil {
		f.factories = make(map[light.ColorMode]controller.ProgramFactory)
	}
	f.factories[mode] = factory
}

func loadEngine(t *testing.T, dir string) *Engine {
	t.Helper()
	e := NewEngine(dir, newTestLogger())
	if err := e.Load(); err != nil {
		t.Fatalf("load: %v", err)
	}
	return e
}

// buildProgram loads a single script and activates its program.
func buildProgram(t *testing.T, body string) *luaProgram {
	t.Helper()
	dir := t.TempDir()
	writeScript(t, dir, "under_test.lua", body)
	e := loadEngine(t, dir)

	reg := &fakeRegistrar{}
	if n := e.Register(reg); n != 1 {
		t.Fatalf("registered %d effects, want 1", n)
	}
	factory := reg.factories[light.ColorMode("lua:under_test")]
	if factory == nil {
		t.Fatal("no factory registered for lua:under_test")
	}
	prog, err := factory()
	if err != nil {
		t.Fatalf("factory: %v", err)
	}
	p := prog.(*luaProgram)
	t.Cleanup(func() { _ = p.Close() })
	return p
}

func TestLoadScriptsFromDirectory(t *testing.T) {
	dir := t.TempDir()
	writeScript(t, dir, "beta.lua", "function frame(t)\n  return 0, 0, 255\nend\n")
	writeScript(t, dir, "alpha.lua", strings.Join([]string{
		`NAME = "Police Lights"`,
		`function interval()`,
		`  return 100`,
		`end`,
		`function frame(t)`,
		`  return 255, 0, 0`,
		`end`,
	}, "\n"))
	writeScript(t, dir, "notes.txt", "not a script")

	e := loadEngine(t, dir)
	effects := e.Effects()
	if len(effects) != 2 {
		t.Fatalf("loaded %d effects, want 2", len(effects))
	}
	if effects[0].Name != "beta" || effects[1].Name != "police_lights" {
		t.Fatalf("effect names = %q, %q", effects[0].Name, effects[1].Name)
	}
	if effects[0].Interval != 50*time.Millisecond {
		t.Errorf("default interval = %v, want 50ms", effects[0].Interval)
	}
	if effects[1].Interval != 100*time.Millisecond {
		t.Errorf("declared interval = %v, want 100ms", effects[1].Interval)
	}
}

func TestLoadSkipsBrokenScripts(t *testing.T) {
	dir := t.TempDir()
	writeScript(t, dir, "syntax.lua", "this is not lua (")
	writeScript(t, dir, "noframe.lua", "x = 1\n")
	writeScript(t, dir, "sandbox.lua", `os.remove("x")`+"\nfunction frame(t) return 0,0,0 end\n")
	writeScript(t, dir, "good.lua", "function frame(t)\n  return 1, 2, 3\nend\n")

	e := loadEngine(t, dir)
	effects := e.Effects()
	if len(effects) != 1 || effects[0].Name != "good" {
		t.Fatalf("effects = %+v, want only good", effects)
	}
}

func TestLoadMissingDirectory(t *testing.T) {
	e := NewEngine(filepath.Join(t.TempDir(), "nope"), newTestLogger())
	if err := e.Load(); err != nil {
		t.Fatalf("missing directory should not error, got %v", err)
	}
	if got := e.Effects(); len(got) != 0 {
		t.Fatalf("effects = %+v, want none", got)
	}
}

func TestDuplicateNameKeepsFirst(t *testing.T) {
	dir := t.TempDir()
	writeScript(t, dir, "a.lua", `NAME = "same"`+"\nfunction frame(t) return 1,1,1 end\n")
	writeScript(t, dir, "b.lua", `NAME = "same"`+"\nfunction frame(t) return 2,2,2 end\n")

	e := loadEngine(t, dir)
	if got := e.Effects(); len(got) != 1 {
		t.Fatalf("loaded %d effects, want 1", len(got))
	}
}

func TestFrameEvaluation(t *testing.T) {
	p := buildProgram(t, "function frame(t)\n  return t * 10, 300, -4.2\nend\n")

	now := time.Now()
	p.start = now.Add(-2 * time.Second)

	c, err := p.Next(now)
	if err != nil {
		t.Fatalf("next: %v", err)
	}
	// t=2 -> r=20; g clamps down from 300, b clamps up from -4.2.
	want := light.Color{R: 20, G: 255, B: 0}
	if c != want {
		t.Fatalf("frame color = %v, want %v", c, want)
	}
}

func TestFrameRounding(t *testing.T) {
	p := buildProgram(t, "function frame(t)\n  return 12.7, 0.4, 254.5\nend\n")

	c, err := p.Next(time.Now())
	if err != nil {
		t.Fatalf("next: %v", err)
	}
	want := light.Color{R: 13, G: 0, B: 255}
	if c != want {
		t.Fatalf("frame color = %v, want %v", c, want)
	}
}

func TestFrameRuntimeErrorSurfaces(t *testing.T) {
	p := buildProgram(t, `function frame(t) error("boom") end`)

	if _, err := p.Next(time.Now()); err == nil || !strings.Contains(err.Error(), "boom") {
		t.Fatalf("next error = %v, want boom", err)
	}
}

func TestFrameNonNumberReturn(t *testing.T) {
	p := buildProgram(t, `function frame(t) return "red", 0, 0 end`)

	if _, err := p.Next(time.Now()); err == nil || !strings.Contains(err.Error(), "three numbers") {
		t.Fatalf("next error = %v, want three-numbers complaint", err)
	}
}

func TestFreshStatePerActivation(t *testing.T) {
	dir := t.TempDir()
	writeScript(t, dir, "counter.lua", strings.Join([]string{
		`n = 0`,
		`function frame(t)`,
		`  n = n + 1`,
		`  return n, 0, 0`,
		`end`,
	}, "\n"))
	e := loadEngine(t, dir)
	reg := &fakeRegistrar{}
	e.Register(reg)
	factory := reg.factories[light.ColorMode("lua:counter")]

	for run := 0; run < 2; run++ {
		prog, err := factory()
		if err != nil {
			t.Fatalf("factory run %d: %v", run, err)
		}
		c, err := prog.Next(time.Now())
		if err != nil {
			t.Fatalf("next run %d: %v", run, err)
		}
		if c.R != 1 {
			t.Fatalf("run %d first frame R = %d, want 1 (state leaked)", run, c.R)
		}
		_ = prog.(*luaProgram).Close()
	}
}

func TestNormalizeName(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"Police Lights", "police_lights"},
		{"  fire  ", "fire"},
		{"UPPER", "upper"},
		{"dots.and/slashes", "dots_and_slashes"},
		{"___", ""},
	}
	for _, tt := range tests {
		if got := normalizeName(tt.in); got != tt.want {
			t.Errorf("normalizeName(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}
