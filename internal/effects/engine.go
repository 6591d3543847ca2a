//go:build !no_effects

package effects

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"
	"sync"
	"time"

	"blelink/internal/controller"
	"blelink/internal/light"

	lua "github.com/yuin/gopher-lua"
)

const (
	defaultFrameInterval = 50 * time.Millisecond
	loadTimeout          = 5 * time.Second
	frameBudget          = time.Second
)

// Effect describes one loaded script.
type Effect struct {
	Name     string
	Path     string
	Interval time.Duration
}

// Registrar registers animation factories under mode names. Satisfied
// by *controller.Controller.
type Registrar interface {
	RegisterProgram(mode light.ColorMode, factory controller.ProgramFactory)
}

type scriptEffect struct {
	Effect
	source string
}

// Engine loads .lua effect scripts and turns each into an animation
// program selectable as mode "lua:<name>".
//
// A script defines frame(t) returning r, g, b for elapsed seconds t,
// and may define interval() returning the frame period in milliseconds
// (default 50) and a NAME global overriding the filename stem.
type Engine struct {
	dir    string
	logger *slog.Logger

	mu      sync.Mutex
	scripts map[string]*scriptEffect
}

// NewEngine creates an engine reading scripts from dir.
func NewEngine(dir string, logger *slog.Logger) *Engine {
	if logger == nil {
		logger = slog.Default()
	}
	return &Engine{
		dir:     dir,
		logger:  logger.With("component", "effects"),
		scripts: make(map[string]*scriptEffect),
	}
}

// Load parses every .lua file in the effects directory. Scripts that
// fail to run or lack a frame() function are skipped with a warning;
// a missing directory simply means no effects.
func (e *Engine) Load() error {
	entries, err := os.ReadDir(e.dir)
	if err != nil {
		if os.IsNotExist(err) {
			e.logger.Info("no effects directory", "dir", e.dir)
			return nil
		}
		return fmt.Errorf("read effects dir: %w", err)
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".lua") {
			continue
		}
		s, err := loadScript(filepath.Join(e.dir, entry.Name()))
		if err != nil {
			e.logger.Warn("effect disabled", "file", entry.Name(), "error", err)
			continue
		}
		if _, dup := e.scripts[s.Name]; dup {
			e.logger.Warn("duplicate effect name, keeping first", "name", s.Name, "file", entry.Name())
			continue
		}
		e.scripts[s.Name] = s
		e.logger.Info("effect loaded", "name", s.Name, "interval", s.Interval)
	}
	return nil
}

// Register wires every loaded effect into reg and returns how many
// were registered.
func (e *Engine) Register(reg Registrar) int {
	e.mu.Lock()
	defer e.mu.Unlock()
	for _, s := range e.scripts {
		mode := light.ColorMode(light.ScriptModePrefix + s.Name)
		reg.RegisterProgram(mode, newProgramFactory(s.Name, s.source, s.Interval))
	}
	return len(e.scripts)
}

// Effects lists loaded effects sorted by name.
func (e *Engine) Effects() []Effect {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]Effect, 0, len(e.scripts))
	for _, s := range e.scripts {
		out = append(out, s.Effect)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// loadScript runs a script once in a throwaway sandbox to validate it
// and read NAME and interval(). The interval read here is fixed for
// the script's lifetime.
func loadScript(path string) (*scriptEffect, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	source := string(data)

	ctx, cancel := context.WithTimeout(context.Background(), loadTimeout)
	defer cancel()
	L := newSandbox()
	defer L.Close()
	L.SetContext(ctx)

	if err := L.DoString(source); err != nil {
		return nil, fmt.Errorf("execute: %w", err)
	}
	if _, ok := L.GetGlobal("frame").(*lua.LFunction); !ok {
		return nil, fmt.Errorf("no frame(t) function")
	}

	name := strings.TrimSuffix(filepath.Base(path), ".lua")
	if s, ok := L.GetGlobal("NAME").(lua.LString); ok && string(s) != "" {
		name = string(s)
	}
	name = normalizeName(name)
	if name == "" {
		return nil, fmt.Errorf("empty effect name")
	}

	interval := defaultFrameInterval
	if fn, ok := L.GetGlobal("interval").(*lua.LFunction); ok {
		if err := L.CallByParam(lua.P{Fn: fn, NRet: 1, Protect: true}); err != nil {
			return nil, fmt.Errorf("interval(): %w", err)
		}
		if n, ok := L.Get(-1).(lua.LNumber); ok && n > 0 {
			interval = time.Duration(float64(n) * float64(time.Millisecond))
		}
		L.Pop(1)
	}

	return &scriptEffect{
		Effect: Effect{Name: name, Path: path, Interval: interval},
		source: source,
	}, nil
}

// newProgramFactory builds a factory that spins up a fresh sandboxed
// VM per activation, so state from a previous run never leaks in.
func newProgramFactory(name, source string, interval time.Duration) controller.ProgramFactory {
	return func() (controller.Program, error) {
		L := newSandbox()
		ctx, cancel := context.WithTimeout(context.Background(), loadTimeout)
		L.SetContext(ctx)
		err := L.DoString(source)
		cancel()
		L.RemoveContext()
		if err != nil {
			L.Close()
			return nil, fmt.Errorf("effect %s: %w", name, err)
		}
		fn, ok := L.GetGlobal("frame").(*lua.LFunction)
		if !ok {
			L.Close()
			return nil, fmt.Errorf("effect %s: no frame(t) function", name)
		}
		return &luaProgram{
			name:     name,
			state:    L,
			frame:    fn,
			interval: interval,
			start:    time.Now(),
		}, nil
	}
}

// luaProgram adapts one script VM to the controller's Program
// interface. All calls happen on the controller's session goroutine;
// the VM needs no extra locking.
type luaProgram struct {
	name     string
	state    *lua.LState
	frame    *lua.LFunction
	interval time.Duration
	start    time.Time
}

func (p *luaProgram) Interval() time.Duration { return p.interval }

func (p *luaProgram) Next(now time.Time) (light.Color, error) {
	t := now.Sub(p.start).Seconds()

	// Each frame gets a fresh deadline so a runaway script cannot hang
	// the session goroutine.
	ctx, cancel := context.WithTimeout(context.Background(), frameBudget)
	defer cancel()
	p.state.SetContext(ctx)

	if err := p.state.CallByParam(lua.P{Fn: p.frame, NRet: 3, Protect: true}, lua.LNumber(t)); err != nil {
		return light.Color{}, fmt.Errorf("effect %s: %w", p.name, err)
	}
	vals := []lua.LValue{p.state.Get(-3), p.state.Get(-2), p.state.Get(-1)}
	p.state.Pop(3)

	var ch [3]uint8
	for i, v := range vals {
		n, ok := v.(lua.LNumber)
		if !ok {
			return light.Color{}, fmt.Errorf("effect %s: frame() returned %s, want three numbers", p.name, v.Type())
		}
		ch[i] = clampChannel(float64(n))
	}
	return light.Color{R: ch[0], G: ch[1], B: ch[2]}, nil
}

func (p *luaProgram) Close() error {
	p.state.Close()
	return nil
}

func clampChannel(v float64) uint8 {
	if v <= 0 {
		return 0
	}
	if v >= 255 {
		return 255
	}
	return uint8(math.Round(v))
}

// newSandbox opens a Lua state with the filesystem and process
// facilities removed. Scripts keep math, string and table.
func newSandbox() *lua.LState {
	L := lua.NewState(lua.Options{SkipOpenLibs: false})
	L.SetGlobal("os", lua.LNil)
	L.SetGlobal("io", lua.LNil)
	L.SetGlobal("loadfile", lua.LNil)
	L.SetGlobal("dofile", lua.LNil)
	L.SetGlobal("require", lua.LNil)
	L.SetGlobal("load", lua.LNil)
	L.SetGlobal("debug", lua.LNil)
	L.SetGlobal("package", lua.LNil)
	return L
}

var nameRe = regexp.MustCompile(`[^a-z0-9_-]+`)

// normalizeName lowercases an effect name and strips characters that
// cannot appear in a mode string.
func normalizeName(s string) string {
	s = strings.ToLower(strings.TrimSpace(s))
	s = nameRe.ReplaceAllString(s, "_")
	return strings.Trim(s, "_")
}
