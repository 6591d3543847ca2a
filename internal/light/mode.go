package light

import (
	"fmt"
	"strings"
)

// ColorMode names a lighting mode. Manual applies the last explicit color
// and stops animating; every other mode names an animation program.
type ColorMode string

const (
	ModeManual  ColorMode = "manual"
	ModeCPU     ColorMode = "cpu"
	ModeBreath  ColorMode = "breath"
	ModeRainbow ColorMode = "rainbow"
)

// ScriptModePrefix marks modes backed by a loaded effect script.
const ScriptModePrefix = "lua:"

// ParseMode parses a mode name case-insensitively. Script modes
// ("lua:<name>") pass through; whether the script exists is checked at
// activation time.
func ParseMode(s string) (ColorMode, error) {
	m := ColorMode(strings.ToLower(strings.TrimSpace(s)))
	switch m {
	case ModeManual, ModeCPU, ModeBreath, ModeRainbow:
		return m, nil
	}
	if m.Scripted() && len(m) > len(ScriptModePrefix) {
		return m, nil
	}
	return "", fmt.Errorf("unknown mode %q", s)
}

// Scripted reports whether the mode is backed by an effect script.
func (m ColorMode) Scripted() bool {
	return strings.HasPrefix(string(m), ScriptModePrefix)
}

// Animated reports whether the mode runs a continuous animation program.
func (m ColorMode) Animated() bool {
	return m != ModeManual && m != ""
}

func (m ColorMode) String() string { return string(m) }
