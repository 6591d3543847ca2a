package controller

import (
	"math"
	"time"

	"blelink/internal/light"
)

// Program produces animation frames for the background loop. Next is
// called once per tick and returns the color to send; a non-nil error
// disables the program and drops the light back to manual control.
// A Program that also implements io.Closer is closed when it stops.
type Program interface {
	Interval() time.Duration
	Next(now time.Time) (light.Color, error)
}

// ProgramFactory builds a fresh Program each time its mode is
// activated, so animations always restart from their first frame.
type ProgramFactory func() (Program, error)

const (
	cpuFrameInterval     = 500 * time.Millisecond
	breathFrameInterval  = 50 * time.Millisecond
	rainbowFrameInterval = 500 * time.Millisecond

	breathSteps    = 314
	rainbowHueStep = 15.0
)

// cpuProgram maps a load percentage onto a cool-to-hot gradient.
type cpuProgram struct {
	metric func() float64
	sample func(float64)
}

func (p *cpuProgram) Interval() time.Duration { return cpuFrameInterval }

func (p *cpuProgram) Next(time.Time) (light.Color, error) {
	load := 0.0
	if p.metric != nil {
		load = p.metric()
	}
	if p.sample != nil {
		p.sample(load)
	}
	return gradientColor(load), nil
}

var (
	gradientCool = light.Color{R: 0, G: 200, B: 255}
	gradientWarm = light.Color{R: 138, G: 43, B: 226}
	gradientHot  = light.Color{R: 255, G: 0, B: 0}
)

// gradientColor interpolates cyan -> violet over 0..50% load and
// violet -> red over 50..100%.
func gradientColor(load float64) light.Color {
	if load < 0 {
		load = 0
	}
	if load > 100 {
		load = 100
	}
	if load <= 50 {
		return gradientCool.Lerp(gradientWarm, load/50)
	}
	return gradientWarm.Lerp(gradientHot, (load-50)/50)
}

// breathTable holds one full brightness cycle of the breath effect: the
// base purple scaled by (sin(i/50)+1)/2. With 314 steps the table spans
// exactly one sine period, so the loop wraps without a brightness jump.
var breathTable = makeBreathTable()

func makeBreathTable() []light.Color {
	base := light.Color{R: 160, G: 32, B: 240}
	table := make([]light.Color, breathSteps)
	for i := range table {
		table[i] = base.ApplyBrightness((math.Sin(float64(i)/50) + 1) / 2)
	}
	return table
}

type breathProgram struct {
	step int
}

func (p *breathProgram) Interval() time.Duration { return breathFrameInterval }

func (p *breathProgram) Next(time.Time) (light.Color, error) {
	c := breathTable[p.step]
	p.step = (p.step + 1) % len(breathTable)
	return c, nil
}

// rainbowProgram walks the hue wheel at full saturation.
type rainbowProgram struct {
	hue float64
}

func (p *rainbowProgram) Interval() time.Duration { return rainbowFrameInterval }

func (p *rainbowProgram) Next(time.Time) (light.Color, error) {
	c := light.FromHSV(p.hue, 1, 1)
	p.hue = math.Mod(p.hue+rainbowHueStep, 360)
	return c, nil
}
