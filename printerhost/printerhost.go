// package printerhost implements the thin facade over the gcode host
// and its GPIO-attached sensors: the two filament-present switches, the
// extruder axis, and the named script/hook runner. The core never talks
// to these primitives directly; it only depends on the interfaces
// declared here, so tests and acesim can substitute simulated versions.
package printerhost

import (
	"fmt"
	"time"

	"periph.io/x/conn/v3/gpio"
	"periph.io/x/conn/v3/gpio/gpioreg"
	"periph.io/x/host/v3"
)

// Switch reports whether filament is currently present at a sensor.
type Switch interface {
	Present() bool
}

// Extruder is the motion interface the orchestrator drives: move the
// extruder axis by length millimeters at speed mm/s (a negative length
// retracts), and resynchronize the host's gcode position tracking after
// motion the gcode layer did not issue itself.
type Extruder interface {
	MoveRelative(length, speed float64) error
	ResetLastPosition() error
}

// Scripts runs a named gcode hook/macro by name, optionally carrying
// key=value parameters (e.g. "FROM", "TO", "INDEX"). The core's
// correctness never depends on what a hook body does, only that the
// call happened.
type Scripts interface {
	Run(name string, params map[string]string) error
}

// PrintStateProbe aggregates the three host readings that decide
// whether a print is currently active: the toolhead's homed axes, the
// print statistics state, and the idle-timeout state. Any probe left
// nil is skipped, matching hosts that lack the corresponding object.
type PrintStateProbe struct {
	HomedAxes  func() string // non-empty means at least one axis is homed
	PrintState func() string // print statistics state, "printing" when active
	IdleState  func() string // idle-timeout state, "Printing" or "Ready" when active
}

// Printing reports whether any of the three readings considers the
// printer active. The endless-spool monitor uses it to pick its poll
// cadence.
func (p *PrintStateProbe) Printing() bool {
	if p.HomedAxes != nil && p.HomedAxes() != "" {
		return true
	}
	if p.PrintState != nil && p.PrintState() == "printing" {
		return true
	}
	if p.IdleState != nil {
		s := p.IdleState()
		if s == "Printing" || s == "Ready" {
			return true
		}
	}
	return false
}

// GPIOSwitch reads a single debounced GPIO line through periph.io,
// mirroring driver/wshat's button-reading pattern: poll WaitForEdge with
// a bounded debounce timeout and only report a reading once it has been
// stable for that long.
type GPIOSwitch struct {
	pin      gpio.PinIO
	inverted bool
	debounce time.Duration

	state bool
}

// OpenGPIOSwitch initializes the periph.io host driver registry (safe to
// call once per process; repeat calls are no-ops after the first) and
// resolves pinName through gpioreg, configuring it as a pulled-up input
// that reports edges. inverted flips the active level, for sensors that
// read low-when-present.
func OpenGPIOSwitch(pinName string, inverted bool) (*GPIOSwitch, error) {
	if _, err := host.Init(); err != nil {
		return nil, fmt.Errorf("printerhost: host init: %w", err)
	}
	pin := gpioreg.ByName(pinName)
	if pin == nil {
		return nil, fmt.Errorf("printerhost: unknown gpio pin %q", pinName)
	}
	if err := pin.In(gpio.PullUp, gpio.BothEdges); err != nil {
		return nil, fmt.Errorf("printerhost: configure pin %q: %w", pinName, err)
	}
	s := &GPIOSwitch{pin: pin, inverted: inverted, debounce: 10 * time.Millisecond}
	s.state = s.read()
	go s.poll()
	return s, nil
}

func (s *GPIOSwitch) read() bool {
	level := s.pin.Read() == gpio.High
	if s.inverted {
		level = !level
	}
	return level
}

func (s *GPIOSwitch) poll() {
	pending := s.state
	for {
		timeout := s.debounce
		if pending == s.state {
			timeout = -1
		}
		if s.pin.WaitForEdge(timeout) {
			pending = s.read()
		} else {
			s.state = pending
		}
	}
}

// Present reports the last debounced reading.
func (s *GPIOSwitch) Present() bool {
	return s.state
}

// Endstop returns a direct, undebounced query of the same pin this
// GPIOSwitch polls. spec.md §9's "shared filament-present reading"
// requires both a logical switch read and a direct endstop read to be
// preserved at their own call sites rather than merged into one; on
// commodity GPIO hardware both reduce to the same physical line, so
// Endstop reads it straight off the pin instead of through the
// debounce loop.
func (s *GPIOSwitch) Endstop() *EndstopSwitch {
	return &EndstopSwitch{pin: s.pin, inverted: s.inverted}
}

// EndstopSwitch is a direct, undebounced read of a GPIO pin, returned
// by GPIOSwitch.Endstop.
type EndstopSwitch struct {
	pin      gpio.PinIO
	inverted bool
}

// Present reports the pin's instantaneous level, satisfying Switch.
func (e *EndstopSwitch) Present() bool {
	level := e.pin.Read() == gpio.High
	if e.inverted {
		level = !level
	}
	return level
}

// LoggingExtruder is a stub Extruder for standalone operation without a
// real gcode host: it records moves and position resets.
type LoggingExtruder struct {
	Moves  []Move
	Resets int
}

// Move is one recorded extruder motion.
type Move struct {
	Length float64
	Speed  float64
}

func (e *LoggingExtruder) MoveRelative(length, speed float64) error {
	e.Moves = append(e.Moves, Move{Length: length, Speed: speed})
	return nil
}

func (e *LoggingExtruder) ResetLastPosition() error {
	e.Resets++
	return nil
}

// LoggingScripts is a stub Scripts runner that records invocations
// instead of dispatching to a real gcode host.
type LoggingScripts struct {
	Calls []ScriptCall
}

// ScriptCall is one recorded hook invocation.
type ScriptCall struct {
	Name   string
	Params map[string]string
}

func (s *LoggingScripts) Run(name string, params map[string]string) error {
	s.Calls = append(s.Calls, ScriptCall{Name: name, Params: params})
	return nil
}
