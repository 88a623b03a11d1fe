// package command implements the gcode command surface of spec.md §6:
// it validates arguments the way the original plugin's cmd_ACE_* methods
// do and delegates to the transport, the tool-change orchestrator, the
// endless-spool monitor, and the inventory store. The real gcode
// dispatcher is out of scope, so Surface exposes a small Dispatch entry
// point a host can wire to its own command registry.
package command

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/xiami1988/ace-core/frame"
	"github.com/xiami1988/ace-core/inventory"
	"github.com/xiami1988/ace-core/printerhost"
	"github.com/xiami1988/ace-core/reactor"
	"github.com/xiami1988/ace-core/status"
)

// Device is the subset of transport.Transport the command surface needs
// directly (dryer and feed-assist/feed/retract send raw requests rather
// than going through the orchestrator).
type Device interface {
	Status() (status.Status, bool)
	Send(method string, params any, cb func(frame.Response))
}

// Toolchanger is the subset of *toolchange.Orchestrator the surface
// drives ACE_CHANGE_TOOL and ACE_CHANGE_SPOOL through.
type Toolchanger interface {
	ChangeTool(ctx context.Context, target int) error
	CurrentIndex() int
}

// EndlessSpool is the subset of *endless.Monitor the surface drives
// ACE_ENABLE_ENDLESS_SPOOL/ACE_DISABLE_ENDLESS_SPOOL/ACE_ENDLESS_SPOOL_STATUS
// through.
type EndlessSpool interface {
	Enabled() bool
	SetEnabled(bool)
	RunoutDetected() bool
	InProgress() bool
}

// Config carries spec.md §6's configurable defaults.
type Config struct {
	FeedSpeed        float64
	RetractSpeed     float64
	BowdenTubeLength float64
	MaxDryerTemp     int
	RequestTimeout   time.Duration
}

// DefaultConfig returns spec.md §6's documented defaults.
func DefaultConfig() Config {
	return Config{
		FeedSpeed:        50,
		RetractSpeed:     50,
		BowdenTubeLength: 1000,
		MaxDryerTemp:     55,
		RequestTimeout:   5 * time.Second,
	}
}

// Surface is the registered command table of spec.md §6, a direct
// translation of ace.py's cmd_ACE_* family.
type Surface struct {
	cfg     Config
	dev     Device
	tc      Toolchanger
	endless EndlessSpool
	inv     *inventory.Store
	scripts printerhost.Scripts

	extruderSwitch  printerhost.Switch
	extruderEndstop printerhost.Switch

	feedAssistIndex int
}

// New builds a Surface. extruderSwitch and extruderEndstop are the two
// views of the extruder filament sensor (the debounced logical flag and
// the direct endstop query) that ACE_TEST_RUNOUT_SENSOR reports; both
// are read directly, not polled.
func New(cfg Config, dev Device, tc Toolchanger, es EndlessSpool, inv *inventory.Store, scripts printerhost.Scripts, extruderSwitch, extruderEndstop printerhost.Switch) *Surface {
	return &Surface{
		cfg:             cfg,
		dev:             dev,
		tc:              tc,
		endless:         es,
		inv:             inv,
		scripts:         scripts,
		extruderSwitch:  extruderSwitch,
		extruderEndstop: extruderEndstop,
		feedAssistIndex: -1,
	}
}

// ErrBadArgument is wrapped by every validation failure, mirroring the
// original's gcmd.error on malformed command lines.
var ErrBadArgument = errors.New("command: bad argument")

// Dispatch runs the named command with its gcode-style KEY=VALUE
// arguments, returning the text a host would relay via respond_info.
func (s *Surface) Dispatch(ctx context.Context, name string, args map[string]string) (string, error) {
	switch name {
	case "ACE_START_DRYING":
		return s.startDrying(ctx, args)
	case "ACE_STOP_DRYING":
		return s.stopDrying(ctx)
	case "ACE_ENABLE_FEED_ASSIST":
		return s.enableFeedAssist(ctx, args)
	case "ACE_DISABLE_FEED_ASSIST":
		return s.disableFeedAssist(ctx, args)
	case "ACE_FEED":
		return s.feed(ctx, args)
	case "ACE_RETRACT":
		return s.retract(ctx, args)
	case "ACE_CHANGE_TOOL":
		return s.changeTool(ctx, args)
	case "ACE_CHANGE_SPOOL":
		return s.changeSpool(ctx, args)
	case "ACE_SET_SLOT":
		return s.setSlot(args)
	case "ACE_QUERY_SLOTS":
		return s.querySlots()
	case "ACE_ENABLE_ENDLESS_SPOOL":
		return s.enableEndlessSpool()
	case "ACE_DISABLE_ENDLESS_SPOOL":
		return s.disableEndlessSpool()
	case "ACE_ENDLESS_SPOOL_STATUS":
		return s.endlessSpoolStatus()
	case "ACE_GET_CURRENT_INDEX":
		return strconv.Itoa(s.tc.CurrentIndex()), nil
	case "ACE_SAVE_INVENTORY":
		return "inventory saved", s.inv.Save()
	case "ACE_TEST_RUNOUT_SENSOR":
		return s.testRunoutSensor(), nil
	case "ACE_DEBUG":
		return s.debug(ctx, args)
	default:
		return "", fmt.Errorf("command: unknown command %q", name)
	}
}

func getInt(args map[string]string, key string, def int, required bool) (int, error) {
	v, ok := args[key]
	if !ok {
		if required {
			return 0, fmt.Errorf("%w: %s required", ErrBadArgument, key)
		}
		return def, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("%w: %s must be an integer", ErrBadArgument, key)
	}
	return n, nil
}

func (s *Surface) startDrying(ctx context.Context, args map[string]string) (string, error) {
	temp, err := getInt(args, "TEMP", 0, true)
	if err != nil {
		return "", err
	}
	duration, err := getInt(args, "DURATION", 240, false)
	if err != nil {
		return "", err
	}
	if duration <= 0 {
		return "", fmt.Errorf("%w: bad duration", ErrBadArgument)
	}
	if temp <= 0 || temp > s.cfg.MaxDryerTemp {
		return "", fmt.Errorf("%w: bad temperature", ErrBadArgument)
	}
	params := struct {
		Temp     int `json:"temp"`
		FanSpeed int `json:"fan_speed"`
		Duration int `json:"duration"`
	}{temp, 7000, duration}
	if _, err := s.call(ctx, "drying", params); err != nil {
		return "", err
	}
	return "drying started", nil
}

func (s *Surface) stopDrying(ctx context.Context) (string, error) {
	if _, err := s.call(ctx, "drying_stop", nil); err != nil {
		return "", err
	}
	return "drying stopped", nil
}

// enableFeedAssist issues start_feed_assist and dwells 0.7s, the motor
// engagement time spec.md §4.8 requires after this primitive (spec.md
// §5 lists "any dwell after a serial send" as a suspension point;
// reactor.Sleep parks this call's goroutine for it without blocking the
// reactor goroutine servicing the transport).
func (s *Surface) enableFeedAssist(ctx context.Context, args map[string]string) (string, error) {
	index, err := getInt(args, "INDEX", 0, true)
	if err != nil {
		return "", err
	}
	if index < 0 || index >= 4 {
		return "", fmt.Errorf("%w: bad index", ErrBadArgument)
	}
	if _, err := s.call(ctx, "start_feed_assist", struct {
		Index int `json:"index"`
	}{index}); err != nil {
		return "", err
	}
	s.feedAssistIndex = index
	if err := reactor.Sleep(ctx, 700*time.Millisecond); err != nil {
		return "", err
	}
	return "feed assist enabled", nil
}

// disableFeedAssist issues stop_feed_assist and dwells 0.3s per spec.md
// §4.8.
func (s *Surface) disableFeedAssist(ctx context.Context, args map[string]string) (string, error) {
	index, err := getInt(args, "INDEX", s.feedAssistIndex, s.feedAssistIndex == -1)
	if err != nil {
		return "", err
	}
	if index < 0 || index >= 4 {
		return "", fmt.Errorf("%w: bad index", ErrBadArgument)
	}
	if _, err := s.call(ctx, "stop_feed_assist", struct {
		Index int `json:"index"`
	}{index}); err != nil {
		return "", err
	}
	s.feedAssistIndex = -1
	if err := reactor.Sleep(ctx, 300*time.Millisecond); err != nil {
		return "", err
	}
	return "feed assist disabled", nil
}

func (s *Surface) feed(ctx context.Context, args map[string]string) (string, error) {
	index, length, speed, err := s.moveArgs(args, s.cfg.FeedSpeed)
	if err != nil {
		return "", err
	}
	if _, err := s.call(ctx, "feed_filament", moveParams(index, length, speed)); err != nil {
		return "", err
	}
	if err := reactor.Sleep(ctx, moveDwell(float64(length), float64(speed))); err != nil {
		return "", err
	}
	return "fed", nil
}

func (s *Surface) retract(ctx context.Context, args map[string]string) (string, error) {
	index, length, speed, err := s.moveArgs(args, s.cfg.RetractSpeed)
	if err != nil {
		return "", err
	}
	if _, err := s.call(ctx, "unwind_filament", moveParams(index, length, speed)); err != nil {
		return "", err
	}
	if err := reactor.Sleep(ctx, moveDwell(float64(length), float64(speed))); err != nil {
		return "", err
	}
	return "retracted", nil
}

// moveDwell is the length/speed + 0.1s dwell spec.md §4.8 requires
// after feed_filament/unwind_filament.
func moveDwell(length, speed float64) time.Duration {
	return time.Duration((length/speed + 0.1) * float64(time.Second))
}

func (s *Surface) moveArgs(args map[string]string, defaultSpeed float64) (index, length, speed int, err error) {
	index, err = getInt(args, "INDEX", 0, true)
	if err != nil {
		return
	}
	length, err = getInt(args, "LENGTH", 0, true)
	if err != nil {
		return
	}
	speed, err = getInt(args, "SPEED", int(defaultSpeed), false)
	if err != nil {
		return
	}
	if index < 0 || index >= 4 {
		err = fmt.Errorf("%w: bad index", ErrBadArgument)
		return
	}
	if length <= 0 {
		err = fmt.Errorf("%w: bad length", ErrBadArgument)
		return
	}
	if speed <= 0 {
		err = fmt.Errorf("%w: bad speed", ErrBadArgument)
	}
	return
}

func moveParams(index, length, speed int) any {
	return struct {
		Index  int `json:"index"`
		Length int `json:"length"`
		Speed  int `json:"speed"`
	}{index, length, speed}
}

func (s *Surface) changeTool(ctx context.Context, args map[string]string) (string, error) {
	target, err := getInt(args, "TOOL", 0, true)
	if err != nil {
		return "", err
	}
	if target < -1 || target > 3 {
		return "", fmt.Errorf("%w: bad tool", ErrBadArgument)
	}
	if err := s.tc.ChangeTool(ctx, target); err != nil {
		return "", err
	}
	return "tool changed", nil
}

// changeSpool is change_spool(index): unload first if index is
// currently loaded, then retract any filament already staged for it.
func (s *Surface) changeSpool(ctx context.Context, args map[string]string) (string, error) {
	index, err := getInt(args, "INDEX", 0, true)
	if err != nil {
		return "", err
	}
	if index < 0 || index >= 4 {
		return "", fmt.Errorf("%w: bad index", ErrBadArgument)
	}

	if s.tc.CurrentIndex() == index {
		if err := s.tc.ChangeTool(ctx, -1); err != nil {
			return "", err
		}
	}

	st, _ := s.dev.Status()
	deviceEmpty := index < len(st.Slots) && st.Slots[index].Status == "empty"
	slot, err := s.inv.Slot(index)
	if err != nil {
		return "", err
	}
	invEmpty := slot.Status == inventory.Empty

	if deviceEmpty && invEmpty {
		return fmt.Sprintf("slot %d already empty, nothing to retract", index), nil
	}
	if _, err := s.call(ctx, "unwind_filament", moveParams(index, int(s.cfg.BowdenTubeLength), int(s.cfg.RetractSpeed))); err != nil {
		return "", fmt.Errorf("command: retract filament: %w", err)
	}
	if err := reactor.Sleep(ctx, moveDwell(s.cfg.BowdenTubeLength, s.cfg.RetractSpeed)); err != nil {
		return "", err
	}
	return fmt.Sprintf("spool change complete for slot %d", index), nil
}

func (s *Surface) setSlot(args map[string]string) (string, error) {
	index, err := getInt(args, "INDEX", 0, true)
	if err != nil {
		return "", err
	}
	if index < 0 || index >= 4 {
		return "", fmt.Errorf("%w: bad index", ErrBadArgument)
	}
	empty, err := getInt(args, "EMPTY", 0, false)
	if err != nil {
		return "", err
	}
	if empty != 0 {
		if err := s.inv.SetEmpty(index); err != nil {
			return "", err
		}
		return fmt.Sprintf("slot %d set empty", index), nil
	}

	colorStr := args["COLOR"]
	material := args["MATERIAL"]
	temp, err := getInt(args, "TEMP", 0, false)
	if err != nil {
		return "", err
	}
	if colorStr == "" || material == "" || temp <= 0 {
		return "", fmt.Errorf("%w: COLOR, MATERIAL and TEMP required unless EMPTY=1", ErrBadArgument)
	}
	parts := strings.Split(colorStr, ",")
	if len(parts) != 3 {
		return "", fmt.Errorf("%w: COLOR must be R,G,B", ErrBadArgument)
	}
	var color inventory.Color
	for i, p := range parts {
		n, err := strconv.Atoi(strings.TrimSpace(p))
		if err != nil {
			return "", fmt.Errorf("%w: COLOR must be R,G,B", ErrBadArgument)
		}
		color[i] = n
	}
	if err := s.inv.Set(index, color, material, temp); err != nil {
		return "", err
	}
	return fmt.Sprintf("slot %d set: color=%v material=%s temp=%d", index, color, material, temp), nil
}

func (s *Surface) querySlots() (string, error) {
	data, err := json.Marshal(s.inv.Slots())
	if err != nil {
		return "", err
	}
	return string(data), nil
}

func (s *Surface) enableEndlessSpool() (string, error) {
	s.endless.SetEnabled(true)
	return "endless spool enabled", nil
}

func (s *Surface) disableEndlessSpool() (string, error) {
	s.endless.SetEnabled(false)
	return "endless spool disabled", nil
}

func (s *Surface) endlessSpoolStatus() (string, error) {
	enabled := s.endless.Enabled()
	lines := []string{
		fmt.Sprintf("enabled: %v", enabled),
	}
	if enabled {
		lines = append(lines,
			fmt.Sprintf("runout detected: %v", s.endless.RunoutDetected()),
			fmt.Sprintf("in progress: %v", s.endless.InProgress()))
	}
	return strings.Join(lines, "\n"), nil
}

// testRunoutSensor reports both views of the extruder filament sensor:
// the debounced switch flag and the direct endstop query. Runout is
// predicted when either reads false, the same belt-and-braces check the
// endless-spool monitor applies.
func (s *Surface) testRunoutSensor() string {
	present := s.extruderSwitch.Present()
	triggered := s.extruderEndstop.Present()
	wouldTrigger := !present || !triggered
	return fmt.Sprintf(
		"extruder switch present: %v\nextruder endstop triggered: %v\nendless spool enabled: %v\ncurrent tool: %d\nwould trigger runout: %v",
		present, triggered, s.endless.Enabled(), s.tc.CurrentIndex(), wouldTrigger)
}

func (s *Surface) debug(ctx context.Context, args map[string]string) (string, error) {
	method, ok := args["METHOD"]
	if !ok || method == "" {
		return "", fmt.Errorf("%w: METHOD required", ErrBadArgument)
	}
	paramsStr := args["PARAMS"]
	if paramsStr == "" {
		paramsStr = "{}"
	}
	var params any
	if err := json.Unmarshal([]byte(paramsStr), &params); err != nil {
		return "", fmt.Errorf("%w: PARAMS must be valid JSON", ErrBadArgument)
	}
	resp, err := s.call(ctx, method, params)
	if err != nil {
		return "", err
	}
	return string(resp.Result), nil
}

func (s *Surface) call(ctx context.Context, method string, params any) (frame.Response, error) {
	ctx, cancel := context.WithTimeout(ctx, s.cfg.RequestTimeout)
	defer cancel()
	ch := make(chan frame.Response, 1)
	s.dev.Send(method, params, func(resp frame.Response) { ch <- resp })
	select {
	case resp := <-ch:
		if resp.Code != 0 {
			return resp, fmt.Errorf("command: %s: %s", method, resp.Msg)
		}
		return resp, nil
	case <-ctx.Done():
		return frame.Response{}, ctx.Err()
	}
}
