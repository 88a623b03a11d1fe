// command acectl is a standalone harness for the ACE core: it wires a
// transport (a real serial device or the acesim simulator), the
// tool-change orchestrator, the endless-spool monitor, the inventory
// store, and the gcode command surface together, then drives them from
// a line-oriented REPL. It exists for manual testing and as a runnable
// example of how a gcode host would embed this module, the same role
// cmd/cli and cmd/controller play for the teacher's engraver.
package main

import (
	"bufio"
	"context"
	"flag"
	"fmt"
	"io"
	"log"
	"os"
	"strings"

	"github.com/xiami1988/ace-core/acesim"
	"github.com/xiami1988/ace-core/command"
	"github.com/xiami1988/ace-core/endless"
	"github.com/xiami1988/ace-core/frame"
	"github.com/xiami1988/ace-core/inventory"
	"github.com/xiami1988/ace-core/persist"
	"github.com/xiami1988/ace-core/printerhost"
	"github.com/xiami1988/ace-core/reactor"
	"github.com/xiami1988/ace-core/toolchange"
	"github.com/xiami1988/ace-core/transport"
)

var (
	serialDev      = flag.String("serial", "", "serial device path; empty discovers one via -port-match")
	baud           = flag.Int("baud", 115200, "serial baud rate")
	portMatch      = flag.String("port-match", "ACE", "substring matched against a port's description during discovery")
	dbPath         = flag.String("db", "", "path to the persistent variable store; empty uses an in-memory store")
	useSim         = flag.Bool("sim", false, "talk to the built-in acesim simulator instead of a real serial port")
	extruderPin    = flag.String("extruder-pin", "", "GPIO pin name for the extruder filament switch; empty uses a manually toggled stub")
	toolheadPin    = flag.String("toolhead-pin", "", "GPIO pin name for the toolhead filament switch; empty uses a manually toggled stub")
	invertExtruder = flag.Bool("invert-extruder", false, "the extruder switch reads low when filament is present")
	invertToolhead = flag.Bool("invert-toolhead", false, "the toolhead switch reads low when filament is present")

	feedSpeed        = flag.Float64("feed-speed", 50, "default feed speed, mm/s")
	retractSpeed     = flag.Float64("retract-speed", 50, "default retract speed, mm/s")
	retractLength    = flag.Float64("toolchange-retract-length", 150, "retract length during a tool change, mm")
	loadLength       = flag.Float64("toolchange-load-length", 630, "feed length during a tool change, mm")
	sensorToNozzle   = flag.Float64("toolhead-sensor-to-nozzle", 0, "distance from the toolhead switch to the nozzle tip, mm")
	bowdenTubeLength = flag.Float64("bowden-tube-length", 1000, "bowden tube length, mm")
	maxDryerTemp     = flag.Int("max-dryer-temp", 55, "maximum dryer temperature, degrees C")
	endlessSpool     = flag.Bool("endless-spool", false, "enable endless spool by default when nothing has been persisted")
)

func main() {
	log.SetFlags(0)
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "acectl: %v\n", err)
		os.Exit(1)
	}
}

// toggleSwitch is a printerhost.Switch the REPL can flip by hand, for
// driving the orchestrator's sensor-wait loops without real GPIO.
type toggleSwitch struct {
	name    string
	present bool
}

func (s *toggleSwitch) Present() bool { return s.present }

func run() error {
	var kv persist.KV
	if *dbPath != "" {
		store, err := persist.Open(*dbPath)
		if err != nil {
			return fmt.Errorf("open persistent store: %w", err)
		}
		defer store.Close()
		kv = store
	} else {
		kv = persist.NewMemStore()
	}

	rt := reactor.New()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var sim *acesim.Sim
	cfg := transport.DefaultConfig()
	cfg.Path = *serialDev
	cfg.PortMatch = *portMatch
	cfg.Baud = *baud

	var tr *transport.Transport
	if *useSim {
		var peer io.ReadWriteCloser
		sim, peer = acesim.New()
		tr = transport.OpenWithDevice(peer, cfg, rt)
		log.Println("acectl: connected to built-in simulator")
	} else {
		tr = transport.Open(cfg, rt)
		log.Println("acectl: discovering serial device...")
	}

	var extruderSwitch, toolheadSwitch printerhost.Switch
	var extruderEndstop printerhost.Switch
	var extruderToggle, toolheadToggle *toggleSwitch

	if *extruderPin != "" {
		sw, err := printerhost.OpenGPIOSwitch(*extruderPin, *invertExtruder)
		if err != nil {
			return fmt.Errorf("open extruder switch: %w", err)
		}
		extruderSwitch = sw
		extruderEndstop = sw.Endstop()
		log.Printf("acectl: extruder switch on GPIO %q", *extruderPin)
	} else {
		t := &toggleSwitch{name: "extruder"}
		extruderToggle = t
		extruderSwitch = t
		extruderEndstop = t
	}

	if *toolheadPin != "" {
		sw, err := printerhost.OpenGPIOSwitch(*toolheadPin, *invertToolhead)
		if err != nil {
			return fmt.Errorf("open toolhead switch: %w", err)
		}
		toolheadSwitch = sw
		log.Printf("acectl: toolhead switch on GPIO %q", *toolheadPin)
	} else {
		t := &toggleSwitch{name: "toolhead"}
		toolheadToggle = t
		toolheadSwitch = t
	}

	extruder := &printerhost.LoggingExtruder{}
	scripts := &printerhost.LoggingScripts{}

	tcCfg := toolchange.DefaultConfig()
	tcCfg.FeedSpeed = *feedSpeed
	tcCfg.RetractSpeed = *retractSpeed
	tcCfg.ToolchangeRetractLength = *retractLength
	tcCfg.ToolchangeLoadLength = *loadLength
	tcCfg.ToolheadSensorToNozzle = *sensorToNozzle
	tcCfg.BowdenTubeLength = *bowdenTubeLength
	tc, err := toolchange.New(tcCfg, tr, kv, extruder, extruderSwitch, toolheadSwitch, scripts)
	if err != nil {
		return fmt.Errorf("init orchestrator: %w", err)
	}

	inv, err := inventory.Open(kv)
	if err != nil {
		return fmt.Errorf("init inventory: %w", err)
	}

	// The endless-spool monitor reads the extruder switch two ways per
	// spec.md §9 ("shared filament-present reading"): a logical switch
	// flag and a direct endstop query. On real hardware (-extruder-pin)
	// these are GPIOSwitch's debounced Present and its raw Endstop
	// read of the same pin; the manually toggled stub stands in for
	// both when no pin is configured.
	monCfg := endless.DefaultConfig()
	monCfg.ToolchangeLoadLength = *loadLength
	monCfg.RetractSpeed = *retractSpeed
	monCfg.DefaultEnabled = *endlessSpool
	mon, err := endless.Open(rt, tr, inv, kv, extruderSwitch, extruderEndstop, scripts, tc, monCfg)
	if err != nil {
		return fmt.Errorf("init endless-spool monitor: %w", err)
	}
	tc.EndlessSpool = mon

	tr.OnConnect = func() {
		if idx := tc.CurrentIndex(); idx != -1 {
			tr.Send("start_feed_assist", struct {
				Index int `json:"index"`
			}{idx}, func(resp frame.Response) {})
		}
	}

	// The reactor starts only once everything is wired, so the connect
	// loop cannot fire before OnConnect is set. The simulator path is
	// already connected and skips the connect loop; run the re-enable
	// once by hand to keep its startup behavior identical.
	go rt.Run(ctx)
	if *useSim {
		tr.OnConnect()
	}

	surfCfg := command.DefaultConfig()
	surfCfg.FeedSpeed = *feedSpeed
	surfCfg.RetractSpeed = *retractSpeed
	surfCfg.BowdenTubeLength = *bowdenTubeLength
	surfCfg.MaxDryerTemp = *maxDryerTemp
	surf := command.New(surfCfg, tr, tc, mon, inv, scripts, extruderSwitch, extruderEndstop)

	fmt.Println("acectl ready. Type gcode-style commands (ACE_CHANGE_TOOL TOOL=2), or:")
	fmt.Println("  SET_EXTRUDER 0|1   toggle the simulated extruder switch")
	fmt.Println("  SET_TOOLHEAD 0|1   toggle the simulated toolhead switch")
	fmt.Println("  quit")

	scanner := bufio.NewScanner(os.Stdin)
	for {
		fmt.Print("> ")
		if !scanner.Scan() {
			break
		}
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		if line == "quit" || line == "exit" {
			break
		}
		if handled := handleToggle(line, extruderToggle, toolheadToggle); handled {
			continue
		}
		name, args := parseLine(line)
		out, err := surf.Dispatch(context.Background(), name, args)
		if err != nil {
			fmt.Printf("error: %v\n", err)
			continue
		}
		if out != "" {
			fmt.Println(out)
		}
	}
	if sim != nil {
		sim.Close()
	}
	return nil
}

// handleToggle services the REPL's SET_EXTRUDER/SET_TOOLHEAD commands.
// It is a no-op when the corresponding switch is real GPIO hardware
// (extruderToggle/toolheadToggle nil), since that line is read, not set.
func handleToggle(line string, extruderToggle, toolheadToggle *toggleSwitch) bool {
	fields := strings.Fields(line)
	if len(fields) != 2 {
		return false
	}
	var sw *toggleSwitch
	switch fields[0] {
	case "SET_EXTRUDER":
		sw = extruderToggle
	case "SET_TOOLHEAD":
		sw = toolheadToggle
	default:
		return false
	}
	if sw == nil {
		fmt.Println("that switch is backed by real GPIO hardware, not a toggle")
		return true
	}
	sw.present = fields[1] == "1"
	fmt.Printf("%s switch present: %v\n", sw.name, sw.present)
	return true
}

// parseLine splits a gcode-style command line ("ACE_CHANGE_TOOL
// TOOL=2") into its command name and KEY=VALUE argument map.
func parseLine(line string) (string, map[string]string) {
	fields := strings.Fields(line)
	name := fields[0]
	args := make(map[string]string, len(fields)-1)
	for _, f := range fields[1:] {
		k, v, ok := strings.Cut(f, "=")
		if !ok {
			continue
		}
		args[strings.ToUpper(k)] = v
	}
	return name, args
}
