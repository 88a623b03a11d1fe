// package endless implements the runout-recovery monitor: while
// endless-spool is enabled, it watches the extruder switch during
// prints and transparently switches the loaded slot to the next ready
// one on runout, without pausing for user intervention unless no slot
// is available. It is the translation of the original plugin's
// _endless_spool_monitor/_endless_spool_runout_handler/
// _execute_endless_spool_change.
package endless

import (
	"context"
	"fmt"
	"log"
	"sync/atomic"
	"time"

	"github.com/xiami1988/ace-core/frame"
	"github.com/xiami1988/ace-core/inventory"
	"github.com/xiami1988/ace-core/persist"
	"github.com/xiami1988/ace-core/printerhost"
	"github.com/xiami1988/ace-core/reactor"
	"github.com/xiami1988/ace-core/status"
)

const persistKey = "ace_endless_spool_enabled"

// Device is the subset of transport.Transport the monitor needs.
type Device interface {
	Status() (status.Status, bool)
	Send(method string, params any, cb func(frame.Response))
}

// ParkChecker reports the tool-change orchestrator's state; the monitor
// must not act while a manual tool change owns extruder motion.
// Satisfied by *toolchange.Orchestrator.
type ParkChecker interface {
	ParkInProgress() bool
	CurrentIndex() int
}

// Config carries the feed parameters and poll cadence of spec.md §4.6.
type Config struct {
	ToolchangeLoadLength float64
	RetractSpeed         float64

	// DefaultEnabled seeds the enabled flag when nothing has been
	// persisted yet; the persisted value always wins once one exists.
	DefaultEnabled bool

	PrintingInterval  time.Duration
	IdleInterval      time.Duration
	SwitchoverTimeout time.Duration
}

// DefaultConfig returns spec.md §4.6's documented cadence (50ms
// printing / 200ms idle) and spec.md §6's load length/speed defaults.
func DefaultConfig() Config {
	return Config{
		ToolchangeLoadLength: 630,
		RetractSpeed:         50,
		PrintingInterval:     50 * time.Millisecond,
		IdleInterval:         200 * time.Millisecond,
		SwitchoverTimeout:    30 * time.Second,
	}
}

// Monitor is the reactor-scheduled runout watcher.
type Monitor struct {
	cfg Config
	rt  *reactor.Reactor
	dev Device
	inv *inventory.Store
	kv  persist.KV

	extruderSwitch printerhost.Switch
	endstop        printerhost.Switch
	scripts        printerhost.Scripts
	park           ParkChecker

	// IsPrinting reports whether the host currently considers itself
	// printing (homed axes, print_stats, or idle-timeout state), used
	// only to pick the poll cadence. Defaults to always-true, matching
	// the original's idle_timeout fallback when that object is absent.
	IsPrinting func() bool

	enabled        atomic.Bool
	runoutDetected atomic.Bool
	inProgress     atomic.Bool

	task *reactor.Task
}

// Open hydrates the persisted enabled flag and registers the monitor's
// tick on rt.
func Open(rt *reactor.Reactor, dev Device, inv *inventory.Store, kv persist.KV, extruderSwitch, endstop printerhost.Switch, scripts printerhost.Scripts, park ParkChecker, cfg Config) (*Monitor, error) {
	m := &Monitor{
		cfg:            cfg,
		rt:             rt,
		dev:            dev,
		inv:            inv,
		kv:             kv,
		extruderSwitch: extruderSwitch,
		endstop:        endstop,
		scripts:        scripts,
		park:           park,
		IsPrinting:     func() bool { return true },
	}
	enabled := cfg.DefaultEnabled
	if _, err := persist.GetInto(kv, persistKey, &enabled); err != nil {
		return nil, err
	}
	m.enabled.Store(enabled)
	m.task = rt.Now(m.tick)
	return m, nil
}

// Enabled reports whether runout recovery is currently armed.
func (m *Monitor) Enabled() bool {
	return m.enabled.Load()
}

// SetEnabled arms or disarms the monitor and persists the flag.
// Disabling also clears a latched runout detection, matching
// cmd_ACE_DISABLE_ENDLESS_SPOOL.
func (m *Monitor) SetEnabled(enabled bool) {
	m.enabled.Store(enabled)
	if !enabled {
		m.runoutDetected.Store(false)
		m.inProgress.Store(false)
	}
	if err := m.kv.Set(persistKey, enabled); err != nil {
		log.Printf("endless: persist enabled flag: %v", err)
	}
}

// RunoutDetected reports the latched runout flag, for ACE_ENDLESS_SPOOL_STATUS.
func (m *Monitor) RunoutDetected() bool {
	return m.runoutDetected.Load()
}

// InProgress reports whether a switchover is currently underway.
func (m *Monitor) InProgress() bool {
	return m.inProgress.Load()
}

func (m *Monitor) tick(now time.Time) time.Time {
	if !m.enabled.Load() || m.park.ParkInProgress() || m.inProgress.Load() {
		return now.Add(m.cfg.IdleInterval)
	}
	current := m.park.CurrentIndex()
	if current == -1 {
		return now.Add(m.cfg.IdleInterval)
	}

	present := m.extruderSwitch.Present()
	triggered := m.endstop.Present()
	if (!present || !triggered) && !m.runoutDetected.Load() {
		m.runoutDetected.Store(true)
		m.inProgress.Store(true)
		go m.switchover(current)
	}

	if m.IsPrinting() {
		return now.Add(m.cfg.PrintingInterval)
	}
	return now.Add(m.cfg.IdleInterval)
}

// switchover performs the hot-replace of bowden-stage filament on its
// own goroutine: unlike change_tool it never runs the pre/post hooks or
// cuts the nozzle tip.
func (m *Monitor) switchover(current int) {
	defer m.inProgress.Store(false)

	next := m.findNextAvailableSlot(current)
	if next == -1 {
		log.Printf("endless: runout on slot %d but no slot available, pausing", current)
		m.scripts.Run("PAUSE", nil)
		m.runoutDetected.Store(false)
		return
	}
	m.runoutDetected.Store(false)

	ctx, cancel := context.WithTimeout(context.Background(), m.cfg.SwitchoverTimeout)
	defer cancel()

	if err := m.inv.SetEmpty(current); err != nil {
		log.Printf("endless: mark slot %d empty: %v", current, err)
	}

	if _, err := m.call(ctx, "stop_feed_assist", struct {
		Index int `json:"index"`
	}{current}); err != nil {
		log.Printf("endless: disable feed assist on %d: %v", current, err)
	}
	if err := m.waitReady(ctx); err != nil {
		m.jam(err)
		return
	}

	if _, err := m.call(ctx, "feed_filament", struct {
		Index  int     `json:"index"`
		Length float64 `json:"length"`
		Speed  float64 `json:"speed"`
	}{next, m.cfg.ToolchangeLoadLength, m.cfg.RetractSpeed}); err != nil {
		m.jam(err)
		return
	}
	if err := m.waitReady(ctx); err != nil {
		m.jam(err)
		return
	}

	for !m.extruderSwitch.Present() {
		if err := reactor.Sleep(ctx, 100*time.Millisecond); err != nil {
			m.jam(err)
			return
		}
	}

	if _, err := m.call(ctx, "start_feed_assist", struct {
		Index int `json:"index"`
	}{next}); err != nil {
		log.Printf("endless: enable feed assist on %d: %v", next, err)
	}

	if err := m.kv.Set("ace_current_index", next); err != nil {
		log.Printf("endless: persist current index: %v", err)
	}
	log.Printf("endless: switched over from slot %d to slot %d", current, next)
}

func (m *Monitor) jam(err error) {
	log.Printf("endless: switchover failed: %v", err)
	m.scripts.Run("PAUSE", nil)
}

// findNextAvailableSlot walks (current+1)%4, (current+2)%4, ... and
// returns the first slot whose user inventory and device status are
// both ready, or -1 if none is.
func (m *Monitor) findNextAvailableSlot(current int) int {
	st, _ := m.dev.Status()
	for i := 1; i <= 4; i++ {
		next := (current + i) % 4
		if next == current {
			continue
		}
		slot, err := m.inv.Slot(next)
		if err != nil {
			continue
		}
		if slot.Status == inventory.Ready && st.SlotReady(next) {
			return next
		}
	}
	return -1
}

func (m *Monitor) waitReady(ctx context.Context) error {
	for {
		st, ok := m.dev.Status()
		if ok && st.Status == status.Ready {
			return nil
		}
		if err := reactor.Sleep(ctx, 500*time.Millisecond); err != nil {
			return err
		}
	}
}

func (m *Monitor) call(ctx context.Context, method string, params any) (frame.Response, error) {
	ch := make(chan frame.Response, 1)
	m.dev.Send(method, params, func(resp frame.Response) { ch <- resp })
	select {
	case resp := <-ch:
		if resp.Code != 0 {
			return resp, fmt.Errorf("endless: %s: %s", method, resp.Msg)
		}
		return resp, nil
	case <-ctx.Done():
		return frame.Response{}, ctx.Err()
	}
}
