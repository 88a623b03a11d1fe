// package toolchange implements change_tool: the state machine that
// unloads filament from the previously loaded slot and loads the
// requested one, driving the extruder axis and the two filament
// switches through the bowden/spliter/toolhead/nozzle positions. It is
// the direct translation of the original plugin's cmd_ACE_CHANGE_TOOL
// and _park_to_toolhead.
package toolchange

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/xiami1988/ace-core/frame"
	"github.com/xiami1988/ace-core/persist"
	"github.com/xiami1988/ace-core/printerhost"
	"github.com/xiami1988/ace-core/reactor"
	"github.com/xiami1988/ace-core/status"
)

// Device is the subset of transport.Transport the orchestrator depends
// on: the cached device snapshot and the ability to enqueue a request.
// Satisfied by *transport.Transport; tests substitute a fake.
type Device interface {
	Status() (status.Status, bool)
	Send(method string, params any, cb func(frame.Response))
}

// ErrJam is returned when a sensor fails to trip within the configured
// bound during the load phase, the resolved form of spec's Open
// Question about the original's unreachable post-loop jam check.
var ErrJam = errors.New("toolchange: filament jam: sensor did not trip in time")

// ErrNotReady is returned when the requested slot's device-reported
// status is not ready.
var ErrNotReady = errors.New("toolchange: target slot not ready")

const (
	currentIndexKey = "ace_current_index"
	filamentPosKey  = "ace_filament_pos"
)

// EndlessSpool is the subset of endless.Monitor the orchestrator needs:
// manual tool changes temporarily disable runout monitoring and restore
// it afterward.
type EndlessSpool interface {
	Enabled() bool
	SetEnabled(bool)
}

// Config carries the speeds, lengths, and the resolved jam-detection
// bound of spec.md §4.5/§6.
type Config struct {
	FeedSpeed               float64
	RetractSpeed            float64
	ToolchangeRetractLength float64
	ToolchangeLoadLength    float64
	ToolheadSensorToNozzle  float64
	BowdenTubeLength        float64

	// LoadTimeout bounds the load-phase wait for the extruder switch to
	// trip. Resolves spec.md §9's Open Question: the original's
	// post-loop jam check was unreachable because its loop only exits
	// on trip; here the loop is explicitly time-bounded and reports
	// ErrJam on expiry.
	LoadTimeout time.Duration
}

// DefaultConfig returns spec.md §6's documented defaults.
func DefaultConfig() Config {
	return Config{
		FeedSpeed:               50,
		RetractSpeed:            50,
		ToolchangeRetractLength: 150,
		ToolchangeLoadLength:    630,
		ToolheadSensorToNozzle:  0,
		BowdenTubeLength:        1000,
		LoadTimeout:             30 * time.Second,
	}
}

// Orchestrator drives change_tool against a connected Transport. It is
// meant to be called from its own goroutine (per gcode command
// dispatch); it blocks that goroutine for the duration of the tool
// change while the reactor goroutine keeps servicing the transport.
type Orchestrator struct {
	cfg Config
	tr  Device
	kv  persist.KV

	extruder       printerhost.Extruder
	extruderSwitch printerhost.Switch
	toolheadSwitch printerhost.Switch
	scripts        printerhost.Scripts

	// EndlessSpool is optional; when set, it is disabled for the
	// duration of a manual tool change and restored afterward.
	EndlessSpool EndlessSpool

	current  int
	filament status.FilamentPosition
	parking  bool
}

// New constructs an Orchestrator, hydrating current index/filament
// position from kv (defaulting to unloaded/spliter on first run).
func New(cfg Config, tr Device, kv persist.KV, extruder printerhost.Extruder, extruderSwitch, toolheadSwitch printerhost.Switch, scripts printerhost.Scripts) (*Orchestrator, error) {
	o := &Orchestrator{
		cfg:            cfg,
		tr:             tr,
		kv:             kv,
		extruder:       extruder,
		extruderSwitch: extruderSwitch,
		toolheadSwitch: toolheadSwitch,
		scripts:        scripts,
		current:        -1,
		filament:       status.PosSpliter,
	}
	var idx int
	ok, err := persist.GetInto(kv, currentIndexKey, &idx)
	if err != nil {
		return nil, err
	}
	if ok {
		o.current = idx
	}
	var pos status.FilamentPosition
	ok, err = persist.GetInto(kv, filamentPosKey, &pos)
	if err != nil {
		return nil, err
	}
	if ok {
		o.filament = pos
	}
	return o, nil
}

// CurrentIndex returns the persisted currently-loaded slot, -1 if none.
func (o *Orchestrator) CurrentIndex() int {
	return o.current
}

// ParkInProgress reports whether a tool change currently owns extruder
// motion; endless.Monitor must not act while this is true.
func (o *Orchestrator) ParkInProgress() bool {
	return o.parking
}

// ChangeTool implements change_tool(target). target is -1 (unload
// only) or 0..3.
func (o *Orchestrator) ChangeTool(ctx context.Context, target int) error {
	if target < -1 || target > 3 {
		return fmt.Errorf("toolchange: invalid target %d", target)
	}
	prev := o.current
	if prev == target {
		// Re-selecting the loaded tool only re-engages feed-assist; the
		// device gets the request even for -1, matching the original.
		return o.enableFeedAssist(ctx, target)
	}

	if target != -1 {
		st, _ := o.tr.Status()
		if !st.SlotReady(target) {
			o.scripts.Run("_ACE_ON_EMPTY_ERROR", map[string]string{"INDEX": fmt.Sprint(target)})
			return ErrNotReady
		}
	}

	var wasEnabled bool
	if o.EndlessSpool != nil {
		wasEnabled = o.EndlessSpool.Enabled()
		if wasEnabled {
			o.EndlessSpool.SetEnabled(false)
		}
	}
	o.parking = true
	defer func() {
		o.parking = false
		if wasEnabled {
			o.EndlessSpool.SetEnabled(true)
		}
	}()

	o.scripts.Run("_ACE_PRE_TOOLCHANGE", map[string]string{"FROM": fmt.Sprint(prev), "TO": fmt.Sprint(target)})

	if prev != -1 {
		if err := o.unload(ctx, prev); err != nil {
			return err
		}
		if target != -1 {
			if err := o.loadToToolhead(ctx, target); err != nil {
				return err
			}
		}
	} else {
		if err := o.loadToToolhead(ctx, target); err != nil {
			return err
		}
	}

	// The load/unload phases moved the extruder behind the gcode layer's
	// back; resync its position tracking before handing control back.
	if err := o.extruder.ResetLastPosition(); err != nil {
		return err
	}
	o.scripts.Run("_ACE_POST_TOOLCHANGE", map[string]string{"FROM": fmt.Sprint(prev), "TO": fmt.Sprint(target)})
	o.current = target
	if err := o.persistState(); err != nil {
		return err
	}
	return nil
}

// unload runs the unload phase: disable feed-assist on prev, retreat
// through toolhead/bowden, and end at spliter.
func (o *Orchestrator) unload(ctx context.Context, prev int) error {
	if err := o.disableFeedAssist(ctx, prev); err != nil {
		return err
	}
	if err := o.waitReady(ctx); err != nil {
		return err
	}

	if o.filament == status.PosNozzle {
		o.scripts.Run("CUT_TIP", nil)
		o.filament = status.PosToolhead
	}

	if o.filament == status.PosToolhead {
		for o.extruderSwitch.Present() {
			if err := o.extruder.MoveRelative(-50, 10); err != nil {
				return err
			}
			if err := o.retract(ctx, prev, 100, o.cfg.RetractSpeed); err != nil {
				return err
			}
			if err := o.waitReady(ctx); err != nil {
				return err
			}
		}
		o.filament = status.PosBowden
	}

	if err := o.waitReady(ctx); err != nil {
		return err
	}
	if err := o.retract(ctx, prev, o.cfg.ToolchangeRetractLength, o.cfg.RetractSpeed); err != nil {
		return err
	}
	if err := o.waitReady(ctx); err != nil {
		return err
	}
	o.filament = status.PosSpliter
	return nil
}

// loadToToolhead is _park_to_toolhead: feed target in, enable
// feed-assist, and walk filament from bowden through to the nozzle.
func (o *Orchestrator) loadToToolhead(ctx context.Context, target int) error {
	if err := o.waitReady(ctx); err != nil {
		return err
	}
	if err := o.feed(ctx, target, o.cfg.ToolchangeLoadLength, o.cfg.RetractSpeed); err != nil {
		return err
	}
	o.filament = status.PosBowden
	if err := o.waitReady(ctx); err != nil {
		return err
	}
	if err := o.enableFeedAssist(ctx, target); err != nil {
		return err
	}

	loadCtx, cancel := context.WithTimeout(ctx, o.cfg.LoadTimeout)
	defer cancel()
	for !o.extruderSwitch.Present() {
		if err := reactor.Sleep(loadCtx, 100*time.Millisecond); err != nil {
			return ErrJam
		}
	}
	o.filament = status.PosSpliter

	for !o.toolheadSwitch.Present() {
		if err := o.extruder.MoveRelative(1, 5); err != nil {
			return err
		}
		if err := reactor.Sleep(ctx, 10*time.Millisecond); err != nil {
			return err
		}
	}
	o.filament = status.PosToolhead

	if err := o.extruder.MoveRelative(o.cfg.ToolheadSensorToNozzle, 5); err != nil {
		return err
	}
	o.filament = status.PosNozzle
	return nil
}

func (o *Orchestrator) waitReady(ctx context.Context) error {
	for {
		st, ok := o.tr.Status()
		if ok && st.Status == status.Ready {
			return nil
		}
		if err := reactor.Sleep(ctx, 500*time.Millisecond); err != nil {
			return err
		}
	}
}

func (o *Orchestrator) call(ctx context.Context, method string, params any) (frame.Response, error) {
	ch := make(chan frame.Response, 1)
	o.tr.Send(method, params, func(resp frame.Response) { ch <- resp })
	select {
	case resp := <-ch:
		if resp.Code != 0 {
			return resp, fmt.Errorf("toolchange: %s: %s", method, resp.Msg)
		}
		return resp, nil
	case <-ctx.Done():
		return frame.Response{}, ctx.Err()
	}
}

// enableFeedAssist issues start_feed_assist and dwells 0.7s, the motor
// engagement time spec.md §4.8 requires after this primitive, on the
// orchestrator's calling goroutine, matching reactor.Sleep's role as a
// post-send suspension point (spec.md §5).
func (o *Orchestrator) enableFeedAssist(ctx context.Context, index int) error {
	_, err := o.call(ctx, "start_feed_assist", struct {
		Index int `json:"index"`
	}{index})
	if err != nil {
		return err
	}
	return reactor.Sleep(ctx, 700*time.Millisecond)
}

// disableFeedAssist issues stop_feed_assist and dwells 0.3s per spec.md
// §4.8.
func (o *Orchestrator) disableFeedAssist(ctx context.Context, index int) error {
	_, err := o.call(ctx, "stop_feed_assist", struct {
		Index int `json:"index"`
	}{index})
	if err != nil {
		return err
	}
	return reactor.Sleep(ctx, 300*time.Millisecond)
}

// filamentMoveParams is the {index, length, speed} parameter shape
// shared by feed_filament and unwind_filament.
type filamentMoveParams struct {
	Index  int     `json:"index"`
	Length float64 `json:"length"`
	Speed  float64 `json:"speed"`
}

// moveDwell is the length/speed + 0.1s dwell spec.md §4.8 requires
// after feed_filament/unwind_filament.
func moveDwell(length, speed float64) time.Duration {
	return time.Duration((length/speed + 0.1) * float64(time.Second))
}

func (o *Orchestrator) feed(ctx context.Context, index int, length, speed float64) error {
	_, err := o.call(ctx, "feed_filament", filamentMoveParams{Index: index, Length: length, Speed: speed})
	if err != nil {
		return err
	}
	return reactor.Sleep(ctx, moveDwell(length, speed))
}

func (o *Orchestrator) retract(ctx context.Context, index int, length, speed float64) error {
	_, err := o.call(ctx, "unwind_filament", filamentMoveParams{Index: index, Length: length, Speed: speed})
	if err != nil {
		return err
	}
	return reactor.Sleep(ctx, moveDwell(length, speed))
}

func (o *Orchestrator) persistState() error {
	if err := o.kv.Set(currentIndexKey, o.current); err != nil {
		return fmt.Errorf("toolchange: persist current index: %w", err)
	}
	if err := o.kv.Set(filamentPosKey, o.filament); err != nil {
		return fmt.Errorf("toolchange: persist filament position: %w", err)
	}
	return nil
}
