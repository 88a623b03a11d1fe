// package acesim implements a simulated ACE device peer that speaks the
// wire protocol defined in package frame well enough to drive the
// tool-change orchestrator and endless-spool monitor end to end without
// real hardware. It plays the same role mjolnir.Simulator plays for the
// engraver driver: a stand-in a test or a CLI harness can connect a
// Transport to instead of a physical serial port.
package acesim

import (
	"encoding/json"
	"fmt"
	"io"
	"net"
	"os"
	"sync"
	"time"

	"github.com/xiami1988/ace-core/frame"
)

// Slot is one device-reported filament bay tracked by the simulator.
type Slot struct {
	Status     string
	SKU        string
	Material   string
	Color      [3]int
	TargetTemp int
}

type dryer struct {
	Status     string
	TargetTemp int
	Duration   int
	Remaining  int
}

// Sim is a simulated ACE device. It owns one end of a net.Pipe; the
// other end is handed to a Transport as its io.ReadWriteCloser.
type Sim struct {
	conn net.Conn

	mu         sync.Mutex
	slots      [4]Slot
	dryer      dryer
	feedAssist [4]bool
	busy       bool

	// requests records every decoded request, in arrival order, for
	// wire-order assertions ("feed_filament{index:2,...} then
	// start_feed_assist{index:2}"). Read it through RequestLog.
	requests []frame.Request
}

// New starts a simulator with all four slots ready and returns it
// alongside the peer end a Transport should be opened against. The peer
// is wrapped with a bounded read deadline so Transport's reader task
// (which expects a real serial port's non-blocking-ish Read) never
// blocks the reactor goroutine indefinitely the way a bare net.Pipe
// read would.
func New() (*Sim, io.ReadWriteCloser) {
	a, b := net.Pipe()
	s := &Sim{conn: a}
	for i := range s.slots {
		s.slots[i] = Slot{Status: "ready"}
	}
	s.dryer.Status = "stop"
	go s.serve()
	return s, &timeoutConn{Conn: b, timeout: 20 * time.Millisecond}
}

// timeoutConn adapts a net.Conn to the bounded-Read behavior
// transport.Transport's reader task relies on, the same shape as
// tarm/serial's ReadTimeout: a Read that returns (0, nil) once its
// deadline elapses rather than blocking forever when nothing has
// arrived yet.
type timeoutConn struct {
	net.Conn
	timeout time.Duration
}

func (c *timeoutConn) Read(p []byte) (int, error) {
	c.Conn.SetReadDeadline(time.Now().Add(c.timeout))
	n, err := c.Conn.Read(p)
	if err != nil && os.IsTimeout(err) {
		return 0, nil
	}
	return n, err
}

// SetSlot overrides a slot's reported status ("ready", "empty", "busy"),
// for exercising ACE_CHANGE_TOOL's not-ready rejection and
// endless-spool's slot-selection logic.
func (s *Sim) SetSlot(index int, status, sku string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.slots[index] = Slot{Status: status, SKU: sku}
}

// SetSlotFull overrides a slot's full reported record, for exercising
// the material/color/target_temp round trip through get_status.
func (s *Sim) SetSlotFull(index int, status, sku, material string, color [3]int, targetTemp int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.slots[index] = Slot{Status: status, SKU: sku, Material: material, Color: color, TargetTemp: targetTemp}
}

// FeedAssistEnabled reports whether the simulator last saw
// start_feed_assist (without a following stop_feed_assist) for index.
func (s *Sim) FeedAssistEnabled(index int) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.feedAssist[index]
}

// SetBusy forces get_status to report "busy" until cleared, for tests
// exercising wait_ace_ready's polling loop.
func (s *Sim) SetBusy(busy bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.busy = busy
}

// Close tears down the simulator's end of the pipe.
func (s *Sim) Close() error {
	return s.conn.Close()
}

func (s *Sim) serve() {
	var buf []byte
	readBuf := make([]byte, 4096)
	for {
		n, err := s.conn.Read(readBuf)
		if err != nil {
			return
		}
		buf = append(buf, readBuf[:n]...)
		for {
			payload, consumed, err := frame.Decode(buf)
			if consumed == 0 {
				break
			}
			buf = buf[consumed:]
			if err != nil {
				continue
			}
			var req frame.Request
			if err := json.Unmarshal(payload, &req); err != nil {
				continue
			}
			resp := s.handle(req)
			data, err := json.Marshal(resp)
			if err != nil {
				continue
			}
			if _, err := s.conn.Write(frame.Encode(data)); err != nil {
				return
			}
		}
	}
}

// RequestLog returns a copy of every request decoded so far, in arrival
// order.
func (s *Sim) RequestLog() []frame.Request {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]frame.Request(nil), s.requests...)
}

func (s *Sim) handle(req frame.Request) frame.Response {
	s.mu.Lock()
	s.requests = append(s.requests, req)
	s.mu.Unlock()

	switch req.Method {
	case "get_info":
		return s.ok(req.ID, map[string]any{"model": "ACE-sim", "firmware": "0.0.0-sim"})
	case "get_status":
		return s.ok(req.ID, s.statusResult())
	case "drying":
		return s.applyDrying(req)
	case "drying_stop":
		s.mu.Lock()
		s.dryer = dryer{Status: "stop"}
		s.mu.Unlock()
		return s.ok(req.ID, map[string]any{})
	case "start_feed_assist":
		return s.setFeedAssist(req, true)
	case "stop_feed_assist":
		return s.setFeedAssist(req, false)
	case "feed_filament", "unwind_filament":
		return s.ok(req.ID, map[string]any{})
	default:
		return frame.Response{ID: req.ID, Code: 1, Msg: fmt.Sprintf("unknown method %q", req.Method)}
	}
}

func (s *Sim) statusResult() map[string]any {
	s.mu.Lock()
	defer s.mu.Unlock()
	status := "ready"
	if s.busy {
		status = "busy"
	}
	slots := make([]map[string]any, len(s.slots))
	for i, sl := range s.slots {
		slots[i] = map[string]any{
			"index":       i,
			"status":      sl.Status,
			"sku":         sl.SKU,
			"type":        sl.Material,
			"color":       sl.Color,
			"target_temp": sl.TargetTemp,
		}
	}
	count := 0
	for _, enabled := range s.feedAssist {
		if enabled {
			count++
		}
	}
	return map[string]any{
		"status":            status,
		"temp":              25,
		"fan_speed":         0,
		"feed_assist_count": count,
		"cont_assist_time":  0,
		"slots":             slots,
		"dryer": map[string]any{
			"status":      s.dryer.Status,
			"target_temp": s.dryer.TargetTemp,
			"duration":    s.dryer.Duration,
			"remain_time": s.dryer.Remaining,
		},
	}
}

type indexParams struct {
	Index int `json:"index"`
}

type dryingParams struct {
	Temp     int `json:"temp"`
	FanSpeed int `json:"fan_speed"`
	Duration int `json:"duration"`
}

func (s *Sim) applyDrying(req frame.Request) frame.Response {
	raw, err := json.Marshal(req.Params)
	if err != nil {
		return frame.Response{ID: req.ID, Code: 1, Msg: err.Error()}
	}
	var p dryingParams
	if err := json.Unmarshal(raw, &p); err != nil {
		return frame.Response{ID: req.ID, Code: 1, Msg: err.Error()}
	}
	s.mu.Lock()
	s.dryer = dryer{Status: "drying", TargetTemp: p.Temp, Duration: p.Duration, Remaining: p.Duration}
	s.mu.Unlock()
	return s.ok(req.ID, map[string]any{})
}

func (s *Sim) setFeedAssist(req frame.Request, enabled bool) frame.Response {
	raw, err := json.Marshal(req.Params)
	if err != nil {
		return frame.Response{ID: req.ID, Code: 1, Msg: err.Error()}
	}
	var p indexParams
	if err := json.Unmarshal(raw, &p); err != nil {
		return frame.Response{ID: req.ID, Code: 1, Msg: err.Error()}
	}
	if p.Index < 0 || p.Index >= len(s.feedAssist) {
		return frame.Response{ID: req.ID, Code: 1, Msg: "index out of range"}
	}
	s.mu.Lock()
	s.feedAssist[p.Index] = enabled
	s.mu.Unlock()
	return s.ok(req.ID, map[string]any{})
}

func (s *Sim) ok(id uint32, result map[string]any) frame.Response {
	data, _ := json.Marshal(result)
	return frame.Response{ID: id, Code: 0, Result: data}
}
