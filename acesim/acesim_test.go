package acesim

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/xiami1988/ace-core/frame"
	"github.com/xiami1988/ace-core/persist"
	"github.com/xiami1988/ace-core/printerhost"
	"github.com/xiami1988/ace-core/reactor"
	"github.com/xiami1988/ace-core/toolchange"
	"github.com/xiami1988/ace-core/transport"
)

func openTransport(t *testing.T) (*transport.Transport, *Sim) {
	t.Helper()
	sim, peer := New()
	t.Cleanup(func() { sim.Close() })

	rt := reactor.New()
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go rt.Run(ctx)

	tr := transport.OpenWithDevice(peer, transport.Config{
		ReaderInterval: time.Millisecond,
		PollInterval:   time.Millisecond,
		RequestTimeout: time.Second,
	}, rt)
	return tr, sim
}

func TestSimAnswersGetStatusThroughTransport(t *testing.T) {
	tr, sim := openTransport(t)
	sim.SetSlot(2, "empty", "")

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if st, ok := tr.Status(); ok {
			if st.Status != "ready" {
				t.Fatalf("status = %q, want ready", st.Status)
			}
			if st.Slots[2].Status != "empty" {
				t.Fatalf("slot 2 status = %q, want empty", st.Slots[2].Status)
			}
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("status never populated")
}

func TestSimRoundTripsSlotMaterialColorAndTargetTemp(t *testing.T) {
	tr, sim := openTransport(t)
	sim.SetSlotFull(1, "ready", "sku-1", "PETG", [3]int{10, 20, 30}, 240)

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if st, ok := tr.Status(); ok {
			slot := st.Slots[1]
			if slot.Material != "PETG" {
				t.Fatalf("material = %q, want PETG", slot.Material)
			}
			if slot.Color != [3]int{10, 20, 30} {
				t.Fatalf("color = %v, want [10 20 30]", slot.Color)
			}
			if slot.TargetTemp != 240 {
				t.Fatalf("target_temp = %d, want 240", slot.TargetTemp)
			}
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("status never populated")
}

func TestSimTracksFeedAssistEnableDisable(t *testing.T) {
	tr, sim := openTransport(t)

	done := make(chan frame.Response, 1)
	tr.Send("start_feed_assist", struct {
		Index int `json:"index"`
	}{1}, func(resp frame.Response) { done <- resp })
	select {
	case resp := <-done:
		if resp.Code != 0 {
			t.Fatalf("start_feed_assist code = %d", resp.Code)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for start_feed_assist response")
	}
	if !sim.FeedAssistEnabled(1) {
		t.Fatal("expected feed assist on slot 1 to be enabled")
	}

	done = make(chan frame.Response, 1)
	tr.Send("stop_feed_assist", struct {
		Index int `json:"index"`
	}{1}, func(resp frame.Response) { done <- resp })
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for stop_feed_assist response")
	}
	if sim.FeedAssistEnabled(1) {
		t.Fatal("expected feed assist on slot 1 to be disabled")
	}
}

// stepSwitch starts absent and becomes present once it has been read
// tripAt times, simulating filament reaching a sensor partway through a
// feed.
type stepSwitch struct {
	mu     sync.Mutex
	reads  int
	tripAt int
}

func (s *stepSwitch) Present() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.reads++
	return s.reads >= s.tripAt
}

// TestChangeToolWireOrderThroughSim drives a full load cycle (empty →
// tool 2) through a real Transport against the simulator and asserts
// the wire carried feed_filament{index:2} before start_feed_assist, the
// order the load phase requires.
func TestChangeToolWireOrderThroughSim(t *testing.T) {
	tr, sim := openTransport(t)

	cfg := toolchange.DefaultConfig()
	// Real retract speed so the length/speed+0.1s dwell after the 630mm
	// load feed stays short; the dwell formula is still exercised.
	cfg.RetractSpeed = 6300
	cfg.LoadTimeout = 2 * time.Second
	o, err := toolchange.New(cfg, tr, persist.NewMemStore(),
		&printerhost.LoggingExtruder{}, &stepSwitch{tripAt: 2}, &stepSwitch{tripAt: 2},
		&printerhost.LoggingScripts{})
	if err != nil {
		t.Fatal(err)
	}

	// ChangeTool checks the target slot against the cached get_status
	// snapshot, so wait for the first poll to land before starting.
	deadline := time.Now().Add(2 * time.Second)
	for {
		if _, ok := tr.Status(); ok {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("status never populated")
		}
		time.Sleep(10 * time.Millisecond)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := o.ChangeTool(ctx, 2); err != nil {
		t.Fatal(err)
	}
	if o.CurrentIndex() != 2 {
		t.Fatalf("current index = %d, want 2", o.CurrentIndex())
	}
	if !sim.FeedAssistEnabled(2) {
		t.Fatal("feed assist not enabled on slot 2 after load")
	}

	feedAt, assistAt := -1, -1
	for i, req := range sim.RequestLog() {
		switch req.Method {
		case "feed_filament":
			if feedAt == -1 {
				feedAt = i
				params, ok := req.Params.(map[string]any)
				if !ok || params["index"] != float64(2) {
					t.Fatalf("feed_filament params = %#v, want index 2", req.Params)
				}
			}
		case "start_feed_assist":
			if assistAt == -1 {
				assistAt = i
			}
		}
	}
	if feedAt == -1 || assistAt == -1 {
		t.Fatalf("wire missing load requests: feed_filament at %d, start_feed_assist at %d", feedAt, assistAt)
	}
	if feedAt > assistAt {
		t.Fatalf("feed_filament (index %d) must precede start_feed_assist (index %d)", feedAt, assistAt)
	}
}

func TestSimRejectsUnknownMethod(t *testing.T) {
	tr, _ := openTransport(t)

	done := make(chan frame.Response, 1)
	tr.Send("not_a_real_method", nil, func(resp frame.Response) { done <- resp })
	select {
	case resp := <-done:
		if resp.Code == 0 {
			t.Fatal("expected non-zero code for unknown method")
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for response")
	}
}
