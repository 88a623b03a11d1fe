package transport

import (
	"context"
	"encoding/json"
	"io"
	"net"
	"os"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/xiami1988/ace-core/frame"
	"github.com/xiami1988/ace-core/reactor"
)

// timeoutConn adapts a net.Conn (which blocks Read until data or a
// deadline) to the tarm/serial behavior transport.read relies on: a
// bounded Read that returns (0, nil) rather than blocking forever when
// nothing has arrived yet.
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

// fakeDevice runs a minimal ACE device on the far end of a net.Pipe: it
// decodes incoming frames and replies to get_status with a fixed
// snapshot and to everything else with an empty ack.
type fakeDevice struct {
	conn net.Conn
	buf  []byte

	// slowMethod's response is delayed by slowDelay and written from its
	// own goroutine, so the device keeps servicing the pipe while the
	// response is outstanding.
	slowMethod string
	slowDelay  time.Duration

	mu      sync.Mutex
	methods []string

	wmu sync.Mutex
}

// receivedMethods returns the request methods decoded so far, in order.
func (fd *fakeDevice) receivedMethods() []string {
	fd.mu.Lock()
	defer fd.mu.Unlock()
	return append([]string(nil), fd.methods...)
}

func newFakeDevicePair(t *testing.T) (io.ReadWriteCloser, *fakeDevice) {
	t.Helper()
	a, b := net.Pipe()
	fd := &fakeDevice{conn: b}
	go fd.serve(t)
	return &timeoutConn{Conn: a, timeout: 20 * time.Millisecond}, fd
}

func (fd *fakeDevice) serve(t *testing.T) {
	buf := make([]byte, 4096)
	for {
		n, err := fd.conn.Read(buf)
		if err != nil {
			return
		}
		fd.buf = append(fd.buf, buf[:n]...)
		for {
			payload, consumed, err := frame.Decode(fd.buf)
			if consumed == 0 {
				break
			}
			fd.buf = fd.buf[consumed:]
			if err != nil {
				continue
			}
			var req frame.Request
			if err := json.Unmarshal(payload, &req); err != nil {
				continue
			}
			resp := fd.respond(req)
			data, err := json.Marshal(resp)
			if err != nil {
				continue
			}
			if fd.slowMethod != "" && req.Method == fd.slowMethod {
				go func(framed []byte) {
					time.Sleep(fd.slowDelay)
					fd.write(framed)
				}(frame.Encode(data))
				continue
			}
			fd.write(frame.Encode(data))
		}
	}
}

func (fd *fakeDevice) respond(req frame.Request) frame.Response {
	fd.mu.Lock()
	fd.methods = append(fd.methods, req.Method)
	fd.mu.Unlock()
	switch req.Method {
	case "get_status":
		result, _ := json.Marshal(map[string]any{
			"status":            "ready",
			"temp":              25,
			"fan_speed":         50,
			"feed_assist_count": 0,
			"cont_assist_time":  0,
			"slots":             [4]map[string]any{{"index": 0, "status": "ready"}, {"index": 1, "status": "empty"}, {"index": 2, "status": "empty"}, {"index": 3, "status": "empty"}},
			"dryer":             map[string]any{"status": "idle"},
		})
		return frame.Response{ID: req.ID, Code: 0, Result: result}
	default:
		return frame.Response{ID: req.ID, Code: 0, Result: json.RawMessage("{}")}
	}
}

func (fd *fakeDevice) write(framed []byte) {
	fd.wmu.Lock()
	defer fd.wmu.Unlock()
	fd.conn.Write(framed)
}

func (fd *fakeDevice) Close() error { return fd.conn.Close() }

func TestTransportSendReceivesResponse(t *testing.T) {
	dev, _ := newFakeDevicePair(t)
	rt := reactor.New()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go rt.Run(ctx)

	tr := OpenWithDevice(dev, Config{
		ReaderInterval: time.Millisecond,
		PollInterval:   time.Millisecond,
		RequestTimeout: time.Second,
	}, rt)

	done := make(chan frame.Response, 1)
	tr.Send("get_info", nil, func(resp frame.Response) {
		done <- resp
	})

	select {
	case resp := <-done:
		if resp.Code != 0 {
			t.Fatalf("unexpected code %d", resp.Code)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for response")
	}
}

func TestTransportCachesStatusFromImplicitPoll(t *testing.T) {
	dev, _ := newFakeDevicePair(t)
	rt := reactor.New()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go rt.Run(ctx)

	tr := OpenWithDevice(dev, Config{
		ReaderInterval: time.Millisecond,
		PollInterval:   time.Millisecond,
		RequestTimeout: time.Second,
	}, rt)

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if _, ok := tr.Status(); ok {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("status was never populated from implicit get_status poll")
}

// TestLateResponseAfterForcedTimeoutIsDropped covers the stale-response
// rule: once a request exceeds RequestTimeout the reader force-clears
// the in-flight lock and forgets the request's id, so its response
// arriving later is dropped as unknown rather than firing the
// continuation.
func TestLateResponseAfterForcedTimeoutIsDropped(t *testing.T) {
	dev, fd := newFakeDevicePair(t)
	fd.slowMethod = "get_info"
	fd.slowDelay = 300 * time.Millisecond

	rt := reactor.New()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go rt.Run(ctx)

	tr := OpenWithDevice(dev, Config{
		ReaderInterval: time.Millisecond,
		PollInterval:   time.Millisecond,
		RequestTimeout: 50 * time.Millisecond,
	}, rt)

	var fired atomic.Bool
	tr.Send("get_info", nil, func(frame.Response) { fired.Store(true) })

	// The forced timeout must free the lock: implicit status polls
	// resume and populate the cache while the slow response is still
	// outstanding.
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if _, ok := tr.Status(); ok {
			break
		}
		time.Sleep(5 * time.Millisecond)
	}
	if _, ok := tr.Status(); !ok {
		t.Fatal("lock never freed after request timeout")
	}

	// Wait past the slow response's arrival; it must be dropped by id.
	time.Sleep(fd.slowDelay + 100*time.Millisecond)
	if fired.Load() {
		t.Fatal("continuation for timed-out request fired on late response")
	}
}

// TestReconnectReenablesFeedAssist exercises the full connect lifecycle
// through Config.Dial: the first connection is torn down by closing the
// device end, the connect loop dials a second device, and the new wire
// must carry get_info followed by start_feed_assist (the OnConnect
// re-enable for the persisted current index) before anything but status
// polls.
func TestReconnectReenablesFeedAssist(t *testing.T) {
	var mu sync.Mutex
	var devices []*fakeDevice
	dial := func() (io.ReadWriteCloser, error) {
		conn, fd := newFakeDevicePair(t)
		mu.Lock()
		devices = append(devices, fd)
		mu.Unlock()
		return conn, nil
	}

	rt := reactor.New()
	tr := Open(Config{
		Dial:              dial,
		ReconnectInterval: 10 * time.Millisecond,
		ReaderInterval:    time.Millisecond,
		PollInterval:      time.Millisecond,
		RequestTimeout:    time.Second,
	}, rt)
	tr.OnConnect = func() {
		tr.Send("start_feed_assist", struct {
			Index int `json:"index"`
		}{3}, func(frame.Response) {})
	}
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go rt.Run(ctx)

	device := func(i int) *fakeDevice {
		mu.Lock()
		defer mu.Unlock()
		if len(devices) <= i {
			return nil
		}
		return devices[i]
	}
	waitFor := func(cond func() bool, msg string) {
		t.Helper()
		deadline := time.Now().Add(2 * time.Second)
		for time.Now().Before(deadline) {
			if cond() {
				return
			}
			time.Sleep(5 * time.Millisecond)
		}
		t.Fatal(msg)
	}

	// Let the first connection drain its connect-time requests fully, so
	// the outbound queue is empty when it dies and the second wire's
	// order reflects the reconnect alone.
	waitFor(func() bool {
		fd := device(0)
		if fd == nil {
			return false
		}
		for _, m := range fd.receivedMethods() {
			if m == "start_feed_assist" {
				return true
			}
		}
		return false
	}, "first connection never carried the connect-time requests")

	// Kill the first device; the read error must tear the transport down
	// and the connect loop must dial a replacement.
	device(0).Close()
	waitFor(func() bool { return device(1) != nil }, "transport never reconnected")
	waitFor(func() bool {
		return len(device(1).receivedMethods()) >= 2
	}, "second connection never carried the reconnect requests")

	got := device(1).receivedMethods()
	if got[0] != "get_info" || got[1] != "start_feed_assist" {
		t.Fatalf("reconnect wire order = %v, want get_info then start_feed_assist first", got[:2])
	}
}
