// package transport owns the serial connection to the ACE device: port
// discovery and reconnection, the framed read/write loop, and the
// single in-flight request lock. It is the Go translation of the
// original plugin's _connect/_reader/_writer reactor timers, all driven
// from one reactor.Reactor so reader, writer, and the connect loop never
// observe each other mid-mutation.
package transport

import (
	"encoding/json"
	"errors"
	"io"
	"log"
	"sync"
	"time"

	"github.com/xiami1988/ace-core/frame"
	"github.com/xiami1988/ace-core/reactor"
	"github.com/xiami1988/ace-core/router"
	"github.com/xiami1988/ace-core/status"
)

// ErrNotFound is returned by Discover when no port matches.
var ErrNotFound = errors.New("transport: no matching serial port found")

// Config carries the connection parameters: the device path or
// discovery match string, baud rate, and the reader/writer/reconnect
// timings.
type Config struct {
	Path      string // explicit device path; takes priority over discovery
	PortMatch string // substring matched against a port's product description
	Baud      int

	// Dial, when set, replaces port discovery and OpenSerial entirely:
	// the connect loop calls it for each connection attempt. Used to
	// connect a Transport to the acesim peer (or any in-process device)
	// while keeping the full connect/reconnect lifecycle, including the
	// feed-assist re-enable on reconnect.
	Dial func() (io.ReadWriteCloser, error)

	ReconnectInterval time.Duration
	ReaderInterval    time.Duration
	PollInterval      time.Duration
	RequestTimeout    time.Duration
}

func (cfg Config) withDefaults() Config {
	def := DefaultConfig()
	if cfg.Baud == 0 {
		cfg.Baud = def.Baud
	}
	if cfg.ReconnectInterval == 0 {
		cfg.ReconnectInterval = def.ReconnectInterval
	}
	if cfg.ReaderInterval == 0 {
		cfg.ReaderInterval = def.ReaderInterval
	}
	if cfg.PollInterval == 0 {
		cfg.PollInterval = def.PollInterval
	}
	if cfg.RequestTimeout == 0 {
		cfg.RequestTimeout = def.RequestTimeout
	}
	return cfg
}

// DefaultConfig returns the spec's documented defaults.
func DefaultConfig() Config {
	return Config{
		PortMatch:         "ACE",
		Baud:              115200,
		ReconnectInterval: time.Second,
		ReaderInterval:    100 * time.Millisecond,
		PollInterval:      500 * time.Millisecond,
		RequestTimeout:    2 * time.Second,
	}
}

type pendingSend struct {
	req frame.Request
	cb  router.Continuation
}

// Transport owns the device connection and request plumbing. Send may
// be called from any goroutine; Connect/reader/writer run exclusively on
// the reactor goroutine passed to Open.
type Transport struct {
	cfg Config
	rt  *reactor.Reactor
	rtr *router.Router

	dev     io.ReadWriteCloser
	readBuf []byte

	queue chan pendingSend

	mu        sync.RWMutex
	connected bool
	last      status.Status
	haveLast  bool

	connectTask *reactor.Task
	readerTask  *reactor.Task
	writerTask  *reactor.Task

	// OnConnect is invoked once per successful connection, on the
	// reactor goroutine, before the reader/writer tasks start polling.
	// cmd/acectl uses it to re-enable feed-assist for the orchestrator's
	// current index after a reconnect.
	OnConnect func()
}

// Open constructs a Transport and schedules its connect loop on rt. It
// does not block; call rt.Run to start the reactor goroutine. Set
// OnConnect before the reactor starts running, or the first connection
// may miss it.
func Open(cfg Config, rt *reactor.Reactor) *Transport {
	t := &Transport{
		cfg:   cfg.withDefaults(),
		rt:    rt,
		rtr:   router.New(),
		queue: make(chan pendingSend, 16),
	}
	t.connectTask = rt.Now(t.connect)
	return t
}

// OpenWithDevice wires an already-established connection (a simulated
// peer, or a device opened by a caller that wants to bypass discovery)
// straight into the reader/writer tasks, skipping the connect loop
// entirely. Used by acesim and by tests.
func OpenWithDevice(dev io.ReadWriteCloser, cfg Config, rt *reactor.Reactor) *Transport {
	t := &Transport{
		cfg:   cfg.withDefaults(),
		rt:    rt,
		rtr:   router.New(),
		queue: make(chan pendingSend, 16),
		dev:   dev,
	}
	t.mu.Lock()
	t.connected = true
	t.mu.Unlock()
	t.readerTask = rt.Now(t.read)
	t.writerTask = rt.Now(t.write)
	return t
}

// Connected reports whether the device is currently reachable.
func (t *Transport) Connected() bool {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.connected
}

// Status returns the most recently cached get_status snapshot and
// whether one has ever been received.
func (t *Transport) Status() (status.Status, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.last, t.haveLast
}

// Send enqueues method/params for transmission and invokes cb with the
// eventual response. cb runs on the reactor goroutine. Safe to call
// from any goroutine.
func (t *Transport) Send(method string, params any, cb func(frame.Response)) {
	t.queue <- pendingSend{
		req: frame.Request{Method: method, Params: params},
		cb:  cb,
	}
}

func (t *Transport) connect(now time.Time) time.Time {
	var dev io.ReadWriteCloser
	desc := "device"
	if t.cfg.Dial != nil {
		var err error
		dev, err = t.cfg.Dial()
		if err != nil {
			return now.Add(t.cfg.ReconnectInterval)
		}
	} else {
		path := t.cfg.Path
		if path == "" {
			found, err := Discover(t.cfg.PortMatch)
			if err != nil {
				return now.Add(t.cfg.ReconnectInterval)
			}
			path = found
		}
		var err error
		dev, err = OpenSerial(path, t.cfg.Baud)
		if err != nil {
			return now.Add(t.cfg.ReconnectInterval)
		}
		desc = path
	}
	t.dev = dev
	t.readBuf = t.readBuf[:0]
	t.mu.Lock()
	t.connected = true
	t.mu.Unlock()
	log.Printf("transport: connected to %s", desc)

	t.readerTask = t.rt.Now(t.read)
	t.writerTask = t.rt.Now(t.write)
	t.Send("get_info", nil, func(resp frame.Response) {
		log.Printf("transport: get_info: %+v", resp.Result)
	})
	if t.OnConnect != nil {
		t.OnConnect()
	}
	return reactor.Never
}

func (t *Transport) disconnect() {
	t.mu.Lock()
	t.connected = false
	t.mu.Unlock()
	if t.dev != nil {
		t.dev.Close()
		t.dev = nil
	}
	if t.readerTask != nil {
		t.rt.Unregister(t.readerTask)
		t.readerTask = nil
	}
	if t.writerTask != nil {
		t.rt.Unregister(t.writerTask)
		t.writerTask = nil
	}
	t.rtr.Release()
	t.connectTask = t.rt.Now(t.connect)
}

func (t *Transport) read(now time.Time) time.Time {
	if t.rtr.ForceTimeout(now, t.cfg.RequestTimeout) {
		t.readBuf = t.readBuf[:0]
	}

	buf := make([]byte, 4096)
	n, err := t.dev.Read(buf)
	if err != nil {
		log.Printf("transport: read: %v", err)
		t.disconnect()
		return reactor.Never
	}
	if n == 0 {
		return now.Add(t.cfg.ReaderInterval)
	}
	t.readBuf = append(t.readBuf, buf[:n]...)

	for {
		payload, consumed, err := frame.Decode(t.readBuf)
		if consumed == 0 {
			break
		}
		t.readBuf = t.readBuf[consumed:]
		if err != nil {
			log.Printf("transport: framing error: %v", err)
			continue
		}
		resp, err := frame.DecodeResponse(payload)
		if err != nil {
			log.Printf("transport: bad response payload: %v", err)
			continue
		}
		t.rtr.Resolve(resp.ID, resp)
	}
	return now.Add(t.cfg.ReaderInterval)
}

func (t *Transport) write(now time.Time) time.Time {
	if t.rtr.Locked() {
		return now.Add(t.cfg.PollInterval)
	}

	var req frame.Request
	var cb router.Continuation
	select {
	case task := <-t.queue:
		req, cb = task.req, task.cb
	default:
		req = frame.Request{Method: "get_status"}
		cb = t.cacheStatus
	}

	if !t.rtr.TryAcquire(now) {
		return now.Add(t.cfg.PollInterval)
	}
	id := t.rtr.NextID()
	req.ID = id
	t.rtr.Register(id, cb)

	data, err := frame.EncodeRequest(req)
	if err != nil {
		log.Printf("transport: encode request: %v", err)
		t.rtr.Forget(id)
		t.rtr.Release()
		return now.Add(t.cfg.PollInterval)
	}
	if _, err := t.dev.Write(data); err != nil {
		log.Printf("transport: write: %v", err)
		t.rtr.Forget(id)
		t.disconnect()
		return reactor.Never
	}
	return now.Add(t.cfg.PollInterval)
}

// cacheStatus is the continuation for the writer's implicit get_status
// poll (sent whenever the outgoing queue is empty): it updates the
// cached device snapshot that Status returns. Responses to explicit
// queued requests carry a different result shape and never reach this
// callback.
func (t *Transport) cacheStatus(resp frame.Response) {
	if resp.Code != 0 || resp.Result == nil {
		return
	}
	var s status.Status
	if err := json.Unmarshal(resp.Result, &s); err != nil {
		log.Printf("transport: decode get_status result: %v", err)
		return
	}
	t.mu.Lock()
	t.last = s
	t.haveLast = true
	t.mu.Unlock()
}
