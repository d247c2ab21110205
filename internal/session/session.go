// Package session owns one long-lived ASIAIR RPC connection.
// Writer goroutine drains outbound queue and assigns ids at send time,
// reader goroutine routes replies to waiting callers and forwards push events.
package session

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/juju/clock"
	"github.com/juju/errors"
	"github.com/temoto/alive/v2"
	"github.com/temoto/asiair-mqtt/helpers"
	"github.com/temoto/asiair-mqtt/internal/metrics"
	"github.com/temoto/asiair-mqtt/internal/wire"
	"github.com/temoto/asiair-mqtt/log2"
)

const (
	DefaultKeepalive   = 8 * time.Second
	DefaultDialTimeout = 10 * time.Second
	DefaultQueueSize   = 64
	maxLine            = 1 << 20
)

type State int32

const (
	StateConnecting State = iota
	StateStreaming
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateStreaming:
		return "streaming"
	case StateClosed:
		return "closed"
	}
	return fmt.Sprintf("state(%d)", int32(s))
}

type Event struct {
	Endpoint string
	Name     string
	Payload  json.RawMessage
}

type Config struct {
	Name        string // endpoint name for logs and metrics
	Addr        string
	DialTimeout time.Duration
	Keepalive   time.Duration
	CallTimeout time.Duration // 0 = wait until reply or teardown
	QueueSize   int

	Clock   clock.Clock
	Dial    func(ctx context.Context, network, addr string) (net.Conn, error)
	OnEvent func(Event)
	Metrics *metrics.Metrics
}

type pendingCall struct {
	id     uint32 // 0 until sent
	method string
	f      *helpers.Future
}

type item struct {
	ctx    context.Context
	method string
	params []interface{}
	call   *pendingCall // nil for fire-and-forget
}

type Session struct {
	cfg   Config
	log   *log2.Log
	alive *alive.Alive
	queue chan item
	ready chan struct{}
	state int32
	err   helpers.AtomicError

	mu       sync.Mutex
	conn     net.Conn
	inflight map[uint32]*pendingCall
	nextID   uint32
}

func New(cfg Config, log *log2.Log) *Session {
	if cfg.Keepalive == 0 {
		cfg.Keepalive = DefaultKeepalive
	}
	if cfg.DialTimeout == 0 {
		cfg.DialTimeout = DefaultDialTimeout
	}
	if cfg.QueueSize == 0 {
		cfg.QueueSize = DefaultQueueSize
	}
	if cfg.Clock == nil {
		cfg.Clock = clock.WallClock
	}
	if cfg.Name == "" {
		cfg.Name = cfg.Addr
	}
	s := &Session{
		cfg:      cfg,
		log:      log,
		alive:    alive.NewAlive(),
		queue:    make(chan item, cfg.QueueSize),
		ready:    make(chan struct{}),
		inflight: make(map[uint32]*pendingCall),
		nextID:   1,
	}
	s.cfg.Metrics.RecordSessionState(cfg.Name, int(StateConnecting))
	return s
}

func (s *Session) Name() string { return s.cfg.Name }

func (s *Session) State() State { return State(atomic.LoadInt32(&s.state)) }

// Ready is closed on entering Streaming.
func (s *Session) Ready() <-chan struct{} { return s.ready }

// Done is closed on entering Closed.
func (s *Session) Done() <-chan struct{} { return s.alive.StopChan() }

// Err returns cause of Closed state, nil while session is alive.
func (s *Session) Err() error {
	err, _ := s.err.Load()
	return err
}

// Run connects and blocks until the session is closed. Returns cause of closure.
// Session is single use, create new one to reconnect.
func (s *Session) Run(ctx context.Context) error {
	dial := s.cfg.Dial
	if dial == nil {
		d := net.Dialer{Timeout: s.cfg.DialTimeout}
		dial = d.DialContext
	}
	s.log.Debugf("session %s dial addr=%s", s.cfg.Name, s.cfg.Addr)
	conn, err := dial(ctx, "tcp", s.cfg.Addr)
	if err != nil {
		err = errors.Annotatef(err, "session %s dial addr=%s", s.cfg.Name, s.cfg.Addr)
		s.die(err)
		return err
	}
	return s.Serve(ctx, conn)
}

// Serve runs session over established connection.
func (s *Session) Serve(ctx context.Context, conn net.Conn) error {
	dec, err := wire.NewDecoder()
	if err != nil {
		_ = conn.Close()
		s.die(err)
		return err
	}
	s.mu.Lock()
	s.conn = conn
	s.mu.Unlock()
	if !s.alive.Add(2) {
		_ = conn.Close()
		return s.Err()
	}
	s.setState(StateStreaming)
	close(s.ready)
	s.log.Infof("session %s streaming addr=%s", s.cfg.Name, conn.RemoteAddr())

	go s.writer(conn)
	go s.reader(conn, dec)
	select {
	case <-ctx.Done():
		s.die(errors.Annotatef(ctx.Err(), "session %s", s.cfg.Name))
	case <-s.alive.StopChan():
	}
	s.alive.Wait()
	return s.Err()
}

// Close tears down the session, all pending calls fail with ClosedError.
func (s *Session) Close() {
	s.die(errors.Errorf("session %s closed by client", s.cfg.Name))
	s.alive.Wait()
}

// Notify enqueues fire-and-forget request. No id is reserved until the writer sends it.
func (s *Session) Notify(ctx context.Context, method string, params ...interface{}) error {
	if _, err := wire.Encode(0, method, params...); err != nil {
		return err
	}
	return s.enqueue(ctx, item{ctx: ctx, method: method, params: params})
}

// Call enqueues request and waits for reply, session teardown, ctx or call timeout.
// Result is raw JSON of reply "result" field.
func (s *Session) Call(ctx context.Context, method string, params ...interface{}) (json.RawMessage, error) {
	if _, err := wire.Encode(0, method, params...); err != nil {
		return nil, err
	}
	begin := s.cfg.Clock.Now()
	pc := &pendingCall{method: method, f: helpers.NewFuture()}
	if err := s.enqueue(ctx, item{ctx: ctx, method: method, params: params, call: pc}); err != nil {
		s.record(method, err, begin)
		return nil, err
	}

	var timeoutCh <-chan time.Time
	if s.cfg.CallTimeout > 0 {
		timeoutCh = s.cfg.Clock.After(s.cfg.CallTimeout)
	}
	select {
	case <-pc.f.Completed():
	case <-pc.f.Cancelled():
	case <-s.alive.StopChan():
		// queued but never sent items are not in flight table
		pc.f.Cancel(s.closedError())
	case <-timeoutCh:
		if pc.f.Cancel(errors.Timeoutf("session %s method=%s timeout=%s", s.cfg.Name, method, s.cfg.CallTimeout)) {
			s.forget(pc)
		}
	case <-ctx.Done():
		if pc.f.Cancel(errors.Annotatef(ctx.Err(), "session %s method=%s", s.cfg.Name, method)) {
			s.forget(pc)
		}
	}
	result, err := pc.f.Result()
	s.record(method, err, begin)
	if err != nil {
		return nil, err
	}
	return result.(json.RawMessage), nil
}

// InFlight returns number of sent calls awaiting reply.
func (s *Session) InFlight() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.inflight)
}

func (s *Session) enqueue(ctx context.Context, it item) error {
	select {
	case <-s.alive.StopChan():
		return s.closedError()
	default:
	}
	select {
	case s.queue <- it:
		return nil
	case <-s.alive.StopChan():
		return s.closedError()
	case <-ctx.Done():
		return errors.Annotatef(ctx.Err(), "session %s enqueue method=%s", s.cfg.Name, it.method)
	}
}

func (s *Session) writer(conn net.Conn) {
	defer s.alive.Done()
	stopch := s.alive.StopChan()
	idle := s.cfg.Clock.NewTimer(s.cfg.Keepalive)
	defer idle.Stop()
	// restart idle timer before write
	restart := func(fired bool) {
		if !fired && !idle.Stop() {
			select {
			case <-idle.Chan():
			default:
			}
		}
		idle.Reset(s.cfg.Keepalive)
	}
	for {
		select {
		case <-stopch:
			return

		case it := <-s.queue:
			if b, id, ok := s.prepare(it); ok {
				restart(false)
				s.write(conn, b, id, it.method)
			}

		case <-idle.Chan():
			s.cfg.Metrics.RecordKeepalive(s.cfg.Name)
			b, id, _ := s.prepare(item{method: wire.MethodKeepalive})
			restart(true)
			s.write(conn, b, id, wire.MethodKeepalive)
		}
	}
}

// prepare promotes queued item to tracked id and encodes the frame.
func (s *Session) prepare(it item) ([]byte, uint32, bool) {
	if it.ctx != nil && it.ctx.Err() != nil {
		if it.call != nil {
			it.call.f.Cancel(errors.Annotatef(it.ctx.Err(), "session %s method=%s not sent", s.cfg.Name, it.method))
		}
		s.log.Debugf("session %s skip cancelled method=%s", s.cfg.Name, it.method)
		return nil, 0, false
	}
	if it.call != nil && it.call.f.Done() {
		s.log.Debugf("session %s skip resolved method=%s", s.cfg.Name, it.method)
		return nil, 0, false
	}

	s.mu.Lock()
	id := s.nextID
	s.nextID++
	if s.nextID == 0 {
		s.nextID = 1
	}
	if it.call != nil {
		it.call.id = id
		s.inflight[id] = it.call
	}
	s.mu.Unlock()

	// params were validated on enqueue
	b, err := wire.Encode(id, it.method, it.params...)
	if err != nil {
		s.die(errors.Annotatef(err, "session %s encode id=%d method=%s", s.cfg.Name, id, it.method))
		return nil, 0, false
	}
	return b, id, true
}

func (s *Session) write(conn net.Conn, b []byte, id uint32, method string) {
	if b == nil {
		return
	}
	s.log.Debugf("session %s send %s", s.cfg.Name, b[:len(b)-2])
	if err := helpers.WriteAll(conn, b); err != nil {
		s.die(errors.Annotatef(err, "session %s write id=%d method=%s", s.cfg.Name, id, method))
	}
}

func (s *Session) reader(conn net.Conn, dec *wire.Decoder) {
	defer s.alive.Done()
	r := bufio.NewReaderSize(conn, 64<<10)
	for {
		line, err := r.ReadSlice('\n')
		if err == bufio.ErrBufferFull {
			// long line, accumulate the rest
			buf := append([]byte(nil), line...)
			for err == bufio.ErrBufferFull && len(buf) < maxLine {
				line, err = r.ReadSlice('\n')
				buf = append(buf, line...)
			}
			line = buf
		}
		if len(line) > 0 {
			s.handleLine(dec, line)
		}
		if err != nil {
			if err == io.EOF {
				err = errors.Annotatef(io.ErrUnexpectedEOF, "session %s remote closed", s.cfg.Name)
			} else {
				err = errors.Annotatef(err, "session %s read", s.cfg.Name)
			}
			s.die(err)
			return
		}
	}
}

func (s *Session) handleLine(dec *wire.Decoder, line []byte) {
	f, err := dec.Decode(line)
	if err != nil {
		s.cfg.Metrics.RecordFrame(s.cfg.Name, "dropped")
		s.log.Errorf("session %s decode err=%v line=%q", s.cfg.Name, err, trim(line, 256))
		return
	}
	handled := false
	if f.IsReply() {
		handled = true
		s.resolve(f)
	}
	if f.IsEvent() {
		handled = true
		s.cfg.Metrics.RecordFrame(s.cfg.Name, "event")
		if s.cfg.OnEvent != nil {
			s.cfg.OnEvent(Event{Endpoint: s.cfg.Name, Name: f.Event, Payload: f.Raw})
		}
	}
	if !handled {
		s.cfg.Metrics.RecordFrame(s.cfg.Name, "other")
		s.log.Debugf("session %s ignore %s", s.cfg.Name, f.String())
	}
}

func (s *Session) resolve(f *wire.Frame) {
	s.mu.Lock()
	pc, ok := s.inflight[f.ID]
	if ok {
		delete(s.inflight, f.ID)
	}
	s.mu.Unlock()
	if !ok {
		s.cfg.Metrics.RecordFrame(s.cfg.Name, "unmatched")
		s.log.Debugf("session %s unmatched %s", s.cfg.Name, f.String())
		return
	}
	s.cfg.Metrics.RecordFrame(s.cfg.Name, "reply")
	if pc.method != f.Method {
		s.log.Debugf("session %s id=%d sent method=%s reply method=%s", s.cfg.Name, f.ID, pc.method, f.Method)
	}
	if f.HasResult {
		pc.f.Complete(f.Result)
	} else {
		pc.f.Cancel(&RPCError{Endpoint: s.cfg.Name, Method: pc.method, ID: f.ID, Payload: f.Error})
	}
}

// forget removes timed out or cancelled call from flight table.
func (s *Session) forget(pc *pendingCall) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if pc.id != 0 && s.inflight[pc.id] == pc {
		delete(s.inflight, pc.id)
	}
}

func (s *Session) die(err error) {
	if _, set := s.err.StoreOnce(err); set {
		return
	}
	if err != nil {
		s.log.Errorf("session %s closed err=%v", s.cfg.Name, err)
	}
	s.setState(StateClosed)
	s.alive.Stop()

	s.mu.Lock()
	conn := s.conn
	pending := s.inflight
	s.inflight = make(map[uint32]*pendingCall)
	s.mu.Unlock()
	if conn != nil {
		_ = conn.Close()
	}
	cerr := s.closedError()
	for id, pc := range pending {
		if pc.f.Cancel(cerr) {
			s.log.Debugf("session %s fail pending id=%d method=%s", s.cfg.Name, id, pc.method)
		}
	}
}

func (s *Session) closedError() error {
	return &ClosedError{Endpoint: s.cfg.Name, Reason: s.Err()}
}

func (s *Session) setState(st State) {
	atomic.StoreInt32(&s.state, int32(st))
	s.cfg.Metrics.RecordSessionState(s.cfg.Name, int(st))
}

func (s *Session) record(method string, err error, begin time.Time) {
	outcome := "ok"
	switch {
	case err == nil:
	case IsClosed(err):
		outcome = "closed"
	case errors.IsTimeout(err):
		outcome = "timeout"
	case IsRPCError(err):
		outcome = "error"
	default:
		outcome = "cancel"
	}
	s.cfg.Metrics.RecordCall(s.cfg.Name, method, outcome, s.cfg.Clock.Now().Sub(begin))
	if err != nil && outcome != "error" {
		s.log.Debugf("session %s method=%s outcome=%s err=%v", s.cfg.Name, method, outcome, err)
	}
}

func trim(b []byte, n int) []byte {
	if len(b) > n {
		return b[:n]
	}
	return b
}
