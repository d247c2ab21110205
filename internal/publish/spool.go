package publish

import (
	"sync/atomic"
	"time"

	"github.com/golang/protobuf/proto"
	"github.com/juju/clock"
	"github.com/juju/errors"
	"github.com/temoto/alive/v2"
	"github.com/temoto/asiair-mqtt/log2"
	"github.com/temoto/spq"
)

// spool record kind, first varint of every record
const spoolMessage uint64 = 1

const (
	DefaultSpoolRetry    = 5 * time.Second
	DefaultSpoolMaxBytes = 64 << 20
)

// ErrSpoolFull is returned by Push when undelivered records exceed MaxBytes.
var ErrSpoolFull = errors.New("spool full")

// Record is one message waiting for broker delivery.
type Record struct {
	Topic   string
	Payload []byte
	Retain  bool
}

func (r *Record) MarshalBinary() ([]byte, error) {
	buf := proto.NewBuffer(make([]byte, 0, len(r.Topic)+len(r.Payload)+16))
	retain := uint64(0)
	if r.Retain {
		retain = 1
	}
	if err := buf.EncodeVarint(spoolMessage); err != nil {
		return nil, err
	}
	if err := buf.EncodeStringBytes(r.Topic); err != nil {
		return nil, err
	}
	if err := buf.EncodeRawBytes(r.Payload); err != nil {
		return nil, err
	}
	if err := buf.EncodeVarint(retain); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func (r *Record) UnmarshalBinary(b []byte) error {
	buf := proto.NewBuffer(b)
	kind, err := buf.DecodeVarint()
	if err != nil {
		return errors.NewNotValid(err, "spool record kind")
	}
	if kind != spoolMessage {
		return errors.NotValidf("spool record kind=%d", kind)
	}
	if r.Topic, err = buf.DecodeStringBytes(); err != nil {
		return errors.NewNotValid(err, "spool record topic")
	}
	if r.Payload, err = buf.DecodeRawBytes(true); err != nil {
		return errors.NewNotValid(err, "spool record payload")
	}
	retain, err := buf.DecodeVarint()
	if err != nil {
		return errors.NewNotValid(err, "spool record retain")
	}
	r.Retain = retain != 0
	return nil
}

type SendFunc func(*Record) error

// Spool is durable at-least-once queue in front of broker transport.
// Push blocks only for disk write, worker delivers in background.
// Size limit counts records pushed since open, backlog left from previous run is not counted.
type Spool struct {
	MaxBytes int64

	q       *spq.Queue
	send    SendFunc
	log     *log2.Log
	clock   clock.Clock
	retry   time.Duration
	alive   *alive.Alive
	pending int64 // atomic
}

// OpenSpool path=spq.OnlyForTesting keeps queue in memory.
func OpenSpool(log *log2.Log, path string, send SendFunc, clk clock.Clock) (*Spool, error) {
	q, err := spq.Open(path)
	if err != nil {
		return nil, errors.Annotatef(err, "spool open path=%s", path)
	}
	if clk == nil {
		clk = clock.WallClock
	}
	s := &Spool{
		MaxBytes: DefaultSpoolMaxBytes,
		q:        q,
		send:     send,
		log:      log,
		clock:    clk,
		retry:    DefaultSpoolRetry,
		alive:    alive.NewAlive(),
	}
	s.alive.Add(1)
	go s.worker()
	return s, nil
}

func (s *Spool) Push(r *Record) error {
	size := recordSize(r)
	if s.MaxBytes > 0 && atomic.LoadInt64(&s.pending)+size > s.MaxBytes {
		return errors.Annotatef(ErrSpoolFull, "spool push topic=%s size=%d", r.Topic, size)
	}
	if err := s.q.MarshalPush(r); err != nil {
		return errors.Annotate(err, "spool push")
	}
	atomic.AddInt64(&s.pending, size)
	return nil
}

// Pending returns approximate size of undelivered records pushed since open.
func (s *Spool) Pending() int64 { return atomic.LoadInt64(&s.pending) }

func recordSize(r *Record) int64 { return int64(len(r.Topic) + len(r.Payload)) }

func (s *Spool) release(r *Record) {
	if atomic.AddInt64(&s.pending, -recordSize(r)) < 0 {
		atomic.StoreInt64(&s.pending, 0)
	}
}

// Close stops worker, undelivered records stay on disk.
func (s *Spool) Close() error {
	s.alive.Stop()
	err := s.q.Close()
	s.alive.Wait()
	return err
}

func (s *Spool) worker() {
	defer s.alive.Done()
	for {
		box, err := s.q.Peek()
		switch err {
		case nil:
			if !s.handle(box) {
				// broker unavailable, keep order and wait
				select {
				case <-s.clock.After(s.retry):
				case <-s.alive.StopChan():
					return
				}
			}

		case spq.ErrClosed:
			select {
			case <-s.alive.StopChan(): // success path
			default:
				s.log.Errorf("CRITICAL spool closed unexpectedly")
			}
			return

		default:
			s.log.Errorf("CRITICAL spool err=%v", err)
			select {
			case <-s.clock.After(s.retry):
			case <-s.alive.StopChan():
				return
			}
		}
	}
}

// handle returns false when delivery should be retried later.
func (s *Spool) handle(box spq.Box) bool {
	var r Record
	if err := box.Unmarshal(&r); err != nil {
		s.log.Errorf("spool drop b=%x err=%v", box.Bytes(), err)
		if err = s.q.Delete(box); err != nil {
			s.log.Errorf("spool Delete err=%v", err)
		}
		return true
	}
	if err := s.send(&r); err != nil {
		s.log.Debugf("spool send topic=%s err=%v", r.Topic, err)
		return false
	}
	if err := s.q.Delete(box); err != nil {
		s.log.Errorf("spool Delete topic=%s err=%v", r.Topic, err)
	}
	s.release(&r)
	return true
}
