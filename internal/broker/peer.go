package broker

import (
	"context"
	"fmt"
	"io"
	"net"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/256dpi/gomqtt/client/future"
	"github.com/256dpi/gomqtt/packet"
	"github.com/256dpi/gomqtt/transport"
	"github.com/juju/errors"
	"github.com/temoto/alive/v2"
	"github.com/temoto/asiair-mqtt/helpers"
	"github.com/temoto/asiair-mqtt/log2"
)

// peer is server side state of one connected client.
type peer struct {
	alive      *alive.Alive
	acks       *future.Store
	ackTimeout time.Duration
	conn       transport.Conn
	connmu     sync.RWMutex
	ctx        context.Context
	disco      uint32 // atomic, DISCONNECT received
	err        helpers.AtomicError
	id         string
	log        *log2.Log
	username   string
	will       *packet.Message
	willmu     sync.Mutex
}

func newPeer(ctx context.Context, conn transport.Conn, log *log2.Log, ackTimeout time.Duration, pkt *packet.Connect) *peer {
	p := &peer{
		alive:      alive.NewAlive(),
		acks:       future.NewStore(),
		ackTimeout: ackTimeout,
		conn:       conn,
		ctx:        ctx,
		id:         pkt.ClientID,
		log:        log,
		username:   pkt.Username,
	}
	if pkt.Will != nil {
		p.will = pkt.Will.Copy()
	}
	return p
}

func (p *peer) expectAck(id packet.ID) *future.Future {
	f := future.New()
	if !p.alive.Add(1) {
		f.Cancel(ErrClosing)
		return f
	}
	go func() {
		defer p.alive.Done()
		if err := f.Wait(p.ackTimeout); err == future.ErrTimeout {
			f.Cancel(err)
		}
		p.acks.Delete(id)
	}()

	if ex := p.acks.Get(id); ex != nil {
		err := errors.Errorf("CRITICAL expectAck overwriting client=%s id=%d", p.id, id)
		p.log.Error(err)
		ex.Cancel(err)
		f.Cancel(err)
		return f
	}
	p.acks.Put(id, f)
	return f
}

// publish delivers message, QoS 1 waits for PUBACK.
func (p *peer) publish(id packet.ID, msg *packet.Message) error {
	if !p.alive.Add(1) {
		return ErrClosing
	}
	defer p.alive.Done()

	pub := packet.NewPublish()
	pub.ID = id
	pub.Message = *msg
	switch msg.QOS {
	case packet.QOSAtMostOnce:
		pub.ID = 0
		return p.send(pub)

	case packet.QOSAtLeastOnce:
		if pub.ID == 0 {
			return errors.Errorf("code error QOSAtLeastOnce requires non-zero packet id message=%s", MessageString(msg))
		}
		f := p.expectAck(pub.ID)
		if err := p.send(pub); err != nil {
			f.Cancel(err)
		}
		err := f.Wait(p.ackTimeout)
		if err == nil {
			return nil
		}
		if err == future.ErrCanceled {
			if err, _ = f.Result().(error); err == nil {
				err = errors.Errorf("code error ack future canceled with nil")
			}
		}
		return p.die(errors.Annotatef(err, "expect puback client=%s id=%d", p.id, pub.ID))

	default:
		panic("code error QOS > 1 is not supported")
	}
}

func (p *peer) receive() (packet.Generic, error) {
	conn := p.getConn()
	if conn == nil {
		return nil, ErrClosing
	}
	pkt, err := conn.Receive()
	p.log.Debugf("mqtt recv client=%s pkt=%s err=%v", p.id, PacketString(pkt), err)
	switch {
	case err == nil:
		return pkt, nil

	case err == io.EOF:
		_ = p.die(err)
		return nil, err

	case !p.alive.IsRunning() && isClosedConn(err):
		// conn.Close was used to interrupt blocking Receive
		return nil, ErrClosing

	default:
		_ = p.die(err)
		return nil, err
	}
}

func (p *peer) send(pkt packet.Generic) error {
	conn := p.getConn()
	if conn == nil {
		return ErrClosing
	}
	p.log.Debugf("mqtt send client=%s pkt=%s", p.id, PacketString(pkt))
	if err := conn.Send(pkt, false); err != nil {
		if !p.alive.IsRunning() && isClosedConn(err) {
			return ErrClosing
		}
		return p.die(errors.Annotatef(err, "client=%s", p.id))
	}
	return nil
}

func (p *peer) fulfillAck(id packet.ID) error {
	f := p.acks.Get(id)
	if f == nil {
		return fmt.Errorf("unexpected puback client=%s id=%d", p.id, id)
	}
	if !f.Complete(nil) {
		return future.ErrCanceled
	}
	return nil
}

func (p *peer) remoteAddr() string {
	if conn := p.getConn(); conn != nil {
		return addrString(conn.RemoteAddr())
	}
	return ""
}

// die closes connection once, returns error stored before.
func (p *peer) die(e error) error {
	err, found := p.err.StoreOnce(e)
	if found {
		return err
	}
	p.log.Debugf("mqtt die client=%s e=%v", p.id, e)
	p.alive.Stop()
	helpers.WithLock(&p.connmu, func() {
		if p.conn != nil {
			_ = p.conn.Close()
			p.conn = nil
		}
	})
	return e
}

func (p *peer) getConn() transport.Conn {
	p.connmu.RLock()
	c := p.conn
	p.connmu.RUnlock()
	return c
}

// takeWill returns will message unless client disconnected cleanly.
func (p *peer) takeWill() (*packet.Message, bool) {
	clean := atomic.LoadUint32(&p.disco) == 1
	p.willmu.Lock()
	defer p.willmu.Unlock()
	m := p.will
	p.will = nil
	return m, clean
}

func (p *peer) onDisconnect() {
	atomic.StoreUint32(&p.disco, 1)
	helpers.WithLock(&p.willmu, func() { p.will = nil })
}

func addrString(a net.Addr) string {
	if a == nil {
		return ""
	}
	return a.String()
}

func isClosedConn(e error) bool {
	return e != nil && strings.HasSuffix(e.Error(), "use of closed network connection")
}

// PacketString shows PUBLISH payload as hex.
func PacketString(p packet.Generic) string {
	if p == nil {
		return "(nil)"
	}
	if pub, ok := p.(*packet.Publish); ok {
		return fmt.Sprintf("<Publish ID=%d Dup=%t %s>", pub.ID, pub.Dup, MessageString(&pub.Message))
	}
	return p.String()
}

func MessageString(m *packet.Message) string {
	if m == nil {
		return "message=nil"
	}
	payload := m.Payload
	suffix := ""
	if len(payload) > 64 {
		payload, suffix = payload[:64], "..."
	}
	return fmt.Sprintf("Topic=%q QOS=%d Retain=%t Payload=%x%s", m.Topic, m.QOS, m.Retain, payload, suffix)
}
