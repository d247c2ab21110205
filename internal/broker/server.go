// Package broker is small embedded MQTT 3.1.1 server for setups
// without external broker. QoS 0 and 1, clean sessions only.
package broker

import (
	"context"
	"crypto/subtle"
	"fmt"
	"net"
	"net/url"
	"sync"
	"sync/atomic"
	"time"

	"github.com/256dpi/gomqtt/broker"
	"github.com/256dpi/gomqtt/packet"
	"github.com/256dpi/gomqtt/topic"
	"github.com/256dpi/gomqtt/transport"
	"github.com/juju/errors"
	"github.com/temoto/alive/v2"
	"github.com/temoto/asiair-mqtt/helpers"
	"github.com/temoto/asiair-mqtt/log2"
)

const (
	DefaultNetworkTimeout = 10 * time.Second
	defaultReadLimit      = 8 << 20 // camera/image PNG
)

var (
	ErrSameClient    = fmt.Errorf("clientid overtake")
	ErrClosing       = fmt.Errorf("server is closing")
	ErrNoSubscribers = fmt.Errorf("no subscribers")
)

// Config is `broker` block.
type Config struct {
	Enable            bool     `hcl:"enable"`
	Listen            []string `hcl:"listen"`
	Username          string   `hcl:"username"`
	Password          string   `hcl:"password"`
	NetworkTimeoutSec int      `hcl:"network_timeout_sec"`
}

type Options struct {
	Log            *log2.Log
	Username       string // empty allows anonymous clients
	Password       string
	NetworkTimeout time.Duration
	AckTimeout     time.Duration
	ReadLimit      int64
	OnClose        func(clientID string, clean bool, err error)
}

func (c *Config) Options(log *log2.Log) Options {
	return Options{
		Log:            log,
		Username:       c.Username,
		Password:       c.Password,
		NetworkTimeout: helpers.IntSecondDefault(c.NetworkTimeoutSec, DefaultNetworkTimeout),
	}
}

type subscription struct {
	pattern string
	client  string
	qos     packet.QOS
}

type Server struct {
	sync.RWMutex

	alive *alive.Alive
	peers struct {
		sync.RWMutex
		m map[string]*peer
	}
	ctx     context.Context
	listens map[string]*transport.NetServer
	log     *log2.Log
	nextid  uint32 // atomic packet.ID
	opt     Options
	retain  *topic.Tree // *packet.Message
	subs    *topic.Tree // *subscription
}

func NewServer(opt Options) *Server {
	if opt.NetworkTimeout == 0 {
		opt.NetworkTimeout = DefaultNetworkTimeout
	}
	if opt.AckTimeout == 0 {
		opt.AckTimeout = 2 * opt.NetworkTimeout
	}
	if opt.ReadLimit == 0 {
		opt.ReadLimit = defaultReadLimit
	}
	s := &Server{
		alive:  alive.NewAlive(),
		log:    opt.Log,
		opt:    opt,
		retain: topic.NewStandardTree(),
		subs:   topic.NewStandardTree(),
	}
	s.peers.m = make(map[string]*peer)
	return s
}

func (s *Server) Addrs() []string {
	s.RLock()
	defer s.RUnlock()
	addrs := make([]string, 0, len(s.listens))
	for _, l := range s.listens {
		addrs = append(addrs, l.Addr().String())
	}
	return addrs
}

// Listen accepts url list like tcp://0.0.0.0:1883 or unix:///run/asiair.sock
func (s *Server) Listen(ctx context.Context, urls []string) error {
	s.Lock()
	defer s.Unlock()

	s.ctx = ctx
	s.listens = make(map[string]*transport.NetServer, len(urls))
	errs := make([]error, 0)
	for _, u := range urls {
		s.log.Debugf("mqtt listen url=%s timeout=%v", u, s.opt.NetworkTimeout)
		ns, err := listen(u)
		if err != nil {
			errs = append(errs, errors.Annotatef(err, "mqtt listen url=%s", u))
			continue
		}
		if !s.alive.Add(1) {
			_ = ns.Close()
			errs = append(errs, errors.Errorf("Listen after Close"))
			break
		}
		s.listens[u] = ns
		go s.acceptLoop(ns, u)
	}
	return helpers.FoldErrors(errs)
}

func (s *Server) Close() error {
	s.alive.Stop()
	errs := make([]error, 0)
	helpers.WithLock(s, func() {
		for key, ns := range s.listens {
			if err := ns.Close(); err != nil {
				errs = append(errs, err)
			}
			delete(s.listens, key)
		}
	})
	helpers.WithLock(s.peers.RLocker(), func() {
		for _, p := range s.peers.m {
			_ = p.die(ErrClosing)
		}
	})
	s.alive.Wait()
	return helpers.FoldErrors(errs)
}

// NextID never returns 0, reserved for QoS 0.
func (s *Server) NextID() packet.ID {
	for {
		if id := packet.ID(atomic.AddUint32(&s.nextid, 1) % (1 << 16)); id != 0 {
			return id
		}
	}
}

// Publish stores retained message and delivers to every matching subscriber.
func (s *Server) Publish(ctx context.Context, msg *packet.Message) error {
	s.log.Debugf("mqtt publish msg=%s", MessageString(msg))
	if msg.Retain {
		if len(msg.Payload) != 0 {
			s.retain.Set(msg.Topic, msg.Copy())
		} else {
			s.retain.Empty(msg.Topic)
		}
	}

	var _a [8]*subscription
	subs := _a[:0]
	uniq := make(map[string]struct{})
	for _, x := range s.subs.Match(msg.Topic) {
		sub := x.(*subscription)
		if _, ok := uniq[sub.client]; !ok {
			uniq[sub.client] = struct{}{}
			subs = append(subs, sub)
		}
	}
	if len(subs) == 0 {
		return ErrNoSubscribers
	}

	errch := make(chan error, len(subs))
	wg := sync.WaitGroup{}
	helpers.WithLock(s.peers.RLocker(), func() {
		for _, sub := range subs {
			p, ok := s.peers.m[sub.client]
			if !ok {
				continue
			}
			pmsg := msg.Copy()
			pmsg.Retain = false
			if sub.qos < pmsg.QOS {
				pmsg.QOS = sub.qos
			}
			id := s.NextID()
			wg.Add(1)
			go func() {
				defer wg.Done()
				if err := p.publish(id, pmsg); err != nil {
					errch <- err
				}
			}()
		}
	})
	wg.Wait()
	close(errch)
	return helpers.FoldErrChan(errch)
}

func (s *Server) Retained() []*packet.Message {
	xs := s.retain.All()
	if len(xs) == 0 {
		return nil
	}
	ms := make([]*packet.Message, len(xs))
	for i, x := range xs {
		ms[i] = x.(*packet.Message)
	}
	return ms
}

func listen(rawurl string) (*transport.NetServer, error) {
	u, err := url.ParseRequestURI(rawurl)
	if err != nil {
		return nil, errors.Annotate(err, "parse url")
	}
	address := u.Host
	switch u.Scheme {
	case "unix":
		address = u.Path
	case "tcp":
	default:
		return nil, errors.NotSupportedf("listen url=%s", rawurl)
	}
	ln, err := net.Listen(u.Scheme, address)
	if err != nil {
		return nil, errors.Annotatef(err, "net.Listen network=%s address=%s", u.Scheme, address)
	}
	return transport.NewNetServer(ln), nil
}

func (s *Server) acceptLoop(ns *transport.NetServer, u string) {
	defer s.alive.Done()
	for {
		conn, err := ns.Accept()
		if !s.alive.IsRunning() {
			if conn != nil {
				_ = conn.Close()
			}
			return
		}
		if err != nil {
			s.log.Errorf("mqtt accept listen=%s err=%v", u, err)
			s.alive.Stop()
			return
		}
		if !s.alive.Add(1) {
			_ = conn.Close()
			return
		}
		go s.processConn(conn)
	}
}

func (s *Server) authorize(pkt *packet.Connect) bool {
	if s.opt.Username == "" {
		return true
	}
	user := subtle.ConstantTimeCompare([]byte(pkt.Username), []byte(s.opt.Username))
	pass := subtle.ConstantTimeCompare([]byte(pkt.Password), []byte(s.opt.Password))
	return user&pass == 1
}

func (s *Server) onAccept(conn transport.Conn) (*peer, error) {
	var err error
	addr := addrString(conn.RemoteAddr())
	defer errors.DeferredAnnotatef(&err, "addr=%s", addr)

	pkt, err := conn.Receive()
	if err != nil {
		return nil, errors.Trace(err)
	}
	pktConnect, ok := pkt.(*packet.Connect)
	if !ok {
		err = broker.ErrUnexpectedPacket
		return nil, errors.Trace(err)
	}

	connack := packet.NewConnack()
	connack.SessionPresent = false
	if pktConnect.ClientID == "" {
		connack.ReturnCode = packet.IdentifierRejected
		_ = conn.Send(connack, false)
		err = errors.Annotate(broker.ErrNotAuthorized, "empty clientid")
		return nil, err
	}
	if !s.authorize(pktConnect) {
		connack.ReturnCode = packet.NotAuthorized
		_ = conn.Send(connack, false)
		err = errors.Annotatef(broker.ErrNotAuthorized, "client=%s username=%s", pktConnect.ClientID, pktConnect.Username)
		return nil, err
	}
	willString := "-"
	if pktConnect.Will != nil {
		willString = MessageString(pktConnect.Will)
	}
	s.log.Debugf("mqtt CONNECT addr=%s client=%s username=%s keepalive=%d will=%s",
		addr, pktConnect.ClientID, pktConnect.Username, pktConnect.KeepAlive, willString)

	// client must send something within one and half keepalive
	keepalive := time.Duration(pktConnect.KeepAlive) * time.Second
	conn.SetReadTimeout(keepalive + keepalive/2)
	connack.ReturnCode = packet.ConnectionAccepted
	if err = conn.Send(connack, false); err != nil {
		return nil, errors.Trace(err)
	}
	return newPeer(s.ctx, conn, s.log, s.opt.AckTimeout, pktConnect), nil
}

func (s *Server) processConn(conn transport.Conn) {
	defer s.alive.Done()

	addrNew := addrString(conn.RemoteAddr())
	conn.SetMaxWriteDelay(0)
	conn.SetReadLimit(s.opt.ReadLimit)
	conn.SetReadTimeout(s.opt.NetworkTimeout)
	p, err := s.onAccept(conn)
	if err != nil {
		s.log.Infof("mqtt onAccept addr=%s err=%v", addrNew, err)
		_ = conn.Close()
		return
	}

	helpers.WithLock(&s.peers, func() {
		if ex, ok := s.peers.m[p.id]; ok {
			s.log.Infof("mqtt client overtake id=%s ex=%s new=%s", p.id, ex.remoteAddr(), addrNew)
			_ = ex.die(ErrSameClient)
		}
		s.peers.m[p.id] = p
	})

	wg := sync.WaitGroup{}
	for {
		pkt, err := p.receive()
		if !p.alive.IsRunning() || !s.alive.IsRunning() {
			_ = p.die(ErrClosing)
			break
		}
		if err != nil {
			break
		}
		wg.Add(1)
		go s.processPacket(p, pkt, &wg)
	}
	wg.Wait()

	_ = p.acks.Await(s.opt.NetworkTimeout)
	p.acks.Clear()
	p.alive.WaitTasks()

	closeErr := p.die(ErrClosing)
	will, clean := p.takeWill()
	helpers.WithLock(&s.peers, func() {
		if ex := s.peers.m[p.id]; p == ex {
			delete(s.peers.m, p.id)
			s.unsubscribeAll(p.id)
		}
	})
	s.log.Debugf("mqtt closed client=%s clean=%t will=%v", p.id, clean, will != nil)
	if !clean && will != nil {
		if err := s.Publish(s.ctx, will); err != nil && err != ErrNoSubscribers {
			s.log.Errorf("mqtt will client=%s err=%v", p.id, err)
		}
	}
	if s.opt.OnClose != nil {
		s.opt.OnClose(p.id, clean, closeErr)
	}
}

func (s *Server) processPacket(p *peer, pkt packet.Generic, finally interface{ Done() }) {
	defer finally.Done()
	err := helpers.WithLockError(s.peers.RLocker(), func() error {
		if ex := s.peers.m[p.id]; p != ex {
			s.log.Errorf("mqtt ignore packet from detached client=%s pkt=%s", p.id, PacketString(pkt))
			return ErrSameClient
		}
		return nil
	})
	if err != nil {
		_ = p.die(err)
		return
	}

	switch pt := pkt.(type) {
	case *packet.Pingreq:
		err = p.send(packet.NewPingresp())

	case *packet.Publish:
		if pt.Message.QOS > packet.QOSAtLeastOnce {
			err = fmt.Errorf("qos %d is not supported", pt.Message.QOS)
			break
		}
		// subscriber failure is not publisher's problem
		if perr := s.Publish(p.ctx, &pt.Message); perr != nil && perr != ErrNoSubscribers {
			s.log.Errorf("mqtt route client=%s msg=%s err=%v", p.id, MessageString(&pt.Message), perr)
		}
		if pt.Message.QOS == packet.QOSAtLeastOnce {
			puback := packet.NewPuback()
			puback.ID = pt.ID
			err = p.send(puback)
		}

	case *packet.Puback:
		err = p.fulfillAck(pt.ID)

	case *packet.Subscribe:
		err = s.onSubscribe(p, pt)

	case *packet.Unsubscribe:
		err = s.onUnsubscribe(p, pt)

	case *packet.Pubrec, *packet.Pubrel, *packet.Pubcomp:
		err = fmt.Errorf("qos2 not supported")

	case *packet.Disconnect:
		p.onDisconnect()
		_ = p.die(nil)
		return

	default:
		err = fmt.Errorf("code error packet is not handled pkt=%s", pkt.String())
	}
	if err != nil {
		s.log.Errorf("mqtt client=%s pkt=%s err=%v", p.id, PacketString(pkt), err)
		_ = p.die(err)
	}
}

func (s *Server) onSubscribe(p *peer, pkt *packet.Subscribe) error {
	// SUBSCRIBE with no payload is protocol violation [MQTT-3.8.3-3]
	if len(pkt.Subscriptions) == 0 {
		return fmt.Errorf("subscribe request with empty sub list")
	}
	suback := packet.NewSuback()
	suback.ID = pkt.ID
	suback.ReturnCodes = make([]packet.QOS, 0, len(pkt.Subscriptions))
	retained := make([]*packet.Message, 0)
	for _, sub := range pkt.Subscriptions {
		qos := sub.QOS
		if qos > packet.QOSAtLeastOnce {
			qos = packet.QOSAtLeastOnce
		}
		s.subs.Add(sub.Topic, &subscription{pattern: sub.Topic, client: p.id, qos: qos})
		suback.ReturnCodes = append(suback.ReturnCodes, qos)
		for _, v := range s.retain.Search(sub.Topic) {
			m := v.(*packet.Message).Copy()
			m.Retain = true
			if qos < m.QOS {
				m.QOS = qos
			}
			retained = append(retained, m)
		}
	}
	if err := p.send(suback); err != nil {
		return errors.Annotate(err, "onSubscribe")
	}
	for _, m := range retained {
		id := s.NextID()
		m := m
		if !p.alive.Add(1) {
			return ErrClosing
		}
		go func() {
			defer p.alive.Done()
			if err := p.publish(id, m); err != nil {
				s.log.Debugf("mqtt retained client=%s err=%v", p.id, err)
			}
		}()
	}
	return nil
}

func (s *Server) onUnsubscribe(p *peer, pkt *packet.Unsubscribe) error {
	for _, pattern := range pkt.Topics {
		for _, value := range s.subs.All() {
			if sub := value.(*subscription); sub.client == p.id && sub.pattern == pattern {
				s.subs.Remove(pattern, value)
			}
		}
	}
	unsuback := packet.NewUnsuback()
	unsuback.ID = pkt.ID
	return errors.Annotate(p.send(unsuback), "onUnsubscribe")
}

func (s *Server) unsubscribeAll(client string) {
	for _, value := range s.subs.All() {
		if sub := value.(*subscription); sub.client == client {
			s.subs.Remove(sub.pattern, value)
		}
	}
}
