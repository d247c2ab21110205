// Package asiair supervises ASIAIR device sessions: startup order, discovery,
// push event routing, image watcher and reconnect policy.
package asiair

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/juju/clock"
	"github.com/juju/errors"
	"github.com/juju/retry"
	"github.com/temoto/alive/v2"
	"github.com/temoto/asiair-mqtt/helpers"
	"github.com/temoto/asiair-mqtt/internal/imaging"
	"github.com/temoto/asiair-mqtt/internal/metrics"
	"github.com/temoto/asiair-mqtt/internal/session"
	"github.com/temoto/asiair-mqtt/internal/wire"
	"github.com/temoto/asiair-mqtt/log2"
)

const (
	EndpointGuide   = "guide"   // telescope and guiding, port 4400
	EndpointImaging = "imaging" // imaging and status, port 4700
	EndpointImage   = "image"   // binary image, port 4800

	DefaultGuidePort    = 4400
	DefaultImagingPort  = 4700
	DefaultImagePort    = 4800
	DefaultCallTimeout  = 30 * time.Second
	DefaultPollInterval = 45 * time.Second
	DefaultAttempts     = 5

	PolicyExit      = "exit"
	PolicyReconnect = "reconnect"
)

// Capability ids shared by router dispatch table and publish collaborator.
const (
	IDPiTarget       = "asiair/target"
	IDPiPage         = "asiair/page"
	IDPiWifiSignal   = "asiair/wifi_signal"
	IDPiWifiFreq     = "asiair/wifi_freq"
	IDPiWifiSSID     = "asiair/wifi_ssid"
	IDPiWifiIP       = "asiair/wifi_ip"
	IDPiWifiGateway  = "asiair/wifi_gateway"
	IDPiWifiNetmask  = "asiair/wifi_netmask"
	IDPiCPUID        = "asiair/cpu_id"
	IDPiCPUTemp      = "asiair/cpu_temp"
	IDPiInputVoltage = "asiair/input_voltage"
	IDPiInputCurrent = "asiair/input_current"
	IDPiInputPower   = "asiair/input_power"

	IDScopeAltitude  = "telescope/altitude"
	IDScopeAzimuth   = "telescope/azimuth"
	IDScopeRA        = "telescope/ra"
	IDScopeDec       = "telescope/dec"
	IDScopePierSide  = "telescope/pier_side"
	IDScopeTrackMode = "telescope/track_mode"
	IDScopeTracking  = "telescope/tracking"
	IDScopeLocation  = "telescope/location"
	IDScopeSlewing   = "telescope/slewing"

	IDFocuserPosition = "focuser/position"
	IDWheelCurrent    = "efw/current"

	IDCameraState       = "camera/state"
	IDCameraGain        = "camera/gain"
	IDCameraExposure    = "camera/exposure"
	IDCameraCoolerPower = "camera/cooler_power"
	IDCameraDewHeater   = "camera/dew_heater"
	IDCameraCooling     = "camera/cooling"
)

// Config is `device` block.
type Config struct {
	Host              string `hcl:"host"`
	GuidePort         int    `hcl:"guide_port"`
	ImagingPort       int    `hcl:"imaging_port"`
	ImagePort         int    `hcl:"image_port"`
	DialTimeoutSec    int    `hcl:"dial_timeout_sec"`
	KeepaliveSec      int    `hcl:"keepalive_sec"`
	CallTimeoutSec    int    `hcl:"call_timeout_sec"` // 0 = default, negative = wait forever
	OnFatal           string `hcl:"on_fatal"`
	ReconnectAttempts int    `hcl:"reconnect_attempts"`
	ReconnectDelaySec int    `hcl:"reconnect_delay_sec"`
}

func (c *Config) Addr(endpoint string) string {
	port := 0
	switch endpoint {
	case EndpointGuide:
		port = c.GuidePort
	case EndpointImaging:
		port = c.ImagingPort
	case EndpointImage:
		port = c.ImagePort
	}
	return net.JoinHostPort(c.Host, strconv.Itoa(port))
}

// EndpointByPort accepts endpoint name or configured port number.
func (c *Config) EndpointByPort(s string) (string, error) {
	switch s {
	case EndpointGuide, strconv.Itoa(c.GuidePort):
		return EndpointGuide, nil
	case EndpointImaging, strconv.Itoa(c.ImagingPort):
		return EndpointImaging, nil
	}
	return "", errors.NotFoundf("endpoint=%s", s)
}

// Poller is steady state publish sweep.
type Poller interface {
	Refresher
	Run(ctx context.Context, interval time.Duration) error
}

type Options struct {
	Device       Config
	Image        bool
	Pipeline     *imaging.Pipeline
	PollInterval time.Duration
	PersistRoot  string

	Clock   clock.Clock
	Dial    func(ctx context.Context, network, addr string) (net.Conn, error)
	Metrics *metrics.Metrics
}

// link is one supervisor round: both sessions and readiness signal.
type link struct {
	guide   *session.Session
	imaging *session.Session
	ready   chan struct{} // both sessions streaming
	next    chan struct{} // closed when replaced by next round
}

type Client struct {
	Facts     *Facts
	ImageFlag helpers.Flag
	// Sink and Poller must be set before Run.
	Sink   Sink
	Poller Poller

	opt     Options
	log     *log2.Log
	persist *Persist
	fetcher *imaging.Fetcher

	mu   sync.RWMutex
	link *link
}

func NewClient(log *log2.Log, opt Options) *Client {
	if opt.Clock == nil {
		opt.Clock = clock.WallClock
	}
	if opt.PollInterval == 0 {
		opt.PollInterval = DefaultPollInterval
	}
	if opt.Device.ReconnectAttempts == 0 {
		opt.Device.ReconnectAttempts = DefaultAttempts
	}
	if opt.Pipeline == nil {
		opt.Pipeline = &imaging.Pipeline{}
	}
	c := &Client{
		Facts:     new(Facts),
		ImageFlag: helpers.NewFlag(),
		opt:       opt,
		log:       log,
		link:      newLink(nil, nil),
	}
	c.persist = NewPersist(log, "facts", c.Facts, opt.PersistRoot)
	if err := c.persist.Load(); err != nil {
		log.Errorf("asiair %v", err)
	}
	c.fetcher = &imaging.Fetcher{
		Addr:        opt.Device.Addr(EndpointImage),
		DialTimeout: helpers.IntSecondDefault(opt.Device.DialTimeoutSec, session.DefaultDialTimeout),
		Log:         log,
		Metrics:     opt.Metrics,
		Dial:        opt.Dial,
	}
	return c
}

func newLink(guide, imaging *session.Session) *link {
	return &link{
		guide:   guide,
		imaging: imaging,
		ready:   make(chan struct{}),
		next:    make(chan struct{}),
	}
}

func (c *Client) current() *link {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.link
}

func (c *Client) install(l *link) {
	c.mu.Lock()
	old := c.link
	c.link = l
	c.mu.Unlock()
	close(old.next)
}

// Run supervises rounds until ctx is done or fatal error under exit policy.
// Returns nil on ctx cancel.
func (c *Client) Run(ctx context.Context) error {
	if c.Sink == nil || c.Poller == nil {
		return errors.NotValidf("asiair client without Sink or Poller")
	}
	if info, ok := c.Facts.PiInfo(); ok {
		// identity from previous run, before device is reachable
		if err := c.Sink.PublishIdentity(info); err != nil {
			c.log.Errorf("asiair publish persisted identity err=%v", err)
		}
	}

	if c.opt.Device.OnFatal != PolicyReconnect {
		_, err := c.round(ctx)
		return err
	}

	// Attempts limit consecutive rounds that fail before steady state.
	for {
		var lived error
		err := retry.Call(retry.CallArgs{
			Func: func() error {
				steady, err := c.round(ctx)
				if steady && err != nil {
					lived = err
					return nil
				}
				return err
			},
			NotifyFunc: func(err error, attempt int) {
				c.log.Errorf("asiair round attempt=%d err=%v", attempt, err)
			},
			Attempts:    c.opt.Device.ReconnectAttempts,
			Delay:       helpers.IntSecondDefault(c.opt.Device.ReconnectDelaySec, 2*time.Second),
			BackoffFunc: retry.DoubleDelay,
			Clock:       c.opt.Clock,
			Stop:        ctx.Done(),
		})
		switch {
		case ctx.Err() != nil:
			return nil
		case err != nil:
			return errors.Annotate(retry.LastError(err), "asiair reconnect attempts exceeded")
		case lived == nil:
			return nil
		}
		c.log.Errorf("asiair reconnect after err=%v", lived)
	}
}

// round runs both sessions, watcher, router, refresh and poller until first fatal error.
// steady reports whether discovery succeeded in this round.
func (c *Client) round(ctx context.Context) (steady bool, _ error) {
	rctx, cancel := context.WithCancel(ctx)
	defer cancel()
	var fatal helpers.AtomicError
	var steadyFlag int32
	a := alive.NewAlive()
	stop := func(err error) {
		if err != nil {
			fatal.StoreOnce(err)
		}
		a.Stop()
		cancel()
	}
	spawn := func(name string, f func(context.Context) error) {
		if !a.Add(1) {
			return
		}
		go func() {
			defer a.Done()
			if err := f(rctx); err != nil {
				stop(errors.Annotatef(err, "asiair %s", name))
			}
		}()
	}

	router := NewRouter(c.log, c.Facts, c.ImageFlag, c.Poller, c.Sink, c.opt.Metrics)
	defer router.Stop()
	guide := c.newSession(EndpointGuide, router)
	imagingSess := c.newSession(EndpointImaging, router)
	l := newLink(guide, imagingSess)
	c.install(l)

	// session end is fatal even without error
	runSession := func(s *session.Session) func(context.Context) error {
		return func(ctx context.Context) error {
			err := s.Run(ctx)
			if err == nil {
				err = errors.Errorf("session %s ended", s.Name())
			}
			return err
		}
	}
	spawn(EndpointGuide, runSession(guide))
	spawn(EndpointImaging, runSession(imagingSess))
	if c.opt.Image {
		w := &imaging.Watcher{
			Flag:      c.ImageFlag,
			Source:    c.fetcher,
			Pipeline:  c.opt.Pipeline,
			Publisher: imagePublisher{c},
			Timeout:   helpers.IntSecondDefault(c.opt.Device.CallTimeoutSec, DefaultCallTimeout) * 4,
			Log:       c.log,
			Metrics:   c.opt.Metrics,
		}
		spawn("image", w.Run)
	}
	// consume events while discovery waits on replies behind them
	spawn("router", router.Run)
	spawn("startup", func(ctx context.Context) error {
		for _, s := range []*session.Session{guide, imagingSess} {
			select {
			case <-s.Ready():
			case <-s.Done():
				return nil // session goroutine reports cause
			case <-ctx.Done():
				return nil
			}
		}
		close(l.ready)
		info, err := c.Discover(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return errors.Annotate(err, "discover")
		}
		if err = c.Sink.PublishIdentity(info); err != nil {
			c.log.Errorf("asiair publish identity err=%v", err)
		}
		atomic.StoreInt32(&steadyFlag, 1)
		c.log.Infof("asiair steady state guid=%s model=%s", info.GUID, info.Model)
		spawn("refresh", router.RunRefresh)
		spawn("poll", func(ctx context.Context) error {
			err := c.Poller.Run(ctx, c.opt.PollInterval)
			if ctx.Err() != nil {
				return nil
			}
			return err
		})
		return nil
	})

	select {
	case <-ctx.Done():
		stop(nil)
	case <-a.StopChan():
	}
	router.Stop()
	guide.Close()
	imagingSess.Close()
	a.Wait()

	err, _ := fatal.Load()
	steady = atomic.LoadInt32(&steadyFlag) == 1
	if ctx.Err() != nil {
		return steady, nil
	}
	if err == nil {
		err = errors.Errorf("asiair round stopped")
	}
	c.log.Errorf("asiair round fatal err=%v", err)
	return steady, err
}

func (c *Client) newSession(endpoint string, router *Router) *session.Session {
	d := &c.opt.Device
	return session.New(session.Config{
		Name:        endpoint,
		Addr:        d.Addr(endpoint),
		DialTimeout: helpers.IntSecondDefault(d.DialTimeoutSec, session.DefaultDialTimeout),
		Keepalive:   helpers.IntSecondDefault(d.KeepaliveSec, session.DefaultKeepalive),
		CallTimeout: helpers.IntSecondDefault(d.CallTimeoutSec, DefaultCallTimeout),
		Clock:       c.opt.Clock,
		Dial:        c.opt.Dial,
		OnEvent:     router.Push,
		Metrics:     c.opt.Metrics,
	}, c.log)
}

// WaitReady blocks until both RPC sessions of current or next round are streaming.
func (c *Client) WaitReady(ctx context.Context) error {
	for {
		l := c.current()
		select {
		case <-l.ready:
			return nil
		case <-l.next:
		case <-ctx.Done():
			return errors.Annotate(ctx.Err(), "asiair wait ready")
		}
	}
}

func (c *Client) session(endpoint string) (*session.Session, error) {
	l := c.current()
	var s *session.Session
	switch endpoint {
	case EndpointGuide:
		s = l.guide
	case EndpointImaging:
		s = l.imaging
	default:
		return nil, errors.NotFoundf("endpoint=%s", endpoint)
	}
	if s == nil {
		return nil, &session.ClosedError{Endpoint: endpoint, Reason: fmt.Errorf("not connected")}
	}
	return s, nil
}

func (c *Client) Call(ctx context.Context, endpoint, method string, params ...interface{}) (json.RawMessage, error) {
	s, err := c.session(endpoint)
	if err != nil {
		return nil, err
	}
	return s.Call(ctx, method, params...)
}

// CallInto decodes result into typed schema.
func (c *Client) CallInto(ctx context.Context, out interface{}, endpoint, method string, params ...interface{}) error {
	raw, err := c.Call(ctx, endpoint, method, params...)
	if err != nil {
		return err
	}
	return errors.Annotatef(wire.Unmarshal(raw, out), "%s %s", endpoint, method)
}

func (c *Client) Notify(ctx context.Context, endpoint, method string, params ...interface{}) error {
	s, err := c.session(endpoint)
	if err != nil {
		return err
	}
	return s.Notify(ctx, method, params...)
}

// Discover fetches device identity, caches and persists it.
func (c *Client) Discover(ctx context.Context) (wire.PiInfo, error) {
	var info wire.PiInfo
	if err := c.CallInto(ctx, &info, EndpointImaging, "pi_get_info"); err != nil {
		return info, err
	}
	if !info.Valid() {
		return info, errors.NotValidf("pi_get_info without guid")
	}
	c.Facts.SetPiInfo(info)
	if err := c.persist.Store(); err != nil {
		c.log.Errorf("asiair %v", err)
	}
	return info, nil
}

type imagePublisher struct{ c *Client }

func (p imagePublisher) PublishImage(b []byte) error {
	p.c.Facts.MarkImage(p.c.opt.Clock.Now())
	return p.c.Sink.PublishImage(b)
}
