package asiair

import (
	"context"
	"sync"
	"time"

	"github.com/juju/errors"
	"github.com/temoto/asiair-mqtt/helpers"
	"github.com/temoto/asiair-mqtt/internal/metrics"
	"github.com/temoto/asiair-mqtt/internal/session"
	"github.com/temoto/asiair-mqtt/internal/wire"
	"github.com/temoto/asiair-mqtt/log2"
)

// Push event names
const (
	EventExposure            = "Exposure"
	EventTemperature         = "Temperature"
	EventCoolerPower         = "CoolerPower"
	EventPiStatus            = "PiStatus"
	EventScopeTrack          = "ScopeTrack"
	EventWheelMove           = "WheelMove"
	EventCameraControlChange = "CameraControlChange"
	EventFocuserMove         = "FocuserMove"

	stateComplete = "complete"
)

// DefaultEventQueue bounds events waiting for dispatch, oldest are dropped on overflow.
const DefaultEventQueue = 4096

// Refresher re-fetches and publishes values by capability id.
type Refresher interface {
	Refresh(ctx context.Context, ids ...string)
}

// Sink is publish collaborator.
type Sink interface {
	Publish(id string, value interface{}) error
	PublishImage(png []byte) error
	PublishIdentity(info wire.PiInfo) error
}

type handlerFunc func(ctx context.Context, ev session.Event) error

// Router is single consumer of push events from all sessions, in arrival order.
// Push never blocks the session reader. Handlers only request refreshes,
// RunRefresh performs them so a handler never waits on a session reply.
type Router struct {
	facts     *Facts
	imageFlag helpers.Flag
	refresher Refresher
	sink      Sink
	log       *log2.Log
	metrics   *metrics.Metrics
	now       func() time.Time
	queueMax  int

	mu      sync.Mutex
	queue   []session.Event
	pending []string
	stopped bool

	eventFlag   helpers.Flag
	refreshFlag helpers.Flag
	stopOnce    sync.Once
	stopch      chan struct{}
	table       map[string]handlerFunc
}

func NewRouter(log *log2.Log, facts *Facts, imageFlag helpers.Flag, refresher Refresher, sink Sink, m *metrics.Metrics) *Router {
	r := &Router{
		facts:       facts,
		imageFlag:   imageFlag,
		refresher:   refresher,
		sink:        sink,
		log:         log,
		metrics:     m,
		now:         time.Now,
		queueMax:    DefaultEventQueue,
		eventFlag:   helpers.NewFlag(),
		refreshFlag: helpers.NewFlag(),
		stopch:      make(chan struct{}),
	}
	r.table = map[string]handlerFunc{
		EventExposure:            r.onExposure,
		EventTemperature:         r.onTemperature,
		EventCoolerPower:         r.refreshOn(IDCameraCoolerPower),
		EventPiStatus:            r.onPiStatus,
		EventScopeTrack:          r.onScopeTrack,
		EventWheelMove:           r.onWheelMove,
		EventCameraControlChange: r.refreshOn(IDCameraGain, IDCameraExposure, IDCameraCoolerPower, IDCameraDewHeater, IDCameraCooling),
		EventFocuserMove:         r.refreshOn(IDFocuserPosition),
	}
	return r
}

// Push is session.Config.OnEvent. Never blocks, no-op after Stop.
func (r *Router) Push(ev session.Event) {
	r.mu.Lock()
	if r.stopped {
		r.mu.Unlock()
		return
	}
	if len(r.queue) >= r.queueMax {
		dropped := r.queue[0]
		r.queue[0] = session.Event{}
		r.queue = r.queue[1:]
		r.metrics.RecordEventDropped()
		r.log.Debugf("router queue full, drop event=%s endpoint=%s", dropped.Name, dropped.Endpoint)
	}
	r.queue = append(r.queue, ev)
	r.mu.Unlock()
	r.eventFlag.Set()
}

// Stop discards queued events and pending refreshes, router does not consume after Stop.
func (r *Router) Stop() {
	r.mu.Lock()
	r.stopped = true
	r.queue = nil
	r.pending = nil
	r.mu.Unlock()
	r.stopOnce.Do(func() { close(r.stopch) })
}

// Queued returns number of events waiting for dispatch.
func (r *Router) Queued() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.queue)
}

// Run dispatches queued events in arrival order until ctx is done or Stop.
func (r *Router) Run(ctx context.Context) error {
	for {
		for {
			ev, ok := r.pop()
			if !ok {
				break
			}
			r.Handle(ctx, ev)
		}
		select {
		case <-ctx.Done():
			return nil
		case <-r.stopch:
			return nil
		case <-r.eventFlag.C():
		}
	}
}

// RunRefresh performs refreshes requested by handlers, coalescing repeated ids.
func (r *Router) RunRefresh(ctx context.Context) error {
	for {
		if ids := r.takeRefresh(); len(ids) != 0 {
			r.refresher.Refresh(ctx, ids...)
			continue
		}
		select {
		case <-ctx.Done():
			return nil
		case <-r.stopch:
			return nil
		case <-r.refreshFlag.C():
		}
	}
}

func (r *Router) pop() (session.Event, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.stopped || len(r.queue) == 0 {
		return session.Event{}, false
	}
	ev := r.queue[0]
	r.queue[0] = session.Event{}
	r.queue = r.queue[1:]
	return ev, true
}

func (r *Router) requestRefresh(ids ...string) {
	r.mu.Lock()
	if r.stopped {
		r.mu.Unlock()
		return
	}
next:
	for _, id := range ids {
		for _, p := range r.pending {
			if p == id {
				continue next
			}
		}
		r.pending = append(r.pending, id)
	}
	r.mu.Unlock()
	r.refreshFlag.Set()
}

func (r *Router) takeRefresh() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	ids := r.pending
	r.pending = nil
	return ids
}

// Handle applies dispatch table to one event. Errors are logged, never returned.
func (r *Router) Handle(ctx context.Context, ev session.Event) {
	r.facts.MarkEvent(r.now())
	h, known := r.table[ev.Name]
	r.metrics.RecordEvent(ev.Name, known)
	if !known {
		r.log.Debugf("router ignore event=%s endpoint=%s", ev.Name, ev.Endpoint)
		return
	}
	defer func() {
		if x := recover(); x != nil {
			r.log.Errorf("router event=%s panic: %v", ev.Name, x)
		}
	}()
	if err := h(ctx, ev); err != nil {
		r.log.Errorf("router event=%s endpoint=%s err=%v", ev.Name, ev.Endpoint, err)
	}
}

func (r *Router) refreshOn(ids ...string) handlerFunc {
	return func(ctx context.Context, _ session.Event) error {
		r.requestRefresh(ids...)
		return nil
	}
}

func (r *Router) onExposure(ctx context.Context, ev session.Event) error {
	var x wire.StateEvent
	if err := wire.Unmarshal(ev.Payload, &x); err != nil {
		return err
	}
	if x.State == stateComplete {
		r.imageFlag.Set()
	}
	r.requestRefresh(IDCameraState)
	return nil
}

func (r *Router) onTemperature(ctx context.Context, ev session.Event) error {
	var x wire.ValueEvent
	if err := wire.Unmarshal(ev.Payload, &x); err != nil {
		return err
	}
	r.facts.SetSensorTemp(x.Value)
	r.requestRefresh(IDCameraCooling)
	return nil
}

func (r *Router) onPiStatus(ctx context.Context, ev session.Event) error {
	var x wire.PiStatus
	if err := wire.Unmarshal(ev.Payload, &x); err != nil {
		return err
	}
	r.facts.SetPiStatus(x)
	r.requestRefresh(IDPiCPUTemp)
	return nil
}

// ScopeTrack payload carries tracking state, publish without round trip.
func (r *Router) onScopeTrack(ctx context.Context, ev session.Event) error {
	var x wire.StateEvent
	if err := wire.Unmarshal(ev.Payload, &x); err != nil {
		return err
	}
	return errors.Annotate(r.sink.Publish(IDScopeTracking, x.State == "on"), "publish")
}

func (r *Router) onWheelMove(ctx context.Context, ev session.Event) error {
	var x wire.StateEvent
	if err := wire.Unmarshal(ev.Payload, &x); err != nil {
		return err
	}
	if x.State == stateComplete {
		r.requestRefresh(IDWheelCurrent)
	}
	return nil
}
