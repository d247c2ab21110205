package asiair

import (
	"context"
	"encoding/json"
	"fmt"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/temoto/asiair-mqtt/helpers"
	"github.com/temoto/asiair-mqtt/internal/metrics"
	"github.com/temoto/asiair-mqtt/internal/session"
	"github.com/temoto/asiair-mqtt/internal/wire"
	"github.com/temoto/asiair-mqtt/log2"
)

func drain(ch chan string) []string {
	var ids []string
	for {
		select {
		case id := <-ch:
			ids = append(ids, id)
		default:
			return ids
		}
	}
}

func TestRouterHandle(t *testing.T) {
	t.Parallel()
	type tenv struct {
		facts  *Facts
		flag   helpers.Flag
		poller *recordPoller
		sink   *recordSink
	}
	cases := []struct {
		name    string
		payload string
		refresh []string
		check   func(t testing.TB, env *tenv)
	}{
		{"exposure-working", `{"Event":"Exposure","state":"working"}`, []string{IDCameraState}, func(t testing.TB, env *tenv) {
			assert.False(t, env.flag.IsSet())
		}},
		{"exposure-complete", `{"Event":"Exposure","state":"complete"}`, []string{IDCameraState}, func(t testing.TB, env *tenv) {
			assert.True(t, env.flag.IsSet())
		}},
		{"temperature", `{"Event":"Temperature","value":-10.2}`, []string{IDCameraCooling}, func(t testing.TB, env *tenv) {
			v, ok := env.facts.SensorTemp()
			assert.True(t, ok)
			assert.Equal(t, -10.2, v)
		}},
		{"cooler-power", `{"Event":"CoolerPower","value":37}`, []string{IDCameraCoolerPower}, nil},
		{"pi-status", `{"Event":"PiStatus","temp":55.1}`, []string{IDPiCPUTemp}, func(t testing.TB, env *tenv) {
			v, ok := env.facts.CPUTemp()
			assert.True(t, ok)
			assert.Equal(t, 55.1, v)
		}},
		{"scope-track-on", `{"Event":"ScopeTrack","state":"on"}`, nil, func(t testing.TB, env *tenv) {
			v, ok := env.sink.value(IDScopeTracking)
			assert.True(t, ok)
			assert.Equal(t, true, v)
		}},
		{"wheel-moving", `{"Event":"WheelMove","state":"moving"}`, nil, nil},
		{"wheel-complete", `{"Event":"WheelMove","state":"complete"}`, []string{IDWheelCurrent}, nil},
		{"camera-control", `{"Event":"CameraControlChange"}`,
			[]string{IDCameraGain, IDCameraExposure, IDCameraCoolerPower, IDCameraDewHeater, IDCameraCooling}, nil},
		{"focuser", `{"Event":"FocuserMove","position":4000}`, []string{IDFocuserPosition}, nil},
		{"unknown", `{"Event":"AutoFocus","state":"start"}`, nil, func(t testing.TB, env *tenv) {
			assert.False(t, env.flag.IsSet())
		}},
		{"invalid-payload", `{"Event":"Temperature","value":"cold"}`, nil, func(t testing.TB, env *tenv) {
			_, ok := env.facts.SensorTemp()
			assert.False(t, ok)
		}},
	}
	for _, c := range cases {
		c := c
		t.Run(c.name, func(t *testing.T) {
			t.Parallel()
			env := &tenv{
				facts:  &Facts{},
				flag:   helpers.NewFlag(),
				poller: newRecordPoller(),
				sink:   newRecordSink(),
			}
			r := NewRouter(log2.NewTest(t, log2.LDebug), env.facts, env.flag, env.poller, env.sink, nil)
			var ev struct {
				Event string
			}
			require.NoError(t, json.Unmarshal([]byte(c.payload), &ev))
			r.Handle(context.Background(), session.Event{Endpoint: EndpointImaging, Name: ev.Event, Payload: json.RawMessage(c.payload)})
			// handlers only request refresh, RunRefresh performs it
			assert.Empty(t, drain(env.poller.refresh))
			assert.Equal(t, c.refresh, r.takeRefresh())
			assert.False(t, env.facts.LastEventAt().IsZero())
			if c.check != nil {
				c.check(t, env)
			}
		})
	}
}

func TestRouterRun(t *testing.T) {
	t.Parallel()
	m := metrics.New()
	poller := newRecordPoller()
	r := NewRouter(log2.NewTest(t, log2.LDebug), &Facts{}, helpers.NewFlag(), poller, newRecordSink(), m)
	ctx, cancel := context.WithTimeout(context.Background(), testTimeout)
	defer cancel()
	done := make(chan error, 2)
	go func() { done <- r.Run(ctx) }()
	go func() { done <- r.RunRefresh(ctx) }()

	// arrival order is handling order
	r.Push(session.Event{Name: EventFocuserMove, Payload: json.RawMessage(`{"Event":"FocuserMove"}`)})
	r.Push(session.Event{Name: "Unknown", Payload: json.RawMessage(`{"Event":"Unknown"}`)})
	r.Push(session.Event{Name: EventWheelMove, Payload: json.RawMessage(`{"Event":"WheelMove","state":"complete"}`)})
	poller.expect(t, IDFocuserPosition)
	poller.expect(t, IDWheelCurrent)
	assert.Equal(t, 1.0, testutil.ToFloat64(m.Events.WithLabelValues("Unknown", "false")))

	r.Stop()
	assert.NoError(t, <-done)
	assert.NoError(t, <-done)
	// Push after Stop never blocks
	pushed := make(chan struct{})
	go func() {
		for i := 0; i < DefaultEventQueue+1; i++ {
			r.Push(session.Event{Name: EventFocuserMove})
		}
		close(pushed)
	}()
	select {
	case <-pushed:
	case <-time.After(testTimeout):
		t.Fatal("Push blocked after Stop")
	}
}

func TestRouterPushNoConsumer(t *testing.T) {
	t.Parallel()
	m := metrics.New()
	r := NewRouter(log2.NewTest(t, log2.LDebug), &Facts{}, helpers.NewFlag(), newRecordPoller(), newRecordSink(), m)
	r.queueMax = 4
	pushed := make(chan struct{})
	go func() {
		for i := 0; i < 10; i++ {
			r.Push(session.Event{Name: EventFocuserMove, Payload: json.RawMessage(fmt.Sprintf(`{"Event":"FocuserMove","position":%d}`, i))})
		}
		close(pushed)
	}()
	select {
	case <-pushed:
	case <-time.After(testTimeout):
		t.Fatal("Push blocked without consumer")
	}
	assert.Equal(t, 4, r.Queued())
	assert.Equal(t, 6.0, testutil.ToFloat64(m.EventsLost))
	// oldest are dropped
	ev, ok := r.pop()
	require.True(t, ok)
	assert.JSONEq(t, `{"Event":"FocuserMove","position":6}`, string(ev.Payload))

	r.Stop()
	assert.Equal(t, 0, r.Queued())
	_, ok = r.pop()
	assert.False(t, ok)
}

func TestRouterRefreshCoalesce(t *testing.T) {
	t.Parallel()
	r := NewRouter(log2.NewTest(t, log2.LDebug), &Facts{}, helpers.NewFlag(), newRecordPoller(), newRecordSink(), nil)
	ctx := context.Background()
	for i := 0; i < 3; i++ {
		r.Handle(ctx, session.Event{Name: EventFocuserMove, Payload: json.RawMessage(`{"Event":"FocuserMove"}`)})
		r.Handle(ctx, session.Event{Name: EventCoolerPower, Payload: json.RawMessage(`{"Event":"CoolerPower","value":5}`)})
	}
	r.Handle(ctx, session.Event{Name: EventCameraControlChange, Payload: json.RawMessage(`{"Event":"CameraControlChange"}`)})
	assert.Equal(t, []string{IDFocuserPosition, IDCameraCoolerPower, IDCameraGain, IDCameraExposure, IDCameraDewHeater, IDCameraCooling}, r.takeRefresh())
	assert.Empty(t, r.takeRefresh())
}

func TestFactsWheel(t *testing.T) {
	t.Parallel()
	f := &Facts{}
	_, ok := f.Filter()
	assert.False(t, ok)
	name, ok := f.SetWheel([]string{"Red", "Green", "Blue"}, 1)
	assert.True(t, ok)
	assert.Equal(t, "Green", name)
	_, ok = f.SetWheel([]string{"Red"}, 3)
	assert.False(t, ok)
	_, ok = f.SetWheel(nil, -1)
	assert.False(t, ok)
}

func TestFactsPersist(t *testing.T) {
	t.Parallel()
	log := log2.NewTest(t, log2.LDebug)
	root := t.TempDir()
	info := wire.PiInfo{GUID: "g1", Model: "ASIAIR Plus", CPUID: "c0ffee", Temp: 47}

	f1 := &Facts{}
	f1.SetPiInfo(info)
	f1.SetSensorTemp(-5)
	p1 := NewPersist(log, "facts", f1, root)
	require.True(t, p1.Enabled())
	require.NoError(t, p1.Store())

	f2 := &Facts{}
	p2 := NewPersist(log, "facts", f2, root)
	require.NoError(t, p2.Load())
	got, ok := f2.PiInfo()
	assert.True(t, ok)
	assert.Equal(t, info, got)
	// only identity survives restart
	_, ok = f2.SensorTemp()
	assert.False(t, ok)

	// missing storage is empty state
	f3 := &Facts{}
	require.NoError(t, NewPersist(log, "other", f3, root).Load())
	_, ok = f3.PiInfo()
	assert.False(t, ok)

	disabled := NewPersist(log, "facts", &Facts{}, "")
	assert.False(t, disabled.Enabled())
	assert.NoError(t, disabled.Store())
	assert.NoError(t, disabled.Load())
}

func TestClientPersistedIdentity(t *testing.T) {
	t.Parallel()
	env := newEnv(t)
	env.opt.PersistRoot = t.TempDir()
	c1 := env.client()
	done := env.start(c1)
	env.cancel()
	require.NoError(t, <-done)

	// next run publishes stored identity before device answers
	env2 := newEnv(t)
	env2.opt.PersistRoot = env.opt.PersistRoot
	env2.guide.ln.Close()
	c2 := env2.client()
	info, ok := c2.Facts.PiInfo()
	require.True(t, ok)
	assert.Equal(t, "g1", info.GUID)
	assert.Error(t, c2.Run(env2.ctx))
	select {
	case info := <-env2.sink.identity:
		assert.Equal(t, "c0ffee", info.CPUID)
	default:
		t.Fatal("persisted identity not published")
	}
}
