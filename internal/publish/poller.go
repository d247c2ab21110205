package publish

import (
	"context"
	"time"

	"github.com/juju/clock"
	"github.com/juju/errors"
	"github.com/temoto/asiair-mqtt/internal/metrics"
	"github.com/temoto/asiair-mqtt/internal/session"
	"github.com/temoto/asiair-mqtt/log2"
)

// ValuePublisher is subset of asiair.Sink used by Poller.
type ValuePublisher interface {
	Publish(id string, value interface{}) error
}

// Poller fetches capability values and hands them to publisher.
// Implements asiair.Poller.
type Poller struct {
	caps    []Capability
	byID    map[string]*Capability
	pub     ValuePublisher
	clock   clock.Clock
	log     *log2.Log
	metrics *metrics.Metrics
}

func NewPoller(log *log2.Log, caps []Capability, pub ValuePublisher, clk clock.Clock, m *metrics.Metrics) *Poller {
	if clk == nil {
		clk = clock.WallClock
	}
	p := &Poller{
		caps:    caps,
		byID:    make(map[string]*Capability, len(caps)),
		pub:     pub,
		clock:   clk,
		log:     log,
		metrics: m,
	}
	for i := range p.caps {
		c := &p.caps[i]
		if _, dup := p.byID[c.ID]; dup {
			panic("code error duplicate capability id=" + c.ID)
		}
		p.byID[c.ID] = c
	}
	return p
}

func (p *Poller) Capability(id string) (*Capability, bool) {
	c, ok := p.byID[id]
	return c, ok
}

// Run sweeps immediately then every interval. Returns nil on ctx done,
// connection error otherwise.
func (p *Poller) Run(ctx context.Context, interval time.Duration) error {
	for {
		tbegin := p.clock.Now()
		if err := p.Sweep(ctx); err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return err
		}
		p.log.Debugf("poll sweep caps=%d duration=%v", len(p.caps), p.clock.Now().Sub(tbegin))
		select {
		case <-ctx.Done():
			return nil
		case <-p.clock.After(interval):
		}
	}
}

// Sweep publishes every capability. Per value errors are logged,
// closed session aborts the sweep.
func (p *Poller) Sweep(ctx context.Context) error {
	for i := range p.caps {
		if err := p.refresh(ctx, &p.caps[i]); err != nil {
			if session.IsClosed(err) {
				return errors.Annotatef(err, "poll sweep id=%s", p.caps[i].ID)
			}
			p.log.Errorf("poll id=%s err=%v", p.caps[i].ID, err)
		}
	}
	return nil
}

// Refresh re-fetches and publishes selected values, errors are logged.
func (p *Poller) Refresh(ctx context.Context, ids ...string) {
	for _, id := range ids {
		c, ok := p.byID[id]
		if !ok {
			p.log.Errorf("code error refresh unknown id=%s", id)
			continue
		}
		if err := p.refresh(ctx, c); err != nil {
			p.log.Errorf("refresh id=%s err=%v", id, err)
		}
	}
}

// Command applies payload to capability and publishes returned value.
func (p *Poller) Command(ctx context.Context, id string, payload []byte) error {
	c, ok := p.byID[id]
	if !ok {
		return errors.NotFoundf("capability id=%s", id)
	}
	if c.Command == nil {
		return errors.NotSupportedf("capability id=%s command", id)
	}
	v, err := c.Command(ctx, payload)
	if err != nil {
		return errors.Annotatef(err, "command id=%s", id)
	}
	return p.publish(id, v)
}

func (p *Poller) refresh(ctx context.Context, c *Capability) error {
	v, err := c.Fetch(ctx)
	if err != nil {
		return err
	}
	return p.publish(c.ID, v)
}

// nil value means unknown yet, nothing to publish
func (p *Poller) publish(id string, v interface{}) error {
	if v == nil {
		p.log.Debugf("poll id=%s value unknown", id)
		return nil
	}
	err := p.pub.Publish(id, v)
	outcome := "ok"
	if err != nil {
		outcome = "error"
	}
	p.metrics.RecordPublish(outcome)
	return errors.Annotatef(err, "publish id=%s", id)
}
