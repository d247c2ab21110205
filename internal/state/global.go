package state

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/juju/errors"
	"github.com/temoto/alive/v2"
	"github.com/temoto/asiair-mqtt/internal/metrics"
	"github.com/temoto/asiair-mqtt/log2"
)

// Global holds process wide objects shared by subcommands.
type Global struct {
	Alive        *alive.Alive
	BuildVersion string
	Config       *Config
	Log          *log2.Log
	Metrics      *metrics.Metrics
}

const ContextKey = "run/state-global"

func NewGlobal(log *log2.Log, buildVersion string) *Global {
	return &Global{
		Alive:        alive.NewAlive(),
		BuildVersion: buildVersion,
		Log:          log,
	}
}

func (g *Global) Context(ctx context.Context) context.Context {
	ctx = context.WithValue(ctx, log2.ContextKey, g.Log)
	return context.WithValue(ctx, ContextKey, g)
}

func GetGlobal(ctx context.Context) *Global {
	v := ctx.Value(ContextKey)
	if v == nil {
		panic(fmt.Sprintf("context['%s'] is nil", ContextKey))
	}
	if g, ok := v.(*Global); ok {
		return g
	}
	panic(fmt.Sprintf("context['%s'] expected type *Global actual=%#v", ContextKey, v))
}

// If `Init` fails, consider `Global` is in broken state.
func (g *Global) Init(ctx context.Context, cfg *Config) error {
	g.Config = cfg
	if cfg.Log.Debug {
		g.Log.SetLevel(log2.LDebug)
	} else {
		g.Log.SetLevel(log2.LInfo)
	}
	g.Log.Infof("build version=%s", g.BuildVersion)
	if g.BuildVersion == "unknown" {
		g.Log.Errorf("build version is not set, please use -ldflags")
	}

	if cfg.Metrics.Listen != "" {
		g.Metrics = metrics.New()
		g.Metrics.CountErrors(g.Log)
	}
	if cfg.Persist.Root != "" {
		if err := os.MkdirAll(cfg.Persist.Root, 0o750); err != nil {
			return errors.Annotatef(err, "config: persist.root=%s", cfg.Persist.Root)
		}
	}
	g.Log.Debugf("config: device=%s:%d/%d on_fatal=%s persist.root=%s",
		cfg.Device.Host, cfg.Device.GuidePort, cfg.Device.ImagingPort, cfg.Device.OnFatal, cfg.Persist.Root)
	return nil
}

func (g *Global) MustInit(ctx context.Context, cfg *Config) {
	err := g.Init(ctx, cfg)
	if err != nil {
		g.Fatal(err)
	}
}

func (g *Global) Error(err error, args ...interface{}) {
	if err != nil {
		if len(args) != 0 {
			msg := args[0].(string)
			args = args[1:]
			err = errors.Annotatef(err, msg, args...)
		}
		g.Log.Error(err)
	}
}

func (g *Global) Fatal(err error, args ...interface{}) {
	if err != nil {
		g.Error(err, args...)
		g.StopWait(5 * time.Second)
		g.Log.Fatal(errors.ErrorStack(err))
		os.Exit(1)
	}
}

func (g *Global) Stop() {
	g.Alive.Stop()
}

func (g *Global) StopWait(timeout time.Duration) bool {
	g.Alive.Stop()
	done := make(chan struct{})
	go func() {
		g.Alive.Wait()
		close(done)
	}()
	select {
	case <-done:
		return true
	case <-time.After(timeout):
		return false
	}
}
