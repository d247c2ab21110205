// Main mode of operation: device sessions published to MQTT.
package bridge

import (
	"context"

	"github.com/coreos/go-systemd/daemon"
	"github.com/juju/clock"
	"github.com/juju/errors"
	"github.com/temoto/asiair-mqtt/cmd/asiair-mqtt/subcmd"
	"github.com/temoto/asiair-mqtt/internal/asiair"
	"github.com/temoto/asiair-mqtt/internal/broker"
	"github.com/temoto/asiair-mqtt/internal/publish"
	"github.com/temoto/asiair-mqtt/internal/state"
	"github.com/temoto/asiair-mqtt/log2"
)

var Mod = subcmd.Mod{Name: "bridge", Usage: "run device client and publish values (default)", Main: Main}

func Main(ctx context.Context, config *state.Config) error {
	g := state.GetGlobal(ctx)
	g.MustInit(ctx, config)

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	go func() {
		<-g.Alive.StopChan()
		cancel()
	}()

	if config.Broker.Enable {
		srv := broker.NewServer(config.Broker.Options(g.Log.Clone(log2.LInfo)))
		if err := srv.Listen(ctx, config.Broker.Listen); err != nil {
			return errors.Annotate(err, "broker")
		}
		defer srv.Close()
	}

	client := asiair.NewClient(g.Log, config.ClientOptions(g.Metrics))
	var sink asiair.Sink = publish.LogSink{Log: g.Log}
	var ms *publish.MQTTSink
	if config.MQTT.Enable {
		ms = publish.NewMQTTSink(g.Log, config.MQTTConfig())
		sink = ms
	}
	poller := publish.NewPoller(g.Log, publish.Capabilities(client, client.Facts), sink, clock.WallClock, g.Metrics)
	client.Sink = sink
	client.Poller = poller
	if ms != nil {
		if err := ms.Start(ctx, poller.Command); err != nil {
			return errors.Annotate(err, "mqtt")
		}
		defer ms.Close()
	}

	if config.Metrics.Listen != "" {
		g.Alive.Add(1)
		go func() {
			defer g.Alive.Done()
			if err := g.Metrics.Serve(ctx, g.Log, config.Metrics.Listen); err != nil {
				g.Error(err)
			}
		}()
	}

	go func() {
		if err := client.WaitReady(ctx); err == nil {
			subcmd.SdNotify(daemon.SdNotifyReady)
			g.Log.Infof("bridge ready device=%s", config.Device.Host)
		}
	}()

	err := client.Run(ctx)
	subcmd.SdNotify(daemon.SdNotifyStopping)
	g.Stop()
	return errors.Annotate(err, "bridge")
}
