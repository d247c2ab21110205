package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/temoto/asiair-mqtt/cmd/asiair-mqtt/bridge"
	"github.com/temoto/asiair-mqtt/cmd/asiair-mqtt/console"
	"github.com/temoto/asiair-mqtt/cmd/asiair-mqtt/subcmd"
	"github.com/temoto/asiair-mqtt/internal/state"
	"github.com/temoto/asiair-mqtt/log2"
)

var BuildVersion string = "unknown" // set by ldflags -X

var log = log2.NewStderr(log2.LDebug)

var modules = []subcmd.Mod{
	bridge.Mod,
	console.Mod,
	{Name: "version", Usage: "print build version", Main: versionMain, NoConfig: true},
}

func main() {
	cmdline := flag.NewFlagSet(os.Args[0], flag.ExitOnError)
	flagConfig := cmdline.String("config", "asiair-mqtt.hcl", "")
	cmdline.Usage = func() {
		fmt.Fprintf(cmdline.Output(), "Usage: %s [-config path] [command]\ncommands:\n", os.Args[0])
		for _, m := range modules {
			fmt.Fprintf(cmdline.Output(), "  %-8s %s\n", m.Name, m.Usage)
		}
		cmdline.PrintDefaults()
	}
	_ = cmdline.Parse(os.Args[1:])

	command := bridge.Mod.Name
	if cmdline.NArg() > 0 {
		command = cmdline.Arg(0)
	}
	mod, err := subcmd.Parse(command, modules)
	if err != nil {
		log.Fatal(err)
	}

	if subcmd.SdNotify("start") {
		// under systemd, assume journal logging, remove timestamp
		log.SetFlags(log2.LServiceFlags)
	} else {
		log.SetFlags(log2.LInteractiveFlags)
	}

	g := state.NewGlobal(log, BuildVersion)
	ctx := g.Context(context.Background())

	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigs
		log.Infof("signal=%v stopping", sig)
		g.Stop()
	}()

	var config *state.Config
	if !mod.NoConfig {
		config = state.MustReadConfig(log, state.NewOsFullReader(), *flagConfig)
	}
	log.Debugf("starting command=%s", mod.Name)

	if err := mod.Main(ctx, config); err != nil {
		g.Fatal(err)
	}
	g.StopWait(5 * time.Second)
}

func versionMain(ctx context.Context, config *state.Config) error {
	fmt.Printf("asiair-mqtt %s\n", BuildVersion)
	return nil
}
