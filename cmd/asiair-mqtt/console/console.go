// Interactive RPC console for device exploration.
package console

import (
	"context"
	"encoding/json"
	"sort"
	"strings"
	"time"

	"github.com/c-bata/go-prompt"
	"github.com/juju/errors"
	"github.com/temoto/asiair-mqtt/cmd/asiair-mqtt/subcmd"
	"github.com/temoto/asiair-mqtt/helpers/cli"
	"github.com/temoto/asiair-mqtt/internal/asiair"
	"github.com/temoto/asiair-mqtt/internal/publish"
	"github.com/temoto/asiair-mqtt/internal/state"
	"github.com/temoto/asiair-mqtt/log2"
)

const usage = `syntax: ENDPOINT METHOD [PARAM...]
- ENDPOINT  guide|imaging or port number
- PARAM     JSON value, anything else is sent as string
- /notify ENDPOINT METHOD [PARAM...]  send without waiting for reply
- /facts    show cached device facts
example: imaging get_control_value Gain
`

var Mod = subcmd.Mod{Name: "console", Usage: "interactive device RPC", Main: Main}

var knownMethods = map[string][]string{
	asiair.EndpointImaging: {
		"get_app_state", "get_camera_state", "get_control_value", "get_focuser_position",
		"get_power_supply", "get_sequence_setting", "get_wheel_position", "get_wheel_slot_name",
		"pi_get_info", "pi_station_state", "set_control_value", "test_connection",
	},
	asiair.EndpointGuide: {
		"scope_get_horiz_coord", "scope_get_location", "scope_get_pierside", "scope_get_ra_dec",
		"scope_get_track_mode", "scope_get_track_state", "scope_is_moving", "scope_set_track_state",
		"test_connection",
	},
}

type Line struct {
	Notify   bool
	Endpoint string
	Method   string
	Params   []interface{}
}

func Main(ctx context.Context, config *state.Config) error {
	g := state.GetGlobal(ctx)
	g.MustInit(ctx, config)

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	client := asiair.NewClient(g.Log, config.ClientOptions(nil))
	// values are not interesting here, only RPC replies
	quiet := g.Log.Clone(log2.LError)
	sink := publish.LogSink{Log: quiet}
	client.Sink = sink
	client.Poller = publish.NewPoller(quiet, publish.Capabilities(client, client.Facts), sink, nil, nil)

	errch := make(chan error, 1)
	go func() { errch <- client.Run(ctx) }()
	waitCtx, waitCancel := context.WithTimeout(ctx, 30*time.Second)
	err := client.WaitReady(waitCtx)
	waitCancel()
	if err != nil {
		cancel()
		if runErr := <-errch; runErr != nil {
			err = runErr
		}
		return errors.Annotatef(err, "console connect device=%s", config.Device.Host)
	}
	g.Log.Infof("connected device=%s, type help", config.Device.Host)

	if err := cli.MainLoop("asiair", newExecutor(ctx, g.Log, client, &config.Device), newCompleter()); err != nil {
		return err
	}
	cancel()
	return <-errch
}

func newCompleter() func(d prompt.Document) []prompt.Suggest {
	suggests := []prompt.Suggest{{Text: "help"}, {Text: "/facts"}, {Text: "/notify"}}
	endpoints := make([]string, 0, len(knownMethods))
	for e := range knownMethods {
		endpoints = append(endpoints, e)
	}
	sort.Strings(endpoints)
	for _, e := range endpoints {
		suggests = append(suggests, prompt.Suggest{Text: e})
	}

	return func(d prompt.Document) []prompt.Suggest {
		words := strings.Fields(d.TextBeforeCursor())
		if len(words) != 0 && words[0] == "/notify" {
			words = words[1:]
		}
		// second word is method of endpoint typed before it
		if len(words) >= 1 && d.GetWordBeforeCursor() != words[0] {
			if ms, ok := knownMethods[words[0]]; ok {
				ss := make([]prompt.Suggest, len(ms))
				for i, m := range ms {
					ss[i] = prompt.Suggest{Text: m, Description: words[0]}
				}
				return prompt.FilterHasPrefix(ss, d.GetWordBeforeCursor(), true)
			}
		}
		return prompt.FilterHasPrefix(suggests, d.GetWordBeforeCursor(), true)
	}
}

func newExecutor(ctx context.Context, log *log2.Log, client *asiair.Client, device *asiair.Config) func(string) {
	return func(s string) {
		s = strings.TrimSpace(s)
		switch s {
		case "":
			return
		case "help":
			log.Infof(usage)
			return
		case "/facts":
			info, _ := client.Facts.PiInfo()
			filter, _ := client.Facts.Filter()
			log.Infof("identity=%+v filter=%s last_event=%v", info, filter, client.Facts.LastEventAt())
			return
		}
		line, err := ParseLine(s, device)
		if err != nil {
			log.Error(err)
			return
		}
		tbegin := time.Now()
		if line.Notify {
			err = client.Notify(ctx, line.Endpoint, line.Method, line.Params...)
			log.Infof("notify err=%v duration=%v", err, time.Since(tbegin))
			return
		}
		result, err := client.Call(ctx, line.Endpoint, line.Method, line.Params...)
		if err != nil {
			log.Errorf("%s %s err=%v", line.Endpoint, line.Method, err)
			return
		}
		log.Infof("%s duration=%v", result, time.Since(tbegin))
	}
}

// ParseLine resolves endpoint by name or port, params as JSON with string fallback.
func ParseLine(s string, device *asiair.Config) (Line, error) {
	var line Line
	words := strings.Fields(s)
	if len(words) != 0 && words[0] == "/notify" {
		line.Notify = true
		words = words[1:]
	}
	if len(words) < 2 {
		return line, errors.NotValidf("line='%s' expected ENDPOINT METHOD", s)
	}
	endpoint, err := device.EndpointByPort(words[0])
	if err != nil {
		return line, err
	}
	line.Endpoint = endpoint
	line.Method = words[1]
	for _, w := range words[2:] {
		var v interface{}
		if err := json.Unmarshal([]byte(w), &v); err != nil {
			v = w
		}
		line.Params = append(line.Params, v)
	}
	return line, nil
}
