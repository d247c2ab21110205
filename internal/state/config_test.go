package state

import (
	"context"
	"io/ioutil"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/temoto/asiair-mqtt/internal/asiair"
	"github.com/temoto/asiair-mqtt/internal/imaging"
	"github.com/temoto/asiair-mqtt/log2"
)

func TestReadConfig(t *testing.T) {
	t.Parallel()

	const host = `device { host = "asiair.local" }` + "\n"
	type Case struct {
		name      string
		input     string
		check     func(testing.TB, *Config)
		expectErr string
	}
	cases := []Case{
		{"empty", "", nil, "device.host=empty"},

		{"defaults", host, func(t testing.TB, c *Config) {
			assert.Equal(t, "asiair.local", c.Device.Host)
			assert.Equal(t, 4400, c.Device.GuidePort)
			assert.Equal(t, 4700, c.Device.ImagingPort)
			assert.Equal(t, 4800, c.Device.ImagePort)
			assert.Equal(t, asiair.PolicyExit, c.Device.OnFatal)
			assert.Equal(t, imaging.DefaultWidth, c.Image.Width)
			assert.Equal(t, imaging.DefaultHeight, c.Image.Height)
			assert.True(t, c.ImageEnabled())
			assert.True(t, c.ClientOptions(nil).Image)
			assert.Equal(t, DefaultPollIntervalSec, c.Poll.IntervalSec)
			assert.Equal(t, "asiair", c.MQTT.TopicPrefix)
			assert.True(t, strings.HasPrefix(c.MQTT.ClientID, "asiair-"), c.MQTT.ClientID)
			assert.Equal(t, DefaultMQTTKeepalive, c.MQTT.KeepaliveSec)
			assert.False(t, c.Broker.Enable)
			assert.Empty(t, c.Broker.Listen)
		}, ""},

		{"full", `
device {
	host = "10.0.0.1"
	guide_port = 14400
	imaging_port = 14700
	image_port = 14800
	call_timeout_sec = -1
	on_fatal = "reconnect"
	reconnect_attempts = 3
}
image { enable = true stretch = "percentile" width = 640 height = 480 }
poll { interval_sec = 10 }
mqtt { enable = true broker = "tcp://ha:1883" client_id = "obs" topic_prefix = "obs" retain = true }
persist { root = "/var/lib/asiair" }
metrics { listen = ":9100" }
log { debug = true }`,
			func(t testing.TB, c *Config) {
				assert.Equal(t, "10.0.0.1:14700", c.Device.Addr(asiair.EndpointImaging))
				assert.Equal(t, "10.0.0.1:14800", c.Device.Addr(asiair.EndpointImage))
				assert.Equal(t, -1, c.Device.CallTimeoutSec)
				assert.Equal(t, asiair.PolicyReconnect, c.Device.OnFatal)
				assert.Equal(t, "obs", c.MQTT.ClientID)
				assert.True(t, c.Log.Debug)
				assert.Equal(t, ":9100", c.Metrics.Listen)

				opt := c.ClientOptions(nil)
				assert.True(t, opt.Image)
				assert.Equal(t, 10*time.Second, opt.PollInterval)
				assert.Equal(t, 640, opt.Pipeline.Width)
				assert.Equal(t, 480, opt.Pipeline.Height)
				assert.NotNil(t, opt.Pipeline.Stretch)
				assert.Equal(t, "/var/lib/asiair", opt.PersistRoot)

				mc := c.MQTTConfig()
				assert.Equal(t, "tcp://ha:1883", mc.Broker)
				assert.Equal(t, filepath.Join("/var/lib/asiair", "spool"), mc.SpoolPath)
			}, ""},

		{"embedded-broker", host + `
mqtt { enable = true }
broker { enable = true username = "ha" password = "secret" }`,
			func(t testing.TB, c *Config) {
				assert.Equal(t, []string{DefaultBrokerListen}, c.Broker.Listen)
				mc := c.MQTTConfig()
				assert.Equal(t, "tcp://127.0.0.1:1883", mc.Broker)
				assert.Equal(t, "ha", mc.Username)
				assert.Equal(t, "secret", mc.Password)
				assert.Equal(t, "", mc.SpoolPath)
			}, ""},

		{"image-disable", host + `image { enable = false }`,
			func(t testing.TB, c *Config) {
				assert.False(t, c.ImageEnabled())
				assert.False(t, c.ClientOptions(nil).Image)
				assert.Equal(t, imaging.DefaultWidth, c.Image.Width)
			}, ""},
		{"image-size-only", host + `image { width = 800 }`,
			func(t testing.TB, c *Config) {
				assert.True(t, c.ImageEnabled())
				assert.Equal(t, 800, c.ClientOptions(nil).Pipeline.Width)
			}, ""},

		{"mqtt-no-broker", host + `mqtt { enable = true }`, nil, "mqtt.broker=empty"},
		{"on-fatal-invalid", `device { host = "asiair.local" on_fatal = "panic" }`, nil, "device.on_fatal=panic"},
		{"stretch-invalid", host + `image { stretch = "linear" }`, nil, "image.stretch"},
		{"prefix-wildcard", host + `mqtt { topic_prefix = "a/#" }`, nil, "wildcard"},
		{"syntax", `device {`, nil, "config unmarshal source=test-inline"},

		{"include-normalize", host + `include "./empty" {}`, nil, ""},

		{"include-optional", `
include "device" {}
include "non-exist" { optional = true }`,
			func(t testing.TB, c *Config) {
				assert.Equal(t, "from-include", c.Device.Host)
			}, ""},

		{"include-overwrites", host + `include "device" {}`,
			func(t testing.TB, c *Config) {
				assert.Equal(t, "from-include", c.Device.Host)
			}, ""},

		{"include-required", host + `include "non-exist" {}`, nil, "config required name=non-exist"},
		{"include-loop", host + `include "loop-a" {}`, nil, "config include loop"},
	}
	for _, c := range cases {
		c := c
		t.Run(c.name, func(t *testing.T) {
			t.Parallel()
			log := log2.NewTest(t, log2.LDebug)
			fs := NewMockFullReader(map[string]string{
				"test-inline": c.input,
				"empty":       "",
				"device":      `device { host = "from-include" }`,
				"loop-a":      `include "loop-b" {}`,
				"loop-b":      `include "loop-a" {}`,
			})
			cfg, err := ReadConfig(log, fs, "test-inline")
			if c.expectErr == "" {
				require.NoError(t, err)
			} else {
				require.Error(t, err)
				assert.Contains(t, err.Error(), c.expectErr)
				return
			}
			if c.check != nil {
				c.check(t, cfg)
			}
		})
	}
}

func TestReadConfigOs(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	writeFile(t, filepath.Join(dir, "asiair.hcl"), `device { host = "a" }
include "local.hcl" { optional = true }`)
	writeFile(t, filepath.Join(dir, "local.hcl"), `device { host = "b" }`)

	cfg, err := ReadConfig(log2.NewTest(t, log2.LDebug), NewOsFullReader(), filepath.Join(dir, "asiair.hcl"))
	require.NoError(t, err)
	assert.Equal(t, "b", cfg.Device.Host)
}

func TestReadConfigNoNames(t *testing.T) {
	t.Parallel()
	_, err := ReadConfig(log2.NewTest(t, log2.LDebug), NewMockFullReader(nil))
	assert.Error(t, err)
}

func TestLocalURL(t *testing.T) {
	t.Parallel()
	assert.Equal(t, "tcp://127.0.0.1:1883", localURL("tcp://0.0.0.0:1883"))
	assert.Equal(t, "tcp://127.0.0.1:1883", localURL("tcp://:1883"))
	assert.Equal(t, "tcp://127.0.0.1:1883", localURL("tcp://[::]:1883"))
	assert.Equal(t, "tcp://10.0.0.2:1883", localURL("tcp://10.0.0.2:1883"))
	assert.Equal(t, "unix:///run/asiair.sock", localURL("unix:///run/asiair.sock"))
}

func TestGlobal(t *testing.T) {
	t.Parallel()
	log := log2.NewTest(t, log2.LDebug)
	g := NewGlobal(log, "test")
	ctx := g.Context(context.Background())
	assert.Equal(t, g, GetGlobal(ctx))
	assert.Panics(t, func() { GetGlobal(context.Background()) })

	cfg := &Config{}
	cfg.Device.Host = "asiair"
	cfg.Metrics.Listen = "127.0.0.1:0"
	cfg.Persist.Root = filepath.Join(t.TempDir(), "state")
	require.NoError(t, cfg.Normalize())
	require.NoError(t, g.Init(ctx, cfg))
	assert.NotNil(t, g.Metrics)
	assert.DirExists(t, cfg.Persist.Root)
	assert.False(t, log.Enabled(log2.LDebug))

	g.Alive.Add(1)
	go func() {
		<-g.Alive.StopChan()
		g.Alive.Done()
	}()
	assert.True(t, g.StopWait(5*time.Second))
}

func writeFile(t testing.TB, path, content string) {
	t.Helper()
	require.NoError(t, ioutil.WriteFile(path, []byte(content), 0o600))
}
