package state

import (
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/hashicorp/hcl"
	"github.com/juju/errors"
	"github.com/temoto/asiair-mqtt/helpers"
	"github.com/temoto/asiair-mqtt/internal/asiair"
	"github.com/temoto/asiair-mqtt/internal/broker"
	"github.com/temoto/asiair-mqtt/internal/imaging"
	"github.com/temoto/asiair-mqtt/internal/metrics"
	"github.com/temoto/asiair-mqtt/internal/publish"
	"github.com/temoto/asiair-mqtt/log2"
)

const (
	DefaultPollIntervalSec = 45
	DefaultBrokerListen    = "tcp://0.0.0.0:1883"
	DefaultMQTTKeepalive   = 60
)

type Config struct {
	// includeSeen contains absolute paths to prevent include loops
	includeSeen map[string]struct{}
	// only used for Unmarshal, do not access
	XXX_Include []ConfigSource `hcl:"include"`

	Device asiair.Config `hcl:"device"`
	Image  struct {
		Enable  *bool  `hcl:"enable"` // nil = enabled
		Stretch string `hcl:"stretch"`
		Width   int    `hcl:"width"`
		Height  int    `hcl:"height"`
	}
	Poll struct {
		IntervalSec int `hcl:"interval_sec"`
	}
	MQTT    publish.Config `hcl:"mqtt"`
	Broker  broker.Config  `hcl:"broker"`
	Persist struct {
		Root string `hcl:"root"`
	}
	Metrics struct {
		Listen string `hcl:"listen"`
	}
	Log struct {
		Debug bool `hcl:"debug"`
	}
}

type ConfigSource struct {
	Name     string `hcl:"name,key"`
	Optional bool   `hcl:"optional"`
}

// Normalize applies defaults and validates values, collecting all problems.
func (c *Config) Normalize() error {
	errs := make([]error, 0, 4)

	d := &c.Device
	if d.Host == "" {
		errs = append(errs, errors.NotValidf("config: device.host=empty"))
	}
	if d.GuidePort == 0 {
		d.GuidePort = asiair.DefaultGuidePort
	}
	if d.ImagingPort == 0 {
		d.ImagingPort = asiair.DefaultImagingPort
	}
	if d.ImagePort == 0 {
		d.ImagePort = asiair.DefaultImagePort
	}
	switch d.OnFatal {
	case "":
		d.OnFatal = asiair.PolicyExit
	case asiair.PolicyExit, asiair.PolicyReconnect:
	default:
		errs = append(errs, errors.NotValidf("config: device.on_fatal=%s", d.OnFatal))
	}
	if d.ReconnectAttempts < 0 {
		errs = append(errs, errors.NotValidf("config: device.reconnect_attempts=%d", d.ReconnectAttempts))
	}

	if _, err := imaging.StretchByName(c.Image.Stretch); err != nil {
		errs = append(errs, errors.Annotate(err, "config: image.stretch"))
	}
	if c.Image.Width < 0 || c.Image.Height < 0 {
		errs = append(errs, errors.NotValidf("config: image size %dx%d", c.Image.Width, c.Image.Height))
	}
	if c.Image.Width == 0 {
		c.Image.Width = imaging.DefaultWidth
	}
	if c.Image.Height == 0 {
		c.Image.Height = imaging.DefaultHeight
	}

	if c.Poll.IntervalSec <= 0 {
		c.Poll.IntervalSec = DefaultPollIntervalSec
	}

	if c.MQTT.TopicPrefix == "" {
		c.MQTT.TopicPrefix = publish.DefaultTopicPrefix
	}
	if strings.ContainsAny(c.MQTT.TopicPrefix, "+#") {
		errs = append(errs, errors.NotValidf("config: mqtt.topic_prefix=%s wildcard", c.MQTT.TopicPrefix))
	}
	if c.MQTT.ClientID == "" {
		c.MQTT.ClientID = "asiair-" + uuid.New().String()
	}
	if c.MQTT.KeepaliveSec == 0 {
		c.MQTT.KeepaliveSec = DefaultMQTTKeepalive
	}
	if c.MQTT.Enable && c.MQTT.Broker == "" {
		if !c.Broker.Enable {
			errs = append(errs, errors.NotValidf("config: mqtt.broker=empty"))
		}
	}

	if c.Broker.Enable && len(c.Broker.Listen) == 0 {
		c.Broker.Listen = []string{DefaultBrokerListen}
	}

	return helpers.FoldErrors(errs)
}

// ImageEnabled defaults to true when image.enable is not set.
func (c *Config) ImageEnabled() bool { return c.Image.Enable == nil || *c.Image.Enable }

// ClientOptions assumes Normalize was called.
func (c *Config) ClientOptions(m *metrics.Metrics) asiair.Options {
	stretch, _ := imaging.StretchByName(c.Image.Stretch)
	return asiair.Options{
		Device: c.Device,
		Image:  c.ImageEnabled(),
		Pipeline: &imaging.Pipeline{
			Stretch: stretch,
			Width:   c.Image.Width,
			Height:  c.Image.Height,
		},
		PollInterval: time.Duration(c.Poll.IntervalSec) * time.Second,
		PersistRoot:  c.Persist.Root,
		Metrics:      m,
	}
}

// MQTTConfig points sink at embedded broker when mqtt.broker is empty.
func (c *Config) MQTTConfig() publish.Config {
	mc := c.MQTT
	if mc.Broker == "" && c.Broker.Enable && len(c.Broker.Listen) != 0 {
		mc.Broker = localURL(c.Broker.Listen[0])
		if mc.Username == "" {
			mc.Username, mc.Password = c.Broker.Username, c.Broker.Password
		}
	}
	if mc.SpoolPath == "" && c.Persist.Root != "" {
		mc.SpoolPath = filepath.Join(c.Persist.Root, "spool")
	}
	return mc
}

// localURL replaces wildcard listen host with loopback.
func localURL(listen string) string {
	for _, wild := range []string{"://0.0.0.0:", "://:", "://[::]:"} {
		if i := strings.Index(listen, wild); i >= 0 {
			return listen[:i] + "://127.0.0.1:" + listen[i+len(wild):]
		}
	}
	return listen
}

func (c *Config) read(log *log2.Log, fs FullReader, source ConfigSource, errs *[]error) {
	norm := fs.Normalize(source.Name)
	if _, ok := c.includeSeen[norm]; ok {
		*errs = append(*errs, errors.Errorf("config duplicate source=%s", source.Name))
		return
	}
	log.Debugf("config reading source='%s' path=%s", source.Name, norm)
	c.includeSeen[source.Name] = struct{}{}
	c.includeSeen[norm] = struct{}{}

	bs, err := fs.ReadAll(norm)
	if bs == nil && err == nil {
		if !source.Optional {
			err = errors.NotFoundf("config required name=%s path=%s", source.Name, norm)
			*errs = append(*errs, err)
		}
		return
	}
	if err != nil {
		*errs = append(*errs, errors.Annotatef(err, "config source=%s", source.Name))
		return
	}

	err = hcl.Unmarshal(bs, c)
	if err != nil {
		*errs = append(*errs, errors.Annotatef(err, "config unmarshal source=%s", source.Name))
		return
	}

	var includes []ConfigSource
	includes, c.XXX_Include = c.XXX_Include, nil
	for _, include := range includes {
		includeNorm := fs.Normalize(include.Name)
		if _, ok := c.includeSeen[includeNorm]; ok {
			err = errors.Errorf("config include loop: from=%s include=%s", source.Name, include.Name)
			*errs = append(*errs, err)
			continue
		}
		c.read(log, fs, include, errs)
	}
}

// ReadConfig reads sources in order, later values overwrite earlier ones, then Normalize.
func ReadConfig(log *log2.Log, fs FullReader, names ...string) (*Config, error) {
	if len(names) == 0 {
		return nil, errors.Errorf("code error ReadConfig() without names")
	}

	if osfs, ok := fs.(*OsFullReader); ok {
		dir, name := filepath.Split(names[0])
		osfs.SetBase(dir)
		names[0] = name
	}
	c := &Config{
		includeSeen: make(map[string]struct{}),
	}
	errs := make([]error, 0, 8)
	for _, name := range names {
		c.read(log, fs, ConfigSource{Name: name}, &errs)
	}
	if err := helpers.FoldErrors(errs); err != nil {
		return c, err
	}
	return c, c.Normalize()
}

func MustReadConfig(log *log2.Log, fs FullReader, names ...string) *Config {
	c, err := ReadConfig(log, fs, names...)
	if err != nil {
		log.Fatal(errors.ErrorStack(err))
	}
	return c
}
