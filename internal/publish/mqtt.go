package publish

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/juju/errors"
	"github.com/temoto/asiair-mqtt/helpers"
	"github.com/temoto/asiair-mqtt/internal/wire"
	"github.com/temoto/asiair-mqtt/log2"
)

const (
	DefaultTopicPrefix    = "asiair"
	DefaultNetworkTimeout = 10 * time.Second

	payloadOnline  = "online"
	payloadOffline = "offline"
	qos            = 1
)

var pahoLogOnce sync.Once

// Config is `mqtt` block.
type Config struct {
	Enable       bool   `hcl:"enable"`
	Broker       string `hcl:"broker"`
	ClientID     string `hcl:"client_id"`
	Username     string `hcl:"username"`
	Password     string `hcl:"password"`
	TopicPrefix  string `hcl:"topic_prefix"`
	KeepaliveSec int    `hcl:"keepalive_sec"`
	Retain       bool   `hcl:"retain"`
	SpoolPath    string `hcl:"spool_path"`
}

// CommandHandler receives payload published to <prefix>/<id>/set.
type CommandHandler func(ctx context.Context, id string, payload []byte) error

// MQTTSink implements asiair.Sink over paho client.
type MQTTSink struct {
	log       *log2.Log
	config    Config
	onCommand CommandHandler
	ctx       context.Context
	m         mqtt.Client
	spool     *Spool
	timeout   time.Duration

	topicStatus   string
	topicIdentity string
	topicImage    string
	topicCommand  string
}

func NewMQTTSink(log *log2.Log, config Config) *MQTTSink {
	if config.TopicPrefix == "" {
		config.TopicPrefix = DefaultTopicPrefix
	}
	p := strings.TrimSuffix(config.TopicPrefix, "/")
	return &MQTTSink{
		log:           log,
		config:        config,
		timeout:       DefaultNetworkTimeout,
		topicStatus:   p + "/status",
		topicIdentity: p + "/identity",
		topicImage:    p + "/camera/image",
		topicCommand:  p + "/+/+/set",
	}
}

func (s *MQTTSink) StateTopic(id string) string {
	return fmt.Sprintf("%s/%s/state", strings.TrimSuffix(s.config.TopicPrefix, "/"), id)
}

// CommandID extracts capability id from command topic, ok=false for foreign topics.
func (s *MQTTSink) CommandID(topic string) (string, bool) {
	prefix := strings.TrimSuffix(s.config.TopicPrefix, "/") + "/"
	if !strings.HasPrefix(topic, prefix) || !strings.HasSuffix(topic, "/set") {
		return "", false
	}
	id := strings.TrimSuffix(strings.TrimPrefix(topic, prefix), "/set")
	if strings.Count(id, "/") != 1 {
		return "", false
	}
	return id, true
}

// Start connects in background, connection is retried by paho.
func (s *MQTTSink) Start(ctx context.Context, onCommand CommandHandler) error {
	s.ctx = ctx
	s.onCommand = onCommand
	// paho loggers are process globals, first sink wins
	pahoLogOnce.Do(func() {
		mqtt.ERROR = s.log
		mqtt.CRITICAL = s.log
		mqtt.WARN = s.log
	})

	if s.config.Broker == "" {
		return errors.NotValidf("mqtt broker=empty")
	}
	keepAlive := helpers.IntSecondDefault(s.config.KeepaliveSec, 60*time.Second)
	credFun := func() (string, string) {
		return s.config.Username, s.config.Password
	}
	mopt := mqtt.NewClientOptions().
		AddBroker(s.config.Broker).
		SetClientID(s.config.ClientID).
		SetCredentialsProvider(credFun).
		SetBinaryWill(s.topicStatus, []byte(payloadOffline), qos, true).
		SetCleanSession(true).
		SetKeepAlive(keepAlive).
		SetPingTimeout(s.timeout).
		SetOrderMatters(false).
		SetConnectRetry(true).
		SetConnectRetryInterval(s.timeout/2).
		SetAutoReconnect(true).
		SetDefaultPublishHandler(s.messageHandler).
		SetOnConnectHandler(s.onConnectHandler).
		SetConnectionLostHandler(s.connectLostHandler)
	s.m = mqtt.NewClient(mopt)

	if s.config.SpoolPath != "" {
		var err error
		if s.spool, err = OpenSpool(s.log, s.config.SpoolPath, s.sendWait, nil); err != nil {
			return err
		}
	}
	s.log.Infof("mqtt connect broker=%s client=%s", s.config.Broker, s.config.ClientID)
	if token := s.m.Connect(); token.Error() != nil {
		return errors.Annotatef(token.Error(), "mqtt connect broker=%s", s.config.Broker)
	}
	return nil
}

// Close publishes offline status and disconnects. Spooled records survive.
func (s *MQTTSink) Close() {
	if s.spool != nil {
		if err := s.spool.Close(); err != nil {
			s.log.Errorf("mqtt spool close err=%v", err)
		}
	}
	if s.m == nil {
		return
	}
	if s.m.IsConnected() {
		s.m.Publish(s.topicStatus, qos, true, payloadOffline).WaitTimeout(s.timeout)
	}
	s.m.Disconnect(250)
}

func (s *MQTTSink) Publish(id string, value interface{}) error {
	b, err := json.Marshal(value)
	if err != nil {
		return errors.Annotatef(err, "mqtt publish id=%s", id)
	}
	return s.publish(&Record{Topic: s.StateTopic(id), Payload: b, Retain: s.config.Retain})
}

// PublishImage bypasses spool and skips while offline, next exposure supersedes the frame.
func (s *MQTTSink) PublishImage(png []byte) error {
	if !s.m.IsConnectionOpen() {
		s.log.Debugf("mqtt offline, skip image size=%d", len(png))
		return nil
	}
	return s.sendAsync(&Record{Topic: s.topicImage, Payload: png, Retain: s.config.Retain})
}

func (s *MQTTSink) PublishIdentity(info wire.PiInfo) error {
	b, err := json.Marshal(info)
	if err != nil {
		return errors.Annotate(err, "mqtt publish identity")
	}
	return s.publish(&Record{Topic: s.topicIdentity, Payload: b, Retain: true})
}

func (s *MQTTSink) publish(r *Record) error {
	if s.spool != nil {
		return s.spool.Push(r)
	}
	return s.sendAsync(r)
}

func (s *MQTTSink) sendAsync(r *Record) error {
	token := s.m.Publish(r.Topic, qos, r.Retain, r.Payload)
	select {
	case <-token.Done():
		return errors.Annotatef(token.Error(), "mqtt publish topic=%s", r.Topic)
	default:
		// delivery continues in background
		return nil
	}
}

// sendWait is spool delivery, reports failure to keep record queued.
func (s *MQTTSink) sendWait(r *Record) error {
	if !s.m.IsConnectionOpen() {
		return errors.Errorf("mqtt not connected")
	}
	token := s.m.Publish(r.Topic, qos, r.Retain, r.Payload)
	if !token.WaitTimeout(s.timeout) {
		return errors.Timeoutf("mqtt publish topic=%s", r.Topic)
	}
	return errors.Annotatef(token.Error(), "mqtt publish topic=%s", r.Topic)
}

func (s *MQTTSink) messageHandler(c mqtt.Client, msg mqtt.Message) {
	id, ok := s.CommandID(msg.Topic())
	if !ok {
		s.log.Debugf("mqtt ignore topic=%s", msg.Topic())
		return
	}
	s.log.Infof("mqtt command id=%s payload=%q", id, msg.Payload())
	if s.onCommand == nil {
		return
	}
	if err := s.onCommand(s.ctx, id, msg.Payload()); err != nil {
		s.log.Errorf("mqtt command id=%s err=%v", id, err)
	}
}

func (s *MQTTSink) connectLostHandler(c mqtt.Client, err error) {
	s.log.Infof("mqtt disconnect err=%v", err)
}

func (s *MQTTSink) onConnectHandler(c mqtt.Client) {
	s.log.Infof("mqtt connect")
	if token := c.Subscribe(s.topicCommand, qos, nil); token.Wait() && token.Error() != nil {
		s.log.Errorf("mqtt subscribe topic=%s err=%v", s.topicCommand, token.Error())
		return
	}
	c.Publish(s.topicStatus, qos, true, payloadOnline)
}
