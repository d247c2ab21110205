package publish

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/256dpi/gomqtt/packet"
	"github.com/256dpi/gomqtt/transport"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/temoto/asiair-mqtt/internal/broker"
	"github.com/temoto/asiair-mqtt/internal/wire"
	"github.com/temoto/asiair-mqtt/log2"
	"github.com/temoto/spq"
)

const testNetworkTimeout = 5 * time.Second

func TestCommandID(t *testing.T) {
	t.Parallel()
	s := NewMQTTSink(log2.NewTest(t, log2.LDebug), Config{TopicPrefix: "obs/"})
	cases := []struct {
		topic  string
		expect string
		ok     bool
	}{
		{"obs/telescope/tracking/set", "telescope/tracking", true},
		{"obs/camera/cooling/set", "camera/cooling", true},
		{"obs/camera/set", "", false},
		{"obs/a/b/c/set", "", false},
		{"obs/camera/gain/state", "", false},
		{"other/camera/gain/set", "", false},
	}
	for _, c := range cases {
		id, ok := s.CommandID(c.topic)
		assert.Equal(t, c.ok, ok, c.topic)
		assert.Equal(t, c.expect, id, c.topic)
	}
	assert.Equal(t, "obs/camera/gain/state", s.StateTopic("camera/gain"))
}

type observer struct {
	t    testing.TB
	conn transport.Conn
}

func newObserver(t testing.TB, addr string, pattern string) *observer {
	conn, err := transport.Dial("tcp://" + addr)
	require.NoError(t, err)
	conn.SetReadTimeout(testNetworkTimeout)
	o := &observer{t: t, conn: conn}
	connect := packet.NewConnect()
	connect.ClientID = "observer"
	connect.Username = "ha"
	connect.Password = "secret"
	require.NoError(t, conn.Send(connect, false))
	connack := o.receive().(*packet.Connack)
	require.Equal(t, packet.ConnectionAccepted, connack.ReturnCode)
	sub := packet.NewSubscribe()
	sub.ID = 1
	sub.Subscriptions = []packet.Subscription{{Topic: pattern, QOS: packet.QOSAtMostOnce}}
	require.NoError(t, conn.Send(sub, false))
	_ = o.receive().(*packet.Suback)
	return o
}

func (o *observer) receive() packet.Generic {
	pkt, err := o.conn.Receive()
	require.NoError(o.t, err)
	return pkt
}

// expect skips unrelated messages until topic appears
func (o *observer) expect(topic string) *packet.Message {
	for {
		pub, ok := o.receive().(*packet.Publish)
		if ok && pub.Message.Topic == topic {
			return &pub.Message
		}
	}
}

func (o *observer) publish(topic string, payload string) {
	pub := packet.NewPublish()
	pub.Message = packet.Message{Topic: topic, Payload: []byte(payload)}
	require.NoError(o.t, o.conn.Send(pub, false))
}

func TestMQTTSink(t *testing.T) {
	t.Parallel()
	cases := []struct {
		name      string
		spoolPath string
	}{
		{"direct", ""},
		{"spool", spq.OnlyForTesting},
	}
	for _, c := range cases {
		c := c
		t.Run(c.name, func(t *testing.T) {
			t.Parallel()
			log := log2.NewTest(t, log2.LDebug)
			b := broker.NewServer(broker.Options{Log: log, Username: "ha", Password: "secret", NetworkTimeout: testNetworkTimeout})
			require.NoError(t, b.Listen(context.Background(), []string{"tcp://127.0.0.1:0"}))
			defer b.Close()
			addr := b.Addrs()[0]
			o := newObserver(t, addr, "asiair/#")

			commands := make(chan string, 1)
			onCommand := func(ctx context.Context, id string, payload []byte) error {
				commands <- id + "=" + string(payload)
				return nil
			}
			s := NewMQTTSink(log, Config{
				Broker:    "tcp://" + addr,
				ClientID:  "asiair-bridge",
				Username:  "ha",
				Password:  "secret",
				SpoolPath: c.spoolPath,
			})
			ctx, cancel := context.WithTimeout(context.Background(), testNetworkTimeout)
			defer cancel()
			require.NoError(t, s.Start(ctx, onCommand))

			// online follows command subscription
			status := o.expect("asiair/status")
			assert.Equal(t, "online", string(status.Payload))

			require.NoError(t, s.Publish("camera/gain", 120))
			msg := o.expect("asiair/camera/gain/state")
			assert.Equal(t, "120", string(msg.Payload))

			require.NoError(t, s.PublishIdentity(wire.PiInfo{GUID: "g1", Model: "ASIAIR Plus"}))
			msg = o.expect("asiair/identity")
			assert.JSONEq(t, `{"guid":"g1","model":"ASIAIR Plus","cpuId":"","uname":"","temp":0}`, string(msg.Payload))

			o.publish("asiair/telescope/tracking/set", "OFF")
			select {
			case cmd := <-commands:
				assert.Equal(t, "telescope/tracking=OFF", cmd)
			case <-ctx.Done():
				t.Fatal("timeout waiting for command")
			}

			s.Close()
			status = o.expect("asiair/status")
			assert.Equal(t, "offline", string(status.Payload))
		})
	}
}

func TestMQTTSinkNoBroker(t *testing.T) {
	t.Parallel()
	s := NewMQTTSink(log2.NewTest(t, log2.LDebug), Config{})
	err := s.Start(context.Background(), nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "broker")
	s.Close()
}

func TestMQTTSinkOfflineImage(t *testing.T) {
	t.Parallel()
	// free port with nothing listening
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := ln.Addr().String()
	require.NoError(t, ln.Close())

	s := NewMQTTSink(log2.NewTest(t, log2.LDebug), Config{
		Broker:    "tcp://" + addr,
		ClientID:  "asiair-bridge",
		SpoolPath: spq.OnlyForTesting,
	})
	s.timeout = 200 * time.Millisecond
	require.NoError(t, s.Start(context.Background(), nil))
	defer s.Close()

	// large frames never pile up in spool while broker is away
	for i := 0; i < 3; i++ {
		require.NoError(t, s.PublishImage(make([]byte, 1<<20)))
	}
	assert.Equal(t, int64(0), s.spool.Pending())

	require.NoError(t, s.Publish("camera/gain", 120))
	assert.Equal(t, int64(len("asiair/camera/gain/state")+len("120")), s.spool.Pending())
}
