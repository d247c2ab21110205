package broker_test

import (
	"context"
	"fmt"
	"math/rand"
	"os"
	"testing"
	"time"

	"github.com/256dpi/gomqtt/packet"
	"github.com/256dpi/gomqtt/transport"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/temoto/asiair-mqtt/helpers"
	"github.com/temoto/asiair-mqtt/internal/broker"
	"github.com/temoto/asiair-mqtt/log2"
)

const testTimeout = 2 * time.Second

type tenv struct {
	t    testing.TB
	log  *log2.Log
	s    *broker.Server
	addr string
	rand *rand.Rand
}

func TestServer(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name  string
		check func(*tenv)
	}{
		{"invalid-credentials", func(env *tenv) {
			conn := connDial(env)
			pktConnect := packet.NewConnect()
			pktConnect.ClientID = "cli"
			pktConnect.Username = "homeassistant"
			pktConnect.Password = "wrong"
			require.NoError(env.t, conn.Send(pktConnect, false))
			pktConnack := connReceive(env, conn).(*packet.Connack)
			assert.False(env.t, pktConnack.SessionPresent)
			assert.Equal(env.t, packet.NotAuthorized, pktConnack.ReturnCode)
		}},
		{"empty-clientid", func(env *tenv) {
			conn := connDial(env)
			pktConnect := packet.NewConnect()
			pktConnect.Username = "testuser"
			pktConnect.Password = "testsecret"
			require.NoError(env.t, conn.Send(pktConnect, false))
			pktConnack := connReceive(env, conn).(*packet.Connack)
			assert.Equal(env.t, packet.IdentifierRejected, pktConnack.ReturnCode)
		}},
		{"accepted", func(env *tenv) {
			conn := connDial(env)
			connConnect(env, conn, "", nil)
			require.NoError(env.t, conn.Send(packet.NewPingreq(), false))
			_, ok := connReceive(env, conn).(*packet.Pingresp)
			assert.True(env.t, ok)
		}},
		{"route-qos0", func(env *tenv) {
			sub := connDial(env)
			connConnect(env, sub, "", nil)
			connSubscribe(env, sub, []packet.Subscription{{Topic: "asiair/+/+/set", QOS: packet.QOSAtMostOnce}})

			pub := connDial(env)
			connConnect(env, pub, "", nil)
			msgout := packet.Message{Topic: "asiair/telescope/tracking/set", QOS: packet.QOSAtMostOnce, Payload: []byte("ON")}
			connPublish(env, pub, msgout)

			pktPublish := connReceive(env, sub).(*packet.Publish)
			assert.Equal(env.t, msgout.Topic, pktPublish.Message.Topic)
			assert.Equal(env.t, msgout.Payload, pktPublish.Message.Payload)
		}},
		{"route-qos1-downgrade", func(env *tenv) {
			sub := connDial(env)
			connConnect(env, sub, "", nil)
			connSubscribe(env, sub, []packet.Subscription{{Topic: "asiair/#", QOS: packet.QOSAtMostOnce}})

			pub := connDial(env)
			connConnect(env, pub, "", nil)
			msgout := packet.Message{Topic: "asiair/camera/gain/state", QOS: packet.QOSAtLeastOnce, Payload: []byte("120")}
			connPublish(env, pub, msgout)

			pktPublish := connReceive(env, sub).(*packet.Publish)
			assert.Equal(env.t, packet.QOSAtMostOnce, pktPublish.Message.QOS)
			assert.Equal(env.t, msgout.Payload, pktPublish.Message.Payload)
		}},
		{"sub-qos1-puback", func(env *tenv) {
			sub := connDial(env)
			connConnect(env, sub, "", nil)
			connSubscribe(env, sub, []packet.Subscription{{Topic: "#", QOS: packet.QOSAtLeastOnce}})

			msgout := &packet.Message{Topic: "asiair/status", QOS: packet.QOSAtLeastOnce, Payload: []byte("online")}
			published := make(chan error, 1)
			go func() { published <- env.s.Publish(context.Background(), msgout) }()
			pktPublish := connReceive(env, sub).(*packet.Publish)
			require.Equal(env.t, packet.QOSAtLeastOnce, pktPublish.Message.QOS)
			assert.NotEqual(env.t, packet.ID(0), pktPublish.ID)
			connPuback(env, sub, pktPublish.ID)
			assert.NoError(env.t, <-published)
		}},
		{"retained", func(env *tenv) {
			msg := &packet.Message{Topic: "asiair/identity", QOS: packet.QOSAtMostOnce, Payload: []byte(`{"guid":"g1"}`), Retain: true}
			assert.Equal(env.t, broker.ErrNoSubscribers, env.s.Publish(context.Background(), msg))
			require.Len(env.t, env.s.Retained(), 1)

			sub := connDial(env)
			connConnect(env, sub, "", nil)
			connSubscribe(env, sub, []packet.Subscription{{Topic: "asiair/#", QOS: packet.QOSAtMostOnce}})
			pktPublish := connReceive(env, sub).(*packet.Publish)
			assert.Equal(env.t, msg.Topic, pktPublish.Message.Topic)
			assert.True(env.t, pktPublish.Message.Retain)

			// empty payload clears retained
			clear := &packet.Message{Topic: "asiair/identity", Retain: true}
			_ = env.s.Publish(context.Background(), clear)
			assert.Len(env.t, env.s.Retained(), 0)
		}},
		{"unsubscribe", func(env *tenv) {
			sub := connDial(env)
			connConnect(env, sub, "", nil)
			connSubscribe(env, sub, []packet.Subscription{{Topic: "asiair/#", QOS: packet.QOSAtMostOnce}})
			pktUnsub := packet.NewUnsubscribe()
			pktUnsub.ID = 7
			pktUnsub.Topics = []string{"asiair/#"}
			require.NoError(env.t, sub.Send(pktUnsub, false))
			unsuback := connReceive(env, sub).(*packet.Unsuback)
			assert.Equal(env.t, packet.ID(7), unsuback.ID)
			msg := &packet.Message{Topic: "asiair/status", Payload: []byte("online")}
			assert.Equal(env.t, broker.ErrNoSubscribers, env.s.Publish(context.Background(), msg))
		}},
		{"will", func(env *tenv) {
			conn := connDial(env)
			connConnect(env, conn, "", nil)
			connSubscribe(env, conn, []packet.Subscription{{Topic: "#", QOS: packet.QOSAtMostOnce}})

			connTrigger := connDial(env)
			will := &packet.Message{Topic: "asiair/status", Payload: []byte("offline")}
			connConnect(env, connTrigger, "", will)
			require.NoError(env.t, connTrigger.Close())

			pktPublish := connReceive(env, conn).(*packet.Publish)
			assert.Equal(env.t, will.Topic, pktPublish.Message.Topic)
			assert.Equal(env.t, will.Payload, pktPublish.Message.Payload)
		}},
		{"disconnect-clean", func(env *tenv) {
			connTrigger := connDial(env)
			will := &packet.Message{Topic: "asiair/status", Payload: []byte("offline"), Retain: true}
			connConnect(env, connTrigger, "", will)
			connDisconnect(env, connTrigger)
			require.NoError(env.t, connTrigger.Close())
			time.Sleep(50 * time.Millisecond)
			require.Len(env.t, env.s.Retained(), 0)
		}},
	}
	for _, c := range cases {
		c := c
		t.Run(c.name, func(t *testing.T) {
			t.Parallel()
			env := &tenv{
				t:    t,
				log:  log2.NewTest(t, log2.LDebug),
				rand: helpers.RandUnix(),
			}
			if os.Getenv("asiair_test_log_stderr") == "1" {
				env.log = log2.NewStderr(log2.LDebug)
			}
			env.s = broker.NewServer(broker.Options{
				Log:            env.log,
				Username:       "testuser",
				Password:       "testsecret",
				NetworkTimeout: testTimeout,
			})
			require.NoError(t, env.s.Listen(context.Background(), []string{"tcp://127.0.0.1:0"}))
			addrs := env.s.Addrs()
			require.Len(t, addrs, 1)
			env.addr = addrs[0]
			defer func() { assert.NoError(t, env.s.Close()) }()
			c.check(env)
		})
	}
}

func TestServerCloseListen(t *testing.T) {
	t.Parallel()
	s := broker.NewServer(broker.Options{Log: log2.NewTest(t, log2.LDebug)})
	require.NoError(t, s.Close())
	err := s.Listen(context.Background(), []string{"tcp://127.0.0.1:0"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "Listen after Close")
}

func TestServerListenInvalid(t *testing.T) {
	t.Parallel()
	s := broker.NewServer(broker.Options{Log: log2.NewTest(t, log2.LDebug)})
	defer s.Close()
	err := s.Listen(context.Background(), []string{"ws://127.0.0.1:0"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "not supported")
}

func connDial(env *tenv) transport.Conn {
	addr := "tcp://" + env.addr
	c, err := transport.Dial(addr)
	require.NoError(env.t, err)
	c.SetReadTimeout(testTimeout)
	return c
}

func connConnect(env *tenv, c transport.Conn, id string, will *packet.Message) {
	if id == "" {
		id = fmt.Sprintf("cli%d", env.rand.Int31())
	}
	pktConnect := packet.NewConnect()
	pktConnect.CleanSession = true
	pktConnect.ClientID = id
	pktConnect.Username = "testuser"
	pktConnect.Password = "testsecret"
	pktConnect.Will = will
	require.NoError(env.t, c.Send(pktConnect, false))
	pktConnack := connReceive(env, c).(*packet.Connack)
	assert.False(env.t, pktConnack.SessionPresent)
	assert.Equal(env.t, packet.ConnectionAccepted, pktConnack.ReturnCode)
}

func connPublish(env *tenv, c transport.Conn, msg packet.Message) {
	pktPublish := packet.NewPublish()
	pktPublish.ID = packet.ID(env.rand.Uint32()%(1<<16-1) + 1)
	pktPublish.Message = msg
	require.NoError(env.t, c.Send(pktPublish, false))
	if msg.QOS == packet.QOSAtLeastOnce {
		pktPuback := connReceive(env, c).(*packet.Puback)
		assert.Equal(env.t, pktPublish.ID, pktPuback.ID)
	}
}

func connReceive(env *tenv, c transport.Conn) packet.Generic {
	pkt, err := c.Receive()
	env.log.Infof("testClient recv pkt=%s err=%v", broker.PacketString(pkt), err)
	require.NoError(env.t, err)
	return pkt
}

func connSubscribe(env *tenv, c transport.Conn, subs []packet.Subscription) {
	pktSubscribe := packet.NewSubscribe()
	pktSubscribe.ID = packet.ID(env.rand.Uint32()%(1<<16-1) + 1)
	pktSubscribe.Subscriptions = subs
	require.NoError(env.t, c.Send(pktSubscribe, false))
	pktSuback := connReceive(env, c).(*packet.Suback)
	expect := make([]packet.QOS, 0, len(subs))
	for _, sub := range subs {
		expect = append(expect, sub.QOS)
	}
	assert.Equal(env.t, expect, pktSuback.ReturnCodes)
}

func connPuback(env *tenv, c transport.Conn, id packet.ID) {
	pkt := packet.NewPuback()
	pkt.ID = id
	require.NoError(env.t, c.Send(pkt, false))
}

func connDisconnect(env *tenv, c transport.Conn) {
	require.NoError(env.t, c.Send(packet.NewDisconnect(), false))
}
