package mqttclient

import (
	"context"
	"testing"
	"time"

	mqtt "github.com/qosmqtt/engine"
	"github.com/qosmqtt/engine/internal/broker"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func startBroker(t *testing.T, cfg broker.Config) string {
	t.Helper()
	b := broker.New(cfg, nil)
	addr, err := b.Start("127.0.0.1:0")
	require.NoError(t, err)
	t.Cleanup(func() { b.Stop() })
	return addr
}

func TestDialAndAuthenticate(t *testing.T) {
	addr := startBroker(t, broker.Config{AnonymousAllowed: true})

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	c, err := Dial(ctx, UnsecuredConnecter("tcp", addr), Options{ClientID: "c1", CleanSession: true, KeepAliveSec: 30})
	require.NoError(t, err)
	defer c.Close()
}

func TestDialRefusedByBadCredentials(t *testing.T) {
	addr := startBroker(t, broker.Config{Credentials: map[string]string{"user1": "pass1"}})

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	_, err := Dial(ctx, UnsecuredConnecter("tcp", addr), Options{
		ClientID: "c1", CleanSession: true, KeepAliveSec: 30,
		UserName: "user1", Password: []byte("wrong"),
	})
	require.Error(t, err)
	var connectErr *ConnectError
	require.ErrorAs(t, err, &connectErr)
	assert.Equal(t, mqtt.RefusedBadCredentials, connectErr.Code)
}

func TestPublishSubscribeRoundTrip(t *testing.T) {
	addr := startBroker(t, broker.Config{AnonymousAllowed: true})
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	sub, err := Dial(ctx, UnsecuredConnecter("tcp", addr), Options{ClientID: "subscriber", CleanSession: true, KeepAliveSec: 30})
	require.NoError(t, err)
	defer sub.Close()

	received := make(chan *mqtt.Packet, 1)
	sub.Channel().Deregister()
	require.NoError(t, sub.Channel().Register(sub.r, &capturingHandler{ch: received}))

	codes, err := sub.Subscribe(ctx, []string{"grand/foo/bar"}, []byte{1})
	require.NoError(t, err)
	assert.Equal(t, []byte{1}, codes)

	pub, err := Dial(ctx, UnsecuredConnecter("tcp", addr), Options{ClientID: "publisher", CleanSession: true, KeepAliveSec: 30})
	require.NoError(t, err)
	defer pub.Close()

	require.NoError(t, pub.Publish(ctx, "grand/foo/bar", []byte("onyx"), 1, false))

	select {
	case p := <-received:
		assert.Equal(t, "grand/foo/bar", p.TopicName)
		assert.Equal(t, []byte("onyx"), p.Payload)
	case <-time.After(3 * time.Second):
		t.Fatal("timed out waiting for delivered publish")
	}
}

// capturingHandler re-registers itself as the channel's handler so a
// test can observe inbound Publish packets the bare façade does not
// surface on its own.
type capturingHandler struct {
	mqtt.NopHandler
	ch chan *mqtt.Packet
}

func (h *capturingHandler) HandlePublish(ch *mqtt.Channel, p *mqtt.Packet) {
	if p.QoS == 1 {
		ch.Send(mqtt.NewPubAck(p.ID), nil)
	}
	h.ch <- p
}
