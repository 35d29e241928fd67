package reactor_test

import (
	"net"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	mqtt "github.com/qosmqtt/engine"
	"github.com/qosmqtt/engine/internal/reactor"
)

type capturingHandler struct {
	mqtt.NopHandler
	mu   sync.Mutex
	got  []*mqtt.Packet
	done chan struct{}
}

func (h *capturingHandler) HandlePublish(ch *mqtt.Channel, p *mqtt.Packet) {
	h.mu.Lock()
	h.got = append(h.got, p)
	h.mu.Unlock()
	close(h.done)
}

// TestReactorDeliversPublishEndToEnd wires a client-role and a
// broker-role channel together over a net.Pipe and drives both with a
// real Reactor, proving the deadline-based loop actually carries bytes
// between the two channel state machines.
func TestReactorDeliversPublishEndToEnd(t *testing.T) {
	clientConn, serverConn := net.Pipe()

	serverHandler := &capturingHandler{done: make(chan struct{})}
	clientHandler := &mqtt.NopHandler{}

	serverCh := mqtt.NewIncomingChannel(serverConn, mqtt.NewBrokerRole(), serverHandler, mqtt.NewMemStats(), 0)
	clientCh := mqtt.NewIncomingChannel(clientConn, mqtt.NewClientRole(), clientHandler, mqtt.NewMemStats(), 0)

	r := reactor.New(5*time.Millisecond, 50*time.Millisecond)
	_, err := r.Register(serverCh, false)
	require.NoError(t, err)
	_, err = r.Register(clientCh, false)
	require.NoError(t, err)

	require.NoError(t, clientCh.Send(mqtt.NewPublish(0, "a/b", []byte("hi"), 0, false, false), nil))

	select {
	case <-serverHandler.done:
	case <-time.After(2 * time.Second):
		t.Fatal("publish was not delivered in time")
	}

	serverHandler.mu.Lock()
	defer serverHandler.mu.Unlock()
	require.Len(t, serverHandler.got, 1)
	require.Equal(t, "a/b", serverHandler.got[0].TopicName)

	clientCh.Close(nil)
	serverCh.Close(nil)
}
