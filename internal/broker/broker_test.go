package broker

import (
	"net"
	"testing"
	"time"

	mqtt "github.com/qosmqtt/engine"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// recordingHandler lets a test client observe packets the broker sends
// it without pulling in the synchronous client façade.
type recordingHandler struct {
	mqtt.NopHandler
	mu       chan struct{}
	connAcks []*mqtt.Packet
	pubs     []*mqtt.Packet
	subAcks  []*mqtt.Packet
}

func newRecordingHandler() *recordingHandler {
	return &recordingHandler{mu: make(chan struct{}, 64)}
}

func (h *recordingHandler) HandleConnAck(ch *mqtt.Channel, p *mqtt.Packet) {
	h.connAcks = append(h.connAcks, p)
	h.mu <- struct{}{}
}

func (h *recordingHandler) HandlePublish(ch *mqtt.Channel, p *mqtt.Packet) {
	h.pubs = append(h.pubs, p)
	h.mu <- struct{}{}
	switch p.QoS {
	case 1:
		ch.Send(mqtt.NewPubAck(p.ID), nil)
	case 2:
		ch.Send(mqtt.NewPubRec(p.ID), nil)
	}
}

func (h *recordingHandler) HandleSubAck(ch *mqtt.Channel, p *mqtt.Packet) {
	h.subAcks = append(h.subAcks, p)
	h.mu <- struct{}{}
}

func (h *recordingHandler) wait(t *testing.T, n int) {
	t.Helper()
	for i := 0; i < n; i++ {
		select {
		case <-h.mu:
		case <-time.After(2 * time.Second):
			t.Fatalf("timed out waiting for event %d/%d", i+1, n)
		}
	}
}

// dialClient connects a raw client Channel to the broker's address,
// driven by its own small reactor, for use from test code.
func dialClient(t *testing.T, addr string, h mqtt.Handler) (*mqtt.Channel, *mqtt.Completion) {
	t.Helper()
	conn, err := net.Dial("tcp", addr)
	require.NoError(t, err)
	ch, completion := mqtt.NewOutgoingChannel(conn, mqtt.NewClientRole(), h, mqtt.NewMemStats(), 0)
	r := New(Config{}, nil).reactor
	require.NoError(t, ch.Register(r, h))
	ch.FinishConnect(0, nil)
	return ch, completion
}

func startTestBroker(t *testing.T, cfg Config) (*Broker, string) {
	t.Helper()
	b := New(cfg, nil)
	addr, err := b.Start("127.0.0.1:0")
	require.NoError(t, err)
	t.Cleanup(func() { b.Stop() })
	return b, addr
}

func TestAnonymousConnectRefusedByDefault(t *testing.T) {
	_, addr := startTestBroker(t, Config{})
	h := newRecordingHandler()
	ch, _ := dialClient(t, addr, h)
	defer ch.Close(nil)

	ch.Send(mqtt.NewConnect("client-1", true, 30, "", nil, nil), nil)
	h.wait(t, 1)
	require.Len(t, h.connAcks, 1)
	assert.Equal(t, mqtt.RefusedNotAuthorized, h.connAcks[0].ReturnCode)
}

func TestAnonymousConnectAcceptedWhenAllowed(t *testing.T) {
	_, addr := startTestBroker(t, Config{AnonymousAllowed: true})
	h := newRecordingHandler()
	ch, _ := dialClient(t, addr, h)
	defer ch.Close(nil)

	ch.Send(mqtt.NewConnect("client-1", true, 30, "", nil, nil), nil)
	h.wait(t, 1)
	require.Len(t, h.connAcks, 1)
	assert.Equal(t, mqtt.Accepted, h.connAcks[0].ReturnCode)
}

func TestBadCredentialsRefused(t *testing.T) {
	_, addr := startTestBroker(t, Config{Credentials: map[string]string{"user1": "pass1"}})
	h := newRecordingHandler()
	ch, _ := dialClient(t, addr, h)
	defer ch.Close(nil)

	ch.Send(mqtt.NewConnect("client-1", true, 30, "user1", []byte("pass2"), nil), nil)
	h.wait(t, 1)
	require.Len(t, h.connAcks, 1)
	assert.Equal(t, mqtt.RefusedBadCredentials, h.connAcks[0].ReturnCode)
}

func TestMatchingCredentialsAccepted(t *testing.T) {
	_, addr := startTestBroker(t, Config{Credentials: map[string]string{"user1": "pass1"}})
	h := newRecordingHandler()
	ch, _ := dialClient(t, addr, h)
	defer ch.Close(nil)

	ch.Send(mqtt.NewConnect("client-1", true, 30, "user1", []byte("pass1"), nil), nil)
	h.wait(t, 1)
	require.Len(t, h.connAcks, 1)
	assert.Equal(t, mqtt.Accepted, h.connAcks[0].ReturnCode)
}

func TestPublishFansOutToSubscriber(t *testing.T) {
	_, addr := startTestBroker(t, Config{AnonymousAllowed: true})

	pubH := newRecordingHandler()
	pubCh, _ := dialClient(t, addr, pubH)
	defer pubCh.Close(nil)
	pubCh.Send(mqtt.NewConnect("publisher", true, 30, "", nil, nil), nil)
	pubH.wait(t, 1)

	subH := newRecordingHandler()
	subCh, _ := dialClient(t, addr, subH)
	defer subCh.Close(nil)
	subCh.Send(mqtt.NewConnect("subscriber", true, 30, "", nil, nil), nil)
	subH.wait(t, 1)

	subCh.Send(mqtt.NewSubscribe(1, []string{"sensors/+/temp"}, []byte{1}, false), nil)
	subH.wait(t, 1)
	require.Len(t, subH.subAcks, 1)

	pubCh.Send(mqtt.NewPublish(0, "sensors/kitchen/temp", []byte("21C"), 0, false, false), nil)
	subH.wait(t, 1)
	require.Len(t, subH.pubs, 1)
	assert.Equal(t, "sensors/kitchen/temp", subH.pubs[0].TopicName)
	assert.Equal(t, []byte("21C"), subH.pubs[0].Payload)
}

func TestRetainedMessageDeliveredOnSubscribe(t *testing.T) {
	_, addr := startTestBroker(t, Config{AnonymousAllowed: true})

	pubH := newRecordingHandler()
	pubCh, _ := dialClient(t, addr, pubH)
	defer pubCh.Close(nil)
	pubCh.Send(mqtt.NewConnect("publisher", true, 30, "", nil, nil), nil)
	pubH.wait(t, 1)

	pubCh.Send(mqtt.NewPublish(0, "status/online", []byte("yes"), 0, true, false), nil)
	time.Sleep(50 * time.Millisecond)

	subH := newRecordingHandler()
	subCh, _ := dialClient(t, addr, subH)
	defer subCh.Close(nil)
	subCh.Send(mqtt.NewConnect("subscriber", true, 30, "", nil, nil), nil)
	subH.wait(t, 1)

	subCh.Send(mqtt.NewSubscribe(1, []string{"status/online"}, []byte{0}, false), nil)
	subH.wait(t, 2) // SubAck, then the retained Publish
	require.Len(t, subH.pubs, 1)
	assert.True(t, subH.pubs[0].Retain)
	assert.Equal(t, []byte("yes"), subH.pubs[0].Payload)
}

func TestMaxInFlightCapsConcurrentDeliveries(t *testing.T) {
	b, addr := startTestBroker(t, Config{AnonymousAllowed: true, MaxInFlight: 1})

	subH := newRecordingHandler()
	subCh, _ := dialClient(t, addr, subH)
	defer subCh.Close(nil)
	subCh.Send(mqtt.NewConnect("subscriber", true, 30, "", nil, nil), nil)
	subH.wait(t, 1)
	subCh.Send(mqtt.NewSubscribe(1, []string{"a/b"}, []byte{1}, false), nil)
	subH.wait(t, 1)

	pubH := newRecordingHandler()
	pubCh, _ := dialClient(t, addr, pubH)
	defer pubCh.Close(nil)
	pubCh.Send(mqtt.NewConnect("publisher", true, 30, "", nil, nil), nil)
	pubH.wait(t, 1)

	pubCh.Send(mqtt.NewPublish(1, "a/b", []byte("one"), 1, false, false), nil)
	pubCh.Send(mqtt.NewPublish(2, "a/b", []byte("two"), 1, false, false), nil)

	subH.wait(t, 1)
	time.Sleep(50 * time.Millisecond)
	assert.Len(t, subH.pubs, 1, "second delivery should be withheld by the in-flight cap")

	b.mu.Lock()
	sess := b.sessions["subscriber"]
	b.mu.Unlock()
	require.NotNil(t, sess)
	subCh.Send(mqtt.NewPubAck(subH.pubs[0].ID), nil)

	subH.wait(t, 1)
	assert.Len(t, subH.pubs, 2, "acking the first delivery should free a slot for the second")
}

func TestStopTearsDownListener(t *testing.T) {
	b := New(Config{}, nil)
	addr, err := b.Start("127.0.0.1:0")
	require.NoError(t, err)

	require.NoError(t, b.Stop())

	_, err = net.Dial("tcp", addr)
	assert.Error(t, err)
}
