package broker

import (
	"log"
	"net"
	"sync"
	"time"

	mqtt "github.com/qosmqtt/engine"
	"github.com/qosmqtt/engine/internal/reactor"
)

// Config holds the broker-wide settings the mock-broker CLI surfaces
// as flags.
type Config struct {
	ResendIntervalMS  int64
	MaxInFlight       int // 0 means unlimited
	AnonymousAllowed  bool
	IgnoreCredentials bool
	Credentials       map[string]string // username -> password
}

// Broker is a minimal, volatile MQTT broker: topic matching, retained
// messages, credential lookup and per-client in-flight admission,
// wired around the core Channel engine via the reference reactor.
type Broker struct {
	cfg     Config
	stats   mqtt.StatsSink
	tree    *Tree
	reactor *reactor.Reactor

	mu       sync.Mutex
	retained map[string]*mqtt.Packet
	sessions map[string]*clientSession
	listener net.Listener
}

// New constructs a Broker. stats may be nil, in which case an
// in-memory default is used.
func New(cfg Config, stats mqtt.StatsSink) *Broker {
	if stats == nil {
		stats = mqtt.NewMemStats()
	}
	return &Broker{
		cfg:      cfg,
		stats:    stats,
		tree:     NewTree(),
		reactor:  reactor.New(5*time.Millisecond, 250*time.Millisecond),
		retained: make(map[string]*mqtt.Packet),
		sessions: make(map[string]*clientSession),
	}
}

// Start binds addr (":0" selects an ephemeral port) and begins
// accepting connections in the background. It returns the address
// actually bound.
func (b *Broker) Start(addr string) (string, error) {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return "", err
	}
	b.mu.Lock()
	b.listener = ln
	b.mu.Unlock()
	go b.acceptLoop(ln)
	return ln.Addr().String(), nil
}

// Stop closes the listener. Connections already accepted keep running
// until their own close path runs.
func (b *Broker) Stop() error {
	b.mu.Lock()
	ln := b.listener
	b.listener = nil
	b.mu.Unlock()
	if ln == nil {
		return nil
	}
	return ln.Close()
}

func (b *Broker) acceptLoop(ln net.Listener) {
	for {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		h := &brokerHandler{b: b}
		ch := mqtt.NewIncomingChannel(conn, mqtt.NewBrokerRole(), h, b.stats, b.cfg.ResendIntervalMS)
		if err := ch.Register(b.reactor, h); err != nil {
			log.Printf("broker: registering accepted connection: %v", err)
			ch.Close(err)
		}
	}
}

// Authenticate implements the ConnAck return-code decision table: an
// ignore-credentials broker accepts everyone; with no whitelist
// configured, anonymous connects succeed only if explicitly allowed
// and credentialed connects are always rejected as bad credentials;
// with a whitelist configured, a missing username is not authorized
// and a present one must match exactly.
func (b *Broker) Authenticate(hasUserName bool, userName string, hasPassword bool, password []byte) mqtt.ConnectReturnCode {
	if b.cfg.IgnoreCredentials {
		return mqtt.Accepted
	}
	if len(b.cfg.Credentials) == 0 {
		if !hasUserName {
			if b.cfg.AnonymousAllowed {
				return mqtt.Accepted
			}
			return mqtt.RefusedNotAuthorized
		}
		return mqtt.RefusedBadCredentials
	}
	if !hasUserName {
		return mqtt.RefusedNotAuthorized
	}
	want, ok := b.cfg.Credentials[userName]
	if !ok || !hasPassword || string(password) != want {
		return mqtt.RefusedBadCredentials
	}
	return mqtt.Accepted
}

func (b *Broker) storeRetained(p *mqtt.Packet) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if len(p.Payload) == 0 {
		delete(b.retained, p.TopicName)
		return
	}
	b.retained[p.TopicName] = p
}

func (b *Broker) deliverRetainedOnSubscribe(sess *clientSession, filter string, grantedQoS byte) {
	b.mu.Lock()
	var matches []*mqtt.Packet
	for topic, p := range b.retained {
		if FilterMatches(filter, topic) {
			matches = append(matches, p)
		}
	}
	b.mu.Unlock()

	for _, p := range matches {
		qos := grantedQoS
		if p.QoS < qos {
			qos = p.QoS
		}
		out := sess.newOutboundPublish(p.TopicName, p.Payload, qos, true)
		if out == nil {
			continue
		}
		sess.deliver(b, out)
	}
}

// fanOut delivers a just-received Publish to every matching
// subscriber, at the minimum of the publisher's and subscriber's QoS.
func (b *Broker) fanOut(p *mqtt.Packet) {
	matches := b.tree.Match(p.TopicName)
	if len(matches) == 0 {
		return
	}

	b.mu.Lock()
	targets := make(map[*clientSession]byte, len(matches))
	for _, m := range matches {
		sess, ok := b.sessions[m.ClientID]
		if !ok {
			continue
		}
		qos := m.QoS
		if p.QoS < qos {
			qos = p.QoS
		}
		if existing, ok := targets[sess]; !ok || qos > existing {
			targets[sess] = qos
		}
	}
	b.mu.Unlock()

	for sess, qos := range targets {
		out := sess.newOutboundPublish(p.TopicName, p.Payload, qos, false)
		if out == nil {
			log.Printf("broker: message id limit reached for client %s, dropping delivery", sess.clientID)
			continue
		}
		sess.deliver(b, out)
	}
}

// clientSession tracks the broker-side state for one connected client:
// its channel, its own outbound id allocator, and a queue of
// deliveries withheld by the in-flight admission cap.
type clientSession struct {
	clientID string
	ch       *mqtt.Channel
	ids      *mqtt.IDAllocator

	mu      sync.Mutex
	pending []*mqtt.Packet
}

func (s *clientSession) newOutboundPublish(topic string, payload []byte, qos byte, retain bool) *mqtt.Packet {
	var id uint16
	if qos >= 1 {
		reserved, ok := s.ids.Reserve()
		if !ok {
			return nil
		}
		id = reserved
	}
	return mqtt.NewPublish(id, topic, payload, qos, retain, false)
}

func (s *clientSession) deliver(b *Broker, p *mqtt.Packet) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if b.cfg.MaxInFlight > 0 && s.ch.InFlightCount() >= b.cfg.MaxInFlight {
		s.pending = append(s.pending, p)
		return
	}
	s.ch.Send(p, nil)
}

func (s *clientSession) pump(b *Broker) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for len(s.pending) > 0 {
		if b.cfg.MaxInFlight > 0 && s.ch.InFlightCount() >= b.cfg.MaxInFlight {
			break
		}
		next := s.pending[0]
		s.pending = s.pending[1:]
		s.ch.Send(next, nil)
	}
}

// brokerHandler is the mqtt.Handler for one accepted connection. It is
// thin by design: business logic (matching, retention, admission)
// lives on Broker and clientSession; this type only wires packet
// upcalls to it.
type brokerHandler struct {
	mqtt.NopHandler
	b       *Broker
	session *clientSession
}

func (h *brokerHandler) HandleConnect(ch *mqtt.Channel, p *mqtt.Packet) {
	code := h.b.Authenticate(p.HasUserName, p.UserName, p.HasPassword, p.Password)
	ch.Send(mqtt.NewConnAck(false, code), nil)
	if code != mqtt.Accepted {
		return
	}

	sess := &clientSession{clientID: p.ClientID, ch: ch, ids: mqtt.NewIDAllocator(0)}
	h.session = sess
	h.b.mu.Lock()
	h.b.sessions[p.ClientID] = sess
	h.b.mu.Unlock()
}

func (h *brokerHandler) HandlePublish(ch *mqtt.Channel, p *mqtt.Packet) {
	switch p.QoS {
	case 1:
		ch.Send(mqtt.NewPubAck(p.ID), nil)
	case 2:
		ch.Send(mqtt.NewPubRec(p.ID), nil)
	}
	if p.Retain {
		h.b.storeRetained(p)
	}
	h.b.fanOut(p)
}

// HandlePubRec answers a subscriber's QoS 2 receipt confirmation with
// PubRel, completing the handshake's middle leg; the originating
// message id is only released once PubComp arrives.
func (h *brokerHandler) HandlePubRec(ch *mqtt.Channel, p *mqtt.Packet) {
	ch.Send(mqtt.NewPubRel(p.ID, false), nil)
}

func (h *brokerHandler) HandlePubRel(ch *mqtt.Channel, p *mqtt.Packet) {
	ch.Send(mqtt.NewPubComp(p.ID), nil)
}

func (h *brokerHandler) HandlePubAck(ch *mqtt.Channel, p *mqtt.Packet)  { h.release(p.ID) }
func (h *brokerHandler) HandlePubComp(ch *mqtt.Channel, p *mqtt.Packet) { h.release(p.ID) }

func (h *brokerHandler) release(id uint16) {
	if h.session == nil {
		return
	}
	h.session.ids.Free(id)
	h.session.pump(h.b)
}

func (h *brokerHandler) HandleSubscribe(ch *mqtt.Channel, p *mqtt.Packet) {
	codes := make([]byte, len(p.TopicFilters))
	for i, filter := range p.TopicFilters {
		qos := p.RequestedQoS[i]
		h.b.tree.Subscribe(h.session.clientID, filter, qos)
		codes[i] = qos
	}
	ch.Send(mqtt.NewSubAck(p.ID, codes), nil)
	for i, filter := range p.TopicFilters {
		h.b.deliverRetainedOnSubscribe(h.session, filter, p.RequestedQoS[i])
	}
}

func (h *brokerHandler) HandleUnsubscribe(ch *mqtt.Channel, p *mqtt.Packet) {
	for _, filter := range p.UnsubTopicFilters {
		h.b.tree.Unsubscribe(h.session.clientID, filter)
	}
	ch.Send(mqtt.NewUnsubAck(p.ID), nil)
}

func (h *brokerHandler) ChannelClosed(ch *mqtt.Channel, cause error) {
	if h.session == nil {
		return
	}
	h.b.tree.UnsubscribeAll(h.session.clientID)
	h.b.mu.Lock()
	delete(h.b.sessions, h.session.clientID)
	h.b.mu.Unlock()
}
