package mqtt

import (
	"errors"
	"io"
	"log"
	"net"
)

// channelBinder lets a RoleHooks implementation learn the Channel it
// was constructed with, so KeepAlive and the ping upcalls can submit
// packets on it. Both ClientRole and BrokerRole implement it.
type channelBinder interface {
	bindChannel(ch *Channel)
}

// Channel drives a single MQTT connection: non-blocking framing of
// inbound bytes into packets, an outgoing send queue, in-flight
// acknowledgement tracking, and keep-alive/resend housekeeping. A
// Channel is driven exclusively by one goroutine at a time — typically
// a Selector's loop — except for Send, which tolerates being called
// from elsewhere as long as it never races with that goroutine's own
// calls into the channel.
type Channel struct {
	conn    net.Conn
	hooks   RoleHooks
	handler Handler
	stats   StatsSink
	sel     Selector
	reg     Registration

	resendIntervalMS int64
	pingIntervalMS   int64
	connected        bool
	closed           bool
	readPaused       bool

	lastReceivedTimeMS int64
	lastSentTimeMS     int64

	// read-side framing
	rHeader []byte
	rBuf    []byte
	rWant   int

	// write-side
	sendSlot    *Packet
	writeOffset int
	sendQueue   []*Packet

	connectCompletion *Completion // outgoing channels only
	connAckCompletion *Completion // attached by send() for the live Connect

	inFlight map[uint16]*Packet
}

func newChannel(conn net.Conn, hooks RoleHooks, handler Handler, stats StatsSink, resendIntervalMS int64) *Channel {
	ch := &Channel{
		conn:             conn,
		hooks:            hooks,
		handler:          handler,
		stats:            stats,
		resendIntervalMS: resendIntervalMS,
		rHeader:          make([]byte, 0, 5),
		rWant:            -1,
		inFlight:         make(map[uint16]*Packet),
	}
	if binder, ok := hooks.(channelBinder); ok {
		binder.bindChannel(ch)
	}
	return ch
}

// NewOutgoingChannel constructs a Channel for a connection this side
// initiated. The returned Completion resolves once FinishConnect
// reports the outcome of the TCP connect.
func NewOutgoingChannel(conn net.Conn, hooks RoleHooks, handler Handler, stats StatsSink, resendIntervalMS int64) (*Channel, *Completion) {
	ch := newChannel(conn, hooks, handler, stats, resendIntervalMS)
	ch.connectCompletion = NewCompletion()
	return ch, ch.connectCompletion
}

// NewIncomingChannel constructs a Channel for an already-accepted
// socket and immediately fires ChannelOpened.
func NewIncomingChannel(conn net.Conn, hooks RoleHooks, handler Handler, stats StatsSink, resendIntervalMS int64) *Channel {
	ch := newChannel(conn, hooks, handler, stats, resendIntervalMS)
	ch.handler.ChannelOpened(ch)
	return ch
}

// Connected reports whether an accepted ConnAck has been sent or
// received and no Disconnect or close has happened since.
func (ch *Channel) Connected() bool { return ch.connected }

// IsClosed reports whether Close has already run.
func (ch *Channel) IsClosed() bool { return ch.closed }

// LastReceivedTimeMS and LastSentTimeMS report the last activity
// timestamps, in the same millisecond clock as the "now" arguments
// passed to Read/Write/Housekeep.
func (ch *Channel) LastReceivedTimeMS() int64 { return ch.lastReceivedTimeMS }
func (ch *Channel) LastSentTimeMS() int64     { return ch.lastSentTimeMS }

// PingIntervalMS returns the keep-alive period negotiated by the
// Connect packet (sent or received), in milliseconds, or 0 before a
// Connect has passed through the channel.
func (ch *Channel) PingIntervalMS() int64 { return ch.pingIntervalMS }

// InFlightCount reports the number of ackable packets currently
// awaiting their acknowledgement.
func (ch *Channel) InFlightCount() int { return len(ch.inFlight) }

// Conn returns the underlying connection. Selector implementations use
// it to drive low-level readiness (deadlines, file descriptors)
// outside the channel's own state machine.
func (ch *Channel) Conn() net.Conn { return ch.conn }

// Register attaches ch to sel, installing handler as the upcall target.
// It fails with ErrRegistered if ch already has an active registration.
func (ch *Channel) Register(sel Selector, handler Handler) error {
	if ch.reg != nil {
		return ErrRegistered
	}
	waitConnect := ch.connectCompletion != nil && !ch.connectCompletion.Resolved()
	reg, err := sel.Register(ch, waitConnect)
	if err != nil {
		return err
	}
	ch.sel = sel
	ch.reg = reg
	ch.handler = handler
	ch.handler.ChannelAttached(ch)
	return nil
}

// Deregister cancels ch's selector registration without closing the
// socket.
func (ch *Channel) Deregister() {
	if ch.reg == nil {
		return
	}
	ch.reg.Cancel()
	ch.reg = nil
	ch.handler.ChannelDetached(ch)
}

// PauseReads disarms read interest until ResumeReads is called.
func (ch *Channel) PauseReads() {
	ch.readPaused = true
	if ch.reg != nil {
		ch.reg.SetReadInterest(false)
	}
}

// ResumeReads re-arms read interest.
func (ch *Channel) ResumeReads() {
	ch.readPaused = false
	if ch.reg != nil && !ch.closed {
		ch.reg.SetReadInterest(true)
	}
}

// Send enqueues p for transmission, completing it via completion once
// it reaches a terminal state. completion may be nil when the caller
// does not need to wait for anything.
func (ch *Channel) Send(p *Packet, completion *Completion) error {
	if ch.closed {
		if completion != nil {
			completion.CompleteFailure(ErrClosed)
		}
		return ErrClosed
	}
	ch.send(p, completion)
	return nil
}

func (ch *Channel) send(p *Packet, completion *Completion) {
	if ch.closed {
		if completion != nil {
			completion.CompleteFailure(ErrClosed)
		}
		return
	}
	if p.Type == typeConnect {
		ch.connAckCompletion = completion
	} else {
		p.completion = completion
	}
	if ch.sendSlot != nil {
		ch.sendQueue = append(ch.sendQueue, p)
		return
	}
	ch.sendSlot = p
	ch.writeOffset = 0
	if ch.reg != nil {
		ch.reg.SetWriteInterest(true)
	}
}

// FinishConnect reports the outcome of an outgoing channel's TCP
// connect attempt. connErr is the error the dialer observed, or nil on
// success.
func (ch *Channel) FinishConnect(now int64, connErr error) {
	if connErr != nil {
		if ch.connectCompletion != nil {
			ch.connectCompletion.CompleteFailure(connErr)
			ch.connectCompletion = nil
		}
		ch.Close(connErr)
		return
	}
	if ch.reg != nil {
		ch.reg.SetReadInterest(true)
		if ch.sendSlot != nil {
			ch.reg.SetWriteInterest(true)
		}
	}
	if ch.connectCompletion != nil {
		ch.connectCompletion.CompleteSuccess(ch)
		ch.connectCompletion = nil
	}
	ch.handler.ChannelOpened(ch)
}

// Close tears the channel down. It is idempotent: only the first call
// has any effect. cause is nil for a clean peer close or caller-
// initiated stop.
func (ch *Channel) Close(cause error) {
	if ch.closed {
		return
	}
	ch.closed = true

	if cause != nil {
		if ch.connectCompletion != nil {
			ch.connectCompletion.CompleteFailure(cause)
		}
		if ch.connAckCompletion != nil {
			ch.connAckCompletion.CompleteFailure(cause)
		}
		if ch.sendSlot != nil && ch.sendSlot.completion != nil {
			ch.sendSlot.completion.CompleteFailure(cause)
		}
		for _, p := range ch.sendQueue {
			if p.completion != nil {
				p.completion.CompleteFailure(cause)
			}
		}
		for _, p := range ch.inFlight {
			if p.completion != nil {
				p.completion.CompleteFailure(cause)
			}
		}
	}
	ch.connAckCompletion = nil
	ch.connectCompletion = nil
	ch.sendSlot = nil
	ch.sendQueue = nil
	ch.inFlight = map[uint16]*Packet{}

	if ch.connected {
		ch.hooks.Disconnected()
		ch.connected = false
	}
	if ch.reg != nil {
		ch.reg.Cancel()
	}
	if err := ch.conn.Close(); err != nil {
		log.Printf("mqtt: close: %v", err)
	}

	func() {
		defer func() {
			if r := recover(); r != nil {
				log.Printf("mqtt: handler panic on channel-closed: %v", r)
			}
		}()
		ch.handler.ChannelClosed(ch, cause)
	}()
}

// Read performs one socket read of up to 4096 bytes and dispatches
// every complete packet found in them. now is the millisecond
// timestamp the caller observed readiness at.
func (ch *Channel) Read(now int64) error {
	if ch.closed {
		return ErrClosed
	}
	if ch.readPaused {
		return nil
	}

	buf := make([]byte, 4096)
	n, err := ch.conn.Read(buf)
	if n > 0 {
		if ferr := ch.feed(buf[:n], now); ferr != nil {
			log.Printf("mqtt: %v", ferr)
			ch.Close(ferr)
			return ferr
		}
	}
	if err != nil {
		if isTimeout(err) {
			return nil
		}
		if errors.Is(err, io.EOF) {
			ch.Close(nil)
			return nil
		}
		ch.Close(err)
		return err
	}
	return nil
}

func isTimeout(err error) bool {
	ne, ok := err.(net.Error)
	return ok && ne.Timeout()
}

// feed appends data to the read-side framing state, dispatching every
// packet it completes.
func (ch *Channel) feed(data []byte, now int64) error {
	for len(data) > 0 {
		if ch.rWant < 0 {
			b := data[0]
			data = data[1:]
			ch.rHeader = append(ch.rHeader, b)

			if len(ch.rHeader) == 1 {
				continue // still need the first remaining-length byte
			}
			if b&0x80 != 0 {
				if len(ch.rHeader) >= 5 {
					return ErrProtocol
				}
				continue // more remaining-length continuation bytes needed
			}

			length, _, err := decodeRemainingLength(ch.rHeader[1:])
			if err != nil {
				return err
			}
			ch.rWant = len(ch.rHeader) + length
			ch.rBuf = make([]byte, len(ch.rHeader), ch.rWant)
			copy(ch.rBuf, ch.rHeader)
			ch.rHeader = ch.rHeader[:0]
			if len(ch.rBuf) == ch.rWant {
				ch.dispatchComplete(now)
			}
			continue
		}

		need := ch.rWant - len(ch.rBuf)
		take := need
		if take > len(data) {
			take = len(data)
		}
		ch.rBuf = append(ch.rBuf, data[:take]...)
		data = data[take:]
		if len(ch.rBuf) == ch.rWant {
			ch.dispatchComplete(now)
		}
	}
	return nil
}

func (ch *Channel) dispatchComplete(now int64) {
	buf := ch.rBuf
	ch.rBuf = nil
	ch.rWant = -1
	ch.lastReceivedTimeMS = now

	p, err := DecodePacket(buf)
	if err != nil {
		log.Printf("mqtt: dropping unparseable packet: %v", err)
		return
	}
	ch.dispatch(p, now)
}

func (ch *Channel) dispatch(p *Packet, now int64) {
	ch.stats.MessageReceived(p.Dup)

	switch p.Type {
	case typeConnect:
		ch.pingIntervalMS = int64(p.KeepAliveSec) * 1000
		ch.handler.HandleConnect(ch, p)

	case typeConnAck:
		accepted := p.ReturnCode == Accepted
		if accepted {
			ch.connected = true
			ch.hooks.Connected(ch.pingIntervalMS)
		}
		if ch.connAckCompletion != nil {
			ch.connAckCompletion.CompleteSuccess(p)
			ch.connAckCompletion = nil
		}
		ch.handler.HandleConnAck(ch, p)
		if !accepted {
			ch.Close(nil)
		}

	case typePublish:
		ch.handler.HandlePublish(ch, p)

	case typePubAck:
		ch.resolveInFlight(p, now)
		ch.handler.HandlePubAck(ch, p)

	case typePubRec:
		ch.resolveInFlight(p, now)
		ch.handler.HandlePubRec(ch, p)

	case typePubRel:
		ch.handler.HandlePubRel(ch, p)

	case typePubComp:
		ch.resolveInFlight(p, now)
		ch.handler.HandlePubComp(ch, p)

	case typeSubscribe:
		ch.handler.HandleSubscribe(ch, p)

	case typeSubAck:
		ch.resolveInFlight(p, now)
		ch.handler.HandleSubAck(ch, p)

	case typeUnsubscribe:
		ch.handler.HandleUnsubscribe(ch, p)

	case typeUnsubAck:
		ch.resolveInFlight(p, now)
		ch.handler.HandleUnsubAck(ch, p)

	case typePingReq:
		ch.hooks.HandlePingReq(ch)

	case typePingResp:
		ch.hooks.HandlePingResp(ch)

	case typeDisconnect:
		ch.handler.HandleDisconnect(ch, p)
		ch.Close(nil)
	}
}

// resolveInFlight completes the pending packet matching an incoming
// ack's message id, if any is still tracked. Unknown ids are ignored.
func (ch *Channel) resolveInFlight(ack *Packet, now int64) {
	pending, ok := ch.inFlight[ack.ID]
	if !ok {
		return
	}
	delete(ch.inFlight, ack.ID)
	if pending.Type == typePublish {
		ch.stats.AckLatency(now - pending.OriginalSendTime)
	}
	if pending.completion != nil {
		pending.completion.CompleteSuccess(ack)
	}
}

// Write drains the in-progress send slot to the socket, advancing
// through the queue as each packet fully transmits.
func (ch *Channel) Write(now int64) error {
	if ch.closed {
		return ErrClosed
	}

	for ch.sendSlot != nil {
		p := ch.sendSlot
		n, err := ch.conn.Write(p.Buf[ch.writeOffset:])
		if n > 0 {
			ch.writeOffset += n
		}
		if err != nil {
			if isTimeout(err) {
				if ch.reg != nil {
					ch.reg.SetWriteInterest(true)
				}
				return nil
			}
			ch.Close(err)
			return err
		}
		if ch.writeOffset < len(p.Buf) {
			if ch.reg != nil {
				ch.reg.SetWriteInterest(true)
			}
			return nil
		}

		ch.finishSend(p, now)
		if ch.closed {
			return nil
		}
		ch.advanceSendSlot()
	}

	if ch.reg != nil {
		ch.reg.SetWriteInterest(false)
	}
	return nil
}

func (ch *Channel) advanceSendSlot() {
	if len(ch.sendQueue) == 0 {
		ch.sendSlot = nil
		ch.writeOffset = 0
		return
	}
	ch.sendSlot = ch.sendQueue[0]
	ch.sendQueue = ch.sendQueue[1:]
	ch.writeOffset = 0
}

func (ch *Channel) finishSend(p *Packet, now int64) {
	ch.lastSentTimeMS = now
	ch.handler.MessageSent(ch, p)
	ch.stats.MessageSent(p.Dup)
	if !p.Dup {
		p.OriginalSendTime = now
	}

	switch p.Type {
	case typeConnect:
		ch.pingIntervalMS = int64(p.KeepAliveSec) * 1000

	case typeConnAck:
		if p.ReturnCode == Accepted {
			ch.connected = true
			ch.hooks.Connected(ch.pingIntervalMS)
		} else {
			if p.completion != nil {
				p.completion.CompleteSuccess(p)
			}
			ch.Close(nil)
			return
		}

	case typeDisconnect:
		if p.completion != nil {
			p.completion.CompleteSuccess(p)
		}
		ch.Close(nil)
		return
	}

	if p.Ackable() {
		if ch.resendIntervalMS > 0 {
			p.NextSendTime = now + ch.resendIntervalMS
		}
		if p.Identifiable() {
			ch.inFlight[p.ID] = p
		}
		return
	}
	if p.Type != typeConnect && p.completion != nil {
		p.completion.CompleteSuccess(p)
	}
}

// Housekeep drives resend and keep-alive logic and returns the number
// of milliseconds until this channel next needs attention.
func (ch *Channel) Housekeep(now int64) int64 {
	if ch.closed {
		return noDeadlineMS
	}
	resendDeadline := ch.processResends(now)
	keepAliveDeadline := ch.hooks.KeepAlive(now, ch.lastReceivedTimeMS, ch.lastSentTimeMS, ch.pingIntervalMS)
	if resendDeadline < keepAliveDeadline {
		return resendDeadline
	}
	return keepAliveDeadline
}

func (ch *Channel) processResends(now int64) int64 {
	if ch.resendIntervalMS <= 0 {
		return noDeadlineMS
	}

	var due []*Packet
	minRemaining := int64(noDeadlineMS)
	for _, p := range ch.inFlight {
		if p.NextSendTime <= now+1000 {
			due = append(due, p)
			continue
		}
		if remaining := p.NextSendTime - now; remaining < minRemaining {
			minRemaining = remaining
		}
	}

	for _, p := range due {
		delete(ch.inFlight, p.ID)
		p.Dup = true
		if p.Type == typePublish {
			p.Buf[0] |= 1 << 3
		}
		ch.send(p, p.completion)
	}
	if len(due) > 0 {
		return 0
	}
	return minRemaining
}
