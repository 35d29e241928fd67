package mqtt

// Handler receives the upcalls a Channel makes as packets arrive and as
// its lifecycle advances. All methods run on the selector goroutine
// driving the Channel and must not block. A panic in ChannelClosed is
// recovered and logged by the Channel; panics in the other upcalls are
// not recovered and propagate to the goroutine driving the Channel.
type Handler interface {
	// ChannelOpened fires once a new Channel is ready for use: for an
	// outgoing channel, after the TCP connect completes; for an
	// incoming channel, immediately on construction.
	ChannelOpened(ch *Channel)

	// ChannelAttached fires when a Channel's registration is
	// transferred onto this Handler via Register.
	ChannelAttached(ch *Channel)

	// ChannelDetached fires when Deregister removes this Handler
	// without closing the underlying socket.
	ChannelDetached(ch *Channel)

	// ChannelClosed fires exactly once, when Close finishes running.
	// cause is nil for a clean peer close or caller-initiated stop.
	ChannelClosed(ch *Channel, cause error)

	// MessageSent fires once a packet has fully drained to the
	// socket, before any ack bookkeeping.
	MessageSent(ch *Channel, p *Packet)

	HandleConnect(ch *Channel, p *Packet)
	HandleConnAck(ch *Channel, p *Packet)
	HandlePublish(ch *Channel, p *Packet)
	HandlePubAck(ch *Channel, p *Packet)
	HandlePubRec(ch *Channel, p *Packet)
	HandlePubRel(ch *Channel, p *Packet)
	HandlePubComp(ch *Channel, p *Packet)
	HandleSubscribe(ch *Channel, p *Packet)
	HandleSubAck(ch *Channel, p *Packet)
	HandleUnsubscribe(ch *Channel, p *Packet)
	HandleUnsubAck(ch *Channel, p *Packet)
	HandleDisconnect(ch *Channel, p *Packet)
}

// NopHandler implements Handler with no-op methods. Embed it in a
// handler that only cares about a few upcalls.
type NopHandler struct{}

func (NopHandler) ChannelOpened(*Channel)             {}
func (NopHandler) ChannelAttached(*Channel)            {}
func (NopHandler) ChannelDetached(*Channel)            {}
func (NopHandler) ChannelClosed(*Channel, error)       {}
func (NopHandler) MessageSent(*Channel, *Packet)       {}
func (NopHandler) HandleConnect(*Channel, *Packet)     {}
func (NopHandler) HandleConnAck(*Channel, *Packet)     {}
func (NopHandler) HandlePublish(*Channel, *Packet)     {}
func (NopHandler) HandlePubAck(*Channel, *Packet)      {}
func (NopHandler) HandlePubRec(*Channel, *Packet)      {}
func (NopHandler) HandlePubRel(*Channel, *Packet)      {}
func (NopHandler) HandlePubComp(*Channel, *Packet)     {}
func (NopHandler) HandleSubscribe(*Channel, *Packet)   {}
func (NopHandler) HandleSubAck(*Channel, *Packet)      {}
func (NopHandler) HandleUnsubscribe(*Channel, *Packet) {}
func (NopHandler) HandleUnsubAck(*Channel, *Packet)    {}
func (NopHandler) HandleDisconnect(*Channel, *Packet)  {}

// RoleHooks carries the behavior that differs between a client-role and
// a broker-role channel: what Connect/Disconnect mean for this side,
// how keep-alive is computed, and who answers ping packets. A Channel
// is agnostic to which role owns it.
type RoleHooks interface {
	// Connected fires exactly once, when an accepted ConnAck has been
	// sent or received. pingIntervalMS is the negotiated keep-alive
	// period in milliseconds, 0 if disabled.
	Connected(pingIntervalMS int64)

	// Disconnected fires once, when a previously connected Channel
	// stops being connected (on close).
	Disconnected()

	// KeepAlive computes the next housekeeping deadline for this role
	// given the current time and last activity timestamps, all in
	// milliseconds. It may have the side effect of scheduling a send
	// (for example a client submitting a PingReq).
	KeepAlive(now, lastRX, lastTX, pingIntervalMS int64) (deadlineMS int64)

	// HandlePingReq and HandlePingResp let the role decide how to
	// react to keep-alive packets. The Channel passes PingReq and
	// PingResp to these hooks only; Handler has no upcall for them.
	HandlePingReq(ch *Channel)
	HandlePingResp(ch *Channel)
}
