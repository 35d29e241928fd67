package mqtt

import "math"

// idleMultiplier is how many ping-intervals of silence from the peer
// are tolerated before a channel is considered dead.
const idleMultiplier = 1.5

// noDeadlineMS stands in for "no housekeeping needed" when keep-alive
// is disabled.
const noDeadlineMS = math.MaxInt64

// ClientRole is the RoleHooks implementation for a channel that
// initiated the connection. It drives its own keep-alive pings and
// does not expect to receive PingReq from a broker.
type ClientRole struct {
	ch *Channel
}

// NewClientRole returns role hooks for a client-side channel.
func NewClientRole() *ClientRole { return &ClientRole{} }

func (r *ClientRole) bindChannel(ch *Channel) { r.ch = ch }

// Connected is a no-op for the client role; connection state lives on
// the Channel itself.
func (r *ClientRole) Connected(pingIntervalMS int64) {}

// Disconnected is a no-op for the client role.
func (r *ClientRole) Disconnected() {}

// KeepAlive submits a PingReq once the keep-alive period elapses since
// the last send, and requests a channel close if the peer has gone
// silent for longer than idleMultiplier ping intervals.
func (r *ClientRole) KeepAlive(now, lastRX, lastTX, pingIntervalMS int64) int64 {
	if pingIntervalMS <= 0 {
		return noDeadlineMS
	}

	untilPing := pingIntervalMS - (now - lastTX)
	if untilPing <= 0 {
		r.ch.send(NewPingReq(), nil)
		untilPing = pingIntervalMS
	}

	idleDeadline := int64(float64(pingIntervalMS) * idleMultiplier)
	sinceRX := now - lastRX
	if sinceRX >= idleDeadline {
		r.ch.Close(ErrClosed)
		return noDeadlineMS
	}

	untilIdle := idleDeadline - sinceRX
	if untilIdle < untilPing {
		return untilIdle
	}
	return untilPing
}

// HandlePingReq is unexpected for a client but handled defensively:
// some brokers probe liveness from their side too.
func (r *ClientRole) HandlePingReq(ch *Channel) {
	ch.send(NewPingResp(), nil)
}

// HandlePingResp is a no-op; last-received-time bookkeeping already
// happened in the read path.
func (r *ClientRole) HandlePingResp(ch *Channel) {}

// BrokerRole is the RoleHooks implementation for a channel representing
// an accepted incoming connection. It never initiates a ping and relies
// entirely on the client's keep-alive schedule, enforcing only the
// idle-timeout half of the contract.
type BrokerRole struct {
	ch *Channel
}

// NewBrokerRole returns role hooks for a broker-side channel.
func NewBrokerRole() *BrokerRole { return &BrokerRole{} }

func (r *BrokerRole) bindChannel(ch *Channel) { r.ch = ch }

func (r *BrokerRole) Connected(pingIntervalMS int64) {}

func (r *BrokerRole) Disconnected() {}

// KeepAlive enforces only the idle-timeout side: a broker never sends
// its own PingReq, but it still needs to evict a client that has gone
// silent for too long.
func (r *BrokerRole) KeepAlive(now, lastRX, lastTX, pingIntervalMS int64) int64 {
	if pingIntervalMS <= 0 {
		return noDeadlineMS
	}

	idleDeadline := int64(float64(pingIntervalMS) * idleMultiplier)
	sinceRX := now - lastRX
	if sinceRX >= idleDeadline {
		r.ch.Close(ErrClosed)
		return noDeadlineMS
	}
	return idleDeadline - sinceRX
}

// HandlePingReq answers with a PingResp, as MQTT 3.1 requires of a
// broker.
func (r *BrokerRole) HandlePingReq(ch *Channel) {
	ch.send(NewPingResp(), nil)
}

// HandlePingResp is unexpected from a client but ignored rather than
// treated as a protocol error.
func (r *BrokerRole) HandlePingResp(ch *Channel) {}
