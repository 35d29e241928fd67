package mqtt

// Selector is the readiness-notification primitive owned by the outer
// loop. A Channel registers with a Selector once and then toggles read
// and write interest on the returned Registration as its state
// machine demands; the Selector is responsible for calling back into
// the channel's FinishConnect/Read/Write/Housekeep methods when the
// underlying socket is ready or a timer fires.
//
// The production-grade Selector (a single OS thread multiplexing many
// sockets with epoll/kqueue) is an external collaborator that this
// repository does not implement; internal/reactor ships a portable
// reference implementation instead.
type Selector interface {
	// Register attaches ch to the selector and returns a handle the
	// channel uses to arm or disarm interest. waitConnect is true for
	// an outgoing channel whose TCP connect has not yet completed.
	Register(ch *Channel, waitConnect bool) (Registration, error)
}

// Registration is the per-channel handle returned by Selector.Register.
type Registration interface {
	// SetReadInterest arms or disarms read readiness notifications.
	SetReadInterest(on bool)

	// SetWriteInterest arms or disarms write readiness notifications.
	SetWriteInterest(on bool)

	// Cancel stops delivering notifications for this registration. It
	// does not close the channel's socket.
	Cancel()
}
