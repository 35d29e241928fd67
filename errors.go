package mqtt

import "errors"

// Sentinel errors returned by Channel operations. Callers match with
// errors.Is, following the convention from the upstream client this
// engine descends from.
var (
	// ErrClosed means the Channel has already run its close path. Every
	// I/O method returns it once the channel has torn down for good.
	ErrClosed = errors.New("mqtt: channel closed")

	// ErrCanceled means a Completion was cancelled by its caller before
	// it resolved.
	ErrCanceled = errors.New("mqtt: completion canceled")

	// ErrAbandoned means an Await call's context or timeout expired
	// before the Completion resolved. The Completion itself remains
	// pending and may still resolve later.
	ErrAbandoned = errors.New("mqtt: completion await abandoned")

	// ErrRegistered means Register was called on a Channel that already
	// has an active selector registration.
	ErrRegistered = errors.New("mqtt: channel already registered")

	// ErrProtocol means a parse or framing violation that left the
	// connection in an unrecoverable state.
	ErrProtocol = errors.New("mqtt: protocol violation")

	// ErrConfig flags a construction-time or flag-parsing usage error.
	// The process never panics on these; they are returned so the
	// caller can report and exit.
	ErrConfig = errors.New("mqtt: configuration error")
)

// ConnectReturnCode is the second byte of a ConnAck variable header. It
// implements error. The Channel always delivers a received ConnAck,
// accepted or not, as the conn-ack-received Completion's success
// result; it never fails that Completion with a return code.
type ConnectReturnCode byte

// Return codes defined by MQTT 3.1.
const (
	Accepted ConnectReturnCode = iota
	RefusedProtocolVersion
	RefusedIdentifierRejected
	RefusedServerUnavailable
	RefusedBadCredentials
	RefusedNotAuthorized
)

func (c ConnectReturnCode) String() string {
	switch c {
	case Accepted:
		return "accepted"
	case RefusedProtocolVersion:
		return "unacceptable protocol version"
	case RefusedIdentifierRejected:
		return "identifier rejected"
	case RefusedServerUnavailable:
		return "server unavailable"
	case RefusedBadCredentials:
		return "bad user name or password"
	case RefusedNotAuthorized:
		return "not authorized"
	default:
		return "reserved connect return code"
	}
}

func (c ConnectReturnCode) Error() string { return "mqtt: " + c.String() }
