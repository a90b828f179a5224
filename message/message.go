// Package message defines the records exchanged inside frame bodies that
// the channel itself understands: the handshake announcement and the
// exception record carried by EXCEPTION frames.
//
// Application arguments and results are opaque to this package; they are
// serialized by whatever codec the frame names.
package message

import (
	"errors"
	"fmt"
)

// PeerIdentity names one end of a channel. The server indexes live agent
// connections by it so a command can be routed to "app X, instance Y".
type PeerIdentity struct {
	App      string `json:"app"`
	Instance string `json:"instance"`
}

func (p PeerIdentity) String() string {
	return p.App + "/" + p.Instance
}

// Valid reports whether both halves of the identity are set.
func (p PeerIdentity) Valid() bool {
	return p.App != "" && p.Instance != ""
}

// Handshake is the body of the hello request and of its response.
//
//   - On request:  the dialing side announces who it is.
//   - On response: the accepting side answers with its own identity.
type Handshake struct {
	Identity        PeerIdentity `json:"identity"`
	ProtocolVersion uint8        `json:"protocolVersion"`
	Serializer      uint32       `json:"serializer"`
}

// Class names carried in RemoteError.ClassName for failures raised by the
// channel rather than by an application handler.
const (
	ServiceNotFoundException   = "ServiceNotFoundException"
	SerializationException     = "SerializationException"
	ServerBusyException        = "ServerBusyException"
	HandshakeRequiredException = "HandshakeRequiredException"
	HandshakeRejectedException = "HandshakeRejectedException"
	ProtocolVersionException   = "ProtocolVersionException"
	TimeoutException           = "TimeoutException"
	RateLimitedException       = "RateLimitedException"
	PanicException             = "PanicException"
)

// RemoteError is the body of an EXCEPTION frame. On the calling side it is
// returned as-is from the stub, so callers match it with errors.As.
type RemoteError struct {
	ClassName string `json:"className"`
	Message   string `json:"message"`
}

func (e *RemoteError) Error() string {
	if e.Message == "" {
		return "remote " + e.ClassName
	}
	return fmt.Sprintf("remote %s: %s", e.ClassName, e.Message)
}

// Errorf builds a RemoteError with a formatted message.
func Errorf(className, format string, args ...any) *RemoteError {
	return &RemoteError{ClassName: className, Message: fmt.Sprintf(format, args...)}
}

// IsClass reports whether err is, or wraps, a RemoteError of the given class.
func IsClass(err error, className string) bool {
	var re *RemoteError
	return errors.As(err, &re) && re.ClassName == className
}

// classNamer is implemented by application errors that want a stable class
// name on the wire instead of their Go type name.
type classNamer interface {
	ClassName() string
}

// FromError converts a handler error into the record sent back to the
// caller.
func FromError(err error) *RemoteError {
	var re *RemoteError
	if errors.As(err, &re) {
		return re
	}
	var named classNamer
	if errors.As(err, &named) {
		return &RemoteError{ClassName: named.ClassName(), Message: err.Error()}
	}
	return &RemoteError{ClassName: fmt.Sprintf("%T", err), Message: err.Error()}
}
