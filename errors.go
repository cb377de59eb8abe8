package redis

import (
	"errors"
	"fmt"
)

// ErrorKind classifies a failure the way callers need to
// branch on: network loss is recoverable at a higher layer, a protocol
// violation is not, a pubsub-mode rejection never touched the wire.
type ErrorKind int

const (
	// KindServer is a generic Redis server error reply.
	KindServer ErrorKind = iota
	// KindProtocol is a malformed RESP byte sequence; the connection
	// that produced it is no longer usable.
	KindProtocol
	// KindDisconnected means the connection was lost while the
	// request was in flight or pending.
	KindDisconnected
	// KindIO is a transient write failure.
	KindIO
	// KindPubSubMode rejects a command locally because the
	// connection is subscribed and the command isn't allowed there.
	KindPubSubMode
	// KindClusterNoNode means the slot table has no owner for the
	// computed hash slot.
	KindClusterNoNode
	// KindAborted marks a MULTI transaction that failed as a unit
	// (DISCARD, or EXEC returning nil because of a WATCH abort).
	KindAborted
	// KindCacheCoalesced marks a client-side-cache miss that failed;
	// it is reported to every waiter coalesced onto that fingerprint.
	KindCacheCoalesced
)

func (k ErrorKind) String() string {
	switch k {
	case KindServer:
		return "redis"
	case KindProtocol:
		return "protocol"
	case KindDisconnected:
		return "disconnected"
	case KindIO:
		return "io"
	case KindPubSubMode:
		return "pubsub-mode"
	case KindClusterNoNode:
		return "cluster-no-node"
	case KindAborted:
		return "aborted"
	case KindCacheCoalesced:
		return "cache-coalesced-failure"
	default:
		return "unknown"
	}
}

// Error is the taxonomy-tagged error every public API returns on
// failure. Use errors.As to recover it and inspect Kind.
type Error struct {
	Kind ErrorKind
	// Line carries the raw Redis error line (including any MOVED/ASK/
	// WRONGTYPE/NOAUTH prefix) for KindServer errors.
	Line string
	Err  error
}

func (e *Error) Error() string {
	if e.Line != "" {
		return fmt.Sprintf("redis: %s: %s", e.Kind, e.Line)
	}
	if e.Err != nil {
		return fmt.Sprintf("redis: %s: %s", e.Kind, e.Err)
	}
	return fmt.Sprintf("redis: %s", e.Kind)
}

func (e *Error) Unwrap() error { return e.Err }

func newError(kind ErrorKind, err error) *Error {
	return &Error{Kind: kind, Err: err}
}

// ServerError is a raw Redis error reply line, e.g. "WRONGTYPE
// Operation against a key holding the wrong kind of value".
type ServerError string

// Error honors the error interface.
func (e ServerError) Error() string {
	return fmt.Sprintf("redis: server error %q", string(e))
}

// Prefix returns the first word, which identifies the error kind
// (e.g. "MOVED", "ASK", "WRONGTYPE", "NOAUTH", "TRYAGAIN").
func (e ServerError) Prefix() string {
	s := string(e)
	for i, r := range s {
		if r == ' ' {
			return s[:i]
		}
	}
	return s
}

// AsRedisError adapts a ServerError into the taxonomy Error with
// Kind == KindServer, preserving the raw line.
func (e ServerError) AsRedisError() *Error {
	return &Error{Kind: KindServer, Line: string(e), Err: e}
}

// Sentinel errors, declared as a flat var block.
var (
	// ErrClosed rejects command execution after Client.Close.
	ErrClosed = newError(KindDisconnected, errors.New("redis: client closed"))

	// errConnLost signals connection loss to a request awaiting its reply.
	errConnLost = newError(KindDisconnected, errors.New("redis: connection lost while awaiting response"))

	// errProtocol signals invalid RESP reception.
	errProtocol = newError(KindProtocol, errors.New("redis: protocol violation"))

	// errNull represents the null bulk/array reply, used internally by
	// typed command helpers; it is not surfaced to callers that don't
	// ask for it explicitly.
	errNull = errors.New("redis: null")

	// ErrPubSubMode rejects a command issued while subscribed under
	// RESP2 that is not in the pubsub-allowed set.
	ErrPubSubMode = newError(KindPubSubMode, errors.New("redis: command not allowed in subscriber mode"))

	// ErrClusterNoNode means no node owns the computed hash slot.
	ErrClusterNoNode = newError(KindClusterNoNode, errors.New("redis: no node owns this hash slot"))

	// ErrAborted marks promises belonging to a DISCARDed or
	// WATCH-aborted transaction.
	ErrAborted = newError(KindAborted, errors.New("redis: transaction aborted"))

	// ErrTooManyRedirects stops a MOVED retry loop after one retry.
	ErrTooManyRedirects = newError(KindClusterNoNode, errors.New("redis: MOVED again after redirect retry"))
)

// IsKind reports whether err carries the taxonomy tag kind, unwrapping
// through standard error-wrapping.
func IsKind(err error, kind ErrorKind) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind == kind
	}
	return false
}
