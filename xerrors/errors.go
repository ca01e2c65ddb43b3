// Package xerrors holds the sentinel error kinds used across the commit
// protocol (spec.md §7): malformed wire frames, unreachable participants,
// local durability failures, protocol timeouts and unknown transactions.
package xerrors

import "errors"

var (
	// ErrMalformedFrame is returned by the wire codec when a frame is
	// truncated or declares a length exceeding the remaining bytes. The
	// receiver drops the frame and keeps running; it must never panic on
	// this path.
	ErrMalformedFrame = errors.New("malformed frame")

	// ErrTransportUnavailable is returned by a transport's Send when a
	// message could not be handed off. Delivery is not retried by the
	// transport itself; timers on the caller side drive retry.
	ErrTransportUnavailable = errors.New("transport unavailable")

	// ErrLocalIO wraps a failed log write, blob write, file delete or
	// destination publish. On the WAL write path this is fatal (see
	// CheckError); on delete/publish it is logged and retried on the next
	// recovery pass.
	ErrLocalIO = errors.New("local io error")

	// ErrProtocolTimeout marks a vote or ack collection deadline expiring.
	ErrProtocolTimeout = errors.New("protocol timeout")

	// ErrUnknownTransaction marks a message referencing a TID the receiver
	// has no record of. A participant still acks and logs completion
	// defensively; a coordinator drops the message.
	ErrUnknownTransaction = errors.New("unknown transaction")
)

// CheckError panics if err is non-nil. Used only on paths the spec marks
// fatal: a WAL write failure voids the node's durability claim and it must
// refuse to continue (spec.md §7).
func CheckError(err error) {
	if err != nil {
		panic(err.Error())
	}
}

// Assert panics with msg if cond is false. Mirrors the teacher's invariant
// checks inside the protocol state machines.
func Assert(cond bool, msg string) bool {
	if !cond {
		panic("[ERROR] assertion failed: " + msg)
	}
	return cond
}
