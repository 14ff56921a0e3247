// Package gwerrors defines the closed set of coded errors surfaced by the
// bandwidth gateway. Every error a caller can observe wraps one of the
// registered roots, so the RPC layer can always map a failure to a stable
// numeric code without leaking internal detail.
package gwerrors

import (
	"encoding/json"
	"errors"
	"fmt"
)

var (
	// ErrDecode is returned when the hex-encoded transaction payload cannot
	// be decoded into bytes.
	ErrDecode = Register(1001, "transaction decode failed")

	// ErrDeserialize is returned when the decoded payload cannot be
	// deserialized into a structured transaction.
	ErrDeserialize = Register(1002, "transaction deserialization failed")

	// ErrChainRejected is returned when the chain node rejected a submitted
	// transaction with a structured error payload.
	ErrChainRejected = Register(1003, "unexpected blockchain error")

	// ErrNotAuthorized is returned when the caller fails the whitelist gates.
	ErrNotAuthorized = Register(1103, "this user is not allowed to require bandwidth")

	// ErrScopeViolation is returned when the provider identity authorizes an
	// action other than the bandwidth delegation action.
	ErrScopeViolation = Register(1104, "provider key may only authorize the delegation action")

	// ErrDisallowedContract is returned when the transaction touches a
	// contract outside the configured allow-list.
	ErrDisallowedContract = Register(1105, "transaction contains action of a contract which is not allowed")

	// ErrBanned is returned when the persistent whitelist entry marks the
	// user as banned.
	ErrBanned = Register(1106, "user is banned")

	// ErrNoProposableAction is returned when a proposal transaction carries
	// no target action besides the delegation action.
	ErrNoProposableAction = Register(1201, "transaction has no proposable action")

	// ErrMultipleProposableActions is returned when a proposal transaction
	// carries more than one target action.
	ErrMultipleProposableActions = Register(1202, "transaction has more than one proposable action")

	// ErrMethodNotAllowed is returned when the proposal target action is not
	// in the proposal-eligible list.
	ErrMethodNotAllowed = Register(1203, "action is not allowed for proposals")

	// ErrInvalidAwaitingSigner is returned when the proposal target action
	// does not name exactly one awaited signer besides the creator.
	ErrInvalidAwaitingSigner = Register(1204, "cannot determine awaiting signer")

	// ErrNotFound is returned for a proposal that is missing, expired or
	// already executed.
	ErrNotFound = Register(404, "not found")

	// ErrTransactionFailed covers any submission failure without a
	// structured chain payload, including timeouts.
	ErrTransactionFailed = Register(500, "failed to transact")
)

// usedCodes guards against two roots sharing a wire code.
var usedCodes = map[int]*Error{}

// Register declares a root error with a stable wire code. Reusing a code is a
// programming mistake and panics at init time.
func Register(code int, description string) *Error {
	if e, ok := usedCodes[code]; ok {
		panic(fmt.Sprintf("error code %d already registered: %q", code, e.desc))
	}
	err := &Error{code: code, desc: description}
	usedCodes[code] = err
	return err
}

// Error is a root error carrying a stable wire code. Instances created during
// runtime wrap a root via Wrap or WithData.
type Error struct {
	code int
	desc string
}

func (e *Error) Error() string { return e.desc }

// Code returns the stable wire code for this root.
func (e *Error) Code() int { return e.code }

// Wrap annotates a root error with request-specific context. The root stays
// reachable through errors.Is.
func (e *Error) Wrap(description string) error {
	return &wrappedError{parent: e, msg: description}
}

// Wrapf is Wrap with formatting.
func (e *Error) Wrapf(format string, args ...any) error {
	return e.Wrap(fmt.Sprintf(format, args...))
}

// WithData attaches a structured payload, preserved verbatim at the RPC
// boundary. Used for chain rejections that carry the node's error object.
func (e *Error) WithData(data json.RawMessage) error {
	return &wrappedError{parent: e, msg: e.desc, data: data}
}

type wrappedError struct {
	parent *Error
	msg    string
	data   json.RawMessage
}

func (e *wrappedError) Error() string {
	if e.msg == e.parent.desc {
		return e.msg
	}
	return fmt.Sprintf("%s: %s", e.parent.desc, e.msg)
}

func (e *wrappedError) Unwrap() error { return e.parent }

// Code extracts the wire code of err. Errors outside the registered set are
// reported as ErrTransactionFailed's code so nothing internal leaks.
func Code(err error) int {
	var root *Error
	if errors.As(err, &root) {
		return root.code
	}
	return ErrTransactionFailed.code
}

// Data returns the structured payload attached to err, if any.
func Data(err error) json.RawMessage {
	var wrapped *wrappedError
	if errors.As(err, &wrapped) {
		return wrapped.data
	}
	return nil
}

// Message returns the caller-safe message of err. Unregistered errors map to
// a generic message.
func Message(err error) string {
	var wrapped *wrappedError
	if errors.As(err, &wrapped) {
		return wrapped.Error()
	}
	var root *Error
	if errors.As(err, &root) {
		return root.desc
	}
	return ErrTransactionFailed.desc
}
