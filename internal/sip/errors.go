package sip

import "errors"

// Authentication errors. Each maps to a fresh 401 challenge except
// ErrAuthLocked, which maps to 403.
var (
	ErrUnknownNonce  = errors.New("auth: unknown nonce")
	ErrStaleNonce    = errors.New("auth: nonce expired")
	ErrWrongResponse = errors.New("auth: digest response mismatch")
	ErrReplayedNC    = errors.New("auth: nonce count replayed")
	ErrURIMismatch   = errors.New("auth: uri does not match request uri")
	ErrAuthLocked    = errors.New("auth: source ip locked out")
	ErrNoCredentials = errors.New("auth: no authorization header")
	ErrUnknownUser   = errors.New("auth: unknown user")
)

// Registrar errors.
var (
	// ErrStaleCSeq reports a REGISTER whose CSeq did not advance under
	// an unchanged Call-ID.
	ErrStaleCSeq = errors.New("registrar: stale cseq")
)

// Routing and dialog errors.
var (
	ErrNotFound          = errors.New("routing: callee has no active bindings")
	ErrIllegalTransition = errors.New("dialog: illegal state transition")
	ErrDialogNotFound    = errors.New("dialog: no dialog for call-id")
	ErrTransactionTimeout = errors.New("routing: transaction timed out")
)
