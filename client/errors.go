package client

import "errors"

// Error kinds. Every failure returned by this package wraps exactly one of
// these together with the underlying cause, so both can be matched with
// errors.Is.
var (
	ErrAddressResolution = errors.New("imapsession: address resolution failed")
	ErrConnect           = errors.New("imapsession: connect failed")
	ErrTLS               = errors.New("imapsession: tls handshake failed")
	ErrProtocol          = errors.New("imapsession: protocol error")
	ErrStreamAborted     = errors.New("imapsession: response stream aborted")

	// ErrSessionBusy is returned when a Session handle is used after it has
	// been handed to a command exchange or closed.
	ErrSessionBusy = errors.New("imapsession: session is owned by an exchange or closed")

	// ErrStreamFinished is returned by Next after the done event.
	ErrStreamFinished = errors.New("imapsession: response stream already finished")
)
