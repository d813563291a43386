package outgoing

import (
	"encoding/json"
	"fmt"

	"github.com/mcavoybn/librelay/signalservice"
)

func decodeProtocolBody(protoErr *signalservice.ProtocolError, v any) error {
	if len(protoErr.Body) == 0 {
		return nil
	}
	if err := json.Unmarshal(protoErr.Body, v); err != nil {
		return fmt.Errorf("outgoing: decode protocol error body: %w", err)
	}
	return nil
}

// UnregisteredUserError is returned when the service reports 404 for an
// address: the account no longer exists or was never registered.
type UnregisteredUserError struct {
	Addr string
}

func (e *UnregisteredUserError) Error() string {
	return fmt.Sprintf("outgoing: %s is not a registered user", e.Addr)
}

// SendMessageError wraps a terminal protocol or network failure while
// transmitting to addr.
type SendMessageError struct {
	Addr string
	Err  error
}

func (e *SendMessageError) Error() string {
	return fmt.Sprintf("outgoing: send to %s failed: %v", e.Addr, e.Err)
}

func (e *SendMessageError) Unwrap() error { return e.Err }

// OutgoingMessageError wraps a failure in the outgoing pipeline that isn't
// a send failure proper (key fetch, session build, encode).
type OutgoingMessageError struct {
	Addr string
	Err  error
}

func (e *OutgoingMessageError) Error() string {
	return fmt.Sprintf("outgoing: message to %s failed: %v", e.Addr, e.Err)
}

func (e *OutgoingMessageError) Unwrap() error { return e.Err }

// OutgoingIdentityKeyError is raised when a remote device's identity key
// changed and the keychange listener did not accept it.
type OutgoingIdentityKeyError struct {
	Addr        string
	IdentityKey []byte
}

func (e *OutgoingIdentityKeyError) Error() string {
	return fmt.Sprintf("outgoing: %s's identity key changed and was not accepted", e.Addr)
}

// errRetryLimitExceeded is the terminal error for a second drift response
// within one sendToAddr call, per spec.md §4.1's "at most two successful
// transmit attempts" guarantee.
type errRetryLimitExceeded struct {
	Addr string
}

func (e *errRetryLimitExceeded) Error() string {
	return fmt.Sprintf("outgoing: retry limit exceeded sending to %s", e.Addr)
}
