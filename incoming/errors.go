package incoming

import (
	"fmt"

	"github.com/mcavoybn/librelay/wire"
)

// EnvelopeError is the terminal error emitted on the Error event for an
// envelope the session-fault recovery table could not resolve, per
// spec.md §4.2's "anything else: terminal error with envelope" row.
type EnvelopeError struct {
	Envelope *wire.Envelope
	Err      error
}

func (e *EnvelopeError) Error() string {
	return fmt.Sprintf("incoming: envelope from %s:%d: %v", e.Envelope.Source, e.Envelope.SourceDevice, e.Err)
}

func (e *EnvelopeError) Unwrap() error { return e.Err }

// UnshapedEnvelopeError is raised when an envelope is neither a receipt,
// Content-shaped, nor legacyMessage-shaped, per spec.md §4.2's dispatch step.
type UnshapedEnvelopeError struct {
	Envelope *wire.Envelope
}

func (e *UnshapedEnvelopeError) Error() string {
	return fmt.Sprintf("incoming: envelope from %s:%d has no recognizable content", e.Envelope.Source, e.Envelope.SourceDevice)
}

// ForeignSyncMessageError is raised when a syncMessage arrives from an
// address other than our own, or from our own address on our own device.
type ForeignSyncMessageError struct {
	Envelope *wire.Envelope
	OwnAddr  string
}

func (e *ForeignSyncMessageError) Error() string {
	return fmt.Sprintf("incoming: syncMessage from %s:%d is not a cross-device sync of %s", e.Envelope.Source, e.Envelope.SourceDevice, e.OwnAddr)
}

// DeprecatedSyncFieldError is raised for the sync fields spec.md §4.2 marks
// as deprecated hard errors: contacts, groups, request.
type DeprecatedSyncFieldError struct {
	Field string
}

func (e *DeprecatedSyncFieldError) Error() string {
	return fmt.Sprintf("incoming: syncMessage.%s is deprecated and no longer handled", e.Field)
}

// decodeFailureError marks a PUT /api/v1/message body that could not be
// decrypted or decoded at all, before any envelope semantics applied. Per
// spec.md §4.2 this is the one case that gets a 500 response rather than
// 200, in addition to the Error event.
type decodeFailureError struct {
	Err error
}

func (e *decodeFailureError) Error() string { return fmt.Sprintf("incoming: decode request body: %v", e.Err) }

func (e *decodeFailureError) Unwrap() error { return e.Err }
