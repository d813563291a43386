// Package events implements the small publish mechanism spec.md §2.8
// requires: both pipelines emit message/sent/receipt/error/keychange/read
// events through a Dispatcher, and listener callbacks for a given event run
// sequentially in registration order, each awaited before the next.
package events

import (
	"context"
	"sync"

	"github.com/rs/zerolog"
)

// Name identifies one of the event kinds a pipeline emits.
type Name string

const (
	Message   Name = "message"
	Sent      Name = "sent"
	Receipt   Name = "receipt"
	Error     Name = "error"
	KeyChange Name = "keychange"
	Read      Name = "read"
)

// HandlerFunc is a listener callback. It receives the event payload (one of
// the *Event types below) and may return an error; per spec.md §9 the error
// is logged and swallowed, never propagated to the emitter.
type HandlerFunc func(ctx context.Context, payload any) error

// Dispatcher is a per-instance registry of listeners, one list per event
// name, invoked in registration order.
type Dispatcher struct {
	mu       sync.RWMutex
	handlers map[Name][]HandlerFunc
}

// NewDispatcher returns an empty Dispatcher.
func NewDispatcher() *Dispatcher {
	return &Dispatcher{handlers: make(map[Name][]HandlerFunc)}
}

// On registers fn to run whenever name is emitted.
func (d *Dispatcher) On(name Name, fn HandlerFunc) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.handlers[name] = append(d.handlers[name], fn)
}

// Emit invokes every listener registered for name, in registration order,
// awaiting each before calling the next. A listener's error is logged
// against ctx's logger and does not stop later listeners or propagate to
// the caller.
func (d *Dispatcher) Emit(ctx context.Context, name Name, payload any) {
	d.mu.RLock()
	handlers := append([]HandlerFunc(nil), d.handlers[name]...)
	d.mu.RUnlock()

	for _, h := range handlers {
		if err := h(ctx, payload); err != nil {
			zerolog.Ctx(ctx).Error().Err(err).Str("event", string(name)).Msg("event listener failed")
		}
	}
}

// MessageEvent is the payload for Message.
type MessageEvent struct {
	Source       string
	SourceDevice uint32
	Timestamp    uint64
	Body         []byte
	KeyChange    bool
}

// SentEvent is the payload for Sent.
type SentEvent struct {
	Addr      string
	Timestamp uint64
	// Destination is set on the receiver's sync.sent path; zero-valued on
	// the sender's own sendToAddr success path.
	Destination string
}

// ReceiptEvent is the payload for Receipt.
type ReceiptEvent struct {
	Source       string
	SourceDevice uint32
	Timestamp    uint64
}

// ErrorEvent is the payload for Error.
type ErrorEvent struct {
	Addr      string
	Timestamp uint64
	Cause     error
}

// ReadEvent is the payload for Read.
type ReadEvent struct {
	Sender    string
	Timestamp uint64
}

// KeyChangeEvent is the payload for KeyChange. It is a decision point: a
// listener that wants the redelivery to proceed must call Accept()
// synchronously while handling the event (Dispatcher.Emit awaits every
// listener before returning), and the emitting pipeline checks Accepted()
// once Emit has returned.
type KeyChangeEvent struct {
	Addr        string
	IdentityKey []byte

	mu       sync.Mutex
	accepted bool
}

// Accept records that the listener accepted the new identity key.
func (e *KeyChangeEvent) Accept() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.accepted = true
}

// Accepted reports whether any listener called Accept.
func (e *KeyChangeEvent) Accepted() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.accepted
}
