// Package store defines the Session Store Facade of spec.md §2.1: a
// uniform interface over the persistent store for identity keys, prekeys,
// signed prekeys, sessions (per address+device), the blocked-sender set,
// and process state (own address, own device id, signaling key).
//
// Backend embeds ratchet.Store so the ratchet package's session-cipher
// primitives can operate directly against whichever backend is selected,
// while outgoing/incoming use the wider Backend surface for device
// enumeration, process state, and the blocked set.
package store

import (
	"context"
	"errors"

	"github.com/mcavoybn/librelay/ratchet"
)

// ErrNotFound is returned by GetState when no value has been stored for a
// key yet.
var ErrNotFound = errors.New("store: not found")

// Process state keys, per spec.md §3.
const (
	StateKeyAddr         = "addr"
	StateKeyDeviceID     = "deviceId"
	StateKeySignalingKey = "signalingKey"
)

// Backend is the Session Store Facade. Implementations: store/memory,
// store/file, store/rediskv, selected via config.Config.StorageBacking.
type Backend interface {
	ratchet.Store

	// Initialize prepares the backend (opens files/connections). Shutdown
	// releases them. Both are no-ops for stateless backends.
	Initialize(ctx context.Context) error
	Shutdown(ctx context.Context) error

	// GetState/PutState hold scalar process state (own address, own device
	// id, signaling key), keyed by the StateKey* constants above.
	GetState(ctx context.Context, key string) ([]byte, error)
	PutState(ctx context.Context, key string, value []byte) error

	// GetDeviceIDs returns the sorted, possibly empty, list of device ids
	// that currently have session state recorded for addr.
	GetDeviceIDs(ctx context.Context, addr string) ([]uint32, error)

	// HasOpenSession reports whether addr has a session that is both
	// present and not closed (see CloseOpenSession).
	HasOpenSession(ctx context.Context, addr ratchet.Address) (bool, error)
	// CloseOpenSession marks addr's session as closed without deleting the
	// underlying ratchet state, per spec.md §4.1's 410 handling
	// ("close the open sessions ... but do not delete them"). The next
	// SaveSession call for addr (made when a session is rebuilt) clears
	// the closed flag.
	CloseOpenSession(ctx context.Context, addr ratchet.Address) error

	// IsBlocked reports whether addr is in the persistent blocked set.
	IsBlocked(ctx context.Context, addr string) (bool, error)
	// Block and Unblock mutate the blocked set. The set is otherwise
	// read-only from the incoming pipeline's perspective (spec.md §5).
	Block(ctx context.Context, addr string) error
	Unblock(ctx context.Context, addr string) error

	// GetRegistrationID returns the registration id the prekey fetch
	// reported for addr's device, or 0 if none has been recorded yet.
	// The outgoing pipeline records it when it builds a session and plays
	// it back as DeviceCiphertext.DestinationRegistrationID on every
	// subsequent send, per spec.md §6's per-device ciphertext wire shape.
	GetRegistrationID(ctx context.Context, addr ratchet.Address) (uint32, error)
	// SaveRegistrationID records the registration id for addr's device.
	SaveRegistrationID(ctx context.Context, addr ratchet.Address, registrationID uint32) error
}
