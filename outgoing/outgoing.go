// Package outgoing implements the OutgoingMessage pipeline of spec.md
// §4.1: stale-device scan, key fetch and session build, per-device encrypt
// fan-out, transmit, and drift reconciliation against the signal service's
// 409/410/404 responses.
package outgoing

import (
	"context"
	"encoding/base64"
	"fmt"
	"sync"

	"github.com/rs/zerolog"

	"github.com/mcavoybn/librelay/events"
	"github.com/mcavoybn/librelay/padding"
	"github.com/mcavoybn/librelay/ratchet"
	"github.com/mcavoybn/librelay/signalservice"
	"github.com/mcavoybn/librelay/store"
	"github.com/mcavoybn/librelay/wire"
)

// maxAttempts bounds sendToAddr at two successful transmit attempts per
// call, per spec.md §4.1's retry-limit guarantee.
const maxAttempts = 2

// Pipeline implements the OutgoingMessage flow against a Store, a
// signalservice.Client, and an events.Dispatcher.
type Pipeline struct {
	Store   store.Backend
	Service *signalservice.Client
	Events  *events.Dispatcher

	// OwnAddr is this process's own address, used to special-case syncing
	// to self when no other device is registered (spec.md §4.1's
	// "syncing to self with no other device is a no-op").
	OwnAddr string
}

// New returns a Pipeline wired to the given collaborators.
func New(s store.Backend, svc *signalservice.Client, disp *events.Dispatcher, ownAddr string) *Pipeline {
	return &Pipeline{Store: s, Service: svc, Events: disp, OwnAddr: ownAddr}
}

// SendToAddr encrypts body for every device addr currently has sessions
// with (rebuilding sessions as needed) and sends it, reconciling any
// device-list drift the service reports.
func (p *Pipeline) SendToAddr(ctx context.Context, addr string, body []byte, timestamp uint64) error {
	log := zerolog.Ctx(ctx).With().Str("component", "outgoing").Str("addr", addr).Logger()

	if addr == p.OwnAddr {
		ids, err := p.Store.GetDeviceIDs(ctx, addr)
		if err != nil {
			err = &OutgoingMessageError{Addr: addr, Err: err}
			p.Events.Emit(ctx, events.Error, events.ErrorEvent{Addr: addr, Timestamp: timestamp, Cause: err})
			return err
		}
		if len(ids) == 0 {
			p.Events.Emit(ctx, events.Sent, events.SentEvent{Addr: addr, Timestamp: timestamp})
			return nil
		}
	}

	keyChangeEmitted := false
	err := p.sendAttempt(ctx, addr, body, timestamp, 0, &keyChangeEmitted)
	if err != nil {
		p.Events.Emit(ctx, events.Error, events.ErrorEvent{Addr: addr, Timestamp: timestamp, Cause: err})
		log.Debug().Err(err).Msg("sendToAddr failed")
		return err
	}

	p.Events.Emit(ctx, events.Sent, events.SentEvent{Addr: addr, Timestamp: timestamp})
	return nil
}

func (p *Pipeline) sendAttempt(ctx context.Context, addr string, body []byte, timestamp uint64, attempt int, keyChangeEmitted *bool) error {
	deviceIDs, err := p.getStaleDeviceIdsForAddr(ctx, addr)
	if err != nil {
		return &OutgoingMessageError{Addr: addr, Err: err}
	}

	if err := p.ensureSessions(ctx, addr, deviceIDs, keyChangeEmitted); err != nil {
		return err
	}

	// ensureSessions drops the session of a deregistered secondary device,
	// so encrypt for the devices the store holds now.
	deviceIDs, err = p.Store.GetDeviceIDs(ctx, addr)
	if err != nil {
		return &OutgoingMessageError{Addr: addr, Err: err}
	}

	ciphertexts, err := p.encryptFanOut(ctx, addr, deviceIDs, body)
	if err != nil {
		return &OutgoingMessageError{Addr: addr, Err: err}
	}

	err = p.Service.SendMessages(ctx, addr, ciphertexts, timestamp)
	if err == nil {
		return nil
	}

	protoErr, ok := err.(*signalservice.ProtocolError)
	if !ok {
		return &SendMessageError{Addr: addr, Err: err}
	}

	switch protoErr.Code {
	case 404:
		return &UnregisteredUserError{Addr: addr}
	case 409, 410:
		// fall through to the retry-limit check below
	default:
		return &SendMessageError{Addr: addr, Err: protoErr}
	}

	if attempt+1 >= maxAttempts {
		return &errRetryLimitExceeded{Addr: addr}
	}

	var reconcileErr error
	if protoErr.Code == 409 {
		reconcileErr = p.reconcileMismatchedDevices(ctx, addr, protoErr)
	} else {
		reconcileErr = p.reconcileStaleDevices(ctx, addr, protoErr)
	}
	if reconcileErr != nil {
		return &OutgoingMessageError{Addr: addr, Err: reconcileErr}
	}

	return p.sendAttempt(ctx, addr, body, timestamp, attempt+1, keyChangeEmitted)
}

// getStaleDeviceIdsForAddr returns the device ids to target for addr. When
// the store has no recorded devices yet (first contact), it defaults to
// device 1, the primary device every account registers with.
func (p *Pipeline) getStaleDeviceIdsForAddr(ctx context.Context, addr string) ([]uint32, error) {
	ids, err := p.Store.GetDeviceIDs(ctx, addr)
	if err != nil {
		return nil, err
	}
	if len(ids) == 0 {
		return []uint32{ratchet.PrimaryDeviceID}, nil
	}
	return ids, nil
}

// ensureSessions makes sure every device id in deviceIDs has an open
// session, fetching keys and building sessions for any that don't.
func (p *Pipeline) ensureSessions(ctx context.Context, addr string, deviceIDs []uint32, keyChangeEmitted *bool) error {
	for _, deviceID := range deviceIDs {
		ratchetAddr := ratchet.Address{UserID: addr, DeviceID: deviceID}
		open, err := p.Store.HasOpenSession(ctx, ratchetAddr)
		if err != nil {
			return err
		}
		if open {
			continue
		}
		if err := p.buildSessionFor(ctx, addr, deviceID, keyChangeEmitted); err != nil {
			return err
		}
	}
	return nil
}

func (p *Pipeline) buildSessionFor(ctx context.Context, addr string, deviceID uint32, keyChangeEmitted *bool) error {
	did := deviceID
	keys, err := p.Service.GetKeysForAddr(ctx, addr, &did)
	if err != nil {
		if protoErr, ok := err.(*signalservice.ProtocolError); ok && protoErr.Code == 404 {
			if (ratchet.Address{UserID: addr, DeviceID: deviceID}).IsPrimary() {
				return &UnregisteredUserError{Addr: addr}
			}
			// A non-primary device disappearing just means it was
			// deregistered; drop our local session for it and move on.
			return p.Store.DeleteSession(ratchet.Address{UserID: addr, DeviceID: deviceID})
		}
		return err
	}

	ratchetAddr := ratchet.Address{UserID: addr, DeviceID: deviceID}
	bundle, err := bundleFromKeys(keys, deviceID)
	if err != nil {
		return err
	}

	builder := ratchet.NewSessionBuilder(p.Store)
	err = builder.BuildSession(ratchetAddr, bundle)
	if err == nil {
		return p.Store.SaveRegistrationID(ctx, ratchetAddr, bundle.RegistrationID)
	}

	var untrusted *ratchet.UntrustedIdentityKeyError
	if !asUntrustedIdentityKeyError(err, &untrusted) {
		return err
	}

	if *keyChangeEmitted {
		return &OutgoingIdentityKeyError{Addr: addr, IdentityKey: untrusted.IdentityKey}
	}
	*keyChangeEmitted = true

	evt := &events.KeyChangeEvent{Addr: addr, IdentityKey: untrusted.IdentityKey}
	p.Events.Emit(ctx, events.KeyChange, evt)
	if !evt.Accepted() {
		return &OutgoingIdentityKeyError{Addr: addr, IdentityKey: untrusted.IdentityKey}
	}

	if err := p.Store.SaveRemoteIdentity(ratchetAddr, untrusted.IdentityKey); err != nil {
		return err
	}
	if err := builder.BuildSession(ratchetAddr, bundle); err != nil {
		return err
	}
	return p.Store.SaveRegistrationID(ctx, ratchetAddr, bundle.RegistrationID)
}

func asUntrustedIdentityKeyError(err error, target **ratchet.UntrustedIdentityKeyError) bool {
	e, ok := err.(*ratchet.UntrustedIdentityKeyError)
	if ok {
		*target = e
	}
	return ok
}

func bundleFromKeys(keys *signalservice.KeysForAddr, deviceID uint32) (*ratchet.PreKeyBundle, error) {
	for _, d := range keys.Devices {
		if d.DeviceID != deviceID {
			continue
		}
		bundle := &ratchet.PreKeyBundle{
			IdentityKey:           keys.IdentityKey,
			RegistrationID:        d.RegistrationID,
			SignedPreKey:          d.SignedPreKey.PublicKey,
			SignedPreKeyID:        d.SignedPreKey.KeyID,
			SignedPreKeySignature: d.SignedPreKey.Signature,
		}
		if d.PreKey != nil {
			bundle.PreKey = &ratchet.BundlePreKey{ID: d.PreKey.KeyID, PublicKey: d.PreKey.PublicKey}
		}
		return bundle, nil
	}
	return nil, fmt.Errorf("outgoing: no bundle for device %d in key response", deviceID)
}

type deviceResult struct {
	ciphertext signalservice.DeviceCiphertext
	err        error
}

// encryptFanOut encrypts body for every device id concurrently; transmit
// itself stays a single call made by the caller.
func (p *Pipeline) encryptFanOut(ctx context.Context, addr string, deviceIDs []uint32, body []byte) ([]signalservice.DeviceCiphertext, error) {
	content := &wire.Content{DataMessage: &wire.DataMessage{Body: string(body)}}
	plaintext := padding.Pad(content.Marshal())

	results := make([]deviceResult, len(deviceIDs))
	var wg sync.WaitGroup
	for i, deviceID := range deviceIDs {
		wg.Add(1)
		go func(i int, deviceID uint32) {
			defer wg.Done()
			ct, err := p.encryptForDevice(ctx, addr, deviceID, plaintext)
			results[i] = deviceResult{ciphertext: ct, err: err}
		}(i, deviceID)
	}
	wg.Wait()

	out := make([]signalservice.DeviceCiphertext, 0, len(results))
	for _, r := range results {
		if r.err != nil {
			return nil, r.err
		}
		out = append(out, r.ciphertext)
	}
	return out, nil
}

func (p *Pipeline) encryptForDevice(ctx context.Context, addr string, deviceID uint32, plaintext []byte) (signalservice.DeviceCiphertext, error) {
	ratchetAddr := ratchet.Address{UserID: addr, DeviceID: deviceID}
	cipher := ratchet.NewSessionCipher(p.Store, ratchetAddr)
	msg, err := cipher.Encrypt(plaintext)
	if err != nil {
		return signalservice.DeviceCiphertext{}, err
	}
	data, err := msg.MarshalBinary()
	if err != nil {
		return signalservice.DeviceCiphertext{}, err
	}

	envType := wire.TypeCiphertext
	if msg.IsPreKey {
		envType = wire.TypePreKeyBundle
	}

	registrationID, err := p.registrationIDFor(ctx, ratchetAddr)
	if err != nil {
		return signalservice.DeviceCiphertext{}, err
	}

	return signalservice.DeviceCiphertext{
		Type:                      int(envType),
		DestinationDeviceID:       deviceID,
		DestinationRegistrationID: registrationID,
		Content:                   base64.StdEncoding.EncodeToString(data),
	}, nil
}

// registrationIDFor returns the registration id buildSessionFor recorded the
// last time it built or rebuilt addr's session, per spec.md §4.1 step 3 and
// the §6 per-device ciphertext wire shape.
func (p *Pipeline) registrationIDFor(ctx context.Context, addr ratchet.Address) (uint32, error) {
	return p.Store.GetRegistrationID(ctx, addr)
}

// reconcileMismatchedDevices handles a 409 response: remove sessions the
// service no longer recognizes, refresh keys for devices it knows about
// that we didn't send to.
func (p *Pipeline) reconcileMismatchedDevices(ctx context.Context, addr string, protoErr *signalservice.ProtocolError) error {
	var mismatched signalservice.MismatchedDevices
	if err := decodeProtocolBody(protoErr, &mismatched); err != nil {
		return err
	}
	for _, deviceID := range mismatched.ExtraDevices {
		if err := p.Store.DeleteSession(ratchet.Address{UserID: addr, DeviceID: deviceID}); err != nil {
			return err
		}
	}
	for _, deviceID := range mismatched.MissingDevices {
		emitted := false
		if err := p.buildSessionFor(ctx, addr, deviceID, &emitted); err != nil {
			return err
		}
	}
	return nil
}

// reconcileStaleDevices handles a 410 response: close (not delete) the
// open sessions for the stale device ids, then refresh keys and rebuild.
func (p *Pipeline) reconcileStaleDevices(ctx context.Context, addr string, protoErr *signalservice.ProtocolError) error {
	var stale signalservice.StaleDevices
	if err := decodeProtocolBody(protoErr, &stale); err != nil {
		return err
	}
	for _, deviceID := range stale.StaleDevices {
		ratchetAddr := ratchet.Address{UserID: addr, DeviceID: deviceID}
		if err := p.Store.CloseOpenSession(ctx, ratchetAddr); err != nil {
			return err
		}
		emitted := false
		if err := p.buildSessionFor(ctx, addr, deviceID, &emitted); err != nil {
			return err
		}
	}
	return nil
}
