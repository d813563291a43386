package incoming

import (
	"context"
	"errors"

	"github.com/rs/zerolog"

	"github.com/mcavoybn/librelay/events"
	"github.com/mcavoybn/librelay/padding"
	"github.com/mcavoybn/librelay/ratchet"
	"github.com/mcavoybn/librelay/signalservice"
	"github.com/mcavoybn/librelay/wire"
)

// handleEnvelope is the envelope handling pipeline of spec.md §4.2: block
// filter, dispatch by shape, decrypt, strip padding, decode, route.
func (p *Pipeline) handleEnvelope(ctx context.Context, env *wire.Envelope) {
	blocked, err := p.Store.IsBlocked(ctx, env.Source)
	if err != nil {
		p.emitError(ctx, env, err)
		return
	}
	if blocked {
		return
	}

	switch {
	case env.Type == wire.TypeReceipt:
		p.Events.Emit(ctx, events.Receipt, events.ReceiptEvent{
			Source: env.Source, SourceDevice: env.SourceDevice, Timestamp: env.Timestamp,
		})
	case len(env.Content) > 0:
		p.decryptAndRoute(ctx, env, env.Content, true)
	case len(env.LegacyMessage) > 0:
		p.decryptAndRoute(ctx, env, env.LegacyMessage, false)
	default:
		p.emitError(ctx, env, &UnshapedEnvelopeError{Envelope: env})
	}
}

func (p *Pipeline) decryptAndRoute(ctx context.Context, env *wire.Envelope, payload []byte, contentShaped bool) {
	addr := ratchet.Address{UserID: env.Source, DeviceID: env.SourceDevice}

	msg := &ratchet.Message{}
	if err := msg.UnmarshalBinary(payload); err != nil {
		p.emitError(ctx, env, &EnvelopeError{Envelope: env, Err: err})
		return
	}

	plaintext, err := p.decryptMessage(addr, msg)
	if err != nil {
		p.recoverFromSessionFault(ctx, env, addr, msg, err, contentShaped, false)
		return
	}
	p.routePlaintext(ctx, env, addr, plaintext, contentShaped, false)
}

func (p *Pipeline) decryptMessage(addr ratchet.Address, msg *ratchet.Message) ([]byte, error) {
	cipher := ratchet.NewSessionCipher(p.Store, addr)
	if msg.IsPreKey {
		return cipher.DecryptPreKeyMessage(msg)
	}
	return cipher.Decrypt(msg)
}

// recoverFromSessionFault implements spec.md §4.2's session-fault recovery
// table. reentrant marks a retry already made once after an accepted
// keychange, bounding that path at a single recursion.
func (p *Pipeline) recoverFromSessionFault(ctx context.Context, env *wire.Envelope, addr ratchet.Address, msg *ratchet.Message, faultErr error, contentShaped, reentrant bool) {
	log := zerolog.Ctx(ctx).With().Str("component", "incoming").Str("addr", addr.String()).Logger()

	var counterErr *ratchet.MessageCounterError
	if errors.As(faultErr, &counterErr) {
		log.Debug().Uint32("counter", counterErr.Counter).Msg("dropping duplicate message")
		return
	}

	var untrusted *ratchet.UntrustedIdentityKeyError
	if errors.As(faultErr, &untrusted) {
		if reentrant {
			p.emitError(ctx, env, &EnvelopeError{Envelope: env, Err: faultErr})
			return
		}

		evt := &events.KeyChangeEvent{Addr: env.Source, IdentityKey: untrusted.IdentityKey}
		p.Events.Emit(ctx, events.KeyChange, evt)
		if !evt.Accepted() {
			return
		}
		if err := p.Store.SaveRemoteIdentity(addr, untrusted.IdentityKey); err != nil {
			p.emitError(ctx, env, &EnvelopeError{Envelope: env, Err: err})
			return
		}

		plaintext, err := p.decryptMessage(addr, msg)
		if err != nil {
			p.recoverFromSessionFault(ctx, env, addr, msg, err, contentShaped, true)
			return
		}
		p.routePlaintext(ctx, env, addr, plaintext, contentShaped, true)
		return
	}

	var preKeyErr *ratchet.PreKeyError
	if errors.As(faultErr, &preKeyErr) {
		if err := p.regenerateOwnKeys(ctx); err != nil {
			log.Warn().Err(err).Msg("regenerating pre-keys after PreKeyError failed")
		}
		p.closeSessionAndRequestRetransmit(ctx, env, addr)
		return
	}

	var sessErr *ratchet.SessionError
	if errors.As(faultErr, &sessErr) {
		p.closeSessionAndRequestRetransmit(ctx, env, addr)
		return
	}

	p.emitError(ctx, env, &EnvelopeError{Envelope: env, Err: faultErr})
}

// regenerateOwnKeys replaces the local pre-key pool and registers the new
// identity/signed pre-key material with the service, together with only the
// first one-time pre-key of the fresh batch, per spec.md §4.2's PreKeyError
// row: the arriving
// message that referenced an exhausted pre-key can't be recovered, but
// later deliveries need a pool that still has keys in it.
func (p *Pipeline) regenerateOwnKeys(ctx context.Context) error {
	bundle, err := ratchet.GenerateOwnBundle(p.Store, preKeyRegenCount)
	if err != nil {
		return err
	}
	keys := &signalservice.OwnKeys{
		IdentityKey:           bundle.IdentityKey,
		SignedPreKeyID:        bundle.SignedPreKeyID,
		SignedPreKey:          bundle.SignedPreKey,
		SignedPreKeySignature: bundle.SignedPreKeySignature,
	}
	if bundle.PreKey != nil {
		keys.PreKeyIDs = []uint32{bundle.PreKey.ID}
		keys.PreKeys = [][]byte{bundle.PreKey.PublicKey}
	}
	return p.Service.RegisterKeys(ctx, keys)
}

func (p *Pipeline) closeSessionAndRequestRetransmit(ctx context.Context, env *wire.Envelope, addr ratchet.Address) {
	log := zerolog.Ctx(ctx).With().Str("component", "incoming").Str("addr", addr.String()).Logger()
	if err := p.Store.CloseOpenSession(ctx, addr); err != nil {
		log.Warn().Err(err).Msg("closing faulted session failed")
	}
	if p.Retransmit == nil {
		return
	}
	if err := p.Retransmit.RequestRetransmit(ctx, env.Source, env.SourceDevice, env.Timestamp); err != nil {
		log.Warn().Err(err).Msg("requesting retransmit failed")
	}
}

// routePlaintext strips the fixed-block padding, decodes the Content or
// legacy DataMessage payload, and routes it to the appropriate event.
func (p *Pipeline) routePlaintext(ctx context.Context, env *wire.Envelope, addr ratchet.Address, plaintext []byte, contentShaped, keyChange bool) {
	unpadded, err := padding.Unpad(plaintext)
	if err != nil {
		p.emitError(ctx, env, &EnvelopeError{Envelope: env, Err: err})
		return
	}

	if !contentShaped {
		dm, err := wire.DecodeLegacyDataMessage(unpadded)
		if err != nil {
			p.emitError(ctx, env, &EnvelopeError{Envelope: env, Err: err})
			return
		}
		p.routeDataMessage(ctx, env, dm, keyChange)
		return
	}

	content, err := wire.DecodeContent(unpadded)
	if err != nil {
		p.emitError(ctx, env, &EnvelopeError{Envelope: env, Err: err})
		return
	}
	switch {
	case content.DataMessage != nil:
		p.routeDataMessage(ctx, env, content.DataMessage, keyChange)
	case content.SyncMessage != nil:
		p.routeSyncMessage(ctx, env, content.SyncMessage)
	default:
		p.emitError(ctx, env, &UnshapedEnvelopeError{Envelope: env})
	}
}

func (p *Pipeline) routeDataMessage(ctx context.Context, env *wire.Envelope, dm *wire.DataMessage, keyChange bool) {
	if dm.HasFlag(wire.FlagEndSession) {
		ids, err := p.Store.GetDeviceIDs(ctx, env.Source)
		if err != nil {
			p.emitError(ctx, env, err)
			return
		}
		log := zerolog.Ctx(ctx).With().Str("component", "incoming").Str("source", env.Source).Logger()
		for _, id := range ids {
			a := ratchet.Address{UserID: env.Source, DeviceID: id}
			if err := p.Store.CloseOpenSession(ctx, a); err != nil {
				log.Warn().Err(err).Uint32("device", id).Msg("closing session on END_SESSION failed")
			}
		}
		return
	}

	p.Events.Emit(ctx, events.Message, events.MessageEvent{
		Source:       env.Source,
		SourceDevice: env.SourceDevice,
		Timestamp:    env.Timestamp,
		Body:         []byte(dm.Body),
		KeyChange:    keyChange,
	})
}

// routeSyncMessage handles SyncMessage per spec.md §4.2: it must originate
// from our own address on a different device; Sent and Read are live,
// Blocked is a deprecated no-op, Contacts/Groups/Request are deprecated
// hard errors.
func (p *Pipeline) routeSyncMessage(ctx context.Context, env *wire.Envelope, sm *wire.SyncMessage) {
	if env.Source != p.OwnAddr || env.SourceDevice == p.OwnDeviceID {
		p.emitError(ctx, env, &ForeignSyncMessageError{Envelope: env, OwnAddr: p.OwnAddr})
		return
	}

	if sm.Sent != nil {
		p.Events.Emit(ctx, events.Sent, events.SentEvent{Destination: sm.Sent.Destination, Timestamp: sm.Sent.Timestamp})
	}
	for _, r := range sm.Read {
		p.Events.Emit(ctx, events.Read, events.ReadEvent{Sender: r.Sender, Timestamp: r.Timestamp})
	}
	if sm.Blocked {
		zerolog.Ctx(ctx).Debug().Msg("syncMessage.blocked is deprecated, ignoring")
	}
	if sm.Contacts {
		p.emitError(ctx, env, &DeprecatedSyncFieldError{Field: "contacts"})
	}
	if sm.Groups {
		p.emitError(ctx, env, &DeprecatedSyncFieldError{Field: "groups"})
	}
	if sm.Request {
		p.emitError(ctx, env, &DeprecatedSyncFieldError{Field: "request"})
	}
}

func (p *Pipeline) emitError(ctx context.Context, env *wire.Envelope, err error) {
	p.Events.Emit(ctx, events.Error, events.ErrorEvent{Addr: env.Source, Timestamp: env.Timestamp, Cause: err})
}
