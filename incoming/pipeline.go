// Package incoming implements the IncomingMessage pipeline of spec.md
// §4.2: the streaming transport's connection lifecycle, request dispatch,
// envelope decode/decrypt/route, the session-fault recovery table, and the
// drain-mode fallback for polling pending messages without a live stream.
package incoming

import (
	"context"
	"encoding/base64"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/mcavoybn/librelay/events"
	"github.com/mcavoybn/librelay/signalservice"
	"github.com/mcavoybn/librelay/store"
	"github.com/mcavoybn/librelay/transport"
	"github.com/mcavoybn/librelay/wire"
)

const (
	reconnectBackoff = 5 * time.Second
	queueEmptyPath   = "/api/v1/queue/empty"
	messagePath      = "/api/v1/message"
	preKeyRegenCount = 100
)

// streamer is the subset of *transport.Stream the pipeline depends on,
// narrowed to an interface so tests can substitute a fake transport.
type streamer interface {
	Connect(ctx context.Context) error
	Close() error
	SetKeepAlive(transport.KeepAlive)
	Requests() <-chan *transport.Request
	CloseEvents() <-chan transport.CloseEvent
	Errors() <-chan error
}

// RetransmitRequester asks the remote party to resend a message the
// session-fault recovery table could not decrypt, per spec.md §4.2's "close
// session, request retransmit of envelope.timestamp" row. No type in this
// module implements it, and cmd/librelayd leaves it nil; left nil, the
// pipeline just closes the session and lets the next delivery attempt
// rebuild it.
type RetransmitRequester interface {
	RequestRetransmit(ctx context.Context, addr string, deviceID uint32, timestamp uint64) error
}

// Pipeline implements the IncomingMessage flow against a Store, a
// signalservice.Client, a streaming Stream, and an events.Dispatcher.
type Pipeline struct {
	Store        store.Backend
	Service      *signalservice.Client
	Events       *events.Dispatcher
	Stream       streamer
	SignalingKey []byte

	OwnAddr     string
	OwnDeviceID uint32

	Retransmit RetransmitRequester

	queue *serialQueue

	mu         sync.Mutex
	connected  bool
	connecting bool
	closing    bool
}

func (p *Pipeline) setClosing(v bool) {
	p.mu.Lock()
	p.closing = v
	p.mu.Unlock()
}

func (p *Pipeline) isClosing() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.closing
}

// New returns a Pipeline wired to the given collaborators. signalingKey
// must be wire.SignalingKeySize bytes, the key issued during provisioning.
func New(s store.Backend, svc *signalservice.Client, disp *events.Dispatcher, stream *transport.Stream, ownAddr string, ownDeviceID uint32, signalingKey []byte) *Pipeline {
	return &Pipeline{
		Store:        s,
		Service:      svc,
		Events:       disp,
		Stream:       stream,
		SignalingKey: signalingKey,
		OwnAddr:      ownAddr,
		OwnDeviceID:  ownDeviceID,
		queue:        newSerialQueue(64),
	}
}

// Connect starts the reconnect loop in the background. It is idempotent:
// calling it again while already connected or connecting is a no-op.
func (p *Pipeline) Connect(ctx context.Context) {
	p.mu.Lock()
	if p.connecting || p.connected {
		p.mu.Unlock()
		return
	}
	p.connecting = true
	p.closing = false
	p.mu.Unlock()
	go p.reconnectLoop(ctx)
}

// Close stops the reconnect loop, waits for any in-flight request handling
// to finish, and tears down the stream.
func (p *Pipeline) Close() error {
	p.setClosing(true)
	p.queue.Close()
	return p.Stream.Close()
}

func (p *Pipeline) reconnectLoop(ctx context.Context) {
	log := zerolog.Ctx(ctx).With().Str("component", "incoming").Logger()
	for {
		if p.isClosing() {
			p.mu.Lock()
			p.connecting = false
			p.mu.Unlock()
			return
		}

		p.Stream.SetKeepAlive(transport.KeepAlive{Path: queueEmptyPath, DisconnectOnMiss: true})
		if err := p.Stream.Connect(ctx); err != nil {
			log.Warn().Err(err).Msg("stream connect failed")
			p.checkRegistration(ctx)
			time.Sleep(reconnectBackoff)
			continue
		}

		p.mu.Lock()
		p.connected = true
		p.connecting = false
		p.mu.Unlock()

		p.serveStream(ctx)

		p.mu.Lock()
		p.connected = false
		p.mu.Unlock()

		if p.isClosing() {
			return
		}
		p.mu.Lock()
		p.connecting = true
		p.mu.Unlock()
		log.Warn().Msg("stream closed, reconnecting")
		p.checkRegistration(ctx)
		time.Sleep(reconnectBackoff)
	}
}

// serveStream dispatches requests and watches for close/error notifications
// until the stream goes away, per spec.md §4.2's connection lifecycle.
func (p *Pipeline) serveStream(ctx context.Context) {
	for {
		select {
		case req, ok := <-p.Stream.Requests():
			if !ok {
				return
			}
			p.handleRequest(ctx, req)
		case <-p.Stream.CloseEvents():
			return
		case err := <-p.Stream.Errors():
			zerolog.Ctx(ctx).Warn().Err(err).Msg("transport error")
		}
	}
}

// checkRegistration probes the service to distinguish "the network hiccuped"
// from "this account no longer exists", per spec.md §4.2's reconnect-failure
// handling. A failed probe is itself just advisory: it's surfaced as an
// error event, and the reconnect loop keeps retrying regardless.
func (p *Pipeline) checkRegistration(ctx context.Context) {
	if _, err := p.Service.GetDevices(ctx); err != nil {
		p.Events.Emit(ctx, events.Error, events.ErrorEvent{Addr: p.OwnAddr, Cause: fmt.Errorf("incoming: registration check failed: %w", err)})
	}
}

// handleRequest dispatches one server-initiated request by verb and path.
// Per spec.md §4.2, GET queue/empty is answered immediately; PUT message is
// decrypted and decoded synchronously (a decode failure gets a 500 and
// nothing is enqueued), and the resulting envelope's semantic handling is
// serialized through the pipeline's single-producer queue.
func (p *Pipeline) handleRequest(ctx context.Context, req *transport.Request) {
	switch {
	case req.Verb == "GET" && req.Path == queueEmptyPath:
		_ = req.Respond(200, "OK")

	case req.Verb == "PUT" && req.Path == messagePath:
		env, err := p.decodeRequestBody(req.Body)
		if err != nil {
			_ = req.Respond(500, "decode failed")
			p.Events.Emit(ctx, events.Error, events.ErrorEvent{Cause: &decodeFailureError{Err: err}})
			return
		}
		p.queue.Enqueue(func() {
			p.handleEnvelope(ctx, env)
			_ = req.Respond(200, "OK")
		})

	default:
		_ = req.Respond(404, "unrecognized request")
	}
}

func (p *Pipeline) decodeRequestBody(frame []byte) (*wire.Envelope, error) {
	plaintext, err := wire.DecryptFrame(p.SignalingKey, frame)
	if err != nil {
		return nil, err
	}
	return wire.DecodeEnvelope(plaintext)
}

// Drain fetches and processes every pending envelope via the non-streaming
// messages API, per spec.md §4.2's drain mode for hosts that don't keep a
// live connection. Deletions are fired concurrently once an envelope's
// handling completes; envelope handling itself still goes through the
// serial queue so a drain running alongside a live stream can't race it.
func (p *Pipeline) Drain(ctx context.Context) error {
	for {
		page, err := p.Service.GetPendingMessages(ctx)
		if err != nil {
			return fmt.Errorf("incoming: drain: %w", err)
		}

		for _, pe := range page.Messages {
			pe := pe
			env, err := pendingEnvelopeToEnvelope(pe)
			if err != nil {
				p.Events.Emit(ctx, events.Error, events.ErrorEvent{Addr: pe.Source, Timestamp: pe.Timestamp, Cause: err})
				continue
			}
			done := make(chan struct{})
			p.queue.Enqueue(func() {
				p.handleEnvelope(ctx, env)
				close(done)
			})
			<-done
			go func() {
				if err := p.Service.DeleteMessage(ctx, pe.Source, pe.Timestamp); err != nil {
					zerolog.Ctx(ctx).Warn().Err(err).Str("source", pe.Source).Msg("drain: delete message failed")
				}
			}()
		}

		if !page.More {
			return nil
		}
	}
}

func pendingEnvelopeToEnvelope(pe signalservice.PendingEnvelope) (*wire.Envelope, error) {
	env := &wire.Envelope{
		Type:         wire.Type(pe.Type),
		Source:       pe.Source,
		SourceDevice: pe.SourceDevice,
		Timestamp:    pe.Timestamp,
	}
	if pe.Content != "" {
		data, err := base64.StdEncoding.DecodeString(pe.Content)
		if err != nil {
			return nil, fmt.Errorf("incoming: decode pending content: %w", err)
		}
		env.Content = data
	}
	if pe.Message != "" {
		data, err := base64.StdEncoding.DecodeString(pe.Message)
		if err != nil {
			return nil, fmt.Errorf("incoming: decode pending message: %w", err)
		}
		env.LegacyMessage = data
	}
	return env, nil
}
