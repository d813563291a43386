// Command librelayd runs one client process: it loads config.Config from
// the environment, opens the configured store.Backend, bootstraps identity
// keys and a signaling key on first run, and wires signalservice.Client,
// transport.Stream, outgoing.Pipeline and incoming.Pipeline together before
// handing control to the incoming pipeline's reconnect loop until a signal
// arrives.
package main

import (
	"bufio"
	"context"
	"crypto/rand"
	"log"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/mcavoybn/librelay/config"
	"github.com/mcavoybn/librelay/events"
	"github.com/mcavoybn/librelay/incoming"
	"github.com/mcavoybn/librelay/outgoing"
	"github.com/mcavoybn/librelay/ratchet"
	"github.com/mcavoybn/librelay/signalservice"
	"github.com/mcavoybn/librelay/store"
	"github.com/mcavoybn/librelay/store/file"
	"github.com/mcavoybn/librelay/store/rediskv"
	"github.com/mcavoybn/librelay/transport"
	"github.com/mcavoybn/librelay/wire"
)

// preKeyCount is how many one-time prekeys a freshly bootstrapped process
// generates and stores; only the first of them is registered with the
// service.
const preKeyCount = 100

func main() {
	cfg, err := config.FromEnv()
	if err != nil {
		log.Fatalf("config: %v", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	backend, err := buildStore(cfg)
	if err != nil {
		log.Fatalf("store: %v", err)
	}
	if err := backend.Initialize(ctx); err != nil {
		log.Fatalf("store: initialize: %v", err)
	}
	defer backend.Shutdown(ctx)

	if cfg.ServiceURL == "" {
		log.Fatalf("RELAY_SERVICE_URL is required")
	}
	svc := signalservice.NewClient(cfg.ServiceURL, cfg.Username, cfg.Password, http.DefaultClient)

	ownAddr, ownDeviceID, signalingKey, err := bootstrap(ctx, backend, svc, cfg)
	if err != nil {
		log.Fatalf("bootstrap: %v", err)
	}

	disp := events.NewDispatcher()
	disp.On(events.Message, func(_ context.Context, payload any) error {
		msg := payload.(events.MessageEvent)
		log.Printf("message from %s/%d: %s", msg.Source, msg.SourceDevice, msg.Body)
		return nil
	})
	disp.On(events.Error, func(_ context.Context, payload any) error {
		evt := payload.(events.ErrorEvent)
		log.Printf("error addr=%s: %v", evt.Addr, evt.Cause)
		return nil
	})

	out := outgoing.New(backend, svc, disp, ownAddr)
	go runSendLoop(ctx, out)

	wsURL, err := wsURLFor(cfg.ServiceURL)
	if err != nil {
		log.Fatalf("service url: %v", err)
	}
	header := http.Header{}
	header.Set("Authorization", basicAuthHeader(cfg.Username, cfg.Password))
	stream := transport.NewStream(wsURL, header)

	in := incoming.New(backend, svc, disp, stream, ownAddr, ownDeviceID, signalingKey)

	log.Printf("librelayd starting addr=%s device=%d backing=%s", ownAddr, ownDeviceID, cfg.StorageBacking)
	in.Connect(ctx)

	<-ctx.Done()
	log.Printf("shutting down")
	if err := in.Close(); err != nil {
		log.Printf("close: %v", err)
	}
}

// runSendLoop reads "addr message text" lines from stdin and calls
// SendToAddr for each, so that a shell can drive this process as a simple
// send client. It returns when stdin is closed, or at the first line read
// after ctx is done.
func runSendLoop(ctx context.Context, out *outgoing.Pipeline) {
	scanner := bufio.NewScanner(os.Stdin)
	for scanner.Scan() {
		if ctx.Err() != nil {
			return
		}
		line := scanner.Text()
		addr, body, ok := strings.Cut(line, " ")
		if !ok || addr == "" {
			continue
		}
		if err := out.SendToAddr(ctx, addr, []byte(body), uint64(time.Now().UnixMilli())); err != nil {
			log.Printf("send to %s: %v", addr, err)
		}
	}
}

func buildStore(cfg *config.Config) (store.Backend, error) {
	switch cfg.StorageBacking {
	case config.StorageBackingRedis:
		return rediskv.New(cfg.RedisAddr), nil
	default:
		return file.New(cfg.StorageRoot), nil
	}
}

// bootstrap loads the process's own address/device id/signaling key from
// the store, generating and registering a fresh identity the first time
// the store is empty.
func bootstrap(ctx context.Context, backend store.Backend, svc *signalservice.Client, cfg *config.Config) (addr string, deviceID uint32, signalingKey []byte, err error) {
	addrBytes, err := backend.GetState(ctx, store.StateKeyAddr)
	if err != nil && err != store.ErrNotFound {
		return "", 0, nil, err
	}
	if err == nil {
		deviceIDBytes, err := backend.GetState(ctx, store.StateKeyDeviceID)
		if err != nil {
			return "", 0, nil, err
		}
		keyBytes, err := backend.GetState(ctx, store.StateKeySignalingKey)
		if err != nil {
			return "", 0, nil, err
		}
		id, err := strconv.ParseUint(string(deviceIDBytes), 10, 32)
		if err != nil {
			return "", 0, nil, err
		}
		return string(addrBytes), uint32(id), keyBytes, nil
	}

	addr = cfg.Username
	deviceID = 1

	bundle, err := ratchet.GenerateOwnBundle(backend, preKeyCount)
	if err != nil {
		return "", 0, nil, err
	}

	signalingKey = make([]byte, wire.SignalingKeySize)
	if _, err := rand.Read(signalingKey); err != nil {
		return "", 0, nil, err
	}

	keys := ownKeysFromBundle(bundle)
	if err := svc.RegisterKeys(ctx, keys); err != nil {
		return "", 0, nil, err
	}

	if err := backend.PutState(ctx, store.StateKeyAddr, []byte(addr)); err != nil {
		return "", 0, nil, err
	}
	if err := backend.PutState(ctx, store.StateKeyDeviceID, []byte(strconv.FormatUint(uint64(deviceID), 10))); err != nil {
		return "", 0, nil, err
	}
	if err := backend.PutState(ctx, store.StateKeySignalingKey, signalingKey); err != nil {
		return "", 0, nil, err
	}

	return addr, deviceID, signalingKey, nil
}

func ownKeysFromBundle(bundle *ratchet.PreKeyBundle) *signalservice.OwnKeys {
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
	return keys
}

func wsURLFor(serviceURL string) (string, error) {
	u, err := url.Parse(serviceURL)
	if err != nil {
		return "", err
	}
	switch u.Scheme {
	case "https":
		u.Scheme = "wss"
	default:
		u.Scheme = "ws"
	}
	u.Path = "/v1/websocket/"
	return u.String(), nil
}

func basicAuthHeader(username, password string) string {
	req, _ := http.NewRequest(http.MethodGet, "http://unused", nil)
	req.SetBasicAuth(username, password)
	return req.Header.Get("Authorization")
}
