package chain

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"strings"

	"github.com/fxamacker/cbor/v2"

	"chainmesh/datastore"
	"chainmesh/wire"

	log "github.com/sirupsen/logrus"
)

// Routes handled by the ledger.
const (
	RouteEvents       = "/events"
	RouteEventsPrefix = "/events/"
)

// Ledger is a Processor that accepts event envelopes over the mesh and
// stores their payload bytes keyed by content hash. A nil verifier skips
// signature checking.
type Ledger struct {
	store    datastore.KeyValue
	verifier Verifier
}

func NewLedger(store datastore.KeyValue, verifier Verifier) *Ledger {
	return &Ledger{store: store, verifier: verifier}
}

// Process implements node.Processor. POST /events stores an event;
// GET /events/<hex digest> retrieves one. Anything else is Invalid.
func (l *Ledger) Process(req *wire.Request) *wire.Response {
	switch {
	case req.Method == wire.MethodPost && req.Route == RouteEvents:
		return l.storeEvent(req)
	case req.Method == wire.MethodGet && strings.HasPrefix(req.Route, RouteEventsPrefix):
		return l.getEvent(strings.TrimPrefix(req.Route, RouteEventsPrefix))
	default:
		log.Warnf("chain: no handler for %s %s", req.Method, req.Route)
		return wire.NewResponse(wire.StatusInvalid, nil)
	}
}

// storeEvent validates the envelope and persists the raw payload bytes
// under their SHA-256. The response payload is the hex digest, which is
// also the retrieval key.
func (l *Ledger) storeEvent(req *wire.Request) *wire.Response {
	raw, err := req.PayloadBytes()
	if err != nil {
		log.Errorf("chain: event payload is not valid base64: %v", err)
		return wire.NewResponse(wire.StatusInvalid, nil)
	}

	var env Envelope
	if err := cbor.Unmarshal(raw, &env); err != nil {
		log.Errorf("chain: cannot decode event envelope from %s: %v", req.Sender.HostPort(), err)
		return wire.NewResponse(wire.StatusInvalid, nil)
	}

	kind, err := KindFromCode(env.Kind)
	if err != nil {
		log.Errorf("chain: rejecting event from %s: %v", req.Sender.HostPort(), err)
		return wire.NewResponse(wire.StatusInvalid, nil)
	}

	if l.verifier != nil && !l.verifier.Verify(env.Body, env.Signature, env.PublicKey) {
		log.Errorf("chain: signature verification failed for %s event from %s", kind, req.Sender.HostPort())
		return wire.NewResponse(wire.StatusInvalid, nil)
	}

	sum := sha256.Sum256(raw)
	digest := hex.EncodeToString(sum[:])

	if err := l.store.Put(datastore.Key(digest), raw); err != nil {
		log.Errorf("chain: failed to store %s event %s: %v", kind, digest, err)
		return wire.NewResponse(wire.StatusError, nil)
	}

	log.Infof("chain: stored %s event %.12s (%d bytes)", kind, digest, len(raw))
	return wire.NewResponse(wire.StatusOK, []byte(digest))
}

func (l *Ledger) getEvent(digest string) *wire.Response {
	if digest == "" {
		return wire.NewResponse(wire.StatusInvalid, nil)
	}

	raw, err := l.store.Get(datastore.Key(digest))
	if err != nil {
		if errors.Is(err, datastore.ErrNotFound) {
			return wire.NewResponse(wire.StatusNotFound, nil)
		}
		log.Errorf("chain: failed to load event %s: %v", digest, err)
		return wire.NewResponse(wire.StatusError, nil)
	}
	return wire.NewResponse(wire.StatusOK, raw)
}
