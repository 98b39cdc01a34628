package chain

import (
	"testing"

	"github.com/fxamacker/cbor/v2"

	"chainmesh/datastore"
	"chainmesh/wire"
)

// memStore is an in-memory KeyValue for tests.
type memStore struct {
	m map[string][]byte
}

func newMemStore() *memStore {
	return &memStore{m: make(map[string][]byte)}
}

func (s *memStore) Has(key datastore.Key) (bool, error) {
	_, ok := s.m[string(key)]
	return ok, nil
}

func (s *memStore) Put(key datastore.Key, value []byte) error {
	s.m[string(key)] = append([]byte(nil), value...)
	return nil
}

func (s *memStore) Get(key datastore.Key) ([]byte, error) {
	v, ok := s.m[string(key)]
	if !ok {
		return nil, datastore.ErrNotFound
	}
	return v, nil
}

func (s *memStore) Delete(key datastore.Key) error {
	delete(s.m, string(key))
	return nil
}

func (s *memStore) Close() error { return nil }

// rejectAll is a Verifier that fails every signature.
type rejectAll struct{}

func (rejectAll) Verify(eventBytes, signature, publicKey []byte) bool { return false }

func eventRequest(t *testing.T, env *Envelope) *wire.Request {
	t.Helper()
	payload, err := cbor.Marshal(env)
	if err != nil {
		t.Fatal(err)
	}
	return wire.NewRequest(wire.MethodPost, RouteEvents, payload, true)
}

func TestStoreAndFetchEvent(t *testing.T) {
	l := NewLedger(newMemStore(), nil)

	code, _ := KindTransaction.Code()
	req := eventRequest(t, &Envelope{Kind: code, Body: []byte("tx body")})

	res := l.Process(req)
	if res.Status != wire.StatusOK {
		t.Fatalf("store answered %s", res.Status)
	}
	digest, err := res.PayloadBytes()
	if err != nil {
		t.Fatal(err)
	}

	got := l.Process(wire.NewRequest(wire.MethodGet, RouteEventsPrefix+string(digest), nil, false))
	if got.Status != wire.StatusOK {
		t.Fatalf("fetch answered %s", got.Status)
	}
	raw, err := got.PayloadBytes()
	if err != nil {
		t.Fatal(err)
	}
	var env Envelope
	if err := cbor.Unmarshal(raw, &env); err != nil {
		t.Fatal(err)
	}
	if string(env.Body) != "tx body" {
		t.Fatalf("body mismatch: %q", env.Body)
	}
}

func TestFetchUnknownEvent(t *testing.T) {
	l := NewLedger(newMemStore(), nil)
	res := l.Process(wire.NewRequest(wire.MethodGet, RouteEventsPrefix+"deadbeef", nil, false))
	if res.Status != wire.StatusNotFound {
		t.Fatalf("expected NotFound, got %s", res.Status)
	}
}

func TestUnknownEventKindRejected(t *testing.T) {
	l := NewLedger(newMemStore(), nil)
	res := l.Process(eventRequest(t, &Envelope{Kind: 99, Body: []byte("x")}))
	if res.Status != wire.StatusInvalid {
		t.Fatalf("expected Invalid, got %s", res.Status)
	}
}

func TestFailedVerificationRejected(t *testing.T) {
	l := NewLedger(newMemStore(), rejectAll{})
	code, _ := KindBlockMined.Code()
	res := l.Process(eventRequest(t, &Envelope{Kind: code, Body: []byte("block")}))
	if res.Status != wire.StatusInvalid {
		t.Fatalf("expected Invalid, got %s", res.Status)
	}
}

func TestUnknownRouteIsInvalid(t *testing.T) {
	l := NewLedger(newMemStore(), nil)
	res := l.Process(wire.NewRequest(wire.MethodGet, "/nope", nil, false))
	if res.Status != wire.StatusInvalid {
		t.Fatalf("expected Invalid, got %s", res.Status)
	}
}
