package node

import (
	"context"
	"net"
	"strconv"
	"testing"
	"time"

	"github.com/fxamacker/cbor/v2"

	"chainmesh/peer"
	"chainmesh/wire"
)

func listenerAddress(t *testing.T, ln net.Listener) peer.Address {
	t.Helper()
	host, portStr, err := net.SplitHostPort(ln.Addr().String())
	if err != nil {
		t.Fatal(err)
	}
	port, _ := strconv.Atoi(portStr)
	return peer.Address{IP: host, Port: uint16(port)}
}

// fakeBootnode answers GET /peers with the given status and peer list
// and records every request it receives.
type fakeBootnode struct {
	ln     net.Listener
	got    chan *wire.Request
	status wire.StatusCode
	peers  []peer.Address
	// rawPayload, when set, is sent verbatim instead of the encoded
	// peer list.
	rawPayload []byte
}

func newFakeBootnode(t *testing.T, status wire.StatusCode, peers []peer.Address) *fakeBootnode {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	fb := &fakeBootnode{ln: ln, got: make(chan *wire.Request, 16), status: status, peers: peers}
	go fb.serve()
	t.Cleanup(func() { ln.Close() })
	return fb
}

func (fb *fakeBootnode) serve() {
	for {
		conn, err := fb.ln.Accept()
		if err != nil {
			return
		}
		ip, _, _ := net.SplitHostPort(conn.RemoteAddr().String())
		req, err := wire.DecodeRequest(conn, ip)
		if err != nil {
			conn.Close()
			continue
		}
		fb.got <- req

		if !req.IsBroadcast {
			payload, _ := cbor.Marshal(fb.peers)
			if fb.rawPayload != nil {
				payload = fb.rawPayload
			}
			if fb.status != wire.StatusOK {
				payload = nil
			}
			frame, _ := wire.EncodeResponse(wire.NewResponse(fb.status, payload))
			conn.Write(frame)
		}
		conn.Close()
	}
}

func (fb *fakeBootnode) expectRequest(t *testing.T) *wire.Request {
	t.Helper()
	select {
	case req := <-fb.got:
		return req
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for a request at the bootnode")
		return nil
	}
}

func newTestNode(t *testing.T) *Node {
	t.Helper()
	n, err := New(Options{ListenAddress: "127.0.0.1:0", AdvertisedHost: "127.0.0.1"}, nil)
	if err != nil {
		t.Fatal(err)
	}
	return n
}

func startTestNode(t *testing.T, bootnode *peer.Address) *Node {
	t.Helper()
	n := newTestNode(t)
	if err := n.Start(context.Background(), bootnode); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() {
		if n.State() == StateListening {
			n.Stop()
		}
	})
	return n
}

// sendRequest opens a connection to the node, writes one frame, and
// returns the response for non-broadcast requests.
func sendRequest(t *testing.T, n *Node, req *wire.Request) *wire.Response {
	t.Helper()
	conn, err := net.Dial("tcp", n.Addr().String())
	if err != nil {
		t.Fatal(err)
	}
	defer conn.Close()

	frame, err := wire.EncodeRequest(req)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := conn.Write(frame); err != nil {
		t.Fatal(err)
	}
	if req.IsBroadcast {
		return nil
	}
	res, err := wire.DecodeResponse(conn)
	if err != nil {
		t.Fatal(err)
	}
	return res
}

func fetchPeerList(t *testing.T, n *Node) []peer.Address {
	t.Helper()
	req := wire.NewRequest(wire.MethodGet, RoutePeers, nil, false)
	req.Sender = peer.Address{Port: 1}
	res := sendRequest(t, n, req)
	if res.Status != wire.StatusOK {
		t.Fatalf("GET /peers answered %s", res.Status)
	}
	raw, err := res.PayloadBytes()
	if err != nil {
		t.Fatal(err)
	}
	var peers []peer.Address
	if err := cbor.Unmarshal(raw, &peers); err != nil {
		t.Fatal(err)
	}
	return peers
}

func TestLifecycleStates(t *testing.T) {
	n := newTestNode(t)
	if n.State() != StateCreated {
		t.Fatalf("fresh node should be Created, was %s", n.State())
	}
	if err := n.Start(context.Background(), nil); err != nil {
		t.Fatal(err)
	}
	if n.State() != StateListening {
		t.Fatalf("started node should be Listening, was %s", n.State())
	}
	if err := n.Start(context.Background(), nil); err != ErrAlreadyStarted {
		t.Fatalf("second Start should fail, got %v", err)
	}
	if err := n.Stop(); err != nil {
		t.Fatal(err)
	}
	if n.State() != StateStopped {
		t.Fatalf("stopped node should be Stopped, was %s", n.State())
	}
	if err := n.Stop(); err == nil {
		t.Fatal("second Stop should fail")
	}
}

func TestBootstrapSuccess(t *testing.T) {
	want := []peer.Address{
		{IP: "10.0.0.1", Port: 7000},
		{IP: "10.0.0.2", Port: 7000},
	}
	fb := newFakeBootnode(t, wire.StatusOK, want)
	bootAddr := listenerAddress(t, fb.ln)

	n := startTestNode(t, &bootAddr)

	// First request: GET /peers.
	first := fb.expectRequest(t)
	if first.Method != wire.MethodGet || first.Route != RoutePeers {
		t.Fatalf("expected GET /peers, got %s %s", first.Method, first.Route)
	}
	if first.IsBroadcast {
		t.Fatal("peer fetch must not be a broadcast")
	}

	// Second request: broadcast POST /peers/join carrying our address.
	second := fb.expectRequest(t)
	if second.Method != wire.MethodPost || second.Route != RoutePeersJoin {
		t.Fatalf("expected POST /peers/join, got %s %s", second.Method, second.Route)
	}
	if !second.IsBroadcast {
		t.Fatal("join must be a broadcast")
	}
	raw, err := second.PayloadBytes()
	if err != nil {
		t.Fatal(err)
	}
	var announced peer.Address
	if err := cbor.Unmarshal(raw, &announced); err != nil {
		t.Fatal(err)
	}
	if announced.IP != "127.0.0.1" || announced.Port != n.Self().Port {
		t.Fatalf("announced %s, want %s", announced.HostPort(), n.Self().HostPort())
	}

	got := n.registry.Snapshot()
	if len(got) != len(want) {
		t.Fatalf("registry has %d peers, want %d", len(got), len(want))
	}
	for i := range want {
		if !got[i].SamePeer(want[i]) {
			t.Fatalf("registry[%d] = %s, want %s", i, got[i].HostPort(), want[i].HostPort())
		}
	}
}

func TestBootstrapFailure(t *testing.T) {
	fb := newFakeBootnode(t, wire.StatusInvalid, nil)
	bootAddr := listenerAddress(t, fb.ln)

	n := startTestNode(t, &bootAddr)

	if n.registry.Len() != 0 {
		t.Fatalf("registry should stay empty after failed bootstrap, has %d", n.registry.Len())
	}
	// The failed fetch aborts bootstrap: no join must follow the GET.
	fb.expectRequest(t)
	select {
	case req := <-fb.got:
		t.Fatalf("unexpected request after failed bootstrap: %s %s", req.Method, req.Route)
	case <-time.After(200 * time.Millisecond):
	}
}

func TestBootstrapUndecodablePeerListStillAnnounces(t *testing.T) {
	fb := newFakeBootnode(t, wire.StatusOK, nil)
	fb.rawPayload = []byte("not a cbor peer list")
	bootAddr := listenerAddress(t, fb.ln)

	n := startTestNode(t, &bootAddr)

	if n.registry.Len() != 0 {
		t.Fatalf("registry should stay empty, has %d", n.registry.Len())
	}

	// A garbled peer list only costs the peer data: the join
	// announcement must still go out.
	first := fb.expectRequest(t)
	if first.Method != wire.MethodGet || first.Route != RoutePeers {
		t.Fatalf("expected GET /peers, got %s %s", first.Method, first.Route)
	}
	second := fb.expectRequest(t)
	if second.Method != wire.MethodPost || second.Route != RoutePeersJoin {
		t.Fatalf("expected POST /peers/join, got %s %s", second.Method, second.Route)
	}
	if !second.IsBroadcast {
		t.Fatal("join must be a broadcast")
	}
}

func TestBootstrapUnreachableBootnode(t *testing.T) {
	dead, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	bootAddr := listenerAddress(t, dead)
	dead.Close()

	n := startTestNode(t, &bootAddr)
	if n.registry.Len() != 0 {
		t.Fatal("registry should be empty")
	}
}

func TestPeersRoute(t *testing.T) {
	n := startTestNode(t, nil)
	want := []peer.Address{
		{IP: "10.0.0.5", Port: 7001},
		{IP: "10.0.0.6", Port: 7002},
	}
	n.registry.ReplaceAll(want)

	got := fetchPeerList(t, n)
	if len(got) != len(want) {
		t.Fatalf("got %d peers, want %d", len(got), len(want))
	}
	for i := range want {
		if !got[i].SamePeer(want[i]) {
			t.Fatalf("peer[%d] = %s, want %s", i, got[i].HostPort(), want[i].HostPort())
		}
	}
}

func TestJoinBroadcastAddsPeer(t *testing.T) {
	n := startTestNode(t, nil)

	// The announced endpoint must be reachable: the node fans the join
	// out and a refused connection would only cost a log line, but a
	// real listener keeps the test quiet.
	sinkLn, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	defer sinkLn.Close()
	go func() {
		for {
			conn, err := sinkLn.Accept()
			if err != nil {
				return
			}
			conn.Close()
		}
	}()
	joined := listenerAddress(t, sinkLn)

	payload, err := cbor.Marshal(joined)
	if err != nil {
		t.Fatal(err)
	}
	req := wire.NewRequest(wire.MethodPost, RoutePeersJoin, payload, true)
	req.Sender = peer.Address{Port: 60000}
	sendRequest(t, n, req)

	// The accept loop is sequential, so once the next request completes
	// the join has been fully processed.
	got := fetchPeerList(t, n)
	if len(got) != 1 || !got[0].SamePeer(joined) {
		t.Fatalf("registry = %v, want [%s]", got, joined.HostPort())
	}
}

func TestBroadcastPropagation(t *testing.T) {
	n := startTestNode(t, nil)

	// A downstream peer that records forwarded frames.
	downLn, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	defer downLn.Close()
	forwarded := make(chan *wire.Request, 1)
	go func() {
		conn, err := downLn.Accept()
		if err != nil {
			return
		}
		ip, _, _ := net.SplitHostPort(conn.RemoteAddr().String())
		req, err := wire.DecodeRequest(conn, ip)
		conn.Close()
		if err == nil {
			forwarded <- req
		}
	}()
	n.registry.Add(listenerAddress(t, downLn))

	req := wire.NewRequest(wire.MethodPost, "/events", []byte("mined block"), true)
	req.Sender = peer.Address{Port: 50000}
	sendRequest(t, n, req)

	select {
	case fwd := <-forwarded:
		if fwd.Payload != req.Payload {
			t.Fatal("payload changed in flight")
		}
		if fwd.Sender.Port != n.Self().Port {
			t.Fatalf("forwarded frame should carry the relaying node's port %d, got %d", n.Self().Port, fwd.Sender.Port)
		}
		if fwd.Sender.NodeID != n.ID() {
			t.Fatal("forwarded frame should carry the relaying node's id")
		}
	case <-time.After(2 * time.Second):
		t.Fatal("broadcast was not propagated")
	}
}

func TestMalformedConnectionDoesNotKillAcceptLoop(t *testing.T) {
	n := startTestNode(t, nil)

	conn, err := net.Dial("tcp", n.Addr().String())
	if err != nil {
		t.Fatal(err)
	}
	conn.Write([]byte("definitely not a frame"))
	conn.Close()

	// The node must still answer after the garbage connection.
	if got := fetchPeerList(t, n); len(got) != 0 {
		t.Fatalf("unexpected peers: %v", got)
	}
}

func TestStopUnblocksPendingAccept(t *testing.T) {
	n := startTestNode(t, nil)

	done := make(chan error, 1)
	go func() { done <- n.Stop() }()

	select {
	case err := <-done:
		if err != nil {
			t.Fatal(err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Stop did not return while Accept was pending")
	}
	if n.State() != StateStopped {
		t.Fatalf("state after Stop: %s", n.State())
	}
}
