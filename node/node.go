// Package node owns a mesh node's lifecycle: the listening socket, the
// sequential accept loop, peer bootstrap and the hand-off to the gossip
// broadcaster. Business logic is supplied by a Processor collaborator;
// the node only moves, hashes and stores bytes.
package node

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync/atomic"
	"time"

	"github.com/fxamacker/cbor/v2"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"

	"chainmesh/gossip"
	"chainmesh/helper/timer"
	"chainmesh/nid"
	"chainmesh/peer"
	"chainmesh/wire"

	log "github.com/sirupsen/logrus"
)

// Routes served by the node core itself. Everything else is dispatched
// to the Processor.
const (
	RoutePeers     = "/peers"
	RoutePeersJoin = "/peers/join"
)

// Processor is the business-logic collaborator. It must be deterministic
// for a given request and must not block indefinitely: it runs on the
// sole accept-loop goroutine.
type Processor interface {
	Process(req *wire.Request) *wire.Response
}

// State tracks the node lifecycle: Created → Listening → ShuttingDown → Stopped.
type State int32

const (
	StateCreated State = iota
	StateListening
	StateShuttingDown
	StateStopped
)

func (s State) String() string {
	switch s {
	case StateCreated:
		return "Created"
	case StateListening:
		return "Listening"
	case StateShuttingDown:
		return "ShuttingDown"
	case StateStopped:
		return "Stopped"
	default:
		return fmt.Sprintf("State(%d)", int32(s))
	}
}

var ErrAlreadyStarted = errors.New("node already started")

// Options configure a node. The zero value of RefreshInterval disables
// periodic peer refresh.
type Options struct {
	// ListenAddress is the TCP address to bind, e.g. ":7654" or
	// "127.0.0.1:0".
	ListenAddress string
	// AdvertisedHost is the host other peers should dial to reach this
	// node. It rides inside the join announcement payload; the wire
	// frames themselves never carry a self-claimed IP.
	AdvertisedHost string
	// RefreshInterval re-fetches the peer list from the bootnode while
	// serving. Only effective when a bootnode is given to Start.
	RefreshInterval time.Duration
}

// Node is one mesh participant. The accept loop is strictly sequential:
// one connection is read, processed, responded to and broadcast before
// the next is accepted, so the node handles one inbound request at a
// time by design.
type Node struct {
	id   nid.ID
	host string
	port uint16

	listener net.Listener
	registry *peer.Registry
	cache    *gossip.RecentCache
	caster   *gossip.Broadcaster
	proc     Processor

	refreshEvery time.Duration
	bootnode     *peer.Address
	dialTimeout  time.Duration

	state  atomic.Int32
	cancel context.CancelFunc
	group  *errgroup.Group
	sg     singleflight.Group
}

// New binds the listening socket and generates the node identity. The
// node is in StateCreated afterwards: bound but not yet accepting.
func New(opts Options, proc Processor) (*Node, error) {
	ln, err := net.Listen("tcp", opts.ListenAddress)
	if err != nil {
		return nil, fmt.Errorf("node: listen on %s: %w", opts.ListenAddress, err)
	}

	tcpAddr, ok := ln.Addr().(*net.TCPAddr)
	if !ok {
		ln.Close()
		return nil, fmt.Errorf("node: unexpected listener address type %T", ln.Addr())
	}

	n := &Node{
		id:           nid.New(),
		host:         opts.AdvertisedHost,
		port:         uint16(tcpAddr.Port),
		listener:     ln,
		registry:     peer.NewRegistry(),
		cache:        gossip.NewRecentCache(gossip.DefaultCacheCapacity),
		proc:         proc,
		refreshEvery: opts.RefreshInterval,
		dialTimeout:  5 * time.Second,
	}
	n.caster = gossip.NewBroadcaster(n.registry, n.cache, n.Self())
	n.state.Store(int32(StateCreated))

	log.Infof("node: I am %s, listening on %s", n.id.String(), ln.Addr())

	return n, nil
}

// Self returns this node's own address as other peers should see it.
func (n *Node) Self() peer.Address {
	return peer.Address{IP: n.host, Port: n.port, NodeID: n.id}
}

// ID returns the node identity.
func (n *Node) ID() nid.ID {
	return n.id
}

// Addr returns the bound listener address.
func (n *Node) Addr() net.Addr {
	return n.listener.Addr()
}

// Registry exposes the peer registry.
func (n *Node) Registry() *peer.Registry {
	return n.registry
}

// State returns the current lifecycle state.
func (n *Node) State() State {
	return State(n.state.Load())
}

// Start runs bootstrap against the given bootnode (when non-nil) and
// then begins accepting connections on a dedicated goroutine. A nil
// bootnode makes this node the first member of a new network with an
// empty registry. Bootstrap failures are logged, never fatal.
func (n *Node) Start(ctx context.Context, bootnode *peer.Address) error {
	if !n.state.CompareAndSwap(int32(StateCreated), int32(StateListening)) {
		return ErrAlreadyStarted
	}
	n.bootnode = bootnode

	if bootnode != nil {
		n.bootstrap(ctx, *bootnode)
	} else {
		log.Info("node: no bootnode configured, founding a new network")
	}

	cctx, cancel := context.WithCancel(ctx)
	n.cancel = cancel
	n.group, cctx = errgroup.WithContext(cctx)

	// Closing the listener is what unblocks a pending Accept, so
	// shutdown does not have to wait for the next inbound connection.
	n.group.Go(func() error {
		<-cctx.Done()
		if err := n.listener.Close(); err != nil && !errors.Is(err, net.ErrClosed) {
			log.Warnf("node: error closing listener %s: %v", n.listener.Addr(), err)
		}
		return nil
	})

	n.group.Go(func() error {
		n.acceptLoop(cctx)
		return nil
	})

	if bootnode != nil && n.refreshEvery > 0 {
		n.group.Go(func() error {
			interval := &timer.Interval{
				Duration: n.refreshEvery,
				Jitter:   n.refreshEvery / 10,
			}
			timer.RunWithTicker(cctx, interval, n.refreshPeers)
			return nil
		})
	}

	return nil
}

// Stop signals cooperative cancellation and waits until the accept loop
// has observed it and exited. Safe to call once per node lifetime.
func (n *Node) Stop() error {
	if !n.state.CompareAndSwap(int32(StateListening), int32(StateShuttingDown)) {
		return fmt.Errorf("node: cannot stop from state %s", n.State())
	}
	n.cancel()
	err := n.group.Wait()
	n.state.Store(int32(StateStopped))
	if err != nil {
		log.Errorf("node: error during shutdown: %v", err)
	}
	log.Infof("node: %s stopped", n.id.String())
	return err
}

// acceptLoop is strictly sequential. Cancellation is checked once per
// iteration; mid-connection work is never interrupted.
func (n *Node) acceptLoop(ctx context.Context) {
	var tempDelay time.Duration // how long to sleep on accept failure
	for {
		conn, err := n.listener.Accept()
		if err != nil {
			select {
			case <-ctx.Done():
				log.Infof("node: accept loop on %s shutting down", n.listener.Addr())
				return
			default:
			}
			if ne, ok := err.(net.Error); ok && ne.Timeout() {
				if tempDelay == 0 {
					tempDelay = 5 * time.Millisecond
				} else {
					tempDelay *= 2
				}
				if max := 1 * time.Second; tempDelay > max {
					tempDelay = max
				}
				log.Warnf("node: accept error on %s: %v; retrying in %v", n.listener.Addr(), err, tempDelay)
				time.Sleep(tempDelay)
				continue
			}
			log.Errorf("node: critical accept error on %s: %v", n.listener.Addr(), err)
			return
		}
		tempDelay = 0
		n.handleConn(ctx, conn)
	}
}

// handleConn reads one request, dispatches it, writes a response unless
// the request is a broadcast, triggers propagation and closes. Failures
// are isolated per connection so a single malformed peer cannot take the
// accept loop down.
func (n *Node) handleConn(ctx context.Context, conn net.Conn) {
	defer conn.Close()
	defer func() {
		if r := recover(); r != nil {
			log.Errorf("node: panic handling connection from %s: %v", conn.RemoteAddr(), r)
		}
	}()

	remoteIP, _, err := net.SplitHostPort(conn.RemoteAddr().String())
	if err != nil {
		log.Errorf("node: cannot parse remote address %s: %v", conn.RemoteAddr(), err)
		return
	}

	req, err := wire.DecodeRequest(conn, remoteIP)
	if err != nil {
		log.Errorf("node: failed to decode request from %s: %v", conn.RemoteAddr(), err)
		return
	}

	log.Debugf("node: %s %s from %s (broadcast=%t)", req.Method, req.Route, req.Sender.HostPort(), req.IsBroadcast)

	res := n.dispatch(req)

	if !req.IsBroadcast {
		frame, err := wire.EncodeResponse(res)
		if err != nil {
			log.Errorf("node: failed to encode response for %s %s: %v", req.Method, req.Route, err)
			return
		}
		if _, err := conn.Write(frame); err != nil {
			log.Errorf("node: failed to write response to %s: %v", conn.RemoteAddr(), err)
			return
		}
	}

	// Propagation is attempted for every request; the broadcast flag and
	// the dedup cache decide whether anything actually goes out.
	n.caster.Broadcast(ctx, req)
}

// dispatch routes the two well-known peer-management routes internally
// and hands everything else to the Processor.
func (n *Node) dispatch(req *wire.Request) *wire.Response {
	switch {
	case req.Method == wire.MethodGet && req.Route == RoutePeers:
		return n.peersResponse()
	case req.Method == wire.MethodPost && req.Route == RoutePeersJoin:
		return n.handleJoin(req)
	default:
		if n.proc == nil {
			return wire.NewResponse(wire.StatusInvalid, nil)
		}
		return n.proc.Process(req)
	}
}

func (n *Node) peersResponse() *wire.Response {
	peers := n.registry.Snapshot()
	data, err := cbor.Marshal(peers)
	if err != nil {
		log.Errorf("node: failed to encode peer list: %v", err)
		return wire.NewResponse(wire.StatusError, nil)
	}
	return wire.NewResponse(wire.StatusOK, data)
}

// handleJoin records a newly announced peer. The announced host may be
// empty when the joining node does not know its public address; the
// transport-level IP of the hop is used instead.
func (n *Node) handleJoin(req *wire.Request) *wire.Response {
	raw, err := req.PayloadBytes()
	if err != nil {
		log.Errorf("node: join payload is not valid base64: %v", err)
		return wire.NewResponse(wire.StatusInvalid, nil)
	}

	var addr peer.Address
	if err := cbor.Unmarshal(raw, &addr); err != nil {
		log.Errorf("node: cannot decode join payload from %s: %v", req.Sender.HostPort(), err)
		return wire.NewResponse(wire.StatusInvalid, nil)
	}
	if addr.IP == "" {
		addr.IP = req.Sender.IP
	}
	if addr.Port == 0 {
		log.Errorf("node: join from %s announced no port, ignoring", req.Sender.HostPort())
		return wire.NewResponse(wire.StatusInvalid, nil)
	}

	if addr.SamePeer(n.Self()) {
		// Our own join announcement looped back.
		return wire.NewResponse(wire.StatusOK, nil)
	}

	if n.registry.Add(addr) {
		log.Infof("node: peer joined: %s", addr.String())
	}
	return wire.NewResponse(wire.StatusOK, nil)
}
