package peer

import (
	"fmt"
	"net"
	"strconv"
	"sync"

	"chainmesh/nid"
)

// Address identifies a network participant. NodeID is informational and
// diagnostic only: two addresses are the same peer iff IP and port match.
type Address struct {
	IP     string `cbor:"1,keyasint,omitempty"`
	Port   uint16 `cbor:"2,keyasint,omitempty"`
	NodeID nid.ID `cbor:"3,keyasint,omitempty"`
}

// SamePeer reports whether a and b refer to the same network endpoint.
// NodeID is deliberately excluded.
func (a Address) SamePeer(b Address) bool {
	return a.IP == b.IP && a.Port == b.Port
}

// HostPort returns the dialable "host:port" form.
func (a Address) HostPort() string {
	return net.JoinHostPort(a.IP, strconv.Itoa(int(a.Port)))
}

func (a Address) String() string {
	if a.NodeID.IsZero() {
		return a.HostPort()
	}
	return fmt.Sprintf("%s (%s)", a.HostPort(), a.NodeID.String())
}

// Registry is the in-memory list of known peers. The accept loop is the
// only writer during normal operation; the broadcast fan-out and the
// periodic refresh read it, so access is guarded by a mutex with narrow
// critical sections.
type Registry struct {
	mu    sync.Mutex
	peers []Address
}

func NewRegistry() *Registry {
	return &Registry{}
}

// ReplaceAll swaps the whole peer list, as happens on a successful
// bootstrap. The slice is copied.
func (r *Registry) ReplaceAll(peers []Address) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.peers = append(r.peers[:0:0], peers...)
}

// Add appends a peer unless an entry with the same (ip, port) already
// exists. Returns true if the peer was added.
func (r *Registry) Add(a Address) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, p := range r.peers {
		if p.SamePeer(a) {
			return false
		}
	}
	r.peers = append(r.peers, a)
	return true
}

// Snapshot returns a copy of the current peer list.
func (r *Registry) Snapshot() []Address {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Address(nil), r.peers...)
}

func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.peers)
}
