package discovery

import (
	"sync"
	"time"

	"github.com/libp2p/go-libp2p-core/peer"
	ma "github.com/multiformats/go-multiaddr"
)

// IdentifyInfo is the most recent identify payload observed for a peer.
type IdentifyInfo struct {
	AgentVersion    string
	ProtocolVersion string
	Protocols       []string
	Addrs           []ma.Multiaddr
}

// PeerInfo is what we know about one peer. Fields start unset and are filled
// in as identify and ping events arrive.
type PeerInfo struct {
	Identify *IdentifyInfo
	RTT      time.Duration
}

// SupportsProtocol reports whether the peer's identify payload advertises
// the given protocol.
func (pi PeerInfo) SupportsProtocol(proto string) bool {
	if pi.Identify == nil {
		return false
	}
	for _, p := range pi.Identify.Protocols {
		if p == proto {
			return true
		}
	}
	return false
}

// PeerTable is the shared known-peer map. Entries are inserted on first
// observation and updated in place; the core never deletes them. Readers
// must copy out what they need instead of holding the lock.
type PeerTable struct {
	mu    sync.RWMutex
	peers map[peer.ID]PeerInfo
}

// NewPeerTable creates an empty table.
func NewPeerTable() *PeerTable {
	return &PeerTable{peers: make(map[peer.ID]PeerInfo)}
}

// UpsertIdentify records the latest identify payload for a peer, keeping
// any previously measured RTT.
func (t *PeerTable) UpsertIdentify(p peer.ID, info *IdentifyInfo) {
	t.mu.Lock()
	entry := t.peers[p]
	entry.Identify = info
	t.peers[p] = entry
	t.mu.Unlock()
}

// UpsertRTT records the latest round-trip time for a peer, keeping any
// previously observed identify payload.
func (t *PeerTable) UpsertRTT(p peer.ID, rtt time.Duration) {
	t.mu.Lock()
	entry := t.peers[p]
	entry.RTT = rtt
	t.peers[p] = entry
	t.mu.Unlock()
}

// Get copies out the entry for a peer.
func (t *PeerTable) Get(p peer.ID) (PeerInfo, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	entry, ok := t.peers[p]
	return entry, ok
}

// Len is the number of peers observed so far.
func (t *PeerTable) Len() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.peers)
}

// FirstSupporting returns some peer advertising the given protocol.
func (t *PeerTable) FirstSupporting(proto string) (peer.ID, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	for p, entry := range t.peers {
		if entry.SupportsProtocol(proto) {
			return p, true
		}
	}
	return "", false
}

// Snapshot copies the table for iteration outside the lock.
func (t *PeerTable) Snapshot() map[peer.ID]PeerInfo {
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := make(map[peer.ID]PeerInfo, len(t.peers))
	for p, entry := range t.peers {
		out[p] = entry
	}
	return out
}
