// Package peersig interns (collector, peer IP, peer ASN) triples into
// compact peer IDs. IDs are non-zero and stable for the life of the
// map, so they can be used as dense keys by the view and the engine.
package peersig

import (
	"fmt"
	"net/netip"
	"sync"
)

// PeerID identifies one BGP session. Zero is never a valid ID.
type PeerID uint32

// Signature is the identity of a BGP session as seen by a collector.
type Signature struct {
	Collector string
	PeerIP    netip.Addr
	PeerASN   uint32
}

func (s Signature) String() string {
	return fmt.Sprintf("%s/%s/AS%d", s.Collector, s.PeerIP, s.PeerASN)
}

// Map interns peer signatures. It is safe for concurrent use; lookups
// are read-mostly so a single map may be shared across engines.
type Map struct {
	mu    sync.RWMutex
	ids   map[Signature]PeerID
	sigs  []Signature // index = PeerID - 1
}

// NewMap creates an empty signature map.
func NewMap() *Map {
	return &Map{ids: make(map[Signature]PeerID)}
}

// GetOrIntern returns the ID for a signature, allocating one on first
// sight.
func (m *Map) GetOrIntern(collector string, ip netip.Addr, asn uint32) PeerID {
	sig := Signature{Collector: collector, PeerIP: ip, PeerASN: asn}

	m.mu.RLock()
	id, ok := m.ids[sig]
	m.mu.RUnlock()
	if ok {
		return id
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if id, ok = m.ids[sig]; ok {
		return id
	}
	m.sigs = append(m.sigs, sig)
	id = PeerID(len(m.sigs))
	m.ids[sig] = id
	return id
}

// Signature returns the signature behind an ID. Reports false for IDs
// that were never allocated.
func (m *Map) Signature(id PeerID) (Signature, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if id == 0 || int(id) > len(m.sigs) {
		return Signature{}, false
	}
	return m.sigs[id-1], true
}

// Len returns the number of interned signatures.
func (m *Map) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.sigs)
}
