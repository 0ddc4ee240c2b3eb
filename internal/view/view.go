// Package view maintains a two-level index over the reconstructed
// routing table: peer ID to peer cell, and (prefix, peer ID) to
// pfx-peer cell. The prefix side is held in a Patricia tree whose node
// payloads are per-prefix peer maps. Cells are tagged active or
// inactive; iteration is filtered by a state bitmask and visits each
// matching cell exactly once.
package view

import (
	"iter"
	"net/netip"

	"github.com/route-beacon/rib-rebuilder/internal/patricia"
	"github.com/route-beacon/rib-rebuilder/internal/peersig"
)

// StateFilter selects cells by their activation state.
type StateFilter uint8

const (
	Active   StateFilter = 1 << 0
	Inactive StateFilter = 1 << 1
	AllValid             = Active | Inactive
)

func (f StateFilter) matches(active bool) bool {
	if active {
		return f&Active != 0
	}
	return f&Inactive != 0
}

// DestroyUserFunc releases an opaque user payload.
type DestroyUserFunc func(user any)

// Peer is one peer cell. All mutation goes through methods so the
// view's per-peer prefix counters stay consistent.
type Peer struct {
	view   *View
	id     peersig.PeerID
	active bool
	user   any
	// active/inactive pfx-peer cell counts, per family
	cnt [2][2]uint64
}

func familyIdx(f patricia.Family) int {
	if f == patricia.IPv4 {
		return 0
	}
	return 1
}

func stateIdx(active bool) int {
	if active {
		return 0
	}
	return 1
}

// ID returns the peer's interned ID.
func (p *Peer) ID() peersig.PeerID { return p.id }

// Active reports whether the peer cell is active.
func (p *Peer) Active() bool { return p.active }

// Activate marks the peer cell active.
func (p *Peer) Activate() { p.active = true }

// Deactivate marks the peer cell inactive.
func (p *Peer) Deactivate() { p.active = false }

// User returns the peer's opaque payload.
func (p *Peer) User() any { return p.user }

// SetUser attaches a payload, destroying any previous one.
func (p *Peer) SetUser(user any) {
	if p.user != nil && p.view.destroyPeerUser != nil && p.user != user {
		p.view.destroyPeerUser(p.user)
	}
	p.user = user
}

// PfxCount returns the number of this peer's pfx-peer cells in the
// given family matching the state filter.
func (p *Peer) PfxCount(f patricia.Family, filter StateFilter) uint64 {
	var n uint64
	if filter&Active != 0 {
		n += p.cnt[familyIdx(f)][0]
	}
	if filter&Inactive != 0 {
		n += p.cnt[familyIdx(f)][1]
	}
	return n
}

// PfxPeer is one (prefix, peer) cell.
type PfxPeer struct {
	peer      *Peer
	pfx       netip.Prefix
	active    bool
	originASN uint32
	user      any
}

// Peer returns the owning peer cell.
func (pp *PfxPeer) Peer() *Peer { return pp.peer }

// Prefix returns the cell's prefix.
func (pp *PfxPeer) Prefix() netip.Prefix { return pp.pfx }

// Active reports whether the cell is active.
func (pp *PfxPeer) Active() bool { return pp.active }

// Activate marks the cell active, updating the peer's counters.
func (pp *PfxPeer) Activate() {
	if pp.active {
		return
	}
	pp.active = true
	fi := familyIdx(patricia.FamilyOf(pp.pfx))
	pp.peer.cnt[fi][1]--
	pp.peer.cnt[fi][0]++
}

// Deactivate marks the cell inactive, updating the peer's counters.
func (pp *PfxPeer) Deactivate() {
	if !pp.active {
		return
	}
	pp.active = false
	fi := familyIdx(patricia.FamilyOf(pp.pfx))
	pp.peer.cnt[fi][0]--
	pp.peer.cnt[fi][1]++
}

// OriginASN returns the cell's current origin ASN.
func (pp *PfxPeer) OriginASN() uint32 { return pp.originASN }

// SetOriginASN replaces the cell's origin ASN.
func (pp *PfxPeer) SetOriginASN(asn uint32) { pp.originASN = asn }

// User returns the cell's opaque payload.
func (pp *PfxPeer) User() any { return pp.user }

// SetUser attaches a payload to the cell.
func (pp *PfxPeer) SetUser(user any) {
	v := pp.peer.view
	if pp.user != nil && v.destroyPfxPeerUser != nil && pp.user != user {
		v.destroyPfxPeerUser(pp.user)
	}
	pp.user = user
}

// pfxEntry is the trie node payload: every peer cell of one prefix.
type pfxEntry struct {
	peers map[peersig.PeerID]*PfxPeer
}

// View is the reconstructed routing table index.
type View struct {
	peersigs *peersig.Map
	tree     *patricia.Tree
	peers    map[peersig.PeerID]*Peer
	time     uint32
	user     any

	destroyViewUser    DestroyUserFunc
	destroyPeerUser    DestroyUserFunc
	destroyPfxPeerUser DestroyUserFunc
}

// New creates an empty view sharing the given peer-signature map. Any
// of the destructors may be nil.
func New(peersigs *peersig.Map, destroyViewUser, destroyPeerUser, destroyPfxPeerUser DestroyUserFunc) *View {
	v := &View{
		peersigs:           peersigs,
		peers:              make(map[peersig.PeerID]*Peer),
		destroyViewUser:    destroyViewUser,
		destroyPeerUser:    destroyPeerUser,
		destroyPfxPeerUser: destroyPfxPeerUser,
	}
	v.tree = patricia.NewTree(func(user any) {
		entry := user.(*pfxEntry)
		for _, pp := range entry.peers {
			if pp.user != nil && v.destroyPfxPeerUser != nil {
				v.destroyPfxPeerUser(pp.user)
			}
		}
	})
	return v
}

// SetTime sets the view's nominal time.
func (v *View) SetTime(t uint32) { v.time = t }

// Time returns the view's nominal time.
func (v *View) Time() uint32 { return v.time }

// User returns the view-level payload.
func (v *View) User() any { return v.user }

// SetUser attaches a view-level payload.
func (v *View) SetUser(user any) {
	if v.user != nil && v.destroyViewUser != nil && v.user != user {
		v.destroyViewUser(v.user)
	}
	v.user = user
}

// AddPeer interns the signature and returns the peer cell, creating an
// inactive one on first sight.
func (v *View) AddPeer(collector string, ip netip.Addr, asn uint32) *Peer {
	id := v.peersigs.GetOrIntern(collector, ip, asn)
	if p, ok := v.peers[id]; ok {
		return p
	}
	p := &Peer{view: v, id: id}
	v.peers[id] = p
	return p
}

// Peer returns the cell for an ID, or nil if the peer was never added.
func (v *View) Peer(id peersig.PeerID) *Peer {
	return v.peers[id]
}

// PeerCount returns the number of peer cells matching the filter.
func (v *View) PeerCount(filter StateFilter) int {
	n := 0
	for _, p := range v.peers {
		if filter.matches(p.active) {
			n++
		}
	}
	return n
}

// SeekPfxPeer returns the (pfx, peer) cell or nil.
func (v *View) SeekPfxPeer(pfx netip.Prefix, p *Peer) *PfxPeer {
	node := v.tree.SearchExact(pfx)
	if node == nil {
		return nil
	}
	entry, ok := node.User().(*pfxEntry)
	if !ok {
		return nil
	}
	return entry.peers[p.id]
}

// AddPfxPeer returns the (pfx, peer) cell, creating it if needed.
// A created cell starts active with the given origin ASN; created
// reports whether this call made it.
func (v *View) AddPfxPeer(pfx netip.Prefix, p *Peer, originASN uint32) (pp *PfxPeer, created bool) {
	pfx = pfx.Masked()
	node := v.tree.Insert(pfx)
	entry, ok := node.User().(*pfxEntry)
	if !ok {
		entry = &pfxEntry{peers: make(map[peersig.PeerID]*PfxPeer)}
		v.tree.SetUser(node, entry)
	}
	if pp = entry.peers[p.id]; pp != nil {
		return pp, false
	}
	pp = &PfxPeer{peer: p, pfx: pfx, active: true, originASN: originASN}
	entry.peers[p.id] = pp
	p.cnt[familyIdx(patricia.FamilyOf(pfx))][0]++
	return pp, true
}

// Peers yields every peer cell matching the filter.
func (v *View) Peers(filter StateFilter) iter.Seq[*Peer] {
	return func(yield func(*Peer) bool) {
		for _, p := range v.peers {
			if filter.matches(p.active) && !yield(p) {
				return
			}
		}
	}
}

// PfxPeers yields every (prefix, peer) cell whose state matches
// cellFilter, for both families.
func (v *View) PfxPeers(cellFilter StateFilter) iter.Seq[*PfxPeer] {
	return func(yield func(*PfxPeer) bool) {
		for _, f := range []patricia.Family{patricia.IPv4, patricia.IPv6} {
			for node := range v.tree.All(f) {
				entry, ok := node.User().(*pfxEntry)
				if !ok {
					continue
				}
				for _, pp := range entry.peers {
					if cellFilter.matches(pp.active) && !yield(pp) {
						return
					}
				}
			}
		}
	}
}

// PfxPeersOf yields every cell belonging to one peer.
func (v *View) PfxPeersOf(p *Peer, cellFilter StateFilter) iter.Seq[*PfxPeer] {
	return func(yield func(*PfxPeer) bool) {
		for pp := range v.PfxPeers(cellFilter) {
			if pp.peer == p && !yield(pp) {
				return
			}
		}
	}
}

// PfxCount returns the number of distinct prefixes of a family with at
// least one cell matching the filter.
func (v *View) PfxCount(f patricia.Family, filter StateFilter) uint64 {
	var n uint64
	for node := range v.tree.All(f) {
		entry, ok := node.User().(*pfxEntry)
		if !ok {
			continue
		}
		for _, pp := range entry.peers {
			if filter.matches(pp.active) {
				n++
				break
			}
		}
	}
	return n
}

// Clear drops every cell and payload, running the registered
// destructors. The peer-signature map is untouched.
func (v *View) Clear() {
	v.tree.Clear()
	for _, p := range v.peers {
		if p.user != nil && v.destroyPeerUser != nil {
			v.destroyPeerUser(p.user)
		}
	}
	v.peers = make(map[peersig.PeerID]*Peer)
	if v.user != nil && v.destroyViewUser != nil {
		v.destroyViewUser(v.user)
	}
	v.user = nil
	v.time = 0
}
