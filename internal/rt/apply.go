package rt

import (
	"fmt"
	"net/netip"

	"github.com/route-beacon/rib-rebuilder/internal/bgp"
	"github.com/route-beacon/rib-rebuilder/internal/patricia"
	"github.com/route-beacon/rib-rebuilder/internal/peersig"
	"github.com/route-beacon/rib-rebuilder/internal/timeseries"
	"github.com/route-beacon/rib-rebuilder/internal/view"
	"go.uber.org/zap"
)

const (
	v4Family = patricia.IPv4
	v6Family = patricia.IPv6
)

// originASN translates a path's origin segment: a numeric ASN maps to
// itself, a SET/CONFED segment to the ConfSet sentinel, and an empty
// path or zero ASN to the Local sentinel.
func originASN(path bgp.ASPath) uint32 {
	seg, ok := path.Origin()
	if !ok {
		return LocalOriginASN
	}
	if seg.Set {
		return ConfSetOriginASN
	}
	if seg.ASN == 0 {
		return LocalOriginASN
	}
	return seg.ASN
}

// peerInfo returns the engine bookkeeping of a peer cell, creating it
// on first reference.
func (rt *RoutingTables) peerInfo(c *collector, p *view.Peer) *perPeer {
	if pi, ok := p.User().(*perPeer); ok {
		return pi
	}
	pi := &perPeer{
		collectorStr:   c.str,
		fsm:            bgp.FSMUnknown,
		announcingASNs: make(map[uint32]struct{}),
		announcedV4:    make(map[netip.Prefix]struct{}),
		withdrawnV4:    make(map[netip.Prefix]struct{}),
		announcedV6:    make(map[netip.Prefix]struct{}),
		withdrawnV6:    make(map[netip.Prefix]struct{}),
	}
	if sig, ok := rt.peersigs.Signature(p.ID()); ok {
		v := 4
		if sig.PeerIP.Is6() {
			v = 6
		}
		pi.peerStr = fmt.Sprintf("peer_asn.%d.ipv%d_peer.__IP_%s",
			sig.PeerASN, v, timeseries.GraphiteSafe(sig.PeerIP.String()))
	}
	p.SetUser(pi)
	return pi
}

// pfxPeerInfo returns the cell bookkeeping, creating it on first
// reference.
func pfxPeerInfo(pp *view.PfxPeer) *perPfxPeer {
	if ppi, ok := pp.User().(*perPfxPeer); ok {
		return ppi
	}
	ppi := newPerPfxPeer()
	pp.SetUser(ppi)
	return ppi
}

// processValid handles a valid record: RIB construction bookkeeping,
// then per-element dispatch.
func (rt *RoutingTables) processValid(c *collector, r *bgp.Record) error {
	if r.DumpType == bgp.DumpTypeRIB {
		if r.DumpPos == bgp.DumpPosStart {
			// a START while another construction is running means the
			// previous dump never completed; drop its partial state
			if c.ucRIBDumpTime != 0 {
				rt.stopUC(c)
			}
			c.ucRIBDumpTime = r.DumpTime
			c.ucRIBStartTime = r.RecordTime
		}
		// RIB records are only applied while they belong to the dump
		// currently under construction
		if r.DumpTime != c.ucRIBDumpTime {
			return nil
		}
	}

	for i := range r.Elems {
		elem := &r.Elems[i]

		if elem.Type == bgp.ElemTypeRIB || elem.Type == bgp.ElemTypeAnnouncement {
			// prefixes announced locally by the collector itself
			// carry no AS path and are not tracked
			if elem.ASPath.Len() == 0 {
				continue
			}
			// reachability learned through a route server does not
			// prepend the peer ASN; skip it to avoid keeping state
			// for sessions the peer does not actually serve
			if first, ok := elem.ASPath.First(); ok &&
				!first.Set && first.ASN != elem.PeerASN {
				continue
			}
		}

		p := rt.view.AddPeer(r.Collector, elem.PeerIP, elem.PeerASN)
		pi := rt.peerInfo(c, p)
		pi.lastTS = r.RecordTime
		c.peerIDs[p.ID()] = struct{}{}

		switch elem.Type {
		case bgp.ElemTypeAnnouncement, bgp.ElemTypeWithdrawal:
			if err := rt.applyPrefixUpdate(c, p, pi, elem, r.RecordTime); err != nil {
				return err
			}
		case bgp.ElemTypePeerState:
			rt.applyStateUpdate(p, pi, elem.NewState, r.RecordTime)
		case bgp.ElemTypeRIB:
			if err := rt.applyRIBMessage(p, pi, elem, r.RecordTime); err != nil {
				return err
			}
		default:
			return fmt.Errorf("rt: valid record with unknown elem type %d", elem.Type)
		}
	}

	if r.DumpType == bgp.DumpTypeRIB && r.DumpPos == bgp.DumpPosEnd {
		rt.endOfValidRIB(c)
	}
	return nil
}

// updatePeerStats records the per-interval observation sets.
func updatePeerStats(pi *perPeer, elem *bgp.Elem, asn uint32) {
	v4 := elem.Prefix.Addr().Is4()
	if elem.Type == bgp.ElemTypeAnnouncement {
		pi.announcingASNs[asn] = struct{}{}
		if v4 {
			pi.announcedV4[elem.Prefix] = struct{}{}
		} else {
			pi.announcedV6[elem.Prefix] = struct{}{}
		}
		return
	}
	if v4 {
		pi.withdrawnV4[elem.Prefix] = struct{}{}
	} else {
		pi.withdrawnV6[elem.Prefix] = struct{}{}
	}
}

// applyPrefixUpdate applies one announcement or withdrawal to its
// (pfx, peer) cell.
func (rt *RoutingTables) applyPrefixUpdate(c *collector, p *view.Peer, pi *perPeer,
	elem *bgp.Elem, ts uint32) error {

	var asn uint32
	if elem.Type == bgp.ElemTypeAnnouncement {
		asn = originASN(elem.ASPath)
		pi.pfxAnnouncements++
	} else {
		asn = DownOriginASN
		pi.pfxWithdrawals++
	}
	updatePeerStats(pi, elem, asn)

	pp := rt.view.SeekPfxPeer(elem.Prefix, p)
	if pp == nil {
		var created bool
		pp, created = rt.view.AddPfxPeer(elem.Prefix, p, asn)
		if pp == nil {
			return fmt.Errorf("rt: add pfx-peer %s failed", elem.Prefix)
		}
		if created {
			// a cell always starts its life inactive
			pp.Deactivate()
		}
	}
	ppi := pfxPeerInfo(pp)

	if ts < ppi.lastTS {
		// the update is older than the state already held; counted
		// above, but it must not regress the cell
		return nil
	}

	ppi.lastTS = ts
	pp.SetOriginASN(asn)
	if elem.Type == bgp.ElemTypeAnnouncement {
		ppi.announcements++
	} else {
		ppi.withdrawals++
	}

	if p.Active() {
		if !pp.Active() && elem.Type == bgp.ElemTypeAnnouncement {
			pp.Activate()
		} else if pp.Active() && elem.Type == bgp.ElemTypeWithdrawal {
			pp.Deactivate()
		}
		return nil
	}

	// the peer is inactive, so all of its cells are inactive
	if pi.fsm == bgp.FSMUnknown {
		if pi.ucRIBStart != 0 {
			// a RIB construction is running: keep the info in the
			// cell, promotion will reconcile it
			return nil
		}
		// no construction running: nothing confirms this peer exists
		// yet, so roll the update back entirely
		ppi.lastTS = 0
		pp.SetOriginASN(DownOriginASN)
		if elem.Type == bgp.ElemTypeAnnouncement {
			ppi.announcements--
		} else {
			ppi.withdrawals--
		}
		return nil
	}

	// the peer went down earlier and now talks again: treat the
	// update as an implicit session re-establishment
	p.Activate()
	pi.fsm = bgp.FSMEstablished
	pi.refRIBStart = ts
	pi.refRIBEnd = ts
	if elem.Type == bgp.ElemTypeAnnouncement {
		pp.Activate()
	}
	return nil
}

// applyStateUpdate applies a peer FSM transition.
func (rt *RoutingTables) applyStateUpdate(p *view.Peer, pi *perPeer,
	newState bgp.FSMState, ts uint32) {

	pi.stateMessages++

	switch {
	case pi.fsm == bgp.FSMEstablished && newState != bgp.FSMEstablished:
		// session went down
		pi.fsm = newState
		pi.refRIBStart = ts
		pi.refRIBEnd = ts
		resetUC := false
		if ts >= pi.ucRIBStart {
			resetUC = true
			pi.ucRIBStart = 0
			pi.ucRIBEnd = 0
		}
		rt.resetPeerPfxData(p, resetUC)
		p.Deactivate()

	case pi.fsm != bgp.FSMEstablished && newState == bgp.FSMEstablished:
		// session came up
		pi.fsm = newState
		pi.refRIBStart = ts
		pi.refRIBEnd = ts
		p.Activate()

	case pi.fsm != newState:
		// same active/inactive class, only the label changes
		pi.fsm = newState
	}
}

// applyRIBMessage folds one RIB element into the peer's
// under-construction state.
func (rt *RoutingTables) applyRIBMessage(p *view.Peer, pi *perPeer,
	elem *bgp.Elem, ts uint32) error {

	if pi.ucRIBStart == 0 {
		// first rib message for this peer
		pi.ucRIBStart = ts
	}
	pi.ucRIBEnd = ts
	pi.ribMessages++

	pp := rt.view.SeekPfxPeer(elem.Prefix, p)
	if pp == nil {
		var created bool
		pp, created = rt.view.AddPfxPeer(elem.Prefix, p, DownOriginASN)
		if pp == nil {
			return fmt.Errorf("rt: add pfx-peer %s failed", elem.Prefix)
		}
		if created {
			pp.Deactivate()
		}
	}
	ppi := pfxPeerInfo(pp)

	// only the uc side of the cell moves; the live side is settled at
	// promotion time
	ppi.ucDeltaTS = ts - pi.ucRIBStart
	ppi.ucOriginASN = originASN(elem.ASPath)
	return nil
}

// resetPeerPfxData clears the live state of every cell of one peer.
// This is the peer-down path.
func (rt *RoutingTables) resetPeerPfxData(p *view.Peer, resetUC bool) {
	for pp := range rt.view.PfxPeersOf(p, view.AllValid) {
		pp.SetOriginASN(DownOriginASN)
		ppi := pfxPeerInfo(pp)
		ppi.lastTS = 0
		if resetUC {
			ppi.ucDeltaTS = 0
			ppi.ucOriginASN = DownOriginASN
		}
		pp.Deactivate()
	}
}

// stopUC aborts the collector's RIB construction, discarding partial
// snapshot state. Cells of inactive peers also lose their live
// timestamps: nothing vouches for them anymore.
func (rt *RoutingTables) stopUC(c *collector) {
	for pp := range rt.view.PfxPeers(view.AllValid) {
		if _, ok := c.peerIDs[pp.Peer().ID()]; !ok {
			continue
		}
		ppi := pfxPeerInfo(pp)
		ppi.ucDeltaTS = 0
		ppi.ucOriginASN = DownOriginASN
		if !pp.Peer().Active() {
			pp.SetOriginASN(DownOriginASN)
			ppi.lastTS = 0
		}
	}

	for p := range rt.view.Peers(view.AllValid) {
		if _, ok := c.peerIDs[p.ID()]; !ok {
			continue
		}
		if pi, ok := p.User().(*perPeer); ok {
			pi.ucRIBStart = 0
			pi.ucRIBEnd = 0
		}
	}

	c.ucRIBDumpTime = 0
	c.ucRIBStartTime = 0
}

// endOfValidRIB promotes the completed under-construction RIB: every
// cell is settled by comparing the snapshot against the live stream,
// within the backlog tolerance.
func (rt *RoutingTables) endOfValidRIB(c *collector) {
	for pp := range rt.view.PfxPeers(view.AllValid) {
		p := pp.Peer()
		if _, ok := c.peerIDs[p.ID()]; !ok {
			continue
		}
		pi, ok := p.User().(*perPeer)
		if !ok || pi.ucRIBStart == 0 {
			continue
		}
		ppi := pfxPeerInfo(pp)
		ucTS := ppi.ucDeltaTS + pi.ucRIBStart

		// The snapshot wins when it is newer than the live state and
		// the live state did not land inside the backlog window just
		// before the dump started (those updates were still queued
		// behind the dumper and outrank the snapshot).
		if ucTS > ppi.lastTS &&
			!(int64(ppi.lastTS) > int64(pi.ucRIBStart)-ribBacklogWindow) {
			if ppi.ucOriginASN != DownOriginASN {
				if ppi.lastTS != 0 && pp.OriginASN() == DownOriginASN {
					// live state had it withdrawn, snapshot has it
					// reachable: a missed announcement
					pi.ribNegativeMismatches++
					rt.logger.Warn("missed announcement",
						zap.Stringer("prefix", pp.Prefix()),
						zap.String("peer", pi.peerStr),
						zap.Uint32("last_state", ppi.lastTS),
						zap.Uint32("rib", ucTS),
					)
				}
				ppi.lastTS = ucTS
				pp.SetOriginASN(ppi.ucOriginASN)
				p.Activate()
				pi.fsm = bgp.FSMEstablished
				pi.refRIBStart = pi.ucRIBStart
				pi.refRIBEnd = pi.ucRIBEnd
				pp.Activate()
			} else {
				if pp.Active() {
					// live state had it reachable, snapshot does
					// not: a missed withdrawal
					pi.ribPositiveMismatches++
					rt.logger.Warn("missed withdrawal",
						zap.Stringer("prefix", pp.Prefix()),
						zap.String("peer", pi.peerStr),
						zap.Uint32("last_state", ppi.lastTS),
						zap.Uint32("rib", ucTS),
					)
				}
				ppi.lastTS = 0
				pp.SetOriginASN(DownOriginASN)
				pp.Deactivate()
			}
		} else {
			// live state outranks the snapshot; an announced cell
			// still confirms the peer session
			if pp.OriginASN() != DownOriginASN {
				p.Activate()
				pi.fsm = bgp.FSMEstablished
				pi.refRIBStart = pi.ucRIBStart
				pi.refRIBEnd = pi.ucRIBEnd
				pp.Activate()
			}
		}

		ppi.ucDeltaTS = 0
		ppi.ucOriginASN = DownOriginASN
	}

	// Peers absent from this RIB that have been silent for too long
	// went down between dumps without a state message.
	for p := range rt.view.Peers(view.AllValid) {
		if _, ok := c.peerIDs[p.ID()]; !ok {
			continue
		}
		pi, ok := p.User().(*perPeer)
		if !ok {
			continue
		}
		if pi.ucRIBStart == 0 &&
			int64(pi.lastTS) < int64(c.bgpTimeLast)-maxInactiveTime {
			if pi.fsm == bgp.FSMEstablished {
				pi.fsm = bgp.FSMUnknown
				rt.resetPeerPfxData(p, false)
				p.Deactivate()
			}
		} else {
			pi.ucRIBStart = 0
			pi.ucRIBEnd = 0
		}
	}

	c.publish = true

	c.refRIBDumpTime = c.ucRIBDumpTime
	c.refRIBStartTime = c.ucRIBStartTime
	c.ucRIBDumpTime = 0
	c.ucRIBStartTime = 0
}

// processCorrupted reacts to a corrupted record: every peer whose
// reference or under-construction window covers the record time can no
// longer be trusted past it.
func (rt *RoutingTables) processCorrupted(c *collector, r *bgp.Record) {
	corAffected := make(map[peersig.PeerID]struct{})
	corUCAffected := make(map[peersig.PeerID]struct{})

	for id := range c.peerIDs {
		p := rt.view.Peer(id)
		if p == nil {
			continue
		}
		pi, ok := p.User().(*perPeer)
		if !ok {
			continue
		}
		if pi.refRIBStart != 0 && r.RecordTime >= pi.refRIBStart {
			corAffected[id] = struct{}{}
		}
		if pi.ucRIBStart != 0 && r.RecordTime >= pi.ucRIBStart {
			corUCAffected[id] = struct{}{}
		}
	}

	// The uc construction may be hit without the active state being
	// hit, so the two sides of each cell are handled independently.
	for pp := range rt.view.PfxPeers(view.AllValid) {
		id := pp.Peer().ID()
		ppi := pfxPeerInfo(pp)

		if _, ok := corAffected[id]; ok {
			if ppi.lastTS != 0 && ppi.lastTS <= r.RecordTime {
				ppi.lastTS = 0
				pp.SetOriginASN(DownOriginASN)
				pp.Deactivate()
			}
		}
		if _, ok := corUCAffected[id]; ok {
			ppi.ucDeltaTS = 0
			ppi.ucOriginASN = DownOriginASN
		}
	}

	for p := range rt.view.Peers(view.AllValid) {
		pi, ok := p.User().(*perPeer)
		if !ok {
			continue
		}
		if _, ok := corAffected[p.ID()]; ok {
			pi.fsm = bgp.FSMUnknown
			pi.refRIBStart = 0
			pi.refRIBEnd = 0
			p.Deactivate()
		}
		if _, ok := corUCAffected[p.ID()]; ok {
			pi.ucRIBStart = 0
			pi.ucRIBEnd = 0
		}
	}
}
