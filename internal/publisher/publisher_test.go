package publisher

import (
	"net/netip"
	"testing"

	"github.com/route-beacon/rib-rebuilder/internal/peersig"
	"github.com/route-beacon/rib-rebuilder/internal/view"
)

func TestBuildPayloads(t *testing.T) {
	sigs := peersig.NewMap()
	v := view.New(sigs, nil, nil, nil)
	v.SetTime(1234)

	p1 := v.AddPeer("rrc00", netip.MustParseAddr("192.0.2.1"), 64500)
	p1.Activate()
	p2 := v.AddPeer("rrc01", netip.MustParseAddr("192.0.2.2"), 64501)
	p2.Activate()
	small := v.AddPeer("rrc00", netip.MustParseAddr("192.0.2.3"), 64502)
	small.Activate()

	for _, s := range []string{"10.0.0.0/24", "10.1.0.0/24"} {
		pp, _ := v.AddPfxPeer(netip.MustParsePrefix(s), p1, 3)
		pp.SetOriginASN(3)
	}
	v.AddPfxPeer(netip.MustParsePrefix("2001:db8::/32"), p2, 5)
	v.AddPfxPeer(netip.MustParsePrefix("10.9.0.0/16"), small, 7)

	// admit only peers with at least two active cells
	admit := func(p *view.Peer) bool {
		return p.PfxCount(4, view.Active)+p.PfxCount(6, view.Active) >= 2
	}

	payloads := BuildPayloads(v, sigs, admit)
	if len(payloads) != 1 {
		t.Fatalf("payloads = %d, want 1 (only rrc00/p1 admitted)", len(payloads))
	}
	cv := payloads[0]
	if cv.Collector != "rrc00" {
		t.Errorf("collector = %s, want rrc00", cv.Collector)
	}
	if cv.Time != 1234 {
		t.Errorf("time = %d, want 1234", cv.Time)
	}
	if len(cv.Peers) != 1 {
		t.Fatalf("peers = %d, want 1", len(cv.Peers))
	}
	pt := cv.Peers[0]
	if pt.PeerASN != 64500 || pt.PeerIP != "192.0.2.1" {
		t.Errorf("peer = %+v", pt)
	}
	if pt.V4PfxCount != 2 {
		t.Errorf("v4 count = %d, want 2", pt.V4PfxCount)
	}
	if len(pt.Entries) != 2 {
		t.Fatalf("entries = %d, want 2", len(pt.Entries))
	}
	for _, e := range pt.Entries {
		if e.OriginASN != 3 {
			t.Errorf("entry %s origin = %d, want 3", e.Prefix, e.OriginASN)
		}
	}
}

func TestBuildPayloadsSkipsInactiveCells(t *testing.T) {
	sigs := peersig.NewMap()
	v := view.New(sigs, nil, nil, nil)

	p := v.AddPeer("rrc00", netip.MustParseAddr("192.0.2.1"), 64500)
	p.Activate()
	pp, _ := v.AddPfxPeer(netip.MustParsePrefix("10.0.0.0/24"), p, 3)
	pp.Deactivate()

	payloads := BuildPayloads(v, sigs, func(*view.Peer) bool { return true })
	if len(payloads) != 1 {
		t.Fatalf("payloads = %d, want 1", len(payloads))
	}
	if len(payloads[0].Peers[0].Entries) != 0 {
		t.Error("inactive cells must not be published")
	}
}

func TestBuildPayloadsEmptyView(t *testing.T) {
	sigs := peersig.NewMap()
	v := view.New(sigs, nil, nil, nil)
	if got := BuildPayloads(v, sigs, func(*view.Peer) bool { return true }); len(got) != 0 {
		t.Errorf("payloads = %d, want 0", len(got))
	}
}
