package filter

import (
	"net/netip"
	"testing"

	"github.com/route-beacon/rib-rebuilder/internal/bgp"
)

func mustParse(t *testing.T, expr string) *Filter {
	t.Helper()
	f, err := Parse(expr)
	if err != nil {
		t.Fatalf("Parse(%q): %v", expr, err)
	}
	return f
}

func rec(project, collector string, dt bgp.DumpType) *bgp.Record {
	return &bgp.Record{Project: project, Collector: collector, DumpType: dt}
}

func announce(pfxStr string, asns ...uint32) bgp.Elem {
	e := bgp.Elem{
		Type:    bgp.ElemTypeAnnouncement,
		PeerIP:  netip.MustParseAddr("192.0.2.1"),
		PeerASN: 64500,
		Prefix:  netip.MustParsePrefix(pfxStr).Masked(),
	}
	for _, a := range asns {
		e.ASPath.Segments = append(e.ASPath.Segments, bgp.Segment{ASN: a})
	}
	return e
}

func TestParseEmptyMatchesAll(t *testing.T) {
	f := mustParse(t, "")
	if !f.MatchRecord(rec("ris", "rrc00", bgp.DumpTypeRIB)) {
		t.Error("empty filter must match any record")
	}
	e := announce("10.0.0.0/24", 64500, 3)
	if !f.MatchElem(&e) {
		t.Error("empty filter must match any elem")
	}
}

func TestCollectorFilter(t *testing.T) {
	f := mustParse(t, "collector rrc00 rrc01")
	if !f.MatchRecord(rec("ris", "rrc00", bgp.DumpTypeUpdate)) {
		t.Error("rrc00 must match")
	}
	if !f.MatchRecord(rec("ris", "rrc01", bgp.DumpTypeUpdate)) {
		t.Error("rrc01 must match (values are OR'd)")
	}
	if f.MatchRecord(rec("ris", "rrc99", bgp.DumpTypeUpdate)) {
		t.Error("rrc99 must not match")
	}
}

func TestConjunction(t *testing.T) {
	f := mustParse(t, "project ris and type ribs")
	if !f.MatchRecord(rec("ris", "rrc00", bgp.DumpTypeRIB)) {
		t.Error("both terms match")
	}
	if f.MatchRecord(rec("ris", "rrc00", bgp.DumpTypeUpdate)) {
		t.Error("terms are AND'd")
	}
	if f.MatchRecord(rec("routeviews", "rv2", bgp.DumpTypeRIB)) {
		t.Error("terms are AND'd")
	}
}

func TestPeerASNFilter(t *testing.T) {
	f := mustParse(t, "peer 64500")
	e := announce("10.0.0.0/24", 64500, 3)
	if !f.MatchElem(&e) {
		t.Error("matching peer asn")
	}
	e.PeerASN = 64501
	if f.MatchElem(&e) {
		t.Error("non-matching peer asn")
	}
}

func TestPrefixFilters(t *testing.T) {
	tests := []struct {
		expr  string
		pfx   string
		match bool
	}{
		{"prefix exact 10.0.0.0/8", "10.0.0.0/8", true},
		{"prefix exact 10.0.0.0/8", "10.0.0.0/24", false},
		{"prefix more 10.0.0.0/8", "10.0.0.0/24", true},
		{"prefix more 10.0.0.0/8", "10.0.0.0/8", true},
		{"prefix more 10.0.0.0/8", "0.0.0.0/0", false},
		{"prefix less 10.0.0.0/8", "0.0.0.0/0", true},
		{"prefix less 10.0.0.0/8", "10.0.0.0/24", false},
		{"prefix any 10.0.0.0/8", "10.0.0.0/24", true},
		{"prefix any 10.0.0.0/8", "0.0.0.0/0", true},
		{"prefix any 10.0.0.0/8", "192.168.0.0/16", false},
		// no qualifier defaults to exact
		{"prefix 10.0.0.0/8", "10.0.0.0/8", true},
		{"prefix 10.0.0.0/8", "10.0.0.0/9", false},
	}
	for _, tt := range tests {
		f := mustParse(t, tt.expr)
		e := announce(tt.pfx, 64500, 3)
		if got := f.MatchElem(&e); got != tt.match {
			t.Errorf("%q against %s = %v, want %v", tt.expr, tt.pfx, got, tt.match)
		}
	}
}

func TestIPVersionFilter(t *testing.T) {
	f4 := mustParse(t, "ipversion 4")
	f6 := mustParse(t, "ipv 6")
	v4 := announce("10.0.0.0/24", 64500, 3)
	v6 := announce("2001:db8::/32", 64500, 3)

	if !f4.MatchElem(&v4) || f4.MatchElem(&v6) {
		t.Error("ipversion 4 must admit only v4")
	}
	if !f6.MatchElem(&v6) || f6.MatchElem(&v4) {
		t.Error("ipversion 6 must admit only v6")
	}
}

func TestASPathFilter(t *testing.T) {
	f := mustParse(t, `aspath "3356 .*"`)
	hit := announce("10.0.0.0/24", 3356, 1299)
	miss := announce("10.0.0.0/24", 174, 1299)
	if !f.MatchElem(&hit) {
		t.Error("path starting with 3356 must match")
	}
	if f.MatchElem(&miss) {
		t.Error("path starting with 174 must not match")
	}
}

func TestPeerStateSurvivesElemFilters(t *testing.T) {
	f := mustParse(t, "prefix more 10.0.0.0/8")
	ps := bgp.Elem{
		Type:    bgp.ElemTypePeerState,
		PeerIP:  netip.MustParseAddr("192.0.2.1"),
		PeerASN: 64500,
		NewState: bgp.FSMIdle,
	}
	if !f.MatchElem(&ps) {
		t.Error("peerstate elems bypass prefix filtering")
	}
}

func TestApplyDropsElems(t *testing.T) {
	f := mustParse(t, "prefix more 10.0.0.0/8")
	r := rec("ris", "rrc00", bgp.DumpTypeUpdate)
	e1 := announce("10.1.0.0/16", 64500, 3)
	e2 := announce("192.168.0.0/16", 64500, 3)
	r.Elems = []bgp.Elem{e1, e2}

	got := f.Apply(r)
	if got == nil {
		t.Fatal("record itself must survive")
	}
	if len(got.Elems) != 1 {
		t.Fatalf("elems = %d, want 1", len(got.Elems))
	}
	if got.Elems[0].Prefix != e1.Prefix {
		t.Error("wrong element kept")
	}
}

func TestApplyDropsRecord(t *testing.T) {
	f := mustParse(t, "collector rrc00")
	if f.Apply(rec("ris", "rrc99", bgp.DumpTypeUpdate)) != nil {
		t.Error("record from another collector must be dropped")
	}
}

func TestParseErrors(t *testing.T) {
	for _, expr := range []string{
		"bogusterm x",
		"collector",            // dangling term
		"peer notanumber",
		"prefix exact notapfx",
		"type frobs",
		"ipversion 5",
		"collector rrc00 or collector rrc01", // 'or' is not a conjunction
		`aspath "unterminated`,
		"community 65000:100", // unsupported in this feed
	} {
		if _, err := Parse(expr); err == nil {
			t.Errorf("Parse(%q) succeeded, want error", expr)
		}
	}
}
