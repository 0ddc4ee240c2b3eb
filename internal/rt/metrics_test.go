package rt

import (
	"strings"
	"testing"
	"time"

	"github.com/route-beacon/rib-rebuilder/internal/timeseries"
	"github.com/route-beacon/rib-rebuilder/internal/view"
)

type captureSink struct {
	points []timeseries.Point
}

func (s *captureSink) Write(points []timeseries.Point) error {
	s.points = append(s.points, points...)
	return nil
}

func (s *captureSink) value(t *testing.T, suffix string) uint64 {
	t.Helper()
	for _, p := range s.points {
		if strings.HasSuffix(p.Key, suffix) {
			return p.Value
		}
	}
	t.Fatalf("no point with suffix %s", suffix)
	return 0
}

func TestIntervalMetricsDump(t *testing.T) {
	sink := &captureSink{}
	rt := New(Options{MetricSink: sink, MetricPrefix: "test.rt"})
	rt.now = func() time.Time { return time.Unix(1000000, 0) }

	rt.IntervalStart(100)
	feedRIB(t, rt, 100, 100, ribElem(testPfx, 1, 2, 3))
	process(t, rt, updateRecord(200, announceElem(testPfx, 1, 2, 9)))
	if err := rt.IntervalEnd(300); err != nil {
		t.Fatalf("IntervalEnd: %v", err)
	}

	if len(sink.points) == 0 {
		t.Fatal("no metrics flushed")
	}
	for _, p := range sink.points {
		if !strings.HasPrefix(p.Key, "test.rt.") {
			t.Errorf("key %q missing metric prefix", p.Key)
		}
		if strings.ContainsAny(strings.TrimPrefix(p.Key, "test.rt."), "*") {
			t.Errorf("key %q not graphite safe", p.Key)
		}
	}

	if got := sink.value(t, "valid_record_cnt"); got != 3 {
		t.Errorf("valid_record_cnt = %d, want 3", got)
	}
	if got := sink.value(t, "active_peers_cnt"); got != 1 {
		t.Errorf("active_peers_cnt = %d, want 1", got)
	}
	if got := sink.value(t, "collector_state"); got != uint64(CollectorUp) {
		t.Errorf("collector_state = %d, want up", got)
	}
	if got := sink.value(t, "announcements_cnt"); got != 1 {
		t.Errorf("announcements_cnt = %d, want 1", got)
	}
	if got := sink.value(t, "rib_messages_cnt"); got != 1 {
		t.Errorf("rib_messages_cnt = %d, want 1", got)
	}
	if got := sink.value(t, "announcing_asns_cnt"); got != 1 {
		t.Errorf("announcing_asns_cnt = %d, want 1", got)
	}
	if got := sink.value(t, "active_asns_cnt"); got != 1 {
		t.Errorf("active_asns_cnt = %d, want 1", got)
	}

	// the dump resets per-interval state
	c := rt.collectors["rrc-test"]
	if c.validRecordCnt != 0 {
		t.Errorf("valid count not reset: %d", c.validRecordCnt)
	}
	_, pi := peerOf(rt)
	if pi.pfxAnnouncements != 0 || len(pi.announcingASNs) != 0 {
		t.Error("peer interval counters not reset")
	}

	// second interval flushes the reset values
	sink.points = nil
	rt.IntervalStart(300)
	if err := rt.IntervalEnd(600); err != nil {
		t.Fatalf("IntervalEnd: %v", err)
	}
	if got := sink.value(t, "valid_record_cnt"); got != 0 {
		t.Errorf("second interval valid_record_cnt = %d, want 0", got)
	}
}

type capturePublisher struct {
	published int
	admitted  int
}

func (p *capturePublisher) PublishView(v *view.View, admit func(peer *view.Peer) bool) error {
	p.published++
	for peer := range v.Peers(view.AllValid) {
		if admit(peer) {
			p.admitted++
		}
	}
	return nil
}

func TestIntervalEndPublishes(t *testing.T) {
	pub := &capturePublisher{}
	rt := New(Options{Publisher: pub})
	rt.now = func() time.Time { return time.Unix(1000000, 0) }

	rt.IntervalStart(100)
	feedRIB(t, rt, 100, 100, ribElem(testPfx, 1, 2, 3))
	if err := rt.IntervalEnd(200); err != nil {
		t.Fatalf("IntervalEnd: %v", err)
	}
	if pub.published != 1 {
		t.Errorf("published = %d, want 1", pub.published)
	}
	if pub.admitted != 1 {
		t.Errorf("admitted = %d, want 1 (zero thresholds admit all)", pub.admitted)
	}
}
