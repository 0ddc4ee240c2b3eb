package kafka

import (
	"context"
	"fmt"
	"testing"

	"github.com/route-beacon/rib-rebuilder/internal/filter"
	"github.com/route-beacon/rib-rebuilder/internal/patricia"
	"github.com/route-beacon/rib-rebuilder/internal/rt"
	"github.com/route-beacon/rib-rebuilder/internal/view"
	"github.com/twmb/franz-go/pkg/kgo"
	"go.uber.org/zap"
)

func recordJSON(dumpType, dumpPos string, dumpTime, recTime uint32, elems string) []byte {
	return []byte(fmt.Sprintf(`{
		"project": "ris", "collector": "rrc00",
		"dump_type": %q, "dump_pos": %q,
		"dump_time": %d, "record_time": %d,
		"status": "valid",
		"elems": [%s]
	}`, dumpType, dumpPos, dumpTime, recTime, elems))
}

const ribElemJSON = `{"type": "rib", "peer_ip": "192.0.2.1", "peer_asn": 1,
	"prefix": "10.0.0.0/24", "as_path": "1 2 3"}`

func TestPipelineFeedsEngine(t *testing.T) {
	engine := rt.New(rt.Options{})
	p := NewPipeline(engine, nil, 60, zap.NewNop())

	p.processOne(&kgo.Record{Topic: "t", Value: recordJSON("rib", "start", 100, 100, ribElemJSON)})
	p.processOne(&kgo.Record{Topic: "t", Value: recordJSON("rib", "end", 100, 100, "")})

	v := engine.View()
	if got := v.PfxCount(patricia.IPv4, view.Active); got != 1 {
		t.Fatalf("active prefixes = %d, want 1", got)
	}
	if v.PeerCount(view.Active) != 1 {
		t.Fatal("peer must be active after RIB")
	}
}

func TestPipelineSkipsUndecodable(t *testing.T) {
	engine := rt.New(rt.Options{})
	p := NewPipeline(engine, nil, 60, zap.NewNop())

	p.processOne(&kgo.Record{Topic: "t", Value: []byte("not json")})
	if engine.View().PeerCount(view.AllValid) != 0 {
		t.Error("garbage must not reach the engine")
	}
}

func TestPipelineAppliesFilter(t *testing.T) {
	engine := rt.New(rt.Options{})
	f, err := filter.Parse("collector rrc99")
	if err != nil {
		t.Fatal(err)
	}
	p := NewPipeline(engine, f, 60, zap.NewNop())

	p.processOne(&kgo.Record{Topic: "t", Value: recordJSON("rib", "start", 100, 100, ribElemJSON)})
	if engine.View().PeerCount(view.AllValid) != 0 {
		t.Error("filtered record must not reach the engine")
	}
}

func TestPipelineIntervalTick(t *testing.T) {
	engine := rt.New(rt.Options{})
	p := NewPipeline(engine, nil, 60, zap.NewNop())

	p.processOne(&kgo.Record{Topic: "t", Value: recordJSON("update", "middle", 100, 100, "")})
	if p.currentInterval != 60 {
		t.Errorf("first record opens interval %d, want 60", p.currentInterval)
	}
	p.processOne(&kgo.Record{Topic: "t", Value: recordJSON("update", "middle", 110, 110, "")})
	if p.currentInterval != 60 {
		t.Errorf("record inside the interval must not advance it (got %d)", p.currentInterval)
	}
	p.processOne(&kgo.Record{Topic: "t", Value: recordJSON("update", "middle", 200, 200, "")})
	if p.currentInterval != 180 {
		t.Errorf("boundary crossing must advance to 180, got %d", p.currentInterval)
	}
}

func TestPipelineRunForwardsBatches(t *testing.T) {
	engine := rt.New(rt.Options{})
	p := NewPipeline(engine, nil, 60, zap.NewNop())

	records := make(chan []*kgo.Record, 1)
	processed := make(chan []*kgo.Record, 1)
	batch := []*kgo.Record{
		{Topic: "t", Value: recordJSON("rib", "start", 100, 100, ribElemJSON)},
		{Topic: "t", Value: recordJSON("rib", "end", 100, 100, "")},
	}
	records <- batch
	close(records)

	ctx := context.Background()
	done := make(chan struct{})
	go func() {
		p.Run(ctx, records, processed)
		close(done)
	}()

	got := <-processed
	if len(got) != len(batch) {
		t.Fatalf("processed batch = %d records, want %d", len(got), len(batch))
	}
	<-done
}
