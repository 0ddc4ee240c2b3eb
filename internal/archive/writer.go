// Package archive persists per-interval summaries of the reconstructed
// view into Postgres: one row per collector and one per admitted peer,
// in daily-partitioned tables pruned on a retention schedule.
package archive

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/route-beacon/rib-rebuilder/internal/metrics"
	"github.com/route-beacon/rib-rebuilder/internal/peersig"
	"github.com/route-beacon/rib-rebuilder/internal/publisher"
	"github.com/route-beacon/rib-rebuilder/internal/rt"
	"github.com/route-beacon/rib-rebuilder/internal/view"
	"go.uber.org/zap"
)

// Writer archives interval summaries. It satisfies the engine's
// Publisher interface so it can be fanned out next to the Kafka
// publisher.
type Writer struct {
	pool   *pgxpool.Pool
	sigs   *peersig.Map
	engine *rt.RoutingTables
	logger *zap.Logger
}

func NewWriter(pool *pgxpool.Pool, sigs *peersig.Map, engine *rt.RoutingTables, logger *zap.Logger) *Writer {
	return &Writer{pool: pool, sigs: sigs, engine: engine, logger: logger}
}

// PublishView writes one interval's summary rows. Failures are
// reported to the caller (the engine logs and continues).
func (w *Writer) PublishView(v *view.View, admit func(*view.Peer) bool) error {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	intervalTime := v.Time()
	batch := &pgx.Batch{}

	collectorRows := 0
	for _, st := range w.engine.CollectorStatuses() {
		batch.Queue(`
			INSERT INTO interval_collectors
				(interval_time, collector, state, active_peers,
				 valid_records, corrupted_records, empty_records)
			VALUES ($1, $2, $3, $4, $5, $6, $7)
			ON CONFLICT DO NOTHING`,
			int64(intervalTime), st.Name, st.State, st.ActivePeers,
			int64(st.ValidRecords), int64(st.CorruptedRecord), int64(st.EmptyRecords),
		)
		collectorRows++
	}

	peerRows := 0
	for _, cv := range publisher.BuildPayloads(v, w.sigs, admit) {
		for _, pt := range cv.Peers {
			batch.Queue(`
				INSERT INTO interval_peers
					(interval_time, collector, peer_ip, peer_asn,
					 v4_pfx_count, v6_pfx_count)
				VALUES ($1, $2, $3, $4, $5, $6)
				ON CONFLICT DO NOTHING`,
				int64(intervalTime), cv.Collector, pt.PeerIP, int64(pt.PeerASN),
				int64(pt.V4PfxCount), int64(pt.V6PfxCount),
			)
			peerRows++
		}
	}

	if batch.Len() == 0 {
		return nil
	}

	start := time.Now()
	br := w.pool.SendBatch(ctx, batch)
	defer br.Close()
	for i := 0; i < batch.Len(); i++ {
		if _, err := br.Exec(); err != nil {
			return fmt.Errorf("archive: batch exec %d: %w", i, err)
		}
	}
	metrics.ArchiveWriteDuration.WithLabelValues("interval").Observe(time.Since(start).Seconds())
	metrics.ArchiveRowsTotal.WithLabelValues("interval_collectors").Add(float64(collectorRows))
	metrics.ArchiveRowsTotal.WithLabelValues("interval_peers").Add(float64(peerRows))

	w.logger.Debug("interval archived",
		zap.Uint32("interval_time", intervalTime),
		zap.Int("collector_rows", collectorRows),
		zap.Int("peer_rows", peerRows),
	)
	return nil
}
