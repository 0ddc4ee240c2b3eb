package kafka

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/route-beacon/rib-rebuilder/internal/bgp"
	"github.com/route-beacon/rib-rebuilder/internal/filter"
	"github.com/route-beacon/rib-rebuilder/internal/metrics"
	"github.com/route-beacon/rib-rebuilder/internal/rt"
	"github.com/twmb/franz-go/pkg/kgo"
	"go.uber.org/zap"
)

// statusLabel maps a record status onto a prometheus label value.
func statusLabel(s bgp.RecordStatus) string {
	switch s {
	case bgp.StatusValid:
		return "valid"
	case bgp.StatusCorruptedSource, bgp.StatusCorruptedRecord:
		return "corrupted"
	default:
		return "empty"
	}
}

// Pipeline owns the engine goroutine: it decodes record batches,
// applies the configured filter, feeds the engine, and drives interval
// boundaries off the record clock. It is the only mutator of the
// engine.
type Pipeline struct {
	engine          *rt.RoutingTables
	filter          *filter.Filter
	intervalSeconds uint32
	logger          *zap.Logger

	currentInterval uint32 // aligned start of the open interval; 0 = none

	// statuses is swapped at interval boundaries so other goroutines
	// (the HTTP server) can read collector state without touching the
	// engine.
	statuses atomic.Value // []rt.CollectorStatus
}

func NewPipeline(engine *rt.RoutingTables, f *filter.Filter, intervalSeconds int, logger *zap.Logger) *Pipeline {
	return &Pipeline{
		engine:          engine,
		filter:          f,
		intervalSeconds: uint32(intervalSeconds),
		logger:          logger,
	}
}

// Run processes record batches until the context is cancelled. Every
// batch is forwarded to processed for offset commit once the engine has
// seen it — including batches that failed to decode, so a poison
// record cannot stall partition progress.
func (p *Pipeline) Run(ctx context.Context, records <-chan []*kgo.Record, processed chan<- []*kgo.Record) {
	for {
		select {
		case <-ctx.Done():
			p.closeInterval()
			return

		case recs, ok := <-records:
			if !ok {
				p.closeInterval()
				return
			}
			for _, rec := range recs {
				p.processOne(rec)
			}
			select {
			case processed <- recs:
			case <-ctx.Done():
				p.closeInterval()
				return
			}
		}
	}
}

func (p *Pipeline) processOne(rec *kgo.Record) {
	metrics.KafkaMessagesTotal.WithLabelValues(rec.Topic).Inc()

	r, err := bgp.DecodeRecord(rec.Value)
	if err != nil {
		metrics.ParseErrorsTotal.WithLabelValues(rec.Topic).Inc()
		p.logger.Warn("undecodable record",
			zap.String("topic", rec.Topic),
			zap.Int64("offset", rec.Offset),
			zap.Error(err),
		)
		return
	}

	if p.filter != nil {
		if r = p.filter.Apply(r); r == nil {
			metrics.RecordsFiltered.Inc()
			return
		}
	}

	p.tick(r.RecordTime)

	start := time.Now()
	if err := p.engine.ProcessRecord(r); err != nil {
		p.logger.Error("record processing failed",
			zap.String("collector", r.Collector),
			zap.Error(err),
		)
		return
	}
	metrics.ProcessDuration.Observe(time.Since(start).Seconds())
	metrics.RecordsTotal.WithLabelValues(r.Collector, statusLabel(r.Status)).Inc()
	metrics.LastRecordTimestamp.WithLabelValues(r.Collector).Set(float64(r.RecordTime))
}

// tick advances the interval clock: when a record crosses an interval
// boundary, the open interval ends (publishing the view and flushing
// metrics) and the next one starts.
func (p *Pipeline) tick(recordTime uint32) {
	aligned := recordTime - recordTime%p.intervalSeconds

	if p.currentInterval == 0 {
		p.currentInterval = aligned
		p.engine.IntervalStart(aligned)
		return
	}
	if aligned <= p.currentInterval {
		return
	}

	if err := p.engine.IntervalEnd(p.currentInterval + p.intervalSeconds); err != nil {
		p.logger.Error("interval end failed", zap.Error(err))
	}
	p.exportGauges()
	p.currentInterval = aligned
	p.engine.IntervalStart(aligned)
}

// closeInterval finishes the open interval on shutdown.
func (p *Pipeline) closeInterval() {
	if p.currentInterval == 0 {
		return
	}
	if err := p.engine.IntervalEnd(p.currentInterval + p.intervalSeconds); err != nil {
		p.logger.Error("final interval end failed", zap.Error(err))
	}
	p.exportGauges()
	p.currentInterval = 0
}

func (p *Pipeline) exportGauges() {
	statuses := p.engine.CollectorStatuses()
	for _, st := range statuses {
		metrics.ActivePeers.WithLabelValues(st.Name).Set(float64(st.ActivePeers))
	}
	p.statuses.Store(statuses)
}

// CollectorStatuses returns the snapshot taken at the last interval
// boundary. Safe to call from any goroutine.
func (p *Pipeline) CollectorStatuses() []rt.CollectorStatus {
	if v, ok := p.statuses.Load().([]rt.CollectorStatus); ok {
		return v
	}
	return nil
}
