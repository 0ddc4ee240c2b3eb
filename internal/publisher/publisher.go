// Package publisher ships reconstructed views downstream at interval
// end: admitted peers' active cells are serialized as JSON, optionally
// zstd-compressed, and produced to a Kafka topic keyed by collector.
package publisher

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"sort"
	"time"

	"github.com/klauspost/compress/zstd"
	"github.com/route-beacon/rib-rebuilder/internal/metrics"
	"github.com/route-beacon/rib-rebuilder/internal/patricia"
	"github.com/route-beacon/rib-rebuilder/internal/peersig"
	"github.com/route-beacon/rib-rebuilder/internal/view"
	"github.com/twmb/franz-go/pkg/kgo"
	"github.com/twmb/franz-go/pkg/sasl"
	"go.uber.org/zap"
)

var zstdEncoder *zstd.Encoder

func init() {
	var err error
	zstdEncoder, err = zstd.NewWriter(nil)
	if err != nil {
		panic(fmt.Sprintf("publisher: zstd encoder init: %v", err))
	}
}

// Entry is one active (prefix, origin) cell of a published peer.
type Entry struct {
	Prefix    string `json:"prefix"`
	OriginASN uint32 `json:"origin_asn"`
}

// PeerTable is one admitted peer's share of the view.
type PeerTable struct {
	PeerIP     string  `json:"peer_ip"`
	PeerASN    uint32  `json:"peer_asn"`
	V4PfxCount uint64  `json:"v4_pfx_count"`
	V6PfxCount uint64  `json:"v6_pfx_count"`
	Entries    []Entry `json:"entries"`
}

// CollectorView is the payload produced per collector and interval.
type CollectorView struct {
	Time      uint32      `json:"time"`
	Collector string      `json:"collector"`
	Peers     []PeerTable `json:"peers"`
}

// BuildPayloads assembles the per-collector payloads for every admitted
// peer's active cells.
func BuildPayloads(v *view.View, sigs *peersig.Map, admit func(*view.Peer) bool) []CollectorView {
	admitted := make(map[peersig.PeerID]*PeerTable)
	byCollector := make(map[string][]*PeerTable)

	for p := range v.Peers(view.AllValid) {
		if !admit(p) {
			continue
		}
		sig, ok := sigs.Signature(p.ID())
		if !ok {
			continue
		}
		pt := &PeerTable{
			PeerIP:     sig.PeerIP.String(),
			PeerASN:    sig.PeerASN,
			V4PfxCount: p.PfxCount(patricia.IPv4, view.Active),
			V6PfxCount: p.PfxCount(patricia.IPv6, view.Active),
		}
		admitted[p.ID()] = pt
		byCollector[sig.Collector] = append(byCollector[sig.Collector], pt)
	}

	for pp := range v.PfxPeers(view.Active) {
		pt, ok := admitted[pp.Peer().ID()]
		if !ok {
			continue
		}
		pt.Entries = append(pt.Entries, Entry{
			Prefix:    pp.Prefix().String(),
			OriginASN: pp.OriginASN(),
		})
	}

	out := make([]CollectorView, 0, len(byCollector))
	for collector, peers := range byCollector {
		cv := CollectorView{
			Time:      v.Time(),
			Collector: collector,
		}
		for _, pt := range peers {
			cv.Peers = append(cv.Peers, *pt)
		}
		out = append(out, cv)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Collector < out[j].Collector })
	return out
}

// Publisher produces serialized views to Kafka.
type Publisher struct {
	client   *kgo.Client
	sigs     *peersig.Map
	topic    string
	compress bool
	logger   *zap.Logger
	timeout  time.Duration
}

// New creates a publisher producing to topic.
func New(brokers []string, topic, clientID string, compress bool, sigs *peersig.Map,
	tlsCfg *tls.Config, saslMech sasl.Mechanism, logger *zap.Logger) (*Publisher, error) {

	opts := []kgo.Opt{
		kgo.SeedBrokers(brokers...),
		kgo.ClientID(clientID),
		kgo.ProducerBatchCompression(kgo.NoCompression()),
	}
	if tlsCfg != nil {
		opts = append(opts, kgo.DialTLSConfig(tlsCfg))
	}
	if saslMech != nil {
		opts = append(opts, kgo.SASL(saslMech))
	}

	client, err := kgo.NewClient(opts...)
	if err != nil {
		return nil, fmt.Errorf("publisher: kafka client: %w", err)
	}
	return &Publisher{
		client:   client,
		sigs:     sigs,
		topic:    topic,
		compress: compress,
		logger:   logger,
		timeout:  30 * time.Second,
	}, nil
}

// PublishView serializes and produces one message per collector. It is
// called synchronously from the engine at interval end; a failed
// produce is reported but never mutates engine state.
func (p *Publisher) PublishView(v *view.View, admit func(*view.Peer) bool) error {
	payloads := BuildPayloads(v, p.sigs, admit)
	if len(payloads) == 0 {
		return nil
	}

	ctx, cancel := context.WithTimeout(context.Background(), p.timeout)
	defer cancel()

	var records []*kgo.Record
	for i := range payloads {
		data, err := json.Marshal(&payloads[i])
		if err != nil {
			metrics.ViewPublishTotal.WithLabelValues("error").Inc()
			return fmt.Errorf("publisher: marshal view for %s: %w",
				payloads[i].Collector, err)
		}
		rec := &kgo.Record{
			Topic: p.topic,
			Key:   []byte(payloads[i].Collector),
			Value: data,
		}
		if p.compress {
			rec.Value = zstdEncoder.EncodeAll(data, nil)
			rec.Headers = append(rec.Headers,
				kgo.RecordHeader{Key: "encoding", Value: []byte("zstd")})
		}
		metrics.ViewPublishBytes.Observe(float64(len(rec.Value)))
		records = append(records, rec)
	}

	if err := p.client.ProduceSync(ctx, records...).FirstErr(); err != nil {
		metrics.ViewPublishTotal.WithLabelValues("error").Inc()
		return fmt.Errorf("publisher: produce view: %w", err)
	}
	metrics.ViewPublishTotal.WithLabelValues("ok").Inc()
	p.logger.Debug("view published",
		zap.Int("collectors", len(payloads)),
		zap.Uint32("view_time", v.Time()),
	)
	return nil
}

// Close flushes and tears down the producer.
func (p *Publisher) Close() {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := p.client.Flush(ctx); err != nil {
		p.logger.Warn("publisher flush on close failed", zap.Error(err))
	}
	p.client.Close()
}
