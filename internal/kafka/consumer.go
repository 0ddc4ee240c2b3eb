// Package kafka hosts the record-source consumer: it fetches batches
// of encoded records from the dump topics and commits offsets only
// after the engine has consumed them.
package kafka

import (
	"context"
	"crypto/tls"
	"sync"
	"sync/atomic"
	"time"

	"github.com/twmb/franz-go/pkg/kgo"
	"github.com/twmb/franz-go/pkg/sasl"
	"go.uber.org/zap"
)

type RecordConsumer struct {
	client *kgo.Client
	logger *zap.Logger
	joined atomic.Bool
}

func NewRecordConsumer(brokers []string, groupID string, topics []string, clientID string,
	fetchMaxBytes int32, tlsCfg *tls.Config, saslMech sasl.Mechanism, logger *zap.Logger) (*RecordConsumer, error) {
	rc := &RecordConsumer{logger: logger}

	opts := []kgo.Opt{
		kgo.SeedBrokers(brokers...),
		kgo.ConsumerGroup(groupID),
		kgo.ConsumeTopics(topics...),
		kgo.ClientID(clientID),
		kgo.FetchMaxBytes(fetchMaxBytes),
		kgo.DisableAutoCommit(),
		kgo.OnPartitionsAssigned(func(_ context.Context, _ *kgo.Client, _ map[string][]int32) {
			rc.joined.Store(true)
			logger.Info("record consumer: partitions assigned")
		}),
		kgo.OnPartitionsRevoked(func(ctx context.Context, cl *kgo.Client, _ map[string][]int32) {
			if err := cl.CommitMarkedOffsets(ctx); err != nil {
				logger.Error("record consumer: commit on revoke failed", zap.Error(err))
			}
			rc.joined.Store(false)
			logger.Info("record consumer: partitions revoked")
		}),
		kgo.OnPartitionsLost(func(_ context.Context, _ *kgo.Client, _ map[string][]int32) {
			rc.joined.Store(false)
			logger.Info("record consumer: partitions lost")
		}),
	}

	if tlsCfg != nil {
		opts = append(opts, kgo.DialTLSConfig(tlsCfg))
	}
	if saslMech != nil {
		opts = append(opts, kgo.SASL(saslMech))
	}

	client, err := kgo.NewClient(opts...)
	if err != nil {
		return nil, err
	}

	rc.client = client
	return rc, nil
}

// Run fetches record batches and sends them to the records channel.
// Batches arriving on processed are offset-committed; commitWg is
// incremented for the commit goroutine so callers can wait for it to
// drain on shutdown.
func (rc *RecordConsumer) Run(ctx context.Context, records chan<- []*kgo.Record,
	processed <-chan []*kgo.Record, commitWg *sync.WaitGroup) {

	commitWg.Add(1)
	go func() {
		defer commitWg.Done()
		for recs := range processed {
			for _, r := range recs {
				rc.client.MarkCommitRecords(r)
			}
			commitCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			if err := rc.client.CommitMarkedOffsets(commitCtx); err != nil {
				rc.logger.Error("record consumer: commit offsets failed", zap.Error(err))
			}
			cancel()
		}
	}()

	for {
		fetches := rc.client.PollFetches(ctx)
		if ctx.Err() != nil {
			return
		}

		if errs := fetches.Errors(); len(errs) > 0 {
			for _, e := range errs {
				rc.logger.Error("record consumer: fetch error",
					zap.String("topic", e.Topic),
					zap.Int32("partition", e.Partition),
					zap.Error(e.Err),
				)
			}
		}

		var batch []*kgo.Record
		fetches.EachRecord(func(r *kgo.Record) {
			batch = append(batch, r)
		})

		if len(batch) > 0 {
			select {
			case records <- batch:
			case <-ctx.Done():
				return
			}
		}
	}
}

func (rc *RecordConsumer) IsJoined() bool {
	return rc.joined.Load()
}

func (rc *RecordConsumer) Close() {
	rc.client.Close()
}
