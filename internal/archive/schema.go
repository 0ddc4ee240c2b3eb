package archive

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"
)

// schema creates the archive tables. Both are range-partitioned by
// day so retention is a cheap partition drop.
var schema = []string{
	`CREATE TABLE IF NOT EXISTS interval_collectors (
		interval_time     BIGINT NOT NULL,
		collector         TEXT   NOT NULL,
		state             TEXT   NOT NULL,
		active_peers      INT    NOT NULL,
		valid_records     BIGINT NOT NULL,
		corrupted_records BIGINT NOT NULL,
		empty_records     BIGINT NOT NULL,
		day               DATE   NOT NULL DEFAULT (now() AT TIME ZONE 'UTC')::date,
		UNIQUE (day, interval_time, collector)
	) PARTITION BY RANGE (day)`,

	`CREATE TABLE IF NOT EXISTS interval_peers (
		interval_time BIGINT NOT NULL,
		collector     TEXT   NOT NULL,
		peer_ip       TEXT   NOT NULL,
		peer_asn      BIGINT NOT NULL,
		v4_pfx_count  BIGINT NOT NULL,
		v6_pfx_count  BIGINT NOT NULL,
		day           DATE   NOT NULL DEFAULT (now() AT TIME ZONE 'UTC')::date,
		UNIQUE (day, interval_time, collector, peer_ip, peer_asn)
	) PARTITION BY RANGE (day)`,

	`CREATE INDEX IF NOT EXISTS interval_collectors_time_idx
		ON interval_collectors (collector, interval_time)`,

	`CREATE INDEX IF NOT EXISTS interval_peers_time_idx
		ON interval_peers (collector, peer_asn, interval_time)`,
}

// Migrate applies the archive schema. Statements are idempotent, so
// re-running on startup is safe.
func Migrate(ctx context.Context, pool *pgxpool.Pool, logger *zap.Logger) error {
	for _, stmt := range schema {
		if _, err := pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("archive: migrate: %w", err)
		}
	}
	logger.Info("archive schema up to date")
	return nil
}
