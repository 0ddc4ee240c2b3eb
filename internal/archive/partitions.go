package archive

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"
)

// partitionedTables are the tables managed by the PartitionManager.
var partitionedTables = []string{"interval_collectors", "interval_peers"}

// daysAhead is how many future daily partitions are kept pre-created so
// writes never race partition creation at midnight.
const daysAhead = 2

// PartitionManager creates upcoming daily partitions and drops those
// older than the retention window.
type PartitionManager struct {
	pool          *pgxpool.Pool
	retentionDays int
	location      *time.Location
	logger        *zap.Logger
}

func NewPartitionManager(pool *pgxpool.Pool, retentionDays int, timezone string, logger *zap.Logger) *PartitionManager {
	loc, err := time.LoadLocation(timezone)
	if err != nil {
		logger.Warn("invalid timezone, falling back to UTC", zap.String("timezone", timezone))
		loc = time.UTC
	}
	return &PartitionManager{
		pool:          pool,
		retentionDays: retentionDays,
		location:      loc,
		logger:        logger,
	}
}

func partitionName(table string, day time.Time) string {
	return fmt.Sprintf("%s_%s", table, day.Format("20060102"))
}

// CreatePartitions ensures partitions exist for today through
// today+daysAhead.
func (pm *PartitionManager) CreatePartitions(ctx context.Context) error {
	today := time.Now().In(pm.location).Truncate(24 * time.Hour)
	for _, table := range partitionedTables {
		for i := 0; i <= daysAhead; i++ {
			day := today.AddDate(0, 0, i)
			next := day.AddDate(0, 0, 1)
			stmt := fmt.Sprintf(
				`CREATE TABLE IF NOT EXISTS %s PARTITION OF %s FOR VALUES FROM ('%s') TO ('%s')`,
				partitionName(table, day), table,
				day.Format("2006-01-02"), next.Format("2006-01-02"),
			)
			if _, err := pm.pool.Exec(ctx, stmt); err != nil {
				return fmt.Errorf("archive: create partition %s: %w",
					partitionName(table, day), err)
			}
		}
	}
	pm.logger.Info("partitions ensured", zap.Int("days_ahead", daysAhead))
	return nil
}

// DropExpiredPartitions removes partitions past the retention window.
func (pm *PartitionManager) DropExpiredPartitions(ctx context.Context) error {
	cutoff := time.Now().In(pm.location).AddDate(0, 0, -pm.retentionDays)

	for _, table := range partitionedTables {
		rows, err := pm.pool.Query(ctx, `
			SELECT c.relname
			FROM pg_inherits i
			JOIN pg_class c ON c.oid = i.inhrelid
			JOIN pg_class p ON p.oid = i.inhparent
			WHERE p.relname = $1`, table)
		if err != nil {
			return fmt.Errorf("archive: list partitions of %s: %w", table, err)
		}

		var toDrop []string
		for rows.Next() {
			var name string
			if err := rows.Scan(&name); err != nil {
				rows.Close()
				return fmt.Errorf("archive: scan partition name: %w", err)
			}
			day, err := time.ParseInLocation("20060102", name[len(table)+1:], pm.location)
			if err != nil {
				pm.logger.Warn("unparseable partition name, skipping",
					zap.String("partition", name))
				continue
			}
			if day.Before(cutoff) {
				toDrop = append(toDrop, name)
			}
		}
		rows.Close()
		if err := rows.Err(); err != nil {
			return fmt.Errorf("archive: iterate partitions of %s: %w", table, err)
		}

		for _, name := range toDrop {
			if _, err := pm.pool.Exec(ctx, fmt.Sprintf(`DROP TABLE IF EXISTS %s`, name)); err != nil {
				return fmt.Errorf("archive: drop partition %s: %w", name, err)
			}
			pm.logger.Info("dropped expired partition", zap.String("partition", name))
		}
	}
	return nil
}

// Run performs one full maintenance pass.
func (pm *PartitionManager) Run(ctx context.Context) error {
	if err := pm.CreatePartitions(ctx); err != nil {
		return err
	}
	return pm.DropExpiredPartitions(ctx)
}
