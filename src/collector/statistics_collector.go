package collector

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/Toss-Online-Services/pgoptimizer/src/db"
	"github.com/Toss-Online-Services/pgoptimizer/src/models"
)

// StatisticsCollector takes the database-wide statistics snapshot that the
// health score is computed from.
type StatisticsCollector struct {
	log *logrus.Logger
	now func() time.Time
}

// NewStatisticsCollector creates a new StatisticsCollector instance
func NewStatisticsCollector(log *logrus.Logger) *StatisticsCollector {
	return &StatisticsCollector{
		log: log,
		now: time.Now,
	}
}

type statisticsRow struct {
	DatabaseSize      sql.NullInt64   `db:"database_size"`
	ActiveConnections sql.NullInt64   `db:"active_connections"`
	TotalConnections  sql.NullInt64   `db:"total_connections"`
	SeqScans          sql.NullInt64   `db:"seq_scans"`
	IndexScans        sql.NullInt64   `db:"index_scans"`
	Inserts           sql.NullInt64   `db:"inserts"`
	Updates           sql.NullInt64   `db:"updates"`
	Deletes           sql.NullInt64   `db:"deletes"`
	TableCount        sql.NullInt64   `db:"table_count"`
	IndexCount        sql.NullInt64   `db:"index_count"`
	StatsAgeSeconds   sql.NullFloat64 `db:"stats_age_seconds"`
}

// Counters are summed over user tables only. Sums are NULL on an empty
// database and count as zero.
const statisticsQuery = `
	SELECT
		pg_database_size(current_database()) AS database_size,
		(SELECT count(*) FROM pg_stat_activity WHERE state = 'active') AS active_connections,
		(SELECT count(*) FROM pg_stat_activity) AS total_connections,
		t.seq_scans,
		t.index_scans,
		t.inserts,
		t.updates,
		t.deletes,
		t.table_count,
		(SELECT count(*) FROM pg_stat_user_indexes) AS index_count,
		(SELECT EXTRACT(EPOCH FROM (now() - stats_reset))::float8
			FROM pg_stat_database
			WHERE datname = current_database()) AS stats_age_seconds
	FROM (
		SELECT
			sum(seq_scan)::bigint AS seq_scans,
			sum(idx_scan)::bigint AS index_scans,
			sum(n_tup_ins)::bigint AS inserts,
			sum(n_tup_upd)::bigint AS updates,
			sum(n_tup_del)::bigint AS deletes,
			count(*) AS table_count
		FROM pg_stat_user_tables
	) t
`

// Collect reads the statistics snapshot in a single round trip
func (sc *StatisticsCollector) Collect(ctx context.Context, q db.Querier) (*models.DatabaseStatistics, error) {
	var row statisticsRow
	if err := q.GetContext(ctx, &row, statisticsQuery); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrStatisticsUnavailable
		}
		return nil, NewQueryError(statisticsQuery, err)
	}

	stats := &models.DatabaseStatistics{
		DatabaseSizeBytes: row.DatabaseSize.Int64,
		ActiveConnections: row.ActiveConnections.Int64,
		TotalConnections:  row.TotalConnections.Int64,
		SeqScans:          row.SeqScans.Int64,
		IndexScans:        row.IndexScans.Int64,
		Inserts:           row.Inserts.Int64,
		Updates:           row.Updates.Int64,
		Deletes:           row.Deletes.Int64,
		TableCount:        row.TableCount.Int64,
		IndexCount:        row.IndexCount.Int64,
		StatsAgeSeconds:   row.StatsAgeSeconds.Float64,
		CollectedAt:       sc.now(),
	}

	sc.log.WithFields(logrus.Fields{
		"database_size": stats.DatabaseSizeBytes,
		"connections":   stats.TotalConnections,
		"seq_scans":     stats.SeqScans,
		"index_scans":   stats.IndexScans,
	}).Debug("Collected database statistics")

	return stats, nil
}
