package collector

import (
	"context"
	"errors"
	"fmt"

	"github.com/sirupsen/logrus"

	"github.com/Toss-Online-Services/pgoptimizer/src/db"
	"github.com/Toss-Online-Services/pgoptimizer/src/models"
)

const (
	// DefaultSlowQueryLimit is used when the caller passes a non-positive limit
	DefaultSlowQueryLimit = 10

	// statements executed this many times or fewer are noise
	minSlowQueryCalls = 10
)

// QueryEnricher fills in the text-derived fields of a ranked statement
type QueryEnricher interface {
	Enrich(q *models.SlowQueryAnalysis)
}

// SlowQueryRanker returns the statements with the highest cumulative
// execution time from pg_stat_statements.
type SlowQueryRanker struct {
	inspector *ServerInspector
	enricher  QueryEnricher
	log       *logrus.Logger
}

// NewSlowQueryRanker creates a new SlowQueryRanker. enricher may be nil.
func NewSlowQueryRanker(inspector *ServerInspector, enricher QueryEnricher, log *logrus.Logger) *SlowQueryRanker {
	return &SlowQueryRanker{
		inspector: inspector,
		enricher:  enricher,
		log:       log,
	}
}

type slowQueryRow struct {
	Query          string  `db:"query"`
	Calls          int64   `db:"calls"`
	TotalTime      float64 `db:"total_time"`
	MeanTime       float64 `db:"mean_time"`
	MaxTime        float64 `db:"max_time"`
	StddevTime     float64 `db:"stddev_time"`
	Rows           int64   `db:"rows"`
	SharedBlksHit  int64   `db:"shared_blks_hit"`
	SharedBlksRead int64   `db:"shared_blks_read"`
}

// slowQueryStatement builds the ranking query for the given server version.
// pg_stat_statements renamed total_time and friends to total_exec_time in 13.
func slowQueryStatement(versionNum int) string {
	timing := "exec_time"
	if versionNum > 0 && versionNum < legacyQueryStatsVersion {
		timing = "time"
	}

	return fmt.Sprintf(`
	SELECT
		COALESCE(query, '') AS query,
		calls,
		total_%[1]s AS total_time,
		mean_%[1]s AS mean_time,
		max_%[1]s AS max_time,
		stddev_%[1]s AS stddev_time,
		rows,
		shared_blks_hit,
		shared_blks_read
	FROM pg_stat_statements
	WHERE calls > $1
	ORDER BY total_%[1]s DESC
	LIMIT $2
`, timing)
}

// TopSlowQueries ranks up to limit statements by total execution time. When
// the extension is missing the report has Available set to false and no
// error is returned.
func (r *SlowQueryRanker) TopSlowQueries(ctx context.Context, q db.Querier, limit int) (models.SlowQueryReport, error) {
	if limit <= 0 {
		limit = DefaultSlowQueryLimit
	}
	unavailable := models.SlowQueryReport{Available: false, Queries: []models.SlowQueryAnalysis{}}

	versionNum, installed, err := r.inspector.QueryStatsCapability(ctx, q)
	if err != nil {
		return unavailable, err
	}
	if !installed {
		r.log.Warnf("%s is not installed, slow query analysis skipped", QueryStatsExtension)
		return unavailable, nil
	}

	queries, err := r.fetch(ctx, q, versionNum, limit)
	if errors.Is(err, ErrQueryStatsUnavailable) {
		r.log.WithError(err).Warnf("%s is installed but cannot be read, slow query analysis skipped", QueryStatsExtension)
		return unavailable, nil
	}
	if err != nil {
		return unavailable, err
	}

	return models.SlowQueryReport{Available: true, Queries: queries}, nil
}

func (r *SlowQueryRanker) fetch(ctx context.Context, q db.Querier, versionNum, limit int) ([]models.SlowQueryAnalysis, error) {
	statement := slowQueryStatement(versionNum)

	var rows []slowQueryRow
	if err := q.SelectContext(ctx, &rows, statement, minSlowQueryCalls, limit); err != nil {
		if isQueryStatsMissing(err) {
			return nil, fmt.Errorf("%w: %v", ErrQueryStatsUnavailable, err)
		}
		return nil, NewQueryError(statement, err)
	}

	queries := make([]models.SlowQueryAnalysis, 0, len(rows))
	for _, row := range rows {
		sq := models.SlowQueryAnalysis{
			Query:           row.Query,
			Calls:           row.Calls,
			TotalTimeMs:     row.TotalTime,
			MeanTimeMs:      row.MeanTime,
			MaxTimeMs:       row.MaxTime,
			StddevTimeMs:    row.StddevTime,
			Rows:            row.Rows,
			CacheHitPercent: CacheHitPercent(row.SharedBlksHit, row.SharedBlksRead),
		}
		if r.enricher != nil {
			r.enricher.Enrich(&sq)
		}
		queries = append(queries, sq)
	}

	r.log.WithField("count", len(queries)).Debug("Ranked slow queries")
	return queries, nil
}

// CacheHitPercent returns the share of shared buffer hits in percent, or 0
// when the statement touched no blocks.
func CacheHitPercent(hits, reads int64) float64 {
	total := hits + reads
	if total <= 0 {
		return 0
	}
	return 100 * float64(hits) / float64(total)
}
