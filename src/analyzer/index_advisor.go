package analyzer

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"github.com/lib/pq"
	"github.com/sirupsen/logrus"

	"github.com/Toss-Online-Services/pgoptimizer/src/collector"
	"github.com/Toss-Online-Services/pgoptimizer/src/db"
	"github.com/Toss-Online-Services/pgoptimizer/src/models"
)

const (
	missingIndexMinWrites    = 1000
	missingIndexScanRatio    = 5
	missingIndexHighSeverity = 10000
	missingIndexHighImpact   = 50000
	missingIndexMediumImpact = 10000
	maxMissingIndexes        = 20

	unusedIndexMinBytes = 1 << 20
	primaryKeySuffix    = "_pkey"
)

// TableScanRow is one row of pg_stat_user_tables as read by the advisor
type TableScanRow struct {
	SchemaName string `db:"schemaname"`
	TableName  string `db:"relname"`
	SeqScan    int64  `db:"seq_scan"`
	IdxScan    int64  `db:"idx_scan"`
	Writes     int64  `db:"writes"`
}

// IndexUsageRow is one row of pg_stat_user_indexes with the index size
type IndexUsageRow struct {
	SchemaName string `db:"schemaname"`
	TableName  string `db:"relname"`
	IndexName  string `db:"indexrelname"`
	IdxScan    int64  `db:"idx_scan"`
	SizeBytes  int64  `db:"index_size"`
}

const tableScansQuery = `
	SELECT
		schemaname,
		relname,
		COALESCE(seq_scan, 0) AS seq_scan,
		COALESCE(idx_scan, 0) AS idx_scan,
		COALESCE(n_tup_ins, 0) + COALESCE(n_tup_upd, 0) + COALESCE(n_tup_del, 0) AS writes
	FROM pg_stat_user_tables
	WHERE seq_scan > 0
`

const indexUsageQuery = `
	SELECT
		schemaname,
		relname,
		indexrelname,
		COALESCE(idx_scan, 0) AS idx_scan,
		pg_relation_size(indexrelid) AS index_size
	FROM pg_stat_user_indexes
	WHERE COALESCE(idx_scan, 0) = 0
`

// IndexAdvisor derives index recommendations from catalog usage counters
type IndexAdvisor struct {
	log *logrus.Logger
}

// NewIndexAdvisor creates a new IndexAdvisor instance
func NewIndexAdvisor(log *logrus.Logger) *IndexAdvisor {
	return &IndexAdvisor{log: log}
}

// Recommend returns missing-index candidates followed by unused-index
// candidates.
func (ia *IndexAdvisor) Recommend(ctx context.Context, q db.Querier) ([]models.IndexRecommendation, error) {
	var tables []TableScanRow
	if err := q.SelectContext(ctx, &tables, tableScansQuery); err != nil {
		return nil, collector.NewQueryError(tableScansQuery, err)
	}

	var indexes []IndexUsageRow
	if err := q.SelectContext(ctx, &indexes, indexUsageQuery); err != nil {
		return nil, collector.NewQueryError(indexUsageQuery, err)
	}

	missing := MissingIndexCandidates(tables)
	unused := UnusedIndexCandidates(indexes)

	ia.log.WithFields(logrus.Fields{
		"missing": len(missing),
		"unused":  len(unused),
	}).Debug("Index analysis complete")

	return append(missing, unused...), nil
}

// IsMissingIndexCandidate reports whether a table is read mostly by
// sequential scans while also being written to.
func IsMissingIndexCandidate(row TableScanRow) bool {
	if row.SeqScan <= 0 || row.Writes <= missingIndexMinWrites {
		return false
	}
	return row.IdxScan == 0 || row.SeqScan > missingIndexScanRatio*row.IdxScan
}

// MissingIndexCandidates filters rows by IsMissingIndexCandidate and returns
// at most 20 recommendations, heaviest sequential scanners first.
func MissingIndexCandidates(rows []TableScanRow) []models.IndexRecommendation {
	candidates := make([]TableScanRow, 0, len(rows))
	for _, row := range rows {
		if IsMissingIndexCandidate(row) {
			candidates = append(candidates, row)
		}
	}

	sort.SliceStable(candidates, func(i, j int) bool {
		return candidates[i].SeqScan > candidates[j].SeqScan
	})
	if len(candidates) > maxMissingIndexes {
		candidates = candidates[:maxMissingIndexes]
	}

	recs := make([]models.IndexRecommendation, 0, len(candidates))
	for _, row := range candidates {
		recs = append(recs, models.IndexRecommendation{
			SchemaName: row.SchemaName,
			TableName:  row.TableName,
			Type:       models.RecommendationMissingIndex,
			Severity:   missingIndexSeverity(row.SeqScan),
			Description: fmt.Sprintf("Table %s.%s has %d sequential scans against %d index scans with %d row modifications",
				row.SchemaName, row.TableName, row.SeqScan, row.IdxScan, row.Writes),
			EstimatedImpact: missingIndexImpact(row.SeqScan),
			SuggestedStatement: fmt.Sprintf("-- Review frequently filtered columns of %s.%s and create a supporting index",
				row.SchemaName, row.TableName),
		})
	}
	return recs
}

func missingIndexSeverity(seqScan int64) models.Severity {
	if seqScan > missingIndexHighSeverity {
		return models.SeverityHigh
	}
	return models.SeverityMedium
}

func missingIndexImpact(seqScan int64) models.Impact {
	switch {
	case seqScan > missingIndexHighImpact:
		return models.ImpactHigh
	case seqScan > missingIndexMediumImpact:
		return models.ImpactMedium
	default:
		return models.ImpactLow
	}
}

// IsUnusedIndexCandidate reports whether an index was never scanned, takes
// more than 1 MiB and does not back a primary key.
func IsUnusedIndexCandidate(row IndexUsageRow) bool {
	return row.IdxScan == 0 &&
		row.SizeBytes > unusedIndexMinBytes &&
		!strings.HasSuffix(row.IndexName, primaryKeySuffix)
}

// UnusedIndexCandidates filters rows by IsUnusedIndexCandidate, largest
// index first.
func UnusedIndexCandidates(rows []IndexUsageRow) []models.IndexRecommendation {
	candidates := make([]IndexUsageRow, 0, len(rows))
	for _, row := range rows {
		if IsUnusedIndexCandidate(row) {
			candidates = append(candidates, row)
		}
	}

	sort.SliceStable(candidates, func(i, j int) bool {
		return candidates[i].SizeBytes > candidates[j].SizeBytes
	})

	recs := make([]models.IndexRecommendation, 0, len(candidates))
	for _, row := range candidates {
		recs = append(recs, models.IndexRecommendation{
			SchemaName: row.SchemaName,
			TableName:  row.TableName,
			IndexName:  row.IndexName,
			Type:       models.RecommendationUnusedIndex,
			Severity:   models.SeverityMedium,
			Description: fmt.Sprintf("Index %s.%s on %s has never been scanned and uses %d bytes",
				row.SchemaName, row.IndexName, row.TableName, row.SizeBytes),
			EstimatedImpact: models.ImpactLow,
			SuggestedStatement: fmt.Sprintf("DROP INDEX IF EXISTS %s.%s;",
				pq.QuoteIdentifier(row.SchemaName), pq.QuoteIdentifier(row.IndexName)),
		})
	}
	return recs
}
