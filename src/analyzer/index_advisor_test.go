package analyzer

import (
	"context"
	"fmt"
	"regexp"
	"testing"

	"github.com/jmoiron/sqlx"
	"github.com/sirupsen/logrus"
	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/DATA-DOG/go-sqlmock.v1"

	"github.com/Toss-Online-Services/pgoptimizer/src/collector"
	"github.com/Toss-Online-Services/pgoptimizer/src/models"
)

func nullLogger() *logrus.Logger {
	log, _ := test.NewNullLogger()
	return log
}

func TestIsMissingIndexCandidate(t *testing.T) {
	tests := []struct {
		name string
		row  TableScanRow
		want bool
	}{
		{"no index scans", TableScanRow{SeqScan: 50, IdxScan: 0, Writes: 1001}, true},
		{"ratio above five", TableScanRow{SeqScan: 600, IdxScan: 100, Writes: 5000}, true},
		{"ratio exactly five", TableScanRow{SeqScan: 500, IdxScan: 100, Writes: 5000}, false},
		{"too few writes", TableScanRow{SeqScan: 50000, IdxScan: 0, Writes: 1000}, false},
		{"never seq scanned", TableScanRow{SeqScan: 0, IdxScan: 0, Writes: 90000}, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, IsMissingIndexCandidate(tt.row))
		})
	}
}

func TestMissingIndexCandidates_SeverityAndImpact(t *testing.T) {
	recs := MissingIndexCandidates([]TableScanRow{
		{SchemaName: "public", TableName: "small", SeqScan: 9000, Writes: 2000},
		{SchemaName: "public", TableName: "medium", SeqScan: 20000, Writes: 2000},
		{SchemaName: "public", TableName: "large", SeqScan: 60000, Writes: 2000},
		{SchemaName: "public", TableName: "ignored", SeqScan: 60000, Writes: 10},
	})

	require.Len(t, recs, 3)
	assert.Equal(t, "large", recs[0].TableName)
	assert.Equal(t, models.SeverityHigh, recs[0].Severity)
	assert.Equal(t, models.ImpactHigh, recs[0].EstimatedImpact)

	assert.Equal(t, "medium", recs[1].TableName)
	assert.Equal(t, models.SeverityHigh, recs[1].Severity)
	assert.Equal(t, models.ImpactMedium, recs[1].EstimatedImpact)

	assert.Equal(t, "small", recs[2].TableName)
	assert.Equal(t, models.SeverityMedium, recs[2].Severity)
	assert.Equal(t, models.ImpactLow, recs[2].EstimatedImpact)

	for _, rec := range recs {
		assert.Equal(t, models.RecommendationMissingIndex, rec.Type)
		assert.Regexp(t, "^--", rec.SuggestedStatement)
	}
}

func TestMissingIndexCandidates_CappedAndOrdered(t *testing.T) {
	rows := make([]TableScanRow, 0, 30)
	for i := 0; i < 30; i++ {
		rows = append(rows, TableScanRow{
			SchemaName: "public",
			TableName:  fmt.Sprintf("t%02d", i),
			SeqScan:    int64(100 + i),
			Writes:     5000,
		})
	}

	recs := MissingIndexCandidates(rows)
	require.Len(t, recs, 20)
	assert.Equal(t, "t29", recs[0].TableName)
	assert.Equal(t, "t10", recs[19].TableName)
}

func TestUnusedIndexCandidates(t *testing.T) {
	recs := UnusedIndexCandidates([]IndexUsageRow{
		{SchemaName: "public", TableName: "orders", IndexName: "orders_pkey", SizeBytes: 50 << 20},
		{SchemaName: "public", TableName: "orders", IndexName: "orders_note_idx", SizeBytes: 2 << 20},
		{SchemaName: "sales", TableName: "Invoice", IndexName: "Invoice_Date_idx", SizeBytes: 8 << 20},
		{SchemaName: "public", TableName: "orders", IndexName: "tiny_idx", SizeBytes: 1 << 20},
		{SchemaName: "public", TableName: "orders", IndexName: "used_idx", IdxScan: 3, SizeBytes: 9 << 20},
	})

	require.Len(t, recs, 2)
	assert.Equal(t, "Invoice_Date_idx", recs[0].IndexName)
	assert.Equal(t, `DROP INDEX IF EXISTS "sales"."Invoice_Date_idx";`, recs[0].SuggestedStatement)
	assert.Equal(t, "orders_note_idx", recs[1].IndexName)

	for _, rec := range recs {
		assert.Equal(t, models.RecommendationUnusedIndex, rec.Type)
		assert.Equal(t, models.SeverityMedium, rec.Severity)
		assert.Equal(t, models.ImpactLow, rec.EstimatedImpact)
		assert.NotRegexp(t, "_pkey$", rec.IndexName)
	}
}

func TestIndexAdvisor_Recommend(t *testing.T) {
	mockDB, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer mockDB.Close()

	mock.ExpectQuery(regexp.QuoteMeta("FROM pg_stat_user_tables")).
		WillReturnRows(sqlmock.NewRows([]string{"schemaname", "relname", "seq_scan", "idx_scan", "writes"}).
			AddRow("public", "orders", int64(15000), int64(0), int64(4000)))
	mock.ExpectQuery(regexp.QuoteMeta("FROM pg_stat_user_indexes")).
		WillReturnRows(sqlmock.NewRows([]string{"schemaname", "relname", "indexrelname", "idx_scan", "index_size"}).
			AddRow("public", "orders", "orders_legacy_idx", int64(0), int64(4<<20)))

	recs, err := NewIndexAdvisor(nullLogger()).Recommend(context.Background(), sqlx.NewDb(mockDB, "sqlmock"))
	require.NoError(t, err)
	require.Len(t, recs, 2)

	assert.Equal(t, models.RecommendationMissingIndex, recs[0].Type, "missing-index candidates come first")
	assert.Equal(t, models.RecommendationUnusedIndex, recs[1].Type)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestIndexAdvisor_QueryFailure(t *testing.T) {
	mockDB, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer mockDB.Close()

	mock.ExpectQuery(regexp.QuoteMeta("FROM pg_stat_user_tables")).WillReturnError(fmt.Errorf("permission denied"))

	_, err = NewIndexAdvisor(nullLogger()).Recommend(context.Background(), sqlx.NewDb(mockDB, "sqlmock"))
	var qe *collector.QueryError
	assert.ErrorAs(t, err, &qe)
}
