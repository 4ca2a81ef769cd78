package optimizer

import (
	"context"
	"database/sql"
	"errors"
	"regexp"
	"testing"

	"github.com/jmoiron/sqlx"
	"github.com/sirupsen/logrus"
	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/DATA-DOG/go-sqlmock.v1"

	"github.com/Toss-Online-Services/pgoptimizer/src/db"
	"github.com/Toss-Online-Services/pgoptimizer/src/models"
)

var (
	rebuildColumns = []string{"schemaname", "relname", "indexrelname", "idx_scan", "index_size"}
	vacuumColumns  = []string{"schemaname", "relname", "n_dead_tup", "n_live_tup", "modifications"}
)

func newMockDB(t *testing.T) (*sqlx.DB, sqlmock.Sqlmock) {
	t.Helper()
	mockDB, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { mockDB.Close() })
	return sqlx.NewDb(mockDB, "sqlmock"), mock
}

func expectRebuildCandidates(mock sqlmock.Sqlmock, names ...string) {
	rows := sqlmock.NewRows(rebuildColumns)
	for _, name := range names {
		rows.AddRow("public", "orders", name, int64(5000), int64(64<<20))
	}
	mock.ExpectQuery(regexp.QuoteMeta("FROM pg_stat_user_indexes")).
		WithArgs(rebuildMinScans, rebuildMinBytes).
		WillReturnRows(rows)
}

func expectVacuumCandidates(mock sqlmock.Sqlmock, tables ...string) {
	rows := sqlmock.NewRows(vacuumColumns)
	for _, table := range tables {
		rows.AddRow("public", table, int64(250000), int64(1000000), int64(40000))
	}
	mock.ExpectQuery(regexp.QuoteMeta("FROM pg_stat_user_tables")).WillReturnRows(rows)
}

func TestMaintenanceExecutor_Run(t *testing.T) {
	sqlxDB, mock := newMockDB(t)

	mock.ExpectExec("^ANALYZE$").WillReturnResult(sqlmock.NewResult(0, 0))
	expectRebuildCandidates(mock, "orders_customer_idx", "orders_created_idx")
	mock.ExpectExec(regexp.QuoteMeta(`REINDEX INDEX CONCURRENTLY "public"."orders_customer_idx"`)).
		WillReturnError(errors.New("could not obtain lock"))
	mock.ExpectExec(regexp.QuoteMeta(`REINDEX INDEX CONCURRENTLY "public"."orders_created_idx"`)).
		WillReturnResult(sqlmock.NewResult(0, 0))
	expectVacuumCandidates(mock, "Order Lines")
	mock.ExpectExec(regexp.QuoteMeta(`VACUUM (ANALYZE) "public"."Order Lines"`)).
		WillReturnResult(sqlmock.NewResult(0, 0))

	log, hook := test.NewNullLogger()
	report, err := NewMaintenanceExecutor(Options{}, log).Run(context.Background(), sqlxDB)
	require.NoError(t, err)

	require.Len(t, report.Actions, 4)
	assert.Equal(t, models.StepRefreshStatistics, report.Actions[0].Step)
	assert.Equal(t, models.ActionFailed, report.Actions[1].Status)
	assert.Contains(t, report.Actions[1].Error, "could not obtain lock")
	assert.Equal(t, models.ActionSucceeded, report.Actions[2].Status)
	assert.Equal(t, models.StepReclaimDeadTuples, report.Actions[3].Step)
	assert.Equal(t, 3, report.Count(models.ActionSucceeded))
	assert.False(t, report.FinishedAt.Before(report.StartedAt))

	warnings := 0
	for _, entry := range hook.AllEntries() {
		if entry.Level == logrus.WarnLevel {
			warnings++
		}
	}
	assert.Equal(t, 1, warnings)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestMaintenanceExecutor_AnalyzeFailureIsFatal(t *testing.T) {
	sqlxDB, mock := newMockDB(t)
	boom := errors.New("permission denied")
	mock.ExpectExec("^ANALYZE$").WillReturnError(boom)

	log, _ := test.NewNullLogger()
	report, err := NewMaintenanceExecutor(Options{}, log).Run(context.Background(), sqlxDB)
	require.ErrorIs(t, err, boom)
	require.Len(t, report.Actions, 1)
	assert.Equal(t, models.ActionFailed, report.Actions[0].Status)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestMaintenanceExecutor_CatalogFailure(t *testing.T) {
	sqlxDB, mock := newMockDB(t)
	mock.ExpectExec("^ANALYZE$").WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectQuery(regexp.QuoteMeta("FROM pg_stat_user_indexes")).WillReturnError(errors.New("conn reset"))

	log, _ := test.NewNullLogger()
	_, err := NewMaintenanceExecutor(Options{}, log).Run(context.Background(), sqlxDB)
	assert.Error(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

// cancellingQuerier cancels the run once the first REINDEX has been issued
type cancellingQuerier struct {
	db.Querier
	cancel context.CancelFunc
}

func (c *cancellingQuerier) ExecContext(ctx context.Context, query string, args ...interface{}) (sql.Result, error) {
	res, err := c.Querier.ExecContext(ctx, query, args...)
	if regexp.MustCompile("^REINDEX").MatchString(query) {
		c.cancel()
	}
	return res, err
}

func TestMaintenanceExecutor_CancellationStopsIssuing(t *testing.T) {
	sqlxDB, mock := newMockDB(t)
	mock.ExpectExec("^ANALYZE$").WillReturnResult(sqlmock.NewResult(0, 0))
	expectRebuildCandidates(mock, "a_idx", "b_idx", "c_idx")
	mock.ExpectExec(regexp.QuoteMeta(`"public"."a_idx"`)).WillReturnResult(sqlmock.NewResult(0, 0))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	log, _ := test.NewNullLogger()
	report, err := NewMaintenanceExecutor(Options{}, log).Run(ctx, &cancellingQuerier{Querier: sqlxDB, cancel: cancel})
	require.ErrorIs(t, err, context.Canceled)

	assert.Len(t, report.Actions, 2)
	assert.NoError(t, mock.ExpectationsWereMet(), "no statement after cancellation")
}

// cancelMidStatementQuerier cancels the run while a REINDEX is in flight and
// records whether the statement's context could still be cancelled
type cancelMidStatementQuerier struct {
	db.Querier
	cancel      context.CancelFunc
	cancellable []bool
}

func (c *cancelMidStatementQuerier) ExecContext(ctx context.Context, query string, args ...interface{}) (sql.Result, error) {
	if regexp.MustCompile("^REINDEX").MatchString(query) {
		c.cancel()
	}
	c.cancellable = append(c.cancellable, ctx.Done() != nil)
	return c.Querier.ExecContext(ctx, query, args...)
}

func TestMaintenanceExecutor_StartedStatementRunsToCompletion(t *testing.T) {
	sqlxDB, mock := newMockDB(t)
	mock.ExpectExec("^ANALYZE$").WillReturnResult(sqlmock.NewResult(0, 0))
	expectRebuildCandidates(mock, "a_idx", "b_idx")
	mock.ExpectExec(regexp.QuoteMeta(`"public"."a_idx"`)).WillReturnResult(sqlmock.NewResult(0, 0))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	q := &cancelMidStatementQuerier{Querier: sqlxDB, cancel: cancel}

	log, _ := test.NewNullLogger()
	report, err := NewMaintenanceExecutor(Options{}, log).Run(ctx, q)
	require.ErrorIs(t, err, context.Canceled)

	assert.Equal(t, []bool{false, false}, q.cancellable)
	require.Len(t, report.Actions, 2)
	assert.Equal(t, models.ActionSucceeded, report.Actions[1].Status, "in-flight REINDEX is not interrupted")
	assert.NoError(t, mock.ExpectationsWereMet(), "b_idx is never issued")
}

func TestMaintenanceExecutor_VacuumFailureDoesNotStopLaterTables(t *testing.T) {
	sqlxDB, mock := newMockDB(t)

	mock.ExpectExec("^ANALYZE$").WillReturnResult(sqlmock.NewResult(0, 0))
	expectRebuildCandidates(mock)
	expectVacuumCandidates(mock, "orders", "order_lines", "invoices")
	mock.ExpectExec(regexp.QuoteMeta(`VACUUM (ANALYZE) "public"."orders"`)).
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectExec(regexp.QuoteMeta(`VACUUM (ANALYZE) "public"."order_lines"`)).
		WillReturnError(errors.New("canceling statement due to lock timeout"))
	mock.ExpectExec(regexp.QuoteMeta(`VACUUM (ANALYZE) "public"."invoices"`)).
		WillReturnResult(sqlmock.NewResult(0, 0))

	log, hook := test.NewNullLogger()
	report, err := NewMaintenanceExecutor(Options{}, log).Run(context.Background(), sqlxDB)
	require.NoError(t, err)

	require.Len(t, report.Actions, 4)
	assert.Equal(t, models.ActionFailed, report.Actions[2].Status)
	assert.Equal(t, `"public"."invoices"`, report.Actions[3].Target)
	assert.Equal(t, models.ActionSucceeded, report.Actions[3].Status)
	assert.Equal(t, 1, report.Count(models.ActionFailed))

	warnings := 0
	for _, entry := range hook.AllEntries() {
		if entry.Level == logrus.WarnLevel {
			warnings++
			assert.Equal(t, `"public"."order_lines"`, entry.Data["table"])
		}
	}
	assert.Equal(t, 1, warnings)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestMaintenanceExecutor_CancelledBeforeStart(t *testing.T) {
	sqlxDB, mock := newMockDB(t)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	log, _ := test.NewNullLogger()
	report, err := NewMaintenanceExecutor(Options{}, log).Run(ctx, sqlxDB)
	assert.ErrorIs(t, err, context.Canceled)
	assert.Empty(t, report.Actions)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestMaintenanceExecutor_DryRun(t *testing.T) {
	sqlxDB, mock := newMockDB(t)
	expectRebuildCandidates(mock, "orders_customer_idx")
	expectVacuumCandidates(mock, "orders", "order_lines")

	log, _ := test.NewNullLogger()
	report, err := NewMaintenanceExecutor(Options{DryRun: true}, log).Run(context.Background(), sqlxDB)
	require.NoError(t, err)

	assert.True(t, report.DryRun)
	assert.Len(t, report.Actions, 4)
	assert.Equal(t, 4, report.Count(models.ActionDryRun))
	assert.Equal(t, "ANALYZE", report.Actions[0].Statement)
	assert.NoError(t, mock.ExpectationsWereMet(), "dry run issues only catalog reads")
}

func TestNeedsRebuild(t *testing.T) {
	assert.True(t, NeedsRebuild(RebuildCandidate{IdxScan: 1001, SizeBytes: 10<<20 + 1}))
	assert.False(t, NeedsRebuild(RebuildCandidate{IdxScan: 1000, SizeBytes: 50 << 20}))
	assert.False(t, NeedsRebuild(RebuildCandidate{IdxScan: 50000, SizeBytes: 10 << 20}))
}

func TestNeedsVacuum(t *testing.T) {
	tests := []struct {
		name string
		c    VacuumCandidate
		want bool
	}{
		{"floor applies to small tables", VacuumCandidate{DeadTuples: 900, LiveTuples: 100}, false},
		{"above floor", VacuumCandidate{DeadTuples: 1001, LiveTuples: 100}, true},
		{"ten percent of large table", VacuumCandidate{DeadTuples: 100001, LiveTuples: 1000000}, true},
		{"below ten percent", VacuumCandidate{DeadTuples: 90000, LiveTuples: 1000000}, false},
		{"heavy churn", VacuumCandidate{Modifications: 10001}, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, NeedsVacuum(tt.c))
		})
	}
}

func TestQualifiedName(t *testing.T) {
	assert.Equal(t, `"public"."orders"`, qualifiedName("public", "orders"))
	assert.Equal(t, `"sales"."we""ird"`, qualifiedName("sales", `we"ird`))
}
