package collector

import (
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/lib/pq"

	"github.com/Toss-Online-Services/pgoptimizer/src/models"
)

var (
	// ErrStatisticsUnavailable means the primary statistics query returned no
	// row. A cycle cannot be scored without it.
	ErrStatisticsUnavailable = errors.New("database statistics unavailable")

	// ErrQueryStatsUnavailable means pg_stat_statements is not installed or not
	// loaded on the target.
	ErrQueryStatsUnavailable = errors.New("query statistics extension unavailable")
)

// SQLSTATE codes that prove pg_stat_statements cannot be read.
const (
	sqlStateUndefinedTable    = "42P01"
	sqlStateObjectNotInPrereq = "55000"
	sqlStateUndefinedFunction = "42883"
	queryErrorMaxLen          = 100
)

// QueryError wraps a failed catalog query
type QueryError struct {
	Query string
	Err   error
}

// NewQueryError creates a new QueryError. Long queries are truncated.
func NewQueryError(query string, err error) *QueryError {
	return &QueryError{Query: models.TruncateQuery(query, queryErrorMaxLen), Err: err}
}

func (e *QueryError) Error() string {
	return fmt.Sprintf("query failed [%s]: %v", e.Query, e.Err)
}

func (e *QueryError) Unwrap() error {
	return e.Err
}

// sqlState extracts the SQLSTATE from either driver's error type
func sqlState(err error) string {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code
	}
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		return string(pqErr.Code)
	}
	return ""
}

// isQueryStatsMissing reports whether err means the pg_stat_statements view
// is absent rather than a transient failure.
func isQueryStatsMissing(err error) bool {
	switch sqlState(err) {
	case sqlStateUndefinedTable, sqlStateObjectNotInPrereq, sqlStateUndefinedFunction:
		return true
	}
	return false
}
