package analyzer

import (
	"fmt"
	"strings"
	"sync"

	pg_query "github.com/pganalyze/pg_query_go/v6"

	"github.com/Toss-Online-Services/pgoptimizer/src/models"
)

// maxCachedQueries bounds the parse cache. The cache is dropped wholesale
// when it fills up.
const maxCachedQueries = 1024

// QueryAnalyzer parses statement text with the PostgreSQL parser
type QueryAnalyzer struct {
	mu    sync.Mutex
	cache map[string]*models.QueryAnalysis
}

// NewQueryAnalyzer creates a new QueryAnalyzer instance
func NewQueryAnalyzer() *QueryAnalyzer {
	return &QueryAnalyzer{
		cache: make(map[string]*models.QueryAnalysis),
	}
}

// Analyze parses query and reports its type, fingerprint, referenced tables
// and obvious hazards. The returned value is shared and must not be modified.
func (qa *QueryAnalyzer) Analyze(query string) (*models.QueryAnalysis, error) {
	key := strings.TrimSpace(query)
	if key == "" {
		return nil, fmt.Errorf("empty query")
	}

	qa.mu.Lock()
	cached, ok := qa.cache[key]
	qa.mu.Unlock()
	if ok {
		return cached, nil
	}

	parseResult, err := pg_query.Parse(key)
	if err != nil {
		return nil, fmt.Errorf("failed to parse query: %w", err)
	}

	analysis := models.NewQueryAnalysis(key)
	if normalized, err := pg_query.Normalize(key); err == nil {
		analysis.Normalized = normalized
	}
	if fingerprint, err := pg_query.Fingerprint(key); err == nil {
		analysis.Fingerprint = fingerprint
	}

	qa.analyzeStatements(parseResult.Stmts, analysis)

	qa.mu.Lock()
	if len(qa.cache) >= maxCachedQueries {
		qa.cache = make(map[string]*models.QueryAnalysis)
	}
	qa.cache[key] = analysis
	qa.mu.Unlock()

	return analysis, nil
}

// Enrich fills the text-derived fields of a ranked statement. Text that does
// not parse, such as a statement cut off by track_activity_query_size, is
// left as is.
func (qa *QueryAnalyzer) Enrich(sq *models.SlowQueryAnalysis) {
	analysis, err := qa.Analyze(sq.Query)
	if err != nil {
		return
	}
	sq.Fingerprint = analysis.Fingerprint
	sq.QueryType = analysis.QueryType
	sq.Tables = append([]string(nil), analysis.Tables...)
}

func (qa *QueryAnalyzer) analyzeStatements(stmts []*pg_query.RawStmt, analysis *models.QueryAnalysis) {
	if len(stmts) > 1 {
		analysis.QueryType = "MULTI"
	}

	for _, stmt := range stmts {
		if stmt.Stmt == nil {
			continue
		}

		queryType := "OTHER"
		switch node := stmt.Stmt.Node.(type) {
		case *pg_query.Node_SelectStmt:
			queryType = "SELECT"
			qa.analyzeSelectStmt(node.SelectStmt, analysis)
		case *pg_query.Node_InsertStmt:
			queryType = "INSERT"
			addRelation(node.InsertStmt.Relation, analysis)
			if sel := node.InsertStmt.SelectStmt; sel != nil {
				if s, ok := sel.Node.(*pg_query.Node_SelectStmt); ok {
					qa.analyzeSelectStmt(s.SelectStmt, analysis)
				}
			}
		case *pg_query.Node_UpdateStmt:
			queryType = "UPDATE"
			addRelation(node.UpdateStmt.Relation, analysis)
			qa.analyzeFromClause(node.UpdateStmt.FromClause, analysis)
			if node.UpdateStmt.WhereClause == nil {
				analysis.AddWarning("UPDATE without WHERE clause will affect all rows")
			} else if containsSubLink(node.UpdateStmt.WhereClause) {
				analysis.HasSubquery = true
			}
		case *pg_query.Node_DeleteStmt:
			queryType = "DELETE"
			addRelation(node.DeleteStmt.Relation, analysis)
			if node.DeleteStmt.WhereClause == nil {
				analysis.AddWarning("DELETE without WHERE clause will delete all rows")
			} else if containsSubLink(node.DeleteStmt.WhereClause) {
				analysis.HasSubquery = true
			}
		case *pg_query.Node_VacuumStmt:
			queryType = "MAINTENANCE"
		case *pg_query.Node_IndexStmt, *pg_query.Node_CreateStmt, *pg_query.Node_AlterTableStmt, *pg_query.Node_DropStmt:
			queryType = "DDL"
		}

		if analysis.QueryType == "" {
			analysis.QueryType = queryType
		}
	}
}

func (qa *QueryAnalyzer) analyzeSelectStmt(stmt *pg_query.SelectStmt, analysis *models.QueryAnalysis) {
	if stmt == nil {
		return
	}

	// UNION, INTERSECT and EXCEPT keep their branches in Larg and Rarg
	if stmt.Larg != nil || stmt.Rarg != nil {
		qa.analyzeSelectStmt(stmt.Larg, analysis)
		qa.analyzeSelectStmt(stmt.Rarg, analysis)
		return
	}

	if stmt.WithClause != nil {
		analysis.HasSubquery = true
	}
	qa.analyzeFromClause(stmt.FromClause, analysis)
	if containsSubLink(stmt.WhereClause) {
		analysis.HasSubquery = true
	}

	if hasSelectAll(stmt) {
		analysis.AddWarning("SELECT * can be inefficient - consider specifying only needed columns")
	}
}

func (qa *QueryAnalyzer) analyzeFromClause(fromClause []*pg_query.Node, analysis *models.QueryAnalysis) {
	for _, node := range fromClause {
		if node == nil {
			continue
		}

		switch from := node.Node.(type) {
		case *pg_query.Node_RangeVar:
			addRelation(from.RangeVar, analysis)
		case *pg_query.Node_JoinExpr:
			analysis.HasJoin = true
			if from.JoinExpr == nil {
				continue
			}
			if from.JoinExpr.Jointype == pg_query.JoinType_JOIN_FULL {
				analysis.AddWarning("FULL OUTER JOIN can be expensive - verify it's necessary")
			}
			qa.analyzeFromClause([]*pg_query.Node{from.JoinExpr.Larg, from.JoinExpr.Rarg}, analysis)
		case *pg_query.Node_RangeSubselect:
			analysis.HasSubquery = true
			if from.RangeSubselect != nil && from.RangeSubselect.Subquery != nil {
				if s, ok := from.RangeSubselect.Subquery.Node.(*pg_query.Node_SelectStmt); ok {
					qa.analyzeSelectStmt(s.SelectStmt, analysis)
				}
			}
		}
	}
}

func addRelation(rv *pg_query.RangeVar, analysis *models.QueryAnalysis) {
	if rv == nil || rv.Relname == "" {
		return
	}
	if rv.Schemaname != "" {
		analysis.AddTable(rv.Schemaname + "." + rv.Relname)
		return
	}
	analysis.AddTable(rv.Relname)
}

// containsSubLink looks for a subquery inside a boolean or operator
// expression tree.
func containsSubLink(node *pg_query.Node) bool {
	if node == nil {
		return false
	}

	switch n := node.Node.(type) {
	case *pg_query.Node_SubLink:
		return true
	case *pg_query.Node_BoolExpr:
		for _, arg := range n.BoolExpr.Args {
			if containsSubLink(arg) {
				return true
			}
		}
	case *pg_query.Node_AExpr:
		return containsSubLink(n.AExpr.Lexpr) || containsSubLink(n.AExpr.Rexpr)
	}
	return false
}

func hasSelectAll(stmt *pg_query.SelectStmt) bool {
	for _, target := range stmt.TargetList {
		resTarget, ok := target.GetNode().(*pg_query.Node_ResTarget)
		if !ok || resTarget.ResTarget == nil || resTarget.ResTarget.Val == nil {
			continue
		}
		columnRef, ok := resTarget.ResTarget.Val.Node.(*pg_query.Node_ColumnRef)
		if !ok || columnRef.ColumnRef == nil {
			continue
		}
		for _, field := range columnRef.ColumnRef.Fields {
			if _, ok := field.GetNode().(*pg_query.Node_AStar); ok {
				return true
			}
		}
	}
	return false
}
