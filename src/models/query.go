package models

// SlowQueryAnalysis is one row of the slow-query ranking
type SlowQueryAnalysis struct {
	Query           string  `json:"query" yaml:"query"`
	Calls           int64   `json:"calls" yaml:"calls"`
	TotalTimeMs     float64 `json:"total_time_ms" yaml:"total_time_ms"`
	MeanTimeMs      float64 `json:"mean_time_ms" yaml:"mean_time_ms"`
	MaxTimeMs       float64 `json:"max_time_ms" yaml:"max_time_ms"`
	StddevTimeMs    float64 `json:"stddev_time_ms" yaml:"stddev_time_ms"`
	Rows            int64   `json:"rows" yaml:"rows"`
	CacheHitPercent float64 `json:"cache_hit_percent" yaml:"cache_hit_percent"`

	// Derived from the statement text; empty when the text does not parse
	// (pg_stat_statements truncates long statements).
	Fingerprint string   `json:"fingerprint,omitempty" yaml:"fingerprint,omitempty"`
	QueryType   string   `json:"query_type,omitempty" yaml:"query_type,omitempty"`
	Tables      []string `json:"tables,omitempty" yaml:"tables,omitempty"`
}

// SlowQueryReport is the result of ranking slow queries. Available is false
// when the pg_stat_statements extension is not installed on the target; in
// that case Queries is empty and this is not an error.
type SlowQueryReport struct {
	Available bool                `json:"available" yaml:"available"`
	Queries   []SlowQueryAnalysis `json:"queries" yaml:"queries"`
}

// QueryAnalysis represents the result of parsing a SQL statement
type QueryAnalysis struct {
	Query       string   `json:"query"`
	Normalized  string   `json:"normalized"`
	Fingerprint string   `json:"fingerprint"`
	QueryType   string   `json:"query_type"`
	Tables      []string `json:"tables"`
	HasJoin     bool     `json:"has_join"`
	HasSubquery bool     `json:"has_subquery"`
	Warnings    []string `json:"warnings"`
}

// NewQueryAnalysis creates a new QueryAnalysis instance
func NewQueryAnalysis(query string) *QueryAnalysis {
	return &QueryAnalysis{
		Query:    query,
		Tables:   make([]string, 0),
		Warnings: make([]string, 0),
	}
}

// AddWarning adds a warning to the analysis
func (qa *QueryAnalysis) AddWarning(warning string) {
	qa.Warnings = append(qa.Warnings, warning)
}

// AddTable records a referenced relation once
func (qa *QueryAnalysis) AddTable(name string) {
	for _, t := range qa.Tables {
		if t == name {
			return
		}
	}
	qa.Tables = append(qa.Tables, name)
}

// TruncateQuery shortens a statement to at most max characters, marking the
// cut with "...".
func TruncateQuery(query string, max int) string {
	runes := []rune(query)
	if max <= 0 || len(runes) <= max {
		return query
	}
	return string(runes[:max]) + "..."
}
