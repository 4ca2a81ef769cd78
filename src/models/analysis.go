package models

import "time"

// ScoreBreakdown records the four independent penalties subtracted from 100.
type ScoreBreakdown struct {
	ScanRatioPenalty      int `json:"scan_ratio_penalty" yaml:"scan_ratio_penalty"`
	RecommendationPenalty int `json:"recommendation_penalty" yaml:"recommendation_penalty"`
	SlowQueryPenalty      int `json:"slow_query_penalty" yaml:"slow_query_penalty"`
	ConnectionPenalty     int `json:"connection_penalty" yaml:"connection_penalty"`
}

// Total returns the sum of all penalties
func (b ScoreBreakdown) Total() int {
	return b.ScanRatioPenalty + b.RecommendationPenalty + b.SlowQueryPenalty + b.ConnectionPenalty
}

// PerformanceAnalysisResult is the unit of work passed from analysis to the
// remediation decision.
type PerformanceAnalysisResult struct {
	Statistics           *DatabaseStatistics   `json:"statistics" yaml:"statistics"`
	IndexRecommendations []IndexRecommendation `json:"index_recommendations" yaml:"index_recommendations"`
	SlowQueries          []SlowQueryAnalysis   `json:"slow_queries" yaml:"slow_queries"`
	QueryStatsAvailable  bool                  `json:"query_stats_available" yaml:"query_stats_available"`
	AnalyzedAt           time.Time             `json:"analyzed_at" yaml:"analyzed_at"`
	OverallScore         int                   `json:"overall_score" yaml:"overall_score"`
	Breakdown            ScoreBreakdown        `json:"score_breakdown" yaml:"score_breakdown"`
}
