package models

import "time"

// DatabaseStatistics is a point-in-time snapshot of the engine's cumulative
// statistics counters for the connected database.
//
// Counters only grow between engine-side resets. A reset (pg_stat_reset) can
// happen at any time and shows up as smaller values in the next snapshot.
type DatabaseStatistics struct {
	DatabaseSizeBytes int64     `json:"database_size_bytes" yaml:"database_size_bytes"`
	ActiveConnections int64     `json:"active_connections" yaml:"active_connections"`
	TotalConnections  int64     `json:"total_connections" yaml:"total_connections"`
	SeqScans          int64     `json:"seq_scans" yaml:"seq_scans"`
	IndexScans        int64     `json:"index_scans" yaml:"index_scans"`
	Inserts           int64     `json:"inserts" yaml:"inserts"`
	Updates           int64     `json:"updates" yaml:"updates"`
	Deletes           int64     `json:"deletes" yaml:"deletes"`
	TableCount        int64     `json:"table_count" yaml:"table_count"`
	IndexCount        int64     `json:"index_count" yaml:"index_count"`
	StatsAgeSeconds   float64   `json:"stats_age_seconds" yaml:"stats_age_seconds"`
	CollectedAt       time.Time `json:"collected_at" yaml:"collected_at"`
}

// SeqScanRatio returns seq / (seq + idx). The second return value is false
// when either counter is zero, in which case the ratio is not meaningful.
func (s *DatabaseStatistics) SeqScanRatio() (float64, bool) {
	if s == nil || s.SeqScans <= 0 || s.IndexScans <= 0 {
		return 0, false
	}
	return float64(s.SeqScans) / float64(s.SeqScans+s.IndexScans), true
}

// Modifications returns the total row-modifying operations.
func (s *DatabaseStatistics) Modifications() int64 {
	return s.Inserts + s.Updates + s.Deletes
}
