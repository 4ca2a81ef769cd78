package collector

import (
	"context"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/Toss-Online-Services/pgoptimizer/src/db"
	"github.com/Toss-Online-Services/pgoptimizer/src/models"
)

// QueryStatsExtension is the extension the slow query ranker reads from
const QueryStatsExtension = "pg_stat_statements"

// legacyQueryStatsVersion is the first server_version_num whose
// pg_stat_statements exposes the *_exec_time columns.
const legacyQueryStatsVersion = 130000

// ServerInspector reads version, settings and extension information
type ServerInspector struct {
	log *logrus.Logger
}

// NewServerInspector creates a new ServerInspector instance
func NewServerInspector(log *logrus.Logger) *ServerInspector {
	return &ServerInspector{log: log}
}

type serverRow struct {
	Version    string `db:"version"`
	VersionNum int    `db:"version_num"`
	Database   string `db:"database"`
}

type settingRow struct {
	Name    string `db:"name"`
	Setting string `db:"setting"`
	Unit    string `db:"unit"`
}

type capabilityRow struct {
	VersionNum   int  `db:"version_num"`
	HasExtension bool `db:"has_extension"`
}

const serverQuery = `
	SELECT
		version() AS version,
		current_setting('server_version_num')::int AS version_num,
		current_database() AS database
`

const settingsQuery = `
	SELECT name, setting, COALESCE(unit, '') AS unit
	FROM pg_settings
	WHERE name IN (
		'max_connections',
		'shared_buffers',
		'effective_cache_size',
		'maintenance_work_mem',
		'work_mem',
		'autovacuum',
		'track_counts',
		'shared_preload_libraries'
	)
	ORDER BY name
`

const extensionsQuery = `
	SELECT extname
	FROM pg_extension
	ORDER BY extname
`

const capabilityQuery = `
	SELECT
		current_setting('server_version_num')::int AS version_num,
		EXISTS (SELECT 1 FROM pg_extension WHERE extname = $1) AS has_extension
`

// Inspect collects a snapshot of the server
func (si *ServerInspector) Inspect(ctx context.Context, q db.Querier) (*models.ServerInfo, error) {
	var row serverRow
	if err := q.GetContext(ctx, &row, serverQuery); err != nil {
		return nil, NewQueryError(serverQuery, err)
	}

	info := &models.ServerInfo{
		Version:     row.Version,
		VersionNum:  row.VersionNum,
		Database:    row.Database,
		Extensions:  make([]string, 0),
		Settings:    make(map[string]string),
		InspectedAt: time.Now(),
	}

	var settings []settingRow
	if err := q.SelectContext(ctx, &settings, settingsQuery); err != nil {
		return nil, NewQueryError(settingsQuery, err)
	}
	for _, s := range settings {
		info.Settings[s.Name] = s.Setting + s.Unit
	}

	if err := q.SelectContext(ctx, &info.Extensions, extensionsQuery); err != nil {
		return nil, NewQueryError(extensionsQuery, err)
	}

	si.log.WithFields(logrus.Fields{
		"version_num": info.VersionNum,
		"extensions":  len(info.Extensions),
	}).Debug("Inspected server")

	return info, nil
}

// QueryStatsCapability reports the server version and whether
// pg_stat_statements is installed in the current database.
func (si *ServerInspector) QueryStatsCapability(ctx context.Context, q db.Querier) (int, bool, error) {
	var row capabilityRow
	if err := q.GetContext(ctx, &row, capabilityQuery, QueryStatsExtension); err != nil {
		return 0, false, NewQueryError(capabilityQuery, err)
	}
	return row.VersionNum, row.HasExtension, nil
}
