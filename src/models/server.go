package models

import "time"

// ServerInfo describes the monitored PostgreSQL server
type ServerInfo struct {
	Version     string            `json:"version" yaml:"version"`
	VersionNum  int               `json:"version_num" yaml:"version_num"`
	Database    string            `json:"database" yaml:"database"`
	Extensions  []string          `json:"extensions" yaml:"extensions"`
	Settings    map[string]string `json:"settings" yaml:"settings"`
	InspectedAt time.Time         `json:"inspected_at" yaml:"inspected_at"`
}

// HasExtension reports whether the named extension is installed
func (s *ServerInfo) HasExtension(name string) bool {
	for _, ext := range s.Extensions {
		if ext == name {
			return true
		}
	}
	return false
}
