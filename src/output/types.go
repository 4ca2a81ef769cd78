package output

import "time"

// Response is the envelope every CLI command prints
type Response struct {
	Success   bool        `json:"success"             yaml:"success"`
	Timestamp time.Time   `json:"timestamp"           yaml:"timestamp"`
	Command   string      `json:"command"             yaml:"command"`
	Data      interface{} `json:"data,omitempty"      yaml:"data,omitempty"`
	Error     *string     `json:"error,omitempty"     yaml:"error,omitempty"`

	// Tables are the human-readable rendering of Data used by FormatTable
	Tables []*Table `json:"-" yaml:"-"`
}

// Table is a titled grid of cells
type Table struct {
	Title   string
	Headers []string
	Rows    [][]string
}

// Format represents the output serialization format.
type Format string

const (
	FormatJSON  Format = "json"
	FormatTable Format = "table"
	FormatYAML  Format = "yaml"
)

// Valid reports whether f is a supported format
func (f Format) Valid() bool {
	switch f {
	case FormatJSON, FormatTable, FormatYAML:
		return true
	}
	return false
}
