package output

import (
	"encoding/json"
	"fmt"
	"strings"
	"text/tabwriter"
	"time"

	"gopkg.in/yaml.v3"
)

// Success constructs a successful Response with the given command name and data payload.
func Success(command string, data interface{}) Response {
	return Response{
		Success:   true,
		Timestamp: time.Now().UTC(),
		Command:   command,
		Data:      data,
	}
}

// Failure constructs a failed Response capturing the error message.
func Failure(command string, err error) Response {
	msg := err.Error()
	return Response{
		Success:   false,
		Timestamp: time.Now().UTC(),
		Command:   command,
		Error:     &msg,
	}
}

// WithTables attaches the tables rendered by FormatTable
func (r Response) WithTables(tables ...*Table) Response {
	r.Tables = append(r.Tables, tables...)
	return r
}

// FormatResponse serializes a Response into the requested format string.
func FormatResponse(r Response, format Format) (string, error) {
	switch format {
	case FormatJSON:
		b, err := json.MarshalIndent(r, "", "  ")
		if err != nil {
			return "", fmt.Errorf("json marshal: %w", err)
		}
		return string(b), nil
	case FormatYAML:
		b, err := yaml.Marshal(r)
		if err != nil {
			return "", fmt.Errorf("yaml marshal: %w", err)
		}
		return string(b), nil
	case FormatTable:
		return formatTable(r), nil
	default:
		return "", fmt.Errorf("unsupported format: %q", format)
	}
}

func formatTable(r Response) string {
	status := "SUCCESS"
	if !r.Success {
		status = "FAILURE"
	}

	var sb strings.Builder
	sb.WriteString(fmt.Sprintf("%-12s %-20s %s\n", "STATUS", "COMMAND", "TIMESTAMP"))
	sb.WriteString(fmt.Sprintf("%-12s %-20s %s\n", status, r.Command, r.Timestamp.Format(time.RFC3339)))
	if r.Error != nil {
		sb.WriteString(fmt.Sprintf("ERROR: %s\n", *r.Error))
	}
	for _, t := range r.Tables {
		sb.WriteString("\n")
		writeTable(&sb, t)
	}
	return sb.String()
}

func writeTable(sb *strings.Builder, t *Table) {
	if t.Title != "" {
		sb.WriteString(t.Title + "\n")
	}

	tw := tabwriter.NewWriter(sb, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, strings.Join(t.Headers, "\t"))
	for _, row := range t.Rows {
		fmt.Fprintln(tw, strings.Join(row, "\t"))
	}
	tw.Flush()
}
