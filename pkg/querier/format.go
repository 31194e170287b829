package querier

import (
	"fmt"
	"strings"

	"github.com/olekukonko/tablewriter"
)

const maxDisplayRows = 50

// FormatResult renders a result as a compact text table for prompts and
// push messages.
func FormatResult(result Result) string {
	if result.Error != "" {
		return fmt.Sprintf("Error: %s", result.Error)
	}
	if len(result.Rows) == 0 {
		return "Query returned no results."
	}

	var sb strings.Builder
	sb.WriteString(fmt.Sprintf("Results (%d rows):\n", result.TotalRows))

	table := tablewriter.NewWriter(&sb)
	table.SetHeader(result.Columns)
	table.SetAutoFormatHeaders(false)
	table.SetAutoWrapText(false)
	table.SetBorder(false)

	display := len(result.Rows)
	if display > maxDisplayRows {
		display = maxDisplayRows
	}
	for i := 0; i < display; i++ {
		row := make([]string, len(result.Columns))
		for j, col := range result.Columns {
			row[j] = formatValue(result.Rows[i][col])
		}
		table.Append(row)
	}
	table.Render()

	if result.TotalRows > maxDisplayRows {
		sb.WriteString(fmt.Sprintf("... and %d more rows\n", result.TotalRows-maxDisplayRows))
	}

	return sb.String()
}

// formatValue formats one cell. Floats are rounded to 2 decimal places so
// long decimals do not read as encoded values downstream.
func formatValue(v any) string {
	switch val := v.(type) {
	case float64:
		if val == float64(int64(val)) {
			return fmt.Sprintf("%.0f", val)
		}
		return fmt.Sprintf("%.2f", val)
	case float32:
		if val == float32(int32(val)) {
			return fmt.Sprintf("%.0f", val)
		}
		return fmt.Sprintf("%.2f", val)
	case nil:
		return ""
	default:
		s := fmt.Sprintf("%v", v)
		if len(s) > 100 {
			s = s[:97] + "..."
		}
		return s
	}
}
