package cli

import (
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"
)

// getOutputFormat returns the effective output format from the root command's persistent flags.
func getOutputFormat(cmd *cobra.Command) string {
	v, _ := cmd.Root().PersistentFlags().GetString("output")
	return v
}

func validateOutputFormat(output string) error {
	if output != "" && output != "table" && output != "json" {
		return fmt.Errorf("unsupported output format %q: use 'table' or 'json'", output)
	}
	return nil
}

func printJSON(w io.Writer, v interface{}) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

// printTable writes rows under headers, aligned in columns. At most maxRows
// rows are printed; maxRows <= 0 prints all of them.
func printTable(w io.Writer, headers []string, rows [][]interface{}, maxRows int) error {
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	if _, err := fmt.Fprintln(tw, strings.Join(headers, "\t")); err != nil {
		return err
	}
	shown := len(rows)
	if maxRows > 0 && shown > maxRows {
		shown = maxRows
	}
	for _, row := range rows[:shown] {
		cells := make([]string, len(row))
		for i, v := range row {
			cells[i] = formatCell(v)
		}
		if _, err := fmt.Fprintln(tw, strings.Join(cells, "\t")); err != nil {
			return err
		}
	}
	if err := tw.Flush(); err != nil {
		return err
	}
	if shown < len(rows) {
		_, err := fmt.Fprintf(w, "... %d more rows\n", len(rows)-shown)
		return err
	}
	return nil
}

// printFields writes key/value pairs in two aligned columns.
func printFields(w io.Writer, fields [][2]string) error {
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	for _, f := range fields {
		if _, err := fmt.Fprintf(tw, "%s:\t%s\n", f[0], f[1]); err != nil {
			return err
		}
	}
	return tw.Flush()
}

func formatCell(v interface{}) string {
	switch x := v.(type) {
	case nil:
		return "NULL"
	case []byte:
		return fmt.Sprintf("0x%x", x)
	case time.Time:
		return x.Format(time.RFC3339Nano)
	case float64:
		return fmt.Sprintf("%.6g", x)
	case float32:
		return fmt.Sprintf("%.6g", x)
	default:
		return fmt.Sprintf("%v", x)
	}
}

// jsonRows converts result rows into JSON-friendly objects keyed by column.
func jsonRows(columns []string, rows [][]interface{}) []map[string]interface{} {
	out := make([]map[string]interface{}, len(rows))
	for i, row := range rows {
		obj := make(map[string]interface{}, len(columns))
		for j, col := range columns {
			if j >= len(row) {
				continue
			}
			switch v := row[j].(type) {
			case []byte:
				obj[col] = fmt.Sprintf("0x%x", v)
			case time.Time:
				obj[col] = v
			case fmt.Stringer:
				obj[col] = v.String()
			default:
				obj[col] = v
			}
		}
		out[i] = obj
	}
	return out
}
