package cli

import (
	"fmt"

	"github.com/apache/arrow-go/v18/arrow"
	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"duck-flight/internal/container"
)

func newInspectCmd(_ *settings) *cobra.Command {
	var chunks bool

	cmd := &cobra.Command{
		Use:   "inspect <container>",
		Short: "Show the footer metadata of a container",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			info, err := container.Inspect(args[0])
			if err != nil {
				return err
			}

			var groups []map[string]interface{}
			if chunks {
				err := container.ReadChunks(cmd.Context(), args[0], func(idx int, rec arrow.Record) error {
					groups = append(groups, map[string]interface{}{
						"row_group": idx,
						"rows":      rec.NumRows(),
						"columns":   rec.NumCols(),
					})
					return nil
				})
				if err != nil {
					return err
				}
			}

			columns := make([]map[string]string, info.Schema.NumFields())
			for i, f := range info.Schema.Fields() {
				columns[i] = map[string]string{"name": f.Name, "type": f.Type.String()}
			}

			w := cmd.OutOrStdout()
			if getOutputFormat(cmd) == "json" {
				obj := map[string]interface{}{
					"path":       info.Path,
					"rows":       info.Rows,
					"row_groups": info.RowGroups,
					"bytes":      info.Bytes,
					"created_by": info.CreatedBy,
					"columns":    columns,
				}
				if chunks {
					obj["chunks"] = groups
				}
				return printJSON(w, obj)
			}

			if err := printFields(w, [][2]string{
				{"path", info.Path},
				{"rows", humanize.Comma(info.Rows)},
				{"row_groups", fmt.Sprint(len(info.RowGroups))},
				{"size", humanize.Bytes(uint64(info.Bytes))},
				{"created_by", info.CreatedBy},
			}); err != nil {
				return err
			}
			_, _ = fmt.Fprintln(w)

			rows := make([][]interface{}, len(columns))
			for i, c := range columns {
				rows[i] = []interface{}{c["name"], c["type"]}
			}
			if err := printTable(w, []string{"COLUMN", "TYPE"}, rows, 0); err != nil {
				return err
			}
			if !chunks {
				return nil
			}
			_, _ = fmt.Fprintln(w)
			rows = make([][]interface{}, len(groups))
			for i, g := range groups {
				rows[i] = []interface{}{g["row_group"], g["rows"]}
			}
			return printTable(w, []string{"ROW GROUP", "ROWS"}, rows, 0)
		},
	}

	cmd.Flags().BoolVar(&chunks, "chunks", false, "Read each row group and report its size")

	return cmd
}
