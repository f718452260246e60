package commands

import (
	"context"
	"encoding/json"
	"os"
	"strconv"
	"time"

	"github.com/spf13/cobra"

	"github.com/WolfgangFahl/djvu-viewer/cmd/djvu/ui"
	"github.com/WolfgangFahl/djvu-viewer/internal/catalog"
)

var statsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Show catalog statistics",
	Long:  "Show file and page totals plus a per-year breakdown of the cataloged library.",
	RunE:  runStats,
}

func init() {
	rootCmd.AddCommand(statsCmd)
}

func runStats(cmd *cobra.Command, args []string) error {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
	defer cancel()

	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	logger := newLogger(cfg)

	registry, err := loadRegistry(cfg)
	if err != nil {
		return err
	}
	store, err := openStore(cfg, logger)
	if err != nil {
		return err
	}
	defer store.Close()
	executor := catalog.NewExecutor(store, registry, logger)

	totals, err := executor.Query(ctx, "catalog.totals", nil)
	if err != nil {
		return err
	}
	byYear, err := executor.Query(ctx, "catalog.stats", nil)
	if err != nil {
		return err
	}

	if jsonOut {
		out := struct {
			Totals catalog.Row   `json:"totals,omitempty"`
			ByYear []catalog.Row `json:"by_year"`
		}{ByYear: byYear.Rows}
		if len(totals.Rows) > 0 {
			out.Totals = totals.Rows[0]
		}
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(out)
	}

	ui.Section("Catalog Statistics")
	if len(totals.Rows) > 0 {
		row := totals.Rows[0]
		ui.KeyValue("Files", formatCell(row["files"]))
		ui.KeyValue("Pages", formatCell(row["pages"]))
	}
	ui.Newline()

	rows := make([][]string, 0, len(byYear.Rows))
	for _, row := range byYear.Rows {
		rows = append(rows, []string{
			formatCell(row["year"]),
			formatCell(row["files"]),
			formatCell(row["pages"]),
			formatSize(row["total_size"]),
		})
	}
	ui.Table([]string{"Year", "Files", "Pages", "Total size"}, rows)
	return nil
}

// formatSize renders a byte count column. Aggregates come back as
// int64 from sqlite but as numeric strings from postgres.
func formatSize(v any) string {
	switch n := v.(type) {
	case int64:
		return ui.FormatBytes(n)
	case string:
		if parsed, err := strconv.ParseInt(n, 10, 64); err == nil {
			return ui.FormatBytes(parsed)
		}
	}
	return formatCell(v)
}
