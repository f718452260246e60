package commands

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/WolfgangFahl/djvu-viewer/cmd/djvu/ui"
	"github.com/WolfgangFahl/djvu-viewer/internal/catalog"
)

var (
	queryList   bool
	queryParams []string
)

var queryCmd = &cobra.Command{
	Use:   "query [name]",
	Short: "Run a named catalog query",
	Long: `Run one of the named queries from the registry against the catalog and
print the rows as a table, or as JSON with --json. Registry entries come
from the built-in set plus the queries file named in the configuration.`,
	Args: cobra.MaximumNArgs(1),
	RunE: runQuery,
}

func init() {
	queryCmd.Flags().BoolVar(&queryList, "list", false, "list available queries")
	queryCmd.Flags().StringArrayVarP(&queryParams, "param", "p", nil, "query parameter as key=value (repeatable)")
	rootCmd.AddCommand(queryCmd)
}

func runQuery(cmd *cobra.Command, args []string) error {
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

	if queryList {
		return listQueries(registry)
	}
	if len(args) == 0 {
		return fmt.Errorf("query name required (use --list to see what is available)")
	}

	params, err := parseParams(queryParams)
	if err != nil {
		return err
	}

	store, err := openStore(cfg, logger)
	if err != nil {
		return err
	}
	defer store.Close()
	executor := catalog.NewExecutor(store, registry, logger)

	started := time.Now()
	result, err := executor.Query(ctx, args[0], params)
	if err != nil {
		return err
	}

	if jsonOut {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(result)
	}

	rows := make([][]string, 0, len(result.Rows))
	for _, row := range result.Rows {
		cells := make([]string, len(result.Columns))
		for i, col := range result.Columns {
			cells[i] = formatCell(row[col])
		}
		rows = append(rows, cells)
	}
	ui.Table(result.Columns, rows)
	ui.Newline()
	ui.Info("%d rows in %s", len(result.Rows), ui.FormatDuration(time.Since(started)))
	return nil
}

func listQueries(registry *catalog.Registry) error {
	defs := registry.Queries()

	if jsonOut {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(defs)
	}

	rows := make([][]string, 0, len(defs))
	for _, def := range defs {
		params := ""
		for i, param := range def.Params {
			if i > 0 {
				params += ", "
			}
			params += param.Name
			if param.Required {
				params += "*"
			}
		}
		rows = append(rows, []string{def.Name, params, def.Description})
	}
	ui.Table([]string{"Name", "Params", "Description"}, rows)
	ui.Newline()
	ui.Info("%d queries (* marks required parameters)", len(defs))
	return nil
}

func formatCell(v any) string {
	if v == nil {
		return ""
	}
	return fmt.Sprint(v)
}
