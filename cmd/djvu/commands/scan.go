package commands

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/WolfgangFahl/djvu-viewer/cmd/djvu/ui"
	"github.com/WolfgangFahl/djvu-viewer/internal/catalog"
	"github.com/WolfgangFahl/djvu-viewer/internal/scan"
)

var (
	scanRoot  string
	scanPath  string
	scanLimit int
)

var scanCmd = &cobra.Command{
	Use:   "scan",
	Short: "Walk the library and catalog every DjVu container",
	Long: `Walk the library root for *.djvu containers, probe each one with djvudump
and store document and page records in the catalog. Page files of indirect
documents are folded into their index document instead of being cataloged
on their own.`,
	RunE: runScan,
}

func init() {
	scanCmd.Flags().StringVar(&scanRoot, "root", "", "library root (defaults to config)")
	scanCmd.Flags().StringVar(&scanPath, "path", "", "scan a single container instead of the whole library")
	scanCmd.Flags().IntVar(&scanLimit, "limit", 0, "stop after this many documents (0 scans all)")
	rootCmd.AddCommand(scanCmd)
}

func runScan(cmd *cobra.Command, args []string) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	logger := newLogger(cfg)

	ui.Section("Library Scan")

	store, err := openStore(cfg, logger)
	if err != nil {
		return err
	}
	defer store.Close()

	// The schema statements are idempotent, so a scan works on a
	// fresh database without a separate initdb run.
	if err := store.InitSchema(ctx); err != nil {
		return fmt.Errorf("init schema: %w", err)
	}

	root := scanRoot
	if root == "" {
		root = cfg.Library.Root
	}

	bar := ui.NewProgressBar(-1, "Scanning")
	scanner := scan.New(newDecoder(cfg, logger), store, scan.Options{
		Root:       root,
		PackageDir: cfg.Library.Output,
		Limit:      scanLimit,
		OnFile: func(rec *catalog.DocumentRecord, index, total int) {
			bar.SetTotal(int64(total))
			bar.Set(int64(index))
		},
	}, logger)

	var result *scan.Result
	if scanPath != "" {
		ui.Info("Container: %s", scanPath)
		started := time.Now()
		var rec *catalog.DocumentRecord
		rec, err = scanner.ScanPath(ctx, scanPath)
		result = &scan.Result{Duration: time.Since(started)}
		if rec != nil {
			result.Documents = 1
			result.Pages = rec.PageCount
		}
	} else {
		ui.Info("Library root: %s", root)
		result, err = scanner.Scan(ctx)
	}
	bar.Finish()

	interrupted := errors.Is(err, context.Canceled)
	if err != nil && !interrupted {
		return fmt.Errorf("scan failed: %w", err)
	}

	if jsonOut {
		return writeScanJSON(result, interrupted)
	}

	ui.Newline()
	ui.Table([]string{"Metric", "Value"}, [][]string{
		{"Documents", strconv.Itoa(result.Documents)},
		{"Pages", strconv.Itoa(result.Pages)},
		{"Components skipped", strconv.Itoa(result.Components)},
		{"Failures", strconv.Itoa(len(result.Failures))},
		{"Duration", ui.FormatDuration(result.Duration)},
	})
	ui.Newline()

	for _, failure := range result.Failures {
		ui.Warning("%s: %v", failure.Path, failure.Err)
	}
	if interrupted {
		ui.Warning("Scan interrupted, partial results stored")
		return nil
	}
	if len(result.Failures) > 0 {
		ui.Warning("Scan finished with %d unreadable containers", len(result.Failures))
	} else {
		ui.Success("Scan complete: %d documents, %d pages", result.Documents, result.Pages)
	}
	return nil
}

func writeScanJSON(result *scan.Result, interrupted bool) error {
	type failureJSON struct {
		Path  string `json:"path"`
		Error string `json:"error"`
	}
	out := struct {
		Documents   int           `json:"documents"`
		Pages       int           `json:"pages"`
		Components  int           `json:"components"`
		Failures    []failureJSON `json:"failures,omitempty"`
		DurationMS  int64         `json:"duration_ms"`
		Interrupted bool          `json:"interrupted,omitempty"`
	}{
		Documents:   result.Documents,
		Pages:       result.Pages,
		Components:  result.Components,
		DurationMS:  result.Duration.Milliseconds(),
		Interrupted: interrupted,
	}
	for _, failure := range result.Failures {
		out.Failures = append(out.Failures, failureJSON{Path: failure.Path, Error: failure.Err.Error()})
	}
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(out)
}
