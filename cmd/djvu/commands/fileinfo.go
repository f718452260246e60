package commands

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/spf13/cobra"

	"github.com/WolfgangFahl/djvu-viewer/cmd/djvu/ui"
	"github.com/WolfgangFahl/djvu-viewer/internal/catalog"
)

var fileinfoCmd = &cobra.Command{
	Use:   "fileinfo <path>",
	Short: "Probe a DjVu container and print its structure",
	Long: `Probe a single DjVu container with djvudump and print what the catalog
would record: page count, bundled or indirect layout, component files and
page dimensions where the container reports them.`,
	Args: cobra.ExactArgs(1),
	RunE: runFileinfo,
}

func init() {
	rootCmd.AddCommand(fileinfoCmd)
}

func runFileinfo(cmd *cobra.Command, args []string) error {
	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()

	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	logger := newLogger(cfg)
	decoder := newDecoder(cfg, logger)

	path := sourcePathFor(cfg, args[0])
	spin := ui.NewSpinner("Probing " + filepath.Base(path))
	spin.Start()
	info, err := decoder.Dump(ctx, path)
	spin.Stop()
	if err != nil {
		return fmt.Errorf("probe failed: %w", err)
	}
	stat, statErr := os.Stat(path)

	if jsonOut {
		type pageJSON struct {
			Index  int `json:"index"`
			Width  int `json:"width"`
			Height int `json:"height"`
			DPI    int `json:"dpi"`
		}
		out := struct {
			Path       string     `json:"path"`
			PageCount  int        `json:"page_count"`
			Bundled    bool       `json:"bundled"`
			MultiPage  bool       `json:"multi_page"`
			SizeBytes  int64      `json:"size_bytes,omitempty"`
			ISODate    string     `json:"iso_date,omitempty"`
			Components []string   `json:"components,omitempty"`
			Pages      []pageJSON `json:"pages,omitempty"`
		}{
			Path:       path,
			PageCount:  info.PageCount,
			Bundled:    info.Bundled,
			MultiPage:  info.MultiPage,
			Components: info.Components,
		}
		if statErr == nil {
			out.SizeBytes = stat.Size()
			out.ISODate = catalog.ISODate(stat.ModTime())
		}
		for _, p := range info.Pages {
			out.Pages = append(out.Pages, pageJSON{Index: p.Index, Width: p.Width, Height: p.Height, DPI: p.DPI})
		}
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(out)
	}

	ui.Section("Container Structure")
	ui.KeyValue("Path", path)
	ui.KeyValue("Pages", info.PageCount)
	ui.KeyValue("Bundled", info.Bundled)
	ui.KeyValue("Multi-page", info.MultiPage)
	if statErr == nil {
		ui.KeyValue("Size", ui.FormatBytes(stat.Size()))
		ui.KeyValue("Modified", catalog.ISODate(stat.ModTime()))
	}

	if len(info.Components) > 0 {
		ui.Newline()
		ui.Info("Component files (%d):", len(info.Components))
		for _, name := range info.Components {
			ui.Message("  %s", name)
		}
	}

	if len(info.Pages) > 0 {
		ui.Newline()
		rows := make([][]string, 0, len(info.Pages))
		for _, p := range info.Pages {
			rows = append(rows, []string{
				strconv.Itoa(p.Index),
				strconv.Itoa(p.Width),
				strconv.Itoa(p.Height),
				strconv.Itoa(p.DPI),
			})
		}
		ui.Table([]string{"Page", "Width", "Height", "DPI"}, rows)
	}
	return nil
}
