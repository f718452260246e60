package commands

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/WolfgangFahl/djvu-viewer/cmd/djvu/ui"
	"github.com/WolfgangFahl/djvu-viewer/internal/catalog"
	"github.com/WolfgangFahl/djvu-viewer/internal/codec"
	"github.com/WolfgangFahl/djvu-viewer/internal/config"
	"github.com/WolfgangFahl/djvu-viewer/internal/decode"
	"github.com/WolfgangFahl/djvu-viewer/internal/djvu"
	"github.com/WolfgangFahl/djvu-viewer/internal/extract"
	"github.com/WolfgangFahl/djvu-viewer/internal/observability"
	"github.com/WolfgangFahl/djvu-viewer/internal/pack"
	"github.com/WolfgangFahl/djvu-viewer/internal/runner"
)

var (
	convertPath      string
	convertForce     bool
	convertFormat    string
	convertWidth     int
	convertHeight    int
	convertWorkers   int
	convertLimit     int
	convertOutput    string
	convertUpdateDB  bool
	convertMaxErrors float64
)

var convertCmd = &cobra.Command{
	Use:   "convert",
	Short: "Convert cataloged documents to image archives",
	Long: `Convert the pages of cataloged DjVu documents into web-friendly images,
package each document as a tar archive with a YAML manifest and optionally
write the results back to the catalog. Without --path the whole catalog is
processed, so run scan first.`,
	RunE: runConvert,
}

func init() {
	convertCmd.Flags().StringVar(&convertPath, "path", "", "convert a single document instead of the catalog")
	convertCmd.Flags().BoolVar(&convertForce, "force", false, "reconvert even when archives or cache entries exist")
	convertCmd.Flags().StringVar(&convertFormat, "format", "", "target format: png, jpeg or tiff (defaults to config)")
	convertCmd.Flags().IntVar(&convertWidth, "width", 0, "render width in pixels (0 uses native size)")
	convertCmd.Flags().IntVar(&convertHeight, "height", 0, "render height in pixels (0 uses native size)")
	convertCmd.Flags().IntVar(&convertWorkers, "workers", 0, "page workers per document (defaults to config)")
	convertCmd.Flags().IntVar(&convertLimit, "limit", 0, "convert at most this many documents (0 converts all)")
	convertCmd.Flags().StringVar(&convertOutput, "output", "", "archive output directory (defaults to config)")
	convertCmd.Flags().BoolVar(&convertUpdateDB, "update-catalog", false, "write conversion results back to the catalog")
	convertCmd.Flags().Float64Var(&convertMaxErrors, "max-errors", 1.0, "page error percentage above which the catalog update is skipped")
	rootCmd.AddCommand(convertCmd)
}

// convertPipeline bundles the components a conversion run needs so the
// batch and single-document paths can share them.
type convertPipeline struct {
	cfg      *config.Config
	logger   *observability.Logger
	store    *catalog.Store
	decoder  *decode.DjVuLibre
	runner   *runner.Runner
	packager *pack.Packager
	format   codec.Format
	size     extract.RenderSize
	workers  int
	outDir   string
}

// docConversion carries one converted document towards the catalog
// update.
type docConversion struct {
	doc     *djvu.Document
	result  *runner.JobResult
	outcome *pack.Outcome
	prior   *catalog.DocumentRecord
}

// batchTally accumulates counters across a conversion run.
type batchTally struct {
	Documents   int `json:"documents"`
	Converted   int `json:"converted"`
	Skipped     int `json:"skipped"`
	FailedDocs  int `json:"failed_documents"`
	Pages       int `json:"pages"`
	FailedPages int `json:"failed_pages"`
	CacheHits   int `json:"cache_hits"`
	Extracted   int `json:"extracted"`
}

func runConvert(cmd *cobra.Command, args []string) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	logger := newLogger(cfg)

	ui.Section("DjVu Conversion")

	formatName := convertFormat
	if formatName == "" {
		formatName = cfg.Conversion.Format
	}
	format, err := codec.ParseFormat(formatName)
	if err != nil {
		return err
	}

	size := extract.RenderSize{Width: convertWidth, Height: convertHeight}
	if size.Width == 0 && size.Height == 0 {
		size = extract.RenderSize{Width: cfg.Conversion.Width, Height: cfg.Conversion.Height}
	}

	workers := convertWorkers
	if workers <= 0 {
		workers = cfg.Conversion.Workers
	}

	outDir := convertOutput
	if outDir == "" {
		outDir = cfg.Library.Output
	}
	if err := os.MkdirAll(outDir, 0o755); err != nil {
		return fmt.Errorf("create output directory: %w", err)
	}

	store, err := openStore(cfg, logger)
	if err != nil {
		return err
	}
	defer store.Close()

	cache, err := openCache(cfg, logger)
	if err != nil {
		return err
	}
	defer cache.Close()

	thumbnail, err := pack.ParseThumbnailPolicy(cfg.Packaging.ThumbnailPage)
	if err != nil {
		return err
	}

	decoder := newDecoder(cfg, logger)
	pipeline := &convertPipeline{
		cfg:     cfg,
		logger:  logger,
		store:   store,
		decoder: decoder,
		runner: runner.New(extract.New(decoder, logger), cache,
			runner.NewLimiter(int64(cfg.Conversion.MaxTotal)), logger),
		packager: pack.New(pack.Options{
			OutputDir:    outDir,
			SkipExisting: cfg.Packaging.SkipExisting,
			Force:        convertForce,
			Thumbnail:    thumbnail,
		}, logger),
		format:  format,
		size:    size,
		workers: workers,
		outDir:  outDir,
	}

	if convertPath != "" {
		return pipeline.convertSingle(ctx)
	}
	return pipeline.convertBatch(ctx)
}

func (p *convertPipeline) convertBatch(ctx context.Context) error {
	records, err := p.store.Documents(ctx, convertLimit)
	if err != nil {
		return fmt.Errorf("list documents: %w", err)
	}
	if len(records) == 0 {
		ui.Warning("Catalog lists no documents, run scan first")
		return nil
	}

	ui.Info("Documents: %d", len(records))
	ui.Info("Format: %s  Size: %s", p.format, p.size)
	ui.Info("Output: %s", p.outDir)
	ui.Newline()

	started := time.Now()
	batch := ui.NewBatchProgress()
	tally := batchTally{Documents: len(records)}
	var conversions []docConversion
	interrupted := false

	for _, rec := range records {
		if ctx.Err() != nil {
			interrupted = true
			break
		}
		src := sourcePathFor(p.cfg, rec.Path)
		if p.shouldSkip(src) {
			tally.Skipped++
			continue
		}

		doc, err := djvu.OpenWithID(ctx, rec.Path, src, p.decoder)
		if err != nil {
			tally.FailedDocs++
			p.logger.Warn().Err(err).Str("path", rec.Path).Msg("Cannot open container")
			continue
		}

		bar := batch.DocumentBar(doc.Stem(), int64(doc.PageCount))
		result, outcome, err := p.convertDoc(ctx, doc, func(runner.PageOutcome) {
			bar.Increment()
		})
		if err != nil {
			bar.Abort()
			tally.FailedDocs++
			p.logger.Warn().Err(err).Str("path", rec.Path).Msg("Conversion failed")
			continue
		}
		if result.Cancelled {
			bar.Abort()
			interrupted = true
			break
		}
		bar.Complete()

		tally.Converted++
		tally.Pages += doc.PageCount
		tally.FailedPages += result.Failed
		tally.CacheHits += result.CacheHits
		tally.Extracted += result.Extracted
		conversions = append(conversions, docConversion{doc: doc, result: result, outcome: outcome, prior: rec})
	}
	batch.Close()

	return p.finish(ctx, tally, conversions, time.Since(started), interrupted)
}

func (p *convertPipeline) convertSingle(ctx context.Context) error {
	src := sourcePathFor(p.cfg, convertPath)
	if p.shouldSkip(src) {
		ui.Info("Archive for %s exists, skipping (use --force to rebuild)", convertPath)
		return nil
	}

	doc, err := djvu.OpenWithID(ctx, p.libraryID(src), src, p.decoder)
	if err != nil {
		return fmt.Errorf("open document: %w", err)
	}

	ui.Info("Document: %s (%d pages)", doc.ID, doc.PageCount)
	ui.Info("Format: %s  Size: %s", p.format, p.size)
	ui.Newline()

	started := time.Now()
	bar := ui.NewProgressBar(int64(doc.PageCount), doc.Stem())
	result, outcome, err := p.convertDoc(ctx, doc, func(runner.PageOutcome) {
		bar.Add(1)
	})
	bar.Finish()
	if err != nil {
		return fmt.Errorf("conversion failed: %w", err)
	}

	var prior *catalog.DocumentRecord
	if rec, err := p.store.DocumentByPath(ctx, doc.ID); err == nil {
		prior = rec
	}

	tally := batchTally{
		Documents:   1,
		Converted:   1,
		Pages:       doc.PageCount,
		FailedPages: result.Failed,
		CacheHits:   result.CacheHits,
		Extracted:   result.Extracted,
	}
	conversions := []docConversion{{doc: doc, result: result, outcome: outcome, prior: prior}}
	return p.finish(ctx, tally, conversions, time.Since(started), result.Cancelled)
}

// shouldSkip reports whether an existing archive makes conversion
// unnecessary, before the container is even probed.
func (p *convertPipeline) shouldSkip(srcPath string) bool {
	if !p.cfg.Packaging.SkipExisting || convertForce {
		return false
	}
	stem := strings.TrimSuffix(filepath.Base(srcPath), filepath.Ext(srcPath))
	_, err := os.Stat(filepath.Join(p.outDir, stem+".tar"))
	return err == nil
}

// convertDoc runs the conversion job for one document and packages the
// result. An incomplete archive is reported through the outcome, not
// as an error.
func (p *convertPipeline) convertDoc(ctx context.Context, doc *djvu.Document, onPage func(runner.PageOutcome)) (*runner.JobResult, *pack.Outcome, error) {
	result, err := p.runner.Run(ctx, doc, runner.Options{
		Format:      p.format,
		JPEGQuality: p.cfg.Conversion.JPEGQuality,
		Size:        p.size,
		Workers:     p.workers,
		OutputDir:   p.outDir,
		Force:       convertForce,
		OnPage:      onPage,
	})
	if err != nil {
		return nil, nil, err
	}
	if result.Cancelled {
		return result, nil, nil
	}

	outcome, err := p.packager.Package(ctx, doc, result)
	if err != nil && !errors.Is(err, pack.ErrIncompletePackage) {
		return result, nil, err
	}
	return result, outcome, nil
}

// libraryID derives the catalog path of a container, relative to the
// library root where possible.
func (p *convertPipeline) libraryID(srcPath string) string {
	root, err := filepath.Abs(p.cfg.Library.Root)
	if err == nil {
		if abs, aerr := filepath.Abs(srcPath); aerr == nil {
			if rel, rerr := filepath.Rel(root, abs); rerr == nil && !strings.HasPrefix(rel, "..") {
				return filepath.ToSlash(rel)
			}
		}
	}
	return djvu.DeriveID(srcPath)
}

// finish prints the run summary and applies the gated catalog update.
func (p *convertPipeline) finish(ctx context.Context, tally batchTally, conversions []docConversion, elapsed time.Duration, interrupted bool) error {
	rate := pageErrorRate(tally.FailedPages, tally.Pages)

	if !jsonOut {
		ui.Newline()
		ui.Table([]string{"Metric", "Value"}, [][]string{
			{"Documents", strconv.Itoa(tally.Documents)},
			{"Converted", strconv.Itoa(tally.Converted)},
			{"Skipped", strconv.Itoa(tally.Skipped)},
			{"Failed documents", strconv.Itoa(tally.FailedDocs)},
			{"Pages", strconv.Itoa(tally.Pages)},
			{"Failed pages", strconv.Itoa(tally.FailedPages)},
			{"Cache hits", strconv.Itoa(tally.CacheHits)},
			{"Extracted", strconv.Itoa(tally.Extracted)},
			{"Duration", ui.FormatDuration(elapsed)},
		})
		ui.Newline()
	}

	updated := false
	if interrupted {
		ui.Warning("Conversion interrupted, catalog left untouched")
	} else if convertUpdateDB {
		if rate > convertMaxErrors {
			ui.Warning("%.1f%% page errors above the %.1f%% limit, skipping catalog update", rate, convertMaxErrors)
		} else {
			if tally.Pages > 0 {
				ui.Info("%.1f%% page errors within the %.1f%% limit", rate, convertMaxErrors)
			}
			if err := p.updateCatalog(ctx, conversions); err != nil {
				return err
			}
			updated = true
		}
	}

	if jsonOut {
		out := struct {
			batchTally
			ErrorRate      float64 `json:"error_rate"`
			CatalogUpdated bool    `json:"catalog_updated"`
			Interrupted    bool    `json:"interrupted,omitempty"`
			DurationMS     int64   `json:"duration_ms"`
		}{tally, rate, updated, interrupted, elapsed.Milliseconds()}
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(out)
	}

	if tally.FailedDocs > 0 || tally.FailedPages > 0 {
		ui.Warning("Converted %d documents with %d failed pages", tally.Converted, tally.FailedPages)
	} else if !interrupted {
		ui.Success("Converted %d documents (%d pages) in %s", tally.Converted, tally.Pages, ui.FormatDuration(elapsed))
	}
	return nil
}

// updateCatalog writes conversion results back: document rows, page
// rows with validity and artifact details, package size and date.
func (p *convertPipeline) updateCatalog(ctx context.Context, conversions []docConversion) error {
	if err := p.store.InitSchema(ctx); err != nil {
		return fmt.Errorf("init schema: %w", err)
	}

	docs, pages := 0, 0
	for _, c := range conversions {
		rec := catalog.DocumentRecordOf(c.doc)
		if c.prior != nil {
			rec.DirPages = c.prior.DirPages
		}
		if err := p.store.UpsertDocument(ctx, rec); err != nil {
			return fmt.Errorf("update document %s: %w", rec.Path, err)
		}

		pageRecs := p.pageRecords(ctx, c)
		if err := p.store.ReplacePages(ctx, rec.Path, pageRecs); err != nil {
			return fmt.Errorf("update pages of %s: %w", rec.Path, err)
		}

		if c.outcome != nil && c.outcome.ArchivePath != "" {
			if st, err := os.Stat(c.outcome.ArchivePath); err == nil {
				if err := p.store.UpdateDocumentPackage(ctx, rec.Path, st.Size(), catalog.ISODate(st.ModTime())); err != nil {
					return fmt.Errorf("update package info of %s: %w", rec.Path, err)
				}
			}
		}
		docs++
		pages += len(pageRecs)
	}
	ui.Success("Catalog updated: %d documents, %d pages", docs, pages)
	return nil
}

// pageRecords projects the converted pages into catalog rows. Fields
// only a dump can observe, like DPI, survive from the previous scan.
func (p *convertPipeline) pageRecords(ctx context.Context, c docConversion) []*catalog.PageRecord {
	prior := make(map[int]*catalog.PageRecord)
	if existing, err := p.store.PagesByDocument(ctx, c.doc.ID); err == nil {
		for _, rec := range existing {
			prior[rec.PageIndex] = rec
		}
	}

	outcomes := make(map[int]runner.PageOutcome, len(c.result.Pages))
	for _, out := range c.result.Pages {
		outcomes[out.Index] = out
	}

	records := make([]*catalog.PageRecord, 0, c.doc.PageCount)
	for _, page := range c.doc.Pages() {
		rec := catalog.PageRecordOf(page)
		if out, ok := outcomes[page.Index]; ok && out.ArtifactPath != "" {
			name := filepath.Base(out.ArtifactPath)
			rec.Path = &name
			if st, err := os.Stat(out.ArtifactPath); err == nil {
				size := st.Size()
				iso := catalog.ISODate(st.ModTime())
				rec.FileSize = &size
				rec.ISODate = &iso
			}
		}
		if old, ok := prior[page.Index]; ok {
			if rec.DPI == nil {
				rec.DPI = old.DPI
			}
			if rec.HasText == nil {
				rec.HasText = old.HasText
			}
		}
		records = append(records, rec)
	}
	return records
}

func pageErrorRate(failed, total int) float64 {
	if total == 0 {
		return 0
	}
	return float64(failed) / float64(total) * 100
}
