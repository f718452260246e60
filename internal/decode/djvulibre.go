// Package decode drives the DjVuLibre command line tools to probe
// container structure and render page images.
package decode

import (
	"bytes"
	"context"
	"fmt"
	"os/exec"
	"regexp"
	"strconv"
	"strings"

	"github.com/WolfgangFahl/djvu-viewer/internal/djvu"
	"github.com/WolfgangFahl/djvu-viewer/internal/observability"
)

// Config selects the DjVuLibre binaries to invoke.
type Config struct {
	DdjvuPath    string // defaults to "ddjvu" on PATH
	DjvudumpPath string // defaults to "djvudump" on PATH
}

// DjVuLibre probes and renders DjVu containers by shelling out to the
// DjVuLibre tools. Pages are rendered as PPM on stdout; the codec
// package turns that into the target format.
type DjVuLibre struct {
	ddjvu    string
	djvudump string
	logger   *observability.Logger
}

// NewDjVuLibre creates a DjVuLibre decoder with the given tool paths.
func NewDjVuLibre(cfg Config, logger *observability.Logger) *DjVuLibre {
	if logger == nil {
		logger = observability.DefaultLogger()
	}
	ddjvu := cfg.DdjvuPath
	if ddjvu == "" {
		ddjvu = "ddjvu"
	}
	djvudump := cfg.DjvudumpPath
	if djvudump == "" {
		djvudump = "djvudump"
	}
	return &DjVuLibre{ddjvu: ddjvu, djvudump: djvudump, logger: logger}
}

// PageInfo is the per-page structure reported by djvudump.
type PageInfo struct {
	Index  int
	Width  int
	Height int
	DPI    int
}

// DumpInfo is the parsed structure of a container.
type DumpInfo struct {
	PageCount  int
	Bundled    bool       // single-file DJVM container (or standalone page)
	MultiPage  bool       // FORM:DJVM container
	Pages      []PageInfo // dimensions where the dump reports them
	Components []string   // component file names of an indirect document
}

// Dump runs djvudump on the container and parses its output.
func (d *DjVuLibre) Dump(ctx context.Context, path string) (*DumpInfo, error) {
	cmd := exec.CommandContext(ctx, d.djvudump, path)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	d.logger.Debug().
		Str("path", path).
		Msg("Running djvudump")

	if err := cmd.Run(); err != nil {
		return nil, fmt.Errorf("djvudump %s: %w, stderr: %s",
			path, err, strings.TrimSpace(stderr.String()))
	}

	info, err := parseDump(stdout.String())
	if err != nil {
		return nil, fmt.Errorf("djvudump %s: %w", path, err)
	}
	return info, nil
}

// Probe implements djvu.Prober.
func (d *DjVuLibre) Probe(ctx context.Context, path string) (djvu.ProbeResult, error) {
	info, err := d.Dump(ctx, path)
	if err != nil {
		return djvu.ProbeResult{}, err
	}
	return djvu.ProbeResult{PageCount: info.PageCount, Bundled: info.Bundled}, nil
}

// RenderPage renders one page as PPM bytes. The page index is zero
// based; ddjvu counts pages from one. Width and height select the
// render size; zero means native resolution. A non-zero exit status or
// empty output indicates a corrupt or unreadable page.
func (d *DjVuLibre) RenderPage(ctx context.Context, path string, pageIndex, width, height int) ([]byte, error) {
	if pageIndex < 0 {
		return nil, fmt.Errorf("negative page index %d", pageIndex)
	}

	cmd := exec.CommandContext(ctx, d.ddjvu, renderArgs(path, pageIndex, width, height)...)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	d.logger.Debug().
		Str("path", path).
		Int("page", pageIndex).
		Msg("Rendering page")

	if err := cmd.Run(); err != nil {
		return nil, fmt.Errorf("ddjvu page %d of %s: %w, stderr: %s",
			pageIndex, path, err, strings.TrimSpace(stderr.String()))
	}
	if stdout.Len() == 0 {
		return nil, fmt.Errorf("ddjvu page %d of %s: no image data produced", pageIndex, path)
	}
	return stdout.Bytes(), nil
}

// renderArgs builds the ddjvu argument list. Without an output file
// argument ddjvu writes the image to stdout.
func renderArgs(path string, pageIndex, width, height int) []string {
	args := []string{
		"-format=ppm",
		fmt.Sprintf("-page=%d", pageIndex+1),
	}
	if width > 0 && height > 0 {
		args = append(args, fmt.Sprintf("-size=%dx%d", width, height))
	}
	return append(args, path)
}

var (
	dirmRe = regexp.MustCompile(`\((bundled|indirect),\s*(\d+)\s+files?\s+(\d+)\s+pages?\)`)
	infoRe = regexp.MustCompile(`INFO \[\d+\]\s+DjVu (\d+)x(\d+), v\d+, (\d+) dpi`)
	compRe = regexp.MustCompile(`^\s+(\S+\.(?:djvu|djbz|iff))\s+->`)
)

// parseDump extracts container structure from djvudump output.
func parseDump(output string) (*DumpInfo, error) {
	info := &DumpInfo{}
	sawForm := false

	for _, line := range strings.Split(output, "\n") {
		trimmed := strings.TrimSpace(line)
		if trimmed == "" {
			continue
		}

		if !sawForm {
			switch {
			case strings.Contains(trimmed, "FORM:DJVM"):
				info.MultiPage = true
				sawForm = true
				continue
			case strings.Contains(trimmed, "FORM:DJVU"):
				// standalone single-page container
				info.PageCount = 1
				info.Bundled = true
				sawForm = true
				continue
			}
		}

		if m := dirmRe.FindStringSubmatch(line); m != nil {
			info.Bundled = m[1] == "bundled"
			pages, err := strconv.Atoi(m[3])
			if err != nil {
				return nil, fmt.Errorf("unparseable page count in directory line %q", trimmed)
			}
			info.PageCount = pages
			continue
		}

		if m := infoRe.FindStringSubmatch(line); m != nil {
			w, _ := strconv.Atoi(m[1])
			h, _ := strconv.Atoi(m[2])
			dpi, _ := strconv.Atoi(m[3])
			info.Pages = append(info.Pages, PageInfo{
				Index:  len(info.Pages),
				Width:  w,
				Height: h,
				DPI:    dpi,
			})
			continue
		}

		if m := compRe.FindStringSubmatch(line); m != nil {
			info.Components = append(info.Components, m[1])
		}
	}

	if !sawForm {
		return nil, fmt.Errorf("no DjVu form found in dump output")
	}
	if info.PageCount <= 0 {
		return nil, fmt.Errorf("no pages found in dump output")
	}
	return info, nil
}
