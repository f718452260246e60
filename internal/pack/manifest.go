// Package pack assembles converted page artifacts into tar archives
// with a leading manifest, so consumers can check completeness without
// scanning the whole archive.
package pack

import (
	"archive/tar"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/WolfgangFahl/djvu-viewer/internal/djvu"
	"github.com/WolfgangFahl/djvu-viewer/internal/runner"
)

// ThumbnailPolicy selects which page represents the archive.
type ThumbnailPolicy string

const (
	// ThumbnailFirstValid picks the first valid page in index order.
	ThumbnailFirstValid ThumbnailPolicy = "first-valid"
	// ThumbnailPageZero insists on literal page 0, leaving the
	// thumbnail empty when page 0 is missing.
	ThumbnailPageZero ThumbnailPolicy = "page-0"
)

// ParseThumbnailPolicy maps a configuration string to a policy.
func ParseThumbnailPolicy(s string) (ThumbnailPolicy, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", string(ThumbnailFirstValid):
		return ThumbnailFirstValid, nil
	case string(ThumbnailPageZero):
		return ThumbnailPageZero, nil
	default:
		return "", fmt.Errorf("unknown thumbnail policy %q (supported: first-valid, page-0)", s)
	}
}

// ManifestEntry records one packaged page artifact.
type ManifestEntry struct {
	PageIndex int    `yaml:"page_index"`
	Name      string `yaml:"name"`
	Checksum  string `yaml:"checksum,omitempty"`
	Width     int    `yaml:"width,omitempty"`
	Height    int    `yaml:"height,omitempty"`
	SizeBytes int64  `yaml:"size_bytes,omitempty"`
}

// Manifest is the archive's leading index. Entries are always in
// ascending page-index order.
type Manifest struct {
	Document   string          `yaml:"document"`
	SourcePath string          `yaml:"source_path"`
	PageCount  int             `yaml:"page_count"`
	Complete   bool            `yaml:"complete"`
	Format     string          `yaml:"format"`
	Resolution string          `yaml:"resolution"`
	Thumbnail  string          `yaml:"thumbnail,omitempty"`
	CreatedAt  time.Time       `yaml:"created_at"`
	Entries    []ManifestEntry `yaml:"entries"`
}

// Name returns the manifest's file name inside the archive.
func (m *Manifest) Name() string {
	return stemOf(m.Document) + ".yaml"
}

func stemOf(documentID string) string {
	base := filepath.Base(documentID)
	return strings.TrimSuffix(base, filepath.Ext(base))
}

// BuildManifest projects a job result into a manifest. Only succeeded
// pages become entries; a missing page marks the manifest incomplete.
func BuildManifest(doc *djvu.Document, result *runner.JobResult, policy ThumbnailPolicy) *Manifest {
	manifest := &Manifest{
		Document:   doc.ID,
		SourcePath: doc.SourcePath,
		PageCount:  doc.PageCount,
		Format:     result.Format,
		Resolution: result.Resolution,
		CreatedAt:  time.Now().UTC(),
	}

	// result.Pages is indexed by page, so iteration yields ascending
	// page order for free.
	for _, outcome := range result.Pages {
		if outcome.Status != runner.StatusSucceeded || outcome.ArtifactPath == "" {
			continue
		}
		manifest.Entries = append(manifest.Entries, ManifestEntry{
			PageIndex: outcome.Index,
			Name:      filepath.Base(outcome.ArtifactPath),
			Checksum:  outcome.Checksum,
			Width:     outcome.Width,
			Height:    outcome.Height,
		})
	}

	manifest.Complete = len(manifest.Entries) == doc.PageCount
	manifest.Thumbnail = pickThumbnail(manifest.Entries, policy)
	return manifest
}

func pickThumbnail(entries []ManifestEntry, policy ThumbnailPolicy) string {
	if len(entries) == 0 {
		return ""
	}
	switch policy {
	case ThumbnailPageZero:
		if entries[0].PageIndex == 0 {
			return entries[0].Name
		}
		return ""
	default:
		return entries[0].Name
	}
}

// ReadManifest opens an archive and decodes its manifest, failing when
// the first entry is not one.
func ReadManifest(archivePath string) (*Manifest, error) {
	f, err := os.Open(archivePath)
	if err != nil {
		return nil, fmt.Errorf("open archive: %w", err)
	}
	defer f.Close()

	tr := tar.NewReader(f)
	hdr, err := tr.Next()
	if errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("archive %s is empty", archivePath)
	}
	if err != nil {
		return nil, fmt.Errorf("read archive %s: %w", archivePath, err)
	}
	if !strings.HasSuffix(hdr.Name, ".yaml") {
		return nil, fmt.Errorf("archive %s does not lead with a manifest (first entry %q)", archivePath, hdr.Name)
	}

	data, err := io.ReadAll(tr)
	if err != nil {
		return nil, fmt.Errorf("read manifest from %s: %w", archivePath, err)
	}
	var manifest Manifest
	if err := yaml.Unmarshal(data, &manifest); err != nil {
		return nil, fmt.Errorf("decode manifest from %s: %w", archivePath, err)
	}
	return &manifest, nil
}
