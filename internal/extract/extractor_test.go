package extract

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/WolfgangFahl/djvu-viewer/internal/djvu"
)

// ppm1x1 is a single white pixel in binary PPM form.
var ppm1x1 = append([]byte("P6\n1 1\n255\n"), 255, 255, 255)

type fakeRenderer struct {
	data     map[int][]byte
	failing  map[int]error
	rendered []int
}

func (f *fakeRenderer) RenderPage(_ context.Context, _ string, pageIndex, _, _ int) ([]byte, error) {
	f.rendered = append(f.rendered, pageIndex)
	if err, ok := f.failing[pageIndex]; ok {
		return nil, err
	}
	if data, ok := f.data[pageIndex]; ok {
		return data, nil
	}
	return ppm1x1, nil
}

type staticProber struct {
	pages int
}

func (s *staticProber) Probe(context.Context, string) (djvu.ProbeResult, error) {
	return djvu.ProbeResult{PageCount: s.pages, Bundled: true}, nil
}

func testDocument(t *testing.T, pages int) *djvu.Document {
	t.Helper()
	path := filepath.Join(t.TempDir(), "sample.djvu")
	require.NoError(t, os.WriteFile(path, []byte("AT&TFORM"), 0o644))

	doc, err := djvu.Open(context.Background(), path, &staticProber{pages: pages})
	require.NoError(t, err)
	return doc
}

func TestExtractSuccess(t *testing.T) {
	doc := testDocument(t, 3)
	renderer := &fakeRenderer{}
	extractor := New(renderer, nil)

	artifact, err := extractor.Extract(context.Background(), doc, 1, Native)
	require.NoError(t, err)

	assert.Equal(t, doc.ID, artifact.DocumentID)
	assert.Equal(t, 1, artifact.PageIndex)
	assert.Equal(t, ppm1x1, artifact.Raw)
	assert.Len(t, artifact.Checksum, 64)
	assert.Equal(t, 1, artifact.Width)
	assert.Equal(t, 1, artifact.Height)

	page, err := doc.PageAt(1)
	require.NoError(t, err)
	assert.True(t, page.Valid)
	assert.Equal(t, 1, page.Width)
	assert.Empty(t, page.ErrorMsg)
}

func TestExtractChecksumIsStable(t *testing.T) {
	doc := testDocument(t, 1)
	extractor := New(&fakeRenderer{}, nil)

	first, err := extractor.Extract(context.Background(), doc, 0, Native)
	require.NoError(t, err)
	second, err := extractor.Extract(context.Background(), doc, 0, Native)
	require.NoError(t, err)

	assert.Equal(t, first.Checksum, second.Checksum)
}

func TestExtractOutOfRange(t *testing.T) {
	doc := testDocument(t, 2)
	extractor := New(&fakeRenderer{}, nil)

	_, err := extractor.Extract(context.Background(), doc, 7, Native)

	var rangeErr *djvu.PageIndexError
	require.ErrorAs(t, err, &rangeErr)
	assert.Equal(t, 7, rangeErr.Index)
}

func TestExtractFailureIsPageScoped(t *testing.T) {
	doc := testDocument(t, 3)
	renderer := &fakeRenderer{
		failing: map[int]error{1: errors.New("ddjvu: corrupt data chunk")},
	}
	extractor := New(renderer, nil)

	_, err := extractor.Extract(context.Background(), doc, 1, Native)

	var extractErr *ExtractionError
	require.ErrorAs(t, err, &extractErr)
	assert.Equal(t, 1, extractErr.PageIndex)
	assert.Equal(t, doc.ID, extractErr.DocumentID)

	failed, err := doc.PageAt(1)
	require.NoError(t, err)
	assert.False(t, failed.Valid)
	assert.Contains(t, failed.ErrorMsg, "corrupt data chunk")

	// sibling pages stay untouched and extractable
	sibling, err := doc.PageAt(0)
	require.NoError(t, err)
	assert.False(t, sibling.Valid)
	assert.Empty(t, sibling.ErrorMsg)

	_, err = extractor.Extract(context.Background(), doc, 2, Native)
	require.NoError(t, err)
}

func TestExtractRejectsGarbageImage(t *testing.T) {
	doc := testDocument(t, 1)
	renderer := &fakeRenderer{data: map[int][]byte{0: []byte("not an image at all")}}
	extractor := New(renderer, nil)

	_, err := extractor.Extract(context.Background(), doc, 0, Native)

	var extractErr *ExtractionError
	require.ErrorAs(t, err, &extractErr)

	page, pageErr := doc.PageAt(0)
	require.NoError(t, pageErr)
	assert.False(t, page.Valid)
	assert.NotEmpty(t, page.ErrorMsg)
}

func TestExtractRetryFlipsValidity(t *testing.T) {
	doc := testDocument(t, 1)
	renderer := &fakeRenderer{failing: map[int]error{0: errors.New("transient decode failure")}}
	extractor := New(renderer, nil)

	_, err := extractor.Extract(context.Background(), doc, 0, Native)
	require.Error(t, err)

	page, pageErr := doc.PageAt(0)
	require.NoError(t, pageErr)
	require.False(t, page.Valid)

	delete(renderer.failing, 0)

	_, err = extractor.Extract(context.Background(), doc, 0, Native)
	require.NoError(t, err)
	assert.True(t, page.Valid)
	assert.Empty(t, page.ErrorMsg)
}

func TestRenderSizeString(t *testing.T) {
	assert.Equal(t, "native", Native.String())
	assert.Equal(t, "native", RenderSize{Width: 100}.String())
	assert.Equal(t, "2480x3508", RenderSize{Width: 2480, Height: 3508}.String())
	assert.Equal(t, "native", fmt.Sprint(RenderSize{}))
}
