package render

import (
	"bytes"
	"context"
	"errors"
	"image"
	"image/color"
	"image/gif"
	"image/jpeg"
	"image/png"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var pngSignature = []byte("\x89PNG\r\n\x1a\n")

type fakeRasterizer struct {
	pages [][]byte
	err   error
	calls int
	scale float64
}

func (f *fakeRasterizer) Rasterize(_ context.Context, _ string, scale float64) ([][]byte, error) {
	f.calls++
	f.scale = scale
	return f.pages, f.err
}

func solid(w, h int, c color.Color) *image.RGBA {
	img := image.NewRGBA(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			img.Set(x, y, c)
		}
	}
	return img
}

func pngBytes(t *testing.T, w, h int) []byte {
	t.Helper()
	var buf bytes.Buffer
	require.NoError(t, png.Encode(&buf, solid(w, h, color.RGBA{R: 255, A: 255})))
	return buf.Bytes()
}

func writeFile(t *testing.T, dir, name string, data []byte, age time.Duration) string {
	t.Helper()
	path := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(path, data, 0o644))
	mt := time.Now().Add(-age)
	require.NoError(t, os.Chtimes(path, mt, mt))
	return path
}

func TestInterpret_NoArtifacts(t *testing.T) {
	pages, err := NewInterpreter(nil, 3).Interpret(context.Background(), nil)
	require.NoError(t, err)
	assert.Empty(t, pages)
}

func TestInterpret_SingleImage(t *testing.T) {
	dir := t.TempDir()
	data := pngBytes(t, 30, 20)
	path := writeFile(t, dir, "demo.png", data, 0)

	pages, err := NewInterpreter(nil, 3).Interpret(context.Background(), []string{path})
	require.NoError(t, err)
	require.Len(t, pages, 1)
	assert.Equal(t, 1, pages[0].Index)
	assert.Equal(t, 30, pages[0].Width)
	assert.Equal(t, 20, pages[0].Height)
	assert.Equal(t, data, pages[0].Data)
}

func TestInterpret_JPEGNormalizedToPNG(t *testing.T) {
	dir := t.TempDir()
	var buf bytes.Buffer
	require.NoError(t, jpeg.Encode(&buf, solid(8, 8, color.White), nil))
	path := writeFile(t, dir, "photo.jpg", buf.Bytes(), 0)

	pages, err := NewInterpreter(nil, 3).Interpret(context.Background(), []string{path})
	require.NoError(t, err)
	require.Len(t, pages, 1)
	assert.True(t, bytes.HasPrefix(pages[0].Data, pngSignature))
}

func TestInterpret_PrefersDocumentOverStaticImage(t *testing.T) {
	dir := t.TempDir()
	img := writeFile(t, dir, "cover.png", pngBytes(t, 5, 5), 0)
	doc := writeFile(t, dir, "book.pdf", []byte("%PDF-1.4\n%fake\n"), time.Minute)

	raster := &fakeRasterizer{pages: [][]byte{pngBytes(t, 10, 1), pngBytes(t, 20, 1), pngBytes(t, 30, 1)}}
	pages, err := NewInterpreter(raster, 3).Interpret(context.Background(), []string{doc, img})
	require.NoError(t, err)

	require.Len(t, pages, 3)
	assert.Equal(t, 1, raster.calls)
	assert.Equal(t, 3.0, raster.scale)
	for i, p := range pages {
		assert.Equal(t, i+1, p.Index)
		assert.Equal(t, (i+1)*10, p.Width, "page %d out of order", i+1)
		assert.Equal(t, doc, p.Source)
	}
}

func TestInterpret_NumberedPagesInNumericOrder(t *testing.T) {
	dir := t.TempDir()
	// Written newest-first so filesystem time order disagrees with page order.
	p10 := writeFile(t, dir, "poster_page_10.png", pngBytes(t, 10, 1), 0)
	p2 := writeFile(t, dir, "poster_page_2.png", pngBytes(t, 2, 1), time.Second)
	p1 := writeFile(t, dir, "poster_page_1.png", pngBytes(t, 1, 1), 2*time.Second)

	pages, err := NewInterpreter(nil, 3).Interpret(context.Background(), []string{p10, p2, p1})
	require.NoError(t, err)
	require.Len(t, pages, 3)
	assert.Equal(t, []int{1, 2, 10}, []int{pages[0].Width, pages[1].Width, pages[2].Width})
	assert.Equal(t, []int{1, 2, 3}, []int{pages[0].Index, pages[1].Index, pages[2].Index})
}

func TestInterpret_NewestStaticImageWins(t *testing.T) {
	dir := t.TempDir()
	old := writeFile(t, dir, "a.png", pngBytes(t, 5, 5), time.Minute)
	fresh := writeFile(t, dir, "b.png", pngBytes(t, 7, 7), 0)

	pages, err := NewInterpreter(nil, 3).Interpret(context.Background(), []string{old, fresh})
	require.NoError(t, err)
	require.Len(t, pages, 1)
	assert.Equal(t, 7, pages[0].Width)
}

func TestInterpret_AnimatedGIFFrames(t *testing.T) {
	dir := t.TempDir()
	palette := color.Palette{color.Transparent, color.RGBA{R: 255, A: 255}, color.RGBA{B: 255, A: 255}}

	full := image.NewPaletted(image.Rect(0, 0, 4, 4), palette)
	for i := range full.Pix {
		full.Pix[i] = 1 // red
	}
	corner := image.NewPaletted(image.Rect(0, 0, 2, 2), palette)
	for i := range corner.Pix {
		corner.Pix[i] = 2 // blue
	}
	last := image.NewPaletted(image.Rect(2, 2, 4, 4), palette)
	for i := range last.Pix {
		last.Pix[i] = 2
	}

	anim := &gif.GIF{
		Image:    []*image.Paletted{full, corner, last},
		Delay:    []int{10, 10, 10},
		Disposal: []byte{gif.DisposalNone, gif.DisposalNone, gif.DisposalNone},
		Config:   image.Config{Width: 4, Height: 4, ColorModel: palette},
	}
	var buf bytes.Buffer
	require.NoError(t, gif.EncodeAll(&buf, anim))
	path := writeFile(t, dir, "loop.gif", buf.Bytes(), 0)

	pages, err := NewInterpreter(nil, 3).Interpret(context.Background(), []string{path})
	require.NoError(t, err)
	require.Len(t, pages, 3)

	frame2, err := png.Decode(bytes.NewReader(pages[1].Data))
	require.NoError(t, err)
	r, _, b, _ := frame2.At(0, 0).RGBA()
	assert.True(t, b > 0 && r == 0, "frame 2 should show the blue corner")
	r, _, b, _ = frame2.At(3, 3).RGBA()
	assert.True(t, r > 0 && b == 0, "frame 2 should keep frame 1 underneath")

	for i, p := range pages {
		assert.Equal(t, i+1, p.Index)
		assert.Equal(t, 4, p.Width)
	}
}

func TestInterpret_DecodeFailure(t *testing.T) {
	dir := t.TempDir()
	good := writeFile(t, dir, "good.png", pngBytes(t, 3, 3), 0)
	bad := writeFile(t, dir, "bad.png", []byte("not an image"), 0)

	pages, err := NewInterpreter(nil, 3).Interpret(context.Background(), []string{good, bad})
	assert.Nil(t, pages, "no partial pages on failure")
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrDecode)

	var de *DecodeError
	require.True(t, errors.As(err, &de))
	assert.Equal(t, bad, de.Path)
}

func TestInterpret_TruncatedUnselectedImageFails(t *testing.T) {
	dir := t.TempDir()
	full := pngBytes(t, 40, 40)
	// The header survives, the pixel data does not.
	truncated := writeFile(t, dir, "older.png", full[:len(full)/2], time.Minute)
	newer := writeFile(t, dir, "newer.png", pngBytes(t, 3, 3), 0)

	pages, err := NewInterpreter(nil, 3).Interpret(context.Background(), []string{truncated, newer})
	assert.Nil(t, pages)
	var de *DecodeError
	require.True(t, errors.As(err, &de), "err = %v", err)
	assert.Equal(t, truncated, de.Path)
}

func TestInterpret_DocumentWithoutRasterizer(t *testing.T) {
	dir := t.TempDir()
	doc := writeFile(t, dir, "book.pdf", []byte("%PDF-1.4\n"), 0)

	_, err := NewInterpreter(nil, 3).Interpret(context.Background(), []string{doc})
	assert.ErrorIs(t, err, ErrRasterizerUnavailable)
}

func TestInterpret_RasterizerReturnsGarbage(t *testing.T) {
	dir := t.TempDir()
	doc := writeFile(t, dir, "book.pdf", []byte("%PDF-1.4\n"), 0)

	_, err := NewInterpreter(&fakeRasterizer{pages: [][]byte{[]byte("junk")}}, 3).
		Interpret(context.Background(), []string{doc})
	assert.ErrorIs(t, err, ErrDecode)

	_, err = NewInterpreter(&fakeRasterizer{}, 3).Interpret(context.Background(), []string{doc})
	assert.ErrorIs(t, err, ErrDecode, "a document without pages is undecodable")
}

func TestPage_DisplaySize(t *testing.T) {
	p := Page{Width: 300, Height: 200}
	w, h := p.DisplaySize(3)
	assert.Equal(t, 100, w)
	assert.Equal(t, 67, h)

	w, _ = p.DisplaySize(0)
	assert.Equal(t, 300, w)
}
