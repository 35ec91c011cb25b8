package render

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"image"
	"image/gif"
	_ "image/jpeg"
	"image/png"
	"io"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strconv"
	"time"

	"github.com/rs/zerolog/log"
	_ "golang.org/x/image/bmp"
	"golang.org/x/image/draw"
	_ "golang.org/x/image/tiff"
)

// numberedPage matches files such as "poster_page_2.png" or "page-10.png".
var numberedPage = regexp.MustCompile(`(?i)(?:^|[_-])page[_-]?(\d+)\.(?:png|jpe?g|gif|bmp|tiff?)$`)

var pdfMagic = []byte("%PDF-")

type kind int

const (
	kindImage kind = iota
	kindPDF
)

type candidate struct {
	path    string
	kind    kind
	format  string // image format name from image.DecodeConfig
	modTime time.Time
}

// Interpreter classifies a run's artifacts and normalizes them into pages.
type Interpreter struct {
	rasterizer Rasterizer
	scale      float64
}

// NewInterpreter returns an interpreter that rasterizes documents at scale
// times their nominal size.
func NewInterpreter(rasterizer Rasterizer, scale float64) *Interpreter {
	if scale <= 0 {
		scale = 3
	}
	return &Interpreter{rasterizer: rasterizer, scale: scale}
}

// Interpret selects which artifacts form the preview and returns their pages.
// Zero artifacts yield zero pages and no error. Any artifact that cannot be
// decoded fails the whole interpretation.
//
// Selection order: a paginated document wins over everything else, then
// numbered page files, then the most recently written image (every frame of
// it when it is an animated GIF).
func (in *Interpreter) Interpret(ctx context.Context, artifacts []string) ([]Page, error) {
	if len(artifacts) == 0 {
		return nil, nil
	}

	var docs, images []candidate
	for _, path := range artifacts {
		c, err := inspect(path)
		if err != nil {
			return nil, err
		}
		if c.kind == kindPDF {
			docs = append(docs, c)
		} else {
			images = append(images, c)
		}
	}

	if len(docs) > 0 {
		doc := newest(docs)
		if len(images) > 0 {
			log.Debug().Str("document", doc.path).Int("discarded_images", len(images)).Msg("preferring paginated document over static images")
		}
		return in.rasterize(ctx, doc.path)
	}

	if numbered := numberedPages(images); len(numbered) > 0 {
		pages := make([]Page, 0, len(numbered))
		for i, c := range numbered {
			p, err := normalize(c)
			if err != nil {
				return nil, err
			}
			p.Index = i + 1
			pages = append(pages, p)
		}
		return pages, nil
	}

	latest := newest(images)
	if latest.format == "gif" {
		return gifFrames(latest.path)
	}
	p, err := normalize(latest)
	if err != nil {
		return nil, err
	}
	p.Index = 1
	return []Page{p}, nil
}

func (in *Interpreter) rasterize(ctx context.Context, path string) ([]Page, error) {
	if in.rasterizer == nil {
		return nil, fmt.Errorf("%w: no rasterizer configured for %s", ErrRasterizerUnavailable, filepath.Base(path))
	}
	raw, err := in.rasterizer.Rasterize(ctx, path, in.scale)
	if err != nil {
		return nil, err
	}
	if len(raw) == 0 {
		return nil, &DecodeError{Path: path, Err: fmt.Errorf("document has no pages")}
	}
	pages := make([]Page, 0, len(raw))
	for i, data := range raw {
		cfg, err := png.DecodeConfig(bytes.NewReader(data))
		if err != nil {
			return nil, &DecodeError{Path: fmt.Sprintf("%s#page=%d", path, i+1), Err: err}
		}
		pages = append(pages, Page{Index: i + 1, Data: data, Width: cfg.Width, Height: cfg.Height, Source: path})
	}
	return pages, nil
}

func inspect(path string) (candidate, error) {
	f, err := os.Open(path) // #nosec G304 -- artifact paths come from the executor's scan
	if err != nil {
		return candidate{}, &DecodeError{Path: path, Err: err}
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return candidate{}, &DecodeError{Path: path, Err: err}
	}
	c := candidate{path: path, modTime: info.ModTime()}

	br := bufio.NewReader(f)
	head, _ := br.Peek(len(pdfMagic))
	if bytes.Equal(head, pdfMagic) {
		c.kind = kindPDF
		return c, nil
	}

	_, format, err := image.DecodeConfig(br)
	if err != nil {
		return candidate{}, &DecodeError{Path: path, Err: err}
	}
	// A truncated image fails the run even when another artifact is chosen.
	if _, err := f.Seek(0, io.SeekStart); err != nil {
		return candidate{}, &DecodeError{Path: path, Err: err}
	}
	if format == "gif" {
		_, err = gif.DecodeAll(bufio.NewReader(f))
	} else {
		_, _, err = image.Decode(bufio.NewReader(f))
	}
	if err != nil {
		return candidate{}, &DecodeError{Path: path, Err: err}
	}
	c.kind = kindImage
	c.format = format
	return c, nil
}

func newest(cs []candidate) candidate {
	best := cs[0]
	for _, c := range cs[1:] {
		if c.modTime.After(best.modTime) || (c.modTime.Equal(best.modTime) && c.path > best.path) {
			best = c
		}
	}
	return best
}

func numberedPages(cs []candidate) []candidate {
	type numbered struct {
		candidate
		n int
	}
	var out []numbered
	for _, c := range cs {
		m := numberedPage.FindStringSubmatch(filepath.Base(c.path))
		if m == nil {
			continue
		}
		n, err := strconv.Atoi(m[1])
		if err != nil {
			continue
		}
		out = append(out, numbered{c, n})
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].n < out[j].n })

	result := make([]candidate, len(out))
	for i, o := range out {
		result[i] = o.candidate
	}
	return result
}

// normalize decodes a raster artifact and returns it as a PNG page.
func normalize(c candidate) (Page, error) {
	data, err := os.ReadFile(c.path) // #nosec G304 -- artifact paths come from the executor's scan
	if err != nil {
		return Page{}, &DecodeError{Path: c.path, Err: err}
	}
	img, _, err := image.Decode(bytes.NewReader(data))
	if err != nil {
		return Page{}, &DecodeError{Path: c.path, Err: err}
	}
	b := img.Bounds()
	p := Page{Width: b.Dx(), Height: b.Dy(), Source: c.path}
	if c.format == "png" {
		p.Data = data
		return p, nil
	}
	p.Data, err = encodePNG(img)
	if err != nil {
		return Page{}, &DecodeError{Path: c.path, Err: err}
	}
	return p, nil
}

// gifFrames composites every frame of an animated GIF onto the logical screen.
func gifFrames(path string) ([]Page, error) {
	f, err := os.Open(path) // #nosec G304 -- artifact paths come from the executor's scan
	if err != nil {
		return nil, &DecodeError{Path: path, Err: err}
	}
	defer f.Close()

	g, err := gif.DecodeAll(f)
	if err != nil {
		return nil, &DecodeError{Path: path, Err: err}
	}
	if len(g.Image) == 0 {
		return nil, &DecodeError{Path: path, Err: fmt.Errorf("gif has no frames")}
	}

	screen := image.Rect(0, 0, g.Config.Width, g.Config.Height)
	if screen.Empty() {
		for _, frame := range g.Image {
			screen = screen.Union(frame.Bounds())
		}
	}
	canvas := image.NewRGBA(screen)

	pages := make([]Page, 0, len(g.Image))
	for i, frame := range g.Image {
		var disposal byte
		if i < len(g.Disposal) {
			disposal = g.Disposal[i]
		}
		var previous *image.RGBA
		if disposal == gif.DisposalPrevious {
			previous = cloneRGBA(canvas)
		}

		draw.Draw(canvas, frame.Bounds(), frame, frame.Bounds().Min, draw.Over)
		data, err := encodePNG(canvas)
		if err != nil {
			return nil, &DecodeError{Path: path, Err: err}
		}
		pages = append(pages, Page{
			Index:  i + 1,
			Data:   data,
			Width:  screen.Dx(),
			Height: screen.Dy(),
			Source: path,
		})

		switch disposal {
		case gif.DisposalBackground:
			draw.Draw(canvas, frame.Bounds(), image.Transparent, image.Point{}, draw.Src)
		case gif.DisposalPrevious:
			canvas = previous
		}
	}
	return pages, nil
}

func cloneRGBA(src *image.RGBA) *image.RGBA {
	dst := image.NewRGBA(src.Bounds())
	copy(dst.Pix, src.Pix)
	return dst
}

func encodePNG(img image.Image) ([]byte, error) {
	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}
