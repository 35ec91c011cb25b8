package render

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
)

// Rasterizer renders every page of a PDF to PNG bytes, in document order.
type Rasterizer interface {
	Rasterize(ctx context.Context, pdfPath string, scale float64) ([][]byte, error)
}

// PopplerRasterizer shells out to poppler's pdftoppm.
type PopplerRasterizer struct {
	Binary  string
	Timeout time.Duration
}

// NewPopplerRasterizer returns a rasterizer using binary, or "pdftoppm" when empty.
func NewPopplerRasterizer(binary string) *PopplerRasterizer {
	if binary == "" {
		binary = "pdftoppm"
	}
	return &PopplerRasterizer{Binary: binary, Timeout: time.Minute}
}

// Available reports whether the binary can be found.
func (p *PopplerRasterizer) Available() bool {
	_, err := exec.LookPath(p.Binary)
	return err == nil
}

func (p *PopplerRasterizer) Rasterize(ctx context.Context, pdfPath string, scale float64) ([][]byte, error) {
	bin, err := exec.LookPath(p.Binary)
	if err != nil {
		return nil, fmt.Errorf("%w: %s not found in PATH", ErrRasterizerUnavailable, p.Binary)
	}

	outDir, err := os.MkdirTemp("", "sketchbook-raster-*")
	if err != nil {
		return nil, fmt.Errorf("creating raster dir: %w", err)
	}
	defer os.RemoveAll(outDir)

	timeout := p.Timeout
	if timeout <= 0 {
		timeout = time.Minute
	}
	rctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	// 72 dpi is the nominal PDF point size.
	dpi := strconv.Itoa(int(72 * scale))
	cmd := exec.CommandContext(rctx, bin, "-r", dpi, "-png", pdfPath, filepath.Join(outDir, "page")) // #nosec G204 -- fixed argv, path from the executor's scan
	out, err := cmd.CombinedOutput()
	if err != nil {
		if errors.Is(rctx.Err(), context.DeadlineExceeded) {
			return nil, &DecodeError{Path: pdfPath, Err: fmt.Errorf("rasterizing exceeded %s", timeout)}
		}
		return nil, &DecodeError{Path: pdfPath, Err: fmt.Errorf("%s: %v: %s", p.Binary, err, strings.TrimSpace(string(out)))}
	}

	entries, err := os.ReadDir(outDir)
	if err != nil {
		return nil, fmt.Errorf("reading raster dir: %w", err)
	}

	type numbered struct {
		name string
		n    int
	}
	var files []numbered
	for _, e := range entries {
		name := e.Name()
		if !strings.HasPrefix(name, "page-") || !strings.HasSuffix(name, ".png") {
			continue
		}
		// pdftoppm zero-pads the page number to the width of the page count.
		n, err := strconv.Atoi(strings.TrimSuffix(strings.TrimPrefix(name, "page-"), ".png"))
		if err != nil {
			continue
		}
		files = append(files, numbered{name, n})
	}
	sort.Slice(files, func(i, j int) bool { return files[i].n < files[j].n })

	pages := make([][]byte, 0, len(files))
	for _, f := range files {
		data, err := os.ReadFile(filepath.Join(outDir, f.name)) // #nosec G304 -- file created above
		if err != nil {
			return nil, fmt.Errorf("reading rasterized page %d: %w", f.n, err)
		}
		pages = append(pages, data)
	}

	log.Debug().Str("pdf", pdfPath).Int("pages", len(pages)).Str("dpi", dpi).Msg("rasterized document")
	return pages, nil
}
