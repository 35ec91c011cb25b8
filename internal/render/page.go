// Package render turns the raw files a sketch wrote into an ordered sequence
// of PNG pages.
package render

import (
	"errors"
	"fmt"
	"math"
)

var (
	// ErrDecode marks artifacts that could not be decoded as images.
	ErrDecode = errors.New("artifact could not be decoded")
	// ErrRasterizerUnavailable means no PDF rasterizer is installed.
	ErrRasterizerUnavailable = errors.New("pdf rasterizer unavailable")
)

// DecodeError reports the artifact that failed to decode.
type DecodeError struct {
	Path string
	Err  error
}

func (e *DecodeError) Error() string {
	return fmt.Sprintf("decoding %s: %v", e.Path, e.Err)
}

func (e *DecodeError) Unwrap() []error {
	return []error{ErrDecode, e.Err}
}

// Page is one rendered page or frame, PNG encoded at the render scale.
type Page struct {
	Index  int    `json:"index"` // 1-based
	Data   []byte `json:"-"`
	Width  int    `json:"width"`
	Height int    `json:"height"`
	Source string `json:"source,omitempty"`
}

// DisplaySize returns the page dimensions divided by the display scale.
func (p Page) DisplaySize(scale float64) (int, int) {
	if scale <= 0 {
		scale = 1
	}
	return int(math.Round(float64(p.Width) / scale)), int(math.Round(float64(p.Height) / scale))
}
