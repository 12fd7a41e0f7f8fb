// Package export renders traffic reports into paginated PDF documents.
//
// A report is captured from a rendered page in headless Chrome, split into
// page-sized bands, placed onto PDF pages and delivered to a sink. The whole
// attempt is driven by a Controller that retries transient failures with
// exponential backoff and streams progress to subscribers.
package export

import (
	"errors"
	"fmt"
	"image/color"
	"strconv"
	"strings"
	"time"
)

// Format is the paper format of the generated document.
type Format string

const (
	FormatA4     Format = "A4"
	FormatLetter Format = "Letter"
)

// Orientation of the output pages.
type Orientation string

const (
	Portrait  Orientation = "portrait"
	Landscape Orientation = "landscape"
)

// MimeTypePDF is the MIME type of every artifact produced by this package.
const MimeTypePDF = "application/pdf"

// Margins are page margins in millimetres.
type Margins struct {
	Top    float64 `json:"top"`
	Right  float64 `json:"right"`
	Bottom float64 `json:"bottom"`
	Left   float64 `json:"left"`
}

// UniformMargins returns margins with the same value on all four sides.
func UniformMargins(mm float64) Margins {
	return Margins{Top: mm, Right: mm, Bottom: mm, Left: mm}
}

// Surface identifies the visual region to capture. Exactly one of URL or
// HTML is set; Selector picks the element inside the loaded page.
type Surface struct {
	URL      string
	HTML     string
	Selector string
}

// CaptureOptions control rasterization of a Surface.
type CaptureOptions struct {
	// Scale is the device pixel ratio used for the screenshot. Must be > 0.
	Scale           float64
	BackgroundColor color.RGBA
	CrossOriginSafe bool
	// ViewportWidth is the CSS width of the emulated browser window.
	ViewportWidth int
}

// DefaultCaptureOptions mirrors what the dashboard uses for its exports.
func DefaultCaptureOptions() CaptureOptions {
	return CaptureOptions{
		Scale:           2,
		BackgroundColor: color.RGBA{R: 255, G: 255, B: 255, A: 255},
		ViewportWidth:   1280,
	}
}

// ParseHexColor parses "#rgb" or "#rrggbb" into an opaque colour.
func ParseHexColor(s string) (color.RGBA, error) {
	hex := strings.TrimPrefix(strings.TrimSpace(s), "#")
	if len(hex) == 3 {
		hex = string([]byte{hex[0], hex[0], hex[1], hex[1], hex[2], hex[2]})
	}
	if len(hex) != 6 {
		return color.RGBA{}, fmt.Errorf("invalid colour %q", s)
	}
	v, err := strconv.ParseUint(hex, 16, 32)
	if err != nil {
		return color.RGBA{}, fmt.Errorf("invalid colour %q", s)
	}
	return color.RGBA{R: uint8(v >> 16), G: uint8(v >> 8), B: uint8(v), A: 255}, nil
}

// Frame is the encoded result of a capture together with the pixel size
// the browser reported for the captured element.
type Frame struct {
	Data     []byte
	WidthPx  int
	HeightPx int
}

// RenderOptions are the caller-facing knobs of a report export.
type RenderOptions struct {
	Format          Format      `json:"format"`
	Orientation     Orientation `json:"orientation"`
	// Margins is nil when the caller left them out; explicit zeros are kept.
	Margins         *Margins    `json:"margins,omitempty"`
	Quality         float64     `json:"quality"`
	Scale           float64     `json:"scale"`
	Background      string      `json:"background"`
	CrossOriginSafe bool        `json:"crossOriginSafe"`
}

// DefaultRenderOptions returns A4 portrait with 10mm margins.
func DefaultRenderOptions() RenderOptions {
	margins := UniformMargins(10)
	return RenderOptions{
		Format:      FormatA4,
		Orientation: Portrait,
		Margins:     &margins,
		Quality:     0.92,
		Scale:       2,
		Background:  "#ffffff",
	}
}

// DocumentMeta is written into the PDF information dictionary.
type DocumentMeta struct {
	Title     string
	Author    string
	Subject   string
	CreatedAt time.Time
}

// Request contains parameters for an export operation
type Request struct {
	// ID is the report id; generated when empty.
	ID      string
	Content ReportContent
	// SurfaceURL captures an already hosted page instead of rendering Content.
	SurfaceURL string
	Selector   string
	Options    RenderOptions
}

// Result contains the export output
type Result struct {
	ID       string
	Data     []byte
	Filename string
	MimeType string
	Pages    int
	Attempts int
	Fallback bool
	Warnings []string
	Location Location
}

var (
	// ErrCaptureUnavailable indicates no headless browser is installed.
	ErrCaptureUnavailable = errors.New("export capture browser unavailable")
	// ErrCancelled indicates the generation was cancelled by the caller.
	ErrCancelled = errors.New("export cancelled")
	// ErrAborted indicates the generation was aborted and must not be retried.
	ErrAborted = errors.New("export aborted")
	// ErrEmptyDocument indicates no page could be written to the document.
	ErrEmptyDocument = errors.New("export document has no pages")
	// ErrAlreadyFinalized indicates the document was serialized before.
	ErrAlreadyFinalized = errors.New("export document already finalized")
	// ErrInvalidOutput indicates the serialized PDF failed verification.
	ErrInvalidOutput = errors.New("export output failed verification")
	// ErrInvalidRequest indicates the request options or content are malformed.
	ErrInvalidRequest = errors.New("invalid export request")
)
