package export

import (
	"fmt"
	"math"
	"strings"
)

// Page sizes in millimetres, portrait.
var pageSizes = map[Format][2]float64{
	FormatA4:     {210, 297},
	FormatLetter: {215.9, 279.4},
}

// pageEpsilon absorbs float noise when the display height is an exact
// multiple of the available page height.
const pageEpsilon = 1e-9

// PageGeometry describes one output page in millimetres.
type PageGeometry struct {
	PageWidth    float64
	PageHeight   float64
	MarginTop    float64
	MarginRight  float64
	MarginBottom float64
	MarginLeft   float64
}

// AvailableWidth is the printable width between the side margins.
func (g PageGeometry) AvailableWidth() float64 {
	return g.PageWidth - g.MarginLeft - g.MarginRight
}

// AvailableHeight is the printable height between top and bottom margins.
func (g PageGeometry) AvailableHeight() float64 {
	return g.PageHeight - g.MarginTop - g.MarginBottom
}

// Validate checks that margins are non-negative and leave a printable area.
func (g PageGeometry) Validate() error {
	fields := []struct {
		name  string
		value float64
	}{
		{"page width", g.PageWidth},
		{"page height", g.PageHeight},
		{"top margin", g.MarginTop},
		{"right margin", g.MarginRight},
		{"bottom margin", g.MarginBottom},
		{"left margin", g.MarginLeft},
	}
	for _, f := range fields {
		if f.value < 0 || math.IsNaN(f.value) || math.IsInf(f.value, 0) {
			return &GeometryError{Reason: fmt.Sprintf("%s must be a finite non-negative number", f.name)}
		}
	}
	if g.AvailableWidth() <= 0 {
		return &GeometryError{Reason: "margins leave no horizontal space"}
	}
	if g.AvailableHeight() <= 0 {
		return &GeometryError{Reason: "margins leave no vertical space"}
	}
	return nil
}

// ResolveGeometry builds the page geometry for a paper format.
func ResolveGeometry(format Format, orientation Orientation, margins Margins) (PageGeometry, error) {
	size, ok := pageSizes[Format(normalizeFormat(string(format)))]
	if !ok {
		return PageGeometry{}, &GeometryError{Reason: fmt.Sprintf("unsupported format %q", format)}
	}
	width, height := size[0], size[1]
	switch Orientation(strings.ToLower(string(orientation))) {
	case Portrait, "":
	case Landscape:
		width, height = height, width
	default:
		return PageGeometry{}, &GeometryError{Reason: fmt.Sprintf("unsupported orientation %q", orientation)}
	}
	g := PageGeometry{
		PageWidth:    width,
		PageHeight:   height,
		MarginTop:    margins.Top,
		MarginRight:  margins.Right,
		MarginBottom: margins.Bottom,
		MarginLeft:   margins.Left,
	}
	if err := g.Validate(); err != nil {
		return PageGeometry{}, err
	}
	return g, nil
}

func normalizeFormat(s string) string {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "a4":
		return string(FormatA4)
	case "letter":
		return string(FormatLetter)
	default:
		return s
	}
}

// PageSlice maps a horizontal band of the source raster onto one page.
type PageSlice struct {
	SourceYPx      int
	SourceHeightPx int
	// DestHeight is the rendered height on the page in millimetres.
	DestHeight float64
}

// Split computes the page slices for a widthPx × heightPx raster. The image
// is scaled to the available width; slices tile the raster height exactly.
func Split(widthPx, heightPx int, g PageGeometry) ([]PageSlice, error) {
	if widthPx <= 0 || heightPx <= 0 {
		return nil, &GeometryError{Reason: fmt.Sprintf("image size %dx%d is not positive", widthPx, heightPx)}
	}
	if err := g.Validate(); err != nil {
		return nil, err
	}

	availableHeight := g.AvailableHeight()
	displayWidth := g.AvailableWidth()
	displayHeight := displayWidth * float64(heightPx) / float64(widthPx)

	if displayHeight <= availableHeight {
		return []PageSlice{{SourceYPx: 0, SourceHeightPx: heightPx, DestHeight: displayHeight}}, nil
	}

	pxPerPage := availableHeight * float64(heightPx) / displayHeight
	if pxPerPage < 1 {
		return nil, &GeometryError{Reason: "a page holds less than one source pixel"}
	}
	pages := int(math.Ceil(displayHeight/availableHeight - pageEpsilon))
	mmPerPx := displayHeight / float64(heightPx)

	slices := make([]PageSlice, 0, pages)
	for p := 0; p < pages; p++ {
		start := int(math.Floor(float64(p) * pxPerPage))
		end := heightPx
		if p < pages-1 {
			end = int(math.Floor(float64(p+1) * pxPerPage))
		}
		// Floor rounding can give a band one pixel more than pxPerPage;
		// it is squeezed into the printable area rather than the margin.
		slices = append(slices, PageSlice{
			SourceYPx:      start,
			SourceHeightPx: end - start,
			DestHeight:     math.Min(float64(end-start)*mmPerPx, availableHeight),
		})
	}
	return slices, nil
}
