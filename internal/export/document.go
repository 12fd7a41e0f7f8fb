package export

import (
	"bytes"
	"fmt"
	"time"

	"github.com/jung-kurt/gofpdf"
)

const pdfCreator = "trafficdash report renderer"

// Document is a multi-page PDF under construction. The first page exists
// from construction; every later written slice gets a page of its own.
type Document struct {
	pdf       *gofpdf.Fpdf
	geometry  PageGeometry
	written   int
	finalized bool
}

// NewDocument starts a document whose pages follow g.
func NewDocument(g PageGeometry, meta DocumentMeta) (*Document, error) {
	if err := g.Validate(); err != nil {
		return nil, err
	}
	pdf := gofpdf.NewCustom(&gofpdf.InitType{
		OrientationStr: "P",
		UnitStr:        "mm",
		Size:           gofpdf.SizeType{Wd: g.PageWidth, Ht: g.PageHeight},
	})
	pdf.SetMargins(g.MarginLeft, g.MarginTop, g.MarginRight)
	pdf.SetAutoPageBreak(false, g.MarginBottom)
	pdf.SetCreator(pdfCreator, true)
	if meta.Title != "" {
		pdf.SetTitle(meta.Title, true)
	}
	if meta.Author != "" {
		pdf.SetAuthor(meta.Author, true)
	}
	if meta.Subject != "" {
		pdf.SetSubject(meta.Subject, true)
	}
	created := meta.CreatedAt
	if created.IsZero() {
		created = time.Now()
	}
	pdf.SetCreationDate(created.UTC())
	pdf.AddPage()
	if err := pdf.Error(); err != nil {
		return nil, fmt.Errorf("create document: %w", err)
	}
	return &Document{pdf: pdf, geometry: g}, nil
}

// Pages is the number of pages that received a slice.
func (d *Document) Pages() int {
	return d.written
}

// AddSlice places the band of src described by s onto the next page.
// A band that cannot be extracted or encoded yields an *AssemblyError and
// leaves the document untouched; any other error means the document is
// unusable.
func (d *Document) AddSlice(index int, s PageSlice, src *RasterImage, quality float64) error {
	if d.finalized {
		return ErrAlreadyFinalized
	}
	band, err := src.Band(s.SourceYPx, s.SourceHeightPx)
	if err != nil {
		return &AssemblyError{Page: index, Err: err}
	}
	data, imageType, err := EncodeBand(band, quality)
	if err != nil {
		return &AssemblyError{Page: index, Err: fmt.Errorf("encode band: %w", err)}
	}

	if d.written > 0 {
		d.pdf.AddPage()
	}
	name := fmt.Sprintf("slice-%d", index)
	opts := gofpdf.ImageOptions{ImageType: imageType}
	d.pdf.RegisterImageOptionsReader(name, opts, bytes.NewReader(data))
	d.pdf.ImageOptions(name, d.geometry.MarginLeft, d.geometry.MarginTop,
		d.geometry.AvailableWidth(), s.DestHeight, false, opts, 0, "")
	if err := d.pdf.Error(); err != nil {
		return fmt.Errorf("place page %d: %w", index+1, err)
	}
	d.written++
	return nil
}

// Serialize renders the PDF. It can only be called once.
func (d *Document) Serialize() ([]byte, error) {
	if d.finalized {
		return nil, ErrAlreadyFinalized
	}
	d.finalized = true
	if d.written == 0 {
		return nil, ErrEmptyDocument
	}
	buf := new(bytes.Buffer)
	if err := d.pdf.Output(buf); err != nil {
		return nil, fmt.Errorf("serialize document: %w", err)
	}
	return buf.Bytes(), nil
}

// Close releases the document handle.
func (d *Document) Close() {
	if d == nil {
		return
	}
	d.finalized = true
	d.pdf = nil
}
