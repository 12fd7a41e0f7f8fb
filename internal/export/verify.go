package export

import (
	"bytes"
	"fmt"

	"github.com/pdfcpu/pdfcpu/pkg/api"
	"github.com/pdfcpu/pdfcpu/pkg/pdfcpu/model"
)

// Verifier checks a serialized document before it is delivered.
type Verifier interface {
	Verify(data []byte, expectedPages int) error
}

// PDFVerifier validates output with pdfcpu.
type PDFVerifier struct{}

// NewPDFVerifier returns a verifier using relaxed pdfcpu validation.
func NewPDFVerifier() *PDFVerifier {
	return &PDFVerifier{}
}

// pdfcpu mutates its configuration per command, so each call gets its own.
func (v *PDFVerifier) config() *model.Configuration {
	conf := model.NewDefaultConfiguration()
	conf.ValidationMode = model.ValidationRelaxed
	return conf
}

// Verify parses data and compares its page count with expectedPages.
func (v *PDFVerifier) Verify(data []byte, expectedPages int) error {
	if len(data) == 0 {
		return fmt.Errorf("%w: empty output", ErrInvalidOutput)
	}
	if err := api.Validate(bytes.NewReader(data), v.config()); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidOutput, err)
	}
	pages, err := api.PageCount(bytes.NewReader(data), v.config())
	if err != nil {
		return fmt.Errorf("%w: count pages: %v", ErrInvalidOutput, err)
	}
	if pages != expectedPages {
		return fmt.Errorf("%w: document has %d pages, expected %d", ErrInvalidOutput, pages, expectedPages)
	}
	return nil
}
