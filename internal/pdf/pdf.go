// Package pdf renders PDF pages to raster images for chat upload.
package pdf

import (
	"bytes"
	"image/jpeg"

	"github.com/gen2brain/go-fitz"
	"github.com/pkg/errors"
)

// Rasterizer renders every page of a PDF document to a JPEG image.
type Rasterizer interface {
	Pages(data []byte) ([][]byte, error)
}

// MuPDF renders through the MuPDF engine.
type MuPDF struct {
	// DPI controls render resolution. 144 doubles the PDF-native 72 dpi,
	// which reads fine on chat clients without huge uploads.
	DPI float64

	// Quality is the JPEG encoder quality.
	Quality int
}

// NewMuPDF returns a rasterizer with the default resolution.
func NewMuPDF() *MuPDF {
	return &MuPDF{DPI: 144, Quality: 85}
}

// Pages renders each page to JPEG bytes.
func (m *MuPDF) Pages(data []byte) ([][]byte, error) {
	doc, err := fitz.NewFromMemory(data)
	if err != nil {
		return nil, errors.Wrap(err, "pdf: open document")
	}
	defer doc.Close()

	pages := make([][]byte, 0, doc.NumPage())
	for n := 0; n < doc.NumPage(); n++ {
		img, err := doc.ImageDPI(n, m.DPI)
		if err != nil {
			return nil, errors.Wrapf(err, "pdf: render page %d", n+1)
		}
		var buf bytes.Buffer
		if err := jpeg.Encode(&buf, img, &jpeg.Options{Quality: m.Quality}); err != nil {
			return nil, errors.Wrapf(err, "pdf: encode page %d", n+1)
		}
		pages = append(pages, buf.Bytes())
	}
	return pages, nil
}
