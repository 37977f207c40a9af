package export

import (
	"context"
	"fmt"

	"quire/api/internal/block"
)

// PDFRenderer turns an HTML page into PDF bytes.
type PDFRenderer func(ctx context.Context, html string) ([]byte, error)

// Service provides document export functionality
type Service struct {
	pdf PDFRenderer
}

// NewService creates an export service that prints PDFs with headless Chrome.
func NewService() *Service {
	return &Service{pdf: chromePDF}
}

// NewServiceWithPDF swaps the PDF renderer.
func NewServiceWithPDF(pdf PDFRenderer) *Service {
	return &Service{pdf: pdf}
}

// Export renders snap in the requested format.
func (s *Service) Export(ctx context.Context, snap block.Snapshot, format Format, meta Meta) (*Result, error) {
	name := sanitizeFilename(snap.Title)
	switch format {
	case FormatMarkdown:
		return &Result{
			Data:     []byte(Markdown(snap)),
			Filename: name + ".md",
			MimeType: "text/markdown; charset=utf-8",
		}, nil
	case FormatHTML:
		html, err := HTML(snap, meta)
		if err != nil {
			return nil, err
		}
		return &Result{
			Data:     []byte(html),
			Filename: name + ".html",
			MimeType: "text/html; charset=utf-8",
		}, nil
	case FormatPDF:
		html, err := HTML(snap, meta)
		if err != nil {
			return nil, err
		}
		data, err := s.pdf(ctx, html)
		if err != nil {
			return nil, err
		}
		return &Result{
			Data:     data,
			Filename: name + ".pdf",
			MimeType: "application/pdf",
		}, nil
	default:
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedFormat, format)
	}
}
