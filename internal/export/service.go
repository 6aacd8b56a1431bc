package export

import (
	"context"
	"errors"
	"fmt"
	"html/template"

	"github.com/rs/zerolog"
)

// Service compiles scripts into artifacts.
type Service struct {
	pdf PDFRenderer
	log zerolog.Logger
}

// NewService creates a compiler. A nil renderer disables PDF output.
func NewService(pdf PDFRenderer, log zerolog.Logger) *Service {
	return &Service{pdf: pdf, log: log}
}

// Compile renders doc as an HTML listing and, when possible, a PDF. A PDF
// failure is logged and leaves Bundle.PDF nil; only an unparsable script
// fails the compile.
func (s *Service) Compile(ctx context.Context, doc Document) (Bundle, error) {
	listing, err := RenderBlocks(doc.ScriptText)
	if err != nil {
		return Bundle{}, err
	}

	title := doc.Title
	if title == "" {
		title = doc.ID
	}
	page, err := RenderListingHTML(TemplateData{
		Title:         title,
		ShortRevision: shortRevision(doc.Revision),
		Author:        doc.Author,
		UpdatedAt:     doc.UpdatedAt,
		BlockCount:    listing.BlockCount,
		BlockTypes:    listing.BlockTypes,
		ContentHTML:   template.HTML(listing.HTML),
	})
	if err != nil {
		return Bundle{}, fmt.Errorf("render listing: %w", err)
	}

	base := sanitizeFilename(title)
	bundle := Bundle{HTML: Result{
		Format:   FormatHTML,
		Data:     []byte(page),
		Filename: base + ".html",
		MimeType: "text/html; charset=utf-8",
	}}

	if s.pdf == nil {
		s.log.Debug().Str("document_id", doc.ID).Err(ErrPDFDependencyMissing).Msg("pdf renderer disabled")
		return bundle, nil
	}
	data, err := s.pdf(ctx, page)
	switch {
	case errors.Is(err, ErrPDFDependencyMissing):
		s.log.Warn().Str("document_id", doc.ID).Err(err).Msg("pdf skipped")
	case err != nil:
		s.log.Error().Str("document_id", doc.ID).Err(err).Msg("pdf export failed")
	default:
		bundle.PDF = &Result{
			Format:   FormatPDF,
			Data:     data,
			Filename: base + ".pdf",
			MimeType: "application/pdf",
		}
	}
	return bundle, nil
}

func shortRevision(rev string) string {
	if len(rev) > 7 {
		return rev[:7]
	}
	return rev
}
