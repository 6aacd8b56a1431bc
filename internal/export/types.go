// Package export compiles a script into printable artifacts: an HTML listing
// of its blocks and, when Chromium is available, a PDF of that listing.
package export

import (
	"errors"
	"time"
)

// Format represents the export output format
type Format string

const (
	FormatHTML Format = "html"
	FormatPDF  Format = "pdf"
)

// Document is the revision being compiled.
type Document struct {
	ID         string
	Title      string
	Revision   string
	ScriptText string
	Author     string
	UpdatedAt  time.Time
}

// Result contains one export output
type Result struct {
	Format   Format
	Data     []byte
	Filename string
	MimeType string
}

// Bundle is everything one compile produced. PDF is nil when it could not be
// rendered.
type Bundle struct {
	HTML Result
	PDF  *Result
}

// Results lists the produced artifacts, HTML first.
func (b Bundle) Results() []Result {
	out := []Result{b.HTML}
	if b.PDF != nil {
		out = append(out, *b.PDF)
	}
	return out
}

var (
	// ErrPDFDependencyMissing indicates PDF export runtime dependencies are unavailable.
	ErrPDFDependencyMissing = errors.New("export pdf dependency missing")
)
