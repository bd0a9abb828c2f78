package client

import (
	"bytes"
	"context"
	"errors"
	"fmt"

	"github.com/ledongthuc/pdf"
)

// ErrEncryptedPDF is returned for password-protected documents.
var ErrEncryptedPDF = errors.New("pdf is encrypted")

// PDFInfo describes a parsed document.
type PDFInfo struct {
	Pages     int  `json:"pages"`
	Encrypted bool `json:"encrypted"`
}

// PDFExtractor reads document structure and plain text.
type PDFExtractor struct{}

func NewPDFExtractor() *PDFExtractor {
	return &PDFExtractor{}
}

// open guards against the parser panicking on malformed input.
func open(data []byte) (r *pdf.Reader, err error) {
	defer func() {
		if rec := recover(); rec != nil {
			err = fmt.Errorf("malformed pdf: %v", rec)
		}
	}()
	r, err = pdf.NewReader(bytes.NewReader(data), int64(len(data)))
	if err != nil {
		if errors.Is(err, pdf.ErrInvalidPassword) {
			return nil, ErrEncryptedPDF
		}
		return nil, fmt.Errorf("failed to parse pdf: %w", err)
	}
	return r, nil
}

// Inspect parses the document and reports its page count.
func (e *PDFExtractor) Inspect(_ context.Context, data []byte) (PDFInfo, error) {
	r, err := open(data)
	if errors.Is(err, ErrEncryptedPDF) {
		return PDFInfo{Encrypted: true}, nil
	}
	if err != nil {
		return PDFInfo{}, err
	}
	info := PDFInfo{Pages: r.NumPage()}
	if !r.Trailer().Key("Encrypt").IsNull() {
		info.Encrypted = true
	}
	return info, nil
}

// ExtractText returns the plain text of every page, in order.
func (e *PDFExtractor) ExtractText(ctx context.Context, data []byte) (pages []string, err error) {
	r, err := open(data)
	if err != nil {
		return nil, err
	}
	defer func() {
		if rec := recover(); rec != nil {
			err = fmt.Errorf("failed to read pdf text: %v", rec)
		}
	}()

	n := r.NumPage()
	pages = make([]string, 0, n)
	for i := 1; i <= n; i++ {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		page := r.Page(i)
		if page.V.IsNull() {
			pages = append(pages, "")
			continue
		}
		text, err := page.GetPlainText(nil)
		if err != nil {
			// Unreadable page content is left to OCR.
			pages = append(pages, "")
			continue
		}
		pages = append(pages, text)
	}
	return pages, nil
}
