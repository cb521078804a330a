// Package pagetext extracts per-page text from uploaded package PDFs. The
// classifier consumes the page texts positionally, so every physical page
// gets an entry even when no text could be recovered from it.
package pagetext

import (
	"context"
	"io"
)

// Page is the recovered text of one physical page.
type Page struct {
	Index int    `json:"index"` // zero-based physical position
	Text  string `json:"text"`
}

// Document is the extraction result for one package.
type Document struct {
	Pages   []Page  `json:"pages"`
	Quality Quality `json:"quality"`
}

// Texts returns the page texts in physical order.
func (d *Document) Texts() []string {
	out := make([]string, len(d.Pages))
	for i, p := range d.Pages {
		out[i] = p.Text
	}
	return out
}

// Extractor recovers page texts from a PDF stream.
type Extractor interface {
	Extract(ctx context.Context, rs io.ReadSeeker) (*Document, error)
}

// Fake is an Extractor that returns fixed page texts, for tests.
type Fake struct {
	PageTexts []string
	Err       error
}

func (f *Fake) Extract(context.Context, io.ReadSeeker) (*Document, error) {
	if f.Err != nil {
		return nil, f.Err
	}
	doc := &Document{}
	for i, t := range f.PageTexts {
		doc.Pages = append(doc.Pages, Page{Index: i, Text: t})
	}
	doc.Quality = measure(doc.Pages, false)
	return doc, nil
}
