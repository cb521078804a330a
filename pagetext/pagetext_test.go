package pagetext

import (
	"context"
	"strings"
	"testing"
)

func TestExtractTextFromStream(t *testing.T) {
	stream := []byte("BT\n/F1 12 Tf\n72 720 Td\n(Face Sheet) Tj\n0 -14 Td\n(Job JN-20260412) Tj\nET\n")
	got := extractTextFromStream(stream)
	if !strings.Contains(got, "Face Sheet") {
		t.Fatalf("missing Tj text: %q", got)
	}
	if !strings.Contains(got, "Job JN-20260412") {
		t.Fatalf("missing second Tj text: %q", got)
	}
}

func TestExtractTextFromStreamTJArray(t *testing.T) {
	stream := []byte("[(Billing) -250 (Form)] TJ\n")
	got := extractTextFromStream(stream)
	if !strings.Contains(got, "Billing") || !strings.Contains(got, "Form") {
		t.Fatalf("TJ array not parsed: %q", got)
	}
}

func TestDecodePDFString(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{`plain`, "plain"},
		{`with \(parens\)`, "with (parens)"},
		{`tab\there`, "tab\there"},
		{`octal\040space`, "octal space"},
		{`back\\slash`, `back\slash`},
	}
	for _, tt := range tests {
		if got := decodePDFString([]byte(tt.in)); got != tt.want {
			t.Errorf("decodePDFString(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestCleanTextCollapsesWhitespace(t *testing.T) {
	got := cleanText("  a \t\t b \n\n c  ")
	if got != "a b c" {
		t.Fatalf("got %q", got)
	}
}

func TestPrintableRatio(t *testing.T) {
	if r := printableRatio("normal as-built text"); r != 1.0 {
		t.Fatalf("clean text ratio = %f", r)
	}
	garbage := strings.Repeat("�", 50) + "ok"
	if r := printableRatio(garbage); r > 0.1 {
		t.Fatalf("garbage ratio = %f", r)
	}
	if r := printableRatio(""); r != 1.0 {
		t.Fatalf("empty ratio = %f", r)
	}
}

func TestWordlikeRatio(t *testing.T) {
	if r := wordlikeRatio("gas service replacement at main"); r != 1.0 {
		t.Fatalf("ratio = %f", r)
	}
	if r := wordlikeRatio("a b c d"); r != 0 {
		t.Fatalf("single-char ratio = %f", r)
	}
	if r := wordlikeRatio(""); r != 0 {
		t.Fatalf("empty ratio = %f", r)
	}
}

func TestQualityLikelyScanned(t *testing.T) {
	tests := []struct {
		name string
		q    Quality
		want bool
	}{
		{"dense text", Quality{CharsPerPage: 900, PrintableRatio: 0.99}, false},
		{"sparse with images", Quality{CharsPerPage: 12, PrintableRatio: 0.99, HasImageStreams: true}, true},
		{"sparse no images", Quality{CharsPerPage: 12, PrintableRatio: 0.99}, false},
		{"mojibake", Quality{CharsPerPage: 900, PrintableRatio: 0.4}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.q.LikelyScanned(); got != tt.want {
				t.Fatalf("got %v, want %v", got, tt.want)
			}
		})
	}
}

func TestFakeExtractor(t *testing.T) {
	f := &Fake{PageTexts: []string{"FACE SHEET job 1", "", "sketch notes"}}
	doc, err := f.Extract(context.Background(), nil)
	if err != nil {
		t.Fatalf("extract: %v", err)
	}
	if len(doc.Pages) != 3 {
		t.Fatalf("pages = %d", len(doc.Pages))
	}
	if doc.Pages[1].Text != "" || doc.Pages[1].Index != 1 {
		t.Fatal("empty page must keep its physical position")
	}
	if doc.Quality.PageCount != 3 {
		t.Fatalf("quality page count = %d", doc.Quality.PageCount)
	}
	texts := doc.Texts()
	if len(texts) != 3 || texts[2] != "sketch notes" {
		t.Fatalf("texts = %v", texts)
	}
}
