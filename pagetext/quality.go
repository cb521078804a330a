package pagetext

import (
	"strings"
	"unicode"
)

// Quality captures extraction quality metrics for a package. Field crews
// often scan paper forms, which yields image-only pages with little or no
// recoverable text; those packages need manual review rather than keyword
// classification.
type Quality struct {
	PageCount       int     `json:"page_count"`
	CharsPerPage    float64 `json:"chars_per_page"`
	PrintableRatio  float64 `json:"printable_ratio"`
	WordlikeRatio   float64 `json:"wordlike_ratio"`
	HasImageStreams bool    `json:"has_image_streams"`
}

// LikelyScanned reports whether the package is probably a raster scan with
// no usable text layer.
func (q Quality) LikelyScanned() bool {
	return (q.CharsPerPage < 50 && q.HasImageStreams) || q.PrintableRatio < 0.85
}

func measure(pages []Page, hasImages bool) Quality {
	var sb strings.Builder
	totalChars := 0
	for _, p := range pages {
		totalChars += len([]rune(p.Text))
		if sb.Len() > 0 {
			sb.WriteByte('\n')
		}
		sb.WriteString(p.Text)
	}

	q := Quality{
		PageCount:       len(pages),
		HasImageStreams: hasImages,
	}
	if q.PageCount > 0 {
		q.CharsPerPage = float64(totalChars) / float64(q.PageCount)
	}
	q.PrintableRatio = printableRatio(sb.String())
	q.WordlikeRatio = wordlikeRatio(sb.String())
	return q
}

// printableRatio returns the ratio of printable characters in text.
// Excludes PUA U+E000-U+F8FF, control chars < U+0020 (except \n\r\t), U+FFFD.
func printableRatio(text string) float64 {
	if len(text) == 0 {
		return 1.0
	}
	total := 0
	printable := 0
	for _, r := range text {
		total++
		if isGarbageRune(r) {
			continue
		}
		if unicode.IsPrint(r) || r == '\n' || r == '\r' || r == '\t' {
			printable++
		}
	}
	if total == 0 {
		return 1.0
	}
	return float64(printable) / float64(total)
}

func isGarbageRune(r rune) bool {
	// Private Use Area
	if r >= 0xE000 && r <= 0xF8FF {
		return true
	}
	// Replacement character
	if r == 0xFFFD {
		return true
	}
	// Control chars except whitespace
	if r < 0x0020 && r != '\n' && r != '\r' && r != '\t' {
		return true
	}
	return false
}

// wordlikeRatio returns the ratio of word-like tokens (length 2-15) to
// total tokens.
func wordlikeRatio(text string) float64 {
	fields := strings.Fields(text)
	if len(fields) == 0 {
		return 0
	}
	wordlike := 0
	for _, f := range fields {
		n := len([]rune(f))
		if n >= 2 && n <= 15 {
			wordlike++
		}
	}
	return float64(wordlike) / float64(len(fields))
}
