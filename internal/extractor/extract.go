// Package extractor turns an uploaded statement blob into text. Statement
// downloads are supposed to be OFX/QFX text, but uploads arrive with UTF-16
// encodings, byte-order marks, and the occasional PDF export picked by
// mistake. PDFs get their text extracted so the parser can produce a useful
// rejection (or, rarely, find an embedded interchange body) instead of
// choking on binary.
package extractor

import (
	"bytes"
	"fmt"
	"io"
	"strings"
	"unicode/utf16"

	"github.com/ledongthuc/pdf"
)

var pdfMagic = []byte("%PDF")

// Read decodes one uploaded file to text.
func Read(filename string, data []byte) (string, error) {
	if bytes.HasPrefix(data, pdfMagic) {
		return extractPDF(filename, data)
	}
	return decodeText(data), nil
}

// decodeText strips a UTF-8 BOM and converts UTF-16 (either byte order) to
// UTF-8. Anything else passes through untouched.
func decodeText(data []byte) string {
	if bytes.HasPrefix(data, []byte{0xEF, 0xBB, 0xBF}) {
		return string(data[3:])
	}
	bigEndian := bytes.HasPrefix(data, []byte{0xFE, 0xFF})
	littleEndian := bytes.HasPrefix(data, []byte{0xFF, 0xFE})
	if !bigEndian && !littleEndian {
		return string(data)
	}

	data = data[2:]
	if len(data)%2 != 0 {
		data = data[:len(data)-1]
	}
	units := make([]uint16, 0, len(data)/2)
	for i := 0; i+1 < len(data); i += 2 {
		if bigEndian {
			units = append(units, uint16(data[i])<<8|uint16(data[i+1]))
		} else {
			units = append(units, uint16(data[i+1])<<8|uint16(data[i]))
		}
	}
	return string(utf16.Decode(units))
}

// extractPDF pulls text page by page, preferring row extraction for layout,
// falling back to plain text. The library panics on some malformed files, so
// the whole thing runs under a recover.
func extractPDF(filename string, data []byte) (text string, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("PDF text extraction crashed for %q: %v", filename, r)
		}
	}()

	reader, err := pdf.NewReader(bytes.NewReader(data), int64(len(data)))
	if err != nil {
		return "", fmt.Errorf("open PDF %q: %w", filename, err)
	}

	var pages []string
	for i := 1; i <= reader.NumPage(); i++ {
		page := reader.Page(i)
		if page.V.IsNull() {
			continue
		}
		rows, rowErr := page.GetTextByRow()
		if rowErr != nil {
			continue
		}
		var lines []string
		for _, row := range rows {
			var parts []string
			for _, word := range row.Content {
				parts = append(parts, word.S)
			}
			if line := strings.TrimSpace(strings.Join(parts, " ")); line != "" {
				lines = append(lines, line)
			}
		}
		if len(lines) > 0 {
			pages = append(pages, strings.Join(lines, "\n"))
		}
	}

	if len(pages) == 0 {
		plain, plainErr := reader.GetPlainText()
		if plainErr != nil {
			return "", fmt.Errorf("no text in PDF %q", filename)
		}
		raw, readErr := io.ReadAll(plain)
		if readErr != nil || len(bytes.TrimSpace(raw)) == 0 {
			return "", fmt.Errorf("no text in PDF %q", filename)
		}
		return string(raw), nil
	}

	return strings.Join(pages, "\n"), nil
}
