package parser

import (
	"bytes"
	"fmt"
	"regexp"
	"strings"

	"github.com/PuerkitoBio/goquery"
	pdf "github.com/ledongthuc/pdf"
	"go.uber.org/zap"

	"github.com/labmesh/backend/internal/storage/models"
	"github.com/labmesh/backend/pkg/logger"
)

// Sheet is one spreadsheet tab: a header row plus data rows.
type Sheet struct {
	Name    string
	Headers []string
	Rows    [][]string
}

// Result is what Parse produces. Failures never surface as errors; they are
// captured in Quality and the caller decides whether to fall back.
type Result struct {
	Text        string
	Quality     models.ParsingQuality
	Sheets      []Sheet
	SheetsFound int
	PagesFound  int
}

// IsSpreadsheet reports whether structured sheet data was produced.
func (r Result) IsSpreadsheet() bool {
	return len(r.Sheets) > 0
}

var whitespaceRE = regexp.MustCompile(`\s+`)

// Parse converts raw file bytes into normalized text and, for spreadsheets,
// structured rows. Format detection sniffs magic bytes before trusting the
// declared mime type or extension.
func Parse(data []byte, mimeType, fileName string) Result {
	if len(data) == 0 {
		return Result{Quality: models.QualityFailed}
	}

	name := strings.ToLower(fileName)
	mime := strings.ToLower(strings.TrimSpace(mimeType))

	switch {
	case isPDF(data):
		return parsePDF(data, fileName)
	case isZip(data):
		return parseOpenXML(data, fileName)
	case isCSVLike(name, mime):
		return parseCSV(data, fileName)
	case looksLikeHTML(data) || mime == "text/html" || strings.HasSuffix(name, ".html"):
		return parseHTML(data, fileName)
	case isProbablyText(data):
		return parseText(data, fileName)
	default:
		// Unknown binary: reject when more than 10% of the sample is
		// non-printable, otherwise treat as degraded text.
		if nonPrintableRatio(data) > 0.10 {
			logger.Warn("Unsupported binary content", zap.String("file", fileName))
			return Result{Quality: models.QualityUnsupported}
		}
		r := parseText(data, fileName)
		r.Quality = models.QualityPartial
		return r
	}
}

func isPDF(b []byte) bool {
	return len(b) >= 5 && string(b[:5]) == "%PDF-"
}

func isZip(b []byte) bool {
	return len(b) >= 4 && b[0] == 'P' && b[1] == 'K' && b[2] == 3 && b[3] == 4
}

func isCSVLike(name, mime string) bool {
	return strings.HasSuffix(name, ".csv") || strings.HasSuffix(name, ".tsv") ||
		mime == "text/csv" || mime == "text/tab-separated-values"
}

func looksLikeHTML(b []byte) bool {
	s := strings.ToLower(strings.TrimSpace(string(b[:min(len(b), 2048)])))
	return strings.HasPrefix(s, "<!doctype") || strings.HasPrefix(s, "<html") ||
		(strings.Contains(s, "<html") && strings.Contains(s, "<body"))
}

func isProbablyText(b []byte) bool {
	sample := b[:min(len(b), 4096)]
	good := 0
	for _, c := range sample {
		if c == 0x00 {
			return false
		}
		if c == '\n' || c == '\r' || c == '\t' || (c >= 0x20 && c <= 0x7E) || c >= 0x80 {
			good++
		}
	}
	return float64(good)/float64(len(sample)) > 0.9
}

func nonPrintableRatio(b []byte) float64 {
	sample := b[:min(len(b), 8192)]
	bad := 0
	for _, c := range sample {
		if c == '\n' || c == '\r' || c == '\t' || (c >= 0x20 && c <= 0x7E) || c >= 0x80 {
			continue
		}
		bad++
	}
	return float64(bad) / float64(len(sample))
}

func parsePDF(data []byte, fileName string) Result {
	reader, err := pdf.NewReader(bytes.NewReader(data), int64(len(data)))
	if err != nil {
		logger.Warn("PDF open failed", zap.String("file", fileName), zap.Error(err))
		return Result{Quality: models.QualityFailed}
	}

	var sb strings.Builder
	pages := reader.NumPage()
	extracted := 0
	for i := 1; i <= pages; i++ {
		page := reader.Page(i)
		if page.V.IsNull() {
			continue
		}
		text, err := page.GetPlainText(nil)
		if err != nil || strings.TrimSpace(text) == "" {
			continue
		}
		fmt.Fprintf(&sb, "[page %d]\n%s\n", i, text)
		extracted++
	}

	text := collapseWhitespace(sb.String())
	quality := models.QualityFailed
	switch {
	case len(text) > 100:
		quality = models.QualityGood
	case len(text) > 0:
		quality = models.QualityPartial
	}

	if quality == models.QualityFailed {
		// Typically a scanned image PDF with no extractable text layer.
		return Result{Quality: models.QualityFailed, PagesFound: pages}
	}

	return Result{
		Text:       provenanceHeader(fileName, "pages", pages) + text,
		Quality:    quality,
		PagesFound: pages,
	}
}

func parseOpenXML(data []byte, fileName string) Result {
	kind := detectOpenXMLKind(data)
	switch kind {
	case "xlsx":
		return parseXLSX(data, fileName)
	case "docx":
		return parseDOCX(data, fileName)
	default:
		logger.Warn("Unsupported openxml container", zap.String("file", fileName), zap.String("kind", kind))
		return Result{Quality: models.QualityUnsupported}
	}
}

func parseHTML(data []byte, fileName string) Result {
	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(data))
	if err != nil {
		return Result{Quality: models.QualityFailed}
	}

	doc.Find("script, style, nav, footer, header, aside").Each(func(i int, s *goquery.Selection) {
		s.Remove()
	})
	text := collapseWhitespace(doc.Find("body").Text())
	if text == "" {
		text = collapseWhitespace(doc.Text())
	}

	quality := models.QualityPartial
	if len(text) > 100 {
		quality = models.QualityGood
	}
	return Result{Text: provenanceHeader(fileName, "pages", 1) + text, Quality: quality}
}

func parseText(data []byte, fileName string) Result {
	text := collapseWhitespace(string(data))
	quality := models.QualityPartial
	if len(text) > 100 {
		quality = models.QualityGood
	}
	return Result{Text: provenanceHeader(fileName, "pages", 1) + text, Quality: quality}
}

// provenanceHeader anchors downstream excerpt matching to the source document.
func provenanceHeader(fileName, unit string, count int) string {
	return fmt.Sprintf("[file: %s | %s: %d]\n", fileName, unit, count)
}

func collapseWhitespace(s string) string {
	lines := strings.Split(s, "\n")
	for i, l := range lines {
		lines[i] = strings.TrimSpace(whitespaceRE.ReplaceAllString(l, " "))
	}
	var out []string
	for _, l := range lines {
		if l != "" {
			out = append(out, l)
		}
	}
	return strings.Join(out, "\n")
}

func min(a, b int) int {
	if a < b {
		return a
	}
	return b
}
