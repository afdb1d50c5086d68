package parser

import (
	"archive/zip"
	"bytes"
	"encoding/csv"
	"encoding/xml"
	"fmt"
	"io"
	"strings"

	"github.com/xuri/excelize/v2"
	"go.uber.org/zap"

	"github.com/labmesh/backend/internal/storage/models"
	"github.com/labmesh/backend/pkg/logger"
)

func detectOpenXMLKind(data []byte) string {
	zr, err := zip.NewReader(bytes.NewReader(data), int64(len(data)))
	if err != nil {
		return "unknown"
	}
	for _, f := range zr.File {
		if strings.HasPrefix(f.Name, "xl/") {
			return "xlsx"
		}
		if strings.HasPrefix(f.Name, "word/") {
			return "docx"
		}
	}
	return "unknown"
}

func parseXLSX(data []byte, fileName string) Result {
	wb, err := excelize.OpenReader(bytes.NewReader(data))
	if err != nil {
		logger.Warn("XLSX open failed", zap.String("file", fileName), zap.Error(err))
		return Result{Quality: models.QualityFailed}
	}
	defer wb.Close()

	var sheets []Sheet
	totalCells, filledCells := 0, 0

	for _, name := range wb.GetSheetList() {
		rows, err := wb.GetRows(name)
		if err != nil || len(rows) == 0 {
			continue
		}

		sheet := Sheet{Name: name, Headers: rows[0]}
		for _, row := range rows[1:] {
			sheet.Rows = append(sheet.Rows, row)
			for _, cell := range row {
				totalCells++
				if strings.TrimSpace(cell) != "" {
					filledCells++
				}
			}
		}
		sheets = append(sheets, sheet)
	}

	if len(sheets) == 0 {
		return Result{Quality: models.QualityFailed}
	}

	text := provenanceHeader(fileName, "sheets", len(sheets)) + flattenSheets(sheets)
	return Result{
		Text:        text,
		Quality:     gradeSpreadsheet(text, filledCells, totalCells),
		Sheets:      sheets,
		SheetsFound: len(sheets),
	}
}

func parseCSV(data []byte, fileName string) Result {
	reader := csv.NewReader(bytes.NewReader(data))
	reader.FieldsPerRecord = -1
	reader.LazyQuotes = true
	if delim := sniffDelimiter(data); delim != 0 {
		reader.Comma = delim
	}

	var records [][]string
	for {
		record, err := reader.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			logger.Warn("CSV parse error, keeping rows read so far",
				zap.String("file", fileName), zap.Error(err))
			break
		}
		records = append(records, record)
	}

	if len(records) == 0 {
		return Result{Quality: models.QualityFailed}
	}

	sheet := Sheet{Name: "Sheet1", Headers: records[0]}
	totalCells, filledCells := 0, 0
	for _, row := range records[1:] {
		sheet.Rows = append(sheet.Rows, row)
		for _, cell := range row {
			totalCells++
			if strings.TrimSpace(cell) != "" {
				filledCells++
			}
		}
	}
	sheets := []Sheet{sheet}

	text := provenanceHeader(fileName, "sheets", 1) + flattenSheets(sheets)
	return Result{
		Text:        text,
		Quality:     gradeSpreadsheet(text, filledCells, totalCells),
		Sheets:      sheets,
		SheetsFound: 1,
	}
}

// sniffDelimiter checks the first line for semicolon or tab separated values,
// common in European lab exports.
func sniffDelimiter(data []byte) rune {
	line := string(data[:min(len(data), 1024)])
	if idx := strings.IndexByte(line, '\n'); idx >= 0 {
		line = line[:idx]
	}
	if strings.Count(line, "\t") > strings.Count(line, ",") {
		return '\t'
	}
	if strings.Count(line, ";") > strings.Count(line, ",") {
		return ';'
	}
	return 0
}

func gradeSpreadsheet(text string, filled, total int) models.ParsingQuality {
	if len(text) < 100 {
		return models.QualityPoor
	}
	if total > 0 && float64(filled)/float64(total) < 0.3 {
		return models.QualityPartial
	}
	return models.QualityGood
}

// flattenSheets renders structured rows as CSV-like text so the same content is
// visible to full-text indexing and excerpt matching.
func flattenSheets(sheets []Sheet) string {
	var sb strings.Builder
	for _, sheet := range sheets {
		fmt.Fprintf(&sb, "[sheet: %s]\n", sheet.Name)
		sb.WriteString(strings.Join(sheet.Headers, ", "))
		sb.WriteString("\n")
		for _, row := range sheet.Rows {
			sb.WriteString(strings.Join(row, ", "))
			sb.WriteString("\n")
		}
	}
	return sb.String()
}

// docx is a zip container; text lives in w:t runs of word/document.xml.
func parseDOCX(data []byte, fileName string) Result {
	zr, err := zip.NewReader(bytes.NewReader(data), int64(len(data)))
	if err != nil {
		return Result{Quality: models.QualityFailed}
	}

	var docXML []byte
	for _, f := range zr.File {
		if f.Name == "word/document.xml" {
			rc, err := f.Open()
			if err != nil {
				return Result{Quality: models.QualityFailed}
			}
			docXML, _ = io.ReadAll(rc)
			rc.Close()
			break
		}
	}
	if len(docXML) == 0 {
		return Result{Quality: models.QualityFailed}
	}

	text := collapseWhitespace(extractXMLText(docXML))
	quality := models.QualityPoor
	switch {
	case len(text) > 500:
		quality = models.QualityGood
	case len(text) > 50:
		quality = models.QualityPartial
	}

	return Result{Text: provenanceHeader(fileName, "pages", 1) + text, Quality: quality}
}

// extractXMLText gathers character data from <w:t> runs, inserting breaks at
// paragraph boundaries.
func extractXMLText(data []byte) string {
	decoder := xml.NewDecoder(bytes.NewReader(data))
	var sb strings.Builder
	inText := false

	for {
		tok, err := decoder.Token()
		if err != nil {
			break
		}
		switch t := tok.(type) {
		case xml.StartElement:
			if t.Name.Local == "t" {
				inText = true
			}
		case xml.EndElement:
			if t.Name.Local == "t" {
				inText = false
			}
			if t.Name.Local == "p" {
				sb.WriteString("\n")
			}
		case xml.CharData:
			if inText {
				sb.Write(t)
			}
		}
	}
	return sb.String()
}
