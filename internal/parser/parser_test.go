package parser

import (
	"archive/zip"
	"bytes"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/labmesh/backend/internal/storage/models"
)

func TestParseCSV(t *testing.T) {
	data := []byte("Amostra,Carga (%),RF (MPa)\nA1,\"0,4\",32.5\nA2,\"0,6\",28.1\n")

	result := Parse(data, "text/csv", "ensaios.csv")

	require.True(t, result.IsSpreadsheet())
	require.Len(t, result.Sheets, 1)
	sheet := result.Sheets[0]
	assert.Equal(t, []string{"Amostra", "Carga (%)", "RF (MPa)"}, sheet.Headers)
	require.Len(t, sheet.Rows, 2)
	assert.Equal(t, "0,4", sheet.Rows[0][1])
	assert.Contains(t, result.Text, "Carga (%)")
	assert.Contains(t, result.Text, "[file: ensaios.csv")
}

func TestParseCSVSemicolonDelimiter(t *testing.T) {
	data := []byte("sample;load;strength\nA;10;20\nB;15;25\n")

	result := Parse(data, "text/csv", "export.csv")

	require.True(t, result.IsSpreadsheet())
	assert.Equal(t, []string{"sample", "load", "strength"}, result.Sheets[0].Headers)
	assert.Len(t, result.Sheets[0].Rows, 2)
}

func TestParseEmptyInput(t *testing.T) {
	result := Parse(nil, "", "empty.txt")
	assert.Equal(t, models.QualityFailed, result.Quality)
}

func TestParsePlainText(t *testing.T) {
	text := strings.Repeat("The flexural strength measured 32.5 MPa on average. ", 5)

	result := Parse([]byte(text), "text/plain", "notes.txt")

	assert.Equal(t, models.QualityGood, result.Quality)
	assert.Contains(t, result.Text, "32.5 MPa")
	assert.False(t, result.IsSpreadsheet())
}

func TestParseUnknownBinaryRejected(t *testing.T) {
	data := make([]byte, 4096)
	for i := range data {
		data[i] = byte(i % 7)
	}

	result := Parse(data, "application/octet-stream", "blob.bin")

	assert.Equal(t, models.QualityUnsupported, result.Quality)
}

func TestParseHTML(t *testing.T) {
	html := `<!DOCTYPE html><html><head><script>var x=1;</script></head>
		<body><p>Tensile strength reached 45.2 MPa in trial two.</p>
		<p>The specimens were conditioned at ambient humidity for a week before testing began.</p></body></html>`

	result := Parse([]byte(html), "text/html", "report.html")

	assert.Equal(t, models.QualityGood, result.Quality)
	assert.Contains(t, result.Text, "45.2 MPa")
	assert.NotContains(t, result.Text, "var x=1")
}

func TestParseDOCX(t *testing.T) {
	doc := `<?xml version="1.0"?><w:document xmlns:w="http://example">
		<w:body><w:p><w:r><w:t>Experiment overview.</w:t></w:r></w:p>
		<w:p><w:r><w:t>Modulus was 2.1 GPa.</w:t></w:r></w:p></w:body></w:document>`

	var buf bytes.Buffer
	zw := zip.NewWriter(&buf)
	f, err := zw.Create("word/document.xml")
	require.NoError(t, err)
	_, err = f.Write([]byte(doc))
	require.NoError(t, err)
	require.NoError(t, zw.Close())

	result := Parse(buf.Bytes(), "", "report.docx")

	assert.NotEqual(t, models.QualityFailed, result.Quality)
	assert.Contains(t, result.Text, "Modulus was 2.1 GPa.")
	assert.Contains(t, result.Text, "Experiment overview.")
}

func TestDetectSection(t *testing.T) {
	cases := map[string]string{
		"Results\nThe measured values were stable.": "results",
		"3. Discussion\nAs shown above":              "discussion",
		"Metodologia\nOs corpos de prova":            "methods",
		"Conclusões\nO aumento da carga":             "conclusion",
		"Random paragraph with no heading":           "",
	}
	for text, want := range cases {
		assert.Equal(t, want, DetectSection(text), "text: %q", text)
	}
}

func TestCollapseWhitespace(t *testing.T) {
	out := collapseWhitespace("  a   b \n\n\n c\t\td  \n")
	assert.Equal(t, "a b\nc d", out)
}
