package parser

import "strings"

var sectionKeywords = map[string][]string{
	"results":    {"results", "resultados"},
	"discussion": {"discussion", "discussão", "discusión"},
	"conclusion": {"conclusion", "conclusions", "conclusão", "conclusões"},
	"methods":    {"methods", "methodology", "materials and methods", "experimental", "metodologia"},
}

// DetectSection tags a chunk with the document-structure section its text most
// likely belongs to, based on heading lines near the top of the chunk. Returns
// "" when no heading is recognized.
func DetectSection(text string) string {
	lines := strings.Split(text, "\n")
	limit := len(lines)
	if limit > 5 {
		limit = 5
	}

	for _, line := range lines[:limit] {
		candidate := strings.ToLower(strings.TrimSpace(line))
		candidate = strings.TrimLeft(candidate, "0123456789. ")
		if len(candidate) == 0 || len(candidate) > 60 {
			continue
		}
		for section, keywords := range sectionKeywords {
			for _, kw := range keywords {
				if candidate == kw || strings.HasPrefix(candidate, kw+" ") || strings.HasPrefix(candidate, kw+":") {
					return section
				}
			}
		}
	}
	return ""
}
