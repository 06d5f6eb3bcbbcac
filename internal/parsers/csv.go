package parsers

import "strings"

const utf8BOM = "\ufeff"

// SplitCSVLine splits one line on commas outside double quotes. Quote
// characters only toggle quoting and are dropped; escaped quotes and
// embedded newlines are not supported.
func SplitCSVLine(line string) []string {
	var out []string
	var current strings.Builder
	inQuotes := false

	for _, r := range line {
		switch {
		case r == '"':
			inQuotes = !inQuotes
		case r == ',' && !inQuotes:
			out = append(out, strings.TrimSpace(current.String()))
			current.Reset()
		default:
			current.WriteRune(r)
		}
	}
	out = append(out, strings.TrimSpace(current.String()))
	return out
}

// ParseRows splits content on newlines, drops blank lines and tokenizes the
// rest. The first returned row is the header.
func ParseRows(content string) [][]string {
	content = strings.TrimPrefix(content, utf8BOM)
	lines := strings.Split(content, "\n")
	rows := make([][]string, 0, len(lines))
	for _, line := range lines {
		if strings.TrimSpace(line) == "" {
			continue
		}
		rows = append(rows, SplitCSVLine(line))
	}
	return rows
}

// HeadersFromContent reads the header list used for format detection: the
// first line split on plain commas, trimmed, quotes stripped, lower-cased.
func HeadersFromContent(content string) []string {
	content = strings.TrimPrefix(content, utf8BOM)
	firstLine := content
	if idx := strings.Index(content, "\n"); idx >= 0 {
		firstLine = content[:idx]
	}

	parts := strings.Split(firstLine, ",")
	headers := make([]string, 0, len(parts))
	for _, p := range parts {
		h := strings.ReplaceAll(strings.TrimSpace(p), `"`, "")
		headers = append(headers, strings.ToLower(strings.TrimSpace(h)))
	}
	return headers
}

func hasHeader(headers []string, name string) bool {
	for _, h := range headers {
		if h == name {
			return true
		}
	}
	return false
}

// findColumn returns the first header containing any of names, case-insensitive.
func findColumn(headers []string, names ...string) int {
	for i, h := range headers {
		lower := strings.ToLower(h)
		for _, p := range names {
			if strings.Contains(lower, p) {
				return i
			}
		}
	}
	return -1
}

func cell(row []string, idx int) string {
	if idx < 0 || idx >= len(row) {
		return ""
	}
	return row[idx]
}

func cellOr(row []string, idx int, fallback string) string {
	if v := cell(row, idx); v != "" {
		return v
	}
	return fallback
}
