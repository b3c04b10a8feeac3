package engine

import "strings"

// parseCSV parses simple comma separated text. The first non-blank line is
// the header. Quoted commas and escaped quotes are not supported: every comma
// separates cells.
func parseCSV(text string) []map[string]any {
	var lines []string
	for _, l := range strings.Split(text, "\n") {
		if l = strings.TrimSpace(l); l != "" {
			lines = append(lines, l)
		}
	}
	if len(lines) == 0 {
		return []map[string]any{}
	}

	headers := strings.Split(lines[0], ",")
	for i := range headers {
		headers[i] = strings.TrimSpace(headers[i])
	}

	rows := make([]map[string]any, 0, len(lines)-1)
	for _, line := range lines[1:] {
		cells := strings.Split(line, ",")
		row := make(map[string]any, len(headers))
		for i, h := range headers {
			if i < len(cells) {
				row[h] = inferCell(cells[i])
			} else {
				row[h] = nil
			}
		}
		rows = append(rows, row)
	}
	return rows
}

// inferCell types a raw cell: empty is nil, numeric text is float64, a single
// pair of matching quotes is stripped, anything else stays a string.
func inferCell(raw string) any {
	token := strings.TrimSpace(raw)
	if token == "" {
		return nil
	}
	if f, ok := parseNumber(token); ok {
		return f
	}
	if len(token) >= 2 {
		first, last := token[0], token[len(token)-1]
		if (first == '"' || first == '\'') && first == last {
			return token[1 : len(token)-1]
		}
	}
	return token
}
