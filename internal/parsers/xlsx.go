package parsers

import (
	"bytes"
	"errors"
	"strings"

	"github.com/xuri/excelize/v2"
)

// XLSXToCSV flattens the first non-empty sheet of a workbook into the CSV
// text convention the parsers read. Cells containing commas are quoted and
// embedded quotes and newlines are dropped, since the splitter supports
// neither.
func XLSXToCSV(content []byte) (string, error) {
	f, err := excelize.OpenReader(bytes.NewReader(content))
	if err != nil {
		return "", err
	}
	defer f.Close()

	for _, sheet := range f.GetSheetList() {
		rows, err := f.GetRows(sheet)
		if err != nil || len(rows) == 0 {
			continue
		}

		var b strings.Builder
		for _, row := range rows {
			cells := make([]string, 0, len(row))
			empty := true
			for _, c := range row {
				c = strings.NewReplacer(`"`, "", "\r", " ", "\n", " ").Replace(strings.TrimSpace(c))
				if c != "" {
					empty = false
				}
				if strings.Contains(c, ",") {
					c = `"` + c + `"`
				}
				cells = append(cells, c)
			}
			if empty {
				continue
			}
			b.WriteString(strings.Join(cells, ","))
			b.WriteString("\n")
		}
		if b.Len() > 0 {
			return b.String(), nil
		}
	}

	return "", errors.New("workbook has no rows")
}

func IsXLSXName(name string) bool {
	return strings.HasSuffix(strings.ToLower(strings.TrimSpace(name)), ".xlsx")
}
