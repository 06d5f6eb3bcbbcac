package parsers

import (
	"errors"
	"fmt"

	"royaltyledger/internal"
)

var ErrNoCompatibleParser = errors.New("unable to detect CSV format: no compatible parser found")

// Parser is one statement format. CanParse sees lower-cased header names.
type Parser struct {
	ID       string
	Name     string
	CanParse func(content string, headers []string) bool
	Parse    func(content string) internal.ParseResult
}

// Registry holds parsers in detection order. The first match wins, so a
// narrower format must be registered before a broader one.
type Registry struct {
	parsers []Parser
}

func NewRegistry(parsers ...Parser) *Registry {
	return &Registry{parsers: parsers}
}

func DefaultRegistry() *Registry {
	return NewRegistry(DistroKid(), TuneCore(), CDBaby(), Template())
}

func (r *Registry) Parsers() []Parser {
	out := make([]Parser, len(r.parsers))
	copy(out, r.parsers)
	return out
}

// Detect returns the first parser whose predicate accepts the header row.
func (r *Registry) Detect(content string) (Parser, bool) {
	headers := HeadersFromContent(content)
	for _, p := range r.parsers {
		if p.CanParse(content, headers) {
			return p, true
		}
	}
	return Parser{}, false
}

func (r *Registry) ParseCSV(content string) (internal.ParseResult, error) {
	p, ok := r.Detect(content)
	if !ok {
		return internal.ParseResult{}, ErrNoCompatibleParser
	}
	return p.Parse(content), nil
}

// ParseWith skips detection and runs the parser with the given id.
func (r *Registry) ParseWith(id, content string) (internal.ParseResult, error) {
	for _, p := range r.parsers {
		if p.ID == id {
			return p.Parse(content), nil
		}
	}
	return internal.ParseResult{}, fmt.Errorf("unknown parser: %s", id)
}

// rowParser turns one data row into an entry. A nil row with a nil error
// means the row was skipped.
type rowParser func(cells []string) (*internal.ParsedRow, error)

func runRows(parserID string, dataRows [][]string, parseRow rowParser) internal.ParseResult {
	result := internal.ParseResult{
		Entries: []internal.ParsedRow{},
		Errors:  []internal.RowError{},
	}

	for i, cells := range dataRows {
		row, err := parseRow(cells)
		if err != nil {
			result.Errors = append(result.Errors, internal.RowError{
				Row:     i + 2,
				Message: err.Error(),
				Cells:   cells,
			})
			continue
		}
		if row == nil {
			continue
		}
		result.Entries = append(result.Entries, *row)
	}

	result.Success = len(result.Errors) == 0
	result.Metadata = internal.ParseMetadata{
		Parser:         parserID,
		TotalRows:      len(result.Entries) + len(result.Errors),
		SuccessfulRows: len(result.Entries),
		FailedRows:     len(result.Errors),
	}
	return result
}

func splitHeader(content string) ([]string, [][]string) {
	rows := ParseRows(content)
	if len(rows) == 0 {
		return nil, nil
	}
	return rows[0], rows[1:]
}
