package query

import (
	"strconv"
	"strings"

	"github.com/OFFIS-RIT/kiwi/graphquery/pkg/tokenizer"
)

// ColumnDelimiter separates cells in formatted context tables.
const ColumnDelimiter = "|"

// Table names used in context payloads.
const (
	TableHistory       = "conversation_history"
	TableReports       = "reports"
	TableEntities      = "entities"
	TableRelationships = "relationships"
	TableClaims        = "claims"
	TableSources       = "sources"
)

// Table is the structured form of one formatted context section. The first
// column of every row is the record id.
type Table struct {
	Name      string     `json:"name"`
	Columns   []string   `json:"columns"`
	Rows      [][]string `json:"rows"`
	Truncated bool       `json:"truncated,omitempty"`
}

// IDs returns the first cell of every row.
func (t Table) IDs() []string {
	ids := make([]string, 0, len(t.Rows))
	for _, r := range t.Rows {
		if len(r) > 0 {
			ids = append(ids, r[0])
		}
	}
	return ids
}

// ContextPayload is one formatted context block together with the records
// that produced it. Tokens is the budgeted token count of Text.
type ContextPayload struct {
	Text   string  `json:"text"`
	Tokens int     `json:"tokens"`
	Tables []Table `json:"tables"`
}

// Table returns the named table of the payload.
func (p ContextPayload) Table(name string) (Table, bool) {
	for _, t := range p.Tables {
		if t.Name == name {
			return t, true
		}
	}
	return Table{}, false
}

// Empty reports whether the payload carries no records.
func (p ContextPayload) Empty() bool {
	for _, t := range p.Tables {
		if t.Name != TableHistory && len(t.Rows) > 0 {
			return false
		}
	}
	return true
}

// FormatNumber renders ranks and weights without trailing zeros.
func FormatNumber(v float64) string {
	return strconv.FormatFloat(v, 'f', -1, 64)
}

// TablePacker greedily fills one delimited table up to a token budget. The
// section header and column line count against the budget. Row tokens are
// summed per row.
type TablePacker struct {
	tok    tokenizer.Tokenizer
	budget int

	header string
	rows   strings.Builder
	used   int
	table  Table
}

// NewTablePacker starts a table with the given title and columns.
func NewTablePacker(tok tokenizer.Tokenizer, name, label string, columns []string, budget int) *TablePacker {
	header := "-----" + label + "-----\n" + strings.Join(columns, ColumnDelimiter) + "\n"
	return &TablePacker{
		tok:    tok,
		budget: budget,
		header: header,
		used:   tok.Count(header) + tok.Count("\n"),
		table:  Table{Name: name, Columns: columns},
	}
}

func formatRow(cells []string) string {
	return strings.Join(cells, ColumnDelimiter) + "\n"
}

// Add appends the row if it fits into the remaining budget.
func (p *TablePacker) Add(cells []string) bool {
	row := formatRow(cells)
	n := p.tok.Count(row)
	if p.used+n > p.budget {
		return false
	}
	p.append(cells, row, n)
	return true
}

// AddTruncated appends the row, cutting the cell at col from its end until
// the row fits. It is meant for a record that exceeds the budget on its
// own; it returns false only when not even an empty cell fits.
func (p *TablePacker) AddTruncated(cells []string, col int) bool {
	if p.Add(cells) {
		return true
	}
	cells = append([]string(nil), cells...)
	full := cells[col]

	cells[col] = ""
	base := p.tok.Count(formatRow(cells))
	room := p.budget - p.used - base
	if room < 0 {
		return false
	}

	for limit := room; limit >= 0; limit-- {
		cells[col] = p.tok.Truncate(full, limit)
		row := formatRow(cells)
		if n := p.tok.Count(row); p.used+n <= p.budget {
			p.append(cells, row, n)
			p.table.Truncated = true
			return true
		}
	}
	return false
}

func (p *TablePacker) append(cells []string, row string, n int) {
	p.rows.WriteString(row)
	p.used += n
	p.table.Rows = append(p.table.Rows, cells)
}

// Len is the number of rows packed so far.
func (p *TablePacker) Len() int { return len(p.table.Rows) }

// Tokens is the budget consumed so far, including the header.
func (p *TablePacker) Tokens() int { return p.used }

// HeaderFits reports whether an empty table fits into the budget.
func (p *TablePacker) HeaderFits() bool { return p.used <= p.budget }

// Text renders the section, terminated by a blank line.
func (p *TablePacker) Text() string {
	return p.header + p.rows.String() + "\n"
}

// Table returns the structured rows packed so far.
func (p *TablePacker) Table() Table { return p.table }

// PackHistory formats the conversation history section within budget,
// dropping the oldest turns until the rest fits. It returns an empty text
// when no turn fits.
func PackHistory(tok tokenizer.Tokenizer, history ConversationHistory, budget int) (string, int, Table) {
	for start := 0; start < len(history); start++ {
		p := NewTablePacker(tok, TableHistory, "Conversation History", []string{"turn", "content"}, budget)
		fits := true
		for _, t := range history[start:] {
			if !p.Add([]string{t.Role, t.Text}) {
				fits = false
				break
			}
		}
		if fits {
			return p.Text(), p.Tokens(), p.Table()
		}
	}
	return "", 0, Table{}
}
