package corpus

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
)

// Table names as produced by the indexing pipeline.
const (
	TableEntities      = "entities"
	TableRelationships = "relationships"
	TableReports       = "community_reports"
	TableTextUnits     = "text_units"
	TableClaims        = "claims"
)

var tableExtensions = []string{".jsonl", ".json"}

// ErrMissingTable is returned by Load when a required table is absent.
var ErrMissingTable = errors.New("corpus table missing")

// TableSource opens a table file by name (including extension). A missing
// file must be reported with an error wrapping fs.ErrNotExist.
type TableSource interface {
	Open(ctx context.Context, name string) (io.ReadCloser, error)
}

// DirSource reads tables from a local directory.
type DirSource struct {
	Dir string
}

func (d DirSource) Open(ctx context.Context, name string) (io.ReadCloser, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return os.Open(filepath.Join(d.Dir, name))
}

// LoadOptions controls Load.
type LoadOptions struct {
	CommunityLevel int
	// SkipClaims ignores the optional claims table even when present.
	SkipClaims bool
}

// Load reads every corpus table from src and builds a Snapshot. Each table
// may be stored as a JSON array (<name>.json) or as JSON lines
// (<name>.jsonl). Only the claims table is optional.
func Load(ctx context.Context, src TableSource, opts LoadOptions) (*Snapshot, error) {
	var t Tables
	var err error

	if t.Entities, err = readTable[Entity](ctx, src, TableEntities, true); err != nil {
		return nil, err
	}
	if t.Relationships, err = readTable[Relationship](ctx, src, TableRelationships, true); err != nil {
		return nil, err
	}
	if t.Reports, err = readTable[CommunityReport](ctx, src, TableReports, true); err != nil {
		return nil, err
	}
	if t.TextUnits, err = readTable[TextUnit](ctx, src, TableTextUnits, true); err != nil {
		return nil, err
	}
	if !opts.SkipClaims {
		if t.Claims, err = readTable[Claim](ctx, src, TableClaims, false); err != nil {
			return nil, err
		}
	}

	return NewSnapshot(opts.CommunityLevel, t)
}

func readTable[T any](ctx context.Context, src TableSource, table string, required bool) ([]T, error) {
	for _, ext := range tableExtensions {
		rc, err := src.Open(ctx, table+ext)
		if errors.Is(err, fs.ErrNotExist) {
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("open table %s: %w", table, err)
		}
		rows, err := decodeRows[T](rc)
		rc.Close()
		if err != nil {
			return nil, fmt.Errorf("decode table %s%s: %w", table, ext, err)
		}
		return rows, nil
	}
	if required {
		return nil, fmt.Errorf("%w: %s", ErrMissingTable, table)
	}
	return nil, nil
}

// decodeRows accepts either a single JSON array or a stream of JSON objects.
func decodeRows[T any](r io.Reader) ([]T, error) {
	br := bufio.NewReader(r)
	first, err := peekNonSpace(br)
	if err == io.EOF {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	dec := json.NewDecoder(br)
	if first == '[' {
		var rows []T
		if err := dec.Decode(&rows); err != nil {
			return nil, err
		}
		return rows, nil
	}

	var rows []T
	for line := 1; ; line++ {
		var row T
		err := dec.Decode(&row)
		if err == io.EOF {
			return rows, nil
		}
		if err != nil {
			return nil, fmt.Errorf("row %d: %w", line, err)
		}
		rows = append(rows, row)
	}
}

func peekNonSpace(br *bufio.Reader) (byte, error) {
	for {
		b, err := br.ReadByte()
		if err != nil {
			return 0, err
		}
		switch b {
		case ' ', '\t', '\r', '\n':
			continue
		}
		return b, br.UnreadByte()
	}
}
