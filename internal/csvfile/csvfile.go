// Package csvfile is the tabular codec for report artifacts. Encode and
// Decode are exact inverses for any table with a consistent column set:
// Decode(Encode(t)) == t, with RFC 4180 quoting for fields that contain the
// delimiter, a quote character, or a line break.
package csvfile

import (
	"bytes"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
)

// Table is an ordered sequence of records sharing one set of named fields.
type Table struct {
	Header []string
	Rows   [][]string
}

// MalformedInputError reports a payload Decode could not parse. Row is the
// 1-based line number of the offending row within the payload (the header
// row is line 1). Decode never silently drops or truncates data.
type MalformedInputError struct {
	Row int
	Err error
}

func (e *MalformedInputError) Error() string {
	return fmt.Sprintf("csvfile: malformed input at row %d: %v", e.Row, e.Err)
}

func (e *MalformedInputError) Unwrap() error { return e.Err }

// ErrEmptyHeader is returned by Encode for a table without field names and
// by Decode for an empty payload.
var ErrEmptyHeader = errors.New("csvfile: table has no header")

// Encode renders the table as delimited text: a header row with the field
// names, then one row per record. Rows whose width differs from the header
// are rejected rather than padded or truncated.
func Encode(t Table) ([]byte, error) {
	if len(t.Header) == 0 {
		return nil, ErrEmptyHeader
	}

	var buf bytes.Buffer
	w := csv.NewWriter(&buf)

	if err := w.Write(t.Header); err != nil {
		return nil, fmt.Errorf("csvfile: write header: %w", err)
	}
	for i, row := range t.Rows {
		if len(row) != len(t.Header) {
			return nil, fmt.Errorf("csvfile: row %d has %d fields, header has %d",
				i+1, len(row), len(t.Header))
		}
		if err := w.Write(row); err != nil {
			return nil, fmt.Errorf("csvfile: write row %d: %w", i+1, err)
		}
	}
	w.Flush()
	if err := w.Error(); err != nil {
		return nil, fmt.Errorf("csvfile: flush: %w", err)
	}
	return buf.Bytes(), nil
}

// Decode parses delimited text produced by Encode (or any RFC 4180 payload
// with a header row). An unterminated quote or a row whose field count
// differs from the header yields a MalformedInputError naming the row.
func Decode(data []byte) (Table, error) {
	r := csv.NewReader(bytes.NewReader(data))
	// FieldsPerRecord 0: lock the width to the header's and reject rows that
	// deviate instead of resizing them.
	r.FieldsPerRecord = 0

	header, err := r.Read()
	if err != nil {
		if errors.Is(err, io.EOF) {
			return Table{}, ErrEmptyHeader
		}
		return Table{}, wrapParseError(err, 1)
	}

	t := Table{Header: header, Rows: [][]string{}}
	for {
		row, err := r.Read()
		if errors.Is(err, io.EOF) {
			return t, nil
		}
		if err != nil {
			return Table{}, wrapParseError(err, len(t.Rows)+2)
		}
		t.Rows = append(t.Rows, row)
	}
}

func wrapParseError(err error, fallbackRow int) error {
	var pe *csv.ParseError
	if errors.As(err, &pe) {
		return &MalformedInputError{Row: pe.Line, Err: err}
	}
	return &MalformedInputError{Row: fallbackRow, Err: err}
}
