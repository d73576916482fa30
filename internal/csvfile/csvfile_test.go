package csvfile_test

import (
	"errors"
	"reflect"
	"strings"
	"testing"

	"github.com/stocksreporting/backend/internal/csvfile"
)

// ─── Encode/Decode round trip ─────────────────────────────────────────────────

func TestRoundTrip(t *testing.T) {
	tests := []struct {
		name  string
		table csvfile.Table
	}{
		{
			name: "plain values",
			table: csvfile.Table{
				Header: []string{"symbol", "price", "volume"},
				Rows: [][]string{
					{"AAPL", "189.30", "51203400"},
					{"MSFT", "402.11", "18822010"},
				},
			},
		},
		{
			name: "header only",
			table: csvfile.Table{
				Header: []string{"symbol", "price"},
				Rows:   [][]string{},
			},
		},
		{
			name: "embedded delimiter",
			table: csvfile.Table{
				Header: []string{"name", "note"},
				Rows:   [][]string{{"Acme, Inc.", "up 2%, down 1%"}},
			},
		},
		{
			name: "embedded quotes",
			table: csvfile.Table{
				Header: []string{"name", "note"},
				Rows:   [][]string{{`the "blue chip"`, `he said "sell"`}},
			},
		},
		{
			// csv.Reader normalizes \r\n to \n inside quoted fields, so only
			// bare \n survives a round trip byte-for-byte.
			name: "embedded newline",
			table: csvfile.Table{
				Header: []string{"name", "note"},
				Rows:   [][]string{{"multi", "first line\nsecond line"}},
			},
		},
		{
			name: "empty fields",
			table: csvfile.Table{
				Header: []string{"a", "b", "c"},
				Rows:   [][]string{{"", "", ""}, {"x", "", "z"}},
			},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			data, err := csvfile.Encode(tt.table)
			if err != nil {
				t.Fatalf("Encode: unexpected error: %v", err)
			}
			got, err := csvfile.Decode(data)
			if err != nil {
				t.Fatalf("Decode: unexpected error: %v", err)
			}
			if !reflect.DeepEqual(got, tt.table) {
				t.Errorf("round trip mismatch:\n got %#v\nwant %#v", got, tt.table)
			}
		})
	}
}

// ─── Encode errors ────────────────────────────────────────────────────────────

func TestEncode_EmptyHeader(t *testing.T) {
	_, err := csvfile.Encode(csvfile.Table{Rows: [][]string{{"a"}}})
	if !errors.Is(err, csvfile.ErrEmptyHeader) {
		t.Fatalf("got %v, want ErrEmptyHeader", err)
	}
}

func TestEncode_RowWidthMismatch(t *testing.T) {
	_, err := csvfile.Encode(csvfile.Table{
		Header: []string{"a", "b"},
		Rows:   [][]string{{"1", "2"}, {"3"}},
	})
	if err == nil {
		t.Fatal("expected error for short row, got nil")
	}
	if !strings.Contains(err.Error(), "row 2") {
		t.Errorf("error should name the offending row: %v", err)
	}
}

// ─── Decode errors ────────────────────────────────────────────────────────────

func TestDecode_EmptyPayload(t *testing.T) {
	_, err := csvfile.Decode(nil)
	if !errors.Is(err, csvfile.ErrEmptyHeader) {
		t.Fatalf("got %v, want ErrEmptyHeader", err)
	}
}

func TestDecode_MalformedInputNamesRow(t *testing.T) {
	tests := []struct {
		name    string
		payload string
		wantRow int
	}{
		{
			name:    "field count mismatch",
			payload: "a,b,c\n1,2,3\n1,2\n",
			wantRow: 3,
		},
		{
			name:    "unterminated quote",
			payload: "a,b\n\"open",
			wantRow: 2,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := csvfile.Decode([]byte(tt.payload))
			var malformed *csvfile.MalformedInputError
			if !errors.As(err, &malformed) {
				t.Fatalf("got %v, want *MalformedInputError", err)
			}
			if malformed.Row != tt.wantRow {
				t.Errorf("got row %d, want %d", malformed.Row, tt.wantRow)
			}
		})
	}
}

func TestDecode_NoSilentTruncation(t *testing.T) {
	// A parse error mid-payload must not yield a partial table.
	table, err := csvfile.Decode([]byte("a,b\n1,2\n3\n5,6\n"))
	if err == nil {
		t.Fatal("expected error, got nil")
	}
	if len(table.Rows) != 0 {
		t.Errorf("decode returned %d rows alongside an error, want none", len(table.Rows))
	}
}
