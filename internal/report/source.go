package report

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/stocksreporting/backend/internal/csvfile"
)

// maxPayloadBytes caps the downloaded CSV so a misbehaving upstream cannot
// exhaust memory.
const maxPayloadBytes = 32 << 20

// HTTPSource fetches the current stocks CSV from an upstream URL. Decoding
// through the codec validates the payload before it enters the pipeline — a
// malformed upstream file fails the run instead of producing a broken
// artifact.
type HTTPSource struct {
	url    string
	client *http.Client
}

// NewHTTPSource builds a RowSource for the given URL.
func NewHTTPSource(url string) *HTTPSource {
	return &HTTPSource{
		url: url,
		client: &http.Client{
			Timeout: 30 * time.Second,
		},
	}
}

func (s *HTTPSource) Fetch(ctx context.Context) (csvfile.Table, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.url, nil)
	if err != nil {
		return csvfile.Table{}, fmt.Errorf("report: build request: %w", err)
	}

	resp, err := s.client.Do(req)
	if err != nil {
		return csvfile.Table{}, fmt.Errorf("report: fetch %s: %w", s.url, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return csvfile.Table{}, fmt.Errorf("report: fetch %s: unexpected status %d", s.url, resp.StatusCode)
	}

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxPayloadBytes))
	if err != nil {
		return csvfile.Table{}, fmt.Errorf("report: read body: %w", err)
	}

	table, err := csvfile.Decode(data)
	if err != nil {
		return csvfile.Table{}, fmt.Errorf("report: upstream payload: %w", err)
	}
	return table, nil
}
