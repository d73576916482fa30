// Package report produces the weekly report artifact: fetch the current
// rows from a RowSource, encode them with the tabular codec, and persist a
// Created report. Production is decoupled from distribution — dispatching
// the report to recipients is a separate, operator-initiated step.
package report

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/stocksreporting/backend/internal/csvfile"
	"github.com/stocksreporting/backend/internal/store"
)

// RowSource supplies the current report data. The pipeline treats it as a
// pure data-fetch step; what the rows mean is not its concern.
type RowSource interface {
	Fetch(ctx context.Context) (csvfile.Table, error)
}

// Producer materializes one report per invocation. The trigger cadence
// (weekly) lives in the schedule package; Run itself is idempotent-by-trigger
// — each call creates exactly one new report.
type Producer struct {
	source RowSource
	store  store.Store
	logger *slog.Logger
}

// NewProducer constructs a Producer.
func NewProducer(source RowSource, st store.Store, logger *slog.Logger) *Producer {
	return &Producer{source: source, store: st, logger: logger}
}

// Run fetches, encodes, and persists a new report with status Created.
func (p *Producer) Run(ctx context.Context) (store.Report, error) {
	table, err := p.source.Fetch(ctx)
	if err != nil {
		return store.Report{}, fmt.Errorf("report: fetch rows: %w", err)
	}

	artifact, err := csvfile.Encode(table)
	if err != nil {
		return store.Report{}, fmt.Errorf("report: encode: %w", err)
	}

	created, err := p.store.CreateReport(ctx, artifact, store.ReportMeta{
		RowCount: len(table.Rows),
		Columns:  table.Header,
	})
	if err != nil {
		return store.Report{}, fmt.Errorf("report: persist: %w", err)
	}

	p.logger.Info("report: created",
		"report_id", created.ID,
		"rows", len(table.Rows),
		"bytes", len(artifact),
	)
	return created, nil
}
