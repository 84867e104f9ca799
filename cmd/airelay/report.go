package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/ongoingai/airelay/internal/config"
	"github.com/ongoingai/airelay/internal/ledger"
)

const (
	defaultReportFormat = "text"
	defaultReportLimit  = 10
	maxReportLimit      = 200
	reportSchemaVersion = "report.v1"
)

var errReportNeedsSQL = errors.New("report requires a sqlite, postgres or mysql sink")

type reportDocument struct {
	SchemaVersion string              `json:"schema_version"`
	GeneratedAt   time.Time           `json:"generated_at"`
	Ledger        reportLedgerInfo    `json:"ledger"`
	Filters       reportFilterInfo    `json:"filters"`
	Summary       ledger.Totals       `json:"summary"`
	Models        []ledger.ModelStats `json:"models"`
	Recent        []reportRecordInfo  `json:"recent_records"`
}

type reportLedgerInfo struct {
	Driver string `json:"driver"`
	Path   string `json:"path,omitempty"`
}

type reportFilterInfo struct {
	Provider string     `json:"provider,omitempty"`
	Model    string     `json:"model,omitempty"`
	From     *time.Time `json:"from,omitempty"`
	To       *time.Time `json:"to,omitempty"`
	Limit    int        `json:"limit"`
}

type reportRecordInfo struct {
	ID            string    `json:"id"`
	Timestamp     time.Time `json:"timestamp"`
	CorrelationID string    `json:"correlation_id,omitempty"`
	Provider      string    `json:"provider"`
	Model         string    `json:"model"`
	Streaming     bool      `json:"streaming"`
	Status        int       `json:"status"`
	TotalTokens   int       `json:"total_tokens"`
	DurationMS    int64     `json:"duration_ms"`
	ErrorKind     string    `json:"error_kind,omitempty"`
}

type reportOptions struct {
	configPath string
	format     string
	from       string
	to         string
	provider   string
	model      string
	limit      int
}

func newReportCommand() *cobra.Command {
	var opts reportOptions
	cmd := &cobra.Command{
		Use:   "report",
		Short: "Summarize token usage recorded in the ledger",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runReport(cmd.Context(), opts, cmd.OutOrStdout())
		},
	}
	flags := cmd.Flags()
	flags.StringVar(&opts.configPath, "config", defaultConfigPath, "Path to config file")
	flags.StringVar(&opts.format, "format", defaultReportFormat, "Output format: text or json")
	flags.StringVar(&opts.from, "from", "", "Report start time (RFC3339 or YYYY-MM-DD)")
	flags.StringVar(&opts.to, "to", "", "Report end time (RFC3339 or YYYY-MM-DD)")
	flags.StringVar(&opts.provider, "provider", "", "Provider filter")
	flags.StringVar(&opts.model, "model", "", "Model filter")
	flags.IntVar(&opts.limit, "limit", defaultReportLimit, fmt.Sprintf("Recent record count (1-%d)", maxReportLimit))
	return cmd
}

func runReport(ctx context.Context, opts reportOptions, out io.Writer) error {
	format, err := normalizeTextJSONFormat("report", opts.format, defaultReportFormat)
	if err != nil {
		return err
	}
	if opts.limit <= 0 || opts.limit > maxReportLimit {
		return fmt.Errorf("limit must be between 1 and %d", maxReportLimit)
	}
	from, err := parseReportTime(opts.from, false)
	if err != nil {
		return fmt.Errorf("invalid from: %w", err)
	}
	to, err := parseReportTime(opts.to, true)
	if err != nil {
		return fmt.Errorf("invalid to: %w", err)
	}
	if !from.IsZero() && !to.IsZero() && to.Before(from) {
		return errors.New("invalid range: to must be greater than or equal to from")
	}

	cfg, stage, err := loadAndValidateConfig(opts.configPath)
	if err != nil {
		return configError(stage, err)
	}
	store, err := openReportStore(cfg.Sink)
	if err != nil {
		return err
	}
	defer store.Close()

	filter := ledger.Filter{
		Provider: strings.TrimSpace(opts.provider),
		Model:    strings.TrimSpace(opts.model),
		From:     from,
		To:       to,
		Limit:    opts.limit,
	}
	report, err := buildReport(ctx, store, cfg.Sink, filter)
	if err != nil {
		return fmt.Errorf("failed to build report: %w", err)
	}
	if err := writeReport(out, format, report); err != nil {
		return fmt.Errorf("failed to write report: %w", err)
	}
	return nil
}

func openReportStore(sink config.SinkConfig) (*ledger.SQLStore, error) {
	switch sink.Driver {
	case config.SinkDriverSQLite:
		return ledger.OpenSQL(ledger.DriverSQLite, sink.Path)
	case config.SinkDriverPostgres:
		return ledger.OpenSQL(ledger.DriverPostgres, sink.DSN)
	case config.SinkDriverMySQL:
		return ledger.OpenSQL(ledger.DriverMySQL, sink.DSN)
	default:
		return nil, fmt.Errorf("%w (configured: %q)", errReportNeedsSQL, sink.Driver)
	}
}

func parseReportTime(raw string, endOfDay bool) (time.Time, error) {
	value := strings.TrimSpace(raw)
	if value == "" {
		return time.Time{}, nil
	}
	if parsed, err := time.Parse(time.RFC3339Nano, value); err == nil {
		return parsed.UTC(), nil
	}
	if parsed, err := time.ParseInLocation(time.DateOnly, value, time.UTC); err == nil {
		if endOfDay {
			return parsed.Add(24*time.Hour - time.Nanosecond), nil
		}
		return parsed, nil
	}
	return time.Time{}, errors.New("expected RFC3339 or YYYY-MM-DD")
}

func buildReport(ctx context.Context, store *ledger.SQLStore, sink config.SinkConfig, filter ledger.Filter) (reportDocument, error) {
	var (
		totals ledger.Totals
		models []ledger.ModelStats
		recent []*ledger.Record
	)
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		var err error
		totals, err = store.Totals(gctx, filter)
		return err
	})
	g.Go(func() error {
		var err error
		models, err = store.ModelStats(gctx, filter)
		return err
	})
	g.Go(func() error {
		var err error
		recent, err = store.Recent(gctx, filter)
		return err
	})
	if err := g.Wait(); err != nil {
		return reportDocument{}, err
	}

	rows := make([]reportRecordInfo, 0, len(recent))
	for _, r := range recent {
		rows = append(rows, reportRecordInfo{
			ID:            r.ID,
			Timestamp:     r.Timestamp,
			CorrelationID: r.CorrelationID,
			Provider:      r.Provider,
			Model:         r.ModelID,
			Streaming:     r.Streaming,
			Status:        r.Status,
			TotalTokens:   r.TotalTokens,
			DurationMS:    r.DurationMS,
			ErrorKind:     r.ErrorKind,
		})
	}
	if models == nil {
		models = []ledger.ModelStats{}
	}

	info := reportLedgerInfo{Driver: sink.Driver}
	if sink.Driver == config.SinkDriverSQLite {
		info.Path = sink.Path
	}
	return reportDocument{
		SchemaVersion: reportSchemaVersion,
		GeneratedAt:   time.Now().UTC(),
		Ledger:        info,
		Filters: reportFilterInfo{
			Provider: filter.Provider,
			Model:    filter.Model,
			From:     optionalTime(filter.From),
			To:       optionalTime(filter.To),
			Limit:    filter.Limit,
		},
		Summary: totals,
		Models:  models,
		Recent:  rows,
	}, nil
}

func optionalTime(t time.Time) *time.Time {
	if t.IsZero() {
		return nil
	}
	return &t
}

func writeReport(out io.Writer, format string, report reportDocument) error {
	if format == "json" {
		encoder := json.NewEncoder(out)
		encoder.SetIndent("", "  ")
		return encoder.Encode(report)
	}
	return writeReportText(out, report)
}

func writeReportText(out io.Writer, report reportDocument) error {
	fmt.Fprintln(out, "airelay report")

	meta := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintf(meta, "Generated at\t%s\n", report.GeneratedAt.Format(time.RFC3339))
	fmt.Fprintf(meta, "Ledger driver\t%s\n", report.Ledger.Driver)
	if report.Ledger.Path != "" {
		fmt.Fprintf(meta, "Ledger path\t%s\n", report.Ledger.Path)
	}
	fmt.Fprintf(meta, "Filter provider\t%s\n", nonEmpty(report.Filters.Provider, "(all)"))
	fmt.Fprintf(meta, "Filter model\t%s\n", nonEmpty(report.Filters.Model, "(all)"))
	fmt.Fprintf(meta, "Filter from\t%s\n", formatOptionalTime(report.Filters.From))
	fmt.Fprintf(meta, "Filter to\t%s\n", formatOptionalTime(report.Filters.To))
	if err := meta.Flush(); err != nil {
		return err
	}

	fmt.Fprintln(out, "\nSummary")
	summary := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintf(summary, "Requests\t%d\n", report.Summary.Requests)
	fmt.Fprintf(summary, "Prompt tokens\t%d\n", report.Summary.PromptTokens)
	fmt.Fprintf(summary, "Completion tokens\t%d\n", report.Summary.CompletionTokens)
	fmt.Fprintf(summary, "Total tokens\t%d\n", report.Summary.TotalTokens)
	fmt.Fprintf(summary, "Errors\t%d\n", report.Summary.Errors)
	fmt.Fprintf(summary, "Degraded\t%d\n", report.Summary.Degraded)
	if err := summary.Flush(); err != nil {
		return err
	}

	fmt.Fprintln(out, "\nModels")
	if len(report.Models) == 0 {
		fmt.Fprintln(out, "(none)")
	} else {
		models := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
		fmt.Fprintln(models, "PROVIDER\tMODEL\tREQUESTS\tPROMPT\tCOMPLETION\tTOTAL\tAVG MS\tAVG TTFB MS")
		for _, m := range report.Models {
			fmt.Fprintf(models, "%s\t%s\t%d\t%d\t%d\t%d\t%.1f\t%.1f\n",
				m.Provider, nonEmpty(m.Model, "(unknown)"), m.Requests, m.PromptTokens, m.CompletionTokens,
				m.TotalTokens, m.AvgDurationMS, m.AvgTTFBMS)
		}
		if err := models.Flush(); err != nil {
			return err
		}
	}

	fmt.Fprintln(out, "\nRecent records")
	if len(report.Recent) == 0 {
		fmt.Fprintln(out, "(none)")
		return nil
	}
	recent := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(recent, "TIME\tPROVIDER\tMODEL\tSTATUS\tTOKENS\tMS\tERROR")
	for _, r := range report.Recent {
		fmt.Fprintf(recent, "%s\t%s\t%s\t%d\t%d\t%d\t%s\n",
			r.Timestamp.Format(time.RFC3339), r.Provider, nonEmpty(r.Model, "(unknown)"), r.Status,
			r.TotalTokens, r.DurationMS, nonEmpty(r.ErrorKind, "-"))
	}
	return recent.Flush()
}

func formatOptionalTime(t *time.Time) string {
	if t == nil {
		return "(all)"
	}
	return t.Format(time.RFC3339)
}
