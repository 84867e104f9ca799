package ledger

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"
)

const maxQueryLimit = 500

// Filter narrows ledger queries. Zero values match everything.
type Filter struct {
	Provider string
	Model    string
	From     time.Time
	To       time.Time
	Limit    int
}

// Totals aggregates the records a filter matches.
type Totals struct {
	Requests         int64 `json:"requests"`
	PromptTokens     int64 `json:"prompt_tokens"`
	CompletionTokens int64 `json:"completion_tokens"`
	TotalTokens      int64 `json:"total_tokens"`
	Errors           int64 `json:"errors"`
	Degraded         int64 `json:"degraded_requests"`
}

// ModelStats groups usage by provider and model.
type ModelStats struct {
	Provider         string  `json:"provider"`
	Model            string  `json:"model"`
	Requests         int64   `json:"requests"`
	PromptTokens     int64   `json:"prompt_tokens"`
	CompletionTokens int64   `json:"completion_tokens"`
	TotalTokens      int64   `json:"total_tokens"`
	AvgDurationMS    float64 `json:"avg_duration_ms"`
	AvgTTFBMS        float64 `json:"avg_ttfb_ms"`
}

// Totals sums usage over the filter.
func (s *SQLStore) Totals(ctx context.Context, filter Filter) (Totals, error) {
	where, args := s.where(filter)
	query := `SELECT COUNT(*),
COALESCE(SUM(prompt_tokens), 0),
COALESCE(SUM(completion_tokens), 0),
COALESCE(SUM(total_tokens), 0),
COALESCE(SUM(CASE WHEN error_kind <> '' THEN 1 ELSE 0 END), 0),
COALESCE(SUM(CASE WHEN degraded > 0 OR dropped > 0 THEN 1 ELSE 0 END), 0)
FROM usage_records` + where

	var totals Totals
	err := s.db.QueryRowContext(ctx, query, args...).Scan(
		&totals.Requests,
		&totals.PromptTokens,
		&totals.CompletionTokens,
		&totals.TotalTokens,
		&totals.Errors,
		&totals.Degraded,
	)
	if err != nil {
		return Totals{}, fmt.Errorf("query %s totals: %w", s.driver, err)
	}
	return totals, nil
}

// ModelStats returns per provider/model usage, busiest first.
func (s *SQLStore) ModelStats(ctx context.Context, filter Filter) ([]ModelStats, error) {
	where, args := s.where(filter)
	query := `SELECT provider, model_id, COUNT(*),
COALESCE(SUM(prompt_tokens), 0),
COALESCE(SUM(completion_tokens), 0),
COALESCE(SUM(total_tokens), 0),
COALESCE(AVG(duration_ms), 0),
COALESCE(AVG(ttfb_ms), 0)
FROM usage_records` + where + `
GROUP BY provider, model_id
ORDER BY COUNT(*) DESC, provider, model_id`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query %s model stats: %w", s.driver, err)
	}
	defer rows.Close()

	var stats []ModelStats
	for rows.Next() {
		var row ModelStats
		if err := rows.Scan(&row.Provider, &row.Model, &row.Requests, &row.PromptTokens, &row.CompletionTokens,
			&row.TotalTokens, &row.AvgDurationMS, &row.AvgTTFBMS); err != nil {
			return nil, fmt.Errorf("scan %s model stats: %w", s.driver, err)
		}
		stats = append(stats, row)
	}
	return stats, rows.Err()
}

// Recent returns the newest records without their bodies.
func (s *SQLStore) Recent(ctx context.Context, filter Filter) ([]*Record, error) {
	limit := filter.Limit
	if limit <= 0 || limit > maxQueryLimit {
		limit = maxQueryLimit
	}
	where, args := s.where(filter)
	args = append(args, limit)
	query := `SELECT id, recorded_at, correlation_id, provider, operation, model_id, streaming, status,
prompt_tokens, completion_tokens, total_tokens, duration_ms, ttfb_ms, response_bytes,
error_kind, degraded, dropped
FROM usage_records` + where + `
ORDER BY recorded_at DESC, id DESC
LIMIT ` + s.placeholder(len(args))

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query %s records: %w", s.driver, err)
	}
	defer rows.Close()

	var records []*Record
	for rows.Next() {
		var (
			r         Record
			timestamp scanTime
		)
		if err := rows.Scan(&r.ID, &timestamp, &r.CorrelationID, &r.Provider, &r.Operation, &r.ModelID,
			&r.Streaming, &r.Status, &r.PromptTokens, &r.CompletionTokens, &r.TotalTokens,
			&r.DurationMS, &r.TimeToFirstByteMS, &r.ResponseBytes, &r.ErrorKind, &r.Degraded, &r.Dropped); err != nil {
			return nil, fmt.Errorf("scan %s record: %w", s.driver, err)
		}
		r.Timestamp = timestamp.Time
		records = append(records, &r)
	}
	return records, rows.Err()
}

// Lookup returns every record sharing a correlation id, oldest first,
// with captured bodies.
func (s *SQLStore) Lookup(ctx context.Context, correlationID string) ([]*Record, error) {
	query := `SELECT ` + recordColumns + `
FROM usage_records
WHERE correlation_id = ` + s.placeholder(1) + `
ORDER BY recorded_at, id`

	rows, err := s.db.QueryContext(ctx, query, correlationID)
	if err != nil {
		return nil, fmt.Errorf("lookup %s records: %w", s.driver, err)
	}
	defer rows.Close()

	var records []*Record
	for rows.Next() {
		var (
			r         Record
			timestamp scanTime
		)
		if err := rows.Scan(&r.ID, &timestamp, &r.CorrelationID, &r.Provider, &r.Operation, &r.ModelID,
			&r.Streaming, &r.Status, &r.RequestBody, &r.RequestBodyTruncated, &r.ResponseText, &r.ResponseTextTruncated,
			&r.PromptTokens, &r.CompletionTokens, &r.TotalTokens, &r.DurationMS, &r.TimeToFirstByteMS,
			&r.ResponseBytes, &r.ErrorKind, &r.Degraded, &r.Dropped); err != nil {
			return nil, fmt.Errorf("scan %s record: %w", s.driver, err)
		}
		r.Timestamp = timestamp.Time
		records = append(records, &r)
	}
	return records, rows.Err()
}

func (s *SQLStore) where(filter Filter) (string, []any) {
	var (
		clauses []string
		args    []any
	)
	add := func(clause string, value any) {
		args = append(args, value)
		clauses = append(clauses, clause+" "+s.placeholder(len(args)))
	}
	if provider := strings.TrimSpace(filter.Provider); provider != "" {
		add("provider =", provider)
	}
	if model := strings.TrimSpace(filter.Model); model != "" {
		add("model_id =", model)
	}
	if !filter.From.IsZero() {
		add("recorded_at >=", filter.From.UTC())
	}
	if !filter.To.IsZero() {
		add("recorded_at <=", filter.To.UTC())
	}
	if len(clauses) == 0 {
		return "", nil
	}
	return " WHERE " + strings.Join(clauses, " AND "), args
}

func (s *SQLStore) placeholder(n int) string {
	if s.driver == DriverPostgres {
		return fmt.Sprintf("$%d", n)
	}
	return "?"
}

// scanTime accepts native timestamps and the text forms SQLite and MySQL
// return for DATETIME columns.
type scanTime struct {
	time.Time
}

func (t *scanTime) Scan(value any) error {
	switch v := value.(type) {
	case nil:
		t.Time = time.Time{}
		return nil
	case time.Time:
		t.Time = v.UTC()
		return nil
	case []byte:
		return t.parse(string(v))
	case string:
		return t.parse(v)
	default:
		return fmt.Errorf("unsupported timestamp type %T", value)
	}
}

var (
	zonedLayouts = []string{
		time.RFC3339Nano,
		"2006-01-02 15:04:05.999999999-07:00",
		"2006-01-02 15:04:05.999999999 -0700 MST",
	}
	plainLayouts = []string{
		"2006-01-02 15:04:05.999999999",
		"2006-01-02T15:04:05.999999999",
	}
)

func (t *scanTime) parse(raw string) error {
	value := strings.TrimSpace(raw)
	if value == "" {
		t.Time = time.Time{}
		return nil
	}
	for _, layout := range zonedLayouts {
		if parsed, err := time.Parse(layout, value); err == nil {
			t.Time = parsed.UTC()
			return nil
		}
	}
	for _, layout := range plainLayouts {
		if parsed, err := time.ParseInLocation(layout, value, time.UTC); err == nil {
			t.Time = parsed
			return nil
		}
	}
	return fmt.Errorf("unsupported timestamp %q", raw)
}

var _ sql.Scanner = (*scanTime)(nil)
