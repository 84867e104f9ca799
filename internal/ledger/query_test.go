package ledger

import (
	"context"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func seedQueryStore(t *testing.T) *SQLStore {
	t.Helper()

	store, err := OpenSQL(DriverSQLite, filepath.Join(t.TempDir(), "ledger.db"))
	if err != nil {
		t.Fatalf("OpenSQL() error: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })

	base := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	records := []*Record{
		{Timestamp: base, Provider: "azure", Operation: "chat_completions", ModelID: "gpt-4o", Streaming: true, Status: 200,
			PromptTokens: 5, CompletionTokens: 2, TotalTokens: 7, DurationMS: 100, TimeToFirstByteMS: 20},
		{Timestamp: base.Add(time.Hour), Provider: "azure", Operation: "chat_completions", ModelID: "gpt-4o", Status: 200,
			PromptTokens: 10, CompletionTokens: 4, TotalTokens: 14, DurationMS: 300, TimeToFirstByteMS: 40, Degraded: 1},
		{Timestamp: base.Add(2 * time.Hour), Provider: "bedrock", Operation: "converse_stream", ModelID: "anthropic.claude-3", Streaming: true,
			Status: 502, ErrorKind: "upstream_error", DurationMS: 50},
	}
	if err := store.WriteBatch(context.Background(), records); err != nil {
		t.Fatalf("WriteBatch() error: %v", err)
	}
	return store
}

func TestSQLStoreTotals(t *testing.T) {
	t.Parallel()

	store := seedQueryStore(t)
	ctx := context.Background()

	totals, err := store.Totals(ctx, Filter{})
	if err != nil {
		t.Fatalf("Totals() error: %v", err)
	}
	want := Totals{Requests: 3, PromptTokens: 15, CompletionTokens: 6, TotalTokens: 21, Errors: 1, Degraded: 1}
	if totals != want {
		t.Fatalf("totals=%+v, want %+v", totals, want)
	}

	azure, err := store.Totals(ctx, Filter{Provider: "azure", Model: "gpt-4o"})
	if err != nil {
		t.Fatalf("Totals(azure) error: %v", err)
	}
	if azure.Requests != 2 || azure.Errors != 0 || azure.TotalTokens != 21 {
		t.Fatalf("azure totals=%+v", azure)
	}
}

func TestSQLStoreModelStats(t *testing.T) {
	t.Parallel()

	store := seedQueryStore(t)
	stats, err := store.ModelStats(context.Background(), Filter{})
	if err != nil {
		t.Fatalf("ModelStats() error: %v", err)
	}
	if len(stats) != 2 {
		t.Fatalf("stats=%+v, want 2 rows", stats)
	}
	first := stats[0]
	if first.Provider != "azure" || first.Model != "gpt-4o" || first.Requests != 2 || first.PromptTokens != 15 {
		t.Fatalf("first row=%+v", first)
	}
	if first.AvgDurationMS != 200 || first.AvgTTFBMS != 30 {
		t.Fatalf("first row averages=%v/%v, want 200/30", first.AvgDurationMS, first.AvgTTFBMS)
	}
	if stats[1].Provider != "bedrock" || stats[1].Requests != 1 {
		t.Fatalf("second row=%+v", stats[1])
	}
}

func TestSQLStoreRecentOrdersAndFilters(t *testing.T) {
	t.Parallel()

	store := seedQueryStore(t)
	ctx := context.Background()

	records, err := store.Recent(ctx, Filter{Limit: 2})
	if err != nil {
		t.Fatalf("Recent() error: %v", err)
	}
	if len(records) != 2 {
		t.Fatalf("records=%d, want 2", len(records))
	}
	if records[0].Provider != "bedrock" || records[0].ErrorKind != "upstream_error" || !records[0].Streaming {
		t.Fatalf("newest record=%+v", records[0])
	}
	wantTime := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	if !records[0].Timestamp.Equal(wantTime) {
		t.Fatalf("newest timestamp=%s, want %s", records[0].Timestamp, wantTime)
	}
	if records[1].Degraded != 1 || records[1].TotalTokens != 14 {
		t.Fatalf("second record=%+v", records[1])
	}

	windowed, err := store.Recent(ctx, Filter{
		From: time.Date(2026, 3, 1, 10, 30, 0, 0, time.UTC),
		To:   time.Date(2026, 3, 1, 11, 30, 0, 0, time.UTC),
	})
	if err != nil {
		t.Fatalf("Recent(window) error: %v", err)
	}
	if len(windowed) != 1 || windowed[0].TotalTokens != 14 {
		t.Fatalf("windowed=%+v, want the 11:00 record", windowed)
	}
}

func TestWherePlaceholdersFollowDriver(t *testing.T) {
	t.Parallel()

	filter := Filter{Provider: "azure", Model: "gpt-4o", From: time.Unix(0, 0)}
	pg := &SQLStore{driver: DriverPostgres}
	where, args := pg.where(filter)
	if where != " WHERE provider = $1 AND model_id = $2 AND recorded_at >= $3" || len(args) != 3 {
		t.Fatalf("postgres where=%q args=%v", where, args)
	}

	my := &SQLStore{driver: DriverMySQL}
	where, _ = my.where(Filter{Model: " "})
	if where != "" {
		t.Fatalf("blank filter where=%q, want empty", where)
	}
	where, _ = my.where(Filter{To: time.Unix(10, 0)})
	if !strings.HasSuffix(where, "recorded_at <= ?") {
		t.Fatalf("mysql where=%q", where)
	}
}

func TestScanTimeLayouts(t *testing.T) {
	t.Parallel()

	want := time.Date(2026, 3, 1, 10, 0, 0, 500_000_000, time.UTC)
	tests := []struct {
		name  string
		value any
	}{
		{name: "native", value: want.In(time.FixedZone("X", 3600))},
		{name: "rfc3339", value: "2026-03-01T10:00:00.5Z"},
		{name: "sqlite default", value: []byte("2026-03-01 10:00:00.5+00:00")},
		{name: "time string", value: "2026-03-01 10:00:00.5 +0000 UTC"},
		{name: "mysql datetime", value: []byte("2026-03-01 10:00:00.5")},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			var got scanTime
			if err := got.Scan(tt.value); err != nil {
				t.Fatalf("Scan() error: %v", err)
			}
			if !got.Equal(want) {
				t.Fatalf("Scan()=%s, want %s", got.Time, want)
			}
		})
	}

	var bad scanTime
	if err := bad.Scan("yesterday"); err == nil {
		t.Fatal("expected unsupported timestamp error")
	}
	if err := bad.Scan(42); err == nil {
		t.Fatal("expected unsupported type error")
	}
}

func TestSQLStoreLookupByCorrelation(t *testing.T) {
	t.Parallel()

	store, err := OpenSQL(DriverSQLite, filepath.Join(t.TempDir(), "ledger.db"))
	if err != nil {
		t.Fatalf("OpenSQL() error: %v", err)
	}
	defer store.Close()

	base := time.Date(2026, 3, 2, 8, 0, 0, 0, time.UTC)
	err = store.WriteBatch(context.Background(), []*Record{
		{Timestamp: base.Add(time.Minute), CorrelationID: "req-1", Provider: "azure", Operation: "chat_completions",
			ResponseText: "second", Status: 200},
		{Timestamp: base, CorrelationID: "req-1", Provider: "azure", Operation: "chat_completions",
			RequestBody: `{"stream":true}`, RequestBodyTruncated: true, ResponseText: "first", Status: 200},
		{Timestamp: base, CorrelationID: "req-2", Provider: "bedrock", Operation: "converse"},
	})
	if err != nil {
		t.Fatalf("WriteBatch() error: %v", err)
	}

	records, err := store.Lookup(context.Background(), "req-1")
	if err != nil {
		t.Fatalf("Lookup() error: %v", err)
	}
	if len(records) != 2 {
		t.Fatalf("records=%d, want 2", len(records))
	}
	if records[0].ResponseText != "first" || records[0].RequestBody != `{"stream":true}` || !records[0].RequestBodyTruncated {
		t.Fatalf("first record=%+v", records[0])
	}
	if records[1].ResponseText != "second" {
		t.Fatalf("second record=%+v", records[1])
	}

	missing, err := store.Lookup(context.Background(), "nope")
	if err != nil || len(missing) != 0 {
		t.Fatalf("Lookup(missing)=%v, %v", missing, err)
	}
}
