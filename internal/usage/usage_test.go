package usage

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/kirorelay/gateway/internal/keystore"
)

func newTestRecorder(t *testing.T) (*Recorder, int64) {
	t.Helper()
	s, err := keystore.Open(filepath.Join(t.TempDir(), "keys.db"))
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { s.Close() })
	id, _, err := s.Create(context.Background(), "ci", nil, nil)
	if err != nil {
		t.Fatal(err)
	}
	return New(s.DB()), id
}

func TestRecordAndQueryRoundTrip(t *testing.T) {
	r, keyID := newTestRecorder(t)
	if err := r.Record(context.Background(), keyID, "claude-sonnet-4-20250514", 100, 200, nil); err != nil {
		t.Fatal(err)
	}
	records, err := r.Query(context.Background(), Filters{})
	if err != nil {
		t.Fatal(err)
	}
	if len(records) != 1 {
		t.Fatalf("expected 1 record, got %d", len(records))
	}
	rec := records[0]
	if rec.APIKeyID != keyID || rec.Model != "claude-sonnet-4-20250514" || rec.InputTokens != 100 || rec.OutputTokens != 200 {
		t.Fatalf("unexpected record: %+v", rec)
	}
	if rec.RequestTime.After(time.Now()) {
		t.Fatalf("expected request_time <= now, got %v", rec.RequestTime)
	}
}

func TestQueryFiltersByModelAndTimeRange(t *testing.T) {
	r, keyID := newTestRecorder(t)
	ctx := context.Background()
	mustRecord(t, r, keyID, "claude-opus-4-5-20251101", 1, 1)
	mustRecord(t, r, keyID, "claude-haiku-4-5-20251001", 1, 1)

	records, err := r.Query(ctx, Filters{Model: "claude-opus-4-5-20251101"})
	if err != nil {
		t.Fatal(err)
	}
	if len(records) != 1 || records[0].Model != "claude-opus-4-5-20251101" {
		t.Fatalf("expected 1 opus record, got %+v", records)
	}

	future := time.Now().Add(time.Hour)
	records, err = r.Query(ctx, Filters{StartTime: &future})
	if err != nil {
		t.Fatal(err)
	}
	if len(records) != 0 {
		t.Fatalf("expected no records starting after now, got %d", len(records))
	}
}

func TestQueryPagination(t *testing.T) {
	r, keyID := newTestRecorder(t)
	ctx := context.Background()
	for i := 0; i < 5; i++ {
		mustRecord(t, r, keyID, "claude-haiku-4-5-20251001", 1, 1)
	}

	limit := int64(2)
	page, err := r.Query(ctx, Filters{Limit: &limit})
	if err != nil {
		t.Fatal(err)
	}
	if len(page) != 2 {
		t.Fatalf("expected 2 records with limit=2, got %d", len(page))
	}

	offset := int64(4)
	rest, err := r.Query(ctx, Filters{Limit: &limit, Offset: &offset})
	if err != nil {
		t.Fatal(err)
	}
	if len(rest) != 1 {
		t.Fatalf("expected 1 remaining record at offset=4, got %d", len(rest))
	}

	allButFirst, err := r.Query(ctx, Filters{Offset: &offset})
	if err != nil {
		t.Fatal(err)
	}
	if len(allButFirst) != 1 {
		t.Fatalf("expected offset without limit to still apply, got %d", len(allButFirst))
	}
}

func TestQueryForExportJoinsKeyName(t *testing.T) {
	r, keyID := newTestRecorder(t)
	mustRecord(t, r, keyID, "claude-sonnet-4-20250514", 10, 20)

	rows, err := r.QueryForExport(context.Background(), Filters{})
	if err != nil {
		t.Fatal(err)
	}
	if len(rows) != 1 {
		t.Fatalf("expected 1 row, got %d", len(rows))
	}
	if rows[0].KeyName != "ci" {
		t.Fatalf("expected joined key name %q, got %q", "ci", rows[0].KeyName)
	}
}

func mustRecord(t *testing.T, r *Recorder, keyID int64, model string, in, out int64) {
	t.Helper()
	if err := r.Record(context.Background(), keyID, model, in, out, nil); err != nil {
		t.Fatal(err)
	}
}
