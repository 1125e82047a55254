package usage

import (
	"context"
	"testing"

	"github.com/kirorelay/gateway/internal/price"
)

func TestAggregateTotalsAndNoneGrouping(t *testing.T) {
	r, keyID := newTestRecorder(t)
	ctx := context.Background()
	mustRecord(t, r, keyID, "claude-sonnet-4-20250514", 1000, 2000)
	mustRecord(t, r, keyID, "claude-opus-4-5-20251101", 500, 500)

	agg, err := r.Aggregate(ctx, Filters{}, GroupByNone, price.DefaultTable())
	if err != nil {
		t.Fatal(err)
	}
	if agg.TotalRequests != 2 {
		t.Fatalf("expected 2 total requests, got %d", agg.TotalRequests)
	}
	if agg.TotalInputTokens != 1500 || agg.TotalOutputTokens != 2500 {
		t.Fatalf("unexpected totals: %+v", agg)
	}
	if agg.TotalTokens != 4000 {
		t.Fatalf("expected total tokens 4000, got %d", agg.TotalTokens)
	}
	if len(agg.Groups) != 0 {
		t.Fatalf("expected no groups for GroupByNone, got %d", len(agg.Groups))
	}
}

func TestAggregateGroupByModelOrdersByRequestCountDesc(t *testing.T) {
	r, keyID := newTestRecorder(t)
	ctx := context.Background()
	mustRecord(t, r, keyID, "claude-haiku-4-5-20251001", 1, 1)
	mustRecord(t, r, keyID, "claude-opus-4-5-20251101", 1, 1)
	mustRecord(t, r, keyID, "claude-opus-4-5-20251101", 1, 1)

	agg, err := r.Aggregate(ctx, Filters{}, GroupByModel, price.DefaultTable())
	if err != nil {
		t.Fatal(err)
	}
	if len(agg.Groups) != 2 {
		t.Fatalf("expected 2 model groups, got %d", len(agg.Groups))
	}
	if agg.Groups[0].Key != "claude-opus-4-5-20251101" || agg.Groups[0].Requests != 2 {
		t.Fatalf("expected opus group first with 2 requests, got %+v", agg.Groups[0])
	}
	if agg.Groups[0].Cost <= 0 {
		t.Fatalf("expected nonzero cost for a priced model, got %v", agg.Groups[0].Cost)
	}
}

func TestAggregateUnknownModelYieldsZeroCost(t *testing.T) {
	r, keyID := newTestRecorder(t)
	mustRecord(t, r, keyID, "some-unpriced-model", 1000, 1000)

	agg, err := r.Aggregate(context.Background(), Filters{}, GroupByModel, price.DefaultTable())
	if err != nil {
		t.Fatal(err)
	}
	if len(agg.Groups) != 1 || agg.Groups[0].Cost != 0 {
		t.Fatalf("expected zero cost for unpriced model, got %+v", agg.Groups)
	}
}

func TestAggregateNilTableYieldsZeroCost(t *testing.T) {
	r, keyID := newTestRecorder(t)
	mustRecord(t, r, keyID, "claude-opus-4-5-20251101", 1000, 1000)

	agg, err := r.Aggregate(context.Background(), Filters{}, GroupByModel, nil)
	if err != nil {
		t.Fatal(err)
	}
	if agg.Groups[0].Cost != 0 {
		t.Fatalf("expected zero cost with a nil price table, got %v", agg.Groups[0].Cost)
	}
}

func TestAggregateGroupByDayBucketsByDate(t *testing.T) {
	r, keyID := newTestRecorder(t)
	mustRecord(t, r, keyID, "claude-sonnet-4-20250514", 1, 1)

	agg, err := r.Aggregate(context.Background(), Filters{}, GroupByDay, price.DefaultTable())
	if err != nil {
		t.Fatal(err)
	}
	if len(agg.Groups) != 1 {
		t.Fatalf("expected 1 day bucket, got %d", len(agg.Groups))
	}
	if len(agg.Groups[0].Key) != len("2006-01-02") {
		t.Fatalf("expected a YYYY-MM-DD key, got %q", agg.Groups[0].Key)
	}
}
