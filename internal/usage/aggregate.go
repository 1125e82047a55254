package usage

import (
	"context"
	"fmt"

	"github.com/kirorelay/gateway/internal/price"
)

// GroupBy selects the dimension Aggregate buckets usage records by.
type GroupBy string

const (
	GroupByNone  GroupBy = "none"
	GroupByModel GroupBy = "model"
	GroupByDay   GroupBy = "day"
	GroupByHour  GroupBy = "hour"
)

// Group is one bucket of an aggregation result.
type Group struct {
	Key          string
	Requests     int64
	InputTokens  int64
	OutputTokens int64
	Cost         float64
}

// Aggregation is the result of Aggregate.
type Aggregation struct {
	TotalRequests     int64
	TotalInputTokens  int64
	TotalOutputTokens int64
	TotalTokens       int64
	Groups            []Group
}

// Aggregate summarizes the records matching f, bucketed by groupBy, with
// cost computed from the price table. A nil table yields zero cost for
// every bucket.
func (r *Recorder) Aggregate(ctx context.Context, f Filters, groupBy GroupBy, table *price.Table) (*Aggregation, error) {
	records, err := r.Query(ctx, f)
	if err != nil {
		return nil, fmt.Errorf("query usage for aggregation: %w", err)
	}
	return aggregate(records, groupBy, table), nil
}

func aggregate(records []Record, groupBy GroupBy, table *price.Table) *Aggregation {
	agg := &Aggregation{}
	buckets := map[string]*Group{}
	var order []string

	for _, rec := range records {
		agg.TotalRequests++
		agg.TotalInputTokens += rec.InputTokens
		agg.TotalOutputTokens += rec.OutputTokens

		key := groupKey(rec, groupBy)
		b, ok := buckets[key]
		if !ok {
			b = &Group{Key: key}
			buckets[key] = b
			order = append(order, key)
		}
		b.Requests++
		b.InputTokens += rec.InputTokens
		b.OutputTokens += rec.OutputTokens
		if table != nil {
			b.Cost += table.CalculateCost(rec.Model, rec.InputTokens, rec.OutputTokens)
		}
	}
	agg.TotalTokens = agg.TotalInputTokens + agg.TotalOutputTokens

	if groupBy != GroupByNone {
		agg.Groups = orderGroups(buckets, order, groupBy)
	}
	return agg
}

func groupKey(rec Record, groupBy GroupBy) string {
	switch groupBy {
	case GroupByModel:
		return rec.Model
	case GroupByDay:
		return rec.RequestTime.UTC().Format("2006-01-02")
	case GroupByHour:
		return rec.RequestTime.UTC().Format("2006-01-02 15:00:00")
	default:
		return ""
	}
}

// orderGroups sorts buckets: model groups by request count descending,
// day/hour groups by key descending (most recent first).
func orderGroups(buckets map[string]*Group, insertOrder []string, groupBy GroupBy) []Group {
	keys := append([]string(nil), insertOrder...)

	switch groupBy {
	case GroupByModel:
		sortByCountDesc(keys, buckets)
	case GroupByDay, GroupByHour:
		sortKeysDesc(keys)
	}

	out := make([]Group, 0, len(keys))
	for _, k := range keys {
		out = append(out, *buckets[k])
	}
	return out
}

func sortByCountDesc(keys []string, buckets map[string]*Group) {
	for i := 1; i < len(keys); i++ {
		for j := i; j > 0 && buckets[keys[j]].Requests > buckets[keys[j-1]].Requests; j-- {
			keys[j], keys[j-1] = keys[j-1], keys[j]
		}
	}
}

func sortKeysDesc(keys []string) {
	for i := 1; i < len(keys); i++ {
		for j := i; j > 0 && keys[j] > keys[j-1]; j-- {
			keys[j], keys[j-1] = keys[j-1], keys[j]
		}
	}
}
