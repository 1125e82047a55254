// Package usage implements the Usage Recorder and Aggregator: insert-only
// token usage records, filtered queries, and grouped aggregation with
// cost attribution from the Price Table.
package usage

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"
)

// Record is one stored usage row.
type Record struct {
	ID           int64
	APIKeyID     int64
	Model        string
	InputTokens  int64
	OutputTokens int64
	RequestTime  time.Time
	RequestID    *string
}

// Recorder is the insert-only usage writer, backed by the shared SQLite
// handle opened by internal/keystore.
type Recorder struct {
	db *sql.DB
}

// New wraps db (the keystore's *sql.DB, which owns the usage_records table).
func New(db *sql.DB) *Recorder {
	return &Recorder{db: db}
}

// Record inserts a usage row for a completed request.
func (r *Recorder) Record(ctx context.Context, apiKeyID int64, model string, inputTokens, outputTokens int64, requestID *string) error {
	_, err := r.db.ExecContext(ctx,
		`INSERT INTO usage_records (api_key_id, model, input_tokens, output_tokens, request_time, request_id)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		apiKeyID, model, inputTokens, outputTokens, time.Now().UTC().Format(time.RFC3339), requestID)
	if err != nil {
		return fmt.Errorf("insert usage record: %w", err)
	}
	return nil
}

// Filters narrows Query and Aggregate to a subset of usage rows. Zero
// values mean "no filter" on that field.
type Filters struct {
	APIKeyID  *int64
	Model     string
	StartTime *time.Time
	EndTime   *time.Time
	Limit     *int64
	Offset    *int64
}

func (f Filters) whereClause() (string, []any) {
	var clauses []string
	var args []any
	if f.APIKeyID != nil {
		clauses = append(clauses, "api_key_id = ?")
		args = append(args, *f.APIKeyID)
	}
	if f.Model != "" {
		clauses = append(clauses, "model = ?")
		args = append(args, f.Model)
	}
	if f.StartTime != nil {
		clauses = append(clauses, "request_time >= ?")
		args = append(args, f.StartTime.UTC().Format(time.RFC3339))
	}
	if f.EndTime != nil {
		clauses = append(clauses, "request_time <= ?")
		args = append(args, f.EndTime.UTC().Format(time.RFC3339))
	}
	if len(clauses) == 0 {
		return "", args
	}
	return " WHERE " + strings.Join(clauses, " AND "), args
}

// limitClause returns a trailing " LIMIT ? OFFSET ?" fragment (and its
// args) for whichever of Limit/Offset are set; either may appear alone.
// SQLite rejects a bare OFFSET, so an Offset with no Limit gets an
// unbounded LIMIT -1.
func (f Filters) limitClause() (string, []any) {
	var clause string
	var args []any
	switch {
	case f.Limit != nil:
		clause += " LIMIT ?"
		args = append(args, *f.Limit)
	case f.Offset != nil:
		clause += " LIMIT -1"
	}
	if f.Offset != nil {
		clause += " OFFSET ?"
		args = append(args, *f.Offset)
	}
	return clause, args
}

// Query returns matching usage records ordered newest first, optionally
// paginated via f.Limit/f.Offset.
func (r *Recorder) Query(ctx context.Context, f Filters) ([]Record, error) {
	where, args := f.whereClause()
	limit, limitArgs := f.limitClause()
	rows, err := r.db.QueryContext(ctx,
		`SELECT id, api_key_id, model, input_tokens, output_tokens, request_time, request_id
		 FROM usage_records`+where+` ORDER BY request_time DESC`+limit, append(args, limitArgs...)...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanRecords(rows)
}

// ExportRow is one row of the usage export, with the owning key's name
// resolved via a left join so deleted keys still export with a name.
type ExportRow struct {
	Record
	KeyName string
}

// QueryForExport returns matching usage records joined with api_keys.name.
func (r *Recorder) QueryForExport(ctx context.Context, f Filters) ([]ExportRow, error) {
	where, args := f.whereClause()
	limit, limitArgs := f.limitClause()
	rows, err := r.db.QueryContext(ctx,
		`SELECT u.id, u.api_key_id, u.model, u.input_tokens, u.output_tokens, u.request_time, u.request_id,
		        COALESCE(k.name, '')
		 FROM usage_records u LEFT JOIN api_keys k ON k.id = u.api_key_id`+where+`
		 ORDER BY u.request_time DESC`+limit, append(args, limitArgs...)...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []ExportRow
	for rows.Next() {
		var rec Record
		var requestTime string
		var requestID sql.NullString
		var keyName string
		if err := rows.Scan(&rec.ID, &rec.APIKeyID, &rec.Model, &rec.InputTokens, &rec.OutputTokens, &requestTime, &requestID, &keyName); err != nil {
			return nil, err
		}
		rec.RequestTime, _ = time.Parse(time.RFC3339, requestTime)
		if requestID.Valid {
			rec.RequestID = &requestID.String
		}
		out = append(out, ExportRow{Record: rec, KeyName: keyName})
	}
	return out, rows.Err()
}

func scanRecords(rows *sql.Rows) ([]Record, error) {
	var out []Record
	for rows.Next() {
		var rec Record
		var requestTime string
		var requestID sql.NullString
		if err := rows.Scan(&rec.ID, &rec.APIKeyID, &rec.Model, &rec.InputTokens, &rec.OutputTokens, &requestTime, &requestID); err != nil {
			return nil, err
		}
		rec.RequestTime, _ = time.Parse(time.RFC3339, requestTime)
		if requestID.Valid {
			rec.RequestID = &requestID.String
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}
