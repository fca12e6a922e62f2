package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/crmmirror/crmmirror/internal/domain/model"
	"github.com/crmmirror/crmmirror/internal/domain/port/driven"
)

// Compile-time interface satisfaction check.
var _ driven.RecordStore = (*RecordRepo)(nil)

// RecordRepo is the SQLite implementation of the RecordStore port interface.
// Attribute maps are stored as a JSON object in the current_data column.
type RecordRepo struct {
	db *DB
}

// NewRecordRepo creates a new RecordRepo backed by the given DB.
func NewRecordRepo(db *DB) *RecordRepo {
	return &RecordRepo{db: db}
}

// GetByID returns one record (active or not), or nil if never seen.
func (r *RecordRepo) GetByID(ctx context.Context, externalID string) (*model.MirroredRecord, error) {
	const query = `SELECT external_id, current_data, is_active, first_seen_date, last_seen_date
		FROM records WHERE external_id = ?`

	rec, err := scanRecord(r.db.Reader.QueryRowContext(ctx, query, externalID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get record %q: %w", externalID, err)
	}
	return rec, nil
}

// GetByIDs returns the known records among the given ids, keyed by id.
func (r *RecordRepo) GetByIDs(ctx context.Context, externalIDs []string) (map[string]model.MirroredRecord, error) {
	out := make(map[string]model.MirroredRecord, len(externalIDs))
	if len(externalIDs) == 0 {
		return out, nil
	}

	placeholders := strings.Repeat("?,", len(externalIDs)-1) + "?"
	query := `SELECT external_id, current_data, is_active, first_seen_date, last_seen_date
		FROM records WHERE external_id IN (` + placeholders + `)`

	args := make([]any, len(externalIDs))
	for i, id := range externalIDs {
		args[i] = id
	}

	rows, err := r.db.Reader.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("get records by ids: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, fmt.Errorf("scan record: %w", err)
		}
		out[rec.ExternalID] = *rec
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate records: %w", err)
	}
	return out, nil
}

// ActiveIDs returns the external ids of all active records.
func (r *RecordRepo) ActiveIDs(ctx context.Context) ([]string, error) {
	const query = `SELECT external_id FROM records WHERE is_active = 1`

	rows, err := r.db.Reader.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("list active record ids: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan record id: %w", err)
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate record ids: %w", err)
	}
	return ids, nil
}

// ApplyChangeSet commits every create, update, deactivation, and history row
// in a single transaction. A failure anywhere rolls the whole batch back.
func (r *RecordRepo) ApplyChangeSet(ctx context.Context, cs model.ChangeSet) error {
	tx, err := r.db.Writer.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin change set: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	const insert = `INSERT INTO records (external_id, current_data, is_active, first_seen_date, last_seen_date)
		VALUES (?, ?, 1, ?, ?)`
	for _, rec := range cs.Creates {
		data, err := json.Marshal(rec.CurrentData)
		if err != nil {
			return fmt.Errorf("marshal record %q: %w", rec.ExternalID, err)
		}
		if _, err := tx.ExecContext(ctx, insert,
			rec.ExternalID, string(data), nullTime(rec.FirstSeenDate), nullTime(rec.LastSeenDate)); err != nil {
			return fmt.Errorf("create record %q: %w", rec.ExternalID, err)
		}
	}

	const update = `UPDATE records SET current_data = ?, is_active = 1, last_seen_date = ? WHERE external_id = ?`
	for _, rec := range cs.Updates {
		data, err := json.Marshal(rec.CurrentData)
		if err != nil {
			return fmt.Errorf("marshal record %q: %w", rec.ExternalID, err)
		}
		if _, err := tx.ExecContext(ctx, update,
			string(data), nullTime(rec.LastSeenDate), rec.ExternalID); err != nil {
			return fmt.Errorf("update record %q: %w", rec.ExternalID, err)
		}
	}

	const deactivate = `UPDATE records SET is_active = 0, last_seen_date = ? WHERE external_id = ?`
	for _, id := range cs.Deactivations {
		if _, err := tx.ExecContext(ctx, deactivate, nullTime(cs.AsOfDate), id); err != nil {
			return fmt.Errorf("deactivate record %q: %w", id, err)
		}
	}

	const history = `INSERT INTO field_history (external_id, field_name, old_value, new_value, change_date, recorded_at)
		VALUES (?, ?, ?, ?, ?, ?)`
	for _, h := range cs.History {
		recordedAt := h.RecordedAt
		if recordedAt.IsZero() {
			recordedAt = time.Now().UTC()
		}
		if _, err := tx.ExecContext(ctx, history,
			h.ExternalID, h.FieldName, h.OldValue, h.NewValue,
			nullTime(h.ChangeDate), nullTime(recordedAt)); err != nil {
			return fmt.Errorf("append history for %q.%s: %w", h.ExternalID, h.FieldName, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit change set: %w", err)
	}
	return nil
}

// History returns the field history for one record, oldest first.
func (r *RecordRepo) History(ctx context.Context, externalID string) ([]model.FieldHistoryEntry, error) {
	const query = `SELECT id, external_id, field_name, old_value, new_value, change_date, recorded_at
		FROM field_history WHERE external_id = ? ORDER BY recorded_at, id`

	rows, err := r.db.Reader.QueryContext(ctx, query, externalID)
	if err != nil {
		return nil, fmt.Errorf("list history for %q: %w", externalID, err)
	}
	defer rows.Close()

	var entries []model.FieldHistoryEntry
	for rows.Next() {
		var (
			e                      model.FieldHistoryEntry
			changeDate, recordedAt string
		)
		if err := rows.Scan(&e.ID, &e.ExternalID, &e.FieldName, &e.OldValue, &e.NewValue,
			&changeDate, &recordedAt); err != nil {
			return nil, fmt.Errorf("scan history row: %w", err)
		}
		if e.ChangeDate, err = parseTime(changeDate); err != nil {
			return nil, fmt.Errorf("parse change_date: %w", err)
		}
		if e.RecordedAt, err = parseTime(recordedAt); err != nil {
			return nil, fmt.Errorf("parse recorded_at: %w", err)
		}
		entries = append(entries, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate history rows: %w", err)
	}
	return entries, nil
}

func scanRecord(row rowScanner) (*model.MirroredRecord, error) {
	var (
		rec                 model.MirroredRecord
		data                string
		isActive            int
		firstSeen, lastSeen string
	)

	if err := row.Scan(&rec.ExternalID, &data, &isActive, &firstSeen, &lastSeen); err != nil {
		return nil, err
	}

	rec.IsActive = isActive == 1
	if err := json.Unmarshal([]byte(data), &rec.CurrentData); err != nil {
		return nil, fmt.Errorf("unmarshal current_data: %w", err)
	}

	var err error
	if rec.FirstSeenDate, err = parseTime(firstSeen); err != nil {
		return nil, fmt.Errorf("parse first_seen_date: %w", err)
	}
	if rec.LastSeenDate, err = parseTime(lastSeen); err != nil {
		return nil, fmt.Errorf("parse last_seen_date: %w", err)
	}
	return &rec, nil
}
