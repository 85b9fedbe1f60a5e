package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	sq "github.com/Masterminds/squirrel"
	"github.com/google/uuid"
)

var ErrNotFound = errors.New("not found")

// ListInstructions returns every instruction in appID's scope, newest first.
func (s *Store) ListInstructions(ctx context.Context, appID string) ([]Instruction, error) {
	q := s.sql.Select("id", "app_id", "title", "content", "created_at").
		From("custom_instructions").
		Where(sq.Eq{"app_id": appID}).
		OrderBy("created_at DESC")
	sqlStr, args, err := q.ToSql()
	if err != nil {
		return nil, fmt.Errorf("build list instructions query: %w", err)
	}

	rows, err := s.db.QueryContext(ctx, sqlStr, args...)
	if err != nil {
		return nil, fmt.Errorf("list instructions: %w", err)
	}
	defer rows.Close()

	out := make([]Instruction, 0)
	for rows.Next() {
		var in Instruction
		if err := rows.Scan(&in.ID, &in.AppID, &in.Title, &in.Content, &in.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan instruction row: %w", err)
		}
		out = append(out, in)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate instruction rows: %w", err)
	}
	return out, nil
}

func (s *Store) CreateInstruction(ctx context.Context, appID, title, content string) (Instruction, error) {
	in := Instruction{
		ID:        uuid.NewString(),
		AppID:     appID,
		Title:     title,
		Content:   content,
		CreatedAt: time.Now().UTC(),
	}
	q := s.sql.Insert("custom_instructions").
		Columns("id", "app_id", "title", "content", "created_at").
		Values(in.ID, in.AppID, in.Title, in.Content, in.CreatedAt)
	sqlStr, args, err := q.ToSql()
	if err != nil {
		return Instruction{}, fmt.Errorf("build create instruction query: %w", err)
	}
	if _, err := s.db.ExecContext(ctx, sqlStr, args...); err != nil {
		return Instruction{}, fmt.Errorf("create instruction: %w", err)
	}
	return in, nil
}

// UpdateInstruction rewrites title and content of one instruction. The scope
// filter is re-asserted so an id from another scope is never touched.
func (s *Store) UpdateInstruction(ctx context.Context, appID, id, title, content string) error {
	q := s.sql.Update("custom_instructions").
		Set("title", title).
		Set("content", content).
		Where(sq.Eq{"id": id, "app_id": appID})
	sqlStr, args, err := q.ToSql()
	if err != nil {
		return fmt.Errorf("build update instruction query: %w", err)
	}
	res, err := s.db.ExecContext(ctx, sqlStr, args...)
	if err != nil {
		return fmt.Errorf("update instruction: %w", err)
	}
	n, err := res.RowsAffected()
	if err == nil && n == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *Store) DeleteInstruction(ctx context.Context, appID, id string) error {
	q := s.sql.Delete("custom_instructions").Where(sq.Eq{"id": id, "app_id": appID})
	sqlStr, args, err := q.ToSql()
	if err != nil {
		return fmt.Errorf("build delete instruction query: %w", err)
	}
	res, err := s.db.ExecContext(ctx, sqlStr, args...)
	if err != nil {
		return fmt.Errorf("delete instruction: %w", err)
	}
	n, err := res.RowsAffected()
	if err == nil && n == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *Store) InsertUsageLog(ctx context.Context, userID *string) error {
	if userID != nil && strings.TrimSpace(*userID) == "" {
		userID = nil
	}
	q := s.sql.Insert("usage_logs").
		Columns("user_id", "created_at").
		Values(userID, time.Now().UTC())
	sqlStr, args, err := q.ToSql()
	if err != nil {
		return fmt.Errorf("build usage log insert query: %w", err)
	}
	if _, err := s.db.ExecContext(ctx, sqlStr, args...); err != nil {
		return fmt.Errorf("insert usage log: %w", err)
	}
	return nil
}

// CountUsageSince counts log rows created at or after since.
func (s *Store) CountUsageSince(ctx context.Context, since time.Time) (int64, error) {
	q := s.sql.Select("COUNT(*)").
		From("usage_logs").
		Where(sq.GtOrEq{"created_at": since})
	sqlStr, args, err := q.ToSql()
	if err != nil {
		return 0, fmt.Errorf("build usage count query: %w", err)
	}
	var n int64
	if err := s.db.QueryRowContext(ctx, sqlStr, args...).Scan(&n); err != nil {
		return 0, fmt.Errorf("count usage since %s: %w", since.Format(time.RFC3339), err)
	}
	return n, nil
}

// ListUsageUserIDs returns every non-null user id in the log, duplicates
// included; dedup happens in the aggregator.
func (s *Store) ListUsageUserIDs(ctx context.Context) ([]string, error) {
	q := s.sql.Select("user_id").
		From("usage_logs").
		Where("user_id IS NOT NULL")
	sqlStr, args, err := q.ToSql()
	if err != nil {
		return nil, fmt.Errorf("build usage user ids query: %w", err)
	}

	rows, err := s.db.QueryContext(ctx, sqlStr, args...)
	if err != nil {
		return nil, fmt.Errorf("list usage user ids: %w", err)
	}
	defer rows.Close()

	out := make([]string, 0)
	for rows.Next() {
		var id sql.NullString
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan usage user id: %w", err)
		}
		if id.Valid {
			out = append(out, id.String)
		}
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate usage user ids: %w", err)
	}
	return out, nil
}

// ListUsageTimes returns every log timestamp in ascending order.
func (s *Store) ListUsageTimes(ctx context.Context) ([]time.Time, error) {
	q := s.sql.Select("created_at").
		From("usage_logs").
		OrderBy("created_at ASC")
	sqlStr, args, err := q.ToSql()
	if err != nil {
		return nil, fmt.Errorf("build usage times query: %w", err)
	}

	rows, err := s.db.QueryContext(ctx, sqlStr, args...)
	if err != nil {
		return nil, fmt.Errorf("list usage times: %w", err)
	}
	defer rows.Close()

	out := make([]time.Time, 0)
	for rows.Next() {
		var ts time.Time
		if err := rows.Scan(&ts); err != nil {
			return nil, fmt.Errorf("scan usage time: %w", err)
		}
		out = append(out, ts)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate usage times: %w", err)
	}
	return out, nil
}
