package search

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
)

// PgLike implements Searcher with a plain ILIKE scan as the fallback when
// Meilisearch is down. Name lists per school are small enough that this stays
// fast without any FTS setup.
type PgLike struct {
	db *sql.DB
}

func NewPgLike(db *sql.DB) *PgLike {
	return &PgLike{db: db}
}

// Healthy always reports true. If Postgres is down the whole app is down.
func (p *PgLike) Healthy() bool {
	return true
}

func (p *PgLike) Search(ctx context.Context, q Query) ([]Result, error) {
	if strings.TrimSpace(q.Term) == "" {
		return nil, nil
	}
	limit := q.Limit
	if limit <= 0 {
		limit = 10
	}

	switch q.Entity {
	case EntityStudent:
		return p.searchStudents(ctx, q, limit)
	case EntityTeacher:
		return p.searchTeachers(ctx, q, limit)
	default:
		return nil, fmt.Errorf("unknown search entity %q", q.Entity)
	}
}

func (p *PgLike) searchStudents(ctx context.Context, q Query, limit int) ([]Result, error) {
	query := `
		SELECT id, unit_id, name, status, instrument, monthly_fee
		FROM students
		WHERE name ILIKE '%' || $1 || '%' AND status <> 'cancelled'`
	args := []any{q.Term}
	if q.UnitID != 0 {
		query += " AND unit_id = $2"
		args = append(args, q.UnitID)
	}
	query += fmt.Sprintf(" ORDER BY name LIMIT %d", limit)

	rows, err := p.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("student lookup: %w", err)
	}
	defer rows.Close()

	var results []Result
	for rows.Next() {
		var rec StudentRecord
		if err := rows.Scan(&rec.ID, &rec.UnitID, &rec.Name, &rec.Status, &rec.Instrument, &rec.MonthlyFee); err != nil {
			return nil, fmt.Errorf("scan student hit: %w", err)
		}
		results = append(results, Result{
			ID:    rec.ID,
			Label: rec.Name,
			Record: map[string]any{
				"id":          rec.ID,
				"unit_id":     rec.UnitID,
				"name":        rec.Name,
				"status":      rec.Status,
				"instrument":  rec.Instrument,
				"monthly_fee": rec.MonthlyFee,
			},
		})
	}
	return results, rows.Err()
}

func (p *PgLike) searchTeachers(ctx context.Context, q Query, limit int) ([]Result, error) {
	query := `
		SELECT id, unit_id, name, instrument, active
		FROM teachers
		WHERE name ILIKE '%' || $1 || '%' AND active`
	args := []any{q.Term}
	if q.UnitID != 0 {
		query += " AND unit_id = $2"
		args = append(args, q.UnitID)
	}
	query += fmt.Sprintf(" ORDER BY name LIMIT %d", limit)

	rows, err := p.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("teacher lookup: %w", err)
	}
	defer rows.Close()

	var results []Result
	for rows.Next() {
		var rec TeacherRecord
		if err := rows.Scan(&rec.ID, &rec.UnitID, &rec.Name, &rec.Instrument, &rec.Active); err != nil {
			return nil, fmt.Errorf("scan teacher hit: %w", err)
		}
		results = append(results, Result{
			ID:    rec.ID,
			Label: rec.Name,
			Record: map[string]any{
				"id":         rec.ID,
				"unit_id":    rec.UnitID,
				"name":       rec.Name,
				"instrument": rec.Instrument,
				"active":     rec.Active,
			},
		})
	}
	return results, rows.Err()
}

// LoadAllRecords returns every indexable row for a full reindex.
func (p *PgLike) LoadAllRecords(ctx context.Context) ([]StudentRecord, []TeacherRecord, error) {
	studentRows, err := p.db.QueryContext(ctx, `
		SELECT id, unit_id, name, status, instrument, monthly_fee
		FROM students
		WHERE status <> 'cancelled'
	`)
	if err != nil {
		return nil, nil, fmt.Errorf("load students: %w", err)
	}
	defer studentRows.Close()

	students := make([]StudentRecord, 0)
	for studentRows.Next() {
		var s StudentRecord
		if err := studentRows.Scan(&s.ID, &s.UnitID, &s.Name, &s.Status, &s.Instrument, &s.MonthlyFee); err != nil {
			return nil, nil, fmt.Errorf("scan student: %w", err)
		}
		students = append(students, s)
	}
	if err := studentRows.Err(); err != nil {
		return nil, nil, fmt.Errorf("iterate students: %w", err)
	}

	teacherRows, err := p.db.QueryContext(ctx, `
		SELECT id, unit_id, name, instrument, active
		FROM teachers
		WHERE active
	`)
	if err != nil {
		return nil, nil, fmt.Errorf("load teachers: %w", err)
	}
	defer teacherRows.Close()

	teachers := make([]TeacherRecord, 0)
	for teacherRows.Next() {
		var t TeacherRecord
		if err := teacherRows.Scan(&t.ID, &t.UnitID, &t.Name, &t.Instrument, &t.Active); err != nil {
			return nil, nil, fmt.Errorf("scan teacher: %w", err)
		}
		teachers = append(teachers, t)
	}
	if err := teacherRows.Err(); err != nil {
		return nil, nil, fmt.Errorf("iterate teachers: %w", err)
	}

	return students, teachers, nil
}
