package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"regexp"
	"sort"
	"strconv"
	"strings"
	"time"

	"compasso/api/internal/report"
)

var ErrNotFound = errors.New("record not found")

type PostgresStore struct {
	db *sql.DB
}

func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (s *PostgresStore) DB() *sql.DB {
	return s.db
}

func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// ---------------------------------------------------------------------------
// Generic record operations (sheet CRUD)

// sheetTables is the set of tables the generic CRUD surface may touch. The
// grid's kind registry routes rows here; anything else is rejected before any
// SQL is built.
var sheetTables = map[string]struct{}{
	"commercial_events": {},
	"retention_events":  {},
	"renewal_events":    {},
}

var identPattern = regexp.MustCompile(`^[a-z][a-z0-9_]*$`)

func checkTable(table string) error {
	if _, ok := sheetTables[table]; !ok {
		return fmt.Errorf("table %q is not writable through the record store", table)
	}
	return nil
}

func checkIdent(name string) error {
	if !identPattern.MatchString(name) {
		return fmt.Errorf("invalid identifier %q", name)
	}
	return nil
}

// CondOp is a simple filter operator: equality, range bounds, or ILIKE.
type CondOp string

const (
	CondEq    CondOp = "="
	CondGte   CondOp = ">="
	CondLte   CondOp = "<="
	CondILike CondOp = "ILIKE"
)

type Cond struct {
	Field string
	Op    CondOp
	Value any
}

// BuildWhere renders conditions into a WHERE fragment with positional args
// starting at argn. Exported for the search fallback; pure, so it is testable
// without a database.
func BuildWhere(conds []Cond, argn int) (string, []any, error) {
	if len(conds) == 0 {
		return "", nil, nil
	}
	clauses := make([]string, 0, len(conds))
	args := make([]any, 0, len(conds))
	for _, cond := range conds {
		if err := checkIdent(cond.Field); err != nil {
			return "", nil, err
		}
		switch cond.Op {
		case CondEq, CondGte, CondLte, CondILike:
		default:
			return "", nil, fmt.Errorf("unsupported operator %q", cond.Op)
		}
		clauses = append(clauses, fmt.Sprintf("%s %s $%d", cond.Field, cond.Op, argn))
		args = append(args, cond.Value)
		argn++
	}
	return " WHERE " + strings.Join(clauses, " AND "), args, nil
}

func (s *PostgresStore) QueryRecords(ctx context.Context, table string, conds []Cond) ([]Fields, error) {
	if err := checkTable(table); err != nil {
		return nil, err
	}
	where, args, err := BuildWhere(conds, 1)
	if err != nil {
		return nil, err
	}

	query := "SELECT * FROM " + table + where + " ORDER BY event_date DESC, id DESC"
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query %s: %w", table, err)
	}
	defer rows.Close()
	return scanAll(rows)
}

func (s *PostgresStore) Insert(ctx context.Context, table string, fields map[string]any) (map[string]any, error) {
	if err := checkTable(table); err != nil {
		return nil, err
	}
	if len(fields) == 0 {
		return nil, fmt.Errorf("insert into %s: no fields", table)
	}

	names := make([]string, 0, len(fields))
	for name := range fields {
		if err := checkIdent(name); err != nil {
			return nil, err
		}
		names = append(names, name)
	}
	sort.Strings(names)

	placeholders := make([]string, len(names))
	args := make([]any, len(names))
	for i, name := range names {
		placeholders[i] = "$" + strconv.Itoa(i+1)
		args[i] = fields[name]
	}

	query := fmt.Sprintf(
		"INSERT INTO %s (%s) VALUES (%s) RETURNING *",
		table, strings.Join(names, ", "), strings.Join(placeholders, ", "),
	)
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("insert into %s: %w", table, err)
	}
	defer rows.Close()
	records, err := scanAll(rows)
	if err != nil {
		return nil, err
	}
	if len(records) == 0 {
		return nil, fmt.Errorf("insert into %s: no record returned", table)
	}
	return records[0], nil
}

func (s *PostgresStore) Update(ctx context.Context, table string, id int64, fields map[string]any) (map[string]any, error) {
	if err := checkTable(table); err != nil {
		return nil, err
	}
	if len(fields) == 0 {
		return nil, fmt.Errorf("update %s: no fields", table)
	}

	names := make([]string, 0, len(fields))
	for name := range fields {
		if err := checkIdent(name); err != nil {
			return nil, err
		}
		names = append(names, name)
	}
	sort.Strings(names)

	sets := make([]string, len(names))
	args := make([]any, 0, len(names)+1)
	for i, name := range names {
		sets[i] = fmt.Sprintf("%s = $%d", name, i+1)
		args = append(args, fields[name])
	}
	args = append(args, id)

	query := fmt.Sprintf(
		"UPDATE %s SET %s WHERE id = $%d RETURNING *",
		table, strings.Join(sets, ", "), len(names)+1,
	)
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("update %s: %w", table, err)
	}
	defer rows.Close()
	records, err := scanAll(rows)
	if err != nil {
		return nil, err
	}
	if len(records) == 0 {
		return nil, fmt.Errorf("update %s id=%d: %w", table, id, ErrNotFound)
	}
	return records[0], nil
}

func (s *PostgresStore) Delete(ctx context.Context, table string, id int64) error {
	if err := checkTable(table); err != nil {
		return err
	}
	res, err := s.db.ExecContext(ctx, "DELETE FROM "+table+" WHERE id = $1", id)
	if err != nil {
		return fmt.Errorf("delete from %s: %w", table, err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("delete from %s: %w", table, err)
	}
	if affected == 0 {
		return fmt.Errorf("delete from %s id=%d: %w", table, id, ErrNotFound)
	}
	return nil
}

func scanAll(rows *sql.Rows) ([]Fields, error) {
	columns, err := rows.Columns()
	if err != nil {
		return nil, fmt.Errorf("read columns: %w", err)
	}
	var out []Fields
	for rows.Next() {
		values := make([]any, len(columns))
		ptrs := make([]any, len(columns))
		for i := range values {
			ptrs[i] = &values[i]
		}
		if err := rows.Scan(ptrs...); err != nil {
			return nil, fmt.Errorf("scan record: %w", err)
		}
		record := make(Fields, len(columns))
		for i, col := range columns {
			if b, ok := values[i].([]byte); ok {
				record[col] = string(b)
			} else {
				record[col] = values[i]
			}
		}
		out = append(out, record)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate records: %w", err)
	}
	return out, nil
}

// ---------------------------------------------------------------------------
// Reference data

func (s *PostgresStore) Units(ctx context.Context) ([]Unit, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, name, code, active, created_at
		FROM units
		WHERE active
		ORDER BY name
	`)
	if err != nil {
		return nil, fmt.Errorf("list units: %w", err)
	}
	defer rows.Close()

	var units []Unit
	for rows.Next() {
		var u Unit
		if err := rows.Scan(&u.ID, &u.Name, &u.Code, &u.Active, &u.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan unit: %w", err)
		}
		units = append(units, u)
	}
	return units, rows.Err()
}

func (s *PostgresStore) UpdateStudentStatus(ctx context.Context, id int64, status string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE students SET status = $1, updated_at = NOW() WHERE id = $2`, status, id)
	if err != nil {
		return fmt.Errorf("update student status: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("update student status: %w", err)
	}
	if affected == 0 {
		return fmt.Errorf("student %d: %w", id, ErrNotFound)
	}
	return nil
}

// ---------------------------------------------------------------------------
// Reporting sources

// SnapshotRows reads the immutable historical source for the requested
// months. The scope contributes a predicate only when it names a unit.
func (s *PostgresStore) SnapshotRows(ctx context.Context, year int, months []int, scope report.Scope) ([]report.Row, error) {
	if len(months) == 0 {
		return nil, nil
	}

	args := []any{year}
	placeholders := make([]string, len(months))
	for i, m := range months {
		args = append(args, m)
		placeholders[i] = "$" + strconv.Itoa(len(args))
	}
	query := `
		SELECT unit_id, year, month,
			leads, trials_scheduled, trials_done, enrollments, cancellations, renewals,
			active_students, avg_ticket, churn_rate, avg_days_retained
		FROM monthly_snapshots
		WHERE year = $1 AND month IN (` + strings.Join(placeholders, ", ") + `)`
	if clause, arg, ok := scope.Predicate("unit_id", len(args)+1); ok {
		query += " AND " + clause
		args = append(args, arg)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query snapshots: %w", err)
	}
	defer rows.Close()

	var out []report.Row
	for rows.Next() {
		var snap Snapshot
		if err := rows.Scan(
			&snap.UnitID, &snap.Year, &snap.Month,
			&snap.Leads, &snap.TrialsScheduled, &snap.TrialsDone,
			&snap.Enrollments, &snap.Cancellations, &snap.Renewals,
			&snap.ActiveStudents, &snap.AvgTicket, &snap.ChurnRate, &snap.AvgDaysRetained,
		); err != nil {
			return nil, fmt.Errorf("scan snapshot: %w", err)
		}
		out = append(out, snap.ReportRow())
	}
	return out, rows.Err()
}

// LiveRows computes the in-progress month on read, one row per active unit.
func (s *PostgresStore) LiveRows(ctx context.Context, year, month int, scope report.Scope) ([]report.Row, error) {
	snaps, err := s.LiveSnapshots(ctx, year, month)
	if err != nil {
		return nil, err
	}
	var out []report.Row
	for _, snap := range snaps {
		if scope.Matches(snap.UnitID) {
			out = append(out, snap.ReportRow())
		}
	}
	return out, nil
}

// LiveSnapshots computes the full snapshot shape for the given month from the
// live tables: event counts for the month window, plus current student stock
// and fees. Month close persists exactly these rows.
func (s *PostgresStore) LiveSnapshots(ctx context.Context, year, month int) ([]Snapshot, error) {
	units, err := s.Units(ctx)
	if err != nil {
		return nil, err
	}

	start := time.Date(year, time.Month(month), 1, 0, 0, 0, 0, time.UTC)
	end := start.AddDate(0, 1, 0)

	byUnit := make(map[int64]*Snapshot, len(units))
	var order []int64
	for _, u := range units {
		byUnit[u.ID] = &Snapshot{UnitID: u.ID, Year: year, Month: month}
		order = append(order, u.ID)
	}

	// Student stock and average fee, by unit.
	stockRows, err := s.db.QueryContext(ctx, `
		SELECT unit_id,
			COUNT(*) FILTER (WHERE status = 'active'),
			COALESCE(AVG(monthly_fee) FILTER (WHERE status = 'active'), 0)
		FROM students
		GROUP BY unit_id
	`)
	if err != nil {
		return nil, fmt.Errorf("query student stock: %w", err)
	}
	defer stockRows.Close()
	for stockRows.Next() {
		var unitID int64
		var active int
		var avgFee float64
		if err := stockRows.Scan(&unitID, &active, &avgFee); err != nil {
			return nil, fmt.Errorf("scan student stock: %w", err)
		}
		if snap, ok := byUnit[unitID]; ok {
			snap.ActiveStudents = active
			snap.AvgTicket = decimalFromFloat(avgFee)
		}
	}
	if err := stockRows.Err(); err != nil {
		return nil, fmt.Errorf("iterate student stock: %w", err)
	}

	// Commercial flow for the month window, by unit and kind.
	commRows, err := s.db.QueryContext(ctx, `
		SELECT unit_id, kind, COALESCE(SUM(quantity), 0)
		FROM commercial_events
		WHERE event_date >= $1 AND event_date < $2
		GROUP BY unit_id, kind
	`, start, end)
	if err != nil {
		return nil, fmt.Errorf("query commercial events: %w", err)
	}
	defer commRows.Close()
	for commRows.Next() {
		var unitID int64
		var kind string
		var total int
		if err := commRows.Scan(&unitID, &kind, &total); err != nil {
			return nil, fmt.Errorf("scan commercial events: %w", err)
		}
		snap, ok := byUnit[unitID]
		if !ok {
			continue
		}
		switch kind {
		case "lead":
			snap.Leads = total
		case "trial_scheduled":
			snap.TrialsScheduled = total
		case "trial_done":
			snap.TrialsDone = total
		case "enrollment":
			snap.Enrollments = total
		}
	}
	if err := commRows.Err(); err != nil {
		return nil, fmt.Errorf("iterate commercial events: %w", err)
	}

	// Retention flow for the month window. Days retained only exists on
	// cancellation rows.
	retRows, err := s.db.QueryContext(ctx, `
		SELECT unit_id, kind, COUNT(*), COALESCE(AVG(days_retained), 0)
		FROM retention_events
		WHERE event_date >= $1 AND event_date < $2
		GROUP BY unit_id, kind
	`, start, end)
	if err != nil {
		return nil, fmt.Errorf("query retention events: %w", err)
	}
	defer retRows.Close()
	for retRows.Next() {
		var unitID int64
		var kind string
		var count int
		var avgDays float64
		if err := retRows.Scan(&unitID, &kind, &count, &avgDays); err != nil {
			return nil, fmt.Errorf("scan retention events: %w", err)
		}
		snap, ok := byUnit[unitID]
		if !ok {
			continue
		}
		if kind == "cancellation" {
			snap.Cancellations = count
			snap.AvgDaysRetained = avgDays
		}
	}
	if err := retRows.Err(); err != nil {
		return nil, fmt.Errorf("iterate retention events: %w", err)
	}

	renRows, err := s.db.QueryContext(ctx, `
		SELECT unit_id, COUNT(*)
		FROM renewal_events
		WHERE event_date >= $1 AND event_date < $2
		GROUP BY unit_id
	`, start, end)
	if err != nil {
		return nil, fmt.Errorf("query renewal events: %w", err)
	}
	defer renRows.Close()
	for renRows.Next() {
		var unitID int64
		var count int
		if err := renRows.Scan(&unitID, &count); err != nil {
			return nil, fmt.Errorf("scan renewal events: %w", err)
		}
		if snap, ok := byUnit[unitID]; ok {
			snap.Renewals = count
		}
	}
	if err := renRows.Err(); err != nil {
		return nil, fmt.Errorf("iterate renewal events: %w", err)
	}

	out := make([]Snapshot, 0, len(order))
	for _, unitID := range order {
		snap := byUnit[unitID]
		if snap.ActiveStudents > 0 {
			snap.ChurnRate = float64(snap.Cancellations) / float64(snap.ActiveStudents) * 100
		}
		out = append(out, *snap)
	}
	return out, nil
}

// InsertSnapshot writes one monthly totals row. A row already present for the
// (unit, year, month) key is left untouched: snapshots are immutable once
// written.
func (s *PostgresStore) InsertSnapshot(ctx context.Context, snap Snapshot) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO monthly_snapshots (
			unit_id, year, month,
			leads, trials_scheduled, trials_done, enrollments, cancellations, renewals,
			active_students, avg_ticket, churn_rate, avg_days_retained
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)
		ON CONFLICT (unit_id, year, month) DO NOTHING
	`,
		snap.UnitID, snap.Year, snap.Month,
		snap.Leads, snap.TrialsScheduled, snap.TrialsDone,
		snap.Enrollments, snap.Cancellations, snap.Renewals,
		snap.ActiveStudents, snap.AvgTicket, snap.ChurnRate, snap.AvgDaysRetained,
	)
	if err != nil {
		return fmt.Errorf("insert snapshot %d/%d unit=%d: %w", snap.Year, snap.Month, snap.UnitID, err)
	}
	return nil
}
