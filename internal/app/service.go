package app

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"

	"compasso/api/internal/export"
	"compasso/api/internal/grid"
	"compasso/api/internal/report"
	"compasso/api/internal/search"
	"compasso/api/internal/store"
)

// dataStore is the persistence surface the service needs. *store.PostgresStore
// satisfies it; tests substitute fakes.
type dataStore interface {
	QueryRecords(ctx context.Context, table string, conds []store.Cond) ([]store.Fields, error)
	Insert(ctx context.Context, table string, fields map[string]any) (map[string]any, error)
	Update(ctx context.Context, table string, id int64, fields map[string]any) (map[string]any, error)
	Delete(ctx context.Context, table string, id int64) error
	Units(ctx context.Context) ([]store.Unit, error)
	UpdateStudentStatus(ctx context.Context, id int64, status string) error
	SnapshotRows(ctx context.Context, year int, months []int, scope report.Scope) ([]report.Row, error)
	LiveRows(ctx context.Context, year, month int, scope report.Scope) ([]report.Row, error)
	LiveSnapshots(ctx context.Context, year, month int) ([]store.Snapshot, error)
	InsertSnapshot(ctx context.Context, snap store.Snapshot) error
	Ping(ctx context.Context) error
}

type reportCache interface {
	Get(ctx context.Context, q report.PeriodQuery, scope report.Scope) (report.MetricSet, bool)
	Set(ctx context.Context, q report.PeriodQuery, scope report.Scope, set report.MetricSet) error
	Invalidate(ctx context.Context) error
}

type entitySearcher interface {
	Search(ctx context.Context, q search.Query) search.Response
	DeleteStudent(id int64)
}

type workbookArchive interface {
	EnsureBucket(ctx context.Context) error
	Put(ctx context.Context, objectName string, res *export.Result) error
}

// Service implements every operation behind the HTTP surface: the dashboard
// aggregation, the two editable sheets, entity lookup and month close.
type Service struct {
	store   dataStore
	search  entitySearcher
	cache   reportCache
	archive workbookArchive
	log     *logrus.Logger
	now     func() time.Time
	sheets  map[string]grid.Registry
}

func NewService(store dataStore, search entitySearcher, log *logrus.Logger) *Service {
	return &Service{
		store:  store,
		search: search,
		log:    log,
		now:    time.Now,
		sheets: map[string]grid.Registry{
			"commercial": grid.CommercialSheet(),
			"retention":  grid.RetentionSheet(),
		},
	}
}

// SetReportCache enables report memoization. Without it every dashboard
// request recomputes from the database.
func (s *Service) SetReportCache(cache reportCache) {
	s.cache = cache
}

// SetArchive enables workbook archiving at month close.
func (s *Service) SetArchive(archive workbookArchive) {
	s.archive = archive
}

// SetClock injects "now" for deterministic tests.
func (s *Service) SetClock(now func() time.Time) {
	s.now = now
}

func (s *Service) Ping(ctx context.Context) error {
	return s.store.Ping(ctx)
}

func (s *Service) Units(ctx context.Context) ([]store.Unit, error) {
	return s.store.Units(ctx)
}

// DashboardResponse is the consolidated view for one period and scope.
type DashboardResponse struct {
	Mode    report.Mode      `json:"mode"`
	Year    int              `json:"year"`
	Months  []int            `json:"months"`
	Scope   string           `json:"scope"`
	Metrics report.MetricSet `json:"metrics"`
	Cached  bool             `json:"cached"`
}

// Dashboard resolves the period, fetches from the authoritative source and
// consolidates. An invalid period still returns a renderable response: every
// metric carries the no-data sentinel next to the error.
func (s *Service) Dashboard(ctx context.Context, q report.PeriodQuery, scope report.Scope) (DashboardResponse, error) {
	resp := DashboardResponse{
		Year:    q.Year,
		Scope:   scope.Key(),
		Metrics: report.NoDataSet(report.Metrics, report.Derived),
	}

	res, err := report.Resolve(s.now(), q)
	if err != nil {
		return resp, domainError(http.StatusBadRequest, "INVALID_PERIOD", err.Error(), nil)
	}
	resp.Mode = res.Mode
	resp.Months = res.Months

	if s.cache != nil && res.Mode == report.ModeHistorical {
		if set, ok := s.cache.Get(ctx, q, scope); ok {
			resp.Metrics = set
			resp.Cached = true
			return resp, nil
		}
	}

	rows, err := s.fetchRows(ctx, q, res, scope)
	if err != nil {
		s.log.WithError(err).Error("dashboard fetch failed")
		return resp, domainError(http.StatusInternalServerError, "REPORT_FETCH_FAILED", "could not load report data", nil)
	}

	resp.Metrics = report.Consolidate(report.Metrics, report.Derived, rows)
	if s.cache != nil && res.Mode == report.ModeHistorical {
		if err := s.cache.Set(ctx, q, scope, resp.Metrics); err != nil {
			s.log.WithError(err).Warn("report cache write failed")
		}
	}
	return resp, nil
}

// fetchRows reads the resolved source. Historical mode reads snapshots only;
// when the requested range has no snapshot rows at all and still reaches the
// in-progress month, the live source fills in so a fresh reporting year is
// never blank on first load. A range with any closed month stays pure
// snapshot data, keeping consolidated numbers reproducible.
func (s *Service) fetchRows(ctx context.Context, q report.PeriodQuery, res report.Resolution, scope report.Scope) ([]report.Row, error) {
	now := s.now()
	if res.Mode == report.ModeCurrent {
		return s.store.LiveRows(ctx, q.Year, int(now.Month()), scope)
	}

	rows, err := s.store.SnapshotRows(ctx, q.Year, res.Months, scope)
	if err != nil {
		return nil, err
	}

	if len(rows) == 0 &&
		q.Year == now.Year() &&
		q.MonthStart <= int(now.Month()) && int(now.Month()) <= q.MonthEnd {
		return s.store.LiveRows(ctx, q.Year, int(now.Month()), scope)
	}
	return rows, nil
}

func (s *Service) registry(sheet string) (grid.Registry, *DomainError) {
	reg, ok := s.sheets[sheet]
	if !ok {
		return grid.Registry{}, domainError(http.StatusNotFound, "UNKNOWN_SHEET", fmt.Sprintf("unknown sheet %q", sheet), nil)
	}
	return reg, nil
}

// SheetRows lists persisted rows for one sheet, newest first per table. A
// sheet spanning several tables returns the concatenation.
func (s *Service) SheetRows(ctx context.Context, sheet string, unitID int64, from, to string) ([]store.Fields, error) {
	reg, derr := s.registry(sheet)
	if derr != nil {
		return nil, derr
	}

	var conds []store.Cond
	if unitID != 0 {
		conds = append(conds, store.Cond{Field: "unit_id", Op: store.CondEq, Value: unitID})
	}
	if from != "" {
		conds = append(conds, store.Cond{Field: "event_date", Op: store.CondGte, Value: from})
	}
	if to != "" {
		conds = append(conds, store.Cond{Field: "event_date", Op: store.CondLte, Value: to})
	}

	var rows []store.Fields
	for _, table := range reg.Tables() {
		records, err := s.store.QueryRecords(ctx, table, conds)
		if err != nil {
			s.log.WithError(err).WithField("table", table).Error("sheet query failed")
			return nil, domainError(http.StatusInternalServerError, "SHEET_QUERY_FAILED", "could not load sheet rows", nil)
		}
		rows = append(rows, records...)
	}
	if rows == nil {
		rows = []store.Fields{}
	}
	return rows, nil
}

// SaveSheetRow persists one row: a create when id is nil, an update
// otherwise. The kind decides the target table and which fields survive.
// Retention kinds also move the linked student to the matching status; a
// failure there does not undo the saved row.
func (s *Service) SaveSheetRow(ctx context.Context, sheet, kind string, id *int64, fields map[string]any) (map[string]any, error) {
	reg, derr := s.registry(sheet)
	if derr != nil {
		return nil, derr
	}

	payload, err := reg.BuildPayload(kind, fields)
	if err != nil {
		return nil, domainError(http.StatusBadRequest, "UNKNOWN_KIND", err.Error(), nil)
	}
	if spec, _ := reg.Spec(kind); spec.ForcedQuantity > 0 {
		payload["quantity"] = spec.ForcedQuantity
	}
	payload["updated_at"] = s.now().UTC()

	table, err := reg.TableFor(kind)
	if err != nil {
		return nil, domainError(http.StatusBadRequest, "UNKNOWN_KIND", err.Error(), nil)
	}

	var record map[string]any
	if id == nil {
		record, err = s.store.Insert(ctx, table, payload)
	} else {
		record, err = s.store.Update(ctx, table, *id, payload)
	}
	if err != nil {
		s.log.WithError(err).WithFields(logrus.Fields{"sheet": sheet, "kind": kind}).Error("sheet save failed")
		return nil, domainError(http.StatusInternalServerError, "SAVE_FAILED", "could not save row", nil)
	}

	if status := studentStatusFor(kind); status != "" {
		if studentID, ok := toInt64(payload["student_id"]); ok {
			if err := s.store.UpdateStudentStatus(ctx, studentID, status); err != nil {
				s.log.WithError(err).WithField("student_id", studentID).Error("student status update failed after save")
				return record, domainError(http.StatusInternalServerError, "STATUS_UPDATE_FAILED",
					"row saved, but the student status was not updated", map[string]any{"record": record})
			}
			if status == "cancelled" && s.search != nil {
				s.search.DeleteStudent(studentID)
			}
		}
	}

	return record, nil
}

// studentStatusFor maps retention kinds to the student status they imply.
func studentStatusFor(kind string) string {
	switch kind {
	case "cancellation":
		return "cancelled"
	case "notice":
		return "notice"
	case "renewal":
		return "active"
	default:
		return ""
	}
}

// DeleteSheetRow removes one persisted row.
func (s *Service) DeleteSheetRow(ctx context.Context, sheet, kind string, id int64) error {
	reg, derr := s.registry(sheet)
	if derr != nil {
		return derr
	}
	table, err := reg.TableFor(kind)
	if err != nil {
		return domainError(http.StatusBadRequest, "UNKNOWN_KIND", err.Error(), nil)
	}
	if err := s.store.Delete(ctx, table, id); err != nil {
		if strings.Contains(err.Error(), "not found") {
			return domainError(http.StatusNotFound, "ROW_NOT_FOUND", "row not found", nil)
		}
		s.log.WithError(err).WithFields(logrus.Fields{"sheet": sheet, "kind": kind, "id": id}).Error("sheet delete failed")
		return domainError(http.StatusInternalServerError, "DELETE_FAILED", "could not delete row", nil)
	}
	return nil
}

// SearchEntities runs an autocomplete lookup. Terms shorter than two
// characters return an empty result without touching any backend.
func (s *Service) SearchEntities(ctx context.Context, q search.Query) search.Response {
	if len(strings.TrimSpace(q.Term)) < 2 {
		return search.Response{Results: []search.Result{}, Query: q.Term}
	}
	return s.search.Search(ctx, q)
}

// CloseMonthResult reports what a month close did.
type CloseMonthResult struct {
	Year     int    `json:"year"`
	Month    int    `json:"month"`
	Units    int    `json:"units"`
	Archived bool   `json:"archived"`
	Filename string `json:"filename,omitempty"`
}

// CloseMonth freezes one month: it computes the live totals per unit, writes
// them as immutable snapshot rows, archives a workbook of the closed numbers
// and drops the report cache. Re-closing a month leaves existing snapshot
// rows untouched.
func (s *Service) CloseMonth(ctx context.Context, year, month int) (CloseMonthResult, error) {
	result := CloseMonthResult{Year: year, Month: month}
	if month < 1 || month > 12 || year < 2000 || year > 2100 {
		return result, domainError(http.StatusBadRequest, "INVALID_PERIOD", fmt.Sprintf("invalid month %d/%d", year, month), nil)
	}

	snaps, err := s.store.LiveSnapshots(ctx, year, month)
	if err != nil {
		s.log.WithError(err).Error("month close: live totals failed")
		return result, domainError(http.StatusInternalServerError, "CLOSE_FAILED", "could not compute month totals", nil)
	}

	for _, snap := range snaps {
		if err := s.store.InsertSnapshot(ctx, snap); err != nil {
			s.log.WithError(err).WithField("unit_id", snap.UnitID).Error("month close: snapshot write failed")
			return result, domainError(http.StatusInternalServerError, "CLOSE_FAILED", "could not persist month totals", nil)
		}
		result.Units++
	}

	if s.archive != nil {
		res, err := s.buildWorkbook(ctx, year, month, snaps)
		if err != nil {
			s.log.WithError(err).Warn("month close: workbook build failed")
		} else if err := s.archiveWorkbook(ctx, year, month, res); err != nil {
			s.log.WithError(err).Warn("month close: archive failed")
		} else {
			result.Archived = true
			result.Filename = res.Filename
		}
	}

	if s.cache != nil {
		if err := s.cache.Invalidate(ctx); err != nil {
			s.log.WithError(err).Warn("month close: cache invalidation failed")
		}
	}

	s.log.WithFields(logrus.Fields{"year": year, "month": month, "units": result.Units}).Info("month closed")
	return result, nil
}

func (s *Service) buildWorkbook(ctx context.Context, year, month int, snaps []store.Snapshot) (*export.Result, error) {
	rows := make([]report.Row, len(snaps))
	for i, snap := range snaps {
		rows[i] = snap.ReportRow()
	}
	set := report.Consolidate(report.Metrics, report.Derived, rows)

	names, err := s.unitNames(ctx)
	if err != nil {
		return nil, err
	}
	title := fmt.Sprintf("Compasso %04d-%02d", year, month)
	return export.BuildReportWorkbook(title, set, snaps, names)
}

func (s *Service) archiveWorkbook(ctx context.Context, year, month int, res *export.Result) error {
	if err := s.archive.EnsureBucket(ctx); err != nil {
		return err
	}
	object := fmt.Sprintf("closes/%04d/%02d/%s", year, month, res.Filename)
	return s.archive.Put(ctx, object, res)
}

// ExportReport renders the consolidated report for any period and scope as a
// downloadable workbook.
func (s *Service) ExportReport(ctx context.Context, q report.PeriodQuery, scope report.Scope) (*export.Result, error) {
	res, err := report.Resolve(s.now(), q)
	if err != nil {
		return nil, domainError(http.StatusBadRequest, "INVALID_PERIOD", err.Error(), nil)
	}

	rows, err := s.fetchRows(ctx, q, res, scope)
	if err != nil {
		s.log.WithError(err).Error("export fetch failed")
		return nil, domainError(http.StatusInternalServerError, "REPORT_FETCH_FAILED", "could not load report data", nil)
	}
	set := report.Consolidate(report.Metrics, report.Derived, rows)

	snaps := make([]store.Snapshot, len(rows))
	for i, row := range rows {
		snaps[i] = snapshotFromRow(row)
	}
	names, err := s.unitNames(ctx)
	if err != nil {
		s.log.WithError(err).Error("export unit list failed")
		return nil, domainError(http.StatusInternalServerError, "REPORT_FETCH_FAILED", "could not load unit list", nil)
	}

	title := fmt.Sprintf("Compasso %d-%02d..%02d %s", q.Year, q.MonthStart, q.MonthEnd, scope.Key())
	result, err := export.BuildReportWorkbook(title, set, snaps, names)
	if err != nil {
		s.log.WithError(err).Error("export workbook build failed")
		return nil, domainError(http.StatusInternalServerError, "EXPORT_FAILED", "could not build workbook", nil)
	}
	return result, nil
}

func (s *Service) unitNames(ctx context.Context) (map[int64]string, error) {
	units, err := s.store.Units(ctx)
	if err != nil {
		return nil, err
	}
	names := make(map[int64]string, len(units))
	for _, u := range units {
		names[u.ID] = u.Name
	}
	return names, nil
}

func snapshotFromRow(row report.Row) store.Snapshot {
	v := row.Values
	return store.Snapshot{
		UnitID:          row.UnitID,
		Year:            row.Year,
		Month:           row.Month,
		Leads:           int(v[report.MetricLeads]),
		TrialsScheduled: int(v[report.MetricTrialsScheduled]),
		TrialsDone:      int(v[report.MetricTrialsDone]),
		Enrollments:     int(v[report.MetricEnrollments]),
		Cancellations:   int(v[report.MetricCancellations]),
		Renewals:        int(v[report.MetricRenewals]),
		ActiveStudents:  int(v[report.MetricActiveStudents]),
		AvgTicket:       decimal.NewFromFloat(v[report.MetricAvgTicket]).Round(2),
		ChurnRate:       v[report.MetricChurnRate],
		AvgDaysRetained: v[report.MetricDaysRetained],
	}
}

func toInt64(v any) (int64, bool) {
	switch n := v.(type) {
	case int64:
		return n, true
	case int:
		return int64(n), true
	case int32:
		return int64(n), true
	case float64:
		return int64(n), true
	default:
		return 0, false
	}
}
