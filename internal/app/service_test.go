package app

import (
	"context"
	"errors"
	"io"
	"net/http"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"

	"compasso/api/internal/export"
	"compasso/api/internal/report"
	"compasso/api/internal/search"
	"compasso/api/internal/store"
)

type fakeDataStore struct {
	queryRecordsFn        func(ctx context.Context, table string, conds []store.Cond) ([]store.Fields, error)
	insertFn              func(ctx context.Context, table string, fields map[string]any) (map[string]any, error)
	updateFn              func(ctx context.Context, table string, id int64, fields map[string]any) (map[string]any, error)
	deleteFn              func(ctx context.Context, table string, id int64) error
	unitsFn               func(ctx context.Context) ([]store.Unit, error)
	updateStudentStatusFn func(ctx context.Context, id int64, status string) error
	snapshotRowsFn        func(ctx context.Context, year int, months []int, scope report.Scope) ([]report.Row, error)
	liveRowsFn            func(ctx context.Context, year, month int, scope report.Scope) ([]report.Row, error)
	liveSnapshotsFn       func(ctx context.Context, year, month int) ([]store.Snapshot, error)
	insertSnapshotFn      func(ctx context.Context, snap store.Snapshot) error

	snapshotCalls int
	liveCalls     int
}

func (f *fakeDataStore) QueryRecords(ctx context.Context, table string, conds []store.Cond) ([]store.Fields, error) {
	if f.queryRecordsFn != nil {
		return f.queryRecordsFn(ctx, table, conds)
	}
	return nil, nil
}

func (f *fakeDataStore) Insert(ctx context.Context, table string, fields map[string]any) (map[string]any, error) {
	if f.insertFn != nil {
		return f.insertFn(ctx, table, fields)
	}
	out := map[string]any{"id": int64(1)}
	for k, v := range fields {
		out[k] = v
	}
	return out, nil
}

func (f *fakeDataStore) Update(ctx context.Context, table string, id int64, fields map[string]any) (map[string]any, error) {
	if f.updateFn != nil {
		return f.updateFn(ctx, table, id, fields)
	}
	out := map[string]any{"id": id}
	for k, v := range fields {
		out[k] = v
	}
	return out, nil
}

func (f *fakeDataStore) Delete(ctx context.Context, table string, id int64) error {
	if f.deleteFn != nil {
		return f.deleteFn(ctx, table, id)
	}
	return nil
}

func (f *fakeDataStore) Units(ctx context.Context) ([]store.Unit, error) {
	if f.unitsFn != nil {
		return f.unitsFn(ctx)
	}
	return []store.Unit{{ID: 1, Name: "Centro"}, {ID: 2, Name: "Zona Sul"}}, nil
}

func (f *fakeDataStore) UpdateStudentStatus(ctx context.Context, id int64, status string) error {
	if f.updateStudentStatusFn != nil {
		return f.updateStudentStatusFn(ctx, id, status)
	}
	return nil
}

func (f *fakeDataStore) SnapshotRows(ctx context.Context, year int, months []int, scope report.Scope) ([]report.Row, error) {
	f.snapshotCalls++
	if f.snapshotRowsFn != nil {
		return f.snapshotRowsFn(ctx, year, months, scope)
	}
	return nil, nil
}

func (f *fakeDataStore) LiveRows(ctx context.Context, year, month int, scope report.Scope) ([]report.Row, error) {
	f.liveCalls++
	if f.liveRowsFn != nil {
		return f.liveRowsFn(ctx, year, month, scope)
	}
	return nil, nil
}

func (f *fakeDataStore) LiveSnapshots(ctx context.Context, year, month int) ([]store.Snapshot, error) {
	if f.liveSnapshotsFn != nil {
		return f.liveSnapshotsFn(ctx, year, month)
	}
	return nil, nil
}

func (f *fakeDataStore) InsertSnapshot(ctx context.Context, snap store.Snapshot) error {
	if f.insertSnapshotFn != nil {
		return f.insertSnapshotFn(ctx, snap)
	}
	return nil
}

func (f *fakeDataStore) Ping(ctx context.Context) error { return nil }

type fakeSearcher struct {
	searchFn func(ctx context.Context, q search.Query) search.Response
	deleted  []int64
}

func (f *fakeSearcher) Search(ctx context.Context, q search.Query) search.Response {
	if f.searchFn != nil {
		return f.searchFn(ctx, q)
	}
	return search.Response{Results: []search.Result{}, Query: q.Term}
}

func (f *fakeSearcher) DeleteStudent(id int64) {
	f.deleted = append(f.deleted, id)
}

type fakeCache struct {
	getFn       func(q report.PeriodQuery, scope report.Scope) (report.MetricSet, bool)
	sets        int
	invalidated int
}

func (f *fakeCache) Get(_ context.Context, q report.PeriodQuery, scope report.Scope) (report.MetricSet, bool) {
	if f.getFn != nil {
		return f.getFn(q, scope)
	}
	return nil, false
}

func (f *fakeCache) Set(context.Context, report.PeriodQuery, report.Scope, report.MetricSet) error {
	f.sets++
	return nil
}

func (f *fakeCache) Invalidate(context.Context) error {
	f.invalidated++
	return nil
}

type fakeArchive struct {
	objects []string
	putErr  error
}

func (f *fakeArchive) EnsureBucket(context.Context) error { return nil }

func (f *fakeArchive) Put(_ context.Context, objectName string, _ *export.Result) error {
	if f.putErr != nil {
		return f.putErr
	}
	f.objects = append(f.objects, objectName)
	return nil
}

func quietLogger() *logrus.Logger {
	log := logrus.New()
	log.SetOutput(io.Discard)
	return log
}

func newTestService(ds *fakeDataStore) *Service {
	svc := NewService(ds, &fakeSearcher{}, quietLogger())
	svc.SetClock(func() time.Time {
		return time.Date(2026, time.March, 15, 10, 0, 0, 0, time.UTC)
	})
	return svc
}

func monthRow(unit int64, year, month int, leads float64) report.Row {
	return report.Row{
		UnitID: unit, Year: year, Month: month,
		Values: map[string]float64{report.MetricLeads: leads},
	}
}

func TestDashboardCurrentMonthReadsLiveSource(t *testing.T) {
	ds := &fakeDataStore{
		liveRowsFn: func(_ context.Context, year, month int, _ report.Scope) ([]report.Row, error) {
			if year != 2026 || month != 3 {
				t.Fatalf("live fetch for %d/%d", year, month)
			}
			return []report.Row{monthRow(1, 2026, 3, 12)}, nil
		},
	}
	svc := newTestService(ds)

	resp, err := svc.Dashboard(context.Background(), report.PeriodQuery{Year: 2026, MonthStart: 3, MonthEnd: 3}, report.AllUnits())
	if err != nil {
		t.Fatalf("Dashboard: %v", err)
	}
	if resp.Mode != report.ModeCurrent {
		t.Fatalf("mode = %v", resp.Mode)
	}
	if ds.snapshotCalls != 0 || ds.liveCalls != 1 {
		t.Fatalf("calls = snapshots %d, live %d", ds.snapshotCalls, ds.liveCalls)
	}
	if resp.Metrics[report.MetricLeads].Value != 12 {
		t.Fatalf("leads = %v", resp.Metrics[report.MetricLeads])
	}
}

func TestDashboardHistoricalReadsSnapshots(t *testing.T) {
	ds := &fakeDataStore{
		snapshotRowsFn: func(_ context.Context, year int, months []int, _ report.Scope) ([]report.Row, error) {
			if year != 2025 || len(months) != 2 {
				t.Fatalf("snapshot fetch %d %v", year, months)
			}
			return []report.Row{monthRow(1, 2025, 1, 30), monthRow(1, 2025, 2, 40)}, nil
		},
	}
	svc := newTestService(ds)

	resp, err := svc.Dashboard(context.Background(), report.PeriodQuery{Year: 2025, MonthStart: 1, MonthEnd: 2}, report.AllUnits())
	if err != nil {
		t.Fatalf("Dashboard: %v", err)
	}
	if resp.Mode != report.ModeHistorical {
		t.Fatalf("mode = %v", resp.Mode)
	}
	if ds.liveCalls != 0 {
		t.Fatalf("past-year query must not touch the live source")
	}
	if resp.Metrics[report.MetricLeads].Value != 70 {
		t.Fatalf("leads = %v", resp.Metrics[report.MetricLeads])
	}
}

func TestDashboardHistoricalWithClosedMonthsStaysPureSnapshot(t *testing.T) {
	ds := &fakeDataStore{
		snapshotRowsFn: func(context.Context, int, []int, report.Scope) ([]report.Row, error) {
			return []report.Row{monthRow(1, 2026, 1, 30), monthRow(1, 2026, 2, 40)}, nil
		},
	}
	svc := newTestService(ds)

	// Q1 of the current year: January and February are closed, March is in
	// progress. Snapshot rows exist, so the result stays reproducible and the
	// live source is never consulted.
	resp, err := svc.Dashboard(context.Background(), report.PeriodQuery{Year: 2026, MonthStart: 1, MonthEnd: 3}, report.AllUnits())
	if err != nil {
		t.Fatalf("Dashboard: %v", err)
	}
	if resp.Mode != report.ModeHistorical {
		t.Fatalf("mode = %v", resp.Mode)
	}
	if ds.liveCalls != 0 {
		t.Fatalf("snapshot data present, live source must not be read")
	}
	if resp.Metrics[report.MetricLeads].Value != 70 {
		t.Fatalf("leads = %v", resp.Metrics[report.MetricLeads])
	}
	if resp.Metrics[report.MetricMonthsReported].Value != 2 {
		t.Fatalf("months reported = %v", resp.Metrics[report.MetricMonthsReported])
	}
}

func TestDashboardEmptyNewYearFallsBackToLive(t *testing.T) {
	ds := &fakeDataStore{
		liveRowsFn: func(_ context.Context, _, month int, _ report.Scope) ([]report.Row, error) {
			if month != 3 {
				t.Fatalf("live fallback for month %d", month)
			}
			return []report.Row{monthRow(1, 2026, 3, 20)}, nil
		},
	}
	svc := newTestService(ds)

	// No month closed yet this year: zero snapshot rows for the whole range,
	// and the range reaches the in-progress month, so the live source fills
	// in instead of a blank dashboard.
	resp, err := svc.Dashboard(context.Background(), report.PeriodQuery{Year: 2026, MonthStart: 1, MonthEnd: 3}, report.AllUnits())
	if err != nil {
		t.Fatalf("Dashboard: %v", err)
	}
	if ds.snapshotCalls != 1 || ds.liveCalls != 1 {
		t.Fatalf("calls = snapshots %d, live %d", ds.snapshotCalls, ds.liveCalls)
	}
	if resp.Metrics[report.MetricLeads].Value != 20 {
		t.Fatalf("leads = %v", resp.Metrics[report.MetricLeads])
	}
}

func TestDashboardEmptyPastYearStaysEmpty(t *testing.T) {
	ds := &fakeDataStore{}
	svc := newTestService(ds)

	resp, err := svc.Dashboard(context.Background(), report.PeriodQuery{Year: 2024, MonthStart: 1, MonthEnd: 12}, report.AllUnits())
	if err != nil {
		t.Fatalf("Dashboard: %v", err)
	}
	if ds.liveCalls != 0 {
		t.Fatalf("a past year must never read the live source")
	}
	if !resp.Metrics[report.MetricAvgTicket].NoData {
		t.Fatalf("empty past year averages must carry the no-data sentinel: %v", resp.Metrics[report.MetricAvgTicket])
	}
	if resp.Metrics[report.MetricLeads].Value != 0 {
		t.Fatalf("empty past year sums must be zero: %v", resp.Metrics[report.MetricLeads])
	}
}

func TestDashboardInvalidPeriodStillRenders(t *testing.T) {
	svc := newTestService(&fakeDataStore{})

	resp, err := svc.Dashboard(context.Background(), report.PeriodQuery{Year: 2026, MonthStart: 5, MonthEnd: 2}, report.AllUnits())
	if err == nil {
		t.Fatalf("inverted range must error")
	}
	var de *DomainError
	if !errors.As(err, &de) || de.Status != http.StatusBadRequest {
		t.Fatalf("err = %v", err)
	}
	for name, v := range resp.Metrics {
		if !v.NoData {
			t.Fatalf("metric %s = %v, want no-data sentinel", name, v)
		}
	}
}

func TestDashboardHistoricalCacheHitSkipsStore(t *testing.T) {
	ds := &fakeDataStore{}
	svc := newTestService(ds)
	cache := &fakeCache{
		getFn: func(report.PeriodQuery, report.Scope) (report.MetricSet, bool) {
			return report.MetricSet{report.MetricLeads: {Op: report.OpSum, Value: 99}}, true
		},
	}
	svc.SetReportCache(cache)

	resp, err := svc.Dashboard(context.Background(), report.PeriodQuery{Year: 2025, MonthStart: 1, MonthEnd: 12}, report.AllUnits())
	if err != nil {
		t.Fatalf("Dashboard: %v", err)
	}
	if !resp.Cached || resp.Metrics[report.MetricLeads].Value != 99 {
		t.Fatalf("resp = %+v", resp)
	}
	if ds.snapshotCalls != 0 || ds.liveCalls != 0 {
		t.Fatalf("cache hit must not touch the store")
	}
}

func TestDashboardCurrentModeBypassesCache(t *testing.T) {
	ds := &fakeDataStore{}
	svc := newTestService(ds)
	cache := &fakeCache{
		getFn: func(report.PeriodQuery, report.Scope) (report.MetricSet, bool) {
			t.Fatalf("current mode must not read the cache")
			return nil, false
		},
	}
	svc.SetReportCache(cache)

	if _, err := svc.Dashboard(context.Background(), report.PeriodQuery{Year: 2026, MonthStart: 3, MonthEnd: 3}, report.AllUnits()); err != nil {
		t.Fatalf("Dashboard: %v", err)
	}
	if cache.sets != 0 {
		t.Fatalf("current mode must not write the cache")
	}
}

func TestSaveCancellationAlsoCancelsStudent(t *testing.T) {
	var gotTable string
	var gotStatus string
	var gotStudent int64
	ds := &fakeDataStore{
		insertFn: func(_ context.Context, table string, fields map[string]any) (map[string]any, error) {
			gotTable = table
			out := map[string]any{"id": int64(77)}
			for k, v := range fields {
				out[k] = v
			}
			return out, nil
		},
		updateStudentStatusFn: func(_ context.Context, id int64, status string) error {
			gotStudent, gotStatus = id, status
			return nil
		},
	}
	searcher := &fakeSearcher{}
	svc := NewService(ds, searcher, quietLogger())

	record, err := svc.SaveSheetRow(context.Background(), "retention", "cancellation", nil, map[string]any{
		"unit_id":       int64(1),
		"event_date":    "2026-03-10",
		"student_id":    int64(42),
		"reason":        "moved away",
		"days_retained": 380,
	})
	if err != nil {
		t.Fatalf("SaveSheetRow: %v", err)
	}
	if gotTable != "retention_events" {
		t.Fatalf("table = %q", gotTable)
	}
	if gotStudent != 42 || gotStatus != "cancelled" {
		t.Fatalf("student status update = (%d, %q)", gotStudent, gotStatus)
	}
	if len(searcher.deleted) != 1 || searcher.deleted[0] != 42 {
		t.Fatalf("cancelled student must leave the search index: %v", searcher.deleted)
	}
	if record["id"] != int64(77) {
		t.Fatalf("record = %v", record)
	}
}

func TestSaveRenewalRoutesToItsTableAndReactivates(t *testing.T) {
	var gotTable, gotStatus string
	ds := &fakeDataStore{
		insertFn: func(_ context.Context, table string, fields map[string]any) (map[string]any, error) {
			gotTable = table
			return map[string]any{"id": int64(5)}, nil
		},
		updateStudentStatusFn: func(_ context.Context, _ int64, status string) error {
			gotStatus = status
			return nil
		},
	}
	svc := NewService(ds, &fakeSearcher{}, quietLogger())

	if _, err := svc.SaveSheetRow(context.Background(), "retention", "renewal", nil, map[string]any{
		"unit_id": int64(1), "event_date": "2026-03-02", "student_id": int64(9), "months": 12, "amount": 350.0,
	}); err != nil {
		t.Fatalf("SaveSheetRow: %v", err)
	}
	if gotTable != "renewal_events" {
		t.Fatalf("table = %q", gotTable)
	}
	if gotStatus != "active" {
		t.Fatalf("status = %q", gotStatus)
	}
}

func TestSaveStatusFailureStillReturnsSavedRecord(t *testing.T) {
	ds := &fakeDataStore{
		updateStudentStatusFn: func(context.Context, int64, string) error {
			return errors.New("db down")
		},
	}
	svc := NewService(ds, &fakeSearcher{}, quietLogger())

	record, err := svc.SaveSheetRow(context.Background(), "retention", "notice", nil, map[string]any{
		"unit_id": int64(1), "event_date": "2026-03-02", "student_id": int64(9), "leave_date": "2026-04-30",
	})
	if err == nil {
		t.Fatalf("partial failure must surface an error")
	}
	if record == nil {
		t.Fatalf("the saved row must still be returned so the client does not retry the insert")
	}
	var de *DomainError
	if !errors.As(err, &de) || de.Code != "STATUS_UPDATE_FAILED" {
		t.Fatalf("err = %v", err)
	}
}

func TestSaveEnrollmentForcesSingleQuantity(t *testing.T) {
	var gotFields map[string]any
	ds := &fakeDataStore{
		insertFn: func(_ context.Context, table string, fields map[string]any) (map[string]any, error) {
			gotFields = fields
			return map[string]any{"id": int64(1)}, nil
		},
	}
	svc := NewService(ds, &fakeSearcher{}, quietLogger())

	if _, err := svc.SaveSheetRow(context.Background(), "commercial", "enrollment", nil, map[string]any{
		"unit_id": int64(1), "event_date": "2026-03-02", "quantity": 7, "student_name": "Ana", "amount": 300.0,
	}); err != nil {
		t.Fatalf("SaveSheetRow: %v", err)
	}
	if gotFields["quantity"] != 1 {
		t.Fatalf("quantity = %v, want forced 1", gotFields["quantity"])
	}
	if gotFields["kind"] != "enrollment" {
		t.Fatalf("kind = %v", gotFields["kind"])
	}
}

func TestSheetRowsMergesEveryTableOfTheSheet(t *testing.T) {
	var tables []string
	ds := &fakeDataStore{
		queryRecordsFn: func(_ context.Context, table string, _ []store.Cond) ([]store.Fields, error) {
			tables = append(tables, table)
			return []store.Fields{{"id": int64(1), "table": table}}, nil
		},
	}
	svc := NewService(ds, &fakeSearcher{}, quietLogger())

	rows, err := svc.SheetRows(context.Background(), "retention", 0, "", "")
	if err != nil {
		t.Fatalf("SheetRows: %v", err)
	}
	if len(tables) != 2 {
		t.Fatalf("tables queried = %v, want both retention tables", tables)
	}
	if len(rows) != 2 {
		t.Fatalf("rows = %v", rows)
	}
}

func TestSearchShortTermSkipsBackend(t *testing.T) {
	searcher := &fakeSearcher{
		searchFn: func(context.Context, search.Query) search.Response {
			t.Fatalf("a one-character term must not reach the backend")
			return search.Response{}
		},
	}
	svc := NewService(&fakeDataStore{}, searcher, quietLogger())

	resp := svc.SearchEntities(context.Background(), search.Query{Entity: search.EntityStudent, Term: " a "})
	if len(resp.Results) != 0 {
		t.Fatalf("results = %v", resp.Results)
	}
}

func TestCloseMonthWritesArchivesAndInvalidates(t *testing.T) {
	var inserted []store.Snapshot
	ds := &fakeDataStore{
		liveSnapshotsFn: func(_ context.Context, year, month int) ([]store.Snapshot, error) {
			return []store.Snapshot{
				{UnitID: 1, Year: year, Month: month, Leads: 50, ActiveStudents: 200, AvgTicket: decimal.NewFromInt(300)},
				{UnitID: 2, Year: year, Month: month, Leads: 30, ActiveStudents: 120, AvgTicket: decimal.NewFromInt(280)},
			}, nil
		},
		insertSnapshotFn: func(_ context.Context, snap store.Snapshot) error {
			inserted = append(inserted, snap)
			return nil
		},
	}
	svc := newTestService(ds)
	cache := &fakeCache{}
	archive := &fakeArchive{}
	svc.SetReportCache(cache)
	svc.SetArchive(archive)

	result, err := svc.CloseMonth(context.Background(), 2026, 2)
	if err != nil {
		t.Fatalf("CloseMonth: %v", err)
	}
	if result.Units != 2 || len(inserted) != 2 {
		t.Fatalf("result = %+v, inserted %d", result, len(inserted))
	}
	if !result.Archived || len(archive.objects) != 1 {
		t.Fatalf("archive = %+v, objects %v", result, archive.objects)
	}
	if archive.objects[0] != "closes/2026/02/"+result.Filename {
		t.Fatalf("object name = %q", archive.objects[0])
	}
	if cache.invalidated != 1 {
		t.Fatalf("cache invalidations = %d", cache.invalidated)
	}
}

func TestCloseMonthArchiveFailureIsNotFatal(t *testing.T) {
	ds := &fakeDataStore{
		liveSnapshotsFn: func(_ context.Context, year, month int) ([]store.Snapshot, error) {
			return []store.Snapshot{{UnitID: 1, Year: year, Month: month}}, nil
		},
	}
	svc := newTestService(ds)
	svc.SetArchive(&fakeArchive{putErr: errors.New("bucket gone")})

	result, err := svc.CloseMonth(context.Background(), 2026, 2)
	if err != nil {
		t.Fatalf("archive failure must not fail the close: %v", err)
	}
	if result.Archived {
		t.Fatalf("result claims archived despite failure")
	}
	if result.Units != 1 {
		t.Fatalf("units = %d", result.Units)
	}
}

func TestCloseMonthRejectsBadPeriod(t *testing.T) {
	svc := newTestService(&fakeDataStore{})
	if _, err := svc.CloseMonth(context.Background(), 2026, 13); err == nil {
		t.Fatalf("month 13 accepted")
	}
}
