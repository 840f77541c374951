package grid

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"
)

type fakeRecordStore struct {
	mu      sync.Mutex
	inserts int
	updates int
	deletes int

	insertFn func(table string, fields map[string]any) (map[string]any, error)
	updateFn func(table string, id int64, fields map[string]any) (map[string]any, error)
	deleteFn func(table string, id int64) error
}

func (f *fakeRecordStore) Insert(_ context.Context, table string, fields map[string]any) (map[string]any, error) {
	f.mu.Lock()
	f.inserts++
	f.mu.Unlock()
	if f.insertFn != nil {
		return f.insertFn(table, fields)
	}
	out := map[string]any{"id": int64(101)}
	for k, v := range fields {
		out[k] = v
	}
	return out, nil
}

func (f *fakeRecordStore) Update(_ context.Context, table string, id int64, fields map[string]any) (map[string]any, error) {
	f.mu.Lock()
	f.updates++
	f.mu.Unlock()
	if f.updateFn != nil {
		return f.updateFn(table, id, fields)
	}
	out := map[string]any{"id": id}
	for k, v := range fields {
		out[k] = v
	}
	return out, nil
}

func (f *fakeRecordStore) Delete(_ context.Context, table string, id int64) error {
	f.mu.Lock()
	f.deletes++
	f.mu.Unlock()
	if f.deleteFn != nil {
		return f.deleteFn(table, id)
	}
	return nil
}

func (f *fakeRecordStore) counts() (int, int, int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.inserts, f.updates, f.deletes
}

func mustRow(t *testing.T, c *Controller, i int) Row {
	t.Helper()
	row, err := c.Row(i)
	if err != nil {
		t.Fatalf("Row(%d): %v", i, err)
	}
	return row
}

func TestAddRowStartsNewAndDirty(t *testing.T) {
	c := NewController(CommercialSheet(), &fakeRecordStore{})
	if err := c.AddRow("lead", map[string]any{"unit_id": int64(1), "event_date": "2026-03-10"}); err != nil {
		t.Fatalf("AddRow: %v", err)
	}

	row := mustRow(t, c, 0)
	if !row.IsNew || !row.IsDirty {
		t.Fatalf("flags = new:%v dirty:%v, want both true", row.IsNew, row.IsDirty)
	}
	if row.Expanded {
		t.Fatalf("new row must start collapsed")
	}
	if row.ID != nil {
		t.Fatalf("isNew row must have nil identifier, got %v", *row.ID)
	}
	if row.Fields["unit_id"] != int64(1) {
		t.Fatalf("defaults not applied: %v", row.Fields)
	}
}

func TestAddRowPrepends(t *testing.T) {
	c := NewController(CommercialSheet(), &fakeRecordStore{})
	_ = c.AddRow("lead", map[string]any{"notes": "first"})
	_ = c.AddRow("lead", map[string]any{"notes": "second"})

	if got := mustRow(t, c, 0).Fields["notes"]; got != "second" {
		t.Fatalf("newest row must be at index 0, got notes=%v", got)
	}
}

func TestSaveNewRowAssignsIdentifierAndClearsFlags(t *testing.T) {
	fs := &fakeRecordStore{}
	c := NewController(CommercialSheet(), fs)
	c.SetClock(func() time.Time { return time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC) })

	_ = c.AddRow("lead", map[string]any{"unit_id": int64(1), "quantity": 3})
	if err := c.SaveRow(context.Background(), 0); err != nil {
		t.Fatalf("SaveRow: %v", err)
	}

	row := mustRow(t, c, 0)
	if row.IsNew || row.IsDirty {
		t.Fatalf("flags = new:%v dirty:%v, want both false", row.IsNew, row.IsDirty)
	}
	if row.ID == nil || *row.ID != 101 {
		t.Fatalf("server identifier not adopted: %v", row.ID)
	}
	inserts, updates, _ := fs.counts()
	if inserts != 1 || updates != 0 {
		t.Fatalf("inserts=%d updates=%d, want exactly one create", inserts, updates)
	}
}

func TestCleanSaveIsIdempotent(t *testing.T) {
	fs := &fakeRecordStore{}
	c := NewController(CommercialSheet(), fs)

	_ = c.AddRow("lead", map[string]any{"unit_id": int64(1)})
	if err := c.SaveRow(context.Background(), 0); err != nil {
		t.Fatalf("first SaveRow: %v", err)
	}
	if err := c.SaveRow(context.Background(), 0); err != nil {
		t.Fatalf("second SaveRow: %v", err)
	}

	inserts, updates, _ := fs.counts()
	if inserts+updates != 1 {
		t.Fatalf("writes = %d, want exactly one for back-to-back saves with no edit", inserts+updates)
	}
}

func TestEditedRowSavesAsUpdateKeyedByID(t *testing.T) {
	var gotTable string
	var gotID int64
	fs := &fakeRecordStore{
		updateFn: func(table string, id int64, fields map[string]any) (map[string]any, error) {
			gotTable, gotID = table, id
			out := map[string]any{"id": id}
			for k, v := range fields {
				out[k] = v
			}
			return out, nil
		},
	}
	c := NewController(CommercialSheet(), fs)

	_ = c.AddRow("lead", map[string]any{"unit_id": int64(1)})
	_ = c.SaveRow(context.Background(), 0)
	_ = c.UpdateCell(0, "notes", "walk-in")
	if row := mustRow(t, c, 0); !row.IsDirty {
		t.Fatalf("edit must mark the row dirty")
	}
	if err := c.SaveRow(context.Background(), 0); err != nil {
		t.Fatalf("SaveRow: %v", err)
	}

	if gotTable != "commercial_events" || gotID != 101 {
		t.Fatalf("update went to %s id=%d", gotTable, gotID)
	}
	if row := mustRow(t, c, 0); row.IsDirty {
		t.Fatalf("row must be clean after successful update")
	}
}

func TestNewRowDeleteHasNoNetworkEffect(t *testing.T) {
	fs := &fakeRecordStore{}
	c := NewController(CommercialSheet(), fs)

	_ = c.AddRow("lead", nil)
	if err := c.DeleteRow(context.Background(), 0, false); err != nil {
		t.Fatalf("DeleteRow: %v", err)
	}

	if c.Len() != 0 {
		t.Fatalf("row not removed")
	}
	if _, _, deletes := fs.counts(); deletes != 0 {
		t.Fatalf("deletes = %d, want 0 for a never-persisted row", deletes)
	}
}

func TestPersistedDeleteNeedsConfirmationAndServerSuccess(t *testing.T) {
	fs := &fakeRecordStore{}
	c := NewController(CommercialSheet(), fs)
	_ = c.AddRow("lead", nil)
	_ = c.SaveRow(context.Background(), 0)

	if err := c.DeleteRow(context.Background(), 0, false); !errors.Is(err, ErrConfirmRequired) {
		t.Fatalf("err = %v, want ErrConfirmRequired", err)
	}
	if c.Len() != 1 {
		t.Fatalf("unconfirmed delete must not remove the row")
	}

	fs.deleteFn = func(string, int64) error { return errors.New("boom") }
	if err := c.DeleteRow(context.Background(), 0, true); err == nil {
		t.Fatalf("expected delete failure")
	}
	if c.Len() != 1 {
		t.Fatalf("row must survive a failed server delete")
	}

	fs.deleteFn = nil
	if err := c.DeleteRow(context.Background(), 0, true); err != nil {
		t.Fatalf("DeleteRow: %v", err)
	}
	if c.Len() != 0 {
		t.Fatalf("row not removed after successful delete")
	}
}

func TestSaveFailureLeavesFlagsUntouched(t *testing.T) {
	fs := &fakeRecordStore{
		insertFn: func(string, map[string]any) (map[string]any, error) {
			return nil, errors.New("constraint violation")
		},
	}
	c := NewController(CommercialSheet(), fs)

	_ = c.AddRow("lead", map[string]any{"unit_id": int64(1)})
	if err := c.SaveRow(context.Background(), 0); err == nil {
		t.Fatalf("expected save failure")
	}

	row := mustRow(t, c, 0)
	if !row.IsNew || !row.IsDirty {
		t.Fatalf("flags = new:%v dirty:%v, want both still true so the user can retry", row.IsNew, row.IsDirty)
	}
	if row.ID != nil {
		t.Fatalf("failed save must not assign an identifier")
	}
}

func TestKindSwitchHygiene(t *testing.T) {
	// For every kind pair in every sheet: fill kind A's specific fields,
	// switch to kind B, and check the payload carries none of A's leftovers.
	sheets := map[string]Registry{
		"commercial": CommercialSheet(),
		"retention":  RetentionSheet(),
	}
	for sheetName, reg := range sheets {
		for fromKind, fromSpec := range reg.Kinds {
			for toKind := range reg.Kinds {
				if fromKind == toKind {
					continue
				}
				c := NewController(reg, &fakeRecordStore{})
				_ = c.AddRow(fromKind, map[string]any{"unit_id": int64(1)})
				for _, f := range fromSpec.Fields {
					if err := c.UpdateCell(0, f, "stale"); err != nil {
						t.Fatalf("%s: UpdateCell(%s): %v", sheetName, f, err)
					}
				}
				if err := c.UpdateCell(0, "kind", toKind); err != nil {
					t.Fatalf("%s: switch %s→%s: %v", sheetName, fromKind, toKind, err)
				}

				row := mustRow(t, c, 0)
				payload, err := reg.BuildPayload(row.Kind, row.Fields)
				if err != nil {
					t.Fatalf("BuildPayload: %v", err)
				}
				allowed, _ := reg.allowed(toKind)
				for _, f := range fromSpec.Fields {
					if _, stillAllowed := allowed[f]; stillAllowed {
						continue
					}
					if v, present := payload[f]; present {
						t.Fatalf("%s: %s→%s leaks stale %s=%v into payload", sheetName, fromKind, toKind, f, v)
					}
				}
			}
		}
	}
}

func TestEnrollmentKindForcesQuantityAndExpands(t *testing.T) {
	c := NewController(CommercialSheet(), &fakeRecordStore{})
	_ = c.AddRow("lead", map[string]any{"quantity": 5})

	if err := c.UpdateCell(0, "kind", "enrollment"); err != nil {
		t.Fatalf("UpdateCell: %v", err)
	}

	row := mustRow(t, c, 0)
	if row.Fields["quantity"] != 1 {
		t.Fatalf("quantity = %v, want forced 1", row.Fields["quantity"])
	}
	if !row.Expanded {
		t.Fatalf("enrollment must open the detail panel")
	}
}

func TestToggleExpandDoesNotDirty(t *testing.T) {
	c := NewController(CommercialSheet(), &fakeRecordStore{})
	_ = c.AddRow("lead", nil)
	_ = c.SaveRow(context.Background(), 0)

	if err := c.ToggleExpand(0); err != nil {
		t.Fatalf("ToggleExpand: %v", err)
	}
	row := mustRow(t, c, 0)
	if !row.Expanded {
		t.Fatalf("expected expanded")
	}
	if row.IsDirty {
		t.Fatalf("expand is presentational and must not dirty the row")
	}
}

func TestSelectLinkedEntityIsAtomic(t *testing.T) {
	c := NewController(RetentionSheet(), &fakeRecordStore{})
	_ = c.AddRow("renewal", map[string]any{"unit_id": int64(1)})
	_ = c.SaveRow(context.Background(), 0)

	record := map[string]any{"id": int64(55), "name": "Clara Souza", "monthly_fee": 420.0}
	err := c.SelectLinkedEntity(0, "student_id", 55, record, map[string]string{"amount": "monthly_fee"})
	if err != nil {
		t.Fatalf("SelectLinkedEntity: %v", err)
	}

	row := mustRow(t, c, 0)
	if row.Fields["student_id"] != int64(55) {
		t.Fatalf("student_id = %v", row.Fields["student_id"])
	}
	if row.Fields["amount"] != 420.0 {
		t.Fatalf("dependent field not populated: %v", row.Fields["amount"])
	}
	if !row.IsDirty {
		t.Fatalf("selection must dirty the row")
	}
}

func TestKindRoutesToItsOwnTable(t *testing.T) {
	var tables []string
	fs := &fakeRecordStore{
		insertFn: func(table string, fields map[string]any) (map[string]any, error) {
			tables = append(tables, table)
			return map[string]any{"id": int64(1)}, nil
		},
	}
	c := NewController(RetentionSheet(), fs)

	_ = c.AddRow("renewal", map[string]any{"unit_id": int64(1)})
	_ = c.SaveRow(context.Background(), 0)
	_ = c.AddRow("cancellation", map[string]any{"unit_id": int64(1)})
	_ = c.SaveRow(context.Background(), 0)

	if len(tables) != 2 || tables[0] != "renewal_events" || tables[1] != "retention_events" {
		t.Fatalf("tables = %v, want [renewal_events retention_events]", tables)
	}
}

func TestSecondSaveWhileInFlightIsRejected(t *testing.T) {
	release := make(chan struct{})
	started := make(chan struct{})
	fs := &fakeRecordStore{
		insertFn: func(string, map[string]any) (map[string]any, error) {
			close(started)
			<-release
			return map[string]any{"id": int64(1)}, nil
		},
	}
	c := NewController(CommercialSheet(), fs)
	_ = c.AddRow("lead", nil)

	done := make(chan error, 1)
	go func() { done <- c.SaveRow(context.Background(), 0) }()
	<-started

	if err := c.SaveRow(context.Background(), 0); !errors.Is(err, ErrSaveInFlight) {
		t.Fatalf("err = %v, want ErrSaveInFlight", err)
	}

	close(release)
	if err := <-done; err != nil {
		t.Fatalf("first save failed: %v", err)
	}
}

func TestEditDuringSaveKeepsLocalValueAndDirtyFlag(t *testing.T) {
	release := make(chan struct{})
	started := make(chan struct{})
	fs := &fakeRecordStore{
		insertFn: func(_ string, fields map[string]any) (map[string]any, error) {
			close(started)
			<-release
			out := map[string]any{"id": int64(7)}
			for k, v := range fields {
				out[k] = v
			}
			return out, nil
		},
	}
	c := NewController(CommercialSheet(), fs)
	_ = c.AddRow("lead", map[string]any{"notes": "before"})

	done := make(chan error, 1)
	go func() { done <- c.SaveRow(context.Background(), 0) }()
	<-started

	// Edit while the save is in flight: the stale response must not clobber
	// this value or mark the row clean.
	if err := c.UpdateCell(0, "notes", "after"); err != nil {
		t.Fatalf("UpdateCell: %v", err)
	}
	close(release)
	if err := <-done; err != nil {
		t.Fatalf("SaveRow: %v", err)
	}

	row := mustRow(t, c, 0)
	if row.Fields["notes"] != "after" {
		t.Fatalf("notes = %v, stale response clobbered a newer edit", row.Fields["notes"])
	}
	if !row.IsDirty {
		t.Fatalf("row must stay dirty when edited during the save")
	}
	if row.IsNew || row.ID == nil || *row.ID != 7 {
		t.Fatalf("identifier must still be adopted: new=%v id=%v", row.IsNew, row.ID)
	}
}
