package grid

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"
)

var (
	ErrRowIndex        = errors.New("row index out of range")
	ErrUnknownKind     = errors.New("unknown row kind")
	ErrSaveInFlight    = errors.New("a save is already in flight for this row")
	ErrConfirmRequired = errors.New("deleting a persisted row requires confirmation")
	ErrMissingID       = errors.New("persisted row has no identifier")
)

// RecordStore is the persistence collaborator: generic create/update/delete
// over (table, fields) records. Insert returns the stored record including
// its server-assigned identifier.
type RecordStore interface {
	Insert(ctx context.Context, table string, fields map[string]any) (map[string]any, error)
	Update(ctx context.Context, table string, id int64, fields map[string]any) (map[string]any, error)
	Delete(ctx context.Context, table string, id int64) error
}

// Controller owns the ordered row collection of one sheet and every
// operation over it. Rows are mutated only here, on explicit user actions.
// Saves are per-row independent: persisting one row never blocks editing or
// saving another.
type Controller struct {
	mu    sync.Mutex
	reg   Registry
	store RecordStore
	now   func() time.Time
	rows  []*Row
}

func NewController(reg Registry, store RecordStore) *Controller {
	return &Controller{reg: reg, store: store, now: time.Now}
}

// SetClock injects "now" for deterministic tests.
func (c *Controller) SetClock(now func() time.Time) {
	c.now = now
}

func (c *Controller) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.rows)
}

// Row returns a copy of the row at index for rendering and assertions.
func (c *Controller) Row(index int) (Row, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if index < 0 || index >= len(c.rows) {
		return Row{}, ErrRowIndex
	}
	return c.rows[index].snapshot(), nil
}

// AddRow prepends a fresh row with caller-supplied defaults, marked new and
// dirty with the detail panel collapsed.
func (c *Controller) AddRow(kind string, defaults map[string]any) error {
	fields, err := c.reg.PruneForKind(kind, defaults)
	if err != nil {
		return err
	}
	spec, _ := c.reg.Spec(kind)
	if spec.ForcedQuantity > 0 {
		fields["quantity"] = spec.ForcedQuantity
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	row := &Row{Kind: kind, Fields: fields, IsNew: true, IsDirty: true}
	c.rows = append([]*Row{row}, c.rows...)
	return nil
}

// UpdateCell sets one field and marks the row dirty. Changing the kind prunes
// every field that is meaningless for the new kind, applies the kind's forced
// quantity, and opens the detail panel when the new kind requires it.
func (c *Controller) UpdateCell(index int, field string, value any) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if index < 0 || index >= len(c.rows) {
		return ErrRowIndex
	}
	row := c.rows[index]

	if field == "kind" {
		kind, ok := value.(string)
		if !ok {
			return fmt.Errorf("%w: kind must be a string", ErrUnknownKind)
		}
		spec, ok := c.reg.Spec(kind)
		if !ok {
			return fmt.Errorf("%w: %q", ErrUnknownKind, kind)
		}
		pruned, err := c.reg.PruneForKind(kind, row.Fields)
		if err != nil {
			return err
		}
		row.Kind = kind
		row.Fields = pruned
		if spec.ForcedQuantity > 0 {
			row.Fields["quantity"] = spec.ForcedQuantity
		}
		if spec.Detail {
			row.Expanded = true
		}
	} else {
		row.Fields[field] = value
	}

	row.IsDirty = true
	row.seq++
	return nil
}

// ToggleExpand flips the detail panel. Purely presentational: the row stays
// clean.
func (c *Controller) ToggleExpand(index int) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if index < 0 || index >= len(c.rows) {
		return ErrRowIndex
	}
	c.rows[index].Expanded = !c.rows[index].Expanded
	return nil
}

// SelectLinkedEntity populates a foreign key plus dependent fields from the
// fetched record in one atomic update. derive maps row fields to record keys
// (e.g. "amount" ← "monthly_fee").
func (c *Controller) SelectLinkedEntity(index int, field string, id int64, record map[string]any, derive map[string]string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if index < 0 || index >= len(c.rows) {
		return ErrRowIndex
	}
	row := c.rows[index]
	row.Fields[field] = id
	for rowField, recordKey := range derive {
		if v, ok := record[recordKey]; ok {
			row.Fields[rowField] = v
		}
	}
	row.IsDirty = true
	row.seq++
	return nil
}

// SaveRow persists the row: a create when it is new, an update otherwise.
// Clean rows are a no-op with zero network calls. On success the
// server-returned record is merged in and the flags are cleared; on failure
// the flags are left exactly as they were so the user can retry. Edits made
// while the save was in flight keep the row dirty and keep their local
// values; only the server-assigned identifier is always adopted.
func (c *Controller) SaveRow(ctx context.Context, index int) error {
	c.mu.Lock()
	if index < 0 || index >= len(c.rows) {
		c.mu.Unlock()
		return ErrRowIndex
	}
	row := c.rows[index]
	if !row.IsDirty {
		c.mu.Unlock()
		return nil
	}
	if row.saving {
		c.mu.Unlock()
		return ErrSaveInFlight
	}
	spec, ok := c.reg.Spec(row.Kind)
	if !ok {
		c.mu.Unlock()
		return fmt.Errorf("%w: %q", ErrUnknownKind, row.Kind)
	}
	payload, err := c.reg.BuildPayload(row.Kind, row.Fields)
	if err != nil {
		c.mu.Unlock()
		return err
	}
	payload["updated_at"] = c.now().UTC()

	isNew := row.IsNew
	var id int64
	if !isNew {
		if row.ID == nil {
			c.mu.Unlock()
			return ErrMissingID
		}
		id = *row.ID
	}
	capturedSeq := row.seq
	row.saving = true
	c.mu.Unlock()

	var record map[string]any
	if isNew {
		record, err = c.store.Insert(ctx, spec.Table, payload)
	} else {
		record, err = c.store.Update(ctx, spec.Table, id, payload)
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	row.saving = false
	if err != nil {
		return fmt.Errorf("save row: %w", err)
	}

	if v, ok := record["id"]; ok {
		if n, ok := toInt64(v); ok {
			row.ID = &n
		}
	}
	if row.seq == capturedSeq {
		for k, v := range record {
			if k == "id" {
				continue
			}
			row.Fields[k] = v
		}
		row.IsNew = false
		row.IsDirty = false
	} else {
		// The identifier is fixed now, but newer local edits win.
		row.IsNew = false
	}
	return nil
}

// DeleteRow removes the row. A still-new row is dropped locally with no
// network call; a persisted row needs explicit confirmation and is removed
// only after the server delete succeeds.
func (c *Controller) DeleteRow(ctx context.Context, index int, confirmed bool) error {
	c.mu.Lock()
	if index < 0 || index >= len(c.rows) {
		c.mu.Unlock()
		return ErrRowIndex
	}
	row := c.rows[index]
	if row.IsNew {
		c.rows = append(c.rows[:index], c.rows[index+1:]...)
		c.mu.Unlock()
		return nil
	}
	if !confirmed {
		c.mu.Unlock()
		return ErrConfirmRequired
	}
	if row.saving {
		c.mu.Unlock()
		return ErrSaveInFlight
	}
	if row.ID == nil {
		c.mu.Unlock()
		return ErrMissingID
	}
	table, err := c.reg.TableFor(row.Kind)
	if err != nil {
		c.mu.Unlock()
		return err
	}
	id := *row.ID
	c.mu.Unlock()

	if err := c.store.Delete(ctx, table, id); err != nil {
		return fmt.Errorf("delete row: %w", err)
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	for i, r := range c.rows {
		if r == row {
			c.rows = append(c.rows[:i], c.rows[i+1:]...)
			break
		}
	}
	return nil
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
