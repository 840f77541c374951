package grid

// Row wraps one editable record with its transient view-state. IsNew means no
// server identifier has been assigned yet; IsDirty means local edits have not
// been persisted; Expanded controls the secondary detail panel and never
// touches persisted data.
//
// Invariants, held after every controller operation:
//   - IsNew implies ID == nil
//   - !IsDirty implies Fields match the last persisted record
type Row struct {
	ID       *int64
	Kind     string
	Fields   map[string]any
	IsNew    bool
	IsDirty  bool
	Expanded bool

	// saving guards against a second save racing the one in flight.
	saving bool
	// seq bumps on every local edit; a save response only clears flags when
	// no edit happened while it was in flight.
	seq uint64
}

func (r *Row) snapshot() Row {
	copyFields := make(map[string]any, len(r.Fields))
	for k, v := range r.Fields {
		copyFields[k] = v
	}
	out := *r
	out.Fields = copyFields
	return out
}
