// Package grid implements the editable-sheet engine: typed cell editors, the
// in-memory row store with per-row lifecycle flags, and the controller that
// persists rows through a record-store collaborator. Which backend table a
// row writes to, and which fields are meaningful for it, is decided by its
// kind through a registry passed as configuration.
package grid

import "fmt"

// KindSpec describes one row kind: the table it routes to, the kind-specific
// fields that may be sent to the server, whether the kind needs the secondary
// detail panel, and an optional forced quantity.
type KindSpec struct {
	Table          string
	Fields         []string
	Detail         bool
	ForcedQuantity int
}

// Registry is the kind → table / field-whitelist lookup for one sheet.
// Common fields are meaningful for every kind.
type Registry struct {
	Common []string
	Kinds  map[string]KindSpec
}

func (r Registry) Spec(kind string) (KindSpec, bool) {
	spec, ok := r.Kinds[kind]
	return spec, ok
}

// Tables returns the distinct backend tables this sheet writes to.
func (r Registry) Tables() []string {
	seen := make(map[string]struct{})
	var tables []string
	for _, spec := range r.Kinds {
		if _, ok := seen[spec.Table]; ok {
			continue
		}
		seen[spec.Table] = struct{}{}
		tables = append(tables, spec.Table)
	}
	return tables
}

// TableFor resolves the backend table for a kind.
func (r Registry) TableFor(kind string) (string, error) {
	spec, ok := r.Kinds[kind]
	if !ok {
		return "", fmt.Errorf("%w: %q", ErrUnknownKind, kind)
	}
	return spec.Table, nil
}

func (r Registry) allowed(kind string) (map[string]struct{}, bool) {
	spec, ok := r.Kinds[kind]
	if !ok {
		return nil, false
	}
	allowed := make(map[string]struct{}, len(r.Common)+len(spec.Fields))
	for _, f := range r.Common {
		allowed[f] = struct{}{}
	}
	for _, f := range spec.Fields {
		allowed[f] = struct{}{}
	}
	return allowed, true
}

// BuildPayload assembles the fields sent to the server for a row of the given
// kind: the sheet's common fields plus the kind's whitelist, skipping nil
// values. It is pure, so kind-switch hygiene is testable without any network
// code.
func (r Registry) BuildPayload(kind string, fields map[string]any) (map[string]any, error) {
	allowed, ok := r.allowed(kind)
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownKind, kind)
	}
	payload := make(map[string]any, len(allowed)+1)
	for name, value := range fields {
		if value == nil {
			continue
		}
		if _, ok := allowed[name]; ok {
			payload[name] = value
		}
	}
	payload["kind"] = kind
	return payload, nil
}

// PruneForKind drops every field that is meaningless for the given kind, so
// switching a row's kind never leaks stale values from the previous kind into
// a persisted record.
func (r Registry) PruneForKind(kind string, fields map[string]any) (map[string]any, error) {
	allowed, ok := r.allowed(kind)
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownKind, kind)
	}
	pruned := make(map[string]any, len(fields))
	for name, value := range fields {
		if _, ok := allowed[name]; ok {
			pruned[name] = value
		}
	}
	return pruned, nil
}

// CommercialSheet is the daily commercial-events sheet: every kind writes to
// the commercial_events table. Enrollment opens the detail panel and always
// records exactly one student.
func CommercialSheet() Registry {
	return Registry{
		Common: []string{"unit_id", "event_date", "quantity", "notes"},
		Kinds: map[string]KindSpec{
			"lead": {
				Table:  "commercial_events",
				Fields: []string{"channel_id"},
			},
			"trial_scheduled": {
				Table:  "commercial_events",
				Fields: []string{"channel_id", "teacher_id", "instrument"},
			},
			"trial_done": {
				Table:  "commercial_events",
				Fields: []string{"channel_id", "teacher_id", "instrument"},
			},
			"trial_missed": {
				Table:  "commercial_events",
				Fields: []string{"channel_id", "teacher_id", "instrument"},
			},
			"enrollment": {
				Table:          "commercial_events",
				Fields:         []string{"channel_id", "teacher_id", "instrument", "student_name", "amount", "payment_method_id"},
				Detail:         true,
				ForcedQuantity: 1,
			},
		},
	}
}

// RetentionSheet is the retention-events sheet. Renewals route to their own
// table; the remaining kinds share retention_events.
func RetentionSheet() Registry {
	return Registry{
		Common: []string{"unit_id", "event_date", "quantity", "notes"},
		Kinds: map[string]KindSpec{
			"cancellation": {
				Table:  "retention_events",
				Fields: []string{"student_id", "reason", "amount", "days_retained"},
				Detail: true,
			},
			"non_renewal": {
				Table:  "retention_events",
				Fields: []string{"student_id", "reason"},
			},
			"notice": {
				Table:  "retention_events",
				Fields: []string{"student_id", "reason", "leave_date"},
			},
			"renewal": {
				Table:  "renewal_events",
				Fields: []string{"student_id", "months", "amount"},
				Detail: true,
			},
		},
	}
}
