package report

// Row is one per-unit, per-month set of metric values, as returned by the
// snapshot or live source.
type Row struct {
	UnitID int64
	Year   int
	Month  int
	Values map[string]float64
}

// Value is one consolidated metric, tagged with the operator that produced
// it. NoData marks an average with no underlying rows, distinct from a
// legitimate zero, so presentation can show a dash instead of a misleading
// zero.
type Value struct {
	Op     Op      `json:"op"`
	Value  float64 `json:"value"`
	NoData bool    `json:"noData,omitempty"`
}

// MetricSet is one consolidated number per tracked metric. Purely derived,
// recomputed on every period/scope change, never persisted.
type MetricSet map[string]Value

type monthKey struct {
	year, month int
}

// Consolidate merges per-month, per-unit rows into one summary per requested
// scope. Sum metrics add across all rows; average metrics divide by the count
// of distinct (year, month) pairs actually present, not by the requested
// range length, so sparse data does not skew the average. Derived metrics
// are computed from the consolidated averages afterwards.
func Consolidate(defs []MetricDef, derived []DerivedDef, rows []Row) MetricSet {
	months := make(map[monthKey]struct{})
	totals := make(map[string]float64)
	for _, row := range rows {
		months[monthKey{row.Year, row.Month}] = struct{}{}
		for name, v := range row.Values {
			totals[name] += v
		}
	}
	distinct := len(months)

	set := make(MetricSet, len(defs)+len(derived))
	for _, def := range defs {
		switch def.Op {
		case OpSum:
			set[def.Name] = Value{Op: OpSum, Value: totals[def.Name]}
		case OpAvg:
			if distinct == 0 {
				set[def.Name] = Value{Op: OpAvg, NoData: true}
			} else {
				set[def.Name] = Value{Op: OpAvg, Value: totals[def.Name] / float64(distinct)}
			}
		case OpCount:
			set[def.Name] = Value{Op: OpCount, Value: float64(distinct)}
		}
	}

	for _, d := range derived {
		inputs := make([]float64, len(d.Inputs))
		noData := false
		for i, name := range d.Inputs {
			v, ok := set[name]
			if !ok || v.NoData {
				noData = true
				break
			}
			inputs[i] = v.Value
		}
		if noData {
			set[d.Name] = Value{Op: OpAvg, NoData: true}
		} else {
			set[d.Name] = Value{Op: OpAvg, Value: d.Compute(inputs)}
		}
	}

	return set
}

// NoDataSet is the consolidated shape for a failed resolution query: every
// metric carries the no-data sentinel so the screen renders dashes instead of
// crashing or showing fake zeros.
func NoDataSet(defs []MetricDef, derived []DerivedDef) MetricSet {
	set := make(MetricSet, len(defs)+len(derived))
	for _, def := range defs {
		set[def.Name] = Value{Op: def.Op, NoData: true}
	}
	for _, d := range derived {
		set[d.Name] = Value{Op: OpAvg, NoData: true}
	}
	return set
}

// FilterRows applies a scope to in-memory rows, with the same meaning the SQL
// predicate has: the all-units scope filters nothing.
func FilterRows(rows []Row, scope Scope) []Row {
	if scope.All() {
		return rows
	}
	out := rows[:0:0]
	for _, row := range rows {
		if scope.Matches(row.UnitID) {
			out = append(out, row)
		}
	}
	return out
}
