package report

import "strconv"

// Scope narrows a query to one organizational unit, or leaves it unfiltered
// for the consolidated all-units view. The zero value is the all-units scope.
type Scope struct {
	unitID *int64
}

func AllUnits() Scope {
	return Scope{}
}

func ForUnit(id int64) Scope {
	return Scope{unitID: &id}
}

func (s Scope) All() bool {
	return s.unitID == nil
}

func (s Scope) Unit() (int64, bool) {
	if s.unitID == nil {
		return 0, false
	}
	return *s.unitID, true
}

// Predicate returns the SQL fragment and argument for this scope, or ok=false
// when the scope is consolidated. All-units means no predicate at all, not a
// match-everything literal, so every query naturally returns every unit's
// rows. argn is the positional placeholder number to use.
func (s Scope) Predicate(column string, argn int) (clause string, arg any, ok bool) {
	if s.unitID == nil {
		return "", nil, false
	}
	return column + " = $" + strconv.Itoa(argn), *s.unitID, true
}

// Matches applies the same filter meaning to in-memory rows.
func (s Scope) Matches(unitID int64) bool {
	return s.unitID == nil || *s.unitID == unitID
}

// Key is the scope's cache-key component.
func (s Scope) Key() string {
	if s.unitID == nil {
		return "all"
	}
	return strconv.FormatInt(*s.unitID, 10)
}
