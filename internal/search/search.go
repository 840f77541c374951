package search

import "context"

// Entity identifies which reference table a lookup targets.
type Entity string

const (
	EntityStudent Entity = "students"
	EntityTeacher Entity = "teachers"
)

// Query describes one autocomplete lookup. UnitID narrows the search to a
// unit when non-zero.
type Query struct {
	Entity Entity
	Term   string
	UnitID int64
	Limit  int
}

// Result is a single hit. Record carries the full source row so the caller
// can populate dependent fields from one lookup, without a second fetch.
type Result struct {
	ID     int64          `json:"id"`
	Label  string         `json:"label"`
	Record map[string]any `json:"record"`
}

// Response is the envelope returned by the search endpoint.
type Response struct {
	Results []Result `json:"results"`
	Query   string   `json:"query"`
}

// Searcher executes an entity lookup.
type Searcher interface {
	Search(ctx context.Context, q Query) ([]Result, error)
	Healthy() bool
}

// Indexer pushes entities into a search index.
type Indexer interface {
	IndexStudent(s StudentRecord) error
	IndexTeacher(t TeacherRecord) error
	DeleteStudent(id int64) error
}

// StudentRecord is the data indexed for a student.
type StudentRecord struct {
	ID         int64   `json:"id"`
	UnitID     int64   `json:"unit_id"`
	Name       string  `json:"name"`
	Status     string  `json:"status"`
	Instrument string  `json:"instrument"`
	MonthlyFee float64 `json:"monthly_fee"`
}

// TeacherRecord is the data indexed for a teacher.
type TeacherRecord struct {
	ID         int64  `json:"id"`
	UnitID     int64  `json:"unit_id"`
	Name       string `json:"name"`
	Instrument string `json:"instrument"`
	Active     bool   `json:"active"`
}
