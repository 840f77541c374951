package search

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"sync/atomic"
	"time"

	meili "github.com/meilisearch/meilisearch-go"
	"github.com/sirupsen/logrus"
)

const (
	idxStudents = "compasso_students"
	idxTeachers = "compasso_teachers"
)

// Meili implements Searcher and Indexer via Meilisearch.
type Meili struct {
	client  meili.ServiceManager
	log     *logrus.Logger
	healthy atomic.Bool
	done    chan struct{}
}

// NewMeili creates a Meilisearch client and configures the entity indexes.
// An unreachable server is not fatal: the health loop keeps probing and the
// caller falls back to Postgres until it recovers.
func NewMeili(url, apiKey string, log *logrus.Logger) *Meili {
	client := meili.New(url, meili.WithAPIKey(apiKey))

	m := &Meili{
		client: client,
		log:    log,
		done:   make(chan struct{}),
	}

	if _, err := client.Health(); err != nil {
		log.WithError(err).WithField("url", url).Warn("meilisearch unavailable")
		m.healthy.Store(false)
	} else {
		m.healthy.Store(true)
		m.configureIndexes()
	}

	go m.healthLoop()
	return m
}

func (m *Meili) configureIndexes() {
	indexes := []struct {
		uid        string
		filterable []string
		searchable []string
	}{
		{
			uid:        idxStudents,
			filterable: []string{"unit_id", "status"},
			searchable: []string{"name", "instrument"},
		},
		{
			uid:        idxTeachers,
			filterable: []string{"unit_id", "active"},
			searchable: []string{"name", "instrument"},
		},
	}

	for _, idx := range indexes {
		if _, err := m.client.CreateIndex(&meili.IndexConfig{
			Uid:        idx.uid,
			PrimaryKey: "id",
		}); err != nil {
			m.log.WithError(err).WithField("index", idx.uid).Debug("create index (may already exist)")
		}

		index := m.client.Index(idx.uid)
		filterable := make([]interface{}, len(idx.filterable))
		for i, v := range idx.filterable {
			filterable[i] = v
		}
		if _, err := index.UpdateFilterableAttributes(&filterable); err != nil {
			m.log.WithError(err).WithField("index", idx.uid).Warn("update filterable attributes")
		}
		if _, err := index.UpdateSearchableAttributes(&idx.searchable); err != nil {
			m.log.WithError(err).WithField("index", idx.uid).Warn("update searchable attributes")
		}
	}
}

func (m *Meili) healthLoop() {
	ticker := time.NewTicker(10 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-m.done:
			return
		case <-ticker.C:
			_, err := m.client.Health()
			wasHealthy := m.healthy.Load()
			m.healthy.Store(err == nil)
			if err == nil && !wasHealthy {
				m.log.Info("meilisearch recovered, reconfiguring indexes")
				m.configureIndexes()
			}
		}
	}
}

// Close stops the background health monitor.
func (m *Meili) Close() {
	close(m.done)
}

// Healthy reports whether Meilisearch is reachable.
func (m *Meili) Healthy() bool {
	return m.healthy.Load()
}

func (m *Meili) Search(_ context.Context, q Query) ([]Result, error) {
	if !m.healthy.Load() {
		return nil, fmt.Errorf("meilisearch unhealthy")
	}

	uid, err := indexFor(q.Entity)
	if err != nil {
		return nil, err
	}

	limit := int64(q.Limit)
	if limit <= 0 {
		limit = 10
	}
	req := &meili.SearchRequest{Limit: limit}

	var filters []string
	if q.UnitID != 0 {
		filters = append(filters, "unit_id = "+strconv.FormatInt(q.UnitID, 10))
	}
	if q.Entity == EntityStudent {
		// Cancelled students never come back in lookups.
		filters = append(filters, `status != "cancelled"`)
	}
	if len(filters) > 0 {
		req.Filter = filters
	}

	resp, err := m.client.Index(uid).Search(q.Term, req)
	if err != nil {
		m.healthy.Store(false)
		return nil, fmt.Errorf("meilisearch search %s: %w", uid, err)
	}

	results := make([]Result, 0, len(resp.Hits))
	for _, hit := range resp.Hits {
		record := decodeHit(hit)
		id, _ := record["id"].(float64)
		label, _ := record["name"].(string)
		results = append(results, Result{ID: int64(id), Label: label, Record: record})
	}
	return results, nil
}

func indexFor(entity Entity) (string, error) {
	switch entity {
	case EntityStudent:
		return idxStudents, nil
	case EntityTeacher:
		return idxTeachers, nil
	default:
		return "", fmt.Errorf("unknown search entity %q", entity)
	}
}

func decodeHit(hit meili.Hit) map[string]any {
	record := make(map[string]any, len(hit))
	for key, raw := range hit {
		var v any
		if err := json.Unmarshal(raw, &v); err == nil {
			record[key] = v
		}
	}
	return record
}

// IndexStudent adds or updates one student in the search index.
func (m *Meili) IndexStudent(s StudentRecord) error {
	_, err := m.client.Index(idxStudents).AddDocuments([]StudentRecord{s}, nil)
	return err
}

// IndexTeacher adds or updates one teacher in the search index.
func (m *Meili) IndexTeacher(t TeacherRecord) error {
	_, err := m.client.Index(idxTeachers).AddDocuments([]TeacherRecord{t}, nil)
	return err
}

// DeleteStudent removes a student from the search index.
func (m *Meili) DeleteStudent(id int64) error {
	_, err := m.client.Index(idxStudents).DeleteDocument(strconv.FormatInt(id, 10), nil)
	return err
}

// IndexStudents bulk-indexes students.
func (m *Meili) IndexStudents(students []StudentRecord) error {
	if len(students) == 0 {
		return nil
	}
	_, err := m.client.Index(idxStudents).AddDocuments(students, nil)
	return err
}

// IndexTeachers bulk-indexes teachers.
func (m *Meili) IndexTeachers(teachers []TeacherRecord) error {
	if len(teachers) == 0 {
		return nil
	}
	_, err := m.client.Index(idxTeachers).AddDocuments(teachers, nil)
	return err
}
