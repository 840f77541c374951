package search

import (
	"context"

	"github.com/sirupsen/logrus"
)

// Service is the facade that tries Meilisearch first and falls back to the
// Postgres ILIKE scan.
type Service struct {
	meili *Meili
	pg    *PgLike
	log   *logrus.Logger
}

// NewService creates a search service. meili may be nil when Meilisearch is
// not configured.
func NewService(meili *Meili, pg *PgLike, log *logrus.Logger) *Service {
	return &Service{meili: meili, pg: pg, log: log}
}

// Search tries Meilisearch if healthy, otherwise falls back to Postgres.
func (s *Service) Search(ctx context.Context, q Query) Response {
	if s.meili != nil && s.meili.Healthy() {
		results, err := s.meili.Search(ctx, q)
		if err == nil {
			return Response{Results: nonNil(results), Query: q.Term}
		}
		s.log.WithError(err).Warn("meilisearch error, falling back to postgres lookup")
	}

	results, err := s.pg.Search(ctx, q)
	if err != nil {
		s.log.WithError(err).Error("postgres lookup failed")
		return Response{Results: []Result{}, Query: q.Term}
	}
	return Response{Results: nonNil(results), Query: q.Term}
}

// IndexStudent pushes one student into the index, fire-and-forget.
func (s *Service) IndexStudent(rec StudentRecord) {
	if s.meili == nil || !s.meili.Healthy() {
		return
	}
	go func() {
		if err := s.meili.IndexStudent(rec); err != nil {
			s.log.WithError(err).WithField("student_id", rec.ID).Warn("index student")
		}
	}()
}

// IndexTeacher pushes one teacher into the index, fire-and-forget.
func (s *Service) IndexTeacher(rec TeacherRecord) {
	if s.meili == nil || !s.meili.Healthy() {
		return
	}
	go func() {
		if err := s.meili.IndexTeacher(rec); err != nil {
			s.log.WithError(err).WithField("teacher_id", rec.ID).Warn("index teacher")
		}
	}()
}

// DeleteStudent drops a student from the index, fire-and-forget. Used when a
// cancellation makes the student unsearchable.
func (s *Service) DeleteStudent(id int64) {
	if s.meili == nil || !s.meili.Healthy() {
		return
	}
	go func() {
		if err := s.meili.DeleteStudent(id); err != nil {
			s.log.WithError(err).WithField("student_id", id).Warn("delete student from index")
		}
	}()
}

// ReindexAllFromPG reads every indexable row from Postgres and pushes it into
// Meilisearch. Called at startup when Meilisearch is healthy.
func (s *Service) ReindexAllFromPG(ctx context.Context) {
	if s.meili == nil || !s.meili.Healthy() || s.pg == nil {
		return
	}
	students, teachers, err := s.pg.LoadAllRecords(ctx)
	if err != nil {
		s.log.WithError(err).Warn("reindex load failed")
		return
	}
	if err := s.meili.IndexStudents(students); err != nil {
		s.log.WithError(err).Warn("reindex students")
	}
	if err := s.meili.IndexTeachers(teachers); err != nil {
		s.log.WithError(err).Warn("reindex teachers")
	}
}

func nonNil(r []Result) []Result {
	if r == nil {
		return []Result{}
	}
	return r
}
