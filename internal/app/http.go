package app

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/sirupsen/logrus"

	"compasso/api/internal/report"
	"compasso/api/internal/search"
	"compasso/api/internal/util"
)

type HTTPServer struct {
	service    *Service
	corsOrigin string
	log        *logrus.Logger
}

func NewHTTPServer(service *Service, corsOrigin string, log *logrus.Logger) *HTTPServer {
	return &HTTPServer{service: service, corsOrigin: corsOrigin, log: log}
}

func (s *HTTPServer) Handler() http.Handler {
	return s.withMiddleware(http.HandlerFunc(s.handle))
}

func (s *HTTPServer) handle(w http.ResponseWriter, r *http.Request) {
	if r.Method == http.MethodOptions {
		writeJSON(w, http.StatusNoContent, map[string]any{})
		return
	}

	if (r.Method == http.MethodGet || r.Method == http.MethodHead) && r.URL.Path == "/api/health" {
		writeJSON(w, http.StatusOK, map[string]any{"ok": true})
		return
	}

	if (r.Method == http.MethodGet || r.Method == http.MethodHead) && r.URL.Path == "/api/ready" {
		ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
		defer cancel()

		status := "ready"
		statusCode := http.StatusOK
		checks := map[string]any{
			"database": map[string]any{"status": "ok"},
		}
		if err := s.service.Ping(ctx); err != nil {
			status = "not_ready"
			statusCode = http.StatusServiceUnavailable
			checks["database"] = map[string]any{"status": "error", "error": err.Error()}
		}
		writeJSON(w, statusCode, map[string]any{
			"ok":     status == "ready",
			"status": status,
			"checks": checks,
		})
		return
	}

	if r.Method == http.MethodGet && r.URL.Path == "/api/units" {
		s.handleUnits(w, r)
		return
	}

	if r.Method == http.MethodGet && r.URL.Path == "/api/dashboard" {
		s.handleDashboard(w, r)
		return
	}

	if r.Method == http.MethodGet && r.URL.Path == "/api/search" {
		s.handleSearch(w, r)
		return
	}

	if r.Method == http.MethodPost && r.URL.Path == "/api/reports/close-month" {
		s.handleCloseMonth(w, r)
		return
	}

	if r.Method == http.MethodGet && r.URL.Path == "/api/reports/export" {
		s.handleExport(w, r)
		return
	}

	// /api/sheets/{sheet}/rows and /api/sheets/{sheet}/rows/{id}
	if strings.HasPrefix(r.URL.Path, "/api/sheets/") {
		rest := strings.TrimPrefix(r.URL.Path, "/api/sheets/")
		parts := strings.Split(rest, "/")
		switch {
		case len(parts) == 2 && parts[1] == "rows" && r.Method == http.MethodGet:
			s.handleSheetRows(w, r, parts[0])
			return
		case len(parts) == 2 && parts[1] == "rows" && r.Method == http.MethodPost:
			s.handleSheetSave(w, r, parts[0])
			return
		case len(parts) == 3 && parts[1] == "rows" && r.Method == http.MethodDelete:
			s.handleSheetDelete(w, r, parts[0], parts[2])
			return
		}
	}

	writeError(w, http.StatusNotFound, "NOT_FOUND", "Not found", nil)
}

func (s *HTTPServer) handleUnits(w http.ResponseWriter, r *http.Request) {
	units, err := s.service.Units(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, "UNITS_FAILED", "Could not load units", nil)
		return
	}
	out := make([]map[string]any, 0, len(units))
	for _, u := range units {
		out = append(out, map[string]any{"id": u.ID, "name": u.Name, "code": u.Code})
	}
	writeJSON(w, http.StatusOK, map[string]any{"units": out})
}

func (s *HTTPServer) handleDashboard(w http.ResponseWriter, r *http.Request) {
	q, scope, derr := periodAndScope(r)
	if derr != nil {
		writeDomainError(w, derr)
		return
	}
	resp, err := s.service.Dashboard(r.Context(), q, scope)
	if err != nil {
		var de *DomainError
		if errors.As(err, &de) && de.Status == http.StatusBadRequest {
			// Invalid period still renders: dashes in metrics, error on the side.
			writeJSON(w, de.Status, map[string]any{
				"code":      de.Code,
				"error":     de.Message,
				"dashboard": resp,
			})
			return
		}
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *HTTPServer) handleSearch(w http.ResponseWriter, r *http.Request) {
	entity := search.Entity(r.URL.Query().Get("entity"))
	if entity != search.EntityStudent && entity != search.EntityTeacher {
		writeError(w, http.StatusBadRequest, "INVALID_ENTITY", "entity must be students or teachers", nil)
		return
	}
	unitID, _ := strconv.ParseInt(r.URL.Query().Get("unitId"), 10, 64)
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))

	resp := s.service.SearchEntities(r.Context(), search.Query{
		Entity: entity,
		Term:   r.URL.Query().Get("q"),
		UnitID: unitID,
		Limit:  limit,
	})
	writeJSON(w, http.StatusOK, resp)
}

func (s *HTTPServer) handleSheetRows(w http.ResponseWriter, r *http.Request, sheet string) {
	unitID, _ := strconv.ParseInt(r.URL.Query().Get("unitId"), 10, 64)
	rows, err := s.service.SheetRows(r.Context(), sheet, unitID,
		r.URL.Query().Get("from"), r.URL.Query().Get("to"))
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"rows": rows})
}

func (s *HTTPServer) handleSheetSave(w http.ResponseWriter, r *http.Request, sheet string) {
	var body struct {
		Kind   string         `json:"kind"`
		ID     *int64         `json:"id"`
		Fields map[string]any `json:"fields"`
	}
	if err := decodeBody(r, &body); err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
		return
	}
	if body.Kind == "" {
		writeError(w, http.StatusBadRequest, "INVALID_BODY", "kind is required", nil)
		return
	}

	record, err := s.service.SaveSheetRow(r.Context(), sheet, body.Kind, body.ID, body.Fields)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	status := http.StatusOK
	if body.ID == nil {
		status = http.StatusCreated
	}
	writeJSON(w, status, map[string]any{"row": record})
}

func (s *HTTPServer) handleSheetDelete(w http.ResponseWriter, r *http.Request, sheet, rawID string) {
	id, err := strconv.ParseInt(rawID, 10, 64)
	if err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_ID", "row id must be numeric", nil)
		return
	}
	kind := r.URL.Query().Get("kind")
	if kind == "" {
		writeError(w, http.StatusBadRequest, "INVALID_BODY", "kind is required", nil)
		return
	}
	if err := s.service.DeleteSheetRow(r.Context(), sheet, kind, id); err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"deleted": true})
}

func (s *HTTPServer) handleCloseMonth(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Year  int `json:"year"`
		Month int `json:"month"`
	}
	if err := decodeBody(r, &body); err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
		return
	}
	result, err := s.service.CloseMonth(r.Context(), body.Year, body.Month)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

func (s *HTTPServer) handleExport(w http.ResponseWriter, r *http.Request) {
	q, scope, derr := periodAndScope(r)
	if derr != nil {
		writeDomainError(w, derr)
		return
	}
	result, err := s.service.ExportReport(r.Context(), q, scope)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	w.Header().Set("Content-Type", result.MimeType)
	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", result.Filename))
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(result.Data)
}

func periodAndScope(r *http.Request) (report.PeriodQuery, report.Scope, *DomainError) {
	values := r.URL.Query()
	year, err := strconv.Atoi(values.Get("year"))
	if err != nil {
		return report.PeriodQuery{}, report.Scope{}, domainError(http.StatusBadRequest, "INVALID_PERIOD", "year must be numeric", nil)
	}
	monthStart, err := strconv.Atoi(values.Get("monthStart"))
	if err != nil {
		return report.PeriodQuery{}, report.Scope{}, domainError(http.StatusBadRequest, "INVALID_PERIOD", "monthStart must be numeric", nil)
	}
	monthEnd, err := strconv.Atoi(values.Get("monthEnd"))
	if err != nil {
		return report.PeriodQuery{}, report.Scope{}, domainError(http.StatusBadRequest, "INVALID_PERIOD", "monthEnd must be numeric", nil)
	}

	scope := report.AllUnits()
	if raw := values.Get("unitId"); raw != "" {
		unitID, err := strconv.ParseInt(raw, 10, 64)
		if err != nil {
			return report.PeriodQuery{}, report.Scope{}, domainError(http.StatusBadRequest, "INVALID_SCOPE", "unitId must be numeric", nil)
		}
		scope = report.ForUnit(unitID)
	}

	return report.PeriodQuery{Year: year, MonthStart: monthStart, MonthEnd: monthEnd}, scope, nil
}

func (s *HTTPServer) withMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requestID := r.Header.Get("X-Request-ID")
		if requestID == "" {
			requestID = util.NewID("req")
		}
		ctx := context.WithValue(r.Context(), requestIDKey{}, requestID)
		r = r.WithContext(ctx)

		started := time.Now()
		writer := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		setCORSHeaders(writer.Header(), s.corsOrigin)
		writer.Header().Set("X-Request-ID", requestID)

		next.ServeHTTP(writer, r)

		s.log.WithFields(logrus.Fields{
			"request_id":  requestID,
			"method":      r.Method,
			"path":        r.URL.Path,
			"status":      writer.status,
			"duration_ms": time.Since(started).Milliseconds(),
		}).Info("request")
	})
}

type requestIDKey struct{}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}

func setCORSHeaders(header http.Header, corsOrigin string) {
	header.Set("Access-Control-Allow-Origin", corsOrigin)
	header.Set("Access-Control-Allow-Headers", "Content-Type, Authorization, X-Request-ID")
	header.Set("Access-Control-Allow-Methods", "GET,POST,PUT,DELETE,OPTIONS")
	header.Set("Cache-Control", "no-store")
	header.Set("Content-Type", "application/json")
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, code, message string, details any) {
	response := map[string]any{
		"code":  code,
		"error": message,
	}
	if details != nil {
		response["details"] = details
	}
	writeJSON(w, status, response)
}

func writeDomainError(w http.ResponseWriter, e *DomainError) {
	writeError(w, e.Status, e.Code, e.Message, e.Details)
}

func writeServiceError(w http.ResponseWriter, err error) {
	var de *DomainError
	if errors.As(err, &de) {
		writeDomainError(w, de)
		return
	}
	writeError(w, http.StatusInternalServerError, "INTERNAL", "Internal error", nil)
}

func decodeBody(r *http.Request, target any) error {
	if r.Body == nil {
		return nil
	}
	defer r.Body.Close()
	decoder := json.NewDecoder(r.Body)
	if err := decoder.Decode(target); err != nil {
		if errors.Is(err, http.ErrBodyReadAfterClose) {
			return nil
		}
		return fmt.Errorf("invalid JSON body")
	}
	return nil
}
