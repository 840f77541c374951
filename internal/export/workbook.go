package export

import (
	"bytes"
	"fmt"

	"github.com/xuri/excelize/v2"

	"compasso/api/internal/report"
	"compasso/api/internal/store"
)

// Result is a rendered file ready to download or archive.
type Result struct {
	Data     []byte
	Filename string
	MimeType string
}

const xlsxMimeType = "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet"

var metricLabels = map[string]string{
	report.MetricLeads:           "Leads",
	report.MetricTrialsScheduled: "Trials scheduled",
	report.MetricTrialsDone:      "Trials done",
	report.MetricEnrollments:     "Enrollments",
	report.MetricCancellations:   "Cancellations",
	report.MetricRenewals:        "Renewals",
	report.MetricActiveStudents:  "Active students",
	report.MetricAvgTicket:       "Average ticket",
	report.MetricChurnRate:       "Churn rate (%)",
	report.MetricDaysRetained:    "Average days retained",
	report.MetricMonthsReported:  "Months reported",
	report.MetricProjectedRev:    "Projected revenue",
}

// BuildReportWorkbook renders a consolidated report into a two-sheet
// workbook: the summary in registry order, then the per-unit monthly
// breakdown.
func BuildReportWorkbook(title string, set report.MetricSet, snaps []store.Snapshot, unitNames map[int64]string) (*Result, error) {
	f := excelize.NewFile()
	defer f.Close()

	summary := "Summary"
	f.SetSheetName("Sheet1", summary)

	f.SetCellValue(summary, "A1", title)
	f.SetCellValue(summary, "A3", "Metric")
	f.SetCellValue(summary, "B3", "Operator")
	f.SetCellValue(summary, "C3", "Value")

	row := 4
	writeMetric := func(name string) {
		v, ok := set[name]
		if !ok {
			return
		}
		label := metricLabels[name]
		if label == "" {
			label = name
		}
		f.SetCellValue(summary, "A"+fmt.Sprint(row), label)
		f.SetCellValue(summary, "B"+fmt.Sprint(row), string(v.Op))
		if v.NoData {
			f.SetCellValue(summary, "C"+fmt.Sprint(row), "-")
		} else {
			f.SetCellValue(summary, "C"+fmt.Sprint(row), v.Value)
		}
		row++
	}
	for _, def := range report.Metrics {
		writeMetric(def.Name)
	}
	for _, d := range report.Derived {
		writeMetric(d.Name)
	}

	units := "Units"
	if _, err := f.NewSheet(units); err != nil {
		return nil, fmt.Errorf("create units sheet: %w", err)
	}

	headers := []string{
		"Unit", "Year", "Month",
		"Leads", "Trials scheduled", "Trials done", "Enrollments",
		"Cancellations", "Renewals", "Active students",
		"Average ticket", "Churn rate (%)", "Average days retained",
	}
	for i, h := range headers {
		cell, err := excelize.CoordinatesToCellName(i+1, 1)
		if err != nil {
			return nil, err
		}
		f.SetCellValue(units, cell, h)
	}

	for i, snap := range snaps {
		name := unitNames[snap.UnitID]
		if name == "" {
			name = fmt.Sprintf("Unit %d", snap.UnitID)
		}
		ticket, _ := snap.AvgTicket.Float64()
		values := []any{
			name, snap.Year, snap.Month,
			snap.Leads, snap.TrialsScheduled, snap.TrialsDone, snap.Enrollments,
			snap.Cancellations, snap.Renewals, snap.ActiveStudents,
			ticket, snap.ChurnRate, snap.AvgDaysRetained,
		}
		for j, v := range values {
			cell, err := excelize.CoordinatesToCellName(j+1, i+2)
			if err != nil {
				return nil, err
			}
			f.SetCellValue(units, cell, v)
		}
	}

	var buf bytes.Buffer
	if err := f.Write(&buf); err != nil {
		return nil, fmt.Errorf("write workbook: %w", err)
	}

	return &Result{
		Data:     buf.Bytes(),
		Filename: sanitizeFilename(title) + ".xlsx",
		MimeType: xlsxMimeType,
	}, nil
}

func sanitizeFilename(title string) string {
	out := make([]rune, 0, len(title))
	for _, r := range title {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '_':
			out = append(out, r)
		case r == ' ':
			out = append(out, '-')
		}
	}
	if len(out) == 0 {
		return "report"
	}
	return string(out)
}
