package store

import (
	"time"

	"github.com/shopspring/decimal"

	"compasso/api/internal/report"
)

type Unit struct {
	ID        int64
	Name      string
	Code      string
	Active    bool
	CreatedAt time.Time
}

type Student struct {
	ID         int64
	UnitID     int64
	Name       string
	Status     string // active, notice, cancelled
	Instrument string
	MonthlyFee decimal.Decimal
	EnrolledAt *time.Time
	CreatedAt  time.Time
	UpdatedAt  time.Time
}

type Teacher struct {
	ID         int64
	UnitID     int64
	Name       string
	Instrument string
	Active     bool
}

type Channel struct {
	ID   int64
	Name string
}

type PaymentMethod struct {
	ID   int64
	Name string
}

// Snapshot is one immutable monthly totals row, keyed by (unit, year, month).
// Rows are written once at month close and never updated afterwards.
type Snapshot struct {
	ID              int64
	UnitID          int64
	Year            int
	Month           int
	Leads           int
	TrialsScheduled int
	TrialsDone      int
	Enrollments     int
	Cancellations   int
	Renewals        int
	ActiveStudents  int
	AvgTicket       decimal.Decimal
	ChurnRate       float64
	AvgDaysRetained float64
	CreatedAt       time.Time
}

// ReportRow converts the snapshot into the metric map the consolidator reads.
func (s Snapshot) ReportRow() report.Row {
	ticket, _ := s.AvgTicket.Float64()
	return report.Row{
		UnitID: s.UnitID,
		Year:   s.Year,
		Month:  s.Month,
		Values: map[string]float64{
			report.MetricLeads:           float64(s.Leads),
			report.MetricTrialsScheduled: float64(s.TrialsScheduled),
			report.MetricTrialsDone:      float64(s.TrialsDone),
			report.MetricEnrollments:     float64(s.Enrollments),
			report.MetricCancellations:   float64(s.Cancellations),
			report.MetricRenewals:        float64(s.Renewals),
			report.MetricActiveStudents:  float64(s.ActiveStudents),
			report.MetricAvgTicket:       ticket,
			report.MetricChurnRate:       s.ChurnRate,
			report.MetricDaysRetained:    s.AvgDaysRetained,
		},
	}
}

func decimalFromFloat(v float64) decimal.Decimal {
	return decimal.NewFromFloat(v).Round(2)
}

// Fields is a dynamically shaped record used by the sheet CRUD surface. The
// grid's kind registry decides which keys are meaningful for a given row.
type Fields map[string]any
