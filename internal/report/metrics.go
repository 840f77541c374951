package report

// Op is the aggregation operator applied to a metric during consolidation.
// Operator assignment is explicit per metric, never inferred from data.
type Op string

const (
	// OpSum is for flow metrics: event counts accumulated over the period.
	OpSum Op = "sum"
	// OpAvg is for stock/rate metrics: point-in-time levels averaged over the
	// distinct months actually present in the row set.
	OpAvg Op = "average"
	// OpCount counts the distinct (year, month) pairs present.
	OpCount Op = "count"
)

type MetricDef struct {
	Name string
	Op   Op
}

// Metric names, shared by the snapshot schema, the live source and the
// consolidator.
const (
	MetricLeads           = "leads"
	MetricTrialsScheduled = "trials_scheduled"
	MetricTrialsDone      = "trials_done"
	MetricEnrollments     = "enrollments"
	MetricCancellations   = "cancellations"
	MetricRenewals        = "renewals"
	MetricActiveStudents  = "active_students"
	MetricAvgTicket       = "avg_ticket"
	MetricChurnRate       = "churn_rate"
	MetricDaysRetained    = "avg_days_retained"
	MetricMonthsReported  = "months_reported"
	MetricProjectedRev    = "projected_revenue"
)

// Metrics is the canonical operator registry.
var Metrics = []MetricDef{
	{MetricLeads, OpSum},
	{MetricTrialsScheduled, OpSum},
	{MetricTrialsDone, OpSum},
	{MetricEnrollments, OpSum},
	{MetricCancellations, OpSum},
	{MetricRenewals, OpSum},
	{MetricActiveStudents, OpAvg},
	{MetricAvgTicket, OpAvg},
	{MetricChurnRate, OpAvg},
	{MetricDaysRetained, OpAvg},
	{MetricMonthsReported, OpCount},
}

// DerivedDef computes a metric from already-consolidated values, never from
// per-row data.
type DerivedDef struct {
	Name    string
	Inputs  []string
	Compute func(inputs []float64) float64
}

// Derived is the canonical derived-metric registry. Projected revenue is the
// average active-student count times the average ticket.
var Derived = []DerivedDef{
	{
		Name:   MetricProjectedRev,
		Inputs: []string{MetricActiveStudents, MetricAvgTicket},
		Compute: func(in []float64) float64 {
			return in[0] * in[1]
		},
	},
}
