package runtime

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/fortiblox/svmstub/pkg/svm"
	"github.com/fortiblox/svmstub/pkg/svm/syscall"
)

const metricsNamespace = "svmstub"

// Metrics counts session activity. A nil *Metrics records nothing.
type Metrics struct {
	runs         *prometheus.CounterVec
	faults       *prometheus.CounterVec
	syscalls     *prometheus.CounterVec
	computeUnits prometheus.Histogram
}

// NewMetrics creates the session collectors and registers them with reg.
// Sessions sharing a Metrics aggregate into the same series.
func NewMetrics(reg prometheus.Registerer) (*Metrics, error) {
	m := &Metrics{
		runs: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "runs_total",
			Help:      "Executed instructions by outcome.",
		}, []string{"outcome"}),
		faults: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "faults_total",
			Help:      "Faults that ended a run, by fault code.",
		}, []string{"code"}),
		syscalls: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "syscalls_total",
			Help:      "Syscall invocations by name and result.",
		}, []string{"syscall", "result"}),
		computeUnits: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: metricsNamespace,
			Name:      "compute_units",
			Help:      "Compute units consumed per run.",
			Buckets:   prometheus.ExponentialBuckets(100, 4, 8),
		}),
	}
	for _, c := range []prometheus.Collector{m.runs, m.faults, m.syscalls, m.computeUnits} {
		if err := reg.Register(c); err != nil {
			return nil, err
		}
	}
	return m, nil
}

func (m *Metrics) observeRun(res *Result) {
	if m == nil {
		return
	}
	m.computeUnits.Observe(float64(res.ComputeUnits))
	if res.Fault == nil {
		m.runs.WithLabelValues("success").Inc()
		return
	}
	m.runs.WithLabelValues("fault").Inc()
	m.faults.WithLabelValues(res.Fault.Code.String()).Inc()
}

func (m *Metrics) observeSyscall(id syscall.ID, fault *svm.Fault) {
	if m == nil {
		return
	}
	result := "ok"
	if fault != nil {
		result = fault.Code.String()
	}
	m.syscalls.WithLabelValues(id.String(), result).Inc()
}
