package observability

// MetricType enumerates the measurement kinds understood by collectors.
type MetricType string

const (
	// MetricCounter is a monotonically increasing count.
	MetricCounter MetricType = "counter"
	// MetricHistogram is a sampled distribution of observed values.
	MetricHistogram MetricType = "histogram"
)

// Metric is a single measurement emitted by the driver components.
type Metric struct {
	Name        string
	Type        MetricType
	Value       float64
	Labels      map[string]string
	Description string
	Unit        string
}

// MetricsCollector consumes metrics for aggregation or exposure.
type MetricsCollector interface {
	Collect(Metric)
}

// MetricsCollectorFunc adapts a function into a MetricsCollector.
type MetricsCollectorFunc func(Metric)

// Collect implements MetricsCollector.
func (f MetricsCollectorFunc) Collect(metric Metric) {
	f(metric)
}

// NoopMetricsCollector discards every measurement.
type NoopMetricsCollector struct{}

// Collect implements MetricsCollector.
func (NoopMetricsCollector) Collect(Metric) {}

var _ MetricsCollector = MetricsCollectorFunc(nil)
var _ MetricsCollector = NoopMetricsCollector{}
