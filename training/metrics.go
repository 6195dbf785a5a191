package training

import (
	"context"
	"fmt"
	"math"

	"github.com/tsawler/go-adversarial/engine"
)

// Metric accumulates iteration outputs over an epoch.
type Metric interface {
	Reset()
	Update(out Output) error
	Compute() (float64, error)
}

// MetricCmpFunc reports whether current is better than best.
type MetricCmpFunc func(current, best float64) bool

// GreaterIsBetter is the default key metric comparison.
func GreaterIsBetter(current, best float64) bool {
	return current > best
}

// LessIsBetter suits loss-like key metrics.
func LessIsBetter(current, best float64) bool {
	return current < best
}

// AverageMetric averages a scalar output entry, such as a loss, over an epoch.
type AverageMetric struct {
	Key   string
	sum   float64
	count int
}

func NewAverageMetric(key string) *AverageMetric {
	return &AverageMetric{Key: key}
}

func (m *AverageMetric) Reset() {
	m.sum, m.count = 0, 0
}

func (m *AverageMetric) Update(out Output) error {
	v, ok := out.Scalar(m.Key)
	if !ok {
		return fmt.Errorf("output has no scalar %q", m.Key)
	}
	m.sum += v
	m.count++
	return nil
}

func (m *AverageMetric) Compute() (float64, error) {
	if m.count == 0 {
		return 0, fmt.Errorf("average of %q has no samples", m.Key)
	}
	return m.sum / float64(m.count), nil
}

// RegressionMetricType selects the value a RegressionMetric reports.
type RegressionMetricType int

const (
	MAE RegressionMetricType = iota
	MSE
	RMSE
	R2
	NMAE
)

func (rt RegressionMetricType) String() string {
	switch rt {
	case MAE:
		return "MAE"
	case MSE:
		return "MSE"
	case RMSE:
		return "RMSE"
	case R2:
		return "R2"
	case NMAE:
		return "NMAE"
	default:
		return "Unknown"
	}
}

// RegressionMetric compares an output entry (by default the prediction)
// with the label over an epoch.
type RegressionMetric struct {
	Type       RegressionMetricType
	PredKey    string
	LabelKey   string
	predicted  []float32
	trueValues []float32
}

func NewRegressionMetric(metricType RegressionMetricType) *RegressionMetric {
	return &RegressionMetric{Type: metricType, PredKey: KeyPred, LabelKey: KeyLabel}
}

func (m *RegressionMetric) Reset() {
	m.predicted = m.predicted[:0]
	m.trueValues = m.trueValues[:0]
}

func (m *RegressionMetric) Update(out Output) error {
	pred, label := out[m.PredKey], out[m.LabelKey]
	if pred == nil || label == nil {
		return fmt.Errorf("output needs %q and %q", m.PredKey, m.LabelKey)
	}
	if pred.NumElems != label.NumElems {
		return fmt.Errorf("%q has %d elements but %q has %d", m.PredKey, pred.NumElems, m.LabelKey, label.NumElems)
	}
	p, err := pred.GetFloat32Data()
	if err != nil {
		return err
	}
	l, err := label.GetFloat32Data()
	if err != nil {
		return err
	}
	m.predicted = append(m.predicted, p...)
	m.trueValues = append(m.trueValues, l...)
	return nil
}

func (m *RegressionMetric) Compute() (float64, error) {
	if len(m.predicted) == 0 {
		return 0, fmt.Errorf("%s has no samples", m.Type)
	}
	rm := CalculateRegressionMetrics(m.predicted, m.trueValues, len(m.predicted))
	switch m.Type {
	case MAE:
		return rm.MAE, nil
	case MSE:
		return rm.MSE, nil
	case RMSE:
		return rm.RMSE, nil
	case R2:
		return rm.R2, nil
	case NMAE:
		return rm.NMAE, nil
	default:
		return 0, fmt.Errorf("unknown regression metric %d", m.Type)
	}
}

// RegressionMetrics holds comprehensive regression evaluation metrics
type RegressionMetrics struct {
	MAE  float64 // Mean Absolute Error
	MSE  float64 // Mean Squared Error
	RMSE float64 // Root Mean Squared Error
	R2   float64 // R-squared
	NMAE float64 // Normalized Mean Absolute Error
}

// CalculateRegressionMetrics computes regression metrics over the first n values
func CalculateRegressionMetrics(predictions []float32, trueValues []float32, n int) *RegressionMetrics {
	if n == 0 || len(predictions) < n || len(trueValues) < n {
		return &RegressionMetrics{}
	}

	meanTrue := 0.0
	for i := 0; i < n; i++ {
		meanTrue += float64(trueValues[i])
	}
	meanTrue /= float64(n)

	sumAbsErr, sumSqErr, sumSqTotal := 0.0, 0.0, 0.0
	minTrue, maxTrue := math.Inf(1), math.Inf(-1)

	for i := 0; i < n; i++ {
		pred := float64(predictions[i])
		actual := float64(trueValues[i])

		sumAbsErr += math.Abs(pred - actual)
		sumSqErr += (pred - actual) * (pred - actual)
		sumSqTotal += (actual - meanTrue) * (actual - meanTrue)

		minTrue = math.Min(minTrue, actual)
		maxTrue = math.Max(maxTrue, actual)
	}

	mae := sumAbsErr / float64(n)
	mse := sumSqErr / float64(n)

	r2 := 0.0
	if sumSqTotal > 0 {
		r2 = 1.0 - (sumSqErr / sumSqTotal)
	}
	nmae := 0.0
	if maxTrue > minTrue {
		nmae = mae / (maxTrue - minTrue)
	}

	return &RegressionMetrics{
		MAE:  mae,
		MSE:  mse,
		RMSE: math.Sqrt(mse),
		R2:   r2,
		NMAE: nmae,
	}
}

// MetricsHandler resets its metrics at EPOCH_STARTED, feeds them every
// iteration output and stores the results in State.Metrics at
// EPOCH_COMPLETED. The key metric also tracks BestMetric/BestMetricEpoch.
type MetricsHandler struct {
	KeyMetricName string
	Metrics       map[string]Metric
	Cmp           MetricCmpFunc
}

// NewMetricsHandler combines the key metric and additional metrics.
func NewMetricsHandler(keyMetric map[string]Metric, additional map[string]Metric, cmp MetricCmpFunc) (*MetricsHandler, error) {
	if len(keyMetric) > 1 {
		return nil, fmt.Errorf("%w: only one key metric is allowed, got %d", ErrInvalidConfig, len(keyMetric))
	}
	if cmp == nil {
		cmp = GreaterIsBetter
	}
	h := &MetricsHandler{Metrics: make(map[string]Metric), Cmp: cmp}
	for name, m := range keyMetric {
		h.KeyMetricName = name
		h.Metrics[name] = m
	}
	for name, m := range additional {
		if _, dup := h.Metrics[name]; dup {
			return nil, fmt.Errorf("%w: metric %q is defined twice", ErrInvalidConfig, name)
		}
		h.Metrics[name] = m
	}
	return h, nil
}

func (h *MetricsHandler) Attach(e *engine.Engine) error {
	e.State().KeyMetricName = h.KeyMetricName
	if err := e.On(engine.EpochStarted, h.reset); err != nil {
		return err
	}
	if err := e.On(engine.IterationCompleted, h.update); err != nil {
		return err
	}
	return e.On(engine.EpochCompleted, h.compute)
}

func (h *MetricsHandler) reset(ctx context.Context, e *engine.Engine) error {
	for _, m := range h.Metrics {
		m.Reset()
	}
	return nil
}

func (h *MetricsHandler) update(ctx context.Context, e *engine.Engine) error {
	out, ok := e.State().Output.(Output)
	if !ok {
		return fmt.Errorf("metrics need an adversarial output, got %T", e.State().Output)
	}
	for name, m := range h.Metrics {
		if err := m.Update(out); err != nil {
			return fmt.Errorf("failed to update metric %q: %w", name, err)
		}
	}
	return nil
}

func (h *MetricsHandler) compute(ctx context.Context, e *engine.Engine) error {
	st := e.State()
	for name, m := range h.Metrics {
		v, err := m.Compute()
		if err != nil {
			return fmt.Errorf("failed to compute metric %q: %w", name, err)
		}
		st.Metrics[name] = v
	}

	if h.KeyMetricName == "" {
		return nil
	}
	current := st.Metrics[h.KeyMetricName]
	if st.BestMetricEpoch == -1 || h.Cmp(current, st.BestMetric) {
		st.BestMetric = current
		st.BestMetricEpoch = st.Epoch
		engine.LoggerFrom(ctx).Info("Key metric improved.",
			"metric", h.KeyMetricName, "value", current, "epoch", st.Epoch)
	}
	return nil
}
