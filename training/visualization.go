package training

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"time"

	"github.com/tsawler/go-adversarial/engine"
)

// PlotType represents different types of plots that can be generated
type PlotType string

const (
	// Training plots
	TrainingCurves       PlotType = "training_curves"
	LearningRateSchedule PlotType = "learning_rate_schedule"

	// Reconstruction quality
	RegressionScatter PlotType = "regression_scatter"
)

// PlotData represents the universal JSON format for the sidecar plotting service
type PlotData struct {
	PlotType  PlotType  `json:"plot_type"`
	Title     string    `json:"title"`
	Timestamp time.Time `json:"timestamp"`
	ModelName string    `json:"model_name"`

	Series []SeriesData `json:"series"`
	Config PlotConfig   `json:"config"`

	Metrics map[string]interface{} `json:"metrics,omitempty"`
}

// SeriesData represents a single data series in a plot
type SeriesData struct {
	Name  string                 `json:"name"`
	Type  string                 `json:"type"` // "line", "scatter"
	Data  []DataPoint            `json:"data"`
	Style map[string]interface{} `json:"style,omitempty"`
}

// DataPoint represents a single data point
type DataPoint struct {
	X     interface{} `json:"x"`
	Y     interface{} `json:"y"`
	Label string      `json:"label,omitempty"`
}

// PlotConfig contains plot-specific configuration
type PlotConfig struct {
	XAxisLabel  string `json:"x_axis_label"`
	YAxisLabel  string `json:"y_axis_label"`
	XAxisScale  string `json:"x_axis_scale"` // "linear", "log"
	YAxisScale  string `json:"y_axis_scale"` // "linear", "log"
	ShowLegend  bool   `json:"show_legend"`
	ShowGrid    bool   `json:"show_grid"`
	Width       int    `json:"width"`
	Height      int    `json:"height"`
	Interactive bool   `json:"interactive"`
}

func defaultPlotConfig(xLabel, yLabel string) PlotConfig {
	return PlotConfig{
		XAxisLabel:  xLabel,
		YAxisLabel:  yLabel,
		XAxisScale:  "linear",
		YAxisScale:  "linear",
		ShowLegend:  true,
		ShowGrid:    true,
		Width:       800,
		Height:      600,
		Interactive: true,
	}
}

// curveStyles colors the loss series consistently across plots.
var curveStyles = map[string]string{
	KeyLoss:               "#FF6B6B",
	KeyReconstructionLoss: "#4ECDC4",
	KeyGeneratorLoss:      "#FF9F43",
	KeyDiscriminatorLoss:  "#5F27CD",
}

// LRSource reports a current learning rate. Every optimizer is one.
type LRSource interface {
	GetLR() float32
}

// VisualizationCollector records the scalar losses of every iteration and
// the learning rates of both optimizers at the end of every epoch. It
// attaches to the trainer engine like any other handler.
type VisualizationCollector struct {
	modelName string
	enabled   bool
	keys      []string

	steps  []int
	losses map[string][]float64

	epochs        []int
	learningRates map[string][]float64
	optimizers    map[string]LRSource

	predictions []float64
	trueValues  []float64
	maxPoints   int
}

// NewVisualizationCollector creates an enabled collector for the adversarial
// loss keys. Optimizers named in lrs are sampled once per epoch.
func NewVisualizationCollector(modelName string, lrs map[string]LRSource) *VisualizationCollector {
	return &VisualizationCollector{
		modelName:     modelName,
		enabled:       true,
		keys:          []string{KeyLoss, KeyReconstructionLoss, KeyGeneratorLoss, KeyDiscriminatorLoss},
		losses:        make(map[string][]float64),
		learningRates: make(map[string][]float64),
		optimizers:    lrs,
		maxPoints:     1000,
	}
}

// Enable enables data collection
func (vc *VisualizationCollector) Enable() {
	vc.enabled = true
}

// Disable disables data collection
func (vc *VisualizationCollector) Disable() {
	vc.enabled = false
}

// IsEnabled returns whether collection is enabled
func (vc *VisualizationCollector) IsEnabled() bool {
	return vc.enabled
}

func (vc *VisualizationCollector) Attach(e *engine.Engine) error {
	if err := e.On(engine.IterationCompleted, vc.iterationCompleted); err != nil {
		return err
	}
	return e.On(engine.EpochCompleted, vc.epochCompleted)
}

func (vc *VisualizationCollector) iterationCompleted(ctx context.Context, e *engine.Engine) error {
	out, ok := e.State().Output.(Output)
	if !ok {
		return nil
	}
	vc.RecordIteration(e.State().Iteration, out)
	return nil
}

func (vc *VisualizationCollector) epochCompleted(ctx context.Context, e *engine.Engine) error {
	if !vc.enabled {
		return nil
	}
	vc.epochs = append(vc.epochs, e.State().Epoch)
	for name, opt := range vc.optimizers {
		vc.learningRates[name] = append(vc.learningRates[name], float64(opt.GetLR()))
	}
	return nil
}

// RecordIteration stores the scalar losses of one iteration output and a
// sample of predictions against labels.
func (vc *VisualizationCollector) RecordIteration(step int, out Output) {
	if !vc.enabled {
		return
	}
	vc.steps = append(vc.steps, step)
	for _, key := range vc.keys {
		v, _ := out.Scalar(key)
		vc.losses[key] = append(vc.losses[key], v)
	}

	pred, label := out[KeyPred], out[KeyLabel]
	if pred == nil || label == nil || pred.NumElems != label.NumElems || len(vc.predictions) >= vc.maxPoints {
		return
	}
	p, err := pred.GetFloat32Data()
	if err != nil {
		return
	}
	l, err := label.GetFloat32Data()
	if err != nil {
		return
	}
	for i := 0; i < len(p) && len(vc.predictions) < vc.maxPoints; i++ {
		vc.predictions = append(vc.predictions, float64(p[i]))
		vc.trueValues = append(vc.trueValues, float64(l[i]))
	}
}

// GenerateTrainingCurvesPlot plots every recorded loss against the
// iteration number.
func (vc *VisualizationCollector) GenerateTrainingCurvesPlot() PlotData {
	var series []SeriesData
	for _, key := range vc.keys {
		values := vc.losses[key]
		if len(values) == 0 {
			continue
		}
		s := SeriesData{
			Name:  key,
			Type:  "line",
			Data:  make([]DataPoint, len(values)),
			Style: map[string]interface{}{"color": curveStyles[key], "line_width": 2},
		}
		for i, v := range values {
			s.Data[i] = DataPoint{X: vc.steps[i], Y: v}
		}
		series = append(series, s)
	}

	return PlotData{
		PlotType:  TrainingCurves,
		Title:     fmt.Sprintf("Training Curves - %s", vc.modelName),
		Timestamp: time.Now(),
		ModelName: vc.modelName,
		Series:    series,
		Config:    defaultPlotConfig("Iteration", "Loss"),
	}
}

// GenerateLearningRateSchedulePlot plots the learning rate of each
// optimizer per epoch.
func (vc *VisualizationCollector) GenerateLearningRateSchedulePlot() PlotData {
	var series []SeriesData
	for _, name := range sortedLRKeys(vc.learningRates) {
		values := vc.learningRates[name]
		s := SeriesData{Name: name, Type: "line", Data: make([]DataPoint, len(values))}
		for i, v := range values {
			s.Data[i] = DataPoint{X: vc.epochs[i], Y: v}
		}
		series = append(series, s)
	}

	config := defaultPlotConfig("Epoch", "Learning Rate")
	config.YAxisScale = "log"
	return PlotData{
		PlotType:  LearningRateSchedule,
		Title:     fmt.Sprintf("Learning Rate Schedule - %s", vc.modelName),
		Timestamp: time.Now(),
		ModelName: vc.modelName,
		Series:    series,
		Config:    config,
	}
}

// GenerateRegressionScatterPlot plots generated values against targets.
func (vc *VisualizationCollector) GenerateRegressionScatterPlot() PlotData {
	var series []SeriesData
	if len(vc.predictions) > 0 {
		s := SeriesData{Name: "Generated vs Target", Type: "scatter", Data: make([]DataPoint, len(vc.predictions))}
		for i := range vc.predictions {
			s.Data[i] = DataPoint{X: vc.trueValues[i], Y: vc.predictions[i]}
		}
		series = append(series, s)
	}

	rm := &RegressionMetrics{}
	if n := len(vc.predictions); n > 0 {
		p, l := make([]float32, n), make([]float32, n)
		for i := range vc.predictions {
			p[i], l[i] = float32(vc.predictions[i]), float32(vc.trueValues[i])
		}
		rm = CalculateRegressionMetrics(p, l, n)
	}

	return PlotData{
		PlotType:  RegressionScatter,
		Title:     fmt.Sprintf("Reconstruction - %s", vc.modelName),
		Timestamp: time.Now(),
		ModelName: vc.modelName,
		Series:    series,
		Config:    defaultPlotConfig("Target", "Generated"),
		Metrics: map[string]interface{}{
			"mae":  rm.MAE,
			"rmse": rm.RMSE,
			"r2":   rm.R2,
		},
	}
}

// ToJSON converts plot data to JSON string
func (pd PlotData) ToJSON() (string, error) {
	data, err := json.MarshalIndent(pd, "", "  ")
	if err != nil {
		return "", fmt.Errorf("failed to marshal plot data: %w", err)
	}
	return string(data), nil
}

// Clear clears all collected data
func (vc *VisualizationCollector) Clear() {
	vc.steps = nil
	vc.losses = make(map[string][]float64)
	vc.epochs = nil
	vc.learningRates = make(map[string][]float64)
	vc.predictions = nil
	vc.trueValues = nil
}

func sortedLRKeys(m map[string][]float64) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
