package training

import (
	"context"
	"fmt"
	"io"
	"os"
	"sort"
	"strings"
	"time"

	"github.com/tsawler/go-adversarial/engine"
)

// ProgressBar provides PyTorch-style training progress visualization
type ProgressBar struct {
	description string
	total       int
	current     int
	startTime   time.Time
	width       int
	showRate    bool
	showETA     bool
	metrics     map[string]float64
	out         io.Writer
}

// NewProgressBar creates a new progress bar writing to stdout
func NewProgressBar(description string, total int) *ProgressBar {
	return NewProgressBarTo(os.Stdout, description, total)
}

// NewProgressBarTo creates a progress bar writing to out
func NewProgressBarTo(out io.Writer, description string, total int) *ProgressBar {
	return &ProgressBar{
		description: description,
		total:       total,
		startTime:   time.Now(),
		width:       40, // Character width of progress bar
		showRate:    true,
		showETA:     true,
		metrics:     make(map[string]float64),
		out:         out,
	}
}

// Update advances the progress bar
func (pb *ProgressBar) Update(step int, metrics map[string]float64) {
	pb.current = step
	pb.metrics = metrics
	pb.render()
}

// Finish completes the progress bar
func (pb *ProgressBar) Finish() {
	if pb.total > 0 {
		pb.current = pb.total
	}
	pb.render()
	fmt.Fprintln(pb.out) // New line after completion
}

// render draws the progress bar
func (pb *ProgressBar) render() {
	percentage := 0.0
	if pb.total > 0 {
		percentage = float64(pb.current) / float64(pb.total)
	}
	if percentage > 1.0 {
		percentage = 1.0
	}

	filled := int(percentage * float64(pb.width))
	bar := strings.Repeat("█", filled) + strings.Repeat(" ", pb.width-filled)

	elapsed := time.Since(pb.startTime)
	var eta time.Duration
	var rate float64
	if pb.current > 0 {
		rate = float64(pb.current) / elapsed.Seconds()
		if percentage > 0 {
			eta = time.Duration(float64(elapsed)/percentage) - elapsed
		}
	}

	line := fmt.Sprintf("\r%s: %3.0f%%|%s| %d/%d",
		pb.description,
		percentage*100,
		bar,
		pb.current,
		pb.total,
	)

	if pb.showETA && eta > 0 {
		line += fmt.Sprintf(" [%s<%s", formatDuration(elapsed), formatDuration(eta))
	} else {
		line += fmt.Sprintf(" [%s<00:00", formatDuration(elapsed))
	}

	if pb.showRate && rate > 0 {
		line += fmt.Sprintf(", %.2fbatch/s", rate)
	}

	for _, key := range sortedKeys(pb.metrics) {
		line += fmt.Sprintf(", %s=%.3f", key, pb.metrics[key])
	}
	line += "]"

	// Carriage return overwrites the previous line
	fmt.Fprint(pb.out, line)
}

// formatDuration formats duration as MM:SS
func formatDuration(d time.Duration) string {
	minutes := int(d.Minutes())
	seconds := int(d.Seconds()) % 60
	return fmt.Sprintf("%02d:%02d", minutes, seconds)
}

func sortedKeys(m map[string]float64) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// StatsHandler shows a progress bar per epoch with the latest iteration
// losses and prints an epoch summary with the epoch metrics.
type StatsHandler struct {
	// Keys are the scalar output entries shown on the bar.
	Keys []string
	Out  io.Writer

	bar  *ProgressBar
	last map[string]float64
}

// NewStatsHandler shows the combined, generator and discriminator losses.
func NewStatsHandler(out io.Writer) *StatsHandler {
	if out == nil {
		out = os.Stdout
	}
	return &StatsHandler{
		Keys: []string{KeyLoss, KeyReconstructionLoss, KeyGeneratorLoss, KeyDiscriminatorLoss},
		Out:  out,
	}
}

func (h *StatsHandler) Attach(e *engine.Engine) error {
	if err := e.On(engine.EpochStarted, h.epochStarted); err != nil {
		return err
	}
	if err := e.On(engine.IterationCompleted, h.iterationCompleted); err != nil {
		return err
	}
	if err := e.On(engine.EpochCompleted, h.epochCompleted); err != nil {
		return err
	}
	return e.On(engine.ExceptionRaised, h.exceptionRaised)
}

func (h *StatsHandler) epochStarted(ctx context.Context, e *engine.Engine) error {
	st := e.State()
	h.bar = NewProgressBarTo(h.Out, fmt.Sprintf("Epoch %d/%d", st.Epoch, st.MaxEpochs), st.EpochLength)
	h.last = make(map[string]float64, len(h.Keys))
	return nil
}

func (h *StatsHandler) iterationCompleted(ctx context.Context, e *engine.Engine) error {
	if h.bar == nil {
		return nil
	}
	out, ok := e.State().Output.(Output)
	if !ok {
		return nil
	}
	for _, key := range h.Keys {
		if v, ok := out.Scalar(key); ok {
			h.last[key] = v
		}
	}
	h.bar.current++
	h.bar.Update(h.bar.current, h.last)
	return nil
}

func (h *StatsHandler) epochCompleted(ctx context.Context, e *engine.Engine) error {
	if h.bar == nil {
		return nil
	}
	h.bar.Finish()
	h.bar = nil

	st := e.State()
	fmt.Fprintf(h.Out, "Epoch %d/%d Summary:\n", st.Epoch, st.MaxEpochs)
	for _, key := range sortedKeys(h.last) {
		fmt.Fprintf(h.Out, "  %-20s %.4f\n", key, h.last[key])
	}
	for _, name := range sortedKeys(st.Metrics) {
		marker := ""
		if name == st.KeyMetricName && st.BestMetricEpoch == st.Epoch {
			marker = " (best)"
		}
		fmt.Fprintf(h.Out, "  %-20s %.4f%s\n", name, st.Metrics[name], marker)
	}
	fmt.Fprintln(h.Out)
	return nil
}

func (h *StatsHandler) exceptionRaised(ctx context.Context, e *engine.Engine) error {
	if h.bar != nil {
		fmt.Fprintln(h.Out)
		h.bar = nil
	}
	fmt.Fprintf(h.Out, "Training failed at iteration %d: %v\n", e.State().Iteration, e.State().Err)
	return nil
}
