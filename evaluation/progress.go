package evaluation

import (
	"fmt"
	"io"
	"sort"
	"strings"
	"time"
)

// AccuracyEcho prints the running accuracy of a batch after every step.
// With verbose > 0 the values are appended one after another, otherwise the
// current value overwrites the previous one on the same line.
type AccuracyEcho struct {
	w       io.Writer
	verbose int
}

// NewAccuracyEcho creates an echo writing to w. A nil writer disables it.
func NewAccuracyEcho(w io.Writer, verbose int) *AccuracyEcho {
	return &AccuracyEcho{w: w, verbose: verbose}
}

// Start prints the header of a batch.
func (e *AccuracyEcho) Start() {
	if e == nil || e.w == nil {
		return
	}
	fmt.Fprintln(e.w, "Current accuracy of batch:")
}

// Update prints the accuracy after one step.
func (e *AccuracyEcho) Update(accuracy float64) {
	if e == nil || e.w == nil {
		return
	}
	if e.verbose > 0 {
		fmt.Fprintf(e.w, "%.2f%%_", accuracy*100)
	} else {
		fmt.Fprintf(e.w, "\r%7.2f%%", accuracy*100)
	}
}

// Finish ends the echo line.
func (e *AccuracyEcho) Finish() {
	if e == nil || e.w == nil {
		return
	}
	fmt.Fprintln(e.w)
}

// ProgressBar renders batch progress over a dataset
type ProgressBar struct {
	w           io.Writer
	description string
	total       int
	current     int
	startTime   time.Time
	width       int
	metrics     map[string]float64
}

// NewProgressBar creates a new progress bar
func NewProgressBar(w io.Writer, description string, total int) *ProgressBar {
	return &ProgressBar{
		w:           w,
		description: description,
		total:       total,
		startTime:   time.Now(),
		width:       40, // Character width of progress bar
		metrics:     make(map[string]float64),
	}
}

// Update advances the progress bar
func (pb *ProgressBar) Update(step int, metrics map[string]float64) {
	pb.current = step
	for k, v := range metrics {
		pb.metrics[k] = v
	}
	pb.render()
}

// Finish completes the progress bar
func (pb *ProgressBar) Finish() {
	pb.current = pb.total
	if pb.w == nil {
		return
	}
	pb.render()
	fmt.Fprintln(pb.w)
}

// String returns the current progress line without the leading carriage return.
func (pb *ProgressBar) String() string {
	percentage := 0.0
	if pb.total > 0 {
		percentage = float64(pb.current) / float64(pb.total)
	}
	if percentage > 1.0 {
		percentage = 1.0
	}

	filled := int(percentage * float64(pb.width))
	bar := strings.Repeat("█", filled) + strings.Repeat(" ", pb.width-filled)

	line := fmt.Sprintf("%s: %3.0f%%|%s| %d/%d [%s",
		pb.description,
		percentage*100,
		bar,
		pb.current,
		pb.total,
		formatDuration(time.Since(pb.startTime)),
	)

	for _, key := range sortedKeys(pb.metrics) {
		value := pb.metrics[key]
		if strings.Contains(key, "acc") {
			line += fmt.Sprintf(", %s=%.2f%%", key, value*100)
		} else {
			line += fmt.Sprintf(", %s=%.3f", key, value)
		}
	}
	return line + "]"
}

// render draws the progress bar
func (pb *ProgressBar) render() {
	if pb.w == nil {
		return
	}
	fmt.Fprint(pb.w, "\r"+pb.String())
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
