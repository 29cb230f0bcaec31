// Package evaluation scores the output spikes of a simulation run.
package evaluation

import (
	"fmt"
	"math"
)

// Undecided is the prediction of a sample whose output layer never spiked.
const Undecided = -1

// MetricType represents different classification metrics
type MetricType int

const (
	MacroPrecision MetricType = iota
	MacroRecall
	MacroF1
	MicroPrecision
	MicroRecall
	MicroF1
)

func (mt MetricType) String() string {
	switch mt {
	case MacroPrecision:
		return "MacroPrecision"
	case MacroRecall:
		return "MacroRecall"
	case MacroF1:
		return "MacroF1"
	case MicroPrecision:
		return "MicroPrecision"
	case MicroRecall:
		return "MicroRecall"
	case MicroF1:
		return "MicroF1"
	default:
		return fmt.Sprintf("Unknown(%d)", int(mt))
	}
}

// Predict returns the arg-max class of every sample's spike sums, or
// Undecided when a sample has no output spikes at all.
func Predict(spikeSums [][]float64) []int {
	predictions := make([]int, len(spikeSums))
	for b, sums := range spikeSums {
		best := Undecided
		total := 0.0
		for c, v := range sums {
			total += v
			if best == Undecided || v > sums[best] {
				best = c
			}
		}
		if total == 0 {
			best = Undecided
		}
		predictions[b] = best
	}
	return predictions
}

// Accuracy is the fraction of predictions equal to the truth. Undecided
// predictions never match.
func Accuracy(truth, predictions []int) float64 {
	if len(truth) == 0 {
		return 0
	}
	correct := 0
	for i, y := range truth {
		if i < len(predictions) && predictions[i] == y {
			correct++
		}
	}
	return float64(correct) / float64(len(truth))
}

// IoU returns the intersection over union of two boxes given as
// [x1, y1, x2, y2].
func IoU(a, b []float64) float64 {
	if len(a) != 4 || len(b) != 4 {
		return 0
	}
	ix := math.Max(0, math.Min(a[2], b[2])-math.Max(a[0], b[0]))
	iy := math.Max(0, math.Min(a[3], b[3])-math.Max(a[1], b[1]))
	inter := ix * iy
	union := (a[2]-a[0])*(a[3]-a[1]) + (b[2]-b[0])*(b[3]-b[1]) - inter
	if union <= 0 {
		return 0
	}
	return inter / union
}

// MeanIoU averages IoU over a batch of box pairs.
func MeanIoU(truth, predicted [][]float64) float64 {
	if len(truth) == 0 {
		return 0
	}
	sum := 0.0
	for i := range truth {
		if i < len(predicted) {
			sum += IoU(truth[i], predicted[i])
		}
	}
	return sum / float64(len(truth))
}

// ConfusionMatrix represents a confusion matrix for classification tasks.
// Undecided predictions are counted separately and lower the accuracy.
type ConfusionMatrix struct {
	NumClasses   int
	Matrix       [][]int // [true_class][predicted_class]
	Undecided    []int   // per true class
	TotalSamples int

	// Cached metrics to avoid recomputation
	cachedMetrics map[MetricType]float64
	metricsValid  bool
}

// NewConfusionMatrix creates a new confusion matrix
func NewConfusionMatrix(numClasses int) *ConfusionMatrix {
	matrix := make([][]int, numClasses)
	for i := range matrix {
		matrix[i] = make([]int, numClasses)
	}

	return &ConfusionMatrix{
		NumClasses:    numClasses,
		Matrix:        matrix,
		Undecided:     make([]int, numClasses),
		cachedMetrics: make(map[MetricType]float64),
	}
}

// Reset clears the confusion matrix
func (cm *ConfusionMatrix) Reset() {
	for i := range cm.Matrix {
		for j := range cm.Matrix[i] {
			cm.Matrix[i][j] = 0
		}
		cm.Undecided[i] = 0
	}
	cm.TotalSamples = 0
	cm.metricsValid = false
	cm.cachedMetrics = make(map[MetricType]float64)
}

// Update adds a batch of predictions against their true labels.
func (cm *ConfusionMatrix) Update(truth, predictions []int) error {
	if len(truth) != len(predictions) {
		return fmt.Errorf("predictions length mismatch: expected %d, got %d", len(truth), len(predictions))
	}

	for i, y := range truth {
		if y < 0 || y >= cm.NumClasses {
			return fmt.Errorf("true label %d out of range [0, %d)", y, cm.NumClasses)
		}
		p := predictions[i]
		switch {
		case p == Undecided:
			cm.Undecided[y]++
		case p < 0 || p >= cm.NumClasses:
			return fmt.Errorf("prediction %d out of range [0, %d)", p, cm.NumClasses)
		default:
			cm.Matrix[y][p]++
		}
		cm.TotalSamples++
	}

	cm.metricsValid = false
	return nil
}

// GetMetric calculates and returns the specified metric
func (cm *ConfusionMatrix) GetMetric(metric MetricType) float64 {
	if cm.metricsValid {
		if value, exists := cm.cachedMetrics[metric]; exists {
			return value
		}
	} else {
		cm.cachedMetrics = make(map[MetricType]float64)
		cm.metricsValid = true
	}

	var value float64
	switch metric {
	case MacroPrecision:
		value = cm.macro(cm.falsePositives)
	case MacroRecall:
		value = cm.macro(cm.falseNegatives)
	case MacroF1:
		value = f1(cm.GetMetric(MacroPrecision), cm.GetMetric(MacroRecall))
	case MicroPrecision:
		value = cm.micro(cm.falsePositives)
	case MicroRecall:
		value = cm.micro(cm.falseNegatives)
	case MicroF1:
		value = f1(cm.GetMetric(MicroPrecision), cm.GetMetric(MicroRecall))
	}

	cm.cachedMetrics[metric] = value
	return value
}

// falsePositives counts samples of other classes predicted as class.
func (cm *ConfusionMatrix) falsePositives(class int) float64 {
	fp := 0.0
	for other := 0; other < cm.NumClasses; other++ {
		if other != class {
			fp += float64(cm.Matrix[other][class])
		}
	}
	return fp
}

// falseNegatives counts samples of class not predicted as class, including
// undecided ones.
func (cm *ConfusionMatrix) falseNegatives(class int) float64 {
	fn := float64(cm.Undecided[class])
	for other := 0; other < cm.NumClasses; other++ {
		if other != class {
			fn += float64(cm.Matrix[class][other])
		}
	}
	return fn
}

func (cm *ConfusionMatrix) macro(errors func(int) float64) float64 {
	sum := 0.0
	validClasses := 0
	for class := 0; class < cm.NumClasses; class++ {
		tp := float64(cm.Matrix[class][class])
		e := errors(class)
		if tp+e > 0 {
			sum += tp / (tp + e)
			validClasses++
		}
	}
	if validClasses == 0 {
		return 0.0
	}
	return sum / float64(validClasses)
}

func (cm *ConfusionMatrix) micro(errors func(int) float64) float64 {
	totalTP := 0.0
	totalErr := 0.0
	for class := 0; class < cm.NumClasses; class++ {
		totalTP += float64(cm.Matrix[class][class])
		totalErr += errors(class)
	}
	if totalTP+totalErr == 0 {
		return 0.0
	}
	return totalTP / (totalTP + totalErr)
}

func f1(precision, recall float64) float64 {
	if precision+recall == 0 {
		return 0.0
	}
	return 2 * (precision * recall) / (precision + recall)
}

// GetAccuracy returns overall classification accuracy
func (cm *ConfusionMatrix) GetAccuracy() float64 {
	if cm.TotalSamples == 0 {
		return 0.0
	}

	correct := 0
	for i := 0; i < cm.NumClasses; i++ {
		correct += cm.Matrix[i][i]
	}

	return float64(correct) / float64(cm.TotalSamples)
}

// UndecidedRate returns the fraction of samples without any output spike.
func (cm *ConfusionMatrix) UndecidedRate() float64 {
	if cm.TotalSamples == 0 {
		return 0.0
	}
	n := 0
	for _, u := range cm.Undecided {
		n += u
	}
	return float64(n) / float64(cm.TotalSamples)
}
