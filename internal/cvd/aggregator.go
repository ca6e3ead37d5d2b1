package cvd

import (
	"math"
	"time"

	"github.com/senni000/crypto-data-binance/internal/market"
)

// DefaultHistoryWindow is the rolling statistics window.
const DefaultHistoryWindow = 72 * time.Hour

// minWindowPoints is the smallest window that yields a meaningful z-score.
const minWindowPoints = 2

// GroupConfig declares one aggregator: a logical symbol built from one or
// more push streams.
type GroupConfig struct {
	ID            string
	DisplayName   string
	Streams       []market.StreamSpec
	AlertsEnabled bool
}

type point struct {
	ts    int64
	cvd   float64
	delta float64
}

// Aggregator maintains the incremental CVD series and rolling statistics
// for one group. One point enters the window per processed trade; pruning
// is by trade timestamp against the window length.
type Aggregator struct {
	id       string
	windowMs int64

	cvd    float64
	window []point

	// running sums over the window for O(1) mean/σ
	sumCvd, sumCvdSq     float64
	sumDelta, sumDeltaSq float64
}

// NewAggregator builds an empty aggregator with the given window.
func NewAggregator(id string, window time.Duration) *Aggregator {
	if window <= 0 {
		window = DefaultHistoryWindow
	}
	return &Aggregator{id: id, windowMs: window.Milliseconds()}
}

// ID returns the aggregator's logical symbol.
func (a *Aggregator) ID() string { return a.id }

// Value returns the current cumulative volume delta.
func (a *Aggregator) Value() float64 { return a.cvd }

// Seed restores the running value and window from persisted records, oldest
// first, without recomputing z-scores.
func (a *Aggregator) Seed(records []market.CvdRecord) {
	for _, r := range records {
		a.cvd = r.CvdValue
		a.push(point{ts: r.Timestamp, cvd: r.CvdValue, delta: r.Delta})
	}
}

// Process folds one trade into the series and returns the resulting record.
func (a *Aggregator) Process(t market.Trade) market.CvdRecord {
	delta := t.SignedAmount()
	a.cvd += delta
	a.push(point{ts: t.Timestamp, cvd: a.cvd, delta: delta})

	rec := market.CvdRecord{
		AggregatorID: a.id,
		Timestamp:    t.Timestamp,
		CvdValue:     a.cvd,
		Delta:        delta,
	}
	rec.ZScore = zScore(a.cvd, a.sumCvd, a.sumCvdSq, len(a.window))
	rec.DeltaZScore = zScore(delta, a.sumDelta, a.sumDeltaSq, len(a.window))
	return rec
}

func (a *Aggregator) push(p point) {
	a.prune(p.ts)
	a.window = append(a.window, p)
	a.sumCvd += p.cvd
	a.sumCvdSq += p.cvd * p.cvd
	a.sumDelta += p.delta
	a.sumDeltaSq += p.delta * p.delta
}

func (a *Aggregator) prune(now int64) {
	cutoff := now - a.windowMs
	i := 0
	for i < len(a.window) && a.window[i].ts < cutoff {
		p := a.window[i]
		a.sumCvd -= p.cvd
		a.sumCvdSq -= p.cvd * p.cvd
		a.sumDelta -= p.delta
		a.sumDeltaSq -= p.delta * p.delta
		i++
	}
	if i > 0 {
		a.window = append(a.window[:0], a.window[i:]...)
	}
}

// zScore computes (x-μ)/σ with population σ over the window sums. Windows
// that are too small or flat yield 0.
func zScore(x, sum, sumSq float64, n int) float64 {
	if n < minWindowPoints {
		return 0
	}
	fn := float64(n)
	mean := sum / fn
	variance := sumSq/fn - mean*mean
	if variance <= 0 {
		return 0
	}
	sigma := math.Sqrt(variance)
	if sigma == 0 {
		return 0
	}
	return (x - mean) / sigma
}

// TriggerOf picks the stronger of the two z-scores.
func TriggerOf(rec market.CvdRecord) (source string, z float64) {
	if math.Abs(rec.DeltaZScore) > math.Abs(rec.ZScore) {
		return "delta", rec.DeltaZScore
	}
	return "cumulative", rec.ZScore
}

// SignedLog compresses a value into the log domain: sign(v)·ln(|v|) when
// |v| ≥ 1, else 0.
func SignedLog(v float64) float64 {
	av := math.Abs(v)
	if av < 1 {
		return 0
	}
	l := math.Log(av)
	if v < 0 {
		return -l
	}
	return l
}

// ExceedsThreshold applies the log-domain gate: the configured threshold
// logThreshold compares against |SignedLog(triggerZ)|.
func ExceedsThreshold(triggerZ, logThreshold float64) bool {
	if logThreshold <= 0 {
		return false
	}
	return math.Abs(SignedLog(triggerZ)) >= logThreshold
}
