package volcache

import (
	"sort"
	"sync"

	"riskcore/internal/metrics"
)

// DefaultCorrelation is assumed between symbols without enough aligned
// return samples ("moderate").
const DefaultCorrelation = 0.5

// DefaultWindow is the number of return samples kept per symbol
// (one trading year of dailies).
const DefaultWindow = 252

// Histories holds bounded per-symbol return series and derives pairwise
// correlations from them. Oldest samples are evicted FIFO once a series
// reaches the window.
type Histories struct {
	mu         sync.Mutex
	window     int
	minSamples int
	returns    map[string][]float64
}

// NewHistories creates return histories with the given window (samples kept
// per symbol) and the minimum aligned sample count for a real correlation.
func NewHistories(window, minSamples int) *Histories {
	if window <= 0 {
		window = 252
	}
	if minSamples <= 0 {
		minSamples = 10
	}
	return &Histories{
		window:     window,
		minSamples: minSamples,
		returns:    make(map[string][]float64),
	}
}

// Append records a return sample for symbol, evicting the oldest sample
// once the window is full.
func (h *Histories) Append(symbol string, r float64) {
	h.mu.Lock()
	defer h.mu.Unlock()

	series := append(h.returns[symbol], metrics.Sanitize(r, 0))
	if len(series) > h.window {
		series = series[len(series)-h.window:]
	}
	h.returns[symbol] = series
}

// AppendPrice derives a return from consecutive prices and records it.
// Nothing is recorded when either price is not positive.
func (h *Histories) AppendPrice(symbol string, prev, cur float64) {
	if prev <= 0 || cur <= 0 {
		return
	}
	h.Append(symbol, cur/prev-1)
}

// Returns gives a copy of the recorded series for symbol.
func (h *Histories) Returns(symbol string) []float64 {
	h.mu.Lock()
	defer h.mu.Unlock()

	series := h.returns[symbol]
	out := make([]float64, len(series))
	copy(out, series)
	return out
}

// Correlation returns the Pearson correlation between the two symbols'
// aligned tails when both have at least minSamples samples; otherwise the
// moderate default. The second result reports whether real data was used.
func (h *Histories) Correlation(a, b string) (float64, bool) {
	if a == b {
		return 1, true
	}

	h.mu.Lock()
	sa, sb := h.returns[a], h.returns[b]
	n := len(sa)
	if len(sb) < n {
		n = len(sb)
	}
	if n < h.minSamples {
		h.mu.Unlock()
		return DefaultCorrelation, false
	}
	x := make([]float64, n)
	y := make([]float64, n)
	copy(x, sa[len(sa)-n:])
	copy(y, sb[len(sb)-n:])
	h.mu.Unlock()

	return metrics.Correlation(x, y), true
}

// Matrix recomputes the symmetric correlation matrix over all tracked
// symbols, keyed by unordered pair (lexicographic "A|B").
func (h *Histories) Matrix() map[string]float64 {
	h.mu.Lock()
	symbols := make([]string, 0, len(h.returns))
	for sym := range h.returns {
		symbols = append(symbols, sym)
	}
	h.mu.Unlock()
	sort.Strings(symbols)

	matrix := make(map[string]float64)
	for i := 0; i < len(symbols); i++ {
		for j := i + 1; j < len(symbols); j++ {
			corr, _ := h.Correlation(symbols[i], symbols[j])
			matrix[symbols[i]+"|"+symbols[j]] = corr
		}
	}
	return matrix
}

// AvgAbsCorrelation is the mean absolute pairwise correlation across the
// given symbols, counting only pairs with enough aligned samples. The second
// result is false when no pair had real data.
func (h *Histories) AvgAbsCorrelation(symbols []string) (float64, bool) {
	var sum float64
	pairs := 0
	for i := 0; i < len(symbols); i++ {
		for j := i + 1; j < len(symbols); j++ {
			corr, real := h.Correlation(symbols[i], symbols[j])
			if !real {
				continue
			}
			if corr < 0 {
				corr = -corr
			}
			sum += corr
			pairs++
		}
	}
	if pairs == 0 {
		return 0, false
	}
	return sum / float64(pairs), true
}
