package risk

import (
	"math"
	"sort"
	"sync"

	"gonum.org/v1/gonum/stat"
)

// KillSwitchConfig holds the abnormal-volatility trip parameters.
type KillSwitchConfig struct {
	SigmaMultiple float64 // trip when current vol exceeds this multiple of the median
	ArmedBars     int     // how many bars the switch stays armed after a trip
	VolWindow     int     // bars per realized-volatility window
	MedianWindows int     // how many trailing windows the median is taken over
}

// DefaultKillSwitchConfig sizes the windows for a 5-minute timeframe: one
// hour of bars per vol estimate, a 30-day median.
func DefaultKillSwitchConfig() KillSwitchConfig {
	return KillSwitchConfig{
		SigmaMultiple: 3,
		ArmedBars:     12,
		VolWindow:     12,
		MedianWindows: 30 * 24, // one window per hour, 30 days back
	}
}

// KillSwitch is the per-symbol protective state. When realized volatility
// spikes above a multiple of its 30-day median, the symbol is flattened and
// blocked from new entries until the switch disarms.
type KillSwitch struct {
	cfg KillSwitchConfig

	mu    sync.Mutex
	armed map[string]int // symbol -> bars remaining
}

// NewKillSwitch creates a kill-switch.
func NewKillSwitch(cfg KillSwitchConfig) *KillSwitch {
	return &KillSwitch{
		cfg:   cfg,
		armed: make(map[string]int),
	}
}

// Evaluate checks the latest closes and trips the switch when volatility is
// abnormal. Returns true when the switch tripped on this call. Closes must be
// ascending; fewer than two full windows of history never trips.
func (k *KillSwitch) Evaluate(symbol string, closes []float64) bool {
	vol, median, ok := k.volVsMedian(closes)
	if !ok {
		return false
	}
	if vol <= k.cfg.SigmaMultiple*median {
		return false
	}

	k.mu.Lock()
	defer k.mu.Unlock()
	k.armed[symbol] = k.cfg.ArmedBars
	return true
}

// Active reports whether the switch is currently armed for a symbol.
func (k *KillSwitch) Active(symbol string) bool {
	k.mu.Lock()
	defer k.mu.Unlock()
	return k.armed[symbol] > 0
}

// Tick advances the armed countdown by one bar.
func (k *KillSwitch) Tick(symbol string) {
	k.mu.Lock()
	defer k.mu.Unlock()
	if remaining, ok := k.armed[symbol]; ok {
		if remaining <= 1 {
			delete(k.armed, symbol)
		} else {
			k.armed[symbol] = remaining - 1
		}
	}
}

// Reset disarms a symbol (operator action).
func (k *KillSwitch) Reset(symbol string) {
	k.mu.Lock()
	defer k.mu.Unlock()
	delete(k.armed, symbol)
}

// volVsMedian returns the realized vol of the newest window and the median of
// the trailing windows preceding it.
func (k *KillSwitch) volVsMedian(closes []float64) (vol, median float64, ok bool) {
	w := k.cfg.VolWindow
	if len(closes) < 2*(w+1) {
		return 0, 0, false
	}

	vol = RealizedVol(closes[len(closes)-w-1:])
	if math.IsNaN(vol) {
		return 0, 0, false
	}

	// Non-overlapping trailing windows, newest excluded.
	var history []float64
	end := len(closes) - w - 1
	for len(history) < k.cfg.MedianWindows && end-w-1 >= 0 {
		v := RealizedVol(closes[end-w-1 : end])
		if !math.IsNaN(v) {
			history = append(history, v)
		}
		end -= w
	}
	if len(history) == 0 {
		return 0, 0, false
	}

	sort.Float64s(history)
	median = stat.Quantile(0.5, stat.Empirical, history, nil)
	if median <= 0 {
		return 0, 0, false
	}
	return vol, median, true
}

// RealizedVol is the standard deviation of log returns over a close series.
func RealizedVol(closes []float64) float64 {
	if len(closes) < 3 {
		return math.NaN()
	}
	returns := make([]float64, 0, len(closes)-1)
	for i := 1; i < len(closes); i++ {
		if closes[i-1] <= 0 || closes[i] <= 0 {
			return math.NaN()
		}
		returns = append(returns, math.Log(closes[i]/closes[i-1]))
	}
	return stat.StdDev(returns, nil)
}
