package signal

import (
	"math"

	"paper-trading-daemon/internal/indicators"
)

// Regime is the coarse market-state label.
type Regime string

const (
	RegimeTrend Regime = "trend"
	RegimeChop  Regime = "chop"
)

// Side of a trade.
type Side string

const (
	SideLong  Side = "long"
	SideShort Side = "short"
)

// Sign returns +1 for long, -1 for short.
func (s Side) Sign() float64 {
	if s == SideShort {
		return -1
	}
	return 1
}

// Opposite returns the other side.
func (s Side) Opposite() Side {
	if s == SideLong {
		return SideShort
	}
	return SideLong
}

// Classify labels the regime: trend iff ADX(14) > 20 and EMA50 > EMA200.
// Undefined inputs always classify as chop.
func Classify(snap indicators.Snapshot) Regime {
	if math.IsNaN(snap.ADX14) || math.IsNaN(snap.EMA50) || math.IsNaN(snap.EMA200) {
		return RegimeChop
	}
	if snap.ADX14 > 20 && snap.EMA50 > snap.EMA200 {
		return RegimeTrend
	}
	return RegimeChop
}

// Entry is a fired entry signal.
type Entry struct {
	Side  Side    `json:"side"`
	Price float64 `json:"price"` // reference price (bar close)
	Stop  float64 `json:"stop"`
	ATR   float64 `json:"atr"`
}

// Config holds the rule parameters.
type Config struct {
	RiskPerTrade      float64 // fraction of NAV risked per trade
	MaxExposure       float64 // fraction of NAV per symbol
	StopATRMultiplier float64
	TimeStopBars      int
	AllowShorts       bool
	MinRVOL           float64
}

// DefaultConfig mirrors the daemon's standing risk parameters.
func DefaultConfig() Config {
	return Config{
		RiskPerTrade:      0.005,
		MaxExposure:       0.02,
		StopATRMultiplier: 2,
		TimeStopBars:      40,
		MinRVOL:           1.5,
	}
}

// Engine evaluates the deterministic rule set.
type Engine struct {
	cfg Config
}

// NewEngine creates a rule engine.
func NewEngine(cfg Config) *Engine {
	return &Engine{cfg: cfg}
}

// CheckEntry evaluates the breakout entry predicates on the latest snapshot.
// Returns nil when no signal fires. Entries are only meaningful in a trend
// regime; the caller gates on regime before acting.
func (e *Engine) CheckEntry(snap indicators.Snapshot) *Entry {
	if math.IsNaN(snap.DonchU) || math.IsNaN(snap.DonchL) ||
		math.IsNaN(snap.CMF20) || math.IsNaN(snap.RVOL20) || math.IsNaN(snap.ATR14) {
		return nil
	}

	if snap.Close > snap.DonchU && snap.CMF20 > 0 && snap.RVOL20 > e.cfg.MinRVOL {
		return &Entry{
			Side:  SideLong,
			Price: snap.Close,
			Stop:  snap.Close - e.cfg.StopATRMultiplier*snap.ATR14,
			ATR:   snap.ATR14,
		}
	}

	if e.cfg.AllowShorts && snap.Close < snap.DonchL && snap.CMF20 < 0 && snap.RVOL20 > e.cfg.MinRVOL {
		return &Entry{
			Side:  SideShort,
			Price: snap.Close,
			Stop:  snap.Close + e.cfg.StopATRMultiplier*snap.ATR14,
			ATR:   snap.ATR14,
		}
	}

	return nil
}

// PositionView is what exit evaluation needs to know about an open position.
type PositionView struct {
	Side             Side
	Qty              float64
	AvgPrice         float64
	Stop             float64
	BarsSinceEntry   int
	BarsSinceExtreme int     // bars since the last new favorable extreme
	Extreme          float64 // highest high (long) / lowest low (short) since entry
}

// ExitCheck is the outcome of exit evaluation. Exactly one of ShouldExit or
// NewStop may be set; both unset means hold.
type ExitCheck struct {
	ShouldExit bool
	Reason     string // "STOP" or "TIME"
	ExitPrice  float64
	NewStop    *float64
}

const (
	ExitReasonStop = "STOP"
	ExitReasonTime = "TIME"
	ExitReasonKill = "KILL"
)

// CheckExit evaluates the exit predicates in order: stop hit, trailing update,
// time stop. The first match wins. A stop hit fills at the stop price.
func (e *Engine) CheckExit(pos PositionView, bar indicators.Bar, atr float64) ExitCheck {
	if pos.Side == SideLong {
		if bar.Low <= pos.Stop {
			return ExitCheck{ShouldExit: true, Reason: ExitReasonStop, ExitPrice: pos.Stop}
		}
		if !math.IsNaN(atr) && bar.High >= pos.Extreme {
			trailed := bar.High - e.cfg.StopATRMultiplier*atr
			if trailed > pos.Stop {
				return ExitCheck{NewStop: &trailed}
			}
		}
	} else {
		if bar.High >= pos.Stop {
			return ExitCheck{ShouldExit: true, Reason: ExitReasonStop, ExitPrice: pos.Stop}
		}
		if !math.IsNaN(atr) && bar.Low <= pos.Extreme {
			trailed := bar.Low + e.cfg.StopATRMultiplier*atr
			if trailed < pos.Stop {
				return ExitCheck{NewStop: &trailed}
			}
		}
	}

	if pos.BarsSinceExtreme >= e.cfg.TimeStopBars {
		return ExitCheck{ShouldExit: true, Reason: ExitReasonTime, ExitPrice: bar.Close}
	}

	return ExitCheck{}
}

// PositionSize returns the quantity risking RiskPerTrade of NAV between entry
// and stop, clamped to the exposure cap. Quantities are rounded to 8 decimal
// places; anything that rounds to zero is rejected.
func (e *Engine) PositionSize(nav, entry, stop float64, side Side) float64 {
	if nav <= 0 || entry <= 0 {
		return 0
	}
	priceRisk := side.Sign() * (entry - stop)
	if priceRisk <= 0 {
		return 0
	}

	qty := (e.cfg.RiskPerTrade * nav) / priceRisk

	maxQty := (e.cfg.MaxExposure * nav) / entry
	if qty > maxQty {
		qty = maxQty
	}

	qty = math.Round(qty*1e8) / 1e8
	if qty <= 0 {
		return 0
	}
	return qty
}
