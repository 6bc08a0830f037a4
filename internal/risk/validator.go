package risk

import (
	"sync"

	"paper-trading-daemon/internal/signal"
)

// Rejection reason codes. Machine-readable; the only vocabulary the
// VALIDATION_REJECT event ever carries.
const (
	ReasonRegimeMismatch = "REGIME_MISMATCH"
	ReasonPositionExists = "POSITION_EXISTS"
	ReasonExposureCap    = "EXPOSURE_CAP"
	ReasonRiskCap        = "RISK_CAP"
	ReasonKillSwitch     = "KILL_SWITCH"
	ReasonCooldown       = "COOLDOWN"
	ReasonSchemaInvalid  = "SCHEMA_INVALID"
	ReasonZeroQty        = "ZERO_QTY"
	ReasonModOutOfBounds = "MOD_OUT_OF_BOUNDS"
)

// ValidatorConfig holds the hard caps.
type ValidatorConfig struct {
	RiskPerTrade float64 // fraction of NAV at risk between entry and stop
	MaxExposure  float64 // fraction of NAV as notional per symbol
}

// Validator runs the final pre-broker checks. Rejections are control flow,
// not errors.
type Validator struct {
	cfg        ValidatorConfig
	killSwitch *KillSwitch
	cooldown   *Cooldown
}

// NewValidator creates a validator sharing the daemon's kill-switch and
// cooldown state.
func NewValidator(cfg ValidatorConfig, ks *KillSwitch, cd *Cooldown) *Validator {
	return &Validator{cfg: cfg, killSwitch: ks, cooldown: cd}
}

// EntryRequest is a candidate trade at the validator boundary.
type EntryRequest struct {
	Symbol      string
	Side        signal.Side
	Qty         float64
	Entry       float64
	Stop        float64
	NAV         float64
	Regime      signal.Regime
	HasPosition bool
	SchemaValid bool
}

// Validate returns an empty string to admit the request, or a reason code.
// Checks run in a fixed order so the recorded reason is deterministic.
func (v *Validator) Validate(req EntryRequest) string {
	if !req.SchemaValid {
		return ReasonSchemaInvalid
	}
	if req.Regime != signal.RegimeTrend {
		return ReasonRegimeMismatch
	}
	if req.HasPosition {
		return ReasonPositionExists
	}
	if req.Qty <= 0 {
		return ReasonZeroQty
	}
	if v.killSwitch.Active(req.Symbol) {
		return ReasonKillSwitch
	}
	if v.cooldown.Active(req.Symbol) {
		return ReasonCooldown
	}
	// Caps use a small tolerance so a qty sized exactly at the cap survives
	// its own rounding.
	const eps = 1e-6
	if req.Qty*req.Entry > v.cfg.MaxExposure*req.NAV*(1+eps) {
		return ReasonExposureCap
	}
	priceRisk := req.Side.Sign() * (req.Entry - req.Stop)
	if priceRisk <= 0 {
		return ReasonSchemaInvalid
	}
	if req.Qty*priceRisk > v.cfg.RiskPerTrade*req.NAV*(1+eps) {
		return ReasonRiskCap
	}
	return ""
}

// ============================================================================
// CONSULTANT RECONCILIATION
// ============================================================================

// DecisionKind is the tagged variant for the reconciliation outcome.
type DecisionKind int

const (
	DecisionExecute DecisionKind = iota
	DecisionReject
	DecisionModified
)

// Decision is the deterministic result of applying a consultant review to a
// proposal.
type Decision struct {
	Kind    DecisionKind
	Reason  string   // set on reject
	NewStop *float64 // set when a stop modification was applied
	NewQty  *float64 // set when a size modification was applied
}

// ReviewInput are the consultant fields reconciliation consumes.
type ReviewInput struct {
	Recommendation string // "approve", "reject", or "modify"
	StopMod        *float64
	SizeMod        *float64
}

// Reconcile applies the review rules: approve executes unchanged, reject
// blocks, modify may only tighten. Stop modifications must stay within
// [entry - 3*ATR, entry - 0.5*ATR] for longs (mirrored for shorts) and size
// modifications may only reduce quantity; anything else downgrades the
// modification to a reject.
func Reconcile(review ReviewInput, side signal.Side, entry, atr, qty float64) Decision {
	switch review.Recommendation {
	case "approve":
		return Decision{Kind: DecisionExecute}
	case "reject":
		return Decision{Kind: DecisionReject, Reason: "CONSULTANT_REJECT"}
	case "modify":
		d := Decision{Kind: DecisionModified}
		if review.StopMod != nil {
			stop := *review.StopMod
			far := entry - side.Sign()*3*atr
			near := entry - side.Sign()*0.5*atr
			lo, hi := far, near
			if side == signal.SideShort {
				lo, hi = near, far
			}
			if stop < lo || stop > hi {
				return Decision{Kind: DecisionReject, Reason: ReasonModOutOfBounds}
			}
			d.NewStop = &stop
		}
		if review.SizeMod != nil {
			size := *review.SizeMod
			if size <= 0 || size > qty {
				return Decision{Kind: DecisionReject, Reason: ReasonModOutOfBounds}
			}
			d.NewQty = &size
		}
		if d.NewStop == nil && d.NewQty == nil {
			// A modify with nothing to apply executes as proposed.
			return Decision{Kind: DecisionExecute}
		}
		return d
	default:
		return Decision{Kind: DecisionReject, Reason: ReasonSchemaInvalid}
	}
}

// ============================================================================
// COOLDOWN
// ============================================================================

// Cooldown suppresses re-entries for a few bars after a stop-out.
type Cooldown struct {
	bars int

	mu        sync.Mutex
	remaining map[string]int
}

// NewCooldown creates a cooldown tracker.
func NewCooldown(bars int) *Cooldown {
	return &Cooldown{bars: bars, remaining: make(map[string]int)}
}

// Trip starts the cooldown window for a symbol.
func (c *Cooldown) Trip(symbol string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.remaining[symbol] = c.bars
}

// Active reports whether the symbol is still cooling down.
func (c *Cooldown) Active(symbol string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.remaining[symbol] > 0
}

// Tick advances the countdown by one bar.
func (c *Cooldown) Tick(symbol string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if remaining, ok := c.remaining[symbol]; ok {
		if remaining <= 1 {
			delete(c.remaining, symbol)
		} else {
			c.remaining[symbol] = remaining - 1
		}
	}
}
