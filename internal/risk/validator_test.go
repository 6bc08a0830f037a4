package risk

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"paper-trading-daemon/internal/signal"
)

func newTestValidator() (*Validator, *KillSwitch, *Cooldown) {
	ks := NewKillSwitch(DefaultKillSwitchConfig())
	cd := NewCooldown(3)
	v := NewValidator(ValidatorConfig{RiskPerTrade: 0.005, MaxExposure: 0.02}, ks, cd)
	return v, ks, cd
}

func validRequest() EntryRequest {
	return EntryRequest{
		Symbol:      "BTCUSDT",
		Side:        signal.SideLong,
		Qty:         1.9,
		Entry:       100,
		Stop:        98,
		NAV:         10000,
		Regime:      signal.RegimeTrend,
		SchemaValid: true,
	}
}

func TestValidateAdmits(t *testing.T) {
	v, _, _ := newTestValidator()
	assert.Empty(t, v.Validate(validRequest()))
}

func TestValidateRejections(t *testing.T) {
	tests := []struct {
		name string
		mod  func(*EntryRequest)
		want string
	}{
		{"schema invalid", func(r *EntryRequest) { r.SchemaValid = false }, ReasonSchemaInvalid},
		{"chop regime", func(r *EntryRequest) { r.Regime = signal.RegimeChop }, ReasonRegimeMismatch},
		{"open position", func(r *EntryRequest) { r.HasPosition = true }, ReasonPositionExists},
		{"zero qty", func(r *EntryRequest) { r.Qty = 0 }, ReasonZeroQty},
		{"exposure cap", func(r *EntryRequest) { r.Qty = 2.5 }, ReasonExposureCap},
		{"risk cap", func(r *EntryRequest) { r.Qty = 1.9; r.Stop = 60 }, ReasonRiskCap},
		{"stop wrong side", func(r *EntryRequest) { r.Stop = 101 }, ReasonSchemaInvalid},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			v, _, _ := newTestValidator()
			req := validRequest()
			tt.mod(&req)
			assert.Equal(t, tt.want, v.Validate(req))
		})
	}
}

func TestValidateRiskCap(t *testing.T) {
	v, _, _ := newTestValidator()
	req := validRequest()
	// Notional under the exposure cap but risk over budget: qty 1 at 60 USD
	// stop distance risks 60 > 50.
	req.Qty = 1
	req.Entry = 100
	req.Stop = 40
	assert.Equal(t, ReasonRiskCap, v.Validate(req))
}

func TestValidateKillSwitchAndCooldown(t *testing.T) {
	v, ks, cd := newTestValidator()

	ks.armed["BTCUSDT"] = 5
	assert.Equal(t, ReasonKillSwitch, v.Validate(validRequest()))
	ks.Reset("BTCUSDT")
	assert.Empty(t, v.Validate(validRequest()))

	cd.Trip("BTCUSDT")
	assert.Equal(t, ReasonCooldown, v.Validate(validRequest()))
	cd.Tick("BTCUSDT")
	cd.Tick("BTCUSDT")
	cd.Tick("BTCUSDT")
	assert.Empty(t, v.Validate(validRequest()))
}

func TestReconcileApprove(t *testing.T) {
	d := Reconcile(ReviewInput{Recommendation: "approve"}, signal.SideLong, 100, 1, 10)
	assert.Equal(t, DecisionExecute, d.Kind)
}

func TestReconcileReject(t *testing.T) {
	d := Reconcile(ReviewInput{Recommendation: "reject"}, signal.SideLong, 100, 1, 10)
	assert.Equal(t, DecisionReject, d.Kind)
	assert.Equal(t, "CONSULTANT_REJECT", d.Reason)
}

func TestReconcileModifySize(t *testing.T) {
	size := 5.0
	d := Reconcile(ReviewInput{Recommendation: "modify", SizeMod: &size}, signal.SideLong, 100, 1, 10)
	require.Equal(t, DecisionModified, d.Kind)
	require.NotNil(t, d.NewQty)
	assert.Equal(t, 5.0, *d.NewQty)
	assert.Nil(t, d.NewStop)
}

func TestReconcileSizeMayOnlyReduce(t *testing.T) {
	size := 20.0
	d := Reconcile(ReviewInput{Recommendation: "modify", SizeMod: &size}, signal.SideLong, 100, 1, 10)
	assert.Equal(t, DecisionReject, d.Kind)
	assert.Equal(t, ReasonModOutOfBounds, d.Reason)

	zero := 0.0
	d = Reconcile(ReviewInput{Recommendation: "modify", SizeMod: &zero}, signal.SideLong, 100, 1, 10)
	assert.Equal(t, DecisionReject, d.Kind)
}

func TestReconcileStopBounds(t *testing.T) {
	// Long at 100 with ATR 1: stop must land in [97, 99.5].
	tests := []struct {
		name string
		stop float64
		kind DecisionKind
	}{
		{"within bounds", 98, DecisionModified},
		{"at far bound", 97, DecisionModified},
		{"at near bound", 99.5, DecisionModified},
		{"too far", 96.5, DecisionReject},
		{"too near", 99.8, DecisionReject},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			stop := tt.stop
			d := Reconcile(ReviewInput{Recommendation: "modify", StopMod: &stop}, signal.SideLong, 100, 1, 10)
			assert.Equal(t, tt.kind, d.Kind)
		})
	}
}

func TestReconcileStopBoundsShort(t *testing.T) {
	// Short at 100 with ATR 1: stop must land in [100.5, 103].
	stop := 101.0
	d := Reconcile(ReviewInput{Recommendation: "modify", StopMod: &stop}, signal.SideShort, 100, 1, 10)
	assert.Equal(t, DecisionModified, d.Kind)

	stop = 104.0
	d = Reconcile(ReviewInput{Recommendation: "modify", StopMod: &stop}, signal.SideShort, 100, 1, 10)
	assert.Equal(t, DecisionReject, d.Kind)
}

func TestReconcileEmptyModifyExecutes(t *testing.T) {
	d := Reconcile(ReviewInput{Recommendation: "modify"}, signal.SideLong, 100, 1, 10)
	assert.Equal(t, DecisionExecute, d.Kind)
}

func TestReconcileUnknownRecommendation(t *testing.T) {
	d := Reconcile(ReviewInput{Recommendation: "hold"}, signal.SideLong, 100, 1, 10)
	assert.Equal(t, DecisionReject, d.Kind)
	assert.Equal(t, ReasonSchemaInvalid, d.Reason)
}

func TestCooldownLifecycle(t *testing.T) {
	cd := NewCooldown(3)
	assert.False(t, cd.Active("BTCUSDT"))

	cd.Trip("BTCUSDT")
	assert.True(t, cd.Active("BTCUSDT"))
	assert.False(t, cd.Active("ETHUSDT"))

	cd.Tick("BTCUSDT")
	cd.Tick("BTCUSDT")
	assert.True(t, cd.Active("BTCUSDT"))
	cd.Tick("BTCUSDT")
	assert.False(t, cd.Active("BTCUSDT"))
}
