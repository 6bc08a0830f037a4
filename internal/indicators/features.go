package indicators

import "math"

// Standard parameter set used across the daemon.
const (
	EMAFastPeriod   = 20
	EMAMidPeriod    = 50
	EMASlowPeriod   = 200
	HMAPeriod       = 55
	RSIPeriod       = 14
	StochRSIPeriod  = 14
	StochRSISmoothK = 3
	ROCPeriod       = 10
	ATRPeriod       = 14
	BollingerPeriod = 20
	BollingerStdev  = 2.0
	DonchianPeriod  = 20
	CMFPeriod       = 20
	ADXPeriod       = 14
	RVOLPeriod      = 20

	// MaxLookback is the longest window any indicator needs.
	MaxLookback = EMASlowPeriod

	// WarmupBars is the number of closed bars required before signals are
	// allowed to fire.
	WarmupBars = 3 * MaxLookback
)

// FeatureSet holds every indicator series for one bar stream.
type FeatureSet struct {
	EMA20    []float64
	EMA50    []float64
	EMA200   []float64
	HMA55    []float64
	RSI14    []float64
	StochRSI []float64
	ROC10    []float64
	ATR14    []float64
	BBUpper  []float64
	BBMid    []float64
	BBLower  []float64
	DonchU   []float64
	DonchL   []float64
	OBV      []float64
	CMF20    []float64
	ADX14    []float64
	RVOL20   []float64
	VWAP     []float64
	AVWAP    []float64
}

// Snapshot is the last-bar view of a FeatureSet, used for signal evaluation
// and the decision rationale. NaN fields mean the window is not satisfied.
type Snapshot struct {
	Close    float64 `json:"close"`
	High     float64 `json:"high"`
	Low      float64 `json:"low"`
	EMA20    float64 `json:"ema20"`
	EMA50    float64 `json:"ema50"`
	EMA200   float64 `json:"ema200"`
	HMA55    float64 `json:"hma55"`
	RSI14    float64 `json:"rsi14"`
	StochRSI float64 `json:"stochrsi"`
	ROC10    float64 `json:"roc10"`
	ATR14    float64 `json:"atr14"`
	BBUpper  float64 `json:"bb_u"`
	BBMid    float64 `json:"bb_mid"`
	BBLower  float64 `json:"bb_l"`
	DonchU   float64 `json:"donch_u"`
	DonchL   float64 `json:"donch_l"`
	OBV      float64 `json:"obv"`
	CMF20    float64 `json:"cmf20"`
	ADX14    float64 `json:"adx14"`
	RVOL20   float64 `json:"rvol20"`
	VWAP     float64 `json:"vwap"`
	AVWAP    float64 `json:"avwap"`
}

// Compute runs the full battery over a bar stream.
func Compute(bars []Bar) *FeatureSet {
	closes := make([]float64, len(bars))
	for i, b := range bars {
		closes[i] = b.Close
	}

	fs := &FeatureSet{
		EMA20:    EMA(closes, EMAFastPeriod),
		EMA50:    EMA(closes, EMAMidPeriod),
		EMA200:   EMA(closes, EMASlowPeriod),
		HMA55:    HMA(closes, HMAPeriod),
		RSI14:    RSI(closes, RSIPeriod),
		StochRSI: StochRSI(closes, RSIPeriod, StochRSIPeriod, StochRSISmoothK),
		ROC10:    ROC(closes, ROCPeriod),
		ATR14:    ATR(bars, ATRPeriod),
		OBV:      OBV(bars),
		CMF20:    CMF(bars, CMFPeriod),
		ADX14:    ADX(bars, ADXPeriod),
		RVOL20:   RVOL(bars, RVOLPeriod),
		VWAP:     SessionVWAP(bars),
		AVWAP:    AVWAP(bars, DonchianPeriod),
	}
	fs.BBUpper, fs.BBMid, fs.BBLower = Bollinger(closes, BollingerPeriod, BollingerStdev)
	fs.DonchU, fs.DonchL = Donchian(bars, DonchianPeriod)
	return fs
}

// At returns the snapshot for bar i.
func (fs *FeatureSet) At(bars []Bar, i int) Snapshot {
	return Snapshot{
		Close:    bars[i].Close,
		High:     bars[i].High,
		Low:      bars[i].Low,
		EMA20:    fs.EMA20[i],
		EMA50:    fs.EMA50[i],
		EMA200:   fs.EMA200[i],
		HMA55:    fs.HMA55[i],
		RSI14:    fs.RSI14[i],
		StochRSI: fs.StochRSI[i],
		ROC10:    fs.ROC10[i],
		ATR14:    fs.ATR14[i],
		BBUpper:  fs.BBUpper[i],
		BBMid:    fs.BBMid[i],
		BBLower:  fs.BBLower[i],
		DonchU:   fs.DonchU[i],
		DonchL:   fs.DonchL[i],
		OBV:      fs.OBV[i],
		CMF20:    fs.CMF20[i],
		ADX14:    fs.ADX14[i],
		RVOL20:   fs.RVOL20[i],
		VWAP:     fs.VWAP[i],
		AVWAP:    fs.AVWAP[i],
	}
}

// Ready reports whether enough closed bars exist for signals to fire.
func Ready(barCount int) bool {
	return barCount >= WarmupBars
}

// Defined reports whether a value has left its warm-up window.
func Defined(v float64) bool {
	return !math.IsNaN(v)
}
