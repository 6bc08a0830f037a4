package events

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"paper-trading-daemon/internal/database"
)

// Tag is a coarse event category. The vocabulary is closed; components never
// invent tags.
type Tag string

const (
	TagCycle      Tag = "CYCLE"
	TagData       Tag = "DATA"
	TagFeatures   Tag = "FEATURES"
	TagSignal     Tag = "SIGNAL"
	TagSentiment  Tag = "SENTIMENT"
	TagProposal   Tag = "PROPOSAL"
	TagConsultant Tag = "CONSULTANT"
	TagValidation Tag = "VALIDATION"
	TagTrade      Tag = "TRADE"
	TagExit       Tag = "EXIT"
	TagRisk       Tag = "RISK"
	TagReflection Tag = "REFLECTION"
	TagQA         Tag = "QA"
	TagError      Tag = "ERROR"
)

// Action codes, also a closed set.
const (
	ActionStartCycle           = "START_CYCLE"
	ActionEndCycle             = "END_CYCLE"
	ActionCycleTimeout         = "TIMEOUT"
	ActionInitializeNAV        = "INITIALIZE_NAV"
	ActionRegimeTrend          = "REGIME_TREND"
	ActionRegimeChop           = "REGIME_CHOP"
	ActionSkipNoSignal         = "SKIP_NO_SIGNAL"
	ActionSkipWarmup           = "SKIP_WARMUP"
	ActionAdvisorFail          = "ADVISOR_FAIL"
	ActionConsultantApprove    = "CONSULTANT_APPROVE"
	ActionConsultantReject     = "CONSULTANT_REJECT"
	ActionConsultantModify     = "CONSULTANT_MODIFY"
	ActionConsultantAutoApprove = "CONSULTANT_AUTO_APPROVE"
	ActionValidationReject     = "VALIDATION_REJECT"
	ActionOpenLong             = "OPEN_LONG"
	ActionOpenShort            = "OPEN_SHORT"
	ActionExitStop             = "EXIT_STOP"
	ActionExitTime             = "EXIT_TIME"
	ActionExitKill             = "EXIT_KILL"
	ActionStaleData            = "STALE_DATA"
	ActionKillSwitch           = "KILL_SWITCH"
	ActionInvariant            = "INVARIANT"
	ActionProcessError         = "PROCESS_ERROR"
	ActionSentimentRefresh     = "REFRESH"
	ActionSentimentFallback    = "FALLBACK"
)

// Event is one audit record before persistence.
type Event struct {
	Level      string
	Tags       []Tag
	Symbol     string
	Timeframe  string
	Action     string
	DecisionID string
	TradeID    *int64
	Payload    any
}

// Sink persists events. *database.Repository satisfies it.
type Sink interface {
	AppendEvent(ctx context.Context, e database.EventLogEntry) error
}

// Subscriber receives every recorded event in-process.
type Subscriber func(database.EventLogEntry)

// Recorder is the single write path for the audit trail. Persistence is
// synchronous so events for one decision land in causal order; in-process
// subscribers are notified after the write.
type Recorder struct {
	sink   Sink
	logger zerolog.Logger

	mu   sync.RWMutex
	subs []Subscriber
}

// NewRecorder creates a recorder writing through the given sink.
func NewRecorder(sink Sink, logger zerolog.Logger) *Recorder {
	return &Recorder{
		sink:   sink,
		logger: logger.With().Str("component", "events").Logger(),
	}
}

// Subscribe registers an in-process listener.
func (r *Recorder) Subscribe(sub Subscriber) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.subs = append(r.subs, sub)
}

// Emit persists one event. A failed write is logged but never propagated;
// losing an audit record must not abort a pipeline stage.
func (r *Recorder) Emit(ctx context.Context, e Event) {
	entry := database.EventLogEntry{
		TS:         time.Now().UTC(),
		Level:      e.Level,
		Tags:       tagStrings(e.Tags),
		Symbol:     e.Symbol,
		Timeframe:  e.Timeframe,
		Action:     e.Action,
		DecisionID: e.DecisionID,
		TradeID:    e.TradeID,
	}
	if e.Level == "" {
		entry.Level = "INFO"
	}
	if e.Payload != nil {
		data, err := json.Marshal(e.Payload)
		if err != nil {
			r.logger.Warn().Err(err).Str("action", e.Action).Msg("failed to marshal event payload")
		} else {
			entry.Payload = data
		}
	}

	if err := r.sink.AppendEvent(ctx, entry); err != nil {
		r.logger.Error().Err(err).Str("action", e.Action).Str("decision_id", e.DecisionID).
			Msg("failed to persist event")
	}

	r.mu.RLock()
	subs := r.subs
	r.mu.RUnlock()
	for _, sub := range subs {
		go sub(entry)
	}
}

func tagStrings(tags []Tag) []string {
	out := make([]string, len(tags))
	for i, t := range tags {
		out[i] = string(t)
	}
	return out
}
