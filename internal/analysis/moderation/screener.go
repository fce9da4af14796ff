package moderation

import (
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// Stats 汇总审核计数，供健康检查使用。
type Stats struct {
	TotalChecks int64              `json:"totalChecks"`
	Blocked     int64              `json:"blockedMessages"`
	Flagged     int64              `json:"flaggedMessages"`
	BySeverity  map[Severity]int64 `json:"bySeverity"`
}

// Health reports whether the screener is actually protecting traffic.
type Health struct {
	Status          string           `json:"status"`
	Enabled         bool             `json:"enabled"`
	RulesLoaded     bool             `json:"rulesLoaded"`
	TotalTerms      int              `json:"totalTerms"`
	Tiers           map[Severity]int `json:"tiers"`
	LastReload      time.Time        `json:"lastReload"`
	LastReloadError string           `json:"lastReloadError,omitempty"`
	Warning         string           `json:"warning,omitempty"`
	Stats           Stats            `json:"stats"`
}

// Screener classifies text against the current rule snapshot.
// The snapshot is swapped atomically so Screen never observes a half-built rule set.
type Screener struct {
	store   RuleStore
	enabled bool
	rules   atomic.Pointer[RuleSet]

	total   atomic.Int64
	blocked atomic.Int64
	flagged atomic.Int64
	tiers   [4]atomic.Int64

	mu         sync.Mutex
	lastReload time.Time
	lastErr    error

	audit zerolog.Logger
}

// NewScreener loads the initial rules from store. A load failure leaves the screener
// with an empty rule set and is reported through Health.
func NewScreener(store RuleStore, enabled bool) *Screener {
	s := &Screener{
		store:   store,
		enabled: enabled,
		audit:   log.With().Str("component", "moderation").Bool("audit", true).Logger(),
	}
	s.rules.Store(EmptyRuleSet())

	if store != nil {
		if err := s.Reload(); err != nil {
			log.Error().Str("component", "moderation").Err(err).
				Msg("moderation rules unavailable, screening will allow all content")
		}
	}
	return s
}

// Reload reads the store and swaps in the compiled result. On failure the
// previously loaded rules stay active.
func (s *Screener) Reload() error {
	if s.store == nil {
		return nil
	}

	raw, err := s.store.Load()

	s.mu.Lock()
	defer s.mu.Unlock()
	s.lastReload = time.Now().UTC()
	s.lastErr = err
	if err != nil {
		return err
	}

	next := Compile(raw)
	prev := s.rules.Swap(next)
	recordRules(next)

	log.Info().Str("component", "moderation").
		Int("previous_terms", prev.Total()).
		Int("terms", next.Total()).
		Msg("moderation rules loaded")
	return nil
}

// Swap installs an already compiled rule set.
func (s *Screener) Swap(rs *RuleSet) {
	if rs == nil {
		rs = EmptyRuleSet()
	}
	s.rules.Store(rs)
	recordRules(rs)
}

// Rules returns the active snapshot.
func (s *Screener) Rules() *RuleSet {
	return s.rules.Load()
}

// Screen 按 high → emergency → medium → low 的顺序匹配，命中即返回。
func (s *Screener) Screen(text string, sc Context) Verdict {
	if !s.enabled || strings.TrimSpace(text) == "" {
		return Allowed()
	}

	s.total.Add(1)
	severity, terms := s.rules.Load().Match(text)
	if severity == SeverityNone {
		verdictsTotal.WithLabelValues(string(SeverityNone), string(ActionAllow), directionLabel(sc)).Inc()
		return Allowed()
	}

	verdict := verdictFor(severity, terms)
	s.count(verdict)
	verdictsTotal.WithLabelValues(string(verdict.Severity), string(verdict.Action), directionLabel(sc)).Inc()
	s.logEvent(verdict, text, sc)
	return verdict
}

// Stats returns a copy of the counters.
func (s *Screener) Stats() Stats {
	bySeverity := make(map[Severity]int64, len(tierOrder))
	for i, severity := range tierOrder {
		bySeverity[severity] = s.tiers[i].Load()
	}
	return Stats{
		TotalChecks: s.total.Load(),
		Blocked:     s.blocked.Load(),
		Flagged:     s.flagged.Load(),
		BySeverity:  bySeverity,
	}
}

// Health marks the screener degraded when it is enabled but has nothing to match.
func (s *Screener) Health() Health {
	rs := s.rules.Load()

	s.mu.Lock()
	lastReload, lastErr := s.lastReload, s.lastErr
	s.mu.Unlock()

	h := Health{
		Status:      "healthy",
		Enabled:     s.enabled,
		RulesLoaded: rs.Total() > 0,
		TotalTerms:  rs.Total(),
		Tiers:       rs.Counts(),
		LastReload:  lastReload,
		Stats:       s.Stats(),
	}
	if lastErr != nil {
		h.LastReloadError = lastErr.Error()
	}
	if s.enabled && rs.Total() == 0 {
		h.Status = "degraded"
		h.Warning = "no moderation rules loaded"
	}
	return h
}

func (s *Screener) count(v Verdict) {
	switch v.Action {
	case ActionBlock:
		s.blocked.Add(1)
	case ActionFlag:
		s.flagged.Add(1)
	}
	for i, severity := range tierOrder {
		if severity == v.Severity {
			s.tiers[i].Add(1)
			return
		}
	}
}

func (s *Screener) logEvent(v Verdict, text string, sc Context) {
	var event *zerolog.Event
	switch v.Severity {
	case SeverityHigh:
		event = s.audit.Error()
	case SeverityEmergency, SeverityMedium:
		event = s.audit.Warn()
	default:
		event = s.audit.Info()
	}

	event.
		Str("severity", string(v.Severity)).
		Str("action", string(v.Action)).
		Strs("matched_terms", v.MatchedTerms).
		Int("content_length", len(text)).
		Str("content_preview", preview(text)).
		Str("user_id", sc.UserID).
		Str("conversation_id", sc.ConversationID).
		Str("direction", directionLabel(sc)).
		Msg("content screened")
}

func preview(text string) string {
	const limit = 100
	runes := []rune(text)
	if len(runes) <= limit {
		return text
	}
	return string(runes[:limit]) + "..."
}

func directionLabel(sc Context) string {
	if sc.Direction == "" {
		return string(DirectionInput)
	}
	return string(sc.Direction)
}
