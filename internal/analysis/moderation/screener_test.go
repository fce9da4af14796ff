package moderation

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testRules() StaticStore {
	return StaticStore{
		"high":              {"suicide", "kill myself", "self harm"},
		"medical_emergency": {"chest pain", "heart attack", "can't breathe"},
		"medium":            {"assault", "idiot"},
		"low":               {"damn", "stupid"},
	}
}

func TestScreenNoMatchAllows(t *testing.T) {
	s := NewScreener(testRules(), true)

	v := s.Screen("I have a headache", Context{})
	assert.True(t, v.IsSafe)
	assert.Equal(t, SeverityNone, v.Severity)
	assert.Equal(t, ActionAllow, v.Action)
	assert.Empty(t, v.MatchedTerms)
}

func TestScreenHighBlocksAnyCase(t *testing.T) {
	s := NewScreener(testRules(), true)

	v := s.Screen("I want to KILL MYSELF", Context{UserID: "u1"})
	assert.False(t, v.IsSafe)
	assert.Equal(t, SeverityHigh, v.Severity)
	assert.Equal(t, ActionBlock, v.Action)
	assert.Equal(t, []string{"kill myself"}, v.MatchedTerms)
}

func TestScreenHighOutranksLowerTiers(t *testing.T) {
	s := NewScreener(testRules(), true)

	v := s.Screen("this stupid chest pain makes me think about suicide", Context{})
	assert.Equal(t, SeverityHigh, v.Severity)
	assert.Equal(t, ActionBlock, v.Action)
}

func TestScreenEmergencyOutranksMedium(t *testing.T) {
	s := NewScreener(testRules(), true)

	v := s.Screen("that idiot doctor ignored my chest pain", Context{})
	assert.Equal(t, SeverityEmergency, v.Severity)
	assert.Equal(t, ActionFlag, v.Action)
	assert.True(t, v.IsSafe)
	assert.True(t, v.Emergency())
}

func TestScreenWordBoundaries(t *testing.T) {
	s := NewScreener(testRules(), true)

	v := s.Screen("I need a massage", Context{})
	assert.Equal(t, SeverityNone, v.Severity)

	v = s.Screen("Report an assault.", Context{})
	assert.Equal(t, SeverityMedium, v.Severity)
	assert.Equal(t, ActionFlag, v.Action)
}

func TestScreenLowAllowsButRecords(t *testing.T) {
	s := NewScreener(testRules(), true)

	v := s.Screen("damn this cold", Context{})
	assert.True(t, v.IsSafe)
	assert.Equal(t, SeverityLow, v.Severity)
	assert.Equal(t, ActionAllow, v.Action)

	stats := s.Stats()
	assert.EqualValues(t, 1, stats.TotalChecks)
	assert.EqualValues(t, 1, stats.BySeverity[SeverityLow])
	assert.Zero(t, stats.Blocked)
}

func TestScreenCounters(t *testing.T) {
	s := NewScreener(testRules(), true)

	s.Screen("suicide", Context{})
	s.Screen("heart attack", Context{})
	s.Screen("hello", Context{})

	stats := s.Stats()
	assert.EqualValues(t, 3, stats.TotalChecks)
	assert.EqualValues(t, 1, stats.Blocked)
	assert.EqualValues(t, 1, stats.Flagged)
	assert.EqualValues(t, 1, stats.BySeverity[SeverityHigh])
	assert.EqualValues(t, 1, stats.BySeverity[SeverityEmergency])
}

func TestScreenDisabledAllowsEverything(t *testing.T) {
	s := NewScreener(testRules(), false)

	v := s.Screen("kill myself", Context{})
	assert.Equal(t, ActionAllow, v.Action)
	assert.Zero(t, s.Stats().TotalChecks)
}

func TestScreenBlankTextAllowed(t *testing.T) {
	s := NewScreener(testRules(), true)
	assert.Equal(t, ActionAllow, s.Screen("   ", Context{}).Action)
	assert.Zero(t, s.Stats().TotalChecks)
}

type failingStore struct{ err error }

func (f failingStore) Load() (map[string][]string, error) { return nil, f.err }

func TestMissingRulesDegradeToAllow(t *testing.T) {
	s := NewScreener(failingStore{err: errors.New("no such file")}, true)

	v := s.Screen("kill myself", Context{})
	assert.Equal(t, ActionAllow, v.Action)

	h := s.Health()
	assert.Equal(t, "degraded", h.Status)
	assert.False(t, h.RulesLoaded)
	assert.Contains(t, h.LastReloadError, "no such file")
}

type switchingStore struct {
	rules map[string][]string
	err   error
}

func (s *switchingStore) Load() (map[string][]string, error) {
	if s.err != nil {
		return nil, s.err
	}
	return s.rules, nil
}

func TestReloadSwapsAndKeepsPreviousOnFailure(t *testing.T) {
	store := &switchingStore{rules: map[string][]string{"high": {"suicide"}}}
	s := NewScreener(store, true)
	require.Equal(t, SeverityHigh, s.Screen("suicide", Context{}).Severity)

	store.rules = map[string][]string{"medium": {"suicide"}}
	require.NoError(t, s.Reload())
	assert.Equal(t, SeverityMedium, s.Screen("suicide", Context{}).Severity)

	store.err = errors.New("corrupt")
	require.Error(t, s.Reload())
	assert.Equal(t, SeverityMedium, s.Screen("suicide", Context{}).Severity)
	assert.Equal(t, "healthy", s.Health().Status)
	assert.Equal(t, "corrupt", s.Health().LastReloadError)
}

func TestSafeResponses(t *testing.T) {
	assert.Equal(t, HighRiskResponse, SafeResponse(SeverityHigh))
	assert.Contains(t, SafeResponse(SeverityEmergency), "MEDICAL EMERGENCY DETECTED")
	assert.Contains(t, SafeResponse(SeverityEmergency), "Suicide Prevention Lifeline: 988")
	assert.Equal(t, RedirectResponse, SafeResponse(SeverityMedium))
}
