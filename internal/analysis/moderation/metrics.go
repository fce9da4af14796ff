package moderation

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	verdictsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "veda_moderation_verdicts_total",
		Help: "Screening verdicts by severity, action and direction.",
	}, []string{"severity", "action", "direction"})

	rulesLoaded = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "veda_moderation_rules_loaded",
		Help: "Number of compiled moderation terms per tier.",
	}, []string{"tier"})
)

func recordRules(rs *RuleSet) {
	for severity, n := range rs.Counts() {
		rulesLoaded.WithLabelValues(string(severity)).Set(float64(n))
	}
}
