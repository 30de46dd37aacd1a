// Package metrics holds the Prometheus collectors shared by the state core.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	StoreFallbacks = promauto.NewCounter(prometheus.CounterOpts{
		Name: "goofguard_store_fallbacks_total",
		Help: "Relational backend probes that failed and fell back to flat files.",
	})

	StoreErrors = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "goofguard_store_errors_total",
		Help: "Storage errors by operation.",
	}, []string{"op"})

	VerificationOutcomes = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "goofguard_verification_outcomes_total",
		Help: "Verification attempt outcomes.",
	}, []string{"outcome"})

	VerificationIssued = promauto.NewCounter(prometheus.CounterOpts{
		Name: "goofguard_verification_issued_total",
		Help: "Challenges issued.",
	})

	XPGrants = promauto.NewCounter(prometheus.CounterOpts{
		Name: "goofguard_xp_grants_total",
		Help: "Activity events that granted experience.",
	})

	XPSuppressed = promauto.NewCounter(prometheus.CounterOpts{
		Name: "goofguard_xp_suppressed_total",
		Help: "Activity events suppressed by the cooldown.",
	})

	LevelUps = promauto.NewCounter(prometheus.CounterOpts{
		Name: "goofguard_level_ups_total",
		Help: "Level transitions.",
	})

	RaidVerdicts = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "goofguard_raid_verdicts_total",
		Help: "Join classifications by verdict.",
	}, []string{"verdict"})

	BackupRuns = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "goofguard_backup_runs_total",
		Help: "Backup runs by reason and result.",
	}, []string{"reason", "result"})
)

func Handler() http.Handler {
	return promhttp.Handler()
}
