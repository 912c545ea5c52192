package voter

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	votesImported = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "grandpa_votes_imported_total",
		Help: "The number of votes imported into round tallies, by vote type.",
	}, []string{"type"})
	equivocationsObserved = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "grandpa_equivocations_observed_total",
		Help: "The number of double votes observed, by vote type.",
	}, []string{"type"})
	roundsCompleted = promauto.NewCounter(prometheus.CounterOpts{
		Name: "grandpa_rounds_completed_total",
		Help: "The number of voting rounds this voter has completed.",
	})
	commitsValidated = promauto.NewCounter(prometheus.CounterOpts{
		Name: "grandpa_commits_validated_total",
		Help: "The number of incoming commits that passed validation.",
	})
	commitsRejected = promauto.NewCounter(prometheus.CounterOpts{
		Name: "grandpa_commits_rejected_total",
		Help: "The number of incoming commits dropped as invalid.",
	})
	commitsBroadcast = promauto.NewCounter(prometheus.CounterOpts{
		Name: "grandpa_commits_broadcast_total",
		Help: "The number of commits this voter has broadcast.",
	})
	finalizedNumberGauge = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "grandpa_finalized_block_number",
		Help: "The height of the latest finalized block.",
	})
)
