package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	PasteCreated = promauto.NewCounter(prometheus.CounterOpts{
		Name: "mdbin_paste_created_total",
		Help: "no. of pastes created",
	})
	PasteEdited = promauto.NewCounter(prometheus.CounterOpts{
		Name: "mdbin_paste_edited_total",
		Help: "no. of paste content edits",
	})
	PasteDeleted = promauto.NewCounter(prometheus.CounterOpts{
		Name: "mdbin_paste_deleted_total",
		Help: "no. of pastes deleted",
	})
	CommentCreated = promauto.NewCounter(prometheus.CounterOpts{
		Name: "mdbin_comment_created_total",
		Help: "no. of comments created",
	})
	SessionsIssued = promauto.NewCounter(prometheus.CounterOpts{
		Name: "mdbin_sessions_issued_total",
		Help: "no. of browser sessions issued",
	})
	AssociationOutcomes = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "mdbin_association_resolve_total",
			Help: "association resolver outcomes",
		},
		[]string{"outcome"},
	)
	AuthDecisions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "mdbin_auth_decisions_total",
			Help: "ownership evaluator decisions",
		},
		[]string{"operation", "outcome"},
	)
	GateDecryptions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "mdbin_gate_decryptions_total",
			Help: "private paste decryption attempts",
		},
		[]string{"outcome"},
	)
	CacheHits = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "mdbin_cache_hits_total",
			Help: "no. of cache hits",
		},
		[]string{"cache"},
	)
	CacheMisses = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "mdbin_cache_misses_total",
			Help: "no. of cache misses",
		},
		[]string{"cache"},
	)
	RateLimitHits = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "mdbin_rate_limit_hits_total",
			Help: "no. of rate limit violations",
		},
		[]string{"endpoint"},
	)
	PruneCycles = promauto.NewCounter(prometheus.CounterOpts{
		Name: "mdbin_prune_cycles_total",
		Help: "no. of log pruning cycles",
	})
	RecentErrorRatePercent = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "mdbin_recent_error_rate_percent",
		Help: "5min rolling avg error rate percentage",
	})
)
