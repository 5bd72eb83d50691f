package substrate

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Substrate-level delivery metrics, labeled by channel.
var (
	publishedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "forgeline",
		Subsystem: "substrate",
		Name:      "published_total",
		Help:      "Messages published per channel.",
	}, []string{"channel"})

	ackedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "forgeline",
		Subsystem: "substrate",
		Name:      "acked_total",
		Help:      "Messages acknowledged after successful handling, per channel.",
	}, []string{"channel"})

	redeliveredTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "forgeline",
		Subsystem: "substrate",
		Name:      "redelivered_total",
		Help:      "Messages left pending by a failing handler, per channel.",
	}, []string{"channel"})
)

func recordPublished(channel string)   { publishedTotal.WithLabelValues(channel).Inc() }
func recordAcked(channel string)       { ackedTotal.WithLabelValues(channel).Inc() }
func recordRedelivered(channel string) { redeliveredTotal.WithLabelValues(channel).Inc() }
