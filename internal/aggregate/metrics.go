package aggregate

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	articlesCreated = promauto.NewCounter(prometheus.CounterOpts{
		Name: "yana_articles_created_total",
		Help: "Articles inserted by aggregation runs.",
	})
	articlesUpdated = promauto.NewCounter(prometheus.CounterOpts{
		Name: "yana_articles_updated_total",
		Help: "Stored articles overwritten in place by aggregation runs.",
	})
	articlesSkipped = promauto.NewCounter(prometheus.CounterOpts{
		Name: "yana_articles_skipped_total",
		Help: "Candidates dropped as duplicates or too old.",
	})
	articlesErrored = promauto.NewCounter(prometheus.CounterOpts{
		Name: "yana_articles_errored_total",
		Help: "Candidates that failed to persist.",
	})
)
