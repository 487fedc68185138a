// Package metrics holds the Prometheus collectors of the messaging service.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "messaging"

var (
	MessagesSent = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "messages_sent_total",
		Help:      "Messages written by send.",
	})

	MessagesUnsent = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "messages_unsent_total",
		Help:      "Messages removed by their sender.",
	})

	ConversationsCreated = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "conversations_created_total",
		Help:      "Conversations created by create-or-find.",
	})

	// ConversationsDeleted is labelled by phase: "hide" or "permanent".
	ConversationsDeleted = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "conversations_deleted_total",
		Help:      "Conversation deletion steps.",
	}, []string{"phase"})

	// SecondaryWriteFailures counts swallowed failures of cache-like writes.
	SecondaryWriteFailures = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "secondary_write_failures_total",
		Help:      "Failed best-effort writes such as last message summaries.",
	}, []string{"step"})

	FeedSubscribers = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "feed_subscribers",
		Help:      "Live feed subscriptions on this instance.",
	}, []string{"feed"})
)
