// SPDX-License-Identifier: MIT

// Package metrics exposes Prometheus counters for the dispatch engine.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	EventsAppendedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "eventd_events_appended_total",
		Help: "Total number of events durably appended to the store",
	}, []string{"stream_type", "event_type"})

	AppendConflictsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "eventd_append_conflicts_total",
		Help: "Total number of appends rejected by the optimistic version check",
	})

	ProcessingErrorsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "eventd_processing_errors_total",
		Help: "Total number of stored events whose projection handler failed",
	}, []string{"stream_type", "event_type"})

	ReprocessTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "eventd_reprocess_total",
		Help: "Total number of reprocess runs by result",
	}, []string{"result"})

	NotificationsPublishedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "eventd_notifications_published_total",
		Help: "Total number of envelopes published to the notification bus",
	}, []string{"event_type"})

	NotificationFailuresTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "eventd_notification_failures_total",
		Help: "Total number of failed envelope publishes",
	})

	WorkflowTransitionsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "eventd_workflow_transitions_total",
		Help: "Total number of workflow state transitions by workflow and new state",
	}, []string{"workflow", "new_state"})

	WorkflowDuplicatesTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "eventd_workflow_duplicates_total",
		Help: "Total number of bus messages skipped as already handled",
	})
)
