package session

import (
	"github.com/sidkik/mirror/pkg/metrics"
)

const subsystem = "session"

var (
	queueDepth = metrics.NewGauge("queue_depth", subsystem,
		"Number of updates waiting to be sent to the peer.", nil)

	activeSessions = metrics.NewGauge("active", subsystem,
		"Number of sessions that are currently streaming.", nil)

	updatesSent = metrics.NewCounter("updates_sent_total", subsystem,
		"Number of updates sent to the peer.", []string{"kind"})

	updatesReceived = metrics.NewCounter("updates_received_total", subsystem,
		"Number of updates received from the peer.", []string{"kind"})
)
