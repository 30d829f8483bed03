package telemetry

import (
	"log/slog"
	"sync"
	"time"

	"github.com/nextlevelbuilder/trialogue/pkg/protocol"
)

// alertWindow is the sliding window over which the error rate is computed.
const alertWindow = 5 * time.Minute

// minEventsForAlert avoids alerting on a handful of events after startup.
const minEventsForAlert = 20

// EventSink is the event fan-out the alerter decorates.
type EventSink interface {
	Emit(discussionID, event string, payload interface{})
}

// AlertingSink passes events through while tracking the error-event rate.
// When the rate over the window crosses the threshold it logs an alert, once
// per window.
type AlertingSink struct {
	inner     EventSink
	threshold float64

	mu          sync.Mutex
	windowStart time.Time
	total       int
	errors      int
	alerted     bool
}

func NewAlertingSink(inner EventSink, threshold float64) *AlertingSink {
	return &AlertingSink{
		inner:       inner,
		threshold:   threshold,
		windowStart: time.Now(),
	}
}

func (a *AlertingSink) Emit(discussionID, event string, payload interface{}) {
	a.record(event)
	a.inner.Emit(discussionID, event, payload)
}

func (a *AlertingSink) record(event string) {
	a.mu.Lock()
	defer a.mu.Unlock()

	now := time.Now()
	if now.Sub(a.windowStart) > alertWindow {
		a.windowStart = now
		a.total = 0
		a.errors = 0
		a.alerted = false
	}

	a.total++
	if event == protocol.EventError {
		a.errors++
	}
	if a.alerted || a.total < minEventsForAlert {
		return
	}
	rate := float64(a.errors) / float64(a.total)
	if rate >= a.threshold {
		a.alerted = true
		slog.Error("error rate above alert threshold",
			"rate", rate, "threshold", a.threshold,
			"errors", a.errors, "events", a.total)
	}
}
