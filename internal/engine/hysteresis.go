// Package engine holds the threshold hysteresis decision logic. Decide
// is pure: it inspects one account record against a freshly observed
// metric and reports which thresholds change arm state and which
// subscribers get notified. Persistence and delivery are the caller's
// problem.
package engine

import (
	"github.com/shopspring/decimal"

	"healthwatch/internal/storage"
)

// Options tune the hysteresis behaviour.
type Options struct {
	// RearmMargin is the recovery buffer above a fired threshold's level
	// required before it may fire again. Keeps a metric oscillating
	// around a level from re-notifying every tick.
	RearmMargin decimal.Decimal
	// MetricMax, when positive, is the metric ceiling; reaching it
	// re-arms every threshold regardless of margin. Zero means the
	// metric is unbounded above (credit mode).
	MetricMax decimal.Decimal
	// Unit is appended to values in notification text ("%" or "").
	Unit string
	// Label names the metric in user-facing text ("health" or
	// "available credit").
	Label string
}

// ArmChange is one threshold arm-state transition to persist.
type ArmChange struct {
	ThresholdID int64
	Armed       bool
}

// Notice is one notification to deliver.
type Notice struct {
	RecipientID int64
	Text        string
}

// Decision is the full outcome of one metric observation.
type Decision struct {
	ArmChanges []ArmChange
	Notices    []Notice
}

// Decide evaluates every subscriber threshold of rec against newMetric.
// Per subscriber, at most one notice is produced per call, citing the
// lowest level crossed; every crossed threshold disarms. Disarmed
// thresholds re-arm silently once the metric recovers to level plus the
// margin, or reaches the metric ceiling.
func Decide(rec *storage.AccountRecord, newMetric decimal.Decimal, opts Options) Decision {
	var d Decision

	for _, sub := range rec.Subscribers {
		var (
			crossed     bool
			lowestLevel decimal.Decimal
		)

		for _, thr := range sub.Thresholds {
			if !thr.Armed {
				if rearms(thr.Level, newMetric, opts) {
					d.ArmChanges = append(d.ArmChanges, ArmChange{ThresholdID: thr.ID, Armed: true})
				}
				continue
			}
			if newMetric.LessThanOrEqual(thr.Level) {
				d.ArmChanges = append(d.ArmChanges, ArmChange{ThresholdID: thr.ID, Armed: false})
				if !crossed || thr.Level.LessThan(lowestLevel) {
					lowestLevel = thr.Level
				}
				crossed = true
			}
		}

		if crossed {
			d.Notices = append(d.Notices, Notice{
				RecipientID: sub.RecipientID,
				Text:        crossedMessage(rec.Address, newMetric, lowestLevel, opts),
			})
		}
	}

	return d
}

// MetricLabel returns the user-facing metric name, defaulting to
// "health" when unset.
func (o Options) MetricLabel() string {
	if o.Label == "" {
		return "health"
	}
	return o.Label
}

func rearms(level, newMetric decimal.Decimal, opts Options) bool {
	if opts.MetricMax.IsPositive() && newMetric.GreaterThanOrEqual(opts.MetricMax) {
		return true
	}
	return newMetric.GreaterThanOrEqual(level.Add(opts.RearmMargin))
}
