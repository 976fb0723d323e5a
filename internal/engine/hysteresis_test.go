package engine

import (
	"strings"
	"testing"

	"github.com/shopspring/decimal"

	"healthwatch/internal/storage"
)

func healthOpts() Options {
	return Options{
		RearmMargin: decimal.NewFromInt(5),
		MetricMax:   decimal.NewFromInt(100),
		Unit:        "%",
		Label:       "health",
	}
}

func record(metric int64, subs ...storage.SubscriberRecord) *storage.AccountRecord {
	return &storage.AccountRecord{
		Account:     storage.Account{Address: "0x1111111111111111111111111111111111111111", LastMetric: decimal.NewFromInt(metric)},
		Subscribers: subs,
	}
}

func subscriber(id, recipient int64, thresholds ...storage.Threshold) storage.SubscriberRecord {
	return storage.SubscriberRecord{
		Subscriber: storage.Subscriber{ID: id, RecipientID: recipient},
		Thresholds: thresholds,
	}
}

func threshold(id int64, level int64, armed bool) storage.Threshold {
	return storage.Threshold{ID: id, Level: decimal.NewFromInt(level), Armed: armed}
}

func armedState(d Decision, thresholdID int64) (bool, bool) {
	for _, ch := range d.ArmChanges {
		if ch.ThresholdID == thresholdID {
			return ch.Armed, true
		}
	}
	return false, false
}

func TestArmedThresholdFiresOnceOnCross(t *testing.T) {
	rec := record(30, subscriber(1, 42, threshold(10, 25, true)))

	d := Decide(rec, decimal.NewFromInt(24), healthOpts())

	if len(d.Notices) != 1 {
		t.Fatalf("expected exactly one notice, got %d", len(d.Notices))
	}
	if d.Notices[0].RecipientID != 42 {
		t.Fatalf("notice routed to wrong recipient %d", d.Notices[0].RecipientID)
	}
	if armed, ok := armedState(d, 10); !ok || armed {
		t.Fatalf("threshold must disarm on fire, changes=%v", d.ArmChanges)
	}
}

func TestDisarmedThresholdStaysSilentBelowMargin(t *testing.T) {
	rec := record(24, subscriber(1, 42, threshold(10, 25, false)))

	// 26 is above the level but inside the 5-point margin: no re-arm,
	// no notice.
	d := Decide(rec, decimal.NewFromInt(26), healthOpts())

	if len(d.Notices) != 0 {
		t.Fatalf("expected no notices, got %v", d.Notices)
	}
	if len(d.ArmChanges) != 0 {
		t.Fatalf("expected no arm changes, got %v", d.ArmChanges)
	}
}

func TestDisarmedThresholdRearmsSilentlyAtMargin(t *testing.T) {
	rec := record(24, subscriber(1, 42, threshold(10, 25, false)))

	d := Decide(rec, decimal.NewFromInt(30), healthOpts())

	if len(d.Notices) != 0 {
		t.Fatalf("re-arm must be silent, got notices %v", d.Notices)
	}
	if armed, ok := armedState(d, 10); !ok || !armed {
		t.Fatalf("expected re-arm, changes=%v", d.ArmChanges)
	}
}

func TestDisarmedThresholdRearmsAtMetricMax(t *testing.T) {
	// Level 98 + margin 5 exceeds the ceiling; reaching the ceiling
	// still re-arms.
	rec := record(50, subscriber(1, 42, threshold(10, 98, false)))

	d := Decide(rec, decimal.NewFromInt(100), healthOpts())

	if armed, ok := armedState(d, 10); !ok || !armed {
		t.Fatalf("expected re-arm at metric max, changes=%v", d.ArmChanges)
	}
}

func TestCreditModeHasNoCeilingRearm(t *testing.T) {
	opts := Options{RearmMargin: decimal.NewFromInt(5)}
	rec := record(1000, subscriber(1, 42, threshold(10, 2000, false)))

	d := Decide(rec, decimal.NewFromInt(2004), opts)
	if len(d.ArmChanges) != 0 {
		t.Fatalf("expected no re-arm below level+margin, got %v", d.ArmChanges)
	}

	d = Decide(rec, decimal.NewFromInt(2005), opts)
	if armed, ok := armedState(d, 10); !ok || !armed {
		t.Fatalf("expected re-arm at level+margin, changes=%v", d.ArmChanges)
	}
}

func TestNoticeTextNamesTheMetric(t *testing.T) {
	rec := record(30, subscriber(1, 42, threshold(10, 25, true)))

	d := Decide(rec, decimal.NewFromInt(24), healthOpts())
	if !strings.Contains(d.Notices[0].Text, "health dropped to 24.00%") {
		t.Fatalf("health-mode notice must name the metric: %q", d.Notices[0].Text)
	}

	creditOpts := Options{RearmMargin: decimal.NewFromInt(5), Label: "available credit"}
	rec = record(3000, subscriber(1, 42, threshold(10, 2000, true)))

	d = Decide(rec, decimal.NewFromInt(1500), creditOpts)
	if len(d.Notices) != 1 {
		t.Fatalf("expected one notice, got %d", len(d.Notices))
	}
	if !strings.Contains(d.Notices[0].Text, "available credit dropped to 1500.00") {
		t.Fatalf("credit-mode notice must name the metric: %q", d.Notices[0].Text)
	}
}

func TestLowestCrossedLevelWins(t *testing.T) {
	rec := record(30, subscriber(1, 42,
		threshold(10, 10, true),
		threshold(11, 25, true),
	))

	d := Decide(rec, decimal.NewFromInt(5), healthOpts())

	if len(d.Notices) != 1 {
		t.Fatalf("expected one notice for the subscriber, got %d", len(d.Notices))
	}
	if !strings.Contains(d.Notices[0].Text, "level 10") {
		t.Fatalf("notice must cite the lowest crossed level: %q", d.Notices[0].Text)
	}
	for _, id := range []int64{10, 11} {
		if armed, ok := armedState(d, id); !ok || armed {
			t.Fatalf("threshold %d must disarm, changes=%v", id, d.ArmChanges)
		}
	}
}

func TestFanOutOneNoticePerSubscriber(t *testing.T) {
	rec := record(30,
		subscriber(1, 42, threshold(10, 25, true)),
		subscriber(2, 43, threshold(20, 25, true), threshold(21, 20, true)),
	)

	d := Decide(rec, decimal.NewFromInt(15), healthOpts())

	if len(d.Notices) != 2 {
		t.Fatalf("expected one notice per subscriber, got %d", len(d.Notices))
	}
}

func TestAlreadyDisarmedBelowLevelNoChange(t *testing.T) {
	rec := record(20, subscriber(1, 42, threshold(10, 25, false)))

	d := Decide(rec, decimal.NewFromInt(18), healthOpts())

	if len(d.Notices) != 0 || len(d.ArmChanges) != 0 {
		t.Fatalf("disarmed threshold below level must be inert, got %+v", d)
	}
}

func TestMetricAtExactLevelFires(t *testing.T) {
	rec := record(30, subscriber(1, 42, threshold(10, 25, true)))

	d := Decide(rec, decimal.NewFromInt(25), healthOpts())

	if len(d.Notices) != 1 {
		t.Fatalf("crossing at-or-below the level must fire, got %+v", d)
	}
}
