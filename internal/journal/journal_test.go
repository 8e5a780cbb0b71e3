package journal

import (
	"testing"
	"time"
)

type dropRecorder struct {
	drops   int
	metrics []string
}

func (r *dropRecorder) RecordJournalDrop(metric string) {
	r.drops++
	r.metrics = append(r.metrics, metric)
}

func TestJournalEvictsOldestFirst(t *testing.T) {
	recorder := &dropRecorder{}
	j := New(3, recorder)

	for i := 0; i < 5; i++ {
		j.Record(Entry{Kind: KindDesync, SessionID: "s", StepIndex: i})
	}

	entries := j.Snapshot()
	if len(entries) != 3 {
		t.Fatalf("expected 3 retained entries, got %d", len(entries))
	}
	if entries[0].StepIndex != 2 || entries[2].StepIndex != 4 {
		t.Fatalf("expected oldest-first eviction, got steps %d..%d", entries[0].StepIndex, entries[2].StepIndex)
	}

	stats := j.Stats()
	if stats.Size != 3 || stats.Cap != 3 || stats.Evicted != 2 {
		t.Fatalf("unexpected stats: %+v", stats)
	}
	if recorder.drops != 2 {
		t.Fatalf("expected 2 drop notifications, got %d", recorder.drops)
	}
	if recorder.metrics[0] != "journal_evicted" {
		t.Fatalf("unexpected drop metric %q", recorder.metrics[0])
	}
}

func TestJournalSessionEntries(t *testing.T) {
	j := New(16, nil)
	j.Record(Entry{Kind: KindDesync, SessionID: "a", StepIndex: 0})
	j.Record(Entry{Kind: KindRecoveryCreated, SessionID: "b", StepIndex: 1})
	j.Record(Entry{Kind: KindRecoveryApplied, SessionID: "a", StepIndex: 2})

	entries := j.SessionEntries("a")
	if len(entries) != 2 {
		t.Fatalf("expected 2 entries for session a, got %d", len(entries))
	}
	if entries[0].Kind != KindDesync || entries[1].Kind != KindRecoveryApplied {
		t.Fatalf("unexpected entry kinds: %s, %s", entries[0].Kind, entries[1].Kind)
	}
	if got := j.SessionEntries("missing"); got != nil {
		t.Fatalf("expected nil for unknown session, got %d entries", len(got))
	}
}

func TestJournalStampsEntryTime(t *testing.T) {
	j := New(4, nil)
	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	j.SetClock(func() time.Time { return now })

	j.Record(Entry{Kind: KindFraudFlag, SessionID: "a"})
	explicit := now.Add(-time.Minute)
	j.Record(Entry{Kind: KindFraudFlag, SessionID: "a", Time: explicit})

	entries := j.Snapshot()
	if !entries[0].Time.Equal(now) {
		t.Fatalf("expected clock-stamped time %v, got %v", now, entries[0].Time)
	}
	if !entries[1].Time.Equal(explicit) {
		t.Fatalf("explicit entry time must be preserved, got %v", entries[1].Time)
	}
}

func TestJournalNilReceiverIsSafe(t *testing.T) {
	var j *Journal
	j.Record(Entry{Kind: KindDesync})
	if j.Snapshot() != nil {
		t.Fatalf("nil journal snapshot must be nil")
	}
	if stats := j.Stats(); stats != (Stats{}) {
		t.Fatalf("nil journal stats must be zero, got %+v", stats)
	}
}

func TestJournalZeroCapacityFallsBack(t *testing.T) {
	j := New(0, nil)
	if got := j.Stats().Cap; got != defaultCapacity {
		t.Fatalf("expected default capacity %d, got %d", defaultCapacity, got)
	}
}
