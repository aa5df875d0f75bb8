package timeline

import (
	"math/rand"
	"testing"
	"time"

	"pkt.systems/fleetconsole/schema"
)

func stdoutEvent(seq uint64, data string) schema.SequencedEvent {
	return schema.SequencedEvent{
		Seq:       seq,
		Timestamp: time.Unix(int64(seq), 0).UTC(),
		Payload:   schema.StdoutEvent{Data: data},
	}
}

func TestSequencerOrdersAnyPermutation(t *testing.T) {
	rng := rand.New(rand.NewSource(7))
	for round := 0; round < 50; round++ {
		seq := NewSequencer(100)
		order := rng.Perm(40)
		for _, n := range order {
			seq.Insert("s1", stdoutEvent(uint64(n+1), "x"))
		}
		events := seq.Events("s1")
		if len(events) != 40 {
			t.Fatalf("round %d: expected 40 events, got %d", round, len(events))
		}
		for i := 1; i < len(events); i++ {
			if events[i-1].Seq >= events[i].Seq {
				t.Fatalf("round %d: buffer not sorted at %d: %d >= %d", round, i, events[i-1].Seq, events[i].Seq)
			}
		}
	}
}

func TestSequencerTrimsOldestBeyondCapacity(t *testing.T) {
	seq := NewSequencer(10)
	rng := rand.New(rand.NewSource(3))
	for _, n := range rng.Perm(25) {
		seq.Insert("s1", stdoutEvent(uint64(n+1), "x"))
	}
	events := seq.Events("s1")
	if len(events) != 10 {
		t.Fatalf("expected 10 events, got %d", len(events))
	}
	for i, event := range events {
		want := uint64(16 + i)
		if event.Seq != want {
			t.Fatalf("expected seq %d at %d, got %d", want, i, event.Seq)
		}
	}
}

func TestSequencerIgnoresDuplicateSeq(t *testing.T) {
	seq := NewSequencer(10)
	if !seq.Insert("s1", stdoutEvent(1, "first")) {
		t.Fatalf("expected first insert accepted")
	}
	if seq.Insert("s1", stdoutEvent(1, "second")) {
		t.Fatalf("expected duplicate seq rejected")
	}
	events := seq.Events("s1")
	if len(events) != 1 {
		t.Fatalf("expected 1 event, got %d", len(events))
	}
	if got := events[0].Payload.(schema.StdoutEvent).Data; got != "first" {
		t.Fatalf("expected first event retained, got %q", got)
	}
}

func TestSequencerKeepsSessionsApart(t *testing.T) {
	seq := NewSequencer(10)
	seq.Insert("a", stdoutEvent(2, "a2"))
	seq.Insert("b", stdoutEvent(1, "b1"))
	seq.Insert("a", stdoutEvent(1, "a1"))
	if seq.Len("a") != 2 || seq.Len("b") != 1 {
		t.Fatalf("unexpected lengths a=%d b=%d", seq.Len("a"), seq.Len("b"))
	}
	if last, ok := seq.LastSeq("a"); !ok || last != 2 {
		t.Fatalf("expected last seq 2, got %d (%v)", last, ok)
	}
	events := seq.Events("a")
	if events[0].SessionID != "a" {
		t.Fatalf("expected session id stamped, got %q", events[0].SessionID)
	}
	seq.Drop("a")
	if seq.Len("a") != 0 {
		t.Fatalf("expected dropped buffer")
	}
}

func TestSequencerEventsReturnsCopy(t *testing.T) {
	seq := NewSequencer(10)
	seq.Insert("s1", stdoutEvent(1, "x"))
	events := seq.Events("s1")
	events[0].Seq = 99
	if got := seq.Events("s1")[0].Seq; got != 1 {
		t.Fatalf("expected internal buffer unchanged, got seq %d", got)
	}
}

func TestAuditLogCursorAndBound(t *testing.T) {
	log := NewAuditLog(3)
	for _, id := range []int64{2, 1, 4, 3, 5} {
		log.Append(schema.AuditEvent{EventID: id, EventType: "briefing.added"})
	}
	events := log.Events()
	if len(events) != 3 {
		t.Fatalf("expected 3 events, got %d", len(events))
	}
	if events[0].EventID != 3 || events[2].EventID != 5 {
		t.Fatalf("unexpected retained ids: %+v", events)
	}
	if log.Cursor() != 5 {
		t.Fatalf("expected cursor 5, got %d", log.Cursor())
	}
	if log.Append(schema.AuditEvent{EventID: 1}) {
		t.Fatalf("expected trimmed id to be ignored")
	}
	if log.Append(schema.AuditEvent{EventID: 5}) {
		t.Fatalf("expected duplicate id to be ignored")
	}
	if after := log.After(3); len(after) != 2 {
		t.Fatalf("expected 2 events after 3, got %d", len(after))
	}
}

func TestAuditLogSeededCursor(t *testing.T) {
	log := NewAuditLog(10)
	log.SetCursor(40)
	if log.Append(schema.AuditEvent{EventID: 39}) {
		t.Fatalf("expected event below seeded cursor ignored")
	}
	if !log.Append(schema.AuditEvent{EventID: 41}) {
		t.Fatalf("expected newer event accepted")
	}
	if log.Cursor() != 41 {
		t.Fatalf("expected cursor 41, got %d", log.Cursor())
	}
}
