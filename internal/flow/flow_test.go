package flow

import "testing"

func TestMultiSinkFansOutToEveryMember(t *testing.T) {
	var calls []string
	a := SinkFunc(func(rec Record) { calls = append(calls, "a:"+rec.ID) })
	b := SinkFunc(func(rec Record) { calls = append(calls, "b:"+rec.ID) })

	multi := MultiSink{a, nil, b}
	multi.Record(Record{ID: "r1"})

	if len(calls) != 2 {
		t.Fatalf("expected 2 calls, got %d: %v", len(calls), calls)
	}
	if calls[0] != "a:r1" || calls[1] != "b:r1" {
		t.Fatalf("unexpected call order: %v", calls)
	}
}

func TestNewIDReturnsDistinctValues(t *testing.T) {
	first := NewID()
	second := NewID()
	if first == "" || second == "" {
		t.Fatal("expected non-empty ids")
	}
	if first == second {
		t.Fatal("expected distinct ids")
	}
}
