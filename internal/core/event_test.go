package core

import (
	"strings"
	"testing"
	"time"
)

func TestEventLineRoundTrip(t *testing.T) {
	ev := Event{
		Sequence: 7,
		TS:       time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC),
		Kind:     EventQAPassed,
		Payload:  map[string]interface{}{"iteration": float64(2)},
	}
	line, err := ev.MarshalLine()
	if err != nil {
		t.Fatalf("MarshalLine: %v", err)
	}
	if strings.Contains(string(line), "\n") {
		t.Error("line must not contain newlines")
	}

	got, err := UnmarshalLine(line)
	if err != nil {
		t.Fatalf("UnmarshalLine: %v", err)
	}
	if got.Sequence != 7 || got.Kind != EventQAPassed {
		t.Errorf("round trip lost fields: %+v", got)
	}
	if got.Payload["iteration"] != float64(2) {
		t.Errorf("payload lost: %v", got.Payload)
	}
	if !got.TS.Equal(ev.TS) {
		t.Errorf("ts = %v, want %v", got.TS, ev.TS)
	}
}

func TestEventNilPayloadMarshalsAsEmptyObject(t *testing.T) {
	ev := Event{Sequence: 1, TS: time.Now(), Kind: EventTask}
	line, err := ev.MarshalLine()
	if err != nil {
		t.Fatalf("MarshalLine: %v", err)
	}
	if !strings.Contains(string(line), `"payload":{}`) {
		t.Errorf("nil payload should serialize as {}: %s", line)
	}
}
