package latency

import (
	"testing"
	"time"
)

func TestMonitorRingEviction(t *testing.T) {
	m := NewMonitor(2)
	m.AddSample("aof-fsync", nil, time.Millisecond)
	m.AddSample("aof-fsync", nil, 2*time.Millisecond)
	m.AddSample("aof-fsync", nil, 3*time.Millisecond)

	got := m.Recent("aof-fsync")
	if len(got) != 2 {
		t.Fatalf("expected capacity-bounded 2 samples, got %d", len(got))
	}
	if got[0].Duration != 2*time.Millisecond || got[1].Duration != 3*time.Millisecond {
		t.Errorf("unexpected ring contents: %+v", got)
	}
}

func TestMonitorReset(t *testing.T) {
	m := NewMonitor(4)
	m.AddSample("cache-fetch", nil, time.Second)
	m.Reset()
	if len(m.Events()) != 0 {
		t.Errorf("expected no events after Reset")
	}
}
