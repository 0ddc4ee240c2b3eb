package timeseries

import (
	"testing"
)

type captureSink struct {
	batches [][]Point
}

func (s *captureSink) Write(points []Point) error {
	cp := make([]Point, len(points))
	copy(cp, points)
	s.batches = append(s.batches, cp)
	return nil
}

func TestKPAddKeyIdempotent(t *testing.T) {
	kp := NewKP(&captureSink{})
	a := kp.AddKey("x.y.z")
	b := kp.AddKey("x.y.z")
	if a != b {
		t.Errorf("AddKey returned %d then %d for the same key", a, b)
	}
	if kp.Size() != 1 {
		t.Errorf("Size = %d, want 1", kp.Size())
	}
}

func TestKPFlush(t *testing.T) {
	sink := &captureSink{}
	kp := NewKP(sink)
	a := kp.AddKey("a")
	b := kp.AddKey("b")
	kp.Set(a, 10)
	kp.Set(b, 20)

	if err := kp.Flush(12345); err != nil {
		t.Fatalf("Flush: %v", err)
	}
	if len(sink.batches) != 1 {
		t.Fatalf("batches = %d, want 1", len(sink.batches))
	}
	got := sink.batches[0]
	if len(got) != 2 {
		t.Fatalf("points = %d, want 2", len(got))
	}
	if got[0].Key != "a" || got[0].Value != 10 || got[0].Time != 12345 {
		t.Errorf("point 0 = %+v", got[0])
	}
	if got[1].Key != "b" || got[1].Value != 20 {
		t.Errorf("point 1 = %+v", got[1])
	}

	// values persist across flushes
	if kp.Get(a) != 10 {
		t.Errorf("Get(a) = %d, want 10", kp.Get(a))
	}
}

func TestKPFlushEmpty(t *testing.T) {
	sink := &captureSink{}
	kp := NewKP(sink)
	if err := kp.Flush(1); err != nil {
		t.Fatalf("Flush: %v", err)
	}
	if len(sink.batches) != 0 {
		t.Error("empty kp must not write")
	}
}

func TestGraphiteSafe(t *testing.T) {
	tests := []struct {
		in, want string
	}{
		{"rrc00", "rrc00"},
		{"route-views.sg", "route-views-sg"},
		{"a*b", "a-b"},
		{"1.2.3.4", "1-2-3-4"},
		{"", ""},
	}
	for _, tt := range tests {
		if got := GraphiteSafe(tt.in); got != tt.want {
			t.Errorf("GraphiteSafe(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}
