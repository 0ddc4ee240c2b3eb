package archive

import (
	"testing"
	"time"
)

func TestPartitionName(t *testing.T) {
	day := time.Date(2026, 3, 7, 0, 0, 0, 0, time.UTC)
	if got := partitionName("interval_peers", day); got != "interval_peers_20260307" {
		t.Errorf("partitionName = %s", got)
	}
}

func TestPartitionNameRoundTrips(t *testing.T) {
	table := "interval_collectors"
	day := time.Date(2026, 1, 31, 0, 0, 0, 0, time.UTC)
	name := partitionName(table, day)
	parsed, err := time.ParseInLocation("20060102", name[len(table)+1:], time.UTC)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if !parsed.Equal(day) {
		t.Errorf("round trip = %v, want %v", parsed, day)
	}
}
