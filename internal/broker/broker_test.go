package broker

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"
)

func brokerHandler(t *testing.T, responses []string, gotQueries *[]string) http.HandlerFunc {
	calls := 0
	return func(w http.ResponseWriter, r *http.Request) {
		*gotQueries = append(*gotQueries, r.URL.RawQuery)
		if calls >= len(responses) {
			t.Error("unexpected extra broker request")
			http.Error(w, "no more responses", http.StatusInternalServerError)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(responses[calls]))
		calls++
	}
}

const dataResponse = `{
  "time": 1600000100,
  "type": "data",
  "error": null,
  "queryParameters": {},
  "data": {
    "dumpFiles": [
      {"urlType": "simple", "url": "http://files/rrc00.rib",
       "project": "ris", "collector": "rrc00", "type": "ribs",
       "initialTime": 1600000000, "duration": 120},
      {"urlType": "simple", "url": "http://files/rrc00.upd",
       "project": "ris", "collector": "rrc00", "type": "updates",
       "initialTime": 1600000060, "duration": 300}
    ]
  }
}`

func TestPoll(t *testing.T) {
	var queries []string
	srv := httptest.NewServer(brokerHandler(t, []string{dataResponse}, &queries))
	defer srv.Close()

	c, err := New(Options{
		URL:        srv.URL,
		Collectors: []string{"rrc00"},
		Types:      []string{"ribs", "updates"},
		Intervals:  []Interval{{Start: 1600000000, End: 1600003600}},
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	files, err := c.Poll(context.Background())
	if err != nil {
		t.Fatalf("Poll: %v", err)
	}
	if len(files) != 2 {
		t.Fatalf("files = %d, want 2", len(files))
	}
	if files[0].Collector != "rrc00" || files[0].Type != "ribs" {
		t.Errorf("file 0 = %+v", files[0])
	}
	if files[1].InitialTime != 1600000060 || files[1].Duration != 300 {
		t.Errorf("file 1 = %+v", files[1])
	}

	q := queries[0]
	for _, want := range []string{"collectors%5B%5D=rrc00", "types%5B%5D=ribs",
		"intervals%5B%5D=1600000000%2C1600003600"} {
		if !strings.Contains(q, want) {
			t.Errorf("query %q missing %q", q, want)
		}
	}
}

func TestPollContinuation(t *testing.T) {
	var queries []string
	srv := httptest.NewServer(brokerHandler(t, []string{dataResponse,
		`{"time": 1600000200, "type": "data", "error": null,
		  "data": {"dumpFiles": []}}`}, &queries))
	defer srv.Close()

	c, err := New(Options{URL: srv.URL})
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	if _, err := c.Poll(context.Background()); err != nil {
		t.Fatalf("first Poll: %v", err)
	}
	if _, err := c.Poll(context.Background()); err != nil {
		t.Fatalf("second Poll: %v", err)
	}

	// second query carries the continuation from the first response:
	// dataAddedSince = response time, minInitialTime = max(end time)
	q := queries[1]
	if !strings.Contains(q, "dataAddedSince=1600000100") {
		t.Errorf("second query %q missing dataAddedSince", q)
	}
	if !strings.Contains(q, "minInitialTime=1600000360") {
		t.Errorf("second query %q missing minInitialTime", q)
	}
}

func TestPollServerError(t *testing.T) {
	var queries []string
	srv := httptest.NewServer(brokerHandler(t, []string{
		`{"time": 1, "type": "data", "error": "boom", "data": {"dumpFiles": []}}`,
	}, &queries))
	defer srv.Close()

	c, err := New(Options{URL: srv.URL, MaxRetries: 0})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if _, err := c.Poll(context.Background()); err == nil {
		t.Fatal("expected error from broker error field")
	}
}

func TestPollRetries(t *testing.T) {
	attempts := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		attempts++
		if attempts == 1 {
			http.Error(w, "transient", http.StatusServiceUnavailable)
			return
		}
		json.NewEncoder(w).Encode(map[string]any{
			"time": 100, "type": "data",
			"data": map[string]any{"dumpFiles": []any{}},
		})
	}))
	defer srv.Close()

	c, err := New(Options{URL: srv.URL, MaxRetries: 2, Backoff: time.Millisecond})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if _, err := c.Poll(context.Background()); err != nil {
		t.Fatalf("Poll with retry: %v", err)
	}
	if attempts != 2 {
		t.Errorf("attempts = %d, want 2", attempts)
	}
}

func TestNewRequiresURL(t *testing.T) {
	if _, err := New(Options{}); err == nil {
		t.Fatal("expected error for missing url")
	}
}

