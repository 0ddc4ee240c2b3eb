package http

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/route-beacon/rib-rebuilder/internal/rt"
	"go.uber.org/zap"
)

type fakeConsumer struct{ joined bool }

func (f *fakeConsumer) IsJoined() bool { return f.joined }

type fakeDB struct{ err error }

func (f *fakeDB) Ping(context.Context) error { return f.err }

type fakeStatuses struct{ statuses []rt.CollectorStatus }

func (f *fakeStatuses) CollectorStatuses() []rt.CollectorStatus { return f.statuses }

func TestHealthz(t *testing.T) {
	s := NewServer(":0", nil, nil, nil, zap.NewNop())
	rec := httptest.NewRecorder()
	s.handleHealthz(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	if rec.Code != http.StatusOK {
		t.Errorf("healthz = %d, want 200", rec.Code)
	}
}

func TestReadyz(t *testing.T) {
	tests := []struct {
		name   string
		joined bool
		dbErr  error
		want   int
	}{
		{"ready", true, nil, http.StatusOK},
		{"consumer not joined", false, nil, http.StatusServiceUnavailable},
		{"db down", true, errors.New("down"), http.StatusServiceUnavailable},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := NewServer(":0", &fakeDB{err: tt.dbErr}, &fakeConsumer{joined: tt.joined}, nil, zap.NewNop())
			rec := httptest.NewRecorder()
			s.handleReadyz(rec, httptest.NewRequest(http.MethodGet, "/readyz", nil))
			if rec.Code != tt.want {
				t.Errorf("readyz = %d, want %d", rec.Code, tt.want)
			}
		})
	}
}

func TestReadyzWithoutDB(t *testing.T) {
	s := NewServer(":0", nil, &fakeConsumer{joined: true}, nil, zap.NewNop())
	rec := httptest.NewRecorder()
	s.handleReadyz(rec, httptest.NewRequest(http.MethodGet, "/readyz", nil))
	if rec.Code != http.StatusOK {
		t.Errorf("readyz without db = %d, want 200", rec.Code)
	}
}

func TestCollectors(t *testing.T) {
	statuses := []rt.CollectorStatus{{Name: "rrc00", State: "up", ActivePeers: 3}}
	s := NewServer(":0", nil, nil, &fakeStatuses{statuses: statuses}, zap.NewNop())

	rec := httptest.NewRecorder()
	s.handleCollectors(rec, httptest.NewRequest(http.MethodGet, "/collectors", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("collectors = %d, want 200", rec.Code)
	}
	var got []rt.CollectorStatus
	if err := json.Unmarshal(rec.Body.Bytes(), &got); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(got) != 1 || got[0].Name != "rrc00" || got[0].ActivePeers != 3 {
		t.Errorf("got %+v", got)
	}
}

func TestCollectorsEmpty(t *testing.T) {
	s := NewServer(":0", nil, nil, nil, zap.NewNop())
	rec := httptest.NewRecorder()
	s.handleCollectors(rec, httptest.NewRequest(http.MethodGet, "/collectors", nil))
	if body := rec.Body.String(); body != "[]\n" {
		t.Errorf("empty collectors body = %q, want []", body)
	}
}
