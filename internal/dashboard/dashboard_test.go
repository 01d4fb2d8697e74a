package dashboard

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/cityhall/cityhall/internal/metrics"
	"github.com/cityhall/cityhall/internal/replication/leader"
	"github.com/prometheus/client_golang/prometheus"
)

func TestHandlerStatusReportsMetricsAndReplicas(t *testing.T) {
	reg := leader.NewRegistry(time.Minute)
	reg.Register("r1", 3)

	eng := metrics.NewEngine(prometheus.NewRegistry())
	eng.WritesTotal.Add(5)
	eng.ReadsTotal.Add(2)
	eng.ReadHits.Add(2)

	h := NewHandler(reg, eng)
	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/status", nil)
	h.Mux().ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status code = %d, want 200", rec.Code)
	}

	var snap Snapshot
	if err := json.Unmarshal(rec.Body.Bytes(), &snap); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if len(snap.Replicas) != 1 || snap.Replicas[0].ReplicaID != "r1" {
		t.Fatalf("Replicas = %+v", snap.Replicas)
	}
	if snap.Engine.WritesTotal != 5 || snap.Engine.HitRate != 1 {
		t.Fatalf("Engine = %+v", snap.Engine)
	}
}

func TestHandlerStatusRejectsNonGet(t *testing.T) {
	h := NewHandler(nil, nil)
	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/status", nil)
	h.Mux().ServeHTTP(rec, req)

	if rec.Code != http.StatusMethodNotAllowed {
		t.Fatalf("status code = %d, want 405", rec.Code)
	}
}

func TestHandlerStatusWithNilSourcesReturnsEmptySnapshot(t *testing.T) {
	h := NewHandler(nil, nil)
	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/status", nil)
	h.Mux().ServeHTTP(rec, req)

	var snap Snapshot
	if err := json.Unmarshal(rec.Body.Bytes(), &snap); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if len(snap.Replicas) != 0 {
		t.Fatalf("Replicas = %+v, want empty", snap.Replicas)
	}
}
