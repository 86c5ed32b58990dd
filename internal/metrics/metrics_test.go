package metrics

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus/promhttp"
)

func TestObserveStoreRecordsOutcome(t *testing.T) {
	ObserveStore(128, 3)

	mfs, err := Registry.Gather()
	if err != nil {
		t.Fatalf("Gather() error = %v", err)
	}

	found := false
	for _, mf := range mfs {
		if mf.GetName() != "dedupe_store_total" {
			continue
		}
		found = true
		if len(mf.Metric) == 0 {
			t.Fatal("dedupe_store_total has no samples")
		}
	}
	if !found {
		t.Fatal("dedupe_store_total not found")
	}
}

func TestObserveChunkUpdatesDedupRatio(t *testing.T) {
	ObserveChunk(false)
	ObserveChunk(true)
	ObserveChunk(true)

	mfs, err := Registry.Gather()
	if err != nil {
		t.Fatalf("Gather() error = %v", err)
	}

	for _, mf := range mfs {
		if mf.GetName() != "dedupe_dedup_ratio" {
			continue
		}
		if len(mf.Metric) == 0 || mf.Metric[0].GetGauge().GetValue() <= 0 {
			t.Fatal("dedupe_dedup_ratio should be > 0 after reused chunks")
		}
		return
	}
	t.Fatal("dedupe_dedup_ratio not found")
}

func TestSetIndexCounts(t *testing.T) {
	SetIndexCounts("alpha", 5, 12)

	mfs, err := Registry.Gather()
	if err != nil {
		t.Fatalf("Gather() error = %v", err)
	}

	seen := map[string]bool{}
	for _, mf := range mfs {
		if mf.GetName() == "dedupe_index_object_count" || mf.GetName() == "dedupe_index_chunk_count" {
			seen[mf.GetName()] = true
		}
	}
	if !seen["dedupe_index_object_count"] || !seen["dedupe_index_chunk_count"] {
		t.Fatalf("expected both index count gauges, got %v", seen)
	}
}

func TestMetricsEndpointExposesCoreMetrics(t *testing.T) {
	ObserveStore(64, 1)
	SetUp(true)

	req := httptest.NewRequest(http.MethodGet, "/metrics", nil)
	w := httptest.NewRecorder()
	promhttp.HandlerFor(Registry, promhttp.HandlerOpts{EnableOpenMetrics: true}).ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("unexpected status code: %d", w.Code)
	}

	body := w.Body.String()
	if !strings.Contains(body, "dedupe_store_total") {
		t.Fatalf("expected dedupe_store_total in body, got: %s", body)
	}
	if !strings.Contains(body, "dedupe_up") {
		t.Fatalf("expected dedupe_up gauge, body: %s", body)
	}
}

func TestSetUpTogglesGauge(t *testing.T) {
	SetUp(false)
	mfs, err := Registry.Gather()
	if err != nil {
		t.Fatalf("Gather() error = %v", err)
	}
	for _, mf := range mfs {
		if mf.GetName() != "dedupe_up" {
			continue
		}
		if mf.Metric[0].GetGauge().GetValue() != 0 {
			t.Fatal("dedupe_up should be 0 after SetUp(false)")
		}
		SetUp(true)
		return
	}
	t.Fatal("dedupe_up not found")
}
