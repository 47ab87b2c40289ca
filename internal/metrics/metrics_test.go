package metrics

import (
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

func TestCollector(t *testing.T) {
	c := NewCollector()
	c.Ticks.Inc()
	c.JobsExecuted.Inc()
	c.JobsExecuted.Inc()

	srv := httptest.NewServer(c.Handler())
	defer srv.Close()

	resp, err := http.Get(srv.URL)
	if err != nil {
		t.Fatalf("GET metrics failed: %v", err)
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(resp.Body)
	text := string(body)

	if !strings.Contains(text, "autorun_scheduler_ticks_total 1") {
		t.Errorf("Expected tick counter in output:\n%s", text)
	}
	if !strings.Contains(text, "autorun_jobs_executed_total 2") {
		t.Errorf("Expected jobs counter in output:\n%s", text)
	}
}

func TestIndependentRegistries(t *testing.T) {
	// Two collectors must not collide on registration
	a := NewCollector()
	b := NewCollector()
	a.Ticks.Inc()
	_ = b
}
