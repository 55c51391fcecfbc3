package metrics_test

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/snehjoshi/slotify/internal/metrics"
)

// scrape renders reg the way Prometheus would see it.
func scrape(t *testing.T, reg *metrics.Registry) string {
	t.Helper()
	rec := httptest.NewRecorder()
	reg.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("metrics handler returned %d", rec.Code)
	}
	return rec.Body.String()
}

func assertContains(t *testing.T, text string, wants ...string) {
	t.Helper()
	for _, want := range wants {
		if !strings.Contains(text, want) {
			t.Errorf("metrics output missing %q", want)
		}
	}
}

func TestRegistry_OperationCounters(t *testing.T) {
	reg := metrics.New()

	reg.ObserveOp("admit", "north", metrics.ResultOK, 3*time.Millisecond)
	reg.ObserveOp("admit", "north", metrics.ResultOK, time.Millisecond)
	reg.ObserveOp("dispatch", "north", metrics.ResultRejected, time.Millisecond)

	assertContains(t, scrape(t, reg),
		`slotify_operations_total{branch="north",op="admit",result="ok"} 2`,
		`slotify_operations_total{branch="north",op="dispatch",result="rejected"} 1`,
		`slotify_operation_duration_seconds_count{op="admit"} 2`,
	)
}

func TestRegistry_AdmitCounters(t *testing.T) {
	reg := metrics.New()
	reg.ObserveAdmit("north", "critical", 95)
	reg.ObserveAdmit("north", "critical", 88)

	assertContains(t, scrape(t, reg),
		`slotify_tokens_admitted_total{branch="north",category="critical"} 2`,
		`slotify_urgency_score_count 2`,
	)
}

type fakeDispatcher struct{}

func (fakeDispatcher) Pending() int      { return 3 }
func (fakeDispatcher) Dropped() uint64   { return 7 }
func (fakeDispatcher) Delivered() uint64 { return 40 }
func (fakeDispatcher) Failed() uint64    { return 1 }

type fakeDeadLetters struct{}

func (fakeDeadLetters) Len() int          { return 2 }
func (fakeDeadLetters) Discarded() uint64 { return 5 }

func TestRegistry_HandlerRendersEverything(t *testing.T) {
	reg := metrics.New()
	reg.ObserveHTTP("POST", "/branches/{branch}/tokens", 201, 12*time.Millisecond)
	reg.RegisterDispatcher(fakeDispatcher{})
	reg.RegisterDeadLetters(fakeDeadLetters{})
	reg.RegisterQueueDepth(func() map[string]int { return map[string]int{"north": 4, "south": 0} })

	assertContains(t, scrape(t, reg),
		`slotify_http_requests_total{method="POST",path="/branches/{branch}/tokens",status="201"} 1`,
		`slotify_events_pending 3`,
		`slotify_events_dropped_total 7`,
		`slotify_dead_letters 2`,
		`slotify_dead_letters_discarded_total 5`,
		`slotify_active_tokens{branch="north"} 4`,
		`slotify_active_tokens{branch="south"} 0`,
		`go_goroutines`,
	)
}

func TestRegistry_Isolated(t *testing.T) {
	// Two registries in one process must not panic on duplicate registration.
	a, b := metrics.New(), metrics.New()
	a.ObserveOp("admit", "north", metrics.ResultOK, 0)
	if strings.Contains(scrape(t, b), "slotify_operations_total") {
		t.Error("registries share state")
	}
}
