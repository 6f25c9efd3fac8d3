package metrics

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

func scrape(t *testing.T) string {
	t.Helper()
	rr := httptest.NewRecorder()
	Handler().ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	if rr.Code != http.StatusOK {
		t.Fatalf("scrape: %d", rr.Code)
	}
	return rr.Body.String()
}

func TestInstrumentLabelsByPattern(t *testing.T) {
	Init()
	Init()

	mux := http.NewServeMux()
	mux.HandleFunc("GET /api/items/{id}", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTeapot)
	})
	h := Instrument(mux)

	for _, id := range []string{"1", "2", "3"} {
		h.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/api/items/"+id, nil))
	}
	h.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/nowhere", nil))

	body := scrape(t)
	if !strings.Contains(body, `http_requests_total{method="GET",route="GET /api/items/{id}",status="418"} 3`) {
		t.Fatalf("expected 3 requests under one route label:\n%s", body)
	}
	if strings.Contains(body, `route="/api/items/1"`) {
		t.Fatalf("raw paths must not become labels")
	}
	if !strings.Contains(body, `route="unmatched",status="404"`) {
		t.Fatalf("expected unmatched requests to be counted")
	}
}

func TestHandlerExposesAuthCounters(t *testing.T) {
	Init()
	LockoutsTotal.Inc()
	LoginTotal.WithLabelValues("success").Inc()

	body := scrape(t)
	for _, name := range []string{"auth_lockouts_total", "auth_login_total"} {
		if !strings.Contains(body, name) {
			t.Fatalf("expected %s in exposition", name)
		}
	}
}
