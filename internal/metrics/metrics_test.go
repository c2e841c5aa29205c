package metrics_test

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/auxoncorp/modality-defmt-plugins/internal/metrics"
)

func TestHandlerServesCounters(t *testing.T) {
	m := metrics.New()
	m.FramesDecoded.Add(3)
	m.EventsSent.Add(2)
	m.Connected.Store(1)

	req := httptest.NewRequest(http.MethodGet, "/metrics", nil)
	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	body := rec.Body.String()
	for _, want := range []string{
		"defmt_frames_decoded_total 3",
		"defmt_events_sent_total 2",
		"defmt_connected 1",
	} {
		if !strings.Contains(body, want) {
			t.Errorf("body missing %q:\n%s", want, body)
		}
	}
}
