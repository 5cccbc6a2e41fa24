package metrics

import (
	"io"
	"net/http/httptest"
	"strings"
	"testing"
	"time"
)

func TestScrapeOutput(t *testing.T) {
	m := New(func() (int, int) { return 2, 5 })
	m.ObserveCommand("goto", "success", 120*time.Millisecond)
	m.ObserveCommand("click", "Timeout", 30*time.Second)
	m.SessionEvicted()
	m.VisionCall("success")

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	body, _ := io.ReadAll(rec.Result().Body)
	out := string(body)

	for _, want := range []string{
		`browserd_sessions_live 2`,
		`browserd_pages_live 5`,
		`browserd_commands_total{command="goto",outcome="success"} 1`,
		`browserd_commands_total{command="click",outcome="Timeout"} 1`,
		`browserd_session_evictions_total 1`,
		`browserd_vision_requests_total{outcome="success"} 1`,
	} {
		if !strings.Contains(out, want) {
			t.Errorf("scrape output missing %q", want)
		}
	}
}
