package metrics

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/require"
)

func scrape(t *testing.T) string {
	t.Helper()
	rr := httptest.NewRecorder()
	Handler().ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	require.Equal(t, http.StatusOK, rr.Code)
	return rr.Body.String()
}

func TestCollectors_Exported(t *testing.T) {
	SyncAttempt("create", OutcomeSuccess)
	RemoteCall("create_record", time.Now(), nil)
	RetryScheduled()
	PermanentFailure()
	RetryProcessed(false)
	StatusTransition("local_to_remote", "pushed")
	SetRecordsByStatus(map[string]int64{"failed": 3})

	body := scrape(t)
	require.Contains(t, body, `crmsync_sync_attempts_total{outcome="success",sync_type="create"}`)
	require.Contains(t, body, `crmsync_remote_request_duration_seconds_count{operation="create_record",result="ok"}`)
	require.Contains(t, body, "crmsync_retry_scheduled_total")
	require.Contains(t, body, "crmsync_retry_permanent_failures_total")
	require.Contains(t, body, `crmsync_retry_processed_total{result="failure"}`)
	require.Contains(t, body, `crmsync_status_transitions_total{direction="local_to_remote",result="pushed"}`)
	require.Contains(t, body, `crmsync_records_by_status{status="failed"} 3`)
}

func TestMiddleware_UsesRoutePattern(t *testing.T) {
	r := chi.NewRouter()
	r.Use(Middleware)
	r.Get("/v1/records/{orderID}", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTeapot)
	})

	rr := httptest.NewRecorder()
	r.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/v1/records/42", nil))
	require.Equal(t, http.StatusTeapot, rr.Code)

	require.Contains(t, scrape(t), `crmsync_http_requests_total{method="GET",route="/v1/records/{orderID}",status="418"} 1`)
}
