package syncapi

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/BearBump/CRMSync/internal/events"
	"github.com/BearBump/CRMSync/internal/metrics"
	"github.com/BearBump/CRMSync/internal/models"
	"github.com/BearBump/CRMSync/internal/services/retry"
	"github.com/BearBump/CRMSync/internal/services/syncer"
	"github.com/go-chi/chi/v5"
	"github.com/pkg/errors"
)

const maxBulk = 500

type Syncer interface {
	SyncOrder(ctx context.Context, orderID int64, syncType models.SyncType) syncer.Result
	SyncBulk(ctx context.Context, orderIDs []int64, syncType models.SyncType) []syncer.Result
	TestConnection(ctx context.Context) error
}

type Retrier interface {
	RetryOne(ctx context.Context, orderID int64, reset bool) (syncer.Result, error)
	RetryAllDue(ctx context.Context) ([]syncer.Result, error)
	ClearRetryQueue(ctx context.Context) (int64, error)
}

type Records interface {
	GetByOrderID(ctx context.Context, orderID int64) (*models.SyncRecord, error)
	List(ctx context.Context, f models.RecordFilter) ([]*models.SyncRecord, error)
}

type EventPublisher interface {
	Publish(ctx context.Context, evs ...events.Event) error
}

type API struct {
	syncer  Syncer
	retrier Retrier
	records Records
	bus     EventPublisher
}

func New(s Syncer, r Retrier, records Records, bus EventPublisher) *API {
	return &API{syncer: s, retrier: r, records: records, bus: bus}
}

// Routes mounts the command, inspection and webhook endpoints.
func (a *API) Routes(r chi.Router) {
	r.Use(metrics.Middleware)

	r.Route("/v1", func(r chi.Router) {
		r.Post("/sync/bulk", a.syncBulk)
		r.Post("/sync/{orderID}", a.syncOne)

		r.Post("/retry/due", a.retryDue)
		r.Post("/retry/{orderID}", a.retryOne)
		r.Delete("/retry/queue", a.clearQueue)

		r.Get("/connection", a.testConnection)

		r.Get("/records", a.listRecords)
		r.Get("/records/{orderID}", a.getRecord)
	})

	r.Post("/webhooks/storefront/order-status", a.orderStatusWebhook)
	r.Post("/webhooks/storefront/order-changed", a.orderChangedWebhook)
	r.Post("/webhooks/crm/stage", a.crmStageWebhook)

	r.Get("/metrics", metrics.Handler().ServeHTTP)
	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
}

func (a *API) syncOne(w http.ResponseWriter, r *http.Request) {
	id, ok := orderIDParam(w, r)
	if !ok {
		return
	}
	syncType := models.SyncType(r.URL.Query().Get("type"))
	if syncType == "" {
		syncType = models.SyncTypeCreate
	}
	if !syncType.Valid() {
		writeError(w, http.StatusBadRequest, "type must be create or update")
		return
	}
	res := a.syncer.SyncOrder(r.Context(), id, syncType)
	writeJSON(w, resultStatus(res), res)
}

type bulkRequest struct {
	OrderIDs []int64         `json:"order_ids"`
	Type     models.SyncType `json:"type"`
}

type bulkResponse struct {
	Results   []syncer.Result `json:"results"`
	Succeeded int             `json:"succeeded"`
	Failed    int             `json:"failed"`
}

func (a *API) syncBulk(w http.ResponseWriter, r *http.Request) {
	var req bulkRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid json body")
		return
	}
	if req.Type == "" {
		req.Type = models.SyncTypeCreate
	}
	if !req.Type.Valid() {
		writeError(w, http.StatusBadRequest, "type must be create or update")
		return
	}
	if len(req.OrderIDs) == 0 || len(req.OrderIDs) > maxBulk {
		writeError(w, http.StatusBadRequest, "order_ids must contain 1 to 500 ids")
		return
	}

	out := bulkResponse{Results: a.syncer.SyncBulk(r.Context(), req.OrderIDs, req.Type)}
	for _, res := range out.Results {
		if res.Success {
			out.Succeeded++
		} else {
			out.Failed++
		}
	}
	writeJSON(w, http.StatusOK, out)
}

func (a *API) retryOne(w http.ResponseWriter, r *http.Request) {
	id, ok := orderIDParam(w, r)
	if !ok {
		return
	}
	reset, _ := strconv.ParseBool(r.URL.Query().Get("reset"))

	res, err := a.retrier.RetryOne(r.Context(), id, reset)
	switch {
	case errors.Is(err, models.ErrRecordNotFound):
		writeError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, retry.ErrPermanentlyFailed):
		writeError(w, http.StatusConflict, err.Error())
	case err != nil:
		writeError(w, http.StatusInternalServerError, err.Error())
	default:
		writeJSON(w, resultStatus(res), res)
	}
}

func (a *API) retryDue(w http.ResponseWriter, r *http.Request) {
	results, err := a.retrier.RetryAllDue(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if results == nil {
		results = []syncer.Result{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"processed": len(results), "results": results})
}

func (a *API) clearQueue(w http.ResponseWriter, r *http.Request) {
	n, err := a.retrier.ClearRetryQueue(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]int64{"cleared": n})
}

func (a *API) testConnection(w http.ResponseWriter, r *http.Request) {
	if err := a.syncer.TestConnection(r.Context()); err != nil {
		writeJSON(w, http.StatusBadGateway, map[string]any{"ok": false, "error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"ok": true})
}

type recordView struct {
	OrderID           int64           `json:"order_id"`
	RemoteID          *string         `json:"remote_id"`
	SyncType          string          `json:"sync_type"`
	SyncStatus        string          `json:"sync_status"`
	RetryCount        int             `json:"retry_count"`
	NextRetryAt       *time.Time      `json:"next_retry_at"`
	ErrorMessage      string          `json:"error_message,omitempty"`
	RemoteStatus      string          `json:"remote_status,omitempty"`
	LastSyncDirection *string         `json:"last_sync_direction"`
	RemoteSnapshot    json.RawMessage `json:"remote_snapshot,omitempty"`
	PermanentlyFailed bool            `json:"permanently_failed"`
	CreatedAt         time.Time       `json:"created_at"`
	UpdatedAt         time.Time       `json:"updated_at"`
}

func toView(r *models.SyncRecord) recordView {
	v := recordView{
		OrderID:           r.OrderID,
		RemoteID:          r.RemoteID,
		SyncType:          string(r.SyncType),
		SyncStatus:        string(r.SyncStatus),
		RetryCount:        r.RetryCount,
		NextRetryAt:       r.NextRetryAt,
		ErrorMessage:      r.ErrorMessage,
		RemoteStatus:      r.RemoteStatus,
		RemoteSnapshot:    r.RemoteSnapshot,
		PermanentlyFailed: r.PermanentlyFailed,
		CreatedAt:         r.CreatedAt,
		UpdatedAt:         r.UpdatedAt,
	}
	if r.LastSyncDirection != nil {
		d := string(*r.LastSyncDirection)
		v.LastSyncDirection = &d
	}
	return v
}

func (a *API) getRecord(w http.ResponseWriter, r *http.Request) {
	id, ok := orderIDParam(w, r)
	if !ok {
		return
	}
	rec, err := a.records.GetByOrderID(r.Context(), id)
	if errors.Is(err, models.ErrRecordNotFound) {
		writeError(w, http.StatusNotFound, err.Error())
		return
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, toView(rec))
}

func (a *API) listRecords(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	f := models.RecordFilter{Limit: 50}
	if s := q.Get("status"); s != "" {
		st := models.SyncStatus(s)
		switch st {
		case models.SyncStatusPending, models.SyncStatusCompleted, models.SyncStatusFailed, models.SyncStatusPermanentlyFailed:
		default:
			writeError(w, http.StatusBadRequest, "unknown status "+s)
			return
		}
		f.Status = &st
	}
	if s := q.Get("limit"); s != "" {
		n, err := strconv.Atoi(s)
		if err != nil || n <= 0 || n > 500 {
			writeError(w, http.StatusBadRequest, "limit must be between 1 and 500")
			return
		}
		f.Limit = n
	}
	if s := q.Get("offset"); s != "" {
		n, err := strconv.Atoi(s)
		if err != nil || n < 0 {
			writeError(w, http.StatusBadRequest, "offset must not be negative")
			return
		}
		f.Offset = n
	}

	recs, err := a.records.List(r.Context(), f)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	out := make([]recordView, 0, len(recs))
	for _, rec := range recs {
		out = append(out, toView(rec))
	}
	writeJSON(w, http.StatusOK, map[string]any{"records": out})
}

type orderStatusHook struct {
	OrderID   int64  `json:"order_id"`
	OldStatus string `json:"old_status"`
	NewStatus string `json:"new_status"`
}

func (a *API) orderStatusWebhook(w http.ResponseWriter, r *http.Request) {
	var in orderStatusHook
	if err := json.NewDecoder(r.Body).Decode(&in); err != nil || in.OrderID <= 0 || in.NewStatus == "" {
		writeError(w, http.StatusBadRequest, "order_id and new_status are required")
		return
	}
	a.publish(w, r, events.NewOrderStatusChanged(in.OrderID, in.OldStatus, in.NewStatus))
}

func (a *API) orderChangedWebhook(w http.ResponseWriter, r *http.Request) {
	var in struct {
		OrderID int64 `json:"order_id"`
	}
	if err := json.NewDecoder(r.Body).Decode(&in); err != nil || in.OrderID <= 0 {
		writeError(w, http.StatusBadRequest, "order_id is required")
		return
	}
	a.publish(w, r, events.NewOrderChanged(in.OrderID))
}

type crmStageHook struct {
	RemoteID string         `json:"remote_id"`
	Payload  map[string]any `json:"payload"`
}

func (a *API) crmStageWebhook(w http.ResponseWriter, r *http.Request) {
	var in crmStageHook
	if err := json.NewDecoder(r.Body).Decode(&in); err != nil || in.RemoteID == "" {
		writeError(w, http.StatusBadRequest, "remote_id is required")
		return
	}
	a.publish(w, r, events.NewRemoteStatusChanged(in.RemoteID, in.Payload))
}

func (a *API) publish(w http.ResponseWriter, r *http.Request, e events.Event) {
	if err := a.bus.Publish(r.Context(), e); err != nil {
		writeJSON(w, http.StatusAccepted, map[string]any{"event_id": e.EventID().String(), "error": err.Error()})
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]any{"event_id": e.EventID().String()})
}

// resultStatus maps a sync result onto an HTTP status. Failures still carry the
// result body.
func resultStatus(res syncer.Result) int {
	switch {
	case res.Success:
		return http.StatusOK
	case errors.Is(res.Err, syncer.ErrOrderNotFound):
		return http.StatusNotFound
	case errors.Is(res.Err, syncer.ErrSyncInProgress):
		return http.StatusConflict
	case res.Recorded:
		return http.StatusBadGateway
	case res.Retryable:
		return http.StatusServiceUnavailable
	default:
		return http.StatusUnprocessableEntity
	}
}

func orderIDParam(w http.ResponseWriter, r *http.Request) (int64, bool) {
	id, err := strconv.ParseInt(chi.URLParam(r, "orderID"), 10, 64)
	if err != nil || id <= 0 {
		writeError(w, http.StatusBadRequest, "invalid order id")
		return 0, false
	}
	return id, true
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
