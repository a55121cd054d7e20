package syncer

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/BearBump/CRMSync/config"
	"github.com/BearBump/CRMSync/internal/broker/messages"
	"github.com/BearBump/CRMSync/internal/integrations/crm"
	"github.com/BearBump/CRMSync/internal/integrations/storefront"
	"github.com/BearBump/CRMSync/internal/metrics"
	"github.com/BearBump/CRMSync/internal/models"
	"github.com/BearBump/CRMSync/internal/services/mapper"
	"github.com/BearBump/CRMSync/internal/services/validation"
	"github.com/google/uuid"
	"github.com/pkg/errors"
)

var (
	ErrOrderNotFound  = errors.New("order not found")
	ErrNotEligible    = errors.New("order is not eligible for sync")
	ErrSyncInProgress = errors.New("sync already in progress for this order")
)

type Repository interface {
	GetByOrderID(ctx context.Context, orderID int64) (*models.SyncRecord, error)
	Upsert(ctx context.Context, orderID int64, fn func(r *models.SyncRecord) error) (*models.SyncRecord, error)
	// ClaimSync marks the record as in flight until now+ttl. It reports false while
	// another caller, possibly in another process, holds an unexpired claim.
	ClaimSync(ctx context.Context, orderID int64, token string, now time.Time, ttl time.Duration) (bool, error)
	ReleaseSync(ctx context.Context, orderID int64, token string) error
}

// Retrier takes over after a failed remote call.
type Retrier interface {
	ScheduleRetry(ctx context.Context, orderID int64, syncType models.SyncType, cause error) error
}

type Locker interface {
	TryLock(ctx context.Context, key string, ttl time.Duration) (func(), bool, error)
}

type RateLimiter interface {
	Allow(ctx context.Context, key string, limit int64, window time.Duration) (bool, int64, error)
}

type Publisher interface {
	PublishJSON(ctx context.Context, topic, key string, v any) error
}

// Result is what every SyncOrder caller receives. Message equals the persisted
// error message for remote failures.
type Result struct {
	OrderID   int64           `json:"order_id"`
	SyncType  models.SyncType `json:"sync_type"`
	Success   bool            `json:"success"`
	RemoteID  string          `json:"remote_id,omitempty"`
	Message   string          `json:"message,omitempty"`
	Retryable bool            `json:"retryable"`

	// Recorded is set once the outcome was written to the sync record.
	Recorded bool  `json:"-"`
	Err      error `json:"-"`
}

type Orchestrator struct {
	cfg       config.SyncConfig
	store     storefront.Store
	repo      Repository
	client    crm.Client
	validator *validation.Validator
	mapper    *mapper.Mapper

	retrier Retrier
	locker  Locker
	rl      RateLimiter

	pub         Publisher
	syncedTopic string

	logger *slog.Logger
	now    func() time.Time

	rateWaitStep  time.Duration
	rateWaitTries int
}

func New(cfg config.SyncConfig, store storefront.Store, repo Repository, client crm.Client, logger *slog.Logger) *Orchestrator {
	if logger == nil {
		logger = slog.Default()
	}
	return &Orchestrator{
		cfg:           cfg,
		store:         store,
		repo:          repo,
		client:        client,
		validator:     validation.New(cfg),
		mapper:        mapper.New(cfg),
		logger:        logger.With("service", "syncer"),
		now:           func() time.Time { return time.Now().UTC() },
		rateWaitStep:  500 * time.Millisecond,
		rateWaitTries: 10,
	}
}

func (o *Orchestrator) WithRetrier(r Retrier) *Orchestrator {
	o.retrier = r
	return o
}

func (o *Orchestrator) WithLocker(l Locker) *Orchestrator {
	o.locker = l
	return o
}

func (o *Orchestrator) WithRateLimiter(rl RateLimiter) *Orchestrator {
	o.rl = rl
	return o
}

func (o *Orchestrator) WithPublisher(p Publisher, syncedTopic string) *Orchestrator {
	o.pub = p
	o.syncedTopic = syncedTopic
	return o
}

func (o *Orchestrator) WithClock(now func() time.Time) *Orchestrator {
	if now != nil {
		o.now = now
	}
	return o
}

// WithRateWait sets how long a call waits for a free rate-limit slot.
func (o *Orchestrator) WithRateWait(step time.Duration, tries int) *Orchestrator {
	if step >= 0 {
		o.rateWaitStep = step
	}
	if tries > 0 {
		o.rateWaitTries = tries
	}
	return o
}

func (o *Orchestrator) Config() config.SyncConfig { return o.cfg }

// SyncOrder pushes one order to the CRM. An existing remote record is always
// updated, never duplicated. It never returns an error: failures are described by
// the Result.
func (o *Orchestrator) SyncOrder(ctx context.Context, orderID int64, syncType models.SyncType) Result {
	res := Result{OrderID: orderID, SyncType: syncType}
	if !syncType.Valid() {
		return o.reject(res, metrics.OutcomeInvalid, fmt.Errorf("unknown sync type %q", syncType))
	}

	if o.locker != nil {
		unlock, ok, err := o.locker.TryLock(ctx, "sync:order:"+strconv.FormatInt(orderID, 10), o.cfg.LockTTL)
		if err != nil {
			res.Retryable = true
			return o.reject(res, metrics.OutcomeFailed, errors.Wrap(err, "acquire order lock"))
		}
		if !ok {
			res.Retryable = true
			return o.reject(res, metrics.OutcomeInProgress, ErrSyncInProgress)
		}
		defer unlock()
	}

	order, err := o.store.GetOrder(ctx, orderID)
	if errors.Is(err, storefront.ErrOrderNotFound) {
		return o.reject(res, metrics.OutcomeNotFound, ErrOrderNotFound)
	}
	if err != nil {
		res.Retryable = true
		return o.reject(res, metrics.OutcomeFailed, errors.Wrap(err, "load order"))
	}

	if err := o.validator.Eligible(order); err != nil {
		return o.reject(res, metrics.OutcomeNotEligible, errors.Wrap(ErrNotEligible, err.Error()))
	}
	if err := o.validator.Validate(order).Err(); err != nil {
		return o.reject(res, metrics.OutcomeInvalid, err)
	}

	payload, err := o.mapper.Map(order)
	if err != nil {
		o.logger.Error("mapping failed after validation", "order_id", orderID, "error", err.Error())
		return o.reject(res, metrics.OutcomeMapping, err)
	}

	token := uuid.NewString()
	claimed, err := o.repo.ClaimSync(ctx, orderID, token, o.now(), o.claimTTL())
	if err != nil {
		res.Retryable = true
		return o.reject(res, metrics.OutcomeFailed, errors.Wrap(err, "claim sync record"))
	}
	if !claimed {
		res.Retryable = true
		return o.reject(res, metrics.OutcomeInProgress, ErrSyncInProgress)
	}
	defer o.release(ctx, orderID, token)

	rec, err := o.repo.GetByOrderID(ctx, orderID)
	if err != nil && !errors.Is(err, models.ErrRecordNotFound) {
		res.Retryable = true
		return o.reject(res, metrics.OutcomeFailed, errors.Wrap(err, "load sync record"))
	}

	effective := models.SyncTypeCreate
	if rec.HasRemote() {
		effective = models.SyncTypeUpdate
	}
	if effective != syncType {
		o.logger.Debug("sync type adjusted", "order_id", orderID, "requested", string(syncType), "effective", string(effective))
	}
	res.SyncType = effective

	remoteID, callErr := o.send(ctx, rec, effective, payload)
	if callErr != nil {
		return o.fail(ctx, res, callErr)
	}

	snapshot, err := json.Marshal(payload)
	if err != nil {
		snapshot = nil
	}
	now := o.now()
	_, err = o.repo.Upsert(ctx, orderID, func(r *models.SyncRecord) error {
		if err := r.SetRemoteID(remoteID); err != nil {
			return err
		}
		r.MarkCompleted(effective, snapshot, now)
		if payload.Stage != "" {
			r.SetRemoteStatus(payload.Stage, models.DirectionLocalToRemote, now)
		}
		return nil
	})
	if err != nil {
		// The CRM accepted the data but the link could not be stored.
		o.logger.Error("persist completed sync", "order_id", orderID, "remote_id", remoteID, "error", err.Error())
		res.Retryable = !errors.Is(err, models.ErrRemoteIDTaken) && !errors.Is(err, models.ErrRemoteIDLocked)
		return o.reject(res, metrics.OutcomeFailed, errors.Wrap(err, "persist sync record"))
	}

	metrics.SyncAttempt(string(effective), metrics.OutcomeSuccess)
	o.logger.Info("order synced", "order_id", orderID, "remote_id", remoteID, "sync_type", string(effective))
	o.publishSynced(ctx, orderID, remoteID, effective, now)

	res.Success = true
	res.Recorded = true
	res.RemoteID = remoteID
	return res
}

func (o *Orchestrator) claimTTL() time.Duration {
	if o.cfg.LockTTL > 0 {
		return o.cfg.LockTTL
	}
	return 2 * time.Minute
}

func (o *Orchestrator) release(ctx context.Context, orderID int64, token string) {
	if err := o.repo.ReleaseSync(context.WithoutCancel(ctx), orderID, token); err != nil {
		o.logger.Warn("release sync claim", "order_id", orderID, "error", err.Error())
	}
}

// SyncBulk syncs orders one after another and reports every result.
func (o *Orchestrator) SyncBulk(ctx context.Context, orderIDs []int64, syncType models.SyncType) []Result {
	out := make([]Result, 0, len(orderIDs))
	seen := make(map[int64]struct{}, len(orderIDs))
	for _, id := range orderIDs {
		if _, dup := seen[id]; dup {
			continue
		}
		seen[id] = struct{}{}
		if ctx.Err() != nil {
			out = append(out, Result{OrderID: id, SyncType: syncType, Message: ctx.Err().Error(), Retryable: true, Err: ctx.Err()})
			continue
		}
		out = append(out, o.SyncOrder(ctx, id, syncType))
	}
	return out
}

// HandleOrderChanged is the auto-sync entry point. It reports false when auto-sync
// is off.
func (o *Orchestrator) HandleOrderChanged(ctx context.Context, orderID int64) (Result, bool) {
	if !o.cfg.AutoSyncEnabled {
		return Result{}, false
	}
	syncType := models.SyncTypeCreate
	if rec, err := o.repo.GetByOrderID(ctx, orderID); err == nil && rec.HasRemote() {
		syncType = models.SyncTypeUpdate
	}
	res := o.SyncOrder(ctx, orderID, syncType)
	if !res.Success {
		o.logger.Debug("auto sync skipped or failed", "order_id", orderID, "message", res.Message)
	}
	return res, true
}

// TestConnection checks the CRM credentials with a single round trip.
func (o *Orchestrator) TestConnection(ctx context.Context) error {
	start := time.Now()
	err := o.client.TestConnection(ctx)
	metrics.RemoteCall("test_connection", start, err)
	return err
}

func (o *Orchestrator) send(ctx context.Context, rec *models.SyncRecord, syncType models.SyncType, p models.RemotePayload) (string, error) {
	if err := o.waitForSlot(ctx); err != nil {
		return "", err
	}

	start := time.Now()
	if syncType == models.SyncTypeUpdate {
		remoteID := rec.RemoteIDValue()
		err := o.client.UpdateRecord(ctx, remoteID, p)
		metrics.RemoteCall("update_record", start, err)
		return remoteID, err
	}
	remoteID, err := o.client.CreateRecord(ctx, p)
	metrics.RemoteCall("create_record", start, err)
	if err == nil && remoteID == "" {
		err = &crm.RemoteError{Message: "crm returned an empty record id", Transient: true}
	}
	return remoteID, err
}

// waitForSlot blocks until the shared CRM budget has room. Running out of patience
// is reported as a transient remote failure.
func (o *Orchestrator) waitForSlot(ctx context.Context) error {
	if o.rl == nil || o.cfg.RemoteRateLimitPerMinute <= 0 {
		return nil
	}
	limit := int64(o.cfg.RemoteRateLimitPerMinute)
	for i := 0; i < o.rateWaitTries; i++ {
		key := "rl:crm:" + o.now().Format("200601021504")
		allowed, n, err := o.rl.Allow(ctx, key, limit, 70*time.Second)
		if err != nil {
			o.logger.Warn("rate limiter unavailable", "error", err.Error())
			return nil
		}
		if allowed {
			return nil
		}
		o.logger.Warn("crm rate limit exceeded", "count", n)
		select {
		case <-ctx.Done():
			return crm.NewNetworkError(ctx.Err())
		case <-time.After(o.rateWaitStep):
		}
	}
	return crm.NewStatusError(429, "LOCAL_RATE_LIMIT", "crm rate limit exhausted")
}

func (o *Orchestrator) fail(ctx context.Context, res Result, callErr error) Result {
	msg := callErr.Error()
	now := o.now()
	_, err := o.repo.Upsert(ctx, res.OrderID, func(r *models.SyncRecord) error {
		r.MarkFailed(res.SyncType, msg, now)
		return nil
	})
	if err != nil {
		o.logger.Error("persist failed sync", "order_id", res.OrderID, "error", err.Error())
	} else {
		res.Recorded = true
	}

	metrics.SyncAttempt(string(res.SyncType), metrics.OutcomeFailed)
	o.logger.Warn("order sync failed", "order_id", res.OrderID, "sync_type", string(res.SyncType), "error", msg)

	res.Retryable = true
	if o.cfg.FailFastOnPermanentRemoteErrors && !crm.IsTransient(callErr) {
		res.Retryable = false
	}
	if o.retrier != nil {
		if err := o.retrier.ScheduleRetry(ctx, res.OrderID, res.SyncType, callErr); err != nil {
			o.logger.Error("schedule retry", "order_id", res.OrderID, "error", err.Error())
		}
	}

	res.Message = msg
	res.Err = callErr
	return res
}

func (o *Orchestrator) reject(res Result, outcome string, err error) Result {
	metrics.SyncAttempt(string(res.SyncType), outcome)
	o.logger.Info("order sync rejected", "order_id", res.OrderID, "reason", outcome, "error", err.Error())
	res.Success = false
	res.Message = err.Error()
	res.Err = err
	return res
}

func (o *Orchestrator) publishSynced(ctx context.Context, orderID int64, remoteID string, syncType models.SyncType, at time.Time) {
	if o.pub == nil || o.syncedTopic == "" {
		return
	}
	msg := messages.OrderSynced{
		OrderID:    orderID,
		RemoteID:   remoteID,
		SyncType:   string(syncType),
		RecordKind: o.client.Kind(),
		SyncedAt:   at,
	}
	if err := o.pub.PublishJSON(ctx, o.syncedTopic, strconv.FormatInt(orderID, 10), msg); err != nil {
		o.logger.Warn("publish order synced", "order_id", orderID, "error", err.Error())
	}
}
