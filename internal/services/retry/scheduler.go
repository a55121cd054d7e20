package retry

import (
	"context"
	"encoding/json"
	"log/slog"
	"math/rand"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/BearBump/CRMSync/config"
	"github.com/BearBump/CRMSync/internal/integrations/crm"
	"github.com/BearBump/CRMSync/internal/metrics"
	"github.com/BearBump/CRMSync/internal/models"
	"github.com/BearBump/CRMSync/internal/services/syncer"
	"github.com/BearBump/CRMSync/internal/tasks"
	"github.com/pkg/errors"
)

var (
	// ErrRetryExhausted marks the transition to permanently_failed. It never leaves
	// this package.
	ErrRetryExhausted    = errors.New("retry budget exhausted")
	ErrPermanentlyFailed = errors.New("record is permanently failed, reset it to retry")
)

type Repository interface {
	GetByOrderID(ctx context.Context, orderID int64) (*models.SyncRecord, error)
	Upsert(ctx context.Context, orderID int64, fn func(r *models.SyncRecord) error) (*models.SyncRecord, error)
	FindDueForRetry(ctx context.Context, now time.Time, maxRetries, limit int, lease time.Duration) ([]*models.SyncRecord, error)
	ClearRetryQueue(ctx context.Context) (int64, error)
}

type StatusCounter interface {
	CountByStatus(ctx context.Context) (map[models.SyncStatus]int64, error)
}

type Syncer interface {
	SyncOrder(ctx context.Context, orderID int64, syncType models.SyncType) syncer.Result
}

type Notifier interface {
	NotifyPermanentFailure(ctx context.Context, rec *models.SyncRecord) error
}

type taskPayload struct {
	OrderID  int64           `json:"order_id"`
	SyncType models.SyncType `json:"sync_type"`
}

func taskID(orderID int64) string {
	return "retry:" + strconv.FormatInt(orderID, 10)
}

type Scheduler struct {
	cfg     config.SyncConfig
	repo    Repository
	tasks   tasks.Scheduler
	planner *Planner
	logger  *slog.Logger

	syncer   Syncer
	notifier Notifier
	counter  StatusCounter

	now func() time.Time

	pollInterval time.Duration
	batchSize    int
	lease        time.Duration

	triggerCh chan struct{}

	startedAtUnixNano   int64
	lastCycleUnixNano   atomic.Int64
	lastTriggerUnixNano atomic.Int64
	totalScheduled      atomic.Int64
	totalPermanent      atomic.Int64
	totalProcessed      atomic.Int64
	totalSucceeded      atomic.Int64
	totalErrors         atomic.Int64
	lastErrorMu         sync.Mutex
	lastError           string
}

func NewScheduler(cfg config.SyncConfig, repo Repository, ts tasks.Scheduler, logger *slog.Logger) *Scheduler {
	if logger == nil {
		logger = slog.Default()
	}
	if ts == nil {
		ts = tasks.NewMemory()
	}
	batch := cfg.RetryBatchSize
	if batch <= 0 {
		batch = 10
	}
	return &Scheduler{
		cfg:               cfg,
		repo:              repo,
		tasks:             ts,
		planner:           NewPlanner(PlannerConfigFrom(cfg), rand.New(rand.NewSource(time.Now().UnixNano()))),
		logger:            logger.With("service", "retry"),
		now:               func() time.Time { return time.Now().UTC() },
		pollInterval:      time.Minute,
		batchSize:         batch,
		lease:             2 * time.Minute,
		triggerCh:         make(chan struct{}, 1),
		startedAtUnixNano: time.Now().UTC().UnixNano(),
	}
}

// WithSyncer must be called before Run. The syncer usually holds this scheduler as
// its retrier, so the two are wired in two steps.
func (s *Scheduler) WithSyncer(sy Syncer) *Scheduler {
	s.syncer = sy
	return s
}

func (s *Scheduler) WithNotifier(n Notifier) *Scheduler {
	s.notifier = n
	return s
}

// WithStatusCounter enables the records-by-status gauge refresh after each tick.
func (s *Scheduler) WithStatusCounter(c StatusCounter) *Scheduler {
	s.counter = c
	return s
}

func (s *Scheduler) WithPlanner(p *Planner) *Scheduler {
	if p != nil {
		s.planner = p
	}
	return s
}

func (s *Scheduler) WithClock(now func() time.Time) *Scheduler {
	if now != nil {
		s.now = now
	}
	return s
}

func (s *Scheduler) WithSettings(pollInterval time.Duration, batchSize int, lease time.Duration) *Scheduler {
	if pollInterval > 0 {
		s.pollInterval = pollInterval
	}
	if batchSize > 0 {
		s.batchSize = batchSize
	}
	if lease > 0 {
		s.lease = lease
	}
	return s
}

// ScheduleRetry is called after every failed remote call. The record already carries
// the incremented retry count.
func (s *Scheduler) ScheduleRetry(ctx context.Context, orderID int64, syncType models.SyncType, cause error) error {
	now := s.now()
	var nextAt time.Time
	rec, err := s.repo.Upsert(ctx, orderID, func(r *models.SyncRecord) error {
		if r.PermanentlyFailed {
			return nil
		}
		if r.RetryCount >= s.cfg.MaxRetries {
			r.MarkPermanentlyFailed(now)
			return ErrRetryExhausted
		}
		if s.cfg.FailFastOnPermanentRemoteErrors && cause != nil && !crm.IsTransient(cause) {
			r.MarkPermanentlyFailed(now)
			return ErrRetryExhausted
		}
		nextAt = s.planner.NextRetryAt(now, r.RetryCount)
		r.ScheduleRetry(nextAt, now)
		return nil
	})

	switch {
	case errors.Is(err, ErrRetryExhausted):
		return s.exhausted(ctx, orderID)
	case err != nil:
		return errors.Wrap(err, "schedule retry")
	case nextAt.IsZero():
		return nil
	}

	b, err := json.Marshal(taskPayload{OrderID: orderID, SyncType: syncType})
	if err != nil {
		return errors.Wrap(err, "marshal retry task")
	}
	if err := s.tasks.ScheduleAt(ctx, nextAt, taskID(orderID), b); err != nil {
		// The sweep still finds the record by next_retry_at.
		s.logger.Warn("enqueue retry task", "order_id", orderID, "error", err.Error())
	}

	s.totalScheduled.Add(1)
	metrics.RetryScheduled()
	s.logger.Info("retry scheduled", "order_id", orderID, "attempt", rec.RetryCount, "next_retry_at", nextAt)
	return nil
}

// exhausted persists the terminal state outside the rejected update and notifies once.
func (s *Scheduler) exhausted(ctx context.Context, orderID int64) error {
	now := s.now()
	first := false
	rec, err := s.repo.Upsert(ctx, orderID, func(r *models.SyncRecord) error {
		if !r.PermanentlyFailed {
			first = true
		}
		r.MarkPermanentlyFailed(now)
		return nil
	})
	if err != nil {
		return errors.Wrap(err, "mark permanently failed")
	}
	if !first {
		return nil
	}
	_ = s.tasks.Cancel(ctx, taskID(orderID))

	s.totalPermanent.Add(1)
	metrics.PermanentFailure()
	s.logger.Warn("sync permanently failed", "order_id", orderID, "retry_count", rec.RetryCount, "error", rec.ErrorMessage)

	if s.cfg.NotifyOnPermanentFailure && s.notifier != nil {
		if err := s.notifier.NotifyPermanentFailure(ctx, rec); err != nil {
			s.logger.Error("notify permanent failure", "order_id", orderID, "error", err.Error())
		}
	}
	return nil
}

// Trigger forces an immediate retry pass (best-effort, non-blocking).
func (s *Scheduler) Trigger() {
	s.lastTriggerUnixNano.Store(time.Now().UTC().UnixNano())
	select {
	case s.triggerCh <- struct{}{}:
	default:
	}
}

type Stats struct {
	StartedAt      time.Time  `json:"startedAt"`
	LastCycleAt    *time.Time `json:"lastCycleAt,omitempty"`
	LastTriggerAt  *time.Time `json:"lastTriggerAt,omitempty"`
	TotalScheduled int64      `json:"totalScheduled"`
	TotalPermanent int64      `json:"totalPermanent"`
	TotalProcessed int64      `json:"totalProcessed"`
	TotalSucceeded int64      `json:"totalSucceeded"`
	TotalErrors    int64      `json:"totalErrors"`
	LastError      string     `json:"lastError,omitempty"`
}

func (s *Scheduler) Stats() Stats {
	st := Stats{
		StartedAt:      time.Unix(0, s.startedAtUnixNano).UTC(),
		TotalScheduled: s.totalScheduled.Load(),
		TotalPermanent: s.totalPermanent.Load(),
		TotalProcessed: s.totalProcessed.Load(),
		TotalSucceeded: s.totalSucceeded.Load(),
		TotalErrors:    s.totalErrors.Load(),
	}
	if n := s.lastCycleUnixNano.Load(); n > 0 {
		t := time.Unix(0, n).UTC()
		st.LastCycleAt = &t
	}
	if n := s.lastTriggerUnixNano.Load(); n > 0 {
		t := time.Unix(0, n).UTC()
		st.LastTriggerAt = &t
	}
	s.lastErrorMu.Lock()
	st.LastError = s.lastError
	s.lastErrorMu.Unlock()
	return st
}

func (s *Scheduler) Run(ctx context.Context) error {
	if s.syncer == nil {
		return errors.New("retry scheduler has no syncer")
	}
	t := time.NewTicker(s.pollInterval)
	defer t.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-t.C:
			s.runOnce(ctx)
		case <-s.triggerCh:
			s.runOnce(ctx)
		}
	}
}

func (s *Scheduler) runOnce(ctx context.Context) {
	if _, err := s.ProcessDueRetries(ctx); err != nil {
		s.setError(err)
		s.logger.Error("process due retries", "error", err.Error())
	}
	s.refreshGauge(ctx)
}

// ProcessDueRetries re-runs due syncs, bounded by the batch size. Deferred tasks are
// drained first, then the table is swept for anything the queue lost.
func (s *Scheduler) ProcessDueRetries(ctx context.Context) ([]syncer.Result, error) {
	if s.syncer == nil {
		return nil, errors.New("retry scheduler has no syncer")
	}
	now := s.now()
	s.lastCycleUnixNano.Store(now.UnixNano())

	seen := make(map[int64]struct{})
	var results []syncer.Result

	due, err := s.tasks.Due(ctx, now, s.batchSize)
	if err != nil {
		s.logger.Warn("read due retry tasks", "error", err.Error())
	}
	for _, t := range due {
		var p taskPayload
		if err := json.Unmarshal(t.Payload, &p); err != nil {
			s.logger.Warn("drop malformed retry task", "task_id", t.ID, "error", err.Error())
			continue
		}
		rec, err := s.repo.GetByOrderID(ctx, p.OrderID)
		if err != nil || !rec.DueForRetry(now, s.cfg.MaxRetries) {
			continue
		}
		seen[p.OrderID] = struct{}{}
		results = append(results, s.retry(ctx, rec))
	}

	left := s.batchSize - len(results)
	if left <= 0 {
		return results, nil
	}
	recs, err := s.repo.FindDueForRetry(ctx, now, s.cfg.MaxRetries, left, s.lease)
	if err != nil {
		return results, errors.Wrap(err, "find due retries")
	}
	for _, rec := range recs {
		if _, ok := seen[rec.OrderID]; ok {
			continue
		}
		seen[rec.OrderID] = struct{}{}
		results = append(results, s.retry(ctx, rec))
	}
	return results, nil
}

func (s *Scheduler) retry(ctx context.Context, rec *models.SyncRecord) syncer.Result {
	syncType := rec.SyncType
	if !syncType.Valid() {
		syncType = models.SyncTypeCreate
	}
	res := s.syncer.SyncOrder(ctx, rec.OrderID, syncType)
	s.totalProcessed.Add(1)
	metrics.RetryProcessed(res.Success)

	if res.Success {
		s.totalSucceeded.Add(1)
		_ = s.tasks.Cancel(ctx, taskID(rec.OrderID))
		return res
	}
	s.totalErrors.Add(1)
	s.setError(errors.New(res.Message))

	// Rejections before the remote call leave the record untouched. They still use up
	// an attempt so the order cannot cycle forever.
	if !res.Recorded && !errors.Is(res.Err, syncer.ErrSyncInProgress) {
		if err := s.recordRejection(ctx, rec.OrderID, syncType, res); err != nil {
			s.logger.Error("record rejected retry", "order_id", rec.OrderID, "error", err.Error())
		}
	}
	return res
}

func (s *Scheduler) recordRejection(ctx context.Context, orderID int64, syncType models.SyncType, res syncer.Result) error {
	now := s.now()
	if _, err := s.repo.Upsert(ctx, orderID, func(r *models.SyncRecord) error {
		r.MarkFailed(syncType, res.Message, now)
		return nil
	}); err != nil {
		return err
	}
	return s.ScheduleRetry(ctx, orderID, syncType, res.Err)
}

// RetryOne is the manual retry command. Without reset a permanently failed record is
// refused.
func (s *Scheduler) RetryOne(ctx context.Context, orderID int64, reset bool) (syncer.Result, error) {
	if s.syncer == nil {
		return syncer.Result{}, errors.New("retry scheduler has no syncer")
	}
	rec, err := s.repo.GetByOrderID(ctx, orderID)
	if err != nil {
		return syncer.Result{}, err
	}
	if rec.PermanentlyFailed && !reset {
		return syncer.Result{}, ErrPermanentlyFailed
	}
	if reset {
		now := s.now()
		rec, err = s.repo.Upsert(ctx, orderID, func(r *models.SyncRecord) error {
			r.ResetRetries(now)
			return nil
		})
		if err != nil {
			return syncer.Result{}, errors.Wrap(err, "reset retries")
		}
		_ = s.tasks.Cancel(ctx, taskID(orderID))
	}

	syncType := rec.SyncType
	if !syncType.Valid() {
		syncType = models.SyncTypeCreate
	}
	res := s.syncer.SyncOrder(ctx, orderID, syncType)
	metrics.RetryProcessed(res.Success)
	if res.Success {
		_ = s.tasks.Cancel(ctx, taskID(orderID))
	}
	return res, nil
}

// RetryAllDue runs one pass immediately, outside the ticker.
func (s *Scheduler) RetryAllDue(ctx context.Context) ([]syncer.Result, error) {
	res, err := s.ProcessDueRetries(ctx)
	s.refreshGauge(ctx)
	return res, err
}

// ClearRetryQueue unschedules every pending retry. Records keep their failed status
// and retry count.
func (s *Scheduler) ClearRetryQueue(ctx context.Context) (int64, error) {
	n, err := s.repo.ClearRetryQueue(ctx)
	if err != nil {
		return 0, errors.Wrap(err, "clear retry records")
	}
	if _, err := s.tasks.Clear(ctx); err != nil {
		return n, errors.Wrap(err, "clear retry tasks")
	}
	s.logger.Info("retry queue cleared", "records", n)
	return n, nil
}

func (s *Scheduler) refreshGauge(ctx context.Context) {
	if s.counter == nil {
		return
	}
	counts, err := s.counter.CountByStatus(ctx)
	if err != nil {
		s.logger.Warn("count records by status", "error", err.Error())
		return
	}
	out := make(map[string]int64, len(counts))
	for st, n := range counts {
		out[string(st)] = n
	}
	metrics.SetRecordsByStatus(out)
}

func (s *Scheduler) setError(err error) {
	s.lastErrorMu.Lock()
	s.lastError = err.Error()
	s.lastErrorMu.Unlock()
}
