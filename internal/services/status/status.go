package status

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/BearBump/CRMSync/config"
	"github.com/BearBump/CRMSync/internal/integrations/crm"
	"github.com/BearBump/CRMSync/internal/integrations/storefront"
	"github.com/BearBump/CRMSync/internal/metrics"
	"github.com/BearBump/CRMSync/internal/models"
	"github.com/pkg/errors"
)

// Outcomes of a reconciliation, also used as metric labels.
const (
	OutcomeApplied   = "applied"
	OutcomeNoRemote  = "no_remote"
	OutcomeUnmapped  = "unmapped"
	OutcomeUnchanged = "unchanged"
	OutcomeUnknown   = "unknown_record"
	OutcomeError     = "error"
)

type Repository interface {
	GetByOrderID(ctx context.Context, orderID int64) (*models.SyncRecord, error)
	GetByRemoteID(ctx context.Context, remoteID string) (*models.SyncRecord, error)
	Upsert(ctx context.Context, orderID int64, fn func(r *models.SyncRecord) error) (*models.SyncRecord, error)
}

// StageUpdater is the part of the CRM client the reconciler needs.
type StageUpdater interface {
	UpdateStage(ctx context.Context, remoteID, stage string) error
}

// Reconciler keeps the storefront status and the CRM stage in step. Each direction
// only pushes when a mapping exists and the receiving side differs.
type Reconciler struct {
	toRemote map[string]string
	toLocal  map[string]string
	stageKey string

	repo   Repository
	store  storefront.Store
	remote StageUpdater
	logger *slog.Logger
	now    func() time.Time
}

func New(cfg config.SyncConfig, repo Repository, store storefront.Store, remote StageUpdater, logger *slog.Logger) *Reconciler {
	if logger == nil {
		logger = slog.Default()
	}
	key := cfg.RemoteStageKey
	if key == "" {
		key = config.DefaultSyncConfig().RemoteStageKey
	}
	return &Reconciler{
		toRemote: cfg.StatusToStage,
		toLocal:  cfg.StageToStatus,
		stageKey: key,
		repo:     repo,
		store:    store,
		remote:   remote,
		logger:   logger.With("service", "status"),
		now:      func() time.Time { return time.Now().UTC() },
	}
}

func (r *Reconciler) WithClock(now func() time.Time) *Reconciler {
	if now != nil {
		r.now = now
	}
	return r
}

// OnLocalStatusChanged pushes a storefront transition to the CRM stage.
func (r *Reconciler) OnLocalStatusChanged(ctx context.Context, orderID int64, oldStatus, newStatus string) (string, error) {
	outcome, err := r.local(ctx, orderID, newStatus)
	metrics.StatusTransition(string(models.DirectionLocalToRemote), outcome)
	if err != nil {
		return outcome, err
	}
	r.logger.Debug("local status reconciled", "order_id", orderID, "from", oldStatus, "to", newStatus, "outcome", outcome)
	return outcome, nil
}

func (r *Reconciler) local(ctx context.Context, orderID int64, newStatus string) (string, error) {
	rec, err := r.repo.GetByOrderID(ctx, orderID)
	if errors.Is(err, models.ErrRecordNotFound) {
		return OutcomeNoRemote, nil
	}
	if err != nil {
		return OutcomeError, errors.Wrap(err, "load sync record")
	}
	if !rec.HasRemote() {
		return OutcomeNoRemote, nil
	}

	stage, ok := r.toRemote[newStatus]
	if !ok || stage == "" {
		r.logger.Warn("no crm stage mapped for order status", "order_id", orderID, "status", newStatus)
		return OutcomeUnmapped, nil
	}
	if stage == rec.RemoteStatus {
		return OutcomeUnchanged, nil
	}

	remoteID := rec.RemoteIDValue()
	start := time.Now()
	err = r.remote.UpdateStage(ctx, remoteID, stage)
	metrics.RemoteCall("update_stage", start, err)
	if err != nil {
		return OutcomeError, errors.Wrapf(err, "push stage %q to %s", stage, remoteID)
	}

	now := r.now()
	if _, err := r.repo.Upsert(ctx, orderID, func(sr *models.SyncRecord) error {
		sr.SetRemoteStatus(stage, models.DirectionLocalToRemote, now)
		return nil
	}); err != nil {
		return OutcomeError, errors.Wrap(err, "record remote status")
	}
	r.logger.Info("crm stage updated", "order_id", orderID, "remote_id", remoteID, "stage", stage)
	return OutcomeApplied, nil
}

// OnRemoteStatusChanged applies a CRM stage change to the storefront order. An
// order already in the mapped status is left alone, which stops the echo of our own
// push from bouncing back.
func (r *Reconciler) OnRemoteStatusChanged(ctx context.Context, remoteID string, payload map[string]any) (string, error) {
	outcome, err := r.remoteChanged(ctx, remoteID, payload)
	metrics.StatusTransition(string(models.DirectionRemoteToLocal), outcome)
	return outcome, err
}

func (r *Reconciler) remoteChanged(ctx context.Context, remoteID string, payload map[string]any) (string, error) {
	stage := stageFrom(payload, r.stageKey)
	if stage == "" {
		r.logger.Warn("crm notification without stage", "remote_id", remoteID, "key", r.stageKey)
		return OutcomeUnmapped, nil
	}

	rec, err := r.repo.GetByRemoteID(ctx, remoteID)
	if errors.Is(err, models.ErrRecordNotFound) {
		r.logger.Warn("crm notification for unknown record", "remote_id", remoteID)
		return OutcomeUnknown, nil
	}
	if err != nil {
		return OutcomeError, errors.Wrap(err, "load sync record")
	}

	// The CRM echoing the stage we pushed last. The stage maps are not one to one,
	// so mapping it back could rewrite the order (refunded -> Closed Lost -> cancelled).
	if rec.RemoteStatus == stage && rec.LastSyncDirection != nil && *rec.LastSyncDirection == models.DirectionLocalToRemote {
		return OutcomeUnchanged, nil
	}

	status, ok := r.toLocal[stage]
	if !ok || status == "" {
		r.logger.Warn("no order status mapped for crm stage", "remote_id", remoteID, "stage", stage)
		return OutcomeUnmapped, nil
	}

	order, err := r.store.GetOrder(ctx, rec.OrderID)
	if err != nil {
		return OutcomeError, errors.Wrapf(err, "load order %d", rec.OrderID)
	}

	now := r.now()
	if order.Status == status {
		if rec.RemoteStatus != stage {
			if _, err := r.repo.Upsert(ctx, rec.OrderID, func(sr *models.SyncRecord) error {
				sr.RemoteStatus = stage
				sr.UpdatedAt = now
				return nil
			}); err != nil {
				return OutcomeError, errors.Wrap(err, "record remote status")
			}
		}
		return OutcomeUnchanged, nil
	}

	// The record is written first so the storefront event raised by the transition
	// finds the stage already current and does not push it back.
	if _, err := r.repo.Upsert(ctx, rec.OrderID, func(sr *models.SyncRecord) error {
		sr.SetRemoteStatus(stage, models.DirectionRemoteToLocal, now)
		return nil
	}); err != nil {
		return OutcomeError, errors.Wrap(err, "record remote status")
	}
	if err := r.store.UpdateOrderStatus(ctx, rec.OrderID, status); err != nil {
		return OutcomeError, errors.Wrapf(err, "apply status %q to order %d", status, rec.OrderID)
	}
	r.logger.Info("order status updated from crm", "order_id", rec.OrderID, "remote_id", remoteID, "from", order.Status, "to", status)
	return OutcomeApplied, nil
}

func stageFrom(payload map[string]any, key string) string {
	v, ok := payload[key]
	if !ok || v == nil {
		return ""
	}
	switch s := v.(type) {
	case string:
		return s
	case fmt.Stringer:
		return s.String()
	default:
		return fmt.Sprint(v)
	}
}

var _ StageUpdater = crm.Client(nil)
