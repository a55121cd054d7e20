package dispatch

import (
	"context"
	"testing"

	"github.com/BearBump/CRMSync/internal/events"
	"github.com/BearBump/CRMSync/internal/models"
	"github.com/BearBump/CRMSync/internal/services/syncer"
	"github.com/BearBump/CRMSync/internal/storage/memsync"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

type syncerMock struct{ mock.Mock }

func (m *syncerMock) HandleOrderChanged(ctx context.Context, orderID int64) (syncer.Result, bool) {
	args := m.Called(orderID)
	return args.Get(0).(syncer.Result), args.Bool(1)
}

type reconcilerMock struct{ mock.Mock }

func (m *reconcilerMock) OnLocalStatusChanged(ctx context.Context, orderID int64, oldStatus, newStatus string) (string, error) {
	args := m.Called(orderID, oldStatus, newStatus)
	return args.String(0), args.Error(1)
}

func (m *reconcilerMock) OnRemoteStatusChanged(ctx context.Context, remoteID string, payload map[string]any) (string, error) {
	args := m.Called(remoteID, payload)
	return args.String(0), args.Error(1)
}

func setup(t *testing.T) (*events.Bus, *syncerMock, *reconcilerMock, *memsync.Storage) {
	t.Helper()
	bus := events.NewBus(nil)
	sy := &syncerMock{}
	rc := &reconcilerMock{}
	repo := memsync.New()
	Register(bus, sy, rc, repo, nil)
	return bus, sy, rc, repo
}

func TestStatusChange_UnlinkedOrderAutoSyncs(t *testing.T) {
	bus, sy, rc, _ := setup(t)
	sy.On("HandleOrderChanged", int64(3)).Return(syncer.Result{Success: true}, true).Once()

	require.NoError(t, bus.Publish(context.Background(), events.NewOrderStatusChanged(3, "pending", "processing")))
	sy.AssertExpectations(t)
	rc.AssertNotCalled(t, "OnLocalStatusChanged", mock.Anything, mock.Anything, mock.Anything)
}

func TestStatusChange_LinkedOrderReconciles(t *testing.T) {
	bus, sy, rc, repo := setup(t)
	_, err := repo.Upsert(context.Background(), 3, func(r *models.SyncRecord) error { return r.SetRemoteID("Q-1") })
	require.NoError(t, err)
	rc.On("OnLocalStatusChanged", int64(3), "processing", "completed").Return("applied", nil).Once()

	require.NoError(t, bus.Publish(context.Background(), events.NewOrderStatusChanged(3, "processing", "completed")))
	rc.AssertExpectations(t)
	sy.AssertNotCalled(t, "HandleOrderChanged", mock.Anything)
}

func TestRemoteAndOrderChanged(t *testing.T) {
	bus, sy, rc, _ := setup(t)
	payload := map[string]any{"Stage": "Closed Won"}
	rc.On("OnRemoteStatusChanged", "Q-1", payload).Return("", errors.New("store down")).Once()
	sy.On("HandleOrderChanged", int64(9)).Return(syncer.Result{}, false).Once()

	err := bus.Publish(context.Background(), events.NewRemoteStatusChanged("Q-1", payload))
	require.EqualError(t, err, "store down")
	require.NoError(t, bus.Publish(context.Background(), events.NewOrderChanged(9)))

	rc.AssertExpectations(t)
	sy.AssertExpectations(t)
}

func TestKafkaHandler(t *testing.T) {
	bus, sy, rc, _ := setup(t)
	ctx := context.Background()
	rc.On("OnRemoteStatusChanged", "S-4", map[string]any{"Stage": "On Hold"}).Return("applied", nil).Once()
	sy.On("HandleOrderChanged", int64(12)).Return(syncer.Result{}, true).Once()

	h := KafkaHandler(ctx, bus, "crm.stage_changed", DecodeCRMStage, nil)
	require.NoError(t, h([]byte("S-4"), []byte(`{"remote_id":"S-4","payload":{"Stage":"On Hold"}}`)))
	require.NoError(t, h(nil, []byte(`{not json`)))
	require.NoError(t, h(nil, []byte(`{"payload":{}}`)))

	h = KafkaHandler(ctx, bus, "storefront.order_status_changed", DecodeOrderStatus, nil)
	require.NoError(t, h([]byte("12"), []byte(`{"order_id":12,"old_status":"pending","new_status":"processing"}`)))

	rc.AssertExpectations(t)
	sy.AssertExpectations(t)
}

func TestDecoders(t *testing.T) {
	e, err := DecodeOrderChanged([]byte(`{"order_id":5}`))
	require.NoError(t, err)
	require.Equal(t, events.TypeOrderChanged, e.EventType())
	require.Equal(t, int64(5), e.(events.OrderChanged).OrderID)

	_, err = DecodeOrderChanged([]byte(`{"order_id":0}`))
	require.Error(t, err)
	_, err = DecodeOrderStatus([]byte(`[]`))
	require.Error(t, err)
}
