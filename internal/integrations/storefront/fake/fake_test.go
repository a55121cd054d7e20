package fake

import (
	"context"
	"testing"

	"github.com/BearBump/CRMSync/internal/integrations/storefront"
	"github.com/BearBump/CRMSync/internal/models"
	"github.com/stretchr/testify/require"
)

func TestStore_GetAndUpdate(t *testing.T) {
	s := New(&models.Order{ID: 1, Status: models.OrderStatusProcessing})
	ctx := context.Background()

	o, err := s.GetOrder(ctx, 1)
	require.NoError(t, err)
	o.Status = "mutated"

	o, err = s.GetOrder(ctx, 1)
	require.NoError(t, err)
	require.Equal(t, models.OrderStatusProcessing, o.Status)

	require.NoError(t, s.UpdateOrderStatus(ctx, 1, models.OrderStatusCompleted))
	require.Equal(t, []Transition{{OrderID: 1, From: "processing", To: "completed"}}, s.Transitions())

	_, err = s.GetOrder(ctx, 2)
	require.ErrorIs(t, err, storefront.ErrOrderNotFound)
	require.ErrorIs(t, s.UpdateOrderStatus(ctx, 2, "x"), storefront.ErrOrderNotFound)
}
