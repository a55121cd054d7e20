package storefront

import (
	"context"
	"errors"

	"github.com/BearBump/CRMSync/internal/models"
)

var ErrOrderNotFound = errors.New("order not found")

// Store reads storefront orders and applies CRM-driven status transitions.
type Store interface {
	GetOrder(ctx context.Context, orderID int64) (*models.Order, error)
	UpdateOrderStatus(ctx context.Context, orderID int64, status string) error
}
