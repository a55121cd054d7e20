package fake

import (
	"context"
	"sync"

	"github.com/BearBump/CRMSync/internal/integrations/storefront"
	"github.com/BearBump/CRMSync/internal/models"
)

// Store is an in-memory storefront. It records every status transition it applies.
type Store struct {
	mu          sync.Mutex
	orders      map[int64]*models.Order
	transitions []Transition
}

type Transition struct {
	OrderID int64
	From    string
	To      string
}

func New(orders ...*models.Order) *Store {
	s := &Store{orders: make(map[int64]*models.Order)}
	for _, o := range orders {
		s.Put(o)
	}
	return s
}

func (s *Store) Put(o *models.Order) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *o
	s.orders[o.ID] = &cp
}

func (s *Store) GetOrder(ctx context.Context, orderID int64) (*models.Order, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	o, ok := s.orders[orderID]
	if !ok {
		return nil, storefront.ErrOrderNotFound
	}
	cp := *o
	return &cp, nil
}

func (s *Store) UpdateOrderStatus(ctx context.Context, orderID int64, status string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	o, ok := s.orders[orderID]
	if !ok {
		return storefront.ErrOrderNotFound
	}
	s.transitions = append(s.transitions, Transition{OrderID: orderID, From: o.Status, To: status})
	o.Status = status
	return nil
}

func (s *Store) Transitions() []Transition {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Transition(nil), s.transitions...)
}
