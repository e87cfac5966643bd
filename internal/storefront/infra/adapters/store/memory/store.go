// Package memory is a process-local ports.OrderStore for development and
// tests. Nothing survives a restart.
package memory

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/jcmexdev/patch-storefront/internal/pkg/errs"
	"github.com/jcmexdev/patch-storefront/internal/storefront/core/domain/entity"
	"github.com/jcmexdev/patch-storefront/internal/storefront/core/ports"
)

type Store struct {
	mu        sync.RWMutex
	orders    map[string]*entity.Order
	byGateway map[string]string
}

var _ ports.OrderStore = (*Store)(nil)

func NewStore() *Store {
	return &Store{
		orders:    make(map[string]*entity.Order),
		byGateway: make(map[string]string),
	}
}

func (s *Store) Insert(_ context.Context, o *entity.Order) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.orders[o.ID]; exists {
		return fmt.Errorf("memory: order %q: %w", o.ID, errs.ErrConflict)
	}
	c := clone(o)
	c.GatewayOrderID = ""
	s.orders[o.ID] = c
	return nil
}

func (s *Store) AttachGatewayOrder(_ context.Context, orderID, gateway, gatewayOrderID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	o, ok := s.orders[orderID]
	if !ok {
		return fmt.Errorf("memory: order %q: %w", orderID, errs.ErrNotFound)
	}
	if o.GatewayOrderID != "" {
		return fmt.Errorf("memory: order %q already has a gateway session: %w", orderID, errs.ErrConflict)
	}
	if _, taken := s.byGateway[gatewayOrderID]; taken {
		return fmt.Errorf("memory: gateway order %q: %w", gatewayOrderID, errs.ErrConflict)
	}
	o.Gateway = gateway
	o.GatewayOrderID = gatewayOrderID
	o.UpdatedAt = time.Now().UTC()
	s.byGateway[gatewayOrderID] = orderID
	return nil
}

func (s *Store) GetByID(_ context.Context, id string) (*entity.Order, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	o, ok := s.orders[id]
	if !ok {
		return nil, fmt.Errorf("memory: order %q: %w", id, errs.ErrNotFound)
	}
	return clone(o), nil
}

func (s *Store) GetByGatewayOrderID(_ context.Context, gatewayOrderID string) (*entity.Order, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	id, ok := s.byGateway[gatewayOrderID]
	if !ok {
		return nil, fmt.Errorf("memory: gateway order %q: %w", gatewayOrderID, errs.ErrNotFound)
	}
	return clone(s.orders[id]), nil
}

// ApplyTransition checks and writes under one lock, which gives it the same
// compare-and-set semantics as the SQL stores.
func (s *Store) ApplyTransition(_ context.Context, t entity.Transition) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	id, ok := s.byGateway[t.GatewayOrderID]
	if !ok {
		return false, nil
	}
	o := s.orders[id]
	if !o.Status.Precedes(t.Target) {
		return false, nil
	}

	o.Status = t.Target
	o.PaymentStatus = t.Target.PaymentStatus()
	o.UpdatedAt = t.At
	if t.Target == entity.StatusConfirmed {
		o.AmountPaid = t.AmountPaid
		o.GatewayCaptureID = t.CaptureID
		if t.PaidAt != nil {
			paid := *t.PaidAt
			o.PaidAt = &paid
		}
	}
	return true, nil
}

func (s *Store) Ping(context.Context) error { return nil }

func clone(o *entity.Order) *entity.Order {
	c := *o
	if o.Addons != nil {
		c.Addons = append([]string(nil), o.Addons...)
	}
	if o.PaidAt != nil {
		paid := *o.PaidAt
		c.PaidAt = &paid
	}
	return &c
}
