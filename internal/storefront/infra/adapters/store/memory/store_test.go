package memory

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jcmexdev/patch-storefront/internal/storefront/core/ports"
	"github.com/jcmexdev/patch-storefront/internal/storefront/infra/adapters/store/storetest"
)

func TestStore(t *testing.T) {
	storetest.Run(t, func(t *testing.T) ports.OrderStore { return NewStore() })
}

func TestStoreReturnsCopies(t *testing.T) {
	s := NewStore()
	ctx := context.Background()
	o := storetest.NewOrder()
	require.NoError(t, s.Insert(ctx, o))

	got, err := s.GetByID(ctx, o.ID)
	require.NoError(t, err)
	got.Addons[0] = "mutated"
	got.Quantity = 1

	again, err := s.GetByID(ctx, o.ID)
	require.NoError(t, err)
	assert.Equal(t, "merrowed-border", again.Addons[0])
	assert.Equal(t, 50, again.Quantity)
}
