package services

import (
	"context"
	"sync"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
)

type countingCatalog struct {
	mu    sync.Mutex
	calls int
	price decimal.Decimal
	err   error
}

func (c *countingCatalog) ProductPrice(ctx context.Context, productID string) (decimal.Decimal, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.calls++
	return c.price, c.err
}

func TestResolvePriceCachesSuccess(t *testing.T) {
	remote := &countingCatalog{price: decimal.RequireFromString("9.99")}
	s := NewCatalogService(remote)

	first := s.ResolvePrice(context.Background(), "com.example.app.pro")
	second := s.ResolvePrice(context.Background(), "com.example.app.pro")

	assert.True(t, first.Equal(decimal.RequireFromString("9.99")))
	assert.True(t, second.Equal(first))
	assert.Equal(t, 1, remote.calls)
}

func TestResolvePriceFailureNotCached(t *testing.T) {
	remote := &countingCatalog{err: ErrSinkUnavailable}
	s := NewCatalogService(remote)

	assert.True(t, s.ResolvePrice(context.Background(), "p").IsZero())
	assert.True(t, s.ResolvePrice(context.Background(), "p").IsZero())

	// Failed lookups retry instead of pinning zero forever
	assert.Equal(t, 2, remote.calls)
}
