package services

import (
	"context"
	"sync"

	"telemetry-agent/pkg/logging"

	"github.com/shopspring/decimal"
)

// CatalogService resolves product prices with an in-memory cache in
// front of the remote catalog. Lookups are best-effort: a failed lookup
// returns zero and a warning, it never blocks purchase processing.
type CatalogService struct {
	catalog PriceCatalog

	mutex sync.RWMutex
	cache map[string]decimal.Decimal
}

// NewCatalogService creates a catalog service over the given remote catalog
func NewCatalogService(catalog PriceCatalog) *CatalogService {
	return &CatalogService{
		catalog: catalog,
		cache:   make(map[string]decimal.Decimal),
	}
}

// ResolvePrice returns the price for a product, or zero when the catalog
// is unavailable or the product is unknown
func (s *CatalogService) ResolvePrice(ctx context.Context, productID string) decimal.Decimal {
	s.mutex.RLock()
	if price, exists := s.cache[productID]; exists {
		s.mutex.RUnlock()
		return price
	}
	s.mutex.RUnlock()

	price, err := s.catalog.ProductPrice(ctx, productID)
	if err != nil {
		logging.Warnf("Price lookup failed for product %s, defaulting to zero: %v", productID, err)
		return decimal.Zero
	}

	s.mutex.Lock()
	s.cache[productID] = price
	s.mutex.Unlock()

	return price
}
