package discovery

import (
	"context"
	"fmt"
	"sync"

	"agora/internal/domain"
)

// StaticRegistry is an in-process domain.Discovery backed by fixed maps.
// Used when no registry base URL is configured and in tests.
type StaticRegistry struct {
	mu       sync.RWMutex
	products map[string]domain.Product
	scores   map[string]int
	sellers  map[string][]domain.Agent // category -> sellers
}

// NewStaticRegistry creates an empty static registry.
func NewStaticRegistry() *StaticRegistry {
	return &StaticRegistry{
		products: make(map[string]domain.Product),
		scores:   make(map[string]int),
		sellers:  make(map[string][]domain.Agent),
	}
}

// AddProduct registers a product snapshot.
func (r *StaticRegistry) AddProduct(p domain.Product) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.products[p.ID] = p
}

// SetReputation sets the registry-side score for an agent.
func (r *StaticRegistry) SetReputation(agentID string, score int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.scores[agentID] = score
}

// AddSeller registers a seller under a category.
func (r *StaticRegistry) AddSeller(category string, a domain.Agent) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sellers[category] = append(r.sellers[category], a)
}

// LookupProduct implements domain.Discovery.
func (r *StaticRegistry) LookupProduct(_ context.Context, productID string) (*domain.Product, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.products[productID]
	if !ok {
		return nil, fmt.Errorf("product %s: %w", productID, domain.ErrNotFound)
	}
	return &p, nil
}

// LookupReputation implements domain.Discovery.
func (r *StaticRegistry) LookupReputation(_ context.Context, agentID string) (int, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	score, ok := r.scores[agentID]
	if !ok {
		return 0, fmt.Errorf("agent %s: %w", agentID, domain.ErrNotFound)
	}
	return score, nil
}

// SearchSellers implements domain.Discovery.
func (r *StaticRegistry) SearchSellers(_ context.Context, category string) ([]domain.Agent, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return append([]domain.Agent(nil), r.sellers[category]...), nil
}

var _ domain.Discovery = (*StaticRegistry)(nil)
