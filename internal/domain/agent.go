package domain

import (
	"context"
	"time"
)

// Role distinguishes the two sides of a marketplace transaction.
type Role string

const (
	RoleBuyer  Role = "buyer"
	RoleSeller Role = "seller"
)

// Agent is a marketplace participant as seen by the core. Registration and
// endpoint management belong to the external discovery service; the core
// references agents by id only. Agents are never deleted, only deactivated.
type Agent struct {
	ID       string    `json:"id"`
	Role     Role      `json:"role"`
	Name     string    `json:"name"`
	Endpoint string    `json:"endpoint"`
	Active   bool      `json:"active"`
	LastSeen time.Time `json:"last_seen"`
}

// Product is an immutable price snapshot of a seller catalog entry. The
// catalog itself is owned by the discovery service; once quoted, the core
// only ever sees this frozen view.
type Product struct {
	ID        string  `json:"id"`
	SellerID  string  `json:"seller_id"`
	Name      string  `json:"name"`
	Category  string  `json:"category"`
	BasePrice float64 `json:"base_price"`
	Currency  string  `json:"currency"`
	Stock     int     `json:"stock"`
}

// Discovery is the read-only view of the external agent registry the core
// consumes. The core never registers agents or searches catalogs beyond
// these lookups.
type Discovery interface {
	// LookupProduct resolves a product id to its current price snapshot.
	LookupProduct(ctx context.Context, productID string) (*Product, error)
	// LookupReputation returns the registry's view of an agent's score.
	LookupReputation(ctx context.Context, agentID string) (int, error)
	// SearchSellers lists active sellers in a category.
	SearchSellers(ctx context.Context, category string) ([]Agent, error)
}
