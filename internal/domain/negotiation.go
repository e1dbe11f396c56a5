package domain

import (
	"context"
	"time"
)

// NegotiationStatus is the state of a negotiation session.
// Terminal statuses are absorbing: no operation may leave them.
type NegotiationStatus string

const (
	StatusPending   NegotiationStatus = "pending"
	StatusQuoted    NegotiationStatus = "quoted"
	StatusCountered NegotiationStatus = "countered"
	StatusAccepted  NegotiationStatus = "accepted"
	StatusRejected  NegotiationStatus = "rejected"
	StatusExpired   NegotiationStatus = "expired"
)

// Terminal reports whether the status is absorbing.
func (s NegotiationStatus) Terminal() bool {
	switch s {
	case StatusAccepted, StatusRejected, StatusExpired:
		return true
	}
	return false
}

// RFQ is a buyer's request for a quote. Immutable once created; input to
// exactly one negotiation session.
type RFQ struct {
	ID        string    `json:"id"`
	BuyerID   string    `json:"buyer_id"`
	ProductID string    `json:"product_id"`
	Quantity  int       `json:"quantity"`
	MaxPrice  float64   `json:"max_price"`
	Currency  string    `json:"currency"`
	Deadline  time.Time `json:"deadline"`
	CreatedAt time.Time `json:"created_at"`
}

// Validate checks RFQ fields before any state is created.
func (r RFQ) Validate(now time.Time) error {
	switch {
	case r.BuyerID == "":
		return NewDomainError("RFQ.Validate", ErrValidation, "buyer id is required")
	case r.ProductID == "":
		return NewDomainError("RFQ.Validate", ErrValidation, "product id is required")
	case r.Quantity <= 0:
		return NewDomainError("RFQ.Validate", ErrValidation, "quantity must be greater than 0")
	case r.MaxPrice <= 0:
		return NewDomainError("RFQ.Validate", ErrValidation, "max price must be greater than 0")
	case !r.Deadline.After(now):
		return NewDomainError("RFQ.Validate", ErrValidation, "deadline must be in the future")
	}
	return nil
}

// Quote is one seller-priced, time-bounded offer. Each negotiation round
// produces a new quote; only the most recent one can be live.
type Quote struct {
	ID        string    `json:"id"`
	RFQID     string    `json:"rfq_id"`
	SellerID  string    `json:"seller_id"`
	Price     float64   `json:"price"`
	Currency  string    `json:"currency"`
	Round     int       `json:"round"`
	ExpiresAt time.Time `json:"expires_at"`
	CreatedAt time.Time `json:"created_at"`
}

// Expired reports whether the quote's TTL has lapsed.
func (q Quote) Expired(now time.Time) bool {
	return now.After(q.ExpiresAt)
}

// Session is one bounded-round negotiation over a single RFQ. The session
// exclusively owns its quote sequence. Status transitions are monotonic and
// at most one quote is live at any time.
type Session struct {
	ID          string            `json:"id"`
	RFQ         RFQ               `json:"rfq"`
	BuyerID     string            `json:"buyer_id"`
	SellerID    string            `json:"seller_id"`
	ProductID   string            `json:"product_id"`
	FloorPrice  float64           `json:"floor_price"` // seller floor, snapshotted from the catalog
	Currency    string            `json:"currency"`
	Quotes      []Quote           `json:"quotes"`
	Round       int               `json:"round"`
	Status      NegotiationStatus `json:"status"`
	LastCounter float64           `json:"last_counter,omitempty"` // buyer's most recent counter price
	BuyerTier   TrustTier         `json:"buyer_tier"`             // snapshotted at session start
	SellerTier  TrustTier         `json:"seller_tier"`            // snapshotted at session start
	Rail        RailKind          `json:"rail,omitempty"` // settlement rail chosen at acceptance
	ClosePrice  float64           `json:"close_price,omitempty"`
	CloseNote   string            `json:"close_note,omitempty"`
	CreatedAt   time.Time         `json:"created_at"`
	UpdatedAt   time.Time         `json:"updated_at"`
}

// LiveQuote returns the quote currently awaiting a response, or nil when the
// session has no live quote (terminal, or no quote issued yet). TTL is not
// checked here; callers decide how to treat an expired live quote.
func (s *Session) LiveQuote() *Quote {
	if s.Status != StatusQuoted || len(s.Quotes) == 0 {
		return nil
	}
	return &s.Quotes[len(s.Quotes)-1]
}

// Archive is the durable summary written when a session reaches a terminal
// status, kept for price history and audit.
type Archive struct {
	NegotiationID string            `json:"negotiation_id"`
	BuyerID       string            `json:"buyer_id"`
	SellerID      string            `json:"seller_id"`
	ProductID     string            `json:"product_id"`
	OpeningPrice  float64           `json:"opening_price"`
	ClosePrice    float64           `json:"close_price"`
	Delta         float64           `json:"delta"`
	Rounds        int               `json:"rounds"`
	Outcome       NegotiationStatus `json:"outcome"`
	Duration      time.Duration     `json:"duration"`
	ClosedAt      time.Time         `json:"closed_at"`
}

// SessionStore persists negotiation sessions and their terminal archives.
// Save is an upsert keyed by session id.
type SessionStore interface {
	SaveSession(ctx context.Context, s Session) error
	GetSession(ctx context.Context, id string) (*Session, error)
	// ListLiveSessions returns sessions in a non-terminal status.
	ListLiveSessions(ctx context.Context) ([]Session, error)
	ListSessionsByStatus(ctx context.Context, status NegotiationStatus) ([]Session, error)
	ListSessionsByAgent(ctx context.Context, agentID string, limit int) ([]Session, error)
	SaveArchive(ctx context.Context, a Archive) error
	ListArchives(ctx context.Context, agentID string, limit int) ([]Archive, error)
}

// PriceContext carries everything a pricing policy may consult when
// proposing the seller's next offer. Round 0 is the opening quote; on later
// rounds CurrentOffer and CounterOffer hold the live quote price and the
// buyer's counter.
type PriceContext struct {
	Round        int
	FloorPrice   float64
	CurrentOffer float64
	CounterOffer float64
	MaxPrice     float64
	BuyerTier    TrustTier
	SellerTier   TrustTier
}

// PricePolicy proposes the seller's next offer price. Implementations must
// be deterministic for identical contexts unless explicitly documented
// otherwise (model-backed policies fall back to a deterministic policy on
// error or timeout).
type PricePolicy interface {
	ProposePrice(ctx context.Context, pc PriceContext) (float64, error)
}
