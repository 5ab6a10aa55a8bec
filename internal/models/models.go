package models

import "time"

// GenerationKind selects how a proxy request is dispatched to the generative backend.
type GenerationKind string

const (
	KindText  GenerationKind = "text"
	KindJSON  GenerationKind = "json"
	KindImage GenerationKind = "image"
	KindVideo GenerationKind = "video"
)

// GrantSource records how credits entered a balance.
type GrantSource string

const (
	GrantSourceCheckout GrantSource = "checkout"
	GrantSourceAdmin    GrantSource = "admin"
)

// CreditPackage maps a payment-link identifier to the credits it purchases.
// The active set is an ordered list so the rule table stays auditable as a whole.
type CreditPackage struct {
	PaymentLinkID string
	Credits       int
}

// CreditBalance is the per-user credit counter. Rows are created on first grant.
type CreditBalance struct {
	UserID    string
	Credits   int
	CreatedAt time.Time
	UpdatedAt time.Time
}

// CreditGrant is one applied balance increase, kept for audit.
// EventID is empty for administrative grants.
type CreditGrant struct {
	ID         int64
	UserID     string
	EventID    string
	ItemID     string
	Credits    int
	Source     GrantSource
	RawPayload string
	CreatedAt  time.Time
}

// GenerationLog records a proxied generation request.
type GenerationLog struct {
	ID        int64
	UserID    string
	Kind      GenerationKind
	Model     string
	Prompt    string
	CreatedAt time.Time
}
