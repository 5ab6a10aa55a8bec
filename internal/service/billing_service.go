package service

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/stripe/stripe-go/v82"
	"github.com/stripe/stripe-go/v82/checkout/session"
	"github.com/stripe/stripe-go/v82/webhook"

	"github.com/carmelita-app/backend/internal/config"
	"github.com/carmelita-app/backend/internal/models"
)

const eventCheckoutCompleted = "checkout.session.completed"

// Ledger is the per-user credit counter. Increments must be atomic relative
// adds; the service never reads-then-writes a balance.
type Ledger interface {
	AddCredits(ctx context.Context, userID string, delta int) error
	Balance(ctx context.Context, userID string) (int, error)
}

// EventRegistry deduplicates webhook deliveries. Register reports whether this
// delivery is the first one for the event id; Release drops the claim when
// processing fails after registration, so the provider's retry can succeed.
type EventRegistry interface {
	Register(ctx context.Context, eventID, eventType string) (bool, error)
	Release(ctx context.Context, eventID string) error
}

// GrantLog records applied grants for audit.
type GrantLog interface {
	Create(ctx context.Context, grant *models.CreditGrant) error
	ListRecent(ctx context.Context, limit int) ([]models.CreditGrant, error)
}

type BillingService struct {
	cfg    config.Config
	log    *slog.Logger
	ledger Ledger
	events EventRegistry
	grants GrantLog

	// Indirection over the Stripe SDK call so tests can run without a key.
	newCheckoutSession func(params *stripe.CheckoutSessionParams) (*stripe.CheckoutSession, error)
}

func NewBillingService(cfg config.Config, log *slog.Logger, ledger Ledger, events EventRegistry, grants GrantLog) *BillingService {
	return &BillingService{
		cfg:                cfg,
		log:                log,
		ledger:             ledger,
		events:             events,
		grants:             grants,
		newCheckoutSession: session.New,
	}
}

// HandleWebhook processes one raw webhook delivery. Signature verification is
// the sole authentication boundary for this path and runs before any parsing
// of business fields. A nil return means the provider should see HTTP 200,
// including every no-op case, so its retry loop stops.
func (s *BillingService) HandleWebhook(ctx context.Context, payload []byte, sigHeader string) error {
	if s.cfg.StripeWebhookSecret == "" || sigHeader == "" {
		return ErrInvalidSignature
	}

	event, err := webhook.ConstructEventWithOptions(payload, sigHeader, s.cfg.StripeWebhookSecret, webhook.ConstructEventOptions{
		IgnoreAPIVersionMismatch: true,
	})
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidSignature, err)
	}

	if string(event.Type) != eventCheckoutCompleted {
		s.log.Info("ignoring webhook event", "event_id", event.ID, "type", event.Type)
		return nil
	}

	if event.Data == nil {
		s.log.Error("webhook event carries no data object", "event_id", event.ID)
		return nil
	}

	var checkout stripe.CheckoutSession
	if err := json.Unmarshal(event.Data.Raw, &checkout); err != nil {
		// Odd but verified payload; not worth a provider retry.
		s.log.Error("webhook payload does not parse as checkout session", "event_id", event.ID, "err", err)
		return nil
	}

	userID := checkout.ClientReferenceID
	if userID == "" {
		userID = checkout.Metadata["userId"]
	}
	if userID == "" {
		s.log.Warn("checkout completed without user reference", "event_id", event.ID)
		return nil
	}

	itemID := itemIDFromSession(&checkout)
	credits := s.creditsFor(itemID)
	if credits == 0 {
		s.log.Warn("checkout completed for unrecognized item", "event_id", event.ID, "item_id", itemID)
		return nil
	}

	first, err := s.events.Register(ctx, event.ID, string(event.Type))
	if err != nil {
		return fmt.Errorf("register event: %w", err)
	}
	if !first {
		s.log.Info("duplicate webhook delivery", "event_id", event.ID)
		return nil
	}

	if err := s.ledger.AddCredits(ctx, userID, credits); err != nil {
		// Drop the claim so the provider's retry is not swallowed by dedup.
		if releaseErr := s.events.Release(ctx, event.ID); releaseErr != nil {
			s.log.Error("release event claim", "event_id", event.ID, "err", releaseErr)
		}
		return fmt.Errorf("credit balance: %w", err)
	}
	s.log.Info("credits granted", "event_id", event.ID, "user_id", userID, "item_id", itemID, "credits", credits)

	grant := &models.CreditGrant{
		UserID:     userID,
		EventID:    event.ID,
		ItemID:     itemID,
		Credits:    credits,
		Source:     models.GrantSourceCheckout,
		RawPayload: string(payload),
	}
	if err := s.grants.Create(ctx, grant); err != nil {
		// The balance is already updated and the event registered; failing the
		// delivery now would only trigger a retry that dedup skips.
		s.log.Error("record credit grant", "event_id", event.ID, "err", err)
	}
	return nil
}

// CreateCheckoutSession mints a hosted checkout redirect URL for the caller.
func (s *BillingService) CreateCheckoutSession(ctx context.Context, userID, priceID string, quantity int64) (string, error) {
	if userID == "" {
		return "", ErrUnauthenticated
	}
	if priceID == "" {
		return "", fmt.Errorf("%w: priceId is required", ErrInvalidArgument)
	}
	if quantity <= 0 {
		quantity = 1
	}

	params := &stripe.CheckoutSessionParams{
		Mode:               stripe.String(string(stripe.CheckoutSessionModePayment)),
		PaymentMethodTypes: stripe.StringSlice([]string{"card"}),
		LineItems: []*stripe.CheckoutSessionLineItemParams{
			{
				Price:    stripe.String(priceID),
				Quantity: stripe.Int64(quantity),
			},
		},
		SuccessURL:        stripe.String(s.cfg.CheckoutSuccessURL),
		CancelURL:         stripe.String(s.cfg.CheckoutCancelURL),
		ClientReferenceID: stripe.String(userID),
	}
	params.Context = ctx
	params.AddMetadata("userId", userID)
	params.AddMetadata("priceId", priceID)

	checkout, err := s.newCheckoutSession(params)
	if err != nil {
		return "", fmt.Errorf("create checkout session: %w", err)
	}
	if checkout.URL == "" {
		return "", fmt.Errorf("checkout session has no redirect url")
	}
	return checkout.URL, nil
}

// Balance returns the caller's current credit balance.
func (s *BillingService) Balance(ctx context.Context, userID string) (int, error) {
	if userID == "" {
		return 0, ErrUnauthenticated
	}
	return s.ledger.Balance(ctx, userID)
}

// Grant applies an administrative credit grant and records it.
func (s *BillingService) Grant(ctx context.Context, userID string, credits int, note string) error {
	if userID == "" || credits <= 0 {
		return fmt.Errorf("%w: userId and positive credits are required", ErrInvalidArgument)
	}
	if err := s.ledger.AddCredits(ctx, userID, credits); err != nil {
		return fmt.Errorf("credit balance: %w", err)
	}
	grant := &models.CreditGrant{
		UserID:     userID,
		Credits:    credits,
		Source:     models.GrantSourceAdmin,
		RawPayload: note,
	}
	if err := s.grants.Create(ctx, grant); err != nil {
		return fmt.Errorf("record credit grant: %w", err)
	}
	return nil
}

// RecentGrants lists the newest grant ledger entries.
func (s *BillingService) RecentGrants(ctx context.Context, limit int) ([]models.CreditGrant, error) {
	return s.grants.ListRecent(ctx, limit)
}

// creditsFor resolves an item id against the grant rule table. Unknown ids
// map to zero, which callers treat as a no-op rather than an error.
func (s *BillingService) creditsFor(itemID string) int {
	if itemID == "" {
		return 0
	}
	for _, pkg := range s.cfg.CreditPackages {
		if pkg.PaymentLinkID == itemID {
			return pkg.Credits
		}
	}
	return 0
}

func itemIDFromSession(checkout *stripe.CheckoutSession) string {
	if checkout.PaymentLink != nil && checkout.PaymentLink.ID != "" {
		return checkout.PaymentLink.ID
	}
	// Sessions minted by CreateCheckoutSession carry the price in metadata.
	return checkout.Metadata["priceId"]
}
