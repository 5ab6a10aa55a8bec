package service

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/stripe/stripe-go/v82"

	"github.com/carmelita-app/backend/internal/config"
	"github.com/carmelita-app/backend/internal/models"
)

const testWebhookSecret = "whsec_test_secret"

type fakeLedger struct {
	balances map[string]int
	addErr   error
}

func newFakeLedger() *fakeLedger {
	return &fakeLedger{balances: map[string]int{}}
}

func (f *fakeLedger) AddCredits(_ context.Context, userID string, delta int) error {
	if f.addErr != nil {
		return f.addErr
	}
	f.balances[userID] += delta
	return nil
}

func (f *fakeLedger) Balance(_ context.Context, userID string) (int, error) {
	return f.balances[userID], nil
}

type fakeEvents struct {
	seen map[string]bool
	err  error
}

func newFakeEvents() *fakeEvents {
	return &fakeEvents{seen: map[string]bool{}}
}

func (f *fakeEvents) Register(_ context.Context, eventID, _ string) (bool, error) {
	if f.err != nil {
		return false, f.err
	}
	if f.seen[eventID] {
		return false, nil
	}
	f.seen[eventID] = true
	return true, nil
}

func (f *fakeEvents) Release(_ context.Context, eventID string) error {
	delete(f.seen, eventID)
	return nil
}

type fakeGrants struct {
	created []models.CreditGrant
}

func (f *fakeGrants) Create(_ context.Context, grant *models.CreditGrant) error {
	f.created = append(f.created, *grant)
	return nil
}

func (f *fakeGrants) ListRecent(_ context.Context, _ int) ([]models.CreditGrant, error) {
	return f.created, nil
}

func newBillingFixture(t *testing.T) (*BillingService, *fakeLedger, *fakeEvents, *fakeGrants) {
	t.Helper()
	cfg := config.Config{
		StripeWebhookSecret: testWebhookSecret,
		CreditPackages: []models.CreditPackage{
			{PaymentLinkID: "plink_A", Credits: 50},
			{PaymentLinkID: "plink_B", Credits: 150},
		},
	}
	ledger := newFakeLedger()
	events := newFakeEvents()
	grants := &fakeGrants{}
	svc := NewBillingService(cfg, discardLogger(), ledger, events, grants)
	return svc, ledger, events, grants
}

// signPayload produces a Stripe-Signature header value over the exact payload
// bytes, the same scheme the provider uses.
func signPayload(payload []byte, secret string) string {
	ts := time.Now().Unix()
	mac := hmac.New(sha256.New, []byte(secret))
	fmt.Fprintf(mac, "%d.%s", ts, payload)
	return fmt.Sprintf("t=%d,v1=%s", ts, hex.EncodeToString(mac.Sum(nil)))
}

func checkoutCompletedPayload(eventID, userID, paymentLink string) []byte {
	return []byte(fmt.Sprintf(`{
		"id": %q,
		"object": "event",
		"api_version": "2023-10-16",
		"type": "checkout.session.completed",
		"data": {
			"object": {
				"id": "cs_test_1",
				"object": "checkout.session",
				"client_reference_id": %q,
				"payment_link": %q
			}
		}
	}`, eventID, userID, paymentLink))
}

func TestHandleWebhookGrantsMappedCredits(t *testing.T) {
	svc, ledger, _, grants := newBillingFixture(t)

	payload := checkoutCompletedPayload("evt_1", "U1", "plink_A")
	err := svc.HandleWebhook(context.Background(), payload, signPayload(payload, testWebhookSecret))
	require.NoError(t, err)

	assert.Equal(t, 50, ledger.balances["U1"])
	require.Len(t, grants.created, 1)
	assert.Equal(t, "evt_1", grants.created[0].EventID)
	assert.Equal(t, "plink_A", grants.created[0].ItemID)
	assert.Equal(t, models.GrantSourceCheckout, grants.created[0].Source)
}

func TestHandleWebhookRedeliveryIsIdempotent(t *testing.T) {
	svc, ledger, _, grants := newBillingFixture(t)

	payload := checkoutCompletedPayload("evt_1", "U1", "plink_A")
	sig := signPayload(payload, testWebhookSecret)

	require.NoError(t, svc.HandleWebhook(context.Background(), payload, sig))
	require.NoError(t, svc.HandleWebhook(context.Background(), payload, sig))

	assert.Equal(t, 50, ledger.balances["U1"], "redelivered event must not grant twice")
	assert.Len(t, grants.created, 1)
}

func TestHandleWebhookUnknownItemIsNoOp(t *testing.T) {
	svc, ledger, _, grants := newBillingFixture(t)

	payload := checkoutCompletedPayload("evt_2", "U2", "plink_unknown")
	err := svc.HandleWebhook(context.Background(), payload, signPayload(payload, testWebhookSecret))
	require.NoError(t, err, "unrecognized item must be acknowledged, not failed")

	assert.Empty(t, ledger.balances)
	assert.Empty(t, grants.created)
}

func TestHandleWebhookMissingUserReferenceIsNoOp(t *testing.T) {
	svc, ledger, _, _ := newBillingFixture(t)

	payload := checkoutCompletedPayload("evt_3", "", "plink_A")
	err := svc.HandleWebhook(context.Background(), payload, signPayload(payload, testWebhookSecret))
	require.NoError(t, err)

	assert.Empty(t, ledger.balances)
}

func TestHandleWebhookIrrelevantEventTypeIsNoOp(t *testing.T) {
	svc, ledger, events, _ := newBillingFixture(t)

	payload := []byte(`{"id":"evt_4","object":"event","type":"invoice.paid","data":{"object":{}}}`)
	err := svc.HandleWebhook(context.Background(), payload, signPayload(payload, testWebhookSecret))
	require.NoError(t, err)

	assert.Empty(t, ledger.balances)
	assert.Empty(t, events.seen, "irrelevant events should not be registered")
}

func TestHandleWebhookTamperedBodyRejected(t *testing.T) {
	svc, ledger, _, _ := newBillingFixture(t)

	payload := checkoutCompletedPayload("evt_5", "U1", "plink_A")
	sig := signPayload(payload, testWebhookSecret)
	tampered := checkoutCompletedPayload("evt_5", "attacker", "plink_A")

	err := svc.HandleWebhook(context.Background(), tampered, sig)
	require.ErrorIs(t, err, ErrInvalidSignature)
	assert.Empty(t, ledger.balances)
}

func TestHandleWebhookMissingSignatureRejected(t *testing.T) {
	svc, ledger, _, _ := newBillingFixture(t)

	payload := checkoutCompletedPayload("evt_6", "U1", "plink_A")
	err := svc.HandleWebhook(context.Background(), payload, "")
	require.ErrorIs(t, err, ErrInvalidSignature)
	assert.Empty(t, ledger.balances)
}

func TestHandleWebhookWrongSecretRejected(t *testing.T) {
	svc, ledger, _, _ := newBillingFixture(t)

	payload := checkoutCompletedPayload("evt_7", "U1", "plink_A")
	err := svc.HandleWebhook(context.Background(), payload, signPayload(payload, "whsec_other"))
	require.ErrorIs(t, err, ErrInvalidSignature)
	assert.Empty(t, ledger.balances)
}

func TestHandleWebhookMetadataFallbacks(t *testing.T) {
	svc, ledger, _, grants := newBillingFixture(t)

	// Sessions minted by CreateCheckoutSession carry userId/priceId in metadata.
	payload := []byte(`{
		"id": "evt_8",
		"object": "event",
		"type": "checkout.session.completed",
		"data": {
			"object": {
				"id": "cs_test_2",
				"object": "checkout.session",
				"metadata": {"userId": "U3", "priceId": "plink_B"}
			}
		}
	}`)
	err := svc.HandleWebhook(context.Background(), payload, signPayload(payload, testWebhookSecret))
	require.NoError(t, err)

	assert.Equal(t, 150, ledger.balances["U3"])
	require.Len(t, grants.created, 1)
	assert.Equal(t, "plink_B", grants.created[0].ItemID)
}

func TestHandleWebhookConcurrentDeliveriesForDifferentUsers(t *testing.T) {
	svc, ledger, _, _ := newBillingFixture(t)

	for i, user := range []string{"U1", "U2", "U1"} {
		payload := checkoutCompletedPayload(fmt.Sprintf("evt_c%d", i), user, "plink_A")
		require.NoError(t, svc.HandleWebhook(context.Background(), payload, signPayload(payload, testWebhookSecret)))
	}

	assert.Equal(t, 100, ledger.balances["U1"])
	assert.Equal(t, 50, ledger.balances["U2"])
}

func TestHandleWebhookRegistryFailureIsRetryable(t *testing.T) {
	svc, ledger, events, _ := newBillingFixture(t)
	events.err = errors.New("registry unavailable")

	payload := checkoutCompletedPayload("evt_9", "U1", "plink_A")
	err := svc.HandleWebhook(context.Background(), payload, signPayload(payload, testWebhookSecret))
	require.Error(t, err, "store failures must surface so the provider retries")
	assert.NotErrorIs(t, err, ErrInvalidSignature)
	assert.Empty(t, ledger.balances)
}

func TestHandleWebhookLedgerFailureReleasesClaim(t *testing.T) {
	svc, ledger, events, grants := newBillingFixture(t)
	ledger.addErr = errors.New("mysql gone away")

	payload := checkoutCompletedPayload("evt_10", "U1", "plink_A")
	sig := signPayload(payload, testWebhookSecret)
	require.Error(t, svc.HandleWebhook(context.Background(), payload, sig))
	assert.Empty(t, grants.created)
	assert.False(t, events.seen["evt_10"], "failed processing must release the dedup claim")

	// Provider retry after the ledger recovers succeeds.
	ledger.addErr = nil
	require.NoError(t, svc.HandleWebhook(context.Background(), payload, sig))
	assert.Equal(t, 50, ledger.balances["U1"])
}

func TestCreateCheckoutSession(t *testing.T) {
	svc, _, _, _ := newBillingFixture(t)

	var captured *stripe.CheckoutSessionParams
	svc.newCheckoutSession = func(params *stripe.CheckoutSessionParams) (*stripe.CheckoutSession, error) {
		captured = params
		return &stripe.CheckoutSession{URL: "https://checkout.stripe.com/pay/cs_test"}, nil
	}

	url, err := svc.CreateCheckoutSession(context.Background(), "U1", "price_123", 0)
	require.NoError(t, err)
	assert.Equal(t, "https://checkout.stripe.com/pay/cs_test", url)

	require.NotNil(t, captured)
	assert.Equal(t, "U1", stripe.StringValue(captured.ClientReferenceID))
	require.Len(t, captured.LineItems, 1)
	assert.Equal(t, "price_123", stripe.StringValue(captured.LineItems[0].Price))
	assert.EqualValues(t, 1, stripe.Int64Value(captured.LineItems[0].Quantity), "quantity defaults to 1")
	assert.Equal(t, "U1", captured.Metadata["userId"])
}

func TestCreateCheckoutSessionRequiresAuth(t *testing.T) {
	svc, _, _, _ := newBillingFixture(t)

	_, err := svc.CreateCheckoutSession(context.Background(), "", "price_123", 1)
	require.ErrorIs(t, err, ErrUnauthenticated)
}

func TestCreateCheckoutSessionRequiresPrice(t *testing.T) {
	svc, _, _, _ := newBillingFixture(t)

	_, err := svc.CreateCheckoutSession(context.Background(), "U1", "", 1)
	require.ErrorIs(t, err, ErrInvalidArgument)
}

func TestBalanceRequiresAuth(t *testing.T) {
	svc, _, _, _ := newBillingFixture(t)

	_, err := svc.Balance(context.Background(), "")
	require.ErrorIs(t, err, ErrUnauthenticated)
}

func TestAdminGrant(t *testing.T) {
	svc, ledger, _, grants := newBillingFixture(t)

	require.NoError(t, svc.Grant(context.Background(), "U9", 25, "support compensation"))
	assert.Equal(t, 25, ledger.balances["U9"])
	require.Len(t, grants.created, 1)
	assert.Equal(t, models.GrantSourceAdmin, grants.created[0].Source)

	err := svc.Grant(context.Background(), "U9", 0, "")
	require.ErrorIs(t, err, ErrInvalidArgument)
}
