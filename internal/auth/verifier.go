package auth

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/carmelita-app/backend/internal/config"
)

// Verifier resolves a bearer ID token to the caller's user identifier.
type Verifier interface {
	Verify(ctx context.Context, idToken string) (string, error)
}

// IdentityVerifier validates tokens against the identity provider's lookup
// endpoint. The provider owns the session protocol; this side only forwards
// the token and reads back the subject.
type IdentityVerifier struct {
	lookupURL  string
	apiKey     string
	httpClient *http.Client
}

func NewIdentityVerifier(cfg config.Config) *IdentityVerifier {
	return &IdentityVerifier{
		lookupURL: cfg.IdentityLookupURL,
		apiKey:    cfg.IdentityAPIKey,
		httpClient: &http.Client{
			Timeout: 10 * time.Second,
		},
	}
}

func (v *IdentityVerifier) Verify(ctx context.Context, idToken string) (string, error) {
	payload, err := json.Marshal(map[string]string{"idToken": idToken})
	if err != nil {
		return "", fmt.Errorf("marshal lookup payload: %w", err)
	}

	endpoint := v.lookupURL + "?key=" + v.apiKey
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(payload))
	if err != nil {
		return "", fmt.Errorf("new request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := v.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("identity lookup: %w", err)
	}
	defer resp.Body.Close()

	rawBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", fmt.Errorf("read lookup response: %w", err)
	}
	if resp.StatusCode >= 300 {
		return "", fmt.Errorf("identity lookup rejected: status=%d", resp.StatusCode)
	}

	var parsed struct {
		Users []struct {
			LocalID string `json:"localId"`
		} `json:"users"`
	}
	if err := json.Unmarshal(rawBody, &parsed); err != nil {
		return "", fmt.Errorf("decode lookup response: %w", err)
	}
	if len(parsed.Users) == 0 || parsed.Users[0].LocalID == "" {
		return "", fmt.Errorf("token resolved to no user")
	}
	return parsed.Users[0].LocalID, nil
}
