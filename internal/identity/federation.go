package identity

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"
)

// ExternalIdentity is the verified identity extracted from a provider-issued
// token.
type ExternalIdentity struct {
	SubjectID   string `json:"subject_id"`
	Email       string `json:"email"`
	DisplayName string `json:"display_name"`
	AvatarURL   string `json:"avatar_url"`
}

// Provider validates externally-issued tokens against an identity provider.
type Provider interface {
	Verify(ctx context.Context, token string) (*ExternalIdentity, error)
}

const defaultIntrospectionTimeout = 3 * time.Second

// IntrospectionClient verifies provider tokens against an RFC 7662 style
// introspection endpoint. Every failure mode — transport error, timeout,
// non-200 status, inactive token, missing email — fails closed with
// ErrFederatedVerification.
type IntrospectionClient struct {
	endpoint string
	client   *http.Client
}

// NewIntrospectionClient constructs a client with a bounded request timeout.
func NewIntrospectionClient(endpoint string, timeout time.Duration) *IntrospectionClient {
	if timeout <= 0 {
		timeout = defaultIntrospectionTimeout
	}
	return &IntrospectionClient{
		endpoint: endpoint,
		client:   &http.Client{Timeout: timeout},
	}
}

type introspectionResponse struct {
	Active      bool   `json:"active"`
	Subject     string `json:"sub"`
	Email       string `json:"email"`
	DisplayName string `json:"name"`
	AvatarURL   string `json:"picture"`
}

// Verify posts the token to the introspection endpoint and extracts a stable
// subject identity and verified email.
func (c *IntrospectionClient) Verify(ctx context.Context, token string) (*ExternalIdentity, error) {
	if strings.TrimSpace(token) == "" {
		return nil, ErrFederatedVerification
	}
	body, err := json.Marshal(map[string]string{"token": token})
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrFederatedVerification, err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrFederatedVerification, err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrFederatedVerification, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("%w: introspection status %d", ErrFederatedVerification, resp.StatusCode)
	}

	var payload introspectionResponse
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrFederatedVerification, err)
	}
	if !payload.Active || strings.TrimSpace(payload.Subject) == "" || strings.TrimSpace(payload.Email) == "" {
		return nil, ErrFederatedVerification
	}
	return &ExternalIdentity{
		SubjectID:   payload.Subject,
		Email:       strings.ToLower(strings.TrimSpace(payload.Email)),
		DisplayName: strings.TrimSpace(payload.DisplayName),
		AvatarURL:   strings.TrimSpace(payload.AvatarURL),
	}, nil
}
