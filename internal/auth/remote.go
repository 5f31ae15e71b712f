package auth

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"
)

// RemoteVerifier asks the identity provider which user a session token belongs to.
type RemoteVerifier struct {
	baseURL string
	apiKey  string
	client  *http.Client
}

func NewRemoteVerifier(baseURL, apiKey string, client *http.Client) (*RemoteVerifier, error) {
	if baseURL == "" || apiKey == "" {
		return nil, errors.New("auth: remote verifier needs a base url and api key")
	}
	if client == nil {
		client = &http.Client{Timeout: 10 * time.Second}
	}
	return &RemoteVerifier{baseURL: strings.TrimRight(baseURL, "/"), apiKey: apiKey, client: client}, nil
}

var _ Verifier = (*RemoteVerifier)(nil)

type remoteUser struct {
	ID string `json:"id"`
}

func (v *RemoteVerifier) Verify(ctx context.Context, token string) (string, error) {
	if token == "" {
		return "", fmt.Errorf("%w: empty token", ErrUnauthenticated)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, v.baseURL+"/auth/v1/user", nil)
	if err != nil {
		return "", fmt.Errorf("%w: %w", ErrUnauthenticated, err)
	}
	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("apikey", v.apiKey)

	resp, err := v.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("%w: identity provider unreachable: %w", ErrUnauthenticated, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("%w: identity provider returned %d", ErrUnauthenticated, resp.StatusCode)
	}
	var u remoteUser
	if err := json.NewDecoder(resp.Body).Decode(&u); err != nil {
		return "", fmt.Errorf("%w: decode user: %w", ErrUnauthenticated, err)
	}
	if u.ID == "" {
		return "", fmt.Errorf("%w: no user for token", ErrUnauthenticated)
	}
	return u.ID, nil
}
