package realtime

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"

	"github.com/danstonedev/emrsim-session/core/transport"
)

type sessionTokenRequest struct {
	Model string `json:"model"`
	Voice string `json:"voice,omitempty"`
}

type sessionTokenResponse struct {
	ID           string `json:"id"`
	Model        string `json:"model"`
	ClientSecret struct {
		Value     string `json:"value"`
		ExpiresAt int64  `json:"expires_at"`
	} `json:"client_secret"`
}

// fetchCredential requests an ephemeral credential from the signaling
// endpoint. The response is consumed by this adapter only; callers never
// see raw signaling payloads.
func (c *Client) fetchCredential(ctx context.Context) (*transport.Credential, error) {
	body, err := json.Marshal(sessionTokenRequest{Model: c.options.Model, Voice: c.options.Voice})
	if err != nil {
		return nil, fmt.Errorf("failed to marshal session token request: %w", err)
	}

	request, err := http.NewRequestWithContext(ctx, http.MethodPost, c.options.TokenURL, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("failed to build session token request: %w", err)
	}
	request.Header.Set("Content-Type", "application/json")

	response, err := c.httpClient.Do(request)
	if err != nil {
		return nil, fmt.Errorf("failed to request session token: %w", err)
	}
	defer response.Body.Close()

	if response.StatusCode != http.StatusOK && response.StatusCode != http.StatusCreated {
		payload, _ := io.ReadAll(io.LimitReader(response.Body, 512))
		return nil, fmt.Errorf("session token endpoint returned %d: %s", response.StatusCode, payload)
	}

	var token sessionTokenResponse
	if err := json.NewDecoder(response.Body).Decode(&token); err != nil {
		return nil, fmt.Errorf("failed to decode session token response: %w", err)
	}
	if token.ClientSecret.Value == "" {
		return nil, fmt.Errorf("session token response carried no client secret")
	}

	return &transport.Credential{
		ClientSecret: token.ClientSecret.Value,
		SessionID:    token.ID,
		BaseURL:      c.options.RealtimeURL,
		Model:        token.Model,
		ExpiresAtMs:  token.ClientSecret.ExpiresAt * 1000,
	}, nil
}
