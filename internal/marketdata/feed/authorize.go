package feed

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	json "github.com/goccy/go-json"
)

// DefaultAuthorizeURL is the broker's v3 market data feed authorization endpoint.
const DefaultAuthorizeURL = "https://api.upstox.com/v3/feed/market-data-feed/authorize"

// Authorizer exchanges an access token for a short-lived feed URL.
type Authorizer struct {
	URL    string
	Token  string
	Client *http.Client
}

// NewAuthorizer returns an authorizer for url (DefaultAuthorizeURL when empty).
func NewAuthorizer(url, token string) *Authorizer {
	if url == "" {
		url = DefaultAuthorizeURL
	}
	return &Authorizer{
		URL:    url,
		Token:  token,
		Client: &http.Client{Timeout: 10 * time.Second},
	}
}

type authorizeResponse struct {
	Status string `json:"status"`
	Data   struct {
		AuthorizedRedirectURI  string `json:"authorizedRedirectUri"`
		AuthorizedRedirectURI2 string `json:"authorized_redirect_uri"`
	} `json:"data"`
}

// Authorize returns the authorized redirect URI to stream from.
func (a *Authorizer) Authorize(ctx context.Context) (string, error) {
	if strings.TrimSpace(a.Token) == "" {
		return "", &AuthorizationError{Err: ErrMissingCredential}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, a.URL, nil)
	if err != nil {
		return "", &AuthorizationError{Err: err}
	}
	req.Header.Set("Authorization", "Bearer "+a.Token)
	req.Header.Set("Accept", "application/json")

	client := a.Client
	if client == nil {
		client = http.DefaultClient
	}
	resp, err := client.Do(req)
	if err != nil {
		return "", &AuthorizationError{Err: err}
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
	if err != nil {
		return "", &AuthorizationError{StatusCode: resp.StatusCode, Err: err}
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return "", &AuthorizationError{
			StatusCode: resp.StatusCode,
			Err:        fmt.Errorf("unexpected response: %s", truncate(string(body), 200)),
		}
	}

	var ar authorizeResponse
	if err := json.Unmarshal(body, &ar); err != nil {
		return "", &AuthorizationError{StatusCode: resp.StatusCode, Err: fmt.Errorf("malformed body: %w", err)}
	}
	if ar.Status != "" && ar.Status != "success" {
		return "", &AuthorizationError{StatusCode: resp.StatusCode, Err: fmt.Errorf("status %q", ar.Status)}
	}
	uri := ar.Data.AuthorizedRedirectURI
	if uri == "" {
		uri = ar.Data.AuthorizedRedirectURI2
	}
	if uri == "" {
		return "", &AuthorizationError{StatusCode: resp.StatusCode, Err: errors.New("malformed body: no redirect uri")}
	}
	return uri, nil
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
