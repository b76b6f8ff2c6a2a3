// Package oauth wraps the token refresh exchange against the Google OAuth
// endpoint and classifies refresh failures so the pool can decide whether a
// credential is dead or just unlucky.
package oauth

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"golang.org/x/oauth2"
)

// TokenURL is the refresh endpoint.
const TokenURL = "https://oauth2.googleapis.com/token"

// Refresher exchanges refresh secrets for access tokens.
type Refresher struct {
	clientID     string
	clientSecret string
	tokenURL     string
	httpClient   *http.Client
}

// NewRefresher builds a refresher with the configured client credentials.
func NewRefresher(clientID, clientSecret string, httpClient *http.Client) *Refresher {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 30 * time.Second}
	}
	return &Refresher{
		clientID:     clientID,
		clientSecret: clientSecret,
		tokenURL:     TokenURL,
		httpClient:   httpClient,
	}
}

// WithTokenURL overrides the token endpoint (tests).
func (r *Refresher) WithTokenURL(url string) *Refresher {
	r.tokenURL = url
	return r
}

// Token is the result of a successful refresh, stamped with the caller-side
// clock.
type Token struct {
	AccessToken string
	Expiry      time.Time
}

// RefreshError carries the upstream HTTP status of a failed refresh.
type RefreshError struct {
	Status int
	Err    error
}

func (e *RefreshError) Error() string {
	return fmt.Sprintf("token refresh failed (status %d): %v", e.Status, e.Err)
}

func (e *RefreshError) Unwrap() error { return e.Err }

// Unrecoverable reports whether the refresh failure means the credential is
// dead (invalid grant or forbidden) and should be disabled.
func (e *RefreshError) Unrecoverable() bool {
	return e.Status == http.StatusBadRequest || e.Status == http.StatusForbidden
}

// Refresh performs the grant_type=refresh_token exchange.
func (r *Refresher) Refresh(ctx context.Context, refreshSecret string) (*Token, error) {
	conf := &oauth2.Config{
		ClientID:     r.clientID,
		ClientSecret: r.clientSecret,
		Endpoint:     oauth2.Endpoint{TokenURL: r.tokenURL},
	}
	ctx = context.WithValue(ctx, oauth2.HTTPClient, r.httpClient)

	src := conf.TokenSource(ctx, &oauth2.Token{RefreshToken: refreshSecret})
	tok, err := src.Token()
	if err != nil {
		var rerr *oauth2.RetrieveError
		if errors.As(err, &rerr) {
			status := 0
			if rerr.Response != nil {
				status = rerr.Response.StatusCode
			}
			return nil, &RefreshError{Status: status, Err: err}
		}
		return nil, &RefreshError{Status: 0, Err: err}
	}
	return &Token{AccessToken: tok.AccessToken, Expiry: tok.Expiry}, nil
}
