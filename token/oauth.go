// ABOUTME: Refresher backed by golang.org/x/oauth2 against a provider token endpoint
// ABOUTME: Converts between oauth2.Token and the stored Credential
package token

import (
	"context"
	"fmt"
	"net/http"

	"golang.org/x/oauth2"

	"github.com/harperreed/contactsync/models"
)

// OAuthRefresher refreshes tokens with an oauth2.Config.
type OAuthRefresher struct {
	Config     *oauth2.Config
	HTTPClient *http.Client
}

// Refresh uses the stored refresh token to obtain a new access token.
func (r *OAuthRefresher) Refresh(ctx context.Context, cred *models.Credential) (*models.Credential, error) {
	if r.Config == nil {
		return nil, fmt.Errorf("oauth config is not set")
	}
	if r.HTTPClient != nil {
		ctx = context.WithValue(ctx, oauth2.HTTPClient, r.HTTPClient)
	}
	// An empty access token forces the source to hit the token endpoint.
	src := r.Config.TokenSource(ctx, &oauth2.Token{RefreshToken: cred.RefreshToken})
	tok, err := src.Token()
	if err != nil {
		return nil, fmt.Errorf("failed to refresh token: %w", err)
	}
	return FromOAuth(cred.ProviderSlug, tok), nil
}

// FromOAuth converts an oauth2 token into a credential.
func FromOAuth(slug string, tok *oauth2.Token) *models.Credential {
	c := &models.Credential{
		ProviderSlug: slug,
		AccessToken:  tok.AccessToken,
		RefreshToken: tok.RefreshToken,
	}
	if !tok.Expiry.IsZero() {
		exp := tok.Expiry.UTC()
		c.ExpiresAt = &exp
	}
	return c
}
