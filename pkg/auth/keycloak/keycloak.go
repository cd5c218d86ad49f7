// Copyright 2018-2021 CERN
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.
//
// In applying this license, CERN does not waive the privileges and immunities
// granted to it by virtue of its status as an Intergovernmental Organization
// or submit itself to any jurisdiction.

// Package keycloak obtains and caches service account access tokens from
// a Keycloak realm using the OAuth2 client credentials grant.
package keycloak

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/coreos/go-oidc/v3/oidc"
	"github.com/pkg/errors"
	"github.com/rs/zerolog"
	"golang.org/x/oauth2"
	"golang.org/x/oauth2/clientcredentials"

	"github.com/cs3org/dicom-importer/pkg/httpclient"
)

// expiryMargin is how long before the real expiry a cached token already
// counts as stale.
const expiryMargin = 60 * time.Second

// refreshTimeout covers one client credentials exchange.
const refreshTimeout = 30 * time.Second

// Config holds the connection parameters for one Keycloak realm.
type Config struct {
	URL          string
	Realm        string
	ClientID     string
	ClientSecret string
}

// Manager hands out bearer tokens for the configured client. An empty
// client secret puts the manager in anonymous mode: Token never performs
// any I/O and always reports that no token is available.
//
// The mutex is held across the refresh so that concurrent callers never
// trigger more than one token request per expiry window.
type Manager struct {
	c      *Config
	log    *zerolog.Logger
	client *httpclient.Client

	mu       sync.Mutex
	token    string
	expiry   time.Time
	tokenURL string // resolved on first use
}

// New returns a manager for the given realm.
func New(c *Config, log *zerolog.Logger) *Manager {
	sub := log.With().Str("pkg", "keycloak").Logger()
	if c.ClientSecret == "" {
		sub.Info().Msg("no client secret configured, running in anonymous mode")
	}
	return &Manager{
		c:      c,
		log:    &sub,
		client: httpclient.New(httpclient.Timeout(refreshTimeout)),
	}
}

// Anonymous reports whether the manager runs without credentials.
func (m *Manager) Anonymous() bool {
	return m.c.ClientSecret == ""
}

// Token returns a bearer token for the configured client. The boolean is
// false when no token is available, either because the manager is
// anonymous or because the refresh failed; callers then proceed without
// an Authorization header and let the upstream reject the request.
func (m *Manager) Token(ctx context.Context) (string, bool) {
	if m.Anonymous() {
		return "", false
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if m.token != "" && (m.expiry.IsZero() || time.Now().Before(m.expiry.Add(-expiryMargin))) {
		return m.token, true
	}

	tok, err := m.refresh(ctx)
	if err != nil {
		m.log.Error().Err(err).Msg("error refreshing access token, continuing without one")
		return "", false
	}

	m.token = tok.AccessToken
	m.expiry = tok.Expiry
	m.log.Debug().Time("expiry", tok.Expiry).Msg("access token refreshed")
	return m.token, true
}

// refresh performs the client credentials exchange. Callers hold the mutex.
func (m *Manager) refresh(ctx context.Context) (*oauth2.Token, error) {
	ctx = m.getOAuthCtx(ctx)

	cc := &clientcredentials.Config{
		ClientID:     m.c.ClientID,
		ClientSecret: m.c.ClientSecret,
		TokenURL:     m.getTokenURL(ctx),
		// Keycloak accepts both, but confidential clients created through
		// the admin console expect the credentials in the request body.
		AuthStyle: oauth2.AuthStyleInParams,
	}

	tok, err := cc.Token(ctx)
	if err != nil {
		return nil, errors.Wrap(err, "keycloak: error requesting token")
	}
	return tok, nil
}

// getOAuthCtx injects the manager's own HTTP client so the exchange runs
// with a fixed timeout regardless of the caller's transport.
func (m *Manager) getOAuthCtx(ctx context.Context) context.Context {
	return context.WithValue(ctx, oauth2.HTTPClient, m.client.GetNativeHTTP())
}

// getTokenURL resolves the token endpoint through OIDC discovery once and
// keeps the result. Keycloak always serves the endpoint at the well known
// path, so a failed discovery falls back to that instead of erroring out.
func (m *Manager) getTokenURL(ctx context.Context) string {
	if m.tokenURL != "" {
		return m.tokenURL
	}

	issuer := strings.TrimRight(m.c.URL, "/") + "/realms/" + m.c.Realm
	provider, err := oidc.NewProvider(ctx, issuer)
	if err != nil {
		m.log.Warn().Err(err).Str("issuer", issuer).Msg("oidc discovery failed, using the default keycloak token endpoint")
		m.tokenURL = issuer + "/protocol/openid-connect/token"
		return m.tokenURL
	}

	m.tokenURL = provider.Endpoint().TokenURL
	return m.tokenURL
}
