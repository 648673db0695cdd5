package shared

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	neturl "net/url"
	"strings"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
	"golang.org/x/oauth2"
	"golang.org/x/oauth2/clientcredentials"

	"github.com/airbusgeo/geofed/common"
	"github.com/airbusgeo/geofed/registry"
	"github.com/airbusgeo/geofed/service/log"
)

// TokenManager serves the current bearer token of one provider
type TokenManager interface {
	Get() (string, error)
}

// refreshingTokenManager keeps a token warm in the background, refreshing it
// at 9/10 of its lifetime
type refreshingTokenManager struct {
	authenticate func(ctx context.Context) (string, time.Duration, error)
	token        atomic.Value
}

func startTokenManager(ctx context.Context, manager *refreshingTokenManager) (TokenManager, context.CancelFunc) {
	nextRefresh := 30 * time.Second
	token, expiration, err := manager.authenticate(ctx)
	if err != nil {
		log.Logger(ctx).Sugar().Error("failed to authenticate", zap.Any("err", err))
	} else {
		manager.token.Store(token)
		nextRefresh = 9 * expiration / 10
	}

	ctx, cncl := context.WithCancel(ctx)
	go func() {
		for {
			log.Logger(ctx).Sugar().Debugf("will refresh token in %s", nextRefresh.String())
			select {
			case <-time.After(nextRefresh):
			case <-ctx.Done():
				return
			}
			token, expiration, err := manager.authenticate(ctx)
			if err != nil {
				log.Logger(ctx).Sugar().Error("failed to authenticate", zap.Any("err", err))
				nextRefresh = 30 * time.Second
			} else {
				manager.token.Store(token)
				nextRefresh = 9 * expiration / 10
			}
		}
	}()
	return manager, cncl
}

func (t *refreshingTokenManager) Get() (string, error) {
	token, ok := t.token.Load().(string)
	if !ok || token == "" {
		return "", errors.New("failed to get token")
	}
	return token, nil
}

// NewOAuthTokenManager authenticates with the client-credentials grant
func NewOAuthTokenManager(ctx context.Context, client *http.Client, tokenURL, clientID, clientSecret string) (TokenManager, context.CancelFunc) {
	config := clientcredentials.Config{ClientID: clientID, ClientSecret: clientSecret, TokenURL: tokenURL}
	return startTokenManager(ctx, &refreshingTokenManager{
		authenticate: func(ctx context.Context) (string, time.Duration, error) {
			token, err := config.Token(context.WithValue(ctx, oauth2.HTTPClient, client))
			if err != nil {
				return "", 0, fmt.Errorf("failed to retrieve token: %w", err)
			}
			if token.AccessToken == "" {
				return "", 0, fmt.Errorf("retrieved token is empty")
			}
			expiration := time.Until(token.Expiry)
			if expiration <= 0 {
				expiration = time.Hour
			}
			return token.AccessToken, expiration, nil
		},
	})
}

type jwtResponse struct {
	AccessToken string `json:"access_token"`
	ExpiresIn   int    `json:"expires_in"`
	TokenType   string `json:"token_type"`
}

// NewTokenExchangeManager authenticates with the api_key grant (ident is the
// client id, pass the api key)
func NewTokenExchangeManager(ctx context.Context, client *http.Client, tokenURL, ident, pass string) (TokenManager, context.CancelFunc) {
	return startTokenManager(ctx, &refreshingTokenManager{
		authenticate: func(ctx context.Context) (string, time.Duration, error) {
			payload := fmt.Sprintf("apikey=%v&grant_type=api_key&client_id=%v", neturl.QueryEscape(pass), neturl.QueryEscape(ident))
			req, err := http.NewRequestWithContext(ctx, http.MethodPost, tokenURL, strings.NewReader(payload))
			if err != nil {
				return "", 0, fmt.Errorf("failed to create http request: %w", err)
			}
			req.Header.Add("Content-Type", "application/x-www-form-urlencoded")
			r, err := client.Do(req)
			if err != nil {
				return "", 0, fmt.Errorf("failed to retrieve token: %w", err)
			}
			defer r.Body.Close()
			switch r.StatusCode {
			case http.StatusOK:
			case http.StatusUnauthorized, http.StatusForbidden:
				return "", 0, fmt.Errorf("token authentication refused: %s", r.Status)
			default:
				return "", 0, fmt.Errorf("token authentication failed: %s", r.Status)
			}

			response := jwtResponse{}
			if err := json.NewDecoder(r.Body).Decode(&response); err != nil {
				return "", 0, fmt.Errorf("failed to decode token response")
			}
			if response.AccessToken == "" {
				return "", 0, fmt.Errorf("retrieved token is empty")
			}
			return response.AccessToken, time.Duration(response.ExpiresIn) * time.Second, nil
		},
	})
}

// transportAuth attaches provider credentials to every outgoing request
type transportAuth struct {
	originalTransport http.RoundTripper
	setAuth           func(req *http.Request) error
}

func (t *transportAuth) RoundTrip(req *http.Request) (*http.Response, error) {
	req = req.Clone(req.Context())
	if err := t.setAuth(req); err != nil {
		return nil, err
	}
	transport := t.originalTransport
	if transport == nil {
		transport = http.DefaultTransport
	}
	return transport.RoundTrip(req)
}

// NewAuthenticatedClient builds the http client of a provider, attaching its
// credential per the declared strategy. The cancel function stops the token
// refresh goroutine, if any.
func NewAuthenticatedClient(ctx context.Context, d *registry.ProviderDescriptor) (*http.Client, context.CancelFunc, error) {
	noop := context.CancelFunc(func() {})
	cred := d.Credential()

	switch d.Auth {
	case common.AuthNone, common.AuthAWS:
		// aws credentials are consumed by the object-store download backends
		return &http.Client{}, noop, nil
	}
	if cred == nil {
		return nil, noop, fmt.Errorf("NewAuthenticatedClient: provider %s has no resolved credential", d.Name)
	}

	switch d.Auth {
	case common.AuthBasic:
		username, password := cred.Field("username"), cred.Field("password")
		return authClient(func(req *http.Request) error {
			req.SetBasicAuth(username, password)
			return nil
		}), noop, nil
	case common.AuthAPIKey:
		apikey := cred.Field("apikey")
		return authClient(func(req *http.Request) error {
			req.Header.Set("X-Api-Key", apikey)
			return nil
		}), noop, nil
	case common.AuthOAuth:
		if d.Endpoints.Token == "" {
			return nil, noop, fmt.Errorf("NewAuthenticatedClient: provider %s: no token endpoint", d.Name)
		}
		manager, cncl := NewOAuthTokenManager(ctx, &http.Client{}, d.Endpoints.Token, cred.Field("client_id"), cred.Field("client_secret"))
		return authClient(bearer(manager)), cncl, nil
	case common.AuthCustom:
		if d.Endpoints.Token == "" {
			return nil, noop, fmt.Errorf("NewAuthenticatedClient: provider %s: no token endpoint", d.Name)
		}
		manager, cncl := NewTokenExchangeManager(ctx, &http.Client{}, d.Endpoints.Token, cred.Field("ident"), cred.Field("pass"))
		return authClient(bearer(manager)), cncl, nil
	}
	return nil, noop, fmt.Errorf("NewAuthenticatedClient: unsupported auth strategy %s", d.Auth)
}

func authClient(setAuth func(req *http.Request) error) *http.Client {
	return &http.Client{Transport: &transportAuth{originalTransport: http.DefaultTransport, setAuth: setAuth}}
}

func bearer(manager TokenManager) func(req *http.Request) error {
	return func(req *http.Request) error {
		token, err := manager.Get()
		if err != nil {
			return fmt.Errorf("failed to refresh token: %w", err)
		}
		req.Header.Set("Authorization", "Bearer "+token)
		return nil
	}
}
