package connector

import (
	"context"
	"crypto/rsa"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	jose "github.com/go-jose/go-jose/v4"
	"github.com/golang-jwt/jwt/v5"
	"go.uber.org/zap"
)

const (
	// Issuer is the iss claim of tokens minted by the Bot Framework.
	Issuer = "https://api.botframework.com"
	// DefaultOpenIDMetadata is used when BotOpenIdMetadata is not set.
	DefaultOpenIDMetadata = "https://login.botframework.com/v1/.well-known/openidconfiguration"

	keyCacheTTL = 24 * time.Hour
	// An unknown kid triggers at most one refresh per interval.
	minRefreshInterval = time.Minute
)

// ErrUnauthorized is returned for any inbound request that fails verification.
var ErrUnauthorized = errors.New("unauthorized")

// Authenticator validates the bearer token the channel service attaches to
// webhook calls.
type Authenticator struct {
	appID       string
	metadataURL string
	http        *http.Client
	log         *zap.Logger

	mu      sync.Mutex
	keys    map[string]*rsa.PublicKey
	fetched time.Time
}

// NewAuthenticator returns an authenticator for appID. With an empty appID
// verification is disabled and every request is accepted.
func NewAuthenticator(appID, metadataURL string, log *zap.Logger) *Authenticator {
	if metadataURL == "" {
		metadataURL = DefaultOpenIDMetadata
	}
	return &Authenticator{
		appID:       appID,
		metadataURL: metadataURL,
		http:        &http.Client{Timeout: 10 * time.Second},
		log:         log,
	}
}

func (a *Authenticator) Enabled() bool { return a.appID != "" }

// Verify checks the Authorization header value of an inbound request.
func (a *Authenticator) Verify(ctx context.Context, authHeader string) error {
	if !a.Enabled() {
		return nil
	}
	raw, ok := strings.CutPrefix(authHeader, "Bearer ")
	if !ok || strings.TrimSpace(raw) == "" {
		return fmt.Errorf("%w: missing bearer token", ErrUnauthorized)
	}

	_, err := jwt.Parse(strings.TrimSpace(raw), func(t *jwt.Token) (any, error) {
		kid, _ := t.Header["kid"].(string)
		if kid == "" {
			return nil, errors.New("token has no kid")
		}
		return a.key(ctx, kid)
	},
		jwt.WithValidMethods([]string{jwt.SigningMethodRS256.Alg()}),
		jwt.WithIssuer(Issuer),
		jwt.WithAudience(a.appID),
		jwt.WithExpirationRequired(),
		jwt.WithLeeway(5*time.Minute),
	)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrUnauthorized, err)
	}
	return nil
}

func (a *Authenticator) key(ctx context.Context, kid string) (*rsa.PublicKey, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	age := time.Since(a.fetched)
	if k, ok := a.keys[kid]; ok && age < keyCacheTTL {
		return k, nil
	}
	if a.keys == nil || age >= keyCacheTTL || age >= minRefreshInterval {
		keys, err := a.fetchKeys(ctx)
		if err != nil {
			return nil, err
		}
		a.keys = keys
		a.fetched = time.Now()
		a.log.Info("signing keys refreshed", zap.Int("keys", len(keys)))
	}
	if k, ok := a.keys[kid]; ok {
		return k, nil
	}
	return nil, fmt.Errorf("unknown signing key %q", kid)
}

func (a *Authenticator) fetchKeys(ctx context.Context) (map[string]*rsa.PublicKey, error) {
	var meta struct {
		JWKSURI string `json:"jwks_uri"`
	}
	if err := a.getJSON(ctx, a.metadataURL, &meta); err != nil {
		return nil, fmt.Errorf("openid metadata: %w", err)
	}
	if meta.JWKSURI == "" {
		return nil, errors.New("openid metadata has no jwks_uri")
	}

	var set jose.JSONWebKeySet
	if err := a.getJSON(ctx, meta.JWKSURI, &set); err != nil {
		return nil, fmt.Errorf("jwks: %w", err)
	}
	keys := make(map[string]*rsa.PublicKey, len(set.Keys))
	for _, k := range set.Keys {
		pk, ok := k.Key.(*rsa.PublicKey)
		if !ok || !k.Valid() || k.KeyID == "" {
			a.log.Warn("skipping signing key", zap.String("kid", k.KeyID), zap.String("alg", k.Algorithm))
			continue
		}
		keys[k.KeyID] = pk
	}
	return keys, nil
}

func (a *Authenticator) getJSON(ctx context.Context, url string, v any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return err
	}
	resp, err := a.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("GET %s: status %d", url, resp.StatusCode)
	}
	return json.NewDecoder(resp.Body).Decode(v)
}
