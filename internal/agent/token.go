package agent

import (
	"context"
	"sync"

	"golang.org/x/oauth2"
	"golang.org/x/oauth2/clientcredentials"

	tunnel "github.com/eugener/palantir/internal"
	"github.com/eugener/palantir/internal/config"
)

// tokenSource yields the bearer for the broker handshake: either a static
// configured token or an OAuth2 client-credentials flow that can mint a
// fresh token after a token_expired close.
type tokenSource struct {
	static string

	mu     sync.Mutex
	oauth  oauth2.TokenSource
	ccCfg  *clientcredentials.Config
	cached string
}

func newTokenSource(cfg config.TokenConfig) (*tokenSource, error) {
	ts := &tokenSource{static: cfg.Bearer}
	if cfg.TokenURL != "" {
		if cfg.ClientID == "" || cfg.ClientSecret == "" {
			return nil, tunnel.E(tunnel.CodeConfiguration, "token_url requires client_id and client_secret")
		}
		ts.ccCfg = &clientcredentials.Config{
			ClientID:     cfg.ClientID,
			ClientSecret: cfg.ClientSecret,
			TokenURL:     cfg.TokenURL,
		}
	}
	return ts, nil
}

// Token returns the current bearer, minting one via client credentials when
// configured.
func (t *tokenSource) Token(ctx context.Context) (string, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.ccCfg == nil {
		if t.static == "" {
			return "", tunnel.E(tunnel.CodeTokenMissing, "no bearer token configured")
		}
		return t.static, nil
	}

	if t.oauth == nil {
		t.oauth = t.ccCfg.TokenSource(ctx)
	}
	tok, err := t.oauth.Token()
	if err != nil {
		return "", tunnel.Wrap(tunnel.CodeTokenInvalid, err)
	}
	t.cached = tok.AccessToken
	return tok.AccessToken, nil
}

// Refresh discards any cached token so the next Token call mints a new one.
// With a static token there is nothing to refresh; the caller surfaces the
// expiry to the user.
func (t *tokenSource) Refresh(ctx context.Context) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.ccCfg == nil {
		return tunnel.E(tunnel.CodeTokenExpired, "static token expired; supply a new one")
	}
	t.oauth = t.ccCfg.TokenSource(ctx)
	t.cached = ""
	return nil
}
