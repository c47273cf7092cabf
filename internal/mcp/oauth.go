package mcp

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"os"
	"os/exec"
	"path/filepath"
	"runtime"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/oauth2"

	"github.com/qbit-ai/qbit/internal/config"
	"github.com/qbit-ai/qbit/internal/logging"
	"github.com/qbit-ai/qbit/internal/qerrors"
)

// CallbackTimeout bounds how long the loopback server waits for the
// browser redirect.
const CallbackTimeout = 120 * time.Second

// protectedResourceMetadata is the RFC 9728 document a 401's
// WWW-Authenticate points at (or the well-known fallback serves).
type protectedResourceMetadata struct {
	Resource             string   `json:"resource"`
	AuthorizationServers []string `json:"authorization_servers"`
	ScopesSupported      []string `json:"scopes_supported"`
}

// authServerMetadata is the RFC 8414 authorization-server metadata.
type authServerMetadata struct {
	Issuer                string   `json:"issuer"`
	AuthorizationEndpoint string   `json:"authorization_endpoint"`
	TokenEndpoint         string   `json:"token_endpoint"`
	RegistrationEndpoint  string   `json:"registration_endpoint"`
	ScopesSupported       []string `json:"scopes_supported"`
}

// storedToken is one server's persisted OAuth state, keyed by a stable
// server key derived from the server URL.
type storedToken struct {
	AccessToken   string    `json:"accessToken"`
	RefreshToken  string    `json:"refreshToken,omitempty"`
	Expiry        time.Time `json:"expiry"`
	ClientID      string    `json:"clientID"`
	ClientSecret  string    `json:"clientSecret,omitempty"`
	TokenEndpoint string    `json:"tokenEndpoint"`
	Scopes        []string  `json:"scopes,omitempty"`
}

// OAuthStore persists tokens as pretty JSON under the user config
// directory, one entry per server key, rewritten atomically.
type OAuthStore struct {
	mu     sync.Mutex
	path   string
	tokens map[string]*storedToken
}

// NewOAuthStore loads (or initializes) the token store at the default
// path.
func NewOAuthStore() *OAuthStore {
	return NewOAuthStoreAt(filepath.Join(config.GetPaths().Config, "mcp", "tokens.json"))
}

// NewOAuthStoreAt loads the token store at an explicit path.
func NewOAuthStoreAt(path string) *OAuthStore {
	s := &OAuthStore{path: path, tokens: make(map[string]*storedToken)}
	data, err := os.ReadFile(path)
	if err == nil {
		// Corrupt stores start empty; re-auth is always possible.
		_ = json.Unmarshal(data, &s.tokens)
	}
	return s
}

// ServerKey derives the stable key a server's tokens persist under.
func ServerKey(serverURL string) string {
	u, err := url.Parse(serverURL)
	if err != nil {
		sum := sha256.Sum256([]byte(serverURL))
		return hex.EncodeToString(sum[:8])
	}
	sum := sha256.Sum256([]byte(u.Scheme + "://" + u.Host + u.Path))
	return hex.EncodeToString(sum[:8])
}

func (s *OAuthStore) get(key string) (*storedToken, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.tokens[key]
	return t, ok
}

func (s *OAuthStore) put(key string, t *storedToken) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.tokens[key] = t

	if err := os.MkdirAll(filepath.Dir(s.path), 0o755); err != nil {
		return err
	}
	data, err := json.MarshalIndent(s.tokens, "", "  ")
	if err != nil {
		return err
	}
	tmp := s.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return err
	}
	if err := os.Rename(tmp, s.path); err != nil {
		os.Remove(tmp)
		return err
	}
	return nil
}

// oauthFlow runs the full OAuth 2.1 authorization-code + PKCE flow for
// one server, starting from the 401's WWW-Authenticate value.
type oauthFlow struct {
	serverName string
	serverURL  string
	store      *OAuthStore
	clientID   string // pre-configured; empty triggers DCR
	scopes     []string
}

// Token returns a valid access token for the server: the cached one if
// unexpired, a refresh if possible, or the full interactive flow.
func (f *oauthFlow) Token(ctx context.Context, wwwAuthenticate string) (string, error) {
	key := ServerKey(f.serverURL)

	if tok, ok := f.store.get(key); ok {
		if time.Until(tok.Expiry) > time.Minute {
			return tok.AccessToken, nil
		}
		if tok.RefreshToken != "" {
			if refreshed, err := f.refresh(ctx, tok); err == nil {
				f.store.put(key, refreshed)
				return refreshed.AccessToken, nil
			}
			// Refresh failed: fall through to the full flow.
		}
	}

	tok, err := f.authorize(ctx, wwwAuthenticate)
	if err != nil {
		return "", err
	}
	if err := f.store.put(key, tok); err != nil {
		logging.Error().Err(err).Str("server", f.serverName).Msg("mcp: failed to persist oauth token")
	}
	return tok.AccessToken, nil
}

func (f *oauthFlow) refresh(ctx context.Context, tok *storedToken) (*storedToken, error) {
	cfg := &oauth2.Config{
		ClientID:     tok.ClientID,
		ClientSecret: tok.ClientSecret,
		Endpoint:     oauth2.Endpoint{TokenURL: tok.TokenEndpoint},
		Scopes:       tok.Scopes,
	}
	src := cfg.TokenSource(ctx, &oauth2.Token{
		RefreshToken: tok.RefreshToken,
		Expiry:       time.Now().Add(-time.Hour),
	})
	fresh, err := src.Token()
	if err != nil {
		return nil, err
	}
	out := *tok
	out.AccessToken = fresh.AccessToken
	out.Expiry = fresh.Expiry
	if fresh.RefreshToken != "" {
		out.RefreshToken = fresh.RefreshToken
	}
	return &out, nil
}

// authorize is the interactive path: metadata discovery, loopback
// callback, optional DCR, PKCE, browser, code exchange.
func (f *oauthFlow) authorize(ctx context.Context, wwwAuthenticate string) (*storedToken, error) {
	resourceMeta, err := f.discoverProtectedResource(ctx, wwwAuthenticate)
	if err != nil {
		return nil, qerrors.WrapMCP("oauth.resource_metadata", err)
	}

	authServer := ""
	if len(resourceMeta.AuthorizationServers) > 0 {
		authServer = resourceMeta.AuthorizationServers[0]
	}
	if authServer == "" {
		return nil, qerrors.WrapMCP("oauth", fmt.Errorf("no authorization server advertised by %s", f.serverName))
	}

	asMeta, err := f.discoverAuthServer(ctx, authServer)
	if err != nil {
		return nil, qerrors.WrapMCP("oauth.server_metadata", err)
	}

	// Loopback callback server on an ephemeral port.
	listener, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		return nil, qerrors.WrapMCP("oauth.loopback", err)
	}
	defer listener.Close()
	redirectURL := fmt.Sprintf("http://%s/callback", listener.Addr().String())

	clientID, clientSecret := f.clientID, ""
	if clientID == "" {
		clientID, clientSecret, err = f.registerClient(ctx, asMeta.RegistrationEndpoint, redirectURL)
		if err != nil {
			return nil, qerrors.WrapMCP("oauth.dcr", err)
		}
	}

	scopes := f.scopes
	if len(scopes) == 0 {
		scopes = resourceMeta.ScopesSupported
	}

	cfg := &oauth2.Config{
		ClientID:     clientID,
		ClientSecret: clientSecret,
		Endpoint: oauth2.Endpoint{
			AuthURL:  asMeta.AuthorizationEndpoint,
			TokenURL: asMeta.TokenEndpoint,
		},
		RedirectURL: redirectURL,
		Scopes:      scopes,
	}

	verifier := oauth2.GenerateVerifier()
	state := uuid.NewString()
	authURL := cfg.AuthCodeURL(state, oauth2.AccessTypeOffline, oauth2.S256ChallengeOption(verifier))

	code, err := f.awaitCallback(ctx, listener, state, authURL)
	if err != nil {
		return nil, err
	}

	token, err := cfg.Exchange(ctx, code, oauth2.VerifierOption(verifier))
	if err != nil {
		return nil, qerrors.WrapMCP("oauth.exchange", err)
	}

	return &storedToken{
		AccessToken:   token.AccessToken,
		RefreshToken:  token.RefreshToken,
		Expiry:        token.Expiry,
		ClientID:      clientID,
		ClientSecret:  clientSecret,
		TokenEndpoint: asMeta.TokenEndpoint,
		Scopes:        scopes,
	}, nil
}

// discoverProtectedResource fetches the protected-resource metadata: the
// resource_metadata URL from WWW-Authenticate if present, else the
// well-known path on the server's base URL.
func (f *oauthFlow) discoverProtectedResource(ctx context.Context, wwwAuthenticate string) (*protectedResourceMetadata, error) {
	metaURL := parseResourceMetadataURL(wwwAuthenticate)
	if metaURL == "" {
		base, err := url.Parse(f.serverURL)
		if err != nil {
			return nil, err
		}
		base.Path = "/.well-known/oauth-protected-resource"
		base.RawQuery = ""
		metaURL = base.String()
	}

	var meta protectedResourceMetadata
	if err := fetchJSON(ctx, metaURL, &meta); err != nil {
		return nil, err
	}
	return &meta, nil
}

// parseResourceMetadataURL extracts resource_metadata="..." from a
// WWW-Authenticate header value.
func parseResourceMetadataURL(header string) string {
	for _, part := range strings.Split(header, ",") {
		part = strings.TrimSpace(part)
		if cut, ok := strings.CutPrefix(part, "resource_metadata="); ok {
			return strings.Trim(cut, `"`)
		}
		if idx := strings.Index(part, "resource_metadata="); idx >= 0 {
			return strings.Trim(part[idx+len("resource_metadata="):], `"`)
		}
	}
	return ""
}

func (f *oauthFlow) discoverAuthServer(ctx context.Context, issuer string) (*authServerMetadata, error) {
	base, err := url.Parse(issuer)
	if err != nil {
		return nil, err
	}

	// RFC 8414 first, OIDC discovery as fallback.
	for _, wellKnown := range []string{
		"/.well-known/oauth-authorization-server",
		"/.well-known/openid-configuration",
	} {
		metaURL := *base
		metaURL.Path = strings.TrimSuffix(wellKnown+base.Path, "/")
		if base.Path == "" || base.Path == "/" {
			metaURL.Path = wellKnown
		}
		var meta authServerMetadata
		if err := fetchJSON(ctx, metaURL.String(), &meta); err == nil && meta.TokenEndpoint != "" {
			return &meta, nil
		}
	}
	return nil, fmt.Errorf("no authorization-server metadata at %s", issuer)
}

// registerClient performs RFC 7591 Dynamic Client Registration.
func (f *oauthFlow) registerClient(ctx context.Context, registrationEndpoint, redirectURL string) (string, string, error) {
	if registrationEndpoint == "" {
		return "", "", fmt.Errorf("no client_id configured and server offers no registration endpoint")
	}

	body, err := json.Marshal(map[string]any{
		"client_name":                "qbit",
		"redirect_uris":              []string{redirectURL},
		"grant_types":                []string{"authorization_code", "refresh_token"},
		"response_types":             []string{"code"},
		"token_endpoint_auth_method": "none",
	})
	if err != nil {
		return "", "", err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, registrationEndpoint, bytes.NewReader(body))
	if err != nil {
		return "", "", err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return "", "", err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusCreated && resp.StatusCode != http.StatusOK {
		return "", "", fmt.Errorf("registration failed: HTTP %d", resp.StatusCode)
	}

	var reg struct {
		ClientID     string `json:"client_id"`
		ClientSecret string `json:"client_secret"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&reg); err != nil {
		return "", "", err
	}
	return reg.ClientID, reg.ClientSecret, nil
}

// awaitCallback opens the browser at authURL and waits for the loopback
// redirect, verifying state before handing back the authorization code.
func (f *oauthFlow) awaitCallback(ctx context.Context, listener net.Listener, state, authURL string) (string, error) {
	type callbackResult struct {
		code string
		err  error
	}
	resultCh := make(chan callbackResult, 1)

	server := &http.Server{Handler: http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		q := r.URL.Query()
		if q.Get("state") != state {
			http.Error(w, "state mismatch", http.StatusBadRequest)
			resultCh <- callbackResult{err: fmt.Errorf("oauth state mismatch")}
			return
		}
		if errMsg := q.Get("error"); errMsg != "" {
			http.Error(w, errMsg, http.StatusBadRequest)
			resultCh <- callbackResult{err: fmt.Errorf("authorization error: %s", errMsg)}
			return
		}
		fmt.Fprint(w, "Authorization complete. You can close this tab.")
		resultCh <- callbackResult{code: q.Get("code")}
	})}
	go server.Serve(listener)
	defer server.Close()

	openBrowser(authURL)

	select {
	case res := <-resultCh:
		if res.err != nil {
			return "", qerrors.WrapMCP("oauth.callback", res.err)
		}
		return res.code, nil
	case <-time.After(CallbackTimeout):
		return "", qerrors.WrapMCP("oauth.callback", fmt.Errorf("timed out waiting for authorization"))
	case <-ctx.Done():
		return "", ctx.Err()
	}
}

// openBrowser launches the platform browser at url; failure is logged
// and the URL left for the user to open by hand.
func openBrowser(target string) {
	var cmd *exec.Cmd
	switch runtime.GOOS {
	case "darwin":
		cmd = exec.Command("open", target)
	case "windows":
		cmd = exec.Command("rundll32", "url.dll,FileProtocolHandler", target)
	default:
		cmd = exec.Command("xdg-open", target)
	}
	if err := cmd.Start(); err != nil {
		logging.Warn().Err(err).Str("url", target).Msg("mcp: could not open browser, visit the URL manually")
	}
}

func fetchJSON(ctx context.Context, rawURL string, v any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return err
	}
	req.Header.Set("Accept", "application/json")
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("GET %s: HTTP %d", rawURL, resp.StatusCode)
	}
	return json.NewDecoder(resp.Body).Decode(v)
}
