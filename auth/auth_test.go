package auth

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"net/url"
	"os"
	"path/filepath"
	"regexp"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/oauth2"

	"holdings-sync/pkg/holdings"
	"holdings-sync/storage"
)

const tokenKey = "token.json"

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelError}))
}

// tokenServer is a fake OAuth token endpoint.
func tokenServer(t *testing.T, status int, accessToken string) (*httptest.Server, *atomic.Int32) {
	t.Helper()
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		if status != http.StatusOK {
			http.Error(w, `{"error":"invalid_grant"}`, status)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprintf(w, `{"access_token":%q,"token_type":"Bearer","expires_in":3600}`, accessToken)
	}))
	t.Cleanup(srv.Close)
	return srv, &calls
}

func writeCredential(t *testing.T, store *storage.Store, cred *storedCredential) {
	t.Helper()
	data, err := json.Marshal(cred)
	require.NoError(t, err)
	require.NoError(t, store.Save(context.Background(), tokenKey, data))
}

func loadCredential(t *testing.T, store *storage.Store) *storedCredential {
	t.Helper()
	data, err := store.Load(context.Background(), tokenKey)
	require.NoError(t, err)
	var cred storedCredential
	require.NoError(t, json.Unmarshal(data, &cred))
	return &cred
}

func writeClientFile(t *testing.T, dir, name, tokenURL string) {
	t.Helper()
	content := fmt.Sprintf(`{"installed":{"client_id":"client-1","client_secret":"secret-1",
"auth_uri":"https://accounts.example.com/auth","token_uri":%q,"redirect_uris":["http://localhost"]}}`, tokenURL)
	require.NoError(t, os.WriteFile(filepath.Join(dir, name), []byte(content), 0o600))
}

func newProvider(dir string, interactive bool, handshake Handshake) (*Provider, *storage.Store) {
	store := storage.NewLocal(dir, testLogger())
	return New(&Config{
		Store:       store,
		TokenKey:    tokenKey,
		ClientDir:   dir,
		ClientFiles: []string{"client_secret.json", "credentials.json", "oauth_credentials.json"},
		Interactive: interactive,
		Handshake:   handshake,
		Logger:      testLogger(),
	}), store
}

func failingHandshake(t *testing.T) Handshake {
	return func(context.Context, *oauth2.Config) (*oauth2.Token, error) {
		t.Error("handshake should not run")
		return nil, fmt.Errorf("unexpected handshake")
	}
}

func TestAuthorizeValidStoredToken(t *testing.T) {
	dir := t.TempDir()
	p, store := newProvider(dir, false, failingHandshake(t))

	writeCredential(t, store, &storedCredential{
		ClientID: "client-1",
		TokenURL: "http://127.0.0.1:1/token",
		Scopes:   Scopes,
		Token:    &oauth2.Token{AccessToken: "still-good", TokenType: "Bearer", Expiry: time.Now().Add(time.Hour)},
	})

	ts, err := p.Authorize(context.Background())
	require.NoError(t, err)
	tok, err := ts.Token()
	require.NoError(t, err)
	assert.Equal(t, "still-good", tok.AccessToken)
	assert.False(t, loadCredential(t, store).SavedAt.IsZero(), "token should be re-persisted")
}

func TestAuthorizeRefreshesExpiredToken(t *testing.T) {
	dir := t.TempDir()
	srv, calls := tokenServer(t, http.StatusOK, "refreshed")
	p, store := newProvider(dir, false, failingHandshake(t))

	writeCredential(t, store, &storedCredential{
		ClientID:     "client-1",
		ClientSecret: "secret-1",
		TokenURL:     srv.URL,
		Scopes:       Scopes,
		Token: &oauth2.Token{
			AccessToken:  "stale",
			RefreshToken: "refresh-1",
			TokenType:    "Bearer",
			Expiry:       time.Now().Add(-time.Hour),
		},
	})

	ts, err := p.Authorize(context.Background())
	require.NoError(t, err)
	tok, err := ts.Token()
	require.NoError(t, err)
	assert.Equal(t, "refreshed", tok.AccessToken)
	assert.Equal(t, int32(1), calls.Load())

	saved := loadCredential(t, store)
	assert.Equal(t, "refreshed", saved.Token.AccessToken)
	assert.Equal(t, "refresh-1", saved.Token.RefreshToken, "refresh token must survive a refresh")
}

func TestAuthorizeFallbacks(t *testing.T) {
	expired := &oauth2.Token{AccessToken: "stale", RefreshToken: "refresh-1", Expiry: time.Now().Add(-time.Hour)}

	tests := []struct {
		name       string
		stored     *storedCredential
		corrupt    bool
		clientFile string
		wantErr    error
	}{
		{
			name:    "no token and no client file",
			wantErr: holdings.ErrConfiguration,
		},
		{
			name:       "no token in automated mode",
			clientFile: "credentials.json",
			wantErr:    holdings.ErrAuth,
		},
		{
			name:       "refresh failure treated as absent",
			stored:     &storedCredential{Scopes: Scopes, Token: expired},
			clientFile: "oauth_credentials.json",
			wantErr:    holdings.ErrAuth,
		},
		{
			name:       "expired without refresh token",
			stored:     &storedCredential{Scopes: Scopes, Token: &oauth2.Token{AccessToken: "stale", Expiry: time.Now().Add(-time.Minute)}},
			clientFile: "client_secret.json",
			wantErr:    holdings.ErrAuth,
		},
		{
			name:       "missing scope treated as absent",
			stored:     &storedCredential{Scopes: Scopes[:1], Token: &oauth2.Token{AccessToken: "ok", Expiry: time.Now().Add(time.Hour)}},
			clientFile: "client_secret.json",
			wantErr:    holdings.ErrAuth,
		},
		{
			name:    "corrupt token without client file",
			corrupt: true,
			wantErr: holdings.ErrConfiguration,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			dir := t.TempDir()
			srv, _ := tokenServer(t, http.StatusBadRequest, "")
			p, store := newProvider(dir, false, failingHandshake(t))

			if tt.stored != nil {
				tt.stored.TokenURL = srv.URL
				writeCredential(t, store, tt.stored)
			}
			if tt.corrupt {
				require.NoError(t, store.Save(context.Background(), tokenKey, []byte("not json")))
			}
			if tt.clientFile != "" {
				writeClientFile(t, dir, tt.clientFile, srv.URL)
			}

			start := time.Now()
			_, err := p.Authorize(context.Background())
			require.Error(t, err)
			assert.ErrorIs(t, err, tt.wantErr)
			assert.Less(t, time.Since(start), 5*time.Second, "automated mode must fail fast")

			if tt.corrupt {
				_, loadErr := store.Load(context.Background(), tokenKey)
				assert.True(t, storage.IsNotFound(loadErr), "corrupt token should be removed")
			}
		})
	}
}

func TestAuthorizeInteractiveHandshake(t *testing.T) {
	dir := t.TempDir()
	writeClientFile(t, dir, "credentials.json", "https://oauth2.example.com/token")

	var gotConfig *oauth2.Config
	handshake := func(_ context.Context, cfg *oauth2.Config) (*oauth2.Token, error) {
		gotConfig = cfg
		return &oauth2.Token{AccessToken: "fresh", RefreshToken: "r", TokenType: "Bearer", Expiry: time.Now().Add(time.Hour)}, nil
	}
	p, store := newProvider(dir, true, handshake)

	ts, err := p.Authorize(context.Background())
	require.NoError(t, err)
	tok, err := ts.Token()
	require.NoError(t, err)
	assert.Equal(t, "fresh", tok.AccessToken)

	require.NotNil(t, gotConfig)
	assert.Equal(t, "client-1", gotConfig.ClientID)
	assert.ElementsMatch(t, Scopes, gotConfig.Scopes)

	saved := loadCredential(t, store)
	assert.Equal(t, "client-1", saved.ClientID)
	assert.Equal(t, "secret-1", saved.ClientSecret)
	assert.Equal(t, "https://oauth2.example.com/token", saved.TokenURL)
	assert.Equal(t, "fresh", saved.Token.AccessToken)
}

// lineWriter forwards each write to a channel.
type lineWriter chan string

func (w lineWriter) Write(p []byte) (int, error) {
	w <- string(p)
	return len(p), nil
}

func TestLoopbackHandshake(t *testing.T) {
	srv, calls := tokenServer(t, http.StatusOK, "from-loopback")
	out := make(lineWriter, 1)
	handshake := NewLoopbackHandshake(out, testLogger())

	cfg := &oauth2.Config{
		ClientID: "client-1",
		Endpoint: oauth2.Endpoint{AuthURL: "https://accounts.example.com/auth", TokenURL: srv.URL},
		Scopes:   Scopes,
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	type outcome struct {
		tok *oauth2.Token
		err error
	}
	done := make(chan outcome, 1)
	go func() {
		tok, err := handshake(ctx, cfg)
		done <- outcome{tok, err}
	}()

	printed := <-out
	authURL := regexp.MustCompile(`https://\S+`).FindString(printed)
	require.NotEmpty(t, authURL)
	parsed, err := url.Parse(authURL)
	require.NoError(t, err)
	q := parsed.Query()
	assert.Equal(t, "offline", q.Get("access_type"))

	callback := q.Get("redirect_uri") + "?code=abc&state=" + url.QueryEscape(q.Get("state"))
	resp, err := http.Get(callback)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	res := <-done
	require.NoError(t, res.err)
	assert.Equal(t, "from-loopback", res.tok.AccessToken)
	assert.Equal(t, int32(1), calls.Load())
}

func TestLoopbackHandshakeCancelled(t *testing.T) {
	handshake := NewLoopbackHandshake(make(lineWriter, 1), testLogger())
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	_, err := handshake(ctx, &oauth2.Config{Endpoint: oauth2.Endpoint{AuthURL: "https://accounts.example.com/auth"}})
	require.Error(t, err)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}
