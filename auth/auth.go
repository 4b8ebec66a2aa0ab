// Package auth obtains OAuth2 credentials for the Gmail and Sheets APIs.
package auth

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"slices"
	"time"

	"golang.org/x/oauth2"
	"golang.org/x/oauth2/google"
	"google.golang.org/api/gmail/v1"
	"google.golang.org/api/sheets/v4"

	"holdings-sync/pkg/holdings"
)

// Scopes are the permissions requested for a new token.
var Scopes = []string{
	gmail.GmailReadonlyScope,
	sheets.SpreadsheetsScope,
	sheets.DriveScope,
}

// Store persists the credential blob.
type Store interface {
	Load(ctx context.Context, key string) ([]byte, error)
	Save(ctx context.Context, key string, data []byte) error
	Delete(ctx context.Context, key string) error
	Location(key string) string
}

// Handshake runs an interactive authorization and returns a new token.
type Handshake func(ctx context.Context, cfg *oauth2.Config) (*oauth2.Token, error)

// storedCredential is the persisted form of a token. It carries the client
// registration so the token can be refreshed without the client file.
type storedCredential struct {
	ClientID     string        `json:"client_id"`
	ClientSecret string        `json:"client_secret"`
	AuthURL      string        `json:"auth_url"`
	TokenURL     string        `json:"token_url"`
	Scopes       []string      `json:"scopes"`
	Token        *oauth2.Token `json:"token"`
	SavedAt      time.Time     `json:"saved_at"`
}

func (c *storedCredential) config() *oauth2.Config {
	return &oauth2.Config{
		ClientID:     c.ClientID,
		ClientSecret: c.ClientSecret,
		Endpoint:     oauth2.Endpoint{AuthURL: c.AuthURL, TokenURL: c.TokenURL},
		Scopes:       c.Scopes,
	}
}

// covers reports whether the credential was granted every scope in want.
func (c *storedCredential) covers(want []string) bool {
	for _, scope := range want {
		if !slices.Contains(c.Scopes, scope) {
			return false
		}
	}
	return true
}

// Config configures a Provider.
type Config struct {
	Store       Store
	TokenKey    string   // Key of the credential blob in Store
	ClientDir   string   // Directory searched for client files
	ClientFiles []string // Candidate client registration filenames, in order
	Scopes      []string
	Interactive bool      // Whether the handshake may run
	Handshake   Handshake // Defaults to a loopback handshake
	Logger      *slog.Logger
}

// Provider returns valid credentials, refreshing or re-issuing them as needed.
type Provider struct {
	store       Store
	key         string
	clientDir   string
	clientFiles []string
	scopes      []string
	interactive bool
	handshake   Handshake
	logger      *slog.Logger
}

// New creates a credential provider.
func New(cfg *Config) *Provider {
	scopes := cfg.Scopes
	if len(scopes) == 0 {
		scopes = Scopes
	}
	handshake := cfg.Handshake
	if handshake == nil {
		handshake = NewLoopbackHandshake(os.Stdout, cfg.Logger)
	}
	return &Provider{
		store:       cfg.Store,
		key:         cfg.TokenKey,
		clientDir:   cfg.ClientDir,
		clientFiles: cfg.ClientFiles,
		scopes:      scopes,
		interactive: cfg.Interactive,
		handshake:   handshake,
		logger:      cfg.Logger,
	}
}

// Authorize returns a token source holding a valid token.
func (p *Provider) Authorize(ctx context.Context) (oauth2.TokenSource, error) {
	cred := p.load(ctx)

	if cred != nil {
		tok, err := p.refresh(ctx, cred)
		if err == nil {
			cred.Token = tok
			if err := p.save(ctx, cred); err != nil {
				p.logger.Error("Failed to persist token", "error", err)
			}
			return cred.config().TokenSource(ctx, tok), nil
		}
		p.logger.Warn("Stored token unusable, starting new authorization", "error", err)
	}

	clientPath, err := p.findClientFile()
	if err != nil {
		return nil, err
	}
	p.logger.Info("OAuth client file found", "path", clientPath)

	if !p.interactive {
		return nil, fmt.Errorf("%w: new authorization needs an interactive session; provide %s from a desktop run",
			holdings.ErrAuth, p.store.Location(p.key))
	}

	data, err := os.ReadFile(clientPath)
	if err != nil {
		return nil, fmt.Errorf("%w: read client file: %w", holdings.ErrConfiguration, err)
	}
	oauthConfig, err := google.ConfigFromJSON(data, p.scopes...)
	if err != nil {
		return nil, fmt.Errorf("%w: parse client file %s: %w", holdings.ErrConfiguration, clientPath, err)
	}

	tok, err := p.handshake(ctx, oauthConfig)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", holdings.ErrAuth, err)
	}
	p.logger.Info("New authorization completed", "expiry", tok.Expiry.Format(time.RFC3339))

	cred = &storedCredential{
		ClientID:     oauthConfig.ClientID,
		ClientSecret: oauthConfig.ClientSecret,
		AuthURL:      oauthConfig.Endpoint.AuthURL,
		TokenURL:     oauthConfig.Endpoint.TokenURL,
		Scopes:       p.scopes,
		Token:        tok,
	}
	if err := p.save(ctx, cred); err != nil {
		p.logger.Error("Failed to persist token", "error", err)
	}
	return oauthConfig.TokenSource(ctx, tok), nil
}

// load returns the stored credential, or nil if it is absent, corrupt or
// lacks a required scope. Corrupt blobs are removed.
func (p *Provider) load(ctx context.Context) *storedCredential {
	data, err := p.store.Load(ctx, p.key)
	if err != nil {
		p.logger.Info("No stored token", "location", p.store.Location(p.key), "reason", err)
		return nil
	}

	var cred storedCredential
	if err := json.Unmarshal(data, &cred); err != nil || cred.Token == nil {
		p.logger.Warn("Stored token is corrupt, removing it", "location", p.store.Location(p.key), "error", err)
		if delErr := p.store.Delete(ctx, p.key); delErr != nil {
			p.logger.Warn("Failed to remove corrupt token", "error", delErr)
		}
		return nil
	}

	if !cred.covers(p.scopes) {
		p.logger.Warn("Stored token lacks required scopes", "granted", cred.Scopes, "required", p.scopes)
		return nil
	}

	p.logger.Info("Stored token loaded", "location", p.store.Location(p.key), "expiry", cred.Token.Expiry.Format(time.RFC3339))
	return &cred
}

// refresh returns a valid token for cred, refreshing it when expired.
func (p *Provider) refresh(ctx context.Context, cred *storedCredential) (*oauth2.Token, error) {
	if cred.Token.Valid() {
		return cred.Token, nil
	}
	if cred.Token.RefreshToken == "" {
		return nil, errors.New("token expired and no refresh token is stored")
	}

	p.logger.Info("Refreshing expired token")
	start := time.Now()
	tok, err := cred.config().TokenSource(ctx, cred.Token).Token()
	if err != nil {
		return nil, fmt.Errorf("refresh token: %w", err)
	}
	// Some token endpoints omit the refresh token on refresh
	if tok.RefreshToken == "" {
		tok.RefreshToken = cred.Token.RefreshToken
	}
	p.logger.Info("Token refreshed", "duration_ms", time.Since(start).Milliseconds(), "expiry", tok.Expiry.Format(time.RFC3339))
	return tok, nil
}

func (p *Provider) save(ctx context.Context, cred *storedCredential) error {
	cred.SavedAt = time.Now().UTC()
	data, err := json.MarshalIndent(cred, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal token: %w", err)
	}
	return p.store.Save(ctx, p.key, data)
}

// findClientFile returns the first candidate client file that exists.
func (p *Provider) findClientFile() (string, error) {
	for _, name := range p.clientFiles {
		path := filepath.Join(p.clientDir, name)
		if info, err := os.Stat(path); err == nil && !info.IsDir() {
			return path, nil
		}
	}
	return "", fmt.Errorf("%w: no OAuth client file found in %s (looked for %v)",
		holdings.ErrConfiguration, p.clientDir, p.clientFiles)
}
