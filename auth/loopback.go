package auth

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/google/uuid"
	"golang.org/x/oauth2"
)

// NewLoopbackHandshake returns a Handshake that prints the consent URL to out
// and receives the authorization code on a callback listener bound to a
// random loopback port.
func NewLoopbackHandshake(out io.Writer, logger *slog.Logger) Handshake {
	return func(ctx context.Context, base *oauth2.Config) (*oauth2.Token, error) {
		ln, err := net.Listen("tcp", "127.0.0.1:0")
		if err != nil {
			return nil, fmt.Errorf("start callback listener: %w", err)
		}

		cfg := *base
		cfg.RedirectURL = "http://" + ln.Addr().String() + "/"
		state := uuid.NewString()

		type result struct {
			code string
			err  error
		}
		results := make(chan result, 1)

		mux := http.NewServeMux()
		mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
			if r.URL.Path != "/" {
				http.NotFound(w, r)
				return
			}
			q := r.URL.Query()
			var res result
			switch {
			case q.Get("state") != state:
				res.err = errors.New("callback state mismatch")
			case q.Get("error") != "":
				res.err = fmt.Errorf("authorization denied: %s", q.Get("error"))
			case q.Get("code") == "":
				res.err = errors.New("callback without authorization code")
			default:
				res.code = q.Get("code")
			}

			if res.err != nil {
				http.Error(w, res.err.Error(), http.StatusBadRequest)
			} else {
				w.Header().Set("Content-Type", "text/plain; charset=utf-8")
				if _, err := io.WriteString(w, "Authorization complete. You can close this window."); err != nil {
					logger.Warn("Failed to write callback response", "error", err)
				}
			}

			select {
			case results <- res:
			default:
			}
		})

		srv := &http.Server{
			Handler:           mux,
			ReadHeaderTimeout: 10 * time.Second,
			WriteTimeout:      10 * time.Second,
		}
		go func() {
			if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
				logger.Warn("Callback server stopped", "error", err)
			}
		}()
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
			defer cancel()
			if err := srv.Shutdown(shutdownCtx); err != nil {
				logger.Warn("Failed to stop callback server", "error", err)
			}
		}()

		authURL := cfg.AuthCodeURL(state, oauth2.AccessTypeOffline, oauth2.ApprovalForce)
		logger.Info("Waiting for browser authorization", "redirect_url", cfg.RedirectURL)
		if _, err := fmt.Fprintf(out, "Open the following link in your browser to authorize access:\n%s\n", authURL); err != nil {
			return nil, fmt.Errorf("print authorization URL: %w", err)
		}

		var res result
		select {
		case res = <-results:
		case <-ctx.Done():
			return nil, fmt.Errorf("wait for authorization: %w", ctx.Err())
		}
		if res.err != nil {
			return nil, res.err
		}

		tok, err := cfg.Exchange(ctx, res.code)
		if err != nil {
			return nil, fmt.Errorf("exchange authorization code: %w", err)
		}
		return tok, nil
	}
}
