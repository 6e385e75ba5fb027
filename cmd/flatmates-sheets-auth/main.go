// Command flatmates-sheets-auth runs the OAuth consent flow once and saves a
// refreshable user token for the Google Sheets store.
package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"time"

	"github.com/google/uuid"
	"golang.org/x/oauth2"

	"flatmates/internal/cli"
	"flatmates/internal/log"
	gsheet "flatmates/internal/sheets/google"
)

func main() {
	cli.LoadEnvFile()
	logger := cli.SetupLogger(log.ComponentSheets)

	cfg, err := gsheet.OAuthConfigFromEnv()
	if err != nil {
		logger.Error("Failed to load OAuth client", "error", err)
		os.Exit(1)
	}

	// The redirect URI must be listed on the OAuth client.
	redirectPort := os.Getenv("OAUTH_REDIRECT_PORT")
	if redirectPort == "" {
		redirectPort = "8085"
	}
	cfg.RedirectURL = "http://localhost:" + redirectPort + "/callback"

	state := uuid.NewString()
	codeCh := make(chan string, 1)
	errCh := make(chan error, 1)

	mux := http.NewServeMux()
	mux.HandleFunc("GET /callback", func(w http.ResponseWriter, r *http.Request) {
		q := r.URL.Query()
		switch {
		case q.Get("error") != "":
			http.Error(w, "OAuth error: "+q.Get("error"), http.StatusBadRequest)
			errCh <- fmt.Errorf("authorization denied: %s", q.Get("error"))
		case q.Get("state") != state:
			http.Error(w, "state mismatch", http.StatusBadRequest)
		default:
			fmt.Fprintln(w, "You may close this window and return to the terminal.")
			codeCh <- q.Get("code")
		}
	})
	srv := &http.Server{Addr: ":" + redirectPort, Handler: mux, ReadHeaderTimeout: 10 * time.Second}
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = srv.Shutdown(ctx)
	}()

	fmt.Printf("Open this URL to authorize:\n%s\n", cfg.AuthCodeURL(state, oauth2.AccessTypeOffline))

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt)

	var code string
	select {
	case code = <-codeCh:
	case err := <-errCh:
		logger.Error("Authorization failed", "error", err)
		os.Exit(1)
	case <-time.After(5 * time.Minute):
		logger.Error("Authorization timed out")
		os.Exit(1)
	case <-sigCh:
		logger.Warn("Interrupted")
		os.Exit(1)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	tok, err := cfg.Exchange(ctx, code)
	if err != nil {
		logger.Error("Token exchange failed", "error", err)
		os.Exit(1)
	}

	outFile := os.Getenv("GOOGLE_OAUTH_TOKEN_FILE")
	if outFile == "" {
		outFile = "token.json"
	}
	if err := gsheet.SaveToken(outFile, tok); err != nil {
		logger.Error("Failed to save token", "error", err, "path", outFile)
		os.Exit(1)
	}
	logger.Info("Saved OAuth token", "path", outFile)
}
