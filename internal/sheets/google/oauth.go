package google

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strings"

	"golang.org/x/oauth2"
	goauth "golang.org/x/oauth2/google"
	goption "google.golang.org/api/option"
	gsheet "google.golang.org/api/sheets/v4"
)

var (
	ErrMissingOAuthClient = errors.New("missing oauth client (set GOOGLE_OAUTH_CLIENT_JSON or GOOGLE_OAUTH_CLIENT_FILE)")
	ErrMissingOAuthToken  = errors.New("missing oauth token (set GOOGLE_OAUTH_TOKEN_JSON or GOOGLE_OAUTH_TOKEN_FILE)")
)

// oauthConfigured reports whether OAuth client credentials are present in
// the environment. They take precedence over a service account.
func oauthConfigured() bool {
	return strings.TrimSpace(os.Getenv("GOOGLE_OAUTH_CLIENT_JSON")) != "" ||
		strings.TrimSpace(os.Getenv("GOOGLE_OAUTH_CLIENT_FILE")) != ""
}

// OAuthConfigFromEnv reads the OAuth client (desktop or web application)
// from GOOGLE_OAUTH_CLIENT_JSON or GOOGLE_OAUTH_CLIENT_FILE.
func OAuthConfigFromEnv() (*oauth2.Config, error) {
	b, err := readInlineOrFile("GOOGLE_OAUTH_CLIENT_JSON", "GOOGLE_OAUTH_CLIENT_FILE")
	if err != nil {
		return nil, fmt.Errorf("read oauth client: %w", err)
	}
	if b == nil {
		return nil, ErrMissingOAuthClient
	}
	cfg, err := goauth.ConfigFromJSON(b, gsheet.SpreadsheetsScope)
	if err != nil {
		return nil, fmt.Errorf("oauth config: %w", err)
	}
	return cfg, nil
}

// oauthTokenFromEnv reads a token saved by cmd/flatmates-sheets-auth.
func oauthTokenFromEnv() (*oauth2.Token, error) {
	b, err := readInlineOrFile("GOOGLE_OAUTH_TOKEN_JSON", "GOOGLE_OAUTH_TOKEN_FILE")
	if err != nil {
		return nil, fmt.Errorf("read oauth token: %w", err)
	}
	if b == nil {
		return nil, ErrMissingOAuthToken
	}
	var tok oauth2.Token
	if err := json.Unmarshal(b, &tok); err != nil {
		return nil, fmt.Errorf("parse oauth token: %w", err)
	}
	return &tok, nil
}

// oauthOption builds a client option whose token source refreshes the saved
// user token as needed.
func oauthOption(ctx context.Context) (goption.ClientOption, error) {
	cfg, err := OAuthConfigFromEnv()
	if err != nil {
		return nil, err
	}
	tok, err := oauthTokenFromEnv()
	if err != nil {
		return nil, err
	}
	return goption.WithTokenSource(cfg.TokenSource(ctx, tok)), nil
}

// SaveToken writes tok as JSON readable only by the owner.
func SaveToken(path string, tok *oauth2.Token) error {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0600)
	if err != nil {
		return fmt.Errorf("open token file: %w", err)
	}
	defer f.Close()
	if err := json.NewEncoder(f).Encode(tok); err != nil {
		return fmt.Errorf("write token: %w", err)
	}
	return nil
}

// readInlineOrFile prefers the inline variable. It returns nil, nil when
// neither is set.
func readInlineOrFile(inlineKey, fileKey string) ([]byte, error) {
	if inline := strings.TrimSpace(os.Getenv(inlineKey)); inline != "" {
		return []byte(inline), nil
	}
	if file := strings.TrimSpace(os.Getenv(fileKey)); file != "" {
		return os.ReadFile(file)
	}
	return nil, nil
}
