package credential

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"golang.org/x/oauth2"
	"golang.org/x/oauth2/google"
	"google.golang.org/api/drive/v3"

	"github.com/driveclone/driveclone/internal/tokenfile"
)

// Personal token errors.
var (
	ErrNotLoggedIn    = errors.New("credential: not logged in (run 'driveclone login')")
	ErrClientMismatch = errors.New("credential: token was issued to another OAuth client (run 'driveclone login')")
)

// OAuthClient identifies the OAuth application used for the personal account.
type OAuthClient struct {
	ID     string
	Secret string
}

// oauthConfig builds the Google OAuth2 configuration for a personal account.
func (o OAuthClient) oauthConfig() *oauth2.Config {
	return &oauth2.Config{
		ClientID:     o.ID,
		ClientSecret: o.Secret,
		Endpoint:     google.Endpoint,
		Scopes:       []string{drive.DriveScope},
	}
}

// LoadServiceAccounts reads every *.json key file in dir, sorted by file
// name, and returns one credential per key. Files that are not valid
// service-account keys are skipped with a warning; an empty result is an
// error.
func LoadServiceAccounts(ctx context.Context, dir string, logger *slog.Logger) ([]*Credential, error) {
	paths, err := filepath.Glob(filepath.Join(dir, "*.json"))
	if err != nil {
		return nil, fmt.Errorf("credential: listing %s: %w", dir, err)
	}

	sort.Strings(paths)

	creds := make([]*Credential, 0, len(paths))

	for _, p := range paths {
		c, err := loadServiceAccount(ctx, p)
		if err != nil {
			logger.Warn("skipping service account key",
				slog.String("path", p),
				slog.String("error", err.Error()),
			)

			continue
		}

		creds = append(creds, c)
	}

	if len(creds) == 0 {
		return nil, fmt.Errorf("credential: no usable service account keys in %s", dir)
	}

	logger.Info("loaded service accounts",
		slog.String("dir", dir),
		slog.Int("count", len(creds)),
	)

	return creds, nil
}

func loadServiceAccount(ctx context.Context, path string) (*Credential, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("credential: reading %s: %w", path, err)
	}

	cfg, err := google.JWTConfigFromJSON(data, drive.DriveScope)
	if err != nil {
		return nil, fmt.Errorf("credential: parsing %s: %w", path, err)
	}

	name := strings.TrimSuffix(filepath.Base(path), filepath.Ext(path))

	return New(name, KindServiceAccount, cfg.Email, cfg.TokenSource(ctx)), nil
}

// LoadPersonal returns the credential stored in the personal token file.
// Refreshed tokens are written back to the file so the next process starts
// with a valid access token.
func LoadPersonal(ctx context.Context, client OAuthClient, tokenPath string, logger *slog.Logger) (*Credential, error) {
	f, err := tokenfile.Load(tokenPath)
	if errors.Is(err, tokenfile.ErrNoToken) {
		return nil, ErrNotLoggedIn
	}

	if err != nil {
		return nil, err
	}

	if f.Account.ClientID != "" && client.ID != "" && f.Account.ClientID != client.ID {
		return nil, fmt.Errorf("%w: %s belongs to client %s", ErrClientMismatch, tokenPath, f.Account.ClientID)
	}

	tok := f.Token

	logger.Debug("loaded personal token",
		slog.String("path", tokenPath),
		slog.Time("expiry", tok.Expiry),
	)

	src := &persistingSource{
		src:    client.oauthConfig().TokenSource(ctx, tok),
		path:   tokenPath,
		acct:   f.Account,
		last:   tok.AccessToken,
		logger: logger,
	}

	return New("personal", KindPersonal, f.Account.Email, src), nil
}

// persistingSource saves the token to disk whenever the underlying source
// hands out a new access token.
type persistingSource struct {
	src    oauth2.TokenSource
	path   string
	acct   tokenfile.Account
	logger *slog.Logger

	mu   sync.Mutex
	last string
}

func (p *persistingSource) Token() (*oauth2.Token, error) {
	tok, err := p.src.Token()
	if err != nil {
		return nil, fmt.Errorf("credential: refreshing personal token: %w", err)
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	if tok.AccessToken == p.last {
		return tok, nil
	}

	p.last = tok.AccessToken

	if err := tokenfile.Save(p.path, tok, p.acct); err != nil {
		p.logger.Warn("failed to persist refreshed token",
			slog.String("path", p.path),
			slog.String("error", err.Error()),
		)

		return tok, nil
	}

	p.logger.Debug("persisted refreshed token",
		slog.String("path", p.path),
		slog.Time("expiry", tok.Expiry),
	)

	return tok, nil
}
