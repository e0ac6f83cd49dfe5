package credential

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"golang.org/x/oauth2"

	"github.com/driveclone/driveclone/internal/tokenfile"
)

const (
	stateTokenBytes       = 16
	callbackServerTimeout = 5 * time.Second
)

type callbackResult struct {
	code string
	err  error
}

// Login runs the OAuth2 authorization code flow with PKCE against a
// loopback redirect, then saves the token (and email, if given) to
// tokenPath. openURL presents the consent URL to the user.
func Login(
	ctx context.Context,
	client OAuthClient,
	tokenPath, email string,
	openURL func(string) error,
	logger *slog.Logger,
) error {
	return login(ctx, client.oauthConfig(), tokenPath, email, openURL, logger)
}

// login takes a pre-built config so tests can point it at a fake endpoint.
func login(
	ctx context.Context,
	cfg *oauth2.Config,
	tokenPath, email string,
	openURL func(string) error,
	logger *slog.Logger,
) error {
	resultCh := make(chan callbackResult, 1)
	mux := http.NewServeMux()

	lc := net.ListenConfig{}

	listener, err := lc.Listen(ctx, "tcp", "127.0.0.1:0")
	if err != nil {
		return fmt.Errorf("credential: binding loopback listener: %w", err)
	}

	tcpAddr, ok := listener.Addr().(*net.TCPAddr)
	if !ok {
		listener.Close()
		return errors.New("credential: listener address is not TCP")
	}

	srv := &http.Server{Handler: mux, ReadHeaderTimeout: callbackServerTimeout}

	go func() {
		if serveErr := srv.Serve(listener); serveErr != nil && !errors.Is(serveErr, http.ErrServerClosed) {
			resultCh <- callbackResult{err: fmt.Errorf("credential: callback server: %w", serveErr)}
		}
	}()

	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), callbackServerTimeout)
		defer cancel()

		if err := srv.Shutdown(shutdownCtx); err != nil {
			logger.Warn("callback server shutdown error", slog.String("error", err.Error()))
		}
	}()

	cfg.RedirectURL = fmt.Sprintf("http://127.0.0.1:%d/", tcpAddr.Port)

	state, err := randomState()
	if err != nil {
		return fmt.Errorf("credential: generating state token: %w", err)
	}

	verifier := oauth2.GenerateVerifier()

	mux.HandleFunc("GET /", func(w http.ResponseWriter, r *http.Request) {
		res := handleCallback(w, r, state)

		select {
		case resultCh <- res:
		default:
		}
	})

	authURL := cfg.AuthCodeURL(state,
		oauth2.AccessTypeOffline,
		oauth2.ApprovalForce,
		oauth2.S256ChallengeOption(verifier),
	)

	if err := openURL(authURL); err != nil {
		return fmt.Errorf("credential: presenting consent URL: %w", err)
	}

	var res callbackResult

	select {
	case res = <-resultCh:
	case <-ctx.Done():
		return fmt.Errorf("credential: login canceled: %w", ctx.Err())
	}

	if res.err != nil {
		return res.err
	}

	tok, err := cfg.Exchange(ctx, res.code, oauth2.VerifierOption(verifier))
	if err != nil {
		return fmt.Errorf("credential: token exchange failed: %w", err)
	}

	acct := tokenfile.Account{Email: email, ClientID: cfg.ClientID}

	if err := tokenfile.Save(tokenPath, tok, acct); err != nil {
		return fmt.Errorf("credential: saving token: %w", err)
	}

	logger.Info("login successful",
		slog.String("path", tokenPath),
		slog.Time("expiry", tok.Expiry),
	)

	return nil
}

func handleCallback(w http.ResponseWriter, r *http.Request, state string) callbackResult {
	q := r.URL.Query()

	if q.Get("state") != state {
		http.Error(w, "Invalid state parameter", http.StatusBadRequest)
		return callbackResult{err: errors.New("credential: OAuth2 state mismatch")}
	}

	if errParam := q.Get("error"); errParam != "" {
		http.Error(w, "Authorization failed: "+errParam, http.StatusBadRequest)
		return callbackResult{err: fmt.Errorf("credential: authorization failed: %s", errParam)}
	}

	code := q.Get("code")
	if code == "" {
		http.Error(w, "Missing authorization code", http.StatusBadRequest)
		return callbackResult{err: errors.New("credential: callback missing authorization code")}
	}

	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	fmt.Fprint(w, "<html><body><h1>Authorized</h1>"+
		"<p>You can close this window and return to the terminal.</p></body></html>")

	return callbackResult{code: code}
}

func randomState() (string, error) {
	b := make([]byte, stateTokenBytes)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}

	return hex.EncodeToString(b), nil
}
