package main

import (
	"errors"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/driveclone/driveclone/internal/credential"
	"github.com/driveclone/driveclone/internal/tokenfile"
)

var errNoClientID = errors.New("auth.client_id is not set; personal login needs an OAuth client")

func newLoginCmd() *cobra.Command {
	var email string

	cmd := &cobra.Command{
		Use:   "login",
		Short: "Authorize a personal Google account",
		Long: `Run the OAuth consent flow for the client in [auth] and save the token
to auth.token_file. Open the printed URL in a browser; the flow completes
when the browser is redirected back to this machine.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cc := mustCLIContext(cmd.Context())
			ctx := shutdownContext(cmd.Context(), cc.Logger)
			auth := &cc.Cfg.Auth

			if auth.ClientID == "" {
				return errNoClientID
			}

			client := credential.OAuthClient{ID: auth.ClientID, Secret: auth.ClientSecret}

			openURL := func(url string) error {
				_, err := fmt.Fprintf(os.Stderr, "Open this URL to authorize driveclone:\n\n  %s\n\n", url)
				return err
			}

			if err := credential.Login(ctx, client, auth.TokenFile, email, openURL, cc.Logger); err != nil {
				return err
			}

			cc.Statusf("Login successful. Token saved to %s.\n", auth.TokenFile)

			return nil
		},
	}

	cmd.Flags().StringVar(&email, "email", "", "account email to record with the token")

	return cmd
}

func newLogoutCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "logout",
		Short: "Delete the saved personal token",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cc := mustCLIContext(cmd.Context())

			if err := tokenfile.Remove(cc.Cfg.Auth.TokenFile); err != nil {
				return err
			}

			cc.Statusf("Logged out. Removed %s.\n", cc.Cfg.Auth.TokenFile)

			return nil
		},
	}
}
