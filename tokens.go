package main

import (
	"github.com/spf13/cobra"
)

func newRefreshTokensCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "refresh-tokens",
		Short: "Refresh and re-persist the stored token pair for every source",
		Long: "Fetches the user profile for each enabled source, which forces a token " +
			"refresh when the access token has expired, and saves the rotated pair. " +
			"Run this periodically to keep refresh tokens from expiring between syncs.",
		RunE: func(cmd *cobra.Command, _ []string) error {
			manager, _, logger, err := newManager()
			if err != nil {
				return err
			}

			return manager.RefreshTokens(shutdownContext(cmd.Context(), logger))
		},
	}
}
