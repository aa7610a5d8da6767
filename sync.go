package main

import (
	"path/filepath"

	"github.com/spf13/cobra"
)

func newSyncCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "sync",
		Short: "Fetch remote changes and apply them to the local mirror",
		RunE: func(cmd *cobra.Command, _ []string) error {
			manager, cfg, logger, err := newManager()
			if err != nil {
				return err
			}

			cleanup, err := writePIDFile(filepath.Join(cfg.StateDir, "blueshift.pid"))
			if err != nil {
				return err
			}
			defer cleanup()

			return manager.Sync(shutdownContext(cmd.Context(), logger))
		},
	}
}
