package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

// errVerifyMismatch signals a non-zero exit without an extra error message;
// the problems have already been printed.
var errVerifyMismatch = errors.New("verify: mirror does not match catalog")

func newVerifyCmd() *cobra.Command {
	var parallelism int

	cmd := &cobra.Command{
		Use:   "verify",
		Short: "Re-hash mirrored files and report divergence from the catalog",
		RunE: func(cmd *cobra.Command, _ []string) error {
			manager, _, logger, err := newManager()
			if err != nil {
				return err
			}

			problems, err := manager.Verify(shutdownContext(cmd.Context(), logger), parallelism)
			if err != nil {
				return err
			}

			if flagJSON {
				enc := json.NewEncoder(os.Stdout)
				enc.SetIndent("", "  ")

				if err := enc.Encode(problems); err != nil {
					return err
				}
			} else {
				for _, p := range problems {
					fmt.Printf("%s: %s (%s)\n", p.Path, p.Reason, p.RemoteID)
				}
			}

			if len(problems) > 0 {
				return errVerifyMismatch
			}

			fmt.Fprintln(os.Stderr, "All mirrored files match the catalog.")

			return nil
		},
	}

	cmd.Flags().IntVar(&parallelism, "parallel", 4, "number of files hashed concurrently")

	return cmd
}
