package main

import (
	"encoding/json"
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/spf13/cobra"
)

func newStatusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show catalog counts and queue depth for every source",
		RunE: func(cmd *cobra.Command, _ []string) error {
			manager, _, _, err := newManager()
			if err != nil {
				return err
			}

			statuses, err := manager.Status(cmd.Context())
			if err != nil {
				return err
			}

			if flagJSON {
				enc := json.NewEncoder(os.Stdout)
				enc.SetIndent("", "  ")

				return enc.Encode(statuses)
			}

			w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "SOURCE\tFOLDERS\tFILES\tPENDING\tCURSOR\tSTATE")

			for _, s := range statuses {
				state := "enabled"
				if s.Disabled {
					state = "disabled"
				}

				cursor := "-"
				if s.HasCursor {
					cursor = "yes"
				}

				fmt.Fprintf(w, "%s\t%d\t%d\t%d\t%s\t%s\n",
					s.Name, s.Folders, s.Files, s.Pending, cursor, state)
			}

			return w.Flush()
		},
	}
}
