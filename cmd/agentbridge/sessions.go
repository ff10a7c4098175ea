package main

import (
	"errors"
	"fmt"
	"io"
	"path/filepath"
	"text/tabwriter"
	"time"

	"github.com/sebastianm/agentbridge/internal/sessionstore"
	"github.com/spf13/cobra"
)

func sessionsCmd() *cobra.Command {
	var forget bool

	cmd := &cobra.Command{
		Use:   "sessions [--forget AGENT WORKSPACE]",
		Short: "List or forget remembered agent sessions",
		Args: func(cmd *cobra.Command, args []string) error {
			if forget {
				return cobra.ExactArgs(2)(cmd, args)
			}
			return cobra.NoArgs(cmd, args)
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			e, err := loadEnv()
			if err != nil {
				return err
			}
			store, closeDB, err := e.openStore(cmd.Context())
			if err != nil {
				return err
			}
			defer closeDB()

			if forget {
				workspace, err := filepath.Abs(args[1])
				if err != nil {
					return err
				}
				err = store.Forget(cmd.Context(), args[0], workspace)
				if errors.Is(err, sessionstore.ErrNotFound) {
					return fmt.Errorf("no session remembered for %s in %s", args[0], workspace)
				}
				return err
			}

			entries, err := store.List(cmd.Context())
			if err != nil {
				return err
			}
			printSessions(cmd.OutOrStdout(), entries)
			return nil
		},
	}

	cmd.Flags().BoolVar(&forget, "forget", false, "forget the session for AGENT in WORKSPACE")
	return cmd
}

func printSessions(w io.Writer, entries []sessionstore.Entry) {
	if len(entries) == 0 {
		fmt.Fprintln(w, "no remembered sessions")
		return
	}
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "AGENT\tWORKSPACE\tSESSION\tLAST USED")
	for _, e := range entries {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\n", e.AgentID, e.Workspace, e.SessionID, e.UpdatedAt.Local().Format(time.DateTime))
	}
	tw.Flush()
}
