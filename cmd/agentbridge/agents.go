package main

import (
	"fmt"
	"io"
	"text/tabwriter"

	"github.com/fatih/color"
	"github.com/sebastianm/agentbridge/internal/registry"
	"github.com/spf13/cobra"
)

func agentsCmd() *cobra.Command {
	var refresh bool

	cmd := &cobra.Command{
		Use:   "agents",
		Short: "List known agents and whether they are installed",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			e, err := loadEnv()
			if err != nil {
				return err
			}
			if refresh {
				// A fresh registry has an empty discovery cache.
				if e.reg, err = buildRegistry(e.log, e.cfg); err != nil {
					return err
				}
			}
			printAgents(cmd.OutOrStdout(), e.reg.DetectInstalled(cmd.Context()))
			return nil
		},
	}

	cmd.Flags().BoolVar(&refresh, "refresh", false, "ignore cached discovery results")
	return cmd
}

func printAgents(w io.Writer, agents []registry.AgentConfig) {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tNAME\tINSTALLED\tPATH")
	ok := color.New(color.FgGreen).SprintFunc()
	missing := color.New(color.Faint).SprintFunc()
	for _, a := range agents {
		state, path := missing("no"), missing("-")
		if a.Installed {
			state, path = ok("yes"), a.BinaryPath
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\n", a.ID, a.Name, state, path)
	}
	tw.Flush()
}
