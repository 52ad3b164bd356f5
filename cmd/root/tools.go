package root

import (
	"fmt"

	"github.com/spf13/cobra"
)

func newToolsCmd(root *rootFlags) *cobra.Command {
	return &cobra.Command{
		Use:     "tools",
		Short:   "List the tools the daemon can launch",
		GroupID: "core",
		Args:    cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			tools, err := root.client().Tools(cmd.Context())
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			if len(tools) == 0 {
				fmt.Fprintln(out, "No tools in the catalog")
				return nil
			}

			fmt.Fprintf(out, "%-20s %-12s %-10s %s\n", "NAME", "INVOCATION", "EVENTS", "DESCRIPTION")
			for _, tool := range tools {
				fmt.Fprintf(out, "%-20s %-12s %-10s %s\n", tool.Name, tool.Invocation, tool.Events, tool.Description)
			}
			return nil
		},
	}
}
