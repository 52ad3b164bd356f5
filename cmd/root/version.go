package root

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/Flissel/Vibemind-sub000/pkg/version"
)

func newVersionCmd(root *rootFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Show client and daemon versions",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "Client: %s\n", version.Version)

			ctx, cancel := context.WithTimeout(cmd.Context(), 2*time.Second)
			defer cancel()

			health, err := root.client().Health(ctx)
			if err != nil {
				fmt.Fprintf(out, "Server: unreachable (%v)\n", err)
				return nil
			}
			fmt.Fprintf(out, "Server: %s\n", health.Version)
			return nil
		},
	}
}
