package root

import (
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"github.com/Flissel/Vibemind-sub000/pkg/bridge"
)

func newEventsCmd(root *rootFlags) *cobra.Command {
	var since int64
	var follow bool

	cmd := &cobra.Command{
		Use:     "events <session-id>",
		Short:   "Show a session's events",
		GroupID: "core",
		Example: `  # Print the buffered events
  vibemind events 4f2c9c1e-8b1a-4d7e-9c3f-2a6f1f6f0b1d

  # Stream live events until the session ends
  vibemind events 4f2c9c1e-8b1a-4d7e-9c3f-2a6f1f6f0b1d --follow

  # Resume from a known sequence number
  vibemind events 4f2c9c1e-8b1a-4d7e-9c3f-2a6f1f6f0b1d --since 42 --follow`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c := root.client()
			out := cmd.OutOrStdout()

			if follow {
				return c.StreamEvents(cmd.Context(), args[0], since, func(ev bridge.Event) error {
					printEvent(out, ev)
					return nil
				})
			}

			events, err := c.Events(cmd.Context(), args[0], since)
			if err != nil {
				return err
			}
			for _, ev := range events {
				printEvent(out, ev)
			}
			return nil
		},
	}

	cmd.Flags().Int64Var(&since, "since", 0, "Only events with a sequence number greater than this")
	cmd.Flags().BoolVarP(&follow, "follow", "f", false, "Keep streaming live events until the session ends")

	return cmd
}

func newOutputCmd(root *rootFlags) *cobra.Command {
	return &cobra.Command{
		Use:     "output <session-id>",
		Short:   "Show a session's recent raw stdout and stderr lines",
		GroupID: "core",
		Args:    cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			lines, err := root.client().Output(cmd.Context(), args[0])
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			for _, line := range lines {
				fmt.Fprintln(out, line)
			}
			return nil
		},
	}
}

func printEvent(out io.Writer, ev bridge.Event) {
	payload := ""
	if len(ev.Payload) > 0 {
		payload = " " + string(ev.Payload)
	}
	fmt.Fprintf(out, "%6d  %s  %-16s%s\n", ev.Seq, ev.Timestamp.Format("15:04:05"), ev.Type, payload)
}
