package root

import (
	"encoding/json"
	"fmt"
	"strconv"

	"github.com/spf13/cobra"

	"github.com/Flissel/Vibemind-sub000/pkg/bridge"
)

func newCreateCmd(root *rootFlags) *cobra.Command {
	var meta []string

	cmd := &cobra.Command{
		Use:     "create <tool>",
		Short:   "Create a session without starting it",
		GroupID: "core",
		Args:    cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			metadata, err := parseMetadata(meta)
			if err != nil {
				return err
			}

			s, err := root.client().CreateSession(cmd.Context(), args[0], metadata)
			if err != nil {
				return err
			}

			fmt.Fprintln(cmd.OutOrStdout(), s.ID)
			return nil
		},
	}

	cmd.Flags().StringArrayVar(&meta, "meta", nil, "Session metadata as key=value (repeatable)")

	return cmd
}

func newStartCmd(root *rootFlags) *cobra.Command {
	return &cobra.Command{
		Use:     "start <session-id>",
		Short:   "Start a created session",
		GroupID: "core",
		Args:    cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := root.client().StartSession(cmd.Context(), args[0])
			if err != nil {
				return err
			}

			fmt.Fprintln(cmd.OutOrStdout(), s.ID)
			return nil
		},
	}
}

func newRunCmd(root *rootFlags) *cobra.Command {
	var meta []string
	var follow bool

	cmd := &cobra.Command{
		Use:     "run <tool>",
		Short:   "Create and start a session in one step",
		GroupID: "core",
		Example: `  # Launch a research session and print its id
  vibemind run research --meta prompt="map the codebase"

  # Launch and stream its events until it finishes
  vibemind run research --follow`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			metadata, err := parseMetadata(meta)
			if err != nil {
				return err
			}

			c := root.client()
			s, err := c.CreateSession(cmd.Context(), args[0], metadata)
			if err != nil {
				return err
			}
			if _, err := c.StartSession(cmd.Context(), s.ID); err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), s.ID)

			if !follow {
				return nil
			}
			return c.StreamEvents(cmd.Context(), s.ID, 0, func(ev bridge.Event) error {
				printEvent(cmd.OutOrStdout(), ev)
				return nil
			})
		},
	}

	cmd.Flags().StringArrayVar(&meta, "meta", nil, "Session metadata as key=value (repeatable)")
	cmd.Flags().BoolVarP(&follow, "follow", "f", false, "Stream session events until the session ends")

	return cmd
}

func newLsCmd(root *rootFlags) *cobra.Command {
	return &cobra.Command{
		Use:     "ls",
		Short:   "List sessions",
		GroupID: "core",
		Args:    cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			sessions, err := root.client().ListSessions(cmd.Context())
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			if len(sessions) == 0 {
				fmt.Fprintln(out, "No sessions found")
				return nil
			}

			fmt.Fprintf(out, "%-38s %-14s %-10s %-22s %-8s %s\n", "ID", "TOOL", "STATUS", "ENDPOINT", "PID", "CREATED")
			for _, s := range sessions {
				endpoint := "-"
				if s.Port > 0 {
					endpoint = fmt.Sprintf("%s:%d", s.Host, s.Port)
				}
				pid := "-"
				if s.PID > 0 {
					pid = strconv.Itoa(s.PID)
				}
				fmt.Fprintf(out, "%-38s %-14s %-10s %-22s %-8s %s\n",
					s.ID, s.Tool, s.Status, endpoint, pid, s.CreatedAt.Format("2006-01-02 15:04:05"))
			}
			return nil
		},
	}
}

func newInspectCmd(root *rootFlags) *cobra.Command {
	return &cobra.Command{
		Use:     "inspect <session-id>",
		Short:   "Show one session as JSON",
		GroupID: "core",
		Args:    cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := root.client().GetSession(cmd.Context(), args[0])
			if err != nil {
				return err
			}

			data, err := json.MarshalIndent(s, "", "  ")
			if err != nil {
				return fmt.Errorf("encoding session: %w", err)
			}
			fmt.Fprintln(cmd.OutOrStdout(), string(data))
			return nil
		},
	}
}

func newStopCmd(root *rootFlags) *cobra.Command {
	return &cobra.Command{
		Use:     "stop <session-id>",
		Short:   "Stop a session's process",
		GroupID: "core",
		Args:    cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			result, err := root.client().StopSession(cmd.Context(), args[0])
			if err != nil {
				return err
			}

			fmt.Fprintln(cmd.OutOrStdout(), result)
			return nil
		},
	}
}

func newRmCmd(root *rootFlags) *cobra.Command {
	return &cobra.Command{
		Use:     "rm <session-id>",
		Short:   "Remove a session, stopping it first if needed",
		GroupID: "core",
		Args:    cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := root.client().DeleteSession(cmd.Context(), args[0]); err != nil {
				return err
			}

			fmt.Fprintln(cmd.OutOrStdout(), args[0])
			return nil
		},
	}
}
