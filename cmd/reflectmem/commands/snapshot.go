package commands

import (
	"github.com/spf13/cobra"
)

func newSnapshotCmd(g *globals) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "snapshot",
		Short: "Create, list and restore knowledge graph snapshots",
	}

	var description string
	create := &cobra.Command{
		Use:   "create <name>",
		Short: "Capture the active graph",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			scope, err := g.scope()
			if err != nil {
				return err
			}
			client, err := g.openClient()
			if err != nil {
				return err
			}
			defer client.Close()

			snap, err := client.Snapshot(cmd.Context(), scope, args[0], description)
			if err != nil {
				return err
			}
			snap.Nodes, snap.Edges = nil, nil
			return printJSON(cmd.OutOrStdout(), snap)
		},
	}
	create.Flags().StringVar(&description, "description", "", "snapshot description")

	list := &cobra.Command{
		Use:   "list",
		Short: "List snapshots, newest first",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			scope, err := g.scope()
			if err != nil {
				return err
			}
			client, err := g.openClient()
			if err != nil {
				return err
			}
			defer client.Close()

			snaps, err := client.ListSnapshots(cmd.Context(), scope)
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), snaps)
		},
	}

	var clearExisting bool
	restore := &cobra.Command{
		Use:   "restore <id>",
		Short: "Re-assert the nodes and edges of a snapshot",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			scope, err := g.scope()
			if err != nil {
				return err
			}
			client, err := g.openClient()
			if err != nil {
				return err
			}
			defer client.Close()

			summary, err := client.RestoreSnapshot(cmd.Context(), scope, args[0], clearExisting)
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), summary)
		},
	}
	restore.Flags().BoolVar(&clearExisting, "clear", false, "delete the current graph before restoring")

	stats := &cobra.Command{
		Use:   "stats",
		Short: "Summarize the current graph",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			scope, err := g.scope()
			if err != nil {
				return err
			}
			client, err := g.openClient()
			if err != nil {
				return err
			}
			defer client.Close()

			st, err := client.GraphStats(cmd.Context(), scope)
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), st)
		},
	}

	cmd.AddCommand(create, list, restore, stats)
	return cmd
}
