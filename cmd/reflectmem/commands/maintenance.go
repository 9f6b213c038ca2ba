package commands

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/oceanbase/reflective-memory-go/pkg/maintenance"
)

func newReflectCmd(g *globals) *cobra.Command {
	var (
		all   bool
		focus string
	)
	cmd := &cobra.Command{
		Use:   "reflect",
		Short: "Run the reflection pipeline",
		Long: `Sample recent important memories, cluster them and store one reflective
insight per cluster.

With --all every scope is processed and interrupted runs resume with their
original cycle time. Otherwise only the --tenant/--project scope is reflected,
optionally sampling through a focus query.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if all && focus != "" {
				return fmt.Errorf("--focus cannot be combined with --all")
			}
			client, err := g.openClient()
			if err != nil {
				return err
			}
			defer client.Close()

			if all {
				summary, err := client.RunReflectionCycle(cmd.Context())
				if perr := printJSON(cmd.OutOrStdout(), summary); perr != nil {
					return perr
				}
				return err
			}

			scope, err := g.scope()
			if err != nil {
				return err
			}
			res, err := client.ReflectScope(cmd.Context(), scope, focus)
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), res)
		},
	}
	cmd.Flags().BoolVar(&all, "all", false, "reflect every tenant/project scope")
	cmd.Flags().StringVar(&focus, "focus", "", "sample through hybrid search for this query")
	return cmd
}

func newDecayCmd(g *globals) *cobra.Command {
	return &cobra.Command{
		Use:   "decay",
		Short: "Decay stale items and graph edges in every scope",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := g.openClient()
			if err != nil {
				return err
			}
			defer client.Close()

			summary, err := client.RunDecayCycle(cmd.Context())
			if perr := printJSON(cmd.OutOrStdout(), summary); perr != nil {
				return perr
			}
			return err
		},
	}
}

func newJobsCmd(g *globals) *cobra.Command {
	return &cobra.Command{
		Use:       "jobs <decay|reflection>",
		Short:     "Show maintenance job descriptors",
		Args:      cobra.MatchAll(cobra.ExactArgs(1), cobra.OnlyValidArgs),
		ValidArgs: []string{maintenance.CycleDecay, maintenance.CycleReflection},
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := g.openClient()
			if err != nil {
				return err
			}
			defer client.Close()

			jobs, err := client.Jobs(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), jobs)
		},
	}
}
