package commands

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/oceanbase/reflective-memory-go/pkg/core"
	"github.com/oceanbase/reflective-memory-go/pkg/engine"
)

func newAddCmd(g *globals) *cobra.Command {
	var (
		layer      string
		importance float64
		tags       string
		session    string
	)
	cmd := &cobra.Command{
		Use:   "add <text>",
		Short: "Ingest a memory item",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			scope, err := g.scope()
			if err != nil {
				return err
			}
			l, err := core.ParseLayer(layer)
			if err != nil {
				return err
			}
			client, err := g.openClient()
			if err != nil {
				return err
			}
			defer client.Close()

			opts := []engine.AddOption{engine.WithLayer(l), engine.WithSessionID(session)}
			if cmd.Flags().Changed("importance") {
				opts = append(opts, engine.WithImportance(importance))
			}
			if tags != "" {
				opts = append(opts, engine.WithTags(splitComma(tags)...))
			}
			item, err := client.Add(cmd.Context(), scope, args[0], opts...)
			if err != nil {
				return err
			}
			item.Embedding = nil
			return printJSON(cmd.OutOrStdout(), item)
		},
	}
	cmd.Flags().StringVar(&layer, "layer", string(core.LayerEpisodic), "memory layer")
	cmd.Flags().Float64Var(&importance, "importance", 0, "importance in [0,1] (evaluated when omitted)")
	cmd.Flags().StringVar(&tags, "tags", "", "comma-separated tags")
	cmd.Flags().StringVar(&session, "session", "", "session id")
	return cmd
}

func newSearchCmd(g *globals) *cobra.Command {
	var (
		limit   int
		layers  string
		tags    string
		verbose bool
	)
	cmd := &cobra.Command{
		Use:   "search <query>",
		Short: "Hybrid search over a tenant/project",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			scope, err := g.scope()
			if err != nil {
				return err
			}
			opts := []engine.SearchOption{engine.WithLimit(limit)}
			if layers != "" {
				var ls []core.Layer
				for _, s := range splitComma(layers) {
					l, err := core.ParseLayer(s)
					if err != nil {
						return err
					}
					ls = append(ls, l)
				}
				opts = append(opts, engine.WithLayers(ls...))
			}
			if tags != "" {
				opts = append(opts, engine.WithTagFilter(splitComma(tags)...))
			}

			client, err := g.openClient()
			if err != nil {
				return err
			}
			defer client.Close()

			resp, err := client.Search(cmd.Context(), scope, args[0], opts...)
			if err != nil {
				return err
			}
			for _, r := range resp.Results {
				r.Item.Embedding = nil
			}
			if verbose {
				return printJSON(cmd.OutOrStdout(), resp)
			}

			out := cmd.OutOrStdout()
			if len(resp.Results) == 0 {
				fmt.Fprintln(out, "No results found.")
				return nil
			}
			if resp.Partial {
				fmt.Fprintln(out, "warning: some retrieval strategies were unavailable")
			}
			for i, r := range resp.Results {
				fmt.Fprintf(out, "%d. [score=%.3f] [%s] %s\n", i+1, r.Score, r.Item.Layer, r.Item.Content)
				if len(r.Item.Tags) > 0 {
					fmt.Fprintf(out, "   tags: %s\n", strings.Join(r.Item.Tags, ", "))
				}
			}
			return nil
		},
	}
	cmd.Flags().IntVarP(&limit, "limit", "n", 10, "maximum number of results")
	cmd.Flags().StringVar(&layers, "layers", "", "comma-separated layers to search")
	cmd.Flags().StringVar(&tags, "tags", "", "comma-separated tags every result must carry")
	cmd.Flags().BoolVar(&verbose, "json", false, "print the full response with strategy reports")
	return cmd
}

func splitComma(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	return out
}
