package commands

import (
	"encoding/json"
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"github.com/oceanbase/reflective-memory-go/pkg/core"
	"github.com/oceanbase/reflective-memory-go/pkg/engine"
)

// globals holds the persistent flags shared by every command.
type globals struct {
	configPath string
	tenant     string
	project    string
}

// NewRootCmd builds the command tree.
func NewRootCmd() *cobra.Command {
	g := &globals{}
	root := &cobra.Command{
		Use:   "reflectmem",
		Short: "Reflective memory engine for autonomous agents",
		Long: `reflectmem - command line access to the reflective memory engine.

Memories live in tenant/project scopes. Every command except jobs, decay and
reflect --all needs --tenant and --project.

Configuration is read from --config (.json, .yaml, .yml or .env). Without it
the nearest .env file is used, then the process environment.

Examples:
  # Ingest and search
  reflectmem -t acme -p ops add "deploy failed: timeout on service X" --importance 0.6
  reflectmem -t acme -p ops search "timeout" --limit 5

  # Run the maintenance cycles for every scope
  reflectmem decay
  reflectmem reflect --all

  # Snapshot the knowledge graph
  reflectmem -t acme -p ops snapshot create before-migration`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	root.PersistentFlags().StringVarP(&g.configPath, "config", "c", "", "config file (.json, .yaml, .yml or .env)")
	root.PersistentFlags().StringVarP(&g.tenant, "tenant", "t", "", "tenant id")
	root.PersistentFlags().StringVarP(&g.project, "project", "p", "", "project id")

	root.AddCommand(
		newAddCmd(g),
		newSearchCmd(g),
		newReflectCmd(g),
		newDecayCmd(g),
		newSnapshotCmd(g),
		newJobsCmd(g),
	)
	return root
}

// Execute runs the root command.
func Execute() error {
	return NewRootCmd().Execute()
}

// loadConfig resolves the configuration: the --config file, the nearest
// .env file, or the environment.
func (g *globals) loadConfig() (*core.Config, error) {
	if g.configPath != "" {
		return core.LoadConfigFromFile(g.configPath)
	}
	if path, ok := core.FindEnvFile(); ok {
		return core.LoadConfigFromEnvFile(path)
	}
	return core.LoadConfigFromEnv()
}

func (g *globals) openClient() (*engine.Client, error) {
	cfg, err := g.loadConfig()
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	client, err := engine.NewClient(cfg)
	if err != nil {
		return nil, fmt.Errorf("open engine: %w", err)
	}
	return client, nil
}

func (g *globals) scope() (core.Scope, error) {
	s := core.Scope{TenantID: g.tenant, ProjectID: g.project}
	if err := s.Validate(); err != nil {
		return core.Scope{}, fmt.Errorf("--tenant and --project are required")
	}
	return s, nil
}

// printJSON writes v as indented JSON.
func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
