// Package main implements the docgraph CLI that loads a folder of documents
// into the knowledge graph.
package main

import (
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/OFFIS-RIT/docgraph/internal/app"
	"github.com/OFFIS-RIT/docgraph/internal/config"
	"github.com/OFFIS-RIT/docgraph/internal/util"
	"github.com/OFFIS-RIT/docgraph/pkg/ai"
	"github.com/OFFIS-RIT/docgraph/pkg/pipeline"
	"github.com/OFFIS-RIT/docgraph/pkg/source"
	"github.com/OFFIS-RIT/docgraph/pkg/store"
	"github.com/OFFIS-RIT/docgraph/pkg/store/memory"

	"github.com/spf13/cobra"
)

var (
	configPath string
	dryRun     bool
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "docgraph [input_folder]",
	Short: "Load a folder of documents into the knowledge graph",
	Long: `docgraph chunks, embeds and extracts entities from every matching file of a
folder and writes documents, entities, relationships and chunks to the graph store.

Examples:
  # Load ./data with etl_config.yaml from the working directory
  docgraph data

  # Use another config file
  docgraph data --config /etc/docgraph/etl_config.yaml

  # Load into an in-memory graph and print what would be written
  docgraph data --dry-run`,
	Args:         cobra.MaximumNArgs(1),
	SilenceUsage: true,
	RunE:         runIngest,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "config file (default etl_config.yaml if present)")
	rootCmd.Flags().BoolVar(&dryRun, "dry-run", false, "load into an in-memory graph and print node and edge counts")
}

// loadConfig reads .env, the config file and the environment and installs
// the logger.
func loadConfig() (*config.Config, error) {
	util.LoadEnv()
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, err
	}
	app.InitLogger(cfg, "")
	return cfg, nil
}

func runIngest(cmd *cobra.Command, args []string) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	var opts []app.Option
	if dryRun {
		opts = append(opts, app.WithStore(memory.New()))
	}
	a, err := app.New(ctx, cfg, opts...)
	if err != nil {
		return err
	}
	defer a.Close()

	var dir string
	if len(args) > 0 {
		dir = args[0]
	}
	src, err := a.Source(ctx, dir)
	if err != nil {
		return err
	}

	report, runErr := a.Pipeline.Run(ctx, src)
	if errors.Is(runErr, source.ErrSourceEmpty) {
		return runErr
	}
	printReport(cmd.OutOrStdout(), report)
	printUsage(cmd.OutOrStdout(), a.AI.GetMetrics())

	if dryRun {
		stats, err := a.Stats(ctx)
		if err != nil {
			return errors.Join(runErr, err)
		}
		printStats(cmd.OutOrStdout(), stats)
	}
	return runErr
}

func printReport(w io.Writer, r pipeline.RunReport) {
	fmt.Fprintf(w, "run %s finished in %s\n", r.RunID, r.Duration.Round(time.Millisecond))
	fmt.Fprintf(w, "  documents:     %d (loaded %d, failed %d)\n", r.Documents, r.Loaded, len(r.Failed))
	fmt.Fprintf(w, "  entities:      %d\n", r.Entities)
	fmt.Fprintf(w, "  relationships: %d (dropped %d)\n", r.Relationships, r.Dropped)
	fmt.Fprintf(w, "  chunks:        %d\n", r.Chunks)
	for _, f := range r.Failed {
		fmt.Fprintf(w, "  failed %s: %s at %s: %v\n", f.Filename, f.Kind, f.Stage, f.Err)
	}
}

func printUsage(w io.Writer, m ai.ModelMetrics) {
	fmt.Fprintf(w, "  ai tokens:     %d (input %d, output %d)\n", m.TotalTokens, m.InputTokens, m.OutputTokens)
}

func printStats(w io.Writer, s store.Stats) {
	fmt.Fprintln(w, "graph:")
	for _, label := range sortedKeys(s.Nodes) {
		fmt.Fprintf(w, "  (:%s) %d\n", label, s.Nodes[label])
	}
	for _, typ := range sortedKeys(s.Edges) {
		fmt.Fprintf(w, "  [:%s] %d\n", typ, s.Edges[typ])
	}
}
