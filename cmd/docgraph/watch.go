package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/OFFIS-RIT/docgraph/internal/app"
	"github.com/OFFIS-RIT/docgraph/pkg/common"
	"github.com/OFFIS-RIT/docgraph/pkg/logger"

	"github.com/spf13/cobra"
)

var initialRun bool

func init() {
	watchCmd.Flags().BoolVar(&initialRun, "initial", false, "load the files already in the folder before watching")
	rootCmd.AddCommand(watchCmd)
}

var watchCmd = &cobra.Command{
	Use:   "watch [input_folder]",
	Short: "Load files as they appear in a folder",
	Long: `Watch a local folder and load every matching file that is created or
rewritten until interrupted.

Examples:
  # Watch ./inbox
  docgraph watch inbox

  # Load what is already there first
  docgraph watch inbox --initial`,
	Args:         cobra.MaximumNArgs(1),
	SilenceUsage: true,
	RunE:         runWatch,
}

func runWatch(cmd *cobra.Command, args []string) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	a, err := app.New(ctx, cfg)
	if err != nil {
		return err
	}
	defer a.Close()

	var dir string
	if len(args) > 0 {
		dir = args[0]
	}
	local := a.Local(dir)

	if initialRun {
		report, err := a.Pipeline.Run(ctx, local)
		if err != nil {
			logger.Warn("[Pipeline] Initial run failed", "dir", local.Dir(), "err", err)
		} else {
			printReport(cmd.OutOrStdout(), report)
		}
	}

	return local.Watch(ctx, func(ctx context.Context, doc common.Document) error {
		report, err := a.Pipeline.Process(ctx, doc)
		if err != nil {
			return err
		}
		logger.Info("[Pipeline] Loaded document", "filename", doc.Filename, "document_id", report.DocumentID,
			"chunks", report.Load.Chunks, "entities", report.Load.Entities)
		return nil
	})
}
